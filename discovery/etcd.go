package discovery

import (
	"context"
	"encoding/json"
	"fmt"

	log "github.com/sirupsen/logrus"
	clientv3 "go.etcd.io/etcd/client/v3"

	"controlplane/common"
	"controlplane/etcd"
	"controlplane/southbound/protocol"
)

// Getter is the part of clientv3.KV used by EtcdDiscoverer.
type Getter interface {
	Get(ctx context.Context, key string, opts ...clientv3.OpOption) (*clientv3.GetResponse, error)
}

type etcdPort struct {
	No     uint32 `json:"no"`
	HWAddr string `json:"hw_addr"`
	Name   string `json:"name"`
	Up     bool   `json:"up"`
}

type etcdSwitch struct {
	DPID  common.DPID `json:"dpid"`
	Ports []etcdPort  `json:"ports"`
	Live  bool        `json:"live"`
}

// EtcdDiscoverer reads the fabric from a registry maintained by the
// provisioning system: one JSON switch per key under /fabric/switches/ and
// one JSON directed link per key under /fabric/links/.
type EtcdDiscoverer struct {
	kv Getter
}

func NewEtcdDiscoverer(kv Getter) *EtcdDiscoverer {
	return &EtcdDiscoverer{kv: kv}
}

// Discover fails as a whole when any value is malformed.
func (d *EtcdDiscoverer) Discover(ctx context.Context) (*common.Discovery, error) {
	switches, err := d.kv.Get(ctx, etcd.SwitchPrefix, clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", etcd.SwitchPrefix, err)
	}
	links, err := d.kv.Get(ctx, etcd.LinkPrefix, clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", etcd.LinkPrefix, err)
	}

	out := &common.Discovery{}
	for _, kv := range switches.Kvs {
		var sw etcdSwitch
		if err := json.Unmarshal(kv.Value, &sw); err != nil {
			return nil, fmt.Errorf("malformed switch at %s: %w", kv.Key, err)
		}
		info := common.SwitchInfo{DPID: sw.DPID, Live: sw.Live}
		for _, p := range sw.Ports {
			port := common.PortInfo{No: p.No, Name: p.Name, Up: p.Up}
			if p.HWAddr != "" {
				mac, err := protocol.ParseMAC(p.HWAddr)
				if err != nil {
					return nil, fmt.Errorf("malformed port %d at %s: %w", p.No, kv.Key, err)
				}
				port.HWAddr = mac
			}
			info.Ports = append(info.Ports, port)
		}
		out.Switches = append(out.Switches, info)
	}
	for _, kv := range links.Kvs {
		var l common.Link
		if err := json.Unmarshal(kv.Value, &l); err != nil {
			return nil, fmt.Errorf("malformed link at %s: %w", kv.Key, err)
		}
		out.Links = append(out.Links, l)
	}
	log.Debugf("[EtcdDiscovery] read %d switches, %d links", len(out.Switches), len(out.Links))
	return out, nil
}
