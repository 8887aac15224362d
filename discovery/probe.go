package discovery

import (
	"context"
	"encoding/binary"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	log "github.com/sirupsen/logrus"

	"controlplane/common"
	"controlplane/southbound"
	"controlplane/southbound/protocol"
)

const probePayloadLen = 12

// probeDst is the link-local group address probe frames are sent to.
var probeDst = protocol.MAC{0x01, 0x80, 0xc2, 0x00, 0x00, 0x0e}

type ProbeConfig struct {
	LinkTTL time.Duration
}

type switchState struct {
	ports map[uint32]protocol.PortDesc
}

type linkState struct {
	link     common.Link
	lastSeen time.Time
}

// ProbeDiscoverer learns the fabric from the switches themselves: every
// connected switch is live, and a link exists while probe frames sent out of
// one port keep arriving on another.
type ProbeDiscoverer struct {
	config   ProbeConfig
	registry southbound.Registry
	now      func() time.Time

	mu       sync.Mutex
	switches map[common.DPID]*switchState
	links    map[common.Link]*linkState
}

func NewProbeDiscoverer(config ProbeConfig, registry southbound.Registry) *ProbeDiscoverer {
	if config.LinkTTL <= 0 {
		config.LinkTTL = 15 * time.Second
	}
	return &ProbeDiscoverer{
		config:   config,
		registry: registry,
		now:      time.Now,
		switches: make(map[common.DPID]*switchState),
		links:    make(map[common.Link]*linkState),
	}
}

// WithClock replaces the time source used for link expiry.
func (d *ProbeDiscoverer) WithClock(now func() time.Time) *ProbeDiscoverer {
	d.now = now
	return d
}

// SwitchUp records a connected switch and its port list.
func (d *ProbeDiscoverer) SwitchUp(dpid common.DPID, ports []protocol.PortDesc) {
	st := &switchState{ports: make(map[uint32]protocol.PortDesc, len(ports))}
	for _, p := range ports {
		st.ports[p.PortNo] = p
	}
	d.mu.Lock()
	d.switches[dpid] = st
	d.mu.Unlock()
}

// SwitchDown forgets a disconnected switch and every link touching it.
func (d *ProbeDiscoverer) SwitchDown(dpid common.DPID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.switches, dpid)
	n := 0
	for l := range d.links {
		if l.Src == dpid || l.Dst == dpid {
			delete(d.links, l)
			n++
		}
	}
	log.Infof("[ProbeDiscovery] switch %d down, dropped %d links", dpid, n)
}

// HandlePortStatus applies a port change. Links on a port that went down or
// away are dropped immediately instead of waiting for expiry.
func (d *ProbeDiscoverer) HandlePortStatus(dpid common.DPID, ps *protocol.PortStatus) {
	d.mu.Lock()
	defer d.mu.Unlock()
	st, ok := d.switches[dpid]
	if !ok {
		return
	}
	port := ps.Port.PortNo
	if ps.Reason == protocol.PortDeleted {
		delete(st.ports, port)
	} else {
		st.ports[port] = ps.Port
	}
	if ps.Reason == protocol.PortDeleted || !ps.Port.Up {
		for l := range d.links {
			if (l.Src == dpid && l.SrcPort == port) || (l.Dst == dpid && l.DstPort == port) {
				delete(d.links, l)
			}
		}
	}
	log.Infof("[ProbeDiscovery] switch %d port %d reason=%d up=%t", dpid, port, ps.Reason, ps.Port.Up)
}

// SendProbes packet-outs one probe frame on every up port of every known
// switch.
func (d *ProbeDiscoverer) SendProbes(ctx context.Context) {
	type target struct {
		dpid  common.DPID
		ports []protocol.PortDesc
	}
	d.mu.Lock()
	targets := make([]target, 0, len(d.switches))
	for dpid, st := range d.switches {
		t := target{dpid: dpid}
		for _, p := range st.ports {
			if p.Up && p.PortNo < protocol.PortMax {
				t.ports = append(t.ports, p)
			}
		}
		sort.Slice(t.ports, func(i, j int) bool { return t.ports[i].PortNo < t.ports[j].PortNo })
		targets = append(targets, t)
	}
	d.mu.Unlock()

	sent := 0
	for _, t := range targets {
		if ctx.Err() != nil {
			return
		}
		conn, ok := d.registry.Conn(t.dpid)
		if !ok {
			continue
		}
		for _, p := range t.ports {
			frame, err := ProbeFrame(t.dpid, p.PortNo, p.HWAddr)
			if err != nil {
				log.Errorf("[ProbeDiscovery] failed to build probe for %d/%d: %v", t.dpid, p.PortNo, err)
				continue
			}
			err = conn.Send(&protocol.PacketOut{
				BufferID: protocol.BufferNone,
				InPort:   protocol.PortController,
				Actions:  []protocol.Action{protocol.Output(p.PortNo)},
				Data:     frame,
			})
			if err != nil {
				log.Warnf("[ProbeDiscovery] probe to switch %d: %v", t.dpid, err)
				break
			}
			sent++
		}
	}
	log.Debugf("[ProbeDiscovery] sent %d probes to %d switches", sent, len(targets))
}

// HandleProbe records the link a probe frame travelled over.
func (d *ProbeDiscoverer) HandleProbe(dpid common.DPID, inPort uint32, payload []byte) {
	srcDPID, srcPort, err := ParseProbe(payload)
	if err != nil {
		log.Debugf("[ProbeDiscovery] switch %d port %d: %v", dpid, inPort, err)
		return
	}
	l := common.Link{Src: srcDPID, SrcPort: srcPort, Dst: dpid, DstPort: inPort}
	if l.Src == l.Dst {
		return
	}
	now := d.now()

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.switches[srcDPID]; !ok {
		return
	}
	if st, ok := d.links[l]; ok {
		st.lastSeen = now
		return
	}
	d.links[l] = &linkState{link: l, lastSeen: now}
	log.Infof("[ProbeDiscovery] new link %d/%d -> %d/%d", l.Src, l.SrcPort, l.Dst, l.DstPort)
}

// Discover returns the live switches and unexpired links. Expired links are
// removed.
func (d *ProbeDiscoverer) Discover(ctx context.Context) (*common.Discovery, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	now := d.now()

	d.mu.Lock()
	defer d.mu.Unlock()
	out := &common.Discovery{}
	for dpid, st := range d.switches {
		sw := common.SwitchInfo{DPID: dpid, Live: true}
		for _, p := range st.ports {
			sw.Ports = append(sw.Ports, common.PortInfo{No: p.PortNo, HWAddr: p.HWAddr, Name: p.Name, Up: p.Up})
		}
		out.Switches = append(out.Switches, sw)
	}
	for l, st := range d.links {
		if now.Sub(st.lastSeen) > d.config.LinkTTL {
			delete(d.links, l)
			log.Infof("[ProbeDiscovery] link %d/%d -> %d/%d expired", l.Src, l.SrcPort, l.Dst, l.DstPort)
			continue
		}
		out.Links = append(out.Links, l)
	}
	sort.Slice(out.Switches, func(i, j int) bool { return out.Switches[i].DPID < out.Switches[j].DPID })
	return out, nil
}

// ProbeFrame builds the Ethernet frame announcing (dpid, port).
func ProbeFrame(dpid common.DPID, port uint32, src protocol.MAC) ([]byte, error) {
	payload := make([]byte, probePayloadLen)
	binary.BigEndian.PutUint64(payload[0:8], uint64(dpid))
	binary.BigEndian.PutUint32(payload[8:12], port)

	buf := gopacket.NewSerializeBuffer()
	err := gopacket.SerializeLayers(buf, gopacket.SerializeOptions{FixLengths: true},
		&layers.Ethernet{
			SrcMAC:       src[:],
			DstMAC:       probeDst[:],
			EthernetType: layers.EthernetType(protocol.EtherTypeProbe),
		},
		gopacket.Payload(payload))
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// ParseProbe extracts the sender of a probe from the frame payload.
func ParseProbe(payload []byte) (common.DPID, uint32, error) {
	if len(payload) < probePayloadLen {
		return 0, 0, fmt.Errorf("short probe payload: %d bytes", len(payload))
	}
	return common.DPID(binary.BigEndian.Uint64(payload[0:8])), binary.BigEndian.Uint32(payload[8:12]), nil
}
