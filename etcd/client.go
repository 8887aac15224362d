package etcd

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// Key prefixes of the fabric registry.
const (
	FabricPrefix = "/fabric/"
	SwitchPrefix = "/fabric/switches/"
	LinkPrefix   = "/fabric/links/"
)

type EtcdConfig struct {
	Endpoints   []string
	DialTimeout time.Duration
}

func DefaultEtcdConfig() EtcdConfig {
	return EtcdConfig{
		Endpoints:   []string{"localhost:2379"},
		DialTimeout: 5 * time.Second,
	}
}

func NewClient(config EtcdConfig) (*clientv3.Client, error) {
	if len(config.Endpoints) == 0 {
		return nil, fmt.Errorf("etcd: no endpoints configured")
	}
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   config.Endpoints,
		DialTimeout: config.DialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create etcd client: %w", err)
	}
	log.Infof("[Etcd] client created, endpoints: %v", config.Endpoints)
	return client, nil
}

// Watcher is the part of clientv3.Watcher used here.
type Watcher interface {
	Watch(ctx context.Context, key string, opts ...clientv3.OpOption) clientv3.WatchChan
}

// WatchPrefix calls fn once per watch response carrying changes under
// prefix, until ctx is cancelled or the watch channel closes.
func WatchPrefix(ctx context.Context, w Watcher, prefix string, fn func(changed int)) error {
	watchChan := w.Watch(ctx, prefix, clientv3.WithPrefix())
	for {
		select {
		case <-ctx.Done():
			return nil
		case resp, ok := <-watchChan:
			if !ok {
				return fmt.Errorf("watch channel for %s closed", prefix)
			}
			if err := resp.Err(); err != nil {
				log.Warnf("[Etcd] watch %s: %v", prefix, err)
				continue
			}
			if len(resp.Events) > 0 {
				fn(len(resp.Events))
			}
		}
	}
}
