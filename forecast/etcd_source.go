package forecast

import (
	"context"
	"encoding/json"
	"fmt"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// Getter is the part of clientv3.KV used by EtcdSource.
type Getter interface {
	Get(ctx context.Context, key string, opts ...clientv3.OpOption) (*clientv3.GetResponse, error)
}

// EtcdSource reads the prediction the forecaster publishes as a JSON Sample
// under a single key.
type EtcdSource struct {
	kv  Getter
	key string
}

func NewEtcdSource(kv Getter, key string) *EtcdSource {
	return &EtcdSource{kv: kv, key: key}
}

func (s *EtcdSource) Latest(ctx context.Context) (Sample, bool, error) {
	resp, err := s.kv.Get(ctx, s.key)
	if err != nil {
		return Sample{}, false, fmt.Errorf("%w: get %s: %w", ErrUnavailable, s.key, err)
	}
	if len(resp.Kvs) == 0 {
		return Sample{}, false, nil
	}
	var sample Sample
	if err := json.Unmarshal(resp.Kvs[0].Value, &sample); err != nil {
		return Sample{}, false, fmt.Errorf("%w: malformed sample at %s: %w", ErrUnavailable, s.key, err)
	}
	return sample, true, nil
}
