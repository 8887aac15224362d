package forecast

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"
)

type staticSource struct {
	mu     sync.Mutex
	sample Sample
	ok     bool
	err    error
}

func (s *staticSource) Latest(ctx context.Context) (Sample, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sample, s.ok, s.err
}

func (s *staticSource) set(sample Sample, ok bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sample, s.ok, s.err = sample, ok, err
}

func startForecastServer(t *testing.T, src Client) *GrpcClient {
	t.Helper()
	lis := bufconn.Listen(1 << 16)
	srv := grpc.NewServer()
	RegisterForecastServer(srv, src)
	go srv.Serve(lis)
	t.Cleanup(srv.Stop)

	client, err := NewGrpcClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client
}

func TestGrpcClientLatest(t *testing.T) {
	at := time.Unix(1760000000, 500000000)
	src := &staticSource{sample: Sample{PredictedBps: 125000, SampledAt: at}, ok: true}
	client := startForecastServer(t, src)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	sample, ok, err := client.Latest(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 125000.0, sample.PredictedBps)
	assert.WithinDuration(t, at, sample.SampledAt, time.Millisecond)

	src.set(Sample{}, false, nil)
	_, ok, err = client.Latest(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	src.set(Sample{}, false, errors.New("model not loaded"))
	_, _, err = client.Latest(ctx)
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestGrpcClientUnreachable(t *testing.T) {
	lis := bufconn.Listen(1 << 16)
	lis.Close()
	client, err := NewGrpcClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_, _, err = client.Latest(ctx)
	assert.ErrorIs(t, err, ErrUnavailable)
}

type fakeKV map[string]string

func (f fakeKV) Get(ctx context.Context, key string, opts ...clientv3.OpOption) (*clientv3.GetResponse, error) {
	resp := &clientv3.GetResponse{}
	if v, ok := f[key]; ok {
		resp.Kvs = []*mvccpb.KeyValue{{Key: []byte(key), Value: []byte(v)}}
	}
	return resp, nil
}

func TestEtcdSource(t *testing.T) {
	kv := fakeKV{"/forecast/latest": `{"predicted_bps":90000,"sampled_at":"2026-03-01T12:00:00Z"}`}
	sample, ok, err := NewEtcdSource(kv, "/forecast/latest").Latest(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 90000.0, sample.PredictedBps)
	assert.Equal(t, 2026, sample.SampledAt.Year())

	_, ok, err = NewEtcdSource(kv, "/forecast/other").Latest(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)

	kv["/forecast/bad"] = `not json`
	_, _, err = NewEtcdSource(kv, "/forecast/bad").Latest(context.Background())
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestPollerSkipsFailuresAndStaleSamples(t *testing.T) {
	now := time.Unix(5000, 0)
	src := &staticSource{err: ErrUnavailable}
	var got []Sample
	p := NewPoller(src, PollerConfig{Interval: time.Second, MaxAge: 10 * time.Second},
		func(ctx context.Context, s Sample) { got = append(got, s) })
	p.now = func() time.Time { return now }
	ctx := context.Background()

	assert.False(t, p.Poll(ctx))

	src.set(Sample{}, false, nil)
	assert.False(t, p.Poll(ctx))

	src.set(Sample{PredictedBps: 1, SampledAt: now.Add(-time.Minute)}, true, nil)
	assert.False(t, p.Poll(ctx))

	src.set(Sample{PredictedBps: 2, SampledAt: now.Add(-time.Second)}, true, nil)
	assert.True(t, p.Poll(ctx))

	require.Len(t, got, 1)
	assert.Equal(t, 2.0, got[0].PredictedBps)
}

func TestPollerRunStopsOnCancel(t *testing.T) {
	src := &staticSource{sample: Sample{PredictedBps: 1}, ok: true}
	calls := make(chan struct{}, 16)
	p := NewPoller(src, PollerConfig{Interval: 10 * time.Millisecond}, func(ctx context.Context, s Sample) {
		select {
		case calls <- struct{}{}:
		default:
		}
	})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()
	<-calls
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("poller did not stop")
	}
}
