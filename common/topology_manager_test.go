package common

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedDiscoverer struct {
	mu      sync.Mutex
	results []*Discovery
	errs    []error
	calls   int
}

func (d *scriptedDiscoverer) Discover(ctx context.Context) (*Discovery, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	i := d.calls
	d.calls++
	if i < len(d.errs) && d.errs[i] != nil {
		return nil, d.errs[i]
	}
	return d.results[i], nil
}

func sw(dpid DPID, ports ...uint32) SwitchInfo {
	info := SwitchInfo{DPID: dpid, Live: true}
	for _, p := range ports {
		info.Ports = append(info.Ports, PortInfo{No: p, Up: true})
	}
	return info
}

func biLink(a DPID, ap uint32, b DPID, bp uint32) []Link {
	l := Link{Src: a, SrcPort: ap, Dst: b, DstPort: bp}
	return []Link{l, l.Reverse()}
}

func lineFabric() *Discovery {
	d := &Discovery{Switches: []SwitchInfo{sw(1, 1, 2), sw(2, 1, 2, 3), sw(3, 1, 2)}}
	d.Links = append(d.Links, biLink(1, 2, 2, 1)...)
	d.Links = append(d.Links, biLink(2, 2, 3, 1)...)
	return d
}

func TestTopologyStoreRefreshReplacesGraph(t *testing.T) {
	disc := &scriptedDiscoverer{results: []*Discovery{lineFabric()}}
	store := NewTopologyStore(disc)

	before := store.Snapshot()
	require.NotNil(t, before)
	assert.Equal(t, 0, before.NodeCount())

	var notified *Graph
	store.OnUpdate(func(g *Graph) { notified = g })

	require.NoError(t, store.Refresh(context.Background()))
	g := store.Snapshot()
	assert.Equal(t, uint64(1), g.Epoch())
	assert.Equal(t, []DPID{1, 2, 3}, g.Nodes())
	assert.Equal(t, 4, g.LinkCount())
	assert.Equal(t, 0, g.HalfUpLinks())
	assert.Same(t, g, notified)
}

func TestTopologyStoreFailedDiscoveryKeepsSnapshot(t *testing.T) {
	disc := &scriptedDiscoverer{
		results: []*Discovery{lineFabric(), nil, nil},
		errs:    []error{nil, errors.New("discovery timeout"), nil},
	}
	store := NewTopologyStore(disc)
	require.NoError(t, store.Refresh(context.Background()))
	before := store.Snapshot()

	err := store.Refresh(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "discovery timeout")
	assert.Same(t, before, store.Snapshot())

	// an empty result is not an error, but a nil one is
	err = store.Refresh(context.Background())
	require.Error(t, err)
	assert.Same(t, before, store.Snapshot())
}

func TestTopologyStoreConcurrentReaders(t *testing.T) {
	results := make([]*Discovery, 50)
	for i := range results {
		results[i] = lineFabric()
	}
	store := NewTopologyStore(&scriptedDiscoverer{results: results})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var wg sync.WaitGroup
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ctx.Err() == nil {
				g := store.Snapshot()
				// a snapshot is either empty or complete
				if g.NodeCount() != 0 {
					assert.Equal(t, 4, g.LinkCount())
				}
			}
		}()
	}
	for i := 0; i < len(results); i++ {
		require.NoError(t, store.Refresh(context.Background()))
	}
	cancel()
	wg.Wait()
	assert.Equal(t, uint64(len(results)), store.Snapshot().Epoch())
}

func TestGraphFiltersDeadSwitchesAndDownPorts(t *testing.T) {
	d := lineFabric()
	d.Switches[2].Live = false // s3 gone
	d.Switches[1].Ports = append(d.Switches[1].Ports, PortInfo{No: 4, Up: false})
	d.Links = append(d.Links, Link{Src: 2, SrcPort: 4, Dst: 1, DstPort: 1}) // down port
	g := NewGraph(d, 7)

	assert.Equal(t, []DPID{1, 2}, g.Nodes())
	assert.Equal(t, 2, g.LinkCount())
	assert.False(t, g.HasNode(3))
	assert.Equal(t, []DPID{2}, g.Neighbors(1))

	l, ok := g.Link(1, 2)
	require.True(t, ok)
	assert.Equal(t, uint32(2), l.SrcPort)
	assert.Equal(t, uint32(1), l.DstPort)

	assert.True(t, g.IsInterSwitchPort(1, 2))
	assert.False(t, g.IsInterSwitchPort(1, 1))
	assert.Equal(t, []uint32{1}, g.EdgePorts(1))
	// port 2 of s2 faced s3 which is not live any more
	assert.Equal(t, []uint32{2, 3}, g.EdgePorts(2))
}

func TestGraphCountsHalfUpLinks(t *testing.T) {
	d := lineFabric()
	d.Links = d.Links[:3] // drop 3->2
	g := NewGraph(d, 1)
	assert.Equal(t, 3, g.LinkCount())
	assert.Equal(t, 1, g.HalfUpLinks())
	_, ok := g.Link(3, 2)
	assert.False(t, ok)
}

func TestRunPeriodicStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var mu sync.Mutex
	calls := 0
	done := make(chan struct{})
	go func() {
		RunPeriodic(ctx, "test", 5*time.Millisecond, func(ctx context.Context) {
			mu.Lock()
			calls++
			mu.Unlock()
		})
		close(done)
	}()
	time.Sleep(30 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("RunPeriodic did not stop after cancel")
	}
	mu.Lock()
	defer mu.Unlock()
	assert.GreaterOrEqual(t, calls, 2)
}
