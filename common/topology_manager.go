package common

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	log "github.com/sirupsen/logrus"
)

// TopologyStore owns the current fabric graph. Refresh replaces the graph
// wholesale; Snapshot readers see either the old or the new graph, never a
// partially built one.
type TopologyStore struct {
	discoverer Discoverer
	graph      atomic.Pointer[Graph]
	epoch      atomic.Uint64

	refreshMu sync.Mutex
	listeners []func(*Graph)
}

func NewTopologyStore(discoverer Discoverer) *TopologyStore {
	s := &TopologyStore{discoverer: discoverer}
	s.graph.Store(EmptyGraph())
	return s
}

// OnUpdate registers fn to be called with every newly installed graph.
// Listeners must be registered before the first Refresh.
func (s *TopologyStore) OnUpdate(fn func(*Graph)) {
	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// Refresh runs one discovery cycle. When discovery fails the previous graph
// stays in place and the error is returned.
func (s *TopologyStore) Refresh(ctx context.Context) error {
	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()

	d, err := s.discoverer.Discover(ctx)
	if err != nil {
		return fmt.Errorf("topology discovery failed, keeping epoch %d: %w", s.Snapshot().Epoch(), err)
	}
	if d == nil {
		return fmt.Errorf("topology discovery returned no data, keeping epoch %d", s.Snapshot().Epoch())
	}

	g := NewGraph(d, s.epoch.Add(1))
	prev := s.graph.Swap(g)
	if prev.NodeCount() != g.NodeCount() || prev.LinkCount() != g.LinkCount() {
		log.Infof("[TopologyStore] epoch %d, node num: %d, link num: %d, half-up: %d",
			g.Epoch(), g.NodeCount(), g.LinkCount(), g.HalfUpLinks())
	} else {
		log.Debugf("[TopologyStore] epoch %d unchanged size, node num: %d, link num: %d",
			g.Epoch(), g.NodeCount(), g.LinkCount())
	}
	for _, fn := range s.listeners {
		fn(g)
	}
	return nil
}

// Snapshot returns the current read-only graph. It is never nil.
func (s *TopologyStore) Snapshot() *Graph {
	return s.graph.Load()
}
