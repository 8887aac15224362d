package routing

import (
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"

	"controlplane/common"
	ks "controlplane/path_computing/k_shortest"
)

var ErrNoPathFound = errors.New("no path found")

// Path is a loopless switch sequence with its hop count.
type Path = ks.Path

// Hop is one switch of a resolved path and the port it forwards out of.
type Hop struct {
	DPID    common.DPID
	OutPort uint32
}

// PathComputer answers path queries against graph snapshots. It keeps no
// state between calls, so one value can serve every goroutine.
type PathComputer struct{}

func NewPathComputer() *PathComputer {
	return &PathComputer{}
}

// KShortestPaths returns up to k loopless paths from src to dst ordered by
// non-decreasing hop count. Fewer than k paths come back when fewer exist.
func (pc *PathComputer) KShortestPaths(g *common.Graph, src, dst common.DPID, k int) ([]Path, error) {
	if !g.HasNode(src) || !g.HasNode(dst) {
		return nil, fmt.Errorf("switch %d or %d not in graph epoch %d: %w", src, dst, g.Epoch(), ErrNoPathFound)
	}
	paths := ks.KShortest(g, src, dst, k)
	if len(paths) == 0 {
		return nil, fmt.Errorf("%d -> %d disconnected in graph epoch %d: %w", src, dst, g.Epoch(), ErrNoPathFound)
	}
	for i, p := range paths {
		log.Debugf("KShortestPaths: %d -> %d path[%d] hops=%d nodes=%v", src, dst, i, p.Hops, p.Nodes)
	}
	return paths, nil
}

// ShortestPath is KShortestPaths with k=1.
func (pc *PathComputer) ShortestPath(g *common.Graph, src, dst common.DPID) (Path, error) {
	paths, err := pc.KShortestPaths(g, src, dst, 1)
	if err != nil {
		return Path{}, err
	}
	return paths[0], nil
}

// NextHopPort returns the port src forwards out of on a shortest path toward dst.
func (pc *PathComputer) NextHopPort(g *common.Graph, src, dst common.DPID) (uint32, error) {
	if src == dst {
		return 0, fmt.Errorf("next hop from %d to itself: %w", src, ErrNoPathFound)
	}
	p, err := pc.ShortestPath(g, src, dst)
	if err != nil {
		return 0, err
	}
	l, ok := g.Link(p.Nodes[0], p.Nodes[1])
	if !ok {
		return 0, fmt.Errorf("link %d -> %d missing: %w", p.Nodes[0], p.Nodes[1], ErrNoPathFound)
	}
	return l.SrcPort, nil
}
