package routing

import (
	"fmt"

	"controlplane/common"
)

// Hops resolves every switch on p to its egress port. The last switch
// forwards out of lastPort, the port facing the destination host.
func Hops(g *common.Graph, p Path, lastPort uint32) ([]Hop, error) {
	if len(p.Nodes) == 0 {
		return nil, fmt.Errorf("empty path: %w", ErrNoPathFound)
	}
	hops := make([]Hop, 0, len(p.Nodes))
	for i := 0; i < len(p.Nodes)-1; i++ {
		l, ok := g.Link(p.Nodes[i], p.Nodes[i+1])
		if !ok {
			return nil, fmt.Errorf("link %d -> %d not in graph epoch %d: %w",
				p.Nodes[i], p.Nodes[i+1], g.Epoch(), ErrNoPathFound)
		}
		hops = append(hops, Hop{DPID: p.Nodes[i], OutPort: l.SrcPort})
	}
	hops = append(hops, Hop{DPID: p.Nodes[len(p.Nodes)-1], OutPort: lastPort})
	return hops, nil
}

// SharedEdges counts directed edges present in both paths.
func SharedEdges(a, b Path) int {
	edges := make(map[[2]common.DPID]bool, len(a.Nodes))
	for i := 0; i < len(a.Nodes)-1; i++ {
		edges[[2]common.DPID{a.Nodes[i], a.Nodes[i+1]}] = true
	}
	shared := 0
	for i := 0; i < len(b.Nodes)-1; i++ {
		if edges[[2]common.DPID{b.Nodes[i], b.Nodes[i+1]}] {
			shared++
		}
	}
	return shared
}

// MostDivergent picks the alternative sharing the fewest edges with paths[0].
// Ties go to the later path, so with equal overlap the last of the k wins.
// With a single path it returns that path.
func MostDivergent(paths []Path) (Path, int) {
	if len(paths) == 0 {
		return Path{}, -1
	}
	if len(paths) == 1 {
		return paths[0], 0
	}
	best, bestShared := 1, SharedEdges(paths[0], paths[1])
	for i := 2; i < len(paths); i++ {
		if shared := SharedEdges(paths[0], paths[i]); shared <= bestShared {
			best, bestShared = i, shared
		}
	}
	return paths[best], best
}
