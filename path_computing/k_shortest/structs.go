package k_shortest

import (
	"controlplane/common"
)

// Topology is the read-only view of the fabric the algorithm walks.
// *common.Graph satisfies it.
type Topology interface {
	Nodes() []common.DPID
	HasNode(dpid common.DPID) bool
	Neighbors(dpid common.DPID) []common.DPID
}

// Path represents a loopless route as the switches it visits.
type Path struct {
	Nodes []common.DPID `json:"nodes"` // switches on a route, source first
	Hops  int           `json:"hops"`  // len(Nodes)-1

	seq int // discovery order among candidates with equal hops
}

type edge struct {
	from, to common.DPID
}

type exclusion struct {
	nodes map[common.DPID]bool
	edges map[edge]bool
}

func newExclusion() *exclusion {
	return &exclusion{
		nodes: make(map[common.DPID]bool),
		edges: make(map[edge]bool),
	}
}
