package k_shortest

import (
	"controlplane/common"
)

// shortest path through Dijkstra with hop weights, skipping excluded nodes and
// edges. Nodes are settled in (distance, id) order and neighbors are relaxed in
// ascending order, so equal-length paths always resolve the same way.
func Dijkstra(t Topology, source, destination common.DPID, ex *exclusion) (Path, bool) {
	if ex.nodes[source] || ex.nodes[destination] {
		return Path{}, false
	}
	dist := map[common.DPID]int{source: 0}
	predecessor := make(map[common.DPID]common.DPID)
	visited := make(map[common.DPID]bool)
	nodes := t.Nodes()

	for {
		// find the unvisited node with minimum distance
		minNode, found := common.DPID(0), false
		for _, n := range nodes {
			d, reached := dist[n]
			if visited[n] || !reached {
				continue
			}
			if !found || d < dist[minNode] {
				minNode, found = n, true
			}
		}
		if !found { // all of rest nodes are unreachable
			return Path{}, false
		}
		visited[minNode] = true
		if minNode == destination {
			break
		}
		for _, next := range t.Neighbors(minNode) {
			if visited[next] || ex.nodes[next] || ex.edges[edge{minNode, next}] {
				continue
			}
			if d, reached := dist[next]; !reached || dist[minNode]+1 < d {
				dist[next] = dist[minNode] + 1
				predecessor[next] = minNode
			}
		}
	}

	hops := dist[destination]
	nodesOnPath := make([]common.DPID, hops+1)
	at := destination
	for i := hops; i > 0; i-- {
		nodesOnPath[i] = at
		at = predecessor[at]
	}
	nodesOnPath[0] = source
	return Path{Nodes: nodesOnPath, Hops: hops}, true
}

// k loopless shortest paths through Yen's Algorithm. Paths come back ordered by
// hop count; equal-length candidates keep the order in which they were found.
// The topology is never modified: removed edges and nodes are kept in an
// exclusion set for each spur computation.
func KShortest(t Topology, source, destination common.DPID, k int) []Path {
	var A []Path
	var B pathHeap
	if k <= 0 || !t.HasNode(source) || !t.HasNode(destination) {
		return A
	}
	if source == destination {
		return []Path{{Nodes: []common.DPID{source}}}
	}
	first, ok := Dijkstra(t, source, destination, newExclusion())
	if !ok { // unreachable
		return A
	}
	A = append(A, first)
	seq := 0

	for len(A) < k {
		prevPath := A[len(A)-1].Nodes
		// The spur node ranges from the first node to the next to last node in the previous path.
		for i := 0; i < len(prevPath)-1; i++ {
			spurNode := prevPath[i]
			rootPath := prevPath[:i+1]
			ex := newExclusion()
			// Remove the links that are part of accepted paths sharing the same root path.
			for _, p := range A {
				if len(p.Nodes) > i+1 && sliceEqual(p.Nodes[:i+1], rootPath) {
					ex.edges[edge{p.Nodes[i], p.Nodes[i+1]}] = true
				}
			}
			// Remove the nodes in rootPath except spurNode.
			for _, n := range rootPath[:len(rootPath)-1] {
				ex.nodes[n] = true
			}

			spurPath, ok := Dijkstra(t, spurNode, destination, ex)
			if !ok {
				continue
			}
			totalNodes := make([]common.DPID, 0, len(rootPath)-1+len(spurPath.Nodes))
			totalNodes = append(totalNodes, rootPath[:len(rootPath)-1]...)
			totalNodes = append(totalNodes, spurPath.Nodes...)
			candidate := Path{Nodes: totalNodes, Hops: len(totalNodes) - 1, seq: seq}
			if containsPath(A, candidate) || B.contain(candidate) {
				continue
			}
			seq++
			B.insert(candidate)
		}
		// no more paths
		if len(B) == 0 {
			break
		}
		// minHeap guarantees that B[0] has the fewest hops
		A = append(A, B.pop())
	}
	return A
}

// whether two slices are equal
func sliceEqual(a, b []common.DPID) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func containsPath(paths []Path, p Path) bool {
	for _, q := range paths {
		if sliceEqual(q.Nodes, p.Nodes) {
			return true
		}
	}
	return false
}

// minHeap for Path
type pathHeap []Path

// adjust minHeap from up to down
func (h pathHeap) shiftDown(start, end int) {
	dad := start
	son := dad*2 + 1
	for son <= end { // only compare when son is in range
		if son+1 <= end && pathLess(h[son+1], h[son]) { // choose the smaller son
			son++
		}
		if !pathLess(h[son], h[dad]) {
			break
		}
		h[dad], h[son] = h[son], h[dad]
		dad = son
		son = dad*2 + 1
	}
}

// adjust minHeap from down to up
func (h pathHeap) shiftUp(start int) {
	son := start
	for son > 0 {
		dad := (son - 1) / 2
		if !pathLess(h[son], h[dad]) {
			break
		}
		h[dad], h[son] = h[son], h[dad]
		son = dad
	}
}

func (h *pathHeap) insert(p Path) {
	*h = append(*h, p)
	h.shiftUp(len(*h) - 1)
}

// remove and return the minimum element
func (h *pathHeap) pop() Path {
	top := (*h)[0]
	last := len(*h) - 1
	(*h)[0] = (*h)[last]
	*h = (*h)[:last]
	h.shiftDown(0, last-1)
	return top
}

func (h pathHeap) contain(p Path) bool {
	return containsPath(h, p)
}

// whether p1 < p2: fewer hops first, then earlier discovery
func pathLess(p1, p2 Path) bool {
	if p1.Hops != p2.Hops {
		return p1.Hops < p2.Hops
	}
	return p1.seq < p2.seq
}
