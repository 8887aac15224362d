package common

import (
	"context"
	"sort"
	"time"

	"controlplane/southbound/protocol"
)

// DPID identifies a switch of the fabric.
type DPID uint64

type PortInfo struct {
	No     uint32       `json:"no"`
	HWAddr protocol.MAC `json:"-"`
	Name   string       `json:"name"`
	Up     bool         `json:"up"`
}

type SwitchInfo struct {
	DPID  DPID       `json:"dpid"`
	Ports []PortInfo `json:"ports"`
	Live  bool       `json:"live"`
}

// Link is a directed inter-switch edge. A physical connection is two Links.
type Link struct {
	Src     DPID   `json:"src"`
	SrcPort uint32 `json:"src_port"`
	Dst     DPID   `json:"dst"`
	DstPort uint32 `json:"dst_port"`
}

func (l Link) Reverse() Link {
	return Link{Src: l.Dst, SrcPort: l.DstPort, Dst: l.Src, DstPort: l.SrcPort}
}

// Discovery is the raw result of one discovery cycle.
type Discovery struct {
	Switches []SwitchInfo
	Links    []Link
}

// Discoverer queries the fabric for its current switches and links.
type Discoverer interface {
	Discover(ctx context.Context) (*Discovery, error)
}

type portKey struct {
	dpid DPID
	port uint32
}

// Graph is an immutable snapshot of the fabric. It is never modified after
// NewGraph returns, so readers need no locking.
type Graph struct {
	epoch       uint64
	builtAt     time.Time
	nodes       []DPID
	switches    map[DPID]SwitchInfo
	adj         map[DPID][]Link
	interSwitch map[portKey]bool
	linkCount   int
	halfUp      int
}

// EmptyGraph is the snapshot served before the first successful discovery.
func EmptyGraph() *Graph {
	return NewGraph(&Discovery{}, 0)
}

// NewGraph builds a snapshot from discovery data. Only live switches become
// nodes, and only links whose both endpoints are live switches with up ports
// become edges.
func NewGraph(d *Discovery, epoch uint64) *Graph {
	g := &Graph{
		epoch:       epoch,
		builtAt:     time.Now(),
		switches:    make(map[DPID]SwitchInfo),
		adj:         make(map[DPID][]Link),
		interSwitch: make(map[portKey]bool),
	}
	portUp := make(map[portKey]bool)
	for _, sw := range d.Switches {
		if !sw.Live {
			continue
		}
		ports := make([]PortInfo, len(sw.Ports))
		copy(ports, sw.Ports)
		sort.Slice(ports, func(i, j int) bool { return ports[i].No < ports[j].No })
		sw.Ports = ports
		g.switches[sw.DPID] = sw
		for _, p := range ports {
			portUp[portKey{sw.DPID, p.No}] = p.Up
		}
	}
	for dpid := range g.switches {
		g.nodes = append(g.nodes, dpid)
	}
	sort.Slice(g.nodes, func(i, j int) bool { return g.nodes[i] < g.nodes[j] })

	seen := make(map[Link]bool)
	for _, l := range d.Links {
		if l.Src == l.Dst || seen[l] {
			continue
		}
		if !portUp[portKey{l.Src, l.SrcPort}] || !portUp[portKey{l.Dst, l.DstPort}] {
			continue
		}
		seen[l] = true
		g.adj[l.Src] = append(g.adj[l.Src], l)
		g.interSwitch[portKey{l.Src, l.SrcPort}] = true
		g.interSwitch[portKey{l.Dst, l.DstPort}] = true
		g.linkCount++
	}
	for src, links := range g.adj {
		sort.Slice(links, func(i, j int) bool {
			if links[i].Dst != links[j].Dst {
				return links[i].Dst < links[j].Dst
			}
			return links[i].SrcPort < links[j].SrcPort
		})
		g.adj[src] = links
	}
	for l := range seen {
		if !seen[l.Reverse()] {
			g.halfUp++
		}
	}
	return g
}

func (g *Graph) Epoch() uint64 { return g.epoch }

func (g *Graph) BuiltAt() time.Time { return g.builtAt }

func (g *Graph) NodeCount() int { return len(g.nodes) }

func (g *Graph) LinkCount() int { return g.linkCount }

// HalfUpLinks counts directed links whose reverse direction is not up.
func (g *Graph) HalfUpLinks() int { return g.halfUp }

func (g *Graph) Nodes() []DPID {
	nodes := make([]DPID, len(g.nodes))
	copy(nodes, g.nodes)
	return nodes
}

func (g *Graph) HasNode(dpid DPID) bool {
	_, ok := g.switches[dpid]
	return ok
}

func (g *Graph) Switch(dpid DPID) (SwitchInfo, bool) {
	sw, ok := g.switches[dpid]
	return sw, ok
}

// Neighbors returns the distinct successors of dpid in ascending order.
func (g *Graph) Neighbors(dpid DPID) []DPID {
	links := g.adj[dpid]
	out := make([]DPID, 0, len(links))
	for _, l := range links {
		if len(out) > 0 && out[len(out)-1] == l.Dst {
			continue
		}
		out = append(out, l.Dst)
	}
	return out
}

// Link returns the edge src->dst with the lowest source port.
func (g *Graph) Link(src, dst DPID) (Link, bool) {
	for _, l := range g.adj[src] {
		if l.Dst == dst {
			return l, true
		}
	}
	return Link{}, false
}

func (g *Graph) Links() []Link {
	out := make([]Link, 0, g.linkCount)
	for _, src := range g.nodes {
		out = append(out, g.adj[src]...)
	}
	return out
}

// IsInterSwitchPort reports whether the port carries an inter-switch link.
func (g *Graph) IsInterSwitchPort(dpid DPID, port uint32) bool {
	return g.interSwitch[portKey{dpid, port}]
}

// EdgePorts returns the up ports of dpid that do not face another switch.
func (g *Graph) EdgePorts(dpid DPID) []uint32 {
	sw, ok := g.switches[dpid]
	if !ok {
		return nil
	}
	var ports []uint32
	for _, p := range sw.Ports {
		if p.Up && p.No < protocol.PortMax && !g.interSwitch[portKey{dpid, p.No}] {
			ports = append(ports, p.No)
		}
	}
	return ports
}
