package packet_processing

import (
	"context"
	"errors"
	"net/netip"
	"sync"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	log "github.com/sirupsen/logrus"

	"controlplane/common"
	"controlplane/flow_rules"
	"controlplane/metrics"
	"controlplane/routing"
	"controlplane/southbound"
	"controlplane/southbound/protocol"
)

const etherTypeLLDP layers.EthernetType = 0x88cc

// ProbeHandler consumes link discovery frames.
type ProbeHandler interface {
	HandleProbe(dpid common.DPID, inPort uint32, payload []byte)
}

// RouteManager owns the forwarding of the monitored traffic pair.
type RouteManager interface {
	MonitoredMatch() protocol.Match
	EnsureActiveRoute(ctx context.Context) ([]routing.Hop, error)
}

// RuleInstaller is the part of the flow rule manager the processor uses.
type RuleInstaller interface {
	Install(ctx context.Context, dpid common.DPID, rule flow_rules.FlowRule) error
}

// GraphSource provides the current topology snapshot.
type GraphSource interface {
	Snapshot() *common.Graph
}

type Config struct {
	LearnedPriority    uint16
	LearnedIdleTimeout uint16
}

func DefaultConfig() Config {
	return Config{
		LearnedPriority:    flow_rules.PriorityLearned,
		LearnedIdleTimeout: 20,
	}
}

// Processor is the default forwarding logic for packet-in events: MAC
// learning, ARP proxying and edge-only flooding.
type Processor struct {
	config   Config
	topology GraphSource
	paths    *routing.PathComputer
	rules    RuleInstaller
	registry southbound.Registry

	routes RouteManager
	probes ProbeHandler

	tablesMu  sync.Mutex
	macTables map[common.DPID]*MacTable
	ipMacs    *IpMacTable
	hosts     *hostTable
}

func NewProcessor(config Config, topology GraphSource, paths *routing.PathComputer,
	rules RuleInstaller, registry southbound.Registry) *Processor {
	return &Processor{
		config:    config,
		topology:  topology,
		paths:     paths,
		rules:     rules,
		registry:  registry,
		macTables: make(map[common.DPID]*MacTable),
		ipMacs:    newIpMacTable(),
		hosts:     &hostTable{hosts: make(map[protocol.MAC]hostLocation)},
	}
}

// SetRouteManager hands the monitored pair over to rm. Must be called before
// packets are processed.
func (p *Processor) SetRouteManager(rm RouteManager) { p.routes = rm }

// SetProbeHandler routes discovery frames to h. Must be called before
// packets are processed.
func (p *Processor) SetProbeHandler(h ProbeHandler) { p.probes = h }

func (p *Processor) MacTable(dpid common.DPID) *MacTable {
	p.tablesMu.Lock()
	defer p.tablesMu.Unlock()
	t, ok := p.macTables[dpid]
	if !ok {
		t = newMacTable()
		p.macTables[dpid] = t
	}
	return t
}

func (p *Processor) IpMacs() *IpMacTable { return p.ipMacs }

// SwitchDown discards everything learned through dpid.
func (p *Processor) SwitchDown(dpid common.DPID) {
	p.tablesMu.Lock()
	delete(p.macTables, dpid)
	p.tablesMu.Unlock()
	n := p.ipMacs.dropSwitch(dpid)
	p.hosts.dropSwitch(dpid)
	log.Infof("[PacketProcessor] switch %d down, dropped its MAC table and %d IP bindings", dpid, n)
}

// HandlePacketIn processes one frame punted to the controller by dpid.
func (p *Processor) HandlePacketIn(ctx context.Context, dpid common.DPID, pi *protocol.PacketIn) {
	var eth layers.Ethernet
	if err := eth.DecodeFromBytes(pi.Data, gopacket.NilDecodeFeedback); err != nil {
		metrics.RecordPacketIn("malformed")
		log.Debugf("[PacketProcessor] switch %d port %d: undecodable frame: %v", dpid, pi.InPort, err)
		return
	}

	switch uint16(eth.EthernetType) {
	case protocol.EtherTypeProbe:
		metrics.RecordPacketIn("probe")
		if p.probes != nil {
			p.probes.HandleProbe(dpid, pi.InPort, eth.Payload)
		}
		return
	case uint16(etherTypeLLDP):
		metrics.RecordPacketIn("lldp")
		return
	}

	src := protocol.MACFromBytes(eth.SrcMAC)
	dst := protocol.MACFromBytes(eth.DstMAC)
	g := p.topology.Snapshot()
	if !src.IsMulticast() {
		p.MacTable(dpid).Learn(src, pi.InPort)
		if g.HasNode(dpid) && !g.IsInterSwitchPort(dpid, pi.InPort) {
			p.hosts.learn(src, hostLocation{DPID: dpid, Port: pi.InPort})
		}
	}

	switch eth.EthernetType {
	case layers.EthernetTypeARP:
		metrics.RecordPacketIn("arp")
		if p.handleARP(dpid, pi, eth.Payload) {
			return
		}
	case layers.EthernetTypeIPv4:
		metrics.RecordPacketIn("ipv4")
		if p.handleIPv4(ctx, dpid, pi, src, eth.Payload) {
			return
		}
	default:
		metrics.RecordPacketIn("other")
	}

	p.forward(ctx, g, dpid, pi, src, dst)
}

// handleARP learns the sender binding and answers requests for known
// addresses. It reports true when the frame needs no further forwarding.
func (p *Processor) handleARP(dpid common.DPID, pi *protocol.PacketIn, payload []byte) bool {
	var arp layers.ARP
	if err := arp.DecodeFromBytes(payload, gopacket.NilDecodeFeedback); err != nil {
		log.Debugf("[PacketProcessor] switch %d: bad ARP payload: %v", dpid, err)
		return true
	}
	if sender, ok := netip.AddrFromSlice(arp.SourceProtAddress); ok && sender.IsValid() && !sender.IsUnspecified() {
		if p.ipMacs.LearnIfAbsent(sender.Unmap(), protocol.MACFromBytes(arp.SourceHwAddress), dpid) {
			log.Debugf("[PacketProcessor] learned %s is-at %s on switch %d", sender, protocol.MACFromBytes(arp.SourceHwAddress), dpid)
		}
	}
	if arp.Operation != layers.ARPRequest {
		return false
	}
	target, ok := netip.AddrFromSlice(arp.DstProtAddress)
	if !ok {
		return false
	}
	mac, known := p.ipMacs.Lookup(target.Unmap())
	if !known {
		return false
	}

	reply, err := arpReply(&arp, mac)
	if err != nil {
		log.Errorf("[PacketProcessor] failed to build ARP reply for %s: %v", target, err)
		return true
	}
	p.packetOut(dpid, protocol.PortController, []protocol.Action{protocol.Output(pi.InPort)}, reply)
	metrics.RecordARPReply()
	log.Debugf("[PacketProcessor] answered ARP for %s on switch %d port %d", target, dpid, pi.InPort)
	return true
}

func arpReply(req *layers.ARP, mac protocol.MAC) ([]byte, error) {
	eth := &layers.Ethernet{
		SrcMAC:       mac[:],
		DstMAC:       req.SourceHwAddress,
		EthernetType: layers.EthernetTypeARP,
	}
	arp := &layers.ARP{
		AddrType:          layers.LinkTypeEthernet,
		Protocol:          layers.EthernetTypeIPv4,
		HwAddressSize:     6,
		ProtAddressSize:   4,
		Operation:         layers.ARPReply,
		SourceHwAddress:   mac[:],
		SourceProtAddress: req.DstProtAddress,
		DstHwAddress:      req.SourceHwAddress,
		DstProtAddress:    req.SourceProtAddress,
	}
	buf := gopacket.NewSerializeBuffer()
	if err := gopacket.SerializeLayers(buf, gopacket.SerializeOptions{FixLengths: true}, eth, arp); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// handleIPv4 learns the source binding and steers monitored traffic onto the
// active route. It reports true when the frame was forwarded.
func (p *Processor) handleIPv4(ctx context.Context, dpid common.DPID, pi *protocol.PacketIn, src protocol.MAC, payload []byte) bool {
	var ip layers.IPv4
	if err := ip.DecodeFromBytes(payload, gopacket.NilDecodeFeedback); err != nil {
		log.Debugf("[PacketProcessor] switch %d: bad IPv4 packet: %v", dpid, err)
		return false
	}
	srcIP, okSrc := netip.AddrFromSlice(ip.SrcIP)
	dstIP, okDst := netip.AddrFromSlice(ip.DstIP)
	if !okSrc || !okDst {
		return false
	}
	srcIP, dstIP = srcIP.Unmap(), dstIP.Unmap()
	p.ipMacs.LearnIfAbsent(srcIP, src, dpid)

	if p.routes == nil {
		return false
	}
	pkt := protocol.Match{}.
		WithInPort(pi.InPort).
		WithEthType(uint16(layers.EthernetTypeIPv4)).
		WithIPProto(uint8(ip.Protocol)).
		WithIPSrc(srcIP).
		WithIPDst(dstIP)
	switch ip.Protocol {
	case layers.IPProtocolUDP:
		var udp layers.UDP
		if udp.DecodeFromBytes(ip.Payload, gopacket.NilDecodeFeedback) == nil {
			pkt = pkt.WithTPSrc(uint16(udp.SrcPort)).WithTPDst(uint16(udp.DstPort))
		}
	case layers.IPProtocolTCP:
		var tcp layers.TCP
		if tcp.DecodeFromBytes(ip.Payload, gopacket.NilDecodeFeedback) == nil {
			pkt = pkt.WithTPSrc(uint16(tcp.SrcPort)).WithTPDst(uint16(tcp.DstPort))
		}
	}
	if !p.routes.MonitoredMatch().Covers(pkt) {
		return false
	}

	hops, err := p.routes.EnsureActiveRoute(ctx)
	if err != nil {
		log.Warnf("[PacketProcessor] monitored flow on switch %d: no active route, using default forwarding: %v", dpid, err)
		return false
	}
	for _, hop := range hops {
		if hop.DPID == dpid {
			metrics.RecordPacketIn("monitored")
			p.packetOut(dpid, pi.InPort, []protocol.Action{protocol.Output(hop.OutPort)}, pi.Data)
			return true
		}
	}
	log.Debugf("[PacketProcessor] monitored flow entered switch %d off the active route", dpid)
	return false
}

func (p *Processor) forward(ctx context.Context, g *common.Graph, dpid common.DPID, pi *protocol.PacketIn, src, dst protocol.MAC) {
	if dst.IsMulticast() {
		p.flood(g, dpid, pi)
		return
	}

	port, ok := p.MacTable(dpid).Lookup(dst)
	if !ok {
		if loc, found := p.hosts.lookup(dst); found {
			if loc.DPID == dpid {
				port, ok = loc.Port, true
			} else if next, err := p.paths.NextHopPort(g, dpid, loc.DPID); err == nil {
				port, ok = next, true
			} else if !errors.Is(err, routing.ErrNoPathFound) {
				log.Warnf("[PacketProcessor] next hop %d -> %d: %v", dpid, loc.DPID, err)
			}
		}
	}
	if !ok {
		p.flood(g, dpid, pi)
		return
	}
	if port == pi.InPort {
		return
	}

	rule := flow_rules.FlowRule{
		Match:       protocol.Match{}.WithInPort(pi.InPort).WithEthSrc(src).WithEthDst(dst),
		Actions:     []protocol.Action{protocol.Output(port)},
		Priority:    p.config.LearnedPriority,
		IdleTimeout: p.config.LearnedIdleTimeout,
	}
	if err := p.rules.Install(ctx, dpid, rule); err != nil {
		log.Warnf("[PacketProcessor] learned rule on switch %d: %v", dpid, err)
	}
	p.packetOut(dpid, pi.InPort, rule.Actions, pi.Data)
}

// flood sends the frame out of every edge port of the fabric except the one
// it came in on. Inter-switch ports never carry flooded frames.
func (p *Processor) flood(g *common.Graph, dpid common.DPID, pi *protocol.PacketIn) {
	if !g.HasNode(dpid) {
		log.Debugf("[PacketProcessor] switch %d not in topology epoch %d yet, not flooding", dpid, g.Epoch())
		return
	}
	for _, sw := range g.Nodes() {
		var actions []protocol.Action
		for _, port := range g.EdgePorts(sw) {
			if sw == dpid && port == pi.InPort {
				continue
			}
			actions = append(actions, protocol.Output(port))
		}
		if len(actions) == 0 {
			continue
		}
		inPort := protocol.PortController
		if sw == dpid {
			inPort = pi.InPort
		}
		p.packetOut(sw, inPort, actions, pi.Data)
	}
}

func (p *Processor) packetOut(dpid common.DPID, inPort uint32, actions []protocol.Action, data []byte) {
	conn, ok := p.registry.Conn(dpid)
	if !ok {
		log.Debugf("[PacketProcessor] switch %d gone, dropping packet-out", dpid)
		return
	}
	err := conn.Send(&protocol.PacketOut{
		BufferID: protocol.BufferNone,
		InPort:   inPort,
		Actions:  actions,
		Data:     data,
	})
	if err != nil {
		log.Warnf("[PacketProcessor] packet-out to switch %d: %v", dpid, err)
	}
}
