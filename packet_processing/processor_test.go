package packet_processing

import (
	"context"
	"net"
	"net/netip"
	"sync"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"controlplane/common"
	"controlplane/flow_rules"
	"controlplane/routing"
	"controlplane/southbound"
	"controlplane/southbound/protocol"
)

type sentPacket struct {
	dpid common.DPID
	out  *protocol.PacketOut
}

type fakeFabric struct {
	mu      sync.Mutex
	packets []sentPacket
	rules   map[common.DPID][]flow_rules.FlowRule
	live    map[common.DPID]bool
}

func newFakeFabric(dpids ...common.DPID) *fakeFabric {
	f := &fakeFabric{rules: make(map[common.DPID][]flow_rules.FlowRule), live: make(map[common.DPID]bool)}
	for _, d := range dpids {
		f.live[d] = true
	}
	return f
}

type fakeConn struct {
	dpid   common.DPID
	fabric *fakeFabric
}

func (c fakeConn) DPID() common.DPID { return c.dpid }

func (c fakeConn) Send(msg protocol.Message) error {
	if out, ok := msg.(*protocol.PacketOut); ok {
		c.fabric.mu.Lock()
		c.fabric.packets = append(c.fabric.packets, sentPacket{dpid: c.dpid, out: out})
		c.fabric.mu.Unlock()
	}
	return nil
}

func (c fakeConn) Request(ctx context.Context, msg protocol.Message) (protocol.Message, error) {
	return &protocol.BarrierReply{}, nil
}

func (f *fakeFabric) Conn(dpid common.DPID) (southbound.Conn, bool) {
	if !f.live[dpid] {
		return nil, false
	}
	return fakeConn{dpid: dpid, fabric: f}, true
}

func (f *fakeFabric) Conns() []southbound.Conn { return nil }

func (f *fakeFabric) Install(ctx context.Context, dpid common.DPID, rule flow_rules.FlowRule) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rules[dpid] = append(f.rules[dpid], rule)
	return nil
}

func (f *fakeFabric) takePackets() []sentPacket {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.packets
	f.packets = nil
	return out
}

type staticGraph struct{ g *common.Graph }

func (s staticGraph) Snapshot() *common.Graph { return s.g }

// twoSwitchFabric: s1 and s2 with hosts on ports 1 and 2, joined by port 3.
func twoSwitchFabric() *common.Graph {
	d := &common.Discovery{}
	for _, dpid := range []common.DPID{1, 2} {
		sw := common.SwitchInfo{DPID: dpid, Live: true}
		for port := uint32(1); port <= 3; port++ {
			sw.Ports = append(sw.Ports, common.PortInfo{No: port, Up: true})
		}
		d.Switches = append(d.Switches, sw)
	}
	l := common.Link{Src: 1, SrcPort: 3, Dst: 2, DstPort: 3}
	d.Links = []common.Link{l, l.Reverse()}
	return common.NewGraph(d, 1)
}

func newTestProcessor() (*Processor, *fakeFabric) {
	fabric := newFakeFabric(1, 2)
	p := NewProcessor(DefaultConfig(), staticGraph{twoSwitchFabric()}, routing.NewPathComputer(), fabric, fabric)
	return p, fabric
}

var (
	macA = protocol.MAC{0, 0, 0, 0, 0, 0xa}
	macB = protocol.MAC{0, 0, 0, 0, 0, 0xb}
	ipA  = netip.MustParseAddr("10.0.0.1")
	ipB  = netip.MustParseAddr("10.0.0.2")
)

func serialize(t *testing.T, ls ...gopacket.SerializableLayer) []byte {
	t.Helper()
	buf := gopacket.NewSerializeBuffer()
	require.NoError(t, gopacket.SerializeLayers(buf, gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}, ls...))
	return buf.Bytes()
}

func arpRequest(t *testing.T, srcMAC protocol.MAC, srcIP, targetIP netip.Addr) []byte {
	broadcast := net.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}
	return serialize(t,
		&layers.Ethernet{SrcMAC: srcMAC[:], DstMAC: broadcast, EthernetType: layers.EthernetTypeARP},
		&layers.ARP{
			AddrType:          layers.LinkTypeEthernet,
			Protocol:          layers.EthernetTypeIPv4,
			HwAddressSize:     6,
			ProtAddressSize:   4,
			Operation:         layers.ARPRequest,
			SourceHwAddress:   srcMAC[:],
			SourceProtAddress: srcIP.AsSlice(),
			DstHwAddress:      make([]byte, 6),
			DstProtAddress:    targetIP.AsSlice(),
		})
}

func udpFrame(t *testing.T, srcMAC, dstMAC protocol.MAC, srcIP, dstIP netip.Addr, dstPort uint16) []byte {
	ip := &layers.IPv4{Version: 4, IHL: 5, TTL: 64, Protocol: layers.IPProtocolUDP, SrcIP: srcIP.AsSlice(), DstIP: dstIP.AsSlice()}
	udp := &layers.UDP{SrcPort: 40000, DstPort: layers.UDPPort(dstPort)}
	require.NoError(t, udp.SetNetworkLayerForChecksum(ip))
	return serialize(t,
		&layers.Ethernet{SrcMAC: srcMAC[:], DstMAC: dstMAC[:], EthernetType: layers.EthernetTypeIPv4},
		ip, udp, gopacket.Payload([]byte("payload")))
}

func outputPorts(out *protocol.PacketOut) []uint32 {
	var ports []uint32
	for _, a := range out.Actions {
		ports = append(ports, a.Port)
	}
	return ports
}

func TestARPRequestForKnownAddressIsAnswered(t *testing.T) {
	p, fabric := newTestProcessor()
	ctx := context.Background()

	// A announces itself while asking for an unknown address: flooded
	p.HandlePacketIn(ctx, 1, &protocol.PacketIn{InPort: 1, Data: arpRequest(t, macA, ipA, netip.MustParseAddr("10.0.0.99"))})
	assert.NotEmpty(t, fabric.takePackets())

	// B asks for A: one reply out of B's port, nothing flooded
	p.HandlePacketIn(ctx, 2, &protocol.PacketIn{InPort: 1, Data: arpRequest(t, macB, ipB, ipA)})
	sent := fabric.takePackets()
	require.Len(t, sent, 1)
	assert.Equal(t, common.DPID(2), sent[0].dpid)
	assert.Equal(t, []uint32{1}, outputPorts(sent[0].out))

	pkt := gopacket.NewPacket(sent[0].out.Data, layers.LayerTypeEthernet, gopacket.Default)
	arpLayer, ok := pkt.Layer(layers.LayerTypeARP).(*layers.ARP)
	require.True(t, ok)
	assert.Equal(t, uint16(layers.ARPReply), arpLayer.Operation)
	assert.Equal(t, macA[:], []byte(arpLayer.SourceHwAddress))
	assert.Equal(t, ipA.AsSlice(), []byte(arpLayer.SourceProtAddress))
	assert.Equal(t, macB[:], []byte(arpLayer.DstHwAddress))
}

func TestFloodSkipsInterSwitchPorts(t *testing.T) {
	p, fabric := newTestProcessor()
	p.HandlePacketIn(context.Background(), 1, &protocol.PacketIn{InPort: 1, Data: arpRequest(t, macA, ipA, ipB)})

	sent := fabric.takePackets()
	require.Len(t, sent, 2)
	byDPID := map[common.DPID][]uint32{}
	for _, s := range sent {
		byDPID[s.dpid] = outputPorts(s.out)
	}
	assert.Equal(t, []uint32{2}, byDPID[1], "ingress port and core port excluded")
	assert.Equal(t, []uint32{1, 2}, byDPID[2])
}

func TestKnownDestinationInstallsLearnedRule(t *testing.T) {
	p, fabric := newTestProcessor()
	ctx := context.Background()

	// B speaks first from s1 port 2
	p.HandlePacketIn(ctx, 1, &protocol.PacketIn{InPort: 2, Data: udpFrame(t, macB, macA, ipB, ipA, 80)})
	fabric.takePackets()

	p.HandlePacketIn(ctx, 1, &protocol.PacketIn{InPort: 1, Data: udpFrame(t, macA, macB, ipA, ipB, 80)})
	sent := fabric.takePackets()
	require.Len(t, sent, 1)
	assert.Equal(t, []uint32{2}, outputPorts(sent[0].out))

	rules := fabric.rules[1]
	require.Len(t, rules, 1)
	assert.Equal(t, flow_rules.PriorityLearned, rules[0].Priority)
	assert.Equal(t, uint16(20), rules[0].IdleTimeout)
	assert.Equal(t, protocol.Match{}.WithInPort(1).WithEthSrc(macA).WithEthDst(macB), rules[0].Match)
}

func TestRemoteHostUsesNextHop(t *testing.T) {
	p, fabric := newTestProcessor()
	ctx := context.Background()

	// B is seen behind s2 port 1
	p.HandlePacketIn(ctx, 2, &protocol.PacketIn{InPort: 1, Data: udpFrame(t, macB, macA, ipB, ipA, 80)})
	fabric.takePackets()

	p.HandlePacketIn(ctx, 1, &protocol.PacketIn{InPort: 1, Data: udpFrame(t, macA, macB, ipA, ipB, 80)})
	sent := fabric.takePackets()
	require.Len(t, sent, 1)
	assert.Equal(t, common.DPID(1), sent[0].dpid)
	assert.Equal(t, []uint32{3}, outputPorts(sent[0].out))
}

type fakeRoutes struct {
	match protocol.Match
	hops  []routing.Hop
	calls int
}

func (f *fakeRoutes) MonitoredMatch() protocol.Match { return f.match }

func (f *fakeRoutes) EnsureActiveRoute(ctx context.Context) ([]routing.Hop, error) {
	f.calls++
	return f.hops, nil
}

func TestMonitoredTrafficFollowsActiveRoute(t *testing.T) {
	p, fabric := newTestProcessor()
	routes := &fakeRoutes{
		match: protocol.Match{}.WithEthType(0x0800).WithIPProto(17).WithIPSrc(ipA).WithIPDst(ipB).WithTPDst(5001),
		hops:  []routing.Hop{{DPID: 1, OutPort: 3}, {DPID: 2, OutPort: 2}},
	}
	p.SetRouteManager(routes)
	ctx := context.Background()

	p.HandlePacketIn(ctx, 1, &protocol.PacketIn{InPort: 1, Data: udpFrame(t, macA, macB, ipA, ipB, 5001)})
	sent := fabric.takePackets()
	require.Len(t, sent, 1)
	assert.Equal(t, []uint32{3}, outputPorts(sent[0].out))
	assert.Equal(t, 1, routes.calls)
	assert.Empty(t, fabric.rules[1], "no learned rule for monitored traffic")

	// other ports of the same pair are not monitored
	p.HandlePacketIn(ctx, 1, &protocol.PacketIn{InPort: 1, Data: udpFrame(t, macA, macB, ipA, ipB, 5002)})
	assert.Equal(t, 1, routes.calls)
}

type recordingProbes struct {
	dpid    common.DPID
	port    uint32
	payload []byte
}

func (r *recordingProbes) HandleProbe(dpid common.DPID, inPort uint32, payload []byte) {
	r.dpid, r.port, r.payload = dpid, inPort, payload
}

func TestProbeFramesGoToDiscovery(t *testing.T) {
	p, fabric := newTestProcessor()
	probes := &recordingProbes{}
	p.SetProbeHandler(probes)

	frame := serialize(t,
		&layers.Ethernet{SrcMAC: macA[:], DstMAC: macB[:], EthernetType: layers.EthernetType(protocol.EtherTypeProbe)},
		gopacket.Payload([]byte{1, 2, 3, 4}))
	p.HandlePacketIn(context.Background(), 2, &protocol.PacketIn{InPort: 3, Data: frame})

	assert.Equal(t, common.DPID(2), probes.dpid)
	assert.Equal(t, uint32(3), probes.port)
	assert.Equal(t, []byte{1, 2, 3, 4}, probes.payload[:4])
	assert.Empty(t, fabric.takePackets())
	assert.Equal(t, 0, p.MacTable(2).Len(), "probe sources are not learned")
}

func TestSwitchDownDropsLearnedState(t *testing.T) {
	p, _ := newTestProcessor()
	ctx := context.Background()
	p.HandlePacketIn(ctx, 1, &protocol.PacketIn{InPort: 1, Data: arpRequest(t, macA, ipA, ipB)})
	p.HandlePacketIn(ctx, 2, &protocol.PacketIn{InPort: 1, Data: arpRequest(t, macB, ipB, ipA)})

	p.SwitchDown(1)
	_, ok := p.IpMacs().Lookup(ipA)
	assert.False(t, ok)
	_, ok = p.IpMacs().Lookup(ipB)
	assert.True(t, ok, "bindings learned on other switches survive")
	assert.Equal(t, 0, p.MacTable(1).Len())
}
