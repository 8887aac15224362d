package congestion

import (
	"context"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"controlplane/common"
	"controlplane/event_sink"
	"controlplane/flow_rules"
	"controlplane/forecast"
	"controlplane/routing"
	"controlplane/southbound"
	"controlplane/southbound/protocol"
)

type wireOp struct {
	dpid    common.DPID
	command string
	port    uint32
	prio    uint16
}

type wire struct {
	mu  sync.Mutex
	ops []wireOp
}

func (w *wire) take() []wireOp {
	w.mu.Lock()
	defer w.mu.Unlock()
	ops := w.ops
	w.ops = nil
	return ops
}

type wireConn struct {
	dpid common.DPID
	w    *wire
}

func (c wireConn) DPID() common.DPID { return c.dpid }

func (c wireConn) Send(msg protocol.Message) error {
	mod, ok := msg.(*protocol.FlowMod)
	if !ok {
		return nil
	}
	op := wireOp{dpid: c.dpid, command: mod.Command.String(), prio: mod.Priority}
	if len(mod.Actions) > 0 {
		op.port = mod.Actions[0].Port
	}
	c.w.mu.Lock()
	c.w.ops = append(c.w.ops, op)
	c.w.mu.Unlock()
	return nil
}

func (c wireConn) Request(ctx context.Context, msg protocol.Message) (protocol.Message, error) {
	c.w.mu.Lock()
	c.w.ops = append(c.w.ops, wireOp{dpid: c.dpid, command: "barrier"})
	c.w.mu.Unlock()
	return &protocol.BarrierReply{}, nil
}

type wireRegistry struct {
	w    *wire
	down map[common.DPID]bool
}

func (r wireRegistry) Conn(dpid common.DPID) (southbound.Conn, bool) {
	if r.down[dpid] {
		return nil, false
	}
	return wireConn{dpid: dpid, w: r.w}, true
}

func (r wireRegistry) Conns() []southbound.Conn { return nil }

type staticGraph struct{ g *common.Graph }

func (s staticGraph) Snapshot() *common.Graph { return s.g }

type memorySink struct {
	mu     sync.Mutex
	events []event_sink.Event
}

func (s *memorySink) Append(ctx context.Context, e event_sink.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return nil
}

func (s *memorySink) types() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, e := range s.events {
		out = append(out, e.EventType)
	}
	return out
}

// fabric: s1 reaches s5 over s6 (default), s2-s4 or s3-s4. Hosts hang off
// s1 port 1 and s5 port 3.
func fabric() *common.Graph {
	d := &common.Discovery{}
	ports := map[common.DPID][]uint32{1: {1, 2, 3, 4}, 2: {1, 2}, 3: {1, 2}, 4: {1, 2, 3}, 5: {1, 2, 3}, 6: {1, 2}}
	for dpid := common.DPID(1); dpid <= 6; dpid++ {
		sw := common.SwitchInfo{DPID: dpid, Live: true}
		for _, p := range ports[dpid] {
			sw.Ports = append(sw.Ports, common.PortInfo{No: p, Up: true})
		}
		d.Switches = append(d.Switches, sw)
	}
	connect := func(a common.DPID, ap uint32, b common.DPID, bp uint32) {
		l := common.Link{Src: a, SrcPort: ap, Dst: b, DstPort: bp}
		d.Links = append(d.Links, l, l.Reverse())
	}
	connect(1, 2, 2, 1)
	connect(1, 3, 3, 1)
	connect(2, 2, 4, 1)
	connect(3, 2, 4, 2)
	connect(4, 3, 5, 1)
	connect(1, 4, 6, 1)
	connect(6, 2, 5, 2)
	return common.NewGraph(d, 1)
}

func testConfig() Config {
	return Config{
		UpperBps:        120000,
		LowerBps:        80000,
		Cooldown:        30 * time.Second,
		K:               3,
		Ingress:         1,
		Egress:          5,
		EgressPort:      3,
		Match:           protocol.Match{}.WithEthType(0x0800).WithIPProto(17).WithIPSrc(netip.MustParseAddr("10.0.0.1")).WithIPDst(netip.MustParseAddr("10.0.0.2")).WithTPDst(5001),
		DefaultPriority: flow_rules.PriorityDefault,
		ReroutePriority: flow_rules.PriorityReroute,
	}
}

type harness struct {
	ctrl  *Controller
	wire  *wire
	sink  *memorySink
	clock time.Time
	reg   wireRegistry
}

func newHarness(config Config) *harness {
	h := &harness{wire: &wire{}, sink: &memorySink{}, clock: time.Unix(0, 0)}
	h.reg = wireRegistry{w: h.wire, down: map[common.DPID]bool{}}
	rules := flow_rules.NewManager(h.reg)
	h.ctrl = NewController(config, staticGraph{fabric()}, routing.NewPathComputer(), rules, h.sink).
		WithClock(func() time.Time { return h.clock })
	return h
}

func (h *harness) observe(at time.Duration, bps float64) []wireOp {
	h.clock = time.Unix(0, 0).Add(at)
	h.ctrl.Observe(context.Background(), forecast.Sample{PredictedBps: bps, SampledAt: h.clock})
	return h.wire.take()
}

func TestHysteresisTimeline(t *testing.T) {
	h := newHarness(testConfig())

	assert.Empty(t, h.observe(0, 50000))
	assert.Equal(t, Normal, h.ctrl.State())

	ops := h.observe(5*time.Second, 150000)
	assert.Equal(t, Congested, h.ctrl.State())
	assert.Equal(t, []wireOp{
		{dpid: 5, command: "add", port: 3, prio: flow_rules.PriorityReroute},
		{dpid: 4, command: "add", port: 3, prio: flow_rules.PriorityReroute},
		{dpid: 3, command: "add", port: 2, prio: flow_rules.PriorityReroute},
		{dpid: 1, command: "add", port: 3, prio: flow_rules.PriorityReroute},
		{dpid: 1, command: "barrier"},
		{dpid: 3, command: "barrier"},
		{dpid: 4, command: "barrier"},
		{dpid: 5, command: "barrier"},
	}, ops)
	assert.Equal(t, []string{event_sink.EventRerouteActive}, h.sink.types())

	assert.Empty(t, h.observe(10*time.Second, 140000), "sustained congestion writes nothing")
	assert.Empty(t, h.observe(20*time.Second, 70000), "cooldown not elapsed")
	assert.Equal(t, Congested, h.ctrl.State())

	ops = h.observe(40*time.Second, 70000)
	assert.Equal(t, Normal, h.ctrl.State())
	assert.Equal(t, []wireOp{
		{dpid: 5, command: "add", port: 3, prio: flow_rules.PriorityDefault},
		{dpid: 6, command: "add", port: 2, prio: flow_rules.PriorityDefault},
		{dpid: 1, command: "add", port: 4, prio: flow_rules.PriorityDefault},
		{dpid: 1, command: "barrier"},
		{dpid: 6, command: "barrier"},
		{dpid: 5, command: "barrier"},
		{dpid: 1, command: "delete_strict", prio: flow_rules.PriorityReroute},
		{dpid: 3, command: "delete_strict", prio: flow_rules.PriorityReroute},
		{dpid: 4, command: "delete_strict", prio: flow_rules.PriorityReroute},
		{dpid: 5, command: "delete_strict", prio: flow_rules.PriorityReroute},
		{dpid: 1, command: "barrier"},
		{dpid: 3, command: "barrier"},
		{dpid: 4, command: "barrier"},
		{dpid: 5, command: "barrier"},
	}, ops)
	assert.Equal(t, []string{event_sink.EventRerouteActive, event_sink.EventRerouteRevert}, h.sink.types())

	st := h.ctrl.Status()
	assert.Equal(t, uint64(2), st.Transitions)
	assert.Equal(t, uint64(1), st.RerouteBatches)
	assert.Equal(t, uint64(1), st.RevertBatches)
	assert.Equal(t, time.Unix(40, 0), st.LastTransition)
	assert.Equal(t, time.Unix(5, 0), st.LastCongestion)
	assert.Empty(t, st.ReroutePath)
}

func TestNoiseBetweenThresholdsNeverTransitions(t *testing.T) {
	h := newHarness(testConfig())
	for i, bps := range []float64{119999, 120000, 80000, 100000} {
		assert.Empty(t, h.observe(time.Duration(i)*time.Second, bps))
	}
	assert.Equal(t, Normal, h.ctrl.State())

	h.observe(10*time.Second, 120001)
	require.Equal(t, Congested, h.ctrl.State())
	for i, bps := range []float64{80000, 100000, 200000} {
		assert.Empty(t, h.observe(time.Duration(60+i)*time.Second, bps))
	}
	assert.Equal(t, Congested, h.ctrl.State())
}

func TestTooFewPathsStaysNormal(t *testing.T) {
	config := testConfig()
	config.K = 4
	h := newHarness(config)
	assert.Empty(t, h.observe(time.Second, 500000))
	assert.Equal(t, Normal, h.ctrl.State())
	assert.Empty(t, h.sink.types())
}

func TestNoPathStaysNormal(t *testing.T) {
	config := testConfig()
	config.Egress = 42
	h := newHarness(config)
	assert.Empty(t, h.observe(time.Second, 500000))
	assert.Equal(t, Normal, h.ctrl.State())
}

func TestPartialRolloutStillTransitions(t *testing.T) {
	h := newHarness(testConfig())
	h.reg.down[3] = true

	ops := h.observe(time.Second, 150000)
	assert.Equal(t, Congested, h.ctrl.State())
	for _, op := range ops {
		assert.NotEqual(t, common.DPID(3), op.dpid)
	}
	assert.Len(t, ops, 6)
}

func TestEnsureActiveRouteFollowsState(t *testing.T) {
	h := newHarness(testConfig())
	ctx := context.Background()

	hops, err := h.ctrl.EnsureActiveRoute(ctx)
	require.NoError(t, err)
	assert.Equal(t, []routing.Hop{{DPID: 1, OutPort: 4}, {DPID: 6, OutPort: 2}, {DPID: 5, OutPort: 3}}, hops)
	assert.Len(t, h.wire.take(), 3)

	_, err = h.ctrl.EnsureActiveRoute(ctx)
	require.NoError(t, err)
	assert.Empty(t, h.wire.take(), "second call is free")

	h.observe(time.Second, 150000)
	hops, err = h.ctrl.EnsureActiveRoute(ctx)
	require.NoError(t, err)
	assert.Equal(t, []routing.Hop{{DPID: 1, OutPort: 3}, {DPID: 3, OutPort: 2}, {DPID: 4, OutPort: 3}, {DPID: 5, OutPort: 3}}, hops)
	assert.Empty(t, h.wire.take(), "reroute rules already installed by the transition")
	assert.Equal(t, []common.DPID{1, 3, 4, 5}, h.ctrl.Status().ReroutePath)
}

func TestCooldownRunsOnSampleTime(t *testing.T) {
	h := newHarness(testConfig())
	ctx := context.Background()
	// the local clock stands still; only sample timestamps advance
	h.clock = time.Unix(1000, 0)
	at := func(sec int64, bps float64) forecast.Sample {
		return forecast.Sample{PredictedBps: bps, SampledAt: time.Unix(sec, 0)}
	}

	h.ctrl.Observe(ctx, at(5, 150000))
	require.Equal(t, Congested, h.ctrl.State())
	assert.Equal(t, time.Unix(5, 0), h.ctrl.Status().LastCongestion)

	h.ctrl.Observe(ctx, at(20, 70000))
	assert.Equal(t, Congested, h.ctrl.State())

	h.ctrl.Observe(ctx, at(35, 70000))
	assert.Equal(t, Normal, h.ctrl.State(), "30s of sample time elapsed")
	assert.Equal(t, time.Unix(35, 0), h.ctrl.Status().LastTransition)
}

func TestUntimedSampleUsesLocalClock(t *testing.T) {
	h := newHarness(testConfig())
	ctx := context.Background()

	h.clock = time.Unix(5, 0)
	h.ctrl.Observe(ctx, forecast.Sample{PredictedBps: 150000})
	require.Equal(t, Congested, h.ctrl.State())
	assert.Equal(t, time.Unix(5, 0), h.ctrl.Status().LastCongestion)

	h.clock = time.Unix(34, 0)
	h.ctrl.Observe(ctx, forecast.Sample{PredictedBps: 70000})
	assert.Equal(t, Congested, h.ctrl.State())

	h.clock = time.Unix(35, 0)
	h.ctrl.Observe(ctx, forecast.Sample{PredictedBps: 70000})
	assert.Equal(t, Normal, h.ctrl.State())
}
