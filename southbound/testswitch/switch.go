// Package testswitch is an in-memory switch agent that speaks the control
// protocol. It keeps a flow table, answers barriers and statistics requests,
// and records every packet-out, so controller code can be exercised end to end
// without a real fabric.
package testswitch

import (
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"controlplane/southbound/connection"
	"controlplane/southbound/protocol"
)

// Flow is one entry of the switch flow table.
type Flow struct {
	Cookie      uint64
	Priority    uint16
	IdleTimeout uint16
	HardTimeout uint16
	Match       protocol.Match
	Actions     []protocol.Action
	Packets     uint64
	Bytes       uint64
}

type Switch struct {
	dpid  uint64
	ports []protocol.PortDesc

	mu         sync.Mutex
	flows      []Flow
	flowMods   []protocol.FlowMod
	packetOuts []protocol.PacketOut
	portStats  map[uint32]protocol.PortStats
	barriers   int
	rejectMods bool
	changed    chan struct{}

	streams *connection.Streams
	ctrlMu  sync.Mutex
	evMu    sync.Mutex
	done    chan struct{}
}

// New creates a switch with up ports 1..ports.
func New(dpid uint64, ports int) *Switch {
	sw := &Switch{
		dpid:      dpid,
		portStats: make(map[uint32]protocol.PortStats),
		changed:   make(chan struct{}),
		done:      make(chan struct{}),
	}
	for p := 1; p <= ports; p++ {
		sw.ports = append(sw.ports, protocol.PortDesc{
			PortNo: uint32(p),
			HWAddr: protocol.MAC{0x02, 0, 0, byte(dpid), 0, byte(p)},
			Up:     true,
			Name:   fmt.Sprintf("s%d-eth%d", dpid, p),
		})
	}
	return sw
}

func (sw *Switch) DPID() uint64 { return sw.dpid }

// Dial connects to a controller listening on addr.
func (sw *Switch) Dial(addr string) error {
	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		return err
	}
	return sw.Connect(conn)
}

// Connect opens the control and event streams on conn, says Hello and starts
// serving controller commands.
func (sw *Switch) Connect(conn net.Conn) error {
	streams, err := connection.OpenStreams(conn, connection.DefaultSmuxConfig())
	if err != nil {
		return err
	}
	sw.streams = streams
	if err := sw.writeControl(&protocol.Hello{}); err != nil {
		streams.Close()
		return err
	}
	go sw.serve()
	return nil
}

func (sw *Switch) Close() {
	if sw.streams == nil {
		return
	}
	sw.streams.Close()
	<-sw.done
}

// Done is closed once the controller side went away.
func (sw *Switch) Done() <-chan struct{} { return sw.done }

func (sw *Switch) writeControl(msg protocol.Message) error {
	sw.ctrlMu.Lock()
	defer sw.ctrlMu.Unlock()
	return protocol.WriteMessage(sw.streams.Control, msg)
}

func (sw *Switch) writeEvent(msg protocol.Message) error {
	sw.evMu.Lock()
	defer sw.evMu.Unlock()
	return protocol.WriteMessage(sw.streams.Events, msg)
}

func (sw *Switch) serve() {
	defer close(sw.done)
	for {
		msg, err := protocol.ReadMessage(sw.streams.Control)
		if err != nil {
			log.Debugf("[testswitch %d] control stream ended: %v", sw.dpid, err)
			return
		}
		if reply := sw.handle(msg); reply != nil {
			reply.SetXid(msg.GetXid())
			if err := sw.writeControl(reply); err != nil {
				return
			}
		}
	}
}

func (sw *Switch) handle(msg protocol.Message) protocol.Message {
	defer sw.notify()
	switch m := msg.(type) {
	case *protocol.FeaturesRequest:
		return &protocol.FeaturesReply{DatapathID: sw.dpid, Ports: sw.Ports()}
	case *protocol.EchoRequest:
		return &protocol.EchoReply{Data: m.Data}
	case *protocol.BarrierRequest:
		sw.mu.Lock()
		sw.barriers++
		sw.mu.Unlock()
		return &protocol.BarrierReply{}
	case *protocol.FlowMod:
		return sw.applyFlowMod(m)
	case *protocol.PacketOut:
		sw.mu.Lock()
		sw.packetOuts = append(sw.packetOuts, *m)
		sw.mu.Unlock()
	case *protocol.StatsRequest:
		return sw.stats(m)
	}
	return nil
}

func (sw *Switch) applyFlowMod(m *protocol.FlowMod) protocol.Message {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	sw.flowMods = append(sw.flowMods, *m)
	if sw.rejectMods {
		data, _ := protocol.Marshal(m)
		return &protocol.Error{ErrType: protocol.ErrTypeFlowModFail, Data: data}
	}

	switch m.Command {
	case protocol.FlowAdd:
		for i := range sw.flows {
			if sw.flows[i].Match == m.Match && sw.flows[i].Priority == m.Priority {
				sw.flows[i] = flowFromMod(m)
				return nil
			}
		}
		sw.flows = append(sw.flows, flowFromMod(m))
	case protocol.FlowDelete, protocol.FlowDeleteStrict:
		kept := sw.flows[:0]
		for _, f := range sw.flows {
			matched := m.Match.Fields == 0 || f.Match == m.Match
			if matched && (m.Command == protocol.FlowDelete || f.Priority == m.Priority) {
				continue
			}
			kept = append(kept, f)
		}
		sw.flows = kept
	}
	return nil
}

func flowFromMod(m *protocol.FlowMod) Flow {
	actions := make([]protocol.Action, len(m.Actions))
	copy(actions, m.Actions)
	return Flow{
		Cookie:      m.Cookie,
		Priority:    m.Priority,
		IdleTimeout: m.IdleTimeout,
		HardTimeout: m.HardTimeout,
		Match:       m.Match,
		Actions:     actions,
	}
}

func (sw *Switch) stats(m *protocol.StatsRequest) protocol.Message {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	reply := &protocol.StatsReply{StatsType: m.StatsType}
	switch m.StatsType {
	case protocol.StatsFlow:
		for _, f := range sw.flows {
			if m.Match.Fields != 0 && f.Match != m.Match {
				continue
			}
			reply.Flows = append(reply.Flows, protocol.FlowStats{
				Cookie:      f.Cookie,
				Priority:    f.Priority,
				PacketCount: f.Packets,
				ByteCount:   f.Bytes,
				Match:       f.Match,
			})
		}
	case protocol.StatsPort:
		for _, p := range sw.ports {
			if m.PortNo != protocol.PortAny && m.PortNo != p.PortNo {
				continue
			}
			st := sw.portStats[p.PortNo]
			st.PortNo = p.PortNo
			reply.Ports = append(reply.Ports, st)
		}
	}
	return reply
}

// SendPacketIn delivers a frame to the controller as if it arrived on inPort.
func (sw *Switch) SendPacketIn(inPort uint32, frame []byte) error {
	return sw.writeEvent(&protocol.PacketIn{
		BufferID: protocol.BufferNone,
		InPort:   inPort,
		Reason:   protocol.ReasonNoMatch,
		Data:     frame,
	})
}

// ExpireIdle drops every rule carrying an idle timeout, as if its timer ran
// out, and reports each one with a FlowRemoved. It returns the number of
// rules removed.
func (sw *Switch) ExpireIdle() (int, error) {
	sw.mu.Lock()
	var expired []Flow
	kept := sw.flows[:0]
	for _, f := range sw.flows {
		if f.IdleTimeout > 0 {
			expired = append(expired, f)
			continue
		}
		kept = append(kept, f)
	}
	sw.flows = kept
	sw.mu.Unlock()
	sw.notify()

	for _, f := range expired {
		err := sw.writeEvent(&protocol.FlowRemoved{
			Cookie:      f.Cookie,
			Priority:    f.Priority,
			Reason:      protocol.RemovedIdleTimeout,
			IdleTimeout: f.IdleTimeout,
			PacketCount: f.Packets,
			ByteCount:   f.Bytes,
			Match:       f.Match,
		})
		if err != nil {
			return 0, err
		}
	}
	return len(expired), nil
}

// SetPortUp changes a port state and reports it to the controller.
func (sw *Switch) SetPortUp(port uint32, up bool) error {
	sw.mu.Lock()
	var desc protocol.PortDesc
	found := false
	for i := range sw.ports {
		if sw.ports[i].PortNo == port {
			sw.ports[i].Up = up
			desc, found = sw.ports[i], true
		}
	}
	sw.mu.Unlock()
	if !found {
		return fmt.Errorf("switch %d has no port %d", sw.dpid, port)
	}
	return sw.writeEvent(&protocol.PortStatus{Reason: protocol.PortModified, Port: desc})
}

// SetPortCounters replaces the counters reported for port.
func (sw *Switch) SetPortCounters(st protocol.PortStats) {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	sw.portStats[st.PortNo] = st
}

// RejectFlowMods makes the switch answer every FlowMod with an Error.
func (sw *Switch) RejectFlowMods(reject bool) {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	sw.rejectMods = reject
}

func (sw *Switch) Ports() []protocol.PortDesc {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	ports := make([]protocol.PortDesc, len(sw.ports))
	copy(ports, sw.ports)
	return ports
}

// Flows returns the flow table ordered by descending priority.
func (sw *Switch) Flows() []Flow {
	sw.mu.Lock()
	flows := make([]Flow, len(sw.flows))
	copy(flows, sw.flows)
	sw.mu.Unlock()
	sort.SliceStable(flows, func(i, j int) bool { return flows[i].Priority > flows[j].Priority })
	return flows
}

func (sw *Switch) FlowMods() []protocol.FlowMod {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	mods := make([]protocol.FlowMod, len(sw.flowMods))
	copy(mods, sw.flowMods)
	return mods
}

func (sw *Switch) PacketOuts() []protocol.PacketOut {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	outs := make([]protocol.PacketOut, len(sw.packetOuts))
	copy(outs, sw.packetOuts)
	return outs
}

func (sw *Switch) Barriers() int {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	return sw.barriers
}

func (sw *Switch) notify() {
	sw.mu.Lock()
	close(sw.changed)
	sw.changed = make(chan struct{})
	sw.mu.Unlock()
}

var ErrTimeout = errors.New("testswitch: condition not reached")

// WaitFor blocks until cond holds after a processed command or timeout passes.
func (sw *Switch) WaitFor(timeout time.Duration, cond func(sw *Switch) bool) error {
	deadline := time.After(timeout)
	for {
		sw.mu.Lock()
		changed := sw.changed
		sw.mu.Unlock()
		if cond(sw) {
			return nil
		}
		select {
		case <-changed:
		case <-deadline:
			return ErrTimeout
		}
	}
}
