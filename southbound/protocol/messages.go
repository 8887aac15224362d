package protocol

import (
	"bytes"
	"fmt"
)

type Hello struct{ Base }

func (m *Hello) MsgType() Type               { return TypeHello }
func (m *Hello) encodeBody(w *writer) error { return nil }
func (m *Hello) decodeBody(r *reader) error { r.rest(); return r.err }

// Error codes carried by Error messages.
const (
	ErrTypeBadRequest  uint16 = 1
	ErrTypeFlowModFail uint16 = 2
)

type Error struct {
	Base
	ErrType uint16
	Code    uint16
	Data    []byte
}

func (m *Error) MsgType() Type { return TypeError }

func (m *Error) Error() string {
	return fmt.Sprintf("switch error type=%d code=%d", m.ErrType, m.Code)
}

// FailedFlowMod decodes the rejected request carried in Data when it was a
// FlowMod.
func (m *Error) FailedFlowMod() (*FlowMod, bool) {
	if len(m.Data) == 0 {
		return nil, false
	}
	msg, err := Unmarshal(m.Data)
	if err != nil {
		return nil, false
	}
	mod, ok := msg.(*FlowMod)
	return mod, ok
}

func (m *Error) encodeBody(w *writer) error {
	w.u16(m.ErrType)
	w.u16(m.Code)
	w.bytes(m.Data)
	return nil
}

func (m *Error) decodeBody(r *reader) error {
	m.ErrType = r.u16()
	m.Code = r.u16()
	m.Data = r.rest()
	return r.err
}

type EchoRequest struct {
	Base
	Data []byte
}

func (m *EchoRequest) MsgType() Type { return TypeEchoRequest }

func (m *EchoRequest) encodeBody(w *writer) error { w.bytes(m.Data); return nil }

func (m *EchoRequest) decodeBody(r *reader) error { m.Data = r.rest(); return r.err }

type EchoReply struct {
	Base
	Data []byte
}

func (m *EchoReply) MsgType() Type { return TypeEchoReply }

func (m *EchoReply) encodeBody(w *writer) error { w.bytes(m.Data); return nil }

func (m *EchoReply) decodeBody(r *reader) error { m.Data = r.rest(); return r.err }

type FeaturesRequest struct{ Base }

func (m *FeaturesRequest) MsgType() Type               { return TypeFeaturesRequest }
func (m *FeaturesRequest) encodeBody(w *writer) error { return nil }
func (m *FeaturesRequest) decodeBody(r *reader) error { return r.err }

const (
	portDescLen = 28
	portNameLen = 16
)

// PortDesc describes one switch port.
type PortDesc struct {
	PortNo uint32
	HWAddr MAC
	Up     bool
	Name   string
}

func (p PortDesc) encode(w *writer) {
	w.u32(p.PortNo)
	w.bytes(p.HWAddr[:])
	if p.Up {
		w.u8(1)
	} else {
		w.u8(0)
	}
	w.pad(1)
	name := make([]byte, portNameLen)
	copy(name, p.Name)
	w.bytes(name)
}

func (p *PortDesc) decode(r *reader) {
	p.PortNo = r.u32()
	copy(p.HWAddr[:], r.bytes(6))
	p.Up = r.u8() != 0
	r.skip(1)
	p.Name = string(bytes.TrimRight(r.bytes(portNameLen), "\x00"))
}

type FeaturesReply struct {
	Base
	DatapathID uint64
	Ports      []PortDesc
}

func (m *FeaturesReply) MsgType() Type { return TypeFeaturesReply }

func (m *FeaturesReply) encodeBody(w *writer) error {
	if len(m.Ports) > 0xffff {
		return fmt.Errorf("too many ports: %d", len(m.Ports))
	}
	w.u64(m.DatapathID)
	w.u16(uint16(len(m.Ports)))
	w.pad(2)
	for _, p := range m.Ports {
		p.encode(w)
	}
	return nil
}

func (m *FeaturesReply) decodeBody(r *reader) error {
	m.DatapathID = r.u64()
	n := int(r.u16())
	r.skip(2)
	if r.err == nil && r.remaining() != n*portDescLen {
		return fmt.Errorf("%w: %d ports need %d bytes, have %d", ErrMalformed, n, n*portDescLen, r.remaining())
	}
	m.Ports = make([]PortDesc, n)
	for i := range m.Ports {
		m.Ports[i].decode(r)
	}
	return r.err
}

// PacketIn reasons.
const (
	ReasonNoMatch uint8 = 0
	ReasonAction  uint8 = 1
)

type PacketIn struct {
	Base
	BufferID uint32
	InPort   uint32
	Reason   uint8
	Data     []byte
}

func (m *PacketIn) MsgType() Type { return TypePacketIn }

func (m *PacketIn) encodeBody(w *writer) error {
	w.u32(m.BufferID)
	w.u32(m.InPort)
	w.u8(m.Reason)
	w.pad(1)
	w.u16(uint16(len(m.Data)))
	w.bytes(m.Data)
	return nil
}

func (m *PacketIn) decodeBody(r *reader) error {
	m.BufferID = r.u32()
	m.InPort = r.u32()
	m.Reason = r.u8()
	r.skip(1)
	n := int(r.u16())
	if r.err == nil && n != r.remaining() {
		return fmt.Errorf("%w: packet-in data length %d, have %d", ErrMalformed, n, r.remaining())
	}
	m.Data = r.rest()
	return r.err
}

type PacketOut struct {
	Base
	BufferID uint32
	InPort   uint32
	Actions  []Action
	Data     []byte
}

func (m *PacketOut) MsgType() Type { return TypePacketOut }

func (m *PacketOut) encodeBody(w *writer) error {
	w.u32(m.BufferID)
	w.u32(m.InPort)
	w.u16(uint16(len(m.Actions) * actionLen))
	w.pad(2)
	encodeActions(w, m.Actions)
	w.bytes(m.Data)
	return nil
}

func (m *PacketOut) decodeBody(r *reader) error {
	m.BufferID = r.u32()
	m.InPort = r.u32()
	n := int(r.u16())
	r.skip(2)
	if r.err != nil {
		return r.err
	}
	actions, err := decodeActions(r, n)
	if err != nil {
		return err
	}
	m.Actions = actions
	m.Data = r.rest()
	return r.err
}

type FlowModCommand uint8

const (
	FlowAdd FlowModCommand = iota
	// FlowDelete removes every rule with an identical match, whatever its priority.
	FlowDelete
	// FlowDeleteStrict removes the rule with an identical match and priority.
	FlowDeleteStrict
)

func (c FlowModCommand) String() string {
	switch c {
	case FlowAdd:
		return "add"
	case FlowDelete:
		return "delete"
	case FlowDeleteStrict:
		return "delete_strict"
	}
	return fmt.Sprintf("command(%d)", uint8(c))
}

type FlowMod struct {
	Base
	Command     FlowModCommand
	Cookie      uint64
	Priority    uint16
	IdleTimeout uint16
	HardTimeout uint16
	BufferID    uint32
	Match       Match
	Actions     []Action
}

func (m *FlowMod) MsgType() Type { return TypeFlowMod }

func (m *FlowMod) encodeBody(w *writer) error {
	if m.Command > FlowDeleteStrict {
		return fmt.Errorf("unknown flow-mod command %d", m.Command)
	}
	w.u64(m.Cookie)
	w.u8(uint8(m.Command))
	w.pad(1)
	w.u16(m.Priority)
	w.u16(m.IdleTimeout)
	w.u16(m.HardTimeout)
	w.u32(m.BufferID)
	m.Match.encode(w)
	encodeActions(w, m.Actions)
	return nil
}

func (m *FlowMod) decodeBody(r *reader) error {
	m.Cookie = r.u64()
	m.Command = FlowModCommand(r.u8())
	r.skip(1)
	m.Priority = r.u16()
	m.IdleTimeout = r.u16()
	m.HardTimeout = r.u16()
	m.BufferID = r.u32()
	if r.err != nil {
		return r.err
	}
	if m.Command > FlowDeleteStrict {
		return fmt.Errorf("%w: unknown flow-mod command %d", ErrMalformed, m.Command)
	}
	if err := m.Match.decode(r); err != nil {
		return err
	}
	actions, err := decodeActions(r, r.remaining())
	if err != nil {
		return err
	}
	if len(actions) > 0 {
		m.Actions = actions
	}
	return nil
}

// FlowRemoved reasons.
const (
	RemovedIdleTimeout uint8 = 0
	RemovedHardTimeout uint8 = 1
	RemovedDelete      uint8 = 2
)

// FlowRemoved reports a rule that left the switch table on its own.
type FlowRemoved struct {
	Base
	Cookie      uint64
	Priority    uint16
	Reason      uint8
	IdleTimeout uint16
	PacketCount uint64
	ByteCount   uint64
	Match       Match
}

func (m *FlowRemoved) MsgType() Type { return TypeFlowRemoved }

func (m *FlowRemoved) encodeBody(w *writer) error {
	w.u64(m.Cookie)
	w.u16(m.Priority)
	w.u8(m.Reason)
	w.pad(1)
	w.u16(m.IdleTimeout)
	w.pad(2)
	w.u64(m.PacketCount)
	w.u64(m.ByteCount)
	m.Match.encode(w)
	return nil
}

func (m *FlowRemoved) decodeBody(r *reader) error {
	m.Cookie = r.u64()
	m.Priority = r.u16()
	m.Reason = r.u8()
	r.skip(1)
	m.IdleTimeout = r.u16()
	r.skip(2)
	m.PacketCount = r.u64()
	m.ByteCount = r.u64()
	if r.err != nil {
		return r.err
	}
	return m.Match.decode(r)
}

// PortStatus reasons.
const (
	PortAdded    uint8 = 0
	PortDeleted  uint8 = 1
	PortModified uint8 = 2
)

type PortStatus struct {
	Base
	Reason uint8
	Port   PortDesc
}

func (m *PortStatus) MsgType() Type { return TypePortStatus }

func (m *PortStatus) encodeBody(w *writer) error {
	w.u8(m.Reason)
	w.pad(3)
	m.Port.encode(w)
	return nil
}

func (m *PortStatus) decodeBody(r *reader) error {
	m.Reason = r.u8()
	r.skip(3)
	m.Port.decode(r)
	return r.err
}

type StatsType uint16

const (
	StatsFlow StatsType = 1
	StatsPort StatsType = 2
)

// StatsRequest asks for flow counters of rules matching Match exactly (the
// zero Match selects every rule) or for port counters of PortNo (PortAny for
// every port).
type StatsRequest struct {
	Base
	StatsType StatsType
	Match     Match
	PortNo    uint32
}

func (m *StatsRequest) MsgType() Type { return TypeStatsRequest }

func (m *StatsRequest) encodeBody(w *writer) error {
	w.u16(uint16(m.StatsType))
	w.pad(2)
	switch m.StatsType {
	case StatsFlow:
		m.Match.encode(w)
	case StatsPort:
		w.u32(m.PortNo)
		w.pad(4)
	default:
		return fmt.Errorf("unknown stats type %d", m.StatsType)
	}
	return nil
}

func (m *StatsRequest) decodeBody(r *reader) error {
	m.StatsType = StatsType(r.u16())
	r.skip(2)
	if r.err != nil {
		return r.err
	}
	switch m.StatsType {
	case StatsFlow:
		return m.Match.decode(r)
	case StatsPort:
		m.PortNo = r.u32()
		r.skip(4)
		return r.err
	}
	return fmt.Errorf("%w: unknown stats type %d", ErrMalformed, m.StatsType)
}

const (
	flowStatsLen = 72
	portStatsLen = 56
)

type FlowStats struct {
	Cookie      uint64
	Priority    uint16
	DurationSec uint32
	PacketCount uint64
	ByteCount   uint64
	Match       Match
}

type PortStats struct {
	PortNo    uint32
	RxPackets uint64
	TxPackets uint64
	RxBytes   uint64
	TxBytes   uint64
	RxDropped uint64
	TxDropped uint64
}

type StatsReply struct {
	Base
	StatsType StatsType
	Flows     []FlowStats
	Ports     []PortStats
}

func (m *StatsReply) MsgType() Type { return TypeStatsReply }

func (m *StatsReply) encodeBody(w *writer) error {
	w.u16(uint16(m.StatsType))
	switch m.StatsType {
	case StatsFlow:
		w.u16(uint16(len(m.Flows)))
		for _, f := range m.Flows {
			w.u64(f.Cookie)
			w.u16(f.Priority)
			w.pad(2)
			w.u32(f.DurationSec)
			w.u64(f.PacketCount)
			w.u64(f.ByteCount)
			f.Match.encode(w)
		}
	case StatsPort:
		w.u16(uint16(len(m.Ports)))
		for _, p := range m.Ports {
			w.u32(p.PortNo)
			w.pad(4)
			w.u64(p.RxPackets)
			w.u64(p.TxPackets)
			w.u64(p.RxBytes)
			w.u64(p.TxBytes)
			w.u64(p.RxDropped)
			w.u64(p.TxDropped)
		}
	default:
		return fmt.Errorf("unknown stats type %d", m.StatsType)
	}
	return nil
}

func (m *StatsReply) decodeBody(r *reader) error {
	m.StatsType = StatsType(r.u16())
	n := int(r.u16())
	if r.err != nil {
		return r.err
	}
	switch m.StatsType {
	case StatsFlow:
		if r.remaining() != n*flowStatsLen {
			return fmt.Errorf("%w: %d flow stats need %d bytes, have %d", ErrMalformed, n, n*flowStatsLen, r.remaining())
		}
		m.Flows = make([]FlowStats, n)
		for i := range m.Flows {
			f := &m.Flows[i]
			f.Cookie = r.u64()
			f.Priority = r.u16()
			r.skip(2)
			f.DurationSec = r.u32()
			f.PacketCount = r.u64()
			f.ByteCount = r.u64()
			if err := f.Match.decode(r); err != nil {
				return err
			}
		}
	case StatsPort:
		if r.remaining() != n*portStatsLen {
			return fmt.Errorf("%w: %d port stats need %d bytes, have %d", ErrMalformed, n, n*portStatsLen, r.remaining())
		}
		m.Ports = make([]PortStats, n)
		for i := range m.Ports {
			p := &m.Ports[i]
			p.PortNo = r.u32()
			r.skip(4)
			p.RxPackets = r.u64()
			p.TxPackets = r.u64()
			p.RxBytes = r.u64()
			p.TxBytes = r.u64()
			p.RxDropped = r.u64()
			p.TxDropped = r.u64()
		}
	default:
		return fmt.Errorf("%w: unknown stats type %d", ErrMalformed, m.StatsType)
	}
	return r.err
}

type BarrierRequest struct{ Base }

func (m *BarrierRequest) MsgType() Type               { return TypeBarrierRequest }
func (m *BarrierRequest) encodeBody(w *writer) error { return nil }
func (m *BarrierRequest) decodeBody(r *reader) error { return r.err }

type BarrierReply struct{ Base }

func (m *BarrierReply) MsgType() Type               { return TypeBarrierReply }
func (m *BarrierReply) encodeBody(w *writer) error { return nil }
func (m *BarrierReply) decodeBody(r *reader) error { return r.err }
