package protocol

import (
	"fmt"
	"net"
	"net/netip"
	"strings"
)

// MAC is an Ethernet hardware address.
type MAC [6]byte

func (m MAC) String() string {
	return net.HardwareAddr(m[:]).String()
}

func (m MAC) IsBroadcast() bool {
	return m == MAC{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}
}

func (m MAC) IsMulticast() bool {
	return m[0]&0x01 == 0x01
}

// MACFromBytes copies a 6 byte slice into a MAC. Short slices yield the zero MAC.
func MACFromBytes(b []byte) MAC {
	var m MAC
	if len(b) >= 6 {
		copy(m[:], b[:6])
	}
	return m
}

// ParseMAC parses the colon separated form.
func ParseMAC(s string) (MAC, error) {
	hw, err := net.ParseMAC(s)
	if err != nil {
		return MAC{}, err
	}
	if len(hw) != 6 {
		return MAC{}, fmt.Errorf("not an ethernet address: %s", s)
	}
	return MACFromBytes(hw), nil
}

// Match field bits. A field takes part in matching only when its bit is set
// in Match.Fields; the zero Match matches every packet.
const (
	FieldInPort uint32 = 1 << iota
	FieldEthSrc
	FieldEthDst
	FieldEthType
	FieldIPProto
	FieldIPSrc
	FieldIPDst
	FieldTPSrc
	FieldTPDst

	fieldsAll = FieldInPort | FieldEthSrc | FieldEthDst | FieldEthType | FieldIPProto |
		FieldIPSrc | FieldIPDst | FieldTPSrc | FieldTPDst
)

const matchLen = 40

// Match is the predicate of a flow rule. It is comparable with ==.
type Match struct {
	Fields  uint32
	InPort  uint32
	EthSrc  MAC
	EthDst  MAC
	EthType uint16
	IPProto uint8
	IPSrc   netip.Addr
	IPDst   netip.Addr
	TPSrc   uint16
	TPDst   uint16
}

func (m Match) Has(field uint32) bool { return m.Fields&field != 0 }

func (m Match) WithInPort(port uint32) Match {
	m.Fields |= FieldInPort
	m.InPort = port
	return m
}

func (m Match) WithEthSrc(mac MAC) Match {
	m.Fields |= FieldEthSrc
	m.EthSrc = mac
	return m
}

func (m Match) WithEthDst(mac MAC) Match {
	m.Fields |= FieldEthDst
	m.EthDst = mac
	return m
}

func (m Match) WithEthType(t uint16) Match {
	m.Fields |= FieldEthType
	m.EthType = t
	return m
}

func (m Match) WithIPProto(p uint8) Match {
	m.Fields |= FieldIPProto
	m.IPProto = p
	return m
}

func (m Match) WithIPSrc(ip netip.Addr) Match {
	m.Fields |= FieldIPSrc
	m.IPSrc = ip
	return m
}

func (m Match) WithIPDst(ip netip.Addr) Match {
	m.Fields |= FieldIPDst
	m.IPDst = ip
	return m
}

func (m Match) WithTPSrc(port uint16) Match {
	m.Fields |= FieldTPSrc
	m.TPSrc = port
	return m
}

func (m Match) WithTPDst(port uint16) Match {
	m.Fields |= FieldTPDst
	m.TPDst = port
	return m
}

// Signature is the canonical serialization of the match, used as the
// deduplication key of installed rules. Equal matches have equal signatures.
func (m Match) Signature() string {
	if m.Fields&fieldsAll == 0 {
		return "*"
	}
	parts := make([]string, 0, 9)
	if m.Has(FieldInPort) {
		parts = append(parts, fmt.Sprintf("in_port=%d", m.InPort))
	}
	if m.Has(FieldEthSrc) {
		parts = append(parts, "eth_src="+m.EthSrc.String())
	}
	if m.Has(FieldEthDst) {
		parts = append(parts, "eth_dst="+m.EthDst.String())
	}
	if m.Has(FieldEthType) {
		parts = append(parts, fmt.Sprintf("eth_type=0x%04x", m.EthType))
	}
	if m.Has(FieldIPProto) {
		parts = append(parts, fmt.Sprintf("ip_proto=%d", m.IPProto))
	}
	if m.Has(FieldIPSrc) {
		parts = append(parts, "ipv4_src="+m.IPSrc.String())
	}
	if m.Has(FieldIPDst) {
		parts = append(parts, "ipv4_dst="+m.IPDst.String())
	}
	if m.Has(FieldTPSrc) {
		parts = append(parts, fmt.Sprintf("tp_src=%d", m.TPSrc))
	}
	if m.Has(FieldTPDst) {
		parts = append(parts, fmt.Sprintf("tp_dst=%d", m.TPDst))
	}
	return strings.Join(parts, ",")
}

func (m Match) String() string { return m.Signature() }

// Covers reports whether every field constrained by m holds the same value
// in o. The empty match covers everything.
func (m Match) Covers(o Match) bool {
	if m.Fields&^o.Fields&fieldsAll != 0 {
		return false
	}
	switch {
	case m.Has(FieldInPort) && m.InPort != o.InPort,
		m.Has(FieldEthSrc) && m.EthSrc != o.EthSrc,
		m.Has(FieldEthDst) && m.EthDst != o.EthDst,
		m.Has(FieldEthType) && m.EthType != o.EthType,
		m.Has(FieldIPProto) && m.IPProto != o.IPProto,
		m.Has(FieldIPSrc) && m.IPSrc != o.IPSrc,
		m.Has(FieldIPDst) && m.IPDst != o.IPDst,
		m.Has(FieldTPSrc) && m.TPSrc != o.TPSrc,
		m.Has(FieldTPDst) && m.TPDst != o.TPDst:
		return false
	}
	return true
}

func (m Match) encode(w *writer) {
	w.u32(m.Fields & fieldsAll)
	w.u32(m.InPort)
	w.bytes(m.EthSrc[:])
	w.bytes(m.EthDst[:])
	w.u16(m.EthType)
	w.u8(m.IPProto)
	w.pad(1)
	w.ipv4(m.IPSrc, m.Has(FieldIPSrc))
	w.ipv4(m.IPDst, m.Has(FieldIPDst))
	w.u16(m.TPSrc)
	w.u16(m.TPDst)
	w.pad(4)
}

func (m *Match) decode(r *reader) error {
	if r.remaining() < matchLen {
		return fmt.Errorf("%w: match needs %d bytes, have %d", ErrMalformed, matchLen, r.remaining())
	}
	m.Fields = r.u32() & fieldsAll
	m.InPort = r.u32()
	copy(m.EthSrc[:], r.bytes(6))
	copy(m.EthDst[:], r.bytes(6))
	m.EthType = r.u16()
	m.IPProto = r.u8()
	r.skip(1)
	m.IPSrc = r.ipv4(m.Has(FieldIPSrc))
	m.IPDst = r.ipv4(m.Has(FieldIPDst))
	m.TPSrc = r.u16()
	m.TPDst = r.u16()
	r.skip(4)
	return r.err
}

type ActionType uint16

const (
	ActionOutput ActionType = 0
)

const actionLen = 8

// Action is a single forwarding action. Only output actions exist; an empty
// action list drops the packet.
type Action struct {
	Type ActionType
	Port uint32
}

func Output(port uint32) Action {
	return Action{Type: ActionOutput, Port: port}
}

func (a Action) String() string {
	switch a.Port {
	case PortFlood:
		return "output:FLOOD"
	case PortController:
		return "output:CONTROLLER"
	case PortInPort:
		return "output:IN_PORT"
	}
	return fmt.Sprintf("output:%d", a.Port)
}

// ActionsEqual compares two action lists element by element.
func ActionsEqual(a, b []Action) bool {
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

func encodeActions(w *writer, actions []Action) {
	for _, a := range actions {
		w.u16(uint16(a.Type))
		w.u16(actionLen)
		w.u32(a.Port)
	}
}

func decodeActions(r *reader, n int) ([]Action, error) {
	if n%actionLen != 0 || r.remaining() < n {
		return nil, fmt.Errorf("%w: bad action list length %d", ErrMalformed, n)
	}
	if n == 0 {
		return nil, r.err
	}
	actions := make([]Action, 0, n/actionLen)
	for i := 0; i < n/actionLen; i++ {
		t := ActionType(r.u16())
		l := r.u16()
		port := r.u32()
		if l != actionLen || t != ActionOutput {
			return nil, fmt.Errorf("%w: unsupported action type=%d len=%d", ErrMalformed, t, l)
		}
		actions = append(actions, Action{Type: t, Port: port})
	}
	return actions, r.err
}
