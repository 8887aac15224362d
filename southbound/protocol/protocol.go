// Package protocol implements the binary control protocol spoken between the
// controller and the switches of the fabric.
//
// Every message starts with an 8 byte header (version, type, length, xid),
// big endian, followed by a type specific body.
package protocol

import (
	"errors"
	"fmt"
)

const (
	Version   uint8 = 0x01
	HeaderLen       = 8
	MaxLen          = 0xffff
)

var ErrMalformed = errors.New("malformed message")

type Type uint8

const (
	TypeHello Type = iota
	TypeError
	TypeEchoRequest
	TypeEchoReply
	TypeFeaturesRequest
	TypeFeaturesReply
	TypePacketIn
	TypePacketOut
	TypeFlowMod
	TypePortStatus
	TypeStatsRequest
	TypeStatsReply
	TypeBarrierRequest
	TypeBarrierReply
	TypeFlowRemoved
)

func (t Type) String() string {
	switch t {
	case TypeHello:
		return "Hello"
	case TypeError:
		return "Error"
	case TypeEchoRequest:
		return "EchoRequest"
	case TypeEchoReply:
		return "EchoReply"
	case TypeFeaturesRequest:
		return "FeaturesRequest"
	case TypeFeaturesReply:
		return "FeaturesReply"
	case TypePacketIn:
		return "PacketIn"
	case TypePacketOut:
		return "PacketOut"
	case TypeFlowMod:
		return "FlowMod"
	case TypePortStatus:
		return "PortStatus"
	case TypeStatsRequest:
		return "StatsRequest"
	case TypeStatsReply:
		return "StatsReply"
	case TypeBarrierRequest:
		return "BarrierRequest"
	case TypeBarrierReply:
		return "BarrierReply"
	case TypeFlowRemoved:
		return "FlowRemoved"
	default:
		return fmt.Sprintf("Type(%d)", uint8(t))
	}
}

// IsReply reports whether messages of this type answer a request and are
// correlated by xid.
func (t Type) IsReply() bool {
	switch t {
	case TypeEchoReply, TypeFeaturesReply, TypeStatsReply, TypeBarrierReply:
		return true
	}
	return false
}

// Reserved port numbers.
const (
	PortMax        uint32 = 0xffffff00
	PortInPort     uint32 = 0xfffffff8
	PortFlood      uint32 = 0xfffffffb
	PortAll        uint32 = 0xfffffffc
	PortController uint32 = 0xfffffffd
	PortAny        uint32 = 0xffffffff
)

// EtherTypeProbe marks the link discovery frames the controller emits.
const EtherTypeProbe uint16 = 0x88b5

// BufferNone means the packet data is carried in the message itself.
const BufferNone uint32 = 0xffffffff

type Header struct {
	Version uint8
	Type    Type
	Length  uint16
	Xid     uint32
}

// Message is implemented by every protocol message.
type Message interface {
	MsgType() Type
	GetXid() uint32
	SetXid(xid uint32)

	encodeBody(w *writer) error
	decodeBody(r *reader) error
}

// Base carries the transaction id shared by all messages.
type Base struct {
	Xid uint32
}

func (b *Base) GetXid() uint32 { return b.Xid }

func (b *Base) SetXid(xid uint32) { b.Xid = xid }

func newMessage(t Type) (Message, error) {
	switch t {
	case TypeHello:
		return &Hello{}, nil
	case TypeError:
		return &Error{}, nil
	case TypeEchoRequest:
		return &EchoRequest{}, nil
	case TypeEchoReply:
		return &EchoReply{}, nil
	case TypeFeaturesRequest:
		return &FeaturesRequest{}, nil
	case TypeFeaturesReply:
		return &FeaturesReply{}, nil
	case TypePacketIn:
		return &PacketIn{}, nil
	case TypePacketOut:
		return &PacketOut{}, nil
	case TypeFlowMod:
		return &FlowMod{}, nil
	case TypePortStatus:
		return &PortStatus{}, nil
	case TypeStatsRequest:
		return &StatsRequest{}, nil
	case TypeStatsReply:
		return &StatsReply{}, nil
	case TypeBarrierRequest:
		return &BarrierRequest{}, nil
	case TypeBarrierReply:
		return &BarrierReply{}, nil
	case TypeFlowRemoved:
		return &FlowRemoved{}, nil
	}
	return nil, fmt.Errorf("%w: unknown type %d", ErrMalformed, uint8(t))
}
