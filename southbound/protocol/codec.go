package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"net/netip"
)

// Marshal encodes msg including its header.
func Marshal(msg Message) ([]byte, error) {
	w := &writer{}
	w.buf.Grow(64)
	w.u8(Version)
	w.u8(uint8(msg.MsgType()))
	w.u16(0) // length, patched below
	w.u32(msg.GetXid())
	if err := msg.encodeBody(w); err != nil {
		return nil, err
	}
	data := w.buf.Bytes()
	if len(data) > MaxLen {
		return nil, fmt.Errorf("%s message too long: %d bytes", msg.MsgType(), len(data))
	}
	binary.BigEndian.PutUint16(data[2:4], uint16(len(data)))
	return data, nil
}

// Unmarshal decodes exactly one message from data.
func Unmarshal(data []byte) (Message, error) {
	h, err := decodeHeader(data)
	if err != nil {
		return nil, err
	}
	if int(h.Length) != len(data) {
		return nil, fmt.Errorf("%w: header length %d, have %d bytes", ErrMalformed, h.Length, len(data))
	}
	msg, err := newMessage(h.Type)
	if err != nil {
		return nil, err
	}
	msg.SetXid(h.Xid)
	r := &reader{r: bytes.NewReader(data[HeaderLen:])}
	if err := msg.decodeBody(r); err != nil {
		return nil, fmt.Errorf("decode %s: %w", h.Type, err)
	}
	if r.remaining() != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes in %s", ErrMalformed, r.remaining(), h.Type)
	}
	return msg, nil
}

// ReadMessage reads one framed message from r.
func ReadMessage(r io.Reader) (Message, error) {
	head := make([]byte, HeaderLen)
	if _, err := io.ReadFull(r, head); err != nil {
		return nil, err
	}
	h, err := decodeHeader(head)
	if err != nil {
		return nil, err
	}
	data := make([]byte, h.Length)
	copy(data, head)
	if _, err := io.ReadFull(r, data[HeaderLen:]); err != nil {
		return nil, err
	}
	return Unmarshal(data)
}

// WriteMessage encodes msg and writes it to w in a single Write call.
func WriteMessage(w io.Writer, msg Message) error {
	data, err := Marshal(msg)
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

func decodeHeader(data []byte) (Header, error) {
	if len(data) < HeaderLen {
		return Header{}, fmt.Errorf("%w: short header (%d bytes)", ErrMalformed, len(data))
	}
	h := Header{
		Version: data[0],
		Type:    Type(data[1]),
		Length:  binary.BigEndian.Uint16(data[2:4]),
		Xid:     binary.BigEndian.Uint32(data[4:8]),
	}
	if h.Version != Version {
		return Header{}, fmt.Errorf("%w: unsupported version 0x%02x", ErrMalformed, h.Version)
	}
	if h.Length < HeaderLen {
		return Header{}, fmt.Errorf("%w: length %d below header size", ErrMalformed, h.Length)
	}
	return h, nil
}

type writer struct {
	buf bytes.Buffer
}

func (w *writer) u8(v uint8)   { w.buf.WriteByte(v) }
func (w *writer) u16(v uint16) { _ = binary.Write(&w.buf, binary.BigEndian, v) }
func (w *writer) u32(v uint32) { _ = binary.Write(&w.buf, binary.BigEndian, v) }
func (w *writer) u64(v uint64) { _ = binary.Write(&w.buf, binary.BigEndian, v) }

func (w *writer) bytes(b []byte) { w.buf.Write(b) }

func (w *writer) pad(n int) {
	for i := 0; i < n; i++ {
		w.buf.WriteByte(0)
	}
}

func (w *writer) ipv4(addr netip.Addr, present bool) {
	addr = addr.Unmap()
	if !present || !addr.Is4() {
		w.pad(4)
		return
	}
	b := addr.As4()
	w.buf.Write(b[:])
}

// reader keeps the first error; later reads return zero values.
type reader struct {
	r   *bytes.Reader
	err error
}

func (r *reader) remaining() int { return r.r.Len() }

func (r *reader) read(v any) {
	if r.err != nil {
		return
	}
	if err := binary.Read(r.r, binary.BigEndian, v); err != nil {
		r.err = fmt.Errorf("%w: %v", ErrMalformed, err)
	}
}

func (r *reader) u8() uint8 {
	var v uint8
	r.read(&v)
	return v
}

func (r *reader) u16() uint16 {
	var v uint16
	r.read(&v)
	return v
}

func (r *reader) u32() uint32 {
	var v uint32
	r.read(&v)
	return v
}

func (r *reader) u64() uint64 {
	var v uint64
	r.read(&v)
	return v
}

func (r *reader) bytes(n int) []byte {
	if r.err != nil {
		return make([]byte, n)
	}
	if n > r.remaining() {
		r.err = fmt.Errorf("%w: need %d bytes, have %d", ErrMalformed, n, r.remaining())
		return make([]byte, n)
	}
	b := make([]byte, n)
	_, _ = io.ReadFull(r.r, b)
	return b
}

func (r *reader) rest() []byte {
	if r.remaining() == 0 {
		return nil
	}
	return r.bytes(r.remaining())
}

func (r *reader) skip(n int) { r.bytes(n) }

func (r *reader) ipv4(present bool) netip.Addr {
	b := r.bytes(4)
	if !present {
		return netip.Addr{}
	}
	return netip.AddrFrom4([4]byte{b[0], b[1], b[2], b[3]})
}
