package southbound

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	log "github.com/sirupsen/logrus"

	"controlplane/common"
	"controlplane/southbound/connection"
	"controlplane/southbound/protocol"
)

var ErrSessionClosed = errors.New("switch session closed")

// HandlerFunc handles one asynchronous message from a switch. It runs on the
// receive loop of the stream the message arrived on.
type HandlerFunc func(s *Session, msg protocol.Message)

// Conn is the command side of a switch session.
type Conn interface {
	DPID() common.DPID
	Send(msg protocol.Message) error
	Request(ctx context.Context, msg protocol.Message) (protocol.Message, error)
}

// Registry looks up the sessions of connected switches.
type Registry interface {
	Conn(dpid common.DPID) (Conn, bool)
	Conns() []Conn
}

// stream serializes writes; reads happen on a single receive loop.
type stream struct {
	name string
	rw   io.ReadWriteCloser
	mu   sync.Mutex
}

func (st *stream) write(msg protocol.Message) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	return protocol.WriteMessage(st.rw, msg)
}

type reply struct {
	msg protocol.Message
	err error
}

// Session is the controller's view of one connected switch.
type Session struct {
	dpid   common.DPID
	ports  []protocol.PortDesc
	remote string

	streams *connection.Streams
	control *stream
	events  *stream

	dispatch map[protocol.Type]HandlerFunc
	onClose  func(*Session)

	xid       atomic.Uint32
	pendingMu sync.Mutex
	pending   map[uint32]chan reply

	closeOnce sync.Once
	done      chan struct{}
	closeErr  error
}

func newSession(features *protocol.FeaturesReply, streams *connection.Streams, remote string,
	dispatch map[protocol.Type]HandlerFunc, onClose func(*Session)) *Session {
	s := &Session{
		dpid:     common.DPID(features.DatapathID),
		ports:    features.Ports,
		remote:   remote,
		streams:  streams,
		control:  &stream{name: "control", rw: streams.Control},
		events:   &stream{name: "events", rw: streams.Events},
		dispatch: dispatch,
		onClose:  onClose,
		pending:  make(map[uint32]chan reply),
		done:     make(chan struct{}),
	}
	s.xid.Store(features.Xid)
	return s
}

func (s *Session) start() {
	go s.receiveLoop(s.control)
	go s.receiveLoop(s.events)
}

func (s *Session) DPID() common.DPID { return s.dpid }

func (s *Session) RemoteAddr() string { return s.remote }

// Ports returns the port list reported in the features reply.
func (s *Session) Ports() []protocol.PortDesc {
	ports := make([]protocol.PortDesc, len(s.ports))
	copy(ports, s.ports)
	return ports
}

// Done is closed when the session ends.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err returns the reason the session ended, nil while it is open.
func (s *Session) Err() error {
	select {
	case <-s.done:
		return s.closeErr
	default:
		return nil
	}
}

func (s *Session) nextXid() uint32 {
	return s.xid.Add(1)
}

// Send writes msg on the control stream without waiting for a reply. A zero
// xid is replaced by a fresh one.
func (s *Session) Send(msg protocol.Message) error {
	select {
	case <-s.done:
		return fmt.Errorf("switch %d: %w", s.dpid, ErrSessionClosed)
	default:
	}
	if msg.GetXid() == 0 {
		msg.SetXid(s.nextXid())
	}
	if err := s.control.write(msg); err != nil {
		s.closeWithError(fmt.Errorf("write %s: %w", msg.MsgType(), err))
		return fmt.Errorf("switch %d: %w", s.dpid, ErrSessionClosed)
	}
	return nil
}

// Request sends msg and waits for the reply carrying the same xid. An Error
// message answering the request is returned as the error.
func (s *Session) Request(ctx context.Context, msg protocol.Message) (protocol.Message, error) {
	xid := s.nextXid()
	msg.SetXid(xid)
	ch := make(chan reply, 1)

	s.pendingMu.Lock()
	if s.pending == nil {
		s.pendingMu.Unlock()
		return nil, fmt.Errorf("switch %d: %w", s.dpid, ErrSessionClosed)
	}
	s.pending[xid] = ch
	s.pendingMu.Unlock()

	if err := s.Send(msg); err != nil {
		s.dropPending(xid)
		return nil, err
	}

	select {
	case r := <-ch:
		return r.msg, r.err
	case <-ctx.Done():
		s.dropPending(xid)
		return nil, fmt.Errorf("switch %d %s xid=%d: %w", s.dpid, msg.MsgType(), xid, ctx.Err())
	}
}

func (s *Session) dropPending(xid uint32) {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	delete(s.pending, xid)
}

// Barrier blocks until the switch has applied every command sent before it.
func (s *Session) Barrier(ctx context.Context) error {
	msg, err := s.Request(ctx, &protocol.BarrierRequest{})
	if err != nil {
		return err
	}
	if msg.MsgType() != protocol.TypeBarrierReply {
		return fmt.Errorf("switch %d: barrier answered with %s: %w", s.dpid, msg.MsgType(), protocol.ErrMalformed)
	}
	return nil
}

// deliver hands a reply to its waiting Request. It reports false when nobody
// waits for the xid.
func (s *Session) deliver(msg protocol.Message) bool {
	s.pendingMu.Lock()
	ch, ok := s.pending[msg.GetXid()]
	if ok {
		delete(s.pending, msg.GetXid())
	}
	s.pendingMu.Unlock()
	if !ok {
		return false
	}
	if e, isErr := msg.(*protocol.Error); isErr {
		ch <- reply{err: fmt.Errorf("switch %d: %w", s.dpid, e)}
	} else {
		ch <- reply{msg: msg}
	}
	return true
}

func (s *Session) receiveLoop(st *stream) {
	for {
		msg, err := protocol.ReadMessage(st.rw)
		if err != nil {
			s.closeWithError(fmt.Errorf("%s stream: %w", st.name, err))
			return
		}

		t := msg.MsgType()
		if (t.IsReply() || t == protocol.TypeError) && s.deliver(msg) {
			continue
		}
		if t == protocol.TypeEchoRequest {
			echo := msg.(*protocol.EchoRequest)
			if err := st.write(&protocol.EchoReply{Base: protocol.Base{Xid: echo.Xid}, Data: echo.Data}); err != nil {
				s.closeWithError(fmt.Errorf("echo reply: %w", err))
				return
			}
			continue
		}
		if handler, ok := s.dispatch[t]; ok {
			handler(s, msg)
			continue
		}
		if t == protocol.TypeError {
			log.Warnf("[Session] switch %d reported unsolicited %v", s.dpid, msg.(*protocol.Error))
			continue
		}
		log.Debugf("[Session] switch %d: no handler for %s xid=%d", s.dpid, t, msg.GetXid())
	}
}

// Close ends the session. Pending requests fail with ErrSessionClosed.
func (s *Session) Close() error {
	s.closeWithError(nil)
	return nil
}

func (s *Session) closeWithError(err error) {
	s.closeOnce.Do(func() {
		s.closeErr = err
		close(s.done)
		_ = s.streams.Close()

		s.pendingMu.Lock()
		pending := s.pending
		s.pending = nil
		s.pendingMu.Unlock()
		for _, ch := range pending {
			ch <- reply{err: fmt.Errorf("switch %d: %w", s.dpid, ErrSessionClosed)}
		}

		if err != nil {
			log.Warnf("[Session] switch %d (%s) disconnected: %v", s.dpid, s.remote, err)
		} else {
			log.Infof("[Session] switch %d (%s) closed", s.dpid, s.remote)
		}
		if s.onClose != nil {
			s.onClose(s)
		}
	})
}
