package southbound

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	log "github.com/sirupsen/logrus"
	"github.com/xtaci/smux"

	"controlplane/common"
	"controlplane/metrics"
	"controlplane/southbound/connection"
	"controlplane/southbound/protocol"
)

const featuresXid uint32 = 1

type ServerConfig struct {
	ListenAddr       string
	HandshakeTimeout time.Duration
	Smux             *smux.Config
}

// Server accepts switch connections, performs the handshake and keeps the
// registry of live sessions keyed by DPID.
type Server struct {
	config ServerConfig
	pool   *ants.Pool

	handlers     map[protocol.Type]HandlerFunc
	onConnect    []func(*Session)
	onDisconnect []func(*Session)

	mu       sync.RWMutex
	sessions map[common.DPID]*Session
	listener net.Listener
}

func NewServer(config ServerConfig, pool *ants.Pool) *Server {
	if config.HandshakeTimeout <= 0 {
		config.HandshakeTimeout = 5 * time.Second
	}
	if config.Smux == nil {
		config.Smux = connection.DefaultSmuxConfig()
	}
	return &Server{
		config:   config,
		pool:     pool,
		handlers: make(map[protocol.Type]HandlerFunc),
		sessions: make(map[common.DPID]*Session),
	}
}

// Handle registers the handler for asynchronous messages of type t.
// Registration must complete before the first switch connects.
func (s *Server) Handle(t protocol.Type, h HandlerFunc) {
	s.handlers[t] = h
}

// OnConnect registers fn to run after a switch completed its handshake.
func (s *Server) OnConnect(fn func(*Session)) {
	s.onConnect = append(s.onConnect, fn)
}

// OnDisconnect registers fn to run once per ended session.
func (s *Server) OnDisconnect(fn func(*Session)) {
	s.onDisconnect = append(s.onDisconnect, fn)
}

func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.config.ListenAddr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections until ctx is cancelled. Handshakes run on the
// goroutine pool.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	log.Infof("[SwitchServer] listening on %s", ln.Addr())

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			log.Warnf("[SwitchServer] accept failed: %v", err)
			continue
		}
		if err := s.pool.Submit(func() {
			if _, err := s.ServeConn(conn); err != nil {
				log.Warnf("[SwitchServer] handshake with %s failed: %v", conn.RemoteAddr(), err)
			}
		}); err != nil {
			log.Errorf("[SwitchServer] failed to submit handshake for %s: %v", conn.RemoteAddr(), err)
			conn.Close()
		}
	}
}

// ServeConn runs the handshake on conn and registers the resulting session.
func (s *Server) ServeConn(conn net.Conn) (*Session, error) {
	remote := conn.RemoteAddr().String()
	streams, err := connection.AcceptStreams(conn, s.config.Smux, s.config.HandshakeTimeout)
	if err != nil {
		return nil, err
	}
	features, err := handshake(streams, s.config.HandshakeTimeout)
	if err != nil {
		streams.Close()
		return nil, err
	}

	sess := newSession(features, streams, remote, s.handlers, s.deregister)
	s.register(sess)
	sess.start()
	log.Infof("[SwitchServer] switch %d connected from %s with %d ports", sess.DPID(), remote, len(features.Ports))

	for _, fn := range s.onConnect {
		fn(sess)
	}
	return sess, nil
}

func handshake(streams *connection.Streams, timeout time.Duration) (*protocol.FeaturesReply, error) {
	ctrl := streams.Control
	_ = ctrl.SetDeadline(time.Now().Add(timeout))
	defer ctrl.SetDeadline(time.Time{})

	if err := protocol.WriteMessage(ctrl, &protocol.Hello{}); err != nil {
		return nil, fmt.Errorf("send hello: %w", err)
	}
	msg, err := protocol.ReadMessage(ctrl)
	if err != nil {
		return nil, fmt.Errorf("read hello: %w", err)
	}
	if msg.MsgType() != protocol.TypeHello {
		return nil, fmt.Errorf("expected Hello, got %s: %w", msg.MsgType(), protocol.ErrMalformed)
	}

	if err := protocol.WriteMessage(ctrl, &protocol.FeaturesRequest{Base: protocol.Base{Xid: featuresXid}}); err != nil {
		return nil, fmt.Errorf("send features request: %w", err)
	}
	for {
		msg, err := protocol.ReadMessage(ctrl)
		if err != nil {
			return nil, fmt.Errorf("read features reply: %w", err)
		}
		switch m := msg.(type) {
		case *protocol.FeaturesReply:
			if m.Xid != featuresXid {
				return nil, fmt.Errorf("features reply xid %d: %w", m.Xid, protocol.ErrMalformed)
			}
			return m, nil
		case *protocol.EchoRequest:
			if err := protocol.WriteMessage(ctrl, &protocol.EchoReply{Base: m.Base, Data: m.Data}); err != nil {
				return nil, fmt.Errorf("echo reply: %w", err)
			}
		case *protocol.Error:
			return nil, fmt.Errorf("features request rejected: %w", m)
		default:
			log.Debugf("[SwitchServer] ignoring %s during handshake", msg.MsgType())
		}
	}
}

// register installs sess, closing an older session of the same switch first
// so its disconnect listeners run before the new connect listeners.
func (s *Server) register(sess *Session) {
	s.mu.RLock()
	old := s.sessions[sess.DPID()]
	s.mu.RUnlock()
	if old != nil {
		log.Infof("[SwitchServer] switch %d reconnected, replacing session from %s", sess.DPID(), old.RemoteAddr())
		old.Close()
	}

	s.mu.Lock()
	s.sessions[sess.DPID()] = sess
	n := len(s.sessions)
	s.mu.Unlock()
	metrics.SetConnectedSwitches(n)
}

func (s *Server) deregister(sess *Session) {
	s.mu.Lock()
	current, ok := s.sessions[sess.DPID()]
	if ok && current == sess {
		delete(s.sessions, sess.DPID())
	}
	n := len(s.sessions)
	s.mu.Unlock()
	metrics.SetConnectedSwitches(n)

	for _, fn := range s.onDisconnect {
		fn(sess)
	}
}

// Session returns the live session of dpid.
func (s *Server) Session(dpid common.DPID) (*Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[dpid]
	return sess, ok
}

// Sessions returns the live sessions ordered by DPID.
func (s *Server) Sessions() []*Session {
	s.mu.RLock()
	out := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].DPID() < out[j].DPID() })
	return out
}

func (s *Server) Conn(dpid common.DPID) (Conn, bool) {
	sess, ok := s.Session(dpid)
	if !ok {
		return nil, false
	}
	return sess, true
}

func (s *Server) Conns() []Conn {
	sessions := s.Sessions()
	out := make([]Conn, len(sessions))
	for i, sess := range sessions {
		out[i] = sess
	}
	return out
}

// Close stops accepting and closes every session.
func (s *Server) Close() {
	s.mu.RLock()
	ln := s.listener
	s.mu.RUnlock()
	if ln != nil {
		ln.Close()
	}
	for _, sess := range s.Sessions() {
		sess.Close()
	}
}
