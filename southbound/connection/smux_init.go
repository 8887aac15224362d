package connection

import (
	"fmt"
	"net"
	"sort"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/xtaci/smux"
)

// A switch connection carries exactly two streams. The switch opens the
// control stream first and the event stream second; smux client stream ids
// grow monotonically, so the lower id is always the control stream.
const streamsPerSwitch = 2

type Config struct {
	KeepAliveInterval time.Duration
	KeepAliveTimeout  time.Duration
}

func DefaultSmuxConfig() *smux.Config {
	return &smux.Config{
		Version:           1,
		KeepAliveInterval: 5 * time.Second,
		KeepAliveTimeout:  30 * time.Second,
		MaxFrameSize:      65535,
		MaxReceiveBuffer:  4194304,
		MaxStreamBuffer:   131072,
	}
}

// SmuxConfig applies the configured keepalive timers to the default config.
func SmuxConfig(c Config) (*smux.Config, error) {
	cfg := DefaultSmuxConfig()
	if c.KeepAliveInterval > 0 {
		cfg.KeepAliveInterval = c.KeepAliveInterval
	}
	if c.KeepAliveTimeout > 0 {
		cfg.KeepAliveTimeout = c.KeepAliveTimeout
	}
	if err := smux.VerifyConfig(cfg); err != nil {
		return nil, fmt.Errorf("invalid smux config: %w", err)
	}
	return cfg, nil
}

// Streams is one switch connection split into its two streams.
type Streams struct {
	Session *smux.Session
	Control *smux.Stream
	Events  *smux.Stream
}

func (s *Streams) Close() error {
	return s.Session.Close()
}

// AcceptStreams wraps an accepted connection in an smux server session and
// waits up to timeout for the switch to open its control and event streams.
func AcceptStreams(conn net.Conn, config *smux.Config, timeout time.Duration) (*Streams, error) {
	if config == nil {
		config = DefaultSmuxConfig()
	}
	session, err := smux.Server(conn, config)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("SMUX server session: %w", err)
	}
	if timeout > 0 {
		_ = session.SetDeadline(time.Now().Add(timeout))
	}

	streams := make([]*smux.Stream, 0, streamsPerSwitch)
	for len(streams) < streamsPerSwitch {
		stream, err := session.AcceptStream()
		if err != nil {
			session.Close()
			return nil, fmt.Errorf("accept stream %d from %s: %w", len(streams), conn.RemoteAddr(), err)
		}
		streams = append(streams, stream)
	}
	_ = session.SetDeadline(time.Time{})
	sort.Slice(streams, func(i, j int) bool { return streams[i].ID() < streams[j].ID() })

	log.Debugf("SMUX, accepted control stream %d and event stream %d from %s",
		streams[0].ID(), streams[1].ID(), conn.RemoteAddr())
	return &Streams{Session: session, Control: streams[0], Events: streams[1]}, nil
}

// OpenStreams is the switch side of AcceptStreams.
func OpenStreams(conn net.Conn, config *smux.Config) (*Streams, error) {
	if config == nil {
		config = DefaultSmuxConfig()
	}
	session, err := smux.Client(conn, config)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("SMUX client session: %w", err)
	}
	control, err := session.OpenStream()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("open control stream: %w", err)
	}
	events, err := session.OpenStream()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("open event stream: %w", err)
	}
	return &Streams{Session: session, Control: control, Events: events}, nil
}
