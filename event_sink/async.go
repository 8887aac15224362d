package event_sink

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"controlplane/metrics"
)

var ErrSinkClosed = errors.New("event sink closed")

// AsyncSink decouples callers from a slow sink. Events are queued and written
// by a single goroutine; when the queue is full new events are dropped.
type AsyncSink struct {
	next         Sink
	queue        chan Event
	writeTimeout time.Duration
	done         chan struct{}
	dropped      atomic.Uint64

	mu     sync.RWMutex
	closed bool
}

func NewAsyncSink(next Sink, queueSize int, writeTimeout time.Duration) *AsyncSink {
	if queueSize <= 0 {
		queueSize = 256
	}
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}
	s := &AsyncSink{
		next:         next,
		queue:        make(chan Event, queueSize),
		writeTimeout: writeTimeout,
		done:         make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *AsyncSink) run() {
	defer close(s.done)
	for e := range s.queue {
		ctx, cancel := context.WithTimeout(context.Background(), s.writeTimeout)
		if err := s.next.Append(ctx, e); err != nil {
			log.Warnf("[EventSink] failed to persist %s event: %v", e.EventType, err)
		}
		cancel()
	}
}

// Append never blocks.
func (s *AsyncSink) Append(ctx context.Context, e Event) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrSinkClosed
	}
	select {
	case s.queue <- e:
	default:
		s.dropped.Add(1)
		metrics.RecordDroppedEvent()
		log.Warnf("[EventSink] queue full, dropped %s event", e.EventType)
	}
	return nil
}

func (s *AsyncSink) Dropped() uint64 { return s.dropped.Load() }

// Close stops accepting events and waits until the queued ones are written
// or ctx expires.
func (s *AsyncSink) Close(ctx context.Context) error {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.queue)
	}
	s.mu.Unlock()

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
