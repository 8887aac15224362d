package event_sink

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/gomodule/redigo/redis"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleEvent(kind string, value float64) Event {
	return Event{
		Timestamp:    time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		EventType:    kind,
		Description:  "monitored pair rerouted",
		TriggerValue: value,
	}
}

func TestMySQLSinkInsertsEvent(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS network_events").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("INSERT INTO network_events").
		WithArgs(sqlmock.AnyArg(), EventRerouteActive, "monitored pair rerouted", 150000.0).
		WillReturnResult(sqlmock.NewResult(1, 1))

	sink := NewMySQLSink(db)
	require.NoError(t, sink.EnsureSchema(context.Background()))
	require.NoError(t, sink.Append(context.Background(), sampleEvent(EventRerouteActive, 150000)))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQLSinkReportsFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("INSERT INTO network_events").WillReturnError(errors.New("table is full"))
	err = NewMySQLSink(db).Append(context.Background(), sampleEvent(EventRerouteRevert, 1))
	assert.ErrorContains(t, err, "table is full")
	assert.NoError(t, mock.ExpectationsWereMet())
}

// listConn is an in-memory redis.Conn supporting the list commands the sink uses.
type listConn struct {
	mu    *sync.Mutex
	lists map[string][][]byte
}

func (c listConn) Close() error { return nil }
func (c listConn) Err() error   { return nil }
func (c listConn) Flush() error { return nil }

func (c listConn) Send(cmd string, args ...interface{}) error { return errors.New("not supported") }

func (c listConn) Receive() (interface{}, error) { return nil, errors.New("not supported") }

func span(n, start, stop int) (int, int) {
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	return start, stop
}

func (c listConn) Do(cmd string, args ...interface{}) (interface{}, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := args[0].(string)
	list := c.lists[key]
	switch cmd {
	case "RPUSH":
		c.lists[key] = append(list, args[1].([]byte))
		return int64(len(c.lists[key])), nil
	case "LTRIM":
		start, stop := span(len(list), args[1].(int), args[2].(int))
		if start > stop {
			c.lists[key] = nil
		} else {
			c.lists[key] = append([][]byte(nil), list[start:stop+1]...)
		}
		return "OK", nil
	case "LRANGE":
		start, stop := span(len(list), args[1].(int), args[2].(int))
		var out []interface{}
		for i := start; i <= stop; i++ {
			out = append(out, list[i])
		}
		return out, nil
	}
	return nil, errors.New("unknown command " + cmd)
}

type listPool struct{ conn listConn }

func (p listPool) Get() redis.Conn { return p.conn }

func newListPool() listPool {
	return listPool{conn: listConn{mu: &sync.Mutex{}, lists: make(map[string][][]byte)}}
}

func TestRedisSinkCapsList(t *testing.T) {
	pool := newListPool()
	sink := NewRedisSink(pool, "controlplane:events", 2)
	ctx := context.Background()

	require.NoError(t, sink.Append(ctx, sampleEvent(EventControllerStart, 0)))
	require.NoError(t, sink.Append(ctx, sampleEvent(EventRerouteActive, 130000)))
	require.NoError(t, sink.Append(ctx, sampleEvent(EventRerouteRevert, 70000)))

	assert.Len(t, pool.conn.lists["controlplane:events"], 2)
	events, err := sink.Recent(10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, EventRerouteActive, events[0].EventType)
	assert.Equal(t, EventRerouteRevert, events[1].EventType)
	assert.Equal(t, 70000.0, events[1].TriggerValue)
	assert.True(t, events[1].Timestamp.Equal(sampleEvent("", 0).Timestamp))
}

type blockingSink struct {
	release chan struct{}
	mu      sync.Mutex
	got     []Event
}

func (s *blockingSink) Append(ctx context.Context, e Event) error {
	<-s.release
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, e)
	return nil
}

func (s *blockingSink) events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.got...)
}

func TestAsyncSinkDropsWhenFullAndDrainsOnClose(t *testing.T) {
	next := &blockingSink{release: make(chan struct{})}
	sink := NewAsyncSink(next, 2, time.Second)
	ctx := context.Background()

	// the writer holds the first event, the queue holds two more
	require.NoError(t, sink.Append(ctx, sampleEvent("e1", 1)))
	require.Eventually(t, func() bool { return len(sink.queue) == 0 }, time.Second, time.Millisecond)
	require.NoError(t, sink.Append(ctx, sampleEvent("e2", 2)))
	require.NoError(t, sink.Append(ctx, sampleEvent("e3", 3)))
	require.NoError(t, sink.Append(ctx, sampleEvent("e4", 4)))
	assert.Equal(t, uint64(1), sink.Dropped())

	close(next.release)
	closeCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	require.NoError(t, sink.Close(closeCtx))

	var kinds []string
	for _, e := range next.events() {
		kinds = append(kinds, e.EventType)
	}
	assert.Equal(t, []string{"e1", "e2", "e3"}, kinds)
	assert.ErrorIs(t, sink.Append(ctx, sampleEvent("late", 0)), ErrSinkClosed)
}

type failingSink struct{ calls int }

func (s *failingSink) Append(ctx context.Context, e Event) error {
	s.calls++
	return errors.New("down")
}

func TestAsyncSinkDoesNotRetry(t *testing.T) {
	next := &failingSink{}
	sink := NewAsyncSink(next, 4, time.Second)
	require.NoError(t, sink.Append(context.Background(), sampleEvent(EventRerouteActive, 1)))
	require.NoError(t, sink.Close(context.Background()))
	assert.Equal(t, 1, next.calls)
}
