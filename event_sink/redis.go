package event_sink

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gomodule/redigo/redis"
)

// ConnGetter is satisfied by *redis.Pool.
type ConnGetter interface {
	Get() redis.Conn
}

// RedisSink pushes events as JSON onto a capped list.
type RedisSink struct {
	pool   ConnGetter
	key    string
	maxLen int
}

func NewRedisPool(addr string) *redis.Pool {
	return &redis.Pool{
		MaxIdle:     2,
		IdleTimeout: 5 * time.Minute,
		Dial: func() (redis.Conn, error) {
			return redis.Dial("tcp", addr, redis.DialConnectTimeout(3*time.Second))
		},
	}
}

func NewRedisSink(pool ConnGetter, key string, maxLen int) *RedisSink {
	if maxLen <= 0 {
		maxLen = 10000
	}
	return &RedisSink{pool: pool, key: key, maxLen: maxLen}
}

func (s *RedisSink) Append(ctx context.Context, e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	conn := s.pool.Get()
	defer conn.Close()

	if _, err := conn.Do("RPUSH", s.key, data); err != nil {
		return fmt.Errorf("rpush %s: %w", s.key, err)
	}
	if _, err := conn.Do("LTRIM", s.key, -s.maxLen, -1); err != nil {
		return fmt.Errorf("ltrim %s: %w", s.key, err)
	}
	return nil
}

// Recent returns the last n events of the list, oldest first.
func (s *RedisSink) Recent(n int) ([]Event, error) {
	conn := s.pool.Get()
	defer conn.Close()

	values, err := redis.ByteSlices(conn.Do("LRANGE", s.key, -n, -1))
	if err != nil {
		return nil, fmt.Errorf("lrange %s: %w", s.key, err)
	}
	events := make([]Event, 0, len(values))
	for _, v := range values {
		var e Event
		if err := json.Unmarshal(v, &e); err != nil {
			return nil, fmt.Errorf("malformed event in %s: %w", s.key, err)
		}
		events = append(events, e)
	}
	return events, nil
}
