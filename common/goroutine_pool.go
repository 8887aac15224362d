package common

import (
	"fmt"
	"time"

	"github.com/panjf2000/ants/v2"
	log "github.com/sirupsen/logrus"
)

const (
	defaultPoolWorkers = 64
	defaultPoolExpiry  = time.Minute
)

// PoolConfig sizes a worker pool. Zero values take the defaults.
type PoolConfig struct {
	Name       string
	MaxWorkers int
	// IdleExpiry is how long an idle worker is kept before it is reclaimed.
	IdleExpiry time.Duration
}

// NewPool creates a blocking pool: Submit waits for a free worker instead of
// failing. A panicking task is logged with the pool name and its worker
// recycled.
func NewPool(config PoolConfig) (*ants.Pool, error) {
	if config.Name == "" {
		config.Name = "controller"
	}
	if config.MaxWorkers <= 0 {
		config.MaxWorkers = defaultPoolWorkers
	}
	if config.IdleExpiry <= 0 {
		config.IdleExpiry = defaultPoolExpiry
	}
	name := config.Name
	pool, err := ants.NewPool(config.MaxWorkers,
		ants.WithExpiryDuration(config.IdleExpiry),
		ants.WithPanicHandler(func(p any) {
			log.Errorf("[Pool %s] task panicked: %v", name, p)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s goroutine pool: %w", config.Name, err)
	}
	log.Infof("[Pool %s] started with %d workers", config.Name, config.MaxWorkers)
	return pool, nil
}
