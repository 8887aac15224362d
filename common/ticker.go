package common

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
)

// RunPeriodic calls fn once immediately and then every interval until ctx is
// cancelled. fn is expected to log its own failures; a slow fn delays the
// next tick instead of overlapping with it.
func RunPeriodic(ctx context.Context, name string, interval time.Duration, fn func(ctx context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.Infof("[%s] periodic task started, interval: %v", name, interval)
	fn(ctx)
	for {
		select {
		case <-ctx.Done():
			log.Infof("[%s] periodic task stopping: %v", name, ctx.Err())
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}
