package forecast

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"controlplane/common"
	"controlplane/metrics"
)

type PollerConfig struct {
	Interval time.Duration
	Timeout  time.Duration
	// MaxAge discards samples older than this. Zero accepts any age.
	MaxAge time.Duration
}

// Poller feeds the latest prediction to a consumer at a fixed interval.
// Failed or empty polls skip the tick.
type Poller struct {
	client  Client
	config  PollerConfig
	observe func(ctx context.Context, s Sample)
	now     func() time.Time
}

func NewPoller(client Client, config PollerConfig, observe func(ctx context.Context, s Sample)) *Poller {
	if config.Interval <= 0 {
		config.Interval = 2 * time.Second
	}
	if config.Timeout <= 0 || config.Timeout > config.Interval {
		config.Timeout = config.Interval
	}
	return &Poller{client: client, config: config, observe: observe, now: time.Now}
}

// Poll runs one cycle and reports whether a sample was delivered.
func (p *Poller) Poll(ctx context.Context) bool {
	callCtx, cancel := context.WithTimeout(ctx, p.config.Timeout)
	sample, ok, err := p.client.Latest(callCtx)
	cancel()
	if err != nil {
		log.Warnf("[ForecastPoller] skipping tick: %v", err)
		return false
	}
	if !ok {
		log.Debugf("[ForecastPoller] no prediction available")
		return false
	}
	if p.config.MaxAge > 0 && !sample.SampledAt.IsZero() && p.now().Sub(sample.SampledAt) > p.config.MaxAge {
		log.Warnf("[ForecastPoller] prediction from %s is stale, skipping", sample.SampledAt.Format(time.RFC3339))
		return false
	}
	metrics.SetPredictedLoad(sample.PredictedBps)
	p.observe(ctx, sample)
	return true
}

func (p *Poller) Run(ctx context.Context) {
	common.RunPeriodic(ctx, "ForecastPoller", p.config.Interval, func(ctx context.Context) { p.Poll(ctx) })
}
