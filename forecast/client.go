package forecast

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable wraps every failure to reach a forecast source.
var ErrUnavailable = errors.New("forecast unavailable")

// Sample is one load prediction for the monitored link.
type Sample struct {
	PredictedBps float64   `json:"predicted_bps"`
	SampledAt    time.Time `json:"sampled_at"`
}

// Client returns the most recent prediction. The boolean is false when the
// source has no prediction yet.
type Client interface {
	Latest(ctx context.Context) (Sample, bool, error)
}
