package event_sink

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
)

const (
	EventRerouteActive   = "REROUTE_ACTIVE"
	EventRerouteRevert   = "REROUTE_REVERT"
	EventControllerStart = "CONTROLLER_START"
)

// Event is one audit record of a control plane decision.
type Event struct {
	Timestamp    time.Time `json:"timestamp"`
	EventType    string    `json:"event_type"`
	Description  string    `json:"description"`
	TriggerValue float64   `json:"trigger_value"`
}

// Sink persists events. Implementations must be safe for concurrent use.
type Sink interface {
	Append(ctx context.Context, e Event) error
}

// LogSink writes events to the process log only.
type LogSink struct{}

func (LogSink) Append(ctx context.Context, e Event) error {
	log.WithFields(log.Fields{
		"event_type":    e.EventType,
		"trigger_value": e.TriggerValue,
		"timestamp":     e.Timestamp.Format(time.RFC3339),
	}).Info(e.Description)
	return nil
}
