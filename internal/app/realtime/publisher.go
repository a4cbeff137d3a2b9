// Package realtime fans out state-change events to connected clients.
// Delivery is fire-and-forget: a publish failure is logged and never affects
// the transition that produced the event.
package realtime

import (
	"context"

	"github.com/digis-live/callcore/pkg/logger"
)

// Event types emitted by the call and loyalty services.
const (
	EventCallRequested   = "call_requested"
	EventCallAccepted    = "call_accepted"
	EventCallRejected    = "call_rejected"
	EventCallExpired     = "call_expired"
	EventCallEnded       = "call_ended"
	EventLoyaltyUpgraded = "loyalty_upgraded"
)

// Event is one state-change notification.
type Event struct {
	Type    string                 `json:"type"`
	Payload map[string]interface{} `json:"payload"`
}

// Publisher delivers events to subscribers.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// LogPublisher writes events to the log. It is the default sink when no
// broker is configured.
type LogPublisher struct {
	log *logger.Logger
}

// NewLogPublisher creates a publisher that only logs.
func NewLogPublisher(log *logger.Logger) *LogPublisher {
	if log == nil {
		log = logger.NewDefault("realtime")
	}
	return &LogPublisher{log: log}
}

func (p *LogPublisher) Publish(_ context.Context, event Event) error {
	p.log.WithField("event", event.Type).Debug("realtime event")
	return nil
}

// MultiPublisher fans an event out to several sinks, returning the first
// error after attempting all of them.
type MultiPublisher []Publisher

func (m MultiPublisher) Publish(ctx context.Context, event Event) error {
	var firstErr error
	for _, p := range m {
		if err := p.Publish(ctx, event); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
