package logstream

import (
	"context"
	"errors"
	"fmt"
)

// ErrInvalidEvent is returned for events rejected before they reach Publish.
var ErrInvalidEvent = errors.New("invalid log event")

// Event is one log line reported for a deploy. It is never persisted here.
type Event struct {
	BuildID int64  `json:"deploy_id"`
	Stage   string `json:"stage"`
	Message string `json:"log"`

	// Barrier marks an in-band flush marker rather than a log line. It
	// travels the same path as the lines before it and is never shown to
	// subscribers.
	Barrier string `json:"barrier,omitempty"`
}

func (e Event) Validate() error {
	if e.BuildID <= 0 {
		return fmt.Errorf("%w: deploy id must be positive, got %d", ErrInvalidEvent, e.BuildID)
	}
	if e.Stage == "" {
		return fmt.Errorf("%w: stage is required", ErrInvalidEvent)
	}
	return nil
}

// Line is the wire form sent to subscribers: "[stage] message".
func (e Event) Line() string {
	return fmt.Sprintf("[%s] %s", e.Stage, e.Message)
}

// Sink accepts events from producers. The local Publisher and the AMQP
// fan-out bus both implement it.
type Sink interface {
	Emit(ctx context.Context, ev Event) error
}
