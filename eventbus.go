package jobflow

import (
	"context"
	"time"
)

// Event is a named domain event observed from a source.
type Event struct {
	ID        string
	Source    string
	Name      string
	Payload   any
	CreatedAt time.Time
}

type EventHandler func(ctx context.Context, e *Event) error

// EventBus delivers named domain events to subscribers. Subscribe must not block; delivery continues in the
// background until ctx is cancelled. A handler error must result in redelivery of the same event.
type EventBus interface {
	HasSource(source string) bool
	Subscribe(ctx context.Context, source, event string, h EventHandler) error
}
