package resilience

import (
	"context"
	"time"

	"github.com/smilit/proxycast-sub002/internal/core/domain"
)

// EventType names a machine transition.
type EventType string

const (
	EventAttempt   EventType = "attempt"
	EventRetry     EventType = "retry"
	EventSwitch    EventType = "switch"
	EventSuccess   EventType = "success"
	EventFatal     EventType = "fatal"
	EventExhausted EventType = "exhausted"
)

// Event describes one transition of a call.
type Event struct {
	Type  EventType
	State State

	// Attempt is the attempt number on the current credential.
	// TotalAttempts counts attempts across all credentials.
	Attempt       int
	TotalAttempts int

	CredentialIndex int
	NextIndex       int
	Credential      string

	Failure FailureType
	Err     error

	// Delay is the backoff before the next attempt, for EventRetry.
	Delay time.Duration

	// Switch is set for EventSwitch.
	Switch *SwitchEvent

	// Kind is set for EventExhausted, and for EventFatal caused by a
	// deadline or cancellation.
	Kind domain.ResilienceErrorKind

	At time.Time
}

// Observer receives machine transitions. OnEvent runs synchronously on the
// request goroutine and must not block.
type Observer interface {
	OnEvent(ctx context.Context, ev Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, ev Event)

// OnEvent calls f.
func (f ObserverFunc) OnEvent(ctx context.Context, ev Event) {
	f(ctx, ev)
}
