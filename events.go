package limitrate

import (
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// EventType enumerates the kinds of terminal and diagnostic events the
// engine emits, per spec.md 4.7.
type EventType string

const (
	EventRateExceeded     EventType = "rate_exceeded"
	EventCostExceeded     EventType = "cost_exceeded"
	EventSlowdownApplied  EventType = "slowdown_applied"
	EventAllowed          EventType = "allowed"
	EventBlocked          EventType = "blocked"
	EventValidationFailed EventType = "validation_failed"
	EventStoreUnavailable EventType = "store_unavailable"
)

// Window names used in Event.Window.
const (
	WindowMinute = "minute"
	WindowHour   = "hour"
	WindowDay    = "day"
)

// Event is the record schema of spec.md 4.7, emitted synchronously on the
// request's own goroutine.
type Event struct {
	ID        string    `json:"id"`
	Timestamp int64     `json:"timestamp"` // epoch-ms
	User      string    `json:"user"`
	Plan      string    `json:"plan"`
	Endpoint  string    `json:"endpoint"`
	Type      EventType `json:"type"`
	Window    string    `json:"window,omitempty"`
	Value     float64   `json:"value,omitempty"`
	Threshold float64   `json:"threshold,omitempty"`
}

func newEvent(identity Identity, endpoint string, typ EventType) Event {
	return Event{
		ID:        uuid.New().String(),
		Timestamp: time.Now().UnixMilli(),
		User:      identity.User,
		Plan:      identity.Plan,
		Endpoint:  endpoint,
		Type:      typ,
	}
}

// emit invokes sink synchronously, recovering and logging a SinkError if
// the sink panics (spec.md 4.7: "the sink must not throw; if it does, the
// emitter catches and logs"). Emission is at-least-once: a nil sink is a
// no-op, never an error.
func emit(logger *slog.Logger, sink func(Event), ev Event) {
	if sink == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			logger.Error("event sink panicked", "error", (&SinkError{Recovered: r}).Error(), "event_type", ev.Type)
		}
	}()
	sink(ev)
}
