package events

import (
	"time"
)

// Source names the component an event came from.
const (
	SourceRegistry = "registry"
	SourceLock     = "lock"
	SourceSession  = "session"
	SourceSync     = "statesync"
)

// Event types.
const (
	ConnectionOpened = "connection_opened"
	ConnectionClosed = "connection_closed"
	RoomJoined       = "room_joined"
	RoomLeft         = "room_left"

	LockAcquired      = "lock_acquired"
	LockRenewed       = "lock_renewed"
	LockReleased      = "lock_released"
	LockForceReleased = "lock_force_released"
	LockExpired       = "lock_expired"
	LocksCleaned      = "locks_cleaned"
	UserLocksReleased = "user_locks_released"

	SessionCreated     = "session_created"
	SessionDestroyed   = "session_destroyed"
	SessionUpdated     = "session_updated"
	UserJoinedInstance = "user_joined_instance"
	UserLeftInstance   = "user_left_instance"
	SessionsCleaned    = "sessions_cleaned"

	SyncCompleted            = "sync_completed"
	SyncError                = "sync_error"
	InstanceStateBroadcasted = "instance_state_broadcasted"
)

// Event is an observability/audit record. Components never depend on
// events for correctness; cross-component effects use direct calls.
type Event struct {
	Type   string         `json:"type"`
	Source string         `json:"source"`
	Data   map[string]any `json:"data,omitempty"`
	At     time.Time      `json:"at"`
}

func New(source, typ string, data map[string]any) Event {
	return Event{Type: typ, Source: source, Data: data, At: time.Now()}
}

// Publisher is what components hold. Publish must not block on sinks.
type Publisher interface {
	Publish(e Event)
}

// Sink consumes published events; implementations live next to their transport.
type Sink interface {
	Name() string
	Handle(e Event) error
}

// Nop drops everything.
type Nop struct{}

func (Nop) Publish(Event) {}

// PublisherFunc adapts a function, handy in tests.
type PublisherFunc func(Event)

func (f PublisherFunc) Publish(e Event) { f(e) }

// Audit reports whether an event belongs on the audit trail.
func Audit(typ string) bool {
	switch typ {
	case LockForceReleased, LocksCleaned, UserLocksReleased, SessionDestroyed, SessionsCleaned:
		return true
	}
	return false
}
