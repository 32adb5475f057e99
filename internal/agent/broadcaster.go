package agent

import (
	"log/slog"
	stdsync "sync"
	"time"
)

// State is the sync agent's position in its cycle state machine:
// idle → syncing → {synced | error} → (next cycle).
type State string

// Agent states. The terminal states persist until the next cycle starts, so
// a status query between cycles reports the last outcome.
const (
	StateIdle    State = "idle"
	StateSyncing State = "syncing"
	StateSynced  State = "synced"
	StateError   State = "error"
)

// Status is a point-in-time snapshot published to observers and returned by
// status queries. Advisory only: nothing on the correctness path reads it.
type Status struct {
	State        State
	LastSyncAt   time.Time // zero until the first successful cycle
	PendingCount int
	Message      string // error detail when State is StateError
}

// Broadcaster fans out agent state transitions to registered observers (UI
// badges and the like). Delivery is best-effort: observers joining mid-cycle
// miss earlier notifications, and a panicking observer is contained rather
// than allowed to kill the cycle.
type Broadcaster struct {
	mu        stdsync.Mutex
	observers []func(Status)
	logger    *slog.Logger
}

// NewBroadcaster creates an empty broadcaster.
func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	return &Broadcaster{logger: logger}
}

// Subscribe registers an observer callback. Callbacks run synchronously on
// the agent's goroutine, so they must be quick; anything slow should hand
// off to its own goroutine.
func (b *Broadcaster) Subscribe(fn func(Status)) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.observers = append(b.observers, fn)
}

// Publish delivers a status snapshot to every observer.
func (b *Broadcaster) Publish(status Status) {
	b.mu.Lock()
	observers := make([]func(Status), len(b.observers))
	copy(observers, b.observers)
	b.mu.Unlock()

	for _, fn := range observers {
		b.notifyOne(fn, status)
	}
}

func (b *Broadcaster) notifyOne(fn func(Status), status Status) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("status observer panicked", "panic", r)
		}
	}()

	fn(status)
}
