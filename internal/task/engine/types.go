package engine

import (
	"context"
	"sync"
	"time"
)

// Config controls the submission executor.
//
// The executor runs one task at a time. Everything that talks to the
// provider goes through it, so two items can never be mid-submission
// together.
type Config struct {
	QueueSize int

	// DefaultTimeout is used when Task.Timeout is 0. 0 means no timeout.
	DefaultTimeout time.Duration

	HistorySize int
}

// keyState tracks keys that are queued or running.
// A key already queued is skipped rather than queued twice.
type keyState struct {
	mu   sync.Mutex
	busy map[string]struct{}
}

func (s *keyState) tryAcquire(key string) bool {
	if key == "" {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.busy == nil {
		s.busy = map[string]struct{}{}
	}
	if _, ok := s.busy[key]; ok {
		return false
	}
	s.busy[key] = struct{}{}
	return true
}

func (s *keyState) release(key string) {
	if key == "" {
		return
	}
	s.mu.Lock()
	delete(s.busy, key)
	s.mu.Unlock()
}

type HistoryItem struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Key        string        `json:"key,omitempty"`
	Started    time.Time     `json:"started"`
	QueueDelay time.Duration `json:"queue_delay"`
	Duration   time.Duration `json:"duration"`
	Error      string        `json:"error,omitempty"`
}

// TaskEvent is emitted on the event bus for task lifecycle events.
type TaskEvent struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Key        string        `json:"key,omitempty"`
	Started    time.Time     `json:"started"`
	QueueDelay time.Duration `json:"queue_delay"`
	Duration   time.Duration `json:"duration"`
	Error      string        `json:"error,omitempty"`
}

// Task is a unit of work executed by the engine.
//
// Key, when set, names the resource the task works on (an item id).
// Enqueueing a task whose key is already queued or running returns
// ErrOverlapSkip.
type Task struct {
	ID      string
	Name    string
	Key     string
	Timeout time.Duration
	Run     func(ctx context.Context) error
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Running  bool
	QueueLen int
	QueueCap int
	InFlight int

	Dropped uint64
	Skipped uint64

	DefaultTimeout time.Duration

	History []HistoryItem
}
