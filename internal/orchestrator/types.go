// internal/orchestrator/types.go
package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/fyrsmithlabs/taskd/internal/checkpoint"
	"github.com/fyrsmithlabs/taskd/internal/engine"
	"github.com/fyrsmithlabs/taskd/internal/scheduler"
	"github.com/fyrsmithlabs/taskd/internal/storage"
	"github.com/fyrsmithlabs/taskd/internal/tasklist"
)

// Config configures the autonomous executor.
type Config struct {
	// Concurrency is the default worker bound for new sessions.
	Concurrency int

	// KeepRecent is handed to each session's checkpoint manager.
	KeepRecent int

	// WatchDebounce coalesces external document edits and paces the
	// executor's own marker writes to the document.
	WatchDebounce time.Duration

	// PollInterval is how often Wait re-checks for run completion.
	PollInterval time.Duration

	// ArchiveOnStop moves the session record under archive/ once the
	// session reaches a terminal state through Stop.
	ArchiveOnStop bool
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Concurrency:   scheduler.DefaultConcurrency,
		KeepRecent:    checkpoint.DefaultKeepRecent,
		WatchDebounce: tasklist.DefaultDebounce,
		PollInterval:  50 * time.Millisecond,
	}
}

// StartOptions tune one session.
type StartOptions struct {
	// Concurrency overrides the configured default when non-zero.
	Concurrency int

	// Timeout bounds the session's wall-clock runtime. Zero means no
	// bound.
	Timeout time.Duration

	// Enrich, when set, attaches per-task completion evidence and
	// destructive-action declarations before the engine runs the task.
	Enrich func(req *engine.ExecuteRequest)
}

// SessionStatus is a point-in-time view of one session.
type SessionStatus struct {
	SessionID string
	Status    string
	Completed int
	Failed    int
	Escalated int
	Queued    int
	Running   int
}

// run is the live state of one executing session.
type run struct {
	id        string
	workspace string
	docAbs    string
	docRel    string
	ws        *storage.Store
	docw      *storage.DebouncedWriter

	checkpoints *checkpoint.Manager
	watcher     *tasklist.Watcher
	enrich      func(req *engine.ExecuteRequest)
	concurrency int
	cancel      context.CancelFunc

	mu       sync.Mutex
	doc      *tasklist.Document
	sched    *scheduler.Scheduler
	held     []scheduler.Task
	pending  int
	phase    int
	modified map[string]bool
}
