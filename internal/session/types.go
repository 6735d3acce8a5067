// internal/session/types.go
package session

import (
	"time"

	"github.com/fyrsmithlabs/taskd/internal/tasklist"
)

// Status is the lifecycle state of a session.
type Status string

const (
	StatusInitializing      Status = "initializing"
	StatusRunning           Status = "running"
	StatusPaused            Status = "paused"
	StatusPausedForApproval Status = "paused_for_approval"
	StatusCompleted         Status = "completed"
	StatusStopped           Status = "stopped"
	StatusFailed            Status = "failed"

	// StatusStale is advisory: computed on read after the inactivity
	// window, never persisted and never destructive.
	StatusStale Status = "stale"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusStopped, StatusFailed:
		return true
	}
	return false
}

// validTransitions is the session state machine.
var validTransitions = map[Status][]Status{
	StatusInitializing:      {StatusRunning, StatusFailed},
	StatusRunning:           {StatusPaused, StatusCompleted, StatusStopped, StatusFailed},
	StatusPaused:            {StatusRunning, StatusPausedForApproval, StatusStopped, StatusFailed},
	StatusPausedForApproval: {StatusRunning, StatusStopped, StatusFailed},
}

// CanTransition reports whether from -> to is a legal move.
func CanTransition(from, to Status) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// TaskRecord is one work item tracked by a session. The task-list
// document remains the source of truth for completion state; the record
// mirrors it plus execution bookkeeping.
type TaskRecord struct {
	ID        string         `json:"id"`
	Title     string         `json:"title"`
	Line      int            `json:"line"`
	Depth     int            `json:"depth"`
	State     tasklist.State `json:"state"`
	Retries   int            `json:"retries"`
	Escalated bool           `json:"escalated,omitempty"`
	LastError string         `json:"last_error,omitempty"`
}

// Counters aggregates session progress.
type Counters struct {
	CompletedTasks    int `json:"completed_tasks"`
	FailedTasks       int `json:"failed_tasks"`
	EscalatedTasks    int `json:"escalated_tasks"`
	FileModifications int `json:"file_modifications"`
}

// Session is the durable record of one execution run over one task list.
type Session struct {
	ID           string       `json:"id"`
	Workspace    string       `json:"workspace"`
	TaskListPath string       `json:"task_list_path"`
	Status       Status       `json:"status"`
	Tasks        []TaskRecord `json:"tasks"`
	PhaseIndex   int          `json:"phase_index"`
	Counters     Counters     `json:"counters"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

// Task returns a pointer to the record with the given id, or nil.
func (s *Session) Task(id string) *TaskRecord {
	for i := range s.Tasks {
		if s.Tasks[i].ID == id {
			return &s.Tasks[i]
		}
	}
	return nil
}

// clone deep-copies the session so callers never alias manager state.
func (s *Session) clone() *Session {
	out := *s
	out.Tasks = make([]TaskRecord, len(s.Tasks))
	copy(out.Tasks, s.Tasks)
	return &out
}
