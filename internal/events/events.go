// internal/events/events.go
package events

import (
	"time"

	"github.com/google/uuid"
)

// Type identifies a lifecycle event.
type Type string

// Session lifecycle events.
const (
	SessionStarted   Type = "session.started"
	SessionPaused    Type = "session.paused"
	SessionResumed   Type = "session.resumed"
	SessionStopped   Type = "session.stopped"
	SessionCompleted Type = "session.completed"
	SessionFailed    Type = "session.failed"
)

// Task lifecycle events.
const (
	TaskQueued    Type = "task.queued"
	TaskStarted   Type = "task.started"
	TaskCompleted Type = "task.completed"
	TaskFailed    Type = "task.failed"
	TaskSkipped   Type = "task.skipped"
	TaskEscalated Type = "task.escalated"
)

// Checkpoint events.
const (
	CheckpointCreated  Type = "checkpoint.created"
	CheckpointRestored Type = "checkpoint.restored"
)

// Event is an immutable record of one lifecycle transition.
type Event struct {
	ID        string         `json:"id"`
	Type      Type           `json:"type"`
	SessionID string         `json:"session_id"`
	TaskID    string         `json:"task_id,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// New builds an event with a fresh id and timestamp.
func New(typ Type, sessionID, taskID string, payload map[string]any) Event {
	return Event{
		ID:        uuid.New().String(),
		Type:      typ,
		SessionID: sessionID,
		TaskID:    taskID,
		Timestamp: time.Now(),
		Payload:   payload,
	}
}
