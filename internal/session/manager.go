// internal/session/manager.go
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/taskd/internal/events"
	"github.com/fyrsmithlabs/taskd/internal/logging"
	"github.com/fyrsmithlabs/taskd/internal/storage"
	"github.com/fyrsmithlabs/taskd/internal/tasklist"
)

const instrumentationName = "github.com/fyrsmithlabs/taskd/internal/session"

var (
	// ErrSessionNotFound indicates no record exists for the id.
	ErrSessionNotFound = errors.New("session not found")

	// ErrInvalidTransition indicates a move the state machine forbids.
	ErrInvalidTransition = errors.New("invalid session transition")

	// ErrTaskNotFound indicates the task id is not in the session.
	ErrTaskNotFound = errors.New("task not found in session")
)

// DefaultStaleAfter is the advisory inactivity window.
const DefaultStaleAfter = 7 * 24 * time.Hour

// Config configures the session manager.
type Config struct {
	// StaleAfter is the inactivity window before Get reports a
	// non-terminal session as stale.
	StaleAfter time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{StaleAfter: DefaultStaleAfter}
}

// Manager owns session records. All mutations persist before the
// in-memory record advances.
type Manager struct {
	config *Config
	store  *storage.Store
	bus    *events.Bus
	logger *logging.Logger
	tracer trace.Tracer

	now func() time.Time

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager creates a session manager backed by the given store.
func NewManager(cfg *Config, store *storage.Store, bus *events.Bus, logger *logging.Logger) (*Manager, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = DefaultStaleAfter
	}
	if store == nil {
		return nil, errors.New("store is required")
	}
	if logger == nil {
		logger = logging.Nop()
	}

	return &Manager{
		config:   cfg,
		store:    store,
		bus:      bus,
		logger:   logger,
		tracer:   otel.Tracer(instrumentationName),
		now:      time.Now,
		sessions: make(map[string]*Session),
	}, nil
}

// Create builds a new session from parsed tasks and persists it in the
// initializing state.
func (m *Manager) Create(ctx context.Context, workspace, taskListPath string, tasks []tasklist.Task) (*Session, error) {
	ctx, span := m.tracer.Start(ctx, "session.create")
	defer span.End()

	now := m.now()
	s := &Session{
		ID:           uuid.New().String(),
		Workspace:    workspace,
		TaskListPath: taskListPath,
		Status:       StatusInitializing,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	for _, t := range tasks {
		s.Tasks = append(s.Tasks, TaskRecord{
			ID:    t.ID,
			Title: t.Title,
			Line:  t.Line,
			Depth: t.Depth,
			State: t.State,
		})
	}

	if err := m.persist(s); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()

	span.SetAttributes(
		attribute.String("session_id", s.ID),
		attribute.Int("task_count", len(s.Tasks)),
	)
	m.logger.Info(ctx, "created session",
		zap.String("session_id", s.ID),
		zap.Int("tasks", len(s.Tasks)),
	)
	return s.clone(), nil
}

// Get returns a copy of the session. Non-terminal sessions past the
// inactivity window read as stale; the stored status is untouched.
func (m *Manager) Get(ctx context.Context, id string) (*Session, error) {
	s, err := m.lookup(id)
	if err != nil {
		return nil, err
	}

	out := s.clone()
	if !out.Status.Terminal() && m.now().Sub(out.UpdatedAt) > m.config.StaleAfter {
		out.Status = StatusStale
	}
	return out, nil
}

// Transition moves the session to a new status, persisting first.
func (m *Manager) Transition(ctx context.Context, id string, to Status) error {
	ctx, span := m.tracer.Start(ctx, "session.transition")
	defer span.End()
	span.SetAttributes(
		attribute.String("session_id", id),
		attribute.String("to", string(to)),
	)

	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.lookupLocked(id)
	if err != nil {
		span.RecordError(err)
		return err
	}

	if !CanTransition(s.Status, to) {
		err := fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.Status, to)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	candidate := s.clone()
	candidate.Status = to
	candidate.UpdatedAt = m.now()
	if err := m.persist(candidate); err != nil {
		span.RecordError(err)
		return err
	}
	m.sessions[id] = candidate

	m.logger.Info(ctx, "session transition",
		zap.String("session_id", id),
		zap.String("from", string(s.Status)),
		zap.String("to", string(to)),
	)
	m.publish(ctx, eventForTransition(s.Status, to), id)
	return nil
}

// UpdateTask applies mutate to one task record and persists the result.
// The in-memory record is only replaced after a successful write.
func (m *Manager) UpdateTask(ctx context.Context, id, taskID string, mutate func(*TaskRecord)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.lookupLocked(id)
	if err != nil {
		return err
	}

	candidate := s.clone()
	rec := candidate.Task(taskID)
	if rec == nil {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	mutate(rec)
	candidate.UpdatedAt = m.now()

	if err := m.persist(candidate); err != nil {
		return err
	}
	m.sessions[id] = candidate
	return nil
}

// UpdateCounters applies mutate to the session counters and persists.
func (m *Manager) UpdateCounters(ctx context.Context, id string, mutate func(*Counters)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.lookupLocked(id)
	if err != nil {
		return err
	}

	candidate := s.clone()
	mutate(&candidate.Counters)
	candidate.UpdatedAt = m.now()

	if err := m.persist(candidate); err != nil {
		return err
	}
	m.sessions[id] = candidate
	return nil
}

// SetPhase records the current phase index.
func (m *Manager) SetPhase(ctx context.Context, id string, phase int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.lookupLocked(id)
	if err != nil {
		return err
	}

	candidate := s.clone()
	candidate.PhaseIndex = phase
	candidate.UpdatedAt = m.now()

	if err := m.persist(candidate); err != nil {
		return err
	}
	m.sessions[id] = candidate
	return nil
}

// Archive moves a terminal session record under archive/ and drops it
// from the in-memory cache. Data is never deleted.
func (m *Manager) Archive(ctx context.Context, id string) error {
	ctx, span := m.tracer.Start(ctx, "session.archive")
	defer span.End()
	span.SetAttributes(attribute.String("session_id", id))

	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.lookupLocked(id)
	if err != nil {
		span.RecordError(err)
		return err
	}
	if !s.Status.Terminal() {
		return fmt.Errorf("%w: cannot archive session in status %s", ErrInvalidTransition, s.Status)
	}

	if err := m.store.Rename(recordPath(id), archivePath(id)); err != nil {
		span.RecordError(err)
		return err
	}
	delete(m.sessions, id)

	m.logger.Info(ctx, "archived session", zap.String("session_id", id))
	return nil
}

// lookup loads the session from cache or disk.
func (m *Manager) lookup(id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lookupLocked(id)
}

func (m *Manager) lookupLocked(id string) (*Session, error) {
	if s, ok := m.sessions[id]; ok {
		return s, nil
	}

	data, err := m.store.ReadFile(recordPath(id))
	if errors.Is(err, storage.ErrNotFound) {
		// Archived records stay readable.
		data, err = m.store.ReadFile(archivePath(id))
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
		}
	}
	if err != nil {
		return nil, err
	}

	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("corrupt session record %s: %w", id, err)
	}
	m.sessions[id] = &s
	return &s, nil
}

// persist writes the record to disk; the caller updates memory only on
// success.
func (m *Manager) persist(s *Session) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling session %s: %w", s.ID, err)
	}
	return m.store.WriteFile(recordPath(s.ID), data)
}

func (m *Manager) publish(ctx context.Context, typ events.Type, sessionID string) {
	if m.bus == nil || typ == "" {
		return
	}
	m.bus.Publish(ctx, events.New(typ, sessionID, "", nil))
}

func eventForTransition(from, to Status) events.Type {
	switch to {
	case StatusRunning:
		if from == StatusInitializing {
			return events.SessionStarted
		}
		return events.SessionResumed
	case StatusPaused, StatusPausedForApproval:
		return events.SessionPaused
	case StatusCompleted:
		return events.SessionCompleted
	case StatusStopped:
		return events.SessionStopped
	case StatusFailed:
		return events.SessionFailed
	}
	return ""
}

func recordPath(id string) string {
	return path.Join("sessions", id, "session.json")
}

func archivePath(id string) string {
	return path.Join("archive", id, "session.json")
}
