// internal/taskcontext/manager.go
package taskcontext

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/taskd/internal/logging"
	"github.com/fyrsmithlabs/taskd/internal/storage"
)

const instrumentationName = "github.com/fyrsmithlabs/taskd/internal/taskcontext"

// MinPatternOccurrences is how many consecutive identical errors make a
// repeated-failure pattern.
const MinPatternOccurrences = 2

// Outcome labels one attempt's result.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
	OutcomeSkipped   Outcome = "skipped"
	OutcomeEscalated Outcome = "escalated"
	OutcomeAborted   Outcome = "aborted"
)

// Attempt is one recorded iteration of a task.
type Attempt struct {
	TaskID    string    `json:"task_id"`
	Iteration int       `json:"iteration"`
	Timestamp time.Time `json:"timestamp"`
	Actions   []string  `json:"actions,omitempty"`
	Reasoning string    `json:"reasoning,omitempty"`
	Outcome   Outcome   `json:"outcome"`
	ErrorText string    `json:"error_text,omitempty"`
}

// Pattern records a repeated failure: the same error text on
// consecutive attempts of the same task.
type Pattern struct {
	TaskID      string    `json:"task_id"`
	ErrorText   string    `json:"error_text"`
	Occurrences int       `json:"occurrences"`
	DetectedAt  time.Time `json:"detected_at"`
}

// FailureContext summarizes prior failures for the next plan.
type FailureContext struct {
	TaskID     string   `json:"task_id"`
	ErrorTexts []string `json:"error_texts,omitempty"`
	Actions    []string `json:"actions,omitempty"`
	Reasoning  []string `json:"reasoning,omitempty"`
	Attempts   int      `json:"attempts"`
}

// Empty reports whether the task has no failed attempts yet.
func (fc *FailureContext) Empty() bool {
	return fc == nil || fc.Attempts == 0
}

// Manager owns the per-task attempt logs of all sessions sharing one
// store. Appends are durable before they are visible.
type Manager struct {
	store  *storage.Store
	logger *logging.Logger
	tracer trace.Tracer

	now func() time.Time

	attemptCounter metric.Int64Counter
	patternCounter metric.Int64Counter

	mu    sync.Mutex
	cache map[string][]Attempt // key: sessionID + "/" + taskID
}

// NewManager creates a context manager backed by the given store.
func NewManager(store *storage.Store, logger *logging.Logger) (*Manager, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	if logger == nil {
		logger = logging.Nop()
	}

	m := &Manager{
		store:  store,
		logger: logger,
		tracer: otel.Tracer(instrumentationName),
		now:    time.Now,
		cache:  make(map[string][]Attempt),
	}

	meter := otel.Meter(instrumentationName)
	var err error
	m.attemptCounter, err = meter.Int64Counter("taskd.attempts.recorded_total",
		metric.WithDescription("Task attempts recorded"))
	if err != nil {
		logger.Warn(context.Background(), "failed to create attempt counter", zap.Error(err))
	}
	m.patternCounter, err = meter.Int64Counter("taskd.failure_patterns.detected_total",
		metric.WithDescription("Repeated-failure patterns detected"))
	if err != nil {
		logger.Warn(context.Background(), "failed to create pattern counter", zap.Error(err))
	}
	return m, nil
}

// RecordAttempt appends one attempt to the task's durable log. The
// attempt's timestamp is filled in when zero. The in-memory view only
// advances after the append succeeds.
func (m *Manager) RecordAttempt(ctx context.Context, sessionID string, attempt Attempt) error {
	ctx, span := m.tracer.Start(ctx, "taskcontext.record_attempt")
	defer span.End()
	span.SetAttributes(
		attribute.String("session_id", sessionID),
		attribute.String("task_id", attempt.TaskID),
		attribute.String("outcome", string(attempt.Outcome)),
	)

	if attempt.TaskID == "" {
		return errors.New("attempt task id is required")
	}
	if attempt.Timestamp.IsZero() {
		attempt.Timestamp = m.now()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	prior, err := m.attemptsLocked(sessionID, attempt.TaskID)
	if err != nil {
		span.RecordError(err)
		return err
	}
	if n := len(prior); n > 0 && attempt.Timestamp.Before(prior[n-1].Timestamp) {
		// Keep the log strictly ordered even with a skewed caller clock.
		attempt.Timestamp = prior[n-1].Timestamp
	}

	line, err := json.Marshal(attempt)
	if err != nil {
		return fmt.Errorf("marshaling attempt for %s: %w", attempt.TaskID, err)
	}
	if err := m.store.AppendLine(attemptPath(sessionID, attempt.TaskID), line); err != nil {
		span.RecordError(err)
		return err
	}

	key := cacheKey(sessionID, attempt.TaskID)
	m.cache[key] = append(m.cache[key], attempt)

	if m.attemptCounter != nil {
		m.attemptCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("outcome", string(attempt.Outcome)),
		))
	}
	m.logger.Debug(ctx, "recorded attempt",
		zap.String("session_id", sessionID),
		zap.String("task_id", attempt.TaskID),
		zap.Int("iteration", attempt.Iteration),
		zap.String("outcome", string(attempt.Outcome)),
	)
	return nil
}

// Attempts returns the recorded attempts for a task, oldest first.
func (m *Manager) Attempts(ctx context.Context, sessionID, taskID string) ([]Attempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	attempts, err := m.attemptsLocked(sessionID, taskID)
	if err != nil {
		return nil, err
	}
	out := make([]Attempt, len(attempts))
	copy(out, attempts)
	return out, nil
}

// DetectPattern checks the tail of the task's log for consecutive
// attempts failing with the same error text. A detected pattern is
// persisted and returned; nil means no pattern.
func (m *Manager) DetectPattern(ctx context.Context, sessionID, taskID string) (*Pattern, error) {
	ctx, span := m.tracer.Start(ctx, "taskcontext.detect_pattern")
	defer span.End()
	span.SetAttributes(
		attribute.String("session_id", sessionID),
		attribute.String("task_id", taskID),
	)

	m.mu.Lock()
	defer m.mu.Unlock()

	attempts, err := m.attemptsLocked(sessionID, taskID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	run, text := trailingFailureRun(attempts)
	if run < MinPatternOccurrences {
		return nil, nil
	}

	p := &Pattern{
		TaskID:      taskID,
		ErrorText:   text,
		Occurrences: run,
		DetectedAt:  m.now(),
	}
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshaling pattern for %s: %w", taskID, err)
	}
	if err := m.store.WriteFile(patternPath(sessionID, taskID), data); err != nil {
		span.RecordError(err)
		return nil, err
	}

	if m.patternCounter != nil {
		m.patternCounter.Add(ctx, 1)
	}
	m.logger.Warn(ctx, "repeated failure pattern",
		zap.String("session_id", sessionID),
		zap.String("task_id", taskID),
		zap.Int("occurrences", run),
		zap.String("error", text),
	)
	return p, nil
}

// FailureContext summarizes all failed attempts so far. The result is
// never nil; check Empty.
func (m *Manager) FailureContext(ctx context.Context, sessionID, taskID string) (*FailureContext, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	attempts, err := m.attemptsLocked(sessionID, taskID)
	if err != nil {
		return nil, err
	}

	fc := &FailureContext{TaskID: taskID}
	for _, a := range attempts {
		if a.Outcome != OutcomeFailed {
			continue
		}
		fc.Attempts++
		if a.ErrorText != "" {
			fc.ErrorTexts = append(fc.ErrorTexts, a.ErrorText)
		}
		fc.Actions = append(fc.Actions, a.Actions...)
		if a.Reasoning != "" {
			fc.Reasoning = append(fc.Reasoning, a.Reasoning)
		}
	}
	return fc, nil
}

// attemptsLocked loads the log from cache or disk. Caller holds mu.
func (m *Manager) attemptsLocked(sessionID, taskID string) ([]Attempt, error) {
	key := cacheKey(sessionID, taskID)
	if attempts, ok := m.cache[key]; ok {
		return attempts, nil
	}

	data, err := m.store.ReadFile(attemptPath(sessionID, taskID))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			m.cache[key] = nil
			return nil, nil
		}
		return nil, err
	}

	var attempts []Attempt
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var a Attempt
		if err := json.Unmarshal(line, &a); err != nil {
			return nil, fmt.Errorf("corrupt attempt log for %s: %w", taskID, err)
		}
		attempts = append(attempts, a)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading attempt log for %s: %w", taskID, err)
	}

	m.cache[key] = attempts
	return attempts, nil
}

// trailingFailureRun counts how many attempts at the tail of the log
// failed with the same non-empty error text.
func trailingFailureRun(attempts []Attempt) (int, string) {
	n := len(attempts)
	if n == 0 {
		return 0, ""
	}
	last := attempts[n-1]
	if last.Outcome != OutcomeFailed || last.ErrorText == "" {
		return 0, ""
	}
	run := 1
	for i := n - 2; i >= 0; i-- {
		if attempts[i].Outcome != OutcomeFailed || attempts[i].ErrorText != last.ErrorText {
			break
		}
		run++
	}
	return run, last.ErrorText
}

func cacheKey(sessionID, taskID string) string {
	return sessionID + "/" + taskID
}

func attemptPath(sessionID, taskID string) string {
	return path.Join("sessions", sessionID, "attempts", taskID+".jsonl")
}

func patternPath(sessionID, taskID string) string {
	return path.Join("sessions", sessionID, "patterns", taskID+".json")
}
