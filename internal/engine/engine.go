// internal/engine/engine.go
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/taskd/internal/decision"
	"github.com/fyrsmithlabs/taskd/internal/events"
	"github.com/fyrsmithlabs/taskd/internal/logging"
	"github.com/fyrsmithlabs/taskd/internal/provider"
	"github.com/fyrsmithlabs/taskd/internal/taskcontext"
	"github.com/fyrsmithlabs/taskd/internal/tasklist"
)

const instrumentationName = "github.com/fyrsmithlabs/taskd/internal/engine"

// Defaults for the reflection loop.
const (
	DefaultMaxIterations    = 3
	DefaultTransientRetries = 3
	DefaultBackoffBase      = time.Second
)

// EscalationRun is how many consecutive identical strategic failures
// trigger immediate escalation.
const EscalationRun = 2

// ErrApprovalDenied indicates the operator refused a destructive plan.
// The task is aborted, not failed, and never retried.
var ErrApprovalDenied = errors.New("approval denied")

// Outcome is the terminal state of one task execution.
type Outcome string

const (
	// OutcomeCompleted means the task's work was done and verified.
	OutcomeCompleted Outcome = "completed"

	// OutcomeSkipped means completion was detected up front and no
	// provider call was made.
	OutcomeSkipped Outcome = "skipped"

	// OutcomeEscalated means the loop gave up and flagged the task for
	// manual intervention. The session keeps going.
	OutcomeEscalated Outcome = "escalated"

	// OutcomeAborted means a destructive plan was denied approval.
	OutcomeAborted Outcome = "aborted"
)

// Approver authorizes destructive actions before they run.
type Approver interface {
	RequestApproval(ctx context.Context, req ApprovalRequest) (bool, error)
}

// ApprovalRequest describes the destructive actions a plan wants.
type ApprovalRequest struct {
	SessionID string
	TaskID    string
	Actions   []string
}

// ExecuteRequest carries one task into the loop.
type ExecuteRequest struct {
	SessionID string
	TaskID    string
	Title     string
	Workspace string

	Requirements string
	Design       string

	// Completion evidence for the decision engine.
	ExpectedArtifacts []string
	Validate          decision.Validator
	PriorState        tasklist.State

	// Destructive lists actions that need approval before any provider
	// call is made.
	Destructive []string
}

// TaskResult is the terminal report for one task.
type TaskResult struct {
	TaskID       string
	Outcome      Outcome
	Iterations   int
	Confidence   float64
	FilesCreated []string
	Message      string
}

// Config configures the reflection loop.
type Config struct {
	MaxIterations    int
	TransientRetries int
	BackoffBase      time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		MaxIterations:    DefaultMaxIterations,
		TransientRetries: DefaultTransientRetries,
		BackoffBase:      DefaultBackoffBase,
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.MaxIterations < 1 {
		return fmt.Errorf("max iterations must be positive, got %d", c.MaxIterations)
	}
	if c.TransientRetries < 0 {
		return fmt.Errorf("transient retries cannot be negative, got %d", c.TransientRetries)
	}
	if c.BackoffBase <= 0 {
		return fmt.Errorf("backoff base must be positive, got %v", c.BackoffBase)
	}
	return nil
}

// Engine drives the reflection loop for individual tasks.
type Engine struct {
	config   *Config
	provider provider.Provider
	decider  *decision.Engine
	attempts *taskcontext.Manager
	approver Approver
	bus      *events.Bus
	logger   *logging.Logger
	tracer   trace.Tracer

	// sleep is replaceable so backoff is testable.
	sleep func(ctx context.Context, d time.Duration) error

	escalatedCounter metric.Int64Counter
	retryCounter     metric.Int64Counter
}

// NewEngine creates an execution engine. approver and bus may be nil;
// a nil approver denies nothing because no destructive action can be
// requested without one being configured at the orchestrator.
func NewEngine(cfg *Config, p provider.Provider, decider *decision.Engine, attempts *taskcontext.Manager, approver Approver, bus *events.Bus, logger *logging.Logger) (*Engine, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if p == nil {
		return nil, errors.New("provider is required")
	}
	if decider == nil {
		return nil, errors.New("decision engine is required")
	}
	if attempts == nil {
		return nil, errors.New("attempt log is required")
	}
	if logger == nil {
		logger = logging.Nop()
	}

	e := &Engine{
		config:   cfg,
		provider: p,
		decider:  decider,
		attempts: attempts,
		approver: approver,
		bus:      bus,
		logger:   logger,
		tracer:   otel.Tracer(instrumentationName),
		sleep:    sleepCtx,
	}

	meter := otel.Meter(instrumentationName)
	var err error
	e.escalatedCounter, err = meter.Int64Counter("taskd.engine.escalated_total",
		metric.WithDescription("Tasks escalated for manual intervention"))
	if err != nil {
		logger.Warn(context.Background(), "failed to create escalation counter", zap.Error(err))
	}
	e.retryCounter, err = meter.Int64Counter("taskd.engine.transient_retries_total",
		metric.WithDescription("Transient provider retries"))
	if err != nil {
		logger.Warn(context.Background(), "failed to create retry counter", zap.Error(err))
	}
	return e, nil
}

// Execute runs the task to a terminal outcome. Escalation and abort are
// reported in the result with a nil error; only infrastructure and
// fatal provider failures surface as errors.
func (e *Engine) Execute(ctx context.Context, req ExecuteRequest) (*TaskResult, error) {
	ctx, span := e.tracer.Start(ctx, "engine.execute")
	defer span.End()
	span.SetAttributes(
		attribute.String("session_id", req.SessionID),
		attribute.String("task_id", req.TaskID),
	)

	if req.TaskID == "" {
		return nil, errors.New("task id is required")
	}
	ctx = logging.WithTaskID(ctx, req.TaskID)

	// Pre-check: already complete means no provider call at all.
	pre, err := e.evaluate(ctx, req)
	if err != nil {
		return nil, err
	}
	if pre.Detected {
		e.record(ctx, req, taskcontext.Attempt{
			TaskID:  req.TaskID,
			Outcome: taskcontext.OutcomeSkipped,
		})
		e.publish(ctx, events.TaskSkipped, req, nil)
		e.logger.Info(ctx, "task already complete, skipping",
			zap.Float64("confidence", pre.Confidence))
		return &TaskResult{
			TaskID:     req.TaskID,
			Outcome:    OutcomeSkipped,
			Confidence: pre.Confidence,
		}, nil
	}

	if len(req.Destructive) > 0 {
		if err := e.approve(ctx, req); err != nil {
			if errors.Is(err, ErrApprovalDenied) {
				e.record(ctx, req, taskcontext.Attempt{
					TaskID:    req.TaskID,
					Outcome:   taskcontext.OutcomeAborted,
					ErrorText: err.Error(),
				})
				return &TaskResult{
					TaskID:  req.TaskID,
					Outcome: OutcomeAborted,
					Message: "approval denied",
				}, nil
			}
			return nil, err
		}
	}

	return e.loop(ctx, req)
}

// loop is the reflection loop proper.
func (e *Engine) loop(ctx context.Context, req ExecuteRequest) (*TaskResult, error) {
	var lastStrategic string
	strategicRun := 0

	for iteration := 1; iteration <= e.config.MaxIterations; iteration++ {
		failures, err := e.attempts.FailureContext(ctx, req.SessionID, req.TaskID)
		if err != nil {
			return nil, err
		}

		resp, err := e.generate(ctx, req, failures, iteration)
		if err != nil {
			kind := provider.Classify(err)
			if kind == provider.KindFatal {
				e.record(ctx, req, taskcontext.Attempt{
					TaskID:    req.TaskID,
					Iteration: iteration,
					Outcome:   taskcontext.OutcomeFailed,
					ErrorText: err.Error(),
				})
				return nil, fmt.Errorf("task %s: %w", req.TaskID, err)
			}

			// Strategic (or exhausted transient): spend the iteration.
			e.record(ctx, req, taskcontext.Attempt{
				TaskID:    req.TaskID,
				Iteration: iteration,
				Outcome:   taskcontext.OutcomeFailed,
				ErrorText: err.Error(),
			})
			if _, derr := e.attempts.DetectPattern(ctx, req.SessionID, req.TaskID); derr != nil {
				e.logger.Warn(ctx, "pattern detection failed", zap.Error(derr))
			}

			if err.Error() == lastStrategic {
				strategicRun++
			} else {
				lastStrategic = err.Error()
				strategicRun = 1
			}
			if strategicRun >= EscalationRun {
				e.logger.Warn(ctx, "repeated identical failure, escalating",
					zap.Int("occurrences", strategicRun),
					zap.String("error", lastStrategic),
				)
				return e.escalate(ctx, req, iteration, "repeated identical failure: "+lastStrategic)
			}
			continue
		}

		// Post-check only when the request carries evidence sources;
		// otherwise a successful provider run is trusted.
		if len(req.ExpectedArtifacts) > 0 || req.Validate != nil {
			post, err := e.evaluate(ctx, req)
			if err != nil {
				return nil, err
			}
			if !post.Detected {
				text := fmt.Sprintf("completion not detected (confidence %.2f)", post.Confidence)
				e.record(ctx, req, taskcontext.Attempt{
					TaskID:    req.TaskID,
					Iteration: iteration,
					Actions:   resp.Actions,
					Reasoning: resp.Reasoning,
					Outcome:   taskcontext.OutcomeFailed,
					ErrorText: text,
				})
				if text == lastStrategic {
					strategicRun++
				} else {
					lastStrategic = text
					strategicRun = 1
				}
				if strategicRun >= EscalationRun {
					return e.escalate(ctx, req, iteration, "repeated identical failure: "+text)
				}
				continue
			}
			e.record(ctx, req, taskcontext.Attempt{
				TaskID:    req.TaskID,
				Iteration: iteration,
				Actions:   resp.Actions,
				Reasoning: resp.Reasoning,
				Outcome:   taskcontext.OutcomeCompleted,
			})
			return &TaskResult{
				TaskID:       req.TaskID,
				Outcome:      OutcomeCompleted,
				Iterations:   iteration,
				Confidence:   post.Confidence,
				FilesCreated: resp.FilesCreated,
			}, nil
		}

		e.record(ctx, req, taskcontext.Attempt{
			TaskID:    req.TaskID,
			Iteration: iteration,
			Actions:   resp.Actions,
			Reasoning: resp.Reasoning,
			Outcome:   taskcontext.OutcomeCompleted,
		})
		return &TaskResult{
			TaskID:       req.TaskID,
			Outcome:      OutcomeCompleted,
			Iterations:   iteration,
			FilesCreated: resp.FilesCreated,
		}, nil
	}

	return e.escalate(ctx, req, e.config.MaxIterations, "iteration budget exhausted")
}

// generate calls the provider, absorbing transient failures with
// exponential backoff. Transient retries do not consume iterations.
func (e *Engine) generate(ctx context.Context, req ExecuteRequest, failures *taskcontext.FailureContext, iteration int) (*provider.Response, error) {
	preq := &provider.Request{
		TaskID:       req.TaskID,
		Title:        req.Title,
		Requirements: req.Requirements,
		Design:       req.Design,
		Iteration:    iteration,
	}
	if !failures.Empty() {
		preq.Failures = failures
	}

	var lastErr error
	for attempt := 0; ; attempt++ {
		resp, err := e.provider.Generate(ctx, preq)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		if provider.Classify(err) != provider.KindTransient || attempt >= e.config.TransientRetries {
			return nil, lastErr
		}

		delay := e.config.BackoffBase << attempt
		if e.retryCounter != nil {
			e.retryCounter.Add(ctx, 1)
		}
		e.logger.Debug(ctx, "transient provider failure, backing off",
			zap.Duration("delay", delay),
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
		if serr := e.sleep(ctx, delay); serr != nil {
			return nil, serr
		}
	}
}

// evaluate asks the decision engine for completion evidence.
func (e *Engine) evaluate(ctx context.Context, req ExecuteRequest) (*decision.Result, error) {
	return e.decider.Evaluate(ctx, decision.EvaluateRequest{
		TaskID:            req.TaskID,
		Workspace:         req.Workspace,
		ExpectedArtifacts: req.ExpectedArtifacts,
		Validate:          req.Validate,
		PriorState:        req.PriorState,
	})
}

func (e *Engine) approve(ctx context.Context, req ExecuteRequest) error {
	if e.approver == nil {
		return fmt.Errorf("%w: no approver configured for destructive actions", ErrApprovalDenied)
	}
	granted, err := e.approver.RequestApproval(ctx, ApprovalRequest{
		SessionID: req.SessionID,
		TaskID:    req.TaskID,
		Actions:   req.Destructive,
	})
	if err != nil {
		return fmt.Errorf("requesting approval for task %s: %w", req.TaskID, err)
	}
	if !granted {
		return ErrApprovalDenied
	}
	return nil
}

// escalate ends the loop as a success-with-flag: the scheduler moves
// on and the task waits for a human.
func (e *Engine) escalate(ctx context.Context, req ExecuteRequest, iterations int, reason string) (*TaskResult, error) {
	e.record(ctx, req, taskcontext.Attempt{
		TaskID:    req.TaskID,
		Iteration: iterations,
		Outcome:   taskcontext.OutcomeEscalated,
		ErrorText: reason,
	})
	if e.escalatedCounter != nil {
		e.escalatedCounter.Add(ctx, 1)
	}
	e.publish(ctx, events.TaskEscalated, req, map[string]any{"reason": reason})
	e.logger.Warn(ctx, "task escalated",
		zap.String("task_id", req.TaskID),
		zap.String("reason", reason),
	)
	return &TaskResult{
		TaskID:     req.TaskID,
		Outcome:    OutcomeEscalated,
		Iterations: iterations,
		Message:    "manual intervention required: " + reason,
	}, nil
}

func (e *Engine) record(ctx context.Context, req ExecuteRequest, attempt taskcontext.Attempt) {
	if err := e.attempts.RecordAttempt(ctx, req.SessionID, attempt); err != nil {
		e.logger.Error(ctx, "failed to record attempt",
			zap.String("task_id", attempt.TaskID),
			zap.Error(err),
		)
	}
}

func (e *Engine) publish(ctx context.Context, typ events.Type, req ExecuteRequest, payload map[string]any) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(ctx, events.New(typ, req.SessionID, req.TaskID, payload))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
