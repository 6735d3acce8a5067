// internal/decision/engine.go
package decision

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/taskd/internal/logging"
	"github.com/fyrsmithlabs/taskd/internal/tasklist"
)

const instrumentationName = "github.com/fyrsmithlabs/taskd/internal/decision"

// DefaultConfidenceThreshold is the confidence above which a task
// counts as already complete.
const DefaultConfidenceThreshold = 0.8

// Signal weights. Validation evidence outweighs a stale marker.
const (
	weightArtifacts  = 0.4
	weightValidation = 0.4
	weightMarker     = 0.2
)

// Validator runs a side-effect-free check for the task, nil error
// meaning the check passed.
type Validator func(ctx context.Context) error

// Signal is one piece of weighed evidence.
type Signal struct {
	Name   string  `json:"name"`
	Weight float64 `json:"weight"`
	Score  float64 `json:"score"`
	Detail string  `json:"detail,omitempty"`
}

// Result is the engine's verdict for one task.
type Result struct {
	Detected   bool     `json:"detected"`
	Confidence float64  `json:"confidence"`
	Signals    []Signal `json:"signals"`
}

// EvaluateRequest carries the evidence sources for one task.
type EvaluateRequest struct {
	TaskID    string
	Workspace string

	// ExpectedArtifacts are workspace-relative files the completed task
	// should have produced.
	ExpectedArtifacts []string

	// Validate, when set, is run and its success weighed.
	Validate Validator

	// PriorState is the task's marker in the document.
	PriorState tasklist.State
}

// Config configures the decision engine.
type Config struct {
	ConfidenceThreshold float64
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{ConfidenceThreshold: DefaultConfidenceThreshold}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.ConfidenceThreshold <= 0 || c.ConfidenceThreshold > 1 {
		return fmt.Errorf("confidence threshold must be in (0, 1], got %v", c.ConfidenceThreshold)
	}
	return nil
}

// Engine evaluates completion evidence. It holds no state between
// calls and never mutates the workspace.
type Engine struct {
	config *Config
	logger *logging.Logger
	tracer trace.Tracer
}

// NewEngine creates a decision engine.
func NewEngine(cfg *Config, logger *logging.Logger) (*Engine, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &Engine{
		config: cfg,
		logger: logger,
		tracer: otel.Tracer(instrumentationName),
	}, nil
}

// Evaluate weighs the available evidence for the task. With no evidence
// at all the confidence is zero.
func (e *Engine) Evaluate(ctx context.Context, req EvaluateRequest) (*Result, error) {
	ctx, span := e.tracer.Start(ctx, "decision.evaluate")
	defer span.End()
	span.SetAttributes(attribute.String("task_id", req.TaskID))

	if req.TaskID == "" {
		return nil, errors.New("task id is required")
	}

	var signals []Signal

	if len(req.ExpectedArtifacts) > 0 {
		signals = append(signals, e.artifactSignal(req))
	}
	if req.Validate != nil {
		signals = append(signals, e.validationSignal(ctx, req))
	}
	signals = append(signals, markerSignal(req.PriorState))

	// Absent evidence contributes nothing, so a lone stale marker can
	// never clear the threshold on its own.
	result := &Result{Signals: signals}
	var sum float64
	for _, s := range signals {
		sum += s.Weight * s.Score
	}
	result.Confidence = clamp(sum)
	result.Detected = result.Confidence >= e.config.ConfidenceThreshold

	span.SetAttributes(
		attribute.Float64("confidence", result.Confidence),
		attribute.Bool("detected", result.Detected),
	)
	e.logger.Debug(ctx, "evaluated completion",
		zap.String("task_id", req.TaskID),
		zap.Float64("confidence", result.Confidence),
		zap.Bool("detected", result.Detected),
	)
	return result, nil
}

// artifactSignal scores the fraction of expected artifacts present.
func (e *Engine) artifactSignal(req EvaluateRequest) Signal {
	present := 0
	for _, a := range req.ExpectedArtifacts {
		info, err := os.Stat(filepath.Join(req.Workspace, a))
		if err == nil && info.Mode().IsRegular() {
			present++
		}
	}
	return Signal{
		Name:   "artifacts",
		Weight: weightArtifacts,
		Score:  float64(present) / float64(len(req.ExpectedArtifacts)),
		Detail: fmt.Sprintf("%d/%d present", present, len(req.ExpectedArtifacts)),
	}
}

// validationSignal runs the supplied check and scores its success.
func (e *Engine) validationSignal(ctx context.Context, req EvaluateRequest) Signal {
	s := Signal{Name: "validation", Weight: weightValidation}
	if err := req.Validate(ctx); err != nil {
		s.Detail = err.Error()
		return s
	}
	s.Score = 1
	s.Detail = "passed"
	return s
}

// markerSignal scores the completion marker in the document.
func markerSignal(state tasklist.State) Signal {
	s := Signal{Name: "marker", Weight: weightMarker, Detail: string(state)}
	if state == tasklist.StateComplete {
		s.Score = 1
	}
	return s
}

func clamp(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
