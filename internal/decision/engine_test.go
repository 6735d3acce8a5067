package decision

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/taskd/internal/tasklist"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := NewEngine(nil, nil)
	require.NoError(t, err)
	return e
}

func TestEvaluate_AllEvidencePresent(t *testing.T) {
	e := newTestEngine(t)
	ws := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(ws, "out.go"), []byte("x"), 0644))

	res, err := e.Evaluate(context.Background(), EvaluateRequest{
		TaskID:            "1",
		Workspace:         ws,
		ExpectedArtifacts: []string{"out.go"},
		Validate:          func(ctx context.Context) error { return nil },
		PriorState:        tasklist.StateComplete,
	})
	require.NoError(t, err)

	assert.True(t, res.Detected)
	assert.InDelta(t, 1.0, res.Confidence, 1e-9)
	assert.Len(t, res.Signals, 3)
}

func TestEvaluate_NoEvidence(t *testing.T) {
	e := newTestEngine(t)

	res, err := e.Evaluate(context.Background(), EvaluateRequest{
		TaskID:     "1",
		Workspace:  t.TempDir(),
		PriorState: tasklist.StateIncomplete,
	})
	require.NoError(t, err)

	assert.False(t, res.Detected)
	assert.Zero(t, res.Confidence)
}

func TestEvaluate_MarkerAloneIsNotEnough(t *testing.T) {
	e := newTestEngine(t)

	res, err := e.Evaluate(context.Background(), EvaluateRequest{
		TaskID:     "1",
		Workspace:  t.TempDir(),
		PriorState: tasklist.StateComplete,
	})
	require.NoError(t, err)

	assert.False(t, res.Detected)
	assert.InDelta(t, 0.2, res.Confidence, 1e-9)
}

func TestEvaluate_PartialArtifacts(t *testing.T) {
	e := newTestEngine(t)
	ws := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(ws, "a.go"), []byte("x"), 0644))

	res, err := e.Evaluate(context.Background(), EvaluateRequest{
		TaskID:            "1",
		Workspace:         ws,
		ExpectedArtifacts: []string{"a.go", "b.go"},
		PriorState:        tasklist.StateIncomplete,
	})
	require.NoError(t, err)

	assert.False(t, res.Detected)
	// artifacts contribute 0.4 * 0.5
	assert.InDelta(t, 0.2, res.Confidence, 1e-9)
}

func TestEvaluate_ValidationFailure(t *testing.T) {
	e := newTestEngine(t)
	ws := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(ws, "a.go"), []byte("x"), 0644))

	res, err := e.Evaluate(context.Background(), EvaluateRequest{
		TaskID:            "1",
		Workspace:         ws,
		ExpectedArtifacts: []string{"a.go"},
		Validate:          func(ctx context.Context) error { return errors.New("tests failed") },
		PriorState:        tasklist.StateComplete,
	})
	require.NoError(t, err)

	assert.False(t, res.Detected)
	// artifacts 0.4 + marker 0.2
	assert.InDelta(t, 0.6, res.Confidence, 1e-9)

	var validation *Signal
	for i := range res.Signals {
		if res.Signals[i].Name == "validation" {
			validation = &res.Signals[i]
		}
	}
	require.NotNil(t, validation)
	assert.Zero(t, validation.Score)
	assert.Equal(t, "tests failed", validation.Detail)
}

func TestEvaluate_RequiresTaskID(t *testing.T) {
	e := newTestEngine(t)
	_, err := e.Evaluate(context.Background(), EvaluateRequest{})
	require.Error(t, err)
}

func TestNewEngine_RejectsBadThreshold(t *testing.T) {
	_, err := NewEngine(&Config{ConfidenceThreshold: 0}, nil)
	require.Error(t, err)
	_, err = NewEngine(&Config{ConfidenceThreshold: 1.5}, nil)
	require.Error(t, err)
}
