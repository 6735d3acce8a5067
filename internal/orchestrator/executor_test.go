package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/taskd/internal/decision"
	"github.com/fyrsmithlabs/taskd/internal/engine"
	"github.com/fyrsmithlabs/taskd/internal/events"
	"github.com/fyrsmithlabs/taskd/internal/provider"
	"github.com/fyrsmithlabs/taskd/internal/session"
	"github.com/fyrsmithlabs/taskd/internal/storage"
	"github.com/fyrsmithlabs/taskd/internal/taskcontext"
	"github.com/fyrsmithlabs/taskd/internal/tasklist"
)

const sampleDoc = `# Plan

- [ ] 1 First phase
  - [ ] 1.1 Sub one
  - [ ] 1.2 Sub two
- [ ] 2 Second phase
`

// recordingProvider completes every task, optionally failing or
// blocking selected ones.
type recordingProvider struct {
	mu      sync.Mutex
	order   []string
	failIDs map[string]error
	block   chan struct{}
	blockID string
}

func (p *recordingProvider) Generate(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	p.mu.Lock()
	p.order = append(p.order, req.TaskID)
	failErr := p.failIDs[req.TaskID]
	block := p.block != nil && req.TaskID == p.blockID
	p.mu.Unlock()

	if block {
		select {
		case <-p.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if failErr != nil {
		return nil, failErr
	}
	return &provider.Response{
		FilesCreated: []string{"out/" + req.TaskID + ".go"},
		Actions:      []string{"implemented " + req.TaskID},
	}, nil
}

func (p *recordingProvider) calls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.order))
	copy(out, p.order)
	return out
}

type rig struct {
	exec      *Executor
	sessions  *session.Manager
	store     *storage.Store
	bus       *events.Bus
	provider  *recordingProvider
	workspace string
	docPath   string
}

func newRig(t *testing.T, doc string, p *recordingProvider) *rig {
	t.Helper()
	store, err := storage.NewStore(t.TempDir())
	require.NoError(t, err)
	bus := events.NewBus(256, nil)
	t.Cleanup(bus.Close)

	sessions, err := session.NewManager(nil, store, bus, nil)
	require.NoError(t, err)
	attempts, err := taskcontext.NewManager(store, nil)
	require.NoError(t, err)
	decider, err := decision.NewEngine(nil, nil)
	require.NoError(t, err)

	eng, err := engine.NewEngine(nil, p, decider, attempts, nil, bus, nil)
	require.NoError(t, err)

	exec, err := NewExecutor(&Config{Concurrency: 1, WatchDebounce: 20 * time.Millisecond}, store, sessions, eng, bus, nil)
	require.NoError(t, err)

	workspace := t.TempDir()
	docPath := filepath.Join(workspace, "tasks.md")
	require.NoError(t, os.WriteFile(docPath, []byte(doc), 0644))
	require.NoError(t, os.MkdirAll(filepath.Join(workspace, "out"), 0755))

	return &rig{
		exec:      exec,
		sessions:  sessions,
		store:     store,
		bus:       bus,
		provider:  p,
		workspace: workspace,
		docPath:   docPath,
	}
}

func (r *rig) wait(t *testing.T, id string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, r.exec.Wait(ctx, id))
}

func TestStartSession_RunsToCompletion(t *testing.T) {
	p := &recordingProvider{}
	r := newRig(t, sampleDoc, p)
	ctx := context.Background()

	id, err := r.exec.StartSession(ctx, r.workspace, "tasks.md", StartOptions{})
	require.NoError(t, err)
	r.wait(t, id)

	sess, err := r.sessions.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, session.StatusCompleted, sess.Status)
	assert.Equal(t, 4, sess.Counters.CompletedTasks)
	assert.Zero(t, sess.Counters.FailedTasks)
	assert.Equal(t, 4, sess.Counters.FileModifications)

	// Document markers advanced on disk
	data, err := os.ReadFile(r.docPath)
	require.NoError(t, err)
	doc, err := tasklist.Parse(data)
	require.NoError(t, err)
	assert.True(t, doc.Complete())

	// Document order, parents before children
	assert.Equal(t, []string{"1", "1.1", "1.2", "2"}, p.calls())
}

func TestStartSession_PhaseBoundariesCheckpoint(t *testing.T) {
	p := &recordingProvider{}
	r := newRig(t, sampleDoc, p)
	ctx := context.Background()

	id, err := r.exec.StartSession(ctx, r.workspace, "tasks.md", StartOptions{})
	require.NoError(t, err)
	r.wait(t, id)

	sess, err := r.sessions.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 2, sess.PhaseIndex, "two top-level tasks, two phases")

	names, err := r.store.List("sessions/" + id + "/checkpoints")
	require.NoError(t, err)
	assert.Len(t, names, 2)
}

func TestStartSession_EscalationDoesNotStopTheRun(t *testing.T) {
	p := &recordingProvider{failIDs: map[string]error{
		"1.1": provider.Strategic("cannot resolve symbol", nil),
	}}
	r := newRig(t, sampleDoc, p)
	ctx := context.Background()

	id, err := r.exec.StartSession(ctx, r.workspace, "tasks.md", StartOptions{})
	require.NoError(t, err)
	r.wait(t, id)

	sess, err := r.sessions.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, session.StatusStopped, sess.Status, "open escalated task leaves the document incomplete")
	assert.Equal(t, 3, sess.Counters.CompletedTasks)
	assert.Equal(t, 1, sess.Counters.EscalatedTasks)
	assert.Zero(t, sess.Counters.FailedTasks, "escalation is not a failure")

	rec := sess.Task("1.1")
	require.NotNil(t, rec)
	assert.True(t, rec.Escalated)
	assert.Equal(t, tasklist.StateIncomplete, rec.State)
	assert.Contains(t, rec.LastError, "manual intervention required")

	// The other tasks still ran
	assert.Contains(t, p.calls(), "2")
}

func TestStartSession_ExternallyCompletedTaskIsSkipped(t *testing.T) {
	doc := "- [x] 1 Already done\n- [ ] 2 Still open\n"
	p := &recordingProvider{}
	r := newRig(t, doc, p)
	ctx := context.Background()

	id, err := r.exec.StartSession(ctx, r.workspace, "tasks.md", StartOptions{})
	require.NoError(t, err)
	r.wait(t, id)

	assert.Equal(t, []string{"2"}, p.calls(), "completed task never reached the provider")

	sess, err := r.sessions.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, session.StatusCompleted, sess.Status)
}

func TestStartSession_NoTasks(t *testing.T) {
	p := &recordingProvider{}
	r := newRig(t, "# Empty plan\n\nnothing here\n", p)

	_, err := r.exec.StartSession(context.Background(), r.workspace, "tasks.md", StartOptions{})
	assert.ErrorIs(t, err, ErrNoTasks)
}

func TestStartSession_DocOutsideWorkspace(t *testing.T) {
	p := &recordingProvider{}
	r := newRig(t, sampleDoc, p)

	outside := filepath.Join(t.TempDir(), "tasks.md")
	require.NoError(t, os.WriteFile(outside, []byte(sampleDoc), 0644))

	_, err := r.exec.StartSession(context.Background(), r.workspace, outside, StartOptions{})
	require.Error(t, err)
}

func TestPauseResume(t *testing.T) {
	p := &recordingProvider{block: make(chan struct{}), blockID: "1"}
	r := newRig(t, sampleDoc, p)
	ctx := context.Background()

	id, err := r.exec.StartSession(ctx, r.workspace, "tasks.md", StartOptions{})
	require.NoError(t, err)

	// Wait until the first task is in flight, then pause and let the
	// blocked provider call finish during the drain.
	require.Eventually(t, func() bool { return len(p.calls()) >= 1 }, 5*time.Second, 5*time.Millisecond)
	go func() {
		time.Sleep(30 * time.Millisecond)
		close(p.block)
	}()
	require.NoError(t, r.exec.Pause(ctx, id))

	sess, err := r.sessions.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, session.StatusPaused, sess.Status)

	st, err := r.exec.Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 3, st.Queued, "undispatched tasks held across the pause")
	assert.Zero(t, st.Running)

	// The drained task's marker is flushed to disk on pause
	data, err := os.ReadFile(r.docPath)
	require.NoError(t, err)
	doc, err := tasklist.Parse(data)
	require.NoError(t, err)
	task, err := doc.Get("1")
	require.NoError(t, err)
	assert.Equal(t, tasklist.StateComplete, task.State)

	require.NoError(t, r.exec.Resume(ctx, id))
	r.wait(t, id)

	sess, err = r.sessions.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, session.StatusCompleted, sess.Status)
	assert.Equal(t, 4, sess.Counters.CompletedTasks)
}

func TestStop_MidRun(t *testing.T) {
	p := &recordingProvider{block: make(chan struct{}), blockID: "1"}
	r := newRig(t, sampleDoc, p)
	ctx := context.Background()

	id, err := r.exec.StartSession(ctx, r.workspace, "tasks.md", StartOptions{})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(p.calls()) >= 1 }, 5*time.Second, 5*time.Millisecond)

	go func() {
		time.Sleep(30 * time.Millisecond)
		close(p.block)
	}()
	require.NoError(t, r.exec.Stop(ctx, id))

	sess, err := r.sessions.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, session.StatusStopped, sess.Status)

	// The run is gone
	_, err = r.exec.Status(ctx, id)
	require.NoError(t, err, "status still served from the record")
	assert.ErrorIs(t, r.exec.Pause(ctx, id), ErrSessionNotActive)
}

func TestSessionTimeout(t *testing.T) {
	p := &recordingProvider{block: make(chan struct{}), blockID: "1"}
	r := newRig(t, sampleDoc, p)
	ctx := context.Background()

	id, err := r.exec.StartSession(ctx, r.workspace, "tasks.md", StartOptions{
		Timeout: 100 * time.Millisecond,
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		sess, gerr := r.sessions.Get(ctx, id)
		return gerr == nil && sess.Status == session.StatusStopped
	}, 5*time.Second, 10*time.Millisecond)
}

func TestStartSession_EnrichAttachesEvidence(t *testing.T) {
	doc := "- [ ] 1 Produce artifact\n"
	p := &recordingProvider{}
	r := newRig(t, doc, p)
	ctx := context.Background()

	var enriched []string
	var mu sync.Mutex
	id, err := r.exec.StartSession(ctx, r.workspace, "tasks.md", StartOptions{
		Enrich: func(req *engine.ExecuteRequest) {
			mu.Lock()
			enriched = append(enriched, req.TaskID)
			mu.Unlock()
			req.ExpectedArtifacts = []string{"out/" + req.TaskID + ".go"}
			req.Validate = func(ctx context.Context) error { return nil }
		},
	})
	require.NoError(t, err)
	r.wait(t, id)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"1"}, enriched)
}
