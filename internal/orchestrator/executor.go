// internal/orchestrator/executor.go
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/taskd/internal/checkpoint"
	"github.com/fyrsmithlabs/taskd/internal/engine"
	"github.com/fyrsmithlabs/taskd/internal/events"
	"github.com/fyrsmithlabs/taskd/internal/logging"
	"github.com/fyrsmithlabs/taskd/internal/scheduler"
	"github.com/fyrsmithlabs/taskd/internal/session"
	"github.com/fyrsmithlabs/taskd/internal/storage"
	"github.com/fyrsmithlabs/taskd/internal/tasklist"
	"github.com/fyrsmithlabs/taskd/internal/vcs"
)

const instrumentationName = "github.com/fyrsmithlabs/taskd/internal/orchestrator"

var (
	// ErrSessionNotActive indicates the session has no live run.
	ErrSessionNotActive = errors.New("session not active")

	// ErrNoTasks indicates the document contains nothing to execute.
	ErrNoTasks = errors.New("task list has no tasks")
)

// Executor owns the live sessions and drives them to completion.
type Executor struct {
	config   *Config
	store    *storage.Store
	sessions *session.Manager
	eng      *engine.Engine
	bus      *events.Bus
	logger   *logging.Logger
	tracer   trace.Tracer

	mu   sync.Mutex
	runs map[string]*run
}

// NewExecutor creates the autonomous executor.
func NewExecutor(cfg *Config, store *storage.Store, sessions *session.Manager, eng *engine.Engine, bus *events.Bus, logger *logging.Logger) (*Executor, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Concurrency == 0 {
		cfg.Concurrency = scheduler.DefaultConcurrency
	}
	if cfg.WatchDebounce == 0 {
		cfg.WatchDebounce = tasklist.DefaultDebounce
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 50 * time.Millisecond
	}
	if store == nil {
		return nil, errors.New("store is required")
	}
	if sessions == nil {
		return nil, errors.New("session manager is required")
	}
	if eng == nil {
		return nil, errors.New("engine is required")
	}
	if logger == nil {
		logger = logging.Nop()
	}

	return &Executor{
		config:   cfg,
		store:    store,
		sessions: sessions,
		eng:      eng,
		bus:      bus,
		logger:   logger,
		tracer:   otel.Tracer(instrumentationName),
		runs:     make(map[string]*run),
	}, nil
}

// StartSession parses the document, creates a session, and starts
// executing its tasks. It returns the session id immediately; the run
// proceeds in the background.
func (o *Executor) StartSession(ctx context.Context, workspace, taskListPath string, opts StartOptions) (string, error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.start_session")
	defer span.End()

	if !filepath.IsAbs(taskListPath) {
		taskListPath = filepath.Join(workspace, taskListPath)
	}
	docRel, err := filepath.Rel(workspace, taskListPath)
	if err != nil || strings.HasPrefix(docRel, "..") {
		return "", fmt.Errorf("task list %s is outside workspace %s", taskListPath, workspace)
	}

	data, err := os.ReadFile(taskListPath)
	if err != nil {
		return "", fmt.Errorf("reading task list: %w", err)
	}
	doc, err := tasklist.Parse(data)
	if err != nil {
		return "", fmt.Errorf("parsing task list: %w", err)
	}
	tasks := doc.Tasks()
	if len(tasks) == 0 {
		return "", ErrNoTasks
	}

	sess, err := o.sessions.Create(ctx, workspace, taskListPath, tasks)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}
	span.SetAttributes(attribute.String("session_id", sess.ID))
	ctx = logging.WithSessionID(ctx, sess.ID)

	ws, err := storage.NewStore(workspace)
	if err != nil {
		return "", fmt.Errorf("opening workspace: %w", err)
	}

	var client vcs.Client
	if gc, ok, verr := vcs.Open(workspace); verr != nil {
		o.logger.Warn(ctx, "version control detection failed", zap.Error(verr))
	} else if ok {
		client = gc
	}

	cpMgr, err := checkpoint.NewManager(&checkpoint.Config{
		Workspace:  workspace,
		KeepRecent: o.config.KeepRecent,
	}, o.store, client, o.bus, o.logger)
	if err != nil {
		return "", err
	}

	concurrency := o.config.Concurrency
	if opts.Concurrency != 0 {
		concurrency = opts.Concurrency
	}

	r := &run{
		id:          sess.ID,
		workspace:   workspace,
		docAbs:      taskListPath,
		docRel:      docRel,
		ws:          ws,
		docw:        storage.NewDebouncedWriter(ws, docRel, o.config.WatchDebounce),
		checkpoints: cpMgr,
		enrich:      opts.Enrich,
		concurrency: concurrency,
		doc:         doc,
		pending:     len(tasks),
		modified:    make(map[string]bool),
	}

	if w, werr := tasklist.NewWatcher(taskListPath, o.config.WatchDebounce, o.logger); werr != nil {
		o.logger.Warn(ctx, "document watcher unavailable", zap.Error(werr))
	} else {
		r.watcher = w
	}

	sched, err := o.newScheduler(ctx, r, queueTasks(sess.ID, tasks))
	if err != nil {
		if r.watcher != nil {
			r.watcher.Close()
		}
		return "", err
	}

	if err := o.sessions.Transition(ctx, sess.ID, session.StatusRunning); err != nil {
		sched.Shutdown()
		if r.watcher != nil {
			r.watcher.Close()
		}
		return "", err
	}

	runCtx := context.Background()
	var cancel context.CancelFunc
	if opts.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(runCtx, opts.Timeout)
	} else {
		runCtx, cancel = context.WithCancel(runCtx)
	}
	r.cancel = cancel
	r.mu.Lock()
	r.sched = sched
	r.mu.Unlock()

	o.mu.Lock()
	o.runs[sess.ID] = r
	o.mu.Unlock()

	if err := sched.Start(runCtx); err != nil {
		o.teardown(sess.ID, r)
		return "", err
	}
	if opts.Timeout > 0 {
		go o.watchTimeout(runCtx, sess.ID)
	}

	o.logger.Info(ctx, "session started",
		zap.String("session_id", sess.ID),
		zap.Int("tasks", len(tasks)),
		zap.Int("concurrency", concurrency),
	)
	return sess.ID, nil
}

// Pause drains in-flight tasks and holds the rest of the queue.
func (o *Executor) Pause(ctx context.Context, sessionID string) error {
	r, err := o.activeRun(sessionID)
	if err != nil {
		return err
	}
	if err := o.sessions.Transition(ctx, sessionID, session.StatusPaused); err != nil {
		return err
	}

	r.mu.Lock()
	sched := r.sched
	r.mu.Unlock()
	if sched == nil {
		return nil
	}
	if err := sched.Stop(ctx); err != nil && !errors.Is(err, scheduler.ErrNotRunning) {
		return err
	}

	r.mu.Lock()
	r.held = append(r.held, sched.Remaining()...)
	r.sched = nil
	r.mu.Unlock()

	if err := r.docw.Flush(); err != nil {
		o.logger.Warn(ctx, "failed to flush document on pause", zap.Error(err))
	}

	o.logger.Info(ctx, "session paused", zap.String("session_id", sessionID))
	return nil
}

// Resume continues a paused session with a fresh worker pool.
func (o *Executor) Resume(ctx context.Context, sessionID string) error {
	r, err := o.activeRun(sessionID)
	if err != nil {
		return err
	}

	r.mu.Lock()
	held := r.held
	r.held = nil
	r.mu.Unlock()

	sched, err := o.newScheduler(ctx, r, held)
	if err != nil {
		r.mu.Lock()
		r.held = held
		r.mu.Unlock()
		return err
	}

	if err := o.sessions.Transition(ctx, sessionID, session.StatusRunning); err != nil {
		sched.Shutdown()
		r.mu.Lock()
		r.held = held
		r.mu.Unlock()
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	r.mu.Lock()
	prevCancel := r.cancel
	r.cancel = cancel
	r.sched = sched
	r.mu.Unlock()
	if prevCancel != nil {
		prevCancel()
	}

	if err := sched.Start(runCtx); err != nil {
		cancel()
		return err
	}
	o.logger.Info(ctx, "session resumed", zap.String("session_id", sessionID))
	return nil
}

// Stop drains in-flight tasks and ends the session: completed when the
// document has no open tasks left, stopped otherwise.
func (o *Executor) Stop(ctx context.Context, sessionID string) error {
	r, err := o.activeRun(sessionID)
	if err != nil {
		return err
	}

	r.mu.Lock()
	sched := r.sched
	r.mu.Unlock()
	if sched != nil {
		if err := sched.Stop(ctx); err != nil && !errors.Is(err, scheduler.ErrNotRunning) {
			return err
		}
		sched.Remaining()
	}

	r.mu.Lock()
	complete := r.doc.Complete()
	r.mu.Unlock()

	to := session.StatusStopped
	if complete {
		to = session.StatusCompleted
	}
	if err := o.sessions.Transition(ctx, sessionID, to); err != nil && !errors.Is(err, session.ErrInvalidTransition) {
		return err
	}

	o.teardown(sessionID, r)
	if o.config.ArchiveOnStop {
		if err := o.sessions.Archive(ctx, sessionID); err != nil {
			o.logger.Warn(ctx, "failed to archive session", zap.Error(err))
		}
	}

	o.logger.Info(ctx, "session stopped",
		zap.String("session_id", sessionID),
		zap.String("status", string(to)),
	)
	return nil
}

// Status reports the session record plus live queue counters.
func (o *Executor) Status(ctx context.Context, sessionID string) (*SessionStatus, error) {
	sess, err := o.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	st := &SessionStatus{
		SessionID: sess.ID,
		Status:    string(sess.Status),
		Completed: sess.Counters.CompletedTasks,
		Failed:    sess.Counters.FailedTasks,
		Escalated: sess.Counters.EscalatedTasks,
	}

	o.mu.Lock()
	r := o.runs[sessionID]
	o.mu.Unlock()
	if r != nil {
		r.mu.Lock()
		if r.sched != nil {
			stats := r.sched.Stats()
			st.Queued = stats.Queued
			st.Running = stats.Running
		}
		st.Queued += len(r.held)
		r.mu.Unlock()
	}
	return st, nil
}

// Wait blocks until the session's run finishes or ctx expires.
func (o *Executor) Wait(ctx context.Context, sessionID string) error {
	for {
		o.mu.Lock()
		_, live := o.runs[sessionID]
		o.mu.Unlock()
		if !live {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(o.config.PollInterval):
		}
	}
}

// newScheduler builds a pool wired to this run and fills its queue.
func (o *Executor) newScheduler(ctx context.Context, r *run, tasks []scheduler.Task) (*scheduler.Scheduler, error) {
	sched, err := scheduler.NewScheduler(&scheduler.Config{Concurrency: r.concurrency}, o.bus, o.logger)
	if err != nil {
		return nil, err
	}
	sched.SetExecutor(func(ctx context.Context, t scheduler.Task) error {
		return o.runTask(ctx, r, t)
	})
	if err := sched.EnqueueAll(ctx, tasks); err != nil {
		return nil, err
	}
	return sched, nil
}

// runTask executes one dispatched task and advances the document and
// session record together.
func (o *Executor) runTask(ctx context.Context, r *run, t scheduler.Task) error {
	ctx = logging.WithSessionID(ctx, r.id)
	ctx = logging.WithTaskID(ctx, t.ID)
	defer o.taskDone(ctx, r)

	o.reconcile(ctx, r)

	r.mu.Lock()
	task, err := r.doc.Get(t.ID)
	r.mu.Unlock()
	if err != nil {
		return fmt.Errorf("task %s vanished from document: %w", t.ID, err)
	}

	// An externally completed task is honored, not re-run.
	if task.State == tasklist.StateComplete {
		o.updateTask(ctx, r.id, t.ID, func(rec *session.TaskRecord) {
			rec.State = tasklist.StateComplete
		})
		o.logger.Info(ctx, "task already complete in document, skipping")
		return nil
	}

	if err := o.setMarker(r, t.ID, tasklist.StateInProgress); err != nil {
		return err
	}
	o.updateTask(ctx, r.id, t.ID, func(rec *session.TaskRecord) {
		rec.State = tasklist.StateInProgress
	})

	ereq := engine.ExecuteRequest{
		SessionID:  r.id,
		TaskID:     t.ID,
		Title:      task.Title,
		Workspace:  r.workspace,
		PriorState: task.State,
	}
	if r.enrich != nil {
		r.enrich(&ereq)
	}

	res, err := o.eng.Execute(ctx, ereq)
	if err != nil {
		if merr := o.setMarker(r, t.ID, tasklist.StateIncomplete); merr != nil {
			o.logger.Error(ctx, "failed to reset marker", zap.Error(merr))
		}
		o.updateTask(ctx, r.id, t.ID, func(rec *session.TaskRecord) {
			rec.State = tasklist.StateIncomplete
			rec.Retries++
			rec.LastError = err.Error()
		})
		o.updateCounters(ctx, r.id, func(c *session.Counters) { c.FailedTasks++ })
		return err
	}

	switch res.Outcome {
	case engine.OutcomeCompleted, engine.OutcomeSkipped:
		if merr := o.setMarker(r, t.ID, tasklist.StateComplete); merr != nil {
			return merr
		}
		o.updateTask(ctx, r.id, t.ID, func(rec *session.TaskRecord) {
			rec.State = tasklist.StateComplete
			rec.LastError = ""
		})
		o.updateCounters(ctx, r.id, func(c *session.Counters) {
			c.CompletedTasks++
			c.FileModifications += len(res.FilesCreated)
		})
		r.mu.Lock()
		for _, f := range res.FilesCreated {
			r.modified[f] = true
		}
		depth := task.Depth
		r.mu.Unlock()
		if depth == 0 {
			o.phaseBoundary(ctx, r)
		}

	case engine.OutcomeEscalated:
		if merr := o.setMarker(r, t.ID, tasklist.StateIncomplete); merr != nil {
			return merr
		}
		o.updateTask(ctx, r.id, t.ID, func(rec *session.TaskRecord) {
			rec.State = tasklist.StateIncomplete
			rec.Escalated = true
			rec.LastError = res.Message
		})
		o.updateCounters(ctx, r.id, func(c *session.Counters) { c.EscalatedTasks++ })

	case engine.OutcomeAborted:
		if merr := o.setMarker(r, t.ID, tasklist.StateIncomplete); merr != nil {
			return merr
		}
		o.updateTask(ctx, r.id, t.ID, func(rec *session.TaskRecord) {
			rec.State = tasklist.StateIncomplete
			rec.LastError = res.Message
		})
	}
	return nil
}

// phaseBoundary checkpoints the workspace after a top-level task.
func (o *Executor) phaseBoundary(ctx context.Context, r *run) {
	r.mu.Lock()
	r.phase++
	phase := r.phase
	files := make([]string, 0, len(r.modified)+1)
	for f := range r.modified {
		files = append(files, f)
	}
	r.mu.Unlock()
	sort.Strings(files)
	files = append(files, r.docRel)

	// The checkpoint snapshots the document from disk.
	if err := r.docw.Flush(); err != nil {
		o.logger.Warn(ctx, "failed to flush document before checkpoint", zap.Error(err))
	}

	if err := o.sessions.SetPhase(ctx, r.id, phase); err != nil {
		o.logger.Warn(ctx, "failed to record phase", zap.Error(err))
	}
	if _, err := r.checkpoints.Create(ctx, checkpoint.CreateRequest{
		SessionID:     r.id,
		Phase:         phase,
		PhaseBoundary: true,
		Files:         files,
	}); err != nil {
		o.logger.Warn(ctx, "phase checkpoint failed", zap.Error(err))
		return
	}
	if _, err := r.checkpoints.Compact(ctx, r.id, 0); err != nil {
		o.logger.Warn(ctx, "checkpoint compaction failed", zap.Error(err))
	}
}

// taskDone retires one task and finishes the run when none remain.
func (o *Executor) taskDone(ctx context.Context, r *run) {
	r.mu.Lock()
	r.pending--
	done := r.pending == 0
	r.mu.Unlock()
	if done {
		go o.finish(context.WithoutCancel(ctx), r)
	}
}

// finish ends a naturally drained run.
func (o *Executor) finish(ctx context.Context, r *run) {
	r.mu.Lock()
	sched := r.sched
	complete := r.doc.Complete()
	r.mu.Unlock()

	if sched != nil {
		stopCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		if err := sched.Stop(stopCtx); err != nil && !errors.Is(err, scheduler.ErrNotRunning) {
			o.logger.Warn(ctx, "drain after completion failed", zap.Error(err))
		}
	}

	sess, err := o.sessions.Get(ctx, r.id)
	if err != nil {
		o.logger.Error(ctx, "failed to load session at completion", zap.Error(err))
		return
	}
	if sess.Status == session.StatusRunning {
		to := session.StatusStopped
		if complete {
			to = session.StatusCompleted
		}
		if err := o.sessions.Transition(ctx, r.id, to); err != nil {
			o.logger.Error(ctx, "failed to finish session", zap.Error(err))
		}
	}

	o.teardown(r.id, r)
	o.logger.Info(ctx, "session finished",
		zap.String("session_id", r.id),
		zap.Bool("all_tasks_complete", complete),
	)
}

// reconcile reloads the document when it changed on disk.
func (o *Executor) reconcile(ctx context.Context, r *run) {
	if r.watcher == nil {
		return
	}
	select {
	case <-r.watcher.Changes():
	default:
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Pending marker writes land first so the reload cannot roll them
	// back.
	if err := r.docw.Flush(); err != nil {
		o.logger.Warn(ctx, "failed to flush document before reload", zap.Error(err))
	}

	data, err := os.ReadFile(r.docAbs)
	if err != nil {
		o.logger.Warn(ctx, "failed to reload task list", zap.Error(err))
		return
	}
	doc, err := tasklist.Parse(data)
	if err != nil {
		o.logger.Warn(ctx, "external edit produced an unparseable task list, keeping current view", zap.Error(err))
		return
	}

	r.doc = doc
	o.logger.Info(ctx, "reloaded task list after external edit")
}

// setMarker updates one marker and schedules the document write. Rapid
// marker changes coalesce into one write per debounce interval; phase
// boundaries and teardown flush explicitly.
func (o *Executor) setMarker(r *run, taskID string, state tasklist.State) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.doc.SetState(taskID, state); err != nil {
		return err
	}
	return r.docw.Write(r.doc.Bytes())
}

func (o *Executor) updateTask(ctx context.Context, sessionID, taskID string, mutate func(*session.TaskRecord)) {
	if err := o.sessions.UpdateTask(ctx, sessionID, taskID, mutate); err != nil {
		o.logger.Error(ctx, "failed to update task record",
			zap.String("task_id", taskID), zap.Error(err))
	}
}

func (o *Executor) updateCounters(ctx context.Context, sessionID string, mutate func(*session.Counters)) {
	if err := o.sessions.UpdateCounters(ctx, sessionID, mutate); err != nil {
		o.logger.Error(ctx, "failed to update counters", zap.Error(err))
	}
}

// watchTimeout stops the session when its wall-clock budget expires.
func (o *Executor) watchTimeout(runCtx context.Context, sessionID string) {
	<-runCtx.Done()
	if !errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return
	}
	ctx := context.Background()
	o.logger.Warn(ctx, "session timed out", zap.String("session_id", sessionID))
	if err := o.Stop(ctx, sessionID); err != nil && !errors.Is(err, ErrSessionNotActive) {
		o.logger.Error(ctx, "failed to stop timed-out session", zap.Error(err))
	}
}

func (o *Executor) activeRun(sessionID string) (*run, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	r, ok := o.runs[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotActive, sessionID)
	}
	return r, nil
}

// teardown releases the run's resources, then drops it from the table
// so Wait only returns once the final document flush landed.
func (o *Executor) teardown(sessionID string, r *run) {
	if r.watcher != nil {
		r.watcher.Close()
	}
	if err := r.docw.Close(); err != nil {
		o.logger.Warn(context.Background(), "failed to flush document on teardown", zap.Error(err))
	}
	r.mu.Lock()
	cancel := r.cancel
	r.cancel = nil
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	o.mu.Lock()
	delete(o.runs, sessionID)
	o.mu.Unlock()
}

// queueTasks derives scheduler priorities from document order: earlier
// tasks first, with a small depth offset so a parent's subtasks stay
// ahead of the next top-level task even if priorities are recomputed.
func queueTasks(sessionID string, tasks []tasklist.Task) []scheduler.Task {
	out := make([]scheduler.Task, 0, len(tasks))
	for i, t := range tasks {
		out = append(out, scheduler.Task{
			ID:        t.ID,
			SessionID: sessionID,
			Priority:  (len(tasks)-i)*10 + t.Depth,
		})
	}
	return out
}
