// internal/scheduler/scheduler.go
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/taskd/internal/events"
	"github.com/fyrsmithlabs/taskd/internal/logging"
)

const instrumentationName = "github.com/fyrsmithlabs/taskd/internal/scheduler"

// Concurrency bounds.
const (
	MinConcurrency     = 1
	MaxConcurrency     = 10
	DefaultConcurrency = 3
)

var (
	// ErrConfiguration indicates a rejected setting; the prior value is
	// kept.
	ErrConfiguration = errors.New("configuration error")

	// ErrNotRunning indicates an operation that needs a started pool.
	ErrNotRunning = errors.New("scheduler not running")

	// ErrAlreadyRunning indicates a second Start.
	ErrAlreadyRunning = errors.New("scheduler already running")

	// ErrShutDown indicates the scheduler accepts no more work.
	ErrShutDown = errors.New("scheduler shut down")

	// ErrNoExecutor indicates Start before SetExecutor.
	ErrNoExecutor = errors.New("no executor installed")
)

// Executor runs one task. A nil return is a completed task, anything
// else a failed one.
type Executor func(ctx context.Context, task Task) error

// Config configures the scheduler.
type Config struct {
	Concurrency int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{Concurrency: DefaultConcurrency}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Concurrency < MinConcurrency || c.Concurrency > MaxConcurrency {
		return fmt.Errorf("%w: concurrency must be in [%d, %d], got %d",
			ErrConfiguration, MinConcurrency, MaxConcurrency, c.Concurrency)
	}
	return nil
}

// Stats is a point-in-time view of the pool.
type Stats struct {
	Queued    int
	Running   int
	Completed int
	Failed    int
}

type schedulerState int

const (
	stateIdle schedulerState = iota
	stateRunning
	stateStopped
)

// Scheduler dispatches queued tasks to a bounded worker pool.
type Scheduler struct {
	bus    *events.Bus
	logger *logging.Logger
	tracer trace.Tracer

	dispatchedCounter metric.Int64Counter

	mu          sync.Mutex
	queue       taskQueue
	executor    Executor
	concurrency int
	running     int
	completed   int
	failed      int
	state       schedulerState
	draining    bool
	discard     bool

	wake    chan struct{}
	drained chan struct{}
	cancel  context.CancelFunc
}

// NewScheduler creates a scheduler. bus may be nil.
func NewScheduler(cfg *Config, bus *events.Bus, logger *logging.Logger) (*Scheduler, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logging.Nop()
	}

	s := &Scheduler{
		bus:         bus,
		logger:      logger,
		tracer:      otel.Tracer(instrumentationName),
		concurrency: cfg.Concurrency,
		wake:        make(chan struct{}, 1),
		drained:     make(chan struct{}),
	}

	meter := otel.Meter(instrumentationName)
	var err error
	s.dispatchedCounter, err = meter.Int64Counter("taskd.scheduler.dispatched_total",
		metric.WithDescription("Tasks dispatched to workers"))
	if err != nil {
		logger.Warn(context.Background(), "failed to create dispatch counter", zap.Error(err))
	}
	return s, nil
}

// SetExecutor installs the function workers run. It must be set before
// Start.
func (s *Scheduler) SetExecutor(fn Executor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.executor = fn
}

// SetConcurrency changes the worker bound. Out-of-range values are
// rejected and the prior bound stays in force. Lowering the bound never
// interrupts running tasks; the pool shrinks as they finish.
func (s *Scheduler) SetConcurrency(n int) error {
	if n < MinConcurrency || n > MaxConcurrency {
		return fmt.Errorf("%w: concurrency must be in [%d, %d], got %d",
			ErrConfiguration, MinConcurrency, MaxConcurrency, n)
	}
	s.mu.Lock()
	s.concurrency = n
	s.mu.Unlock()
	s.signal()
	return nil
}

// Enqueue adds one task to the queue.
func (s *Scheduler) Enqueue(ctx context.Context, task Task) error {
	s.mu.Lock()
	if s.state == stateStopped {
		s.mu.Unlock()
		return ErrShutDown
	}
	s.queue.push(task)
	s.mu.Unlock()

	s.publish(ctx, events.TaskQueued, task)
	s.signal()
	return nil
}

// EnqueueAll adds tasks in order, so equal priorities run FIFO.
func (s *Scheduler) EnqueueAll(ctx context.Context, tasks []Task) error {
	for _, t := range tasks {
		if err := s.Enqueue(ctx, t); err != nil {
			return err
		}
	}
	return nil
}

// Start launches the admission loop. Tasks enqueued earlier dispatch
// immediately.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case stateRunning:
		return ErrAlreadyRunning
	case stateStopped:
		return ErrShutDown
	}
	if s.executor == nil {
		return ErrNoExecutor
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.state = stateRunning

	go s.admit(runCtx)
	s.signal()
	return nil
}

// Stop drains cooperatively: no new dispatches, running tasks finish.
// Tasks still queued when the drain completes stay queued and are
// reported in Stats. ctx bounds the wait.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.state != stateRunning {
		s.mu.Unlock()
		return ErrNotRunning
	}
	s.draining = true
	s.mu.Unlock()
	s.signal()

	select {
	case <-s.drained:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for drain: %w", ctx.Err())
	}
}

// Shutdown cancels running tasks, drops the queue, and returns without
// waiting. In-flight work is abandoned: whatever its executor returns
// later is discarded without a terminal event or counter update.
func (s *Scheduler) Shutdown() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	alreadyStopped := s.state == stateStopped
	s.state = stateStopped
	s.draining = true
	s.discard = true
	s.queue = taskQueue{}
	s.running = 0
	s.mu.Unlock()

	if cancel != nil && !alreadyStopped {
		cancel()
	}
	s.signal()
}

// Remaining returns and clears the queued tasks in dequeue order. It
// is meant for handing undispatched work to a successor pool after a
// drain.
func (s *Scheduler) Remaining() []Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Task
	for s.queue.Len() > 0 {
		out = append(out, s.queue.pop())
	}
	return out
}

// Stats returns a snapshot of queue and pool counters.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		Queued:    s.queue.Len(),
		Running:   s.running,
		Completed: s.completed,
		Failed:    s.failed,
	}
}

// admit is the single admission goroutine. It alone moves tasks from
// the queue to workers.
func (s *Scheduler) admit(ctx context.Context) {
	ctxDone := ctx.Done()
	for {
		s.dispatch(ctx)

		s.mu.Lock()
		done := s.draining && s.running == 0
		s.mu.Unlock()
		if done {
			s.finish()
			return
		}

		select {
		case <-s.wake:
		case <-ctxDone:
			// Disable this case so the loop blocks on wake from now on.
			ctxDone = nil
			s.mu.Lock()
			s.draining = true
			s.mu.Unlock()
		}
	}
}

// dispatch fills free worker slots from the queue.
func (s *Scheduler) dispatch(ctx context.Context) {
	for {
		s.mu.Lock()
		if s.draining || s.running >= s.concurrency || s.queue.Len() == 0 {
			s.mu.Unlock()
			return
		}
		task := s.queue.pop()
		s.running++
		executor := s.executor
		s.mu.Unlock()

		if s.dispatchedCounter != nil {
			s.dispatchedCounter.Add(ctx, 1)
		}
		s.publish(ctx, events.TaskStarted, task)
		go s.work(ctx, executor, task)
	}
}

// work runs one task and reports exactly one terminal event.
func (s *Scheduler) work(ctx context.Context, executor Executor, task Task) {
	ctx, span := s.tracer.Start(ctx, "scheduler.task")
	defer span.End()
	span.SetAttributes(
		attribute.String("task_id", task.ID),
		attribute.Int("priority", task.Priority),
	)

	err := s.execute(ctx, executor, task)

	s.mu.Lock()
	if s.discard {
		s.mu.Unlock()
		s.signal()
		return
	}
	s.running--
	if err != nil {
		s.failed++
	} else {
		s.completed++
	}
	s.mu.Unlock()

	if err != nil {
		span.RecordError(err)
		s.logger.Warn(ctx, "task failed",
			zap.String("task_id", task.ID),
			zap.Error(err),
		)
		s.publishErr(ctx, events.TaskFailed, task, err)
	} else {
		s.publish(ctx, events.TaskCompleted, task)
	}
	s.signal()
}

// execute contains executor panics.
func (s *Scheduler) execute(ctx context.Context, executor Executor, task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("executor panic on task %s: %v", task.ID, r)
		}
	}()
	return executor(ctx, task)
}

// finish marks the scheduler stopped and releases Stop waiters. Only
// the admission goroutine calls it, exactly once.
func (s *Scheduler) finish() {
	s.mu.Lock()
	s.state = stateStopped
	s.mu.Unlock()
	close(s.drained)
}

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) publish(ctx context.Context, typ events.Type, task Task) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(ctx, events.New(typ, task.SessionID, task.ID, nil))
}

func (s *Scheduler) publishErr(ctx context.Context, typ events.Type, task Task, err error) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(ctx, events.New(typ, task.SessionID, task.ID, map[string]any{
		"error": err.Error(),
	}))
}
