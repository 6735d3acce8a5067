// cmd/taskd/run.go
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/taskd/internal/config"
	"github.com/fyrsmithlabs/taskd/internal/decision"
	"github.com/fyrsmithlabs/taskd/internal/engine"
	"github.com/fyrsmithlabs/taskd/internal/events"
	"github.com/fyrsmithlabs/taskd/internal/logging"
	"github.com/fyrsmithlabs/taskd/internal/orchestrator"
	"github.com/fyrsmithlabs/taskd/internal/provider"
	"github.com/fyrsmithlabs/taskd/internal/session"
	"github.com/fyrsmithlabs/taskd/internal/storage"
	"github.com/fyrsmithlabs/taskd/internal/taskcontext"
	"github.com/fyrsmithlabs/taskd/internal/telemetry"
)

var (
	flagWorkspace   string
	flagConcurrency int
	flagTimeout     time.Duration
	flagArchive     bool
	flagProviderCmd string
	flagQuiet       bool
)

var runCmd = &cobra.Command{
	Use:   "run <tasks.md>",
	Short: "Execute a task-list document",
	Long: `Execute every open task in a markdown task list.

The provider command is invoked once per task attempt with a JSON
request on stdin and must print a JSON response on stdout.

Examples:
  # Run a task list in the current directory
  taskd run tasks.md --provider-cmd ./my-provider

  # Bound the session to one hour with five workers
  taskd run tasks.md --provider-cmd ./my-provider --concurrency 5 --timeout 1h`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

var statusCmd = &cobra.Command{
	Use:   "status <session-id>",
	Short: "Show the persisted state of a session",
	Long: `Show a session's persisted record: lifecycle status, task states,
and counters. Reads only the state directory, so it works while a
run is in progress elsewhere and after it finished.`,
	Args: cobra.ExactArgs(1),
	RunE: runStatus,
}

func init() {
	runCmd.Flags().StringVar(&flagWorkspace, "workspace", "", "workspace root (default: directory of the task list)")
	runCmd.Flags().IntVar(&flagConcurrency, "concurrency", 0, "worker pool size, 1-10 (default from config)")
	runCmd.Flags().DurationVar(&flagTimeout, "timeout", 0, "wall-clock session bound (default from config)")
	runCmd.Flags().BoolVar(&flagArchive, "archive", false, "archive the session record when the run ends")
	runCmd.Flags().StringVar(&flagProviderCmd, "provider-cmd", "", "command executing one task attempt (required)")
	runCmd.Flags().BoolVar(&flagQuiet, "quiet", false, "suppress progress output")
	_ = runCmd.MarkFlagRequired("provider-cmd")
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadWithFile(configPath)
	if err != nil {
		return nil, err
	}
	if stateDir != "" {
		cfg.StateDir = stateDir
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) (*logging.Logger, error) {
	logCfg := logging.NewDefaultConfig()
	level, err := zapcore.ParseLevel(cfg.Log.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Log.Level, err)
	}
	logCfg.Level = level
	logCfg.Format = cfg.Log.Format
	return logging.NewLogger(logCfg, nil)
}

func newTelemetry(ctx context.Context, cfg *config.Config) (*telemetry.Telemetry, error) {
	telCfg := telemetry.NewDefaultConfig()
	telCfg.Enabled = cfg.Telemetry.Enabled
	telCfg.Endpoint = cfg.Telemetry.Endpoint
	telCfg.Protocol = cfg.Telemetry.Protocol
	telCfg.Insecure = cfg.Telemetry.Insecure
	telCfg.ServiceVersion = version
	return telemetry.New(ctx, telCfg)
}

func runRun(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if flagConcurrency != 0 {
		cfg.Scheduler.Concurrency = flagConcurrency
		if err := cfg.Validate(); err != nil {
			return err
		}
	}
	if err := config.EnsureStateDir(cfg); err != nil {
		return err
	}

	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	tel, err := newTelemetry(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tel.Shutdown(shutdownCtx)
	}()

	store, err := storage.NewStore(cfg.StateDir)
	if err != nil {
		return err
	}
	bus := events.NewBus(cfg.Events.HistorySize, logger)
	defer bus.Close()

	sessions, err := session.NewManager(&session.Config{
		StaleAfter: cfg.Session.StaleAfter.Duration(),
	}, store, bus, logger)
	if err != nil {
		return err
	}
	attempts, err := taskcontext.NewManager(store, logger)
	if err != nil {
		return err
	}
	decider, err := decision.NewEngine(&decision.Config{
		ConfidenceThreshold: cfg.Engine.ConfidenceThreshold,
	}, logger)
	if err != nil {
		return err
	}

	var prov provider.Provider = newExecProvider(flagProviderCmd, logger)
	if cfg.Provider.RatePerMinute > 0 {
		prov, err = provider.NewRateLimited(prov, cfg.Provider.RatePerMinute, cfg.Provider.Burst)
		if err != nil {
			return err
		}
	}

	eng, err := engine.NewEngine(&engine.Config{
		MaxIterations:    cfg.Engine.MaxIterations,
		TransientRetries: cfg.Engine.TransientRetries,
		BackoffBase:      cfg.Engine.BackoffBase.Duration(),
	}, prov, decider, attempts, nil, bus, logger)
	if err != nil {
		return err
	}

	exec, err := orchestrator.NewExecutor(&orchestrator.Config{
		Concurrency:   cfg.Scheduler.Concurrency,
		KeepRecent:    cfg.Checkpoint.KeepRecent,
		PollInterval:  cfg.Scheduler.PollInterval.Duration(),
		ArchiveOnStop: flagArchive,
	}, store, sessions, eng, bus, logger)
	if err != nil {
		return err
	}

	workspace := flagWorkspace
	if workspace == "" {
		abs, aerr := filepathAbsDir(args[0])
		if aerr != nil {
			return aerr
		}
		workspace = abs
	}

	timeout := flagTimeout
	if timeout == 0 {
		timeout = cfg.Session.Timeout.Duration()
	}

	var progressDone func()
	if !flagQuiet {
		progressDone = printProgress(cmd, bus)
		defer progressDone()
	}

	id, err := exec.StartSession(ctx, workspace, args[0], orchestrator.StartOptions{
		Timeout: timeout,
	})
	if err != nil {
		return err
	}
	cmd.Printf("session %s\n", id)

	// Interrupt drains in-flight tasks, then the record is final.
	go func() {
		<-ctx.Done()
		stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		_ = exec.Stop(stopCtx, id)
	}()

	if err := exec.Wait(context.Background(), id); err != nil {
		return err
	}

	st, err := exec.Status(context.Background(), id)
	if err != nil {
		return err
	}
	cmd.Printf("session %s %s: %d completed, %d failed, %d escalated\n",
		st.SessionID, st.Status, st.Completed, st.Failed, st.Escalated)
	if st.Escalated > 0 {
		cmd.Println("escalated tasks need manual intervention; re-run after resolving them")
	}
	return nil
}

// printProgress streams task lifecycle events to the terminal until the
// returned stop function runs.
func printProgress(cmd *cobra.Command, bus *events.Bus) func() {
	ch, cancel := bus.Subscribe(
		events.TaskStarted,
		events.TaskCompleted,
		events.TaskFailed,
		events.TaskSkipped,
		events.TaskEscalated,
		events.CheckpointCreated,
	)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range ch {
			switch ev.Type {
			case events.TaskFailed:
				cmd.Printf("%-10s %s (%v)\n", shortType(ev.Type), ev.TaskID, ev.Payload["error"])
			case events.CheckpointCreated:
				cmd.Printf("%-10s phase %v\n", shortType(ev.Type), ev.Payload["phase"])
			default:
				cmd.Printf("%-10s %s\n", shortType(ev.Type), ev.TaskID)
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

func shortType(t events.Type) string {
	switch t {
	case events.TaskStarted:
		return "start"
	case events.TaskCompleted:
		return "done"
	case events.TaskFailed:
		return "failed"
	case events.TaskSkipped:
		return "skipped"
	case events.TaskEscalated:
		return "escalated"
	case events.CheckpointCreated:
		return "checkpoint"
	}
	return string(t)
}
