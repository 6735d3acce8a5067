// internal/checkpoint/manager.go
package checkpoint

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/taskd/internal/events"
	"github.com/fyrsmithlabs/taskd/internal/logging"
	"github.com/fyrsmithlabs/taskd/internal/storage"
	"github.com/fyrsmithlabs/taskd/internal/vcs"
)

const instrumentationName = "github.com/fyrsmithlabs/taskd/internal/checkpoint"

// DefaultKeepRecent is how many non-boundary checkpoints Compact keeps.
const DefaultKeepRecent = 5

// ErrCheckpointNotFound indicates no record exists for the id.
var ErrCheckpointNotFound = errors.New("checkpoint not found")

// Config configures the checkpoint manager.
type Config struct {
	// Workspace is the root the snapshot paths are relative to.
	Workspace string

	// KeepRecent is how many non-boundary checkpoints Compact keeps.
	KeepRecent int
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Workspace == "" {
		return errors.New("workspace is required")
	}
	if c.KeepRecent < 0 {
		return errors.New("keep_recent cannot be negative")
	}
	return nil
}

// Manager captures, restores, and compacts checkpoints.
type Manager struct {
	config *Config
	store  *storage.Store
	ws     *storage.Store
	client vcs.Client
	bus    *events.Bus
	logger *logging.Logger
	tracer trace.Tracer

	now func() time.Time

	createdCounter  metric.Int64Counter
	restoredCounter metric.Int64Counter

	mu sync.Mutex
}

// NewManager creates a checkpoint manager. client may be nil when the
// workspace has no version control.
func NewManager(cfg *Config, store *storage.Store, client vcs.Client, bus *events.Bus, logger *logging.Logger) (*Manager, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if cfg.KeepRecent == 0 {
		cfg.KeepRecent = DefaultKeepRecent
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if store == nil {
		return nil, errors.New("store is required")
	}
	if logger == nil {
		logger = logging.Nop()
	}

	ws, err := storage.NewStore(cfg.Workspace)
	if err != nil {
		return nil, fmt.Errorf("opening workspace: %w", err)
	}

	m := &Manager{
		config: cfg,
		store:  store,
		ws:     ws,
		client: client,
		bus:    bus,
		logger: logger,
		tracer: otel.Tracer(instrumentationName),
		now:    time.Now,
	}

	meter := otel.Meter(instrumentationName)
	m.createdCounter, err = meter.Int64Counter("taskd.checkpoints.created_total",
		metric.WithDescription("Checkpoints created"))
	if err != nil {
		logger.Warn(context.Background(), "failed to create checkpoint counter", zap.Error(err))
	}
	m.restoredCounter, err = meter.Int64Counter("taskd.checkpoints.restored_total",
		metric.WithDescription("Checkpoints restored"))
	if err != nil {
		logger.Warn(context.Background(), "failed to create restore counter", zap.Error(err))
	}
	return m, nil
}

// Create snapshots the requested files and, when version control is
// available, records a ref: a dirty worktree is staged and committed, a
// clean one only has its current ref recorded.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (*Checkpoint, error) {
	ctx, span := m.tracer.Start(ctx, "checkpoint.create")
	defer span.End()
	span.SetAttributes(
		attribute.String("session_id", req.SessionID),
		attribute.Int("phase", req.Phase),
		attribute.Int("file_count", len(req.Files)),
	)

	if req.SessionID == "" {
		return nil, errors.New("session id is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	cp := &Checkpoint{
		ID:            uuid.New().String(),
		SessionID:     req.SessionID,
		Phase:         req.Phase,
		PhaseBoundary: req.PhaseBoundary,
		CreatedAt:     m.now(),
	}

	for _, f := range req.Files {
		content, err := m.ws.ReadFile(f)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				m.logger.Warn(ctx, "skipping missing file in checkpoint",
					zap.String("path", f))
				continue
			}
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, fmt.Errorf("snapshotting %s: %w", f, err)
		}
		sum := sha256.Sum256(content)
		cp.Files = append(cp.Files, FileSnapshot{
			Path:    f,
			Hash:    hex.EncodeToString(sum[:]),
			Content: content,
		})
	}

	cp.VCSRef = m.captureRef(ctx, cp.ID, req.Files)

	if err := m.persist(cp); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	if m.createdCounter != nil {
		m.createdCounter.Add(ctx, 1)
	}
	m.publish(ctx, events.CheckpointCreated, cp)
	m.logger.Info(ctx, "created checkpoint",
		zap.String("session_id", cp.SessionID),
		zap.String("checkpoint_id", cp.ID),
		zap.Int("phase", cp.Phase),
		zap.Int("files", len(cp.Files)),
		zap.Bool("vcs", cp.VCSRef != ""),
	)
	return cp, nil
}

// captureRef records the VCS state for a checkpoint. Any VCS failure
// degrades to file-only snapshots.
func (m *Manager) captureRef(ctx context.Context, id string, files []string) string {
	if m.client == nil || !m.client.Available() {
		return ""
	}

	clean, err := m.client.IsClean()
	if err != nil {
		m.logger.Warn(ctx, "vcs status failed, snapshots only", zap.Error(err))
		return ""
	}

	if clean {
		ref, err := m.client.CurrentRef()
		if err != nil {
			m.logger.Warn(ctx, "vcs ref lookup failed, snapshots only", zap.Error(err))
			return ""
		}
		return ref
	}

	if err := m.client.Stage(files); err != nil {
		m.logger.Warn(ctx, "vcs stage failed, snapshots only", zap.Error(err))
		return ""
	}
	ref, err := m.client.Commit("taskd checkpoint " + id)
	if err != nil {
		m.logger.Warn(ctx, "vcs commit failed, snapshots only", zap.Error(err))
		return ""
	}
	return ref
}

// Restore brings the workspace back to a checkpoint. The VCS ref is
// preferred; on any VCS failure each snapshot is rewritten through the
// workspace store. Files that cannot be written are listed in Skipped.
func (m *Manager) Restore(ctx context.Context, sessionID, checkpointID string) (*RestoreResult, error) {
	ctx, span := m.tracer.Start(ctx, "checkpoint.restore")
	defer span.End()
	span.SetAttributes(
		attribute.String("session_id", sessionID),
		attribute.String("checkpoint_id", checkpointID),
	)

	m.mu.Lock()
	defer m.mu.Unlock()

	cp, err := m.load(sessionID, checkpointID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	result := &RestoreResult{CheckpointID: cp.ID}

	if cp.VCSRef != "" && m.client != nil && m.client.Available() {
		revertErr := m.client.RevertTo(cp.VCSRef)
		if revertErr == nil {
			result.ViaVCS = true
			result.FilesRestored = len(cp.Files)
			m.finishRestore(ctx, cp, result)
			return result, nil
		}
		m.logger.Warn(ctx, "vcs revert failed, falling back to snapshots",
			zap.String("ref", cp.VCSRef), zap.Error(revertErr))
	}

	for _, snap := range cp.Files {
		if err := m.ws.WriteFile(snap.Path, snap.Content); err != nil {
			m.logger.Warn(ctx, "failed to restore file",
				zap.String("path", snap.Path), zap.Error(err))
			result.Skipped = append(result.Skipped, snap.Path)
			continue
		}
		result.FilesRestored++
	}

	m.finishRestore(ctx, cp, result)
	return result, nil
}

func (m *Manager) finishRestore(ctx context.Context, cp *Checkpoint, result *RestoreResult) {
	if m.restoredCounter != nil {
		m.restoredCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.Bool("via_vcs", result.ViaVCS),
		))
	}
	m.publish(ctx, events.CheckpointRestored, cp)
	m.logger.Info(ctx, "restored checkpoint",
		zap.String("session_id", cp.SessionID),
		zap.String("checkpoint_id", cp.ID),
		zap.Bool("via_vcs", result.ViaVCS),
		zap.Int("files_restored", result.FilesRestored),
		zap.Int("skipped", len(result.Skipped)),
	)
}

// List returns the session's checkpoints, oldest first.
func (m *Manager) List(ctx context.Context, sessionID string) ([]*Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listLocked(sessionID)
}

func (m *Manager) listLocked(sessionID string) ([]*Checkpoint, error) {
	names, err := m.store.List(checkpointDir(sessionID))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}

	// List already returns store-relative paths.
	var out []*Checkpoint
	for _, name := range names {
		data, err := m.store.ReadFile(name)
		if err != nil {
			return nil, err
		}
		var cp Checkpoint
		if err := json.Unmarshal(data, &cp); err != nil {
			return nil, fmt.Errorf("corrupt checkpoint %s: %w", name, err)
		}
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// Delete removes one checkpoint record.
func (m *Manager) Delete(ctx context.Context, sessionID, checkpointID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.store.Remove(checkpointPath(sessionID, checkpointID))
}

// Compact drops old checkpoints, keeping every phase-boundary one plus
// the keepRecent most recent. keepRecent <= 0 uses the configured
// default. Running it again is a no-op.
func (m *Manager) Compact(ctx context.Context, sessionID string, keepRecent int) (int, error) {
	ctx, span := m.tracer.Start(ctx, "checkpoint.compact")
	defer span.End()
	span.SetAttributes(attribute.String("session_id", sessionID))

	if keepRecent <= 0 {
		keepRecent = m.config.KeepRecent
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	all, err := m.listLocked(sessionID)
	if err != nil {
		span.RecordError(err)
		return 0, err
	}

	keep := make(map[string]bool, len(all))
	for _, cp := range all {
		if cp.PhaseBoundary {
			keep[cp.ID] = true
		}
	}
	recent := 0
	for i := len(all) - 1; i >= 0 && recent < keepRecent; i-- {
		if !keep[all[i].ID] {
			keep[all[i].ID] = true
			recent++
		}
	}

	removed := 0
	for _, cp := range all {
		if keep[cp.ID] {
			continue
		}
		if err := m.store.Remove(checkpointPath(sessionID, cp.ID)); err != nil {
			return removed, err
		}
		removed++
	}

	if removed > 0 {
		m.logger.Info(ctx, "compacted checkpoints",
			zap.String("session_id", sessionID),
			zap.Int("removed", removed),
			zap.Int("kept", len(all)-removed),
		)
	}
	return removed, nil
}

func (m *Manager) load(sessionID, checkpointID string) (*Checkpoint, error) {
	data, err := m.store.ReadFile(checkpointPath(sessionID, checkpointID))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrCheckpointNotFound, checkpointID)
		}
		return nil, err
	}
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("corrupt checkpoint %s: %w", checkpointID, err)
	}
	return &cp, nil
}

func (m *Manager) persist(cp *Checkpoint) error {
	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling checkpoint %s: %w", cp.ID, err)
	}
	return m.store.WriteFile(checkpointPath(cp.SessionID, cp.ID), data)
}

func (m *Manager) publish(ctx context.Context, typ events.Type, cp *Checkpoint) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(ctx, events.New(typ, cp.SessionID, "", map[string]any{
		"checkpoint_id": cp.ID,
		"phase":         cp.Phase,
	}))
}

func checkpointDir(sessionID string) string {
	return path.Join("sessions", sessionID, "checkpoints")
}

func checkpointPath(sessionID, checkpointID string) string {
	return path.Join(checkpointDir(sessionID), checkpointID+".json")
}
