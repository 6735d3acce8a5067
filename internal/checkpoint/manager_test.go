package checkpoint

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/taskd/internal/storage"
)

// fakeVCS implements vcs.Client without a repository.
type fakeVCS struct {
	available bool
	clean     bool
	ref       string
	commits   int
	staged    []string

	statusErr error
	revertErr error
	reverted  []string
}

func (f *fakeVCS) Available() bool { return f.available }

func (f *fakeVCS) IsClean() (bool, error) {
	if f.statusErr != nil {
		return false, f.statusErr
	}
	return f.clean, nil
}

func (f *fakeVCS) Stage(files []string) error {
	f.staged = append(f.staged, files...)
	return nil
}

func (f *fakeVCS) Commit(message string) (string, error) {
	f.commits++
	f.ref = "commit-" + message[len(message)-8:]
	return f.ref, nil
}

func (f *fakeVCS) CurrentRef() (string, error) { return f.ref, nil }

func (f *fakeVCS) RevertTo(ref string) error {
	if f.revertErr != nil {
		return f.revertErr
	}
	f.reverted = append(f.reverted, ref)
	return nil
}

func newTestManager(t *testing.T, client *fakeVCS) (*Manager, *storage.Store, string) {
	t.Helper()
	store, err := storage.NewStore(t.TempDir())
	require.NoError(t, err)
	ws := t.TempDir()
	cfg := &Config{Workspace: ws, KeepRecent: 2}
	var m *Manager
	if client == nil {
		m, err = NewManager(cfg, store, nil, nil, nil)
	} else {
		m, err = NewManager(cfg, store, client, nil, nil)
	}
	require.NoError(t, err)
	return m, store, ws
}

func writeWorkspaceFile(t *testing.T, ws, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(ws, name), []byte(content), 0644))
}

func TestCreate_SnapshotsFiles(t *testing.T) {
	m, store, ws := newTestManager(t, nil)
	ctx := context.Background()

	writeWorkspaceFile(t, ws, "main.go", "package main\n")
	writeWorkspaceFile(t, ws, "util.go", "package main // util\n")

	cp, err := m.Create(ctx, CreateRequest{
		SessionID: "s1",
		Phase:     1,
		Files:     []string{"main.go", "util.go"},
	})
	require.NoError(t, err)

	require.Len(t, cp.Files, 2)
	assert.Equal(t, "main.go", cp.Files[0].Path)
	assert.Equal(t, []byte("package main\n"), cp.Files[0].Content)
	assert.Len(t, cp.Files[0].Hash, 64)
	assert.Empty(t, cp.VCSRef)
	assert.True(t, store.Exists("sessions/s1/checkpoints/"+cp.ID+".json"))
}

func TestCreate_MissingFileSkipped(t *testing.T) {
	m, _, ws := newTestManager(t, nil)
	writeWorkspaceFile(t, ws, "a.go", "a")

	cp, err := m.Create(context.Background(), CreateRequest{
		SessionID: "s1",
		Files:     []string{"a.go", "gone.go"},
	})
	require.NoError(t, err)
	require.Len(t, cp.Files, 1)
	assert.Equal(t, "a.go", cp.Files[0].Path)
}

func TestCreate_DirtyWorktreeCommits(t *testing.T) {
	client := &fakeVCS{available: true, clean: false, ref: "base"}
	m, _, ws := newTestManager(t, client)
	writeWorkspaceFile(t, ws, "a.go", "a")

	cp, err := m.Create(context.Background(), CreateRequest{
		SessionID: "s1",
		Files:     []string{"a.go"},
	})
	require.NoError(t, err)

	assert.Equal(t, 1, client.commits)
	assert.Equal(t, []string{"a.go"}, client.staged)
	assert.Equal(t, client.ref, cp.VCSRef)
}

func TestCreate_CleanWorktreeRecordsRefWithoutCommit(t *testing.T) {
	client := &fakeVCS{available: true, clean: true, ref: "abc123"}
	m, _, ws := newTestManager(t, client)
	writeWorkspaceFile(t, ws, "a.go", "a")

	cp, err := m.Create(context.Background(), CreateRequest{
		SessionID: "s1",
		Files:     []string{"a.go"},
	})
	require.NoError(t, err)

	assert.Equal(t, 0, client.commits)
	assert.Equal(t, "abc123", cp.VCSRef)
}

func TestCreate_VCSFailureDegradesToSnapshots(t *testing.T) {
	client := &fakeVCS{available: true, statusErr: errors.New("index locked")}
	m, _, ws := newTestManager(t, client)
	writeWorkspaceFile(t, ws, "a.go", "a")

	cp, err := m.Create(context.Background(), CreateRequest{
		SessionID: "s1",
		Files:     []string{"a.go"},
	})
	require.NoError(t, err)
	assert.Empty(t, cp.VCSRef)
	assert.Len(t, cp.Files, 1)
}

func TestRestore_PrefersVCS(t *testing.T) {
	client := &fakeVCS{available: true, clean: true, ref: "abc123"}
	m, _, ws := newTestManager(t, client)
	writeWorkspaceFile(t, ws, "a.go", "original")

	cp, err := m.Create(context.Background(), CreateRequest{
		SessionID: "s1",
		Files:     []string{"a.go"},
	})
	require.NoError(t, err)

	res, err := m.Restore(context.Background(), "s1", cp.ID)
	require.NoError(t, err)
	assert.True(t, res.ViaVCS)
	assert.Equal(t, 1, res.FilesRestored)
	assert.Equal(t, []string{"abc123"}, client.reverted)
}

func TestRestore_FallsBackToSnapshots(t *testing.T) {
	client := &fakeVCS{available: true, clean: true, ref: "abc123",
		revertErr: errors.New("ref missing")}
	m, _, ws := newTestManager(t, client)
	writeWorkspaceFile(t, ws, "a.go", "original")

	cp, err := m.Create(context.Background(), CreateRequest{
		SessionID: "s1",
		Files:     []string{"a.go"},
	})
	require.NoError(t, err)

	// Mutate after the checkpoint
	writeWorkspaceFile(t, ws, "a.go", "mutated")

	res, err := m.Restore(context.Background(), "s1", cp.ID)
	require.NoError(t, err)
	assert.False(t, res.ViaVCS)
	assert.Equal(t, 1, res.FilesRestored)
	assert.Empty(t, res.Skipped)

	data, err := os.ReadFile(filepath.Join(ws, "a.go"))
	require.NoError(t, err)
	assert.Equal(t, "original", string(data))
}

func TestRestore_NoVCSWritesSnapshots(t *testing.T) {
	m, _, ws := newTestManager(t, nil)
	require.NoError(t, os.MkdirAll(filepath.Join(ws, "nested", "dir"), 0755))
	writeWorkspaceFile(t, ws, filepath.Join("nested", "dir", "a.go"), "v1")

	cp, err := m.Create(context.Background(), CreateRequest{
		SessionID: "s1",
		Files:     []string{"nested/dir/a.go"},
	})
	require.NoError(t, err)

	writeWorkspaceFile(t, ws, filepath.Join("nested", "dir", "a.go"), "v2")

	res, err := m.Restore(context.Background(), "s1", cp.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, res.FilesRestored)

	data, err := os.ReadFile(filepath.Join(ws, "nested", "dir", "a.go"))
	require.NoError(t, err)
	assert.Equal(t, "v1", string(data))
}

func TestRestore_NotFound(t *testing.T) {
	m, _, _ := newTestManager(t, nil)
	_, err := m.Restore(context.Background(), "s1", "nope")
	assert.ErrorIs(t, err, ErrCheckpointNotFound)
}

func TestList_ReadsBackCreatedCheckpoint(t *testing.T) {
	m, _, ws := newTestManager(t, nil)
	ctx := context.Background()
	writeWorkspaceFile(t, ws, "a.go", "a")

	cp, err := m.Create(ctx, CreateRequest{SessionID: "s1", Phase: 1, Files: []string{"a.go"}})
	require.NoError(t, err)

	list, err := m.List(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, cp.ID, list[0].ID)
	assert.Equal(t, 1, list[0].Phase)
}

func TestListDelete(t *testing.T) {
	m, _, ws := newTestManager(t, nil)
	ctx := context.Background()
	writeWorkspaceFile(t, ws, "a.go", "a")

	cp1, err := m.Create(ctx, CreateRequest{SessionID: "s1", Phase: 0, Files: []string{"a.go"}})
	require.NoError(t, err)
	m.now = func() time.Time { return time.Now().Add(time.Second) }
	cp2, err := m.Create(ctx, CreateRequest{SessionID: "s1", Phase: 1, Files: []string{"a.go"}})
	require.NoError(t, err)

	list, err := m.List(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, cp1.ID, list[0].ID)
	assert.Equal(t, cp2.ID, list[1].ID)

	require.NoError(t, m.Delete(ctx, "s1", cp1.ID))
	list, err = m.List(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, cp2.ID, list[0].ID)
}

func TestList_EmptySession(t *testing.T) {
	m, _, _ := newTestManager(t, nil)
	list, err := m.List(context.Background(), "unknown")
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestCompact_KeepsBoundariesAndRecent(t *testing.T) {
	m, _, ws := newTestManager(t, nil) // KeepRecent: 2
	ctx := context.Background()
	writeWorkspaceFile(t, ws, "a.go", "a")

	clock := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	m.now = func() time.Time {
		clock = clock.Add(time.Minute)
		return clock
	}

	var boundary *Checkpoint
	var ids []string
	for i := 0; i < 6; i++ {
		cp, err := m.Create(ctx, CreateRequest{
			SessionID:     "s1",
			Phase:         i / 3,
			PhaseBoundary: i == 2,
			Files:         []string{"a.go"},
		})
		require.NoError(t, err)
		ids = append(ids, cp.ID)
		if i == 2 {
			boundary = cp
		}
	}

	removed, err := m.Compact(ctx, "s1", 2)
	require.NoError(t, err)
	assert.Equal(t, 3, removed)

	list, err := m.List(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, list, 3)

	kept := map[string]bool{}
	for _, cp := range list {
		kept[cp.ID] = true
	}
	assert.True(t, kept[boundary.ID], "phase boundary survives compaction")
	assert.True(t, kept[ids[4]])
	assert.True(t, kept[ids[5]])

	// Idempotent; zero falls back to the configured KeepRecent.
	removed, err = m.Compact(ctx, "s1", 0)
	require.NoError(t, err)
	assert.Zero(t, removed)
}

func TestNewManager_Validation(t *testing.T) {
	store, err := storage.NewStore(t.TempDir())
	require.NoError(t, err)

	_, err = NewManager(&Config{}, store, nil, nil, nil)
	require.Error(t, err)

	_, err = NewManager(&Config{Workspace: t.TempDir()}, nil, nil, nil, nil)
	require.Error(t, err)
}
