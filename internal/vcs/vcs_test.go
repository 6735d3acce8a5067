package vcs

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// initRepo creates a repository with one committed file.
func initRepo(t *testing.T) (string, *git.Repository) {
	t.Helper()
	dir := t.TempDir()
	repo, err := git.PlainInit(dir, false)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("one\n"), 0644))
	wt, err := repo.Worktree()
	require.NoError(t, err)
	_, err = wt.Add("a.txt")
	require.NoError(t, err)
	_, err = wt.Commit("initial", &git.CommitOptions{
		Author: &object.Signature{Name: "test", Email: "test@localhost", When: time.Now()},
	})
	require.NoError(t, err)
	return dir, repo
}

func TestOpen_NotARepo(t *testing.T) {
	client, ok, err := Open(t.TempDir())
	require.NoError(t, err)
	assert.False(t, ok)
	assert.False(t, client.Available())
}

func TestOpen_Repo(t *testing.T) {
	dir, _ := initRepo(t)
	client, ok, err := Open(dir)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, client.Available())
}

func TestIsClean(t *testing.T) {
	dir, _ := initRepo(t)
	client, ok, err := Open(dir)
	require.NoError(t, err)
	require.True(t, ok)

	clean, err := client.IsClean()
	require.NoError(t, err)
	assert.True(t, clean)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("two\n"), 0644))
	clean, err = client.IsClean()
	require.NoError(t, err)
	assert.False(t, clean)
}

func TestStageCommitAndCurrentRef(t *testing.T) {
	dir, _ := initRepo(t)
	client, ok, err := Open(dir)
	require.NoError(t, err)
	require.True(t, ok)

	before, err := client.CurrentRef()
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.txt"), []byte("new\n"), 0644))
	require.NoError(t, client.Stage([]string{"b.txt"}))

	ref, err := client.Commit("checkpoint")
	require.NoError(t, err)
	assert.NotEmpty(t, ref)
	assert.NotEqual(t, before, ref)

	head, err := client.CurrentRef()
	require.NoError(t, err)
	assert.Equal(t, ref, head)

	clean, err := client.IsClean()
	require.NoError(t, err)
	assert.True(t, clean)
}

func TestRevertTo_RestoresFileContent(t *testing.T) {
	dir, _ := initRepo(t)
	client, ok, err := Open(dir)
	require.NoError(t, err)
	require.True(t, ok)

	base, err := client.CurrentRef()
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("changed\n"), 0644))
	require.NoError(t, client.Stage([]string{"a.txt"}))
	_, err = client.Commit("mutate")
	require.NoError(t, err)

	require.NoError(t, client.RevertTo(base))

	data, err := os.ReadFile(filepath.Join(dir, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "one\n", string(data))
}

func TestRevertTo_UnknownRef(t *testing.T) {
	dir, _ := initRepo(t)
	client, ok, err := Open(dir)
	require.NoError(t, err)
	require.True(t, ok)

	err = client.RevertTo("0000000000000000000000000000000000000000")
	require.Error(t, err)
}

func TestCurrentRef_EmptyRepo(t *testing.T) {
	dir := t.TempDir()
	_, err := git.PlainInit(dir, false)
	require.NoError(t, err)

	client, ok, err := Open(dir)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = client.CurrentRef()
	assert.ErrorIs(t, err, ErrNoRef)
}
