// internal/vcs/vcs.go
package vcs

import (
	"errors"
	"fmt"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

// ErrNoRef indicates the repository has no commits yet.
var ErrNoRef = errors.New("repository has no commits")

// Client is the version-control surface checkpoints depend on.
type Client interface {
	// Available reports whether version control can be used at all.
	Available() bool

	// IsClean reports whether the worktree has no uncommitted changes.
	IsClean() (bool, error)

	// Stage adds the given worktree-relative paths to the index.
	Stage(files []string) error

	// Commit records staged changes and returns the new ref.
	Commit(message string) (string, error)

	// CurrentRef returns the hash HEAD resolves to.
	CurrentRef() (string, error)

	// RevertTo hard-resets the worktree to the given ref.
	RevertTo(ref string) error
}

// GitClient implements Client over a local git repository.
type GitClient struct {
	repo *git.Repository
}

// Open tries to open the repository at path. ok is false when the path
// is not inside a repository; that is not an error.
func Open(path string) (*GitClient, bool, error) {
	repo, err := git.PlainOpenWithOptions(path, &git.PlainOpenOptions{
		DetectDotGit: true,
	})
	if err != nil {
		if errors.Is(err, git.ErrRepositoryNotExists) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("opening repository at %s: %w", path, err)
	}
	return &GitClient{repo: repo}, true, nil
}

// Available reports whether the client is backed by a repository.
func (c *GitClient) Available() bool {
	return c != nil && c.repo != nil
}

// IsClean reports whether the worktree has no uncommitted changes.
func (c *GitClient) IsClean() (bool, error) {
	wt, err := c.repo.Worktree()
	if err != nil {
		return false, fmt.Errorf("opening worktree: %w", err)
	}
	status, err := wt.Status()
	if err != nil {
		return false, fmt.Errorf("reading worktree status: %w", err)
	}
	return status.IsClean(), nil
}

// Stage adds the given worktree-relative paths to the index.
func (c *GitClient) Stage(files []string) error {
	wt, err := c.repo.Worktree()
	if err != nil {
		return fmt.Errorf("opening worktree: %w", err)
	}
	for _, f := range files {
		if _, err := wt.Add(f); err != nil {
			return fmt.Errorf("staging %s: %w", f, err)
		}
	}
	return nil
}

// Commit records staged changes under the taskd author and returns the
// new commit hash.
func (c *GitClient) Commit(message string) (string, error) {
	wt, err := c.repo.Worktree()
	if err != nil {
		return "", fmt.Errorf("opening worktree: %w", err)
	}
	hash, err := wt.Commit(message, &git.CommitOptions{
		Author: &object.Signature{
			Name:  "taskd",
			Email: "taskd@localhost",
			When:  time.Now(),
		},
		AllowEmptyCommits: true,
	})
	if err != nil {
		return "", fmt.Errorf("committing: %w", err)
	}
	return hash.String(), nil
}

// CurrentRef returns the hash HEAD resolves to.
func (c *GitClient) CurrentRef() (string, error) {
	hash, err := c.repo.ResolveRevision(plumbing.Revision("HEAD"))
	if err != nil {
		if errors.Is(err, plumbing.ErrReferenceNotFound) {
			return "", ErrNoRef
		}
		return "", fmt.Errorf("resolving HEAD: %w", err)
	}
	return hash.String(), nil
}

// RevertTo hard-resets the worktree to the given ref.
func (c *GitClient) RevertTo(ref string) error {
	hash, err := c.repo.ResolveRevision(plumbing.Revision(ref))
	if err != nil {
		return fmt.Errorf("resolving ref %s: %w", ref, err)
	}
	wt, err := c.repo.Worktree()
	if err != nil {
		return fmt.Errorf("opening worktree: %w", err)
	}
	if err := wt.Reset(&git.ResetOptions{
		Commit: *hash,
		Mode:   git.HardReset,
	}); err != nil {
		return fmt.Errorf("resetting to %s: %w", ref, err)
	}
	return nil
}
