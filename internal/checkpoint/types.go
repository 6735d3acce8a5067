// internal/checkpoint/types.go
package checkpoint

import "time"

// FileSnapshot is one captured file. Content is stored inline; Hash is
// the hex sha256 of Content.
type FileSnapshot struct {
	Path    string `json:"path"`
	Hash    string `json:"hash"`
	Content []byte `json:"content"`
}

// Checkpoint is the persisted record of one capture.
type Checkpoint struct {
	ID            string         `json:"id"`
	SessionID     string         `json:"session_id"`
	Phase         int            `json:"phase"`
	PhaseBoundary bool           `json:"phase_boundary"`
	VCSRef        string         `json:"vcs_ref,omitempty"`
	Files         []FileSnapshot `json:"files"`
	CreatedAt     time.Time      `json:"created_at"`
}

// CreateRequest asks for a new checkpoint.
type CreateRequest struct {
	SessionID     string
	Phase         int
	PhaseBoundary bool

	// Files are workspace-relative paths to snapshot.
	Files []string
}

// RestoreResult reports what a restore actually did.
type RestoreResult struct {
	CheckpointID  string   `json:"checkpoint_id"`
	ViaVCS        bool     `json:"via_vcs"`
	FilesRestored int      `json:"files_restored"`
	Skipped       []string `json:"skipped,omitempty"`
}
