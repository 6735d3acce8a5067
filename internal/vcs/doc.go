// Package vcs is the version-control collaborator for checkpoints.
//
// Version control is a capability, not a requirement: Open reports
// whether the workspace is a repository, and callers that find no
// repository simply skip the VCS path. The Client interface keeps the
// checkpoint manager testable without touching a real repository.
package vcs
