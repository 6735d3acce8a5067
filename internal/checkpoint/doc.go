// Package checkpoint captures and restores workspace state.
//
// A checkpoint is a set of file snapshots (path, content hash, inline
// content) plus, when the workspace is a repository, a version-control
// ref. Restore prefers the VCS ref and falls back to rewriting the
// snapshots file by file; a missing or failing file is reported, never
// fatal. Compaction keeps every phase-boundary checkpoint plus a
// configurable number of recent ones.
package checkpoint
