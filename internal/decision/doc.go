// Package decision decides whether a task is already complete.
//
// The engine is stateless and read-only: it inspects evidence (expected
// artifacts on disk, an optional validation run, the document's
// completion marker), weighs it, and reports a confidence. Callers skip
// execution when the confidence clears the threshold.
package decision
