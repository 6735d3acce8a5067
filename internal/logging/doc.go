// Package logging provides structured, context-aware logging for taskd.
//
// Wraps Zap with methods that take a context.Context and automatically
// append correlation fields (trace id, session id, task id) to every
// entry. Output goes to stdout (JSON or console) and optionally to an
// OpenTelemetry log provider.
package logging
