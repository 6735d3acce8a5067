// Package orchestrator ties the services into autonomous execution.
//
// StartSession parses a task-list document, creates a session, and
// feeds the tasks to the scheduler in document order with parents ahead
// of their subtasks. Each dispatched task runs through the execution
// engine; the document and the session record advance together as tasks
// finish. Top-level task completions are phase boundaries and trigger a
// checkpoint. The document stays authoritative throughout: external
// edits are picked up between dispatches and an externally completed
// task is skipped, not re-run.
package orchestrator
