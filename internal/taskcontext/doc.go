// Package taskcontext accumulates per-task execution history.
//
// Every attempt a task makes is appended durably to a JSONL log, in
// timestamp order, before the caller proceeds. The manager derives two
// things from that log: repeated-failure patterns (the same error text
// on consecutive attempts) and a failure context that planners feed
// into the next attempt so it does not repeat a strategy that already
// failed.
package taskcontext
