// Package scheduler runs queued tasks on a bounded worker pool.
//
// Tasks dequeue in priority order, FIFO within a priority. A single
// admission goroutine owns dispatch; workers run one task each and
// hand control back on completion, so the pool is work-conserving and
// never exceeds its concurrency bound. Executor panics are contained:
// the task fails, the pool survives. Every dequeued task ends in
// exactly one terminal event.
package scheduler
