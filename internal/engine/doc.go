// Package engine runs one task through the adaptive reflection loop.
//
// Each task gets a bounded number of plan-execute-evaluate iterations.
// Infrastructure trouble (transient failures) is retried in place with
// backoff and does not spend an iteration; a wrong approach (strategic
// failure) spends one and the next plan carries the accumulated failure
// context. A task that keeps failing the same way, or that runs out of
// iterations, is escalated: execution continues and a human picks the
// task up later. Escalation is therefore a success outcome, not an
// error.
package engine
