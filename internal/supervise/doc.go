// Package supervise owns the set of running agent processes.
//
// Overview
// The Supervisor keeps a table of supervised processes keyed by job id.
// Callers start a process for a job, optionally subscribe to its output, and
// wait for completion. A background sweep inspects every process on a fixed
// interval and reports unhealthy ones as events; the Supervisor itself never
// decides what to do about them. Restart and stop are explicit operations
// driven by the policy layer.
//
// Data flow:
//
//	caller                  Supervisor              Process{jobID}
//	  |                         |                        |
//	  | StartProcess ---------->| spawn ---------------->| os/exec.Start
//	  |                         |                        | stdout/stderr line capture
//	  |                         |                        | (output pipeline, per-line callback)
//	  | WaitForCompletion ----->|----------------------->| cmd.Wait in goroutine
//	  |<----- CompletionResult -|<------- done ----------|
//	  |                         |                        |
//	  |                 health sweep (ticker)            |
//	  |<===== events (unhealthy / exit / restarted) =====|
//
// Invariants:
//   - At most one Process per job id at a time.
//   - A Process is removed from the table when stopped, when its restart
//     budget is exhausted, or when WaitForCompletion returns.
//   - Output buffers are mutated only under the per-process lock; lines stay
//     in OS delivery order within one stream.
//   - A health tick never blocks on a slow process.
//   - Termination is cooperative first: cancel, bounded wait, then the whole
//     process tree is killed so CLI sub-tools do not outlive their parent.
package supervise
