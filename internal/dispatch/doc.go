// Package dispatch is the task state machine.
//
// A submitted task moves through
//
//	waiting -> blocked -> queued -> running -> success | failure
//	waiting | blocked | queued -> expired
//
// Lock acquisition happens inside Submit, so a rejected submission never
// creates a record. A task reaches queued only once it owns its lock (or
// has none) and its dependency has finished; only then is its id published
// to the worker queue chosen by the router.
//
// Completion always goes through finalize, which populates the result
// cache, runs the task's callback, releases the lock (promoting the next
// waiter), and releases dependents. Deadline expiry, lease loss, and
// cancellation take the same path.
//
// The maintenance sweeps (ExpireOverdue, ReapLeases, Reconcile, Recover)
// are driven by the scheduler package.
package dispatch
