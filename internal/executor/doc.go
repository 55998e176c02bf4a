// Package executor runs each command in a fresh worker process.
//
// The toolchain engine keeps process-global state and cannot be re-entered,
// so the parent never runs commands itself. For every command it re-executes
// the snapline binary as a worker, hands it the request on stdin and waits for
// exactly one result on descriptor 3.
//
// Key features:
//   - Spawn-per-command worker processes, bounded by a weighted semaphore
//   - CBOR request on stdin, single CBOR result on fd 3
//   - Timeout enforcement with SIGTERM → 5s grace → SIGKILL
//   - Stderr capture (capped at 64KB) saved as worker.log in the workspace
//   - Prometheus counters for outcomes, durations and in-flight workers
//
// Failure handling:
//   - Worker reports a failed command → result passed through unchanged
//   - Worker exits without a result → executor_crash, "unknown error"
//   - Timeout or cancellation → worker killed, timeout or canceled result
//   - Whenever the worker left no audit entry, the executor writes one
//
// There are no retries. A failed workspace stays on disk and its parent
// remains usable.
package executor
