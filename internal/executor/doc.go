// Package executor is the entry point used by the outer API: it creates
// sessions, submits sanitized commands, streams results under concurrency,
// size, and time bounds, and records the audit trail.
//
// Validation failures never reach the process layer. Process-layer failures
// are converted into FAILED command results at this boundary; callers always
// get a result object, never a raw fault.
package executor
