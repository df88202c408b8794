// Package terminal manages pseudo-terminal backed child processes.
//
// Each Process owns a PTY master/slave pair with the child attached to the
// slave side. Reads are pumped through an internal goroutine so callers get
// timeout semantics without blocking on the master fd. Cleanup is graceful
// (SIGTERM, grace period, SIGKILL) and idempotent.
package terminal
