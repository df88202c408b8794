package session

import "errors"

var (
	// ErrSessionNotFound indicates an operation against an unknown or
	// already-terminated session id.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionLimit indicates the per-task concurrent session ceiling
	// was reached before any process was spawned.
	ErrSessionLimit = errors.New("session limit exceeded")

	// ErrSessionBusy indicates a command was submitted while another is
	// in flight. Commands are rejected, not queued.
	ErrSessionBusy = errors.New("session is busy")

	// ErrSessionNotReady indicates the session is not in a state that
	// accepts commands.
	ErrSessionNotReady = errors.New("session is not ready")
)
