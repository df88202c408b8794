package executor

import (
	"sync"
	"time"

	"github.com/agentterm/backend/internal/session"
	"github.com/agentterm/backend/internal/shared/id"
)

// Status is the lifecycle state of one submitted command.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// CommandResult is the caller-visible record of one submitted command.
// Chunks are append-only until the result is finalized; CompletedAt is set
// exactly when the status becomes COMPLETED or FAILED.
type CommandResult struct {
	CommandID   id.CommandID          `json:"command_id"`
	SessionID   id.SessionID          `json:"session_id"`
	Command     string                `json:"command"`
	Status      Status                `json:"status"`
	Chunks      []session.OutputChunk `json:"chunks"`
	Error       string                `json:"error,omitempty"`
	StartedAt   time.Time             `json:"started_at"`
	CompletedAt *time.Time            `json:"completed_at,omitempty"`
	ExitCode    *int                  `json:"exit_code,omitempty"`
}

// track is the executor's internal bookkeeping for one command. The embedded
// result is mutated only under mu; snapshots yielded to callers are copies.
type track struct {
	mu        sync.Mutex
	result    CommandResult
	finalized bool
	cancelled bool
}

func (t *track) snapshot() CommandResult {
	snap := t.result
	snap.Chunks = make([]session.OutputChunk, len(t.result.Chunks))
	copy(snap.Chunks, t.result.Chunks)
	return snap
}

func (t *track) isCancelled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancelled
}
