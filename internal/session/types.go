package session

import (
	"context"
	"sync"
	"time"

	"github.com/agentterm/backend/internal/shared/id"
	"github.com/agentterm/backend/internal/terminal"
)

// State is the session lifecycle state.
//
// Transitions: INITIALIZING → READY → RUNNING → READY (loop) → TERMINATED,
// with FAILED reachable from INITIALIZING or RUNNING. TERMINATED and FAILED
// are terminal.
type State string

const (
	StateInitializing State = "initializing"
	StateReady        State = "ready"
	StateRunning      State = "running"
	StateTerminated   State = "terminated"
	StateFailed       State = "failed"
)

// Terminal reports whether no transition is defined out of the state.
func (s State) Terminal() bool {
	return s == StateTerminated || s == StateFailed
}

// Channel tags which stream an output chunk came from. A PTY merges the
// child's stdout and stderr into one stream, so PTY-sourced chunks are
// tagged stdout; the constant for stderr exists for non-PTY sinks.
type Channel string

const (
	ChannelStdout Channel = "stdout"
	ChannelStderr Channel = "stderr"
)

// OutputChunk is one tagged unit of process output. Chunks are appended,
// never mutated.
type OutputChunk struct {
	Channel   Channel   `json:"channel"`
	Content   []byte    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Config holds the immutable creation parameters of a session.
type Config struct {
	SessionID       id.SessionID
	TaskID          id.TaskID
	ProjectRoot     string
	Command         []string // argv of the CLI tool to drive
	Env             map[string]string
	ExtraAllowedEnv []string
	Timeout         time.Duration // default command timeout for this session
	Cols            int
	Rows            int
	AuthToken       string
	Metadata        map[string]string
	CreatedAt       time.Time
}

// Summary is the public, copyable view of a session.
type Summary struct {
	ID          id.SessionID `json:"id"`
	TaskID      id.TaskID    `json:"task_id"`
	State       State        `json:"state"`
	ProjectRoot string       `json:"project_root"`
	PID         int          `json:"pid,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
}

// Session is the mutable runtime entity backing one logical conversation.
// Owned exclusively by the Manager; other components hold only its id.
type Session struct {
	config Config

	mu    sync.RWMutex
	state State
	proc  *terminal.Process

	buffer *Buffer
	sink   Sink

	// lastOutput is updated by the reader loop and drives the quiet-period
	// detection that returns a RUNNING session to READY.
	lastOutput time.Time

	readerCancel context.CancelFunc
	readerDone   chan struct{}
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// setState transitions the state machine. Terminal states are sticky.
func (s *Session) setState(next State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Terminal() {
		return
	}
	s.state = next
}

func (s *Session) process() *terminal.Process {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.proc
}

func (s *Session) summary() Summary {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sum := Summary{
		ID:          s.config.SessionID,
		TaskID:      s.config.TaskID,
		State:       s.state,
		ProjectRoot: s.config.ProjectRoot,
		CreatedAt:   s.config.CreatedAt,
	}
	if s.proc != nil {
		sum.PID = s.proc.PID()
	}
	return sum
}
