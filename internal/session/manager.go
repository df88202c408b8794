package session

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/agentterm/backend/internal/infrastructure/logging"
	"github.com/agentterm/backend/internal/sanitize"
	"github.com/agentterm/backend/internal/shared/id"
	"github.com/agentterm/backend/internal/terminal"
)

// Defaults for manager options.
const (
	DefaultSessionsPerTask = 5
	DefaultReadTimeout     = 100 * time.Millisecond
	DefaultQuietPeriod     = 2 * time.Second
	DefaultBufferBytes     = 1024 * 1024
)

// ProcessRegistry tracks which OS process IDs belong to which session so
// orphans can be reaped on cleanup. The audit package provides the real
// implementation; the default is a no-op.
type ProcessRegistry interface {
	Register(sessionID string, pid int)
	Release(sessionID string)
}

type nopRegistry struct{}

func (nopRegistry) Register(string, int) {}
func (nopRegistry) Release(string)       {}

// Options tune the manager.
type Options struct {
	SessionsPerTask int
	ReadTimeout     time.Duration
	QuietPeriod     time.Duration
	BufferBytes     int
	DefaultCols     int
	DefaultRows     int
	Registry        ProcessRegistry
}

func (o *Options) fill() {
	if o.SessionsPerTask <= 0 {
		o.SessionsPerTask = DefaultSessionsPerTask
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = DefaultReadTimeout
	}
	if o.QuietPeriod <= 0 {
		o.QuietPeriod = DefaultQuietPeriod
	}
	if o.BufferBytes <= 0 {
		o.BufferBytes = DefaultBufferBytes
	}
	if o.DefaultCols <= 0 {
		o.DefaultCols = 80
	}
	if o.DefaultRows <= 0 {
		o.DefaultRows = 24
	}
	if o.Registry == nil {
		o.Registry = nopRegistry{}
	}
}

// Manager owns all sessions. Its table is the single source of truth for
// session existence; concurrent create/terminate on the same id serialize
// on the table lock.
type Manager struct {
	mu       sync.RWMutex
	sessions map[id.SessionID]*Session

	terminals *terminal.Manager
	opts      Options
	logger    *logging.Logger
}

// NewManager creates a session manager on top of a terminal process manager.
func NewManager(terminals *terminal.Manager, opts Options, logger *logging.Logger) *Manager {
	opts.fill()
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Manager{
		sessions:  make(map[id.SessionID]*Session),
		terminals: terminals,
		opts:      opts,
		logger:    logger,
	}
}

// Create validates the config, spawns the terminal process, and starts the
// reader loop. On any failure no session is left behind. sink may be nil.
func (m *Manager) Create(ctx context.Context, cfg Config, sink Sink) (id.SessionID, error) {
	root, err := sanitize.ValidateProjectRoot(cfg.ProjectRoot)
	if err != nil {
		return "", err
	}
	cfg.ProjectRoot = root

	if len(cfg.Command) == 0 {
		return "", fmt.Errorf("%w: session command is empty", sanitize.ErrValidation)
	}
	if cfg.SessionID == "" {
		cfg.SessionID = id.NewSessionID()
	}
	if cfg.CreatedAt.IsZero() {
		cfg.CreatedAt = time.Now()
	}
	if sink == nil {
		sink = NopSink{}
	}
	if cfg.Cols <= 0 {
		cfg.Cols = m.opts.DefaultCols
	}
	if cfg.Rows <= 0 {
		cfg.Rows = m.opts.DefaultRows
	}

	// Reserve the table slot before spawning so concurrent creates for the
	// same task cannot both pass the ceiling check.
	s := &Session{
		config:     cfg,
		state:      StateInitializing,
		buffer:     NewBuffer(m.opts.BufferBytes),
		sink:       sink,
		readerDone: make(chan struct{}),
	}

	m.mu.Lock()
	if _, exists := m.sessions[cfg.SessionID]; exists {
		m.mu.Unlock()
		return "", fmt.Errorf("session %s already exists", cfg.SessionID)
	}
	if cfg.TaskID != "" {
		active := 0
		for _, other := range m.sessions {
			if other.config.TaskID == cfg.TaskID && !other.State().Terminal() {
				active++
			}
		}
		if active >= m.opts.SessionsPerTask {
			m.mu.Unlock()
			return "", fmt.Errorf("%w for task %s (limit %d)", ErrSessionLimit, cfg.TaskID, m.opts.SessionsPerTask)
		}
	}
	m.sessions[cfg.SessionID] = s
	m.mu.Unlock()

	proc, err := m.terminals.Create(cfg.Command, m.buildEnv(cfg), cfg.ProjectRoot, terminal.Size{
		Cols: cfg.Cols,
		Rows: cfg.Rows,
	})
	if err != nil {
		// No partial state: the failed slot is removed, not left FAILED.
		m.mu.Lock()
		if m.sessions[cfg.SessionID] == s {
			delete(m.sessions, cfg.SessionID)
		}
		m.mu.Unlock()
		return "", err
	}

	readerCtx, cancel := context.WithCancel(context.Background())

	// Commit under the table lock so a concurrent Terminate on the same id
	// either sees the finished session or has already stolen the slot.
	m.mu.Lock()
	if m.sessions[cfg.SessionID] != s {
		m.mu.Unlock()
		cancel()
		m.terminals.Cleanup(proc)
		return "", fmt.Errorf("%w: %s terminated during creation", ErrSessionNotFound, cfg.SessionID)
	}

	s.mu.Lock()
	s.proc = proc
	s.state = StateReady
	s.readerCancel = cancel
	s.mu.Unlock()

	m.opts.Registry.Register(cfg.SessionID.String(), proc.PID())
	go m.readLoop(readerCtx, s)
	m.mu.Unlock()

	m.logger.Info("session created",
		zap.String("session_id", cfg.SessionID.String()),
		zap.String("task_id", cfg.TaskID.String()),
		zap.Int("pid", proc.PID()),
		zap.String("project_root", cfg.ProjectRoot))

	return cfg.SessionID, nil
}

// buildEnv merges config overrides onto the parent environment and runs the
// result through the environment sanitizer.
func (m *Manager) buildEnv(cfg Config) []string {
	raw := make(map[string]string)
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			raw[k] = v
		}
	}
	for k, v := range cfg.Env {
		raw[k] = v
	}

	env := sanitize.EnvironmentList(raw, cfg.ExtraAllowedEnv)
	env = append(env,
		"TERM=xterm-256color",
		sanitize.NamespacePrefix+"SESSION_ID="+cfg.SessionID.String(),
		sanitize.NamespacePrefix+"PROJECT_ROOT="+cfg.ProjectRoot,
	)
	if cfg.AuthToken != "" {
		env = append(env, sanitize.NamespacePrefix+"AUTH_TOKEN="+cfg.AuthToken)
	}
	return env
}

// readLoop drains process output into the session buffer until the process
// dies or the session is terminated. It is the only writer of the buffer and
// the only component that returns a RUNNING session to READY (after the
// output has been quiet for the configured period).
func (m *Manager) readLoop(ctx context.Context, s *Session) {
	defer close(s.readerDone)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		data, err := s.process().Read(m.opts.ReadTimeout)
		if err != nil {
			// Process is gone. A session whose process died underneath it
			// is failed, whatever it was doing.
			s.setState(StateFailed)
			m.logger.Warn("session process exited unexpectedly",
				zap.String("session_id", s.config.SessionID.String()))
			return
		}

		if len(data) > 0 {
			chunk := OutputChunk{
				Channel:   ChannelStdout,
				Content:   data,
				Timestamp: time.Now(),
			}
			s.buffer.Append(chunk)
			s.sink.OnOutput(chunk)

			s.mu.Lock()
			s.lastOutput = chunk.Timestamp
			s.mu.Unlock()
			continue
		}

		// Quiet iteration: a RUNNING session returns to READY once output
		// has settled.
		s.mu.Lock()
		if s.state == StateRunning && !s.lastOutput.IsZero() && time.Since(s.lastOutput) >= m.opts.QuietPeriod {
			s.state = StateReady
		}
		s.mu.Unlock()
	}
}

func (m *Manager) lookup(sid id.SessionID) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sid]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sid)
	}
	return s, nil
}

// liveProcess resolves a session to its process handle. Sessions still
// INITIALIZING have no handle yet and report not-ready rather than
// dereferencing nil.
func (m *Manager) liveProcess(sid id.SessionID) (*terminal.Process, error) {
	s, err := m.lookup(sid)
	if err != nil {
		return nil, err
	}
	proc := s.process()
	if proc == nil {
		return nil, fmt.Errorf("%w: %s is still initializing", ErrSessionNotReady, sid)
	}
	return proc, nil
}

// SendCommand writes one command line to the session terminal and moves the
// session to RUNNING. Exactly one command may be in flight; a submission
// while RUNNING is rejected, not queued.
func (m *Manager) SendCommand(sid id.SessionID, text string) error {
	s, err := m.lookup(sid)
	if err != nil {
		return err
	}

	s.mu.Lock()
	switch s.state {
	case StateRunning:
		s.mu.Unlock()
		return fmt.Errorf("%w: %s has a command in flight", ErrSessionBusy, sid)
	case StateReady:
	default:
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: %s is %s", ErrSessionNotReady, sid, state)
	}
	s.state = StateRunning
	s.lastOutput = time.Now()
	proc := s.proc
	s.mu.Unlock()

	if err := proc.Write([]byte(text + "\n")); err != nil {
		// The session may still be usable for a fresh command if the
		// process is actually alive.
		if proc.Alive() {
			s.setState(StateReady)
		} else {
			s.setState(StateFailed)
		}
		return err
	}
	return nil
}

// Drain returns and clears the session's buffered output chunks.
func (m *Manager) Drain(sid id.SessionID) ([]OutputChunk, error) {
	s, err := m.lookup(sid)
	if err != nil {
		return nil, err
	}
	return s.buffer.Drain(), nil
}

// State returns the session's lifecycle state.
func (m *Manager) State(sid id.SessionID) (State, error) {
	s, err := m.lookup(sid)
	if err != nil {
		return "", err
	}
	return s.State(), nil
}

// Get returns the public view of a session.
func (m *Manager) Get(sid id.SessionID) (Summary, error) {
	s, err := m.lookup(sid)
	if err != nil {
		return Summary{}, err
	}
	return s.summary(), nil
}

// Config returns the immutable creation parameters of a session.
func (m *Manager) Config(sid id.SessionID) (Config, error) {
	s, err := m.lookup(sid)
	if err != nil {
		return Config{}, err
	}
	return s.config, nil
}

// ExitCode returns the process exit code once the process has exited.
func (m *Manager) ExitCode(sid id.SessionID) (int, bool) {
	s, err := m.lookup(sid)
	if err != nil {
		return 0, false
	}
	if proc := s.process(); proc != nil {
		return proc.ExitCode()
	}
	return 0, false
}

// Resize changes the session terminal dimensions.
func (m *Manager) Resize(sid id.SessionID, cols, rows int) error {
	proc, err := m.liveProcess(sid)
	if err != nil {
		return err
	}
	return proc.Resize(cols, rows)
}

// Signal delivers a signal to the session's process.
func (m *Manager) Signal(sid id.SessionID, sig unix.Signal) error {
	proc, err := m.liveProcess(sid)
	if err != nil {
		return err
	}
	return proc.Signal(sig)
}

// Interrupt delivers SIGINT without destroying the session. The session
// returns to READY; the process keeps running.
func (m *Manager) Interrupt(sid id.SessionID) error {
	s, err := m.lookup(sid)
	if err != nil {
		return err
	}
	proc := s.process()
	if proc == nil {
		return fmt.Errorf("%w: %s is still initializing", ErrSessionNotReady, sid)
	}

	if err := proc.Signal(unix.SIGINT); err != nil {
		return err
	}

	s.mu.Lock()
	if s.state == StateRunning {
		s.state = StateReady
	}
	s.mu.Unlock()
	return nil
}

// Terminate stops the reader loop, cleans up the process, and removes the
// session from the table. All further operations on the id fail with
// ErrSessionNotFound.
func (m *Manager) Terminate(sid id.SessionID, force bool) error {
	m.mu.Lock()
	s, ok := m.sessions[sid]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sid)
	}
	delete(m.sessions, sid)
	m.mu.Unlock()

	if s.readerCancel != nil {
		s.readerCancel()
		<-s.readerDone
	}

	if proc := s.process(); proc != nil {
		if force && proc.Alive() {
			proc.Signal(unix.SIGKILL)
		}
		m.terminals.Cleanup(proc)
	}

	s.mu.Lock()
	s.state = StateTerminated
	s.mu.Unlock()

	m.opts.Registry.Release(sid.String())

	m.logger.Info("session terminated",
		zap.String("session_id", sid.String()),
		zap.Bool("force", force))
	return nil
}

// List returns summaries of all live sessions.
func (m *Manager) List() []Summary {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Summary, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.summary())
	}
	return out
}

// Shutdown terminates every session. Used on engine shutdown.
func (m *Manager) Shutdown() {
	for _, sum := range m.List() {
		m.Terminate(sum.ID, true)
	}
}
