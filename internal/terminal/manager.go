package terminal

import (
	"fmt"
	"os/exec"
	"time"

	"github.com/creack/pty"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/agentterm/backend/internal/infrastructure/logging"
)

// DefaultGracePeriod is how long Cleanup waits between SIGTERM and SIGKILL.
const DefaultGracePeriod = 3 * time.Second

// Manager creates and tears down PTY-backed processes.
type Manager struct {
	grace  time.Duration
	logger *logging.Logger
}

// NewManager creates a process manager.
func NewManager(grace time.Duration, logger *logging.Logger) *Manager {
	if grace <= 0 {
		grace = DefaultGracePeriod
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Manager{grace: grace, logger: logger}
}

// Create spawns argv attached to a fresh PTY pair sized to size.
// env is the complete environment block for the child; workingDir must exist.
// On failure no handle is returned and nothing is left running.
func (m *Manager) Create(argv []string, env []string, workingDir string, size Size) (*Process, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("%w: empty argv", ErrProcessCreation)
	}
	if size.Cols <= 0 {
		size.Cols = 80
	}
	if size.Rows <= 0 {
		size.Rows = 24
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = workingDir
	cmd.Env = env

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{
		Rows: uint16(size.Rows),
		Cols: uint16(size.Cols),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProcessCreation, err)
	}

	p := &Process{
		cmd:       cmd,
		ptmx:      ptmx,
		startedAt: time.Now(),
		readCh:    make(chan []byte, 64),
		exited:    make(chan struct{}),
		released:  make(chan struct{}),
	}

	go p.pump()
	go p.monitor()

	m.logger.Debug("spawned pty process",
		zap.Int("pid", p.PID()),
		zap.String("command", argv[0]),
		zap.String("working_dir", workingDir))

	return p, nil
}

// Cleanup terminates a process gracefully and releases its PTY.
// SIGTERM first, then SIGKILL after the grace period. Idempotent: a second
// call on the same handle is a no-op.
func (m *Manager) Cleanup(p *Process) {
	if p == nil {
		return
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.released)
	p.mu.Unlock()

	if p.Alive() {
		if err := p.cmd.Process.Signal(unix.SIGTERM); err == nil {
			select {
			case <-p.exited:
			case <-time.After(m.grace):
			}
		}
		if p.Alive() {
			m.logger.Warn("force killing pty process", zap.Int("pid", p.PID()))
			p.cmd.Process.Kill()
		}
	}

	// Closing the master unblocks the pump goroutine.
	p.ptmx.Close()
}
