package terminal

import (
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/creack/pty"
	"golang.org/x/sys/unix"
)

// Size describes terminal dimensions in character cells.
type Size struct {
	Cols int
	Rows int
}

// Process is a handle to one PTY-backed child process.
type Process struct {
	cmd  *exec.Cmd
	ptmx *os.File

	startedAt time.Time

	// readCh carries chunks pumped off the PTY master. It is closed by the
	// pump goroutine once the master returns an error (child exit, fd close).
	readCh chan []byte

	// exited is closed by the monitor goroutine after cmd.Wait returns.
	exited chan struct{}

	// released is closed by Cleanup so the pump never blocks forever on a
	// channel nobody is draining anymore.
	released chan struct{}

	mu       sync.Mutex
	closed   bool
	exitCode int
	waited   bool
}

// PID returns the OS process ID of the child.
func (p *Process) PID() int {
	return p.cmd.Process.Pid
}

// StartedAt returns the time the child was spawned.
func (p *Process) StartedAt() time.Time {
	return p.startedAt
}

// Alive reports whether the child process is still running.
func (p *Process) Alive() bool {
	select {
	case <-p.exited:
		return false
	default:
		return true
	}
}

// ExitCode returns the child's exit code once it has exited.
func (p *Process) ExitCode() (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.waited {
		return 0, false
	}
	return p.exitCode, true
}

// Read returns output produced by the process, waiting up to timeout for data.
// It returns (nil, nil) when the timeout elapses with no data and no error,
// and ErrProcessIO once the PTY has been drained and the process is gone.
func (p *Process) Read(timeout time.Duration) ([]byte, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case data, ok := <-p.readCh:
		if !ok {
			return nil, fmt.Errorf("%w: pty closed", ErrProcessIO)
		}
		return data, nil
	case <-timer.C:
		return nil, nil
	}
}

// Write sends input bytes to the process terminal.
func (p *Process) Write(data []byte) error {
	if !p.Alive() {
		return fmt.Errorf("%w: process %d has exited", ErrProcessIO, p.PID())
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return fmt.Errorf("%w: pty released", ErrProcessIO)
	}

	if _, err := p.ptmx.Write(data); err != nil {
		return fmt.Errorf("%w: %v", ErrProcessIO, err)
	}
	return nil
}

// Resize changes the terminal dimensions.
func (p *Process) Resize(cols, rows int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return fmt.Errorf("%w: pty released", ErrProcessIO)
	}

	if err := pty.Setsize(p.ptmx, &pty.Winsize{
		Rows: uint16(rows),
		Cols: uint16(cols),
	}); err != nil {
		return fmt.Errorf("%w: resize: %v", ErrProcessIO, err)
	}
	return nil
}

// Signal delivers a signal to the child process.
func (p *Process) Signal(sig unix.Signal) error {
	if !p.Alive() {
		return fmt.Errorf("%w: process %d has exited", ErrProcessIO, p.PID())
	}
	if err := p.cmd.Process.Signal(sig); err != nil {
		return fmt.Errorf("%w: signal: %v", ErrProcessIO, err)
	}
	return nil
}

// pump continuously drains the PTY master into readCh.
func (p *Process) pump() {
	defer close(p.readCh)

	buf := make([]byte, 4096)
	for {
		n, err := p.ptmx.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			select {
			case p.readCh <- chunk:
			case <-p.released:
				return
			}
		}
		if err != nil {
			// EIO is the normal Linux signal that the slave side is gone.
			return
		}
	}
}

// monitor reaps the child and records its exit code.
func (p *Process) monitor() {
	err := p.cmd.Wait()

	p.mu.Lock()
	p.waited = true
	if err == nil {
		p.exitCode = 0
	} else if exitErr, ok := err.(*exec.ExitError); ok {
		p.exitCode = exitErr.ExitCode()
	} else {
		p.exitCode = -1
	}
	p.mu.Unlock()

	close(p.exited)
}
