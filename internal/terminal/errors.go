package terminal

import "errors"

var (
	// ErrProcessCreation indicates the PTY or child process could not be started.
	// No partially-initialized handle is ever returned alongside it.
	ErrProcessCreation = errors.New("process creation failed")

	// ErrProcessIO indicates a read/write/resize/signal against a handle whose
	// process has already exited or whose PTY has been released.
	ErrProcessIO = errors.New("process i/o on dead handle")
)
