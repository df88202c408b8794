package audit

import (
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/agentterm/backend/internal/infrastructure/logging"
)

// Isolator tracks which OS process IDs belong to which session so leftover
// processes can be reaped when a session is destroyed. It implements
// session.ProcessRegistry.
type Isolator struct {
	mu     sync.Mutex
	pids   map[string]map[int]struct{}
	logger *logging.Logger
}

// NewIsolator creates an isolator.
func NewIsolator(logger *logging.Logger) *Isolator {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Isolator{
		pids:   make(map[string]map[int]struct{}),
		logger: logger,
	}
}

// Register records that pid belongs to sessionID.
func (i *Isolator) Register(sessionID string, pid int) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.pids[sessionID] == nil {
		i.pids[sessionID] = make(map[int]struct{})
	}
	i.pids[sessionID][pid] = struct{}{}
}

// Release forgets all PIDs for a session without killing them.
func (i *Isolator) Release(sessionID string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	delete(i.pids, sessionID)
}

// PIDs returns the registered process IDs for a session.
func (i *Isolator) PIDs(sessionID string) []int {
	i.mu.Lock()
	defer i.mu.Unlock()

	out := make([]int, 0, len(i.pids[sessionID]))
	for pid := range i.pids[sessionID] {
		out = append(out, pid)
	}
	return out
}

// KillAll best-effort SIGKILLs every process registered to a session and
// forgets them. Errors are logged, not returned; the processes may already
// be gone.
func (i *Isolator) KillAll(sessionID string) {
	i.mu.Lock()
	pids := i.pids[sessionID]
	delete(i.pids, sessionID)
	i.mu.Unlock()

	for pid := range pids {
		if err := unix.Kill(pid, unix.SIGKILL); err != nil && err != unix.ESRCH {
			i.logger.Warn("failed to kill session process",
				zap.String("session_id", sessionID),
				zap.Int("pid", pid),
				zap.Error(err))
		}
	}
}
