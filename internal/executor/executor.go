package executor

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sys/unix"
	"golang.org/x/time/rate"

	"github.com/agentterm/backend/internal/audit"
	"github.com/agentterm/backend/internal/infrastructure/config"
	"github.com/agentterm/backend/internal/infrastructure/logging"
	"github.com/agentterm/backend/internal/infrastructure/monitoring"
	"github.com/agentterm/backend/internal/sanitize"
	"github.com/agentterm/backend/internal/session"
	"github.com/agentterm/backend/internal/shared/id"
)

// SessionBackend is the slice of the session manager the executor needs.
// *session.Manager implements it; tests substitute a spy to prove blocked
// commands never reach the process layer.
type SessionBackend interface {
	Create(ctx context.Context, cfg session.Config, sink session.Sink) (id.SessionID, error)
	SendCommand(sid id.SessionID, text string) error
	Drain(sid id.SessionID) ([]session.OutputChunk, error)
	State(sid id.SessionID) (session.State, error)
	Config(sid id.SessionID) (session.Config, error)
	ExitCode(sid id.SessionID) (int, bool)
	Signal(sid id.SessionID, sig unix.Signal) error
	Interrupt(sid id.SessionID) error
	Terminate(sid id.SessionID, force bool) error
	List() []session.Summary
	Shutdown()
}

// Options configure the executor.
type Options struct {
	Executor  config.ExecutorConfig
	RateLimit config.RateLimitConfig

	// SessionCommand is the argv of the CLI tool a new session drives.
	SessionCommand []string

	// ExtraAllowedEnv names environment keys every session may pass through,
	// on top of per-session allowances.
	ExtraAllowedEnv []string
}

// Executor is the secure execution façade.
type Executor struct {
	backend   SessionBackend
	sanitizer *sanitize.Sanitizer
	auditLog  *audit.Log
	isolator  *audit.Isolator
	metrics   *monitoring.Metrics
	logger    *logging.Logger
	opts      Options

	sem *semaphore.Weighted

	mu       sync.Mutex
	limiters map[id.SessionID]*rate.Limiter
	commands map[id.CommandID]*track
	finished []id.CommandID
}

// New creates an executor. metrics may be nil.
func New(backend SessionBackend, sanitizer *sanitize.Sanitizer, auditLog *audit.Log, isolator *audit.Isolator, metrics *monitoring.Metrics, logger *logging.Logger, opts Options) *Executor {
	if logger == nil {
		logger = logging.NewNop()
	}
	if opts.Executor.MaxConcurrentCommands <= 0 {
		opts.Executor.MaxConcurrentCommands = 5
	}
	if opts.Executor.DefaultTimeout <= 0 {
		opts.Executor.DefaultTimeout = 300 * time.Second
	}
	if opts.Executor.MaxOutputSize <= 0 {
		opts.Executor.MaxOutputSize = 10 * 1024 * 1024
	}
	if opts.Executor.PollInterval <= 0 {
		opts.Executor.PollInterval = 100 * time.Millisecond
	}
	if opts.Executor.ResultRetention <= 0 {
		opts.Executor.ResultRetention = 512
	}
	if len(opts.SessionCommand) == 0 {
		opts.SessionCommand = []string{"claude"}
	}

	return &Executor{
		backend:   backend,
		sanitizer: sanitizer,
		auditLog:  auditLog,
		isolator:  isolator,
		metrics:   metrics,
		logger:    logger,
		opts:      opts,
		sem:       semaphore.NewWeighted(opts.Executor.MaxConcurrentCommands),
		limiters:  make(map[id.SessionID]*rate.Limiter),
		commands:  make(map[id.CommandID]*track),
	}
}

// SessionOptions are caller-supplied session creation parameters.
type SessionOptions struct {
	Command         []string
	Env             map[string]string
	ExtraAllowedEnv []string
	Timeout         time.Duration
	Cols            int
	Rows            int
	AuthToken       string
	Metadata        map[string]string
	Sink            session.Sink
}

// CreateSession validates the project path, spawns the session process, and
// records the creation in the audit trail.
func (e *Executor) CreateSession(ctx context.Context, taskID, projectPath string, opts SessionOptions) (id.SessionID, error) {
	command := opts.Command
	if len(command) == 0 {
		command = e.opts.SessionCommand
	}

	allowedEnv := opts.ExtraAllowedEnv
	if len(e.opts.ExtraAllowedEnv) > 0 {
		allowedEnv = append(append([]string{}, e.opts.ExtraAllowedEnv...), opts.ExtraAllowedEnv...)
	}

	cfg := session.Config{
		TaskID:          id.TaskID(taskID),
		ProjectRoot:     projectPath,
		Command:         command,
		Env:             opts.Env,
		ExtraAllowedEnv: allowedEnv,
		Timeout:         opts.Timeout,
		Cols:            opts.Cols,
		Rows:            opts.Rows,
		AuthToken:       opts.AuthToken,
		Metadata:        opts.Metadata,
	}

	sid, err := e.backend.Create(ctx, cfg, opts.Sink)
	if err != nil {
		if e.metrics != nil {
			e.metrics.SessionsFailed.Inc()
		}
		return "", err
	}

	if e.metrics != nil {
		e.metrics.SessionsCreated.Inc()
		e.metrics.SessionsActive.Inc()
	}
	e.auditLog.Append(audit.ActionSessionCreated, sid.String(), map[string]string{
		"task_id":      taskID,
		"project_root": projectPath,
	})

	return sid, nil
}

// Execute submits a command to a session and returns a stream of result
// snapshots. The stream always ends with a finalized result (COMPLETED or
// FAILED) and is then closed; callers must drain it.
func (e *Executor) Execute(ctx context.Context, command, sessionID string, timeout time.Duration) <-chan CommandResult {
	out := make(chan CommandResult, 16)

	t := &track{
		result: CommandResult{
			CommandID: id.NewCommandID(),
			SessionID: id.SessionID(sessionID),
			Command:   command,
			Status:    StatusRunning,
			StartedAt: time.Now(),
		},
	}

	e.mu.Lock()
	e.commands[t.result.CommandID] = t
	e.mu.Unlock()

	go e.run(ctx, t, command, timeout, out)
	return out
}

func (e *Executor) run(ctx context.Context, t *track, command string, timeout time.Duration, out chan<- CommandResult) {
	defer close(out)

	sid := t.result.SessionID

	// Initial snapshot so the caller learns the command id before any
	// output arrives (Cancel needs it).
	t.mu.Lock()
	initial := t.snapshot()
	t.mu.Unlock()
	out <- initial

	// (a) Session lookup. A missing session is an immediate FAILED result;
	// no audit entry beyond the lookup failure.
	sessCfg, err := e.backend.Config(sid)
	if err != nil {
		e.finalize(t, out, StatusFailed, fmt.Sprintf("session not found: %s", sid), nil)
		return
	}

	// (b) Sanitization. A rejected command never touches the process layer.
	normalized, err := e.sanitizer.Sanitize(command)
	if err != nil {
		e.auditLog.Append(audit.ActionCommandBlocked, sid.String(), map[string]string{
			"command_id": t.result.CommandID.String(),
			"reason":     err.Error(),
		})
		if e.metrics != nil {
			e.metrics.RecordBlocked(blockReason(err))
		}
		e.finalize(t, out, StatusFailed, err.Error(), nil)
		return
	}

	t.mu.Lock()
	t.result.Command = normalized
	t.mu.Unlock()

	// (c) Process-wide concurrency bound. Acquisition may suspend the
	// caller; release is guaranteed on every exit path.
	if err := e.sem.Acquire(ctx, 1); err != nil {
		e.finalize(t, out, StatusFailed, "execution cancelled while waiting for a slot", nil)
		return
	}
	defer e.sem.Release(1)

	if e.opts.RateLimit.Enabled {
		if err := e.limiter(sid).Wait(ctx); err != nil {
			e.finalize(t, out, StatusFailed, "execution cancelled while rate limited", nil)
			return
		}
	}

	// A command cancelled while queued for a slot must not reach the
	// terminal at all.
	if t.isCancelled() {
		e.finalize(t, out, StatusFailed, "command cancelled", nil)
		return
	}

	// (d) Delegate and stream.
	if err := e.backend.SendCommand(sid, normalized); err != nil {
		e.finalize(t, out, StatusFailed, err.Error(), nil)
		return
	}

	effTimeout := e.effectiveTimeout(timeout, sessCfg.Timeout)
	deadline := time.Now().Add(effTimeout)
	e.stream(ctx, t, out, sid, deadline, effTimeout)
}

// stream polls the session buffer, yields snapshots, and enforces the output
// size and wall-clock bounds.
func (e *Executor) stream(ctx context.Context, t *track, out chan<- CommandResult, sid id.SessionID, deadline time.Time, effTimeout time.Duration) {
	var totalBytes int64
	seenNeedles := make(map[string]bool)

	for {
		if t.isCancelled() {
			e.finalize(t, out, StatusFailed, "command cancelled", nil)
			return
		}

		chunks, err := e.backend.Drain(sid)
		if err != nil {
			// Session terminated underneath the stream.
			e.finalize(t, out, StatusFailed, fmt.Sprintf("session not found: %s", sid), nil)
			return
		}

		if len(chunks) > 0 {
			t.mu.Lock()
			t.result.Chunks = append(t.result.Chunks, chunks...)
			snap := t.snapshot()
			t.mu.Unlock()

			for _, c := range chunks {
				totalBytes += int64(len(c.Content))
				e.auditSuspicious(sid, t.result.CommandID, c.Content, seenNeedles)
			}
			if e.metrics != nil {
				e.metrics.OutputBytes.Add(float64(snapBytes(chunks)))
			}

			out <- snap
		}

		// The overflow path stops streaming but does not kill the process;
		// callers needing a dead process must follow up with Cancel.
		if totalBytes > e.opts.Executor.MaxOutputSize {
			if e.metrics != nil {
				e.metrics.OutputOverflows.Inc()
			}
			e.finalize(t, out, StatusFailed, "output size limit exceeded", nil)
			return
		}

		state, err := e.backend.State(sid)
		if err != nil {
			e.finalize(t, out, StatusFailed, fmt.Sprintf("session not found: %s", sid), nil)
			return
		}

		switch state {
		case session.StateReady:
			var exitCode *int
			if code, ok := e.backend.ExitCode(sid); ok {
				exitCode = &code
			}
			e.finalize(t, out, StatusCompleted, "", exitCode)
			return
		case session.StateFailed, session.StateTerminated:
			var exitCode *int
			if code, ok := e.backend.ExitCode(sid); ok {
				exitCode = &code
			}
			e.finalize(t, out, StatusFailed, "session process exited", exitCode)
			return
		}

		if time.Now().After(deadline) {
			e.finalize(t, out, StatusFailed, fmt.Sprintf("command timed out after %d seconds", int(effTimeout.Seconds())), nil)
			return
		}

		select {
		case <-ctx.Done():
			e.finalize(t, out, StatusFailed, "execution context cancelled", nil)
			return
		case <-time.After(e.opts.Executor.PollInterval):
		}
	}
}

// finalize closes out a command exactly once and yields the final snapshot.
// The retained track keeps only metadata: the chunk payload travels on the
// stream and is dropped from the executor's bookkeeping here.
func (e *Executor) finalize(t *track, out chan<- CommandResult, status Status, errMsg string, exitCode *int) {
	t.mu.Lock()
	if t.finalized {
		t.mu.Unlock()
		return
	}
	t.finalized = true
	now := time.Now()
	t.result.Status = status
	t.result.Error = errMsg
	t.result.CompletedAt = &now
	t.result.ExitCode = exitCode
	snap := t.snapshot()
	t.result.Chunks = nil
	t.mu.Unlock()

	e.retire(snap.CommandID)

	duration := now.Sub(snap.StartedAt)
	if e.metrics != nil {
		e.metrics.RecordCommand(string(status), duration)
	}

	if status == StatusCompleted {
		e.auditLog.Append(audit.ActionCommandExecuted, snap.SessionID.String(), map[string]string{
			"command_id":  snap.CommandID.String(),
			"command":     snap.Command,
			"duration_ms": strconv.FormatInt(duration.Milliseconds(), 10),
		})
	}

	e.logger.Debug("command finalized",
		zap.String("command_id", snap.CommandID.String()),
		zap.String("session_id", snap.SessionID.String()),
		zap.String("status", string(status)),
		zap.String("error", errMsg))

	out <- snap
}

// auditSuspicious records needle hits once per needle per command.
func (e *Executor) auditSuspicious(sid id.SessionID, cmdID id.CommandID, content []byte, seen map[string]bool) {
	for _, needle := range scanSuspicious(content) {
		if seen[needle] {
			continue
		}
		seen[needle] = true
		e.auditLog.Append(audit.ActionSuspiciousOutput, sid.String(), map[string]string{
			"command_id": cmdID.String(),
			"needle":     needle,
		})
	}
}

// Cancel sends a termination signal to the process behind an in-flight
// command and marks the result FAILED with a cancellation error. It returns
// false for unknown or already-finished commands and never alters a stored
// finalized result.
func (e *Executor) Cancel(commandID string) bool {
	e.mu.Lock()
	t := e.commands[id.CommandID(commandID)]
	e.mu.Unlock()
	if t == nil {
		return false
	}

	t.mu.Lock()
	if t.finalized || t.cancelled {
		t.mu.Unlock()
		return false
	}
	t.cancelled = true
	sid := t.result.SessionID
	t.mu.Unlock()

	// Best effort: the process may already be gone.
	e.backend.Signal(sid, unix.SIGTERM)

	e.auditLog.Append(audit.ActionCommandCancelled, sid.String(), map[string]string{
		"command_id": commandID,
	})
	return true
}

// retire queues a finalized command for eviction so the command table stays
// bounded on a long-lived engine.
func (e *Executor) retire(cmdID id.CommandID) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.finished = append(e.finished, cmdID)
	for len(e.finished) > e.opts.Executor.ResultRetention {
		delete(e.commands, e.finished[0])
		e.finished = e.finished[1:]
	}
}

// Result returns the current snapshot of a submitted command. Finalized
// results keep status, error, and exit code; their chunk payload is only
// delivered on the Execute stream.
func (e *Executor) Result(commandID string) (CommandResult, bool) {
	e.mu.Lock()
	t := e.commands[id.CommandID(commandID)]
	e.mu.Unlock()
	if t == nil {
		return CommandResult{}, false
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshot(), true
}

// Interrupt delivers SIGINT to a session without destroying it.
func (e *Executor) Interrupt(sessionID string) error {
	if err := e.backend.Interrupt(id.SessionID(sessionID)); err != nil {
		return err
	}
	e.auditLog.Append(audit.ActionSessionInterrupted, sessionID, nil)
	return nil
}

// DestroySession terminates a session and reaps any leftover processes.
// Returns false when the session does not exist.
func (e *Executor) DestroySession(sessionID string) bool {
	sid := id.SessionID(sessionID)
	if err := e.backend.Terminate(sid, true); err != nil {
		return false
	}

	if e.isolator != nil {
		e.isolator.KillAll(sessionID)
	}
	if e.metrics != nil {
		e.metrics.SessionsActive.Dec()
	}

	e.mu.Lock()
	delete(e.limiters, sid)
	e.mu.Unlock()

	e.auditLog.Append(audit.ActionSessionDestroyed, sessionID, nil)
	return true
}

// Sessions lists live sessions.
func (e *Executor) Sessions() []session.Summary {
	return e.backend.List()
}

// AuditLog returns audit entries, optionally filtered by session id,
// keeping the most recent limit entries when limit > 0.
func (e *Executor) AuditLog(sessionID string, limit int) []audit.Entry {
	return e.auditLog.Entries(sessionID, limit)
}

// Shutdown terminates every session.
func (e *Executor) Shutdown() {
	e.backend.Shutdown()
}

// limiter returns the per-session rate limiter, creating it on first use.
func (e *Executor) limiter(sid id.SessionID) *rate.Limiter {
	e.mu.Lock()
	defer e.mu.Unlock()

	lim, ok := e.limiters[sid]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(e.opts.RateLimit.RequestsPerSecond), e.opts.RateLimit.Burst)
		e.limiters[sid] = lim
	}
	return lim
}

// effectiveTimeout picks the caller's timeout, else the session default,
// else the global default.
func (e *Executor) effectiveTimeout(arg, sessionDefault time.Duration) time.Duration {
	if arg > 0 {
		return arg
	}
	if sessionDefault > 0 {
		return sessionDefault
	}
	return e.opts.Executor.DefaultTimeout
}

func snapBytes(chunks []session.OutputChunk) int {
	total := 0
	for _, c := range chunks {
		total += len(c.Content)
	}
	return total
}

// blockReason maps a sanitizer error onto a low-cardinality metrics label.
func blockReason(err error) string {
	if !errors.Is(err, sanitize.ErrValidation) {
		return "other"
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "dangerous pattern"):
		return "dangerous_pattern"
	case strings.Contains(msg, "unknown command"):
		return "unknown_command"
	case strings.Contains(msg, "sensitive path"):
		return "sensitive_path"
	case strings.Contains(msg, "empty"):
		return "empty"
	case strings.Contains(msg, "length"):
		return "too_long"
	default:
		return "validation"
	}
}
