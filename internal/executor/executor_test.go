package executor

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/agentterm/backend/internal/audit"
	"github.com/agentterm/backend/internal/infrastructure/config"
	"github.com/agentterm/backend/internal/infrastructure/logging"
	"github.com/agentterm/backend/internal/sanitize"
	"github.com/agentterm/backend/internal/session"
	"github.com/agentterm/backend/internal/shared/id"
)

// fakeBackend is a scripted SessionBackend. It records every call that
// would touch the process layer so tests can prove blocked commands never
// get there.
type fakeBackend struct {
	mu         sync.Mutex
	configs    map[id.SessionID]session.Config
	states     map[id.SessionID]session.State
	queues     map[id.SessionID][]session.OutputChunk
	exits      map[id.SessionID]int
	sendCalls  []string
	signals    []unix.Signal
	interrupts int
	terminated []id.SessionID
	failCreate bool

	// onSend scripts what the session does after receiving a command.
	onSend func(sid id.SessionID)
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		configs: make(map[id.SessionID]session.Config),
		states:  make(map[id.SessionID]session.State),
		queues:  make(map[id.SessionID][]session.OutputChunk),
		exits:   make(map[id.SessionID]int),
	}
}

func (f *fakeBackend) addSession(cfg session.Config) id.SessionID {
	f.mu.Lock()
	defer f.mu.Unlock()
	sid := id.NewSessionID()
	f.configs[sid] = cfg
	f.states[sid] = session.StateReady
	return sid
}

func (f *fakeBackend) push(sid id.SessionID, content string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queues[sid] = append(f.queues[sid], session.OutputChunk{
		Channel:   session.ChannelStdout,
		Content:   []byte(content),
		Timestamp: time.Now(),
	})
}

func (f *fakeBackend) setState(sid id.SessionID, st session.State) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states[sid] = st
}

func (f *fakeBackend) setExit(sid id.SessionID, code int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.exits[sid] = code
}

func (f *fakeBackend) sendCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sendCalls)
}

func (f *fakeBackend) Create(_ context.Context, cfg session.Config, _ session.Sink) (id.SessionID, error) {
	if f.failCreate {
		return "", session.ErrSessionLimit
	}
	return f.addSession(cfg), nil
}

func (f *fakeBackend) SendCommand(sid id.SessionID, text string) error {
	f.mu.Lock()
	if _, ok := f.configs[sid]; !ok {
		f.mu.Unlock()
		return session.ErrSessionNotFound
	}
	f.sendCalls = append(f.sendCalls, text)
	f.states[sid] = session.StateRunning
	onSend := f.onSend
	f.mu.Unlock()

	if onSend != nil {
		onSend(sid)
	}
	return nil
}

func (f *fakeBackend) Drain(sid id.SessionID) ([]session.OutputChunk, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.configs[sid]; !ok {
		return nil, session.ErrSessionNotFound
	}
	out := f.queues[sid]
	f.queues[sid] = nil
	return out, nil
}

func (f *fakeBackend) State(sid id.SessionID) (session.State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.states[sid]
	if !ok {
		return "", session.ErrSessionNotFound
	}
	return st, nil
}

func (f *fakeBackend) Config(sid id.SessionID) (session.Config, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cfg, ok := f.configs[sid]
	if !ok {
		return session.Config{}, session.ErrSessionNotFound
	}
	return cfg, nil
}

func (f *fakeBackend) ExitCode(sid id.SessionID) (int, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	code, ok := f.exits[sid]
	return code, ok
}

func (f *fakeBackend) Signal(sid id.SessionID, sig unix.Signal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.signals = append(f.signals, sig)
	return nil
}

func (f *fakeBackend) Interrupt(sid id.SessionID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.configs[sid]; !ok {
		return session.ErrSessionNotFound
	}
	f.interrupts++
	return nil
}

func (f *fakeBackend) Terminate(sid id.SessionID, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.configs[sid]; !ok {
		return session.ErrSessionNotFound
	}
	delete(f.configs, sid)
	f.terminated = append(f.terminated, sid)
	return nil
}

func (f *fakeBackend) List() []session.Summary {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]session.Summary, 0, len(f.configs))
	for sid := range f.configs {
		out = append(out, session.Summary{ID: sid, State: f.states[sid]})
	}
	return out
}

func (f *fakeBackend) Shutdown() {}

func newTestExecutor(t *testing.T, backend SessionBackend, ecfg config.ExecutorConfig) (*Executor, *audit.Log) {
	t.Helper()

	s, err := sanitize.NewSanitizer(nil)
	require.NoError(t, err)

	logger := logging.NewNop()
	auditLog := audit.NewLog(logger)
	isolator := audit.NewIsolator(logger)

	if ecfg.PollInterval == 0 {
		ecfg.PollInterval = 10 * time.Millisecond
	}

	exec := New(backend, s, auditLog, isolator, nil, logger, Options{
		Executor:  ecfg,
		RateLimit: config.RateLimitConfig{Enabled: false},
	})
	return exec, auditLog
}

// collect drains a result stream and returns every snapshot.
func collect(t *testing.T, ch <-chan CommandResult) []CommandResult {
	t.Helper()

	var results []CommandResult
	deadline := time.After(10 * time.Second)
	for {
		select {
		case r, ok := <-ch:
			if !ok {
				require.NotEmpty(t, results, "stream closed without a snapshot")
				return results
			}
			results = append(results, r)
		case <-deadline:
			t.Fatal("result stream never closed")
		}
	}
}

func actionsFor(log *audit.Log, sessionID string) []string {
	var actions []string
	for _, e := range log.Entries(sessionID, 0) {
		actions = append(actions, e.Action)
	}
	return actions
}

func TestExecuteCompletes(t *testing.T) {
	backend := newFakeBackend()
	sid := backend.addSession(session.Config{})
	backend.onSend = func(s id.SessionID) {
		backend.push(s, "total 4\ndrwxr-xr-x .\n")
		backend.setState(s, session.StateReady)
		backend.setExit(s, 0)
	}
	exec, auditLog := newTestExecutor(t, backend, config.ExecutorConfig{})

	results := collect(t, exec.Execute(context.Background(), "ls -la", sid.String(), 0))

	first := results[0]
	assert.Equal(t, StatusRunning, first.Status)
	assert.True(t, first.CommandID.IsValid())

	final := results[len(results)-1]
	assert.Equal(t, StatusCompleted, final.Status)
	assert.Empty(t, final.Error)
	require.NotNil(t, final.CompletedAt)
	require.NotNil(t, final.ExitCode)
	assert.Equal(t, 0, *final.ExitCode)

	var output strings.Builder
	for _, c := range final.Chunks {
		output.Write(c.Content)
	}
	assert.Contains(t, output.String(), "total 4")

	assert.Equal(t, []string{"ls -la"}, backend.sendCalls)
	assert.Contains(t, actionsFor(auditLog, sid.String()), audit.ActionCommandExecuted)
}

func TestExecuteBlockedNeverReachesSession(t *testing.T) {
	backend := newFakeBackend()
	sid := backend.addSession(session.Config{})
	exec, auditLog := newTestExecutor(t, backend, config.ExecutorConfig{})

	results := collect(t, exec.Execute(context.Background(), "sudo rm -rf /", sid.String(), 0))

	final := results[len(results)-1]
	assert.Equal(t, StatusFailed, final.Status)
	assert.NotEmpty(t, final.Error)

	assert.Zero(t, backend.sendCount(), "blocked command must not reach the session")
	assert.Empty(t, backend.signals)
	assert.Contains(t, actionsFor(auditLog, sid.String()), audit.ActionCommandBlocked)
	assert.NotContains(t, actionsFor(auditLog, sid.String()), audit.ActionCommandExecuted)
}

func TestExecuteUnknownSession(t *testing.T) {
	backend := newFakeBackend()
	exec, _ := newTestExecutor(t, backend, config.ExecutorConfig{})

	results := collect(t, exec.Execute(context.Background(), "ls", id.NewSessionID().String(), 0))

	final := results[len(results)-1]
	assert.Equal(t, StatusFailed, final.Status)
	assert.Contains(t, final.Error, "session not found")
	assert.Zero(t, backend.sendCount())
}

func TestExecuteTimeout(t *testing.T) {
	backend := newFakeBackend()
	sid := backend.addSession(session.Config{})
	// The session never returns to READY.
	exec, _ := newTestExecutor(t, backend, config.ExecutorConfig{})

	start := time.Now()
	results := collect(t, exec.Execute(context.Background(), "sleep forever", sid.String(), 150*time.Millisecond))
	elapsed := time.Since(start)

	final := results[len(results)-1]
	assert.Equal(t, StatusFailed, final.Status)
	assert.Contains(t, final.Error, "timed out")
	assert.GreaterOrEqual(t, elapsed, 150*time.Millisecond)
}

func TestExecuteOutputOverflow(t *testing.T) {
	backend := newFakeBackend()
	sid := backend.addSession(session.Config{})
	backend.onSend = func(s id.SessionID) {
		backend.push(s, strings.Repeat("x", 64))
	}
	exec, _ := newTestExecutor(t, backend, config.ExecutorConfig{MaxOutputSize: 16})

	results := collect(t, exec.Execute(context.Background(), "yes", sid.String(), 0))

	final := results[len(results)-1]
	assert.Equal(t, StatusFailed, final.Status)
	assert.Contains(t, final.Error, "output size limit exceeded")

	// Overflow stops streaming; the process itself is left alone.
	assert.Empty(t, backend.signals)
	assert.Empty(t, backend.terminated)
}

func TestExecuteSessionDiesMidCommand(t *testing.T) {
	backend := newFakeBackend()
	sid := backend.addSession(session.Config{})
	backend.onSend = func(s id.SessionID) {
		backend.setState(s, session.StateFailed)
		backend.setExit(s, 137)
	}
	exec, _ := newTestExecutor(t, backend, config.ExecutorConfig{})

	results := collect(t, exec.Execute(context.Background(), "ls", sid.String(), 0))

	final := results[len(results)-1]
	assert.Equal(t, StatusFailed, final.Status)
	assert.Contains(t, final.Error, "session process exited")
	require.NotNil(t, final.ExitCode)
	assert.Equal(t, 137, *final.ExitCode)
}

func TestCancel(t *testing.T) {
	backend := newFakeBackend()
	sid := backend.addSession(session.Config{})
	exec, auditLog := newTestExecutor(t, backend, config.ExecutorConfig{})

	ch := exec.Execute(context.Background(), "long task", sid.String(), 10*time.Second)
	first := <-ch
	cmdID := first.CommandID.String()

	assert.False(t, exec.Cancel("cmd_nonexistent"))
	require.True(t, exec.Cancel(cmdID))

	results := collect(t, ch)
	final := results[len(results)-1]
	assert.Equal(t, StatusFailed, final.Status)
	assert.Contains(t, final.Error, "cancelled")

	backend.mu.Lock()
	assert.Contains(t, backend.signals, unix.SIGTERM)
	backend.mu.Unlock()
	assert.Contains(t, actionsFor(auditLog, sid.String()), audit.ActionCommandCancelled)

	// A finished command cannot be cancelled again.
	assert.False(t, exec.Cancel(cmdID))
}

func TestCancelWhileQueuedNeverReachesSession(t *testing.T) {
	backend := newFakeBackend()
	sid := backend.addSession(session.Config{})
	exec, _ := newTestExecutor(t, backend, config.ExecutorConfig{MaxConcurrentCommands: 1})

	// The first command occupies the only slot until cancelled.
	chFirst := exec.Execute(context.Background(), "first task", sid.String(), 10*time.Second)
	first := <-chFirst
	require.Eventually(t, func() bool { return backend.sendCount() == 1 }, 3*time.Second, 10*time.Millisecond)

	// The second queues on the semaphore and is cancelled while waiting.
	chSecond := exec.Execute(context.Background(), "second task", sid.String(), 10*time.Second)
	second := <-chSecond
	require.True(t, exec.Cancel(second.CommandID.String()))

	require.True(t, exec.Cancel(first.CommandID.String()))
	collect(t, chFirst)

	results := collect(t, chSecond)
	final := results[len(results)-1]
	assert.Equal(t, StatusFailed, final.Status)
	assert.Contains(t, final.Error, "cancelled")

	backend.mu.Lock()
	assert.Equal(t, []string{"first task"}, backend.sendCalls, "cancelled queued command must never be written to the terminal")
	backend.mu.Unlock()
}

func TestFinalizedResultsEvicted(t *testing.T) {
	backend := newFakeBackend()
	sid := backend.addSession(session.Config{})
	backend.onSend = func(s id.SessionID) {
		backend.push(s, "done\n")
		backend.setState(s, session.StateReady)
	}
	exec, _ := newTestExecutor(t, backend, config.ExecutorConfig{ResultRetention: 2})

	var ids []string
	for i := 0; i < 3; i++ {
		backend.setState(sid, session.StateReady)
		results := collect(t, exec.Execute(context.Background(), "ls", sid.String(), 0))
		require.Equal(t, StatusCompleted, results[len(results)-1].Status)
		ids = append(ids, results[0].CommandID.String())
	}

	// The oldest finalized command fell out of the table.
	_, ok := exec.Result(ids[0])
	assert.False(t, ok)

	// Retained finalized results keep metadata but not the chunk payload.
	got, ok := exec.Result(ids[2])
	require.True(t, ok)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Empty(t, got.Chunks)
}

func TestConcurrencyBound(t *testing.T) {
	backend := newFakeBackend()
	exec, _ := newTestExecutor(t, backend, config.ExecutorConfig{MaxConcurrentCommands: 2})

	var wg sync.WaitGroup
	start := time.Now()
	for i := 0; i < 4; i++ {
		sid := backend.addSession(session.Config{})
		wg.Add(1)
		go func() {
			defer wg.Done()
			collect(t, exec.Execute(context.Background(), "wait", sid.String(), 120*time.Millisecond))
		}()
	}
	wg.Wait()
	elapsed := time.Since(start)

	// Four 120ms commands through two slots take at least two waves.
	assert.GreaterOrEqual(t, elapsed, 200*time.Millisecond)
	assert.Equal(t, 4, backend.sendCount())
}

func TestSuspiciousOutputAuditedOnce(t *testing.T) {
	backend := newFakeBackend()
	sid := backend.addSession(session.Config{})
	backend.onSend = func(s id.SessionID) {
		backend.push(s, "cat: /etc/shadow: Permission denied\n")
		backend.push(s, "cat: /etc/gshadow: Permission denied\n")
		backend.setState(s, session.StateReady)
	}
	exec, auditLog := newTestExecutor(t, backend, config.ExecutorConfig{})

	results := collect(t, exec.Execute(context.Background(), "cat /tmp/notes", sid.String(), 0))
	assert.Equal(t, StatusCompleted, results[len(results)-1].Status)

	hits := 0
	for _, e := range auditLog.Entries(sid.String(), 0) {
		if e.Action == audit.ActionSuspiciousOutput {
			hits++
		}
	}
	assert.Equal(t, 1, hits, "one entry per needle per command")
}

func TestResultSnapshot(t *testing.T) {
	backend := newFakeBackend()
	sid := backend.addSession(session.Config{})
	exec, _ := newTestExecutor(t, backend, config.ExecutorConfig{})

	ch := exec.Execute(context.Background(), "poll me", sid.String(), 10*time.Second)
	first := <-ch

	got, ok := exec.Result(first.CommandID.String())
	require.True(t, ok)
	assert.Equal(t, first.CommandID, got.CommandID)

	_, ok = exec.Result("cmd_nonexistent")
	assert.False(t, ok)

	exec.Cancel(first.CommandID.String())
	collect(t, ch)
}

func TestCreateSessionAudits(t *testing.T) {
	backend := newFakeBackend()
	exec, auditLog := newTestExecutor(t, backend, config.ExecutorConfig{})

	sid, err := exec.CreateSession(context.Background(), "task_1", t.TempDir(), SessionOptions{})
	require.NoError(t, err)
	assert.Contains(t, actionsFor(auditLog, sid.String()), audit.ActionSessionCreated)

	backend.failCreate = true
	_, err = exec.CreateSession(context.Background(), "task_1", t.TempDir(), SessionOptions{})
	assert.Error(t, err)
}

func TestInterruptAndDestroy(t *testing.T) {
	backend := newFakeBackend()
	sid := backend.addSession(session.Config{})
	exec, auditLog := newTestExecutor(t, backend, config.ExecutorConfig{})

	require.NoError(t, exec.Interrupt(sid.String()))
	assert.Equal(t, 1, backend.interrupts)
	assert.Error(t, exec.Interrupt(id.NewSessionID().String()))

	assert.True(t, exec.DestroySession(sid.String()))
	assert.False(t, exec.DestroySession(sid.String()))

	actions := actionsFor(auditLog, sid.String())
	assert.Contains(t, actions, audit.ActionSessionInterrupted)
	assert.Contains(t, actions, audit.ActionSessionDestroyed)
}

func TestEffectiveTimeout(t *testing.T) {
	exec, _ := newTestExecutor(t, newFakeBackend(), config.ExecutorConfig{DefaultTimeout: 300 * time.Second})

	assert.Equal(t, time.Minute, exec.effectiveTimeout(time.Minute, time.Hour))
	assert.Equal(t, time.Hour, exec.effectiveTimeout(0, time.Hour))
	assert.Equal(t, 300*time.Second, exec.effectiveTimeout(0, 0))
}
