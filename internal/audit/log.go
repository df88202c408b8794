// Package audit records security-relevant events and tracks process
// ownership per session. Entries are append-only and held for the process
// lifetime; they exist for forensic review, never for control flow.
package audit

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentterm/backend/internal/infrastructure/logging"
	"github.com/agentterm/backend/internal/infrastructure/monitoring"
)

// Action names for audit entries.
const (
	ActionSessionCreated     = "session_created"
	ActionSessionDestroyed   = "session_destroyed"
	ActionSessionInterrupted = "session_interrupted"
	ActionCommandBlocked     = "command_blocked"
	ActionCommandExecuted    = "command_executed"
	ActionCommandCancelled   = "command_cancelled"
	ActionSuspiciousOutput   = "suspicious_output"
)

// Entry is one append-only audit record.
type Entry struct {
	ID        string            `json:"id"`
	Timestamp time.Time         `json:"timestamp"`
	Action    string            `json:"action"`
	SessionID string            `json:"session_id,omitempty"`
	Context   map[string]string `json:"context,omitempty"`
}

// Log is an in-memory append-only audit trail. Appends are also mirrored to
// the structured logger so an external sink can pick them up.
type Log struct {
	mu      sync.RWMutex
	entries []Entry
	logger  *logging.Logger
	metrics *monitoring.Metrics
}

// NewLog creates an audit log.
func NewLog(logger *logging.Logger) *Log {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Log{logger: logger}
}

// Instrument mirrors append counts to the metrics collector.
func (l *Log) Instrument(m *monitoring.Metrics) {
	l.metrics = m
}

// Append records an event. ctx may be nil.
func (l *Log) Append(action, sessionID string, ctx map[string]string) Entry {
	entry := Entry{
		ID:        uuid.NewString(),
		Timestamp: time.Now(),
		Action:    action,
		SessionID: sessionID,
		Context:   ctx,
	}

	l.mu.Lock()
	l.entries = append(l.entries, entry)
	l.mu.Unlock()

	if l.metrics != nil {
		l.metrics.AuditEntries.WithLabelValues(action).Inc()
	}

	fields := []zap.Field{
		zap.String("audit_id", entry.ID),
		zap.String("action", action),
	}
	if sessionID != "" {
		fields = append(fields, zap.String("session_id", sessionID))
	}
	for k, v := range ctx {
		fields = append(fields, zap.String(k, v))
	}
	l.logger.Info("audit", fields...)

	return entry
}

// Entries returns recorded events in append order, filtered by session id if
// sessionID is non-empty, keeping only the most recent limit entries when
// limit > 0.
func (l *Log) Entries(sessionID string, limit int) []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []Entry
	for _, e := range l.entries {
		if sessionID != "" && e.SessionID != sessionID {
			continue
		}
		out = append(out, e)
	}

	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// Len returns the total number of recorded entries.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}
