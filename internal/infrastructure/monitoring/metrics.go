package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the execution engine
type Metrics struct {
	// Session metrics
	SessionsActive  prometheus.Gauge
	SessionsCreated prometheus.Counter
	SessionsFailed  prometheus.Counter

	// Command metrics
	CommandsTotal   *prometheus.CounterVec
	CommandsBlocked *prometheus.CounterVec
	CommandDuration prometheus.Histogram

	// Output metrics
	OutputBytes     prometheus.Counter
	OutputOverflows prometheus.Counter

	// Audit metrics
	AuditEntries *prometheus.CounterVec

	// System metrics
	Uptime    prometheus.Gauge
	startTime time.Time
}

// NewMetrics creates a new metrics collector registered on the default registry
func NewMetrics() *Metrics {
	return newMetrics(nil)
}

// NewMetricsWithRegistry creates a collector on a private registry.
// Used by tests to avoid duplicate registration panics.
func NewMetricsWithRegistry(reg *prometheus.Registry) *Metrics {
	return newMetrics(reg)
}

func newMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	if reg == nil {
		factory = promauto.With(prometheus.DefaultRegisterer)
	}

	m := &Metrics{
		startTime: time.Now(),

		SessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "engine_sessions_active",
			Help: "Number of non-terminated terminal sessions",
		}),
		SessionsCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "engine_sessions_created_total",
			Help: "Total number of sessions created",
		}),
		SessionsFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "engine_sessions_failed_total",
			Help: "Total number of sessions that failed to initialize",
		}),

		CommandsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "engine_commands_total",
				Help: "Total number of commands by final status",
			},
			[]string{"status"},
		),
		CommandsBlocked: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "engine_commands_blocked_total",
				Help: "Total number of commands rejected by the sanitizer",
			},
			[]string{"reason"},
		),
		CommandDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "engine_command_duration_seconds",
			Help:    "Wall-clock duration of command execution",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300},
		}),

		OutputBytes: factory.NewCounter(prometheus.CounterOpts{
			Name: "engine_output_bytes_total",
			Help: "Total bytes of terminal output streamed to callers",
		}),
		OutputOverflows: factory.NewCounter(prometheus.CounterOpts{
			Name: "engine_output_overflows_total",
			Help: "Commands finalized due to the output size limit",
		}),

		AuditEntries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "engine_audit_entries_total",
				Help: "Audit entries appended by action",
			},
			[]string{"action"},
		),

		Uptime: factory.NewGauge(prometheus.GaugeOpts{
			Name: "engine_uptime_seconds",
			Help: "Engine uptime in seconds",
		}),
	}

	return m
}

// UpdateUptime refreshes the uptime gauge
func (m *Metrics) UpdateUptime() {
	m.Uptime.Set(time.Since(m.startTime).Seconds())
}

// RecordCommand records a finalized command with its duration
func (m *Metrics) RecordCommand(status string, duration time.Duration) {
	m.CommandsTotal.WithLabelValues(status).Inc()
	m.CommandDuration.Observe(duration.Seconds())
}

// RecordBlocked records a command rejected before process interaction
func (m *Metrics) RecordBlocked(reason string) {
	m.CommandsBlocked.WithLabelValues(reason).Inc()
}
