package server

import (
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"
)

// Metrics tracks server runtime statistics.
// All counters use atomic operations for lock-free concurrent access.
type Metrics struct {
	startTime time.Time

	// Connection counters
	TotalConnections  atomic.Int64 // lifetime TCP connections accepted
	ActiveConnections atomic.Int64 // current open connections
	SuccessfulAuths   atomic.Int64
	FailedAuths       atomic.Int64
	TotalDisconnects  atomic.Int64 // clean + unclean
	IdleTimeouts      atomic.Int64 // connections closed by the idle watchdog

	// Command counters
	ProtocolErrors   atomic.Int64 // malformed lines skipped
	RejectedCommands atomic.Int64 // commands ignored before login
	RateLimited      atomic.Int64 // commands dropped by the per-connection limiter
	HistoryRequests  atomic.Int64

	// Routing counters
	PrivateMessages   atomic.Int64 // PRIVATE commands accepted
	GroupMessages     atomic.Int64 // GROUP commands accepted
	Deliveries        atomic.Int64 // frames written to a recipient
	OfflineMisses     atomic.Int64 // private messages for users not online
	DroppedMessages   atomic.Int64 // empty, oversized, unknown group, or non-member
	BroadcastFailures atomic.Int64 // presence frames that could not be written

	DiscoveryQueries atomic.Int64 // UDP discovery probes received
}

// NewMetrics creates a new Metrics instance with the start time set to now.
func NewMetrics() *Metrics {
	return &Metrics{
		startTime: time.Now(),
	}
}

// MetricsSnapshot is a point-in-time view of all metrics as a serializable struct.
type MetricsSnapshot struct {
	Uptime        string `json:"uptime"`
	UptimeSeconds int64  `json:"uptime_seconds"`

	ActiveConnections int64 `json:"active_connections"`
	TotalConnections  int64 `json:"total_connections"`
	SuccessfulAuths   int64 `json:"successful_auths"`
	FailedAuths       int64 `json:"failed_auths"`
	TotalDisconnects  int64 `json:"total_disconnects"`
	IdleTimeouts      int64 `json:"idle_timeouts"`

	ProtocolErrors   int64 `json:"protocol_errors"`
	RejectedCommands int64 `json:"rejected_commands"`
	RateLimited      int64 `json:"rate_limited"`
	HistoryRequests  int64 `json:"history_requests"`

	PrivateMessages   int64 `json:"private_messages"`
	GroupMessages     int64 `json:"group_messages"`
	Deliveries        int64 `json:"deliveries"`
	OfflineMisses     int64 `json:"offline_misses"`
	DroppedMessages   int64 `json:"dropped_messages"`
	BroadcastFailures int64 `json:"broadcast_failures"`

	DiscoveryQueries int64 `json:"discovery_queries"`
}

// Snapshot returns a read-consistent snapshot of all metrics.
func (m *Metrics) Snapshot() MetricsSnapshot {
	uptime := time.Since(m.startTime)
	return MetricsSnapshot{
		Uptime:            uptime.Truncate(time.Second).String(),
		UptimeSeconds:     int64(uptime.Seconds()),
		ActiveConnections: m.ActiveConnections.Load(),
		TotalConnections:  m.TotalConnections.Load(),
		SuccessfulAuths:   m.SuccessfulAuths.Load(),
		FailedAuths:       m.FailedAuths.Load(),
		TotalDisconnects:  m.TotalDisconnects.Load(),
		IdleTimeouts:      m.IdleTimeouts.Load(),
		ProtocolErrors:    m.ProtocolErrors.Load(),
		RejectedCommands:  m.RejectedCommands.Load(),
		RateLimited:       m.RateLimited.Load(),
		HistoryRequests:   m.HistoryRequests.Load(),
		PrivateMessages:   m.PrivateMessages.Load(),
		GroupMessages:     m.GroupMessages.Load(),
		Deliveries:        m.Deliveries.Load(),
		OfflineMisses:     m.OfflineMisses.Load(),
		DroppedMessages:   m.DroppedMessages.Load(),
		BroadcastFailures: m.BroadcastFailures.Load(),
		DiscoveryQueries:  m.DiscoveryQueries.Load(),
	}
}

// JSON returns the metrics snapshot as a JSON string.
func (m *Metrics) JSON() string {
	data, err := json.MarshalIndent(m.Snapshot(), "", "  ")
	if err != nil {
		return "{}"
	}
	return string(data)
}

// LogSummary writes a periodic metrics summary to the logger.
func (m *Metrics) LogSummary(logger *slog.Logger) {
	s := m.Snapshot()
	logger.Info("metrics",
		"uptime", s.Uptime,
		"connections", s.ActiveConnections,
		"total_connections", s.TotalConnections,
		"private_msgs", s.PrivateMessages,
		"group_msgs", s.GroupMessages,
		"deliveries", s.Deliveries,
		"protocol_errors", s.ProtocolErrors,
	)
}

// StartPeriodicLog starts a goroutine that logs metrics every interval.
// It stops when the done channel is closed.
func (m *Metrics) StartPeriodicLog(logger *slog.Logger, interval time.Duration, done <-chan struct{}) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				m.LogSummary(logger)
			}
		}
	}()
}
