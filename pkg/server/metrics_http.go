package server

import (
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsNamespace = "messenger"

// NewPrometheusRegistry exposes m (and the online-user count) through a
// dedicated Prometheus registry. The atomics stay the source of truth; the
// collectors read them at scrape time.
func NewPrometheusRegistry(m *Metrics, online func() int) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	counter := func(name, help string, v interface{ Load() int64 }) {
		reg.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      name,
			Help:      help,
		}, func() float64 { return float64(v.Load()) }))
	}
	gauge := func(name, help string, f func() float64) {
		reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      name,
			Help:      help,
		}, f))
	}

	gauge("uptime_seconds", "Server uptime in seconds.", func() float64 {
		return time.Since(m.startTime).Seconds()
	})
	gauge("connections_active", "Current open client connections.", func() float64 {
		return float64(m.ActiveConnections.Load())
	})
	if online != nil {
		gauge("users_online", "Authenticated users currently registered.", func() float64 {
			return float64(online())
		})
	}

	counter("connections_total", "Lifetime TCP connections accepted.", &m.TotalConnections)
	counter("disconnects_total", "Total client disconnects.", &m.TotalDisconnects)
	counter("idle_timeouts_total", "Connections closed for inactivity.", &m.IdleTimeouts)
	counter("auth_success_total", "Successful logins.", &m.SuccessfulAuths)
	counter("auth_failed_total", "Failed logins.", &m.FailedAuths)
	counter("protocol_errors_total", "Malformed lines skipped.", &m.ProtocolErrors)
	counter("rejected_commands_total", "Commands ignored before login.", &m.RejectedCommands)
	counter("rate_limited_total", "Commands dropped by the rate limiter.", &m.RateLimited)
	counter("history_requests_total", "HISTORY commands served.", &m.HistoryRequests)
	counter("private_messages_total", "Private messages accepted.", &m.PrivateMessages)
	counter("group_messages_total", "Group messages accepted.", &m.GroupMessages)
	counter("deliveries_total", "Message frames written to recipients.", &m.Deliveries)
	counter("offline_misses_total", "Private messages for offline users.", &m.OfflineMisses)
	counter("dropped_messages_total", "Messages dropped by routing policy.", &m.DroppedMessages)
	counter("broadcast_failures_total", "Presence frames that failed to write.", &m.BroadcastFailures)
	counter("discovery_queries_total", "Discovery probes received.", &m.DiscoveryQueries)
	return reg
}

// MetricsHandler serves /metrics in Prometheus exposition format,
// /metrics.json with the raw counter snapshot, and /healthz.
func (s *Server) MetricsHandler() http.Handler {
	reg := NewPrometheusRegistry(s.metrics, s.registry.Count)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/metrics.json", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(s.metrics.JSON()))
	})
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	return mux
}

// startMetricsHTTP binds Config.MetricsAddr and serves MetricsHandler in the
// background. An empty address disables the endpoint.
func (s *Server) startMetricsHTTP() error {
	addr := s.cfg.MetricsAddr
	if addr == "" {
		return nil
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           s.MetricsHandler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.metricsSrv = srv

	go func() {
		s.logger.Info("metrics HTTP listening", "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("metrics HTTP error", "err", err)
		}
	}()
	return nil
}
