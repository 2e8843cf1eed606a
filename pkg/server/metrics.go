package server

import (
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/NicolasHaas/skylink/pkg/version"
)

// Metrics tracks server runtime statistics.
// All counters use atomic operations for lock-free concurrent access.
type Metrics struct {
	startTime time.Time

	// Connection counters
	TotalConnections  atomic.Int64 // lifetime WebSocket connections accepted
	ActiveConnections atomic.Int64 // current open connections
	TotalDisconnects  atomic.Int64 // total client disconnects (clean + unclean)
	FailedAuths       atomic.Int64 // failed register/login/authenticate attempts
	SuccessfulAuths   atomic.Int64 // successful register/login/authenticate attempts

	// Frame counters
	FramesIn      atomic.Int64 // client frames received
	FramesOut     atomic.Int64 // frames queued to clients
	FramesDropped atomic.Int64 // frames dropped on a full send queue
	ClientErrors  atomic.Int64 // error events sent back to clients

	// Transfer counters
	TransfersRequested atomic.Int64 // sessions created on this node

	// Rate limiting
	RateLimited atomic.Int64 // requests rejected by the rate gate
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
	TotalDisconnects  int64 `json:"total_disconnects"`
	SuccessfulAuths   int64 `json:"successful_auths"`
	FailedAuths       int64 `json:"failed_auths"`

	FramesIn      int64 `json:"frames_in"`
	FramesOut     int64 `json:"frames_out"`
	FramesDropped int64 `json:"frames_dropped"`
	ClientErrors  int64 `json:"client_errors"`

	TransfersRequested int64 `json:"transfers_requested"`
	RateLimited        int64 `json:"rate_limited"`
}

// Snapshot returns a read-consistent snapshot of all metrics.
func (m *Metrics) Snapshot() MetricsSnapshot {
	uptime := time.Since(m.startTime)
	return MetricsSnapshot{
		Uptime:             uptime.Truncate(time.Second).String(),
		UptimeSeconds:      int64(uptime.Seconds()),
		ActiveConnections:  m.ActiveConnections.Load(),
		TotalConnections:   m.TotalConnections.Load(),
		TotalDisconnects:   m.TotalDisconnects.Load(),
		SuccessfulAuths:    m.SuccessfulAuths.Load(),
		FailedAuths:        m.FailedAuths.Load(),
		FramesIn:           m.FramesIn.Load(),
		FramesOut:          m.FramesOut.Load(),
		FramesDropped:      m.FramesDropped.Load(),
		ClientErrors:       m.ClientErrors.Load(),
		TransfersRequested: m.TransfersRequested.Load(),
		RateLimited:        m.RateLimited.Load(),
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
func (m *Metrics) LogSummary(log *slog.Logger) {
	s := m.Snapshot()
	log.Info("metrics",
		"uptime", s.Uptime,
		"connections", s.ActiveConnections,
		"total_connections", s.TotalConnections,
		"frames_in", s.FramesIn,
		"frames_out", s.FramesOut,
		"frames_dropped", s.FramesDropped,
		"transfers", s.TransfersRequested,
		"rate_limited", s.RateLimited,
	)
}

// RunPeriodicLog logs a summary every interval until done is closed.
func (m *Metrics) RunPeriodicLog(interval time.Duration, done <-chan struct{}, log *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			m.LogSummary(log)
		}
	}
}

// gauges are live values read from the server components at scrape time.
type gauges struct {
	sessions    func() float64
	usersOnline func() float64
	clusterMode func() float64
	sharedRate  func() float64
}

// newRegistry exposes m and g on a fresh Prometheus registry.
func (m *Metrics) newRegistry(g gauges) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	counter := func(name, help string, v *atomic.Int64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "skylink", Name: name, Help: help,
		}, func() float64 { return float64(v.Load()) })
	}
	gauge := func(name, help string, fn func() float64) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "skylink", Name: name, Help: help,
		}, fn)
	}

	reg.MustRegister(
		gauge("uptime_seconds", "Server uptime in seconds.", func() float64 {
			return time.Since(m.startTime).Seconds()
		}),
		gauge("connections_active", "Current open WebSocket connections.", func() float64 {
			return float64(m.ActiveConnections.Load())
		}),
		counter("connections_total", "Lifetime WebSocket connections accepted.", &m.TotalConnections),
		counter("disconnects_total", "Total client disconnects.", &m.TotalDisconnects),
		counter("auth_success_total", "Successful authentication attempts.", &m.SuccessfulAuths),
		counter("auth_failed_total", "Failed authentication attempts.", &m.FailedAuths),
		counter("frames_in_total", "Client frames received.", &m.FramesIn),
		counter("frames_out_total", "Frames queued to clients.", &m.FramesOut),
		counter("frames_dropped_total", "Frames dropped on a full send queue.", &m.FramesDropped),
		counter("client_errors_total", "Error events sent to clients.", &m.ClientErrors),
		counter("transfers_requested_total", "Transfer sessions created on this node.", &m.TransfersRequested),
		counter("rate_limited_total", "Requests rejected by the rate gate.", &m.RateLimited),
		gauge("sessions_active", "Transfer sessions held by this node.", g.sessions),
		gauge("users_online", "Users online across the cluster view of this node.", g.usersOnline),
		gauge("cluster_mode", "1 when the cluster substrate is attached, 0 in local-only mode.", g.clusterMode),
		gauge("rate_gate_shared", "1 when the rate gate uses the shared counter store.", g.sharedRate),
	)

	build := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "skylink", Name: "build_info", Help: "Build information.",
	}, []string{"version", "commit", "date", "goversion"})
	labels := version.Labels()
	build.With(prometheus.Labels{
		"version":   labels["version"],
		"commit":    labels["commit"],
		"date":      labels["date"],
		"goversion": labels["goversion"],
	}).Set(1)
	reg.MustRegister(build)
	return reg
}
