package monitoring

import (
	"context"
	"log/slog"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"gate-system/internal/localstore"
)

var (
	queueLength = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gate_offline_queue_length",
			Help: "Offline scans waiting for sync, by state",
		},
		[]string{"state"},
	)

	scanResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gate_scan_results_total",
			Help: "Scan decisions by result code and path",
		},
		[]string{"code", "path"},
	)

	scanDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gate_scan_duration_seconds",
			Help:    "Time from scan submission to decision",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		},
		[]string{"path"},
	)

	syncOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gate_sync_outcomes_total",
			Help: "Offline scan sync outcomes",
		},
		[]string{"outcome"},
	)

	overrides = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gate_overrides_total",
			Help: "Override session events",
		},
		[]string{"event"},
	)

	authorityOnline = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "gate_authority_online",
			Help: "1 when the scan authority is reachable",
		},
	)

	breakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gate_circuit_breaker_state",
			Help: "Circuit breaker state (0 closed, 1 half open, 2 open)",
		},
		[]string{"name"},
	)

	goroutineCount = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "gate_active_goroutines",
			Help: "Current number of active goroutines",
		},
	)
)

// QueueStatser is the part of the scan queue the monitor polls.
type QueueStatser interface {
	Stats() (localstore.QueueStats, error)
}

type Monitor struct {
	queue    QueueStatser
	interval time.Duration
}

func NewMonitor(queue QueueStatser, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Monitor{queue: queue, interval: interval}
}

// Run collects gauges until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.collect()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.collect()
		}
	}
}

func (m *Monitor) collect() {
	stats, err := m.queue.Stats()
	if err != nil {
		slog.Warn("failed to collect queue metrics", "error", err)
	} else {
		queueLength.WithLabelValues("pending").Set(float64(stats.Pending))
		queueLength.WithLabelValues("failed").Set(float64(stats.Failed))
	}

	goroutineCount.Set(float64(runtime.NumGoroutine()))
}

// TrackScan records one scan decision. path is "online" or "offline".
func (m *Monitor) TrackScan(code, path string, took time.Duration) {
	scanResults.WithLabelValues(code, path).Inc()
	scanDuration.WithLabelValues(path).Observe(took.Seconds())
}

// TrackSync records one synced queue item outcome.
func (m *Monitor) TrackSync(outcome string) {
	syncOutcomes.WithLabelValues(outcome).Inc()
}

func (m *Monitor) TrackOverride(event string) {
	overrides.WithLabelValues(event).Inc()
}

func (m *Monitor) SetOnline(online bool) {
	if online {
		authorityOnline.Set(1)
	} else {
		authorityOnline.Set(0)
	}
}

// SetBreakerState matches the OnStateChange hook of utils.CircuitBreaker.
func (m *Monitor) SetBreakerState(name string, state int) {
	breakerState.WithLabelValues(name).Set(float64(state))
}
