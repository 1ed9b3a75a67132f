package monitoring

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gate-system/internal/localstore"
)

type stubQueue struct {
	stats localstore.QueueStats
	err   error
}

func (s stubQueue) Stats() (localstore.QueueStats, error) {
	return s.stats, s.err
}

func value(t *testing.T, m prometheus.Metric) float64 {
	t.Helper()
	var out dto.Metric
	require.NoError(t, m.Write(&out))
	if out.Gauge != nil {
		return out.Gauge.GetValue()
	}
	return out.Counter.GetValue()
}

func TestMonitor_CollectSetsQueueGauges(t *testing.T) {
	m := NewMonitor(stubQueue{stats: localstore.QueueStats{Pending: 7, Failed: 2}}, time.Second)
	m.collect()

	assert.Equal(t, 7.0, value(t, queueLength.WithLabelValues("pending")))
	assert.Equal(t, 2.0, value(t, queueLength.WithLabelValues("failed")))
}

func TestMonitor_CollectKeepsGaugesOnError(t *testing.T) {
	NewMonitor(stubQueue{stats: localstore.QueueStats{Pending: 3}}, time.Second).collect()
	NewMonitor(stubQueue{err: errors.New("disk gone")}, time.Second).collect()

	assert.Equal(t, 3.0, value(t, queueLength.WithLabelValues("pending")))
}

func TestMonitor_Trackers(t *testing.T) {
	m := NewMonitor(stubQueue{}, 0)
	assert.Equal(t, 15*time.Second, m.interval)

	before := value(t, scanResults.WithLabelValues("accepted", "offline"))
	m.TrackScan("accepted", "offline", 20*time.Millisecond)
	assert.Equal(t, before+1, value(t, scanResults.WithLabelValues("accepted", "offline")))

	before = value(t, syncOutcomes.WithLabelValues("conflict"))
	m.TrackSync("conflict")
	assert.Equal(t, before+1, value(t, syncOutcomes.WithLabelValues("conflict")))

	m.SetOnline(true)
	assert.Equal(t, 1.0, value(t, authorityOnline))
	m.SetOnline(false)
	assert.Equal(t, 0.0, value(t, authorityOnline))

	m.SetBreakerState("authority", 2)
	assert.Equal(t, 2.0, value(t, breakerState.WithLabelValues("authority")))
}
