package cachestats

import (
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mapUpdater struct {
	mu     sync.Mutex
	values map[string]any
}

func (m *mapUpdater) Update(key string, value any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.values == nil {
		m.values = map[string]any{}
	}
	m.values[key] = value
}

func (m *mapUpdater) get(key string) any {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.values[key]
}

func TestRequestStatusClassification(t *testing.T) {
	cs := New(nil)

	hit := NewRequest(cs)
	hit.OnStarted(12, CacheHit)
	assert.Equal(t, "cache-hit", hit.Status())

	temp := NewRequest(cs)
	temp.OnStarted(12, TempHit)
	assert.Equal(t, "temp-hit", temp.Status())

	miss := NewRequest(cs)
	miss.OnStarted(12, CacheMiss)
	assert.Equal(t, "cache-miss", miss.Status())

	outdated := NewRequest(cs)
	outdated.OnCacheOutdated()
	outdated.OnStarted(20, CacheMiss)
	assert.Equal(t, "cache-outdate", outdated.Status())

	snap := cs.Snapshot()
	assert.Equal(t, int64(2), snap["cache-hit-count"], "temp hits count as hits")
	assert.Equal(t, int64(1), snap["temp-hit-count"])
	assert.Equal(t, int64(2), snap["cache-miss-count"])
	assert.Equal(t, int64(1), snap["cache-outdate-count"])
}

func TestBytesReadCorrection(t *testing.T) {
	cs := New(nil)
	req := NewRequest(cs)
	req.OnBytesRead(0, 100, 40)
	req.OnBytesRead(50, 0, 0)

	assert.Equal(t, int64(90), req.BytesReadFromSource())
	assert.Equal(t, int64(60), req.BytesReadFromCache())
	assert.Equal(t, int64(150), req.BytesRead())
	assert.InDelta(t, 0.4, req.CacheReadRatio(), 1e-9)
	assert.Equal(t, int64(60), req.LogFields()["cache-read"])
	assert.InDelta(t, 0.4, cs.Snapshot()["cache-read-ratio"].(float64), 1e-9)
}

func TestCopyStatistics(t *testing.T) {
	cs := New(nil)
	cs.OnCopyStarted()
	cs.OnCopyStarted()
	cs.OnCopyFinished(1000)
	cs.OnCopyCancelled(1000, 500)

	snap := cs.Snapshot()
	assert.Equal(t, int64(0), snap["current-copy-count"])
	assert.Equal(t, int64(2), snap["finished-copy-count"])
	assert.Equal(t, int64(1), snap["cancelled-copy-count"])
	assert.Equal(t, int64(750), snap["mean-bytes-copied"])
	assert.InDelta(t, 0.75, snap["mean-copy-ratio"].(float64), 1e-9)
}

func TestStartUpdatesPushesAndLogs(t *testing.T) {
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	cs := New(logger)
	cs.OnEstimateCacheUsage(500, 1000)

	up := &mapUpdater{}
	cs.StartUpdates(up, 20*time.Millisecond)
	defer cs.StopUpdates()

	assert.Equal(t, int64(500), up.get("cache-usage-estimation"))
	assert.InDelta(t, 0.5, up.get("cache-usage-ratio-estimation").(float64), 1e-9)
	require.Eventually(t, func() bool { return len(hook.AllEntries()) >= 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "cache_stats", hook.LastEntry().Message)

	cs.OnCleanup(time.Now())
	assert.Equal(t, int64(1), up.get("cleanup-count"))

	cs.StopUpdates()
	cs.StopUpdates()
	cs.OnCleanup(time.Now())
	assert.Equal(t, int64(1), up.get("cleanup-count"), "no updates after stop")
}

func TestPrometheusUpdater(t *testing.T) {
	reg := prometheus.NewRegistry()
	up, err := NewPrometheusUpdater(reg, "origin_cache")
	require.NoError(t, err)

	cs := New(nil)
	cs.StartUpdates(up, time.Hour)
	defer cs.StopUpdates()

	cs.OnEstimateCacheUsage(2048, 4096)
	up.Update("provider-name", "media")

	values := gatherGauges(t, reg)
	assert.Equal(t, 2048.0, values["origin_cache_cache_usage_estimation"])
	assert.Equal(t, 0.5, values["origin_cache_cache_usage_ratio_estimation"])
	assert.Equal(t, 1.0, values["origin_cache_provider_info"])

	up.Update("unknown-key", 1)
	up.Update("cache-hit-count", "not a number")
}

func gatherGauges(t *testing.T, reg *prometheus.Registry) map[string]float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	values := make(map[string]float64, len(families))
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			values[mf.GetName()] = m.GetGauge().GetValue()
		}
	}
	return values
}
