package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.CacheLookup("static", "hit")
		m.CacheStored("dynamic")
		m.CacheEvicted(3)
		m.Fetch("network-first", "network")
		m.SetQueueDepth(4)
		m.Enqueued()
		m.Replay("synced")
		m.Drain("completed", time.Second)
		m.PushDelivered(2)
		m.Probe(true)
	})
	assert.NotNil(t, m.Handler())
}

func TestRecording(t *testing.T) {
	m := New()

	m.CacheLookup("static", "hit")
	m.CacheLookup("static", "hit")
	m.CacheLookup("dynamic", "miss")
	m.SetQueueDepth(3)
	m.Replay("synced")
	m.Replay("retained")
	m.Drain("completed", 50*time.Millisecond)
	m.Drain("coalesced", 0)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.cacheLookups.WithLabelValues("static", "hit")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.cacheLookups.WithLabelValues("dynamic", "miss")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.queueDepth))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.drains.WithLabelValues("coalesced")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.drainDuration))
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New()
	m.Enqueued()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/__sync/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Equal(t, 200, rec.Code)
	assert.Contains(t, string(body), "attendsync_queue_enqueued_total 1")
}
