package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordersUpdateRegisteredMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.RecordGet("history", ResultHit)
	m.RecordGet("history", ResultHit)
	m.RecordGet("annotation", ResultStale)
	m.RecordStore("history", 10*time.Millisecond, nil)
	m.RecordStore("history", time.Millisecond, errors.New("disk full"))
	m.RecordChunk(nil)
	m.RecordBuild("git", time.Second, nil)
	m.RecordLiveFetch("annotation", nil)
	m.RecordAPIRequest("/api/v1/history", 404, time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.CacheGetsTotal.WithLabelValues("history", ResultHit)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CacheGetsTotal.WithLabelValues("annotation", ResultStale)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CacheStoresTotal.WithLabelValues("history", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.IngestChunksTotal.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RepositoryBuilds.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.LiveFetchesTotal.WithLabelValues("annotation", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.APIRequestsTotal.WithLabelValues("/api/v1/history", "404")))

	n, err := testutil.GatherAndCount(reg, "historycache_cache_gets_total")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestNopMetricsAreUnregistered(t *testing.T) {
	a, b := Nop(), Nop()
	a.RepositoriesRegistered.Set(3)
	b.RepositoriesRegistered.Set(1)
	assert.Equal(t, 3.0, testutil.ToFloat64(a.RepositoriesRegistered))
}
