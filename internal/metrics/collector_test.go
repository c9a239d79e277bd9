package metrics

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tiercache/tiercache/pkg/errors"
	"github.com/tiercache/tiercache/pkg/types"
)

// sample returns the value of the series name whose labels include want
func sample(t *testing.T, c *Collector, name string, want map[string]string) float64 {
	t.Helper()
	families, err := c.Registry().Gather()
	require.NoError(t, err)

	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
	metrics:
		for _, m := range mf.GetMetric() {
			labels := map[string]string{}
			for _, lp := range m.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			for k, v := range want {
				if labels[k] != v {
					continue metrics
				}
			}
			switch {
			case m.GetCounter() != nil:
				return m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				return m.GetGauge().GetValue()
			case m.GetHistogram() != nil:
				return float64(m.GetHistogram().GetSampleCount())
			}
		}
	}
	return 0
}

func newTestCollector(t *testing.T) *Collector {
	t.Helper()
	c, err := NewCollector(&Config{Enabled: true, Namespace: "tiercache", Path: "/metrics"}, nil)
	require.NoError(t, err)
	return c
}

func TestNewCollector(t *testing.T) {
	t.Run("nil config uses defaults", func(t *testing.T) {
		c, err := NewCollector(nil, nil)
		require.NoError(t, err)
		assert.Equal(t, 9090, c.config.Port)
		assert.Equal(t, "/metrics", c.config.Path)
		assert.Equal(t, "tiercache", c.config.Namespace)
		assert.NotNil(t, c.Registry())
	})

	t.Run("disabled collector records nothing", func(t *testing.T) {
		c, err := NewCollector(&Config{Enabled: false}, nil)
		require.NoError(t, err)
		assert.Nil(t, c.Registry())

		assert.NotPanics(t, func() {
			c.RecordOperation("load", time.Millisecond, 10, true)
			c.RecordCacheHit(types.SourceMemory, 0)
			c.RecordCacheMiss("disk")
			c.RecordEviction("memory", 1)
			c.RecordCoalesced(1)
			c.RecordError("load", stderrors.New("x"))
			c.UpdateCacheSize("disk", 1)
		})
		assert.Empty(t, c.GetOperations())
		assert.NoError(t, c.Start(context.Background()))
	})
}

func TestRecordOperation(t *testing.T) {
	c := newTestCollector(t)

	c.RecordOperation("fetch", 10*time.Millisecond, 2048, true)
	c.RecordOperation("fetch", 30*time.Millisecond, 0, false)

	ops := c.GetOperations()
	require.Contains(t, ops, "fetch")
	assert.Equal(t, int64(2), ops["fetch"].Count)
	assert.Equal(t, int64(1), ops["fetch"].Errors)
	assert.Equal(t, 20*time.Millisecond, ops["fetch"].AvgDuration)
	assert.Equal(t, 1024.0, ops["fetch"].AvgSize)

	assert.Equal(t, 1.0, sample(t, c, "tiercache_operations_total", map[string]string{"operation": "fetch", "status": "success"}))
	assert.Equal(t, 1.0, sample(t, c, "tiercache_operations_total", map[string]string{"operation": "fetch", "status": "error"}))
	assert.Equal(t, 2.0, sample(t, c, "tiercache_operation_duration_seconds", map[string]string{"operation": "fetch"}))
	assert.Equal(t, 1.0, sample(t, c, "tiercache_operation_size_bytes", map[string]string{"operation": "fetch"}))

	c.ResetMetrics()
	assert.Empty(t, c.GetOperations())
}

func TestCacheSeries(t *testing.T) {
	c := newTestCollector(t)

	c.RecordCacheHit(types.SourceMemory, 0)
	c.RecordCacheHit(types.SourceMemory, 0)
	c.RecordCacheHit(types.SourceNetwork, 512)
	c.RecordCacheMiss("disk")
	c.RecordEviction("memory", 3)
	c.RecordEviction("memory", 0)
	c.RecordCoalesced(2)
	c.UpdateCacheSize("disk", 4096)

	assert.Equal(t, 2.0, sample(t, c, "tiercache_cache_requests_total", map[string]string{"type": "hit", "tier": types.SourceMemory.String()}))
	assert.Equal(t, 1.0, sample(t, c, "tiercache_cache_requests_total", map[string]string{"type": "hit", "tier": types.SourceNetwork.String()}))
	assert.Equal(t, 1.0, sample(t, c, "tiercache_cache_requests_total", map[string]string{"type": "miss", "tier": "disk"}))
	assert.Equal(t, 3.0, sample(t, c, "tiercache_evictions_total", map[string]string{"tier": "memory"}))
	assert.Equal(t, 2.0, sample(t, c, "tiercache_coalesced_requests_total", nil))
	assert.Equal(t, 4096.0, sample(t, c, "tiercache_cache_size_bytes", map[string]string{"tier": "disk"}))
}

func TestRecordError_LabelsByCode(t *testing.T) {
	c := newTestCollector(t)

	c.RecordError("load", errors.NewError(errors.ErrCodeFetchFailed, "boom"))
	c.RecordError("load", stderrors.New("plain"))
	c.RecordError("load", nil)

	assert.Equal(t, 1.0, sample(t, c, "tiercache_errors_total", map[string]string{"operation": "load", "code": "FETCH_FAILED"}))
	assert.Equal(t, 1.0, sample(t, c, "tiercache_errors_total", map[string]string{"operation": "load", "code": "OTHER"}))
}

func TestHandlers(t *testing.T) {
	c := newTestCollector(t)
	c.RecordCacheMiss("memory")
	c.RecordOperation("load", time.Millisecond, 0, true)

	srv := httptest.NewServer(c.Handler())
	defer srv.Close()
	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.True(t, strings.Contains(string(body), "tiercache_cache_requests_total"), "exposition output:\n%s", body)

	rec := httptest.NewRecorder()
	c.debugOperationsHandler(rec, httptest.NewRequest(http.MethodGet, "/debug/operations", nil))
	var summary struct {
		Operations map[string]OperationMetrics `json:"operations"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &summary))
	assert.Equal(t, int64(1), summary.Operations["load"].Count)

	rec = httptest.NewRecorder()
	c.healthHandler(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "healthy")
}
