package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"concallbot/internal/pipeline"
)

// value reads one sample of a counter or gauge family from the registry.
func value(t *testing.T, m *Metrics, name, label, want string) float64 {
	t.Helper()
	fams, err := m.Registry.Gather()
	require.NoError(t, err)
	for _, f := range fams {
		if f.GetName() != name {
			continue
		}
		for _, s := range f.GetMetric() {
			for _, l := range s.GetLabel() {
				if l.GetName() == label && l.GetValue() == want {
					if s.GetCounter() != nil {
						return s.GetCounter().GetValue()
					}
					return s.GetGauge().GetValue()
				}
			}
		}
	}
	return 0
}

func TestCounters(t *testing.T) {
	t.Parallel()
	m := New()

	m.CycleDone("ok", time.Second)
	m.CycleDone("error", time.Second)
	m.Extracted(3, 1, 2, 0, 0, 1)
	m.Outcome(pipeline.StateMarkedDelivered)
	m.Outcome(pipeline.StateAborted)
	m.Stage("image", 10*time.Millisecond, errors.New("x"))
	m.BreakerChanged("closed", "open")

	assert.Equal(t, 1.0, value(t, m, "concallbot_cycles_total", "result", "ok"))
	assert.Equal(t, 1.0, value(t, m, "concallbot_cycles_total", "result", "error"))
	assert.Equal(t, 3.0, value(t, m, "concallbot_feed_items_total", "decision", "kept"))
	assert.Equal(t, 1.0, value(t, m, "concallbot_deliveries_total", "state", "ABORTED"))
	assert.Equal(t, 1.0, value(t, m, "concallbot_stage_errors_total", "stage", "image"))
	assert.Equal(t, 1.0, value(t, m, "concallbot_feed_breaker_state", "state", "open"))
	assert.Equal(t, 0.0, value(t, m, "concallbot_feed_breaker_state", "state", "closed"))
}

func TestHandler(t *testing.T) {
	t.Parallel()
	m := New()
	m.CycleDone("ok", time.Second)

	var unhealthy atomic.Bool
	srv := httptest.NewServer(Handler(m, func() error {
		if unhealthy.Load() {
			return errors.New("stale")
		}
		return nil
	}))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `concallbot_cycles_total{result="ok"} 1`)

	resp, err = http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	unhealthy.Store(true)
	resp, err = http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestHandlerProfilerRequiresToken(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(Handler(New(), nil, WithProfiler("s3cret")))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/debug/pprof/")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/debug/pprof/", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode, "metrics stay open")
}

func TestHandlerWithoutProfiler(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(Handler(New(), nil))
	defer srv.Close()
	resp, err := http.Get(srv.URL + "/debug/pprof/")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
