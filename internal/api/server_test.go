package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psantana5/jobwatch/internal/history"
	"github.com/psantana5/jobwatch/internal/monitor"
)

type fakeMonitor struct {
	summary  monitor.Summary
	health   *monitor.HealthCheck
	failures *monitor.FailureLog
}

func newFakeMonitor() *fakeMonitor {
	return &fakeMonitor{
		summary: monitor.Summary{
			Running:         true,
			IntervalSeconds: 10,
			OutputDir:       "/tmp/monitor",
			LoopAlive:       true,
			RunID:           "run-1",
			Ticks:           3,
			LastStatus:      "RUNNING",
			Health:          "healthy",
		},
		health:   monitor.NewHealthCheck(10 * time.Second),
		failures: monitor.NewFailureLog(10),
	}
}

func (f *fakeMonitor) StatusSummary() monitor.Summary { return f.summary }
func (f *fakeMonitor) Health() *monitor.HealthCheck { return f.health }
func (f *fakeMonitor) Failures() *monitor.FailureLog { return f.failures }

type fakeHistory struct {
	ticks []history.Tick
	err   error
	last  history.Query
}

func (f *fakeHistory) Recent(_ context.Context, q history.Query) ([]history.Tick, error) {
	f.last = q
	return f.ticks, f.err
}

func get(t *testing.T, h http.Handler, target string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest("GET", target, nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decode(t *testing.T, rr *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out), rr.Body.String())
	return out
}

func TestStatusEndpoint(t *testing.T) {
	s := NewServer(Config{}, newFakeMonitor())

	rr := get(t, s.Handler(), "/status")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))

	body := decode(t, rr)
	assert.Equal(t, true, body["is_running"])
	assert.Equal(t, float64(10), body["interval_seconds"])
	assert.Equal(t, "/tmp/monitor", body["monitor_log_dir"])
	assert.Equal(t, "run-1", body["run_id"])
}

func TestHealthEndpoint(t *testing.T) {
	m := newFakeMonitor()
	s := NewServer(Config{}, m)

	rr := get(t, s.Handler(), "/health")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "healthy", decode(t, rr)["status"])

	for i := 0; i < 5; i++ {
		m.health.RecordTickFailure(monitor.NewDispatchError(monitor.StageStatus, monitor.Node{}, errors.New("pid file unreadable")))
	}
	rr = get(t, s.Handler(), "/health")
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	body := decode(t, rr)
	assert.Equal(t, "unhealthy", body["status"])
	assert.Contains(t, body["last_error"], "pid file unreadable")
}

func TestFailuresEndpoint(t *testing.T) {
	m := newFakeMonitor()
	for _, host := range []string{"gpu-1", "gpu-2", "gpu-3"} {
		m.failures.Record(monitor.NewDispatchError(monitor.StageCollect, monitor.Node{Host: host}, errors.New("connection refused")))
	}
	s := NewServer(Config{}, m)

	rr := get(t, s.Handler(), "/failures?limit=2")
	require.Equal(t, http.StatusOK, rr.Code)
	body := decode(t, rr)
	assert.Equal(t, float64(3), body["total"])
	failures := body["failures"].([]interface{})
	require.Len(t, failures, 2)
	assert.Equal(t, "gpu-3", failures[0].(map[string]interface{})["host"], "newest first")

	rr = get(t, s.Handler(), "/failures?limit=abc")
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestHistoryEndpoint(t *testing.T) {
	t.Run("not configured", func(t *testing.T) {
		s := NewServer(Config{}, newFakeMonitor())
		assert.Equal(t, http.StatusNotFound, get(t, s.Handler(), "/history").Code)
	})

	t.Run("lists ticks", func(t *testing.T) {
		h := &fakeHistory{ticks: []history.Tick{{ID: 2, RunID: "run-1", Seq: 2, Status: "RUNNING"}}}
		s := NewServer(Config{}, newFakeMonitor(), WithHistory(h))

		rr := get(t, s.Handler(), "/history?run_id=run-1&limit=5")
		require.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, history.Query{RunID: "run-1", Limit: 5}, h.last)
		body := decode(t, rr)
		assert.Equal(t, float64(1), body["count"])
	})

	t.Run("empty list is not null", func(t *testing.T) {
		s := NewServer(Config{}, newFakeMonitor(), WithHistory(&fakeHistory{}))
		rr := get(t, s.Handler(), "/history")
		require.Equal(t, http.StatusOK, rr.Code)
		assert.JSONEq(t, `{"ticks": [], "count": 0}`, rr.Body.String())
	})

	t.Run("store error", func(t *testing.T) {
		s := NewServer(Config{}, newFakeMonitor(), WithHistory(&fakeHistory{err: errors.New("database is locked")}))
		assert.Equal(t, http.StatusInternalServerError, get(t, s.Handler(), "/history").Code)
	})
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "jobwatch_test_total", Help: "test"})
	reg.MustRegister(counter)
	counter.Inc()

	s := NewServer(Config{}, newFakeMonitor(), WithGatherer(reg))
	rr := get(t, s.Handler(), "/metrics")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "jobwatch_test_total 1")
}

func TestRateLimit(t *testing.T) {
	s := NewServer(Config{RateLimit: 1, Burst: 2}, newFakeMonitor())
	h := s.Handler()

	send := func(remote string) int {
		req := httptest.NewRequest("GET", "/status", nil)
		req.RemoteAddr = remote
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		return rr.Code
	}

	assert.Equal(t, http.StatusOK, send("10.0.0.1:1111"))
	assert.Equal(t, http.StatusOK, send("10.0.0.1:2222"))
	assert.Equal(t, http.StatusTooManyRequests, send("10.0.0.1:3333"), "ports do not matter")
	assert.Equal(t, http.StatusOK, send("10.0.0.2:1111"), "limits are per client")
}

func TestLimiterCleanup(t *testing.T) {
	l := NewLimiter(10, 1)
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	l.Allow("a")
	now = now.Add(time.Hour)
	l.Allow("b")

	assert.Equal(t, 1, l.Cleanup(30*time.Minute))
	assert.Len(t, l.limiters, 1)
	assert.Contains(t, l.limiters, "b")
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "192.168.1.5:4242"
	assert.Equal(t, "192.168.1.5", ClientIP(req))

	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	assert.Equal(t, "203.0.113.7", ClientIP(req))
}

func TestListenAndServe(t *testing.T) {
	s := NewServer(Config{Listen: "127.0.0.1:0"}, newFakeMonitor())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh, err := s.ListenAndServe(ctx)
	require.NoError(t, err)

	shutdownCtx, done := context.WithTimeout(context.Background(), 2*time.Second)
	defer done()
	require.NoError(t, s.Shutdown(shutdownCtx))
	assert.NoError(t, <-errCh)

	bad := NewServer(Config{Listen: "256.0.0.1:0"}, newFakeMonitor())
	_, err = bad.ListenAndServe(ctx)
	assert.Error(t, err)
}
