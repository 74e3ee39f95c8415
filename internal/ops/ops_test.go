package ops_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"readwise-autosave/internal/metrics"
	"readwise-autosave/internal/ops"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

type stubPinger struct {
	err error
}

func (p stubPinger) Ping(context.Context) error {
	return p.err
}

type stubWorkers []string

func (w stubWorkers) Active() []string {
	return w
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))

	return rec
}

func TestHealthz(t *testing.T) {
	reg := prometheus.NewRegistry()

	ok := ops.NewRouter(stubPinger{}, stubWorkers{}, reg, testLogger())
	if rec := get(t, ok, "/healthz"); rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Fatalf("unexpected healthy response %d %q", rec.Code, rec.Body.String())
	}

	down := ops.NewRouter(stubPinger{err: errors.New("disk I/O error")}, stubWorkers{}, reg, testLogger())
	if rec := get(t, down, "/healthz"); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestMetricsAndWorkers(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	m.Item("bookmarks", "delivered")
	m.WorkerStarted("dms")

	h := ops.NewRouter(stubPinger{}, stubWorkers{"u1", "u2"}, reg, testLogger())

	rec := get(t, h, "/metrics")
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected metrics status %d", rec.Code)
	}

	body := rec.Body.String()
	if !strings.Contains(body, `readwise_autosave_items_total{outcome="delivered",source="bookmarks"} 1`) {
		t.Fatalf("items counter missing from metrics:\n%s", body)
	}
	if !strings.Contains(body, `readwise_autosave_active_workers{source="dms"} 1`) {
		t.Fatalf("workers gauge missing from metrics:\n%s", body)
	}

	rec = get(t, h, "/workers")

	var resp struct {
		Count int      `json:"count"`
		Users []string `json:"users"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode workers response: %v", err)
	}

	if resp.Count != 2 || len(resp.Users) != 2 {
		t.Fatalf("unexpected workers response %+v", resp)
	}
}
