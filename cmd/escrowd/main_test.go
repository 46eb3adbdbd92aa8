package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"escrowflow/app"
	"escrowflow/config"
)

func newTestApp(t *testing.T) *app.App {
	t.Helper()
	mr := miniredis.RunT(t)
	a, err := app.New(context.Background(), config.Config{
		RedisAddrs:      []string{mr.Addr()},
		LockTTL:         5 * time.Second,
		PoolMaxConns:    1,
		ShutdownTimeout: time.Second,
	}, nil)
	if err != nil {
		t.Fatalf("app: %v", err)
	}
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func TestHealthz(t *testing.T) {
	mux := newMux(newTestApp(t))

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	a := newTestApp(t)
	a.Metrics.Transition("PAID", "SHIPPED")
	mux := newMux(a)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "escrow_transitions_total") {
		t.Errorf("expected escrow collectors in exposition")
	}
}
