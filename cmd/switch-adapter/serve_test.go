package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/example/switch-adapter/internal/config"
	"github.com/example/switch-adapter/internal/endpoints"
	"github.com/example/switch-adapter/internal/proxycache"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type countingDirectory struct {
	mu    sync.Mutex
	calls int
}

func (d *countingDirectory) FetchEndpoints(context.Context, string) (endpoints.Table, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	return endpoints.Table{endpoints.TransferPost: "http://payee.example/transfers"}, nil
}

func (d *countingDirectory) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

type alwaysReady struct{}

func (alwaysReady) IsReady() bool { return true }

func TestNotificationOpsServerResetsEndpointCache(t *testing.T) {
	dir := &countingDirectory{}
	cache, err := endpoints.New(dir, proxycache.NewMemoryStore(), endpoints.WithWarmParticipants("payeefsp"))
	if err != nil {
		t.Fatalf("endpoints.New returned error: %v", err)
	}
	if err := cache.Start(context.Background()); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}

	a := &app{
		cfg:      &config.Config{Metrics: config.MetricsConfig{Enabled: true}},
		log:      zerolog.Nop(),
		registry: prometheus.NewRegistry(),
	}
	h := a.opsServer(cache, alwaysReady{})

	cases := []struct {
		method string
		path   string
		want   int
	}{
		{http.MethodDelete, "/endpointcache", http.StatusAccepted},
		{http.MethodGet, "/health", http.StatusOK},
		{http.MethodGet, "/metrics", http.StatusOK},
		{http.MethodPost, "/transfers", http.StatusNotFound},
	}
	for _, tc := range cases {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(tc.method, tc.path, nil))
		if rec.Code != tc.want {
			t.Fatalf("%s %s: expected %d, got %d", tc.method, tc.path, tc.want, rec.Code)
		}
	}

	if got := dir.count(); got != 2 {
		t.Fatalf("expected warm-up fetch on start and on reset, got %d fetches", got)
	}
}

func TestOpsServerOmitsMetricsWhenDisabled(t *testing.T) {
	a := &app{cfg: &config.Config{}, log: zerolog.Nop(), registry: prometheus.NewRegistry()}
	rec := httptest.NewRecorder()
	a.opsServer(nil, alwaysReady{}).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 without metrics, got %d", rec.Code)
	}
}
