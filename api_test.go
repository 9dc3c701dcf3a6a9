package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"chatpipe/hub"
	"chatpipe/store"
)

func newTestAPIServer(t *testing.T) *APIServer {
	t.Helper()
	st, err := store.New(":memory:", nil)
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	h := hub.New(nil)
	return NewAPIServer(st, h, "test-server")
}

func TestHealthEndpoint(t *testing.T) {
	api := newTestAPIServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	rec := httptest.NewRecorder()
	api.echo.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp HealthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Status != "ok" {
		t.Errorf("expected status ok, got %q", resp.Status)
	}
	if resp.Server != "test-server" {
		t.Errorf("expected server name test-server, got %q", resp.Server)
	}
	if resp.Version != Version {
		t.Errorf("expected version %q, got %q", Version, resp.Version)
	}
}

func TestHealthEndpointCORS(t *testing.T) {
	api := newTestAPIServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	req.Header.Set("Origin", "http://example.com")
	rec := httptest.NewRecorder()
	api.echo.ServeHTTP(rec, req)

	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("expected permissive CORS header, got %q", got)
	}
}

func TestStatsEndpoint(t *testing.T) {
	api := newTestAPIServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/stats", nil)
	rec := httptest.NewRecorder()
	api.echo.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp StatsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Messages != 0 {
		t.Errorf("expected 0 messages in fresh store, got %d", resp.Messages)
	}
	if resp.Peers != 0 {
		t.Errorf("expected 0 peers, got %d", resp.Peers)
	}
}

func TestOverlayRouteNotImplemented(t *testing.T) {
	api := newTestAPIServer(t)

	req := httptest.NewRequest(http.MethodGet, "/overlay/index.html", nil)
	rec := httptest.NewRecorder()
	api.echo.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotImplemented {
		t.Fatalf("expected 501, got %d: %s", rec.Code, rec.Body.String())
	}

	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if body["error"] == "" {
		t.Error("expected non-empty error message")
	}
}

func TestAPIServerRunRespectsContextCancellation(t *testing.T) {
	api := newTestAPIServer(t)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- api.Run(ctx, "127.0.0.1:0") }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("expected clean shutdown, got: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for server shutdown")
	}
}
