package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/tiercache/tiercache/pkg/errors"
	"github.com/tiercache/tiercache/pkg/tiercache"
	"github.com/tiercache/tiercache/pkg/types"
)

type fakeBackend struct {
	mu        sync.Mutex
	values    map[string][]byte
	err       error
	preloaded []string
	evicted   []string
	cleared   []string
	policies  []types.AccessPolicy
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{values: map[string][]byte{}}
}

func (b *fakeBackend) Get(ctx context.Context, locator string, policy types.AccessPolicy) (types.Result[[]byte], error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.policies = append(b.policies, policy)
	if b.err != nil {
		return types.Result[[]byte]{}, b.err
	}
	v, ok := b.values[locator]
	if !ok {
		return types.Result[[]byte]{}, errors.NewError(errors.ErrCodeNotFound, "not cached")
	}
	return types.Result[[]byte]{Key: types.KeyFor(locator), Value: v, Source: types.SourceDisk}, nil
}

func (b *fakeBackend) Preload(locator string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.preloaded = append(b.preloaded, locator)
	return nil
}

func (b *fakeBackend) Evict(locator string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.evicted = append(b.evicted, locator)
	_, ok := b.values[locator]
	return ok
}

func (b *fakeBackend) ClearMemory() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cleared = append(b.cleared, "memory")
}

func (b *fakeBackend) ClearDisk(mode tiercache.ClearMode) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cleared = append(b.cleared, "disk:"+mode.String())
	return 3, nil
}

func (b *fakeBackend) Stats() tiercache.Stats {
	return tiercache.Stats{InFlight: 2}
}

func do(t *testing.T, s *Server, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(method, target, nil))
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var response map[string]interface{}
	if err := json.NewDecoder(w.Body).Decode(&response); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	return response
}

func TestNewServer(t *testing.T) {
	backend := newFakeBackend()
	server := NewServer(DefaultServerConfig(), backend)

	if server == nil {
		t.Fatal("NewServer returned nil")
	}
	if server.backend != backend {
		t.Error("Backend not set correctly")
	}
	if server.httpServer == nil {
		t.Error("HTTP server not initialized")
	}
	if server.httpServer.Addr != "localhost:8080" {
		t.Errorf("Unexpected address %s", server.httpServer.Addr)
	}
}

func TestHandleCacheGet(t *testing.T) {
	backend := newFakeBackend()
	backend.values["https://example.com/a.png"] = []byte("png-bytes")
	server := NewServer(DefaultServerConfig(), backend)

	w := do(t, server, http.MethodGet, "/cache?locator=https://example.com/a.png&policy=cache_only")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	if w.Body.String() != "png-bytes" {
		t.Errorf("Unexpected body %q", w.Body.String())
	}
	if w.Header().Get("X-Cache-Source") != "disk" {
		t.Errorf("Expected X-Cache-Source=disk, got %q", w.Header().Get("X-Cache-Source"))
	}
	if backend.policies[0] != types.PolicyCacheOnly {
		t.Errorf("Expected CACHE_ONLY, got %v", backend.policies[0])
	}
}

func TestHandleCacheErrors(t *testing.T) {
	tests := []struct {
		name   string
		target string
		err    error
		want   int
	}{
		{"missing locator", "/cache", nil, http.StatusBadRequest},
		{"bad policy", "/cache?locator=x&policy=sometimes", nil, http.StatusBadRequest},
		{"not cached", "/cache?locator=x&policy=CACHE_ONLY", nil, http.StatusNotFound},
		{"misused policy", "/cache?locator=x", errors.NewError(errors.ErrCodeInvalidPolicy, "no"), http.StatusBadRequest},
		{"fetch failed", "/cache?locator=x", errors.Wrap(errors.NewError(errors.ErrCodeHTTPStatus, "500"), errors.ErrCodeFetchFailed, "failed"), http.StatusBadGateway},
		{"circuit open", "/cache?locator=x", errors.Wrap(errors.NewError(errors.ErrCodeCircuitOpen, "open"), errors.ErrCodeFetchFailed, "failed"), http.StatusServiceUnavailable},
		{"stopped", "/cache?locator=x", errors.NewError(errors.ErrCodeComponentStopped, "closed"), http.StatusServiceUnavailable},
		{"deadline", "/cache?locator=x", context.DeadlineExceeded, http.StatusGatewayTimeout},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backend := newFakeBackend()
			backend.err = tt.err
			w := do(t, NewServer(DefaultServerConfig(), backend), http.MethodGet, tt.target)
			if w.Code != tt.want {
				t.Errorf("Expected status %d, got %d: %s", tt.want, w.Code, w.Body.String())
			}
		})
	}
}

func TestHandleCacheDelete(t *testing.T) {
	backend := newFakeBackend()
	backend.values["x"] = []byte("v")
	server := NewServer(DefaultServerConfig(), backend)

	w := do(t, server, http.MethodDelete, "/cache?locator=x")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	if decodeBody(t, w)["evicted"] != true {
		t.Error("Expected evicted=true")
	}

	w = do(t, server, http.MethodPut, "/cache?locator=x")
	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("Expected status 405, got %d", w.Code)
	}
}

func TestHandlePreload(t *testing.T) {
	backend := newFakeBackend()
	server := NewServer(DefaultServerConfig(), backend)

	w := do(t, server, http.MethodPost, "/cache/preload?locator=a&locator=b")
	if w.Code != http.StatusAccepted {
		t.Fatalf("Expected status 202, got %d", w.Code)
	}
	if len(backend.preloaded) != 2 {
		t.Errorf("Expected 2 preloads, got %v", backend.preloaded)
	}

	if w := do(t, server, http.MethodGet, "/cache/preload?locator=a"); w.Code != http.StatusMethodNotAllowed {
		t.Errorf("Expected status 405, got %d", w.Code)
	}
}

func TestHandleClear(t *testing.T) {
	tests := []struct {
		target string
		want   []string
		code   int
	}{
		{"/cache/clear?scope=memory", []string{"memory"}, http.StatusOK},
		{"/cache/clear?scope=disk&mode=old", []string{"disk:EVICT_OLD"}, http.StatusOK},
		{"/cache/clear", []string{"memory", "disk:ALL"}, http.StatusOK},
		{"/cache/clear?scope=everything", nil, http.StatusBadRequest},
		{"/cache/clear?mode=recent", nil, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.target, func(t *testing.T) {
			backend := newFakeBackend()
			w := do(t, NewServer(DefaultServerConfig(), backend), http.MethodPost, tt.target)
			if w.Code != tt.code {
				t.Fatalf("Expected status %d, got %d", tt.code, w.Code)
			}
			if strings.Join(backend.cleared, ",") != strings.Join(tt.want, ",") {
				t.Errorf("Expected %v, got %v", tt.want, backend.cleared)
			}
		})
	}
}

func TestHandleStats(t *testing.T) {
	w := do(t, NewServer(DefaultServerConfig(), newFakeBackend()), http.MethodGet, "/stats")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	if decodeBody(t, w)["in_flight"] != float64(2) {
		t.Errorf("Expected in_flight=2 in %s", w.Body.String())
	}
}

func TestHandleHealth(t *testing.T) {
	tests := []struct {
		name      string
		states    map[string]string
		status    string
		code      int
		readyCode int
	}{
		{"all closed", map[string]string{"http": "closed", "s3": "closed"}, "healthy", http.StatusOK, http.StatusOK},
		{"one open", map[string]string{"http": "open", "s3": "half-open"}, "degraded", http.StatusPartialContent, http.StatusOK},
		{"all open", map[string]string{"http": "open"}, "unavailable", http.StatusOK, http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := NewServer(DefaultServerConfig(), newFakeBackend(),
				WithBreakers(func() map[string]string { return tt.states }))

			w := do(t, server, http.MethodGet, "/health")
			if w.Code != tt.code {
				t.Errorf("Expected status %d, got %d", tt.code, w.Code)
			}
			if got := decodeBody(t, w)["status"]; got != tt.status {
				t.Errorf("Expected status=%s, got %v", tt.status, got)
			}

			w = do(t, server, http.MethodGet, "/health/ready")
			if w.Code != tt.readyCode {
				t.Errorf("Expected readiness %d, got %d", tt.readyCode, w.Code)
			}
		})
	}
}

func TestHandleLiveness(t *testing.T) {
	w := do(t, NewServer(DefaultServerConfig(), newFakeBackend()), http.MethodGet, "/health/live")
	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}
	if decodeBody(t, w)["alive"] != true {
		t.Error("Expected alive=true")
	}
}

func TestMetricsAndInfo(t *testing.T) {
	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("tiercache_up 1\n"))
	})

	without := NewServer(DefaultServerConfig(), newFakeBackend())
	if w := do(t, without, http.MethodGet, "/metrics"); w.Code != http.StatusNotFound {
		t.Errorf("Expected /metrics to be absent, got %d", w.Code)
	}

	server := NewServer(DefaultServerConfig(), newFakeBackend(), WithMetrics(metrics))
	w := do(t, server, http.MethodGet, "/metrics")
	if !strings.Contains(w.Body.String(), "tiercache_up") {
		t.Errorf("Unexpected metrics body %q", w.Body.String())
	}

	w = do(t, server, http.MethodGet, "/info")
	endpoints, _ := decodeBody(t, w)["endpoints"].([]interface{})
	found := false
	for _, e := range endpoints {
		if e == "/metrics" {
			found = true
		}
	}
	if !found {
		t.Errorf("Expected /metrics in %v", endpoints)
	}
}

func TestCORS(t *testing.T) {
	config := DefaultServerConfig()
	config.EnableCORS = true
	server := NewServer(config, newFakeBackend())

	w := do(t, server, http.MethodOptions, "/stats")
	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}
	if w.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("Expected CORS header")
	}
}
