package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/objectfs/mediacache/internal/netclass"
	"github.com/objectfs/mediacache/internal/planner"
	"github.com/objectfs/mediacache/internal/scheduler"
	"github.com/objectfs/mediacache/internal/session"
	"github.com/objectfs/mediacache/pkg/errors"
	"github.com/objectfs/mediacache/pkg/types"
)

type fakeBackend struct {
	mu        sync.Mutex
	healthErr error
	readOnly  bool
	signals   []int
	class     netclass.Class
}

func (f *fakeBackend) Stats() session.Stats {
	return session.Stats{
		ID:           "session-1",
		NetworkClass: f.class,
		Cache:        types.CacheStats{Entries: 4, Size: 4 << 20, Capacity: 48 << 20},
		Scheduler:    types.SchedulerStats{State: "idle", ResourceID: "song.mp3"},
	}
}

func (f *fakeBackend) Descriptors() []planner.Descriptor {
	return []planner.Descriptor{{ResourceID: "song.mp3", Size: 6 << 20, ChunkSize: 300 << 10, ChunkCount: 21}}
}

func (f *fakeBackend) Pending() []scheduler.PendingTask {
	return []scheduler.PendingTask{
		{Key: types.ChunkKey{ResourceID: "song.mp3", Index: 5}, Priority: types.PriorityHigh},
		{Key: types.ChunkKey{ResourceID: "song.mp3", Index: 7}, Priority: types.PriorityMedium},
	}
}

func (f *fakeBackend) Signal(level int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.signals = append(f.signals, level)
}

func (f *fakeBackend) SetNetworkClass(label string) (netclass.Class, error) {
	if f.readOnly {
		return "", errors.New(errors.ErrCodeInvalidConfig, "network class source is read-only")
	}
	f.class = netclass.Normalize(label)
	return f.class, nil
}

func (f *fakeBackend) Healthy() error { return f.healthErr }

func newTestServer(backend Backend, metrics http.Handler) *httptest.Server {
	srv := NewServer(DefaultServerConfig(), backend, metrics, nil)
	return httptest.NewServer(srv.Handler())
}

func decode(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()
	defer resp.Body.Close()

	var body map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	return body
}

func TestDefaultServerConfig(t *testing.T) {
	config := DefaultServerConfig()

	if config.Address != "localhost:8090" {
		t.Errorf("Expected address localhost:8090, got %s", config.Address)
	}
	if config.ReadTimeout != 10*time.Second {
		t.Errorf("Expected read timeout 10s, got %v", config.ReadTimeout)
	}
	if config.RequestTimeout != 30*time.Second {
		t.Errorf("Expected request timeout 30s, got %v", config.RequestTimeout)
	}
}

func TestHandleLiveness(t *testing.T) {
	ts := newTestServer(&fakeBackend{}, nil)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("Expected JSON content type, got %s", ct)
	}
	if body := decode(t, resp); body["status"] != "healthy" {
		t.Errorf("Expected status healthy, got %v", body["status"])
	}
}

func TestHandleReadiness(t *testing.T) {
	tests := []struct {
		name       string
		healthErr  error
		wantStatus int
		wantReady  bool
	}{
		{"all origins closed", nil, http.StatusOK, true},
		{"open breaker", fmt.Errorf("circuit breakers open: [cdn.example]"), http.StatusServiceUnavailable, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(&fakeBackend{healthErr: tt.healthErr}, nil)
			defer ts.Close()

			resp, err := http.Get(ts.URL + "/health/ready")
			if err != nil {
				t.Fatalf("Request failed: %v", err)
			}
			if resp.StatusCode != tt.wantStatus {
				t.Errorf("Expected status %d, got %d", tt.wantStatus, resp.StatusCode)
			}
			if body := decode(t, resp); body["ready"] != tt.wantReady {
				t.Errorf("Expected ready=%v, got %v", tt.wantReady, body["ready"])
			}
		})
	}
}

func TestHandleStats(t *testing.T) {
	ts := newTestServer(&fakeBackend{class: netclass.Default}, nil)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/v1/stats")
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	body := decode(t, resp)

	if body["id"] != "session-1" {
		t.Errorf("Expected session id, got %v", body["id"])
	}
	cache, ok := body["cache"].(map[string]interface{})
	if !ok {
		t.Fatalf("Expected cache object, got %T", body["cache"])
	}
	if cache["entries"] != float64(4) {
		t.Errorf("Expected 4 cache entries, got %v", cache["entries"])
	}
}

func TestHandleDescriptorsAndQueue(t *testing.T) {
	ts := newTestServer(&fakeBackend{}, nil)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/v1/descriptors")
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	if body := decode(t, resp); body["count"] != float64(1) {
		t.Errorf("Expected 1 descriptor, got %v", body["count"])
	}

	resp, err = http.Get(ts.URL + "/api/v1/queue")
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	body := decode(t, resp)
	tasks, ok := body["tasks"].([]interface{})
	if !ok || len(tasks) != 2 {
		t.Fatalf("Expected 2 tasks, got %v", body["tasks"])
	}
	first := tasks[0].(map[string]interface{})
	if first["priority"] != "high" {
		t.Errorf("Expected first task priority high, got %v", first["priority"])
	}
}

func TestHandlePressure(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		wantStatus int
	}{
		{"valid level", `{"level":3}`, http.StatusAccepted},
		{"level too low", `{"level":0}`, http.StatusBadRequest},
		{"level too high", `{"level":6}`, http.StatusBadRequest},
		{"malformed body", `{"level":`, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backend := &fakeBackend{}
			ts := newTestServer(backend, nil)
			defer ts.Close()

			resp, err := http.Post(ts.URL+"/api/v1/pressure", "application/json", strings.NewReader(tt.body))
			if err != nil {
				t.Fatalf("Request failed: %v", err)
			}
			resp.Body.Close()

			if resp.StatusCode != tt.wantStatus {
				t.Errorf("Expected status %d, got %d", tt.wantStatus, resp.StatusCode)
			}

			backend.mu.Lock()
			defer backend.mu.Unlock()
			if tt.wantStatus == http.StatusAccepted {
				if len(backend.signals) != 1 || backend.signals[0] != 3 {
					t.Errorf("Expected one level 3 signal, got %v", backend.signals)
				}
			} else if len(backend.signals) != 0 {
				t.Errorf("Expected no signals, got %v", backend.signals)
			}
		})
	}
}

func TestHandleNetwork(t *testing.T) {
	ts := newTestServer(&fakeBackend{}, nil)
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/api/v1/network", "application/json", strings.NewReader(`{"class":"2g"}`))
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}
	body := decode(t, resp)
	if body["class"] != string(netclass.LowBandwidth) {
		t.Errorf("Expected low-bandwidth, got %v", body["class"])
	}
	if body["chunk_size"] != float64(200*1024) {
		t.Errorf("Expected 200KiB chunks, got %v", body["chunk_size"])
	}

	resp, err = http.Post(ts.URL+"/api/v1/network", "application/json", strings.NewReader(`{"class":" "}`))
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected status 400 for empty class, got %d", resp.StatusCode)
	}
}

func TestHandleNetwork_ReadOnlySource(t *testing.T) {
	ts := newTestServer(&fakeBackend{readOnly: true}, nil)
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/api/v1/network", "application/json", strings.NewReader(`{"class":"wifi"}`))
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusConflict {
		t.Errorf("Expected status 409, got %d", resp.StatusCode)
	}
}

func TestMetricsRoute(t *testing.T) {
	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("mediacache_fetches_total 1\n"))
	})

	ts := newTestServer(&fakeBackend{}, metrics)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	bare := newTestServer(&fakeBackend{}, nil)
	defer bare.Close()

	resp, err = http.Get(bare.URL + "/metrics")
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected status 404 without metrics handler, got %d", resp.StatusCode)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	ts := newTestServer(&fakeBackend{}, nil)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/v1/pressure")
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("Expected status 405, got %d", resp.StatusCode)
	}
}

func TestServerInterfaceCompliance(t *testing.T) {
	var _ Backend = (*session.Session)(nil)
}
