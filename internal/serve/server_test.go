package serve

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Dicklesworthstone/agentwatch/internal/logging"
	"github.com/Dicklesworthstone/agentwatch/internal/metrics"
)

func newTestServer(t *testing.T, cfg Config) *httptest.Server {
	t.Helper()
	cfg.Logger = logging.Discard()
	ts := httptest.NewServer(New(cfg).Router())
	t.Cleanup(ts.Close)
	return ts
}

func get(t *testing.T, url string) (int, string, string) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp.StatusCode, resp.Header.Get("Content-Type"), string(body)
}

func TestEndpoints(t *testing.T) {
	col := metrics.New(time.Hour)
	col.Inc(metrics.Cycles, metrics.Labels{"strategy": "concurrent"})
	col.Observe(metrics.CycleDuration, nil, 250*time.Millisecond)

	ts := newTestServer(t, Config{
		Metrics: col,
		Status:  func() any { return map[string]int{"agents_monitored": 3} },
	})

	tests := []struct {
		name       string
		path       string
		wantStatus int
		wantType   string
		wantBody   string
	}{
		{"prometheus", "/metrics", http.StatusOK, "text/plain", `agentwatch_cycles_total{strategy="concurrent"} 1`},
		{"prometheus summary quantiles", "/metrics", http.StatusOK, "text/plain", `quantile="0.99"`},
		{"summary text", "/metrics/summary", http.StatusOK, "text/plain", "Counters:"},
		{"summary json", "/metrics/summary?format=json", http.StatusOK, "application/json", `"counters"`},
		{"status", "/status", http.StatusOK, "application/json", `"agents_monitored": 3`},
		{"health", "/healthz", http.StatusOK, "application/json", `"healthy"`},
		{"unknown", "/nope", http.StatusNotFound, "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, ctype, body := get(t, ts.URL+tt.path)
			if code != tt.wantStatus {
				t.Fatalf("status = %d, want %d (%s)", code, tt.wantStatus, body)
			}
			if tt.wantType != "" && !strings.HasPrefix(ctype, tt.wantType) {
				t.Errorf("content type = %q, want %q", ctype, tt.wantType)
			}
			if !strings.Contains(body, tt.wantBody) {
				t.Errorf("body missing %q:\n%s", tt.wantBody, body)
			}
		})
	}
}

func TestUnavailable(t *testing.T) {
	ts := newTestServer(t, Config{
		Status:  func() any { return nil },
		Healthy: func() bool { return false },
	})

	for _, tt := range []struct {
		path string
		want int
	}{
		{"/metrics", http.StatusNotFound},
		{"/metrics/summary", http.StatusNotFound},
		{"/status", http.StatusServiceUnavailable},
		{"/healthz", http.StatusServiceUnavailable},
	} {
		if code, _, body := get(t, ts.URL+tt.path); code != tt.want {
			t.Errorf("GET %s = %d, want %d (%s)", tt.path, code, tt.want, body)
		}
	}
}

func TestPanicRecovered(t *testing.T) {
	ts := newTestServer(t, Config{Status: func() any { panic("boom") }})
	code, _, body := get(t, ts.URL+"/status")
	if code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", code)
	}
	var resp map[string]any
	if err := json.Unmarshal([]byte(body), &resp); err != nil {
		t.Fatalf("body is not JSON: %v", err)
	}
	if resp["success"] != false {
		t.Errorf("success = %v", resp["success"])
	}
}

func TestStartAndShutdown(t *testing.T) {
	srv := New(Config{Addr: "127.0.0.1:0", Logger: logging.Discard()})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Start(ctx) }()

	wctx, wcancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer wcancel()
	addr, err := srv.Addr(wctx)
	if err != nil {
		t.Fatalf("Addr() error = %v", err)
	}
	if code, _, _ := get(t, "http://"+addr.String()+"/healthz"); code != http.StatusOK {
		t.Errorf("healthz = %d", code)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Start() returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}
