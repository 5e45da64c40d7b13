package server

import (
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gaspardpetit/stdiorpc/internal/bridge"
	"github.com/gaspardpetit/stdiorpc/internal/bridge/bridgetest"
	"github.com/gaspardpetit/stdiorpc/internal/config"
)

func newServer(t *testing.T, cfg config.BridgeConfig) (*httptest.Server, *bridgetest.Child, *bridge.Bridge) {
	t.Helper()
	if cfg.Port == 0 {
		cfg.Port = 3000
	}
	b := bridge.New(bridge.Options{RequestTimeout: 2 * time.Second})
	c := bridgetest.New(5)
	b.Attach(c)
	c.Serve(bridgetest.Echo)
	ts := httptest.NewServer(New(cfg, Deps{Bridge: b, Version: "test"}))
	t.Cleanup(func() {
		ts.Close()
		c.Exit(nil)
	})
	return ts, c, b
}

func get(t *testing.T, url string) (*http.Response, string) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	return resp, string(b)
}

func TestMetricsEndpointDefaultPort(t *testing.T) {
	ts, _, _ := newServer(t, config.BridgeConfig{})
	resp, body := get(t, ts.URL+"/metrics")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if !strings.Contains(body, "stdiorpc_inflight_exchanges") {
		t.Fatalf("bridge metrics missing")
	}
}

func TestMetricsEndpointSeparatePort(t *testing.T) {
	ts, _, _ := newServer(t, config.BridgeConfig{MetricsAddr: ":9090"})
	resp, _ := get(t, ts.URL+"/metrics")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestJSONRPCRoute(t *testing.T) {
	ts, _, _ := newServer(t, config.BridgeConfig{})
	resp, err := http.Post(ts.URL+"/jsonrpc", "application/json", strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"m","params":{"q":"x"}}`))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), `"q":"x"`) {
		t.Fatalf("got %d %s", resp.StatusCode, body)
	}
}

func TestAPIKeyProtectsBridge(t *testing.T) {
	ts, _, _ := newServer(t, config.BridgeConfig{APIKey: "k"})
	resp, err := http.Post(ts.URL+"/jsonrpc", "application/json", strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"m"}`))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/jsonrpc", strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"m"}`))
	req.Header.Set("Authorization", "Bearer k")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	if resp, _ := get(t, ts.URL+"/healthz"); resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz should not require a key, got %d", resp.StatusCode)
	}
}

func TestDrainRejectsNewRequests(t *testing.T) {
	ts, _, b := newServer(t, config.BridgeConfig{})
	b.State().StartDrain()
	resp, err := http.Post(ts.URL+"/jsonrpc", "application/json", strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"m"}`))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", resp.StatusCode)
	}
}

func TestStaticFiles(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "index.html"), []byte("<h1>ui</h1>"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	ts, _, _ := newServer(t, config.BridgeConfig{PublicDir: dir})
	resp, body := get(t, ts.URL+"/")
	if resp.StatusCode != http.StatusOK || body != "<h1>ui</h1>" {
		t.Fatalf("got %d %q", resp.StatusCode, body)
	}
}

func TestStateEndpoints(t *testing.T) {
	ts, _, _ := newServer(t, config.BridgeConfig{})
	for _, path := range []string{"/api/state", "/api/openapi.json", "/api/docs/openapi.json", "/healthz"} {
		if resp, _ := get(t, ts.URL+path); resp.StatusCode != http.StatusOK {
			t.Fatalf("GET %s = %d", path, resp.StatusCode)
		}
	}
	resp, body := get(t, ts.URL+"/state")
	if resp.StatusCode != http.StatusOK || !strings.Contains(resp.Header.Get("Content-Type"), "text/html") || !strings.Contains(body, "EventSource") {
		t.Fatalf("state page = %d %s", resp.StatusCode, resp.Header.Get("Content-Type"))
	}
}

func TestCORS(t *testing.T) {
	ts, _, _ := newServer(t, config.BridgeConfig{AllowedOrigins: []string{"https://ui.example"}})
	req, _ := http.NewRequest(http.MethodOptions, ts.URL+"/jsonrpc", nil)
	req.Header.Set("Origin", "https://ui.example")
	req.Header.Set("Access-Control-Request-Method", "POST")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("OPTIONS: %v", err)
	}
	resp.Body.Close()
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "https://ui.example" {
		t.Fatalf("allow origin = %q", got)
	}
}
