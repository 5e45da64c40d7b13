package server

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gaspardpetit/stdiorpc/internal/bridge"
	"github.com/gaspardpetit/stdiorpc/internal/childproc"
	"github.com/gaspardpetit/stdiorpc/internal/config"
)

const helperEnv = "STDIORPC_SERVER_HELPER"

// TestMain lets the test binary double as a line-oriented JSON-RPC server.
func TestMain(m *testing.M) {
	if os.Getenv(helperEnv) != "" {
		os.Exit(runRPCHelper())
	}
	os.Exit(m.Run())
}

func runRPCHelper() int {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		var req struct {
			ID     json.RawMessage `json:"id"`
			Method string          `json:"method"`
		}
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			fmt.Fprintln(os.Stderr, "bad request:", err)
			continue
		}
		if req.Method == "crash" {
			return 2
		}
		if len(req.ID) == 0 {
			continue
		}
		fmt.Fprintf(os.Stdout, `{"jsonrpc":"2.0","id":%s,"result":{"method":%q}}`+"\n", req.ID, req.Method)
	}
	return 0
}

func startRPCHelper() (bridge.Child, error) {
	p, err := childproc.Start(childproc.Options{
		Command: os.Args[0],
		Args:    []string{"-test.run=^$"},
		Env:     []string{helperEnv + "=1"},
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

func post(t *testing.T, url, body string) (int, string) {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(b)
}

func TestEndToEndWithRestart(t *testing.T) {
	first, err := startRPCHelper()
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	b := bridge.New(bridge.Options{
		RequestTimeout: 5 * time.Second,
		StopGrace:      time.Second,
		RestartDelay:   func(int) time.Duration { return 0 },
	})
	ctx, cancel := context.WithCancel(context.Background())
	supervised := make(chan error, 1)
	go func() {
		supervised <- b.Supervise(ctx, first, func(context.Context) (bridge.Child, error) { return startRPCHelper() }, true)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-supervised:
			if err != nil {
				t.Errorf("supervise: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Errorf("supervise did not return")
		}
	})

	ts := httptest.NewServer(New(config.BridgeConfig{Port: 3000, MaxBodyBytes: 1 << 20}, Deps{Bridge: b}))
	defer ts.Close()

	waitFor(t, "child attached", b.Running)
	status, body := post(t, ts.URL+"/jsonrpc", `{"jsonrpc":"2.0","id":"a","method":"tools/list"}`)
	if status != http.StatusOK || body != `{"jsonrpc":"2.0","id":"a","result":{"method":"tools/list"}}` {
		t.Fatalf("got %d %s", status, body)
	}

	status, _ = post(t, ts.URL+"/jsonrpc", `{"jsonrpc":"2.0","id":1,"method":"crash"}`)
	if status != http.StatusBadGateway {
		t.Fatalf("expected 502 after child exit, got %d", status)
	}

	waitFor(t, "child restarted", func() bool { return b.Running() && b.State().Load().Restarts == 1 })
	status, body = post(t, ts.URL+"/jsonrpc", `{"jsonrpc":"2.0","id":2,"method":"ping"}`)
	if status != http.StatusOK || !strings.Contains(body, `"method":"ping"`) {
		t.Fatalf("after restart got %d %s", status, body)
	}
	if _, err := b.Probe(ctx); err != nil {
		t.Fatalf("probe: %v", err)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
