package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gaspardpetit/stdiorpc/internal/bridge/bridgetest"
	"github.com/gaspardpetit/stdiorpc/internal/serverstate"
)

func noDelay(int) time.Duration { return 0 }

func TestSuperviseExitFailsPending(t *testing.T) {
	b := New(Options{})
	c := bridgetest.New(1)
	errc := make(chan error, 1)
	go func() { errc <- b.Supervise(context.Background(), c, nil, false) }()
	waitUntil(t, b.Running)

	r := forwardAsync(context.Background(), b, `{"jsonrpc":"2.0","id":1,"method":"m"}`)
	mustLine(t, c)
	c.Exit(errors.New("exit status 1"))

	if o := mustOutcome(t, r); !errors.Is(o.err, ErrProcessExited) {
		t.Fatalf("err = %v; want ErrProcessExited", o.err)
	}
	select {
	case err := <-errc:
		if !errors.Is(err, ErrProcessExited) || !strings.Contains(err.Error(), "exit status 1") {
			t.Fatalf("Supervise = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Supervise did not return")
	}
	if st := b.State().Load(); st.Status != serverstate.StatusStopped || st.PID != 0 {
		t.Fatalf("state = %+v", st)
	}
}

func TestSuperviseRestarts(t *testing.T) {
	b := New(Options{RequestTimeout: 2 * time.Second, RestartDelay: noDelay})
	first := bridgetest.New(1)
	second := bridgetest.New(2)
	var mu sync.Mutex
	calls := 0
	spawn := func(context.Context) (Child, error) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls == 1 {
			return nil, errors.New("spawn failed")
		}
		return second, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- b.Supervise(ctx, first, spawn, true) }()
	waitUntil(t, b.Running)
	first.Exit(errors.New("crash"))

	waitUntil(t, func() bool { return b.Snapshot().PID == 2 })
	second.Serve(bridgetest.Echo)
	if _, err := b.Forward(context.Background(), json.RawMessage(`{"jsonrpc":"2.0","id":1,"method":"m"}`)); err != nil {
		t.Fatalf("Forward after restart: %v", err)
	}
	st := b.State().Load()
	if st.Status != serverstate.StatusReady || st.Restarts != 1 || st.PID != 2 {
		t.Fatalf("state = %+v", st)
	}
	mu.Lock()
	if calls != 2 {
		t.Fatalf("spawn calls = %d; want 2", calls)
	}
	mu.Unlock()

	cancel()
	select {
	case err := <-errc:
		if err != nil {
			t.Fatalf("Supervise = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Supervise did not return")
	}
	if !second.Killed() {
		t.Fatalf("child not stopped on cancel")
	}
	if b.Running() {
		t.Fatalf("child still attached")
	}
	if got := b.State().Load().Status; got != serverstate.StatusStopped {
		t.Fatalf("status = %q", got)
	}
}

func TestProbe(t *testing.T) {
	b, c := newBridge(t, Options{RequestTimeout: 2 * time.Second})
	c.Serve(bridgetest.Echo)
	if _, err := b.Probe(context.Background()); err != nil {
		t.Fatalf("Probe: %v", err)
	}
	w := c.Writes()
	if len(w) != 1 || !strings.Contains(string(w[0]), `"method":"ping"`) || !strings.Contains(string(w[0]), `"jsonrpc":"2.0"`) {
		t.Fatalf("probe line = %q", w)
	}
}

func TestProbeAcceptsErrorResponse(t *testing.T) {
	b, c := newBridge(t, Options{RequestTimeout: 2 * time.Second})
	c.Serve(func(line []byte) []byte {
		var req struct {
			ID json.RawMessage `json:"id"`
		}
		_ = json.Unmarshal(line, &req)
		return []byte(`{"jsonrpc":"2.0","id":` + string(req.ID) + `,"error":{"code":-32601,"message":"Method not found"}}`)
	})
	if _, err := b.Probe(context.Background()); err != nil {
		t.Fatalf("Probe: %v", err)
	}
}

func TestProbeNotRunning(t *testing.T) {
	b := New(Options{})
	if _, err := b.Probe(context.Background()); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("err = %v; want ErrNotRunning", err)
	}
}
