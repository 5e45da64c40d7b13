package api

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gaspardpetit/stdiorpc/internal/inflight"
	"github.com/gaspardpetit/stdiorpc/internal/serverstate"
)

func TestDrainMiddleware(t *testing.T) {
	state := serverstate.NewTracker(nil)
	var counter inflight.Counter
	var seen int64
	h := DrainMiddleware(state, &counter)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = counter.Load()
	}))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/jsonrpc", nil))
	if rr.Code != http.StatusOK || seen != 1 {
		t.Fatalf("status = %d, in-flight during request = %d", rr.Code, seen)
	}
	if counter.Load() != 0 {
		t.Fatalf("counter not released")
	}

	state.StartDrain()
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/jsonrpc", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status while draining = %d", rr.Code)
	}
}
