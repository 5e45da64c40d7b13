package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gaspardpetit/stdiorpc/internal/bridge"
	"github.com/gaspardpetit/stdiorpc/internal/childproc"
	"github.com/gaspardpetit/stdiorpc/internal/inflight"
	"github.com/gaspardpetit/stdiorpc/internal/logx"
	"github.com/gaspardpetit/stdiorpc/internal/serverstate"
)

// describedChild is implemented by *childproc.Process.
type describedChild interface {
	Command() string
	Args() []string
	StartedAt() time.Time
	Stats(ctx context.Context) (childproc.Stats, error)
}

// ChildInfo describes the attached child.
type ChildInfo struct {
	PID       int              `json:"pid"`
	Command   string           `json:"command,omitempty"`
	Args      []string         `json:"args,omitempty"`
	StartedAt *time.Time       `json:"started_at,omitempty"`
	Stats     *childproc.Stats `json:"stats,omitempty"`
}

// StateResponse is the body of GET /api/state.
type StateResponse struct {
	Version  string            `json:"version"`
	State    serverstate.State `json:"state"`
	Bridge   bridge.Snapshot   `json:"bridge"`
	Child    *ChildInfo        `json:"child,omitempty"`
	Inflight int64             `json:"http_inflight"`
}

// StateHandler serves state snapshots and streams.
type StateHandler struct {
	Bridge   *bridge.Bridge
	Inflight *inflight.Counter
	Version  string
	// Interval between streamed snapshots; defaults to two seconds.
	Interval time.Duration
}

func (h *StateHandler) snapshot(ctx context.Context) StateResponse {
	s := StateResponse{
		Version: h.Version,
		State:   h.Bridge.State().Load(),
		Bridge:  h.Bridge.Snapshot(),
	}
	if h.Inflight != nil {
		s.Inflight = h.Inflight.Load()
	}
	child := h.Bridge.Child()
	if child == nil {
		return s
	}
	info := &ChildInfo{PID: child.PID()}
	if dc, ok := child.(describedChild); ok {
		started := dc.StartedAt()
		info.Command = dc.Command()
		info.Args = dc.Args()
		info.StartedAt = &started
		if st, err := dc.Stats(ctx); err == nil {
			info.Stats = &st
		} else {
			logx.Log.Debug().Err(err).Int("pid", info.PID).Msg("child stats")
		}
	}
	s.Child = info
	return s
}

// GetState returns a JSON snapshot of the bridge.
func (h *StateHandler) GetState(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(h.snapshot(r.Context())); err != nil {
		logx.Log.Error().Err(err).Msg("write state")
	}
}

// GetStateStream streams state snapshots as Server-Sent Events.
func (h *StateHandler) GetStateStream(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	interval := h.Interval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		b, _ := json.Marshal(h.snapshot(r.Context()))
		if _, err := w.Write(append(append([]byte("data: "), b...), '\n', '\n')); err != nil {
			return
		}
		flusher.Flush()
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}
	}
}

// Healthz reports ok while a child is attached and the bridge is not
// draining.
func Healthz(b *bridge.Bridge) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !b.Running() || b.State().IsDraining() {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok"))
	}
}
