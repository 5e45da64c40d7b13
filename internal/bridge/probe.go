package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/gaspardpetit/stdiorpc/internal/logx"
)

// Probe sends an MCP ping through the bridge and returns the round trip
// time. Any JSON-RPC response counts as alive, including an error object
// from a child that does not implement ping.
func (b *Bridge) Probe(ctx context.Context) (time.Duration, error) {
	req := mcp.JSONRPCRequest{
		JSONRPC: mcp.JSONRPC_VERSION,
		ID:      mcp.NewRequestId(substitutePrefix + "probe-" + uuid.NewString()),
		Request: mcp.Request{Method: string(mcp.MethodPing)},
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	start := time.Now()
	resp, err := b.Forward(ctx, payload)
	if err != nil {
		return 0, err
	}
	rtt := time.Since(start)
	var r struct {
		Error *mcp.JSONRPCErrorDetails `json:"error"`
	}
	if json.Unmarshal(resp, &r) == nil && r.Error != nil {
		logx.Log.Debug().Int("code", r.Error.Code).Str("message", r.Error.Message).Msg("ping answered with error")
	}
	return rtt, nil
}

// RunProbes pings the child every interval until ctx ends. Probes are
// skipped while no child is attached.
func (b *Bridge) RunProbes(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		if !b.Running() {
			continue
		}
		rtt, err := b.Probe(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			failures++
			logx.Log.Warn().Err(err).Int("consecutive_failures", failures).Msg("child probe failed")
			continue
		}
		if failures > 0 {
			logx.Log.Info().Int("after_failures", failures).Msg("child probe recovered")
		}
		failures = 0
		logx.Log.Debug().Dur("rtt", rtt).Msg("child probe ok")
	}
}
