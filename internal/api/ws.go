package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/gaspardpetit/stdiorpc/internal/bridge"
	"github.com/gaspardpetit/stdiorpc/internal/logx"
	"github.com/gaspardpetit/stdiorpc/internal/metrics"
)

// WSHandler serves GET /jsonrpc/ws. Every text message is one JSON-RPC
// request; responses are written back as text messages in completion order.
type WSHandler struct {
	Bridge          Forwarder
	MaxMessageBytes int64
	// OriginPatterns are passed to websocket.Accept. Empty allows same-origin
	// clients only.
	OriginPatterns []string
}

func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.OriginPatterns})
	if err != nil {
		logx.Log.Warn().Err(err).Msg("websocket accept")
		return
	}
	if h.MaxMessageBytes > 0 {
		c.SetReadLimit(h.MaxMessageBytes)
	}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		typ, msg, err := c.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != websocket.StatusNormalClosure && !errors.Is(err, context.Canceled) {
				logx.Log.Debug().Err(err).Msg("websocket read")
			}
			cancel()
			_ = c.CloseNow()
			return
		}
		if typ != websocket.MessageText {
			cancel()
			_ = c.Close(websocket.StatusUnsupportedData, "text messages only")
			return
		}
		wg.Add(1)
		go func(msg []byte) {
			defer wg.Done()
			out := h.exchange(ctx, msg)
			if out == nil {
				return
			}
			if err := c.Write(ctx, websocket.MessageText, out); err != nil {
				logx.Log.Debug().Err(err).Msg("websocket write")
			}
		}(msg)
	}
}

// exchange forwards msg and returns the message to send back, or nil.
func (h *WSHandler) exchange(ctx context.Context, msg []byte) []byte {
	start := time.Now()
	resp, err := h.Bridge.Forward(ctx, msg)
	metrics.RecordExchange("websocket", bridge.Outcome(resp, err), time.Since(start))
	if err == nil {
		return resp
	}
	if ctx.Err() != nil {
		return nil
	}
	_, text := httpError(err)
	e := mcp.NewJSONRPCError(requestID(msg), rpcErrorCode(err), text, err.Error())
	out, mErr := json.Marshal(e)
	if mErr != nil {
		logx.Log.Error().Err(mErr).Msg("marshal websocket error")
		return nil
	}
	return out
}

// requestID extracts the id of msg for error replies; unreadable ids become
// null.
func requestID(msg []byte) mcp.RequestId {
	var req struct {
		ID mcp.RequestId `json:"id"`
	}
	if err := json.Unmarshal(msg, &req); err != nil {
		return mcp.NewRequestId(nil)
	}
	return req.ID
}
