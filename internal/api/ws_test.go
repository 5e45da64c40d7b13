package api

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/gaspardpetit/stdiorpc/internal/bridge/bridgetest"
)

func dialWS(t *testing.T, h *WSHandler) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = c.Close(websocket.StatusNormalClosure, "") })
	return c
}

func TestWebSocketRoundTrip(t *testing.T) {
	b, child := newTestBridge(t, 2*time.Second)
	child.Serve(bridgetest.Echo)
	c := dialWS(t, &WSHandler{Bridge: b})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.Write(ctx, websocket.MessageText, []byte(`{"jsonrpc":"2.0","id":"w1","method":"m","params":{"a":1}}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	typ, msg, err := c.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if typ != websocket.MessageText || !strings.Contains(string(msg), `"id":"w1"`) || !strings.Contains(string(msg), `"a":1`) {
		t.Fatalf("got %d %s", typ, msg)
	}
}

func TestWebSocketErrorsAreJSONRPC(t *testing.T) {
	b, _ := newTestBridge(t, 30*time.Millisecond)
	c := dialWS(t, &WSHandler{Bridge: b})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := c.Write(ctx, websocket.MessageText, []byte(`{"jsonrpc":"2.0","id":7,"method":"slow"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	_, msg, err := c.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var e mcp.JSONRPCError
	if err := json.Unmarshal(msg, &e); err != nil {
		t.Fatalf("decode %s: %v", msg, err)
	}
	if e.Error.Code != mcp.REQUEST_INTERRUPTED || e.ID.String() != "int64:7" || e.JSONRPC != mcp.JSONRPC_VERSION {
		t.Fatalf("error = %s", msg)
	}

	if err := c.Write(ctx, websocket.MessageText, []byte(`{not json`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	_, msg, err = c.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var pe mcp.JSONRPCError
	if err := json.Unmarshal(msg, &pe); err != nil || pe.Error.Code != mcp.PARSE_ERROR || !pe.ID.IsNil() {
		t.Fatalf("parse error reply = %s", msg)
	}
}
