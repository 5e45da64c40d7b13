package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/gaspardpetit/stdiorpc/internal/bridge"
	"github.com/gaspardpetit/stdiorpc/internal/framing"
	"github.com/gaspardpetit/stdiorpc/internal/logx"
)

type errorBody struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func writeError(w http.ResponseWriter, status int, msg, details string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(errorBody{Error: msg, Details: details}); err != nil {
		logx.Log.Error().Err(err).Msg("write error response")
	}
}

// httpError maps a Forward error to a status code and message.
func httpError(err error) (int, string) {
	var pe *bridge.ParseError
	switch {
	case errors.Is(err, bridge.ErrSerialization):
		return http.StatusBadRequest, "Failed to process request"
	case errors.As(err, &pe):
		return http.StatusInternalServerError, "Failed to parse server response"
	case errors.Is(err, bridge.ErrBackpressure):
		return http.StatusTooManyRequests, "Too many in-flight requests"
	case errors.Is(err, bridge.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "Timed out waiting for server response"
	case errors.Is(err, bridge.ErrNotRunning):
		return http.StatusServiceUnavailable, "Server process not running"
	case errors.Is(err, bridge.ErrProcessExited), errors.Is(err, framing.ErrFrameTooLarge):
		return http.StatusBadGateway, "Server process failed"
	default:
		return http.StatusInternalServerError, "Failed to process request"
	}
}

// rpcErrorCode maps a Forward error to a JSON-RPC error code.
func rpcErrorCode(err error) int {
	switch {
	case errors.Is(err, bridge.ErrSerialization):
		return mcp.PARSE_ERROR
	case errors.Is(err, bridge.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return mcp.REQUEST_INTERRUPTED
	default:
		return mcp.INTERNAL_ERROR
	}
}
