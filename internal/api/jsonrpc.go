package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/gaspardpetit/stdiorpc/internal/bridge"
	"github.com/gaspardpetit/stdiorpc/internal/classify"
	"github.com/gaspardpetit/stdiorpc/internal/logx"
	"github.com/gaspardpetit/stdiorpc/internal/metrics"
)

// Forwarder sends one JSON-RPC payload to the child and returns its response.
type Forwarder interface {
	Forward(ctx context.Context, payload json.RawMessage) (json.RawMessage, error)
}

// JSONRPCHandler serves POST /jsonrpc.
type JSONRPCHandler struct {
	Bridge       Forwarder
	MaxBodyBytes int64
}

func (h *JSONRPCHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	reqID := chiMiddleware.GetReqID(r.Context())

	body := io.Reader(r.Body)
	if h.MaxBodyBytes > 0 {
		body = http.MaxBytesReader(w, r.Body, h.MaxBodyBytes)
	}
	payload, err := io.ReadAll(body)
	if err != nil {
		metrics.RecordExchange("http", "invalid_request", time.Since(start))
		writeError(w, http.StatusBadRequest, "Failed to process request", err.Error())
		return
	}
	if !json.Valid(payload) {
		metrics.RecordExchange("http", "invalid_request", time.Since(start))
		writeError(w, http.StatusBadRequest, "Failed to process request", "request body is not valid JSON")
		return
	}

	resp, err := h.Bridge.Forward(r.Context(), payload)
	outcome := bridge.Outcome(resp, err)
	metrics.RecordExchange("http", outcome, time.Since(start))
	if err != nil {
		if errors.Is(err, context.Canceled) && r.Context().Err() != nil {
			logx.Log.Debug().Str("request_id", reqID).Msg("client went away")
			return
		}
		status, msg := httpError(err)
		logx.Log.Warn().Err(err).Str("request_id", reqID).Int("status", status).Str("outcome", outcome).Msg("exchange failed")
		writeError(w, status, msg, err.Error())
		return
	}
	if resp == nil {
		w.WriteHeader(http.StatusAccepted)
		return
	}

	d := classify.Classify(resp)
	w.Header().Set("Content-Type", d.ContentType)
	if d.Binary {
		w.Header().Set("Content-Length", strconv.Itoa(len(d.Body)))
	}
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(d.Body); err != nil {
		logx.Log.Error().Err(err).Str("request_id", reqID).Msg("write response")
	}
}
