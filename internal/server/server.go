// Package server assembles the HTTP routes of the bridge.
package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gaspardpetit/stdiorpc/internal/api"
	"github.com/gaspardpetit/stdiorpc/internal/bridge"
	"github.com/gaspardpetit/stdiorpc/internal/config"
	"github.com/gaspardpetit/stdiorpc/internal/inflight"
	"github.com/gaspardpetit/stdiorpc/internal/metrics"
)

// Deps are the runtime objects the routes serve.
type Deps struct {
	Bridge   *bridge.Bridge
	Inflight *inflight.Counter
	// Registry receives the bridge collectors. A nil registry gets a fresh
	// one.
	Registry *prometheus.Registry
	Version  string
}

// NewRegistry returns a Prometheus registry holding the bridge collectors and
// the Go runtime collectors.
func NewRegistry() *prometheus.Registry {
	preg := prometheus.NewRegistry()
	preg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics.Register(preg)
	return preg
}

// New constructs the HTTP handler for the bridge.
func New(cfg config.BridgeConfig, d Deps) http.Handler {
	if d.Registry == nil {
		d.Registry = NewRegistry()
	}
	if d.Inflight == nil {
		d.Inflight = &inflight.Counter{}
	}

	r := chi.NewRouter()
	if len(cfg.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: cfg.AllowedOrigins,
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"*"},
		}))
	}
	for _, m := range api.MiddlewareChain() {
		r.Use(m)
	}

	state := &api.StateHandler{Bridge: d.Bridge, Inflight: d.Inflight, Version: d.Version}

	r.Get("/healthz", api.Healthz(d.Bridge))
	r.Get("/state", StatePageHandler())
	r.Route("/api", func(ar chi.Router) {
		ar.Get("/openapi.json", api.OpenAPIHandler())
		ar.Route("/docs", func(dr chi.Router) {
			dr.Get("/openapi.json", api.OpenAPIHandler())
			dr.Get("/*", api.SwaggerHandler())
		})
		ar.Group(func(g chi.Router) {
			g.Use(api.APIKeyMiddleware(cfg.APIKey))
			g.Get("/state", state.GetState)
			g.Get("/state/stream", state.GetStateStream)
		})
	})

	r.Group(func(g chi.Router) {
		g.Use(api.APIKeyMiddleware(cfg.APIKey))
		g.Use(api.DrainMiddleware(d.Bridge.State(), d.Inflight))
		g.Method(http.MethodPost, "/jsonrpc", &api.JSONRPCHandler{Bridge: d.Bridge, MaxBodyBytes: cfg.MaxBodyBytes})
		g.Method(http.MethodGet, "/jsonrpc/ws", &api.WSHandler{
			Bridge:          d.Bridge,
			MaxMessageBytes: cfg.MaxBodyBytes,
			OriginPatterns:  cfg.AllowedOrigins,
		})
	})

	if !cfg.SeparateMetrics() {
		r.Handle("/metrics", MetricsHandler(d.Registry))
	}

	r.Handle("/*", http.FileServer(http.Dir(cfg.PublicDir)))
	return r
}

// MetricsHandler exposes preg in the Prometheus text format.
func MetricsHandler(preg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(preg, promhttp.HandlerOpts{})
}
