package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ryanbastic/go-sheetsync/internal/broker"
	"github.com/ryanbastic/go-sheetsync/internal/circuitbreaker"
	"github.com/ryanbastic/go-sheetsync/internal/engine"
	"github.com/ryanbastic/go-sheetsync/internal/metrics"
	"github.com/ryanbastic/go-sheetsync/internal/storage"
	"github.com/ryanbastic/go-sheetsync/internal/trigger"
)

// Deps are the collaborators the HTTP server routes to. Breaker, Plugins and
// Backends are optional.
type Deps struct {
	Logger   *slog.Logger
	Store    storage.Store
	Engine   *engine.Engine
	Broker   *broker.Broker
	Plugins  *trigger.PluginRegistry
	Auth     Authenticator
	Breaker  *circuitbreaker.Breaker
	Backends map[string]Pinger

	// SendQueue bounds the frames buffered per websocket session.
	SendQueue int
	// WriteTimeout bounds a single websocket frame write.
	WriteTimeout time.Duration
	// AllowedOrigins lists extra host patterns allowed to open websockets
	// cross-origin.
	AllowedOrigins []string
}

// NewServer creates an HTTP server with all routes configured.
func NewServer(d Deps) http.Handler {
	if d.Auth == nil {
		d.Auth = HeaderAuthenticator{}
	}

	mux := chi.NewRouter()

	mux.Use(RequestID)
	mux.Use(Logging(d.Logger))
	mux.Use(Recovery(d.Logger))
	mux.Use(metrics.Metrics)
	mux.Use(WithUser(d.Auth))

	health := NewHealthHandler(d.Backends, d.Breaker, d.Logger)
	mux.Handle("/metrics", promhttp.Handler())
	mux.Get("/v1/livez", health.Livez)
	mux.Get("/v1/readyz", health.Readyz)
	mux.Get("/v1/ws", NewSocketHandler(d.Broker, d.Auth, d.SendQueue, d.WriteTimeout, d.AllowedOrigins, d.Logger).ServeHTTP)

	api := humachi.New(mux, huma.DefaultConfig("sheetsync API", "1.0.0"))

	registerDocumentRoutes(api, NewDocumentHandler(d.Store, d.Engine, d.Logger))
	registerTabRoutes(api, NewTabHandler(d.Broker, d.Logger))
	registerCellRoutes(api, NewCellHandler(d.Store, d.Logger))
	if d.Plugins != nil {
		registerPluginRoutes(api, NewPluginHandler(d.Plugins, d.Logger))
	}

	return mux
}
