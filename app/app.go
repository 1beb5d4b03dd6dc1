// Package app hosts the gateway core behind an HTTP server: configuration,
// provider discovery, the reverse proxy to the origin and the admin endpoints.
package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"oidcedge/edge"
	"oidcedge/jwk"
)

// App wires configuration, keys, the orchestrator and the HTTP surfaces.
type App struct {
	Config       Config
	Logger       *slog.Logger
	Keyring      *jwk.Keyring
	Orchestrator *edge.Orchestrator
	Gateway      *Gateway
	Metrics      *Metrics
}

// NewApp resolves the provider, builds the keyring and the orchestrator.
// Hooks run after the configured header hooks, in the order given.
func NewApp(ctx context.Context, cfg Config, logger *slog.Logger, hooks ...edge.Hooks) (*App, error) {
	metrics := NewMetrics()
	timeout := parseDuration(cfg.Token.EndpointTimeout, 10*time.Second)

	endpoints, keyring, err := ResolveProvider(ctx, cfg, &http.Client{Timeout: timeout}, logger)
	if err != nil {
		return nil, err
	}

	tokenClient := &http.Client{
		Timeout:   timeout,
		Transport: metrics.InstrumentTransport(http.DefaultTransport),
	}
	edgeCfg := cfg.EdgeConfig(endpoints)
	chain := ChainHooks(append([]edge.Hooks{HeaderHooks(cfg.Hooks)}, hooks...)...)

	orch, err := edge.NewOrchestrator(edgeCfg, keyring, tokenClient, chain, logger)
	if err != nil {
		return nil, fmt.Errorf("init orchestrator: %w", err)
	}

	gateway, err := NewGateway(orch, cfg.Origin, edgeCfg.TokenExchangeHeader, metrics, logger)
	if err != nil {
		return nil, fmt.Errorf("init gateway: %w", err)
	}

	return &App{
		Config:       cfg,
		Logger:       logger,
		Keyring:      keyring,
		Orchestrator: orch,
		Gateway:      gateway,
		Metrics:      metrics,
	}, nil
}

// Routes constructs the public router. Every path goes through the gateway.
func (a *App) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(a.Logger))
	r.Use(RecoveryMiddleware(a.Logger))
	if !a.Config.Server.DevMode {
		r.Use(SecurityHeadersMiddleware(a.Config.Server.TLS.HSTSMaxAge))
	}

	r.Handle("/", a.Gateway)
	r.Handle("/*", a.Gateway)

	return r
}

// AdminRoutes constructs the router served on the admin listener.
func (a *App) AdminRoutes() http.Handler {
	r := chi.NewRouter()

	r.Use(RecoveryMiddleware(a.Logger))

	r.Get("/healthz", a.handleHealth)
	r.Method(http.MethodGet, "/metrics", a.Metrics.Handler())
	r.Get("/keys", a.handleKeys)

	return r
}

func (a *App) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"keys":   a.Keyring.Len(),
	})
}

type keyView struct {
	Kid        string `json:"kid"`
	Thumbprint string `json:"thumbprint"`
}

func (a *App) handleKeys(w http.ResponseWriter, r *http.Request) {
	entries := a.Keyring.Entries()
	out := make([]keyView, 0, len(entries))
	for _, e := range entries {
		out = append(out, keyView{Kid: e.Kid, Thumbprint: e.Thumbprint})
	}
	writeJSON(w, http.StatusOK, map[string]any{"keys": out})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
