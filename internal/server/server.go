// Package server is the public face of the tunnel: the control-channel
// handshake, the request dispatcher, and the relay for browser WebSockets.
package server

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/tunneld/tunneld/internal/auth"
	"github.com/tunneld/tunneld/internal/subdomain"
	"github.com/tunneld/tunneld/internal/tunnel"
)

// Config carries the server's deployment settings.
type Config struct {
	// APIKey is the shared secret tunnel clients present.
	APIKey string
	// BaseDomain is the apex under which subdomains are published, e.g.
	// "tunnel.example.com".
	BaseDomain string
	// Port is the HTTP listen port.
	Port int
	// CaddyAdminURL, when set, enables route registration against a Caddy
	// admin API so fresh subdomains get TLS without a wildcard cert.
	CaddyAdminURL string
	// CacheFile is the subdomain stickiness cache location.
	CacheFile string
}

// Server wires the registry, the stickiness cache, and the HTTP surface.
type Server struct {
	cfg      Config
	auth     *auth.Auth
	registry *tunnel.Registry
	cache    *subdomain.Cache
	caddy    *caddyRegistrar
	logger   zerolog.Logger
}

// New builds a Server around an existing registry and cache.
func New(cfg Config, registry *tunnel.Registry, cache *subdomain.Cache, logger zerolog.Logger) *Server {
	s := &Server{
		cfg:      cfg,
		auth:     auth.New(cfg.APIKey),
		registry: registry,
		cache:    cache,
		logger:   logger,
	}
	if cfg.CaddyAdminURL != "" {
		s.caddy = newCaddyRegistrar(cfg.CaddyAdminURL, cfg.BaseDomain, cfg.Port, logger)
	}
	return s
}

// Router builds the HTTP handler: the fixed /__tunnel__/ endpoints plus a
// catch-all that dispatches by subdomain.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/__tunnel__/health", s.handleHealth)
	r.Get("/__tunnel__/connect", s.handleConnect)

	r.Group(func(r chi.Router) {
		r.Use(s.auth.Middleware)
		r.Get("/__tunnel__/verify", s.handleVerify)
		r.Get("/__tunnel__/status", s.handleStatus)
	})

	// Everything else belongs to some tunnel.
	r.NotFound(s.dispatch)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"activeTunnels": s.registry.Len(),
	})
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	// Auth middleware already checked the key.
	writeJSON(w, http.StatusOK, map[string]any{"valid": true})
}

type statusTunnel struct {
	Subdomain       string `json:"subdomain"`
	CreatedAt       int64  `json:"createdAt"`
	PendingRequests int    `json:"pendingRequests"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap := s.registry.Snapshot()
	tunnels := make([]statusTunnel, 0, len(snap))
	for _, st := range snap {
		tunnels = append(tunnels, statusTunnel{
			Subdomain:       st.Subdomain,
			CreatedAt:       st.CreatedAt.UnixMilli(),
			PendingRequests: st.PendingRequests,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"activeTunnels": len(tunnels),
		"tunnels":       tunnels,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
