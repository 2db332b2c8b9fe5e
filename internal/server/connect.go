package server

import (
	"net/http"
	"strconv"

	"nhooyr.io/websocket"

	"github.com/tunneld/tunneld/internal/auth"
	"github.com/tunneld/tunneld/internal/protocol"
	"github.com/tunneld/tunneld/internal/subdomain"
	"github.com/tunneld/tunneld/internal/tunnel"
)

// handleConnect is the control-channel handshake: authenticate, pick a
// subdomain, evict a same-key predecessor, upgrade, register, and then own
// the connection until it dies.
func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	if !s.auth.VerifyRequest(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	apiKey := r.Header.Get(auth.HeaderName)

	requested := r.URL.Query().Get("subdomain")
	if requested != "" && !subdomain.Valid(requested) {
		http.Error(w, "invalid subdomain format", http.StatusBadRequest)
		return
	}
	port, _ := strconv.Atoi(r.URL.Query().Get("port"))

	// Selection order: explicit request, then the sticky cache, then a
	// fresh random name.
	sub := requested
	if sub == "" {
		if cached, ok := s.cache.Lookup(apiKey, port); ok {
			sub = cached
		} else {
			sub = subdomain.Generate()
		}
	}

	if s.cache.ReservedByOther(apiKey, sub) {
		http.Error(w, "subdomain reserved by another key", http.StatusConflict)
		return
	}

	// A live tunnel on this subdomain is evicted only when the same key
	// reconnects; anyone else gets a conflict.
	if existing, ok := s.registry.Get(sub); ok {
		if !existing.AuthorizedBy(apiKey) {
			http.Error(w, "subdomain already in use", http.StatusConflict)
			return
		}
		s.logger.Info().Str("subdomain", sub).Msg("evicting previous connection for reconnect")
		existing.Close(websocket.StatusNormalClosure, "Reconnecting")
		s.registry.Unregister(sub, existing)
	}

	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Error().Err(err).Str("subdomain", sub).Msg("control channel upgrade failed")
		return
	}

	t := tunnel.New(sub, apiKey, protocol.NewConn(ws), s.logger)
	if err := s.registry.Register(t); err != nil {
		// Lost a race with a concurrent handshake for the same name.
		t.Close(websocket.StatusPolicyViolation, "subdomain already in use")
		return
	}

	s.cache.Reserve(apiKey, port, sub)
	if s.caddy != nil {
		go s.caddy.RegisterRoute(sub)
	}

	ctx := r.Context()
	if err := t.Send(ctx, &protocol.Connected{Type: protocol.TypeConnected, Subdomain: sub}); err != nil {
		s.logger.Error().Err(err).Str("subdomain", sub).Msg("handshake confirmation failed")
		s.registry.Unregister(sub, t)
		t.Close(websocket.StatusAbnormalClosure, "handshake failed")
		return
	}

	s.logger.Info().Str("subdomain", sub).Int("port", port).Msg("tunnel connected")

	go t.PingLoop(ctx)
	if err := t.ReadLoop(ctx); err != nil {
		s.logger.Info().Err(err).Str("subdomain", sub).Msg("control channel lost")
	}

	s.registry.Unregister(sub, t)
	t.Close(websocket.StatusAbnormalClosure, "connection lost")
	s.logger.Info().Str("subdomain", sub).Msg("tunnel disconnected")
}
