package server

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tunneld/tunneld/internal/protocol"
	"github.com/tunneld/tunneld/internal/tunnel"
)

// tunnelHeader is set by the edge proxy; without it the leftmost Host label
// picks the tunnel.
const tunnelHeader = "X-Tunnel-Subdomain"

// dispatch routes a public request to its tunnel, or renders the not-found
// page.
func (s *Server) dispatch(w http.ResponseWriter, r *http.Request) {
	sub := r.Header.Get(tunnelHeader)
	if sub == "" {
		sub = leftmostLabel(r.Host)
	}

	t, ok := s.registry.Get(sub)
	if !ok {
		s.logger.Debug().Str("subdomain", sub).Str("path", r.URL.Path).Msg("no tunnel for request")
		writeErrorPage(w, r, errPageTunnelNotFound)
		return
	}

	if isWebSocketUpgrade(r) {
		s.proxyWebSocket(w, r, t)
		return
	}
	s.proxyHTTP(w, r, t)
}

// proxyHTTP forwards one request over the control channel and writes back
// whatever terminal event arrives: a buffered response, a stream, a timeout,
// or a dead tunnel.
func (s *Server) proxyHTTP(w http.ResponseWriter, r *http.Request, t *tunnel.Tunnel) {
	req := &protocol.HTTPRequest{
		Type:      protocol.TypeHTTPRequest,
		RequestID: uuid.NewString(),
		Method:    r.Method,
		Path:      r.URL.RequestURI(),
		Headers:   flattenHeaders(r.Header),
	}
	if r.Method != http.MethodGet && r.Method != http.MethodHead && r.Body != nil {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			// The public client broke mid-upload; nothing was forwarded.
			s.logger.Debug().Err(err).Str("subdomain", t.Subdomain).Msg("request body read failed")
			http.Error(w, "Bad Gateway", http.StatusBadGateway)
			return
		}
		req.Body = string(body)
	}

	start := time.Now()
	resp, stream, err := t.SendRequest(r.Context(), req)
	switch {
	case errors.Is(err, tunnel.ErrRequestTimeout):
		s.logger.Warn().Str("subdomain", t.Subdomain).Str("path", req.Path).Msg("request timed out")
		writeErrorPage(w, r, errPageRequestTimeout)
		return
	case errors.Is(err, tunnel.ErrTunnelClosed):
		writeErrorPage(w, r, errPageTunnelClosed)
		return
	case errors.Is(err, context.Canceled):
		// Public client gave up; nothing left to write to.
		return
	case err != nil:
		s.logger.Error().Err(err).Str("subdomain", t.Subdomain).Msg("request forwarding failed")
		writeErrorPage(w, r, errPageTunnelClosed)
		return
	}

	var bytesWritten int64
	if stream != nil {
		bytesWritten = s.copyStream(w, r, t, stream)
	} else {
		for k, v := range resp.Headers {
			w.Header().Set(k, v)
		}
		w.WriteHeader(resp.Status)
		n, _ := w.Write(resp.Body)
		bytesWritten = int64(n)
	}

	duration := time.Since(start)
	s.logger.Info().
		Str("subdomain", t.Subdomain).
		Str("method", req.Method).
		Str("path", req.Path).
		Int64("bytes", bytesWritten).
		Dur("duration", duration).
		Msg("request completed")

	// Advisory timing for the client's display; losing it is fine.
	timingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = t.Send(timingCtx, &protocol.RequestTiming{
		Type:      protocol.TypeRequestTiming,
		RequestID: req.RequestID,
		Duration:  duration.Milliseconds(),
	})
}

// copyStream writes a streamed response through to the public client,
// flushing per chunk. A stream that dies mid-body aborts the connection so
// the client sees truncation instead of a complete-looking short response.
func (s *Server) copyStream(w http.ResponseWriter, r *http.Request, t *tunnel.Tunnel, st *tunnel.Stream) int64 {
	defer st.Cancel()

	for k, v := range st.Headers {
		w.Header().Set(k, v)
	}
	w.WriteHeader(st.Status)

	flusher, _ := w.(http.Flusher)
	var written int64
	for chunk := range st.Chunks() {
		n, err := w.Write(chunk)
		written += int64(n)
		if err != nil {
			s.logger.Debug().Err(err).Str("subdomain", t.Subdomain).Msg("public client disconnected mid-stream")
			return written
		}
		if flusher != nil {
			flusher.Flush()
		}
	}

	if err := st.Err(); err != nil {
		s.logger.Warn().Err(err).
			Str("subdomain", t.Subdomain).
			Int64("written", written).
			Msg("stream failed mid-body, truncating response")
		panic(http.ErrAbortHandler)
	}
	return written
}

// flattenHeaders collapses a header map to single string values, joining
// repeats the way a proxy presents them.
func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, vals := range h {
		out[k] = strings.Join(vals, ", ")
	}
	return out
}

// leftmostLabel extracts the subdomain from a Host header.
func leftmostLabel(host string) string {
	host = strings.ToLower(host)
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	label, _, _ := strings.Cut(host, ".")
	return label
}

func isWebSocketUpgrade(r *http.Request) bool {
	if !strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		return false
	}
	for _, part := range strings.Split(r.Header.Get("Connection"), ",") {
		if strings.EqualFold(strings.TrimSpace(part), "upgrade") {
			return true
		}
	}
	return false
}
