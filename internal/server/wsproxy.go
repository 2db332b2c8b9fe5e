package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"

	"github.com/tunneld/tunneld/internal/protocol"
	"github.com/tunneld/tunneld/internal/tunnel"
)

// browserMessageLimit bounds a single frame from the public side. Relayed
// frames must fit the control channel with JSON overhead to spare.
const browserMessageLimit = 1 << 20

// socketWriteTimeout bounds writes toward the browser so one stuck client
// cannot wedge the tunnel's read loop.
const socketWriteTimeout = 10 * time.Second

// browserSocket adapts a public WebSocket to the tunnel package's view of
// it. Writes come from the tunnel read loop; the close comes from either
// side.
type browserSocket struct {
	conn *websocket.Conn
}

func (b *browserSocket) WriteText(data string) error {
	ctx, cancel := context.WithTimeout(context.Background(), socketWriteTimeout)
	defer cancel()
	return b.conn.Write(ctx, websocket.MessageText, []byte(data))
}

func (b *browserSocket) WriteBinary(data []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), socketWriteTimeout)
	defer cancel()
	return b.conn.Write(ctx, websocket.MessageBinary, data)
}

func (b *browserSocket) CloseStatus(code int, reason string) {
	_ = b.conn.Close(websocket.StatusCode(code), reason)
}

// proxyWebSocket relays a public WebSocket through the tunnel: ask the
// client to open the local socket, accept the browser only once that
// succeeds, then pump browser frames into the control channel while the
// tunnel read loop pumps the other direction.
func (s *Server) proxyWebSocket(w http.ResponseWriter, r *http.Request, t *tunnel.Tunnel) {
	wsID := uuid.NewString()
	open := &protocol.WSOpen{
		Type:     protocol.TypeWSOpen,
		WSID:     wsID,
		Path:     r.URL.RequestURI(),
		Headers:  flattenHeaders(r.Header),
		Protocol: r.Header.Get("Sec-WebSocket-Protocol"),
	}

	negotiated, err := t.OpenWS(r.Context(), open)
	if err != nil {
		s.logger.Warn().Err(err).Str("subdomain", t.Subdomain).Str("path", open.Path).Msg("websocket open failed")
		http.Error(w, "Bad Gateway: "+err.Error(), http.StatusBadGateway)
		return
	}

	var opts *websocket.AcceptOptions
	if negotiated != "" {
		opts = &websocket.AcceptOptions{Subprotocols: []string{negotiated}}
	}
	ws, err := websocket.Accept(w, r, opts)
	if err != nil {
		s.logger.Warn().Err(err).Str("subdomain", t.Subdomain).Msg("browser upgrade failed")
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = t.Send(closeCtx, &protocol.WSClose{
			Type: protocol.TypeWSClose, WSID: wsID,
			Code: int(websocket.StatusGoingAway), Reason: "browser upgrade failed",
		})
		return
	}
	ws.SetReadLimit(browserMessageLimit)

	sock := &browserSocket{conn: ws}
	if err := t.AttachSocket(wsID, sock); err != nil {
		sock.CloseStatus(int(websocket.StatusGoingAway), "tunnel disconnected")
		return
	}
	defer t.DetachSocket(wsID)

	s.logger.Info().Str("subdomain", t.Subdomain).Str("path", open.Path).Str("ws_id", wsID).Msg("websocket relay open")

	ctx := r.Context()
	for {
		typ, data, err := ws.Read(ctx)
		if err != nil {
			s.forwardBrowserClose(t, wsID, err)
			return
		}
		if typ == websocket.MessageBinary {
			err = t.SendBinary(ctx, &protocol.WSMessageBinary{Type: protocol.TypeWSMessageBinary, WSID: wsID}, data)
		} else {
			err = t.Send(ctx, &protocol.WSMessage{Type: protocol.TypeWSMessage, WSID: wsID, Data: string(data)})
		}
		if err != nil {
			// Control channel is gone; the tunnel teardown closes the
			// browser side with 1001.
			return
		}
	}
}

// forwardBrowserClose relays how the browser hung up, defaulting to
// going-away when the read just failed.
func (s *Server) forwardBrowserClose(t *tunnel.Tunnel, wsID string, readErr error) {
	msg := &protocol.WSClose{
		Type: protocol.TypeWSClose,
		WSID: wsID,
		Code: int(websocket.StatusGoingAway),
	}
	var ce websocket.CloseError
	if errors.As(readErr, &ce) {
		msg.Code = int(ce.Code)
		msg.Reason = ce.Reason
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = t.Send(ctx, msg)
	s.logger.Info().Str("subdomain", t.Subdomain).Str("ws_id", wsID).Int("code", msg.Code).Msg("websocket relay closed")
}
