package agent

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"nhooyr.io/websocket"

	"github.com/tunneld/tunneld/internal/protocol"
)

// localMessageLimit bounds a frame from the local app, mirroring the relay
// limit the server applies to browser frames.
const localMessageLimit = 1 << 20

// localWriteTimeout bounds writes toward the local app so a wedged socket
// cannot stall the control-channel reader.
const localWriteTimeout = 10 * time.Second

// localSocket is one relayed WebSocket on the loopback side.
type localSocket struct {
	id   string
	conn *websocket.Conn
}

func (l *localSocket) WriteText(ctx context.Context, data string) error {
	ctx, cancel := context.WithTimeout(ctx, localWriteTimeout)
	defer cancel()
	return l.conn.Write(ctx, websocket.MessageText, []byte(data))
}

func (l *localSocket) WriteBinary(ctx context.Context, data []byte) error {
	ctx, cancel := context.WithTimeout(ctx, localWriteTimeout)
	defer cancel()
	return l.conn.Write(ctx, websocket.MessageBinary, data)
}

func (l *localSocket) Close(code int, reason string) {
	if code == 0 {
		code = int(websocket.StatusNormalClosure)
	}
	_ = l.conn.Close(websocket.StatusCode(code), reason)
}

// openLocalSocket dials the local app for a browser-initiated WebSocket and
// reports the outcome, then pumps local frames into the control channel.
// Runs on its own goroutine per ws_open.
func (s *session) openLocalSocket(ctx context.Context, open *protocol.WSOpen) {
	url := fmt.Sprintf("ws://127.0.0.1:%d%s", s.localPort, open.Path)

	opts := &websocket.DialOptions{HTTPHeader: relayHeaders(open.Headers)}
	if open.Protocol != "" {
		for _, p := range strings.Split(open.Protocol, ",") {
			opts.Subprotocols = append(opts.Subprotocols, strings.TrimSpace(p))
		}
	}

	dialCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	ws, _, err := websocket.Dial(dialCtx, url, opts)
	cancel()
	if err != nil {
		s.logger.Warn().Err(err).Str("path", open.Path).Msg("local websocket dial failed")
		_ = s.conn.Send(ctx, &protocol.WSError{
			Type:  protocol.TypeWSError,
			WSID:  open.WSID,
			Error: err.Error(),
		})
		return
	}
	ws.SetReadLimit(localMessageLimit)

	sock := &localSocket{id: open.WSID, conn: ws}
	s.mu.Lock()
	select {
	case <-s.done:
		s.mu.Unlock()
		sock.Close(int(websocket.StatusGoingAway), "tunnel disconnected")
		return
	default:
	}
	s.sockets[open.WSID] = sock
	s.mu.Unlock()

	if err := s.conn.Send(ctx, &protocol.WSOpened{
		Type:     protocol.TypeWSOpened,
		WSID:     open.WSID,
		Protocol: ws.Subprotocol(),
	}); err != nil {
		s.takeSocket(open.WSID)
		sock.Close(int(websocket.StatusGoingAway), "tunnel disconnected")
		return
	}

	s.logger.Info().Str("path", open.Path).Str("ws_id", open.WSID).Msg("local websocket open")
	s.pumpLocal(ctx, sock)
}

// pumpLocal relays local-app frames into the control channel until the
// socket closes; the serve loop pumps the other direction.
func (s *session) pumpLocal(ctx context.Context, sock *localSocket) {
	for {
		typ, data, err := sock.conn.Read(ctx)
		if err != nil {
			if s.takeSocket(sock.id) != nil {
				s.forwardLocalClose(ctx, sock.id, err)
			}
			return
		}
		if typ == websocket.MessageBinary {
			err = s.conn.SendBinary(ctx, &protocol.WSMessageBinary{Type: protocol.TypeWSMessageBinary, WSID: sock.id}, data)
		} else {
			err = s.conn.Send(ctx, &protocol.WSMessage{Type: protocol.TypeWSMessage, WSID: sock.id, Data: string(data)})
		}
		if err != nil {
			// Control channel gone; session teardown closes the local side.
			return
		}
	}
}

// forwardLocalClose tells the server how the local app hung up so the
// browser observes the same close code.
func (s *session) forwardLocalClose(ctx context.Context, wsID string, readErr error) {
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
	sendCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_ = s.conn.Send(sendCtx, msg)
	s.logger.Info().Str("ws_id", wsID).Int("code", msg.Code).Msg("local websocket closed")
}

// relayHeaders filters tunnelled upgrade headers down to what a fresh dial
// may carry; the WebSocket handshake headers are the dialer's to set.
func relayHeaders(headers map[string]string) http.Header {
	h := http.Header{}
	for k, v := range headers {
		lower := strings.ToLower(k)
		switch {
		case lower == "host", lower == "connection", lower == "upgrade",
			lower == "x-tunnel-subdomain",
			strings.HasPrefix(lower, "sec-websocket-"):
		default:
			h.Set(k, v)
		}
	}
	return h
}
