// Package agent is the tunnel client: it holds the control channel to the
// server, forwards tunnelled requests to the local app, and relays browser
// WebSockets onto loopback sockets.
package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"

	"github.com/tunneld/tunneld/internal/auth"
	"github.com/tunneld/tunneld/internal/events"
	"github.com/tunneld/tunneld/internal/protocol"
)

// Reconnect backoff bounds. The delay doubles per failed attempt and resets
// after a session that reached the connected state.
const (
	initialBackoff = time.Second
	maxBackoff     = 60 * time.Second
)

// keepaliveInterval paces unsolicited pongs so intermediaries keep the
// control channel alive even when no traffic flows.
const keepaliveInterval = 30 * time.Second

// connectTimeout bounds the dial plus the wait for the connected message.
const connectTimeout = 15 * time.Second

// Client connects a local HTTP app to the tunnel server.
type Client struct {
	// ServerURL is the tunnel server base URL, e.g. https://tunnel.example.com.
	ServerURL string
	// APIKey is the pre-shared key presented on the handshake.
	APIKey string
	// LocalPort is the loopback port the app listens on.
	LocalPort int
	// Subdomain, when set, is requested on connect. After the first
	// connected message it tracks the server's assignment so reconnects
	// keep the same public URL.
	Subdomain string
	// ConfigPath, when set, is where the port→subdomain mapping is saved.
	ConfigPath string

	logger zerolog.Logger
	bus    *events.Bus
	local  *http.Client
}

// NewClient builds a Client. bus may be nil when nobody renders events.
func NewClient(serverURL string, apiKey string, localPort int, logger zerolog.Logger, bus *events.Bus) *Client {
	return &Client{
		ServerURL: strings.TrimSuffix(serverURL, "/"),
		APIKey:    apiKey,
		LocalPort: localPort,
		logger:    logger,
		bus:       bus,
		// No timeout: SSE and large downloads hold the response open.
		local: &http.Client{Timeout: 0},
	}
}

// Verify checks the API key against the server before anything else, so a
// bad key fails fast with a clear message instead of a dial error.
func (c *Client) Verify(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.ServerURL+"/__tunnel__/verify", nil)
	if err != nil {
		return fmt.Errorf("build verify request: %w", err)
	}
	req.Header.Set(auth.HeaderName, c.APIKey)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("verify key: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	switch resp.StatusCode {
	case http.StatusOK:
		return nil
	case http.StatusUnauthorized:
		return errors.New("api key rejected by server")
	default:
		return fmt.Errorf("verify returned %d", resp.StatusCode)
	}
}

// Run connects and serves until ctx is cancelled. The first connection
// failure is fatal so a misconfigured client exits with an error the user
// sees; once a session has been established, it reconnects forever.
func (c *Client) Run(ctx context.Context) error {
	c.emitState(events.StateConnecting, "")
	if err := c.connectAndServe(ctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !errors.Is(err, errSessionEnded) {
			return err
		}
	}

	backoff := initialBackoff
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.emitState(events.StateReconnecting, c.Subdomain)
		c.logger.Info().Dur("delay", backoff).Msg("reconnecting")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		err := c.connectAndServe(ctx)
		switch {
		case ctx.Err() != nil:
			return ctx.Err()
		case errors.Is(err, errSessionEnded):
			// The session reached connected before dying; start over
			// from the shortest delay.
			backoff = initialBackoff
		default:
			c.logger.Warn().Err(err).Msg("connect failed")
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}
	}
}

// errSessionEnded distinguishes "connected, then lost" from "never
// connected": the supervisor resets its backoff only for the former, and
// only the latter is fatal on the first attempt.
var errSessionEnded = errors.New("session ended")

// connectAndServe runs one control-channel session: dial, await connected,
// then pump messages until the channel dies.
func (c *Client) connectAndServe(ctx context.Context) error {
	wsURL := c.ServerURL + "/__tunnel__/connect?port=" + strconv.Itoa(c.LocalPort)
	if c.Subdomain != "" {
		wsURL += "&subdomain=" + c.Subdomain
	}
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	wsURL = strings.Replace(wsURL, "https://", "wss://", 1)

	dialCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	header := http.Header{}
	header.Set(auth.HeaderName, c.APIKey)
	ws, resp, err := websocket.Dial(dialCtx, wsURL, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial control channel: server returned %d: %w", resp.StatusCode, err)
		}
		return fmt.Errorf("dial control channel: %w", err)
	}
	conn := protocol.NewConn(ws)
	defer conn.Close(websocket.StatusNormalClosure, "")

	subdomain, err := c.awaitConnected(dialCtx, conn)
	if err != nil {
		return err
	}
	c.Subdomain = subdomain
	c.persistSubdomain(subdomain)
	c.emitState(events.StateConnected, subdomain)
	c.logger.Info().Str("subdomain", subdomain).Msg("tunnel connected")

	s := newSession(conn, c.LocalPort, c.local, c.logger.With().Str("subdomain", subdomain).Logger(), c.bus)
	err = s.serve(ctx)
	s.close()
	c.emitState(events.StateDisconnected, subdomain)
	if err != nil && ctx.Err() == nil {
		c.logger.Warn().Err(err).Msg("control channel lost")
	}
	return errSessionEnded
}

// awaitConnected reads frames until the handshake confirmation arrives.
// Anything else this early is a protocol anomaly and is skipped.
func (c *Client) awaitConnected(ctx context.Context, conn *protocol.Conn) (string, error) {
	for {
		data, isBinary, err := conn.Read(ctx)
		if err != nil {
			return "", fmt.Errorf("await connected: %w", err)
		}
		if isBinary {
			c.logger.Warn().Msg("binary frame before handshake confirmation")
			continue
		}
		msg, err := protocol.Decode(data)
		if err != nil {
			c.logger.Debug().Err(err).Msg("skipping frame before connected")
			continue
		}
		switch m := msg.(type) {
		case *protocol.Connected:
			return m.Subdomain, nil
		case *protocol.ErrorMessage:
			return "", fmt.Errorf("server rejected connection: %s", m.Message)
		default:
			c.logger.Debug().Msgf("ignoring %T before connected", msg)
		}
	}
}

// persistSubdomain writes the assigned subdomain through to the config file
// so the next process start requests the same name.
func (c *Client) persistSubdomain(subdomain string) {
	if c.ConfigPath == "" {
		return
	}
	cfg, err := LoadConfig(c.ConfigPath)
	if err != nil {
		c.logger.Warn().Err(err).Msg("config unreadable, not persisting subdomain")
		return
	}
	if cfg.ServerURL == "" {
		cfg.ServerURL = c.ServerURL
	}
	if cfg.APIKey == "" {
		cfg.APIKey = c.APIKey
	}
	if !cfg.RememberSubdomain(c.LocalPort, subdomain) {
		return
	}
	if err := SaveConfig(c.ConfigPath, cfg); err != nil {
		c.logger.Warn().Err(err).Msg("failed to persist subdomain mapping")
	}
}

func (c *Client) emitState(state events.State, subdomain string) {
	c.bus.Emit(events.Event{
		Kind:      events.KindConnection,
		State:     state,
		Subdomain: subdomain,
	})
}

// session is the per-connection state: the control channel, the loopback
// WebSocket relays opened for it, and the one announced-binary slot a client
// needs (the server only ever announces ws_message_binary).
type session struct {
	conn      *protocol.Conn
	localPort int
	local     *http.Client
	logger    zerolog.Logger
	bus       *events.Bus

	mu      sync.Mutex
	sockets map[string]*localSocket

	// pendingWSBinary names the socket the next binary frame belongs to.
	// Touched only by the serve goroutine.
	pendingWSBinary string

	closeOnce sync.Once
	done      chan struct{}
}

func newSession(conn *protocol.Conn, localPort int, local *http.Client, logger zerolog.Logger, bus *events.Bus) *session {
	return &session{
		conn:      conn,
		localPort: localPort,
		local:     local,
		logger:    logger,
		bus:       bus,
		sockets:   make(map[string]*localSocket),
		done:      make(chan struct{}),
	}
}

// serve pumps the control channel until it dies. It owns the binary slot, so
// it must be the only reader.
func (s *session) serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go s.keepalive(ctx)

	for {
		data, isBinary, err := s.conn.Read(ctx)
		if err != nil {
			return err
		}
		if isBinary {
			s.handleBinary(ctx, data)
			continue
		}
		msg, err := protocol.Decode(data)
		if err != nil {
			if errors.Is(err, protocol.ErrUnknownType) {
				s.logger.Debug().Err(err).Msg("ignoring unknown message type")
			} else {
				s.logger.Warn().Err(err).Msg("dropping malformed control message")
			}
			continue
		}
		s.handleMessage(ctx, msg)
	}
}

func (s *session) handleMessage(ctx context.Context, msg any) {
	switch m := msg.(type) {
	case *protocol.Ping:
		if err := s.conn.Send(ctx, &protocol.Pong{Type: protocol.TypePong}); err != nil {
			s.logger.Debug().Err(err).Msg("pong send failed")
		}

	case *protocol.HTTPRequest:
		go s.handleRequest(ctx, m)

	case *protocol.RequestTiming:
		s.bus.Emit(events.Event{
			Kind:      events.KindRequestTimed,
			RequestID: m.RequestID,
			Duration:  time.Duration(m.Duration) * time.Millisecond,
		})

	case *protocol.WSOpen:
		go s.openLocalSocket(ctx, m)

	case *protocol.WSMessage:
		if sock := s.socket(m.WSID); sock != nil {
			if err := sock.WriteText(ctx, m.Data); err != nil {
				s.logger.Debug().Err(err).Str("ws_id", m.WSID).Msg("local socket write failed")
			}
		} else {
			s.logger.Debug().Str("ws_id", m.WSID).Msg("message for unknown socket")
		}

	case *protocol.WSMessageBinary:
		s.pendingWSBinary = m.WSID

	case *protocol.WSClose:
		if sock := s.takeSocket(m.WSID); sock != nil {
			sock.Close(m.Code, m.Reason)
		}

	case *protocol.ErrorMessage:
		s.logger.Warn().Str("message", m.Message).Msg("server error")

	default:
		s.logger.Debug().Msgf("unexpected message direction: %T", msg)
	}
}

// handleBinary routes a raw frame to the socket the last ws_message_binary
// named. The client side has no other announced-binary cases to consider.
func (s *session) handleBinary(ctx context.Context, data []byte) {
	id := s.pendingWSBinary
	if id == "" {
		s.logger.Warn().Int("size", len(data)).Msg("dropping unannounced binary frame")
		return
	}
	s.pendingWSBinary = ""
	if sock := s.socket(id); sock != nil {
		if err := sock.WriteBinary(ctx, data); err != nil {
			s.logger.Debug().Err(err).Str("ws_id", id).Msg("local socket write failed")
		}
	} else {
		s.logger.Debug().Str("ws_id", id).Msg("binary payload for unknown socket")
	}
}

// keepalive sends unsolicited pongs so the connection stays warm through
// idle-sensitive intermediaries. Ping replies happen in handleMessage.
func (s *session) keepalive(ctx context.Context) {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-ticker.C:
			sendCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := s.conn.Send(sendCtx, &protocol.Pong{Type: protocol.TypePong})
			cancel()
			if err != nil {
				return
			}
		}
	}
}

// close tears down per-session state: every loopback relay is closed with
// going-away, matching what the server does to browser sockets.
func (s *session) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.mu.Lock()
		sockets := s.sockets
		s.sockets = make(map[string]*localSocket)
		s.mu.Unlock()
		for _, sock := range sockets {
			sock.Close(int(websocket.StatusGoingAway), "tunnel disconnected")
		}
	})
}

func (s *session) socket(id string) *localSocket {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sockets[id]
}

func (s *session) takeSocket(id string) *localSocket {
	s.mu.Lock()
	defer s.mu.Unlock()
	sock := s.sockets[id]
	delete(s.sockets, id)
	return sock
}
