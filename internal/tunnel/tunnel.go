// Package tunnel holds the server-side state of registered tunnels: the
// control channel, requests awaiting responses, response streams, and
// relayed browser WebSockets.
package tunnel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"

	"github.com/tunneld/tunneld/internal/protocol"
)

// Sentinel errors callers branch on when a forwarded request fails.
var (
	ErrSubdomainTaken = errors.New("subdomain already in use")
	ErrRequestTimeout = errors.New("request timed out")
	ErrTunnelClosed   = errors.New("tunnel disconnected")
)

// Timing knobs. Variables so tests can shrink them.
var (
	// requestTimeout bounds a forwarded request until its response or
	// stream start arrives.
	requestTimeout = 30 * time.Second
	// wsOpenTimeout bounds a browser WebSocket upgrade round trip.
	wsOpenTimeout = 30 * time.Second
	// pingInterval paces protocol-level pings to the client.
	pingInterval = 20 * time.Second
	// idleTimeout kills a tunnel whose client sent nothing at all, pongs
	// included, for this long.
	idleTimeout = 120 * time.Second
)

// BrowserSocket is the public side of one relayed WebSocket. The server
// package implements it; the tunnel read loop drives it.
type BrowserSocket interface {
	WriteText(data string) error
	WriteBinary(data []byte) error
	// CloseStatus closes toward the browser with a WebSocket status code.
	CloseStatus(code int, reason string)
}

// WSOpenResult resolves a ws_open round trip.
type WSOpenResult struct {
	Protocol string
	Err      error
}

// BufferedResponse is a complete response delivered in one piece.
type BufferedResponse struct {
	Status  int
	Headers map[string]string
	Body    []byte
}

type result struct {
	resp   *BufferedResponse
	stream *Stream
	err    error
}

type pendingRequest struct {
	ch    chan result
	timer *time.Timer
}

// Tunnel is one registered client: its control channel plus everything in
// flight over it.
type Tunnel struct {
	Subdomain string
	CreatedAt time.Time

	conn   *protocol.Conn
	apiKey string
	logger zerolog.Logger

	mu       sync.Mutex
	pending  map[string]*pendingRequest
	streams  map[string]*Stream
	sockets  map[string]BrowserSocket
	upgrades map[string]chan WSOpenResult

	// Binary-slot state. Owned by the read loop; never touched elsewhere.
	pendingBinary   *protocol.HTTPResponseBinary
	pendingWSBinary string

	done      chan struct{}
	closeOnce sync.Once
}

// New wraps an accepted control channel. The caller runs ReadLoop itself and
// unregisters the tunnel when it returns.
func New(subdomain, apiKey string, conn *protocol.Conn, logger zerolog.Logger) *Tunnel {
	return &Tunnel{
		Subdomain: subdomain,
		CreatedAt: time.Now(),
		conn:      conn,
		apiKey:    apiKey,
		logger:    logger.With().Str("subdomain", subdomain).Logger(),
		pending:   make(map[string]*pendingRequest),
		streams:   make(map[string]*Stream),
		sockets:   make(map[string]BrowserSocket),
		upgrades:  make(map[string]chan WSOpenResult),
		done:      make(chan struct{}),
	}
}

// AuthorizedBy reports whether key is the one that registered this tunnel.
// Reconnects under a different key must not evict it.
func (t *Tunnel) AuthorizedBy(key string) bool {
	return t.apiKey == key
}

// Done is closed when the tunnel shuts down.
func (t *Tunnel) Done() <-chan struct{} {
	return t.done
}

// PendingCount returns the number of requests awaiting a response.
func (t *Tunnel) PendingCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// Send forwards one control message to the client.
func (t *Tunnel) Send(ctx context.Context, msg any) error {
	return t.conn.Send(ctx, msg)
}

// SendBinary forwards an announcement and its binary payload atomically.
func (t *Tunnel) SendBinary(ctx context.Context, header any, payload []byte) error {
	return t.conn.SendBinary(ctx, header, payload)
}

// Close tears the tunnel down exactly once: pending requests learn
// ErrTunnelClosed, streams fail, upgrades reject, browser sockets get 1001.
func (t *Tunnel) Close(code websocket.StatusCode, reason string) {
	t.closeOnce.Do(func() {
		close(t.done)
		_ = t.conn.Close(code, reason)

		t.mu.Lock()
		pending := t.pending
		streams := t.streams
		sockets := t.sockets
		upgrades := t.upgrades
		t.pending = make(map[string]*pendingRequest)
		t.streams = make(map[string]*Stream)
		t.sockets = make(map[string]BrowserSocket)
		t.upgrades = make(map[string]chan WSOpenResult)
		t.mu.Unlock()

		for _, pr := range pending {
			pr.timer.Stop()
			pr.ch <- result{err: ErrTunnelClosed}
		}
		for _, s := range streams {
			s.fail(ErrTunnelClosed)
		}
		for _, ch := range upgrades {
			ch <- WSOpenResult{Err: ErrTunnelClosed}
		}
		for _, sock := range sockets {
			sock.CloseStatus(int(websocket.StatusGoingAway), "tunnel disconnected")
		}
		t.logger.Info().Str("reason", reason).Msg("tunnel closed")
	})
}

// SendRequest forwards one public request and waits for its terminal event:
// a buffered response, the start of a stream, a timeout, or tunnel death.
func (t *Tunnel) SendRequest(ctx context.Context, req *protocol.HTTPRequest) (*BufferedResponse, *Stream, error) {
	pr := &pendingRequest{ch: make(chan result, 1)}
	pr.timer = time.AfterFunc(requestTimeout, func() {
		t.completePending(req.RequestID, result{err: ErrRequestTimeout})
	})

	t.mu.Lock()
	t.pending[req.RequestID] = pr
	t.mu.Unlock()

	select {
	case <-t.done:
		t.abandonPending(req.RequestID, pr)
		return nil, nil, ErrTunnelClosed
	default:
	}

	if err := t.conn.Send(ctx, req); err != nil {
		t.abandonPending(req.RequestID, pr)
		return nil, nil, fmt.Errorf("forward request: %w", err)
	}

	select {
	case res := <-pr.ch:
		return res.resp, res.stream, res.err
	case <-t.done:
		t.abandonPending(req.RequestID, pr)
		return nil, nil, ErrTunnelClosed
	case <-ctx.Done():
		t.abandonPending(req.RequestID, pr)
		return nil, nil, ctx.Err()
	}
}

// OpenWS runs the ws_open round trip and returns the subprotocol the local
// app negotiated.
func (t *Tunnel) OpenWS(ctx context.Context, open *protocol.WSOpen) (string, error) {
	ch := make(chan WSOpenResult, 1)
	t.mu.Lock()
	t.upgrades[open.WSID] = ch
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		delete(t.upgrades, open.WSID)
		t.mu.Unlock()
	}()

	if err := t.conn.Send(ctx, open); err != nil {
		return "", fmt.Errorf("forward ws open: %w", err)
	}

	timer := time.NewTimer(wsOpenTimeout)
	defer timer.Stop()
	select {
	case res := <-ch:
		return res.Protocol, res.Err
	case <-timer.C:
		return "", ErrRequestTimeout
	case <-t.done:
		return "", ErrTunnelClosed
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// AttachSocket registers the accepted browser socket so inbound ws_message
// frames can reach it. Fails when the tunnel died during the upgrade.
func (t *Tunnel) AttachSocket(wsID string, sock BrowserSocket) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	select {
	case <-t.done:
		return ErrTunnelClosed
	default:
	}
	t.sockets[wsID] = sock
	return nil
}

// DetachSocket forgets a browser socket after its pump ends.
func (t *Tunnel) DetachSocket(wsID string) {
	t.mu.Lock()
	delete(t.sockets, wsID)
	t.mu.Unlock()
}

// PingLoop sends WebSocket protocol-level pings until the tunnel closes. Run
// it on its own goroutine; an unanswered ping closes the tunnel.
func (t *Tunnel) PingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-t.done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := t.conn.Ping(pingCtx)
			cancel()
			if err != nil {
				t.logger.Warn().Err(err).Msg("ping failed")
				t.Close(websocket.StatusAbnormalClosure, "ping failed")
				return
			}
		}
	}
}

// ReadLoop consumes the control channel until the connection dies or the
// client goes idle past the limit. It owns the binary-slot state, so it must
// be the only reader.
func (t *Tunnel) ReadLoop(ctx context.Context) error {
	for {
		readCtx, cancel := context.WithTimeout(ctx, idleTimeout)
		data, isBinary, err := t.conn.Read(readCtx)
		cancel()
		if err != nil {
			select {
			case <-t.done:
				return nil
			default:
				return err
			}
		}
		if isBinary {
			t.handleBinary(data)
			continue
		}
		msg, err := protocol.Decode(data)
		if err != nil {
			if errors.Is(err, protocol.ErrUnknownType) {
				t.logger.Debug().Err(err).Msg("ignoring unknown message type")
			} else {
				t.logger.Warn().Err(err).Msg("dropping malformed control message")
			}
			continue
		}
		t.handleMessage(msg)
	}
}

func (t *Tunnel) handleMessage(msg any) {
	switch m := msg.(type) {
	case *protocol.Pong:
		// Any read already reset the idle deadline; nothing else to do.

	case *protocol.HTTPResponse:
		delivered := t.completePending(m.RequestID, result{resp: &BufferedResponse{
			Status:  m.Status,
			Headers: m.Headers,
			Body:    []byte(m.Body),
		}})
		if !delivered {
			t.logger.Debug().Str("request_id", m.RequestID).Msg("response for unknown or expired request")
		}

	case *protocol.HTTPResponseBinary:
		if t.pendingBinary != nil {
			t.logger.Warn().
				Str("first", t.pendingBinary.RequestID).
				Str("second", m.RequestID).
				Msg("binary response announced before previous payload arrived; discarding first")
		}
		t.pendingBinary = m

	case *protocol.StreamStart:
		total := int64(-1)
		if m.TotalSize != nil {
			total = *m.TotalSize
		}
		s := newStream(m.RequestID, m.Status, m.Headers, total)
		t.mu.Lock()
		t.streams[m.RequestID] = s
		t.mu.Unlock()
		if !t.completePending(m.RequestID, result{stream: s}) {
			// Nobody is waiting (timed out or never existed); drop it so
			// later chunks fall into the unknown-request path.
			t.takeStream(m.RequestID)
			t.logger.Debug().Str("request_id", m.RequestID).Msg("stream start for unknown or expired request")
		}

	case *protocol.StreamChunk:
		if s := t.stream(m.RequestID); s != nil {
			s.pendingChunk = m.ChunkSize
		} else {
			t.logger.Debug().Str("request_id", m.RequestID).Msg("chunk announcement for unknown stream")
		}

	case *protocol.StreamEnd:
		if s := t.takeStream(m.RequestID); s != nil {
			s.end()
		}

	case *protocol.StreamError:
		if s := t.takeStream(m.RequestID); s != nil {
			s.fail(errors.New(m.Error))
		}

	case *protocol.WSOpened:
		t.completeUpgrade(m.WSID, WSOpenResult{Protocol: m.Protocol})

	case *protocol.WSError:
		t.completeUpgrade(m.WSID, WSOpenResult{Err: errors.New(m.Error)})

	case *protocol.WSMessage:
		if sock := t.socket(m.WSID); sock != nil {
			if err := sock.WriteText(m.Data); err != nil {
				t.logger.Debug().Err(err).Str("ws_id", m.WSID).Msg("browser socket write failed")
			}
		}

	case *protocol.WSMessageBinary:
		t.pendingWSBinary = m.WSID

	case *protocol.WSClose:
		if sock := t.takeSocket(m.WSID); sock != nil {
			code := m.Code
			if code == 0 {
				code = int(websocket.StatusNormalClosure)
			}
			sock.CloseStatus(code, m.Reason)
		}

	default:
		t.logger.Debug().Type("message", msg).Msg("unexpected message direction")
	}
}

// handleBinary routes a raw binary frame by the fixed announcement order:
// buffered binary response, then the unique stream awaiting a chunk, then a
// relayed browser socket payload. Unannounced frames are dropped.
func (t *Tunnel) handleBinary(data []byte) {
	if hdr := t.pendingBinary; hdr != nil {
		t.pendingBinary = nil
		if hdr.BodySize != len(data) {
			t.logger.Debug().Int("announced", hdr.BodySize).Int("actual", len(data)).Msg("binary body size differs from announcement")
		}
		if !t.completePending(hdr.RequestID, result{resp: &BufferedResponse{
			Status:  hdr.Status,
			Headers: hdr.Headers,
			Body:    data,
		}}) {
			t.logger.Debug().Str("request_id", hdr.RequestID).Msg("binary response for unknown or expired request")
		}
		return
	}

	s, waiting := t.streamAwaitingChunk()
	if waiting == 1 {
		s.pendingChunk = -1
		s.push(t.done, data)
		return
	}
	if waiting > 1 {
		t.logger.Warn().Int("streams", waiting).Msg("ambiguous chunk announcement; dropping binary frame")
		return
	}

	if id := t.pendingWSBinary; id != "" {
		t.pendingWSBinary = ""
		if sock := t.socket(id); sock != nil {
			if err := sock.WriteBinary(data); err != nil {
				t.logger.Debug().Err(err).Str("ws_id", id).Msg("browser socket write failed")
			}
		}
		return
	}

	t.logger.Warn().Int("size", len(data)).Msg("dropping unannounced binary frame")
}

func (t *Tunnel) completePending(id string, res result) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	pr, ok := t.pending[id]
	if !ok {
		return false
	}
	delete(t.pending, id)
	pr.timer.Stop()
	// Buffered and written at most once, so this cannot block; holding the
	// lock serializes delivery against abandonPending's drain.
	pr.ch <- res
	return true
}

// abandonPending withdraws a request whose caller is gone. A result that
// already raced into the channel is disposed of here, so a just-started
// stream cannot sit unconsumed and wedge the read loop.
func (t *Tunnel) abandonPending(id string, pr *pendingRequest) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.pending, id)
	pr.timer.Stop()
	select {
	case res := <-pr.ch:
		if res.stream != nil {
			delete(t.streams, res.stream.RequestID)
			res.stream.Cancel()
		}
	default:
	}
}

func (t *Tunnel) completeUpgrade(wsID string, res WSOpenResult) {
	t.mu.Lock()
	ch, ok := t.upgrades[wsID]
	if ok {
		delete(t.upgrades, wsID)
	}
	t.mu.Unlock()
	if ok {
		ch <- res
	} else {
		t.logger.Debug().Str("ws_id", wsID).Msg("upgrade result for unknown socket")
	}
}

func (t *Tunnel) stream(id string) *Stream {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.streams[id]
}

func (t *Tunnel) takeStream(id string) *Stream {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.streams[id]
	delete(t.streams, id)
	return s
}

// streamAwaitingChunk returns the stream with an outstanding chunk
// announcement and how many such streams exist. More than one means the
// client broke the strict announce-then-send ordering.
func (t *Tunnel) streamAwaitingChunk() (*Stream, int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var found *Stream
	n := 0
	for _, s := range t.streams {
		if s.pendingChunk >= 0 {
			found = s
			n++
		}
	}
	if n != 1 {
		return nil, n
	}
	return found, 1
}

func (t *Tunnel) socket(id string) BrowserSocket {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sockets[id]
}

func (t *Tunnel) takeSocket(id string) BrowserSocket {
	t.mu.Lock()
	defer t.mu.Unlock()
	sock := t.sockets[id]
	delete(t.sockets, id)
	return sock
}
