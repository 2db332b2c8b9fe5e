package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/tunneld/tunneld/internal/compress"
	"github.com/tunneld/tunneld/internal/events"
	"github.com/tunneld/tunneld/internal/protocol"
)

// Response mode thresholds. A body at most inlineLimit is buffered and sent
// in one message; larger bodies up to bufferLimit are buffered, compressed
// and streamed; anything bigger streams raw without buffering.
const (
	inlineLimit = 256 << 10
	bufferLimit = 100 << 20
)

// binaryThreshold is the inline body size from which the binary frame path
// is used even for plain text; JSON-escaping large bodies is pure overhead.
const binaryThreshold = 64 << 10

// chunkSize is the stream chunk granularity.
const chunkSize = 64 << 10

// handleRequest forwards one tunnelled request to the local app and sends
// back whichever wire shape fits the response. Runs on its own goroutine.
func (s *session) handleRequest(ctx context.Context, req *protocol.HTTPRequest) {
	start := time.Now()
	s.bus.Emit(events.Event{
		Kind:      events.KindRequestStarted,
		RequestID: req.RequestID,
		Method:    req.Method,
		Path:      req.Path,
		Mode:      classify(req),
	})

	resp, err := s.fetchLocal(ctx, req)
	if err != nil {
		s.logger.Warn().Err(err).Str("path", req.Path).Msg("local app unreachable")
		s.sendError(ctx, req.RequestID, http.StatusBadGateway, "Bad Gateway: "+err.Error())
		s.completed(req, http.StatusBadGateway, 0, "error", start, err)
		return
	}
	defer resp.Body.Close()

	headers := snapshotHeaders(resp.Header)

	// Conditional GET short-circuit: the local app revalidated but did not
	// know the public client's validator matched. Answering 304 here saves
	// shipping the body over the tunnel.
	if inm := headerGet(req.Headers, "If-None-Match"); inm != "" &&
		resp.StatusCode == http.StatusOK && etagMatch(inm, resp.Header.Get("Etag")) {
		s.sendNotModified(ctx, req.RequestID, headers)
		s.completed(req, http.StatusNotModified, 0, "inline", start, nil)
		return
	}

	if isEventStream(resp) {
		n, err := s.streamLive(ctx, req.RequestID, resp, headers)
		s.completed(req, resp.StatusCode, n, "sse", start, err)
		return
	}

	contentLength := resp.ContentLength
	if responseMode(contentLength) == "raw-stream" {
		n, err := s.streamRaw(ctx, req.RequestID, resp, headers, contentLength)
		s.completed(req, resp.StatusCode, n, "raw-stream", start, err)
		return
	}

	body, passthroughEncoded, err := readDecoded(resp, headers)
	if err != nil {
		s.logger.Warn().Err(err).Str("path", req.Path).Msg("reading local response failed")
		s.sendError(ctx, req.RequestID, http.StatusBadGateway, "Bad Gateway: "+err.Error())
		s.completed(req, http.StatusBadGateway, 0, "error", start, err)
		return
	}

	// A chunked response reveals its size only once buffered. Selection
	// reruns on the real size so no single frame can outgrow the control
	// channel's read limit.
	if contentLength < 0 {
		contentLength = int64(len(body))
	}

	// The handler is authoritative for body metadata on buffered paths.
	delete(headers, "content-length")
	delete(headers, "transfer-encoding")

	if !passthroughEncoded && resp.StatusCode != http.StatusNotModified {
		if encoded, coding, ok := compress.Compress(body, headerGet(req.Headers, "Accept-Encoding"), headers["content-type"]); ok {
			body = encoded
			headers["content-encoding"] = coding
		}
	}
	headers["content-length"] = strconv.Itoa(len(body))

	var sendErr error
	mode := responseMode(contentLength)
	if mode == "stream" {
		sendErr = s.streamBuffered(ctx, req.RequestID, resp.StatusCode, headers, body)
	} else if headers["content-encoding"] != "" || len(body) >= binaryThreshold || !utf8.Valid(body) {
		sendErr = s.conn.SendBinary(ctx, &protocol.HTTPResponseBinary{
			Type:      protocol.TypeHTTPResponseBinary,
			RequestID: req.RequestID,
			Status:    resp.StatusCode,
			Headers:   headers,
			BodySize:  len(body),
		}, body)
	} else {
		sendErr = s.conn.Send(ctx, &protocol.HTTPResponse{
			Type:      protocol.TypeHTTPResponse,
			RequestID: req.RequestID,
			Status:    resp.StatusCode,
			Headers:   headers,
			Body:      string(body),
		})
	}
	s.completed(req, resp.StatusCode, int64(len(body)), mode, start, sendErr)
}

// fetchLocal replays the tunnelled request against the loopback app.
func (s *session) fetchLocal(ctx context.Context, req *protocol.HTTPRequest) (*http.Response, error) {
	url := fmt.Sprintf("http://127.0.0.1:%d%s", s.localPort, req.Path)
	var body io.Reader
	if req.Body != "" {
		body = strings.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, url, body)
	if err != nil {
		return nil, fmt.Errorf("build local request: %w", err)
	}
	for k, v := range req.Headers {
		switch {
		// Go derives Host from the URL; the tunnel marker is server-internal.
		case strings.EqualFold(k, "Host"), strings.EqualFold(k, "X-Tunnel-Subdomain"):
		// Body metadata from the public side is meaningless without a body.
		case body == nil && (strings.EqualFold(k, "Content-Length") || strings.EqualFold(k, "Transfer-Encoding")):
		default:
			httpReq.Header.Set(k, v)
		}
	}
	return s.local.Do(httpReq)
}

// sendNotModified answers a revalidated conditional GET. Only the validator
// and caching headers survive; a 304 has no body to describe.
func (s *session) sendNotModified(ctx context.Context, requestID string, headers map[string]string) {
	h := make(map[string]string, 3)
	for _, k := range []string{"etag", "cache-control", "vary"} {
		if v, ok := headers[k]; ok {
			h[k] = v
		}
	}
	if err := s.conn.Send(ctx, &protocol.HTTPResponse{
		Type:      protocol.TypeHTTPResponse,
		RequestID: requestID,
		Status:    http.StatusNotModified,
		Headers:   h,
		Body:      "",
	}); err != nil {
		s.logger.Debug().Err(err).Msg("304 send failed")
	}
}

func (s *session) sendError(ctx context.Context, requestID string, status int, message string) {
	if err := s.conn.Send(ctx, &protocol.HTTPResponse{
		Type:      protocol.TypeHTTPResponse,
		RequestID: requestID,
		Status:    status,
		Headers:   map[string]string{"content-type": "text/plain"},
		Body:      message,
	}); err != nil {
		s.logger.Debug().Err(err).Msg("error response send failed")
	}
}

// streamBuffered sends an already-buffered body as a stream with a known
// total size, in fixed-size chunks.
func (s *session) streamBuffered(ctx context.Context, requestID string, status int, headers map[string]string, body []byte) error {
	total := int64(len(body))
	if err := s.conn.Send(ctx, &protocol.StreamStart{
		Type:      protocol.TypeStreamStart,
		RequestID: requestID,
		Status:    status,
		Headers:   headers,
		TotalSize: &total,
	}); err != nil {
		return err
	}
	for off := 0; off < len(body); off += chunkSize {
		end := off + chunkSize
		if end > len(body) {
			end = len(body)
		}
		chunk := body[off:end]
		if err := s.conn.SendBinary(ctx, &protocol.StreamChunk{
			Type:      protocol.TypeStreamChunk,
			RequestID: requestID,
			ChunkSize: len(chunk),
		}, chunk); err != nil {
			return err
		}
		s.bus.Emit(events.Event{Kind: events.KindStreamProgress, RequestID: requestID, Bytes: int64(end)})
	}
	return s.conn.Send(ctx, &protocol.StreamEnd{Type: protocol.TypeStreamEnd, RequestID: requestID})
}

// streamLive relays an event stream as it is produced. The body metadata
// headers go: the stream has no fixed length and is never re-encoded.
func (s *session) streamLive(ctx context.Context, requestID string, resp *http.Response, headers map[string]string) (int64, error) {
	delete(headers, "content-length")
	delete(headers, "content-encoding")
	delete(headers, "transfer-encoding")
	if err := s.conn.Send(ctx, &protocol.StreamStart{
		Type:      protocol.TypeStreamStart,
		RequestID: requestID,
		Status:    resp.StatusCode,
		Headers:   headers,
	}); err != nil {
		return 0, err
	}
	return s.copyChunks(ctx, requestID, resp.Body)
}

// streamRaw forwards an oversized body chunk-by-chunk without buffering or
// recompression; the headers pass through byte-for-byte.
func (s *session) streamRaw(ctx context.Context, requestID string, resp *http.Response, headers map[string]string, contentLength int64) (int64, error) {
	start := &protocol.StreamStart{
		Type:      protocol.TypeStreamStart,
		RequestID: requestID,
		Status:    resp.StatusCode,
		Headers:   headers,
	}
	if contentLength > 0 {
		start.TotalSize = &contentLength
	}
	if err := s.conn.Send(ctx, start); err != nil {
		return 0, err
	}
	return s.copyChunks(ctx, requestID, resp.Body)
}

// copyChunks pumps src to the control channel until EOF. A read failure
// becomes a stream error so the server truncates the public response; a send
// failure just stops, the channel is gone anyway.
func (s *session) copyChunks(ctx context.Context, requestID string, src io.Reader) (int64, error) {
	buf := make([]byte, chunkSize)
	var sent int64
	for {
		n, readErr := src.Read(buf)
		if n > 0 {
			if err := s.conn.SendBinary(ctx, &protocol.StreamChunk{
				Type:      protocol.TypeStreamChunk,
				RequestID: requestID,
				ChunkSize: n,
			}, buf[:n]); err != nil {
				return sent, err
			}
			sent += int64(n)
			s.bus.Emit(events.Event{Kind: events.KindStreamProgress, RequestID: requestID, Bytes: sent})
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				return sent, s.conn.Send(ctx, &protocol.StreamEnd{Type: protocol.TypeStreamEnd, RequestID: requestID})
			}
			sendCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			_ = s.conn.Send(sendCtx, &protocol.StreamError{
				Type:      protocol.TypeStreamError,
				RequestID: requestID,
				Error:     readErr.Error(),
			})
			cancel()
			return sent, readErr
		}
	}
}

func (s *session) completed(req *protocol.HTTPRequest, status int, bytes int64, mode string, start time.Time, err error) {
	e := events.Event{
		Kind:      events.KindRequestCompleted,
		RequestID: req.RequestID,
		Method:    req.Method,
		Path:      req.Path,
		Status:    status,
		Bytes:     bytes,
		Duration:  time.Since(start),
		Mode:      mode,
	}
	if err != nil {
		e.Error = err.Error()
	}
	s.bus.Emit(e)
}

// readDecoded buffers the response body, transparently decoding a
// content-coding this client understands so the compression policy sees
// plain bytes. An unknown coding passes through with its header kept;
// passthrough reports that, so recompression is skipped.
func readDecoded(resp *http.Response, headers map[string]string) (body []byte, passthrough bool, err error) {
	src := io.Reader(resp.Body)
	if coding := headers["content-encoding"]; coding != "" {
		r, decErr := compress.NewReader(resp.Body, coding)
		if decErr != nil {
			if !errors.Is(decErr, compress.ErrUnsupported) {
				return nil, false, fmt.Errorf("decode %s body: %w", coding, decErr)
			}
			passthrough = true
		} else {
			defer r.Close()
			src = r
			delete(headers, "content-encoding")
		}
	}
	body, err = io.ReadAll(src)
	if err != nil {
		return nil, false, fmt.Errorf("read local response: %w", err)
	}
	return body, passthrough, nil
}

// responseMode picks the wire shape for a body of the given size. A negative
// size (chunked, unknown until buffered) never selects the raw path.
func responseMode(contentLength int64) string {
	switch {
	case contentLength > bufferLimit:
		return "raw-stream"
	case contentLength > inlineLimit:
		return "stream"
	default:
		return "inline"
	}
}

// classify labels a request for display only; the response mode is decided
// by what the local app actually returns.
func classify(req *protocol.HTTPRequest) string {
	if strings.EqualFold(headerGet(req.Headers, "Upgrade"), "websocket") {
		return "ws"
	}
	if strings.Contains(headerGet(req.Headers, "Accept"), "text/event-stream") {
		return "sse"
	}
	// Dev-server hot reload endpoints behave like SSE whatever they accept.
	path := strings.ToLower(req.Path)
	if strings.Contains(path, "hmr") || strings.Contains(path, "hot-update") {
		return "sse"
	}
	return "http"
}

func isEventStream(resp *http.Response) bool {
	if strings.Contains(strings.ToLower(resp.Header.Get("Content-Type")), "text/event-stream") {
		return true
	}
	return strings.EqualFold(resp.Header.Get("X-Accel-Buffering"), "no")
}

// etagMatch compares validators with any weak prefix stripped: a weak match
// is good enough to suppress an identical body.
func etagMatch(ifNoneMatch, etag string) bool {
	if etag == "" {
		return false
	}
	strip := func(v string) string {
		return strings.TrimPrefix(strings.TrimSpace(v), "W/")
	}
	want := strip(etag)
	for _, candidate := range strings.Split(ifNoneMatch, ",") {
		if strip(candidate) == want {
			return true
		}
	}
	return false
}

// snapshotHeaders flattens response headers to a lowercase-keyed string map,
// the shape the wire format carries.
func snapshotHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, vals := range h {
		out[strings.ToLower(k)] = strings.Join(vals, ", ")
	}
	return out
}

// headerGet looks a name up in a wire header map case-insensitively; the
// server preserves the public client's casing.
func headerGet(headers map[string]string, name string) string {
	if v, ok := headers[name]; ok {
		return v
	}
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}
