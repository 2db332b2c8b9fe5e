package agent

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"

	"github.com/tunneld/tunneld/internal/compress"
	"github.com/tunneld/tunneld/internal/protocol"
)

// newTestSession wires a session to a fake tunnel server over a real
// WebSocket and points its loopback at localURL. The returned conn is the
// server's side of the control channel.
func newTestSession(t *testing.T, localURL string) (*session, *protocol.Conn) {
	t.Helper()
	serverConn := make(chan *protocol.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Logf("accept: %v", err)
			return
		}
		// Accept hijacks the connection; handing it off and returning is
		// safe, the test goroutine drives it from here.
		serverConn <- protocol.NewConn(ws)
	}))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ws, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	port := 1 // closed port unless a loopback app is given
	if localURL != "" {
		u, err := neturlPort(localURL)
		if err != nil {
			t.Fatalf("parse local url: %v", err)
		}
		port = u
	}

	logger := zerolog.New(zerolog.NewTestWriter(t))
	s := newSession(protocol.NewConn(ws), port, &http.Client{}, logger, nil)
	t.Cleanup(s.close)

	select {
	case conn := <-serverConn:
		return s, conn
	case <-time.After(5 * time.Second):
		t.Fatal("control channel never accepted")
		return nil, nil
	}
}

func neturlPort(rawURL string) (int, error) {
	_, portStr, err := net.SplitHostPort(strings.TrimPrefix(rawURL, "http://"))
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(portStr)
}

func recvMessage(t *testing.T, conn *protocol.Conn) any {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	data, isBinary, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read control frame: %v", err)
	}
	if isBinary {
		t.Fatalf("expected text frame, got %d binary bytes", len(data))
	}
	msg, err := protocol.Decode(data)
	if err != nil {
		t.Fatalf("decode control frame: %v", err)
	}
	return msg
}

func recvBinary(t *testing.T, conn *protocol.Conn) []byte {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	data, isBinary, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read binary frame: %v", err)
	}
	if !isBinary {
		t.Fatalf("expected binary frame, got text: %s", data)
	}
	return data
}

func TestHandleRequestInlineCompressed(t *testing.T) {
	body := strings.Repeat("<p>compressible html content</p>\n", 100)
	local := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, body)
	}))
	defer local.Close()

	s, server := newTestSession(t, local.URL)
	go s.handleRequest(context.Background(), &protocol.HTTPRequest{
		Type:      protocol.TypeHTTPRequest,
		RequestID: "req-1",
		Method:    http.MethodGet,
		Path:      "/index.html",
		Headers:   map[string]string{"Accept-Encoding": "gzip, br, zstd"},
	})

	msg := recvMessage(t, server)
	hdr, ok := msg.(*protocol.HTTPResponseBinary)
	if !ok {
		t.Fatalf("expected http_response_binary, got %T", msg)
	}
	if hdr.Status != http.StatusOK {
		t.Errorf("status = %d, want 200", hdr.Status)
	}
	if hdr.Headers["content-encoding"] != "zstd" {
		t.Errorf("content-encoding = %q, want zstd", hdr.Headers["content-encoding"])
	}
	payload := recvBinary(t, server)
	if hdr.BodySize != len(payload) {
		t.Errorf("bodySize = %d, frame length = %d", hdr.BodySize, len(payload))
	}
	if hdr.Headers["content-length"] != strconv.Itoa(len(payload)) {
		t.Errorf("content-length = %q, want %d", hdr.Headers["content-length"], len(payload))
	}
	decoded, err := compress.DecodeAll(payload, "zstd")
	if err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if string(decoded) != body {
		t.Error("decompressed body does not round-trip")
	}
}

func TestHandleRequestInlinePlain(t *testing.T) {
	local := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		fmt.Fprint(w, "hello tunnel")
	}))
	defer local.Close()

	s, server := newTestSession(t, local.URL)
	go s.handleRequest(context.Background(), &protocol.HTTPRequest{
		Type:      protocol.TypeHTTPRequest,
		RequestID: "req-2",
		Method:    http.MethodGet,
		Path:      "/hello",
		Headers:   map[string]string{"Accept-Encoding": "gzip"},
	})

	msg := recvMessage(t, server)
	resp, ok := msg.(*protocol.HTTPResponse)
	if !ok {
		t.Fatalf("expected http_response, got %T", msg)
	}
	if resp.Body != "hello tunnel" {
		t.Errorf("body = %q", resp.Body)
	}
	if resp.Headers["content-length"] != "12" {
		t.Errorf("content-length = %q, want 12", resp.Headers["content-length"])
	}
}

func TestHandleRequestNotModified(t *testing.T) {
	local := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Etag", `W/"abc"`)
		w.Header().Set("Cache-Control", "max-age=60")
		w.Header().Set("Content-Type", "application/javascript")
		fmt.Fprint(w, strings.Repeat("console.log('cached');\n", 200))
	}))
	defer local.Close()

	s, server := newTestSession(t, local.URL)
	go s.handleRequest(context.Background(), &protocol.HTTPRequest{
		Type:      protocol.TypeHTTPRequest,
		RequestID: "req-3",
		Method:    http.MethodGet,
		Path:      "/asset.js",
		Headers:   map[string]string{"If-None-Match": `"abc"`, "Accept-Encoding": "zstd"},
	})

	msg := recvMessage(t, server)
	resp, ok := msg.(*protocol.HTTPResponse)
	if !ok {
		t.Fatalf("expected http_response, got %T", msg)
	}
	if resp.Status != http.StatusNotModified {
		t.Fatalf("status = %d, want 304", resp.Status)
	}
	if resp.Body != "" {
		t.Errorf("304 carried a body: %q", resp.Body)
	}
	if resp.Headers["etag"] != `W/"abc"` {
		t.Errorf("etag = %q", resp.Headers["etag"])
	}
	if resp.Headers["cache-control"] != "max-age=60" {
		t.Errorf("cache-control = %q", resp.Headers["cache-control"])
	}
	if _, ok := resp.Headers["content-type"]; ok {
		t.Error("304 must not carry content-type")
	}
}

func TestHandleRequestBadGateway(t *testing.T) {
	s, server := newTestSession(t, "")
	go s.handleRequest(context.Background(), &protocol.HTTPRequest{
		Type:      protocol.TypeHTTPRequest,
		RequestID: "req-4",
		Method:    http.MethodGet,
		Path:      "/",
		Headers:   map[string]string{},
	})

	msg := recvMessage(t, server)
	resp, ok := msg.(*protocol.HTTPResponse)
	if !ok {
		t.Fatalf("expected http_response, got %T", msg)
	}
	if resp.Status != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", resp.Status)
	}
	if !strings.HasPrefix(resp.Body, "Bad Gateway:") {
		t.Errorf("body = %q", resp.Body)
	}
}

func TestHandleRequestEventStream(t *testing.T) {
	local := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		fmt.Fprint(w, "data: one\n\n")
		flusher.Flush()
		fmt.Fprint(w, "data: two\n\n")
		flusher.Flush()
	}))
	defer local.Close()

	s, server := newTestSession(t, local.URL)
	go s.handleRequest(context.Background(), &protocol.HTTPRequest{
		Type:      protocol.TypeHTTPRequest,
		RequestID: "req-5",
		Method:    http.MethodGet,
		Path:      "/events",
		Headers:   map[string]string{"Accept": "text/event-stream"},
	})

	msg := recvMessage(t, server)
	start, ok := msg.(*protocol.StreamStart)
	if !ok {
		t.Fatalf("expected stream_start, got %T", msg)
	}
	if start.TotalSize != nil {
		t.Error("SSE stream must not announce a total size")
	}
	if _, ok := start.Headers["content-length"]; ok {
		t.Error("SSE headers must not carry content-length")
	}
	if !strings.Contains(start.Headers["content-type"], "text/event-stream") {
		t.Errorf("content-type = %q", start.Headers["content-type"])
	}

	var got bytes.Buffer
	for {
		msg := recvMessage(t, server)
		switch m := msg.(type) {
		case *protocol.StreamChunk:
			payload := recvBinary(t, server)
			if m.ChunkSize != len(payload) {
				t.Errorf("chunkSize = %d, payload = %d", m.ChunkSize, len(payload))
			}
			got.Write(payload)
		case *protocol.StreamEnd:
			if !strings.Contains(got.String(), "data: one") || !strings.Contains(got.String(), "data: two") {
				t.Errorf("stream body = %q", got.String())
			}
			return
		default:
			t.Fatalf("unexpected message %T", msg)
		}
	}
}

func TestHandleRequestStreamsLargeBody(t *testing.T) {
	// Over the inline limit, under the buffer limit: body is buffered and
	// streamed with a known total size.
	body := bytes.Repeat([]byte{0xA5, 0x5A, 0x01, 0xFE}, (300<<10)/4)
	local := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("Content-Length", strconv.Itoa(len(body)))
		w.Write(body)
	}))
	defer local.Close()

	s, server := newTestSession(t, local.URL)
	go s.handleRequest(context.Background(), &protocol.HTTPRequest{
		Type:      protocol.TypeHTTPRequest,
		RequestID: "req-6",
		Method:    http.MethodGet,
		Path:      "/blob.bin",
		Headers:   map[string]string{"Accept-Encoding": "gzip, zstd"},
	})

	msg := recvMessage(t, server)
	start, ok := msg.(*protocol.StreamStart)
	if !ok {
		t.Fatalf("expected stream_start, got %T", msg)
	}
	if start.TotalSize == nil || *start.TotalSize != int64(len(body)) {
		t.Fatalf("totalSize = %v, want %d", start.TotalSize, len(body))
	}
	if _, ok := start.Headers["content-encoding"]; ok {
		t.Error("octet-stream must not be compressed")
	}

	var got bytes.Buffer
	for {
		msg := recvMessage(t, server)
		switch m := msg.(type) {
		case *protocol.StreamChunk:
			payload := recvBinary(t, server)
			if m.ChunkSize != len(payload) {
				t.Errorf("chunkSize = %d, payload = %d", m.ChunkSize, len(payload))
			}
			if len(payload) > chunkSize {
				t.Errorf("chunk of %d bytes exceeds %d", len(payload), chunkSize)
			}
			got.Write(payload)
		case *protocol.StreamEnd:
			if !bytes.Equal(got.Bytes(), body) {
				t.Errorf("reassembled %d bytes, want %d", got.Len(), len(body))
			}
			return
		default:
			t.Fatalf("unexpected message %T", msg)
		}
	}
}

func TestSessionAnswersPing(t *testing.T) {
	s, server := newTestSession(t, "")
	go s.serve(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Send(ctx, &protocol.Ping{Type: protocol.TypePing}); err != nil {
		t.Fatalf("send ping: %v", err)
	}
	msg := recvMessage(t, server)
	if _, ok := msg.(*protocol.Pong); !ok {
		t.Fatalf("expected pong, got %T", msg)
	}
}

func TestLocalWebSocketRelay(t *testing.T) {
	// Loopback echo app.
	local := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{Subprotocols: []string{"chat"}})
		if err != nil {
			return
		}
		defer ws.CloseNow()
		for {
			typ, data, err := ws.Read(r.Context())
			if err != nil {
				return
			}
			if err := ws.Write(r.Context(), typ, data); err != nil {
				return
			}
		}
	}))
	defer local.Close()

	s, server := newTestSession(t, local.URL)
	go s.serve(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Send(ctx, &protocol.WSOpen{
		Type:     protocol.TypeWSOpen,
		WSID:     "ws-1",
		Path:     "/socket",
		Headers:  map[string]string{"Origin": "https://example.test"},
		Protocol: "chat",
	}); err != nil {
		t.Fatalf("send ws_open: %v", err)
	}

	msg := recvMessage(t, server)
	opened, ok := msg.(*protocol.WSOpened)
	if !ok {
		t.Fatalf("expected ws_opened, got %T", msg)
	}
	if opened.Protocol != "chat" {
		t.Errorf("negotiated protocol = %q, want chat", opened.Protocol)
	}

	// Text echo through the relay.
	if err := server.Send(ctx, &protocol.WSMessage{Type: protocol.TypeWSMessage, WSID: "ws-1", Data: "hello"}); err != nil {
		t.Fatalf("send ws_message: %v", err)
	}
	msg = recvMessage(t, server)
	echo, ok := msg.(*protocol.WSMessage)
	if !ok {
		t.Fatalf("expected ws_message, got %T", msg)
	}
	if echo.Data != "hello" || echo.WSID != "ws-1" {
		t.Errorf("echo = %+v", echo)
	}

	// Binary echo: announcement then payload.
	payload := []byte{0x00, 0x01, 0xFF}
	if err := server.SendBinary(ctx, &protocol.WSMessageBinary{Type: protocol.TypeWSMessageBinary, WSID: "ws-1"}, payload); err != nil {
		t.Fatalf("send ws_message_binary: %v", err)
	}
	msg = recvMessage(t, server)
	if _, ok := msg.(*protocol.WSMessageBinary); !ok {
		t.Fatalf("expected ws_message_binary, got %T", msg)
	}
	if got := recvBinary(t, server); !bytes.Equal(got, payload) {
		t.Errorf("binary echo = %v, want %v", got, payload)
	}
}

func TestEtagMatch(t *testing.T) {
	tests := []struct {
		ifNoneMatch string
		etag        string
		want        bool
	}{
		{`"abc"`, `"abc"`, true},
		{`"abc"`, `W/"abc"`, true},
		{`W/"abc"`, `"abc"`, true},
		{`"abc", "def"`, `"def"`, true},
		{`"abc"`, `"xyz"`, false},
		{`"abc"`, ``, false},
	}
	for _, tt := range tests {
		if got := etagMatch(tt.ifNoneMatch, tt.etag); got != tt.want {
			t.Errorf("etagMatch(%q, %q) = %v, want %v", tt.ifNoneMatch, tt.etag, got, tt.want)
		}
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]string
		path    string
		want    string
	}{
		{"websocket", map[string]string{"Upgrade": "websocket"}, "/ws", "ws"},
		{"sse accept", map[string]string{"Accept": "text/event-stream"}, "/events", "sse"},
		{"hmr path", map[string]string{}, "/@vite/hmr", "sse"},
		{"plain", map[string]string{"Accept": "text/html"}, "/", "http"},
	}
	for _, tt := range tests {
		req := &protocol.HTTPRequest{Path: tt.path, Headers: tt.headers}
		if got := classify(req); got != tt.want {
			t.Errorf("%s: classify = %q, want %q", tt.name, got, tt.want)
		}
	}
}

func TestHandleRequestChunkedLargeBodyStreams(t *testing.T) {
	// No Content-Length: the flush forces a chunked response. Once buffered
	// it is over the inline limit, so it must stream rather than land in a
	// single oversized frame.
	part := bytes.Repeat([]byte{0xA5, 0x5A, 0x01, 0xFE}, (160<<10)/4)
	local := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/octet-stream")
		flusher := w.(http.Flusher)
		w.Write(part)
		flusher.Flush()
		w.Write(part)
	}))
	defer local.Close()

	s, server := newTestSession(t, local.URL)
	go s.handleRequest(context.Background(), &protocol.HTTPRequest{
		Type:      protocol.TypeHTTPRequest,
		RequestID: "req-7",
		Method:    http.MethodGet,
		Path:      "/download",
		Headers:   map[string]string{"Accept-Encoding": "zstd"},
	})

	msg := recvMessage(t, server)
	start, ok := msg.(*protocol.StreamStart)
	if !ok {
		t.Fatalf("expected stream_start, got %T", msg)
	}
	if start.TotalSize == nil || *start.TotalSize != int64(2*len(part)) {
		t.Fatalf("totalSize = %v, want %d", start.TotalSize, 2*len(part))
	}

	var got int
	for {
		msg := recvMessage(t, server)
		switch m := msg.(type) {
		case *protocol.StreamChunk:
			payload := recvBinary(t, server)
			if m.ChunkSize != len(payload) {
				t.Errorf("chunkSize = %d, payload = %d", m.ChunkSize, len(payload))
			}
			if len(payload) > chunkSize {
				t.Errorf("chunk of %d bytes exceeds %d", len(payload), chunkSize)
			}
			got += len(payload)
		case *protocol.StreamEnd:
			if got != 2*len(part) {
				t.Errorf("reassembled %d bytes, want %d", got, 2*len(part))
			}
			return
		default:
			t.Fatalf("unexpected message %T", msg)
		}
	}
}

func TestResponseModeBoundaries(t *testing.T) {
	tests := []struct {
		name string
		size int64
		want string
	}{
		{"empty", 0, "inline"},
		{"at inline limit", inlineLimit, "inline"},
		{"just over inline limit", inlineLimit + 1, "stream"},
		{"at buffer limit", bufferLimit, "stream"},
		{"just over buffer limit", bufferLimit + 1, "raw-stream"},
		{"unknown length", -1, "inline"},
	}
	for _, tt := range tests {
		if got := responseMode(tt.size); got != tt.want {
			t.Errorf("%s: responseMode(%d) = %q, want %q", tt.name, tt.size, got, tt.want)
		}
	}
}
