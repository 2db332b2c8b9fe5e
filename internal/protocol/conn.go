package protocol

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"nhooyr.io/websocket"
)

// Conn is a control-channel connection. It serializes all outbound frames so
// that an announcement header and its binary payload are never interleaved
// with another goroutine's write. Reads must stay on a single goroutine.
type Conn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
}

// NewConn wraps an accepted or dialed WebSocket connection.
func NewConn(ws *websocket.Conn) *Conn {
	// The control channel moves whole response bodies; the library default
	// read limit of 32 KiB is far too small.
	ws.SetReadLimit(maxFrameSize)
	return &Conn{ws: ws}
}

// maxFrameSize bounds a single WebSocket frame. Stream chunks are 64 KiB and
// inline bodies top out at 256 KiB before compression, so 4 MiB leaves room
// for oversized headers without letting a broken peer exhaust memory.
const maxFrameSize = 4 << 20

// Send marshals msg and writes it as one text frame.
func (c *Conn) Send(ctx context.Context, msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal %T: %w", msg, err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.Write(ctx, websocket.MessageText, data)
}

// SendBinary writes an announcement header and its binary payload as an
// atomic pair: no other frame from this side can land between them.
func (c *Conn) SendBinary(ctx context.Context, header any, payload []byte) error {
	data, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("marshal %T: %w", header, err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("write announcement: %w", err)
	}
	return c.ws.Write(ctx, websocket.MessageBinary, payload)
}

// Read returns the next frame. binary reports whether it was a binary frame;
// text frames should be handed to Decode.
func (c *Conn) Read(ctx context.Context) (data []byte, binary bool, err error) {
	typ, data, err := c.ws.Read(ctx)
	if err != nil {
		return nil, false, err
	}
	return data, typ == websocket.MessageBinary, nil
}

// Ping sends a WebSocket-level ping and waits for the pong.
func (c *Conn) Ping(ctx context.Context) error {
	return c.ws.Ping(ctx)
}

// Close closes the underlying WebSocket with the given status.
func (c *Conn) Close(code websocket.StatusCode, reason string) error {
	return c.ws.Close(code, reason)
}
