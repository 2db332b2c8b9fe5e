// Package protocol defines the control-channel wire format shared by the
// tunnel server and the tunnel client.
//
// Everything rides on a single WebSocket. Control messages are JSON text
// frames carrying a "type" discriminator. Raw bodies travel as binary frames,
// each announced by an immediately preceding text frame from the same sender
// (http_response_binary, http_response_stream_chunk, ws_message_binary).
// Announced sizes are advisory; the binary frame's actual length wins.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Message types sent by the server to the client.
const (
	TypeConnected     = "connected"
	TypeHTTPRequest   = "http_request"
	TypeRequestTiming = "request_timing"
	TypePing          = "ping"
	TypeError         = "error"
)

// Message types sent by the client to the server.
const (
	TypeHTTPResponse       = "http_response"
	TypeHTTPResponseBinary = "http_response_binary"
	TypeStreamStart        = "http_response_stream_start"
	TypeStreamChunk        = "http_response_stream_chunk"
	TypeStreamEnd          = "http_response_stream_end"
	TypeStreamError        = "http_response_stream_error"
	TypePong               = "pong"
	TypeWSOpened           = "ws_opened"
	TypeWSError            = "ws_error"
)

// WebSocket passthrough types used in both directions.
const (
	TypeWSOpen          = "ws_open"
	TypeWSMessage       = "ws_message"
	TypeWSMessageBinary = "ws_message_binary"
	TypeWSClose         = "ws_close"
)

// ErrUnknownType marks a control message whose type this build does not
// recognize. Receivers ignore these rather than closing the channel.
var ErrUnknownType = errors.New("unknown message type")

// Connected confirms a registered tunnel and names its subdomain.
type Connected struct {
	Type      string `json:"type"`
	Subdomain string `json:"subdomain"`
}

// HTTPRequest forwards a public HTTP request to the client. Path includes the
// query string. Body is present only for methods that carry one.
type HTTPRequest struct {
	Type      string            `json:"type"`
	RequestID string            `json:"requestId"`
	Method    string            `json:"method"`
	Path      string            `json:"path"`
	Headers   map[string]string `json:"headers"`
	Body      string            `json:"body,omitempty"`
}

// RequestTiming reports the server-measured duration of a completed request
// in milliseconds. Advisory; the client only displays it.
type RequestTiming struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId"`
	Duration  int64  `json:"duration"`
}

// Ping is an application-level liveness probe. The client answers with Pong.
type Ping struct {
	Type string `json:"type"`
}

// Pong answers a Ping. Clients may also send unsolicited pongs as keepalives.
type Pong struct {
	Type string `json:"type"`
}

// ErrorMessage carries a human-readable server-side error.
type ErrorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// HTTPResponse is a complete buffered response with a UTF-8 body.
type HTTPResponse struct {
	Type      string            `json:"type"`
	RequestID string            `json:"requestId"`
	Status    int               `json:"status"`
	Headers   map[string]string `json:"headers"`
	Body      string            `json:"body"`
}

// HTTPResponseBinary announces a complete buffered response whose body
// follows in exactly one binary frame.
type HTTPResponseBinary struct {
	Type      string            `json:"type"`
	RequestID string            `json:"requestId"`
	Status    int               `json:"status"`
	Headers   map[string]string `json:"headers"`
	BodySize  int               `json:"bodySize"`
}

// StreamStart opens a streamed response. TotalSize is set when the final
// body size is known up front and omitted otherwise (SSE, unknown length).
type StreamStart struct {
	Type      string            `json:"type"`
	RequestID string            `json:"requestId"`
	Status    int               `json:"status"`
	Headers   map[string]string `json:"headers"`
	TotalSize *int64            `json:"totalSize,omitempty"`
}

// StreamChunk announces one binary frame carrying the next chunk of a stream.
type StreamChunk struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId"`
	ChunkSize int    `json:"chunkSize"`
}

// StreamEnd terminates a stream successfully.
type StreamEnd struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId"`
}

// StreamError terminates a stream after a client-side failure. The public
// response is truncated, never padded.
type StreamError struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId"`
	Error     string `json:"error"`
}

// WSOpen asks the client to open a WebSocket to the local app. Protocol
// carries the browser's Sec-WebSocket-Protocol offer verbatim.
type WSOpen struct {
	Type     string            `json:"type"`
	WSID     string            `json:"wsId"`
	Path     string            `json:"path"`
	Headers  map[string]string `json:"headers"`
	Protocol string            `json:"protocol,omitempty"`
}

// WSOpened reports a successful local WebSocket dial. Protocol is the
// subprotocol the local app negotiated, if any.
type WSOpened struct {
	Type     string `json:"type"`
	WSID     string `json:"wsId"`
	Protocol string `json:"protocol,omitempty"`
}

// WSError reports a failed local WebSocket dial or relay.
type WSError struct {
	Type  string `json:"type"`
	WSID  string `json:"wsId"`
	Error string `json:"error"`
}

// WSMessage relays a text WebSocket message in either direction.
type WSMessage struct {
	Type string `json:"type"`
	WSID string `json:"wsId"`
	Data string `json:"data"`
}

// WSMessageBinary announces one binary frame relayed in either direction.
type WSMessageBinary struct {
	Type string `json:"type"`
	WSID string `json:"wsId"`
}

// WSClose relays a WebSocket close in either direction.
type WSClose struct {
	Type   string `json:"type"`
	WSID   string `json:"wsId"`
	Code   int    `json:"code,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// probe is the minimal envelope used to pick the concrete message type.
type probe struct {
	Type string `json:"type"`
}

// Decode unmarshals a text frame into its concrete message struct. Unknown
// types return ErrUnknownType so callers can skip them without tearing the
// channel down.
func Decode(data []byte) (any, error) {
	var p probe
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decode message envelope: %w", err)
	}

	var msg any
	switch p.Type {
	case TypeConnected:
		msg = &Connected{}
	case TypeHTTPRequest:
		msg = &HTTPRequest{}
	case TypeRequestTiming:
		msg = &RequestTiming{}
	case TypePing:
		msg = &Ping{}
	case TypePong:
		msg = &Pong{}
	case TypeError:
		msg = &ErrorMessage{}
	case TypeHTTPResponse:
		msg = &HTTPResponse{}
	case TypeHTTPResponseBinary:
		msg = &HTTPResponseBinary{}
	case TypeStreamStart:
		msg = &StreamStart{}
	case TypeStreamChunk:
		msg = &StreamChunk{}
	case TypeStreamEnd:
		msg = &StreamEnd{}
	case TypeStreamError:
		msg = &StreamError{}
	case TypeWSOpen:
		msg = &WSOpen{}
	case TypeWSOpened:
		msg = &WSOpened{}
	case TypeWSError:
		msg = &WSError{}
	case TypeWSMessage:
		msg = &WSMessage{}
	case TypeWSMessageBinary:
		msg = &WSMessageBinary{}
	case TypeWSClose:
		msg = &WSClose{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, p.Type)
	}
	if err := json.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("decode %s message: %w", p.Type, err)
	}
	return msg, nil
}
