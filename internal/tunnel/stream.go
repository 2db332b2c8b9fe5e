package tunnel

import "sync"

// streamBuffer is how many chunks may sit between the control-channel reader
// and the public response writer before the reader blocks. Blocking is the
// point: it turns a slow public client into WebSocket backpressure.
const streamBuffer = 32

// Stream carries one streamed response body from the control channel to the
// public response writer. The tunnel read loop produces chunks; the
// dispatcher consumes them.
type Stream struct {
	RequestID string
	Status    int
	Headers   map[string]string
	// TotalSize is the announced final body size, -1 when unknown (SSE,
	// unknown-length streams). Advisory only.
	TotalSize int64

	ch   chan []byte
	done chan struct{}

	cancelOnce sync.Once

	// pendingChunk is the size announced by the last stream_chunk message,
	// -1 when no chunk is outstanding. Touched only by the read loop.
	pendingChunk int

	mu     sync.Mutex
	err    error
	closed bool
}

func newStream(requestID string, status int, headers map[string]string, totalSize int64) *Stream {
	return &Stream{
		RequestID:    requestID,
		Status:       status,
		Headers:      headers,
		TotalSize:    totalSize,
		ch:           make(chan []byte, streamBuffer),
		done:         make(chan struct{}),
		pendingChunk: -1,
	}
}

// push hands a chunk to the consumer, blocking when the buffer is full.
// It returns false once the consumer cancelled or the tunnel died.
func (s *Stream) push(tunnelDone <-chan struct{}, chunk []byte) bool {
	select {
	case s.ch <- chunk:
		return true
	case <-s.done:
		return false
	case <-tunnelDone:
		return false
	}
}

// end closes the stream successfully.
func (s *Stream) end() {
	s.finish(nil)
}

// fail closes the stream with a terminal error. The consumer truncates the
// public response; nothing is fabricated to fill the gap.
func (s *Stream) fail(err error) {
	s.finish(err)
}

func (s *Stream) finish(err error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.err = err
	s.mu.Unlock()
	close(s.ch)
}

// Chunks returns the consumer channel. After it closes, Err reports how the
// stream ended.
func (s *Stream) Chunks() <-chan []byte {
	return s.ch
}

// Err returns the terminal error, nil for a clean end. Valid once Chunks is
// closed.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Cancel tells the producer the consumer is gone; queued and future chunks
// are discarded without blocking the control channel.
func (s *Stream) Cancel() {
	s.cancelOnce.Do(func() { close(s.done) })
}
