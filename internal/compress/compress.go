// Package compress implements the response compression policy: pick the best
// content-coding the original request accepts, compress buffered bodies, and
// decode already-encoded loopback responses so the rest of the pipeline sees
// plain bytes.
package compress

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// MinSize is the smallest body worth compressing. A 1023-byte body stays
// plain.
const MinSize = 1024

// gzipLevel matches the usual proxy default; zstd uses its level-3 default.
const gzipLevel = 6

// ErrUnsupported marks a content-coding this package cannot decode.
var ErrUnsupported = errors.New("unsupported content-coding")

// preference orders the codings we can produce, best first.
var preference = []string{"zstd", "br", "gzip"}

var compressiblePrefixes = []string{
	"text/",
	"application/json",
	"application/javascript",
	"application/xml",
	"application/xhtml",
	"image/svg",
}

// zstd supports concurrency-safe one-shot EncodeAll/DecodeAll on shared
// instances; building them once avoids per-response window allocations.
var (
	zstdEnc *zstd.Encoder
	zstdDec *zstd.Decoder
)

func init() {
	var err error
	zstdEnc, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic(fmt.Sprintf("compress: zstd encoder: %v", err))
	}
	zstdDec, err = zstd.NewReader(nil)
	if err != nil {
		panic(fmt.Sprintf("compress: zstd decoder: %v", err))
	}
}

// Compressible reports whether a content type is worth compressing.
func Compressible(contentType string) bool {
	ct := strings.ToLower(strings.TrimSpace(contentType))
	for _, p := range compressiblePrefixes {
		if strings.HasPrefix(ct, p) {
			return true
		}
	}
	return false
}

// acceptSet holds the codings an Accept-Encoding header permits.
type acceptSet struct {
	allowed  map[string]bool
	wildcard bool
}

func parseAccept(header string) acceptSet {
	set := acceptSet{allowed: make(map[string]bool)}
	for _, part := range strings.Split(header, ",") {
		token, params, _ := strings.Cut(part, ";")
		token = strings.ToLower(strings.TrimSpace(token))
		if token == "" {
			continue
		}
		q := 1.0
		if params != "" {
			for _, p := range strings.Split(params, ";") {
				k, v, _ := strings.Cut(strings.TrimSpace(p), "=")
				if strings.EqualFold(strings.TrimSpace(k), "q") {
					if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
						q = f
					}
				}
			}
		}
		if q <= 0 {
			continue
		}
		if token == "*" {
			set.wildcard = true
			continue
		}
		set.allowed[token] = true
	}
	return set
}

func (s acceptSet) permits(coding string) bool {
	return s.allowed[coding] || s.wildcard
}

// Negotiate returns the coding to use for a body, or "" when the policy says
// to leave it alone: body under MinSize, non-compressible type, or nothing
// acceptable to the requester.
func Negotiate(acceptEncoding, contentType string, size int) string {
	if size < MinSize || !Compressible(contentType) {
		return ""
	}
	set := parseAccept(acceptEncoding)
	for _, coding := range preference {
		if set.permits(coding) {
			return coding
		}
	}
	return ""
}

// Encode compresses body with the given coding. Output that fails to shrink
// the body counts as failure; callers then send the original bytes.
func Encode(body []byte, coding string) ([]byte, error) {
	var out []byte
	switch coding {
	case "zstd":
		out = zstdEnc.EncodeAll(body, make([]byte, 0, len(body)/2))
	case "br":
		var buf bytes.Buffer
		w := brotli.NewWriter(&buf)
		if _, err := w.Write(body); err != nil {
			return nil, fmt.Errorf("brotli: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("brotli: %w", err)
		}
		out = buf.Bytes()
	case "gzip":
		var buf bytes.Buffer
		w, err := gzip.NewWriterLevel(&buf, gzipLevel)
		if err != nil {
			return nil, fmt.Errorf("gzip: %w", err)
		}
		if _, err := w.Write(body); err != nil {
			return nil, fmt.Errorf("gzip: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("gzip: %w", err)
		}
		out = buf.Bytes()
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupported, coding)
	}
	if len(out) >= len(body) {
		return nil, fmt.Errorf("%q output (%d bytes) not smaller than input (%d bytes)", coding, len(out), len(body))
	}
	return out, nil
}

// Compress applies the whole policy in one call. ok is false when the body
// should be sent unchanged.
func Compress(body []byte, acceptEncoding, contentType string) (encoded []byte, coding string, ok bool) {
	coding = Negotiate(acceptEncoding, contentType, len(body))
	if coding == "" {
		return nil, "", false
	}
	out, err := Encode(body, coding)
	if err != nil {
		return nil, "", false
	}
	return out, coding, true
}

// NewReader wraps r to decode the given content-coding. Callers treat
// ErrUnsupported as "pass the bytes through and keep the header".
func NewReader(r io.Reader, coding string) (io.ReadCloser, error) {
	switch strings.ToLower(strings.TrimSpace(coding)) {
	case "gzip", "x-gzip":
		gr, err := gzip.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("gzip: %w", err)
		}
		return gr, nil
	case "br":
		return io.NopCloser(brotli.NewReader(r)), nil
	case "zstd":
		dec, err := zstd.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("zstd: %w", err)
		}
		return dec.IOReadCloser(), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupported, coding)
	}
}

// DecodeAll decompresses a whole buffered body.
func DecodeAll(body []byte, coding string) ([]byte, error) {
	if strings.EqualFold(coding, "zstd") {
		return zstdDec.DecodeAll(body, nil)
	}
	r, err := NewReader(bytes.NewReader(body), coding)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}
