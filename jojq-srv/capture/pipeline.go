package capture

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"compress/zlib"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/andybalholm/brotli"

	"github.com/jojq/jojq/jojq-srv/logger"
)

// DefaultMaxBodyBytes caps the decoded response body size eligible for
// capture.
const DefaultMaxBodyBytes = 25 << 20

// ErrBodyTooLarge reports a decoded body exceeding the configured cap.
var ErrBodyTooLarge = errors.New("decoded body exceeds capture size cap")

// IsJSONContentType reports whether a Content-Type header value indicates a
// JSON payload (application/json, text/json, or any media type containing
// "json", e.g. application/vnd.api+json).
func IsJSONContentType(contentType string) bool {
	return strings.Contains(strings.ToLower(contentType), "json")
}

// DecodeBody decompresses raw according to the Content-Encoding value,
// enforcing max on the decoded size. Identity and unknown-empty encodings
// pass through. Returns ErrBodyTooLarge when the decoded payload exceeds
// max; other errors indicate corrupt compressed data.
func DecodeBody(raw []byte, encoding string, max int64) ([]byte, error) {
	var reader io.Reader

	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "", "identity":
		if int64(len(raw)) > max {
			return nil, ErrBodyTooLarge
		}
		return raw, nil
	case "gzip":
		gz, err := gzip.NewReader(bytes.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("gzip: %w", err)
		}
		defer func() {
			_ = gz.Close()
		}()
		reader = gz
	case "deflate":
		// Most servers send zlib-wrapped deflate; some send raw streams.
		zr, err := zlib.NewReader(bytes.NewReader(raw))
		if err != nil {
			reader = flate.NewReader(bytes.NewReader(raw))
		} else {
			defer func() {
				_ = zr.Close()
			}()
			reader = zr
		}
	case "br":
		reader = brotli.NewReader(bytes.NewReader(raw))
	default:
		return nil, fmt.Errorf("unsupported content encoding %q", encoding)
	}

	decoded, err := io.ReadAll(io.LimitReader(reader, max+1))
	if err != nil {
		return nil, err
	}
	if int64(len(decoded)) > max {
		return nil, ErrBodyTooLarge
	}
	return decoded, nil
}

// Sink accumulates teed response bytes up to a cap. Writes never fail, so a
// sink can sit on the client-forwarding path without affecting it; once the
// cap is exceeded the sink stops retaining data and marks itself overflowed.
type Sink struct {
	buf        bytes.Buffer
	limit      int64
	overflowed bool
}

// NewSink creates a sink retaining up to limit bytes.
func NewSink(limit int64) *Sink {
	return &Sink{limit: limit}
}

func (s *Sink) Write(p []byte) (int, error) {
	if s.overflowed {
		return len(p), nil
	}
	remaining := s.limit - int64(s.buf.Len())
	if int64(len(p)) > remaining {
		s.buf.Write(p[:remaining])
		s.overflowed = true
		return len(p), nil
	}
	s.buf.Write(p)
	return len(p), nil
}

// Bytes returns the accumulated data.
func (s *Sink) Bytes() []byte { return s.buf.Bytes() }

// Overflowed reports whether more than the limit was written.
func (s *Sink) Overflowed() bool { return s.overflowed }

// Pipeline turns completed exchanges into buffer records.
type Pipeline struct {
	buffer  *Buffer
	maxBody int64
}

// NewPipeline creates a pipeline appending to buffer with the given decoded
// body cap; maxBody <= 0 selects DefaultMaxBodyBytes.
func NewPipeline(buffer *Buffer, maxBody int64) *Pipeline {
	if maxBody <= 0 {
		maxBody = DefaultMaxBodyBytes
	}
	return &Pipeline{buffer: buffer, maxBody: maxBody}
}

// MaxBodyBytes returns the decoded size cap.
func (p *Pipeline) MaxBodyBytes() int64 { return p.maxBody }

// NewBodySink returns a sink for the raw (still encoded) response body that
// retains up to the cap plus one byte, so a body of exactly the cap fits
// whole. Longer bodies are rejected either by the sink's overflow flag or by
// the decoded-size check in DecodeBody.
func (p *Pipeline) NewBodySink() *Sink {
	return NewSink(p.maxBody + 1)
}

// Finalize inspects a completed exchange and appends a capture record when
// the response is JSON within the size cap. rawBody holds the response body
// bytes as received on the wire (still content-encoded). The returned bool
// reports whether a record was stored. Capture failures never propagate;
// the caller has already forwarded the response to the client.
func (p *Pipeline) Finalize(method, absURL string, reqHeaders http.Header, reqBody []byte, resp *http.Response, rawBody []byte, truncated bool) (Record, bool) {
	if !IsJSONContentType(resp.Header.Get("Content-Type")) {
		return Record{}, false
	}

	if truncated {
		logger.Warn("Response body for %s %s exceeds %d bytes, skipping capture", method, absURL, p.maxBody)
		return Record{}, false
	}

	decoded, err := DecodeBody(rawBody, resp.Header.Get("Content-Encoding"), p.maxBody)
	if err != nil {
		if errors.Is(err, ErrBodyTooLarge) {
			logger.Warn("Decoded body for %s %s exceeds %d bytes, skipping capture", method, absURL, p.maxBody)
		} else {
			logger.Error("Failed to decode %s response body for %s %s: %v",
				resp.Header.Get("Content-Encoding"), method, absURL, err)
		}
		return Record{}, false
	}

	var responseBody any
	if err := json.Unmarshal(decoded, &responseBody); err != nil {
		// JSON content type with non-JSON bytes: not an error, just no capture.
		logger.Debug("Response for %s %s did not parse as JSON: %v", method, absURL, err)
		return Record{}, false
	}

	rec := Record{
		Timestamp: time.Now(),
		Request: Request{
			URL:     absURL,
			Method:  method,
			Headers: FlattenHeaders(reqHeaders, true),
			Body:    parseRequestBody(reqBody),
		},
		Response: Response{
			StatusCode: resp.StatusCode,
			Headers:    FlattenHeaders(resp.Header, false),
			Body:       responseBody,
		},
	}

	stored := p.buffer.Append(rec)
	return stored, true
}

// parseRequestBody returns the parsed JSON value when body is valid JSON,
// the raw text otherwise, or nil for an empty body.
func parseRequestBody(body []byte) any {
	if len(body) == 0 {
		return nil
	}
	var parsed any
	if err := json.Unmarshal(body, &parsed); err == nil {
		return parsed
	}
	return string(body)
}
