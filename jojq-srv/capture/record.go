package capture

import (
	"net/http"
	"strings"
	"time"
)

// Request holds the request half of a captured exchange.
type Request struct {
	URL     string            `json:"url"`
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers"`
	// Body is the parsed JSON value when the request body was valid JSON,
	// the raw text otherwise, or nil when there was no body.
	Body any `json:"body"`
}

// Response holds the response half of a captured exchange. Body is always a
// fully parsed JSON value; exchanges whose response is not JSON never
// produce a Record.
type Response struct {
	StatusCode int               `json:"status_code"`
	Headers    map[string]string `json:"headers"`
	Body       any               `json:"body"`
}

// Record is the in-memory representation of one observed exchange.
type Record struct {
	// Ordinal is the 1-based insertion index, strictly increasing for the
	// process lifetime. Assigned by the buffer at append.
	Ordinal   int64     `json:"ordinal"`
	Timestamp time.Time `json:"timestamp"`
	Request   Request   `json:"request"`
	Response  Response  `json:"response"`
}

// hopByHopHeaders are dropped from captured request headers; they describe
// the proxy hop, not the exchange.
var hopByHopHeaders = map[string]struct{}{
	"proxy-connection":    {},
	"proxy-authenticate":  {},
	"proxy-authorization": {},
	"connection":          {},
	"keep-alive":          {},
	"te":                  {},
	"trailer":             {},
	"transfer-encoding":   {},
	"upgrade":             {},
}

// FlattenHeaders converts an http.Header into the record's lowercase
// single-value map. Multi-valued headers are joined with ", ". When
// dropProxyHeaders is set, hop-by-hop headers are omitted.
func FlattenHeaders(h http.Header, dropProxyHeaders bool) map[string]string {
	out := make(map[string]string, len(h))
	for name, values := range h {
		key := strings.ToLower(name)
		if dropProxyHeaders {
			if _, hop := hopByHopHeaders[key]; hop {
				continue
			}
		}
		out[key] = strings.Join(values, ", ")
	}
	return out
}
