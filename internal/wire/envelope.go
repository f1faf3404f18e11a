// Package wire defines the JSON envelope exchanged over the tunnel
// WebSocket between Server and Proxy, and the header conventions used
// to route and redact HTTP requests before they cross the tunnel.
package wire

import "encoding/json"

// Header keys used for routing. The wire format always stores headers
// lowercased; callers on both sides must lowercase on ingress.
const (
	HeaderKioskID       = "header-kiosk-id"
	HeaderOperationType = "header-operation-type"
	HeaderHTTPMethod    = "header-http-method"
)

// MaxFrameSize is the maximum size, in bytes, of a single tunnel text frame.
const MaxFrameSize = 1 << 20 // 1 MiB

// SensitiveHeaders holds the lowercase header names whose values are
// redacted before a request is forwarded over the tunnel.
var SensitiveHeaders = map[string]struct{}{
	"authorization":  {},
	"cookie":         {},
	"x-api-key":      {},
	"x-auth-token":   {},
	"api-key":        {},
	"secret":         {},
	"token":          {},
}

// RedactedValue replaces the value of any sensitive header.
const RedactedValue = "***REDACTED***"

// IsSensitive reports whether the given lowercase header name must be redacted.
func IsSensitive(lowerKey string) bool {
	_, ok := SensitiveHeaders[lowerKey]
	return ok
}

// Request is the envelope sent Server -> Proxy, one per tunnelled HTTP call.
type Request struct {
	RequestID string            `json:"request_id"`
	Headers   map[string]string `json:"headers"`
	Body      json.RawMessage   `json:"body,omitempty"`
}

// Error tags used in Response.Error, per the spec's error taxonomy.
const (
	ErrInvalidJSON       = "invalid_json"
	ErrMissingHeader     = "missing_header"
	ErrRouteNotFound     = "route_not_found"
	ErrTimeout           = "timeout"
	ErrConnectionRefused = "connection_refused"
	ErrHTTPError         = "http_error"
	ErrKioskNotFound     = "kiosk_not_found"
	ErrKioskDisabled     = "kiosk_disabled"
	ErrKioskOffline      = "kiosk_offline"
	ErrProcessingError   = "processing_error"
	ErrOther             = "other"
)

// StatusOK and StatusError are the two well-known values of Response.Status;
// application-specific success statuses are also permitted verbatim.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Response is the envelope sent Proxy -> Server, matched back to the
// waiting caller by RequestID. It is intentionally a loose map-backed
// type: the gateway's JSON response is merged into it verbatim, so a
// fixed struct would either drop fields or need an "extra" bag — the
// teacher's inspectors use the same map[string]interface{} shape for
// exactly this reason (see internal/messagepump).
type Response map[string]any

// NewErrorResponse builds a Response carrying the given error tag.
// requestID may be empty; the field is still set explicitly so callers
// never have to special-case its absence.
func NewErrorResponse(requestID, errTag, message string) Response {
	r := Response{
		"request_id": requestID,
		"status":     StatusError,
		"error":      errTag,
	}
	if message != "" {
		r["message"] = message
	}
	return r
}

// RequestID extracts request_id from a Response, returning "" if absent
// or not a string.
func (r Response) RequestID() string {
	v, ok := r["request_id"]
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

// WithRequestID sets request_id on r in place and returns it; a new map
// is allocated only when r is nil.
func (r Response) WithRequestID(id string) Response {
	if r == nil {
		r = Response{}
	}
	r["request_id"] = id
	return r
}

// LowercaseHeaders returns a new map with all keys lowercased and
// sensitive values redacted. Multi-value headers keep only the first
// value, matching net/http.Header.Get's single-value convention since
// the wire format carries one string per header name.
func LowercaseHeaders(in map[string][]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, vs := range in {
		lower := toLower(k)
		val := ""
		if len(vs) > 0 {
			val = vs[0]
		}
		if IsSensitive(lower) {
			val = RedactedValue
		}
		out[lower] = val
	}
	return out
}

func toLower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}
