package model

import (
	"net/url"
	"time"

	"github.com/google/uuid"
)

// Milliseconds is a point in time or a duration expressed in
// milliseconds. Points in time are relative to the Unix epoch.
type Milliseconds = int64

// Bytes is a byte count.
type Bytes = int64

// NoResponseCode is the response code of a call that never obtained
// one (failed, canceled or never finished).
const NoResponseCode = -1

// Record is an immutable captured observation. Every concrete beacon
// type embeds Beacon and so satisfies Record.
type Record interface {
	Base() Beacon
}

// Beacon holds the attributes shared by every captured observation.
type Beacon struct {
	ID        uuid.UUID    `json:"id"`
	SessionID uuid.UUID    `json:"session_id"`
	Timestamp Milliseconds `json:"timestamp"`
	ViewName  string       `json:"view_name,omitempty"`
}

// NewBeacon returns a Beacon with a fresh identifier.
func NewBeacon(sessionID uuid.UUID, timestamp Milliseconds, viewName string) Beacon {
	return Beacon{
		ID:        uuid.New(),
		SessionID: sessionID,
		Timestamp: timestamp,
		ViewName:  viewName,
	}
}

// Base returns the shared attributes.
func (b Beacon) Base() Beacon {
	return b
}

// Time returns the capture timestamp as a time.Time.
func (b Beacon) Time() time.Time {
	return time.UnixMilli(b.Timestamp)
}

// HTTPSize is the size breakdown of an HTTP response. Each field is
// optional; nil means the size was not determined.
type HTTPSize struct {
	HeaderBytes            *Bytes `json:"header_bytes,omitempty"`
	BodyBytes              *Bytes `json:"body_bytes,omitempty"`
	BodyBytesAfterDecoding *Bytes `json:"body_bytes_after_decoding,omitempty"`
}

// NewHTTPSize builds a size breakdown from the given counts. Negative
// counts are treated as unknown.
func NewHTTPSize(header, body, decoded Bytes) HTTPSize {
	return HTTPSize{
		HeaderBytes:            knownBytes(header),
		BodyBytes:              knownBytes(body),
		BodyBytesAfterDecoding: knownBytes(decoded),
	}
}

func knownBytes(n Bytes) *Bytes {
	if n < 0 {
		return nil
	}
	return &n
}

// TransferBytes returns header plus body bytes, counting unknown
// fields as zero. The second result is false when both are unknown.
func (s HTTPSize) TransferBytes() (Bytes, bool) {
	if s.HeaderBytes == nil && s.BodyBytes == nil {
		return 0, false
	}
	var total Bytes
	if s.HeaderBytes != nil {
		total += *s.HeaderBytes
	}
	if s.BodyBytes != nil {
		total += *s.BodyBytes
	}
	return total, true
}

// HTTPBeacon is the record of one completed (finished, failed or
// canceled) HTTP call.
type HTTPBeacon struct {
	Beacon

	Method   string       `json:"method"`
	URL      url.URL      `json:"url"`
	Path     string       `json:"path,omitempty"`
	Duration Milliseconds `json:"duration"`
	// ResponseCode is the HTTP status or NoResponseCode.
	ResponseCode   int       `json:"response_code"`
	Result         string    `json:"result"`
	ResponseSize   *HTTPSize `json:"response_size,omitempty"`
	BackendTraceID string    `json:"backend_trace_id,omitempty"`
	Error          string    `json:"error,omitempty"`
}

// WireBeacon is the wire-ready form of a Record: an opaque payload
// the reporter concatenates into batches. It is what the durable
// queue stores.
type WireBeacon struct {
	ID        string       `json:"id"`
	Timestamp Milliseconds `json:"timestamp"`
	Payload   string       `json:"payload"`
}
