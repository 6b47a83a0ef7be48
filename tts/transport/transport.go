// Package transport negotiates and implements the three wire protocols for
// fetching synthesized speech: a single progressive byte stream, a
// two-phase handshake followed by a direct stream, and a line-delimited
// event stream carrying base64 audio deltas.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/lingokit/speech/tts/sink"
)

// Variant identifies one of the three transport protocols.
type Variant int

const (
	// ProgressiveSink streams the response body straight into the sink's
	// append buffer. Lowest latency; playback can begin before the full
	// response arrives.
	ProgressiveSink Variant = iota
	// TwoPhaseHandshake performs an init call that returns a stream
	// identifier, then binds the stream URL as the sink's direct source.
	// Used when the sink cannot decode an appended buffer progressively.
	TwoPhaseHandshake
	// EventStreamDelta reads base64 audio fragments from a line-delimited
	// event stream and decodes them in full before playback. The fallback
	// when no incremental decode path exists at all.
	EventStreamDelta
)

// String returns the string representation of the variant.
func (v Variant) String() string {
	switch v {
	case ProgressiveSink:
		return "progressive"
	case TwoPhaseHandshake:
		return "two-phase"
	case EventStreamDelta:
		return "event-stream"
	default:
		return "unknown"
	}
}

// Select chooses the transport variant for the given sink capabilities.
// It is a pure function so that selection is deterministic and testable.
func Select(caps sink.Capabilities) Variant {
	switch {
	case !caps.ProgressiveAppend && caps.DirectSource:
		return TwoPhaseHandshake
	case caps.ProgressiveAppend:
		return ProgressiveSink
	default:
		return EventStreamDelta
	}
}

// Request describes one synthesis request.
type Request struct {
	Endpoint string
	Input    string
	Voice    string
	Model    string
	Speed    float64
	// Format is the desired audio container, sent on the two-phase init
	// call as response_format.
	Format string
}

// Stream is the normalized result of opening a transport. For the chunked
// variants, Chunks delivers raw audio bytes in arrival order and Done
// delivers exactly one terminal value (nil on clean end of stream). For
// the two-phase variant, Handle is set instead and the sink reads the
// stream itself.
type Stream struct {
	Chunks <-chan []byte
	Done   <-chan error
	Handle *sink.SourceHandle
}

// Transport opens a synthesis stream against the backend. Open blocks only
// for the protocol's initial exchange; body consumption happens in the
// background and honors ctx.
type Transport interface {
	Open(ctx context.Context, req Request) (*Stream, error)
}

// New returns the transport implementation for the variant.
func New(v Variant, client *http.Client) Transport {
	if client == nil {
		client = defaultClient()
	}
	switch v {
	case TwoPhaseHandshake:
		return &Handshake{Client: client}
	case EventStreamDelta:
		return &EventStream{Client: client}
	default:
		return &Progressive{Client: client}
	}
}

func defaultClient() *http.Client {
	// No overall timeout: streaming bodies stay open for the length of
	// the audio. Cancellation comes from the session context.
	return &http.Client{Timeout: 0}
}

// ErrMissingStreamID is returned when a successful init response carries
// no stream identifier. This is a protocol-contract violation, never
// retried.
var ErrMissingStreamID = errors.New("init response missing stream id")

// InitError reports a failed initialization request.
type InitError struct {
	Status int
	Detail string
}

// Error implements the error interface.
func (e *InitError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("stream init failed with status %d: %s", e.Status, e.Detail)
	}
	return fmt.Sprintf("stream init failed with status %d", e.Status)
}

// ServerError is an explicit error event delivered in the delta stream.
// It always overrides any partial audio already received.
type ServerError struct {
	Message string
}

// Error implements the error interface.
func (e *ServerError) Error() string {
	return e.Message
}

// readChunkSize is the read granularity for streamed response bodies.
const readChunkSize = 64 * 1024

// openTimeout bounds the initial exchange (dial, headers, init call), not
// the streamed body.
const openTimeout = 30 * time.Second
