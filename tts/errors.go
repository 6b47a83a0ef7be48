package tts

import (
	"errors"
	"fmt"

	"github.com/lingokit/speech/tts/transport"
)

// Reason is the machine-readable cause attached to a PlaybackError.
type Reason string

const (
	// ReasonStreamInitFailed means the synthesis initialization request
	// failed.
	ReasonStreamInitFailed Reason = "stream-init-failed"
	// ReasonMissingStreamID means a successful init response carried no
	// stream identifier.
	ReasonMissingStreamID Reason = "missing-stream-id"
	// ReasonStartFailed means the sink's start call failed and playback
	// never advanced.
	ReasonStartFailed Reason = "playback-start-failed"
	// ReasonServerError means the backend declared an explicit error in
	// the delta stream.
	ReasonServerError Reason = "server-error"
	// ReasonCancelled means the session was cancelled before any audible
	// progress occurred.
	ReasonCancelled Reason = "cancelled"
	// ReasonDecodeFailed means the full-decode fallback could not decode
	// the accumulated audio.
	ReasonDecodeFailed Reason = "decode-failed"
	// ReasonPlaybackFailed means the sink reported a fatal playback
	// error.
	ReasonPlaybackFailed Reason = "playback-failed"
)

// ErrCancelled is the error a session settles with when it is cancelled
// before audio made any progress.
var ErrCancelled = &PlaybackError{Reason: ReasonCancelled, Message: "playback was cancelled"}

// PlaybackError is the single typed error surfaced to callers. Reason is
// machine readable; Message is human readable. For server-declared errors
// the full reason string is "server-error:<message>".
type PlaybackError struct {
	Reason  Reason
	Message string
	Err     error
}

// Error implements the error interface.
func (e *PlaybackError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Reason, e.Message)
	}
	return string(e.Reason)
}

// Unwrap returns the underlying cause.
func (e *PlaybackError) Unwrap() error {
	return e.Err
}

// FullReason returns the wire-style reason string, which for server errors
// includes the server-supplied message.
func (e *PlaybackError) FullReason() string {
	if e.Reason == ReasonServerError {
		return string(ReasonServerError) + ":" + e.Message
	}
	return string(e.Reason)
}

// Is matches PlaybackErrors by reason, so callers can use errors.Is with
// sentinel values like ErrCancelled.
func (e *PlaybackError) Is(target error) bool {
	var pe *PlaybackError
	if !errors.As(target, &pe) {
		return false
	}
	return e.Reason == pe.Reason
}

// newPlaybackError wraps err with a reason and a human-readable message.
func newPlaybackError(reason Reason, message string, err error) *PlaybackError {
	return &PlaybackError{Reason: reason, Message: message, Err: err}
}

// translateTransportError maps transport-level failures onto the caller
// error taxonomy.
func translateTransportError(err error) *PlaybackError {
	var initErr *transport.InitError
	if errors.As(err, &initErr) {
		return newPlaybackError(ReasonStreamInitFailed, initErr.Error(), err)
	}
	if errors.Is(err, transport.ErrMissingStreamID) {
		return newPlaybackError(ReasonMissingStreamID, "synthesis backend returned no stream id", err)
	}
	var srvErr *transport.ServerError
	if errors.As(err, &srvErr) {
		return newPlaybackError(ReasonServerError, srvErr.Message, err)
	}
	return newPlaybackError(ReasonStreamInitFailed, err.Error(), err)
}
