// Package sink abstracts the playable audio output target. A sink accepts
// either an incrementally appended byte buffer or a direct source handle,
// reports buffering and position, and emits lifecycle events on a channel.
package sink

import "time"

// ReadyState mirrors the buffering tiers reported by platform media stacks.
type ReadyState int

const (
	// ReadyNothing means no media information is available yet.
	ReadyNothing ReadyState = iota
	// ReadyMetadata means duration and format are known.
	ReadyMetadata
	// ReadyCurrent means data for the current position is available.
	ReadyCurrent
	// ReadyFuture means data slightly ahead of the current position is available.
	ReadyFuture
	// ReadyEnough means the sink estimates playback can proceed uninterrupted.
	ReadyEnough
)

// String returns the string representation of the ready state.
func (r ReadyState) String() string {
	switch r {
	case ReadyNothing:
		return "nothing"
	case ReadyMetadata:
		return "metadata"
	case ReadyCurrent:
		return "current"
	case ReadyFuture:
		return "future"
	case ReadyEnough:
		return "enough"
	default:
		return "unknown"
	}
}

// ShutdownTag annotates a sink teardown caused by the engine itself, so
// that error signals raised by the teardown are not mistaken for real
// failures.
type ShutdownTag string

const (
	// ShutdownNone means no intentional teardown is in progress.
	ShutdownNone ShutdownTag = ""
	// ShutdownRestart marks a teardown caused by a superseding play request.
	ShutdownRestart ShutdownTag = "restart"
	// ShutdownStop marks a teardown caused by an explicit stop.
	ShutdownStop ShutdownTag = "stop"
)

// ErrorCode categorizes sink playback errors, mirroring platform media
// error codes.
type ErrorCode int

const (
	// CodeUnknown is used when the sink reports no specific code.
	CodeUnknown ErrorCode = iota
	// CodeAborted means the fetch was aborted.
	CodeAborted
	// CodeNetwork means a network error interrupted the download.
	CodeNetwork
	// CodeDecode means the audio data could not be decoded.
	CodeDecode
	// CodeFormatUnsupported means the container or codec is not supported.
	CodeFormatUnsupported
)

// Message returns a human-readable description of the error code.
func (c ErrorCode) Message() string {
	switch c {
	case CodeAborted:
		return "audio loading was aborted"
	case CodeNetwork:
		return "a network error interrupted audio loading"
	case CodeDecode:
		return "the audio data could not be decoded"
	case CodeFormatUnsupported:
		return "the audio format is not supported"
	default:
		return "audio playback failed"
	}
}

// EventKind identifies a sink lifecycle event.
type EventKind int

const (
	// EventAppendDone signals that the in-flight buffer append completed.
	EventAppendDone EventKind = iota
	// EventMetadata signals that media metadata became known.
	EventMetadata
	// EventCanPlayThrough signals the sink considers itself sufficiently buffered.
	EventCanPlayThrough
	// EventEnded signals playback reached its natural end.
	EventEnded
	// EventError signals a playback or decode error.
	EventError
)

// String returns the string representation of the event kind.
func (k EventKind) String() string {
	switch k {
	case EventAppendDone:
		return "append-done"
	case EventMetadata:
		return "metadata"
	case EventCanPlayThrough:
		return "canplaythrough"
	case EventEnded:
		return "ended"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is a sink lifecycle notification.
type Event struct {
	Kind EventKind
	Code ErrorCode // set for EventError
	Err  error     // set for EventError and EventAppendDone failures
}

// Capabilities describes what decode paths a sink supports. Transport
// selection is a pure function of these flags.
type Capabilities struct {
	// ProgressiveAppend is true when the sink can decode a growing
	// appended buffer while already playing from it.
	ProgressiveAppend bool
	// DirectSource is true when the sink can load and probe a source
	// handle on its own.
	DirectSource bool
}

// Sink is the platform audio output target. Append accepts at most one
// in-flight chunk; completion is reported via an EventAppendDone on the
// Events channel. All methods are safe for use from a single session
// goroutine plus the controller's synchronous Pause/Resume/Stop calls.
type Sink interface {
	// Append submits one chunk to the sink's growing buffer. Callers must
	// wait for EventAppendDone before submitting the next chunk.
	Append(chunk []byte) error

	// EndOfStream tells the sink no further appends will arrive.
	EndOfStream()

	// LoadAll hands the sink a complete, fully received audio buffer for
	// one-shot decoding. Used when no incremental decode path exists.
	LoadAll(data []byte) error

	// SetSource binds a source handle the sink will load on its own.
	SetSource(h *SourceHandle) error

	// Load triggers the sink's load sequence for a bound source. Some
	// platforms will not begin issuing byte probes otherwise.
	Load()

	// Start begins playback. Called at most once per session by the
	// readiness heuristic.
	Start() error

	Pause()
	Resume()

	// Reset pauses playback and rewinds to position zero.
	Reset()

	Position() time.Duration
	BufferedAhead() time.Duration
	Paused() bool
	Ended() bool
	ReadyState() ReadyState
	Capabilities() Capabilities

	// Events returns the sink's lifecycle event channel.
	Events() <-chan Event

	MarkShutdown(tag ShutdownTag)
	ShutdownTag() ShutdownTag
	ClearShutdown()

	// Close releases the sink and its event channel.
	Close()
}
