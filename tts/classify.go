package tts

import (
	"time"

	"github.com/lingokit/speech/tts/sink"
)

// Classification is the verdict on a sink error event. Recoverable errors
// never surface to the caller; the session detaches its listeners and
// leaves the sink alone.
type Classification struct {
	Recoverable bool
	Reason      string
}

// SinkSnapshot captures the sink state relevant to classifying an error
// event.
type SinkSnapshot struct {
	ShutdownTag   sink.ShutdownTag
	Position      time.Duration
	Paused        bool
	Ended         bool
	BufferedAhead time.Duration
}

// snapshotSink reads the classification-relevant fields from a live sink.
func snapshotSink(s sink.Sink) SinkSnapshot {
	return SinkSnapshot{
		ShutdownTag:   s.ShutdownTag(),
		Position:      s.Position(),
		Paused:        s.Paused(),
		Ended:         s.Ended(),
		BufferedAhead: s.BufferedAhead(),
	}
}

// Classify decides whether a sink error event is a real failure or an
// artifact. Decision order:
//
//  1. A shutdown marker on the sink means the engine caused the error
//     itself while tearing down; ignore it.
//  2. No audio progress yet means the error is real and fatal.
//  3. Playback still advancing despite the error is a known decoder
//     false positive; ignore it. Applied on every platform.
//  4. Anything else is fatal.
func Classify(ev sink.Event, snap SinkSnapshot) Classification {
	if snap.ShutdownTag != sink.ShutdownNone {
		return Classification{Recoverable: true, Reason: string(snap.ShutdownTag)}
	}
	if snap.Position == 0 {
		return Classification{Recoverable: false, Reason: ev.Code.Message()}
	}
	if !snap.Paused && !snap.Ended && snap.BufferedAhead > 0 {
		return Classification{Recoverable: true, Reason: "playback still advancing"}
	}
	return Classification{Recoverable: false, Reason: ev.Code.Message()}
}
