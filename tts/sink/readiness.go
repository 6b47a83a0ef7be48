package sink

import (
	"time"

	"github.com/charmbracelet/log"
)

// Readiness defaults. The fallback deadline forces a start attempt even
// when the platform under-reports buffering state for an actively
// streaming source.
const (
	// DefaultMinBuffered is the buffered-ahead duration that is considered
	// safe to begin playback.
	DefaultMinBuffered = 350 * time.Millisecond
	// DefaultRecheckInterval paces the opportunistic buffered-duration
	// re-checks.
	DefaultRecheckInterval = 100 * time.Millisecond
	// DefaultStartFallback is the fallback deadline on the progressive path.
	DefaultStartFallback = 2500 * time.Millisecond
	// HandshakeStartFallback is the fallback deadline on the two-phase
	// path, which pays handshake and probe round trips before any data
	// arrives.
	HandshakeStartFallback = 10 * time.Second
	// startVerifyDelay is how long to wait after a rejected Start before
	// checking whether playback is in fact advancing.
	startVerifyDelay = 500 * time.Millisecond
)

// Readiness decides the earliest safe moment to start playback of a
// partially buffered stream and calls Start exactly once. It belongs to a
// single session goroutine.
type Readiness struct {
	sink        Sink
	minBuffered time.Duration
	verifyDelay time.Duration
	requested   bool
}

// NewReadiness creates a readiness heuristic for the sink. A zero
// minBuffered selects DefaultMinBuffered.
func NewReadiness(s Sink, minBuffered time.Duration) *Readiness {
	if minBuffered <= 0 {
		minBuffered = DefaultMinBuffered
	}
	return &Readiness{sink: s, minBuffered: minBuffered, verifyDelay: startVerifyDelay}
}

// Requested reports whether Start has already been attempted.
func (r *Readiness) Requested() bool {
	return r.requested
}

// Check starts playback if enough audio is buffered ahead of the current
// position. Call after metadata becomes known, after each append
// completion, and on periodic re-checks. Returns a non-nil error only on a
// confirmed start failure.
func (r *Readiness) Check() error {
	if r.requested {
		return nil
	}
	if r.sink.ReadyState() < ReadyMetadata {
		return nil
	}
	if r.sink.BufferedAhead() < r.minBuffered {
		return nil
	}
	return r.start("buffered")
}

// Force starts playback regardless of buffered duration. Used for the
// sink's sufficiently-buffered signal and for the fallback timer.
func (r *Readiness) Force(trigger string) error {
	if r.requested {
		return nil
	}
	return r.start(trigger)
}

func (r *Readiness) start(trigger string) error {
	r.requested = true
	log.Debug("starting playback", "trigger", trigger,
		"buffered", r.sink.BufferedAhead(), "readyState", r.sink.ReadyState())

	err := r.sink.Start()
	if err == nil {
		return nil
	}

	// Some engines reject the start call and then begin playing anyway.
	// Give the sink a moment and trust the position over the error.
	time.Sleep(r.verifyDelay)
	if r.sink.Position() > 0 && !r.sink.Paused() {
		log.Debug("start rejected but playback is advancing", "error", err)
		return nil
	}
	return err
}
