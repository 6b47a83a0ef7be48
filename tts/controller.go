// Package tts is an adaptive streaming speech playback engine. It requests
// synthesized audio from a backend over one of three wire protocols, feeds
// the byte stream into an audio sink with strict ordering, starts playback
// at the earliest safe moment, and guarantees that at most one playback
// session is ever active.
package tts

import (
	"bytes"
	"net/http"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/lingokit/speech/tts/sink"
	"github.com/lingokit/speech/tts/transport"
)

// TransportFactory builds the transport for a selected variant. Tests
// inject fakes through it.
type TransportFactory func(v transport.Variant) transport.Transport

// Controller owns the single active playback session. Starting a new
// session cancels and tears down the previous one before any network call
// is made.
type Controller struct {
	mu sync.Mutex

	snk        sink.Sink
	cfg        Config
	client     *http.Client
	transports TransportFactory

	minBuffered         time.Duration
	recheckInterval     time.Duration
	progressiveFallback time.Duration
	handshakeFallback   time.Duration

	active *Session
	closed bool

	// cbMu guards the completion callbacks separately: they fire off the
	// controller lock, so registration must not race the firing.
	cbMu       sync.Mutex
	onFinished []func()
}

// Option configures a Controller.
type Option func(*Controller)

// WithConfig sets the engine defaults, overriding the environment.
func WithConfig(cfg Config) Option {
	return func(c *Controller) { c.cfg = cfg }
}

// WithHTTPClient sets the HTTP client used by the built-in transports.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Controller) { c.client = client }
}

// WithTransportFactory replaces the built-in transports.
func WithTransportFactory(f TransportFactory) Option {
	return func(c *Controller) { c.transports = f }
}

// WithMinBuffered sets the buffered-ahead duration required before
// playback starts.
func WithMinBuffered(d time.Duration) Option {
	return func(c *Controller) { c.minBuffered = d }
}

// WithStartFallbacks sets the fallback start deadlines for the progressive
// and two-phase paths.
func WithStartFallbacks(progressive, handshake time.Duration) Option {
	return func(c *Controller) {
		c.progressiveFallback = progressive
		c.handshakeFallback = handshake
	}
}

// WithRecheckInterval sets the pacing of periodic readiness re-checks.
func WithRecheckInterval(d time.Duration) Option {
	return func(c *Controller) { c.recheckInterval = d }
}

// New creates a controller around the given sink. Defaults come from the
// environment when no WithConfig option is supplied.
func New(s sink.Sink, opts ...Option) *Controller {
	cfg, err := LoadConfig()
	if err != nil {
		log.Warn("falling back to built-in defaults", "error", err)
		cfg = Config{
			Endpoint: DefaultEndpoint,
			Voice:    DefaultVoice,
			Model:    DefaultModel,
			Speed:    DefaultSpeed,
			Format:   DefaultFormat,
		}
	}

	c := &Controller{
		snk:                 s,
		cfg:                 cfg,
		minBuffered:         sink.DefaultMinBuffered,
		recheckInterval:     sink.DefaultRecheckInterval,
		progressiveFallback: sink.DefaultStartFallback,
		handshakeFallback:   sink.HandshakeStartFallback,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.transports == nil {
		client := c.client
		c.transports = func(v transport.Variant) transport.Transport {
			return transport.New(v, client)
		}
	}
	return c
}

// Play starts a new playback session for text, cancelling any previous
// session first. The returned session settles when playback ends: nil on
// natural completion (or when superseded after audible progress), a
// *PlaybackError otherwise.
func (c *Controller) Play(text string, opts PlayOptions) *Session {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return newSettledSession(ErrCancelled)
	}

	// The previous session's teardown completes before any new network
	// call, so two sessions can never write to the shared sink at once.
	c.cancelActiveLocked(sink.ShutdownRestart)
	c.drainSinkEvents()
	c.snk.ClearShutdown()

	o := opts.withDefaults(c.cfg)
	variant := transport.Select(c.snk.Capabilities())
	sess := newSession(text, variant)
	c.active = sess

	log.Debug("starting playback session",
		"variant", variant, "textLen", len(text), "endpoint", o.Endpoint)

	go c.run(sess, o)
	return sess
}

// Stop cancels the active session, pauses the sink, and resets the
// playback position. Safe to call at any time, including twice in a row.
func (c *Controller) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelActiveLocked(sink.ShutdownStop)
}

// Pause pauses playback. A no-op when nothing is playing or already
// paused.
func (c *Controller) Pause() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == nil || c.snk.Paused() {
		return
	}
	c.snk.Pause()
}

// Resume resumes paused playback. A no-op when nothing is paused.
func (c *Controller) Resume() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == nil || !c.snk.Paused() {
		return
	}
	c.snk.Resume()
}

// OnFinished registers a callback invoked each time playback reaches its
// natural end.
func (c *Controller) OnFinished(fn func()) {
	c.cbMu.Lock()
	defer c.cbMu.Unlock()
	c.onFinished = append(c.onFinished, fn)
}

// State returns the active session's state, or StateIdle when there is
// none.
func (c *Controller) State() StateType {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == nil {
		return StateIdle
	}
	return c.active.State()
}

// Close stops any active session and releases the sink. The controller
// cannot be used afterwards.
func (c *Controller) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.cancelActiveLocked(sink.ShutdownStop)
	c.closed = true
	c.snk.Close()
}

// cancelActiveLocked tears down the active session: marks the sink so the
// teardown's own error artifacts are suppressed, cancels the network
// signal, settles the caller's result per the supersede rules, waits for
// the session loop to exit, then resets the sink and releases the source
// handle. Idempotent; a settled session settles no further.
func (c *Controller) cancelActiveLocked(tag sink.ShutdownTag) {
	prev := c.active
	if prev == nil {
		return
	}
	c.active = nil

	c.snk.MarkShutdown(tag)
	progressed := c.snk.Position() > 0
	prev.cancel()

	// Cancelled before any audible progress rejects with "cancelled";
	// cancelled mid-playback resolves silently. Callers need to tell the
	// two apart.
	if progressed {
		prev.settle(nil)
	} else {
		prev.settle(ErrCancelled)
	}

	<-prev.loopDone

	c.snk.Pause()
	c.snk.Reset()

	// The loop has exited, so no in-flight handler still references the
	// handle; release it before the sink is reused.
	if prev.handle != nil {
		prev.handle.Release()
	}

	log.Debug("session torn down", "tag", tag, "progressed", progressed)
}

// drainSinkEvents discards buffered sink events left over from a previous
// session. The event channel outlives individual sessions; anything still
// queued when a new session starts is a teardown artifact and must not be
// attributed to the new session.
func (c *Controller) drainSinkEvents() {
	for {
		select {
		case ev, ok := <-c.snk.Events():
			if !ok {
				return
			}
			log.Debug("discarding stale sink event", "kind", ev.Kind)
		default:
			return
		}
	}
}

// run is the session event loop. All sink, transport, and timer signals
// for one session are consumed here, so chunk handling never races.
func (c *Controller) run(sess *Session, o PlayOptions) {
	// Completion callbacks fire after the loop has fully exited (loopDone
	// runs first), so a callback is free to call Stop or Play without
	// deadlocking against its own session's teardown.
	defer func() {
		if sess.finishedNaturally() {
			c.notifyFinished()
		}
	}()
	defer close(sess.loopDone)

	sess.transition(StateInitiating)

	tr := c.transports(sess.variant)
	stream, err := tr.Open(sess.ctx, transport.Request{
		Endpoint: o.Endpoint,
		Input:    sess.text,
		Voice:    o.Voice,
		Model:    o.Model,
		Speed:    o.Speed,
		Format:   o.Format,
	})
	if err != nil {
		if sess.ctx.Err() != nil {
			return
		}
		c.failSession(sess, translateTransportError(err))
		return
	}

	sess.transition(StateBuffering)

	switch sess.variant {
	case transport.TwoPhaseHandshake:
		c.runHandshake(sess, stream)
	case transport.EventStreamDelta:
		c.runEventStream(sess, stream)
	default:
		c.runProgressive(sess, stream)
	}
}

// runProgressive feeds arriving chunks through the serialized appender and
// starts playback as soon as the readiness heuristic allows.
func (c *Controller) runProgressive(sess *Session, stream *transport.Stream) {
	app := sink.NewAppender(c.snk, func() bool { return sess.ctx.Err() != nil })
	ready := sink.NewReadiness(c.snk, c.minBuffered)

	recheck := time.NewTicker(c.recheckInterval)
	defer recheck.Stop()
	fallback := time.NewTimer(c.progressiveFallback)
	defer fallback.Stop()

	chunks := stream.Chunks
	done := stream.Done

	for {
		select {
		case <-sess.ctx.Done():
			return

		case chunk, ok := <-chunks:
			if !ok {
				chunks = nil
				continue
			}
			app.Push(chunk)

		case err := <-done:
			done = nil
			if err != nil {
				if sess.ctx.Err() != nil {
					return
				}
				c.failSession(sess, newPlaybackError(ReasonPlaybackFailed,
					"audio stream read failed", err))
				return
			}
			app.Finish()

		case ev, ok := <-c.snk.Events():
			if !ok {
				return
			}
			if c.handleSinkEvent(sess, ev, app, ready) {
				return
			}

		case <-recheck.C:
			if c.checkStart(sess, ready, ready.Check) {
				return
			}

		case <-fallback.C:
			if c.checkStart(sess, ready, func() error {
				return ready.Force("fallback-timer")
			}) {
				return
			}
		}
	}
}

// runHandshake binds the stream handle as the sink's direct source and
// waits on sink lifecycle events. The fallback deadline is longer here:
// the handshake and the sink's byte probes cost extra round trips.
func (c *Controller) runHandshake(sess *Session, stream *transport.Stream) {
	sess.handle = stream.Handle
	if err := c.snk.SetSource(stream.Handle); err != nil {
		c.failSession(sess, newPlaybackError(ReasonPlaybackFailed,
			"failed to bind audio source", err))
		return
	}
	// Some platforms will not begin issuing byte probes without an
	// explicit load.
	c.snk.Load()

	ready := sink.NewReadiness(c.snk, c.minBuffered)
	recheck := time.NewTicker(c.recheckInterval)
	defer recheck.Stop()
	fallback := time.NewTimer(c.handshakeFallback)
	defer fallback.Stop()

	for {
		select {
		case <-sess.ctx.Done():
			return

		case ev, ok := <-c.snk.Events():
			if !ok {
				return
			}
			if c.handleSinkEvent(sess, ev, nil, ready) {
				return
			}

		case <-recheck.C:
			if c.checkStart(sess, ready, ready.Check) {
				return
			}

		case <-fallback.C:
			if c.checkStart(sess, ready, func() error {
				return ready.Force("fallback-timer")
			}) {
				return
			}
		}
	}
}

// runEventStream accumulates the full delta stream, then decodes and plays
// it in one shot. An explicit server error fails the session immediately;
// the decode step never runs in that case.
func (c *Controller) runEventStream(sess *Session, stream *transport.Stream) {
	var buf bytes.Buffer
	chunks := stream.Chunks
	done := stream.Done

	for done != nil {
		select {
		case <-sess.ctx.Done():
			return

		case chunk, ok := <-chunks:
			if !ok {
				chunks = nil
				continue
			}
			buf.Write(chunk)

		case err := <-done:
			done = nil
			if err != nil {
				if sess.ctx.Err() != nil {
					return
				}
				c.failSession(sess, translateTransportError(err))
				return
			}
		}
	}

	if err := c.snk.LoadAll(buf.Bytes()); err != nil {
		c.failSession(sess, newPlaybackError(ReasonDecodeFailed,
			"failed to decode accumulated audio", err))
		return
	}

	ready := sink.NewReadiness(c.snk, c.minBuffered)
	if err := ready.Force("full-decode"); err != nil {
		c.failSession(sess, newPlaybackError(ReasonStartFailed,
			"playback could not be started", err))
		return
	}
	sess.transition(StatePlaying)

	for {
		select {
		case <-sess.ctx.Done():
			return
		case ev, ok := <-c.snk.Events():
			if !ok {
				return
			}
			if c.handleSinkEvent(sess, ev, nil, ready) {
				return
			}
		}
	}
}

// handleSinkEvent processes one sink lifecycle event. It returns true when
// the session loop should exit.
func (c *Controller) handleSinkEvent(sess *Session, ev sink.Event, app *sink.Appender, ready *sink.Readiness) bool {
	switch ev.Kind {
	case sink.EventAppendDone:
		if ev.Err != nil {
			log.Warn("append completed with error", "error", ev.Err)
		}
		if app != nil {
			app.AppendDone()
		}
		return c.checkStart(sess, ready, ready.Check)

	case sink.EventMetadata:
		return c.checkStart(sess, ready, ready.Check)

	case sink.EventCanPlayThrough:
		return c.checkStart(sess, ready, func() error {
			return ready.Force("canplaythrough")
		})

	case sink.EventEnded:
		sess.transition(StateEnded)
		sess.markFinished()
		sess.settle(nil)
		return true

	case sink.EventError:
		cls := Classify(ev, snapshotSink(c.snk))
		if cls.Recoverable {
			log.Debug("ignoring recoverable sink error",
				"reason", cls.Reason, "error", ev.Err)
			return false
		}
		c.failSession(sess, newPlaybackError(ReasonPlaybackFailed, cls.Reason, ev.Err))
		return true
	}
	return false
}

// checkStart runs a readiness trigger and promotes the session to Playing
// when it fires. It returns true when the session loop should exit due to
// a confirmed start failure.
func (c *Controller) checkStart(sess *Session, ready *sink.Readiness, trigger func() error) bool {
	wasRequested := ready.Requested()
	if err := trigger(); err != nil {
		c.failSession(sess, newPlaybackError(ReasonStartFailed,
			"playback could not be started", err))
		return true
	}
	if !wasRequested && ready.Requested() {
		sess.transition(StatePlaying)
	}
	return false
}

// failSession aborts the session and surfaces the error to the caller.
func (c *Controller) failSession(sess *Session, perr *PlaybackError) {
	log.Error("playback session failed",
		"reason", perr.Reason, "error", perr.Err)

	sess.transition(StateFailed)
	sess.cancel()
	c.snk.Pause()
	c.snk.Reset()
	if sess.handle != nil {
		sess.handle.Release()
	}
	sess.settle(perr)
}

// notifyFinished fires the registered completion callbacks.
func (c *Controller) notifyFinished() {
	c.cbMu.Lock()
	callbacks := make([]func(), len(c.onFinished))
	copy(callbacks, c.onFinished)
	c.cbMu.Unlock()

	for _, fn := range callbacks {
		fn()
	}
}
