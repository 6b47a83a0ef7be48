package tts

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/lingokit/speech/tts/sink"
	"github.com/lingokit/speech/tts/transport"
)

var testConfig = Config{
	Endpoint: "http://test/speech",
	Voice:    "alloy",
	Model:    "tts-1",
	Speed:    1.0,
	Format:   "mp3",
}

// fakeTransport returns a scripted stream or error from Open, regardless of
// variant.
type fakeTransport struct {
	mu      sync.Mutex
	stream  *transport.Stream
	err     error
	opens   int
	lastReq transport.Request
}

func (f *fakeTransport) Open(ctx context.Context, req transport.Request) (*transport.Stream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opens++
	f.lastReq = req
	if f.err != nil {
		return nil, f.err
	}
	return f.stream, nil
}

func (f *fakeTransport) factory() TransportFactory {
	return func(v transport.Variant) transport.Transport { return f }
}

func (f *fakeTransport) openCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opens
}

func (f *fakeTransport) request() transport.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastReq
}

// chunkStream builds a stream that delivers the chunks and then the final
// error. The chunk channel is unbuffered so the terminal value cannot
// overtake undelivered chunks, matching the real transports.
func chunkStream(chunks [][]byte, final error) *transport.Stream {
	ch := make(chan []byte)
	done := make(chan error, 1)
	go func() {
		for _, c := range chunks {
			ch <- c
		}
		close(ch)
		done <- final
	}()
	return &transport.Stream{Chunks: ch, Done: done}
}

// openStream builds a stream that never delivers anything, standing in for
// a backend that is still synthesizing.
func openStream() *transport.Stream {
	return &transport.Stream{Chunks: make(chan []byte), Done: make(chan error, 1)}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		if cond() {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %s", what)
		case <-time.After(2 * time.Millisecond):
		}
	}
}

func waitSettled(t *testing.T, sess *Session) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := sess.Wait(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		t.Fatal("session never settled")
	}
	return err
}

func TestControllerProgressiveHappyPath(t *testing.T) {
	ms := sink.NewMockSink(sink.Capabilities{ProgressiveAppend: true})
	ft := &fakeTransport{stream: chunkStream([][]byte{
		[]byte("aa"), []byte("bb"), []byte("cc"),
	}, nil)}

	finished := make(chan struct{}, 1)
	c := New(ms, WithConfig(testConfig), WithTransportFactory(ft.factory()))
	defer c.Close()
	c.OnFinished(func() { finished <- struct{}{} })

	sess := c.Play("hello world", PlayOptions{})
	if sess.Variant() != transport.ProgressiveSink {
		t.Errorf("variant = %v", sess.Variant())
	}

	waitFor(t, "end of stream", ms.EndOfStreamSignalled)

	appends := ms.Appends()
	if len(appends) != 3 {
		t.Fatalf("got %d appends", len(appends))
	}
	if !bytes.Equal(bytes.Join(appends, nil), []byte("aabbcc")) {
		t.Errorf("chunks out of order: %q", appends)
	}

	ms.EmitCanPlayThrough()
	waitFor(t, "playback start", func() bool { return ms.StartCalls() == 1 })

	ms.SetPosition(time.Second)
	ms.EmitEnded()

	if err := waitSettled(t, sess); err != nil {
		t.Errorf("session settled with %v", err)
	}
	if sess.State() != StateEnded {
		t.Errorf("state = %v", sess.State())
	}

	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Error("finished callback never fired")
	}

	if req := ft.request(); req.Input != "hello world" || req.Voice != "alloy" {
		t.Errorf("request = %+v", req)
	}
}

func TestControllerHandshakePath(t *testing.T) {
	ms := sink.NewMockSink(sink.Capabilities{DirectSource: true})
	handle := sink.BytesHandle([]byte("mp3-bytes"))
	ft := &fakeTransport{stream: &transport.Stream{Handle: handle}}

	c := New(ms, WithConfig(testConfig), WithTransportFactory(ft.factory()))

	sess := c.Play("hello", PlayOptions{})
	if sess.Variant() != transport.TwoPhaseHandshake {
		t.Errorf("variant = %v", sess.Variant())
	}

	waitFor(t, "source bind", func() bool { return ms.Source() == handle })
	waitFor(t, "load call", func() bool { return ms.LoadCalls() == 1 })

	ms.EmitCanPlayThrough()
	waitFor(t, "playback start", func() bool { return ms.StartCalls() == 1 })

	ms.SetPosition(time.Second)
	ms.EmitEnded()
	if err := waitSettled(t, sess); err != nil {
		t.Errorf("session settled with %v", err)
	}

	// The handle is released during teardown, not while the sink may still
	// be reading it.
	if handle.Released() {
		t.Error("handle released while the sink still owned it")
	}
	c.Close()
	if !handle.Released() {
		t.Error("handle not released on close")
	}
}

func TestControllerHandshakeMissingStreamID(t *testing.T) {
	ms := sink.NewMockSink(sink.Capabilities{DirectSource: true})
	ft := &fakeTransport{err: transport.ErrMissingStreamID}

	c := New(ms, WithConfig(testConfig), WithTransportFactory(ft.factory()))
	defer c.Close()

	sess := c.Play("hello", PlayOptions{})
	err := waitSettled(t, sess)

	var perr *PlaybackError
	if !errors.As(err, &perr) {
		t.Fatalf("expected *PlaybackError, got %v", err)
	}
	if perr.Reason != ReasonMissingStreamID {
		t.Errorf("reason = %q", perr.Reason)
	}
	if sess.State() != StateFailed {
		t.Errorf("state = %v", sess.State())
	}
	if ms.Source() != nil {
		t.Error("no source may be bound after a failed handshake")
	}
}

func TestControllerEventStreamFullDecode(t *testing.T) {
	ms := sink.NewMockSink(sink.Capabilities{})
	ft := &fakeTransport{stream: chunkStream([][]byte{
		[]byte("one-"), []byte("two"),
	}, nil)}

	c := New(ms, WithConfig(testConfig), WithTransportFactory(ft.factory()))
	defer c.Close()

	sess := c.Play("hello", PlayOptions{})
	if sess.Variant() != transport.EventStreamDelta {
		t.Errorf("variant = %v", sess.Variant())
	}

	waitFor(t, "full decode", func() bool { return ms.Loaded() != nil })
	if !bytes.Equal(ms.Loaded(), []byte("one-two")) {
		t.Errorf("loaded %q", ms.Loaded())
	}
	waitFor(t, "playback start", func() bool { return ms.StartCalls() == 1 })

	ms.SetPosition(time.Second)
	ms.EmitEnded()
	if err := waitSettled(t, sess); err != nil {
		t.Errorf("session settled with %v", err)
	}
}

func TestControllerEventStreamServerError(t *testing.T) {
	ms := sink.NewMockSink(sink.Capabilities{})
	ft := &fakeTransport{stream: chunkStream(nil, &transport.ServerError{Message: "backend died"})}

	c := New(ms, WithConfig(testConfig), WithTransportFactory(ft.factory()))
	defer c.Close()

	sess := c.Play("hello", PlayOptions{})
	err := waitSettled(t, sess)

	var perr *PlaybackError
	if !errors.As(err, &perr) {
		t.Fatalf("expected *PlaybackError, got %v", err)
	}
	if perr.Reason != ReasonServerError {
		t.Errorf("reason = %q", perr.Reason)
	}
	if got := perr.FullReason(); got != "server-error:backend died" {
		t.Errorf("full reason = %q", got)
	}
	// The decode step never runs once the server declared an error.
	if ms.Loaded() != nil {
		t.Error("partial audio was decoded despite the server error")
	}
}

func TestControllerSupersedeAfterProgress(t *testing.T) {
	ms := sink.NewMockSink(sink.Capabilities{ProgressiveAppend: true})
	ft := &fakeTransport{stream: openStream()}

	c := New(ms, WithConfig(testConfig), WithTransportFactory(ft.factory()))
	defer c.Close()

	first := c.Play("first utterance", PlayOptions{})
	waitFor(t, "first open", func() bool { return ft.openCount() == 1 })
	ms.SetPosition(750 * time.Millisecond) // audible progress

	second := c.Play("second utterance", PlayOptions{})

	// Superseded after progress: the first session resolves cleanly.
	if err := waitSettled(t, first); err != nil {
		t.Errorf("superseded session settled with %v", err)
	}

	// Teardown rewinds the sink before the new session touches it.
	if ms.Position() != 0 {
		t.Errorf("position not reset: %v", ms.Position())
	}
	if tag := ms.ShutdownTag(); tag != sink.ShutdownNone {
		t.Errorf("shutdown marker not cleared: %q", tag)
	}

	waitFor(t, "second open", func() bool { return ft.openCount() == 2 })
	if second.State() == StateFailed {
		t.Error("second session must proceed normally")
	}
}

func TestControllerStaleEventsDoNotCrossSessions(t *testing.T) {
	ms := sink.NewMockSink(sink.Capabilities{ProgressiveAppend: true})
	ft := &fakeTransport{stream: openStream()}

	c := New(ms, WithConfig(testConfig), WithTransportFactory(ft.factory()))
	defer c.Close()

	first := c.Play("first utterance", PlayOptions{})
	waitFor(t, "first open", func() bool { return ft.openCount() == 1 })
	ms.SetPosition(time.Second)
	ms.EmitEnded()
	if err := waitSettled(t, first); err != nil {
		t.Fatalf("first session settled with %v", err)
	}

	// An artifact emitted after the first session's loop exited has no
	// consumer. It belongs to the dead session and must never be charged
	// to the next one.
	ms.EmitError(sink.CodeNetwork, errors.New("late fetch abort"))

	second := c.Play("second utterance", PlayOptions{})
	waitFor(t, "second open", func() bool { return ft.openCount() == 2 })

	select {
	case <-second.Done():
		t.Fatalf("second session settled from a stale event: %v", second.Err())
	case <-time.After(50 * time.Millisecond):
	}
	if second.State() == StateFailed {
		t.Error("second session failed from a stale event")
	}
}

func TestControllerFinishedCallbackMayReenter(t *testing.T) {
	ms := sink.NewMockSink(sink.Capabilities{ProgressiveAppend: true})
	ft := &fakeTransport{stream: openStream()}

	c := New(ms, WithConfig(testConfig), WithTransportFactory(ft.factory()))
	defer c.Close()

	// Chaining the next action from the completion callback is the
	// expected use; it must not wedge against the session's own teardown.
	returned := make(chan struct{})
	c.OnFinished(func() {
		c.Stop()
		close(returned)
	})

	sess := c.Play("hello", PlayOptions{})
	waitFor(t, "open", func() bool { return ft.openCount() == 1 })
	ms.SetPosition(time.Second)
	ms.EmitEnded()

	if err := waitSettled(t, sess); err != nil {
		t.Errorf("session settled with %v", err)
	}
	select {
	case <-returned:
	case <-time.After(2 * time.Second):
		t.Fatal("completion callback never returned")
	}
}

func TestControllerStopBeforeProgress(t *testing.T) {
	ms := sink.NewMockSink(sink.Capabilities{ProgressiveAppend: true})
	ft := &fakeTransport{stream: openStream()}

	c := New(ms, WithConfig(testConfig), WithTransportFactory(ft.factory()))
	defer c.Close()

	sess := c.Play("hello", PlayOptions{})
	c.Stop()

	err := waitSettled(t, sess)
	if !errors.Is(err, ErrCancelled) {
		t.Errorf("expected ErrCancelled, got %v", err)
	}

	// Stop is idempotent.
	c.Stop()
	if c.State() != StateIdle {
		t.Errorf("state = %v", c.State())
	}
}

func TestControllerRecoverableSinkError(t *testing.T) {
	ms := sink.NewMockSink(sink.Capabilities{ProgressiveAppend: true})
	ft := &fakeTransport{stream: openStream()}

	c := New(ms, WithConfig(testConfig), WithTransportFactory(ft.factory()))
	defer c.Close()

	sess := c.Play("hello", PlayOptions{})
	waitFor(t, "open", func() bool { return ft.openCount() == 1 })

	// Playback is advancing with audio buffered ahead: the decoder error
	// is a false positive and must not surface.
	ms.Resume()
	ms.SetPosition(time.Second)
	ms.SetBufferedAhead(500 * time.Millisecond)
	ms.EmitError(sink.CodeDecode, errors.New("spurious decode error"))

	select {
	case <-sess.Done():
		t.Fatalf("session settled on a recoverable error: %v", sess.Err())
	case <-time.After(50 * time.Millisecond):
	}

	// Stopping after audible progress resolves cleanly.
	c.Stop()
	if err := waitSettled(t, sess); err != nil {
		t.Errorf("session settled with %v", err)
	}
}

func TestControllerShutdownMarkerSuppressesErrors(t *testing.T) {
	ms := sink.NewMockSink(sink.Capabilities{ProgressiveAppend: true})
	ft := &fakeTransport{stream: openStream()}

	c := New(ms, WithConfig(testConfig), WithTransportFactory(ft.factory()))
	defer c.Close()

	sess := c.Play("hello", PlayOptions{})
	waitFor(t, "open", func() bool { return ft.openCount() == 1 })

	// An error raised while the engine itself is tearing the sink down is
	// an artifact, even with zero progress.
	ms.MarkShutdown(sink.ShutdownRestart)
	ms.EmitError(sink.CodeAborted, errors.New("fetch aborted"))

	select {
	case <-sess.Done():
		t.Fatalf("session settled on a shutdown artifact: %v", sess.Err())
	case <-time.After(50 * time.Millisecond):
	}
}

func TestControllerFatalSinkError(t *testing.T) {
	ms := sink.NewMockSink(sink.Capabilities{ProgressiveAppend: true})
	ft := &fakeTransport{stream: openStream()}

	c := New(ms, WithConfig(testConfig), WithTransportFactory(ft.factory()))
	defer c.Close()

	sess := c.Play("hello", PlayOptions{})
	waitFor(t, "open", func() bool { return ft.openCount() == 1 })

	// No progress at all: the error is real.
	ms.EmitError(sink.CodeNetwork, errors.New("connection reset"))

	err := waitSettled(t, sess)
	var perr *PlaybackError
	if !errors.As(err, &perr) {
		t.Fatalf("expected *PlaybackError, got %v", err)
	}
	if perr.Reason != ReasonPlaybackFailed {
		t.Errorf("reason = %q", perr.Reason)
	}
}

func TestControllerPauseResume(t *testing.T) {
	ms := sink.NewMockSink(sink.Capabilities{ProgressiveAppend: true})
	ft := &fakeTransport{stream: openStream()}

	c := New(ms, WithConfig(testConfig), WithTransportFactory(ft.factory()))
	defer c.Close()

	// Pause and Resume are no-ops with no active session.
	c.Pause()
	c.Resume()

	c.Play("hello", PlayOptions{})
	ms.Resume() // playing

	c.Pause()
	if !ms.Paused() {
		t.Error("expected sink to be paused")
	}
	c.Pause() // no-op while already paused

	c.Resume()
	if ms.Paused() {
		t.Error("expected sink to be resumed")
	}
}

func TestControllerPlayAfterClose(t *testing.T) {
	ms := sink.NewMockSink(sink.Capabilities{ProgressiveAppend: true})
	c := New(ms, WithConfig(testConfig))
	c.Close()
	c.Close() // idempotent

	sess := c.Play("hello", PlayOptions{})
	err := waitSettled(t, sess)
	if !errors.Is(err, ErrCancelled) {
		t.Errorf("expected ErrCancelled, got %v", err)
	}
}

func TestControllerPlayOptionOverrides(t *testing.T) {
	ms := sink.NewMockSink(sink.Capabilities{ProgressiveAppend: true})
	ft := &fakeTransport{stream: chunkStream(nil, nil)}

	c := New(ms, WithConfig(testConfig), WithTransportFactory(ft.factory()))
	defer c.Close()

	c.Play("hello", PlayOptions{Voice: "nova", Speed: 1.5})
	waitFor(t, "open", func() bool { return ft.openCount() == 1 })

	req := ft.request()
	if req.Voice != "nova" {
		t.Errorf("voice = %q", req.Voice)
	}
	if req.Speed != 1.5 {
		t.Errorf("speed = %v", req.Speed)
	}
	if req.Endpoint != testConfig.Endpoint {
		t.Errorf("endpoint = %q, want config default", req.Endpoint)
	}
	if req.Model != testConfig.Model {
		t.Errorf("model = %q, want config default", req.Model)
	}
}
