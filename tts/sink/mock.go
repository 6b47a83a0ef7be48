package sink

import (
	"errors"
	"sync"
	"time"
)

// MockSink implements Sink for testing. It simulates a platform media sink
// without producing sound: appends are recorded and completed either
// automatically or by explicit test calls, and lifecycle events are
// injected manually.
type MockSink struct {
	mu sync.Mutex

	caps         Capabilities
	autoComplete bool

	appends       [][]byte
	appendBusy    bool
	appendErr     error
	failNext      int
	eosSignalled  bool
	loaded        []byte
	loadAllErr    error
	source        *SourceHandle
	loadCalled    int
	startCalls    int
	startErr      error
	startedAtCall bool

	position   time.Duration
	buffered   time.Duration
	paused     bool
	ended      bool
	readyState ReadyState

	shutdownTag ShutdownTag

	events chan Event
	closed bool
}

// NewMockSink creates a mock sink with the given capabilities. Appends
// complete automatically unless SetAutoComplete(false) is called.
func NewMockSink(caps Capabilities) *MockSink {
	return &MockSink{
		caps:         caps,
		autoComplete: true,
		paused:       true,
		events:       make(chan Event, 64),
	}
}

// SetAutoComplete controls whether Append immediately queues an
// EventAppendDone. Tests exercising the chunk queue disable it and call
// CompleteAppend themselves.
func (m *MockSink) SetAutoComplete(v bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.autoComplete = v
}

// SetAppendError makes the next Append calls fail with err.
func (m *MockSink) SetAppendError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.appendErr = err
}

// FailNextAppends makes the next n Append calls fail.
func (m *MockSink) FailNextAppends(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = n
}

// SetStartError makes Start return err.
func (m *MockSink) SetStartError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.startErr = err
}

// SetLoadAllError makes LoadAll return err.
func (m *MockSink) SetLoadAllError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loadAllErr = err
}

// Append implements Sink.
func (m *MockSink) Append(chunk []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.appendErr != nil {
		return m.appendErr
	}
	if m.failNext > 0 {
		m.failNext--
		return errors.New("append rejected")
	}
	if m.appendBusy {
		return errors.New("append already in flight")
	}

	buf := make([]byte, len(chunk))
	copy(buf, chunk)
	m.appends = append(m.appends, buf)
	m.appendBusy = true

	if m.autoComplete {
		m.appendBusy = false
		m.emitLocked(Event{Kind: EventAppendDone})
	}
	return nil
}

// CompleteAppend finishes the in-flight append and emits EventAppendDone.
func (m *MockSink) CompleteAppend() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.appendBusy {
		return
	}
	m.appendBusy = false
	m.emitLocked(Event{Kind: EventAppendDone})
}

// EndOfStream implements Sink.
func (m *MockSink) EndOfStream() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.eosSignalled = true
}

// LoadAll implements Sink.
func (m *MockSink) LoadAll(data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.loadAllErr != nil {
		return m.loadAllErr
	}
	m.loaded = make([]byte, len(data))
	copy(m.loaded, data)
	m.readyState = ReadyEnough
	return nil
}

// SetSource implements Sink.
func (m *MockSink) SetSource(h *SourceHandle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.source = h
	return nil
}

// Load implements Sink.
func (m *MockSink) Load() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loadCalled++
}

// Start implements Sink.
func (m *MockSink) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.startCalls++
	if m.startErr != nil {
		return m.startErr
	}
	m.paused = false
	return nil
}

// Pause implements Sink.
func (m *MockSink) Pause() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.paused = true
}

// Resume implements Sink.
func (m *MockSink) Resume() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.paused = false
}

// Reset implements Sink.
func (m *MockSink) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.paused = true
	m.position = 0
	m.buffered = 0
	m.ended = false
	m.appendBusy = false
	m.appends = nil
	m.eosSignalled = false
	m.readyState = ReadyNothing
}

// Position implements Sink.
func (m *MockSink) Position() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.position
}

// BufferedAhead implements Sink.
func (m *MockSink) BufferedAhead() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.buffered
}

// Paused implements Sink.
func (m *MockSink) Paused() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.paused
}

// Ended implements Sink.
func (m *MockSink) Ended() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ended
}

// ReadyState implements Sink.
func (m *MockSink) ReadyState() ReadyState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.readyState
}

// Capabilities implements Sink.
func (m *MockSink) Capabilities() Capabilities {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.caps
}

// Events implements Sink.
func (m *MockSink) Events() <-chan Event {
	return m.events
}

// MarkShutdown implements Sink.
func (m *MockSink) MarkShutdown(tag ShutdownTag) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shutdownTag = tag
}

// ShutdownTag implements Sink.
func (m *MockSink) ShutdownTag() ShutdownTag {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.shutdownTag
}

// ClearShutdown implements Sink.
func (m *MockSink) ClearShutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shutdownTag = ShutdownNone
}

// Close implements Sink.
func (m *MockSink) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	close(m.events)
}

// Test helpers to drive sink state.

// SetPosition sets the reported playback position.
func (m *MockSink) SetPosition(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.position = d
}

// SetBufferedAhead sets the reported buffered-ahead duration.
func (m *MockSink) SetBufferedAhead(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.buffered = d
}

// SetReadyState sets the reported ready state.
func (m *MockSink) SetReadyState(r ReadyState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readyState = r
}

// EmitMetadata injects an EventMetadata, raising the ready state.
func (m *MockSink) EmitMetadata() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.readyState < ReadyMetadata {
		m.readyState = ReadyMetadata
	}
	m.emitLocked(Event{Kind: EventMetadata})
}

// EmitCanPlayThrough injects the sufficiently-buffered signal.
func (m *MockSink) EmitCanPlayThrough() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readyState = ReadyEnough
	m.emitLocked(Event{Kind: EventCanPlayThrough})
}

// EmitEnded injects the natural-end signal.
func (m *MockSink) EmitEnded() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ended = true
	m.paused = true
	m.emitLocked(Event{Kind: EventEnded})
}

// EmitError injects a playback error event.
func (m *MockSink) EmitError(code ErrorCode, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.emitLocked(Event{Kind: EventError, Code: code, Err: err})
}

// Appends returns the chunks appended so far, in submission order.
func (m *MockSink) Appends() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]byte, len(m.appends))
	copy(out, m.appends)
	return out
}

// EndOfStreamSignalled reports whether EndOfStream was called.
func (m *MockSink) EndOfStreamSignalled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.eosSignalled
}

// Loaded returns the buffer handed to LoadAll, or nil.
func (m *MockSink) Loaded() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loaded
}

// Source returns the handle bound via SetSource, or nil.
func (m *MockSink) Source() *SourceHandle {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.source
}

// LoadCalls returns how many times Load was triggered.
func (m *MockSink) LoadCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loadCalled
}

// StartCalls returns how many times Start was attempted.
func (m *MockSink) StartCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.startCalls
}

func (m *MockSink) emitLocked(ev Event) {
	if m.closed {
		return
	}
	select {
	case m.events <- ev:
	default:
	}
}
