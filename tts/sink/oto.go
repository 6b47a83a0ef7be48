package sink

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/ebitengine/oto/v3"
	"github.com/hajimehoshi/go-mp3"
)

const (
	// otoBytesPerFrame is the decoded frame size: go-mp3 always emits
	// 16-bit stereo.
	otoBytesPerFrame = 4

	// nominalBitrate is used to estimate buffered duration from compressed
	// byte counts before the stream is fully decoded.
	nominalBitrate = 128_000 // bits per second

	monitorInterval = 100 * time.Millisecond
)

var (
	otoContext     *oto.Context
	otoContextRate int
	otoContextErr  error
	otoContextOnce sync.Once
)

// audioContext returns the process-wide oto context, creating it on first
// use. oto allows a single context per process, so the first sample rate
// wins; go-mp3 resamples everything it decodes to the source rate, which in
// practice is constant per backend.
func audioContext(sampleRate int) (*oto.Context, error) {
	otoContextOnce.Do(func() {
		ctx, ready, err := oto.NewContext(&oto.NewContextOptions{
			SampleRate:   sampleRate,
			ChannelCount: 2,
			Format:       oto.FormatSignedInt16LE,
		})
		if err != nil {
			otoContextErr = fmt.Errorf("failed to create audio context: %w", err)
			return
		}
		<-ready
		otoContext = ctx
		otoContextRate = sampleRate
	})
	if otoContextErr != nil {
		return nil, otoContextErr
	}
	if otoContextRate != sampleRate {
		log.Warn("audio context sample rate mismatch",
			"context", otoContextRate, "stream", sampleRate)
	}
	return otoContext, nil
}

// countingReader tracks how many decoded bytes have been consumed by the
// player, which is the authoritative playback position.
type countingReader struct {
	r io.Reader

	mu sync.Mutex
	n  int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	if n > 0 {
		c.mu.Lock()
		c.n += int64(n)
		c.mu.Unlock()
	}
	return n, err
}

func (c *countingReader) Count() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

// OtoSink is the production Sink. Appended MP3 bytes are fed through an
// io.Pipe into a streaming go-mp3 decoder, so playback can begin while the
// stream is still arriving; the full-decode and direct-source paths decode
// through the same decoder from a complete buffer or an opened handle.
type OtoSink struct {
	mu sync.Mutex

	pw *io.PipeWriter
	pr *io.PipeReader

	decoder  *mp3.Decoder
	counting *countingReader
	player   *oto.Player
	source   *SourceHandle

	sampleRate    int
	appendedBytes int64
	appendBusy    bool
	eos           bool
	started       bool
	ended         bool
	readyState    ReadyState
	shutdownTag   ShutdownTag

	events      chan Event
	monitorStop chan struct{}
	monitorOnce sync.Once
	closed      bool
}

// NewOtoSink creates a production sink. The underlying audio device is not
// touched until playback starts.
func NewOtoSink() *OtoSink {
	return &OtoSink{
		events:      make(chan Event, 64),
		monitorStop: make(chan struct{}),
		readyState:  ReadyNothing,
	}
}

// Capabilities implements Sink. The streaming decoder supports both the
// progressive append path and direct source loading.
func (s *OtoSink) Capabilities() Capabilities {
	return Capabilities{ProgressiveAppend: true, DirectSource: true}
}

// Append implements Sink. The pipe write happens off the caller's
// goroutine because the decoder applies backpressure; completion is
// reported via EventAppendDone.
func (s *OtoSink) Append(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errors.New("sink is closed")
	}
	if s.appendBusy {
		return errors.New("append already in flight")
	}
	if s.eos {
		return errors.New("append after end of stream")
	}

	s.ensurePipeLocked()
	s.appendBusy = true
	pw := s.pw

	go func() {
		_, err := pw.Write(chunk)

		s.mu.Lock()
		s.appendBusy = false
		s.appendedBytes += int64(len(chunk))
		s.emitLocked(Event{Kind: EventAppendDone, Err: err})
		s.mu.Unlock()
	}()
	return nil
}

// EndOfStream implements Sink.
func (s *OtoSink) EndOfStream() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.eos {
		return
	}
	s.eos = true
	if s.pw != nil {
		s.pw.Close()
	}
}

// LoadAll implements Sink. The buffer is decoded in full before playback.
func (s *OtoSink) LoadAll(data []byte) error {
	dec, err := mp3.NewDecoder(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("mp3 decode failed: %w", err)
	}
	pcm, err := io.ReadAll(dec)
	if err != nil {
		return fmt.Errorf("mp3 decode failed: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.sampleRate = dec.SampleRate()
	s.counting = &countingReader{r: bytes.NewReader(pcm)}
	s.appendedBytes = int64(len(data))
	s.eos = true
	s.readyState = ReadyEnough
	s.emitLocked(Event{Kind: EventMetadata})
	return nil
}

// SetSource implements Sink.
func (s *OtoSink) SetSource(h *SourceHandle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("sink is closed")
	}
	s.source = h
	return nil
}

// Load implements Sink. It opens the bound source and feeds it through the
// streaming decoder, emitting the same events as the append path.
func (s *OtoSink) Load() {
	s.mu.Lock()
	h := s.source
	s.mu.Unlock()
	if h == nil {
		return
	}

	go func() {
		rc, err := h.Open()
		if err != nil {
			s.mu.Lock()
			s.emitLocked(Event{Kind: EventError, Code: CodeNetwork, Err: err})
			s.mu.Unlock()
			return
		}
		defer rc.Close()

		s.mu.Lock()
		s.ensurePipeLocked()
		pw := s.pw
		s.mu.Unlock()

		n, err := io.Copy(pw, rc)

		s.mu.Lock()
		s.appendedBytes += n
		s.eos = true
		s.mu.Unlock()
		if err != nil {
			pw.CloseWithError(err)
			return
		}
		pw.Close()
	}()
}

// Start implements Sink.
func (s *OtoSink) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return nil
	}
	if s.counting == nil {
		return errors.New("no audio source to play")
	}
	if s.sampleRate == 0 {
		return errors.New("audio metadata not yet available")
	}

	ctx, err := audioContext(s.sampleRate)
	if err != nil {
		return err
	}

	s.player = ctx.NewPlayer(s.counting)
	s.player.Play()
	s.started = true

	s.monitorOnce.Do(func() { go s.monitor() })
	return nil
}

// Pause implements Sink.
func (s *OtoSink) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.player != nil {
		s.player.Pause()
	}
}

// Resume implements Sink.
func (s *OtoSink) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.player != nil && !s.ended {
		s.player.Play()
	}
}

// Reset implements Sink.
func (s *OtoSink) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetLocked()
}

func (s *OtoSink) resetLocked() {
	if s.player != nil {
		s.player.Pause()
		s.player.Close()
		s.player = nil
	}
	if s.pw != nil {
		s.pw.CloseWithError(io.ErrClosedPipe)
		s.pw = nil
		s.pr = nil
	}
	s.decoder = nil
	s.counting = nil
	s.source = nil
	s.sampleRate = 0
	s.appendedBytes = 0
	s.appendBusy = false
	s.eos = false
	s.started = false
	s.ended = false
	s.readyState = ReadyNothing
}

// Position implements Sink.
func (s *OtoSink) Position() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.positionLocked()
}

func (s *OtoSink) positionLocked() time.Duration {
	if s.counting == nil || s.sampleRate == 0 {
		return 0
	}
	frames := s.counting.Count() / otoBytesPerFrame
	pos := time.Duration(frames) * time.Second / time.Duration(s.sampleRate)
	if s.player != nil {
		// Subtract what the device still holds undelivered.
		buffered := time.Duration(s.player.BufferedSize()/otoBytesPerFrame) *
			time.Second / time.Duration(s.sampleRate)
		if buffered < pos {
			pos -= buffered
		}
	}
	return pos
}

// BufferedAhead implements Sink. Before the stream is fully decoded the
// compressed byte count only supports an estimate, which is good enough
// for the readiness heuristic.
func (s *OtoSink) BufferedAhead() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	total := time.Duration(s.appendedBytes*8) * time.Second / nominalBitrate
	pos := s.positionLocked()
	if total <= pos {
		return 0
	}
	return total - pos
}

// Paused implements Sink.
func (s *OtoSink) Paused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.player == nil {
		return !s.started
	}
	return !s.player.IsPlaying()
}

// Ended implements Sink.
func (s *OtoSink) Ended() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ended
}

// ReadyState implements Sink.
func (s *OtoSink) ReadyState() ReadyState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readyState
}

// Events implements Sink.
func (s *OtoSink) Events() <-chan Event {
	return s.events
}

// MarkShutdown implements Sink.
func (s *OtoSink) MarkShutdown(tag ShutdownTag) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shutdownTag = tag
}

// ShutdownTag implements Sink.
func (s *OtoSink) ShutdownTag() ShutdownTag {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shutdownTag
}

// ClearShutdown implements Sink.
func (s *OtoSink) ClearShutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shutdownTag = ShutdownNone
}

// Close implements Sink.
func (s *OtoSink) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.resetLocked()
	close(s.monitorStop)
	close(s.events)
}

// ensurePipeLocked lazily creates the streaming decode pipeline on the
// first byte of data. mp3.NewDecoder blocks until it has read the first
// frame header, so decoder setup runs off to the side and reports
// metadata when it completes.
func (s *OtoSink) ensurePipeLocked() {
	if s.pw != nil {
		return
	}
	s.pr, s.pw = io.Pipe()
	pr := s.pr

	go func() {
		dec, err := mp3.NewDecoder(pr)

		s.mu.Lock()
		defer s.mu.Unlock()
		if s.closed || s.pr != pr {
			return
		}
		if err != nil {
			s.emitLocked(Event{Kind: EventError, Code: CodeDecode,
				Err: fmt.Errorf("mp3 decode failed: %w", err)})
			return
		}
		s.decoder = dec
		s.counting = &countingReader{r: dec}
		s.sampleRate = dec.SampleRate()
		if s.readyState < ReadyMetadata {
			s.readyState = ReadyMetadata
		}
		s.emitLocked(Event{Kind: EventMetadata})
	}()
}

// monitor watches the device player for natural completion and read
// errors.
func (s *OtoSink) monitor() {
	ticker := time.NewTicker(monitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.monitorStop:
			return
		case <-ticker.C:
			s.mu.Lock()
			if s.player == nil || s.ended {
				s.mu.Unlock()
				continue
			}
			if err := s.player.Err(); err != nil {
				s.emitLocked(Event{Kind: EventError, Code: CodeDecode, Err: err})
				s.mu.Unlock()
				continue
			}
			// The device stops asking for data once the decoder hits EOF
			// and its buffer drains.
			if s.eos && !s.player.IsPlaying() && s.player.BufferedSize() == 0 {
				s.ended = true
				s.emitLocked(Event{Kind: EventEnded})
			}
			s.mu.Unlock()
		}
	}
}

func (s *OtoSink) emitLocked(ev Event) {
	if s.closed {
		return
	}
	select {
	case s.events <- ev:
	default:
		log.Warn("sink event dropped", "kind", ev.Kind)
	}
}
