package tts

import (
	"context"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/lingokit/speech/tts/sink"
	"github.com/lingokit/speech/tts/transport"
)

// Session is the unit of work for one Play call. It settles exactly once:
// with nil when playback reaches its natural end or is superseded after
// audible progress, and with a *PlaybackError otherwise.
type Session struct {
	text      string
	variant   transport.Variant
	startedAt time.Time

	ctx    context.Context
	cancel context.CancelFunc

	machine *StateMachine
	handle  *sink.SourceHandle

	mu       sync.Mutex
	err      error
	settled  bool
	finished bool
	done     chan struct{}
	loopDone chan struct{}
}

func newSession(text string, variant transport.Variant) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		text:      text,
		variant:   variant,
		startedAt: time.Now(),
		ctx:       ctx,
		cancel:    cancel,
		machine:   NewStateMachine(),
		done:      make(chan struct{}),
		loopDone:  make(chan struct{}),
	}
	s.machine.OnEnter(StatePlaying, func() {
		log.Debug("audio started", "latency", time.Since(s.startedAt))
	})
	s.machine.OnEnter(StateEnded, func() {
		log.Debug("playback finished", "elapsed", time.Since(s.startedAt))
	})
	return s
}

// newSettledSession returns a session that is already settled with err.
func newSettledSession(err error) *Session {
	s := newSession("", transport.ProgressiveSink)
	close(s.loopDone)
	s.settle(err)
	return s
}

// Variant returns the transport variant chosen for this session.
func (s *Session) Variant() transport.Variant {
	return s.variant
}

// State returns the session's current playback state.
func (s *Session) State() StateType {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.machine.Current()
}

// Done returns a channel closed when the session settles.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Err returns the session outcome. It is only meaningful once Done is
// closed: nil means playback completed (or was superseded after progress),
// a *PlaybackError carries the failure reason.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Wait blocks until the session settles or ctx is done, and returns the
// session outcome.
func (s *Session) Wait(ctx context.Context) error {
	select {
	case <-s.done:
		return s.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// settle records the outcome. Only the first call has any effect; later
// calls from other teardown paths are ignored.
func (s *Session) settle(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.settled {
		return
	}
	s.settled = true
	s.err = err
	close(s.done)
}

// markFinished records that playback reached its natural end, which is
// what gates the completion callbacks.
func (s *Session) markFinished() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finished = true
}

// finishedNaturally reports whether playback reached its natural end.
func (s *Session) finishedNaturally() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finished
}

// transition moves the session state machine, serialized with settle.
func (s *Session) transition(to StateType) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.machine.Transition(to)
}
