package sink

import (
	"github.com/charmbracelet/log"
)

// Appender serializes chunk appends into a sink. The sink accepts one
// in-flight append at a time; chunks arriving during that window are queued
// and drained strictly in arrival order. End-of-stream is only signalled
// once the queue is empty and no append is in flight.
//
// An Appender belongs to a single session goroutine and is not safe for
// concurrent use.
type Appender struct {
	sink      Sink
	cancelled func() bool

	queue     [][]byte
	inFlight  bool
	finishing bool
	finished  bool
	appended  int
}

// NewAppender creates an appender for the given sink. cancelled is checked
// before every queued pop; a cancelled session never appends further data.
func NewAppender(s Sink, cancelled func() bool) *Appender {
	if cancelled == nil {
		cancelled = func() bool { return false }
	}
	return &Appender{sink: s, cancelled: cancelled}
}

// Push appends the chunk now, or queues it if an append is already in
// flight.
func (a *Appender) Push(chunk []byte) {
	if a.finished || a.cancelled() {
		return
	}
	if a.inFlight {
		a.queue = append(a.queue, chunk)
		return
	}
	a.submit(chunk)
}

// AppendDone must be called when the sink reports that the in-flight
// append completed. It drains the next queued chunk, or signals
// end-of-stream if the network reader has already finished.
func (a *Appender) AppendDone() {
	a.inFlight = false
	if a.cancelled() {
		a.queue = nil
		return
	}
	for len(a.queue) > 0 {
		next := a.queue[0]
		a.queue = a.queue[1:]
		a.submit(next)
		if a.inFlight {
			return
		}
		// Append was rejected and skipped; keep draining.
		if a.cancelled() {
			a.queue = nil
			return
		}
	}
	a.maybeFinish()
}

// Finish marks the network stream as complete. End-of-stream is deferred
// until all queued chunks have been appended.
func (a *Appender) Finish() {
	a.finishing = true
	if !a.inFlight && len(a.queue) == 0 {
		a.maybeFinish()
	}
}

// Pending returns the number of queued chunks, excluding any in-flight
// append.
func (a *Appender) Pending() int {
	return len(a.queue)
}

// InFlight reports whether an append is currently awaiting completion.
func (a *Appender) InFlight() bool {
	return a.inFlight
}

// Appended returns the number of chunks submitted to the sink so far.
func (a *Appender) Appended() int {
	return a.appended
}

func (a *Appender) submit(chunk []byte) {
	if err := a.sink.Append(chunk); err != nil {
		// A single rejected chunk should not kill an otherwise playable
		// stream; log and move on to the next one.
		log.Warn("chunk append rejected", "bytes", len(chunk), "error", err)
		return
	}
	a.inFlight = true
	a.appended++
}

func (a *Appender) maybeFinish() {
	if a.finishing && !a.finished {
		a.finished = true
		a.sink.EndOfStream()
	}
}
