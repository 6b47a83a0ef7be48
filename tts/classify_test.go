package tts

import (
	"errors"
	"testing"
	"time"

	"github.com/lingokit/speech/tts/sink"
)

func TestClassify(t *testing.T) {
	errEvent := sink.Event{
		Kind: sink.EventError,
		Code: sink.CodeDecode,
		Err:  errors.New("decode failed"),
	}

	tests := []struct {
		name        string
		snap        SinkSnapshot
		recoverable bool
		reason      string
	}{
		{
			name: "shutdown marker suppresses the error",
			snap: SinkSnapshot{
				ShutdownTag: sink.ShutdownRestart,
				Position:    2 * time.Second,
			},
			recoverable: true,
			reason:      "restart",
		},
		{
			name: "shutdown marker wins even with zero position",
			snap: SinkSnapshot{
				ShutdownTag: sink.ShutdownStop,
				Position:    0,
			},
			recoverable: true,
			reason:      "stop",
		},
		{
			name:        "no progress is fatal",
			snap:        SinkSnapshot{Position: 0},
			recoverable: false,
			reason:      sink.CodeDecode.Message(),
		},
		{
			name: "advancing despite the error is recoverable",
			snap: SinkSnapshot{
				Position:      time.Second,
				Paused:        false,
				Ended:         false,
				BufferedAhead: 200 * time.Millisecond,
			},
			recoverable: true,
			reason:      "playback still advancing",
		},
		{
			name: "advanced but paused is fatal",
			snap: SinkSnapshot{
				Position:      time.Second,
				Paused:        true,
				BufferedAhead: 200 * time.Millisecond,
			},
			recoverable: false,
		},
		{
			name: "advanced but ended is fatal",
			snap: SinkSnapshot{
				Position:      time.Second,
				Ended:         true,
				BufferedAhead: 200 * time.Millisecond,
			},
			recoverable: false,
		},
		{
			name: "advanced with nothing buffered is fatal",
			snap: SinkSnapshot{
				Position:      time.Second,
				BufferedAhead: 0,
			},
			recoverable: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(errEvent, tt.snap)
			if got.Recoverable != tt.recoverable {
				t.Errorf("Recoverable = %v, want %v", got.Recoverable, tt.recoverable)
			}
			if tt.reason != "" && got.Reason != tt.reason {
				t.Errorf("Reason = %q, want %q", got.Reason, tt.reason)
			}
		})
	}
}

func TestSnapshotSink(t *testing.T) {
	ms := sink.NewMockSink(sink.Capabilities{ProgressiveAppend: true})
	ms.SetPosition(3 * time.Second)
	ms.SetBufferedAhead(400 * time.Millisecond)
	ms.Resume()
	ms.MarkShutdown(sink.ShutdownRestart)

	snap := snapshotSink(ms)
	if snap.Position != 3*time.Second {
		t.Errorf("Position = %v", snap.Position)
	}
	if snap.BufferedAhead != 400*time.Millisecond {
		t.Errorf("BufferedAhead = %v", snap.BufferedAhead)
	}
	if snap.Paused {
		t.Error("Paused should be false after Resume")
	}
	if snap.ShutdownTag != sink.ShutdownRestart {
		t.Errorf("ShutdownTag = %q", snap.ShutdownTag)
	}
}
