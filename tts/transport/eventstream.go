package transport

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/charmbracelet/log"
)

// EventStream implements the line-delimited delta protocol. Each event
// carries either a base64 audio fragment or an explicit server error;
// lines may be split across network reads, so a trailing partial line is
// buffered until complete.
type EventStream struct {
	Client *http.Client
}

type eventStreamRequest struct {
	Input        string `json:"input"`
	Voice        string `json:"voice"`
	Model        string `json:"model"`
	StreamFormat string `json:"stream_format"`
}

// deltaEvent is one parsed event from the stream.
type deltaEvent struct {
	Type  string `json:"type"`
	Audio string `json:"audio,omitempty"`
	Error string `json:"error,omitempty"`
}

// Open implements Transport.
func (e *EventStream) Open(ctx context.Context, req Request) (*Stream, error) {
	body, err := json.Marshal(eventStreamRequest{
		Input:        req.Input,
		Voice:        req.Voice,
		Model:        req.Model,
		StreamFormat: "sse",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode synthesis request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, req.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build synthesis request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := e.Client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail := readErrorDetail(resp.Body)
		resp.Body.Close()
		return nil, &InitError{Status: resp.StatusCode, Detail: detail}
	}

	chunks := make(chan []byte)
	done := make(chan error, 1)

	go func() {
		defer resp.Body.Close()
		defer close(chunks)
		done <- e.consume(ctx, resp.Body, chunks)
	}()

	return &Stream{Chunks: chunks, Done: done}, nil
}

// consume reads events until end of stream, an explicit server error, or
// cancellation. bufio carries partial lines across read boundaries; only
// complete lines are parsed.
func (e *EventStream) consume(ctx context.Context, body io.Reader, chunks chan<- []byte) error {
	reader := bufio.NewReader(body)

	for {
		line, err := reader.ReadString('\n')
		if err != nil && err != io.EOF {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}

		trimmed := strings.TrimRight(line, "\r\n")
		if ev, ok := parseDeltaLine(trimmed); ok {
			switch ev.Type {
			case "audio", "speech.audio.delta":
				data, decErr := base64.StdEncoding.DecodeString(ev.Audio)
				if decErr != nil {
					log.Warn("skipping undecodable audio delta", "error", decErr)
					break
				}
				select {
				case chunks <- data:
				case <-ctx.Done():
					return ctx.Err()
				}
			case "error":
				// A server-declared error overrides any partial audio
				// already delivered.
				return &ServerError{Message: ev.Error}
			default:
				log.Debug("ignoring unknown delta event", "type", ev.Type)
			}
		}

		if err == io.EOF {
			// The final line may lack a trailing newline; it was parsed
			// above before reaching here.
			return nil
		}
	}
}

// parseDeltaLine parses one complete "data: {...}" line. Blank lines and
// non-data fields are skipped.
func parseDeltaLine(line string) (deltaEvent, bool) {
	var ev deltaEvent
	if !strings.HasPrefix(line, "data:") {
		return ev, false
	}
	payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
	if payload == "" || payload == "[DONE]" {
		return ev, false
	}
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		log.Warn("skipping malformed delta event", "error", err)
		return ev, false
	}
	return ev, true
}
