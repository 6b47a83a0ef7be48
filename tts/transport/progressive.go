package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/charmbracelet/log"
)

// Progressive implements the single-request streaming protocol: one POST
// whose response body is the audio container, read incrementally and
// forwarded chunk by chunk as it arrives.
type Progressive struct {
	Client *http.Client
}

type progressiveRequest struct {
	Input string  `json:"input"`
	Voice string  `json:"voice"`
	Model string  `json:"model"`
	Speed float64 `json:"speed"`
}

// Open implements Transport.
func (p *Progressive) Open(ctx context.Context, req Request) (*Stream, error) {
	body, err := json.Marshal(progressiveRequest{
		Input: req.Input,
		Voice: req.Voice,
		Model: req.Model,
		Speed: req.Speed,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode synthesis request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, req.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build synthesis request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.Client.Do(httpReq)
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

		buf := make([]byte, readChunkSize)
		for {
			n, err := resp.Body.Read(buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				select {
				case chunks <- chunk:
				case <-ctx.Done():
					done <- ctx.Err()
					return
				}
			}
			if err == io.EOF {
				log.Debug("progressive stream complete")
				done <- nil
				return
			}
			if err != nil {
				if ctx.Err() != nil {
					done <- ctx.Err()
					return
				}
				done <- err
				return
			}
		}
	}()

	return &Stream{Chunks: chunks, Done: done}, nil
}

// readErrorDetail extracts a short error detail from a non-success
// response body.
func readErrorDetail(r io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(r, 1024))
	if err != nil {
		return ""
	}
	return string(bytes.TrimSpace(data))
}
