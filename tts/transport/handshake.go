package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/charmbracelet/log"

	"github.com/lingokit/speech/tts/sink"
)

// Handshake implements the two-phase protocol: an init POST returns a
// stream identifier (and optionally a short-lived token), then the stream
// URL is bound as the sink's direct source and the sink reads it on its
// own schedule.
type Handshake struct {
	Client *http.Client
}

type handshakeRequest struct {
	Input          string  `json:"input"`
	Voice          string  `json:"voice"`
	Model          string  `json:"model"`
	Speed          float64 `json:"speed"`
	ResponseFormat string  `json:"response_format"`
}

// initResponse tolerates the historical key aliases some backend versions
// used for the stream identifier. TODO: drop the aliases once the backend
// contract confirms only stream_id remains in use.
type initResponse struct {
	StreamID  string `json:"stream_id"`
	StreamID2 string `json:"streamId"`
	Stream    string `json:"stream"`
	ID        string `json:"id"`
	Token     string `json:"token"`
}

func (r *initResponse) streamID() string {
	for _, id := range []string{r.StreamID, r.StreamID2, r.Stream, r.ID} {
		if id != "" {
			return id
		}
	}
	return ""
}

// Open implements Transport. A failed init fails the session immediately;
// a successful init missing the stream identifier is a protocol-contract
// violation and is never retried.
func (h *Handshake) Open(ctx context.Context, req Request) (*Stream, error) {
	body, err := json.Marshal(handshakeRequest{
		Input:          req.Input,
		Voice:          req.Voice,
		Model:          req.Model,
		Speed:          req.Speed,
		ResponseFormat: req.Format,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode init request: %w", err)
	}

	initCtx, cancel := context.WithTimeout(ctx, openTimeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(initCtx, http.MethodPost, req.Endpoint+"/init", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build init request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := h.Client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &InitError{Status: resp.StatusCode, Detail: readErrorDetail(resp.Body)}
	}

	var init initResponse
	if err := json.NewDecoder(resp.Body).Decode(&init); err != nil {
		return nil, fmt.Errorf("failed to decode init response: %w", err)
	}

	id := init.streamID()
	if id == "" {
		return nil, ErrMissingStreamID
	}

	streamURL := req.Endpoint + "/stream/" + url.PathEscape(id)
	if init.Token != "" {
		streamURL += "?token=" + url.QueryEscape(init.Token)
	}
	log.Debug("stream handshake complete", "streamID", id, "hasToken", init.Token != "")

	handle := sink.NewSourceHandle(func() (io.ReadCloser, error) {
		streamReq, err := http.NewRequestWithContext(ctx, http.MethodGet, streamURL, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to build stream request: %w", err)
		}
		streamResp, err := h.Client.Do(streamReq)
		if err != nil {
			return nil, err
		}
		if streamResp.StatusCode < 200 || streamResp.StatusCode >= 300 {
			detail := readErrorDetail(streamResp.Body)
			streamResp.Body.Close()
			return nil, &InitError{Status: streamResp.StatusCode, Detail: detail}
		}
		return streamResp.Body, nil
	}, nil)

	return &Stream{Handle: handle}, nil
}
