package synth

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-audio/wav"
)

// httpBackend calls a remote inference server (the cloned-voice model running
// on a separate box, e.g. a Pi). Request is JSON, response body is a WAV file.
type httpBackend struct {
	endpoint  string
	authToken string
	client    *http.Client
}

type httpRequest struct {
	Text       string `json:"text"`
	Voice      string `json:"voice"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
}

func NewHTTPBackend(endpoint, authToken string, timeout time.Duration) Backend {
	return &httpBackend{
		endpoint:  endpoint,
		authToken: authToken,
		client:    &http.Client{Timeout: timeout},
	}
}

func (h *httpBackend) ID() string { return "http" }

func (h *httpBackend) Synthesize(ctx context.Context, req Request) (Audio, error) {
	body, err := json.Marshal(httpRequest{
		Text:       req.Text,
		Voice:      req.Voice,
		SampleRate: req.SampleRate,
		Channels:   req.Channels,
	})
	if err != nil {
		return Audio{}, newError(h.ID(), ReasonInvalidInput, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint, bytes.NewReader(body))
	if err != nil {
		return Audio{}, newError(h.ID(), ReasonInvalidInput, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if h.authToken != "" {
		httpReq.Header.Set("Authorization", "Bearer "+h.authToken)
	}

	resp, err := h.client.Do(httpReq)
	if err != nil {
		return Audio{}, classify(h.ID(), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return Audio{}, newError(h.ID(), ReasonUnavailable, fmt.Errorf("server returned %s", resp.Status))
	}
	if resp.StatusCode >= 400 {
		return Audio{}, newError(h.ID(), ReasonInvalidInput, fmt.Errorf("server returned %s", resp.Status))
	}

	wavBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return Audio{}, classify(h.ID(), err)
	}
	return decodeWav(h.ID(), wavBytes)
}

// decodeWav converts a WAV payload into 16-bit little-endian PCM.
func decodeWav(backend string, data []byte) (Audio, error) {
	dec := wav.NewDecoder(bytes.NewReader(data))
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return Audio{}, newError(backend, ReasonInvalidInput, fmt.Errorf("decode wav: %w", err))
	}
	if buf == nil || buf.Format == nil || len(buf.Data) == 0 {
		return Audio{}, newError(backend, ReasonInvalidInput, fmt.Errorf("empty wav payload"))
	}

	pcm := make([]byte, len(buf.Data)*2)
	for i, sample := range buf.Data {
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(int16(sample)))
	}

	sampleRate := buf.Format.SampleRate
	channels := buf.Format.NumChannels
	return Audio{
		PCM:        pcm,
		SampleRate: sampleRate,
		Channels:   channels,
		Duration:   pcmDuration(len(pcm), sampleRate, channels),
	}, nil
}
