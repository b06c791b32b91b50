package synth

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Request contains parameters to synthesize one sentence of speech.
type Request struct {
	Text       string
	Voice      string
	SampleRate int
	Channels   int
}

// Audio is the synthesized output for one sentence.
type Audio struct {
	PCM        []byte
	SampleRate int
	Channels   int
	Duration   time.Duration
}

// Backend is the contract for producing audio from text.
type Backend interface {
	// ID identifies the backend for cache keys and fallback logging.
	ID() string
	Synthesize(ctx context.Context, req Request) (Audio, error)
}

// Reason classifies synthesis failures.
type Reason string

const (
	ReasonUnavailable  Reason = "unavailable"
	ReasonTimeout      Reason = "timeout"
	ReasonInvalidInput Reason = "invalid_input"
)

// Error is a synthesis failure attributable to one backend. The dispatcher
// falls back to the next ranked backend on any Error.
type Error struct {
	Backend string
	Reason  Reason
	Err     error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("synth %s: %s", e.Backend, e.Reason)
	}
	return fmt.Sprintf("synth %s: %s: %v", e.Backend, e.Reason, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(backend string, reason Reason, err error) *Error {
	return &Error{Backend: backend, Reason: reason, Err: err}
}

// classify wraps an arbitrary backend error, mapping context expiry to the
// timeout reason.
func classify(backend string, err error) *Error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return newError(backend, ReasonTimeout, err)
	}
	return newError(backend, ReasonUnavailable, err)
}

// pcmDuration computes playback length for 16-bit PCM.
func pcmDuration(pcmLen, sampleRate, channels int) time.Duration {
	if sampleRate <= 0 || channels <= 0 {
		return 0
	}
	samples := pcmLen / 2 / channels
	return time.Duration(samples) * time.Second / time.Duration(sampleRate)
}
