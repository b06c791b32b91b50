package stt

import (
	"context"
	"time"
)

// Utterance is a span of buffered speech handed to a recognizer. Final marks
// the end of the user's turn; interim spans refine the live caption.
type Utterance struct {
	PCM        []byte
	SampleRate int
	Channels   int
	Final      bool
}

// Duration reports how much audio the utterance holds, assuming 16-bit
// little-endian samples.
func (u Utterance) Duration() time.Duration {
	bytesPerSecond := u.SampleRate * u.Channels * 2
	if bytesPerSecond <= 0 {
		return 0
	}
	return time.Duration(len(u.PCM)) * time.Second / time.Duration(bytesPerSecond)
}

// Result is recognizer output. Confidence is in [0, 1] where the backend
// reports one, zero otherwise.
type Result struct {
	Text       string
	Confidence float64
}

// Recognizer turns buffered speech into text.
type Recognizer interface {
	Transcribe(ctx context.Context, utt Utterance) (Result, error)
}
