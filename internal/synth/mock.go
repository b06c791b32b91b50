package synth

import (
	"context"
	"strings"
	"time"
)

// mockBackend is a local rule-based voice stand-in: it produces silence with
// a duration proportional to the text, which keeps the pipeline exercisable
// without any model installed. It also serves as the fallback of last resort.
type mockBackend struct {
	sampleRate int
	channels   int
}

func NewMockBackend(sampleRate, channels int) Backend {
	return &mockBackend{sampleRate: sampleRate, channels: channels}
}

func (m *mockBackend) ID() string { return "mock" }

func (m *mockBackend) Synthesize(ctx context.Context, req Request) (Audio, error) {
	if strings.TrimSpace(req.Text) == "" {
		return Audio{}, newError(m.ID(), ReasonInvalidInput, nil)
	}
	select {
	case <-ctx.Done():
		return Audio{}, classify(m.ID(), ctx.Err())
	case <-time.After(10 * time.Millisecond):
	}

	words := len(strings.Fields(req.Text))
	duration := 100*time.Millisecond + time.Duration(words)*40*time.Millisecond
	samples := int(duration.Seconds() * float64(m.sampleRate))
	pcm := make([]byte, samples*m.channels*2)

	return Audio{
		PCM:        pcm,
		SampleRate: m.sampleRate,
		Channels:   m.channels,
		Duration:   duration,
	}, nil
}
