package stt

import (
	"context"
	"fmt"
)

// mockRecognizer fabricates transcripts so the pipeline runs end to end
// without a speech model. The text reports how much audio was heard, which
// makes frame-buffering mistakes visible in downstream logs.
type mockRecognizer struct{}

func NewMockRecognizer() Recognizer {
	return &mockRecognizer{}
}

func (m *mockRecognizer) Transcribe(_ context.Context, utt Utterance) (Result, error) {
	kind := "interim"
	if utt.Final {
		kind = "utterance"
	}
	return Result{
		Text:       fmt.Sprintf("heard %.1fs %s", utt.Duration().Seconds(), kind),
		Confidence: 1,
	}, nil
}
