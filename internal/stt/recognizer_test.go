package stt

import (
	"context"
	"testing"
	"time"
)

func TestUtteranceDuration(t *testing.T) {
	// 16kHz mono 16-bit: 32000 bytes per second.
	utt := Utterance{PCM: make([]byte, 16000), SampleRate: 16000, Channels: 1}
	if got := utt.Duration(); got != 500*time.Millisecond {
		t.Fatalf("expected 500ms, got %v", got)
	}
	if got := (Utterance{PCM: make([]byte, 100)}).Duration(); got != 0 {
		t.Fatalf("expected zero duration without a sample rate, got %v", got)
	}
}

func TestMockRecognizerReportsHeardAudio(t *testing.T) {
	rec := NewMockRecognizer()
	res, err := rec.Transcribe(context.Background(), Utterance{
		PCM:        make([]byte, 32000),
		SampleRate: 16000,
		Channels:   1,
		Final:      true,
	})
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if res.Text != "heard 1.0s utterance" {
		t.Fatalf("unexpected transcript: %q", res.Text)
	}
	res, _ = rec.Transcribe(context.Background(), Utterance{SampleRate: 16000, Channels: 1})
	if res.Text != "heard 0.0s interim" {
		t.Fatalf("unexpected interim transcript: %q", res.Text)
	}
}
