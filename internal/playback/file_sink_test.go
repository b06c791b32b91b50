package playback

import (
	"context"
	"encoding/binary"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-audio/wav"

	"github.com/tars-ai/tars-core/internal/synth"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestFileSinkWritesDecodableWav(t *testing.T) {
	dir := t.TempDir()
	sink, err := NewFileSink(dir, newLogger())
	if err != nil {
		t.Fatalf("new file sink: %v", err)
	}

	pcm := make([]byte, 8)
	samples := []int16{100, -100, 2000, -2000}
	binary.LittleEndian.PutUint16(pcm[0:], uint16(samples[0]))
	binary.LittleEndian.PutUint16(pcm[2:], uint16(samples[1]))
	binary.LittleEndian.PutUint16(pcm[4:], uint16(samples[2]))
	binary.LittleEndian.PutUint16(pcm[6:], uint16(samples[3]))

	unit := Unit{
		SessionID: "s1",
		TurnID:    "turn-a",
		Seq:       3,
		Audio:     synth.Audio{PCM: pcm, SampleRate: 22050, Channels: 1},
	}
	if err := sink.Play(context.Background(), unit); err != nil {
		t.Fatalf("play: %v", err)
	}
	if err := sink.Done(context.Background(), "s1", "turn-a", false); err != nil {
		t.Fatalf("done: %v", err)
	}

	path := filepath.Join(dir, "turn-a_0003.wav")
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("expected wav file at %s: %v", path, err)
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		t.Fatalf("decode wav: %v", err)
	}
	if len(buf.Data) != 4 {
		t.Fatalf("expected 4 samples, got %d", len(buf.Data))
	}
	if buf.Data[0] != 100 || buf.Data[3] != -2000 {
		t.Fatalf("unexpected samples: %v", buf.Data)
	}
}

func TestFileSinkRespectsCancelledContext(t *testing.T) {
	sink, err := NewFileSink(t.TempDir(), newLogger())
	if err != nil {
		t.Fatalf("new file sink: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := sink.Play(ctx, Unit{TurnID: "t", Audio: synth.Audio{SampleRate: 22050, Channels: 1}}); err == nil {
		t.Fatal("expected error from cancelled context")
	}
}
