package playback

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// fileSink writes one WAV file per unit into a directory, named so that
// lexical order equals playback order. Useful for headless boxes where an
// external player watches the directory, and for debugging voices.
type fileSink struct {
	dir    string
	logger *slog.Logger
}

func NewFileSink(dir string, logger *slog.Logger) (Sink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create playback dir: %w", err)
	}
	return &fileSink{
		dir:    dir,
		logger: logger.With(slog.String("component", "playback-file")),
	}, nil
}

func (s *fileSink) Play(ctx context.Context, unit Unit) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	name := fmt.Sprintf("%s_%04d.wav", unit.TurnID, unit.Seq)
	path := filepath.Join(s.dir, name)
	tmp := path + ".tmp"

	if err := writeWav(tmp, unit); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("finalize wav: %w", err)
	}
	s.logger.Debug("wrote audio unit", slog.String("path", path), slog.Int("seq", unit.Seq))
	return nil
}

func (s *fileSink) Done(_ context.Context, sessionID, turnID string, aborted bool) error {
	s.logger.Info("turn audio complete",
		slog.String("session_id", sessionID),
		slog.String("turn_id", turnID),
		slog.Bool("aborted", aborted))
	return nil
}

func writeWav(path string, unit Unit) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create wav: %w", err)
	}
	defer f.Close()

	enc := wav.NewEncoder(f, unit.Audio.SampleRate, 16, unit.Audio.Channels, 1)
	samples := make([]int, len(unit.Audio.PCM)/2)
	for i := range samples {
		samples[i] = int(int16(binary.LittleEndian.Uint16(unit.Audio.PCM[i*2:])))
	}
	buf := &audio.IntBuffer{
		Format: &audio.Format{
			NumChannels: unit.Audio.Channels,
			SampleRate:  unit.Audio.SampleRate,
		},
		Data:           samples,
		SourceBitDepth: 16,
	}
	if err := enc.Write(buf); err != nil {
		enc.Close()
		return fmt.Errorf("write wav: %w", err)
	}
	return enc.Close()
}
