package playback

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/tars-ai/tars-core/internal/bus"
	"github.com/tars-ai/tars-core/internal/protocol"
)

// busSink publishes sequenced audio chunks for playback targets (satellite
// speakers, the GUI) subscribed on the bus.
type busSink struct {
	bus    *bus.Client
	target string
	logger *slog.Logger
}

func NewBusSink(busClient *bus.Client, target string, logger *slog.Logger) Sink {
	return &busSink{
		bus:    busClient,
		target: target,
		logger: logger.With(slog.String("component", "playback-bus")),
	}
}

func (s *busSink) Play(_ context.Context, unit Unit) error {
	err := s.bus.PublishJSON(protocol.SubjectTTSAudio, protocol.AudioChunk{
		SessionID:  unit.SessionID,
		TurnID:     unit.TurnID,
		Target:     s.target,
		Seq:        unit.Seq,
		SampleRate: unit.Audio.SampleRate,
		Channels:   unit.Audio.Channels,
		PCM:        unit.Audio.PCM,
	})
	if err != nil {
		return fmt.Errorf("audio chunk: %w", err)
	}
	return nil
}

func (s *busSink) Done(_ context.Context, sessionID, turnID string, aborted bool) error {
	status := protocol.TurnStatus{
		SessionID: sessionID,
		TurnID:    turnID,
		Completed: !aborted,
		Timestamp: time.Now().UTC(),
	}
	if aborted {
		status.Error = "interrupted"
	}
	if err := s.bus.PublishJSON(protocol.SubjectTTSDone, status); err != nil {
		return fmt.Errorf("tts done: %w", err)
	}
	return nil
}
