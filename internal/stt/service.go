package stt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/tars-ai/tars-core/internal/bus"
	"github.com/tars-ai/tars-core/internal/config"
	"github.com/tars-ai/tars-core/internal/protocol"
)

// transcribeTimeout bounds a single recognizer call; a wedged model command
// must not pin a session's capture forever.
const transcribeTimeout = 45 * time.Second

// Service buffers audio frames per session and publishes interim and final
// transcripts on the bus. A final transcript ends the user's utterance and
// opens an assistant turn downstream; interim transcripts only refine the
// live caption and are rate-limited by stt.partial_every_ms.
type Service struct {
	cfg        config.STTConfig
	bus        *bus.Client
	recognizer Recognizer
	logger     *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	sub    *nats.Subscription
	wg     sync.WaitGroup

	mu       sync.Mutex
	captures map[string]*capture
	ready    bool
}

// capture is the accumulating audio for one session's current utterance.
// At most one recognizer call runs per capture; a final frame arriving while
// an interim call is busy is queued rather than dropped.
type capture struct {
	pcm         []byte
	lastInterim time.Time
	busy        bool
	finalQueued bool
}

func NewService(parent context.Context, cfg config.STTConfig, busClient *bus.Client, recognizer Recognizer, logger *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		cfg:        cfg,
		bus:        busClient,
		recognizer: recognizer,
		logger:     logger.With(slog.String("component", "stt")),
		ctx:        ctx,
		cancel:     cancel,
		captures:   make(map[string]*capture),
	}
}

func (s *Service) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	subject := protocol.SubjectAudioFramePrefix + ".>"
	sub, err := s.bus.Conn().Subscribe(subject, s.handleFrame)
	if err != nil {
		return fmt.Errorf("subscribe audio frames: %w", err)
	}
	s.sub = sub
	s.ready = true
	return nil
}

func (s *Service) Close() {
	s.cancel()
	if s.sub != nil {
		_ = s.sub.Drain()
	}
	s.wg.Wait()
}

func (s *Service) Healthy() bool {
	return !s.cfg.Enabled || s.ready
}

func (s *Service) handleFrame(msg *nats.Msg) {
	var frame protocol.AudioFrame
	if err := json.Unmarshal(msg.Data, &frame); err != nil {
		s.logger.Warn("failed to decode audio frame", slogError(err))
		return
	}

	s.mu.Lock()
	cur := s.captures[frame.SessionID]
	if cur == nil {
		cur = &capture{lastInterim: time.Now()}
		s.captures[frame.SessionID] = cur
	}
	cur.pcm = append(cur.pcm, frame.PCM...)

	var utt *Utterance
	switch {
	case frame.Final:
		if cur.busy {
			cur.finalQueued = true
		} else {
			cur.busy = true
			utt = s.snapshot(cur, true)
		}
	case s.interimDue(cur):
		cur.busy = true
		cur.lastInterim = time.Now()
		utt = s.snapshot(cur, false)
	}
	s.mu.Unlock()

	if utt != nil {
		s.transcribe(frame.SessionID, *utt)
	}
}

// interimDue is called with s.mu held.
func (s *Service) interimDue(cur *capture) bool {
	if !s.cfg.PublishInterim || cur.busy {
		return false
	}
	interval := time.Duration(s.cfg.PartialEveryMS) * time.Millisecond
	return interval > 0 && time.Since(cur.lastInterim) >= interval
}

// snapshot is called with s.mu held.
func (s *Service) snapshot(cur *capture, final bool) *Utterance {
	return &Utterance{
		PCM:        append([]byte(nil), cur.pcm...),
		SampleRate: s.cfg.SampleRate,
		Channels:   s.cfg.Channels,
		Final:      final,
	}
}

func (s *Service) transcribe(sessionID string, utt Utterance) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(s.ctx, transcribeTimeout)
		defer cancel()

		result, err := s.recognizer.Transcribe(ctx, utt)
		if err != nil {
			s.logger.Warn("transcription failed",
				slog.String("session_id", sessionID),
				slog.Bool("final", utt.Final),
				slogError(err))
		} else {
			s.publishTranscript(sessionID, result, utt.Final)
		}

		s.mu.Lock()
		cur := s.captures[sessionID]
		var queued *Utterance
		if cur != nil {
			cur.busy = false
			if utt.Final {
				delete(s.captures, sessionID)
			} else if cur.finalQueued {
				cur.finalQueued = false
				cur.busy = true
				queued = s.snapshot(cur, true)
			}
		}
		s.mu.Unlock()

		if queued != nil {
			s.transcribe(sessionID, *queued)
		}
	}()
}

func (s *Service) publishTranscript(sessionID string, result Result, final bool) {
	if result.Text == "" {
		return
	}
	subject := protocol.SubjectTranscriptPartial
	if final {
		subject = protocol.SubjectTranscriptFinal
	}
	err := s.bus.PublishJSON(subject, protocol.Transcript{
		SessionID:  sessionID,
		Text:       result.Text,
		Partial:    !final,
		Timestamp:  time.Now().UTC(),
		Confidence: result.Confidence,
	})
	if err != nil {
		s.logger.Warn("failed to publish transcript", slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
