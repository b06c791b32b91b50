package turn

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/nats-io/nats.go"

	"github.com/tars-ai/tars-core/internal/bus"
	"github.com/tars-ai/tars-core/internal/config"
	"github.com/tars-ai/tars-core/internal/dispatch"
	"github.com/tars-ai/tars-core/internal/history"
	"github.com/tars-ai/tars-core/internal/llm"
	"github.com/tars-ai/tars-core/internal/persona"
	"github.com/tars-ai/tars-core/internal/playback"
	"github.com/tars-ai/tars-core/internal/protocol"
	"github.com/tars-ai/tars-core/internal/segment"
	"github.com/tars-ai/tars-core/internal/synth"
	"github.com/tars-ai/tars-core/internal/synthcache"
)

const responseCacheSize = 128

// Service drives assistant turns: a final transcript becomes a streamed
// model response, which is segmented into sentences, synthesized with a
// bounded look-ahead window, and delivered to playback strictly in order.
// One turn is active per session; a new transcript or an explicit interrupt
// cancels the previous turn according to the configured policy.
type Service struct {
	cfg       config.Config
	bus       *bus.Client
	generator llm.Generator
	backends  []synth.Backend
	gate      func(backendID string) bool
	cache     synthcache.Cache
	sink      playback.Sink
	persona   *persona.Persona
	history   *history.Store
	logger    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	subs   []*nats.Subscription
	wg     sync.WaitGroup

	mu        sync.Mutex
	active    map[string]*activeTurn
	responses *lru.Cache[string, string]
	ready     bool
}

// activeTurn tracks cancellation handles for the turn currently playing in
// a session. drain cancels generation and every pending or in-flight
// synthesis job but lets already-synthesized audio finish in order; stop
// abandons playback as well.
type activeTurn struct {
	id    string
	drain context.CancelFunc
	stop  context.CancelFunc
	done  chan struct{}
}

// Deps are the collaborators a turn Service orchestrates.
type Deps struct {
	Bus         *bus.Client
	Generator   llm.Generator
	Backends    []synth.Backend
	BackendGate func(backendID string) bool
	Cache       synthcache.Cache
	Sink        playback.Sink
	Persona     *persona.Persona
	History     *history.Store
	Logger      *slog.Logger
}

func NewService(parent context.Context, cfg config.Config, deps Deps) (*Service, error) {
	ctx, cancel := context.WithCancel(parent)
	responses, err := lru.New[string, string](responseCacheSize)
	if err != nil {
		cancel()
		return nil, err
	}
	return &Service{
		cfg:       cfg,
		bus:       deps.Bus,
		generator: deps.Generator,
		backends:  deps.Backends,
		gate:      deps.BackendGate,
		cache:     deps.Cache,
		sink:      deps.Sink,
		persona:   deps.Persona,
		history:   deps.History,
		logger:    deps.Logger.With(slog.String("component", "turn")),
		ctx:       ctx,
		cancel:    cancel,
		active:    make(map[string]*activeTurn),
		responses: responses,
	}, nil
}

func (s *Service) Start() error {
	if !s.cfg.Turn.Enabled {
		return nil
	}
	conn := s.bus.Conn()

	sub, err := conn.Subscribe(protocol.SubjectTranscriptFinal, s.handleTranscript)
	if err != nil {
		return err
	}
	s.subs = append(s.subs, sub)

	sub, err = conn.Subscribe(protocol.SubjectTurnInterrupt, s.handleInterrupt)
	if err != nil {
		s.drainSubs()
		return err
	}
	s.subs = append(s.subs, sub)

	sub, err = conn.Subscribe(protocol.SubjectPersonaSet, s.handlePersonaUpdate)
	if err != nil {
		s.drainSubs()
		return err
	}
	s.subs = append(s.subs, sub)

	s.ready = true
	return nil
}

func (s *Service) Close() {
	s.cancel()
	s.drainSubs()
	s.wg.Wait()
}

func (s *Service) Healthy() bool {
	return !s.cfg.Turn.Enabled || s.ready
}

func (s *Service) drainSubs() {
	for _, sub := range s.subs {
		_ = sub.Drain()
	}
	s.subs = nil
}

func (s *Service) handleTranscript(msg *nats.Msg) {
	var transcript protocol.Transcript
	if err := json.Unmarshal(msg.Data, &transcript); err != nil {
		s.logger.Warn("failed to decode transcript", slogError(err))
		return
	}
	prompt := strings.TrimSpace(transcript.Text)
	if prompt == "" || transcript.Partial {
		return
	}
	s.beginTurn(transcript.SessionID, prompt)
}

func (s *Service) handleInterrupt(msg *nats.Msg) {
	var interrupt protocol.Interrupt
	if err := json.Unmarshal(msg.Data, &interrupt); err != nil {
		s.logger.Warn("failed to decode interrupt", slogError(err))
		return
	}
	s.interruptSession(interrupt.SessionID)
}

func (s *Service) handlePersonaUpdate(msg *nats.Msg) {
	var update protocol.PersonaUpdate
	if err := json.Unmarshal(msg.Data, &update); err != nil {
		s.logger.Warn("failed to decode persona update", slogError(err))
		return
	}
	for name, value := range update.Traits {
		if err := s.persona.SetTrait(name, value); err != nil {
			s.logger.Warn("rejected persona trait", slog.String("trait", name), slogError(err))
			continue
		}
		s.logger.Info("persona trait updated", slog.String("trait", name), slog.Int("value", value))
	}
}

// interruptSession cancels the active turn for a session per the configured
// policy and returns its done channel, or nil when no turn is active.
func (s *Service) interruptSession(sessionID string) chan struct{} {
	s.mu.Lock()
	prev := s.active[sessionID]
	s.mu.Unlock()
	if prev == nil {
		return nil
	}

	if s.cfg.Playback.InterruptPolicy == "stop" {
		prev.stop()
	} else {
		prev.drain()
	}
	s.logger.Info("turn interrupted",
		slog.String("session_id", sessionID),
		slog.String("turn_id", prev.id),
		slog.String("policy", s.cfg.Playback.InterruptPolicy))
	return prev.done
}

func (s *Service) beginTurn(sessionID, prompt string) {
	prevDone := s.interruptSession(sessionID)

	turnID := uuid.NewString()
	// turnCtx governs ordered delivery of audio that already exists; synthCtx
	// governs everything that produces more of it. drain cancels only the
	// latter, stop cancels both.
	turnCtx, stop := context.WithCancel(s.ctx)
	synthCtx, drain := context.WithCancel(turnCtx)
	turn := &activeTurn{id: turnID, drain: drain, stop: stop, done: make(chan struct{})}

	s.mu.Lock()
	s.active[sessionID] = turn
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(turn.done)
		defer stop()

		if prevDone != nil {
			select {
			case <-prevDone:
			case <-s.ctx.Done():
				return
			}
		}

		s.runTurn(turnCtx, synthCtx, drain, sessionID, turnID, prompt)

		s.mu.Lock()
		if s.active[sessionID] == turn {
			delete(s.active, sessionID)
		}
		s.mu.Unlock()
	}()
}

func (s *Service) runTurn(turnCtx, synthCtx context.Context, cancelSynth context.CancelFunc, sessionID, turnID, prompt string) {
	started := time.Now()
	snapshot := s.persona.Snapshot()
	log := s.logger.With(
		slog.String("session_id", sessionID),
		slog.String("turn_id", turnID))

	tokens := make(chan segment.TokenChunk, 16)
	genDone := make(chan struct{})
	var reply strings.Builder
	var genErr error
	cached := false

	if s.cfg.Turn.ResponseCache {
		if text, ok := s.responses.Get(responseKey(prompt, snapshot)); ok {
			cached = true
			go func() {
				defer close(genDone)
				defer close(tokens)
				select {
				case tokens <- segment.TokenChunk{Text: text, At: time.Now()}:
					reply.WriteString(text)
				case <-synthCtx.Done():
				}
			}()
			log.Info("serving cached response")
		}
	}

	if !cached {
		req := llm.Request{
			SessionID:   sessionID,
			Prompt:      prompt,
			System:      s.persona.SystemInstruction(),
			MaxTokens:   s.cfg.LLM.MaxTokens,
			Temperature: s.cfg.LLM.Temperature,
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer close(genDone)
			defer close(tokens)
			genErr = s.generator.Generate(synthCtx, req, func(chunk llm.Chunk) error {
				if chunk.Content == "" {
					return nil
				}
				reply.WriteString(chunk.Content)
				s.publishToken(sessionID, turnID, chunk.Content, !chunk.Partial)
				select {
				case tokens <- segment.TokenChunk{Text: chunk.Content, At: time.Now()}:
					return nil
				case <-synthCtx.Done():
					return synthCtx.Err()
				}
			})
			if genErr != nil && synthCtx.Err() == nil {
				log.Error("generation failed", slogError(genErr))
			}
		}()
	}

	units := segment.New().Run(synthCtx, tokens)
	observed := make(chan segment.SentenceUnit, 4)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(observed)
		for unit := range units {
			s.publishSentence(sessionID, turnID, unit)
			select {
			case observed <- unit:
			case <-synthCtx.Done():
				return
			}
		}
	}()

	dispatcher := dispatch.New(dispatch.Options{
		Backends:   s.backends,
		Cache:      s.cache,
		Voice:      s.cfg.TTS.Voice,
		SampleRate: s.cfg.TTS.SampleRate,
		Channels:   s.cfg.TTS.Channels,
		Timeout:    time.Duration(s.cfg.TTS.SynthTimeoutMS) * time.Millisecond,
		Window:     s.cfg.TTS.OverlapWindow,
		Gate:       s.gate,
		Logger:     s.logger,
	})
	// Dispatch runs on synthCtx so an interrupt cancels pending and in-flight
	// synthesis. Already-synthesized jobs still arrive in order and play out
	// under turnCtx unless the stop policy cancelled that too.
	jobs := dispatcher.Run(synthCtx, observed)

	aborted := false
	played := 0
	for job := range jobs {
		if job.Err != nil {
			if !errors.Is(job.Err, context.Canceled) {
				log.Warn("sentence skipped after synthesis failure",
					slog.Int("seq", job.Unit.Seq), slogError(job.Err))
			}
			continue
		}
		if aborted || turnCtx.Err() != nil {
			aborted = true
			continue
		}
		err := s.sink.Play(turnCtx, playback.Unit{
			SessionID: sessionID,
			TurnID:    turnID,
			Seq:       job.Unit.Seq,
			Audio:     job.Audio,
		})
		if err != nil {
			if turnCtx.Err() == nil {
				log.Error("playback failed", slog.Int("seq", job.Unit.Seq), slogError(err))
			}
			aborted = true
			cancelSynth()
			continue
		}
		played++
	}
	// reply and genErr belong to the generation goroutine until genDone closes.
	<-genDone
	if turnCtx.Err() != nil || synthCtx.Err() != nil {
		aborted = true
	}

	if err := s.sink.Done(s.ctx, sessionID, turnID, aborted); err != nil {
		log.Warn("failed to signal turn completion", slogError(err))
	}
	s.publishStatus(sessionID, turnID, !aborted, genErr)

	text := reply.String()
	if !aborted && !cached && s.cfg.Turn.ResponseCache && genErr == nil && text != "" {
		s.responses.Add(responseKey(prompt, snapshot), text)
	}
	if s.history != nil {
		if err := s.history.EnsureSession(s.ctx, sessionID); err != nil {
			log.Warn("failed to persist session", slogError(err))
		} else if err := s.history.AppendExchange(s.ctx, history.Exchange{
			SessionID: sessionID,
			TurnID:    turnID,
			UserText:  prompt,
			Reply:     text,
			Persona:   snapshot,
			Aborted:   aborted,
		}); err != nil {
			log.Warn("failed to persist exchange", slogError(err))
		}
	}

	log.Info("turn finished",
		slog.Int("sentences_played", played),
		slog.Bool("aborted", aborted),
		slog.Bool("cached", cached),
		slog.Duration("elapsed", time.Since(started)))
}

func (s *Service) publishToken(sessionID, turnID, text string, done bool) {
	err := s.bus.PublishJSON(protocol.SubjectResponseToken, protocol.ResponseToken{
		SessionID: sessionID,
		TurnID:    turnID,
		Text:      text,
		Done:      done,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		s.logger.Warn("failed to publish response token", slogError(err))
	}
}

func (s *Service) publishSentence(sessionID, turnID string, unit segment.SentenceUnit) {
	err := s.bus.PublishJSON(protocol.SubjectSentence, protocol.Sentence{
		SessionID: sessionID,
		TurnID:    turnID,
		Seq:       unit.Seq,
		Text:      unit.Text,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		s.logger.Warn("failed to publish sentence", slogError(err))
	}
}

func (s *Service) publishStatus(sessionID, turnID string, completed bool, genErr error) {
	msg := protocol.TurnStatus{
		SessionID: sessionID,
		TurnID:    turnID,
		Completed: completed,
		Timestamp: time.Now().UTC(),
	}
	if genErr != nil {
		msg.Error = genErr.Error()
	}
	if err := s.bus.PublishJSON(protocol.SubjectTurnStatus, msg); err != nil {
		s.logger.Warn("failed to publish turn status", slogError(err))
	}
}

// responseKey scopes cached replies to the persona snapshot that produced
// them, so trait changes never replay stale phrasing.
func responseKey(prompt, snapshot string) string {
	normalized := strings.Join(strings.Fields(strings.ToLower(prompt)), " ")
	sum := sha256.Sum256([]byte(normalized + "\x00" + snapshot))
	return hex.EncodeToString(sum[:])
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
