package turn

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tars-ai/tars-core/internal/bus"
	"github.com/tars-ai/tars-core/internal/config"
	"github.com/tars-ai/tars-core/internal/llm"
	"github.com/tars-ai/tars-core/internal/natsserver"
	"github.com/tars-ai/tars-core/internal/persona"
	"github.com/tars-ai/tars-core/internal/playback"
	"github.com/tars-ai/tars-core/internal/synth"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.TTS.OverlapWindow = 2
	cfg.TTS.SynthTimeoutMS = 5000
	cfg.Turn.ResponseCache = false
	return cfg
}

// newTestBus brings up an in-process NATS server on a random port.
func newTestBus(t *testing.T) *bus.Client {
	t.Helper()
	log := testLogger()
	srv, err := natsserver.Start(config.BusConfig{
		Embedded: true,
		Port:     -1,
		StoreDir: t.TempDir(),
	}, log)
	if err != nil {
		t.Fatalf("start embedded bus: %v", err)
	}
	t.Cleanup(srv.Shutdown)

	client, err := bus.Connect(context.Background(), config.BusConfig{
		Servers:        []string{srv.ClientURL()},
		ConnectTimeout: 2000,
	}, log)
	if err != nil {
		t.Fatalf("connect bus: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

func newTestService(t *testing.T, cfg config.Config, gen llm.Generator, backend synth.Backend, sink playback.Sink) *Service {
	t.Helper()
	svc, err := NewService(context.Background(), cfg, Deps{
		Bus:       newTestBus(t),
		Generator: gen,
		Backends:  []synth.Backend{backend},
		Sink:      sink,
		Persona:   persona.New(cfg.Persona),
		Logger:    testLogger(),
	})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	t.Cleanup(svc.Close)
	return svc
}

// waitForIdle blocks until the session has no active turn.
func waitForIdle(t *testing.T, s *Service, sessionID string) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		s.mu.Lock()
		_, busy := s.active[sessionID]
		s.mu.Unlock()
		if !busy {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("turn did not finish")
}

// scriptedGenerator streams a fixed list of sentences, one chunk each.
type scriptedGenerator struct {
	sentences []string
	calls     atomic.Int64
}

func numberedSentences(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("This is sentence number %d.", i+1)
	}
	return out
}

func (g *scriptedGenerator) Generate(ctx context.Context, req llm.Request, consumer func(llm.Chunk) error) error {
	g.calls.Add(1)
	for i, text := range g.sentences {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		err := consumer(llm.Chunk{
			SessionID: req.SessionID,
			Content:   text + " ",
			Partial:   i < len(g.sentences)-1,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// slowBackend synthesizes after a fixed delay, honouring cancellation.
type slowBackend struct {
	delay time.Duration
	calls atomic.Int64
}

func (b *slowBackend) ID() string { return "fake" }

func (b *slowBackend) Synthesize(ctx context.Context, req synth.Request) (synth.Audio, error) {
	b.calls.Add(1)
	if b.delay > 0 {
		select {
		case <-time.After(b.delay):
		case <-ctx.Done():
			return synth.Audio{}, ctx.Err()
		}
	}
	return synth.Audio{PCM: []byte(req.Text), SampleRate: 22050, Channels: 1}, nil
}

// recordingSink records playback and completion signals. block makes Play
// hang until its context is cancelled; failPlay makes every Play error.
type recordingSink struct {
	mu       sync.Mutex
	attempts int
	seqs     []int
	dones    []bool
	failPlay bool
	block    bool
	started  chan struct{}
	once     sync.Once
	played   chan int
}

func (s *recordingSink) Play(ctx context.Context, unit playback.Unit) error {
	s.mu.Lock()
	s.attempts++
	s.mu.Unlock()
	if s.block {
		s.once.Do(func() { close(s.started) })
		<-ctx.Done()
		return ctx.Err()
	}
	if s.failPlay {
		return errors.New("output device gone")
	}
	s.mu.Lock()
	s.seqs = append(s.seqs, unit.Seq)
	s.mu.Unlock()
	if s.played != nil {
		s.played <- unit.Seq
	}
	return nil
}

func (s *recordingSink) Done(_ context.Context, _, _ string, aborted bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dones = append(s.dones, aborted)
	return nil
}

func (s *recordingSink) playCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.seqs)
}

func (s *recordingSink) attemptCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

func (s *recordingSink) doneFlags() []bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]bool(nil), s.dones...)
}

func TestDrainInterruptCancelsPendingSynthesis(t *testing.T) {
	gen := &scriptedGenerator{sentences: numberedSentences(12)}
	backend := &slowBackend{delay: 150 * time.Millisecond}
	sink := &recordingSink{played: make(chan int, 32)}
	svc := newTestService(t, testConfig(), gen, backend, sink)

	svc.beginTurn("bridge", "give me the full rundown")
	for i := 0; i < 2; i++ {
		select {
		case <-sink.played:
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for playback")
		}
	}
	svc.interruptSession("bridge")
	waitForIdle(t, svc, "bridge")

	if played := sink.playCount(); played > 6 {
		t.Fatalf("drain interrupt must stop new synthesis, played %d of 12 sentences", played)
	}
	flags := sink.doneFlags()
	if len(flags) != 1 || !flags[0] {
		t.Fatalf("expected a single aborted completion, got %v", flags)
	}
}

func TestDrainDeliversSentencesInOrder(t *testing.T) {
	gen := &scriptedGenerator{sentences: numberedSentences(12)}
	backend := &slowBackend{delay: 150 * time.Millisecond}
	sink := &recordingSink{played: make(chan int, 32)}
	svc := newTestService(t, testConfig(), gen, backend, sink)

	svc.beginTurn("bridge", "give me the full rundown")
	select {
	case <-sink.played:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for playback")
	}
	svc.interruptSession("bridge")
	waitForIdle(t, svc, "bridge")

	sink.mu.Lock()
	defer sink.mu.Unlock()
	prev := -1
	for _, seq := range sink.seqs {
		if seq <= prev {
			t.Fatalf("out of order playback after interrupt: %v", sink.seqs)
		}
		prev = seq
	}
}

func TestStopInterruptAbandonsPlayback(t *testing.T) {
	cfg := testConfig()
	cfg.Playback.InterruptPolicy = "stop"
	gen := &scriptedGenerator{sentences: numberedSentences(6)}
	sink := &recordingSink{block: true, started: make(chan struct{})}
	svc := newTestService(t, cfg, gen, &slowBackend{}, sink)

	svc.beginTurn("bridge", "talk to me")
	select {
	case <-sink.started:
	case <-time.After(5 * time.Second):
		t.Fatal("playback never started")
	}
	svc.interruptSession("bridge")
	waitForIdle(t, svc, "bridge")

	if played := sink.playCount(); played != 0 {
		t.Fatalf("stop interrupt must abandon in-progress playback, completed %d", played)
	}
	flags := sink.doneFlags()
	if len(flags) != 1 || !flags[0] {
		t.Fatalf("expected an aborted completion, got %v", flags)
	}
}

func TestResponseCacheServesSecondTurn(t *testing.T) {
	cfg := testConfig()
	cfg.Turn.ResponseCache = true
	gen := &scriptedGenerator{sentences: numberedSentences(3)}
	sink := &recordingSink{}
	svc := newTestService(t, cfg, gen, &slowBackend{}, sink)

	svc.beginTurn("bridge", "status report")
	waitForIdle(t, svc, "bridge")

	svc.beginTurn("bridge", "Status  Report")
	waitForIdle(t, svc, "bridge")

	if calls := gen.calls.Load(); calls != 1 {
		t.Fatalf("expected the second turn to be served from cache, generator ran %d times", calls)
	}
	if played := sink.playCount(); played != 6 {
		t.Fatalf("expected both turns fully played, got %d sentences", played)
	}
	flags := sink.doneFlags()
	if len(flags) != 2 || flags[0] || flags[1] {
		t.Fatalf("expected two clean completions, got %v", flags)
	}
}

func TestPlaybackFailureAbortsTurn(t *testing.T) {
	gen := &scriptedGenerator{sentences: numberedSentences(4)}
	sink := &recordingSink{failPlay: true}
	svc := newTestService(t, testConfig(), gen, &slowBackend{}, sink)

	svc.beginTurn("bridge", "say four things")
	waitForIdle(t, svc, "bridge")

	if attempts := sink.attemptCount(); attempts != 1 {
		t.Fatalf("expected no further playback attempts after a failure, got %d", attempts)
	}
	flags := sink.doneFlags()
	if len(flags) != 1 || !flags[0] {
		t.Fatalf("expected an aborted completion, got %v", flags)
	}
}

func TestNewTranscriptPreemptsActiveTurn(t *testing.T) {
	gen := &scriptedGenerator{sentences: numberedSentences(8)}
	backend := &slowBackend{delay: 100 * time.Millisecond}
	sink := &recordingSink{played: make(chan int, 64)}
	svc := newTestService(t, testConfig(), gen, backend, sink)

	svc.beginTurn("bridge", "first question")
	select {
	case <-sink.played:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for playback")
	}

	svc.beginTurn("bridge", "never mind, second question")
	waitForIdle(t, svc, "bridge")

	if calls := gen.calls.Load(); calls != 2 {
		t.Fatalf("expected both prompts generated, got %d", calls)
	}
	flags := sink.doneFlags()
	if len(flags) != 2 || !flags[0] || flags[1] {
		t.Fatalf("expected aborted then clean completion, got %v", flags)
	}
}
