package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/tars-ai/tars-core/internal/segment"
	"github.com/tars-ai/tars-core/internal/synth"
	"github.com/tars-ai/tars-core/internal/synthcache"
)

// Job ties a sentence to its synthesized audio. A Job with Err set had every
// backend fail; playback skips it and continues with the next sentence.
type Job struct {
	Unit    segment.SentenceUnit
	Audio   synth.Audio
	Backend string
	Cached  bool
	Err     error
}

// Options configure a per-turn Dispatcher.
type Options struct {
	Backends   []synth.Backend // ranked fallback order
	Cache      synthcache.Cache
	Voice      string
	SampleRate int
	Channels   int
	Timeout    time.Duration
	Window     int // max in-flight synthesis jobs
	Gate       func(backendID string) bool // nil allows every backend
	Logger     *slog.Logger
}

// Dispatcher synthesizes sentences as they arrive, overlapping synthesis of
// sentence N+1 with playback of sentence N while keeping delivery strictly in
// sequence order. One Dispatcher serves one turn; sequence numbering starts
// at zero.
type Dispatcher struct {
	backends   []synth.Backend
	cache      synthcache.Cache
	voice      string
	sampleRate int
	channels   int
	timeout    time.Duration
	window     int
	gate       func(backendID string) bool
	logger     *slog.Logger
}

func New(opts Options) *Dispatcher {
	window := opts.Window
	if window < 1 {
		window = 1
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 8 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		backends:   opts.Backends,
		cache:      opts.Cache,
		voice:      opts.Voice,
		sampleRate: opts.SampleRate,
		channels:   opts.Channels,
		timeout:    timeout,
		window:     window,
		gate:       opts.Gate,
		logger:     logger.With(slog.String("component", "dispatcher")),
	}
}

// Run consumes sentences and returns jobs strictly in sequence order,
// regardless of synthesis completion order. The window bounds how many
// sentences are synthesized ahead of delivery, so an interrupted turn wastes
// little work.
//
// Cancelling ctx stops workers from pulling further sentences, but every
// sentence already pulled still yields exactly one job (in-flight synthesis
// returns a Job with Err set). Already-synthesized jobs are therefore
// delivered in order even after cancellation, and the output channel always
// closes once those jobs drain. Callers must read the channel to the end.
func (d *Dispatcher) Run(ctx context.Context, units <-chan segment.SentenceUnit) <-chan Job {
	out := make(chan Job)
	results := make(chan Job)

	var wg sync.WaitGroup
	for i := 0; i < d.window; i++ {
		wg.Add(1)
		go d.worker(ctx, units, results, &wg)
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	go func() {
		defer close(out)
		next := 0
		held := make(map[int]Job)
		for job := range results {
			held[job.Unit.Seq] = job
			for {
				ready, ok := held[next]
				if !ok {
					break
				}
				delete(held, next)
				out <- ready
				next++
			}
		}
	}()

	return out
}

func (d *Dispatcher) worker(ctx context.Context, units <-chan segment.SentenceUnit, results chan<- Job, wg *sync.WaitGroup) {
	defer wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case unit, ok := <-units:
			if !ok {
				return
			}
			results <- d.synthesize(ctx, unit)
		}
	}
}

// synthesize walks the ranked backends: cache lookup first, then a timed
// synthesis call, falling through to the next backend on failure. Cache
// writes are best-effort.
func (d *Dispatcher) synthesize(ctx context.Context, unit segment.SentenceUnit) Job {
	req := synth.Request{
		Text:       unit.Text,
		Voice:      d.voice,
		SampleRate: d.sampleRate,
		Channels:   d.channels,
	}

	var lastErr error
	for _, backend := range d.backends {
		if d.gate != nil && !d.gate(backend.ID()) {
			d.logger.Debug("backend gated off, skipping",
				slog.String("backend", backend.ID()),
				slog.Int("seq", unit.Seq))
			continue
		}
		key := synthcache.Key(unit.Text, backend.ID(), d.voice)
		if d.cache != nil {
			if audio, ok := d.cache.Get(ctx, key); ok {
				return Job{Unit: unit, Audio: audio, Backend: backend.ID(), Cached: true}
			}
		}

		synthCtx, cancel := context.WithTimeout(ctx, d.timeout)
		audio, err := backend.Synthesize(synthCtx, req)
		cancel()
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				return Job{Unit: unit, Err: ctx.Err()}
			}
			d.logger.Warn("synthesis failed, falling back",
				slog.String("backend", backend.ID()),
				slog.Int("seq", unit.Seq),
				slog.String("error", err.Error()))
			continue
		}

		if d.cache != nil {
			d.cache.Put(ctx, key, audio)
		}
		return Job{Unit: unit, Audio: audio, Backend: backend.ID()}
	}

	if lastErr == nil {
		lastErr = errors.New("no synthesis backend available")
	}
	d.logger.Error("all synthesis backends failed",
		slog.Int("seq", unit.Seq),
		slog.String("error", lastErr.Error()))
	return Job{Unit: unit, Err: lastErr}
}
