package dispatch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tars-ai/tars-core/internal/segment"
	"github.com/tars-ai/tars-core/internal/synth"
	"github.com/tars-ai/tars-core/internal/synthcache"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeBackend counts calls and can delay per sentence sequence.
type fakeBackend struct {
	id     string
	calls  atomic.Int64
	delays map[int]time.Duration // keyed by word count stand-in, see delayFor
	fail   bool
}

func (f *fakeBackend) ID() string { return f.id }

func (f *fakeBackend) Synthesize(ctx context.Context, req synth.Request) (synth.Audio, error) {
	f.calls.Add(1)
	if f.fail {
		return synth.Audio{}, &synth.Error{Backend: f.id, Reason: synth.ReasonUnavailable}
	}
	if d, ok := f.delays[len(req.Text)]; ok {
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return synth.Audio{}, ctx.Err()
		}
	}
	return synth.Audio{PCM: []byte(req.Text), SampleRate: 22050, Channels: 1}, nil
}

func sendUnits(texts ...string) <-chan segment.SentenceUnit {
	units := make(chan segment.SentenceUnit, len(texts))
	for i, text := range texts {
		units <- segment.SentenceUnit{Seq: i, Text: text}
	}
	close(units)
	return units
}

func collect(t *testing.T, jobs <-chan Job) []Job {
	t.Helper()
	var got []Job
	deadline := time.After(5 * time.Second)
	for {
		select {
		case job, ok := <-jobs:
			if !ok {
				return got
			}
			got = append(got, job)
		case <-deadline:
			t.Fatalf("timed out waiting for jobs, have %d", len(got))
		}
	}
}

func TestDeliveryOrderSurvivesReversedCompletion(t *testing.T) {
	// First sentence (9 chars) synthesizes slowly, second (3 chars) instantly.
	backend := &fakeBackend{
		id:     "fake",
		delays: map[int]time.Duration{9: 120 * time.Millisecond},
	}
	d := New(Options{
		Backends: []synth.Backend{backend},
		Voice:    "tars",
		Window:   2,
		Logger:   testLogger(),
	})

	jobs := collect(t, d.Run(context.Background(), sendUnits("slooooow.", "go.")))
	if len(jobs) != 2 {
		t.Fatalf("expected 2 jobs, got %d", len(jobs))
	}
	if jobs[0].Unit.Seq != 0 || jobs[1].Unit.Seq != 1 {
		t.Fatalf("jobs out of order: %v, %v", jobs[0].Unit, jobs[1].Unit)
	}
}

func TestFallbackToSecondaryBackend(t *testing.T) {
	primary := &fakeBackend{id: "primary", fail: true}
	secondary := &fakeBackend{id: "secondary"}
	d := New(Options{
		Backends: []synth.Backend{primary, secondary},
		Voice:    "tars",
		Window:   1,
		Logger:   testLogger(),
	})

	jobs := collect(t, d.Run(context.Background(), sendUnits("Hello there.")))
	if len(jobs) != 1 {
		t.Fatalf("expected 1 job, got %d", len(jobs))
	}
	if jobs[0].Err != nil {
		t.Fatalf("expected fallback to succeed, got %v", jobs[0].Err)
	}
	if jobs[0].Backend != "secondary" {
		t.Fatalf("expected secondary backend, got %s", jobs[0].Backend)
	}
	if primary.calls.Load() != 1 || secondary.calls.Load() != 1 {
		t.Fatalf("unexpected call counts: primary=%d secondary=%d", primary.calls.Load(), secondary.calls.Load())
	}
}

func TestAllBackendsFailFlagsJob(t *testing.T) {
	first := &fakeBackend{id: "first", fail: true}
	second := &fakeBackend{id: "second", fail: true}
	d := New(Options{
		Backends: []synth.Backend{first, second},
		Voice:    "tars",
		Window:   1,
		Logger:   testLogger(),
	})

	jobs := collect(t, d.Run(context.Background(), sendUnits("Doomed.", "Fine.")))
	if len(jobs) != 2 {
		t.Fatalf("expected 2 jobs, got %d", len(jobs))
	}
	if jobs[0].Err == nil {
		t.Fatalf("expected flagged job")
	}
	var synthErr *synth.Error
	if !errors.As(jobs[0].Err, &synthErr) {
		t.Fatalf("expected synth.Error, got %T", jobs[0].Err)
	}
	// stream continues past the failed sentence
	if jobs[1].Unit.Seq != 1 {
		t.Fatalf("expected second sentence delivered, got %v", jobs[1].Unit)
	}
}

func TestCacheHitSkipsSynthesis(t *testing.T) {
	backend := &fakeBackend{id: "fake"}
	cache, err := synthcache.NewLRU(8)
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	opts := Options{
		Backends: []synth.Backend{backend},
		Cache:    cache,
		Voice:    "tars",
		Window:   1,
		Logger:   testLogger(),
	}

	jobs := collect(t, New(opts).Run(context.Background(), sendUnits("Say it once.")))
	if jobs[0].Cached {
		t.Fatalf("first pass should miss the cache")
	}
	if backend.calls.Load() != 1 {
		t.Fatalf("expected exactly one synthesis call, got %d", backend.calls.Load())
	}

	// Second turn, same sentence: must be served from cache.
	jobs = collect(t, New(opts).Run(context.Background(), sendUnits("Say it once.")))
	if !jobs[0].Cached {
		t.Fatalf("expected cache hit")
	}
	if backend.calls.Load() != 1 {
		t.Fatalf("cache hit must not call the backend, calls=%d", backend.calls.Load())
	}
}

func TestCancellationFlushesSynthesizedJobs(t *testing.T) {
	// Sentence 0 (8 chars) is slow, sentence 1 (5 chars) finishes immediately
	// and is held for reordering. Cancelling must not drop the held job.
	backend := &fakeBackend{
		id:     "fake",
		delays: map[int]time.Duration{8: 300 * time.Millisecond},
	}
	d := New(Options{
		Backends: []synth.Backend{backend},
		Voice:    "tars",
		Window:   2,
		Logger:   testLogger(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	jobs := d.Run(ctx, sendUnits("sloooow.", "fast."))

	time.Sleep(80 * time.Millisecond)
	cancel()

	got := collect(t, jobs)
	if len(got) != 2 {
		t.Fatalf("expected both jobs delivered, got %d", len(got))
	}
	if got[0].Unit.Seq != 0 || got[0].Err == nil {
		t.Fatalf("expected in-flight sentence 0 flagged, got %+v", got[0])
	}
	if got[1].Unit.Seq != 1 || got[1].Err != nil {
		t.Fatalf("expected already-synthesized sentence 1 delivered clean, got %+v", got[1])
	}
}

func TestCancellationAbandonsPendingSentences(t *testing.T) {
	backend := &fakeBackend{
		id:     "fake",
		delays: map[int]time.Duration{6: 120 * time.Millisecond},
	}
	d := New(Options{
		Backends: []synth.Backend{backend},
		Voice:    "tars",
		Window:   2,
		Logger:   testLogger(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	texts := make([]string, 8)
	for i := range texts {
		texts[i] = "say 0." // uniform length keeps every sentence slow
	}
	jobs := d.Run(ctx, sendUnits(texts...))

	first, ok := <-jobs
	if !ok || first.Err != nil {
		t.Fatalf("expected a clean first job, got %+v (ok=%v)", first, ok)
	}
	cancel()

	clean := 1
	for _, job := range collect(t, jobs) {
		if job.Err == nil {
			clean++
		}
	}
	if clean > 4 {
		t.Fatalf("cancellation should abandon pending synthesis, %d sentences synthesized", clean)
	}
}

func TestGateSkipsGatedBackend(t *testing.T) {
	primary := &fakeBackend{id: "primary"}
	secondary := &fakeBackend{id: "secondary"}
	d := New(Options{
		Backends: []synth.Backend{primary, secondary},
		Voice:    "tars",
		Window:   1,
		Gate:     func(id string) bool { return id != "primary" },
		Logger:   testLogger(),
	})

	jobs := collect(t, d.Run(context.Background(), sendUnits("Hello there.")))
	if jobs[0].Err != nil || jobs[0].Backend != "secondary" {
		t.Fatalf("expected gated fallback to secondary, got %+v", jobs[0])
	}
	if primary.calls.Load() != 0 {
		t.Fatalf("gated backend must not be called, calls=%d", primary.calls.Load())
	}

	// Everything gated off: the job is flagged, the stream still advances.
	d = New(Options{
		Backends: []synth.Backend{primary, secondary},
		Voice:    "tars",
		Window:   1,
		Gate:     func(string) bool { return false },
		Logger:   testLogger(),
	})
	jobs = collect(t, d.Run(context.Background(), sendUnits("Doomed.")))
	if jobs[0].Err == nil {
		t.Fatalf("expected flagged job when every backend is gated")
	}
}

func TestCancellationStopsDelivery(t *testing.T) {
	backend := &fakeBackend{
		id:     "fake",
		delays: map[int]time.Duration{5: 500 * time.Millisecond},
	}
	d := New(Options{
		Backends: []synth.Backend{backend},
		Voice:    "tars",
		Window:   2,
		Timeout:  5 * time.Second,
		Logger:   testLogger(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	units := make(chan segment.SentenceUnit)
	jobs := d.Run(ctx, units)

	units <- segment.SentenceUnit{Seq: 0, Text: "slow."}
	cancel()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-jobs:
			if !ok {
				return // channel closed promptly after cancel
			}
		case <-deadline:
			t.Fatal("dispatcher did not shut down after cancellation")
		}
	}
}
