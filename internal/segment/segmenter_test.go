package segment

import (
	"context"
	"strings"
	"testing"
	"time"
)

func feedAll(s *Segmenter, chunks []string) []SentenceUnit {
	var units []SentenceUnit
	for _, c := range chunks {
		units = append(units, s.Feed(c)...)
	}
	if unit, ok := s.Flush(); ok {
		units = append(units, unit)
	}
	return units
}

func texts(units []SentenceUnit) []string {
	out := make([]string, len(units))
	for i, u := range units {
		out[i] = u.Text
	}
	return out
}

func TestTwoSentences(t *testing.T) {
	s := New()
	got := texts(feedAll(s, []string{"The ", "request", " failed", ". ", "Try ", "again", "."}))
	want := []string{"The request failed.", "Try again."}
	if len(got) != len(want) {
		t.Fatalf("expected %d sentences, got %v", len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("sentence %d: expected %q, got %q", i, want[i], got[i])
		}
	}
}

func TestAbbreviationNotSplit(t *testing.T) {
	s := New()
	got := texts(feedAll(s, []string{"Dr", ".", " Smith ", "arrived", "."}))
	if len(got) != 1 {
		t.Fatalf("expected 1 sentence, got %v", got)
	}
	if got[0] != "Dr. Smith arrived." {
		t.Fatalf("unexpected sentence: %q", got[0])
	}
}

func TestMultiPartAbbreviationNotSplit(t *testing.T) {
	s := New()
	got := texts(feedAll(s, []string{"Use a tool, ", "e.g. ", "a hammer", ". ", "Done."}))
	want := []string{"Use a tool, e.g. a hammer.", "Done."}
	if len(got) != len(want) {
		t.Fatalf("expected %d sentences, got %v", len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("sentence %d: expected %q, got %q", i, want[i], got[i])
		}
	}

	got = texts(feedAll(New(), []string{"Short, i.e. ", "brief", "."}))
	if len(got) != 1 || got[0] != "Short, i.e. brief." {
		t.Fatalf("expected one sentence, got %v", got)
	}
}

func TestDottedAcronymNotSplit(t *testing.T) {
	got := texts(feedAll(New(), []string{"The U.S. team ", "arrived."}))
	if len(got) != 1 {
		t.Fatalf("expected 1 sentence, got %v", got)
	}
}

func TestSingleInitialNotSplit(t *testing.T) {
	s := New()
	got := texts(feedAll(s, []string{"Ask J. ", "Doe about it."}))
	if len(got) != 1 {
		t.Fatalf("expected 1 sentence, got %v", got)
	}
}

func TestDecimalNotSplit(t *testing.T) {
	s := New()
	got := texts(feedAll(s, []string{"Pi is 3", ".", "14 roughly", ". ", "Yes."}))
	want := []string{"Pi is 3.14 roughly.", "Yes."}
	if len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestFlushWithoutTerminalPunctuation(t *testing.T) {
	s := New()
	got := texts(feedAll(s, []string{"stream cut off mid", " senten"}))
	if len(got) != 1 {
		t.Fatalf("expected a flushed final sentence, got %v", got)
	}
	if got[0] != "stream cut off mid senten" {
		t.Fatalf("flush lost text: %q", got[0])
	}
}

func TestEmptyStreamEmitsNothing(t *testing.T) {
	s := New()
	if got := feedAll(s, nil); len(got) != 0 {
		t.Fatalf("expected no sentences, got %v", got)
	}
	if got := feedAll(New(), []string{"", "   "}); len(got) != 0 {
		t.Fatalf("expected whitespace-only stream to flush nothing, got %v", got)
	}
}

func TestLosslessRoundTrip(t *testing.T) {
	streams := [][]string{
		{"Hello", " world", ". ", "How ", "are you", "? ", "Fine", "!"},
		{"One big sentence without any punctuation at all"},
		{"Mr", ". ", "Jones owns 2", ".5 acres", ". ", "Really."},
		{"Edge! ", "Case? ", "Done."},
	}
	for _, stream := range streams {
		original := strings.Join(strings.Fields(strings.Join(stream, "")), " ")
		units := feedAll(New(), stream)
		joined := strings.Join(strings.Fields(strings.Join(texts(units), " ")), " ")
		if joined != original {
			t.Fatalf("round trip mismatch:\n  in:  %q\n  out: %q", original, joined)
		}
	}
}

func TestSequenceIndexesMonotonic(t *testing.T) {
	s := New()
	units := feedAll(s, []string{"A one. ", "B two. ", "C three."})
	for i, u := range units {
		if u.Seq != i {
			t.Fatalf("expected seq %d, got %d", i, u.Seq)
		}
	}
}

func TestResetStartsNewTurn(t *testing.T) {
	s := New()
	s.Feed("left over text without boundary")
	s.Reset()
	if s.Pending() != "" {
		t.Fatalf("expected empty buffer after reset")
	}
	units := feedAll(s, []string{"Fresh turn. "})
	if len(units) != 1 || units[0].Seq != 0 {
		t.Fatalf("expected seq restart at 0, got %v", units)
	}
}

func TestMultipleSentencesInOneChunk(t *testing.T) {
	s := New()
	units := s.Feed("First. Second. Third incomplete")
	if len(units) != 2 {
		t.Fatalf("expected 2 confirmed sentences, got %v", texts(units))
	}
	if s.Pending() != "Third incomplete" {
		t.Fatalf("unexpected remainder: %q", s.Pending())
	}
}

func TestRunChannelFlushesOnClose(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	tokens := make(chan TokenChunk)
	out := New().Run(ctx, tokens)

	go func() {
		for _, text := range []string{"Tell me. ", "Something unfinished"} {
			tokens <- TokenChunk{Text: text, At: time.Now()}
		}
		close(tokens)
	}()

	var got []string
	for unit := range out {
		got = append(got, unit.Text)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 sentences, got %v", got)
	}
	if got[1] != "Something unfinished" {
		t.Fatalf("expected trailing flush, got %q", got[1])
	}
}
