package segment

import (
	"context"
	"strings"
	"time"
	"unicode"
)

// TokenChunk is the smallest unit of incrementally arriving text.
type TokenChunk struct {
	Text string
	At   time.Time
}

// SentenceUnit is a complete clause ready for synthesis. Seq increases
// monotonically within a turn.
type SentenceUnit struct {
	Seq  int
	Text string
}

// Common abbreviations whose trailing period never ends a sentence.
// Multi-part forms are keyed with their interior periods ("e.g", "i.e").
var abbreviations = map[string]struct{}{
	"dr":   {},
	"mr":   {},
	"mrs":  {},
	"ms":   {},
	"prof": {},
	"st":   {},
	"vs":   {},
	"etc":  {},
	"jr":   {},
	"sr":   {},
	"inc":  {},
	"ltd":  {},
	"co":   {},
	"no":   {},
	"approx": {},
	"e.g":    {},
	"i.e":    {},
}

// Segmenter accumulates token chunks and emits sentences only at confirmed
// boundaries: terminal punctuation followed by whitespace, or end of stream.
// It never splits at arbitrary chunk boundaries, so mid-word cutoffs in the
// token stream cannot lose or mangle text.
type Segmenter struct {
	pending string
	seq     int
}

func New() *Segmenter {
	return &Segmenter{}
}

// Feed appends a chunk of text and returns any sentences completed by it.
// The pending remainder stays buffered until a later chunk or Flush confirms
// its boundary.
func (s *Segmenter) Feed(text string) []SentenceUnit {
	if text == "" {
		return nil
	}
	s.pending += text

	var units []SentenceUnit
	for {
		cut := s.findBoundary()
		if cut < 0 {
			break
		}
		sentence := strings.TrimSpace(s.pending[:cut])
		s.pending = strings.TrimLeft(s.pending[cut:], " \t\r\n")
		if sentence == "" {
			continue
		}
		units = append(units, SentenceUnit{Seq: s.seq, Text: sentence})
		s.seq++
	}
	return units
}

// Flush emits whatever remains in the buffer as a final sentence, even
// without terminal punctuation. A stream that cuts off mid-sentence still
// delivers its tail.
func (s *Segmenter) Flush() (SentenceUnit, bool) {
	sentence := strings.TrimSpace(s.pending)
	s.pending = ""
	if sentence == "" {
		return SentenceUnit{}, false
	}
	unit := SentenceUnit{Seq: s.seq, Text: sentence}
	s.seq++
	return unit, true
}

// Reset clears the buffer and sequence counter for a new turn.
func (s *Segmenter) Reset() {
	s.pending = ""
	s.seq = 0
}

// Pending returns the unconfirmed remainder, for diagnostics.
func (s *Segmenter) Pending() string {
	return s.pending
}

// findBoundary returns the index just past the first confirmed sentence
// boundary in pending, or -1 when none is confirmed yet. Terminal punctuation
// at the very end of the buffer is not a confirmed boundary: the next chunk
// may extend the token ("3." -> "3.14"), so confirmation waits for trailing
// whitespace or Flush.
func (s *Segmenter) findBoundary() int {
	runes := []rune(s.pending)
	for i, r := range runes {
		if r != '.' && r != '!' && r != '?' {
			continue
		}
		if i+1 >= len(runes) {
			return -1 // end of buffer, unconfirmed
		}
		if !unicode.IsSpace(runes[i+1]) {
			continue // mid-token artifact or decimal
		}
		if r == '.' && suppressPeriod(runes, i) {
			continue
		}
		return i + 1
	}
	return -1
}

// suppressPeriod reports whether the period at index i belongs to an
// abbreviation or a decimal number rather than a sentence end.
func suppressPeriod(runes []rune, i int) bool {
	if i > 0 && i+1 < len(runes) && unicode.IsDigit(runes[i-1]) && unicode.IsDigit(runes[i+1]) {
		return true
	}
	word := precedingWord(runes, i)
	if word == "" {
		return false
	}
	if _, ok := abbreviations[strings.ToLower(word)]; ok {
		return true
	}
	// A single uppercase letter before the period is an initial ("J. Smith")
	// or the tail of a dotted acronym ("U.S.").
	tail := []rune(word[strings.LastIndexByte(word, '.')+1:])
	return len(tail) == 1 && unicode.IsUpper(tail[0])
}

// precedingWord scans back over letters and interior periods so multi-part
// abbreviations like "e.g." match as "e.g" rather than their last letter.
func precedingWord(runes []rune, i int) string {
	start := i
	for start > 0 && (unicode.IsLetter(runes[start-1]) || runes[start-1] == '.') {
		start--
	}
	return strings.TrimLeft(string(runes[start:i]), ".")
}

// Run bridges a token channel into a sentence channel. The output channel is
// closed after the final flush when the token channel closes, or when ctx is
// cancelled.
func (s *Segmenter) Run(ctx context.Context, tokens <-chan TokenChunk) <-chan SentenceUnit {
	out := make(chan SentenceUnit, 8)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case tok, ok := <-tokens:
				if !ok {
					if unit, ok := s.Flush(); ok {
						select {
						case out <- unit:
						case <-ctx.Done():
						}
					}
					return
				}
				for _, unit := range s.Feed(tok.Text) {
					select {
					case out <- unit:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()
	return out
}
