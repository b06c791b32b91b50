package synthcache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/tars-ai/tars-core/internal/synth"
)

// Cache stores immutable synthesized audio keyed by normalized sentence text
// plus backend identity. Lookups and writes must never fail a turn: on any
// backend trouble implementations report a miss and move on.
type Cache interface {
	Get(ctx context.Context, key string) (synth.Audio, bool)
	Put(ctx context.Context, key string, audio synth.Audio)
}

// Key derives the cache key for a sentence. Text is normalized (lowercased,
// whitespace collapsed) so token-stream spacing differences share entries.
func Key(text, backendID, voice string) string {
	normalized := strings.ToLower(strings.Join(strings.Fields(text), " "))
	sum := sha256.Sum256([]byte(normalized + "\x00" + backendID + "\x00" + voice))
	return hex.EncodeToString(sum[:])
}
