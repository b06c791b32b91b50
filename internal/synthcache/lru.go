package synthcache

import (
	"context"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/tars-ai/tars-core/internal/synth"
)

// lruCache is the in-process, size-bounded default.
type lruCache struct {
	entries *lru.Cache[string, synth.Audio]
}

func NewLRU(maxEntries int) (Cache, error) {
	entries, err := lru.New[string, synth.Audio](maxEntries)
	if err != nil {
		return nil, err
	}
	return &lruCache{entries: entries}, nil
}

func (c *lruCache) Get(_ context.Context, key string) (synth.Audio, bool) {
	return c.entries.Get(key)
}

func (c *lruCache) Put(_ context.Context, key string, audio synth.Audio) {
	c.entries.Add(key, audio)
}
