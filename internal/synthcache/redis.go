package synthcache

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tars-ai/tars-core/internal/config"
	"github.com/tars-ai/tars-core/internal/synth"
)

// redisCache shares synthesized audio across runtime restarts and across
// nodes (useful when several satellites ask the same things). TTL-bounded
// instead of size-bounded.
type redisCache struct {
	client *redis.Client
	ttl    time.Duration
	log    *slog.Logger
}

type redisEntry struct {
	PCM        []byte        `json:"pcm"`
	SampleRate int           `json:"sample_rate"`
	Channels   int           `json:"channels"`
	Duration   time.Duration `json:"duration"`
}

func NewRedis(cfg config.CacheConfig, log *slog.Logger) Cache {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	return &redisCache{
		client: client,
		ttl:    time.Duration(cfg.TTLSeconds) * time.Second,
		log:    log.With(slog.String("component", "synth-cache")),
	}
}

func (c *redisCache) Get(ctx context.Context, key string) (synth.Audio, bool) {
	val, err := c.client.Get(ctx, "tts:"+key).Result()
	if err != nil {
		if err != redis.Nil {
			c.log.Warn("cache get failed", slog.String("error", err.Error()))
		}
		return synth.Audio{}, false
	}
	var entry redisEntry
	if err := json.Unmarshal([]byte(val), &entry); err != nil {
		c.log.Warn("cache entry corrupt", slog.String("error", err.Error()))
		return synth.Audio{}, false
	}
	return synth.Audio{
		PCM:        entry.PCM,
		SampleRate: entry.SampleRate,
		Channels:   entry.Channels,
		Duration:   entry.Duration,
	}, true
}

func (c *redisCache) Put(ctx context.Context, key string, audio synth.Audio) {
	data, err := json.Marshal(redisEntry{
		PCM:        audio.PCM,
		SampleRate: audio.SampleRate,
		Channels:   audio.Channels,
		Duration:   audio.Duration,
	})
	if err != nil {
		c.log.Warn("cache marshal failed", slog.String("error", err.Error()))
		return
	}
	if err := c.client.Set(ctx, "tts:"+key, data, c.ttl).Err(); err != nil {
		c.log.Warn("cache put failed", slog.String("error", err.Error()))
	}
}
