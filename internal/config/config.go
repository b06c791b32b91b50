package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	PrometheusBind string `yaml:"prometheus_bind"`
}

// SlogLevel maps the configured log level onto slog, defaulting to info for
// unknown values.
func (t TelemetryConfig) SlogLevel() slog.Level {
	switch strings.ToLower(t.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string          `yaml:"runtime_name"`
	Environment string          `yaml:"environment"`
	HTTP        HTTPConfig      `yaml:"http"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Bus         BusConfig       `yaml:"bus"`
	Node        NodeConfig      `yaml:"node"`
	History     HistoryConfig   `yaml:"history"`
	STT         STTConfig       `yaml:"stt"`
	LLM         LLMConfig       `yaml:"llm"`
	TTS         TTSConfig       `yaml:"tts"`
	Cache       CacheConfig     `yaml:"cache"`
	Playback    PlaybackConfig  `yaml:"playback"`
	Persona     PersonaConfig   `yaml:"persona"`
	Turn        TurnConfig      `yaml:"turn"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
	StoreDir       string   `yaml:"store_dir"` // JetStream storage, embedded mode only
}

type NodeConfig struct {
	ID                string           `yaml:"id"`
	Role              string           `yaml:"role"`
	HeartbeatInterval int              `yaml:"heartbeat_interval_ms"`
	HeartbeatTimeout  int              `yaml:"heartbeat_timeout_ms"`
	Capabilities      []NodeCapability `yaml:"capabilities"`
}

type NodeCapability struct {
	Name       string            `yaml:"name"`
	Attributes map[string]string `yaml:"attributes"`
}

type HistoryConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type STTConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Mode            string `yaml:"mode"` // mock, exec
	Command         string `yaml:"command"`
	ModelPath       string `yaml:"model_path"`
	Language        string `yaml:"language"`
	SampleRate      int    `yaml:"sample_rate"`
	Channels        int    `yaml:"channels"`
	FrameDurationMS int    `yaml:"frame_duration_ms"`
	PartialEveryMS  int    `yaml:"partial_every_ms"`
	PublishInterim  bool   `yaml:"publish_interim"`
}

type LLMConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Mode        string  `yaml:"mode"` // mock, ollama, openai, exec
	Endpoint    string  `yaml:"endpoint"`
	BaseURL     string  `yaml:"base_url"`
	APIKey      string  `yaml:"api_key"`
	Command     string  `yaml:"command"`
	Model       string  `yaml:"model"`
	MaxTokens   int     `yaml:"max_tokens"`
	Temperature float64 `yaml:"temperature"`
	TimeoutMS   int     `yaml:"timeout_ms"`
}

type TTSConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Backends       []string `yaml:"backends"` // ranked fallback order: http, exec, mock
	Voice          string   `yaml:"voice"`
	SampleRate     int      `yaml:"sample_rate"`
	Channels       int      `yaml:"channels"`
	Command        string   `yaml:"command"`
	Endpoint       string   `yaml:"endpoint"`
	AuthToken      string   `yaml:"auth_token"`
	SynthTimeoutMS int      `yaml:"synth_timeout_ms"`
	OverlapWindow  int      `yaml:"overlap_window"`
}

type CacheConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Mode          string `yaml:"mode"` // memory, redis
	MaxEntries    int    `yaml:"max_entries"`
	TTLSeconds    int    `yaml:"ttl_seconds"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
}

type PlaybackConfig struct {
	Mode            string `yaml:"mode"` // bus, file
	Target          string `yaml:"target"`
	Directory       string `yaml:"directory"`
	InterruptPolicy string `yaml:"interrupt_policy"` // drain, stop
}

type PersonaConfig struct {
	Name    string `yaml:"name"`
	Humor   int    `yaml:"humor"`
	Honesty int    `yaml:"honesty"`
	Sarcasm int    `yaml:"sarcasm"`
}

type TurnConfig struct {
	Enabled       bool `yaml:"enabled"`
	ResponseCache bool `yaml:"response_cache"`
}

func Default() Config {
	return Config{
		RuntimeName: "tars-runtime",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
		},
		Bus: BusConfig{
			Embedded:       true,
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
			StoreDir:       "./data/nats",
		},
		Node: NodeConfig{
			ID:                "tars-node-1",
			Role:              "runtime",
			HeartbeatInterval: 2000,
			HeartbeatTimeout:  6000,
			Capabilities: []NodeCapability{
				{Name: "runtime.core"},
			},
		},
		History: HistoryConfig{
			Path:          "./data/tars-history.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   10000,
		},
		STT: STTConfig{
			Enabled:         false,
			Mode:            "mock",
			SampleRate:      16000,
			Channels:        1,
			FrameDurationMS: 20,
			PartialEveryMS:  800,
		},
		LLM: LLMConfig{
			Enabled:     false,
			Mode:        "mock",
			Endpoint:    "http://localhost:11434",
			Model:       "llama3.2:latest",
			MaxTokens:   256,
			Temperature: 0.7,
			TimeoutMS:   60000,
		},
		TTS: TTSConfig{
			Enabled:        false,
			Backends:       []string{"mock"},
			Voice:          "tars",
			SampleRate:     22050,
			Channels:       1,
			SynthTimeoutMS: 8000,
			OverlapWindow:  2,
		},
		Cache: CacheConfig{
			Enabled:    true,
			Mode:       "memory",
			MaxEntries: 256,
			TTLSeconds: 3600,
			RedisAddr:  "localhost:6379",
		},
		Playback: PlaybackConfig{
			Mode:            "bus",
			Target:          "default",
			Directory:       "./data/audio",
			InterruptPolicy: "drain",
		},
		Persona: PersonaConfig{
			Name:    "TARS",
			Humor:   75,
			Honesty: 90,
			Sarcasm: 30,
		},
		Turn: TurnConfig{
			Enabled:       true,
			ResponseCache: true,
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "TARS_RUNTIME_NAME")
	overrideString(&cfg.Environment, "TARS_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "TARS_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "TARS_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "TARS_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "TARS_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "TARS_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "TARS_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Embedded, "TARS_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "TARS_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "TARS_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "TARS_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "TARS_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "TARS_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "TARS_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "TARS_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Bus.StoreDir, "TARS_BUS_STORE_DIR")
	overrideString(&cfg.Node.ID, "TARS_NODE_ID")
	overrideString(&cfg.Node.Role, "TARS_NODE_ROLE")
	overrideInt(&cfg.Node.HeartbeatInterval, "TARS_NODE_HEARTBEAT_INTERVAL_MS")
	overrideInt(&cfg.Node.HeartbeatTimeout, "TARS_NODE_HEARTBEAT_TIMEOUT_MS")
	overrideString(&cfg.History.Path, "TARS_HISTORY_PATH")
	overrideString(&cfg.History.RetentionMode, "TARS_HISTORY_RETENTION_MODE")
	overrideInt(&cfg.History.RetentionDays, "TARS_HISTORY_RETENTION_DAYS")
	overrideInt(&cfg.History.MaxSessions, "TARS_HISTORY_MAX_SESSIONS")
	overrideBool(&cfg.History.VacuumOnStart, "TARS_HISTORY_VACUUM_ON_START")
	overrideBool(&cfg.STT.Enabled, "TARS_STT_ENABLED")
	overrideString(&cfg.STT.Mode, "TARS_STT_MODE")
	overrideString(&cfg.STT.Command, "TARS_STT_COMMAND")
	overrideString(&cfg.STT.ModelPath, "TARS_STT_MODEL_PATH")
	overrideString(&cfg.STT.Language, "TARS_STT_LANGUAGE")
	overrideInt(&cfg.STT.SampleRate, "TARS_STT_SAMPLE_RATE")
	overrideInt(&cfg.STT.Channels, "TARS_STT_CHANNELS")
	overrideInt(&cfg.STT.FrameDurationMS, "TARS_STT_FRAME_DURATION_MS")
	overrideInt(&cfg.STT.PartialEveryMS, "TARS_STT_PARTIAL_EVERY_MS")
	overrideBool(&cfg.STT.PublishInterim, "TARS_STT_PUBLISH_INTERIM")
	overrideBool(&cfg.LLM.Enabled, "TARS_LLM_ENABLED")
	overrideString(&cfg.LLM.Mode, "TARS_LLM_MODE")
	overrideString(&cfg.LLM.Endpoint, "TARS_LLM_ENDPOINT")
	overrideString(&cfg.LLM.BaseURL, "TARS_LLM_BASE_URL")
	overrideString(&cfg.LLM.APIKey, "TARS_LLM_API_KEY")
	overrideString(&cfg.LLM.Command, "TARS_LLM_COMMAND")
	overrideString(&cfg.LLM.Model, "TARS_LLM_MODEL")
	overrideInt(&cfg.LLM.MaxTokens, "TARS_LLM_MAX_TOKENS")
	overrideFloat(&cfg.LLM.Temperature, "TARS_LLM_TEMPERATURE")
	overrideInt(&cfg.LLM.TimeoutMS, "TARS_LLM_TIMEOUT_MS")
	overrideBool(&cfg.TTS.Enabled, "TARS_TTS_ENABLED")
	overrideStringSlice(&cfg.TTS.Backends, "TARS_TTS_BACKENDS")
	overrideString(&cfg.TTS.Voice, "TARS_TTS_VOICE")
	overrideInt(&cfg.TTS.SampleRate, "TARS_TTS_SAMPLE_RATE")
	overrideInt(&cfg.TTS.Channels, "TARS_TTS_CHANNELS")
	overrideString(&cfg.TTS.Command, "TARS_TTS_COMMAND")
	overrideString(&cfg.TTS.Endpoint, "TARS_TTS_ENDPOINT")
	overrideString(&cfg.TTS.AuthToken, "TARS_TTS_AUTH_TOKEN")
	overrideInt(&cfg.TTS.SynthTimeoutMS, "TARS_TTS_SYNTH_TIMEOUT_MS")
	overrideInt(&cfg.TTS.OverlapWindow, "TARS_TTS_OVERLAP_WINDOW")
	overrideBool(&cfg.Cache.Enabled, "TARS_CACHE_ENABLED")
	overrideString(&cfg.Cache.Mode, "TARS_CACHE_MODE")
	overrideInt(&cfg.Cache.MaxEntries, "TARS_CACHE_MAX_ENTRIES")
	overrideInt(&cfg.Cache.TTLSeconds, "TARS_CACHE_TTL_SECONDS")
	overrideString(&cfg.Cache.RedisAddr, "TARS_CACHE_REDIS_ADDR")
	overrideString(&cfg.Cache.RedisPassword, "TARS_CACHE_REDIS_PASSWORD")
	overrideInt(&cfg.Cache.RedisDB, "TARS_CACHE_REDIS_DB")
	overrideString(&cfg.Playback.Mode, "TARS_PLAYBACK_MODE")
	overrideString(&cfg.Playback.Target, "TARS_PLAYBACK_TARGET")
	overrideString(&cfg.Playback.Directory, "TARS_PLAYBACK_DIRECTORY")
	overrideString(&cfg.Playback.InterruptPolicy, "TARS_PLAYBACK_INTERRUPT_POLICY")
	overrideString(&cfg.Persona.Name, "TARS_PERSONA_NAME")
	overrideInt(&cfg.Persona.Humor, "TARS_PERSONA_HUMOR")
	overrideInt(&cfg.Persona.Honesty, "TARS_PERSONA_HONESTY")
	overrideInt(&cfg.Persona.Sarcasm, "TARS_PERSONA_SARCASM")
	overrideBool(&cfg.Turn.Enabled, "TARS_TURN_ENABLED")
	overrideBool(&cfg.Turn.ResponseCache, "TARS_TURN_RESPONSE_CACHE")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Bus.Embedded {
		if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
			return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
		}
	} else {
		if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.Node.ID == "" {
		return errors.New("node.id must not be empty")
	}
	if cfg.Node.HeartbeatInterval <= 0 {
		return errors.New("node.heartbeat_interval_ms must be positive")
	}
	if cfg.Node.HeartbeatTimeout <= cfg.Node.HeartbeatInterval {
		return errors.New("node.heartbeat_timeout_ms must be greater than heartbeat interval")
	}
	if cfg.History.Path == "" {
		return errors.New("history.path must not be empty")
	}
	switch cfg.History.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("history.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.History.RetentionDays < 0 {
		return errors.New("history.retention_days must be >= 0")
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	if cfg.STT.Enabled {
		if cfg.STT.SampleRate <= 0 {
			return errors.New("stt.sample_rate must be positive")
		}
		if cfg.STT.Channels <= 0 {
			return errors.New("stt.channels must be positive")
		}
		switch cfg.STT.Mode {
		case "mock", "exec":
		default:
			return errors.New("stt.mode must be one of mock|exec")
		}
		if cfg.STT.Mode == "exec" && cfg.STT.Command == "" {
			return errors.New("stt.command must be set when mode=exec")
		}
	}
	if cfg.LLM.Enabled {
		switch cfg.LLM.Mode {
		case "mock", "ollama", "openai", "exec":
		default:
			return errors.New("llm.mode must be one of mock|ollama|openai|exec")
		}
		if cfg.LLM.Mode == "ollama" && cfg.LLM.Endpoint == "" {
			return errors.New("llm.endpoint must be set when mode=ollama")
		}
		if cfg.LLM.Mode == "openai" && cfg.LLM.APIKey == "" {
			return errors.New("llm.api_key must be set when mode=openai")
		}
		if cfg.LLM.Mode == "exec" && cfg.LLM.Command == "" {
			return errors.New("llm.command must be set when mode=exec")
		}
		if cfg.LLM.MaxTokens < 0 {
			return errors.New("llm.max_tokens must be >= 0")
		}
	}
	if cfg.TTS.Enabled {
		if len(cfg.TTS.Backends) == 0 {
			return errors.New("tts.backends must not be empty")
		}
		for _, b := range cfg.TTS.Backends {
			switch b {
			case "mock", "exec", "http":
			default:
				return fmt.Errorf("tts.backends entries must be one of mock|exec|http, got %q", b)
			}
			if b == "exec" && cfg.TTS.Command == "" {
				return errors.New("tts.command must be set when backends include exec")
			}
			if b == "http" && cfg.TTS.Endpoint == "" {
				return errors.New("tts.endpoint must be set when backends include http")
			}
		}
		if cfg.TTS.SampleRate <= 0 {
			return errors.New("tts.sample_rate must be positive")
		}
		if cfg.TTS.Channels <= 0 {
			return errors.New("tts.channels must be positive")
		}
		if cfg.TTS.SynthTimeoutMS <= 0 {
			return errors.New("tts.synth_timeout_ms must be positive")
		}
		if cfg.TTS.OverlapWindow <= 0 {
			return errors.New("tts.overlap_window must be >= 1")
		}
	}
	if cfg.Cache.Enabled {
		switch cfg.Cache.Mode {
		case "memory", "redis":
		default:
			return errors.New("cache.mode must be one of memory|redis")
		}
		if cfg.Cache.Mode == "memory" && cfg.Cache.MaxEntries <= 0 {
			return errors.New("cache.max_entries must be positive when mode=memory")
		}
		if cfg.Cache.Mode == "redis" && cfg.Cache.RedisAddr == "" {
			return errors.New("cache.redis_addr must be set when mode=redis")
		}
	}
	switch cfg.Playback.Mode {
	case "bus", "file":
	default:
		return errors.New("playback.mode must be one of bus|file")
	}
	if cfg.Playback.Mode == "file" && cfg.Playback.Directory == "" {
		return errors.New("playback.directory must be set when mode=file")
	}
	switch cfg.Playback.InterruptPolicy {
	case "drain", "stop":
	default:
		return errors.New("playback.interrupt_policy must be one of drain|stop")
	}
	for _, trait := range []int{cfg.Persona.Humor, cfg.Persona.Honesty, cfg.Persona.Sarcasm} {
		if trait < 0 || trait > 100 {
			return errors.New("persona trait levels must be between 0 and 100")
		}
	}
	return nil
}
