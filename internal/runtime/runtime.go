package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tars-ai/tars-core/internal/bus"
	"github.com/tars-ai/tars-core/internal/config"
	"github.com/tars-ai/tars-core/internal/history"
	"github.com/tars-ai/tars-core/internal/llm"
	"github.com/tars-ai/tars-core/internal/natsserver"
	"github.com/tars-ai/tars-core/internal/nodes"
	"github.com/tars-ai/tars-core/internal/persona"
	"github.com/tars-ai/tars-core/internal/playback"
	"github.com/tars-ai/tars-core/internal/stt"
	"github.com/tars-ai/tars-core/internal/synth"
	"github.com/tars-ai/tars-core/internal/synthcache"
	"github.com/tars-ai/tars-core/internal/turn"
)

// Runtime assembles the full voice pipeline: bus, STT, turn orchestration,
// synthesis, playback, history and telemetry, plus the health endpoints.
type Runtime struct {
	cfg           config.Config
	logger        *slog.Logger
	httpServer    *http.Server
	metricsServer *http.Server
	telemetry     *telemetry
	ready         atomic.Bool
	wg            sync.WaitGroup
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Start brings up every service, serves until ctx is cancelled, then shuts
// down in reverse order.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	tel, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.telemetry = tel

	embedded, err := natsserver.Start(r.cfg.Bus, r.logger)
	if err != nil {
		return fmt.Errorf("failed to start embedded bus: %w", err)
	}
	defer embedded.Shutdown()

	busCfg := r.cfg.Bus
	if embedded != nil {
		// Dial the address the embedded server actually bound, which may
		// differ from the configured one when the port was dynamic.
		busCfg.Servers = []string{embedded.ClientURL()}
	}
	busClient, err := bus.Connect(ctx, busCfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to connect to bus: %w", err)
	}
	defer busClient.Close()

	hist, err := history.Open(ctx, r.cfg.History, r.logger)
	if err != nil {
		return fmt.Errorf("failed to open history store: %w", err)
	}
	defer hist.Close()

	p := persona.New(r.cfg.Persona)

	recognizer, err := buildRecognizer(r.cfg.STT)
	if err != nil {
		return fmt.Errorf("failed to build recognizer: %w", err)
	}
	sttService := stt.NewService(ctx, r.cfg.STT, busClient, recognizer, r.logger)
	if err := sttService.Start(); err != nil {
		return fmt.Errorf("failed to start stt service: %w", err)
	}
	defer sttService.Close()

	generator, err := buildGenerator(r.cfg.LLM)
	if err != nil {
		return fmt.Errorf("failed to build llm generator: %w", err)
	}

	backends, err := buildSynthBackends(r.cfg.TTS)
	if err != nil {
		return fmt.Errorf("failed to build synthesis backends: %w", err)
	}

	cache, err := buildCache(r.cfg.Cache, r.logger)
	if err != nil {
		return fmt.Errorf("failed to build synthesis cache: %w", err)
	}

	sink, err := buildSink(r.cfg.Playback, busClient, r.logger)
	if err != nil {
		return fmt.Errorf("failed to build playback sink: %w", err)
	}

	registry, err := nodes.NewRegistry(ctx, r.cfg.Node, busClient, r.logger)
	if err != nil {
		return fmt.Errorf("failed to start node registry: %w", err)
	}
	defer registry.Close()

	turnService, err := turn.NewService(ctx, r.cfg, turn.Deps{
		Bus:         busClient,
		Generator:   generator,
		Backends:    backends,
		BackendGate: backendGate(registry),
		Cache:       cache,
		Sink:        sink,
		Persona:     p,
		History:     hist,
		Logger:      r.logger,
	})
	if err != nil {
		return fmt.Errorf("failed to create turn service: %w", err)
	}
	if err := turnService.Start(); err != nil {
		return fmt.Errorf("failed to start turn service: %w", err)
	}
	defer turnService.Close()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, req *http.Request) {
		r.handleReady(w, req, busClient, sttService, turnService, registry)
	})
	if tel.metrics != nil && r.cfg.Telemetry.PrometheusBind == "" {
		mux.Handle("/metrics", tel.metrics)
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()

	if tel.metrics != nil && r.cfg.Telemetry.PrometheusBind != "" {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", tel.metrics)
		r.metricsServer = &http.Server{
			Addr:              r.cfg.Telemetry.PrometheusBind,
			Handler:           metricsMux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			if err := r.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				r.logger.Error("metrics server failed", slog.String("error", err.Error()))
			}
		}()
		r.logger.Info("metrics listener started", slog.String("addr", r.cfg.Telemetry.PrometheusBind))
	}

	capabilities := make([]string, 0, len(registry.LocalCapabilities()))
	for _, capability := range registry.LocalCapabilities() {
		capabilities = append(capabilities, capability.Name)
	}

	r.ready.Store(true)
	r.logger.Info("runtime started",
		slog.String("addr", addr),
		slog.String("persona", p.Snapshot()),
		slog.Any("capabilities", capabilities))

	<-ctx.Done()
	r.logger.Info("runtime stopping")
	r.ready.Store(false)

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	if r.metricsServer != nil {
		if err := r.metricsServer.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("metrics shutdown error", slog.String("error", err.Error()))
		}
	}
	r.wg.Wait()

	if r.telemetry != nil {
		if err := r.telemetry.shutdown(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}

	return nil
}

// backendGate keeps remote synthesis off the dispatch path when no healthy
// node advertises the tts capability. Local backends are always allowed.
func backendGate(registry *nodes.Registry) func(backendID string) bool {
	return func(backendID string) bool {
		if backendID != "http" {
			return true
		}
		return registry.HealthyWithCapability("tts")
	}
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

type healthChecker interface {
	Healthy() bool
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request, checks ...healthChecker) {
	if r.ready.Load() {
		for _, check := range checks {
			if !check.Healthy() {
				w.WriteHeader(http.StatusServiceUnavailable)
				_, _ = w.Write([]byte("not ready"))
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func buildRecognizer(cfg config.STTConfig) (stt.Recognizer, error) {
	switch cfg.Mode {
	case "exec":
		return stt.NewExecRecognizer(cfg)
	default:
		return stt.NewMockRecognizer(), nil
	}
}

func buildGenerator(cfg config.LLMConfig) (llm.Generator, error) {
	switch cfg.Mode {
	case "ollama":
		return llm.NewOllamaGenerator(cfg.Endpoint, cfg.Model), nil
	case "openai":
		return llm.NewOpenAIGenerator(cfg.APIKey, cfg.BaseURL, cfg.Model), nil
	case "exec":
		return llm.NewExecGenerator(cfg.Command)
	default:
		return llm.NewMockGenerator(), nil
	}
}

// buildSynthBackends honors the ranked order from config; the first entry is
// primary, the rest are fallbacks.
func buildSynthBackends(cfg config.TTSConfig) ([]synth.Backend, error) {
	var backends []synth.Backend
	for _, name := range cfg.Backends {
		switch name {
		case "http":
			timeout := time.Duration(cfg.SynthTimeoutMS) * time.Millisecond
			backends = append(backends, synth.NewHTTPBackend(cfg.Endpoint, cfg.AuthToken, timeout))
		case "exec":
			backend, err := synth.NewExecBackend(cfg.Command, cfg.SampleRate, cfg.Channels)
			if err != nil {
				return nil, err
			}
			backends = append(backends, backend)
		case "mock":
			backends = append(backends, synth.NewMockBackend(cfg.SampleRate, cfg.Channels))
		default:
			return nil, fmt.Errorf("unknown synthesis backend %q", name)
		}
	}
	if len(backends) == 0 {
		backends = append(backends, synth.NewMockBackend(cfg.SampleRate, cfg.Channels))
	}
	return backends, nil
}

func buildCache(cfg config.CacheConfig, logger *slog.Logger) (synthcache.Cache, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	switch cfg.Mode {
	case "redis":
		return synthcache.NewRedis(cfg, logger), nil
	default:
		return synthcache.NewLRU(cfg.MaxEntries)
	}
}

func buildSink(cfg config.PlaybackConfig, busClient *bus.Client, logger *slog.Logger) (playback.Sink, error) {
	switch cfg.Mode {
	case "file":
		return playback.NewFileSink(cfg.Directory, logger)
	default:
		return playback.NewBusSink(busClient, cfg.Target, logger), nil
	}
}
