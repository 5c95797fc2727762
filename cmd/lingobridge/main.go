// Command lingobridge runs a real-time speech translation bridge between
// local audio devices.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/lingobridge/internal/app"
	"github.com/MrWong99/lingobridge/internal/config"
	"github.com/MrWong99/lingobridge/internal/health"
	"github.com/MrWong99/lingobridge/internal/journal"
	"github.com/MrWong99/lingobridge/internal/observe"
	"github.com/MrWong99/lingobridge/internal/pipeline"
	"github.com/MrWong99/lingobridge/internal/resilience"
	"github.com/MrWong99/lingobridge/pkg/audio"
	"github.com/MrWong99/lingobridge/pkg/audio/portaudio"
	"github.com/MrWong99/lingobridge/pkg/provider/llm"
	"github.com/MrWong99/lingobridge/pkg/provider/llm/anyllm"
	"github.com/MrWong99/lingobridge/pkg/provider/llm/openai"
	"github.com/MrWong99/lingobridge/pkg/provider/s2s"
	"github.com/MrWong99/lingobridge/pkg/provider/s2s/gemini"
	"github.com/MrWong99/lingobridge/pkg/provider/stt"
	"github.com/MrWong99/lingobridge/pkg/provider/stt/deepgram"
	"github.com/MrWong99/lingobridge/pkg/provider/tts"
	"github.com/MrWong99/lingobridge/pkg/provider/tts/cartesia"
	"github.com/MrWong99/lingobridge/pkg/provider/tts/elevenlabs"
	"github.com/MrWong99/lingobridge/pkg/provider/vad"
	"github.com/MrWong99/lingobridge/pkg/provider/vad/energy"
)

var version = "dev"

const shutdownTimeout = 10 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "lingobridge.yaml", "path to the YAML configuration file")
	listDevices := flag.Bool("list-devices", false, "print the available audio devices and exit")
	flag.Parse()

	if *listDevices {
		if err := printDevices(os.Stdout); err != nil {
			fmt.Fprintf(os.Stderr, "lingobridge: %v\n", err)
			return 1
		}
		return 0
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "lingobridge: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "lingobridge: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	var level slog.LevelVar
	level.Set(slogLevel(cfg.Server.LogLevel))
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: &level})))

	slog.Info("lingobridge starting",
		"version", version,
		"config", *configPath,
		"directions", len(cfg.Directions),
		"log_level", cfg.Server.LogLevel,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	watcher := config.NewWatcher(*configPath, cfg, func(d config.ConfigDiff, _ *config.Config) {
		if d.LogLevelChanged {
			level.Set(slogLevel(d.NewLogLevel))
			slog.Info("log level changed", "level", d.NewLogLevel)
		}
		if d.RequiresRestart() {
			slog.Warn("config change requires a restart to take effect",
				"providers_changed", d.ProvidersChanged,
				"directions_changed", d.DirectionsChanged,
			)
		}
	})
	go watcher.Run(ctx)

	// ── Observability ─────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: version})
	if err != nil {
		slog.Error("failed to initialise telemetry", "error", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := otelShutdown(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "error", err)
		}
	}()
	metrics := observe.DefaultMetrics()

	// ── Providers ─────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg, cfg)

	providers, err := buildProviders(cfg, reg, metrics)
	if err != nil {
		slog.Error("failed to build providers", "error", err)
		return 1
	}

	var opts []app.Option
	if c, ok := providers.Audio.(io.Closer); ok {
		opts = append(opts, app.WithCloser(func(context.Context) error { return c.Close() }))
	}

	// ── Journal ───────────────────────────────────────────────────────────────
	if dsn := cfg.Journal.PostgresDSN; dsn != "" {
		store, closePool, err := journal.Open(ctx, dsn)
		if err != nil {
			slog.Error("failed to open journal", "error", err)
			return 1
		}
		async := journal.NewAsync(store, cfg.Journal.Buffer)
		opts = append(opts,
			app.WithJournal(async),
			app.WithChecker(health.PingChecker("journal", store.Ping)),
			app.WithCloser(func(context.Context) error { closePool(); return nil }),
			app.WithCloser(async.Close),
		)
		slog.Info("journal enabled", "buffer", cfg.Journal.Buffer)
	}

	application, err := app.New(cfg, providers, opts...)
	if err != nil {
		slog.Error("failed to initialise bridge", "error", err)
		return 1
	}

	printStartupSummary(cfg)

	// ── Health and metrics ────────────────────────────────────────────────────
	var srv *http.Server
	if cfg.Server.ListenAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("GET /metrics", promhttp.Handler())
		health.New(application.Checkers()...).Register(mux)
		srv = &http.Server{
			Addr:              cfg.Server.ListenAddr,
			Handler:           observe.Middleware(metrics)(mux),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			slog.Info("http server listening", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("http server error", "error", err)
			}
		}()
	}

	slog.Info("bridge ready, press Ctrl+C to stop")
	runErr := application.Run(ctx)
	if runErr != nil {
		slog.Error("bridge stopped with errors", "error", runErr)
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if srv != nil {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("http server shutdown error", "error", err)
		}
	}
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "error", err)
		return 1
	}
	if runErr != nil {
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

func registerBuiltinProviders(reg *config.Registry, cfg *config.Config) {
	// ── LLM ───────────────────────────────────────────────────────────────────
	// "openai" has a native client below; every other chat backend goes
	// through any-llm-go.
	for _, name := range anyllm.Backends() {
		if name == "openai" {
			continue
		}
		reg.RegisterLLM(name, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(name, entry.Model, opts...)
		})
	}

	reg.RegisterLLM("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []openai.Option
		if entry.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(entry.BaseURL))
		}
		if org := optString(entry.Options, "organization"); org != "" {
			opts = append(opts, openai.WithOrganization(org))
		}
		if d := optDuration(entry.Options, "timeout"); d > 0 {
			opts = append(opts, openai.WithTimeout(d))
		}
		if n, ok := entry.Options["max_retries"].(int); ok {
			opts = append(opts, openai.WithMaxRetries(n))
		}
		return openai.New(entry.APIKey, entry.Model, opts...)
	})

	// ── STT ───────────────────────────────────────────────────────────────────
	reg.RegisterSTT("deepgram", func(entry config.ProviderEntry) (stt.Provider, error) {
		opts := []deepgram.Option{deepgram.WithReadTimeout(cfg.Transcription.ReadTimeout)}
		if entry.Model != "" {
			opts = append(opts, deepgram.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, deepgram.WithBaseURL(entry.BaseURL))
		}
		return deepgram.New(entry.APIKey, opts...)
	})

	// ── TTS ───────────────────────────────────────────────────────────────────
	reg.RegisterTTS("cartesia", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []cartesia.Option
		if entry.Model != "" {
			opts = append(opts, cartesia.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, cartesia.WithBaseURL(entry.BaseURL))
		}
		if v := optString(entry.Options, "version"); v != "" {
			opts = append(opts, cartesia.WithVersion(v))
		}
		return cartesia.New(entry.APIKey, opts...)
	})

	reg.RegisterTTS("elevenlabs", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []elevenlabs.Option
		if entry.Model != "" {
			opts = append(opts, elevenlabs.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, elevenlabs.WithBaseURL(entry.BaseURL))
		}
		return elevenlabs.New(entry.APIKey, opts...)
	})

	// ── Speech-to-speech ──────────────────────────────────────────────────────
	reg.RegisterS2S("gemini", func(entry config.ProviderEntry) (s2s.Provider, error) {
		var opts []gemini.Option
		if entry.Model != "" {
			opts = append(opts, gemini.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, gemini.WithBaseURL(entry.BaseURL))
		}
		if v := optString(entry.Options, "api_version"); v != "" {
			opts = append(opts, gemini.WithAPIVersion(v))
		}
		return gemini.New(entry.APIKey, opts...)
	})

	// ── VAD / audio ───────────────────────────────────────────────────────────
	reg.RegisterVAD("energy", func(config.ProviderEntry) (vad.Engine, error) {
		return energy.New(), nil
	})

	reg.RegisterAudio("portaudio", func(config.ProviderEntry) (audio.Platform, error) {
		return portaudio.New()
	})

	for kind, names := range reg.Names() {
		slog.Debug("registered providers", "kind", kind, "names", names)
	}
}

// buildProviders instantiates the providers the configured directions need:
// the cascade providers when any direction cascades and the speech-to-speech
// provider when any runs in s2s mode. With LLM fallbacks configured, the
// translation backend is wrapped in a failover provider.
func buildProviders(cfg *config.Config, reg *config.Registry, metrics *observe.Metrics) (*app.Providers, error) {
	ps := &app.Providers{}
	var err error
	created := map[string]config.ProviderEntry{
		"vad": cfg.Providers.VAD, "audio": cfg.Providers.Audio,
	}

	if cfg.UsesMode(pipeline.ModeCascade) {
		if ps.LLM, err = buildLLM(cfg, reg, metrics); err != nil {
			return nil, err
		}
		if ps.STT, err = reg.CreateSTT(cfg.Providers.STT); err != nil {
			return nil, fmt.Errorf("create stt provider %q: %w", cfg.Providers.STT.Name, err)
		}
		if ps.TTS, err = reg.CreateTTS(cfg.Providers.TTS); err != nil {
			return nil, fmt.Errorf("create tts provider %q: %w", cfg.Providers.TTS.Name, err)
		}
		created["llm"], created["stt"], created["tts"] = cfg.Providers.LLM, cfg.Providers.STT, cfg.Providers.TTS
	}
	if cfg.UsesMode(pipeline.ModeSpeechToSpeech) {
		if ps.S2S, err = reg.CreateS2S(cfg.Providers.S2S); err != nil {
			return nil, fmt.Errorf("create s2s provider %q: %w", cfg.Providers.S2S.Name, err)
		}
		created["s2s"] = cfg.Providers.S2S
	}
	if ps.VAD, err = reg.CreateVAD(cfg.Providers.VAD); err != nil {
		return nil, fmt.Errorf("create vad provider %q: %w", cfg.Providers.VAD.Name, err)
	}
	if ps.Audio, err = reg.CreateAudio(cfg.Providers.Audio); err != nil {
		return nil, fmt.Errorf("create audio provider %q: %w", cfg.Providers.Audio.Name, err)
	}

	for kind, entry := range created {
		slog.Info("provider created", "kind", kind, "name", entry.Name, "model", entry.Model)
	}
	return ps, nil
}

func buildLLM(cfg *config.Config, reg *config.Registry, metrics *observe.Metrics) (llm.Provider, error) {
	primary, err := reg.CreateLLM(cfg.Providers.LLM)
	if err != nil {
		return nil, fmt.Errorf("create llm provider %q: %w", cfg.Providers.LLM.Name, err)
	}
	if len(cfg.LLMFallbacks) == 0 {
		return primary, nil
	}

	fb := resilience.NewLLMFallback(cfg.Providers.LLM.Name, primary, resilience.BreakerConfig{
		OnStateChange: func(name string, _, to resilience.State) {
			metrics.RecordBreakerTransition(context.Background(), name, to.String())
		},
	})
	for _, entry := range cfg.LLMFallbacks {
		p, err := reg.CreateLLM(entry)
		if err != nil {
			return nil, fmt.Errorf("create llm fallback %q: %w", entry.Name, err)
		}
		fb.AddFallback(entry.Name, p)
	}
	slog.Info("llm failover enabled", "backends", fb.Backends())
	return fb, nil
}

// ── Devices ───────────────────────────────────────────────────────────────────

func printDevices(w io.Writer) error {
	p, err := portaudio.New()
	if err != nil {
		return err
	}
	defer p.Close()

	devices, err := p.ListDevices()
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "%-5s %-40s %-16s %3s %3s %8s\n", "INDEX", "NAME", "HOST API", "IN", "OUT", "RATE")
	for _, d := range devices {
		fmt.Fprintf(w, "%-5d %-40s %-16s %3d %3d %8.0f\n",
			d.Index, truncate(d.Name, 40), truncate(d.HostAPI, 16), d.MaxInputChannels, d.MaxOutputChannels, d.DefaultSampleRate)
	}
	return nil
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════════╗")
	fmt.Println("║        lingobridge startup summary        ║")
	fmt.Println("╠═══════════════════════════════════════════╣")
	if cfg.UsesMode(pipeline.ModeCascade) {
		printRow("LLM", providerLabel(cfg.Providers.LLM))
		for _, fb := range cfg.LLMFallbacks {
			printRow("  fallback", providerLabel(fb))
		}
		printRow("STT", providerLabel(cfg.Providers.STT))
		printRow("TTS", providerLabel(cfg.Providers.TTS))
	}
	if cfg.UsesMode(pipeline.ModeSpeechToSpeech) {
		printRow("S2S", providerLabel(cfg.Providers.S2S))
	}
	printRow("VAD", cfg.Providers.VAD.Name)
	printRow("Audio", cfg.Providers.Audio.Name)
	for _, d := range cfg.Directions {
		printRow("Direction", fmt.Sprintf("%s (%s): %s -> %s", d.Name, d.Mode, deviceLabel(d.InputDevice), deviceLabel(d.OutputDevice)))
	}
	if cfg.Journal.PostgresDSN != "" {
		printRow("Journal", "postgres")
	} else {
		printRow("Journal", "(disabled)")
	}
	if cfg.Server.ListenAddr != "" {
		printRow("Listen addr", cfg.Server.ListenAddr)
	}
	fmt.Println("╚═══════════════════════════════════════════╝")
}

func printRow(label, value string) {
	fmt.Printf("║  %-11s : %-26s ║\n", label, truncate(value, 26))
}

func providerLabel(e config.ProviderEntry) string {
	if e.Model == "" {
		return e.Name
	}
	return e.Name + " / " + e.Model
}

func deviceLabel(id string) string {
	if id == "" {
		return "default"
	}
	return id
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

// ── Helpers ───────────────────────────────────────────────────────────────────

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// optString extracts a string from a provider Options map. Missing keys and
// non-string values yield "".
func optString(opts map[string]any, key string) string {
	s, _ := opts[key].(string)
	return s
}

// optDuration parses a Go duration string ("20s") from a provider Options map.
func optDuration(opts map[string]any, key string) time.Duration {
	d, err := time.ParseDuration(optString(opts, key))
	if err != nil {
		return 0
	}
	return d
}
