// Command atlas is the hybrid voice routing core. It reads raw s16le mono PCM
// on stdin, runs the VAD → STT → router → generator → synthesizer pipeline,
// and writes reply PCM to stdout:
//
//	arecord -f S16_LE -r 16000 -c 1 | atlas -config atlas.yaml | aplay -f S16_LE -r 16000 -c 1
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/atlas-voice/atlas/internal/app"
	"github.com/atlas-voice/atlas/internal/config"
	"github.com/atlas-voice/atlas/internal/observe"
	"github.com/atlas-voice/atlas/pkg/audio"
	"github.com/atlas-voice/atlas/pkg/provider/llm"
	"github.com/atlas-voice/atlas/pkg/provider/llm/anyllm"
	"github.com/atlas-voice/atlas/pkg/provider/stt/whisper"
	"github.com/atlas-voice/atlas/pkg/provider/tts/elevenlabs"
	ollamaembed "github.com/atlas-voice/atlas/pkg/provider/embeddings/ollama"
	oaembed "github.com/atlas-voice/atlas/pkg/provider/embeddings/openai"
)

// Exit codes, sysexits-style.
const (
	exitOK        = 0
	exitRunError  = 1
	exitConfig    = 64
	exitModelLoad = 65
	exitStorage   = 66
)

const (
	captureRate  = 16000
	captureFrame = 320 // 20 ms at 16 kHz
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "atlas.yaml", "path to the YAML policy file")
	flag.Parse()

	// ── Load policy ────────────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "atlas: policy file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "atlas: %v\n", err)
		}
		return exitConfig
	}

	// ── Logger ─────────────────────────────────────────────────────────────────
	slog.SetDefault(newLogger(cfg.Server.LogLevel))

	slog.Info("atlas starting",
		"config", *configPath,
		"control_addr", cfg.Server.ControlAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ─────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ──────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "atlas"})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return exitRunError
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(flushCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Providers ──────────────────────────────────────────────────────────────
	providers, err := buildProviders(cfg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return exitCode(err)
	}

	printStartupSummary(cfg)

	// ── Application ────────────────────────────────────────────────────────────
	source := audio.NewStreamSource(os.Stdin, captureRate, captureFrame)
	sink := audio.NewStreamSink(os.Stdout)

	application, err := app.New(ctx, cfg, providers, source, sink,
		app.WithPolicyPath(*configPath))
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return exitCode(err)
	}

	slog.Info("pipeline ready — press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return exitRunError
	}

	// ── Graceful shutdown ──────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return exitRunError
	}
	slog.Info("goodbye")
	return exitOK
}

// exitCode maps a startup failure class to its exit code.
func exitCode(err error) int {
	switch {
	case errors.Is(err, app.ErrConfig):
		return exitConfig
	case errors.Is(err, app.ErrModelLoad):
		return exitModelLoad
	case errors.Is(err, app.ErrStorage):
		return exitStorage
	}
	return exitRunError
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// buildProviders instantiates every backend named in cfg and returns them in
// an [app.Providers] struct. Transcription and synthesis are required; a
// missing FAST or AGENT backend leaves the tier disabled, and missing
// embeddings disable semantic routing.
func buildProviders(cfg *config.Config) (*app.Providers, error) {
	ps := &app.Providers{}

	// ── STT ────────────────────────────────────────────────────────────────────
	if cfg.Providers.STT.ModelPath == "" {
		return nil, fmt.Errorf("%w: providers.stt.model_path is required", app.ErrConfig)
	}
	transcriber, err := whisper.New(cfg.Providers.STT.ModelPath,
		whisper.WithLanguage(cfg.Providers.STT.Language))
	if err != nil {
		return nil, fmt.Errorf("%w: whisper model %q: %v", app.ErrModelLoad, cfg.Providers.STT.ModelPath, err)
	}
	ps.STT = transcriber
	slog.Info("provider created", "kind", "stt", "model", cfg.Providers.STT.ModelPath)

	// ── TTS ────────────────────────────────────────────────────────────────────
	switch cfg.Providers.TTS.Name {
	case "elevenlabs":
		var opts []elevenlabs.Option
		if cfg.Providers.TTS.Model != "" {
			opts = append(opts, elevenlabs.WithModel(cfg.Providers.TTS.Model))
		}
		p, err := elevenlabs.New(cfg.Providers.TTS.APIKey, opts...)
		if err != nil {
			return nil, fmt.Errorf("create tts provider: %w", err)
		}
		ps.TTS = p
	case "":
		return nil, fmt.Errorf("%w: providers.tts.name is required", app.ErrConfig)
	default:
		return nil, fmt.Errorf("%w: unknown tts provider %q", app.ErrConfig, cfg.Providers.TTS.Name)
	}
	slog.Info("provider created", "kind", "tts", "name", cfg.Providers.TTS.Name)

	// ── Embeddings (optional) ──────────────────────────────────────────────────
	switch cfg.Providers.Embeddings.Name {
	case "openai":
		var opts []oaembed.Option
		if cfg.Providers.Embeddings.BaseURL != "" {
			opts = append(opts, oaembed.WithBaseURL(cfg.Providers.Embeddings.BaseURL))
		}
		p, err := oaembed.New(cfg.Providers.Embeddings.APIKey, cfg.Providers.Embeddings.Model, opts...)
		if err != nil {
			return nil, fmt.Errorf("create embeddings provider: %w", err)
		}
		ps.Embeddings = p
	case "ollama":
		p, err := ollamaembed.New(cfg.Providers.Embeddings.BaseURL, cfg.Providers.Embeddings.Model)
		if err != nil {
			return nil, fmt.Errorf("create embeddings provider: %w", err)
		}
		ps.Embeddings = p
	case "":
		slog.Warn("no embeddings provider configured, semantic routing disabled")
	default:
		return nil, fmt.Errorf("%w: unknown embeddings provider %q", app.ErrConfig, cfg.Providers.Embeddings.Name)
	}

	// ── Generation tiers ───────────────────────────────────────────────────────
	if ps.Local, err = buildTierLLM("local", cfg.Tiers.Local); err != nil {
		return nil, err
	}
	if ps.Local == nil {
		return nil, fmt.Errorf("%w: tiers.local.provider is required, LOCAL is the terminal fallback", app.ErrConfig)
	}
	if ps.Fast, err = buildTierLLM("fast", cfg.Tiers.Fast); err != nil {
		return nil, err
	}
	if ps.Agent, err = buildTierLLM("agent", cfg.Tiers.Agent); err != nil {
		return nil, err
	}
	return ps, nil
}

// buildTierLLM creates one tier's any-llm backend. An unset provider name
// returns nil so the tier can be disabled rather than failing startup.
func buildTierLLM(tier string, cfg config.TierConfig) (llm.Provider, error) {
	if cfg.Provider == "" {
		return nil, nil
	}
	var opts []anyllmlib.Option
	if cfg.APIKey != "" {
		opts = append(opts, anyllmlib.WithAPIKey(cfg.APIKey))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, anyllmlib.WithBaseURL(cfg.BaseURL))
	}
	p, err := anyllm.New(cfg.Provider, cfg.Model, opts...)
	if err != nil {
		return nil, fmt.Errorf("create %s tier backend %q: %w", tier, cfg.Provider, err)
	}
	slog.Info("provider created", "kind", "llm", "tier", tier, "name", cfg.Provider, "model", cfg.Model)
	return p, nil
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Fprintln(os.Stderr, "╔═══════════════════════════════════════╗")
	fmt.Fprintln(os.Stderr, "║          ATLAS — startup summary      ║")
	fmt.Fprintln(os.Stderr, "╠═══════════════════════════════════════╣")
	printEntry("STT", "whisper / "+cfg.Providers.STT.ModelPath)
	printEntry("TTS", cfg.Providers.TTS.Name+" / "+cfg.Providers.TTS.Model)
	printEntry("Embeddings", cfg.Providers.Embeddings.Name)
	printEntry("LOCAL", cfg.Tiers.Local.Provider+" / "+cfg.Tiers.Local.Model)
	printEntry("FAST", cfg.Tiers.Fast.Provider+" / "+cfg.Tiers.Fast.Model)
	printEntry("AGENT", cfg.Tiers.Agent.Provider+" / "+cfg.Tiers.Agent.Model)
	printEntry("Ledger", cfg.Ledger.Store)
	printEntry("Control", cfg.Server.ControlAddr)
	fmt.Fprintln(os.Stderr, "╚═══════════════════════════════════════╝")
}

func printEntry(kind, value string) {
	if value == "" || value == " / " {
		value = "(not configured)"
	}
	if len([]rune(value)) > 19 {
		value = string([]rune(value)[:16]) + "…"
	}
	fmt.Fprintf(os.Stderr, "║  %-12s : %-19s ║\n", kind, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
