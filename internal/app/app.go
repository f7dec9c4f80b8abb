// Package app wires all ATLAS subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run executes the audio ingress loop, turn controller, and
// control surface until the context ends or the frame source closes, and
// Shutdown tears everything down in order.
//
// For testing, inject doubles via functional options (WithStore, WithMetrics,
// WithEvents). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/atlas-voice/atlas/internal/config"
	"github.com/atlas-voice/atlas/internal/control"
	"github.com/atlas-voice/atlas/internal/generator"
	"github.com/atlas-voice/atlas/internal/ledger"
	"github.com/atlas-voice/atlas/internal/observe"
	"github.com/atlas-voice/atlas/internal/resilience"
	"github.com/atlas-voice/atlas/internal/router"
	"github.com/atlas-voice/atlas/internal/synth"
	"github.com/atlas-voice/atlas/internal/turn"
	"github.com/atlas-voice/atlas/pkg/audio"
	"github.com/atlas-voice/atlas/pkg/provider/embeddings"
	"github.com/atlas-voice/atlas/pkg/provider/llm"
	"github.com/atlas-voice/atlas/pkg/provider/stt"
	"github.com/atlas-voice/atlas/pkg/provider/tts"
	"github.com/atlas-voice/atlas/pkg/types"
	"github.com/atlas-voice/atlas/pkg/vad"
)

// Failure classes. main maps these to distinct exit codes.
var (
	// ErrConfig marks invalid or incomplete configuration.
	ErrConfig = errors.New("invalid configuration")

	// ErrModelLoad marks a local model that could not be loaded.
	ErrModelLoad = errors.New("model load failed")

	// ErrStorage marks an unusable ledger store at startup.
	ErrStorage = errors.New("storage unavailable")
)

// Providers holds one value per provider slot, built from config by the
// caller or injected directly in tests. STT, TTS, and the LOCAL generation
// backend are required; the rest degrade gracefully when nil.
type Providers struct {
	STT        stt.Transcriber
	TTS        tts.Provider
	Embeddings embeddings.Provider
	VAD        vad.Engine

	Local llm.Provider
	Fast  llm.Provider
	Agent llm.Provider
}

// App owns all subsystem lifetimes and orchestrates the ATLAS voice pipeline.
type App struct {
	cfg       *config.Config
	providers *Providers
	source    audio.FrameSource
	sink      audio.Sink

	clock      *types.Clock
	metrics    *observe.Metrics
	events     observe.TelemetrySink
	store      ledger.Store
	ledger     *ledger.Ledger
	router     *router.Router
	health     *resilience.TierHealth
	synth      *synth.Synthesizer
	filler     *synth.Filler
	controller *turn.Controller
	surface    *control.Server
	watcher    *config.Watcher
	policyPath string

	// closers run in reverse order during Shutdown.
	closers  []func(ctx context.Context) error
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithStore injects a ledger store instead of opening one from config.
func WithStore(s ledger.Store) Option {
	return func(a *App) { a.store = s }
}

// WithMetrics injects a metrics instance instead of the process default.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithEvents injects a telemetry sink instead of the slog default.
func WithEvents(s observe.TelemetrySink) Option {
	return func(a *App) { a.events = s }
}

// WithPolicyPath enables hot reload by watching the policy file at path.
// Without it the /reload-policy endpoint reports reload as disabled.
func WithPolicyPath(path string) Option {
	return func(a *App) { a.policyPath = path }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New wires the pipeline: ledger over its store, router over the embedding
// centroids, per-tier generators, synthesizer, turn controller, and control
// surface. source and sink are the host's capture and playback handles.
func New(ctx context.Context, cfg *config.Config, providers *Providers, source audio.FrameSource, sink audio.Sink, opts ...Option) (*App, error) {
	a := &App{
		cfg:       cfg,
		providers: providers,
		source:    source,
		sink:      sink,
		clock:     types.NewClock(),
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.events == nil {
		a.events = observe.SlogSink{}
	}

	if providers.STT == nil {
		return nil, fmt.Errorf("%w: providers.stt is required", ErrConfig)
	}
	if providers.TTS == nil {
		return nil, fmt.Errorf("%w: providers.tts is required", ErrConfig)
	}
	if providers.Local == nil {
		return nil, fmt.Errorf("%w: tiers.local is required, it is the terminal fallback", ErrConfig)
	}

	if err := a.initLedger(ctx); err != nil {
		return nil, err
	}
	if err := a.initRouter(ctx); err != nil {
		return nil, err
	}

	a.health = resilience.NewTierHealth()
	gens := a.buildGenerators()

	a.synth = synth.New(providers.TTS,
		tts.VoiceProfile{ID: cfg.Providers.TTS.Voice, Provider: cfg.Providers.TTS.Name},
		cfg.Synth)
	a.filler = synth.NewFiller(a.synth, cfg.Filler.Phrases)

	controller, err := turn.New(turn.Params{
		Transcriber: providers.STT,
		Router:      a.router,
		Generators:  gens,
		Synth:       a.synth,
		Filler:      a.filler,
		Sink:        sink,
		Budget:      a.ledger,
		Health:      a.health,
		Clock:       a.clock,
		Events:      a.events,
		Metrics:     a.metrics,
		Persona:     cfg.Persona,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfig, err)
	}
	a.controller = controller

	if err := a.initWatcher(); err != nil {
		return nil, err
	}

	a.surface = control.New(control.Params{
		Addr:    cfg.Server.ControlAddr,
		Turns:   controller,
		Budget:  a.ledger,
		Tiers:   a.health,
		Reload:  a.reloadFunc(),
		Checks:  a.readinessChecks(),
		Metrics: a.metrics,
	})
	return a, nil
}

func (a *App) initLedger(ctx context.Context) error {
	if a.store == nil {
		switch a.cfg.Ledger.Store {
		case "postgres":
			store, err := ledger.NewPostgresStore(ctx, a.cfg.Ledger.PostgresDSN)
			if err != nil {
				return fmt.Errorf("%w: open postgres ledger: %v", ErrStorage, err)
			}
			a.store = store
		default:
			store, err := ledger.NewBadgerStore(a.cfg.Ledger.Path)
			if err != nil {
				return fmt.Errorf("%w: open badger ledger at %q: %v", ErrStorage, a.cfg.Ledger.Path, err)
			}
			a.store = store
		}
		store := a.store
		a.closers = append(a.closers, func(context.Context) error { return store.Close() })
	}

	led, err := ledger.New(ctx, a.store, a.cfg.Budget, a.clock)
	if err != nil {
		return fmt.Errorf("%w: init ledger: %v", ErrStorage, err)
	}
	a.ledger = led
	a.closers = append(a.closers, led.Close)
	return nil
}

// initRouter builds centroids from the prototype file when an embeddings
// provider is configured; otherwise the router runs rules-plus-fallback only.
func (a *App) initRouter(ctx context.Context) error {
	var centroids []router.Centroid
	if a.providers.Embeddings != nil && a.cfg.Router.Prototypes != "" {
		protos, err := router.LoadPrototypes(a.cfg.Router.Prototypes)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrConfig, err)
		}
		centroids, err = router.BuildCentroids(ctx, a.providers.Embeddings, protos)
		if err != nil {
			return fmt.Errorf("%w: build prototype centroids: %v", ErrModelLoad, err)
		}
		slog.Info("prototype centroids built",
			"count", len(centroids), "model", a.providers.Embeddings.ModelID())
	} else {
		slog.Warn("semantic routing disabled", "reason", "no embeddings provider or prototype file")
	}

	rt, err := router.New(a.cfg.Router, a.providers.Embeddings, centroids)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConfig, err)
	}
	a.router = rt
	return nil
}

// buildGenerators creates the per-tier adapters. Tiers with no backend are
// permanently disabled and their slot points at the LOCAL adapter, which the
// health gate keeps unreachable.
func (a *App) buildGenerators() *generator.Set {
	local := generator.New(types.TierLocal, a.providers.Local, a.cfg.Tiers.Local, a.ledger, a.clock)
	set := &generator.Set{Local: local, Fast: local, Agent: local}

	if a.providers.Fast != nil {
		set.Fast = generator.New(types.TierFast, a.providers.Fast, a.cfg.Tiers.Fast, a.ledger, a.clock)
	} else {
		a.health.Disable(types.TierFast, "no provider configured")
	}
	if a.providers.Agent != nil {
		set.Agent = generator.New(types.TierAgent, a.providers.Agent, a.cfg.Tiers.Agent, a.ledger, a.clock)
	} else {
		a.health.Disable(types.TierAgent, "no provider configured")
	}
	return set
}

func (a *App) initWatcher() error {
	if a.policyPath == "" {
		return nil
	}
	w, err := config.NewWatcher(a.policyPath, a.applyReload)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConfig, err)
	}
	a.watcher = w
	a.closers = append(a.closers, func(context.Context) error { w.Stop(); return nil })
	return nil
}

// reloadFunc backs the /reload-policy endpoint. It validates the file
// directly so syntax errors surface in the HTTP response, then lets the
// watcher pick up and apply the change exactly once.
func (a *App) reloadFunc() func(ctx context.Context) error {
	if a.watcher == nil {
		return nil
	}
	return func(context.Context) error {
		if _, err := config.Load(a.policyPath); err != nil {
			return err
		}
		a.watcher.CheckNow()
		return nil
	}
}

// applyReload applies the reloadable policy sections and warns about changes
// that only take effect on restart.
func (a *App) applyReload(old, new *config.Config) {
	d := config.Diff(old, new)

	if d.ThresholdsChanged {
		a.router.SetThresholds(new.Router.Thresholds)
		slog.Info("router thresholds reloaded",
			"abstain", new.Router.Thresholds.Abstain,
			"tie_epsilon", new.Router.Thresholds.TieEpsilon,
			"thrifty_keep_fast", new.Router.Thresholds.ThriftyKeepFast)
	}
	if d.BudgetChanged {
		a.ledger.SetCaps(new.Budget)
		slog.Info("budget caps reloaded",
			"monthly_cap_usd", new.Budget.MonthlyCapUSD,
			"daily_cap_usd", new.Budget.DailyCapUSD)
	}
	if d.SynthChanged {
		a.synth.SetChunking(new.Synth)
		slog.Info("synthesis chunking reloaded",
			"flush_chars", new.Synth.FlushChars,
			"terminators", new.Synth.SentenceTerminators)
	}
	if d.FillerChanged {
		a.filler.SetPhrases(new.Filler.Phrases)
		slog.Info("filler phrases reloaded", "count", len(new.Filler.Phrases))
	}
	if d.PersonaChanged {
		a.controller.SetPersona(new.Persona)
		slog.Info("persona phrasing reloaded")
	}

	for _, section := range d.Breaking {
		slog.Warn("policy section changed but requires a restart", "section", section)
	}
}

func (a *App) readinessChecks() []control.Check {
	return []control.Check{
		{Name: "ledger", Probe: func(ctx context.Context) error {
			if a.ledger.BudgetState().Degraded {
				return errors.New("store degraded, tracking in memory")
			}
			_, err := a.ledger.Recent(ctx, 1)
			return err
		}},
		{Name: "generators", Probe: func(context.Context) error {
			// LOCAL existing is enough to serve; it is the terminal fallback.
			return nil
		}},
	}
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run executes the pipeline until ctx is cancelled or the frame source
// reports EOF, whichever comes first. It always returns after the active turn
// has drained; a nil error means clean shutdown.
func (a *App) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)

	frames := make(chan types.Frame, 64)
	events := make(chan types.VADEvent, 16)

	g.Go(func() error {
		return a.ingress(gctx, frames, events)
	})
	g.Go(func() error {
		err := a.controller.Run(gctx, frames, events)
		// Source EOF ends the controller cleanly; stop the surface too.
		cancel()
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		return a.surface.Run(gctx)
	})

	slog.Info("atlas running", "control_addr", a.cfg.Server.ControlAddr)
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// ingress reads capture frames, feeds the hysteresis detector, and fans
// frames and speech events out to the controller. It owns both channels.
func (a *App) ingress(ctx context.Context, frames chan<- types.Frame, events chan<- types.VADEvent) error {
	defer close(frames)
	defer close(events)

	engine := a.providers.VAD
	if engine == nil {
		engine = vad.NewEnergyEngine()
	}
	det := vad.NewDetector(engine, vad.Config{
		MinSpeech:  time.Duration(a.cfg.VAD.MinSpeechMS) * time.Millisecond,
		MinSilence: time.Duration(a.cfg.VAD.MinSilenceMS) * time.Millisecond,
		SpeechPad:  time.Duration(a.cfg.VAD.SpeechPadMS) * time.Millisecond,
		Threshold:  a.cfg.VAD.Threshold,
	})

	for {
		frame, err := a.source.Next(ctx)
		if err != nil {
			if errors.Is(err, audio.ErrSourceClosed) {
				// Close any open bracket so the last utterance is not lost.
				if ev, ok := det.Flush(); ok {
					select {
					case events <- ev:
					case <-ctx.Done():
					}
				}
				return nil
			}
			return err
		}

		select {
		case frames <- frame:
		case <-ctx.Done():
			return ctx.Err()
		}
		if ev, ok := det.OnFrame(frame); ok {
			select {
			case events <- ev:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down subsystems in reverse-init order. It respects the
// context deadline: if ctx expires before all closers finish, remaining
// closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		if err := a.source.Close(); err != nil {
			slog.Warn("frame source close error", "err", err)
		}
		if err := a.providers.STT.Close(); err != nil {
			slog.Warn("transcriber close error", "err", err)
		}

		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := a.closers[i](ctx); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}
		slog.Info("shutdown complete")
	})
	return shutdownErr
}
