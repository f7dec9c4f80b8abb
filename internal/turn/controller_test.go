package turn

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/atlas-voice/atlas/internal/config"
	"github.com/atlas-voice/atlas/internal/generator"
	"github.com/atlas-voice/atlas/internal/observe"
	"github.com/atlas-voice/atlas/internal/router"
	"github.com/atlas-voice/atlas/internal/synth"
	"github.com/atlas-voice/atlas/pkg/audio"
	embedmock "github.com/atlas-voice/atlas/pkg/provider/embeddings/mock"
	"github.com/atlas-voice/atlas/pkg/provider/llm"
	llmmock "github.com/atlas-voice/atlas/pkg/provider/llm/mock"
	"github.com/atlas-voice/atlas/pkg/provider/stt"
	sttmock "github.com/atlas-voice/atlas/pkg/provider/stt/mock"
	"github.com/atlas-voice/atlas/pkg/provider/tts"
	ttsmock "github.com/atlas-voice/atlas/pkg/provider/tts/mock"
	"github.com/atlas-voice/atlas/pkg/types"
)

// ─── harness ─────────────────────────────────────────────────────────────────

type stubBudget struct {
	mu    sync.Mutex
	state types.BudgetState
}

func (b *stubBudget) BudgetState() types.BudgetState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

type memRecorder struct {
	mu   sync.Mutex
	recs []types.UsageRecord
}

func (r *memRecorder) Record(_ context.Context, rec types.UsageRecord) error {
	r.mu.Lock()
	r.recs = append(r.recs, rec)
	r.mu.Unlock()
	return nil
}

func (r *memRecorder) Records() []types.UsageRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.recs)
}

// axis returns an 8-dim unit vector along dimension i.
func axis(i int) []float32 {
	v := make([]float32, 8)
	v[i] = 1
	return v
}

// harness wires a Controller over mocks. Tests tweak the mock fields, call
// start, drive VAD events, then finish and assert on the recorders.
type harness struct {
	stt     *sttmock.Transcriber
	local   *llmmock.Provider
	fast    *llmmock.Provider
	agent   *llmmock.Provider
	tts     *ttsmock.Provider
	embed   *embedmock.Provider
	sink    *audio.CollectSink
	events  *observe.Recorder
	usage   *memRecorder
	budget  *stubBudget
	persona config.PersonaConfig

	fastCfg config.TierConfig
	phrases []string // filler phrases; empty disables the filler

	ctrl   *Controller
	frames chan types.Frame
	vad    chan types.VADEvent
	done   chan error
	cancel context.CancelFunc
}

func newHarness() *harness {
	return &harness{
		stt:    sttmock.New(),
		local:  &llmmock.Provider{Chunks: llmmock.TextChunks("Okay, done.")},
		fast:   &llmmock.Provider{Chunks: llmmock.TextChunks("Here's what I'd suggest.")},
		agent:  &llmmock.Provider{Chunks: llmmock.TextChunks("Working on the full plan.")},
		tts:    &ttsmock.Provider{},
		embed:  &embedmock.Provider{Fixed: map[string][]float32{}},
		sink:   &audio.CollectSink{},
		events: &observe.Recorder{},
		usage:  &memRecorder{},
		budget: &stubBudget{},
		persona: config.PersonaConfig{
			SystemPrompt:  "You are a terse voice assistant.",
			RefusalPhrase: "Sorry, I can't help with that right now.",
			ApologyPhrase: "Sorry, that's taking too long.",
		},
		fastCfg: config.TierConfig{TTFTDeadlineMS: 1500, TotalDeadlineMS: 6000},
	}
}

func (h *harness) start(t *testing.T) {
	t.Helper()

	clock := types.NewClock()

	centroids := []router.Centroid{
		{Tier: types.TierFast, Category: types.CategoryAdvice, Vec: axis(0)},
		{Tier: types.TierAgent, Category: types.CategoryAnalyze, Vec: axis(1)},
	}
	rt, err := router.New(config.RouterConfig{
		Thresholds: config.ThresholdsConfig{Abstain: 0.35, TieEpsilon: 0.03, ThriftyKeepFast: 0.75},
	}, h.embed, centroids)
	if err != nil {
		t.Fatalf("router.New: %v", err)
	}

	gens := &generator.Set{
		Local: generator.New(types.TierLocal, h.local,
			config.TierConfig{TTFTDeadlineMS: 500, TotalDeadlineMS: 3000}, h.usage, clock),
		Fast: generator.New(types.TierFast, h.fast, h.fastCfg, h.usage, clock),
		Agent: generator.New(types.TierAgent, h.agent,
			config.TierConfig{TTFTDeadlineMS: 4000, TotalDeadlineMS: 30000}, h.usage, clock),
	}

	syn := synth.New(h.tts, tts.VoiceProfile{ID: "test"},
		config.SynthConfig{FlushChars: 200, SentenceTerminators: ".!?;\n"})
	var filler *synth.Filler
	if len(h.phrases) > 0 {
		filler = synth.NewFiller(syn, h.phrases)
	}

	h.ctrl, err = New(Params{
		Transcriber: h.stt,
		Router:      rt,
		Generators:  gens,
		Synth:       syn,
		Filler:      filler,
		Sink:        h.sink,
		Budget:      h.budget,
		Clock:       clock,
		Events:      h.events,
		Persona:     h.persona,
		STTDeadline: 2 * time.Second,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.frames = make(chan types.Frame, 16)
	h.vad = make(chan types.VADEvent, 16)
	h.done = make(chan error, 1)
	go func() { h.done <- h.ctrl.Run(ctx, h.frames, h.vad) }()
	t.Cleanup(cancel)
}

// utter drives one speech bracket through the VAD channel.
func (h *harness) utter() {
	h.vad <- types.VADEvent{Kind: types.SpeechStart}
	h.frames <- types.Frame{PCM: make([]int16, 160), SampleRate: 16000}
	h.vad <- types.VADEvent{Kind: types.SpeechEnd, Duration: 500 * time.Millisecond}
}

// finish closes the event stream and waits for Run to drain the last turn.
func (h *harness) finish(t *testing.T) {
	t.Helper()
	close(h.vad)
	select {
	case err := <-h.done:
		if err != nil {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
}

// awaitEvent polls until an event with the given name has been emitted.
func (h *harness) awaitEvent(t *testing.T, name string) observe.Event {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if evs := h.events.Named(name); len(evs) > 0 {
			return evs[0]
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("event %q never emitted; saw %+v", name, h.events.Events())
	return observe.Event{}
}

func transcript(text string) sttmock.Step {
	return sttmock.Step{Result: stt.Result{Text: text}}
}

// realSegments filters out final markers.
func realSegments(segs []types.AudioSegment) []types.AudioSegment {
	var out []types.AudioSegment
	for _, s := range segs {
		if !s.IsFinal {
			out = append(out, s)
		}
	}
	return out
}

// ─── tests ───────────────────────────────────────────────────────────────────

func TestRun_LocalCommandTurn(t *testing.T) {
	t.Parallel()

	h := newHarness()
	h.stt = sttmock.New(transcript("set a 30 second timer"))
	h.local.Chunks = llmmock.TextChunks("Timer set for thirty seconds.")
	h.start(t)

	h.utter()
	h.finish(t)

	classified := h.events.Named(observe.EventTurnClassified)
	if len(classified) != 1 {
		t.Fatalf("classified events = %d, want 1", len(classified))
	}
	if classified[0].Tier != "LOCAL" || classified[0].Category != "command" {
		t.Errorf("classified = %+v, want LOCAL/command", classified[0])
	}

	done := h.events.Named(observe.EventTurnDone)
	if len(done) != 1 || done[0].Tier != "LOCAL" {
		t.Fatalf("done events = %+v, want one LOCAL", done)
	}
	if done[0].CostUSD != 0 {
		t.Errorf("local turn cost = %f, want 0", done[0].CostUSD)
	}

	// Confidence came from a backend that reports none; telemetry says so.
	tr := h.events.Named(observe.EventTurnTranscribed)
	if len(tr) != 1 || tr[0].Reason != "confidence_estimated" {
		t.Errorf("transcribed = %+v, want confidence_estimated", tr)
	}

	if segs := realSegments(h.sink.Segments()); len(segs) == 0 {
		t.Error("no audio reached the sink")
	}
	recs := h.usage.Records()
	if len(recs) != 1 || recs[0].CostUSD != 0 || recs[0].Tier != types.TierLocal {
		t.Errorf("usage records = %+v, want one free LOCAL record", recs)
	}
	if h.sink.Flushes() != 0 {
		t.Errorf("flushes = %d, want 0", h.sink.Flushes())
	}
}

func TestRun_EmptyTranscriptAbortsSilently(t *testing.T) {
	t.Parallel()

	h := newHarness()
	h.stt = sttmock.New(transcript(""))
	h.start(t)

	h.utter()
	h.finish(t)

	cancelled := h.events.Named(observe.EventTurnCancelled)
	if len(cancelled) != 1 || cancelled[0].Reason != ReasonEmpty {
		t.Fatalf("cancelled = %+v, want one with reason EMPTY", cancelled)
	}
	if evs := h.events.Named(observe.EventTurnClassified); len(evs) != 0 {
		t.Errorf("empty transcript reached the router: %+v", evs)
	}
	if segs := h.sink.Segments(); len(segs) != 0 {
		t.Errorf("silent abort played %d segments", len(segs))
	}
	if reqs := h.local.Requests(); len(reqs) != 0 {
		t.Errorf("generator saw %d requests", len(reqs))
	}
}

func TestRun_STTErrorCancelsTurn(t *testing.T) {
	t.Parallel()

	h := newHarness()
	h.stt = sttmock.New(sttmock.Step{Err: stt.ErrDecodeFailed})
	h.start(t)

	h.utter()
	h.finish(t)

	cancelled := h.events.Named(observe.EventTurnCancelled)
	if len(cancelled) != 1 || cancelled[0].Reason != ReasonSTTError {
		t.Fatalf("cancelled = %+v, want reason DECODE_FAILED", cancelled)
	}
}

func TestRun_BargeInCancelsActiveTurn(t *testing.T) {
	t.Parallel()

	h := newHarness()
	h.stt = sttmock.New(
		transcript("tell me about basil"),
		transcript("never mind"),
	)
	h.embed.Fixed["tell me about basil"] = axis(0) // FAST/advice
	// Keep the first answer streaming long enough to interrupt: the first
	// sentence synthesizes immediately, the rest trickles.
	h.fast.Chunks = llmmock.TextChunks(
		"Basil likes sun. ", "It ", "needs ", "water ", "and ", "warmth ",
		"and ", "patience ", "and ", "more ", "time ", "than ", "this ", "test ", "has.",
	)
	h.fast.ChunkDelay = 30 * time.Millisecond
	h.local.Chunks = llmmock.TextChunks("Okay.")
	h.start(t)

	h.utter()
	first := h.awaitEvent(t, observe.EventTurnFirstAudio)

	// The user talks over the answer.
	h.utter()
	h.finish(t)

	cancelled := h.events.Named(observe.EventTurnCancelled)
	if len(cancelled) != 1 {
		t.Fatalf("cancelled events = %+v, want exactly one", cancelled)
	}
	if cancelled[0].UtteranceID != first.UtteranceID || cancelled[0].Reason != ReasonBargeIn {
		t.Errorf("cancelled = %+v, want BARGE_IN for utterance %d", cancelled[0], first.UtteranceID)
	}
	if h.sink.Flushes() == 0 {
		t.Error("barge-in did not flush queued audio")
	}

	// The interrupting utterance still completes ("never mind" is a LOCAL
	// refusal rule).
	done := h.events.Named(observe.EventTurnDone)
	if len(done) != 1 || done[0].Tier != "LOCAL" {
		t.Fatalf("done = %+v, want the second turn on LOCAL", done)
	}
	if done[0].UtteranceID == first.UtteranceID {
		t.Error("done event belongs to the cancelled turn")
	}
}

func TestRun_TTFTTimeoutDowngradesOnce(t *testing.T) {
	t.Parallel()

	h := newHarness()
	h.stt = sttmock.New(transcript("should I repot my monstera"))
	h.embed.Fixed["should I repot my monstera"] = axis(0) // FAST/advice
	h.fastCfg = config.TierConfig{TTFTDeadlineMS: 30, TotalDeadlineMS: 1000}
	h.fast.StartDelay = 300 * time.Millisecond
	h.local.Chunks = llmmock.TextChunks("Yes, roots out the drain holes means repot.")
	h.start(t)

	h.utter()
	h.finish(t)

	degraded := h.events.Named(observe.EventTurnDegraded)
	if len(degraded) == 0 || degraded[0].Reason != "ttft_timeout" {
		t.Fatalf("degraded = %+v, want ttft_timeout first", degraded)
	}
	done := h.events.Named(observe.EventTurnDone)
	if len(done) != 1 || done[0].Tier != "LOCAL" {
		t.Fatalf("done = %+v, want completion on LOCAL", done)
	}
	// Both attempts commit usage: the timed-out FAST stream and the LOCAL
	// answer.
	recs := h.usage.Records()
	if len(recs) != 2 {
		t.Fatalf("usage records = %d, want 2", len(recs))
	}
	if recs[0].Tier != types.TierFast || recs[1].Tier != types.TierLocal {
		t.Errorf("record tiers = %v, %v; want FAST then LOCAL", recs[0].Tier, recs[1].Tier)
	}
}

func TestRun_TotalTimeoutSpeaksApology(t *testing.T) {
	t.Parallel()

	h := newHarness()
	h.stt = sttmock.New(transcript("tell me about basil"))
	h.embed.Fixed["tell me about basil"] = axis(0)
	h.fastCfg = config.TierConfig{TTFTDeadlineMS: 100, TotalDeadlineMS: 150}
	h.fast.Chunks = llmmock.TextChunks(
		"Basil ", "is ", "a ", "herb ", "that ", "keeps ", "going ", "and ", "going ",
	)
	h.fast.ChunkDelay = 40 * time.Millisecond
	h.start(t)

	h.utter()
	h.finish(t)

	degraded := h.events.Named(observe.EventTurnDegraded)
	if len(degraded) != 1 || degraded[0].Reason != "TIMEOUT_TOTAL" {
		t.Fatalf("degraded = %+v, want TIMEOUT_TOTAL", degraded)
	}
	if !slices.Contains(h.tts.Fragments(), h.persona.ApologyPhrase) {
		t.Errorf("apology was not synthesized; fragments = %q", h.tts.Fragments())
	}
	// The turn closed normally, it did not retry another tier.
	if reqs := h.local.Requests(); len(reqs) != 0 {
		t.Errorf("total timeout retried on LOCAL: %d requests", len(reqs))
	}
}

func TestRun_BackendRefusalFallsToLocal(t *testing.T) {
	t.Parallel()

	h := newHarness()
	h.stt = sttmock.New(transcript("tell me about basil"))
	h.embed.Fixed["tell me about basil"] = axis(0)
	h.fast.Err = errors.New("connection refused")
	h.local.Chunks = llmmock.TextChunks("Basil likes sun and water.")
	h.start(t)

	h.utter()
	h.finish(t)

	degraded := h.events.Named(observe.EventTurnDegraded)
	if len(degraded) == 0 || degraded[0].Reason != "backend_refused" {
		t.Fatalf("degraded = %+v, want backend_refused", degraded)
	}
	done := h.events.Named(observe.EventTurnDone)
	if len(done) != 1 || done[0].Tier != "LOCAL" {
		t.Fatalf("done = %+v, want LOCAL completion", done)
	}
}

func TestRun_AuthRejectionLatchesTierOff(t *testing.T) {
	t.Parallel()

	h := newHarness()
	h.stt = sttmock.New(
		transcript("tell me about basil"),
		transcript("tell me about mint"),
	)
	h.embed.Fixed["tell me about basil"] = axis(0)
	h.embed.Fixed["tell me about mint"] = axis(0)
	h.fast.Err = fmt.Errorf("unexpected status 401: %w", llm.ErrAuth)
	h.local.Chunks = llmmock.TextChunks("It likes sun and water.")
	h.start(t)

	h.utter()
	h.awaitEvent(t, observe.EventTurnDone)
	h.utter()
	h.finish(t)

	done := h.events.Named(observe.EventTurnDone)
	if len(done) != 2 || done[0].Tier != "LOCAL" || done[1].Tier != "LOCAL" {
		t.Fatalf("done = %+v, want both turns answered on LOCAL", done)
	}

	// A single credential rejection is terminal: the second turn reroutes at
	// classification, where the breaker alone would still admit two more
	// attempts.
	classified := h.events.Named(observe.EventTurnClassified)
	if len(classified) != 2 || classified[1].Tier != "LOCAL" {
		t.Fatalf("classified = %+v, want the second turn rerouted to LOCAL", classified)
	}
	degraded := h.events.Named(observe.EventTurnDegraded)
	if len(degraded) != 1 || degraded[0].Reason != "backend_refused" {
		t.Errorf("degraded = %+v, want only the first turn's backend_refused", degraded)
	}
}

func TestRun_LocalFailureSpeaksRefusal(t *testing.T) {
	t.Parallel()

	h := newHarness()
	h.stt = sttmock.New(transcript("set a timer"))
	h.local.Err = errors.New("model not loaded")
	h.start(t)

	h.utter()
	h.finish(t)

	if !slices.Contains(h.tts.Fragments(), h.persona.RefusalPhrase) {
		t.Errorf("refusal was not synthesized; fragments = %q", h.tts.Fragments())
	}
	if done := h.events.Named(observe.EventTurnDone); len(done) != 0 {
		t.Errorf("failed turn emitted turn.done: %+v", done)
	}
}

func TestSetPersona_AppliesToNextTurn(t *testing.T) {
	t.Parallel()

	h := newHarness()
	h.stt = sttmock.New(transcript("set a timer"))
	h.local.Err = errors.New("model not loaded")
	h.start(t)

	updated := h.persona
	updated.RefusalPhrase = "I'm not able to do that just now."
	h.ctrl.SetPersona(updated)

	h.utter()
	h.finish(t)

	frags := h.tts.Fragments()
	if !slices.Contains(frags, updated.RefusalPhrase) {
		t.Errorf("reloaded refusal not synthesized; fragments = %q", frags)
	}
	if slices.Contains(frags, h.persona.RefusalPhrase) {
		t.Errorf("stale refusal phrase synthesized; fragments = %q", frags)
	}
}

func TestRun_LocalOnlyBudgetRewritesTier(t *testing.T) {
	t.Parallel()

	h := newHarness()
	h.stt = sttmock.New(transcript("tell me about basil"))
	h.embed.Fixed["tell me about basil"] = axis(0)
	h.budget.state = types.BudgetState{Mode: types.BudgetLocalOnly}
	h.local.Chunks = llmmock.TextChunks("Basil likes sun.")
	h.start(t)

	h.utter()
	h.finish(t)

	classified := h.events.Named(observe.EventTurnClassified)
	if len(classified) != 1 || classified[0].Tier != "LOCAL" {
		t.Fatalf("classified = %+v, want LOCAL under LOCAL_ONLY budget", classified)
	}
	if reqs := h.fast.Requests(); len(reqs) != 0 {
		t.Errorf("paid tier dispatched under LOCAL_ONLY: %d requests", len(reqs))
	}
}

func TestRun_FillerPlaysBeforeAnswer(t *testing.T) {
	t.Parallel()

	h := newHarness()
	h.stt = sttmock.New(transcript("tell me about basil"))
	h.embed.Fixed["tell me about basil"] = axis(0)
	h.phrases = []string{"One moment."}
	h.fast.StartDelay = 150 * time.Millisecond
	h.fast.Chunks = llmmock.TextChunks("Basil likes sun.")
	h.start(t)

	h.utter()
	h.finish(t)

	frags := h.tts.Fragments()
	if len(frags) < 2 || frags[0] != "One moment." {
		t.Fatalf("fragments = %q, want the filler phrase first", frags)
	}
	if !slices.Contains(frags, "Basil likes sun.") {
		t.Errorf("answer never synthesized; fragments = %q", frags)
	}
	if done := h.events.Named(observe.EventTurnDone); len(done) != 1 {
		t.Fatalf("done = %+v", done)
	}
}

func TestRun_TurnsNeverInterleave(t *testing.T) {
	t.Parallel()

	h := newHarness()
	h.stt = sttmock.New(
		transcript("set a timer"),
		transcript("stop the timer"),
	)
	// Slow first token keeps turn one in dispatch (not yet speaking) while
	// turn two arrives, so both complete rather than barging in.
	h.local.StartDelay = 100 * time.Millisecond
	h.local.Chunks = llmmock.TextChunks("Done.")
	h.start(t)

	h.utter()
	time.Sleep(20 * time.Millisecond)
	h.utter()
	h.finish(t)

	done := h.events.Named(observe.EventTurnDone)
	if len(done) != 2 {
		t.Fatalf("done events = %+v, want both turns completed", done)
	}

	// The second turn must not classify before the first finished.
	var firstDone, secondClassified int
	for i, ev := range h.events.Events() {
		switch {
		case ev.Name == observe.EventTurnDone && ev.UtteranceID == done[0].UtteranceID:
			firstDone = i
		case ev.Name == observe.EventTurnClassified && ev.UtteranceID == done[1].UtteranceID:
			secondClassified = i
		}
	}
	if secondClassified < firstDone {
		t.Errorf("turn two classified at %d before turn one finished at %d", secondClassified, firstDone)
	}
}

func TestCancelActive_NoTurn(t *testing.T) {
	t.Parallel()

	h := newHarness()
	h.start(t)
	if h.ctrl.CancelActive(ReasonUser) {
		t.Error("CancelActive reported success with no active turn")
	}
	if got := h.ctrl.Status(); got.State != "IDLE" {
		t.Errorf("Status = %+v, want IDLE", got)
	}
	h.finish(t)
}

func TestNew_RequiresCollaborators(t *testing.T) {
	t.Parallel()

	if _, err := New(Params{}); err == nil {
		t.Fatal("New accepted empty params")
	}
}
