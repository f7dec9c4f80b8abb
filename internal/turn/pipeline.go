package turn

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/atlas-voice/atlas/internal/generator"
	"github.com/atlas-voice/atlas/internal/observe"
	"github.com/atlas-voice/atlas/pkg/audio"
	"github.com/atlas-voice/atlas/pkg/provider/llm"
	"github.com/atlas-voice/atlas/pkg/types"
)

// ─── turn pipeline ───────────────────────────────────────────────────────────

// runTurn drives one utterance from captured PCM to played audio. It runs in
// its own goroutine; transcription overlaps the previous turn, but
// classification and dispatch wait for prevDone so answers never interleave.
func (c *Controller) runTurn(ctx context.Context, t *activeTurn, pcm []int16, sampleRate int, ev types.VADEvent, prevDone <-chan struct{}) {
	defer close(t.done)
	defer c.clearActive(t)

	c.metrics.ActiveTurns.Add(ctx, 1)
	defer c.metrics.ActiveTurns.Add(context.Background(), -1)

	c.emit(observe.Event{Name: observe.EventTurnStart, UtteranceID: t.id})

	utt, ok := c.transcribe(ctx, t, pcm, sampleRate, ev)
	if !ok {
		return
	}

	if prevDone != nil {
		select {
		case <-prevDone:
		case <-ctx.Done():
			c.finishCancelled(t, "", utt)
			return
		}
	}

	// Classification.
	t.setState(StateClassifying)
	budget := c.budget.BudgetState()
	c.metrics.BudgetMode.Record(ctx, int64(budget.Mode))
	classifyStart := c.clock.Now()
	decision := c.router.Classify(ctx, utt, budget)
	c.metrics.ClassifyDuration.Record(ctx, seconds(c.clock.Now()-classifyStart))

	decision = c.applyTierHealth(ctx, decision)
	c.metrics.RecordDecision(ctx, decision.Tier.String(), decision.Category.String(),
		decision.BudgetOverride, decision.SafetyOverride)
	c.emit(observe.Event{
		Name:        observe.EventTurnClassified,
		UtteranceID: utt.ID,
		Tier:        decision.Tier.String(),
		Category:    decision.Category.String(),
		Reason:      decision.Reason,
	})

	c.dispatch(ctx, t, utt, decision)
}

// transcribe decodes the bracket and builds the Utterance. A false return
// means the turn ended here (decode failure or empty transcript).
func (c *Controller) transcribe(ctx context.Context, t *activeTurn, pcm []int16, sampleRate int, ev types.VADEvent) (types.Utterance, bool) {
	sttCtx, cancel := context.WithTimeout(ctx, c.sttDeadline)
	defer cancel()

	start := c.clock.Now()
	res, err := c.stt.Transcribe(sttCtx, pcm, sampleRate)
	elapsed := c.clock.Now() - start
	c.metrics.TranscribeDuration.Record(ctx, seconds(elapsed))

	if err != nil {
		reason := ReasonSTTError
		if errors.Is(err, context.DeadlineExceeded) {
			reason = ReasonSTTExpiry
		}
		slog.Error("transcription failed", "utterance_id", t.id, "err", err)
		c.finishCancelled(t, reason, types.Utterance{ID: t.id})
		return types.Utterance{}, false
	}

	text := strings.TrimSpace(res.Text)
	if text == "" {
		// Noise bracket: abort silently, nothing reaches the router.
		c.finishCancelled(t, ReasonEmpty, types.Utterance{ID: t.id})
		return types.Utterance{}, false
	}

	utt := types.Utterance{
		ID:              t.id,
		Text:            text,
		STTConfidence:   res.Confidence,
		SpeechEnd:       ev.Timestamp,
		TranscriptReady: c.clock.Now(),
	}
	if !res.HasConfidence {
		utt.STTConfidence = 0.5
		utt.EstimatedConfidence = true
	}

	event := observe.Event{
		Name:        observe.EventTurnTranscribed,
		UtteranceID: utt.ID,
		Latency:     elapsed,
	}
	if utt.EstimatedConfidence {
		event.Reason = "confidence_estimated"
	}
	c.emit(event)
	return utt, true
}

// applyTierHealth walks the decision down to an available tier when circuit
// breakers have the chosen one open. LOCAL is always available.
func (c *Controller) applyTierHealth(ctx context.Context, d types.TierDecision) types.TierDecision {
	for d.Tier != types.TierLocal && !c.health.Available(d.Tier) {
		next := c.downgradeTarget(d.Tier, d.Budget.Mode)
		c.metrics.RecordDowngrade(ctx, d.Tier.String(), next.String(), "breaker_open")
		slog.Warn("tier unavailable, downgrading",
			"from", d.Tier, "to", next, "category", d.Category)
		d.Tier = next
		d.BudgetOverride = d.BudgetOverride || next == types.TierLocal
	}
	return d
}

// downgradeTarget picks the fallback tier after a failure or open breaker.
// AGENT falls to FAST when the budget and breaker allow it, otherwise LOCAL.
func (c *Controller) downgradeTarget(tier types.Tier, mode types.BudgetMode) types.Tier {
	if tier == types.TierAgent && mode != types.BudgetLocalOnly && c.health.Available(types.TierFast) {
		return types.TierFast
	}
	return types.TierLocal
}

// ─── dispatch ────────────────────────────────────────────────────────────────

// dispatch runs the generation/synthesis leg, downgrading across tiers on
// failure until an answer is spoken or LOCAL itself gives up.
func (c *Controller) dispatch(ctx context.Context, t *activeTurn, utt types.Utterance, decision types.TierDecision) {
	// One persona snapshot per turn; a policy reload mid-turn does not mix
	// old and new phrasing.
	persona := c.personaSnapshot()
	req := generator.Request{
		Utterance:    utt,
		Decision:     decision,
		SystemPrompt: persona.SystemPrompt,
		History:      c.historySnapshot(),
	}

	filler := c.startFiller(ctx, utt, decision.Tier)
	defer filler.stop()

	tier := decision.Tier
	ttftRetried := false
	for {
		t.setState(StateDispatching)
		c.emit(observe.Event{
			Name:        observe.EventTurnDispatched,
			UtteranceID: utt.ID,
			Tier:        tier.String(),
			Category:    decision.Category.String(),
		})

		stream, err := c.gens.For(tier).Generate(ctx, req)
		if err != nil {
			c.reportTier(tier, err)
			c.metrics.GeneratorErrors.Add(ctx, 1)
			slog.Error("generation refused", "utterance_id", utt.ID, "tier", tier, "err", err)
			if tier == types.TierLocal {
				c.finishRefused(ctx, t, utt, filler, persona.RefusalPhrase)
				return
			}
			tier = c.degrade(ctx, utt, tier, decision.Budget.Mode, "backend_refused")
			continue
		}

		reply, spoke := c.speakStream(ctx, t, utt, stream, filler)
		outcome := stream.Outcome()
		usage := stream.Usage()

		if outcome.TTFT > 0 {
			c.metrics.TTFT.Record(ctx, seconds(outcome.TTFT))
		}
		c.metrics.GenerateDuration.Record(ctx, seconds(outcome.Total))
		c.reportTier(tier, backendError(outcome))

		switch outcome.Kind {
		case generator.OutcomeOK:
			c.appendHistory(utt.Text, reply)
			if usage.CostUSD > 0 {
				c.metrics.RecordCost(ctx, tier.String(), usage.CostUSD*100)
			}
			c.metrics.RecordTurn(ctx, tier.String(), outcome.Kind.String())
			t.setState(StateDone)
			c.emit(observe.Event{
				Name:        observe.EventTurnDone,
				UtteranceID: utt.ID,
				Tier:        tier.String(),
				Category:    decision.Category.String(),
				Latency:     c.clock.Now() - utt.SpeechEnd,
				CostUSD:     usage.CostUSD,
			})
			return

		case generator.OutcomeCancelled:
			c.metrics.RecordTurn(ctx, tier.String(), outcome.Kind.String())
			c.finishCancelled(t, "", utt)
			return

		case generator.OutcomeTimeoutTTFT:
			c.metrics.GeneratorErrors.Add(ctx, 1)
			if !ttftRetried && tier != types.TierLocal {
				ttftRetried = true
				tier = c.degrade(ctx, utt, tier, decision.Budget.Mode, "ttft_timeout")
				continue
			}
			c.metrics.RecordTurn(ctx, tier.String(), outcome.Kind.String())
			c.finishRefused(ctx, t, utt, filler, persona.RefusalPhrase)
			return

		case generator.OutcomeTimeoutTotal:
			// Whatever streamed before the deadline was already spoken; close
			// the turn with a short apology instead of restarting.
			c.metrics.GeneratorErrors.Add(ctx, 1)
			c.metrics.RecordTurn(ctx, tier.String(), outcome.Kind.String())
			c.emit(observe.Event{
				Name:        observe.EventTurnDegraded,
				UtteranceID: utt.ID,
				Tier:        tier.String(),
				Reason:      outcome.Kind.String(),
			})
			filler.stop()
			c.speakFixed(ctx, utt.ID, persona.ApologyPhrase)
			t.setState(StateDone)
			return

		case generator.OutcomeBackendFailed:
			c.metrics.GeneratorErrors.Add(ctx, 1)
			if spoke || tier == types.TierLocal {
				// Partial audio is out already, or there is nothing left to
				// fall to; apologize rather than repeat ourselves.
				c.metrics.RecordTurn(ctx, tier.String(), outcome.Kind.String())
				c.emit(observe.Event{
					Name:        observe.EventTurnDegraded,
					UtteranceID: utt.ID,
					Tier:        tier.String(),
					Reason:      outcome.Kind.String(),
				})
				filler.stop()
				c.speakFixed(ctx, utt.ID, persona.RefusalPhrase)
				t.setState(StateDone)
				return
			}
			tier = c.degrade(ctx, utt, tier, decision.Budget.Mode, "backend_failed")
			continue
		}
	}
}

// degrade records and logs one tier downgrade and returns the target.
func (c *Controller) degrade(ctx context.Context, utt types.Utterance, from types.Tier, mode types.BudgetMode, reason string) types.Tier {
	to := c.downgradeTarget(from, mode)
	c.metrics.RecordDowngrade(ctx, from.String(), to.String(), reason)
	c.emit(observe.Event{
		Name:        observe.EventTurnDegraded,
		UtteranceID: utt.ID,
		Tier:        from.String(),
		Reason:      reason,
	})
	slog.Warn("downgrading tier", "utterance_id", utt.ID, "from", from, "to", to, "reason", reason)
	return to
}

// reportTier feeds the tier's circuit breaker and latches the tier off for
// the rest of the process when the backend rejected our credentials.
func (c *Controller) reportTier(tier types.Tier, err error) {
	c.health.Report(tier, err)
	if errors.Is(err, llm.ErrAuth) {
		c.health.Disable(tier, "authentication rejected")
	}
}

// backendError maps a generation outcome to the error reported to the tier's
// circuit breaker. Cancellation is not a backend fault.
func backendError(o generator.Outcome) error {
	switch o.Kind {
	case generator.OutcomeOK, generator.OutcomeCancelled:
		return nil
	}
	if o.Err != nil {
		return o.Err
	}
	return errors.New("generator: " + o.Kind.String())
}

// finishCancelled closes the turn with a cancellation event. A reason set on
// the activeTurn (barge-in, shutdown, user cancel) wins over fallback.
func (c *Controller) finishCancelled(t *activeTurn, fallback string, utt types.Utterance) {
	reason := t.Reason()
	if reason == "" {
		reason = fallback
	}
	if reason == "" {
		reason = ReasonUser
	}
	t.setState(StateCancelled)
	c.emit(observe.Event{
		Name:        observe.EventTurnCancelled,
		UtteranceID: utt.ID,
		Reason:      reason,
	})
}

// finishRefused speaks the refusal phrase when no tier could answer.
func (c *Controller) finishRefused(ctx context.Context, t *activeTurn, utt types.Utterance, filler *fillerHandle, phrase string) {
	filler.stop()
	c.speakFixed(ctx, utt.ID, phrase)
	t.setState(StateDone)
	c.emit(observe.Event{
		Name:        observe.EventTurnDegraded,
		UtteranceID: utt.ID,
		Reason:      "refused",
	})
}

// ─── synthesis and playback ──────────────────────────────────────────────────

// speakStream taps the token stream for telemetry, synthesizes it, and plays
// the segments. It returns the accumulated reply text and whether any real
// audio reached the sink.
func (c *Controller) speakStream(ctx context.Context, t *activeTurn, utt types.Utterance, stream *generator.Stream, filler *fillerHandle) (string, bool) {
	tapped := make(chan types.Token, 64)
	var reply strings.Builder
	tapDone := make(chan struct{})
	go func() {
		defer close(tapDone)
		defer close(tapped)
		first := true
		for tok := range stream.Tokens() {
			if first && !tok.IsFinal {
				first = false
				c.emit(observe.Event{
					Name:        observe.EventTurnFirstToken,
					UtteranceID: utt.ID,
					Latency:     c.clock.Now() - utt.SpeechEnd,
				})
			}
			reply.WriteString(tok.Text)
			select {
			case tapped <- tok:
			case <-ctx.Done():
				go audio.Drain(stream.Tokens())
				return
			}
		}
	}()

	segments, err := c.synth.Speak(ctx, utt.ID, tapped)
	if err != nil {
		slog.Error("synthesis failed to start", "utterance_id", utt.ID, "err", err)
		stream.Cancel()
		go audio.Drain(tapped)
		<-tapDone
		return reply.String(), false
	}

	spoke := false
	for seg := range segments {
		if seg.IsFinal && len(seg.Samples) == 0 {
			continue
		}
		if !spoke {
			// Real answer audio is ready: the filler must finish before the
			// first segment so the two never interleave.
			filler.stop()
			t.setState(StateSpeaking)
			firstAudio := c.clock.Now() - utt.SpeechEnd
			c.metrics.FirstAudioDuration.Record(ctx, seconds(firstAudio))
			c.emit(observe.Event{
				Name:        observe.EventTurnFirstAudio,
				UtteranceID: utt.ID,
				Latency:     firstAudio,
			})
			spoke = true
		}
		if err := c.sink.Play(ctx, seg); err != nil {
			slog.Warn("sink rejected segment", "utterance_id", utt.ID, "err", err)
			stream.Cancel()
			go audio.Drain(segments)
			break
		}
	}

	<-tapDone
	return reply.String(), spoke
}

// speakFixed synthesizes a literal phrase through the normal path. No
// generator runs, so no usage is recorded.
func (c *Controller) speakFixed(ctx context.Context, utteranceID uint64, phrase string) {
	if phrase == "" {
		return
	}
	tokens := make(chan types.Token, 2)
	tokens <- types.Token{UtteranceID: utteranceID, Text: phrase}
	tokens <- types.Token{UtteranceID: utteranceID, Seq: 1, IsFinal: true}
	close(tokens)

	segments, err := c.synth.Speak(ctx, utteranceID, tokens)
	if err != nil {
		slog.Error("fixed phrase synthesis failed", "utterance_id", utteranceID, "err", err)
		return
	}
	for seg := range segments {
		if seg.IsFinal && len(seg.Samples) == 0 {
			continue
		}
		if err := c.sink.Play(ctx, seg); err != nil {
			go audio.Drain(segments)
			return
		}
	}
}

// ─── filler ──────────────────────────────────────────────────────────────────

// fillerHandle manages one filler playback: stop cancels the phrase at its
// next sentence boundary and blocks until its audio has fully left the sink.
type fillerHandle struct {
	cancel func()
	done   chan struct{}
	once   sync.Once
}

// stop is idempotent and safe on the no-op handle.
func (f *fillerHandle) stop() {
	f.once.Do(func() {
		if f.cancel != nil {
			f.cancel()
		}
		if f.done != nil {
			<-f.done
		}
	})
}

// startFiller begins a filler phrase for remote-tier turns. LOCAL answers are
// fast enough that a filler would only add noise.
func (c *Controller) startFiller(ctx context.Context, utt types.Utterance, tier types.Tier) *fillerHandle {
	if c.filler == nil || tier == types.TierLocal {
		return &fillerHandle{}
	}
	segments, cancel := c.filler.Play(ctx, utt.ID)
	if segments == nil {
		return &fillerHandle{}
	}

	h := &fillerHandle{cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(h.done)
		for seg := range segments {
			if seg.IsFinal && len(seg.Samples) == 0 {
				continue
			}
			if err := c.sink.Play(ctx, seg); err != nil {
				go audio.Drain(segments)
				return
			}
		}
	}()
	return h
}

// seconds converts a duration for histogram recording.
func seconds(d time.Duration) float64 { return d.Seconds() }
