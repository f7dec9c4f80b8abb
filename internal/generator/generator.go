// Package generator adapts the llm provider contract to deadline-bound token
// streams. One Adapter wraps one tier's backend; it enforces the tier's TTFT
// and total deadlines, estimates cost, and commits exactly one usage record
// per stream. Retry and fallback across tiers are the turn controller's job,
// never the adapter's.
package generator

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/atlas-voice/atlas/internal/config"
	"github.com/atlas-voice/atlas/pkg/provider/llm"
	"github.com/atlas-voice/atlas/pkg/types"
)

// OutcomeKind classifies how a generation stream ended.
type OutcomeKind int

const (
	// OutcomeOK means the backend completed the stream within deadlines.
	OutcomeOK OutcomeKind = iota

	// OutcomeTimeoutTTFT means no first token arrived within the tier's
	// first-token deadline.
	OutcomeTimeoutTTFT

	// OutcomeTimeoutTotal means the stream did not finish within the tier's
	// total deadline.
	OutcomeTimeoutTotal

	// OutcomeBackendFailed means the backend refused or broke mid-stream.
	OutcomeBackendFailed

	// OutcomeCancelled means the consumer cancelled (barge-in or shutdown).
	OutcomeCancelled
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeOK:
		return "OK"
	case OutcomeTimeoutTTFT:
		return "TIMEOUT_TTFT"
	case OutcomeTimeoutTotal:
		return "TIMEOUT_TOTAL"
	case OutcomeBackendFailed:
		return "BACKEND_FAILED"
	case OutcomeCancelled:
		return "CANCELLED"
	}
	return "UNKNOWN"
}

// Outcome is the terminal summary of one generation stream, available from
// [Stream.Outcome] after the token channel closes.
type Outcome struct {
	Kind         OutcomeKind
	TTFT         time.Duration // zero when no token was delivered
	Total        time.Duration
	InputTokens  int
	OutputTokens int
	Err          error
}

// Request carries everything an adapter needs to generate a reply.
type Request struct {
	Utterance    types.Utterance
	Decision     types.TierDecision
	SystemPrompt string

	// History holds prior conversation turns, oldest first.
	History []llm.Message
}

// Recorder receives the single usage record committed per stream. Satisfied
// by the ledger.
type Recorder interface {
	Record(ctx context.Context, rec types.UsageRecord) error
}

// Adapter binds one tier's backend to its deadline and cost policy.
type Adapter struct {
	tier     types.Tier
	provider llm.Provider
	cfg      config.TierConfig
	recorder Recorder
	clock    *types.Clock
}

// New constructs an Adapter for tier over provider.
func New(tier types.Tier, provider llm.Provider, cfg config.TierConfig, recorder Recorder, clock *types.Clock) *Adapter {
	return &Adapter{tier: tier, provider: provider, cfg: cfg, recorder: recorder, clock: clock}
}

// Tier returns the tier this adapter serves.
func (a *Adapter) Tier() types.Tier { return a.tier }

// Set holds the three tier adapters the controller dispatches to.
type Set struct {
	Local *Adapter
	Fast  *Adapter
	Agent *Adapter
}

// For returns the adapter serving tier.
func (s *Set) For(tier types.Tier) *Adapter {
	switch tier {
	case types.TierFast:
		return s.Fast
	case types.TierAgent:
		return s.Agent
	default:
		return s.Local
	}
}

// Stream is one in-flight generation. Tokens arrive in sequence order and the
// channel closes after a terminal token with IsFinal set. Outcome blocks until
// then.
type Stream struct {
	tokens    chan types.Token
	cancel    context.CancelFunc
	cancelled atomic.Bool
	done      chan struct{}

	outcome Outcome
	usage   types.UsageRecord
}

// Tokens returns the ordered token stream.
func (s *Stream) Tokens() <-chan types.Token { return s.tokens }

// Cancel stops upstream work. No further tokens are emitted beyond one
// already in flight; the stream still closes normally and commits usage for
// any partial output.
func (s *Stream) Cancel() {
	s.cancelled.Store(true)
	s.cancel()
}

// Outcome blocks until the stream has closed, then reports how it ended.
func (s *Stream) Outcome() Outcome {
	<-s.done
	return s.outcome
}

// Usage blocks until the stream has closed, then returns the committed
// usage record.
func (s *Stream) Usage() types.UsageRecord {
	<-s.done
	return s.usage
}

// Generate starts a streamed completion for req. The returned Stream is live;
// an error here means the backend refused before any streaming began.
func (a *Adapter) Generate(ctx context.Context, req Request) (*Stream, error) {
	genCtx, cancel := context.WithTimeout(ctx, a.cfg.TotalDeadline())

	llmReq := a.buildRequest(req)
	chunks, err := a.provider.StreamCompletion(genCtx, llmReq)
	if err != nil {
		cancel()
		return nil, err
	}

	s := &Stream{
		tokens: make(chan types.Token, 64),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go a.run(ctx, genCtx, s, req, llmReq, chunks)
	return s, nil
}

func (a *Adapter) buildRequest(req Request) llm.Request {
	msgs := make([]llm.Message, 0, len(req.History)+2)
	if req.SystemPrompt != "" {
		msgs = append(msgs, llm.Message{Role: llm.RoleSystem, Content: req.SystemPrompt})
	}
	msgs = append(msgs, req.History...)
	msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: req.Utterance.Text})
	return llm.Request{
		Messages:    msgs,
		MaxTokens:   a.cfg.MaxOutputTokens,
		Temperature: -1,
	}
}

func (a *Adapter) run(parent, genCtx context.Context, s *Stream, req Request, llmReq llm.Request, chunks <-chan llm.Chunk) {
	defer s.cancel()

	start := a.clock.Now()
	var (
		text    strings.Builder
		seq     int
		ttft    time.Duration
		kind    = OutcomeOK
		ttftErr error
	)

	ttftTimer := time.NewTimer(a.cfg.TTFTDeadline())
	defer ttftTimer.Stop()

stream:
	for {
		var (
			chunk llm.Chunk
			ok    bool
		)
		if seq == 0 {
			select {
			case chunk, ok = <-chunks:
			case <-ttftTimer.C:
				kind, ttftErr = OutcomeTimeoutTTFT, context.DeadlineExceeded
				s.cancel()
				go drain(chunks)
				break stream
			case <-genCtx.Done():
				kind = a.doneKind(parent, genCtx, s)
				go drain(chunks)
				break stream
			}
		} else {
			select {
			case chunk, ok = <-chunks:
			case <-genCtx.Done():
				kind = a.doneKind(parent, genCtx, s)
				go drain(chunks)
				break stream
			}
		}
		if !ok {
			// Closed without a terminal chunk: a completed backend always
			// sends a finish reason first, so attribute this to the context.
			if genCtx.Err() != nil {
				kind = a.doneKind(parent, genCtx, s)
			}
			break
		}

		if chunk.Err != nil {
			kind, ttftErr = OutcomeBackendFailed, chunk.Err
			break
		}
		if chunk.Text != "" {
			if seq == 0 {
				ttft = a.clock.Now() - start
			}
			tok := types.Token{UtteranceID: req.Utterance.ID, Text: chunk.Text, Seq: seq}
			seq++
			text.WriteString(chunk.Text)
			select {
			case s.tokens <- tok:
			case <-genCtx.Done():
				kind = a.doneKind(parent, genCtx, s)
				go drain(chunks)
				break stream
			}
		}
		if chunk.FinishReason != "" {
			break
		}
	}

	total := a.clock.Now() - start
	final := types.Token{UtteranceID: req.Utterance.ID, Seq: seq, IsFinal: true}
	select {
	case s.tokens <- final:
	default:
		// Consumer gone; the final marker is best-effort.
	}
	close(s.tokens)

	rec := a.buildUsage(req, llmReq, text.String(), ttft, total)
	a.commit(rec)

	s.usage = rec
	s.outcome = Outcome{
		Kind:         kind,
		TTFT:         ttft,
		Total:        total,
		InputTokens:  rec.InputTokens,
		OutputTokens: rec.OutputTokens,
		Err:          ttftErr,
	}
	close(s.done)
}

// doneKind maps a context stop to its outcome kind: explicit cancellation and
// parent aborts are CANCELLED, an expired total deadline is TIMEOUT_TOTAL.
func (a *Adapter) doneKind(parent, genCtx context.Context, s *Stream) OutcomeKind {
	if s.cancelled.Load() || parent.Err() != nil {
		return OutcomeCancelled
	}
	if errors.Is(genCtx.Err(), context.DeadlineExceeded) {
		return OutcomeTimeoutTotal
	}
	return OutcomeCancelled
}

func (a *Adapter) buildUsage(req Request, llmReq llm.Request, output string, ttft, total time.Duration) types.UsageRecord {
	inTokens, err := a.provider.CountTokens(llmReq.Messages)
	if err != nil || inTokens <= 0 {
		inTokens = estimateTokens(promptBytes(llmReq.Messages))
	}
	outTokens := estimateTokens(len(output))

	return types.UsageRecord{
		UtteranceID:  req.Utterance.ID,
		Tier:         a.tier,
		InputTokens:  inTokens,
		OutputTokens: outTokens,
		CostUSD:      a.cost(inTokens, outTokens),
		LatencyTTFT:  ttft,
		LatencyTotal: total,
		Category:     req.Decision.Category,
	}
}

// cost prices a completion. LOCAL is always free; AGENT is free unless the
// policy bills its usage; FAST uses the per-1K unit rates.
func (a *Adapter) cost(inTokens, outTokens int) float64 {
	switch a.tier {
	case types.TierLocal:
		return 0
	case types.TierAgent:
		if !a.cfg.BillUsage {
			return 0
		}
	}
	in := float64(inTokens) / 1000 * a.cfg.UnitCost.InputPer1K
	out := float64(outTokens) / 1000 * a.cfg.UnitCost.OutputPer1K
	return in + out
}

func (a *Adapter) commit(rec types.UsageRecord) {
	if a.recorder == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 250*time.Millisecond)
	defer cancel()
	if err := a.recorder.Record(ctx, rec); err != nil {
		slog.Error("usage commit failed",
			"utterance_id", rec.UtteranceID, "tier", rec.Tier, "err", err)
	}
}

// estimateTokens approximates a token count from UTF-8 byte length, four
// bytes per token rounded up.
func estimateTokens(byteLen int) int {
	if byteLen <= 0 {
		return 0
	}
	return (byteLen + 3) / 4
}

func promptBytes(msgs []llm.Message) int {
	n := 0
	for _, m := range msgs {
		n += len(m.Content)
	}
	return n
}

func drain(ch <-chan llm.Chunk) {
	for range ch {
	}
}
