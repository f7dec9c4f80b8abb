// Package turn sequences voice turns end to end: speech bracket capture,
// transcription, classification, dispatch to a generator tier, synthesis, and
// playback. The Controller is the only component that mutates turn state;
// everything upstream and downstream is a stream or a pure function.
//
// Turns are strictly sequential. A new turn may capture while the previous
// one is still speaking, but it does not dispatch until the previous turn has
// finished or been cancelled. Barge-in (speech while the assistant speaks)
// cancels the active turn, flushes queued audio, and binds a fresh turn to
// the new bracket.
package turn

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/atlas-voice/atlas/internal/config"
	"github.com/atlas-voice/atlas/internal/generator"
	"github.com/atlas-voice/atlas/internal/observe"
	"github.com/atlas-voice/atlas/internal/resilience"
	"github.com/atlas-voice/atlas/internal/router"
	"github.com/atlas-voice/atlas/internal/synth"
	"github.com/atlas-voice/atlas/pkg/audio"
	"github.com/atlas-voice/atlas/pkg/provider/llm"
	"github.com/atlas-voice/atlas/pkg/provider/stt"
	"github.com/atlas-voice/atlas/pkg/types"
)

// State is the lifecycle position of the active turn.
type State int32

const (
	StateIdle State = iota
	StateCapturing
	StateTranscribing
	StateClassifying
	StateDispatching
	StateSpeaking
	StateDone
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateCapturing:
		return "CAPTURING"
	case StateTranscribing:
		return "TRANSCRIBING"
	case StateClassifying:
		return "CLASSIFYING"
	case StateDispatching:
		return "DISPATCHING"
	case StateSpeaking:
		return "SPEAKING"
	case StateDone:
		return "DONE"
	case StateCancelled:
		return "CANCELLED"
	}
	return "UNKNOWN"
}

// Cancellation reasons surfaced in telemetry.
const (
	ReasonBargeIn   = "BARGE_IN"
	ReasonEmpty     = "EMPTY"
	ReasonShutdown  = "SHUTDOWN"
	ReasonUser      = "USER_CANCEL"
	ReasonSTTError  = "DECODE_FAILED"
	ReasonSTTExpiry = "STT_TIMEOUT"
)

// defaultSTTDeadline bounds one whisper decode.
const defaultSTTDeadline = 10 * time.Second

// historyMax bounds the conversation history passed to generators, in
// messages (user and assistant counted separately).
const historyMax = 8

// BudgetSource exposes the ledger's budget snapshot.
type BudgetSource interface {
	BudgetState() types.BudgetState
}

// Params collects the controller's collaborators. All fields except Filler,
// Health, Events, and Metrics are required.
type Params struct {
	Transcriber stt.Transcriber
	Router      *router.Router
	Generators  *generator.Set
	Synth       *synth.Synthesizer
	Filler      *synth.Filler
	Sink        audio.Sink
	Budget      BudgetSource
	Health      *resilience.TierHealth
	Clock       *types.Clock
	Events      observe.TelemetrySink
	Metrics     *observe.Metrics
	Persona     config.PersonaConfig

	// STTDeadline bounds one transcription. Zero means the default.
	STTDeadline time.Duration
}

// Controller owns the turn state machine.
type Controller struct {
	stt         stt.Transcriber
	router      *router.Router
	gens        *generator.Set
	synth       *synth.Synthesizer
	filler      *synth.Filler
	sink        audio.Sink
	budget      BudgetSource
	health      *resilience.TierHealth
	clock       *types.Clock
	events      observe.TelemetrySink
	metrics     *observe.Metrics
	persona     config.PersonaConfig
	sttDeadline time.Duration

	mu      sync.Mutex
	active  *activeTurn
	history []llm.Message

	capturing atomic.Bool
}

// activeTurn is the handle the run loop keeps on the in-flight pipeline.
type activeTurn struct {
	id     uint64
	cancel context.CancelFunc
	done   chan struct{}
	state  atomic.Int32
	reason atomic.Value // string
}

func (t *activeTurn) setState(s State) { t.state.Store(int32(s)) }

func (t *activeTurn) State() State { return State(t.state.Load()) }

func (t *activeTurn) setReason(r string) { t.reason.CompareAndSwap(nil, r) }

func (t *activeTurn) Reason() string {
	if r, ok := t.reason.Load().(string); ok {
		return r
	}
	return ""
}

// New validates params and builds a Controller.
func New(p Params) (*Controller, error) {
	var errs []error
	if p.Transcriber == nil {
		errs = append(errs, errors.New("turn: Transcriber is required"))
	}
	if p.Router == nil {
		errs = append(errs, errors.New("turn: Router is required"))
	}
	if p.Generators == nil {
		errs = append(errs, errors.New("turn: Generators is required"))
	}
	if p.Synth == nil {
		errs = append(errs, errors.New("turn: Synth is required"))
	}
	if p.Sink == nil {
		errs = append(errs, errors.New("turn: Sink is required"))
	}
	if p.Budget == nil {
		errs = append(errs, errors.New("turn: Budget is required"))
	}
	if p.Clock == nil {
		errs = append(errs, errors.New("turn: Clock is required"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	if p.STTDeadline <= 0 {
		p.STTDeadline = defaultSTTDeadline
	}
	if p.Events == nil {
		p.Events = observe.SlogSink{}
	}
	if p.Metrics == nil {
		p.Metrics = observe.DefaultMetrics()
	}
	if p.Health == nil {
		p.Health = resilience.NewTierHealth()
	}
	return &Controller{
		stt:         p.Transcriber,
		router:      p.Router,
		gens:        p.Generators,
		synth:       p.Synth,
		filler:      p.Filler,
		sink:        p.Sink,
		budget:      p.Budget,
		health:      p.Health,
		clock:       p.Clock,
		events:      p.Events,
		metrics:     p.Metrics,
		persona:     p.Persona,
		sttDeadline: p.STTDeadline,
	}, nil
}

// Status is a point-in-time controller snapshot for the control surface.
type Status struct {
	State       string `json:"state"`
	UtteranceID uint64 `json:"utterance_id,omitempty"`
}

// Status reports the active turn's state, or IDLE/CAPTURING between turns.
func (c *Controller) Status() Status {
	c.mu.Lock()
	t := c.active
	c.mu.Unlock()
	if t != nil {
		return Status{State: t.State().String(), UtteranceID: t.id}
	}
	if c.capturing.Load() {
		return Status{State: StateCapturing.String()}
	}
	return Status{State: StateIdle.String()}
}

// SetPersona replaces the persona phrasing used by subsequent turns. The
// active turn keeps the phrasing it started with.
func (c *Controller) SetPersona(p config.PersonaConfig) {
	c.mu.Lock()
	c.persona = p
	c.mu.Unlock()
}

func (c *Controller) personaSnapshot() config.PersonaConfig {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.persona
}

// CancelActive cancels the in-flight turn, if any, recording reason. Used by
// the control surface and by out-of-band cancel signals.
func (c *Controller) CancelActive(reason string) bool {
	c.mu.Lock()
	t := c.active
	c.mu.Unlock()
	if t == nil {
		return false
	}
	t.setReason(reason)
	t.cancel()
	c.sink.Flush()
	return true
}

// Run consumes the frame and event streams until ctx is cancelled or both
// streams end. Frames arriving inside a speech bracket are buffered for the
// transcriber; VAD events drive the state machine.
func (c *Controller) Run(ctx context.Context, frames <-chan types.Frame, events <-chan types.VADEvent) error {
	var (
		capture     []int16
		captureRate int
	)

	for {
		select {
		case <-ctx.Done():
			c.CancelActive(ReasonShutdown)
			c.waitActive()
			return ctx.Err()

		case f, ok := <-frames:
			if !ok {
				frames = nil
				continue
			}
			if c.capturing.Load() {
				capture = append(capture, f.PCM...)
				captureRate = f.SampleRate
			}

		case ev, ok := <-events:
			if !ok {
				// Stream EOF: a turn already speaking is allowed to finish.
				c.waitActive()
				return nil
			}
			switch ev.Kind {
			case types.SpeechStart:
				c.onSpeechStart()
				capture = capture[:0]

			case types.SpeechEnd:
				if !c.capturing.Load() {
					continue
				}
				c.capturing.Store(false)
				pcm := make([]int16, len(capture))
				copy(pcm, capture)
				capture = capture[:0]
				c.startTurn(ctx, pcm, captureRate, ev)
			}
		}
	}
}

// onSpeechStart opens a capture bracket, cancelling the active turn first if
// the user is interrupting playback.
func (c *Controller) onSpeechStart() {
	if c.capturing.Load() {
		// The VAD guarantees alternating events; seeing two starts means its
		// state was reset underneath us.
		slog.Error("consecutive speech starts, resetting capture")
		return
	}

	c.mu.Lock()
	t := c.active
	c.mu.Unlock()
	if t != nil && t.State() == StateSpeaking {
		t.setReason(ReasonBargeIn)
		t.cancel()
		c.sink.Flush()
		c.metrics.BargeIns.Add(context.Background(), 1)
		slog.Info("barge-in, cancelling active turn", "utterance_id", t.id)
	}
	c.capturing.Store(true)
}

// startTurn spawns the pipeline goroutine for a completed bracket.
func (c *Controller) startTurn(ctx context.Context, pcm []int16, sampleRate int, ev types.VADEvent) {
	turnCtx, cancel := context.WithCancel(ctx)
	t := &activeTurn{
		id:     types.NextUtteranceID(),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	t.setState(StateTranscribing)

	c.mu.Lock()
	prev := c.active
	c.active = t
	c.mu.Unlock()

	var prevDone chan struct{}
	if prev != nil {
		prevDone = prev.done
	}
	go c.runTurn(turnCtx, t, pcm, sampleRate, ev, prevDone)
}

func (c *Controller) waitActive() {
	c.mu.Lock()
	t := c.active
	c.mu.Unlock()
	if t != nil {
		<-t.done
	}
}

// clearActive detaches t if it is still the active turn.
func (c *Controller) clearActive(t *activeTurn) {
	c.mu.Lock()
	if c.active == t {
		c.active = nil
	}
	c.mu.Unlock()
}

// historySnapshot returns a copy of the rolling conversation history.
func (c *Controller) historySnapshot() []llm.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]llm.Message, len(c.history))
	copy(out, c.history)
	return out
}

// appendHistory records one completed exchange, trimming to historyMax.
func (c *Controller) appendHistory(user, assistant string) {
	if assistant == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.history = append(c.history,
		llm.Message{Role: llm.RoleUser, Content: user},
		llm.Message{Role: llm.RoleAssistant, Content: assistant},
	)
	if len(c.history) > historyMax {
		c.history = c.history[len(c.history)-historyMax:]
	}
}

func (c *Controller) emit(ev observe.Event) {
	c.events.Emit(ev)
}
