package router

import (
	"context"
	"errors"
	"testing"

	"github.com/atlas-voice/atlas/internal/config"
	"github.com/atlas-voice/atlas/pkg/provider/embeddings/mock"
	"github.com/atlas-voice/atlas/pkg/types"
)

func testThresholds() config.ThresholdsConfig {
	return config.ThresholdsConfig{Abstain: 0.35, TieEpsilon: 0.03, ThriftyKeepFast: 0.75}
}

// axis returns a 4-dimensional unit vector along one axis, scaled by w.
func axis(i int, w float32) []float32 {
	v := make([]float32, 4)
	v[i] = w
	return v
}

// testCentroids spans the three tiers on orthogonal axes so test utterances
// can dial in any similarity via their Fixed vectors.
func testCentroids() []Centroid {
	return []Centroid{
		{Tier: types.TierLocal, Category: types.CategoryBrief, Vec: axis(0, 1)},
		{Tier: types.TierFast, Category: types.CategoryAdvice, Vec: axis(1, 1)},
		{Tier: types.TierAgent, Category: types.CategoryAnalyze, Vec: axis(2, 1)},
	}
}

func newTestRouter(t *testing.T, emb *mock.Provider) *Router {
	t.Helper()
	cfg := config.RouterConfig{Thresholds: testThresholds()}
	r, err := New(cfg, emb, testCentroids())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return r
}

func utter(text string) types.Utterance {
	return types.Utterance{ID: 1, Text: text, STTConfidence: 0.9}
}

func TestClassify_RuleStage(t *testing.T) {
	t.Parallel()

	r := newTestRouter(t, &mock.Provider{Dims: 4})

	cases := []struct {
		text     string
		tier     types.Tier
		category types.Category
	}{
		{"set a 30 second timer", types.TierLocal, types.CategoryCommand},
		{"turn off the living room lights", types.TierLocal, types.CategoryCommand},
		{"hey good morning", types.TierLocal, types.CategoryGreeting},
		{"what time is it", types.TierLocal, types.CategoryBrief},
		{"never mind", types.TierLocal, types.CategoryCommand},
		{"call 911 right now", types.TierAgent, types.CategorySafety},
		{"I think I smell gas in the kitchen", types.TierAgent, types.CategorySafety},
		{"plan a weekend trip to Lisbon and book the hotel", types.TierAgent, types.CategoryPlan},
	}
	for _, tc := range cases {
		t.Run(tc.text, func(t *testing.T) {
			d := r.Classify(context.Background(), utter(tc.text), types.BudgetState{})
			if d.Tier != tc.tier || d.Category != tc.category {
				t.Errorf("got %v/%v, want %v/%v", d.Tier, d.Category, tc.tier, tc.category)
			}
			if d.Confidence < 0.9 {
				t.Errorf("confidence = %.2f, want >= 0.9 on rule hit", d.Confidence)
			}
		})
	}
}

func TestClassify_PhoneticCommandFallback(t *testing.T) {
	t.Parallel()

	// "sat" is not a command regex hit but sounds like "set". Push the
	// utterance away from all centroids so the rule stage must decide.
	emb := &mock.Provider{Dims: 4, Fixed: map[string][]float32{
		"sat uh timer for five minutes": axis(3, 1),
	}}
	r := newTestRouter(t, emb)

	d := r.Classify(context.Background(), utter("sat uh timer for five minutes"), types.BudgetState{})
	if d.Tier != types.TierLocal || d.Category != types.CategoryCommand {
		t.Errorf("got %v/%v, want LOCAL/command via phonetic match", d.Tier, d.Category)
	}
	if d.Reason != "rule:phonetic-command" {
		t.Errorf("reason = %q", d.Reason)
	}
}

func TestClassify_SemanticStage(t *testing.T) {
	t.Parallel()

	const text = "could you give me some advice about my garden"
	emb := &mock.Provider{Dims: 4, Fixed: map[string][]float32{
		text: axis(1, 1), // exactly on the FAST centroid
	}}
	r := newTestRouter(t, emb)

	d := r.Classify(context.Background(), utter(text), types.BudgetState{})
	if d.Tier != types.TierFast || d.Category != types.CategoryAdvice {
		t.Fatalf("got %v/%v, want FAST/advice", d.Tier, d.Category)
	}
	// Similarity 1.0 maps to the top of the semantic confidence band.
	if d.Confidence != 0.9 {
		t.Errorf("confidence = %.2f, want 0.90", d.Confidence)
	}
	if d.Reason != "semantic" {
		t.Errorf("reason = %q", d.Reason)
	}
}

func TestClassify_TiePromotesUpward(t *testing.T) {
	t.Parallel()

	// Equidistant between the FAST and AGENT centroids: the tie breaks to
	// AGENT.
	const text = "walk me through whether I should refinance"
	v := []float32{0, 0.7071, 0.7071, 0}
	emb := &mock.Provider{Dims: 4, Fixed: map[string][]float32{text: v}}
	r := newTestRouter(t, emb)

	d := r.Classify(context.Background(), utter(text), types.BudgetState{})
	if d.Tier != types.TierAgent {
		t.Errorf("tier = %v, want AGENT on tie", d.Tier)
	}
	if d.Reason != "semantic:tie" {
		t.Errorf("reason = %q", d.Reason)
	}
}

func TestClassify_AbstainSetsNeedsClarification(t *testing.T) {
	t.Parallel()

	const text = "mumble mumble something"
	emb := &mock.Provider{Dims: 4, Fixed: map[string][]float32{
		text: axis(3, 1), // orthogonal to every centroid, similarity 0
	}}
	r := newTestRouter(t, emb)

	d := r.Classify(context.Background(), utter(text), types.BudgetState{})
	if d.Tier != types.TierFast || d.Category != types.CategoryUnknown {
		t.Errorf("got %v/%v, want FAST/unknown", d.Tier, d.Category)
	}
	if !d.NeedsClarification {
		t.Error("NeedsClarification = false on abstention")
	}
	if d.Confidence != 0.5 {
		t.Errorf("confidence = %.2f, want 0.5", d.Confidence)
	}
}

func TestClassify_EmbedErrorFallsBack(t *testing.T) {
	t.Parallel()

	emb := &mock.Provider{Dims: 4, Err: errors.New("backend down")}
	r := newTestRouter(t, emb)

	d := r.Classify(context.Background(), utter("tell me a story about dragons"), types.BudgetState{})
	if d.Tier != types.TierFast || d.Category != types.CategoryUnknown || d.Confidence != 0.5 {
		t.Errorf("got %v/%v/%.2f, want FAST/unknown/0.5", d.Tier, d.Category, d.Confidence)
	}
	if d.Reason != "fallback:embed-error" {
		t.Errorf("reason = %q", d.Reason)
	}
}

func TestClassify_BudgetGate(t *testing.T) {
	t.Parallel()

	const fastText = "could you give me some advice about my garden"
	const agentText = "help me analyze this contract in depth"
	// fastText sits at an angle to the FAST centroid (similarity 0.6, which
	// maps to confidence ~0.65); agentText is exactly on the AGENT centroid.
	emb := &mock.Provider{Dims: 4, Fixed: map[string][]float32{
		fastText:  {0, 0.6, 0, 0.8},
		agentText: axis(2, 1),
	}}
	r := newTestRouter(t, emb)
	ctx := context.Background()

	t.Run("thrifty downgrades low-confidence fast", func(t *testing.T) {
		d := r.Classify(ctx, utter(fastText), types.BudgetState{Mode: types.BudgetThrifty})
		if d.Tier != types.TierLocal || !d.BudgetOverride {
			t.Errorf("got %v override=%v, want LOCAL override=true", d.Tier, d.BudgetOverride)
		}
	})

	t.Run("thrifty keeps non-safety agent off agent", func(t *testing.T) {
		d := r.Classify(ctx, utter(agentText), types.BudgetState{Mode: types.BudgetThrifty})
		if d.Tier != types.TierFast || !d.BudgetOverride {
			t.Errorf("got %v override=%v, want FAST override=true", d.Tier, d.BudgetOverride)
		}
	})

	t.Run("thrifty keeps safety on agent", func(t *testing.T) {
		d := r.Classify(ctx, utter("call 911 right now"), types.BudgetState{Mode: types.BudgetThrifty})
		if d.Tier != types.TierAgent || d.BudgetOverride {
			t.Errorf("got %v override=%v, want AGENT override=false", d.Tier, d.BudgetOverride)
		}
	})

	t.Run("local only rewrites everything", func(t *testing.T) {
		d := r.Classify(ctx, utter(agentText), types.BudgetState{Mode: types.BudgetLocalOnly})
		if d.Tier != types.TierLocal || !d.BudgetOverride {
			t.Errorf("got %v override=%v, want LOCAL override=true", d.Tier, d.BudgetOverride)
		}
	})

	t.Run("local only flags forced safety", func(t *testing.T) {
		d := r.Classify(ctx, utter("call 911 right now"), types.BudgetState{Mode: types.BudgetLocalOnly})
		if d.Tier != types.TierLocal || !d.SafetyOverride {
			t.Errorf("got %v safety=%v, want LOCAL safety=true", d.Tier, d.SafetyOverride)
		}
	})

	t.Run("degraded ledger acts as thrifty", func(t *testing.T) {
		d := r.Classify(ctx, utter(fastText), types.BudgetState{Mode: types.BudgetNormal, Degraded: true})
		if d.Tier != types.TierLocal || !d.BudgetOverride {
			t.Errorf("got %v override=%v, want LOCAL override=true", d.Tier, d.BudgetOverride)
		}
	})
}

func TestClassify_NoSemanticStageUsesFallback(t *testing.T) {
	t.Parallel()

	r, err := New(config.RouterConfig{Thresholds: testThresholds()}, nil, nil)
	if err != nil {
		t.Fatalf("New without embeddings: %v", err)
	}

	// Rules still work.
	d := r.Classify(context.Background(), utter("set a timer"), types.BudgetState{})
	if d.Tier != types.TierLocal || d.Category != types.CategoryCommand {
		t.Errorf("rule decision = %+v", d)
	}

	// Everything else lands on the fixed fallback.
	d = r.Classify(context.Background(), utter("what do you think about ferns"), types.BudgetState{})
	if d.Tier != types.TierFast || d.Category != types.CategoryUnknown || d.Reason != "fallback:no-semantic" {
		t.Errorf("fallback decision = %+v", d)
	}
}

func TestClassify_IsDeterministic(t *testing.T) {
	t.Parallel()

	r := newTestRouter(t, &mock.Provider{Dims: 4})
	u := utter("how should I word this email to my landlord")

	first := r.Classify(context.Background(), u, types.BudgetState{})
	for i := 0; i < 5; i++ {
		if got := r.Classify(context.Background(), u, types.BudgetState{}); got != first {
			t.Fatalf("run %d differs: %+v vs %+v", i, got, first)
		}
	}
}

func TestSetThresholds_SwapsGates(t *testing.T) {
	t.Parallel()

	const text = "could you give me some advice about my garden"
	emb := &mock.Provider{Dims: 4, Fixed: map[string][]float32{text: axis(1, 1)}}
	r := newTestRouter(t, emb)
	ctx := context.Background()

	if d := r.Classify(ctx, utter(text), types.BudgetState{}); d.NeedsClarification {
		t.Fatal("unexpected abstention before threshold change")
	}

	// An abstain threshold above the similarity forces abstention.
	th := testThresholds()
	th.Abstain = 1.01
	r.SetThresholds(th)
	if d := r.Classify(ctx, utter(text), types.BudgetState{}); !d.NeedsClarification {
		t.Error("no abstention after raising abstain threshold")
	}
}

func TestNewRuleStage_RejectsBadSafetyPattern(t *testing.T) {
	t.Parallel()

	cfg := config.RouterConfig{
		Thresholds:     testThresholds(),
		SafetyPatterns: []string{`\b(unclosed`},
	}
	if _, err := New(cfg, &mock.Provider{Dims: 4}, testCentroids()); err == nil {
		t.Error("invalid safety pattern accepted")
	}
}

func TestNewRuleStage_PolicySafetyPatternWins(t *testing.T) {
	t.Parallel()

	cfg := config.RouterConfig{
		Thresholds:     testThresholds(),
		SafetyPatterns: []string{`\bmedication dose\b`},
	}
	r, err := New(cfg, &mock.Provider{Dims: 4}, testCentroids())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	d := r.Classify(context.Background(), utter("double check this medication dose for me"), types.BudgetState{})
	if d.Tier != types.TierAgent || d.Category != types.CategorySafety {
		t.Errorf("got %v/%v, want AGENT/safety from policy pattern", d.Tier, d.Category)
	}
}
