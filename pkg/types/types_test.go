package types_test

import (
	"testing"
	"time"

	"github.com/atlas-voice/atlas/pkg/types"
)

func TestNextUtteranceID_Monotonic(t *testing.T) {
	t.Parallel()

	prev := types.NextUtteranceID()
	for i := 0; i < 100; i++ {
		next := types.NextUtteranceID()
		if next <= prev {
			t.Fatalf("utterance ID went backwards: %d after %d", next, prev)
		}
		prev = next
	}
}

func TestTier_PromoteDowngrade(t *testing.T) {
	t.Parallel()

	tests := []struct {
		tier      types.Tier
		promote   types.Tier
		downgrade types.Tier
	}{
		{types.TierLocal, types.TierFast, types.TierLocal},
		{types.TierFast, types.TierAgent, types.TierLocal},
		{types.TierAgent, types.TierAgent, types.TierFast},
	}
	for _, tc := range tests {
		if got := tc.tier.Promote(); got != tc.promote {
			t.Errorf("%v.Promote() = %v, want %v", tc.tier, got, tc.promote)
		}
		if got := tc.tier.Downgrade(); got != tc.downgrade {
			t.Errorf("%v.Downgrade() = %v, want %v", tc.tier, got, tc.downgrade)
		}
	}
}

func TestParseTier_RoundTrip(t *testing.T) {
	t.Parallel()

	for _, tier := range []types.Tier{types.TierLocal, types.TierFast, types.TierAgent} {
		got, err := types.ParseTier(tier.String())
		if err != nil {
			t.Fatalf("ParseTier(%q) returned error: %v", tier.String(), err)
		}
		if got != tier {
			t.Errorf("ParseTier(%q) = %v, want %v", tier.String(), got, tier)
		}
	}
	if _, err := types.ParseTier("fast"); err == nil {
		t.Error("ParseTier accepted lower-case tier name")
	}
}

func TestParseCategory(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    types.Category
		wantErr bool
	}{
		{"command", types.CategoryCommand, false},
		{"safety", types.CategorySafety, false},
		{"unknown", types.CategoryUnknown, false},
		{"COMMAND", types.CategoryUnknown, true},
		{"", types.CategoryUnknown, true},
	}
	for _, tc := range tests {
		got, err := types.ParseCategory(tc.in)
		if (err != nil) != tc.wantErr {
			t.Errorf("ParseCategory(%q) error = %v, wantErr %v", tc.in, err, tc.wantErr)
			continue
		}
		if err == nil && got != tc.want {
			t.Errorf("ParseCategory(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestFrame_Duration(t *testing.T) {
	t.Parallel()

	f := types.Frame{PCM: make([]int16, 320), SampleRate: 16000}
	if got, want := f.Duration(), 20*time.Millisecond; got != want {
		t.Errorf("Duration() = %v, want %v", got, want)
	}
	if got := (types.Frame{PCM: make([]int16, 320)}).Duration(); got != 0 {
		t.Errorf("Duration() with zero sample rate = %v, want 0", got)
	}
}
