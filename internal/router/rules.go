package router

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/antzucaro/matchr"

	"github.com/atlas-voice/atlas/pkg/types"
)

// ruleConfidence is the fixed confidence carried by every rule-stage hit.
const ruleConfidence = 0.95

// rule is one ordered pattern matcher. First match wins.
type rule struct {
	name     string
	category types.Category
	tier     types.Tier
	re       *regexp.Regexp
}

// hit is the outcome of a successful rule match.
type hit struct {
	rule *rule
}

// ruleStage evaluates the ordered matcher list plus a phonetic fallback for
// command verbs mangled by transcription ("set uh timer").
type ruleStage struct {
	rules []rule

	// phonetic maps Double Metaphone codes of command verbs back to the verb.
	phonetic map[string]string
}

// The built-in matchers fall in four groups, evaluated in order:
// safety-critical (force AGENT), multi-step plans (force AGENT),
// command/greeting/brief lookups (force LOCAL), and explicit refusals
// (force LOCAL as a command).
var builtinRules = []rule{
	{
		name:     "safety",
		category: types.CategorySafety,
		tier:     types.TierAgent,
		re: regexp.MustCompile(`(?i)\b(call (911|999|112|emergency)|emergency|i('m| am) (hurt|bleeding|in danger)|` +
			`chest pain|can'?t breathe|overdose|suicid\w*|hurt (myself|himself|herself)|house is on fire|smell (gas|smoke))\b`),
	},
	{
		name:     "plan",
		category: types.CategoryPlan,
		tier:     types.TierAgent,
		re: regexp.MustCompile(`(?i)\b(plan (a|my|the|out)|book (a|me|the)|itinerary|organi[sz]e (a|my|the)|` +
			`research .+ and |compare .+ (and|with|to) .+|step.by.step plan|schedule .+ and )\b`),
	},
	{
		name:     "command",
		category: types.CategoryCommand,
		tier:     types.TierLocal,
		re: regexp.MustCompile(`(?i)^(please )?(set|start|stop|cancel|pause|resume|restart|play|skip|dim|brighten|` +
			`mute|unmute|turn (on|off|up|down)|volume|remind me|wake me|snooze|lock|unlock)\b`),
	},
	{
		name:     "greeting",
		category: types.CategoryGreeting,
		tier:     types.TierLocal,
		re: regexp.MustCompile(`(?i)^(hi|hey|hello|yo|good (morning|afternoon|evening|night)|` +
			`thanks|thank you|bye|goodbye|see you)\b`),
	},
	{
		name:     "brief",
		category: types.CategoryBrief,
		tier:     types.TierLocal,
		re: regexp.MustCompile(`(?i)^(what time is it|what('s| is) the (time|date|day|weather)|` +
			`what day is it|how long (until|till)|is it (raining|snowing))\b`),
	},
	{
		name:     "refusal",
		category: types.CategoryCommand,
		tier:     types.TierLocal,
		re: regexp.MustCompile(`(?i)^(never ?mind|forget it|that('s| is) all|no thanks|not now|` +
			`stop talking|be quiet|shut up|go to sleep)\b`),
	},
}

// commandVerbs seed the phonetic fallback. A leading token that sounds like
// one of these is treated as a command even when the transcript spelling
// missed the regex.
var commandVerbs = []string{
	"set", "start", "stop", "cancel", "pause", "resume", "play",
	"skip", "mute", "dim", "snooze", "timer", "alarm", "volume",
}

// newRuleStage builds the stage from the built-in matchers plus extra
// safety patterns from policy. Extra patterns are prepended to the safety
// group so they share its priority.
func newRuleStage(safetyPatterns []string) (*ruleStage, error) {
	rules := make([]rule, 0, len(builtinRules)+len(safetyPatterns))
	for i, pat := range safetyPatterns {
		re, err := regexp.Compile("(?i)" + pat)
		if err != nil {
			return nil, fmt.Errorf("router: safety pattern %d (%q): %w", i, pat, err)
		}
		rules = append(rules, rule{
			name:     fmt.Sprintf("safety-policy-%d", i),
			category: types.CategorySafety,
			tier:     types.TierAgent,
			re:       re,
		})
	}
	rules = append(rules, builtinRules...)

	phonetic := make(map[string]string, len(commandVerbs)*2)
	for _, v := range commandVerbs {
		p, s := matchr.DoubleMetaphone(v)
		if p != "" {
			phonetic[p] = v
		}
		if s != "" {
			phonetic[s] = v
		}
	}
	return &ruleStage{rules: rules, phonetic: phonetic}, nil
}

// match runs the ordered matchers against text. The phonetic fallback only
// fires on the leading token, where command verbs live.
func (s *ruleStage) match(text string) (hit, bool) {
	for i := range s.rules {
		if s.rules[i].re.MatchString(text) {
			return hit{rule: &s.rules[i]}, true
		}
	}

	if tok := leadingToken(text); tok != "" {
		p, sec := matchr.DoubleMetaphone(tok)
		for _, code := range []string{p, sec} {
			if code == "" {
				continue
			}
			if _, ok := s.phonetic[code]; ok {
				return hit{rule: &phoneticCommandRule}, true
			}
		}
	}
	return hit{}, false
}

var phoneticCommandRule = rule{
	name:     "phonetic-command",
	category: types.CategoryCommand,
	tier:     types.TierLocal,
}

// leadingToken returns the first lower-case word of text, skipping a polite
// "please" prefix and stripping punctuation.
func leadingToken(text string) string {
	fields := strings.Fields(strings.ToLower(text))
	for _, f := range fields {
		f = strings.Trim(f, ".,!?;:\"'")
		if f == "" || f == "please" {
			continue
		}
		return f
	}
	return ""
}
