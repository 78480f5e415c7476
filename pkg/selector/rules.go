package selector

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/twinops/twinops/pkg/schema"
)

// Rules is the pattern-matching selector. Stateless and safe for
// concurrent use.
type Rules struct{}

// NewRules returns the rules selector.
func NewRules() *Rules { return &Rules{} }

var stripPrefixes = []*regexp.Regexp{
	regexp.MustCompile(`^(?:please\s+)?(?:can\s+you\s+)?(?:could\s+you\s+)?(?:would\s+you\s+)?`),
	regexp.MustCompile(`^(?:i\s+want\s+(?:you\s+)?to\s+)?`),
	regexp.MustCompile(`^(?:i\s+need\s+(?:you\s+)?to\s+)?`),
	regexp.MustCompile(`^(?:i'd\s+like\s+(?:you\s+)?to\s+)?`),
}

type specificPattern struct {
	re      *regexp.Regexp
	tool    string
	extract func(m []string) map[string]any
}

func noArgs([]string) map[string]any { return map[string]any{} }

func numArg(name string) func(m []string) map[string]any {
	return func(m []string) map[string]any {
		v, _ := strconv.ParseFloat(m[1], 64)
		return map[string]any{name: v}
	}
}

// Ordered: first match wins.
var specificPatterns = []specificPattern{
	{regexp.MustCompile(`set\s+(?:the\s+)?(?:pump\s+)?speed\s+(?:to\s+)?(\d+(?:\.\d+)?)`), "SetSpeed", numArg("rpm")},
	{regexp.MustCompile(`change\s+(?:the\s+)?speed\s+(?:to\s+)?(\d+(?:\.\d+)?)`), "SetSpeed", numArg("rpm")},
	{regexp.MustCompile(`speed\s+(?:to\s+)?(\d+(?:\.\d+)?)`), "SetSpeed", numArg("rpm")},

	{regexp.MustCompile(`(?:turn\s+on|start|activate|enable)\s+(?:the\s+)?pump`), "StartPump", noArgs},
	{regexp.MustCompile(`(?:turn\s+off|stop|deactivate|disable)\s+(?:the\s+)?pump`), "StopPump", noArgs},
	{regexp.MustCompile(`pump\s+(?:on|start)`), "StartPump", noArgs},
	{regexp.MustCompile(`pump\s+(?:off|stop)`), "StopPump", noArgs},

	{regexp.MustCompile(`set\s+(?:the\s+)?temp(?:erature)?\s+(?:to\s+)?(\d+(?:\.\d+)?)`), "SetTemperature", numArg("celsius")},
	{regexp.MustCompile(`change\s+(?:the\s+)?temp(?:erature)?\s+(?:to\s+)?(\d+(?:\.\d+)?)`), "SetTemperature", numArg("celsius")},
	{regexp.MustCompile(`temp(?:erature)?\s+(?:to\s+)?(\d+(?:\.\d+)?)`), "SetTemperature", numArg("celsius")},

	{regexp.MustCompile(`(?:get|show|check|display|what(?:'s|\s+is)?)\s+(?:the\s+)?(?:current\s+)?status`), "GetStatus", noArgs},
	{regexp.MustCompile(`status\s+(?:report|check|info)`), "GetStatus", noArgs},
	{regexp.MustCompile(`how\s+(?:is|are)\s+(?:things|it)`), "GetStatus", noArgs},

	{regexp.MustCompile(`(?:read|get|show|what(?:'s|\s+is)?)\s+(?:the\s+)?(?:current\s+)?temp(?:erature)?`), "ReadTemperature", noArgs},
	{regexp.MustCompile(`temp(?:erature)?\s+reading`), "ReadTemperature", noArgs},

	{regexp.MustCompile(`emergency\s+(?:stop|shutdown|halt)`), "EmergencyStop", noArgs},
	{regexp.MustCompile(`e-stop|estop`), "EmergencyStop", noArgs},
	{regexp.MustCompile(`(?:immediate(?:ly)?|urgent)\s+stop`), "EmergencyStop", noArgs},
}

var (
	genericCall = regexp.MustCompile(`(?:call|run|execute|invoke)\s+(\w+)`)
	genericSet  = regexp.MustCompile(`set\s+(\w+)\s+(?:to\s+)?(\d+(?:\.\d+)?)`)
	genericGet  = regexp.MustCompile(`(?:get|read|show)\s+(\w+)`)
	wordsRe     = regexp.MustCompile(`[a-z]+`)
)

// Select parses the message into at most one tool call.
func (r *Rules) Select(_ context.Context, message string, tools []schema.ToolSpec) (Selection, error) {
	normalized := normalize(message)
	simulate := extractSimulate(message)

	available := make(map[string]schema.ToolSpec, len(tools))
	for _, t := range tools {
		available[t.Name] = t
	}

	for _, p := range specificPatterns {
		m := p.re.FindStringSubmatch(normalized)
		if m == nil {
			continue
		}
		name, ok := fuzzyMatch(p.tool, available)
		if !ok {
			continue
		}
		return Selection{Calls: []ToolCall{{
			Name:      name,
			Arguments: p.extract(m),
			Simulate:  simulate,
		}}}, nil
	}

	if m := genericCall.FindStringSubmatch(normalized); m != nil {
		if name, ok := fuzzyMatch(m[1], available); ok {
			return Selection{Calls: []ToolCall{{Name: name, Arguments: map[string]any{}, Simulate: simulate}}}, nil
		}
	}
	if m := genericSet.FindStringSubmatch(normalized); m != nil {
		if name, ok := fuzzyMatch("Set"+title(m[1]), available); ok {
			v, _ := strconv.ParseFloat(m[2], 64)
			return Selection{Calls: []ToolCall{{
				Name:      name,
				Arguments: map[string]any{strings.ToLower(m[1]): v},
				Simulate:  simulate,
			}}}, nil
		}
	}
	if m := genericGet.FindStringSubmatch(normalized); m != nil {
		if name, ok := fuzzyMatch("Read"+title(m[1]), available); ok {
			return Selection{Calls: []ToolCall{{Name: name, Arguments: map[string]any{}, Simulate: simulate}}}, nil
		}
	}

	names := make([]string, 0, len(available))
	for n := range available {
		names = append(names, n)
	}
	sort.Strings(names)
	listing := "none loaded"
	if len(names) > 0 {
		listing = strings.Join(names, ", ")
	}
	return Selection{Reply: fmt.Sprintf(
		"I couldn't understand that command. Available operations: %s. "+
			"Try commands like 'start pump', 'set speed to 1200', 'get status', or 'stop pump'.",
		listing)}, nil
}

func normalize(msg string) string {
	out := strings.TrimSpace(strings.ToLower(msg))
	for _, re := range stripPrefixes {
		out = re.ReplaceAllString(out, "")
	}
	return strings.TrimSpace(out)
}

var (
	simulateOffRe = regexp.MustCompile(`\bsimulate\s*=\s*false|\breal\b`)
	simulateOnRe  = regexp.MustCompile(`\bsimulat(?:e|ed|ion)\b|\bdry[\s-]run\b|\btest\b`)
)

// extractSimulate reads the simulation intent from the raw message,
// matching whole words so "test" inside "latest" does not count.
// An explicit "real" or "simulate=false" wins over the dry-run keywords.
func extractSimulate(msg string) bool {
	lower := strings.ToLower(msg)
	if simulateOffRe.MatchString(lower) {
		return false
	}
	return simulateOnRe.MatchString(lower)
}

// fuzzyMatch resolves a guessed tool name against the offered tools:
// exact, case-insensitive, substring, then best word overlap.
func fuzzyMatch(guess string, available map[string]schema.ToolSpec) (string, bool) {
	if _, ok := available[guess]; ok {
		return guess, true
	}
	guessLower := strings.ToLower(guess)
	for name := range available {
		if strings.ToLower(name) == guessLower {
			return name, true
		}
	}
	for name := range available {
		nameLower := strings.ToLower(name)
		if strings.Contains(nameLower, guessLower) || strings.Contains(guessLower, nameLower) {
			return name, true
		}
	}

	guessWords := wordSet(guessLower)
	best := ""
	bestScore := 0
	names := make([]string, 0, len(available))
	for n := range available {
		names = append(names, n)
	}
	sort.Strings(names) // deterministic tie-breaking
	for _, name := range names {
		overlap := 0
		for w := range wordSet(strings.ToLower(name)) {
			if guessWords[w] {
				overlap++
			}
		}
		if overlap > bestScore {
			bestScore = overlap
			best = name
		}
	}
	if bestScore > 0 {
		return best, true
	}
	return "", false
}

func wordSet(s string) map[string]bool {
	out := make(map[string]bool)
	for _, w := range wordsRe.FindAllString(s, -1) {
		out[w] = true
	}
	return out
}

func title(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + strings.ToLower(s[1:])
}
