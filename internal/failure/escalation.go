package failure

import (
	"strings"

	"golang.org/x/mod/semver"

	"github.com/lowlandforge/vigil/internal/types"
)

// ModelRoute names one rung of the model-capability ladder. Each is
// tagged with a semver-shaped capability version so the ladder can be
// ordered and compared with golang.org/x/mod/semver rather than an
// ad-hoc enum ordinal.
type ModelRoute struct {
	Name       string
	Capability string // e.g. "v1.0.0", lowest to highest
}

// Ladder is an ordered (ascending capability) set of model routes.
// Callers typically supply three rungs (low, mid, high), but the
// escalation logic only assumes the ladder is sorted ascending.
type Ladder []ModelRoute

// SortedAscending returns the ladder sorted by capability using semver
// ordering.
func (l Ladder) SortedAscending() Ladder {
	out := append(Ladder(nil), l...)
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && semver.Compare(out[j-1].Capability, out[j].Capability) > 0; j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out
}

// complexityLabelPrefix tags an issue with its heuristic complexity
// level, attached when the spec's features are materialized.
const complexityLabelPrefix = "complexity:"

// DefaultRoutingPatterns maps complexity levels to ladder tiers when the
// config carries no explicit routing patterns.
func DefaultRoutingPatterns() map[string]string {
	return map[string]string{
		"simple":   "low",
		"standard": "mid",
		"complex":  "high",
	}
}

// SelectModelForTask picks the initial rung for an issue from its
// complexity label: patterns maps a complexity level ("standard") to a
// tier name ("low", "mid", "high"). An issue with no complexity label,
// or a level absent from patterns, starts on the lowest rung.
func SelectModelForTask(ladder Ladder, issue *types.Issue, patterns map[string]string) ModelRoute {
	sorted := ladder.SortedAscending()
	if len(sorted) == 0 {
		return ModelRoute{}
	}
	if issue == nil {
		return sorted[0]
	}
	for _, label := range issue.Labels {
		if !strings.HasPrefix(label, complexityLabelPrefix) {
			continue
		}
		level := strings.TrimPrefix(label, complexityLabelPrefix)
		if route, ok := tierRoute(sorted, patterns[level]); ok {
			return route
		}
	}
	return sorted[0]
}

func tierRoute(sorted Ladder, tier string) (ModelRoute, bool) {
	switch tier {
	case "low":
		return sorted[0], true
	case "mid":
		if len(sorted) > 1 {
			return sorted[1], true
		}
		return sorted[0], true
	case "high":
		return sorted[len(sorted)-1], true
	}
	return ModelRoute{}, false
}

// Escalate picks the model rung for the next attempt. It is a pure
// function of the issue's failure record, the heuristically-chosen
// initial rung, and the ladder, independent of the retry/skip/pause
// decision. With a 3-rung ladder [low, mid, high]:
//   - no prior failures: stay on the initial rung.
//   - 1 failure on low: move to mid.
//   - 2 failures on mid: move to high.
//   - low AND mid have both failed at least once: skip straight to high.
func Escalate(ladder Ladder, initial ModelRoute, rec *types.FailureRecord) ModelRoute {
	sorted := ladder.SortedAscending()
	if len(sorted) == 0 {
		return initial
	}
	low := sorted[0]
	if initial.Name == "" {
		initial = low
	}
	if len(sorted) == 1 {
		return low
	}
	mid := sorted[1]
	high := sorted[len(sorted)-1]

	if rec == nil {
		return initial
	}

	lowFailed := attemptsOnModel(rec, low.Name) > 0
	midFailures := attemptsOnModel(rec, mid.Name)

	switch {
	case lowFailed && midFailures > 0:
		return high
	case midFailures >= 2:
		return high
	case lowFailed:
		return mid
	default:
		return initial
	}
}

func attemptsOnModel(rec *types.FailureRecord, model string) int {
	count := 0
	for _, a := range rec.Attempts {
		if a.Model == model {
			count++
		}
	}
	return count
}
