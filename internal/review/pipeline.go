package review

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/lowlandforge/vigil/internal/types"
)

// Aggregate folds a completed fan-out of reviewer results into one
// advance/block verdict.
func Aggregate(results []types.ReviewerResult, reviewers []Reviewer, policy Policy) types.ReviewAggregation {
	canBlockByID := make(map[string]bool, len(reviewers))
	for _, r := range reviewers {
		canBlockByID[r.ID] = r.CanBlock
	}

	countBySeverity := map[types.Severity]int{}
	anyError, anyFail, anyFindings := false, false, false
	var confidenceSum float64
	var confidenceCount int
	var failedBlockers []string

	for _, res := range results {
		switch res.Outcome {
		case types.ReviewError:
			anyError = true
		case types.ReviewFail:
			anyFail = true
			if canBlockByID[res.ReviewerID] {
				failedBlockers = append(failedBlockers, res.ReviewerID)
			}
		case types.ReviewPassWithFindings:
			anyFindings = true
		}
		if len(res.Findings) > 0 {
			anyFindings = true
		}
		for _, f := range res.Findings {
			countBySeverity[f.Severity]++
		}
		if res.Outcome != types.ReviewError {
			confidenceSum += res.Confidence
			confidenceCount++
		}
	}

	var outcome types.ReviewOutcome
	switch {
	case anyError:
		outcome = types.ReviewError
	case anyFail:
		outcome = types.ReviewFail
	case anyFindings:
		outcome = types.ReviewPassWithFindings
	default:
		outcome = types.ReviewPass
	}

	var confidence float64
	if confidenceCount > 0 {
		confidence = confidenceSum / float64(confidenceCount)
	}

	var reasons []string
	if policy.BlockOnCritical && countBySeverity[types.SeverityCritical] > 0 {
		reasons = append(reasons, fmt.Sprintf("%d critical finding(s)", countBySeverity[types.SeverityCritical]))
	}
	if policy.BlockOnHigh && countBySeverity[types.SeverityHigh] > 0 {
		reasons = append(reasons, fmt.Sprintf("%d high-severity finding(s)", countBySeverity[types.SeverityHigh]))
	}
	if confidence < policy.MinConfidenceToAdvance {
		reasons = append(reasons, fmt.Sprintf("confidence %.2f below threshold %.2f", confidence, policy.MinConfidenceToAdvance))
	}
	if len(failedBlockers) > 0 {
		reasons = append(reasons, fmt.Sprintf("blocking reviewer(s) failed: %s", strings.Join(failedBlockers, ", ")))
	}

	return types.ReviewAggregation{
		Results:         results,
		CountBySeverity: countBySeverity,
		Outcome:         outcome,
		Confidence:      confidence,
		ShouldAdvance:   len(reasons) == 0,
		BlockingReasons: reasons,
	}
}

// NeedsMetaReview reports whether the total finding count has crossed
// policy.MetaReviewThreshold.
func NeedsMetaReview(agg types.ReviewAggregation, policy Policy) bool {
	if policy.MetaReviewThreshold <= 0 {
		return false
	}
	total := 0
	for _, c := range agg.CountBySeverity {
		total += c
	}
	return total >= policy.MetaReviewThreshold
}

// MetaReviewModelTier picks the synthesis model: the highest-capability
// tier if security or architecture reviewers produced high/critical
// findings, else the mid tier.
func MetaReviewModelTier(results []types.ReviewerResult, reviewers []Reviewer) string {
	typeByID := make(map[string]ReviewerType, len(reviewers))
	for _, r := range reviewers {
		typeByID[r.ID] = r.Type
	}
	for _, res := range results {
		t := typeByID[res.ReviewerID]
		if t != TypeSecurity && t != TypeArchitecture {
			continue
		}
		for _, f := range res.Findings {
			if f.Severity == types.SeverityCritical || f.Severity == types.SeverityHigh {
				return "high"
			}
		}
	}
	return "mid"
}

// RunMetaReview runs the optional synthesis pass: one extra session over
// the aggregated reviewer output, at the model tier MetaReviewModelTier
// selects, surfacing cross-reviewer patterns and proposing follow-up
// issues. Callers should only invoke this when NeedsMetaReview reports
// true.
func RunMetaReview(ctx context.Context, agg types.ReviewAggregation, reviewers []Reviewer, run MetaRunnerFunc, timeout time.Duration) (*types.MetaReviewResult, error) {
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	model := MetaReviewModelTier(agg.Results, reviewers)
	result := run(ctx, metaReviewPrompt(agg), model, timeout)
	if result == nil || result.Outcome == types.OutcomeFailure {
		return nil, fmt.Errorf("meta-review session failed")
	}
	return &types.MetaReviewResult{
		Summary:           result.Summary,
		ProposedFollowUps: extractFollowUps(result.Summary),
		Model:             model,
	}, nil
}

func metaReviewPrompt(agg types.ReviewAggregation) string {
	var b strings.Builder
	b.WriteString("# Meta-review synthesis\n\n")
	fmt.Fprintf(&b, "Overall outcome: %s, confidence: %.2f\n\n", agg.Outcome, agg.Confidence)
	b.WriteString("## Per-reviewer results\n\n")
	for _, res := range agg.Results {
		fmt.Fprintf(&b, "- %s (%s): %s\n", res.ReviewerID, res.Outcome, res.Summary)
		for _, f := range res.Findings {
			fmt.Fprintf(&b, "  - [%s] %s: %s\n", f.Severity, f.Title, f.Description)
		}
	}
	b.WriteString("\nSurface any patterns across reviewers (the same root cause flagged by more than one), then list concrete follow-up issues to file under a \"## Follow-ups\" heading, one per bullet.\n")
	return b.String()
}

// extractFollowUps pulls bullet lines out of the "## Follow-ups" section
// a meta-review session's summary is asked to emit.
func extractFollowUps(summary string) []string {
	idx := strings.Index(summary, "## Follow-ups")
	if idx < 0 {
		return nil
	}
	var out []string
	for _, line := range strings.Split(summary[idx:], "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "- ") {
			out = append(out, strings.TrimPrefix(line, "- "))
		}
	}
	return out
}
