package types

import "time"

// Checkpoint is a persisted progress snapshot, written as a linked record
// in the issue store.
type Checkpoint struct {
	ID                 string
	RunID              string
	SessionNumber      int
	Timestamp          time.Time
	Summary            string
	IssuesCompleted    []string
	IssuesInProgress   []string
	IssuesFailed       []string
	GitCommit          string
	Confidence         float64
	RedirectNotes      []string
	LastSessionID      string
	AccumulatedCostUsd float64
}

// ReviewedCheckpoint additionally carries a review aggregation, produced
// when the Reviewer Pipeline ran for this checkpoint boundary.
type ReviewedCheckpoint struct {
	Checkpoint
	Review ReviewAggregation
}

// AgentStatus is the per-agent outcome within a swarm batch.
type AgentStatus struct {
	AgentID string
	IssueID string
	Status  string // running, completed, failed, cancelled
	Outcome Outcome
	Error   string
}

// SwarmCheckpoint additionally carries per-agent statuses and the
// parallelism efficiency of the batch it summarizes.
type SwarmCheckpoint struct {
	Checkpoint
	SwarmProgress         []AgentStatus
	ParallelismEfficiency float64
}

// Severity classifies a reviewer finding.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
	SeverityInfo     Severity = "info"
)

// ReviewOutcome is the per-reviewer or aggregate outcome of a review pass.
type ReviewOutcome string

const (
	ReviewPass             ReviewOutcome = "pass"
	ReviewPassWithFindings ReviewOutcome = "pass_with_findings"
	ReviewFail             ReviewOutcome = "fail"
	ReviewError            ReviewOutcome = "error"
)

// Finding is one structured observation from a reviewer session.
type Finding struct {
	Severity    Severity
	Category    string
	Title       string
	Description string
	File        string
	Line        int
	Quote       string
	Suggestion  string
}

// ReviewerResult is what a single reviewer session produced.
type ReviewerResult struct {
	ReviewerID string
	Outcome    ReviewOutcome
	Confidence float64
	Summary    string
	Findings   []Finding
}

// ReviewAggregation is the fan-in of all reviewer results for one
// checkpoint boundary.
type ReviewAggregation struct {
	Results         []ReviewerResult
	CountBySeverity map[Severity]int
	Outcome         ReviewOutcome
	Confidence      float64
	ShouldAdvance   bool
	BlockingReasons []string
}

// MetaReviewResult is the optional synthesis pass's output:
// cross-reviewer pattern commentary plus proposed follow-up issues,
// produced by one extra session over the aggregated reviewer output.
type MetaReviewResult struct {
	Summary           string
	ProposedFollowUps []string
	Model             string
}

// IssueSnapshot is the small, diff-friendly view of the issue store the
// Redirect Detector needs per issue.
type IssueSnapshot struct {
	Status    Status
	Priority  int
	UpdatedAt time.Time
}

// Snapshot is a full point-in-time capture of the issue store used by
// the Redirect Detector.
type Snapshot struct {
	TakenAt time.Time
	Issues  map[string]IssueSnapshot
}

// RedirectKind classifies an observed change to the issue store.
type RedirectKind string

const (
	RedirectNewUrgent      RedirectKind = "new_urgent"
	RedirectPriorityChange RedirectKind = "priority_change"
	RedirectIssueClosed    RedirectKind = "issue_closed"
	RedirectPauseRequested RedirectKind = "pause_requested"
)

// Redirect is one observed externally-initiated change.
type Redirect struct {
	Kind    RedirectKind
	IssueID string
	Note    string
}

// urgencyRank orders redirect kinds for the scheduler's urgency
// comparisons: pause_requested > new_urgent > priority_change > issue_closed.
var urgencyRank = map[RedirectKind]int{
	RedirectPauseRequested: 4,
	RedirectNewUrgent:      3,
	RedirectPriorityChange: 2,
	RedirectIssueClosed:    1,
}

// MoreUrgent reports whether a is strictly more urgent than b.
func (a Redirect) MoreUrgent(b Redirect) bool {
	return urgencyRank[a.Kind] > urgencyRank[b.Kind]
}

// RequiresImmediateAction is true for pause_requested and new_urgent.
func (r Redirect) RequiresImmediateAction() bool {
	return r.Kind == RedirectPauseRequested || r.Kind == RedirectNewUrgent
}
