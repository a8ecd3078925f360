// Package redirect snapshots the issue store between scheduler
// iterations and diffs against the previous snapshot to surface
// externally-initiated changes, ordered by urgency.
package redirect

import (
	"context"
	"sort"

	"github.com/lowlandforge/vigil/internal/store"
	"github.com/lowlandforge/vigil/internal/types"
)

// PauseLabel tags an open issue attached to this run as an advisory
// pause request.
const PauseLabel = "pause-requested"

// Detector holds the previous snapshot between scheduler iterations.
type Detector struct {
	st       store.Store
	runID    string
	previous *types.Snapshot
}

// New constructs a detector for one run. Call Snapshot once before the
// first Detect call to seed the baseline.
func New(st store.Store, runID string) *Detector {
	return &Detector{st: st, runID: runID}
}

// Snapshot captures the current issue store state, for use as the next
// Detect call's baseline.
func (d *Detector) Snapshot(ctx context.Context) (*types.Snapshot, error) {
	all, err := d.st.ListAll(ctx)
	if err != nil {
		return nil, err
	}
	snap := &types.Snapshot{Issues: make(map[string]types.IssueSnapshot, len(all))}
	for _, iss := range all {
		snap.Issues[iss.ID] = types.IssueSnapshot{Status: iss.Status, Priority: iss.Priority, UpdatedAt: iss.UpdatedAt}
	}
	return snap, nil
}

// Detect snapshots the store and diffs against the previous snapshot
// (seeded via Snapshot or a prior Detect call), returning observed
// redirects sorted most-urgent-first. The first call with no prior
// snapshot returns no redirects, only establishing the baseline.
func (d *Detector) Detect(ctx context.Context) ([]types.Redirect, error) {
	all, err := d.st.ListAll(ctx)
	if err != nil {
		return nil, err
	}

	current := make(map[string]types.IssueSnapshot, len(all))
	byID := make(map[string]*types.Issue, len(all))
	for _, iss := range all {
		current[iss.ID] = types.IssueSnapshot{Status: iss.Status, Priority: iss.Priority, UpdatedAt: iss.UpdatedAt}
		byID[iss.ID] = iss
	}

	var redirects []types.Redirect
	if d.previous != nil {
		for id, snap := range current {
			prev, existed := d.previous.Issues[id]
			iss := byID[id]

			if !existed {
				if snap.Priority == 0 {
					redirects = append(redirects, types.Redirect{Kind: types.RedirectNewUrgent, IssueID: id, Note: "new priority-0 issue: " + iss.Title})
				}
				continue
			}

			if prev.Priority != 0 && snap.Priority == 0 {
				redirects = append(redirects, types.Redirect{Kind: types.RedirectPriorityChange, IssueID: id, Note: "priority escalated to 0: " + iss.Title})
			}
			if prev.Status != types.StatusClosed && snap.Status == types.StatusClosed {
				redirects = append(redirects, types.Redirect{Kind: types.RedirectIssueClosed, IssueID: id, Note: "closed externally: " + iss.Title})
			}
		}
	}

	for _, iss := range all {
		if iss.Status == types.StatusOpen && iss.HasLabel(PauseLabel) && iss.Metadata["run_id"] == d.runID {
			redirects = append(redirects, types.Redirect{Kind: types.RedirectPauseRequested, IssueID: iss.ID, Note: "pause requested: " + iss.Title})
		}
	}

	sort.SliceStable(redirects, func(i, j int) bool {
		return redirects[i].MoreUrgent(redirects[j])
	})

	d.previous = &types.Snapshot{Issues: current}
	return redirects, nil
}

// MostUrgent returns the first (most urgent) redirect, or the zero value
// and false if redirects is empty.
func MostUrgent(redirects []types.Redirect) (types.Redirect, bool) {
	if len(redirects) == 0 {
		return types.Redirect{}, false
	}
	most := redirects[0]
	for _, r := range redirects[1:] {
		if r.MoreUrgent(most) {
			most = r
		}
	}
	return most, true
}
