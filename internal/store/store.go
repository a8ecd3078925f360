// Package store adapts the external issue tracker behind a synchronous,
// fallible interface. Two backends satisfy the Store interface:
// shellcli, which shells out to a tracker CLI, and jsonl, a
// line-delimited JSON file used when no tracker CLI is configured. Both
// are thin adapters; the interesting logic (scheduling, retries,
// checkpoints) lives above this package, not inside it.
package store

import (
	"context"
	"fmt"

	"github.com/lowlandforge/vigil/internal/types"
)

// maxDescriptionLen caps description length to keep shelled-out command
// lines safely below OS argument limits.
const maxDescriptionLen = 500

// AdapterErrorKind classifies a failure returned by the Issue-Store Adapter.
type AdapterErrorKind string

const (
	KindNotFound  AdapterErrorKind = "not_found"
	KindTransient AdapterErrorKind = "transient"
	KindPermanent AdapterErrorKind = "permanent"
)

// AdapterError wraps a store failure with a classification the scheduler
// uses to decide between retrying through the Circuit Breaker and
// surfacing a run-level failure.
type AdapterError struct {
	Kind AdapterErrorKind
	Op   string
	Err  error
}

func (e *AdapterError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("store: %s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("store: %s: %s", e.Op, e.Kind)
}

func (e *AdapterError) Unwrap() error { return e.Err }

// NewAdapterError constructs a classified adapter error.
func NewAdapterError(op string, kind AdapterErrorKind, err error) *AdapterError {
	return &AdapterError{Op: op, Kind: kind, Err: err}
}

// IsTransient reports whether err is an AdapterError the caller should
// retry (through a Circuit Breaker) rather than treat as fatal.
func IsTransient(err error) bool {
	var ae *AdapterError
	if e, ok := err.(*AdapterError); ok {
		ae = e
	}
	return ae != nil && ae.Kind == KindTransient
}

// CreateOptions configures a new issue.
type CreateOptions struct {
	Type        types.IssueType
	Priority    int
	Labels      []string
	Description string
	// Meta seeds the issue's metadata map, chiefly the "run_id" key the
	// scheduler's IssueFilter.RunID and the redirect detector's pause-
	// request matching both rely on.
	Meta map[string]string
}

// Store is the contract the scheduler, failure tracker, checkpoint
// engine, and redirect detector all consume. Implementations must
// reflect writes made through themselves no later than the next call
// from the same process.
type Store interface {
	ListAll(ctx context.Context) ([]*types.Issue, error)
	ListReady(ctx context.Context, filter types.IssueFilter) ([]*types.Issue, error)
	Get(ctx context.Context, id string) (*types.Issue, error)
	Create(ctx context.Context, title string, opts CreateOptions) (string, error)
	UpdateStatus(ctx context.Context, id string, status types.Status) error
	UpdatePriority(ctx context.Context, id string, priority int) error
	AddDependency(ctx context.Context, fromID, toID string, kind types.DependencyKind) error
	AddLabel(ctx context.Context, id, label string) error
	RemoveLabel(ctx context.Context, id, label string) error
	Annotate(ctx context.Context, id, markdown string) error
}

// clampDescription truncates descriptions to the safe shell-argument
// length and rejects a purely-empty description, matching tracker
// semantics.
func clampDescription(desc string) (string, error) {
	if len(desc) == 0 {
		return "", fmt.Errorf("description must not be empty")
	}
	if len(desc) > maxDescriptionLen {
		return desc[:maxDescriptionLen], nil
	}
	return desc, nil
}

// IsReady reports whether an issue is open and every "blocks"
// predecessor that is itself present in `byID` is closed. A predecessor
// absent from byID (e.g. already filtered out, or in another run) does
// not block.
func IsReady(issue *types.Issue, byID map[string]*types.Issue) bool {
	if issue.Status != types.StatusOpen {
		return false
	}
	for _, dep := range issue.Dependencies {
		if dep.Kind != types.DepBlocks {
			continue
		}
		blocker, ok := byID[dep.DependsOnID]
		if !ok {
			continue
		}
		if blocker.Status != types.StatusClosed {
			return false
		}
	}
	return true
}
