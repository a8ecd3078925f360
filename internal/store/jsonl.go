package store

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lowlandforge/vigil/internal/types"
)

// JSONL implements Store by reading and rewriting a line-delimited JSON
// file at a well-known path. It is the fallback used when no tracker
// CLI is configured. All state lives in memory between calls and is
// flushed to disk on every mutation, so ListAll always reflects prior
// writes from this process without re-reading the file.
type JSONL struct {
	mu     sync.Mutex
	path   string
	issues map[string]*types.Issue
}

// NewJSONL loads (or creates) the issue file at path.
func NewJSONL(path string) (*JSONL, error) {
	j := &JSONL{path: path, issues: make(map[string]*types.Issue)}
	if err := j.load(); err != nil {
		return nil, NewAdapterError("load", KindPermanent, err)
	}
	return j, nil
}

func (j *JSONL) load() error {
	f, err := os.Open(j.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var issue types.Issue
		if err := json.Unmarshal(line, &issue); err != nil {
			return fmt.Errorf("corrupt record: %w", err)
		}
		cp := issue
		j.issues[issue.ID] = &cp
	}
	return scanner.Err()
}

// flush rewrites the entire file. Called with mu held.
func (j *JSONL) flush() error {
	if err := os.MkdirAll(filepath.Dir(j.path), 0o755); err != nil {
		return err
	}
	tmp := j.path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	for _, issue := range j.issues {
		b, err := json.Marshal(issue)
		if err != nil {
			f.Close()
			return err
		}
		if _, err := w.Write(append(b, '\n')); err != nil {
			f.Close()
			return err
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, j.path)
}

func (j *JSONL) ListAll(ctx context.Context) ([]*types.Issue, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]*types.Issue, 0, len(j.issues))
	for _, iss := range j.issues {
		cp := *iss
		out = append(out, &cp)
	}
	return out, nil
}

func (j *JSONL) ListReady(ctx context.Context, filter types.IssueFilter) ([]*types.Issue, error) {
	all, _ := j.ListAll(ctx)
	byID := make(map[string]*types.Issue, len(all))
	for _, iss := range all {
		byID[iss.ID] = iss
	}
	ready := make([]*types.Issue, 0, len(all))
	for _, iss := range all {
		if filter.RunID != "" && iss.Metadata["run_id"] != "" && iss.Metadata["run_id"] != filter.RunID {
			continue
		}
		excluded := false
		for _, lbl := range filter.ExcludeLabels {
			if iss.HasLabel(lbl) {
				excluded = true
				break
			}
		}
		if excluded {
			continue
		}
		if IsReady(iss, byID) {
			ready = append(ready, iss)
		}
	}
	return ready, nil
}

func (j *JSONL) Get(ctx context.Context, id string) (*types.Issue, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	iss, ok := j.issues[id]
	if !ok {
		return nil, NewAdapterError("get", KindNotFound, fmt.Errorf("issue %s not found", id))
	}
	cp := *iss
	return &cp, nil
}

func (j *JSONL) Create(ctx context.Context, title string, opts CreateOptions) (string, error) {
	desc, err := clampDescription(opts.Description)
	if err != nil {
		return "", NewAdapterError("create", KindPermanent, err)
	}
	j.mu.Lock()
	defer j.mu.Unlock()

	now := time.Now()
	id := "iss-" + uuid.NewString()[:8]
	meta := map[string]string{}
	for k, v := range opts.Meta {
		meta[k] = v
	}
	j.issues[id] = &types.Issue{
		ID:          id,
		Title:       title,
		Description: desc,
		Status:      types.StatusOpen,
		Priority:    opts.Priority,
		IssueType:   opts.Type,
		Labels:      append([]string(nil), opts.Labels...),
		Metadata:    meta,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := j.flush(); err != nil {
		return "", NewAdapterError("create", KindTransient, err)
	}
	return id, nil
}

func (j *JSONL) mutate(ctx context.Context, id string, fn func(*types.Issue)) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	iss, ok := j.issues[id]
	if !ok {
		return NewAdapterError("update", KindNotFound, fmt.Errorf("issue %s not found", id))
	}
	fn(iss)
	iss.UpdatedAt = time.Now()
	if err := j.flush(); err != nil {
		return NewAdapterError("update", KindTransient, err)
	}
	return nil
}

func (j *JSONL) UpdateStatus(ctx context.Context, id string, status types.Status) error {
	return j.mutate(ctx, id, func(iss *types.Issue) {
		iss.Status = status
		if status == types.StatusClosed {
			now := time.Now()
			iss.ClosedAt = &now
		}
	})
}

func (j *JSONL) UpdatePriority(ctx context.Context, id string, priority int) error {
	return j.mutate(ctx, id, func(iss *types.Issue) { iss.Priority = priority })
}

func (j *JSONL) AddDependency(ctx context.Context, fromID, toID string, kind types.DependencyKind) error {
	return j.mutate(ctx, fromID, func(iss *types.Issue) {
		for _, d := range iss.Dependencies {
			if d.DependsOnID == toID && d.Kind == kind {
				return
			}
		}
		iss.Dependencies = append(iss.Dependencies, types.Dependency{DependsOnID: toID, Kind: kind})
	})
}

func (j *JSONL) AddLabel(ctx context.Context, id, label string) error {
	return j.mutate(ctx, id, func(iss *types.Issue) {
		if iss.HasLabel(label) {
			return
		}
		iss.Labels = append(iss.Labels, label)
	})
}

func (j *JSONL) RemoveLabel(ctx context.Context, id, label string) error {
	return j.mutate(ctx, id, func(iss *types.Issue) {
		out := iss.Labels[:0]
		for _, l := range iss.Labels {
			if l != label {
				out = append(out, l)
			}
		}
		iss.Labels = out
	})
}

func (j *JSONL) Annotate(ctx context.Context, id, markdown string) error {
	return j.mutate(ctx, id, func(iss *types.Issue) {
		if iss.Metadata == nil {
			iss.Metadata = map[string]string{}
		}
		note := iss.Metadata["notes"]
		if note != "" {
			note += "\n\n---\n\n"
		}
		iss.Metadata["notes"] = note + markdown
	})
}

var _ Store = (*JSONL)(nil)
