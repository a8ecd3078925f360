package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/lowlandforge/vigil/internal/types"
)

// ShellCLI implements Store by shelling out to an external issue-tracker
// binary that accepts subcommands and emits JSON on stdout. It never
// builds a shell string: every argument is passed as a distinct argv
// entry. Descriptions are checked before being handed to
// exec.CommandContext (empty ones are rejected, oversized ones are
// truncated); other values are passed through unchecked apart from
// escapeArg.
type ShellCLI struct {
	// Bin is the path to the tracker CLI (resolved with exec.LookPath at
	// construction so a missing binary fails fast rather than on first use).
	Bin string
	// Timeout bounds every invocation of the tracker CLI.
	Timeout time.Duration
}

// NewShellCLI resolves bin on PATH and returns a ready adapter.
func NewShellCLI(bin string, timeout time.Duration) (*ShellCLI, error) {
	resolved, err := exec.LookPath(bin)
	if err != nil {
		return nil, NewAdapterError("lookup", KindPermanent, err)
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &ShellCLI{Bin: resolved, Timeout: timeout}, nil
}

func (s *ShellCLI) run(ctx context.Context, args ...string) ([]byte, error) {
	cctx, cancel := context.WithTimeout(ctx, s.Timeout)
	defer cancel()

	cmd := exec.CommandContext(cctx, s.Bin, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if cctx.Err() != nil {
		return nil, NewAdapterError(args[0], KindTransient, fmt.Errorf("timed out: %w", cctx.Err()))
	}
	if err != nil {
		if strings.Contains(stderr.String(), "not found") {
			return nil, NewAdapterError(args[0], KindNotFound, fmt.Errorf("%s: %s", err, stderr.String()))
		}
		return nil, NewAdapterError(args[0], KindTransient, fmt.Errorf("%s: %s", err, stderr.String()))
	}
	return stdout.Bytes(), nil
}

// escapeArg defends against argument-injection when a value is itself
// interpreted by the tracker CLI as a flag (a value beginning with "-").
// exec.Command never invokes a shell, so this is not shell-injection
// defense — it stops a crafted title like "-rf" from being parsed as a
// flag by the child process's own argument parser.
func escapeArg(v string) string {
	if strings.HasPrefix(v, "-") {
		return "./" + v
	}
	return v
}

func (s *ShellCLI) ListAll(ctx context.Context) ([]*types.Issue, error) {
	out, err := s.run(ctx, "list", "--all", "--json")
	if err != nil {
		return nil, err
	}
	var issues []*types.Issue
	if err := json.Unmarshal(out, &issues); err != nil {
		return nil, NewAdapterError("list", KindTransient, err)
	}
	return issues, nil
}

func (s *ShellCLI) ListReady(ctx context.Context, filter types.IssueFilter) ([]*types.Issue, error) {
	all, err := s.ListAll(ctx)
	if err != nil {
		return nil, err
	}
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

func (s *ShellCLI) Get(ctx context.Context, id string) (*types.Issue, error) {
	out, err := s.run(ctx, "show", escapeArg(id), "--json")
	if err != nil {
		return nil, err
	}
	var issue types.Issue
	if err := json.Unmarshal(out, &issue); err != nil {
		return nil, NewAdapterError("show", KindTransient, err)
	}
	return &issue, nil
}

func (s *ShellCLI) Create(ctx context.Context, title string, opts CreateOptions) (string, error) {
	desc, err := clampDescription(opts.Description)
	if err != nil {
		return "", NewAdapterError("create", KindPermanent, err)
	}
	args := []string{
		"create",
		"--title", escapeArg(title),
		"--description", desc,
		"--type", string(opts.Type),
		"--priority", strconv.Itoa(opts.Priority),
		"--json",
	}
	for _, l := range opts.Labels {
		args = append(args, "--label", escapeArg(l))
	}
	for k, v := range opts.Meta {
		args = append(args, "--meta", escapeArg(k)+"="+v)
	}
	out, err := s.run(ctx, args...)
	if err != nil {
		return "", err
	}
	var resp struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(out, &resp); err != nil {
		return "", NewAdapterError("create", KindTransient, err)
	}
	return resp.ID, nil
}

func (s *ShellCLI) UpdateStatus(ctx context.Context, id string, status types.Status) error {
	_, err := s.run(ctx, "update", escapeArg(id), "--status", string(status))
	return err
}

func (s *ShellCLI) UpdatePriority(ctx context.Context, id string, priority int) error {
	_, err := s.run(ctx, "update", escapeArg(id), "--priority", strconv.Itoa(priority))
	return err
}

func (s *ShellCLI) AddDependency(ctx context.Context, fromID, toID string, kind types.DependencyKind) error {
	_, err := s.run(ctx, "dep", "add", escapeArg(fromID), escapeArg(toID), "--kind", string(kind))
	return err
}

func (s *ShellCLI) AddLabel(ctx context.Context, id, label string) error {
	_, err := s.run(ctx, "label", "add", escapeArg(id), escapeArg(label))
	return err
}

func (s *ShellCLI) RemoveLabel(ctx context.Context, id, label string) error {
	_, err := s.run(ctx, "label", "remove", escapeArg(id), escapeArg(label))
	return err
}

func (s *ShellCLI) Annotate(ctx context.Context, id, markdown string) error {
	_, err := s.run(ctx, "comment", escapeArg(id), "--body", markdown)
	return err
}

var _ Store = (*ShellCLI)(nil)
