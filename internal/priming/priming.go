// Package priming composes the deterministic priming prompt handed to
// an agent session: the issue, recent commit history, the last
// checkpoint, accumulated redirect notes, keyword-matched working-tree
// files, and static guidance, emitted as a single markdown document
// with clearly delimited sections.
package priming

import (
	"fmt"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/lowlandforge/vigil/internal/types"
)

const (
	maxMatchedFiles = 10
	maxKeywords     = 3
	maxCommits      = 10
)

var stopwords = map[string]bool{
	"a": true, "an": true, "the": true, "to": true, "of": true, "in": true,
	"for": true, "and": true, "or": true, "is": true, "are": true, "on": true,
	"with": true, "by": true, "from": true, "at": true, "that": true, "this": true,
}

var wordPattern = regexp.MustCompile(`[A-Za-z0-9_]+`)

// Input carries everything the prompt is built from.
type Input struct {
	Issue              *types.Issue
	RecentCommitLines  []string // subject lines, newest first
	LastCheckpointBody string
	RedirectNotes      []string
	WorkingTreeFiles   []string // candidate paths to match against, relative to repo root
	ReadFile           func(path string) (string, error)
}

// domainHints maps a label substring to a short static hint appended to
// the guidance section.
var domainHints = map[string]string{
	"security":    "Favor least-privilege changes; never weaken input validation or auth checks.",
	"performance": "Profile before optimizing; avoid speculative caching without a measured hot path.",
	"api":         "Preserve backward compatibility of any exported signature unless the issue says otherwise.",
	"migration":   "Write migrations as additive steps; never drop a column in the same change that stops using it.",
	"ui":          "Match existing component conventions; do not introduce a new styling system.",
}

const dryGuidance = "Prefer reusing existing helpers over duplicating logic. Keep changes scoped to this issue; do not refactor unrelated code."

// Build assembles the markdown priming document.
func Build(in Input) string {
	var b strings.Builder

	fmt.Fprintf(&b, "# Issue %s: %s\n\n", in.Issue.ID, in.Issue.Title)
	if in.Issue.Description != "" {
		b.WriteString(in.Issue.Description)
		b.WriteString("\n\n")
	}
	fmt.Fprintf(&b, "Priority: %d | Type: %s\n\n", in.Issue.Priority, in.Issue.IssueType)

	if len(in.RecentCommitLines) > 0 {
		b.WriteString("## Recent commits\n\n")
		for _, line := range capLines(in.RecentCommitLines, maxCommits) {
			fmt.Fprintf(&b, "- %s\n", line)
		}
		b.WriteString("\n")
	}

	if in.LastCheckpointBody != "" {
		b.WriteString("## Last checkpoint\n\n")
		b.WriteString(in.LastCheckpointBody)
		b.WriteString("\n\n")
	}

	if len(in.RedirectNotes) > 0 {
		b.WriteString("## Redirect notes since last checkpoint\n\n")
		for _, note := range in.RedirectNotes {
			fmt.Fprintf(&b, "- %s\n", note)
		}
		b.WriteString("\n")
	}

	if matched := matchFiles(in.Issue.Title, in.WorkingTreeFiles, in.ReadFile); len(matched) > 0 {
		b.WriteString("## Related files\n\n")
		for _, f := range matched {
			fmt.Fprintf(&b, "- %s\n", f)
		}
		b.WriteString("\n")
	}

	b.WriteString("## Guidance\n\n")
	b.WriteString(dryGuidance)
	b.WriteString("\n")
	for _, hint := range matchedDomainHints(in.Issue.Labels) {
		b.WriteString(hint)
		b.WriteString("\n")
	}

	return b.String()
}

func capLines(lines []string, n int) []string {
	if len(lines) <= n {
		return lines
	}
	return lines[:n]
}

// Keywords extracts up to maxKeywords non-stopword tokens from a title.
// The same tokens drive related-file matching and the escalation
// annotations the scheduler writes for routing-rule tuning.
func Keywords(title string) []string {
	var out []string
	seen := map[string]bool{}
	for _, w := range wordPattern.FindAllString(strings.ToLower(title), -1) {
		if stopwords[w] || len(w) < 3 || seen[w] {
			continue
		}
		seen[w] = true
		out = append(out, w)
		if len(out) >= maxKeywords {
			break
		}
	}
	return out
}

// matchFiles finds up to maxMatchedFiles working-tree paths whose name or
// (when readFile is provided) contents contain one of the title's
// keywords.
func matchFiles(title string, candidates []string, readFile func(string) (string, error)) []string {
	kws := Keywords(title)
	if len(kws) == 0 {
		return nil
	}
	var matched []string
	for _, path := range candidates {
		base := strings.ToLower(filepath.Base(path))
		hit := false
		for _, kw := range kws {
			if strings.Contains(base, kw) {
				hit = true
				break
			}
		}
		if !hit && readFile != nil {
			if body, err := readFile(path); err == nil {
				lower := strings.ToLower(body)
				for _, kw := range kws {
					if strings.Contains(lower, kw) {
						hit = true
						break
					}
				}
			}
		}
		if hit {
			matched = append(matched, path)
		}
		if len(matched) >= maxMatchedFiles {
			break
		}
	}
	sort.Strings(matched)
	return matched
}

func matchedDomainHints(labels []string) []string {
	var hints []string
	seen := map[string]bool{}
	for _, label := range labels {
		lower := strings.ToLower(label)
		for substr, hint := range domainHints {
			if strings.Contains(lower, substr) && !seen[substr] {
				seen[substr] = true
				hints = append(hints, hint)
			}
		}
	}
	sort.Strings(hints)
	return hints
}
