package priming

import (
	"testing"

	"github.com/lowlandforge/vigil/internal/types"
	"github.com/stretchr/testify/assert"
)

func TestBuildIncludesIssueAndGuidance(t *testing.T) {
	in := Input{
		Issue: &types.Issue{ID: "iss-1", Title: "Fix login timeout", Description: "Users get logged out", Priority: 1, IssueType: types.TypeBug},
	}
	doc := Build(in)
	assert.Contains(t, doc, "iss-1")
	assert.Contains(t, doc, "Fix login timeout")
	assert.Contains(t, doc, "Users get logged out")
	assert.Contains(t, doc, dryGuidance)
}

func TestBuildIncludesRecentCommitsCappedAtTen(t *testing.T) {
	var commits []string
	for i := 0; i < 15; i++ {
		commits = append(commits, "commit subject")
	}
	in := Input{
		Issue:             &types.Issue{ID: "iss-1", Title: "x"},
		RecentCommitLines: commits,
	}
	doc := Build(in)
	assert.Equal(t, 10, countOccurrences(doc, "commit subject"))
}

func TestBuildIncludesRedirectNotes(t *testing.T) {
	in := Input{
		Issue:         &types.Issue{ID: "iss-1", Title: "x"},
		RedirectNotes: []string{"priority escalated on iss-9"},
	}
	doc := Build(in)
	assert.Contains(t, doc, "priority escalated on iss-9")
}

func TestMatchFilesByNameKeyword(t *testing.T) {
	in := Input{
		Issue:            &types.Issue{ID: "iss-1", Title: "Fix login timeout bug"},
		WorkingTreeFiles: []string{"internal/auth/login.go", "internal/store/store.go"},
	}
	doc := Build(in)
	assert.Contains(t, doc, "internal/auth/login.go")
	assert.NotContains(t, doc, "internal/store/store.go")
}

func TestMatchFilesByContentWhenProvided(t *testing.T) {
	in := Input{
		Issue:            &types.Issue{ID: "iss-1", Title: "Handle timeout gracefully"},
		WorkingTreeFiles: []string{"internal/net/client.go"},
		ReadFile: func(path string) (string, error) {
			return "package net\n\nfunc dialWithTimeout() {}\n", nil
		},
	}
	doc := Build(in)
	assert.Contains(t, doc, "internal/net/client.go")
}

func TestDomainHintAppliedForSecurityLabel(t *testing.T) {
	in := Input{
		Issue: &types.Issue{ID: "iss-1", Title: "x", Labels: []string{"security-review"}},
	}
	doc := Build(in)
	assert.Contains(t, doc, "least-privilege")
}

func TestKeywordsDropsStopwordsAndShortWords(t *testing.T) {
	kws := Keywords("Fix the bug in a login flow")
	assert.Contains(t, kws, "login")
	assert.NotContains(t, kws, "the")
	assert.NotContains(t, kws, "in")
}

func countOccurrences(haystack, needle string) int {
	count := 0
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			count++
			i += len(needle) - 1
		}
	}
	return count
}
