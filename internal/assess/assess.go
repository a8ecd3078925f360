// Package assess performs a lightweight, direct Anthropic API call to
// triage a failed or partial session result into a short natural-
// language note, independent of whatever agent binary the session
// runner shells out to.
package assess

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/lowlandforge/vigil/internal/types"
)

// Assessor makes one-off triage calls against the Anthropic API.
type Assessor struct {
	client anthropic.Client
	model  string
}

// New constructs an Assessor from ANTHROPIC_API_KEY. It returns
// (nil, error) when no key is configured; callers treat triage as a
// best-effort enrichment and skip it rather than fail the session.
func New(model string) (*Assessor, error) {
	apiKey := os.Getenv("ANTHROPIC_API_KEY")
	if apiKey == "" {
		return nil, fmt.Errorf("ANTHROPIC_API_KEY not set")
	}
	if model == "" {
		model = "claude-sonnet-4-5-20250929"
	}
	return &Assessor{client: anthropic.NewClient(option.WithAPIKey(apiKey)), model: model}, nil
}

// TriageFailure asks the model for a one-paragraph read on why a
// session likely failed and what to try differently on retry, given
// only the issue title and the session's terminal error.
func (a *Assessor) TriageFailure(ctx context.Context, issue *types.Issue, result *types.SessionResult) (string, error) {
	prompt := fmt.Sprintf(
		"A coding agent session on issue %q (%s) ended with outcome=%s.\nError: %s\n\nIn 2-3 sentences, say what likely went wrong and one concrete thing to change before retrying.",
		issue.Title, issue.ID, result.Outcome, result.Error,
	)

	resp, err := a.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(a.model),
		MaxTokens: 300,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return "", fmt.Errorf("triage failure call: %w", err)
	}

	var b strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	return strings.TrimSpace(b.String()), nil
}
