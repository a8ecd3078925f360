package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/lowlandforge/vigil/internal/assess"
	"github.com/lowlandforge/vigil/internal/config"
	"github.com/lowlandforge/vigil/internal/failure"
	"github.com/lowlandforge/vigil/internal/priming"
	"github.com/lowlandforge/vigil/internal/store"
	"github.com/lowlandforge/vigil/internal/types"
)

var workCmd = &cobra.Command{
	Use:   "work <issue-id>",
	Short: "Run a single ad hoc agent session against one issue, outside the scheduler loop",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runWork,
}

func init() {
	workCmd.Flags().String("create", "", "create a new issue with this title instead of using an existing id")
	workCmd.Flags().String("model", "", "model tier override (low|mid|high); defaults to the issue's complexity routing")
	workCmd.Flags().String("config", "", "path to a HarnessConfig file")
	workCmd.Flags().Bool("full-context", false, "scan the working tree for keyword-matched related files")
	workCmd.Flags().Bool("dry-run", false, "print the assembled priming prompt without spawning a session")
	rootCmd.AddCommand(workCmd)
}

func runWork(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	cfgPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}

	st, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("open issue store: %w", err)
	}

	createTitle, _ := cmd.Flags().GetString("create")
	if len(args) == 0 && createTitle == "" {
		return fmt.Errorf("an issue id or --create \"<title>\" is required")
	}
	var issue *types.Issue
	if createTitle != "" {
		id, err := st.Create(ctx, createTitle, store.CreateOptions{
			Type:        types.TypeTask,
			Priority:    2,
			Description: createTitle,
		})
		if err != nil {
			return fmt.Errorf("create issue: %w", err)
		}
		issue, err = st.Get(ctx, id)
		if err != nil {
			return err
		}
	} else {
		issue, err = st.Get(ctx, args[0])
		if err != nil {
			return fmt.Errorf("get issue %s: %w", args[0], err)
		}
	}

	modelFlag, _ := cmd.Flags().GetString("model")
	var model string
	switch modelFlag {
	case "low":
		model = cfg.Models.Low
	case "mid":
		model = cfg.Models.Mid
	case "high":
		model = cfg.Models.High
	case "":
		model = failure.SelectModelForTask(cfg.Models.Ladder(), issue, cfg.Models.Patterns).Name
	default:
		model = modelFlag
	}

	cwd, err := os.Getwd()
	if err != nil {
		return err
	}

	var files []string
	if fullContext, _ := cmd.Flags().GetBool("full-context"); fullContext {
		files, _ = walkWorkingTree(cwd)
	}

	prompt := priming.Build(priming.Input{
		Issue:            issue,
		WorkingTreeFiles: files,
		ReadFile: func(path string) (string, error) {
			b, err := os.ReadFile(filepath.Join(cwd, path))
			return string(b), err
		},
	})

	if dryRun, _ := cmd.Flags().GetBool("dry-run"); dryRun {
		fmt.Println(prompt)
		return nil
	}

	ledger := openLedger(cfg)
	result := runSingleSession(ctx, cfg, cwd, issue, model, "", prompt, ledger)

	tracker := failure.New(cfg.ToFailurePolicy())
	decision := tracker.Decide(result)

	printSessionResult(result, decision)

	switch decision.Action {
	case types.ActionSkip:
		if result.Outcome == types.OutcomeSuccess {
			_ = st.UpdateStatus(ctx, issue.ID, types.StatusClosed)
		}
	case types.ActionRetry, types.ActionPause, types.ActionEscalate:
		if cfg.FailurePolicy.AnnotateFailures {
			note := fmt.Sprintf("work session ended in %s: %s", result.Outcome, result.Error)
			if triage, err := triageFailure(ctx, issue, result); err == nil && triage != "" {
				note += "\n\ntriage: " + triage
			}
			_ = st.Annotate(ctx, issue.ID, note)
		}
	}

	if result.Outcome == types.OutcomeFailure || result.Outcome == types.OutcomeContextOverflow {
		os.Exit(1)
	}
	return nil
}

// triageFailure asks the Anthropic API directly for a short read on a
// failed session, independent of the agent binary the Session Runner
// shells out to. Silently skipped when ANTHROPIC_API_KEY is unset;
// triage is an enrichment, never a requirement for `work` to report a
// result.
func triageFailure(ctx context.Context, issue *types.Issue, result *types.SessionResult) (string, error) {
	assessor, err := assess.New(result.Model)
	if err != nil {
		return "", err
	}
	return assessor.TriageFailure(ctx, issue, result)
}

func printSessionResult(result *types.SessionResult, decision types.Decision) {
	bold := color.New(color.Bold).SprintFunc()
	fmt.Printf("%s issue=%s outcome=%s model=%s cost=$%.4f turns=%d\n",
		bold("session:"), result.IssueID, result.Outcome, result.Model, result.CostUsd, result.NumTurns)
	if result.Summary != "" {
		fmt.Printf("summary: %s\n", result.Summary)
	}
	if result.GitCommit != "" {
		fmt.Printf("commit: %s\n", result.GitCommit)
	}
	if result.Error != "" {
		fmt.Printf("error: %s\n", result.Error)
	}
	fmt.Printf("decision: %s (%s)\n", decision.Action, decision.Reason)
}

// walkWorkingTree lists regular files under root relative to root, used
// by priming.Build's keyword match when --full-context is set.
func walkWorkingTree(root string) ([]string, error) {
	var out []string
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == ".git" || d.Name() == ".harness" || d.Name() == "node_modules" {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return nil
		}
		out = append(out, rel)
		return nil
	})
	return out, err
}
