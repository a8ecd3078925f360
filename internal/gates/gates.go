// Package gates runs the ordered set of baseline shell checks before
// work starts, each with an optional auto-fix command, creating blocker
// issues on persistent failure and keeping a rolling health record.
package gates

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"time"

	"github.com/lowlandforge/vigil/internal/store"
	"github.com/lowlandforge/vigil/internal/types"
)

// Gate is one configured shell check.
type Gate struct {
	Name        string
	Command     []string
	Timeout     time.Duration
	AutoFix     []string // optional; run once on failure, then the gate is re-evaluated
	BlockerOnly bool     // not read by Runner; every persistent failure is handled the same way
}

// Result is the outcome of running one gate, possibly after an auto-fix
// attempt.
type Result struct {
	Gate         string
	Passed       bool
	Output       string
	Error        string
	FixAttempted bool
	FixPassed    bool
	Duration     time.Duration
}

// Health accumulates pass/fail statistics across gate runs for a
// working directory, queryable by the scheduler.
type Health struct {
	PassCount         int
	FailCount         int
	PassAfterFixCount int
	FailuresByGate    map[string]int
}

// Runner executes the configured gate list in order against a working
// directory, persisting blocking issues via the Issue-Store Adapter.
type Runner struct {
	Gates      []Gate
	WorkingDir string
	Store      store.Store
	RunID      string

	health Health
}

// NewRunner constructs a gate runner bound to a working directory and
// issue store.
func NewRunner(gates []Gate, workingDir string, st store.Store, runID string) *Runner {
	return &Runner{Gates: gates, WorkingDir: workingDir, Store: st, RunID: runID, health: Health{FailuresByGate: map[string]int{}}}
}

// RunAll runs every gate in order. It stops at the first persistent
// failure, which blocks scheduling of new non-blocker work, but still
// returns results for gates already run.
func (r *Runner) RunAll(ctx context.Context) ([]Result, bool) {
	var results []Result
	allPassed := true

	for _, g := range r.Gates {
		res := r.runGate(ctx, g)
		if !res.Passed {
			allPassed = false
			r.health.FailCount++
			r.health.FailuresByGate[g.Name]++
			results = append(results, res)
			r.createBlocker(ctx, g, res)
			break
		}
		if res.FixAttempted && res.Passed {
			r.health.PassAfterFixCount++
		}
		r.health.PassCount++
		results = append(results, res)
	}

	return results, allPassed
}

func (r *Runner) runGate(ctx context.Context, g Gate) Result {
	start := time.Now()
	passed, output, err := r.exec(ctx, g.Command, g.Timeout)
	if passed {
		return Result{Gate: g.Name, Passed: true, Output: output, Duration: time.Since(start)}
	}

	res := Result{Gate: g.Name, Passed: false, Output: output, Duration: time.Since(start)}
	if err != nil {
		res.Error = err.Error()
	}

	if len(g.AutoFix) == 0 {
		return res
	}

	res.FixAttempted = true
	_, fixOutput, fixErr := r.exec(ctx, g.AutoFix, g.Timeout)
	if fixErr != nil {
		res.Output += "\n--- autofix output ---\n" + fixOutput
		return res
	}

	rePassed, reOutput, reErr := r.exec(ctx, g.Command, g.Timeout)
	res.FixPassed = rePassed
	res.Passed = rePassed
	res.Output = reOutput
	res.Duration = time.Since(start)
	if reErr != nil {
		res.Error = reErr.Error()
	} else {
		res.Error = ""
	}
	return res
}

// exec runs an argv command (never a shell string) with a timeout,
// returning whether it exited zero and its combined output.
func (r *Runner) exec(ctx context.Context, argv []string, timeout time.Duration) (bool, string, error) {
	if len(argv) == 0 {
		return true, "", nil
	}
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, argv[0], argv[1:]...)
	cmd.Dir = r.WorkingDir
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	return err == nil, out.String(), err
}

func (r *Runner) createBlocker(ctx context.Context, g Gate, res Result) {
	if r.Store == nil {
		return
	}
	title := fmt.Sprintf("baseline gate %q failing", g.Name)
	desc := fmt.Sprintf("run: %s\ngate: %s\noutput:\n%s", r.RunID, g.Name, truncate(res.Output, 2000))
	_, _ = r.Store.Create(ctx, title, store.CreateOptions{
		Type:        types.TypeBug,
		Priority:    0,
		Description: desc,
		Labels:      []string{"blocker", "baseline-gate", "run:" + r.RunID},
	})
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "...(truncated)"
}

// Health returns a snapshot of the accumulated pass/fail statistics.
func (r *Runner) Health() Health {
	cp := r.health
	cp.FailuresByGate = make(map[string]int, len(r.health.FailuresByGate))
	for k, v := range r.health.FailuresByGate {
		cp.FailuresByGate[k] = v
	}
	return cp
}

// DefaultGates returns the standard typecheck/test/lint/build ordering,
// wired to a Go toolchain working directory. Custom gates are appended
// by callers via Runner.Gates.
func DefaultGates(timeout time.Duration) []Gate {
	return []Gate{
		{Name: "typecheck", Command: []string{"go", "vet", "./..."}, Timeout: timeout},
		{Name: "test", Command: []string{"go", "test", "./..."}, Timeout: timeout},
		{Name: "lint", Command: []string{"golangci-lint", "run"}, Timeout: timeout},
		{Name: "build", Command: []string{"go", "build", "./..."}, Timeout: timeout},
	}
}
