// Package saga implements an ordered workflow of forward steps with
// reverse compensation. Higher layers use this for multi-step setup
// workflows (branch creation, spec materialization); the steady-state
// scheduler loop does not invoke it directly.
package saga

import (
	"context"
	"fmt"
	"time"
)

// Result is what a step's forward or compensating action returns.
type Result struct {
	Output interface{}
	Err    error
}

// Step is one unit of forward work in a saga.
type Step struct {
	Name     string
	Optional bool // a failure here does not trigger compensation
	Timeout  time.Duration
	Retries  int
	Backoff  time.Duration

	// Execute runs the forward action. previousResults maps completed
	// step names to their Result.Output.
	Execute func(ctx context.Context, previousResults map[string]interface{}) (interface{}, error)

	// Compensate reverses this step's effect, given its own result and
	// the results of steps before it. Nil means this step has no
	// compensation and is skipped during rollback.
	Compensate func(ctx context.Context, ownResult interface{}, previousResults map[string]interface{}) error
}

// Status is the terminal status of a saga run.
type Status string

const (
	StatusCompleted          Status = "completed"
	StatusCompensated        Status = "compensated"
	StatusCompensationFailed Status = "compensation_failed"
)

// StepLog records one executed step for observability.
type StepLog struct {
	Name       string
	Phase      string // "forward" or "compensate"
	DurationMs int64
	Err        error
}

// RunResult is the outcome of running a saga to completion.
type RunResult struct {
	Status  Status
	Results map[string]interface{}
	Log     []StepLog
	Err     error
}

// Config controls compensation behavior when a compensating action
// itself fails.
type Config struct {
	// ContinueCompensatingOnError keeps iterating the remaining
	// already-completed steps even if one compensation fails.
	ContinueCompensatingOnError bool
}

// Saga is an ordered list of steps executed in sequence.
type Saga struct {
	Name  string
	Steps []Step
	Cfg   Config
}

// New constructs a saga from an ordered step list.
func New(name string, steps []Step, cfg Config) *Saga {
	return &Saga{Name: name, Steps: steps, Cfg: cfg}
}

// Run executes the saga's steps in order. On a step's failure (after its
// own retries), already-completed steps are compensated in reverse
// order, skipping steps without a Compensate function and skipping
// optional steps' own failure from triggering compensation at all.
func (s *Saga) Run(ctx context.Context) RunResult {
	results := make(map[string]interface{})
	var completed []int // indices into s.Steps, in completion order
	var log []StepLog

	for i, step := range s.Steps {
		start := time.Now()
		out, err := s.runStepWithRetry(ctx, step, results)
		durationMs := time.Since(start).Milliseconds()
		if err != nil {
			log = append(log, StepLog{Name: step.Name, Phase: "forward", DurationMs: durationMs, Err: err})
			if step.Optional {
				// Optional step failures do not halt the saga or trigger
				// compensation; record and move on.
				continue
			}
			compResult, compLog := s.compensate(ctx, completed, results)
			log = append(log, compLog...)
			return RunResult{Status: compResult, Results: results, Log: log, Err: fmt.Errorf("step %q failed: %w", step.Name, err)}
		}
		results[step.Name] = out
		completed = append(completed, i)
		log = append(log, StepLog{Name: step.Name, Phase: "forward", DurationMs: durationMs})
	}

	return RunResult{Status: StatusCompleted, Results: results, Log: log}
}

func (s *Saga) runStepWithRetry(ctx context.Context, step Step, previous map[string]interface{}) (interface{}, error) {
	attempts := step.Retries + 1
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		stepCtx := ctx
		var cancel context.CancelFunc
		if step.Timeout > 0 {
			stepCtx, cancel = context.WithTimeout(ctx, step.Timeout)
		}
		start := time.Now()
		out, err := step.Execute(stepCtx, previous)
		_ = time.Since(start)
		if cancel != nil {
			cancel()
		}
		if err == nil {
			return out, nil
		}
		lastErr = err
		if attempt < attempts-1 && step.Backoff > 0 {
			select {
			case <-time.After(step.Backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
	return nil, lastErr
}

// compensate walks completed step indices in reverse, invoking
// Compensate where defined.
func (s *Saga) compensate(ctx context.Context, completed []int, results map[string]interface{}) (Status, []StepLog) {
	var log []StepLog
	anyCompensationFailed := false

	for i := len(completed) - 1; i >= 0; i-- {
		step := s.Steps[completed[i]]
		if step.Compensate == nil {
			continue
		}
		start := time.Now()
		err := step.Compensate(ctx, results[step.Name], results)
		log = append(log, StepLog{Name: step.Name, Phase: "compensate", DurationMs: time.Since(start).Milliseconds(), Err: err})
		if err != nil {
			anyCompensationFailed = true
			if !s.Cfg.ContinueCompensatingOnError {
				return StatusCompensationFailed, log
			}
		}
	}

	if anyCompensationFailed {
		return StatusCompensationFailed, log
	}
	return StatusCompensated, log
}
