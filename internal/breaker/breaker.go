// Package breaker implements a circuit breaker: a fail-fast wrapper
// around unreliable outward calls, one instance per named dependency,
// with a sliding failure window and an optional per-call timeout.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// State is one of CLOSED, OPEN, HALF_OPEN.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "CLOSED"
	case Open:
		return "OPEN"
	case HalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// ErrOpen is returned by Call when the breaker rejects the call outright.
var ErrOpen = errors.New("circuit breaker is open")

// Config configures a single breaker instance.
type Config struct {
	FailureThreshold int           // failures within FailureWindow before CLOSED -> OPEN
	SuccessThreshold int           // consecutive successes before HALF_OPEN -> CLOSED
	ResetTimeout     time.Duration // OPEN -> HALF_OPEN after this elapses
	FailureWindow    time.Duration // sliding window for counting failures
	CallTimeout      time.Duration // 0 disables the per-call timeout
}

// DefaultConfig returns conservative defaults for outward calls.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		ResetTimeout:     30 * time.Second,
		FailureWindow:    60 * time.Second,
		CallTimeout:      0,
	}
}

// Metrics is a read-only snapshot exposed for observability; it is never
// consulted for breaker decisions.
type Metrics struct {
	State          State
	TotalCalls     int64
	Successes      int64
	Failures       int64
	Rejections     int64
	Timeouts       int64
	AverageLatency time.Duration
	NextResetAt    time.Time
}

// Breaker wraps one named outward dependency.
type Breaker struct {
	name string
	cfg  Config

	mu            sync.Mutex
	state         State
	failureTimes  []time.Time // failures within the sliding window
	consecutiveOK int
	openedAt      time.Time
	totalCalls    int64
	successes     int64
	failures      int64
	rejections    int64
	timeouts      int64
	totalLatency  time.Duration
}

// New constructs a breaker in the CLOSED state.
func New(name string, cfg Config) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 1
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 1
	}
	return &Breaker{name: name, cfg: cfg, state: Closed}
}

// Result distinguishes a rejected call (breaker OPEN, callee never
// invoked) from a failed call (callee ran and errored).
type Result struct {
	Rejected bool
	Err      error
	Latency  time.Duration
}

// Call runs fn if the breaker allows it, recording the outcome. fn is
// never invoked when the breaker is OPEN.
func (b *Breaker) Call(ctx context.Context, fn func(context.Context) error) Result {
	if !b.allow() {
		b.mu.Lock()
		b.rejections++
		b.mu.Unlock()
		return Result{Rejected: true, Err: ErrOpen}
	}

	callCtx := ctx
	var cancel context.CancelFunc
	if b.cfg.CallTimeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, b.cfg.CallTimeout)
		defer cancel()
	}

	start := time.Now()
	err := fn(callCtx)
	latency := time.Since(start)

	timedOut := b.cfg.CallTimeout > 0 && callCtx.Err() == context.DeadlineExceeded
	if timedOut && err == nil {
		err = fmt.Errorf("call to %s exceeded timeout %v", b.name, b.cfg.CallTimeout)
	}

	b.mu.Lock()
	b.totalCalls++
	b.totalLatency += latency
	if timedOut {
		b.timeouts++
	}
	b.mu.Unlock()

	if err != nil {
		b.recordFailure()
		return Result{Err: err, Latency: latency}
	}
	b.recordSuccess()
	return Result{Latency: latency}
}

func (b *Breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return true
	case Open:
		if time.Since(b.openedAt) >= b.cfg.ResetTimeout {
			b.transitionTo(HalfOpen)
			return true
		}
		return false
	case HalfOpen:
		// allow probes through; recordFailure/recordSuccess decide the transition
		return true
	default:
		return false
	}
}

func (b *Breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.successes++

	switch b.state {
	case Closed:
		b.failureTimes = nil
	case HalfOpen:
		b.consecutiveOK++
		if b.consecutiveOK >= b.cfg.SuccessThreshold {
			b.transitionTo(Closed)
		}
	}
}

func (b *Breaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	now := time.Now()

	switch b.state {
	case Closed:
		b.failureTimes = append(b.failureTimes, now)
		b.failureTimes = pruneBefore(b.failureTimes, now.Add(-b.cfg.FailureWindow))
		if len(b.failureTimes) >= b.cfg.FailureThreshold {
			b.transitionTo(Open)
		}
	case HalfOpen:
		b.transitionTo(Open)
	}
}

func pruneBefore(times []time.Time, cutoff time.Time) []time.Time {
	out := times[:0]
	for _, t := range times {
		if t.After(cutoff) {
			out = append(out, t)
		}
	}
	return out
}

// transitionTo moves state and resets per-state counters. Caller must
// hold b.mu.
func (b *Breaker) transitionTo(s State) {
	old := b.state
	b.state = s
	switch s {
	case Open:
		b.openedAt = time.Now()
		b.consecutiveOK = 0
	case HalfOpen:
		b.consecutiveOK = 0
	case Closed:
		b.failureTimes = nil
		b.consecutiveOK = 0
	}
	fmt.Printf("circuit breaker %q: %s -> %s\n", b.name, old, s)
}

// State returns the current state (for testing/monitoring).
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Metrics returns a snapshot for observability.
func (b *Breaker) Metrics() Metrics {
	b.mu.Lock()
	defer b.mu.Unlock()
	var avg time.Duration
	if b.totalCalls > 0 {
		avg = b.totalLatency / time.Duration(b.totalCalls)
	}
	var nextReset time.Time
	if b.state == Open {
		nextReset = b.openedAt.Add(b.cfg.ResetTimeout)
	}
	return Metrics{
		State:          b.state,
		TotalCalls:     b.totalCalls,
		Successes:      b.successes,
		Failures:       b.failures,
		Rejections:     b.rejections,
		Timeouts:       b.timeouts,
		AverageLatency: avg,
		NextResetAt:    nextReset,
	}
}

// Registry holds one Breaker per named outward dependency (agent spawn,
// each class of adapter call).
type Registry struct {
	mu       sync.Mutex
	breakers map[string]*Breaker
	cfg      Config
}

// NewRegistry creates a registry that lazily creates breakers with cfg.
func NewRegistry(cfg Config) *Registry {
	return &Registry{breakers: make(map[string]*Breaker), cfg: cfg}
}

// Get returns the named breaker, creating it on first use.
func (r *Registry) Get(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[name]
	if !ok {
		b = New(name, r.cfg)
		r.breakers[name] = b
	}
	return b
}
