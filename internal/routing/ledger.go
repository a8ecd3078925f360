// Package routing implements the rolling routing-experiment log: one
// JSONL record appended on every session completion, capturing which
// model handled an issue and whether it succeeded, for later analysis
// of routing strategy effectiveness.
package routing

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lowlandforge/vigil/internal/types"
)

// Entry is one routing-experiment record.
type Entry struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	IssueID   string    `json:"issueId"`
	ModelUsed string    `json:"modelUsed"`
	Strategy  string    `json:"strategy"`
	Success   bool      `json:"success"`
	Cost      float64   `json:"cost"`
	Notes     string    `json:"notes,omitempty"`
}

// Ledger appends routing entries to a JSONL file.
type Ledger struct {
	mu   sync.Mutex
	path string
}

// Path returns the JSONL file this ledger appends to.
func (l *Ledger) Path() string { return l.path }

// Open binds a ledger to path, creating parent directories as needed.
func Open(path string) (*Ledger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create ledger directory: %w", err)
	}
	return &Ledger{path: path}, nil
}

// Record appends one entry, assigning an id and timestamp if unset.
func (l *Ledger) Record(e Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if e.ID == "" {
		e.ID = "route-" + uuid.NewString()[:8]
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	defer f.Close()

	b, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal ledger entry: %w", err)
	}
	if _, err := f.Write(append(b, '\n')); err != nil {
		return fmt.Errorf("append ledger entry: %w", err)
	}
	return nil
}

// RecordSession appends an entry derived from a completed session
// result, classifying success as outcome == success.
func (l *Ledger) RecordSession(result *types.SessionResult, strategy string) error {
	return l.Record(Entry{
		IssueID:   result.IssueID,
		ModelUsed: result.Model,
		Strategy:  strategy,
		Success:   result.Outcome == types.OutcomeSuccess,
		Cost:      result.CostUsd,
	})
}

// ReadAll loads every entry currently in the ledger, in append order.
func ReadAll(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	defer f.Close()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			return nil, fmt.Errorf("corrupt ledger record: %w", err)
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

// Prune rewrites the ledger file in place, dropping every entry older
// than cutoff. It returns the number of entries removed. Used by the
// `cleanup` CLI verb to bound the routing log's growth across
// long-lived repositories.
func Prune(path string, cutoff time.Time) (int, error) {
	entries, err := ReadAll(path)
	if err != nil {
		return 0, err
	}
	kept := entries[:0]
	removed := 0
	for _, e := range entries {
		if e.Timestamp.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	if removed == 0 {
		return 0, nil
	}

	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return 0, fmt.Errorf("open ledger scratch file: %w", err)
	}
	w := bufio.NewWriter(f)
	for _, e := range kept {
		b, err := json.Marshal(e)
		if err != nil {
			f.Close()
			return 0, fmt.Errorf("marshal ledger entry: %w", err)
		}
		if _, err := w.Write(append(b, '\n')); err != nil {
			f.Close()
			return 0, fmt.Errorf("write ledger entry: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return 0, fmt.Errorf("flush ledger scratch file: %w", err)
	}
	if err := f.Close(); err != nil {
		return 0, err
	}
	if err := os.Rename(tmp, path); err != nil {
		return 0, fmt.Errorf("replace ledger file: %w", err)
	}
	return removed, nil
}

// SuccessRateByModel summarizes the ledger's success rate per model, for
// reporting on routing-strategy effectiveness.
func SuccessRateByModel(entries []Entry) map[string]float64 {
	counts := make(map[string][2]int) // [successes, total]
	for _, e := range entries {
		c := counts[e.ModelUsed]
		c[1]++
		if e.Success {
			c[0]++
		}
		counts[e.ModelUsed] = c
	}
	rates := make(map[string]float64, len(counts))
	for model, c := range counts {
		if c[1] == 0 {
			continue
		}
		rates[model] = float64(c[0]) / float64(c[1])
	}
	return rates
}
