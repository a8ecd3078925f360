package checkpoint

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/lowlandforge/vigil/internal/types"
)

// Parse reconstructs a Checkpoint from the markdown renderDescription
// produces. It is the inverse of Checkpoint/renderDescription, needed
// by resume (to recover LastSessionID/AccumulatedCostUsd) and to keep
// the round-trip guarantee: re-reading a persisted checkpoint yields
// the same issue lists, confidence (to two decimal places), and
// redirect notes.
func Parse(desc string) (*types.Checkpoint, error) {
	cp := &types.Checkpoint{}
	section := ""
	sawRun := false

	for _, raw := range strings.Split(desc, "\n") {
		line := strings.TrimRight(raw, "\r")
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}

		if strings.HasPrefix(line, "  - ") {
			item := strings.TrimPrefix(line, "  - ")
			switch section {
			case "issues":
				cp.IssuesCompleted = append(cp.IssuesCompleted, item)
			case "redirects":
				cp.RedirectNotes = append(cp.RedirectNotes, item)
			}
			continue
		}

		switch trimmed {
		case "issues:":
			section = "issues"
			continue
		case "redirects:":
			section = "redirects"
			continue
		case "swarm:":
			section = "swarm"
			continue
		}

		key, val, ok := strings.Cut(trimmed, ":")
		if !ok {
			continue
		}
		val = strings.TrimSpace(val)
		switch key {
		case "run":
			cp.RunID = val
			sawRun = true
		case "sequence":
			cp.SessionNumber, _ = strconv.Atoi(val)
		case "confidence":
			cp.Confidence, _ = strconv.ParseFloat(val, 64)
		case "commit":
			cp.GitCommit = val
		case "last_session_id":
			cp.LastSessionID = val
		case "accumulated_cost":
			cp.AccumulatedCostUsd, _ = strconv.ParseFloat(val, 64)
		}
	}

	if !sawRun {
		return nil, fmt.Errorf("parse checkpoint: no %q field found", "run")
	}
	return cp, nil
}
