// Package widget derives the leader's status lines from the data model.
// Projection is a pure function so rendering behavior is testable without
// a terminal.
package widget

import (
	"fmt"
	"sort"

	"github.com/teamclaw/teamclaw/internal/taskstore"
	"github.com/teamclaw/teamclaw/internal/team"
)

// WorkerView is the renderer-facing slice of one worker's RPC state.
type WorkerView struct {
	Name  string
	State string // rpc state: starting, idle, streaming, stopped, error
}

// Line is one renderable row.
type Line struct {
	Kind string // "header", "worker", "task"
	Text string
}

// Project turns (rpc states, tasks, team config, delegate mode) into
// display lines. The widget hides itself entirely when there is nothing
// to show: no live teammates, no tasks, and no online members.
func Project(workers []WorkerView, tasks []taskstore.Task, cfg *team.Config, delegateMode bool) []Line {
	online := 0
	if cfg != nil {
		for _, m := range cfg.Members {
			if m.Role != team.RoleLead && m.Status == team.StatusOnline {
				online++
			}
		}
	}
	if len(workers) == 0 && len(tasks) == 0 && online == 0 {
		return nil
	}

	inProgressOwner := map[string]bool{}
	pending, inProgress, completed := 0, 0, 0
	for _, t := range tasks {
		switch t.Status {
		case taskstore.StatusPending:
			pending++
		case taskstore.StatusInProgress:
			inProgress++
			if t.Owner != "" {
				inProgressOwner[t.Owner] = true
			}
		case taskstore.StatusCompleted:
			completed++
		}
	}

	mode := ""
	if delegateMode {
		mode = " · delegating"
	}
	lines := []Line{{
		Kind: "header",
		Text: fmt.Sprintf("team: %d worker(s)%s · tasks %d pending / %d active / %d done",
			len(workers), mode, pending, inProgress, completed),
	}}

	sorted := make([]WorkerView, len(workers))
	copy(sorted, workers)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })
	for _, w := range sorted {
		lines = append(lines, Line{Kind: "worker", Text: fmt.Sprintf("  %s: %s", w.Name, displayState(w, inProgressOwner))})
	}
	for _, t := range tasks {
		if t.Status == taskstore.StatusCompleted {
			continue
		}
		blocked := ""
		if taskstore.BlockedIn(tasks, t.ID) {
			blocked = " [blocked]"
		}
		lines = append(lines, Line{Kind: "task", Text: fmt.Sprintf("  %s%s", t.String(), blocked)})
	}
	return lines
}

// displayState maps RPC state to the user-facing label. A worker whose
// RPC is idle but who owns an in_progress task shows as working: the
// task, not the stream, is the source of truth for busyness.
func displayState(w WorkerView, inProgressOwner map[string]bool) string {
	if w.State == "idle" && inProgressOwner[w.Name] {
		return "working"
	}
	switch w.State {
	case "streaming":
		return "working"
	case "starting":
		return "starting"
	case "stopped":
		return "stopped"
	case "error":
		return "error"
	default:
		return "idle"
	}
}
