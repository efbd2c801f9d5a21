package widget

import (
	"strings"
	"testing"

	"github.com/teamclaw/teamclaw/internal/taskstore"
	"github.com/teamclaw/teamclaw/internal/team"
)

func TestHidesWhenNothingToShow(t *testing.T) {
	cfg := &team.Config{Members: []team.Member{
		{Name: "lead", Role: team.RoleLead, Status: team.StatusOnline},
		{Name: "agent1", Role: team.RoleWorker, Status: team.StatusOffline},
	}}
	if lines := Project(nil, nil, cfg, false); lines != nil {
		t.Fatalf("widget must hide itself, got %+v", lines)
	}
	if lines := Project(nil, nil, nil, false); lines != nil {
		t.Fatalf("widget must hide without config too, got %+v", lines)
	}
}

func TestShowsOnlineWorkersWithoutRPC(t *testing.T) {
	cfg := &team.Config{Members: []team.Member{
		{Name: "agent1", Role: team.RoleWorker, Status: team.StatusOnline},
	}}
	lines := Project(nil, nil, cfg, false)
	if len(lines) == 0 {
		t.Fatal("an online member alone must keep the widget visible")
	}
}

// A worker idle at the RPC level but owning an in_progress task displays
// as working.
func TestIdleWithInProgressTaskShowsWorking(t *testing.T) {
	tasks := []taskstore.Task{
		{ID: "1", Subject: "build", Status: taskstore.StatusInProgress, Owner: "agent1"},
	}
	workers := []WorkerView{{Name: "agent1", State: "idle"}}
	lines := Project(workers, tasks, nil, false)
	found := false
	for _, l := range lines {
		if l.Kind == "worker" && strings.Contains(l.Text, "agent1") {
			found = true
			if !strings.Contains(l.Text, "working") {
				t.Fatalf("expected working, got %q", l.Text)
			}
		}
	}
	if !found {
		t.Fatal("worker line missing")
	}
}

func TestProjection(t *testing.T) {
	tasks := []taskstore.Task{
		{ID: "1", Subject: "a", Status: taskstore.StatusCompleted, Owner: "agent1"},
		{ID: "2", Subject: "b", Status: taskstore.StatusPending, BlockedBy: []string{"3"}},
		{ID: "3", Subject: "c", Status: taskstore.StatusInProgress, Owner: "agent2"},
	}
	workers := []WorkerView{
		{Name: "agent2", State: "streaming"},
		{Name: "agent1", State: "idle"},
	}
	lines := Project(workers, tasks, nil, true)
	if len(lines) == 0 {
		t.Fatal("no lines")
	}
	head := lines[0]
	if head.Kind != "header" || !strings.Contains(head.Text, "delegating") {
		t.Fatalf("header wrong: %+v", head)
	}
	if !strings.Contains(head.Text, "1 pending / 1 active / 1 done") {
		t.Fatalf("counts wrong: %q", head.Text)
	}
	// Workers are sorted by name.
	if !strings.Contains(lines[1].Text, "agent1") || !strings.Contains(lines[2].Text, "agent2") {
		t.Fatalf("worker order wrong: %q, %q", lines[1].Text, lines[2].Text)
	}
	// Completed tasks are not listed; the blocked one is labeled.
	var taskLines []string
	for _, l := range lines {
		if l.Kind == "task" {
			taskLines = append(taskLines, l.Text)
		}
	}
	if len(taskLines) != 2 {
		t.Fatalf("expected 2 task lines, got %v", taskLines)
	}
	blockedSeen := false
	for _, l := range taskLines {
		if strings.Contains(l, "#2") && strings.Contains(l, "[blocked]") {
			blockedSeen = true
		}
		if strings.Contains(l, "#1") {
			t.Fatalf("completed task listed: %q", l)
		}
	}
	if !blockedSeen {
		t.Fatal("blocked label missing on task #2")
	}
}

// Projection is referentially transparent: same inputs, same output.
func TestProjectionPure(t *testing.T) {
	tasks := []taskstore.Task{{ID: "1", Subject: "a", Status: taskstore.StatusPending}}
	workers := []WorkerView{{Name: "agent1", State: "idle"}}
	a := Project(workers, tasks, nil, false)
	b := Project(workers, tasks, nil, false)
	if len(a) != len(b) {
		t.Fatal("length differs across calls")
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("line %d differs: %+v vs %+v", i, a[i], b[i])
		}
	}
}
