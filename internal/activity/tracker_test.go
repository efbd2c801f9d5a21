package activity

import (
	"fmt"
	"testing"

	"github.com/teamclaw/teamclaw/internal/rpc"
)

func ev(typ string, data map[string]any) rpc.Event {
	if data == nil {
		data = map[string]any{}
	}
	data["type"] = typ
	return rpc.Event{Type: typ, Data: data}
}

func TestCounters(t *testing.T) {
	tr := NewTracker()
	tr.Observe("agent1", ev(rpc.EventAgentStart, nil))
	tr.Observe("agent1", ev("tool_execution_start", map[string]any{"toolName": "bash"}))
	tr.Observe("agent1", ev("tool_execution_end", nil))
	tr.Observe("agent1", ev("tool_execution_start", map[string]any{"toolName": "edit"}))
	tr.Observe("agent1", ev(rpc.EventAgentEnd, map[string]any{"totalTokens": float64(1200)}))

	got := tr.Snapshot("agent1")
	if got.TurnCount != 1 {
		t.Errorf("turns = %d", got.TurnCount)
	}
	if got.ToolUseCount != 2 {
		t.Errorf("tool uses = %d", got.ToolUseCount)
	}
	if got.CurrentToolName != "" {
		t.Errorf("current tool should clear on agent_end: %q", got.CurrentToolName)
	}
	if got.LastToolName != "edit" {
		t.Errorf("last tool = %q", got.LastToolName)
	}
	if got.TotalTokens != 1200 {
		t.Errorf("tokens = %d", got.TotalTokens)
	}
}

func TestRingKeepsLastTen(t *testing.T) {
	tr := NewTracker()
	for i := 0; i < 15; i++ {
		tr.Observe("agent1", ev(fmt.Sprintf("event%d", i), nil))
	}
	got := tr.Snapshot("agent1")
	if len(got.Recent) != RecentEvents {
		t.Fatalf("ring size = %d", len(got.Recent))
	}
	if got.Recent[0] != "event5" || got.Recent[9] != "event14" {
		t.Fatalf("ring contents wrong: %v", got.Recent)
	}
}

func TestResetAndUnknown(t *testing.T) {
	tr := NewTracker()
	tr.Observe("agent1", ev(rpc.EventAgentStart, nil))
	tr.Reset("agent1")
	if got := tr.Snapshot("agent1"); got.TurnCount != 0 || len(got.Recent) != 0 {
		t.Fatalf("reset did not clear: %+v", got)
	}
	if got := tr.Snapshot("ghost"); got.TurnCount != 0 {
		t.Fatalf("unknown worker must be zero: %+v", got)
	}
}
