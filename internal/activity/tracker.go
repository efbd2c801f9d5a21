// Package activity aggregates per-worker RPC event counters for the
// status projection: tool usage, turn counts, token totals, and a short
// ring of recent events.
package activity

import (
	"sync"

	"github.com/teamclaw/teamclaw/internal/rpc"
)

// RecentEvents is the ring buffer depth per worker.
const RecentEvents = 10

// WorkerActivity is the aggregated view for one worker.
type WorkerActivity struct {
	ToolUseCount    int
	CurrentToolName string
	LastToolName    string
	TurnCount       int
	TotalTokens     int
	Recent          []string
}

type workerState struct {
	WorkerActivity
	ring [RecentEvents]string
	next int
	size int
}

// Tracker keeps one aggregate per worker name.
type Tracker struct {
	mu      sync.Mutex
	workers map[string]*workerState
}

// NewTracker returns an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{workers: map[string]*workerState{}}
}

// Observe advances the aggregate for name with one RPC event.
func (t *Tracker) Observe(name string, ev rpc.Event) {
	t.mu.Lock()
	defer t.mu.Unlock()
	w := t.workers[name]
	if w == nil {
		w = &workerState{}
		t.workers[name] = w
	}
	switch ev.Type {
	case rpc.EventAgentStart:
		w.TurnCount++
	case rpc.EventAgentEnd:
		w.CurrentToolName = ""
		if tokens := ev.Int("totalTokens"); tokens > 0 {
			w.TotalTokens += tokens
		}
	case "tool_execution_start":
		w.ToolUseCount++
		name := ev.Str("toolName")
		if name == "" {
			name = ev.Str("name")
		}
		w.CurrentToolName = name
		w.LastToolName = name
	case "tool_execution_end":
		w.CurrentToolName = ""
	}
	w.ring[w.next] = ev.Type
	w.next = (w.next + 1) % RecentEvents
	if w.size < RecentEvents {
		w.size++
	}
}

// Snapshot returns a copy of the aggregate for name. Unknown names return
// the zero value.
func (t *Tracker) Snapshot(name string) WorkerActivity {
	t.mu.Lock()
	defer t.mu.Unlock()
	w := t.workers[name]
	if w == nil {
		return WorkerActivity{}
	}
	out := w.WorkerActivity
	out.Recent = make([]string, 0, w.size)
	for i := 0; i < w.size; i++ {
		idx := (w.next - w.size + i + RecentEvents) % RecentEvents
		out.Recent = append(out.Recent, w.ring[idx])
	}
	return out
}

// Reset forgets the aggregate for name, used when a worker is removed.
func (t *Tracker) Reset(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.workers, name)
}
