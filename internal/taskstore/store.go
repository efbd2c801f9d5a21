// Package taskstore persists the task list for one (team, task list) pair
// in a single JSON file mutated under a file lock. The dependency graph is
// kept acyclic and symmetric (a in blockedBy(b) iff b in blocks(a)) by
// every mutation; writes that leave the canonical bytes unchanged are
// skipped so repeated operations are idempotent on disk.
package taskstore

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/teamclaw/teamclaw/internal/lockfile"
	"github.com/teamclaw/teamclaw/internal/teamerr"
)

// MaxSubjectLen bounds the subject (the first line of the description).
const MaxSubjectLen = 120

// Task is one unit of delegated work.
type Task struct {
	ID          string         `json:"id"`
	Subject     string         `json:"subject"`
	Description string         `json:"description"`
	Status      string         `json:"status"`
	Owner       string         `json:"owner,omitempty"`
	BlockedBy   []string       `json:"blockedBy,omitempty"`
	Blocks      []string       `json:"blocks,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// document is the on-disk task list file.
type document struct {
	NextID int    `json:"nextId"`
	Tasks  []Task `json:"tasks"`
}

// Store reads and mutates one task list file.
type Store struct {
	teamDir    string
	taskListID string
}

// New returns a store for the task list under teamDir.
func New(teamDir, taskListID string) *Store {
	return &Store{teamDir: teamDir, taskListID: taskListID}
}

// TaskListID returns the list this store operates on.
func (s *Store) TaskListID() string { return s.taskListID }

func (s *Store) path() string {
	return filepath.Join(s.teamDir, "tasklists", s.taskListID+".json")
}

func (s *Store) lockPath() string { return s.path() + ".lock" }

// Create appends a new pending task and returns it. The subject comes
// from DeriveSubject: the explicit subject when given, otherwise the
// first line of the description, truncated to MaxSubjectLen.
func (s *Store) Create(subject, description, owner string) (Task, error) {
	var created Task
	err := s.mutate(func(doc *document) error {
		if doc.NextID == 0 {
			doc.NextID = 1
		}
		created = Task{
			ID:          strconv.Itoa(doc.NextID),
			Subject:     DeriveSubject(subject, description),
			Description: description,
			Status:      StatusPending,
			Owner:       owner,
			Metadata:    map[string]any{},
		}
		doc.NextID++
		doc.Tasks = append(doc.Tasks, created)
		return nil
	})
	if err != nil {
		return Task{}, err
	}
	return created, nil
}

// DeriveSubject picks the subject line: the explicit subject when given,
// otherwise the first line of the description, bounded to MaxSubjectLen.
func DeriveSubject(subject, description string) string {
	src := strings.TrimSpace(subject)
	if src == "" {
		src, _, _ = strings.Cut(strings.TrimSpace(description), "\n")
		src = strings.TrimSpace(src)
	}
	if len(src) > MaxSubjectLen {
		src = src[:MaxSubjectLen]
	}
	return src
}

// Get returns the task with the given id.
func (s *Store) Get(id string) (Task, error) {
	doc := s.read()
	for _, t := range doc.Tasks {
		if t.ID == id {
			return cloneTask(t), nil
		}
	}
	return Task{}, teamerr.New(teamerr.NotFound, "taskstore.get", "no task %q", id)
}

// List returns every task in insertion order.
func (s *Store) List() []Task {
	doc := s.read()
	out := make([]Task, 0, len(doc.Tasks))
	for _, t := range doc.Tasks {
		out = append(out, cloneTask(t))
	}
	return out
}

// Update applies a caller-supplied transform to one task under the store
// lock. The transform must be pure; mutations that would break graph
// acyclicity are rejected and leave the file untouched. The task id is
// immutable.
func (s *Store) Update(id string, f func(Task) (Task, error)) (Task, error) {
	var updated Task
	err := s.mutate(func(doc *document) error {
		idx := indexOf(doc.Tasks, id)
		if idx < 0 {
			return teamerr.New(teamerr.NotFound, "taskstore.update", "no task %q", id)
		}
		next, err := f(cloneTask(doc.Tasks[idx]))
		if err != nil {
			return err
		}
		next.ID = id
		if !ValidStatus(next.Status) {
			return teamerr.New(teamerr.InvalidInput, "taskstore.update", "bad status %q", next.Status)
		}
		doc.Tasks[idx] = next
		syncBlocks(doc)
		if cycleAt := findCycle(doc.Tasks); cycleAt != "" {
			return teamerr.New(teamerr.Conflict, "taskstore.update", "dependency cycle through task %q", cycleAt)
		}
		updated = cloneTask(doc.Tasks[idx])
		return nil
	})
	if err != nil {
		return Task{}, err
	}
	return updated, nil
}

// SetStatus moves the task through the status machine, stamping
// completedAt / reopenedAt metadata on the corresponding transitions.
// Setting the current status again leaves the file byte-identical.
func (s *Store) SetStatus(id, status string) (Task, error) {
	if !ValidStatus(status) {
		return Task{}, teamerr.New(teamerr.InvalidInput, "taskstore.set_status", "bad status %q", status)
	}
	return s.Update(id, func(t Task) (Task, error) {
		if t.Status == status {
			return t, nil
		}
		if !CanTransition(t.Status, status) {
			return Task{}, teamerr.New(teamerr.InvalidInput, "taskstore.set_status",
				"cannot move task %s from %s to %s", id, t.Status, status)
		}
		prev := t.Status
		t.Status = status
		if t.Metadata == nil {
			t.Metadata = map[string]any{}
		}
		now := time.Now().UTC().Format(time.RFC3339)
		switch {
		case status == StatusCompleted:
			t.Metadata["completedAt"] = now
		case prev == StatusCompleted && status == StatusPending:
			t.Metadata["reopenedAt"] = now
		}
		return t, nil
	})
}

// Assign sets the owner. Assigning the current owner is a no-op. Unless
// the task is completed, assignment resets status to pending so the new
// owner starts it explicitly.
func (s *Store) Assign(id, owner string) (Task, error) {
	return s.Update(id, func(t Task) (Task, error) {
		if t.Owner == owner {
			return t, nil
		}
		t.Owner = owner
		if t.Status != StatusCompleted {
			t.Status = StatusPending
		}
		return t, nil
	})
}

// AddDependency makes taskID blocked by depID, updating both adjacency
// sides in one atomic write. It rejects unknown ids, self-dependencies,
// and anything that would create a cycle.
func (s *Store) AddDependency(taskID, depID string) error {
	if taskID == depID {
		return teamerr.New(teamerr.InvalidInput, "taskstore.dep_add", "task cannot block itself")
	}
	return s.mutate(func(doc *document) error {
		ti := indexOf(doc.Tasks, taskID)
		di := indexOf(doc.Tasks, depID)
		if ti < 0 || di < 0 {
			return teamerr.New(teamerr.NotFound, "taskstore.dep_add", "unknown task in (%q, %q)", taskID, depID)
		}
		if slices.Contains(doc.Tasks[ti].BlockedBy, depID) {
			return nil
		}
		doc.Tasks[ti].BlockedBy = append(doc.Tasks[ti].BlockedBy, depID)
		syncBlocks(doc)
		if cycleAt := findCycle(doc.Tasks); cycleAt != "" {
			return teamerr.New(teamerr.Conflict, "taskstore.dep_add",
				"dependency %s -> %s would create a cycle", taskID, depID)
		}
		return nil
	})
}

// RemoveDependency removes the taskID-blocked-by-depID edge from both
// sides. Removing an absent edge is a no-op.
func (s *Store) RemoveDependency(taskID, depID string) error {
	return s.mutate(func(doc *document) error {
		ti := indexOf(doc.Tasks, taskID)
		di := indexOf(doc.Tasks, depID)
		if ti < 0 || di < 0 {
			return teamerr.New(teamerr.NotFound, "taskstore.dep_rm", "unknown task in (%q, %q)", taskID, depID)
		}
		doc.Tasks[ti].BlockedBy = remove(doc.Tasks[ti].BlockedBy, depID)
		syncBlocks(doc)
		return nil
	})
}

// Blocked reports whether any task in the transitive blockedBy closure of
// id is not completed.
func (s *Store) Blocked(id string) (bool, error) {
	doc := s.read()
	if indexOf(doc.Tasks, id) < 0 {
		return false, teamerr.New(teamerr.NotFound, "taskstore.blocked", "no task %q", id)
	}
	return BlockedIn(doc.Tasks, id), nil
}

// BlockedIn is the pure form of Blocked over an in-memory task list.
func BlockedIn(tasks []Task, id string) bool {
	byID := make(map[string]Task, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
	}
	seen := map[string]bool{}
	var walk func(string) bool
	walk = func(cur string) bool {
		if seen[cur] {
			return false
		}
		seen[cur] = true
		for _, dep := range byID[cur].BlockedBy {
			d, ok := byID[dep]
			if !ok {
				continue
			}
			if d.Status != StatusCompleted || walk(dep) {
				return true
			}
		}
		return false
	}
	return walk(id)
}

// UnassignForAgent clears ownership of every non-completed task owned by
// agent, resets them to pending, and stamps unassignment metadata.
// Returns the affected task ids.
func (s *Store) UnassignForAgent(agent, reason, by string) ([]string, error) {
	var affected []string
	err := s.mutate(func(doc *document) error {
		now := time.Now().UTC().Format(time.RFC3339)
		for i := range doc.Tasks {
			t := &doc.Tasks[i]
			if t.Owner != agent || t.Status == StatusCompleted {
				continue
			}
			t.Owner = ""
			t.Status = StatusPending
			if t.Metadata == nil {
				t.Metadata = map[string]any{}
			}
			t.Metadata["unassignedAt"] = now
			t.Metadata["unassignedBy"] = by
			if reason != "" {
				t.Metadata["unassignedReason"] = reason
			}
			affected = append(affected, t.ID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return affected, nil
}

// mutate runs fn over the loaded document under the store lock and writes
// the result back atomically. An unchanged document is not rewritten.
func (s *Store) mutate(fn func(*document) error) error {
	return lockfile.WithLock(s.lockPath(), lockfile.Options{}, func() error {
		doc := s.read()
		before, err := canonical(doc)
		if err != nil {
			return teamerr.Wrap(teamerr.IoFault, "taskstore.mutate", err)
		}
		if err := fn(&doc); err != nil {
			return err
		}
		after, err := canonical(doc)
		if err != nil {
			return teamerr.Wrap(teamerr.IoFault, "taskstore.mutate", err)
		}
		if bytes.Equal(before, after) {
			return nil
		}
		return s.write(after)
	})
}

func (s *Store) read() document {
	data, err := os.ReadFile(s.path())
	if err != nil {
		return document{NextID: 1}
	}
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return document{NextID: 1}
	}
	if doc.NextID == 0 {
		doc.NextID = 1
	}
	return doc
}

func (s *Store) write(data []byte) error {
	if err := os.MkdirAll(filepath.Dir(s.path()), 0o755); err != nil {
		return teamerr.Wrap(teamerr.IoFault, "taskstore.write", err)
	}
	tmp := s.path() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return teamerr.Wrap(teamerr.IoFault, "taskstore.write", err)
	}
	if err := os.Rename(tmp, s.path()); err != nil {
		_ = os.Remove(tmp)
		return teamerr.Wrap(teamerr.IoFault, "taskstore.write", err)
	}
	return nil
}

func canonical(doc document) ([]byte, error) {
	return json.MarshalIndent(doc, "", "  ")
}

// syncBlocks rebuilds every Blocks list from the BlockedBy lists so the
// two stay symmetric regardless of what a transform touched.
func syncBlocks(doc *document) {
	known := make(map[string]int, len(doc.Tasks))
	for i, t := range doc.Tasks {
		known[t.ID] = i
		doc.Tasks[i].Blocks = nil
	}
	for i, t := range doc.Tasks {
		kept := t.BlockedBy[:0]
		for _, dep := range t.BlockedBy {
			if _, ok := known[dep]; ok && dep != t.ID {
				kept = append(kept, dep)
			}
		}
		doc.Tasks[i].BlockedBy = kept
		for _, dep := range kept {
			di := known[dep]
			if !slices.Contains(doc.Tasks[di].Blocks, t.ID) {
				doc.Tasks[di].Blocks = append(doc.Tasks[di].Blocks, t.ID)
			}
		}
	}
}

// findCycle returns the id of some task on a blockedBy cycle, or "".
func findCycle(tasks []Task) string {
	byID := make(map[string][]string, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t.BlockedBy
	}
	const (
		white = 0
		gray  = 1
		black = 2
	)
	state := make(map[string]int, len(tasks))
	var visit func(string) string
	visit = func(id string) string {
		state[id] = gray
		for _, dep := range byID[id] {
			switch state[dep] {
			case gray:
				return dep
			case white:
				if hit := visit(dep); hit != "" {
					return hit
				}
			}
		}
		state[id] = black
		return ""
	}
	for _, t := range tasks {
		if state[t.ID] == white {
			if hit := visit(t.ID); hit != "" {
				return hit
			}
		}
	}
	return ""
}

func indexOf(tasks []Task, id string) int {
	for i, t := range tasks {
		if t.ID == id {
			return i
		}
	}
	return -1
}

func remove(list []string, v string) []string {
	out := list[:0]
	for _, x := range list {
		if x != v {
			out = append(out, x)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func cloneTask(t Task) Task {
	t.BlockedBy = slices.Clone(t.BlockedBy)
	t.Blocks = slices.Clone(t.Blocks)
	if t.Metadata != nil {
		meta := make(map[string]any, len(t.Metadata))
		for k, v := range t.Metadata {
			meta[k] = v
		}
		t.Metadata = meta
	}
	return t
}

// String renders a short one-line summary used in CLI listings.
func (t Task) String() string {
	owner := t.Owner
	if owner == "" {
		owner = "-"
	}
	return fmt.Sprintf("#%s [%s] %s (owner: %s)", t.ID, t.Status, t.Subject, owner)
}
