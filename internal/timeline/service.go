// Package timeline persists a per-root diagnostic event trail in SQLite:
// worker lifecycle events, hook runs, and remediation decisions. The
// timeline is best-effort — a nil *Service disables persistence without
// touching callers.
package timeline

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Event kinds recorded by the coordinator.
const (
	KindWorkerSpawned   = "worker_spawned"
	KindWorkerStopped   = "worker_stopped"
	KindTaskAssigned    = "task_assigned"
	KindTaskCompleted   = "task_completed"
	KindTaskReopened    = "task_reopened"
	KindFollowupCreated = "followup_created"
	KindHookFailed      = "hook_failed"
)

// Service is the SQLite-backed timeline store.
type Service struct {
	db *sql.DB
}

// Entry is one recorded event.
type Entry struct {
	ID        int64     `json:"id"`
	TeamID    string    `json:"team_id"`
	Agent     string    `json:"agent"`
	Kind      string    `json:"kind"`
	TaskID    string    `json:"task_id"`
	Detail    string    `json:"detail"`
	CreatedAt time.Time `json:"created_at"`
}

// HookRun is one recorded hook execution.
type HookRun struct {
	ID        int64     `json:"id"`
	TeamID    string    `json:"team_id"`
	Agent     string    `json:"agent"`
	TaskID    string    `json:"task_id"`
	OK        bool      `json:"ok"`
	ExitCode  int       `json:"exit_code"`
	TimedOut  bool      `json:"timed_out"`
	Stderr    string    `json:"stderr"`
	LogPath   string    `json:"log_path"`
	CreatedAt time.Time `json:"created_at"`
}

// New opens (or creates) the timeline database at dbPath.
func New(dbPath string) (*Service, error) {
	db, err := sql.Open("sqlite", "file:"+dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open timeline db: %w", err)
	}
	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply timeline schema: %w", err)
	}
	return &Service{db: db}, nil
}

// Close releases the database handle. Safe on nil.
func (s *Service) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Record appends one event. Safe on nil; errors are returned for callers
// that want to log them, but the coordinator treats them as advisory.
func (s *Service) Record(teamID, agent, kind, taskID, detail string) error {
	if s == nil {
		return nil
	}
	_, err := s.db.Exec(
		`INSERT INTO events (team_id, agent, kind, task_id, detail) VALUES (?, ?, ?, ?, ?)`,
		teamID, agent, kind, taskID, detail,
	)
	return err
}

// RecordHookRun appends one hook execution record. Safe on nil.
func (s *Service) RecordHookRun(r HookRun) error {
	if s == nil {
		return nil
	}
	_, err := s.db.Exec(
		`INSERT INTO hook_runs (team_id, agent, task_id, ok, exit_code, timed_out, stderr, log_path)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.TeamID, r.Agent, r.TaskID, r.OK, r.ExitCode, r.TimedOut, r.Stderr, r.LogPath,
	)
	return err
}

// RecentEvents returns up to limit events for a team, newest first.
func (s *Service) RecentEvents(teamID string, limit int) ([]Entry, error) {
	if s == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(
		`SELECT id, team_id, agent, kind, task_id, detail, created_at
		 FROM events WHERE team_id = ? ORDER BY id DESC LIMIT ?`,
		teamID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.TeamID, &e.Agent, &e.Kind, &e.TaskID, &e.Detail, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// HookRunsForTask returns hook executions for one task, newest first.
func (s *Service) HookRunsForTask(teamID, taskID string) ([]HookRun, error) {
	if s == nil {
		return nil, nil
	}
	rows, err := s.db.Query(
		`SELECT id, team_id, agent, task_id, ok, exit_code, timed_out, stderr, log_path, created_at
		 FROM hook_runs WHERE team_id = ? AND task_id = ? ORDER BY id DESC`,
		teamID, taskID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []HookRun
	for rows.Next() {
		var r HookRun
		if err := rows.Scan(&r.ID, &r.TeamID, &r.Agent, &r.TaskID, &r.OK, &r.ExitCode,
			&r.TimedOut, &r.Stderr, &r.LogPath, &r.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
