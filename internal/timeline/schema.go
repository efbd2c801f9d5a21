package timeline

// Schema creates the timeline tables. Applied on every open; statements
// are idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	team_id TEXT NOT NULL,
	agent TEXT NOT NULL DEFAULT '',
	kind TEXT NOT NULL,
	task_id TEXT NOT NULL DEFAULT '',
	detail TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_events_team ON events(team_id, created_at);
CREATE INDEX IF NOT EXISTS idx_events_task ON events(task_id);

CREATE TABLE IF NOT EXISTS hook_runs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	team_id TEXT NOT NULL,
	agent TEXT NOT NULL DEFAULT '',
	task_id TEXT NOT NULL,
	ok BOOLEAN NOT NULL,
	exit_code INTEGER NOT NULL DEFAULT 0,
	timed_out BOOLEAN NOT NULL DEFAULT 0,
	stderr TEXT NOT NULL DEFAULT '',
	log_path TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_hook_runs_task ON hook_runs(team_id, task_id);
`
