package store

import (
	"database/sql"
	"fmt"
)

// Schema version bounds for this binary. Migrations run in order from the
// database's current version up to currentSchema; reads never regress an
// open database.
const (
	currentSchema     = 3
	minReadableSchema = 1
	maxReadableSchema = currentSchema
	maxWritableSchema = currentSchema
)

const baseSchema = `
CREATE TABLE IF NOT EXISTS meta (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS tasks (
	repo TEXT NOT NULL,
	issue_number INTEGER NOT NULL,
	task_path TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT 'queued',
	session_id TEXT,
	worker_id TEXT,
	repo_slot INTEGER,
	daemon_id TEXT,
	heartbeat_at TEXT,
	worktree_path TEXT,
	checkpoint TEXT,
	checkpoint_seq INTEGER NOT NULL DEFAULT 0,
	pause_requested INTEGER NOT NULL DEFAULT 0,
	paused_at_checkpoint TEXT,
	blocked_source TEXT,
	resume_at TEXT,
	updated_at TEXT NOT NULL DEFAULT (datetime('now')),
	PRIMARY KEY (repo, issue_number)
);

CREATE TABLE IF NOT EXISTS issue_snapshots (
	repo TEXT NOT NULL,
	issue_number INTEGER NOT NULL,
	title TEXT NOT NULL DEFAULT '',
	state TEXT NOT NULL DEFAULT '',
	url TEXT NOT NULL DEFAULT '',
	github_node_id TEXT NOT NULL DEFAULT '',
	github_updated_at TEXT NOT NULL DEFAULT '',
	labels_json TEXT NOT NULL DEFAULT '[]',
	PRIMARY KEY (repo, issue_number)
);

CREATE TABLE IF NOT EXISTS pr_snapshots (
	repo TEXT NOT NULL,
	issue_ref TEXT NOT NULL,
	pr_url TEXT NOT NULL,
	state TEXT NOT NULL DEFAULT 'open',
	updated_at TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (repo, issue_ref, pr_url)
);

CREATE TABLE IF NOT EXISTS ralph_runs (
	run_id TEXT PRIMARY KEY,
	repo TEXT NOT NULL,
	issue_number INTEGER NOT NULL,
	task_path TEXT NOT NULL DEFAULT '',
	attempt_kind TEXT NOT NULL DEFAULT '',
	started_at TEXT NOT NULL,
	completed_at TEXT,
	outcome TEXT,
	details_json TEXT NOT NULL DEFAULT '{}'
);

CREATE TABLE IF NOT EXISTS ralph_run_sessions (
	run_id TEXT NOT NULL REFERENCES ralph_runs(run_id),
	session_id TEXT NOT NULL,
	first_step TEXT NOT NULL DEFAULT '',
	last_step TEXT NOT NULL DEFAULT '',
	first_agent TEXT NOT NULL DEFAULT '',
	last_agent TEXT NOT NULL DEFAULT '',
	first_used_at TEXT NOT NULL DEFAULT '',
	last_used_at TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (run_id, session_id)
);

CREATE TABLE IF NOT EXISTS ralph_run_session_token_totals (
	run_id TEXT NOT NULL,
	session_id TEXT NOT NULL,
	input_tokens INTEGER NOT NULL DEFAULT 0,
	output_tokens INTEGER NOT NULL DEFAULT 0,
	complete INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (run_id, session_id)
);

CREATE TABLE IF NOT EXISTS ralph_run_gate_results (
	run_id TEXT NOT NULL,
	gate TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'pending',
	detail TEXT NOT NULL DEFAULT '',
	updated_at TEXT NOT NULL DEFAULT (datetime('now')),
	PRIMARY KEY (run_id, gate)
);

CREATE TABLE IF NOT EXISTS ralph_run_gate_artifacts (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id TEXT NOT NULL,
	gate TEXT NOT NULL,
	kind TEXT NOT NULL,
	content TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS ralph_run_metrics (
	run_id TEXT PRIMARY KEY,
	wall_ms INTEGER NOT NULL DEFAULT 0,
	tool_ms INTEGER NOT NULL DEFAULT 0,
	tool_calls INTEGER NOT NULL DEFAULT 0,
	anomalies INTEGER NOT NULL DEFAULT 0,
	recent_burst_at_end INTEGER NOT NULL DEFAULT 0,
	input_tokens INTEGER NOT NULL DEFAULT 0,
	output_tokens INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS ralph_run_step_metrics (
	run_id TEXT NOT NULL,
	step TEXT NOT NULL,
	wall_ms INTEGER NOT NULL DEFAULT 0,
	tool_calls INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (run_id, step)
);

CREATE TABLE IF NOT EXISTS idempotency_keys (
	key TEXT PRIMARY KEY,
	scope TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL DEFAULT (datetime('now')),
	payload_json TEXT
);

CREATE TABLE IF NOT EXISTS repo_github_issue_sync (
	repo TEXT PRIMARY KEY,
	last_sync_at TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS repo_github_done_reconcile_cursor (
	repo TEXT PRIMARY KEY,
	last_merged_at TEXT NOT NULL DEFAULT '',
	last_pr_number INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS repo_github_in_bot_reconcile_cursor (
	repo TEXT PRIMARY KEY,
	bot_branch TEXT NOT NULL DEFAULT '',
	last_merged_at TEXT NOT NULL DEFAULT '',
	last_pr_number INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS in_bot_pending (
	repo TEXT NOT NULL,
	issue_number INTEGER NOT NULL,
	pr_number INTEGER NOT NULL,
	merged_at TEXT NOT NULL DEFAULT '',
	attempted_at TEXT NOT NULL DEFAULT '',
	attempt_error TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (repo, issue_number, pr_number)
);

CREATE TABLE IF NOT EXISTS escalation_comment_check_state (
	repo TEXT NOT NULL,
	issue_number INTEGER NOT NULL,
	last_checked_at TEXT NOT NULL DEFAULT '',
	last_seen_updated_at TEXT NOT NULL DEFAULT '',
	last_resolved_comment_id INTEGER NOT NULL DEFAULT 0,
	last_resolved_comment_at TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (repo, issue_number)
);

CREATE TABLE IF NOT EXISTS repo_label_write_state (
	repo TEXT PRIMARY KEY,
	blocked_until_ms INTEGER NOT NULL DEFAULT 0,
	last_error TEXT NOT NULL DEFAULT ''
);
`

// migrations maps from-version to the statements that bring the database to
// from-version+1. Version 1 is the base schema above.
var migrations = map[int][]string{
	1: {
		`ALTER TABLE tasks ADD COLUMN watchdog_retries INTEGER NOT NULL DEFAULT 0`,
		`ALTER TABLE ralph_run_metrics ADD COLUMN quality TEXT NOT NULL DEFAULT 'ok'`,
	},
	2: {
		`CREATE TABLE IF NOT EXISTS rollup_batches (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			repo TEXT NOT NULL,
			bot_branch TEXT NOT NULL DEFAULT '',
			batch_size INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT 'open',
			rollup_pr_url TEXT,
			rollup_pr_number INTEGER
		)`,
		`CREATE TABLE IF NOT EXISTS rollup_batch_prs (
			batch_id INTEGER NOT NULL REFERENCES rollup_batches(id),
			pr_url TEXT NOT NULL,
			issue_refs_json TEXT NOT NULL DEFAULT '[]',
			merged_at TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (batch_id, pr_url)
		)`,
	},
}

func readSchemaVersion(conn *sql.DB) (int, error) {
	var exists int
	err := conn.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = 'meta'`).Scan(&exists)
	if err != nil {
		return 0, fmt.Errorf("checking meta table: %w", err)
	}
	if exists == 0 {
		return 0, nil
	}
	var v int
	err = conn.QueryRow(`SELECT CAST(value AS INTEGER) FROM meta WHERE key = 'schema_version'`).Scan(&v)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("reading schema version: %w", err)
	}
	return v, nil
}

// migrate brings the database to currentSchema. A fresh database gets the
// base schema and the full migration chain. A database newer than this
// binary is refused.
func (s *Store) migrate() error {
	version, err := readSchemaVersion(s.conn)
	if err != nil {
		return err
	}

	switch EvaluateCapability(version, 0, maxReadableSchema, maxWritableSchema) {
	case CapUnreadableForward:
		return fmt.Errorf("database schema version %d is newer than supported %d", version, maxReadableSchema)
	case CapReadOnlyNewer:
		return fmt.Errorf("database schema version %d is readable but not writable (max %d)", version, maxWritableSchema)
	}

	return s.Tx(func(tx *sql.Tx) error {
		if version == 0 {
			if _, err := tx.Exec(baseSchema); err != nil {
				return fmt.Errorf("creating base schema: %w", err)
			}
			version = 1
		}
		for v := version; v < currentSchema; v++ {
			for _, stmt := range migrations[v] {
				if _, err := tx.Exec(stmt); err != nil {
					return fmt.Errorf("migrating schema %d -> %d: %w", v, v+1, err)
				}
			}
		}
		if _, err := tx.Exec(
			`INSERT INTO meta (key, value) VALUES ('schema_version', ?)
			 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
			fmt.Sprintf("%d", currentSchema),
		); err != nil {
			return fmt.Errorf("recording schema version: %w", err)
		}
		return nil
	})
}

// SchemaVersion returns the open database's schema version.
func (s *Store) SchemaVersion() (int, error) {
	return readSchemaVersion(s.conn)
}
