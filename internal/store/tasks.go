package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// Task is the logical unit of work keyed by (repo, issue_number).
type Task struct {
	Repo               string
	IssueNumber        int
	TaskPath           string
	Status             string
	SessionID          string
	WorkerID           string
	RepoSlot           int
	DaemonID           string
	HeartbeatAt        time.Time
	WorktreePath       string
	Checkpoint         string
	CheckpointSeq      int
	PauseRequested     bool
	PausedAtCheckpoint string
	BlockedSource      string
	ResumeAt           time.Time
	WatchdogRetries    int
	UpdatedAt          time.Time
}

// TaskPatch updates a subset of task fields. Nil fields are left untouched;
// a pointer to the empty string writes an explicit empty string.
type TaskPatch struct {
	TaskPath           *string
	Status             *string
	SessionID          *string
	WorkerID           *string
	RepoSlot           *int
	DaemonID           *string
	HeartbeatAt        *time.Time
	WorktreePath       *string
	Checkpoint         *string
	CheckpointSeq      *int
	PauseRequested     *bool
	PausedAtCheckpoint *string
	BlockedSource      *string
	ResumeAt           *time.Time
	WatchdogRetries    *int
}

// Str is a convenience for building patches.
func Str(s string) *string { return &s }

// Int is a convenience for building patches.
func Int(n int) *int { return &n }

// Bool is a convenience for building patches.
func Bool(b bool) *bool { return &b }

// Time is a convenience for building patches.
func Time(t time.Time) *time.Time { return &t }

// FmtTime renders a timestamp in the millisecond-precision UTC form used
// throughout the database. Zero times render as the empty string.
func FmtTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format("2006-01-02T15:04:05.000Z")
}

// ParseTime is the inverse of FmtTime; empty or malformed strings yield the
// zero time.
func ParseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// UpsertTask creates the task row if missing and applies the patch.
func (s *Store) UpsertTask(repo string, issueNumber int, patch TaskPatch) error {
	return s.Tx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(
			`INSERT INTO tasks (repo, issue_number) VALUES (?, ?)
			 ON CONFLICT(repo, issue_number) DO NOTHING`,
			repo, issueNumber,
		); err != nil {
			return fmt.Errorf("inserting task row: %w", err)
		}

		sets := []string{"updated_at = ?"}
		args := []any{FmtTime(time.Now())}

		add := func(col string, val any) {
			sets = append(sets, col+" = ?")
			args = append(args, val)
		}
		if patch.TaskPath != nil {
			add("task_path", *patch.TaskPath)
		}
		if patch.Status != nil {
			add("status", *patch.Status)
		}
		if patch.SessionID != nil {
			add("session_id", *patch.SessionID)
		}
		if patch.WorkerID != nil {
			add("worker_id", *patch.WorkerID)
		}
		if patch.RepoSlot != nil {
			add("repo_slot", *patch.RepoSlot)
		}
		if patch.DaemonID != nil {
			add("daemon_id", *patch.DaemonID)
		}
		if patch.HeartbeatAt != nil {
			add("heartbeat_at", FmtTime(*patch.HeartbeatAt))
		}
		if patch.WorktreePath != nil {
			add("worktree_path", *patch.WorktreePath)
		}
		if patch.Checkpoint != nil {
			add("checkpoint", *patch.Checkpoint)
		}
		if patch.CheckpointSeq != nil {
			add("checkpoint_seq", *patch.CheckpointSeq)
		}
		if patch.PauseRequested != nil {
			add("pause_requested", boolToInt(*patch.PauseRequested))
		}
		if patch.PausedAtCheckpoint != nil {
			add("paused_at_checkpoint", *patch.PausedAtCheckpoint)
		}
		if patch.BlockedSource != nil {
			add("blocked_source", *patch.BlockedSource)
		}
		if patch.ResumeAt != nil {
			add("resume_at", FmtTime(*patch.ResumeAt))
		}
		if patch.WatchdogRetries != nil {
			add("watchdog_retries", *patch.WatchdogRetries)
		}

		args = append(args, repo, issueNumber)
		query := "UPDATE tasks SET " + strings.Join(sets, ", ") + " WHERE repo = ? AND issue_number = ?"
		if _, err := tx.Exec(query, args...); err != nil {
			return fmt.Errorf("updating task %s#%d: %w", repo, issueNumber, err)
		}
		return nil
	})
}

// ClearOperational nulls the ownership fields, as when a task reaches done
// or a stale claim is recovered.
func (s *Store) ClearOperational(repo string, issueNumber int) error {
	_, err := s.conn.Exec(
		`UPDATE tasks SET session_id = NULL, worker_id = NULL, repo_slot = NULL,
		 daemon_id = NULL, heartbeat_at = NULL, worktree_path = NULL, updated_at = ?
		 WHERE repo = ? AND issue_number = ?`,
		FmtTime(time.Now()), repo, issueNumber,
	)
	if err != nil {
		return fmt.Errorf("clearing operational fields for %s#%d: %w", repo, issueNumber, err)
	}
	return nil
}

const taskColumns = `repo, issue_number, task_path, status,
	IFNULL(session_id, ''), IFNULL(worker_id, ''), IFNULL(repo_slot, 0),
	IFNULL(daemon_id, ''), IFNULL(heartbeat_at, ''), IFNULL(worktree_path, ''),
	IFNULL(checkpoint, ''), checkpoint_seq, pause_requested,
	IFNULL(paused_at_checkpoint, ''), IFNULL(blocked_source, ''),
	IFNULL(resume_at, ''), watchdog_retries, updated_at`

func scanTask(row interface{ Scan(...any) error }) (Task, error) {
	var t Task
	var heartbeat, resumeAt, updatedAt string
	var pauseRequested int
	err := row.Scan(
		&t.Repo, &t.IssueNumber, &t.TaskPath, &t.Status,
		&t.SessionID, &t.WorkerID, &t.RepoSlot,
		&t.DaemonID, &heartbeat, &t.WorktreePath,
		&t.Checkpoint, &t.CheckpointSeq, &pauseRequested,
		&t.PausedAtCheckpoint, &t.BlockedSource,
		&resumeAt, &t.WatchdogRetries, &updatedAt,
	)
	if err != nil {
		return Task{}, err
	}
	t.HeartbeatAt = ParseTime(heartbeat)
	t.ResumeAt = ParseTime(resumeAt)
	t.UpdatedAt = ParseTime(updatedAt)
	t.PauseRequested = pauseRequested != 0
	return t, nil
}

// GetTask fetches a single task. sql.ErrNoRows when absent.
func (s *Store) GetTask(repo string, issueNumber int) (Task, error) {
	row := s.conn.QueryRow(
		`SELECT `+taskColumns+` FROM tasks WHERE repo = ? AND issue_number = ?`,
		repo, issueNumber,
	)
	t, err := scanTask(row)
	if err != nil {
		return Task{}, fmt.Errorf("getting task %s#%d: %w", repo, issueNumber, err)
	}
	return t, nil
}

// TaskFilter narrows ListTasks.
type TaskFilter struct {
	Repo     string
	Statuses []string
	DaemonID string
}

// ListTasks returns tasks matching the filter, ordered by issue number.
func (s *Store) ListTasks(f TaskFilter) ([]Task, error) {
	var conds []string
	var args []any
	if f.Repo != "" {
		conds = append(conds, "repo = ?")
		args = append(args, f.Repo)
	}
	if len(f.Statuses) > 0 {
		placeholders := strings.Repeat("?,", len(f.Statuses))
		conds = append(conds, "status IN ("+placeholders[:len(placeholders)-1]+")")
		for _, st := range f.Statuses {
			args = append(args, st)
		}
	}
	if f.DaemonID != "" {
		conds = append(conds, "daemon_id = ?")
		args = append(args, f.DaemonID)
	}

	query := `SELECT ` + taskColumns + ` FROM tasks`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY repo, issue_number"

	rows, err := s.conn.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing tasks: %w", err)
	}
	defer rows.Close()

	var tasks []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// StaleTasks returns in-progress tasks whose heartbeat is older than ttl.
// The caller decides eligibility (foreign daemon, dead pid) before recovery.
func (s *Store) StaleTasks(now time.Time, ttl time.Duration) ([]Task, error) {
	cutoff := FmtTime(now.Add(-ttl))
	rows, err := s.conn.Query(
		`SELECT `+taskColumns+` FROM tasks
		 WHERE status = 'in-progress' AND IFNULL(heartbeat_at, '') < ?`,
		cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("listing stale tasks: %w", err)
	}
	defer rows.Close()

	var tasks []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning stale task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// Heartbeat bumps heartbeat_at for every in-progress task owned by daemonID.
// Heartbeats are monotonic: an older timestamp never overwrites a newer one.
func (s *Store) Heartbeat(daemonID string, now time.Time) error {
	_, err := s.conn.Exec(
		`UPDATE tasks SET heartbeat_at = ?
		 WHERE daemon_id = ? AND status = 'in-progress'
		   AND IFNULL(heartbeat_at, '') < ?`,
		FmtTime(now), daemonID, FmtTime(now),
	)
	if err != nil {
		return fmt.Errorf("heartbeating tasks for daemon %s: %w", daemonID, err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
