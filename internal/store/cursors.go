package store

import (
	"database/sql"
	"fmt"
	"time"
)

// MergeCursor is a (lastMergedAt, lastPrNumber) pair. Advances are
// monotonic: an older position never overwrites a newer one.
type MergeCursor struct {
	LastMergedAt time.Time
	LastPrNumber int
}

// After reports whether (mergedAt, prNumber) lies past the cursor.
func (c MergeCursor) After(mergedAt time.Time, prNumber int) bool {
	if mergedAt.After(c.LastMergedAt) {
		return true
	}
	return mergedAt.Equal(c.LastMergedAt) && prNumber > c.LastPrNumber
}

// GetIssueSyncCursor returns the last issue sync time for a repo (zero when
// never synced).
func (s *Store) GetIssueSyncCursor(repo string) (time.Time, error) {
	var at string
	err := s.conn.QueryRow(`SELECT last_sync_at FROM repo_github_issue_sync WHERE repo = ?`, repo).Scan(&at)
	if err == sql.ErrNoRows {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("reading issue sync cursor: %w", err)
	}
	return ParseTime(at), nil
}

// SetIssueSyncCursor advances the issue sync time, never backwards.
func (s *Store) SetIssueSyncCursor(repo string, at time.Time) error {
	_, err := s.conn.Exec(
		`INSERT INTO repo_github_issue_sync (repo, last_sync_at) VALUES (?, ?)
		 ON CONFLICT(repo) DO UPDATE SET last_sync_at = excluded.last_sync_at
		 WHERE excluded.last_sync_at > last_sync_at`,
		repo, FmtTime(at),
	)
	if err != nil {
		return fmt.Errorf("setting issue sync cursor: %w", err)
	}
	return nil
}

// GetDoneCursor returns the done-reconcile cursor for a repo. ok=false when
// the cursor has never been set.
func (s *Store) GetDoneCursor(repo string) (MergeCursor, bool, error) {
	var at string
	var pr int
	err := s.conn.QueryRow(
		`SELECT last_merged_at, last_pr_number FROM repo_github_done_reconcile_cursor WHERE repo = ?`, repo,
	).Scan(&at, &pr)
	if err == sql.ErrNoRows {
		return MergeCursor{}, false, nil
	}
	if err != nil {
		return MergeCursor{}, false, fmt.Errorf("reading done cursor: %w", err)
	}
	return MergeCursor{LastMergedAt: ParseTime(at), LastPrNumber: pr}, true, nil
}

// SetDoneCursor advances the done cursor, never backwards.
func (s *Store) SetDoneCursor(repo string, c MergeCursor) error {
	_, err := s.conn.Exec(
		`INSERT INTO repo_github_done_reconcile_cursor (repo, last_merged_at, last_pr_number)
		 VALUES (?, ?, ?)
		 ON CONFLICT(repo) DO UPDATE SET
		   last_merged_at = excluded.last_merged_at,
		   last_pr_number = excluded.last_pr_number
		 WHERE excluded.last_merged_at > last_merged_at
		    OR (excluded.last_merged_at = last_merged_at AND excluded.last_pr_number > last_pr_number)`,
		repo, FmtTime(c.LastMergedAt), c.LastPrNumber,
	)
	if err != nil {
		return fmt.Errorf("setting done cursor: %w", err)
	}
	return nil
}

// InBotCursor tracks the in-bot reconciler position for a repo's bot branch.
type InBotCursor struct {
	BotBranch string
	MergeCursor
}

// GetInBotCursor returns the in-bot cursor. ok=false when unset.
func (s *Store) GetInBotCursor(repo string) (InBotCursor, bool, error) {
	var branch, at string
	var pr int
	err := s.conn.QueryRow(
		`SELECT bot_branch, last_merged_at, last_pr_number FROM repo_github_in_bot_reconcile_cursor WHERE repo = ?`,
		repo,
	).Scan(&branch, &at, &pr)
	if err == sql.ErrNoRows {
		return InBotCursor{}, false, nil
	}
	if err != nil {
		return InBotCursor{}, false, fmt.Errorf("reading in-bot cursor: %w", err)
	}
	return InBotCursor{
		BotBranch:   branch,
		MergeCursor: MergeCursor{LastMergedAt: ParseTime(at), LastPrNumber: pr},
	}, true, nil
}

// SetInBotCursor writes the in-bot cursor. Monotonicity only holds within a
// bot branch; a branch change resets the position.
func (s *Store) SetInBotCursor(repo string, c InBotCursor) error {
	_, err := s.conn.Exec(
		`INSERT INTO repo_github_in_bot_reconcile_cursor (repo, bot_branch, last_merged_at, last_pr_number)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(repo) DO UPDATE SET
		   bot_branch = excluded.bot_branch,
		   last_merged_at = excluded.last_merged_at,
		   last_pr_number = excluded.last_pr_number
		 WHERE excluded.bot_branch != bot_branch
		    OR excluded.last_merged_at > last_merged_at
		    OR (excluded.last_merged_at = last_merged_at AND excluded.last_pr_number > last_pr_number)`,
		repo, c.BotBranch, FmtTime(c.LastMergedAt), c.LastPrNumber,
	)
	if err != nil {
		return fmt.Errorf("setting in-bot cursor: %w", err)
	}
	return nil
}

// InBotPending is an issue whose in-bot label write failed and is retried
// before new work on the next tick.
type InBotPending struct {
	Repo         string
	IssueNumber  int
	PRNumber     int
	MergedAt     time.Time
	AttemptedAt  time.Time
	AttemptError string
}

// AddInBotPending enqueues a failed label write for retry.
func (s *Store) AddInBotPending(p InBotPending) error {
	_, err := s.conn.Exec(
		`INSERT INTO in_bot_pending (repo, issue_number, pr_number, merged_at, attempted_at, attempt_error)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(repo, issue_number, pr_number) DO UPDATE SET
		   attempted_at = excluded.attempted_at, attempt_error = excluded.attempt_error`,
		p.Repo, p.IssueNumber, p.PRNumber, FmtTime(p.MergedAt), FmtTime(p.AttemptedAt), p.AttemptError,
	)
	if err != nil {
		return fmt.Errorf("adding in-bot pending row: %w", err)
	}
	return nil
}

// ListInBotPending returns pending rows for a repo, oldest merge first.
func (s *Store) ListInBotPending(repo string) ([]InBotPending, error) {
	rows, err := s.conn.Query(
		`SELECT repo, issue_number, pr_number, merged_at, attempted_at, attempt_error
		 FROM in_bot_pending WHERE repo = ? ORDER BY merged_at, pr_number`,
		repo,
	)
	if err != nil {
		return nil, fmt.Errorf("listing in-bot pending rows: %w", err)
	}
	defer rows.Close()

	var pending []InBotPending
	for rows.Next() {
		var p InBotPending
		var merged, attempted string
		if err := rows.Scan(&p.Repo, &p.IssueNumber, &p.PRNumber, &merged, &attempted, &p.AttemptError); err != nil {
			return nil, fmt.Errorf("scanning in-bot pending row: %w", err)
		}
		p.MergedAt = ParseTime(merged)
		p.AttemptedAt = ParseTime(attempted)
		pending = append(pending, p)
	}
	return pending, rows.Err()
}

// DeleteInBotPending removes a resolved pending row.
func (s *Store) DeleteInBotPending(repo string, issueNumber, prNumber int) error {
	_, err := s.conn.Exec(
		`DELETE FROM in_bot_pending WHERE repo = ? AND issue_number = ? AND pr_number = ?`,
		repo, issueNumber, prNumber,
	)
	if err != nil {
		return fmt.Errorf("deleting in-bot pending row: %w", err)
	}
	return nil
}

// ClearInBotPending drops all pending rows for a repo (bot branch change).
func (s *Store) ClearInBotPending(repo string) error {
	_, err := s.conn.Exec(`DELETE FROM in_bot_pending WHERE repo = ?`, repo)
	if err != nil {
		return fmt.Errorf("clearing in-bot pending rows: %w", err)
	}
	return nil
}

// EscalationCheckState throttles escalation comment fetches per issue.
type EscalationCheckState struct {
	Repo                  string
	IssueNumber           int
	LastCheckedAt         time.Time
	LastSeenUpdatedAt     time.Time
	LastResolvedCommentID int64
	LastResolvedCommentAt time.Time
}

// GetEscalationCheckState returns the stored state (zero when absent).
func (s *Store) GetEscalationCheckState(repo string, issueNumber int) (EscalationCheckState, error) {
	var st EscalationCheckState
	var checked, seen, resolvedAt string
	err := s.conn.QueryRow(
		`SELECT last_checked_at, last_seen_updated_at, last_resolved_comment_id, last_resolved_comment_at
		 FROM escalation_comment_check_state WHERE repo = ? AND issue_number = ?`,
		repo, issueNumber,
	).Scan(&checked, &seen, &st.LastResolvedCommentID, &resolvedAt)
	if err == sql.ErrNoRows {
		return EscalationCheckState{Repo: repo, IssueNumber: issueNumber}, nil
	}
	if err != nil {
		return EscalationCheckState{}, fmt.Errorf("reading escalation check state: %w", err)
	}
	st.Repo = repo
	st.IssueNumber = issueNumber
	st.LastCheckedAt = ParseTime(checked)
	st.LastSeenUpdatedAt = ParseTime(seen)
	st.LastResolvedCommentAt = ParseTime(resolvedAt)
	return st, nil
}

// SetEscalationCheckState replaces the stored state.
func (s *Store) SetEscalationCheckState(st EscalationCheckState) error {
	_, err := s.conn.Exec(
		`INSERT INTO escalation_comment_check_state
		 (repo, issue_number, last_checked_at, last_seen_updated_at, last_resolved_comment_id, last_resolved_comment_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(repo, issue_number) DO UPDATE SET
		   last_checked_at = excluded.last_checked_at,
		   last_seen_updated_at = excluded.last_seen_updated_at,
		   last_resolved_comment_id = excluded.last_resolved_comment_id,
		   last_resolved_comment_at = excluded.last_resolved_comment_at`,
		st.Repo, st.IssueNumber, FmtTime(st.LastCheckedAt), FmtTime(st.LastSeenUpdatedAt),
		st.LastResolvedCommentID, FmtTime(st.LastResolvedCommentAt),
	)
	if err != nil {
		return fmt.Errorf("setting escalation check state: %w", err)
	}
	return nil
}

// LabelWriteState is the per-repo label-write circuit breaker.
type LabelWriteState struct {
	BlockedUntilMs int64
	LastError      string
}

// GetLabelWriteState returns the breaker state (zero when absent).
func (s *Store) GetLabelWriteState(repo string) (LabelWriteState, error) {
	var st LabelWriteState
	err := s.conn.QueryRow(
		`SELECT blocked_until_ms, last_error FROM repo_label_write_state WHERE repo = ?`, repo,
	).Scan(&st.BlockedUntilMs, &st.LastError)
	if err == sql.ErrNoRows {
		return LabelWriteState{}, nil
	}
	if err != nil {
		return LabelWriteState{}, fmt.Errorf("reading label write state: %w", err)
	}
	return st, nil
}

// SetLabelWriteState replaces the breaker state.
func (s *Store) SetLabelWriteState(repo string, st LabelWriteState) error {
	_, err := s.conn.Exec(
		`INSERT INTO repo_label_write_state (repo, blocked_until_ms, last_error) VALUES (?, ?, ?)
		 ON CONFLICT(repo) DO UPDATE SET
		   blocked_until_ms = excluded.blocked_until_ms, last_error = excluded.last_error`,
		repo, st.BlockedUntilMs, st.LastError,
	)
	if err != nil {
		return fmt.Errorf("setting label write state: %w", err)
	}
	return nil
}
