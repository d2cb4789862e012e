package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// RollupBatch groups bot-branch PRs awaiting a rollup to base.
type RollupBatch struct {
	ID             int64
	Repo           string
	BotBranch      string
	BatchSize      int
	Status         string // open | closed | rolledUp
	RollupPRURL    string
	RollupPRNumber int
}

// RollupBatchPR is one merged bot PR recorded into a batch.
type RollupBatchPR struct {
	BatchID   int64
	PRURL     string
	IssueRefs []string
	MergedAt  time.Time
}

// OpenRollupBatch returns the open batch for (repo, botBranch), creating one
// when none exists.
func (s *Store) OpenRollupBatch(repo, botBranch string) (RollupBatch, error) {
	var b RollupBatch
	var prURL sql.NullString
	var prNumber sql.NullInt64
	err := s.conn.QueryRow(
		`SELECT id, repo, bot_branch, batch_size, status, rollup_pr_url, rollup_pr_number
		 FROM rollup_batches WHERE repo = ? AND bot_branch = ? AND status = 'open'
		 ORDER BY id DESC LIMIT 1`,
		repo, botBranch,
	).Scan(&b.ID, &b.Repo, &b.BotBranch, &b.BatchSize, &b.Status, &prURL, &prNumber)
	if err == nil {
		b.RollupPRURL = prURL.String
		b.RollupPRNumber = int(prNumber.Int64)
		return b, nil
	}
	if err != sql.ErrNoRows {
		return RollupBatch{}, fmt.Errorf("finding open rollup batch: %w", err)
	}

	res, err := s.conn.Exec(
		`INSERT INTO rollup_batches (repo, bot_branch, status) VALUES (?, ?, 'open')`,
		repo, botBranch,
	)
	if err != nil {
		return RollupBatch{}, fmt.Errorf("creating rollup batch: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return RollupBatch{}, fmt.Errorf("reading rollup batch id: %w", err)
	}
	return RollupBatch{ID: id, Repo: repo, BotBranch: botBranch, Status: "open"}, nil
}

// RecordRollupMerge adds a merged bot PR to a batch. Calling it again with
// the same PR URL inserts nothing.
func (s *Store) RecordRollupMerge(batchID int64, prURL string, issueRefs []string, mergedAt time.Time) (inserted bool, err error) {
	refs, err := json.Marshal(issueRefs)
	if err != nil {
		return false, fmt.Errorf("marshaling issue refs: %w", err)
	}
	err = s.Tx(func(tx *sql.Tx) error {
		res, err := tx.Exec(
			`INSERT INTO rollup_batch_prs (batch_id, pr_url, issue_refs_json, merged_at)
			 VALUES (?, ?, ?, ?)
			 ON CONFLICT(batch_id, pr_url) DO NOTHING`,
			batchID, prURL, string(refs), FmtTime(mergedAt),
		)
		if err != nil {
			return fmt.Errorf("recording rollup merge: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("reading rows affected: %w", err)
		}
		inserted = n > 0
		if inserted {
			if _, err := tx.Exec(
				`UPDATE rollup_batches SET batch_size = batch_size + 1 WHERE id = ?`, batchID,
			); err != nil {
				return fmt.Errorf("bumping batch size: %w", err)
			}
		}
		return nil
	})
	return inserted, err
}

// CloseRollupBatch marks a batch closed so no further PRs are recorded.
func (s *Store) CloseRollupBatch(batchID int64) error {
	_, err := s.conn.Exec(`UPDATE rollup_batches SET status = 'closed' WHERE id = ? AND status = 'open'`, batchID)
	if err != nil {
		return fmt.Errorf("closing rollup batch: %w", err)
	}
	return nil
}

// MarkRollupBatchRolledUp records the rollup PR that carried the batch to base.
func (s *Store) MarkRollupBatchRolledUp(batchID int64, rollupPRURL string, rollupPRNumber int) error {
	_, err := s.conn.Exec(
		`UPDATE rollup_batches SET status = 'rolledUp', rollup_pr_url = ?, rollup_pr_number = ? WHERE id = ?`,
		rollupPRURL, rollupPRNumber, batchID,
	)
	if err != nil {
		return fmt.Errorf("marking rollup batch rolled up: %w", err)
	}
	return nil
}

// ListRollupBatchPRs returns the PRs recorded into a batch, merge order.
func (s *Store) ListRollupBatchPRs(batchID int64) ([]RollupBatchPR, error) {
	rows, err := s.conn.Query(
		`SELECT batch_id, pr_url, issue_refs_json, merged_at
		 FROM rollup_batch_prs WHERE batch_id = ? ORDER BY merged_at, pr_url`,
		batchID,
	)
	if err != nil {
		return nil, fmt.Errorf("listing rollup batch PRs: %w", err)
	}
	defer rows.Close()

	var prs []RollupBatchPR
	for rows.Next() {
		var p RollupBatchPR
		var refs, merged string
		if err := rows.Scan(&p.BatchID, &p.PRURL, &refs, &merged); err != nil {
			return nil, fmt.Errorf("scanning rollup batch PR: %w", err)
		}
		if err := json.Unmarshal([]byte(refs), &p.IssueRefs); err != nil {
			return nil, fmt.Errorf("parsing issue refs: %w", err)
		}
		p.MergedAt = ParseTime(merged)
		prs = append(prs, p)
	}
	return prs, rows.Err()
}
