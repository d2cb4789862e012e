package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// IssueSnapshot caches the fields of a GitHub issue the daemon cares about,
// refreshed on fetch and on label-mutation success.
type IssueSnapshot struct {
	Repo            string
	IssueNumber     int
	Title           string
	State           string
	URL             string
	GithubNodeID    string
	GithubUpdatedAt time.Time
	Labels          []string
}

// PRSnapshot records a pull request observed for an issue. Multiple PRs may
// point to one issue.
type PRSnapshot struct {
	Repo      string
	IssueRef  string
	PRURL     string
	State     string
	UpdatedAt time.Time
}

// UpsertIssueSnapshot replaces the cached issue row.
func (s *Store) UpsertIssueSnapshot(snap IssueSnapshot) error {
	labels, err := json.Marshal(snap.Labels)
	if err != nil {
		return fmt.Errorf("marshaling labels: %w", err)
	}
	_, err = s.conn.Exec(
		`INSERT INTO issue_snapshots
		 (repo, issue_number, title, state, url, github_node_id, github_updated_at, labels_json)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(repo, issue_number) DO UPDATE SET
		   title = excluded.title, state = excluded.state, url = excluded.url,
		   github_node_id = excluded.github_node_id,
		   github_updated_at = excluded.github_updated_at,
		   labels_json = excluded.labels_json`,
		snap.Repo, snap.IssueNumber, snap.Title, snap.State, snap.URL,
		snap.GithubNodeID, FmtTime(snap.GithubUpdatedAt), string(labels),
	)
	if err != nil {
		return fmt.Errorf("upserting issue snapshot %s#%d: %w", snap.Repo, snap.IssueNumber, err)
	}
	return nil
}

// GetIssueSnapshot fetches the cached issue. sql.ErrNoRows when absent.
func (s *Store) GetIssueSnapshot(repo string, issueNumber int) (IssueSnapshot, error) {
	row := s.conn.QueryRow(
		`SELECT repo, issue_number, title, state, url, github_node_id, github_updated_at, labels_json
		 FROM issue_snapshots WHERE repo = ? AND issue_number = ?`,
		repo, issueNumber,
	)
	var snap IssueSnapshot
	var updatedAt, labelsJSON string
	err := row.Scan(&snap.Repo, &snap.IssueNumber, &snap.Title, &snap.State,
		&snap.URL, &snap.GithubNodeID, &updatedAt, &labelsJSON)
	if err != nil {
		return IssueSnapshot{}, fmt.Errorf("getting issue snapshot %s#%d: %w", repo, issueNumber, err)
	}
	snap.GithubUpdatedAt = ParseTime(updatedAt)
	if err := json.Unmarshal([]byte(labelsJSON), &snap.Labels); err != nil {
		return IssueSnapshot{}, fmt.Errorf("parsing labels for %s#%d: %w", repo, issueNumber, err)
	}
	return snap, nil
}

// UpdateIssueLabels replaces only the cached label set after a successful
// label mutation.
func (s *Store) UpdateIssueLabels(repo string, issueNumber int, labels []string) error {
	data, err := json.Marshal(labels)
	if err != nil {
		return fmt.Errorf("marshaling labels: %w", err)
	}
	res, err := s.conn.Exec(
		`UPDATE issue_snapshots SET labels_json = ? WHERE repo = ? AND issue_number = ?`,
		string(data), repo, issueNumber,
	)
	if err != nil {
		return fmt.Errorf("updating labels for %s#%d: %w", repo, issueNumber, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// ListIssueSnapshots returns all cached issues for a repo.
func (s *Store) ListIssueSnapshots(repo string) ([]IssueSnapshot, error) {
	rows, err := s.conn.Query(
		`SELECT repo, issue_number, title, state, url, github_node_id, github_updated_at, labels_json
		 FROM issue_snapshots WHERE repo = ? ORDER BY issue_number`,
		repo,
	)
	if err != nil {
		return nil, fmt.Errorf("listing issue snapshots: %w", err)
	}
	defer rows.Close()

	var snaps []IssueSnapshot
	for rows.Next() {
		var snap IssueSnapshot
		var updatedAt, labelsJSON string
		if err := rows.Scan(&snap.Repo, &snap.IssueNumber, &snap.Title, &snap.State,
			&snap.URL, &snap.GithubNodeID, &updatedAt, &labelsJSON); err != nil {
			return nil, fmt.Errorf("scanning issue snapshot: %w", err)
		}
		snap.GithubUpdatedAt = ParseTime(updatedAt)
		if err := json.Unmarshal([]byte(labelsJSON), &snap.Labels); err != nil {
			return nil, fmt.Errorf("parsing labels: %w", err)
		}
		snaps = append(snaps, snap)
	}
	return snaps, rows.Err()
}

// UpsertPRSnapshot records or refreshes an observed PR.
func (s *Store) UpsertPRSnapshot(snap PRSnapshot) error {
	_, err := s.conn.Exec(
		`INSERT INTO pr_snapshots (repo, issue_ref, pr_url, state, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(repo, issue_ref, pr_url) DO UPDATE SET
		   state = excluded.state, updated_at = excluded.updated_at`,
		snap.Repo, snap.IssueRef, snap.PRURL, snap.State, FmtTime(snap.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("upserting PR snapshot %s %s: %w", snap.Repo, snap.PRURL, err)
	}
	return nil
}

// ListPRSnapshots returns the PRs observed for an issue ref.
func (s *Store) ListPRSnapshots(repo, issueRef string) ([]PRSnapshot, error) {
	rows, err := s.conn.Query(
		`SELECT repo, issue_ref, pr_url, state, updated_at
		 FROM pr_snapshots WHERE repo = ? AND issue_ref = ? ORDER BY pr_url`,
		repo, issueRef,
	)
	if err != nil {
		return nil, fmt.Errorf("listing PR snapshots: %w", err)
	}
	defer rows.Close()

	var snaps []PRSnapshot
	for rows.Next() {
		var snap PRSnapshot
		var updatedAt string
		if err := rows.Scan(&snap.Repo, &snap.IssueRef, &snap.PRURL, &snap.State, &updatedAt); err != nil {
			return nil, fmt.Errorf("scanning PR snapshot: %w", err)
		}
		snap.UpdatedAt = ParseTime(updatedAt)
		snaps = append(snaps, snap)
	}
	return snaps, rows.Err()
}
