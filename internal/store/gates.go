package store

import (
	"database/sql"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Gates is the fixed set of gates attached to every run.
var Gates = []string{"ci", "midpoint", "checks", "review"}

// GateResult is one gate's state for a run.
type GateResult struct {
	RunID     string
	Gate      string
	Status    string // pending | pass | fail
	Detail    string
	UpdatedAt time.Time
}

// GateResultPatch updates only the provided fields; nil fields are never
// clobbered to zero values.
type GateResultPatch struct {
	Status *string
	Detail *string
}

// EnsureGateRows creates one pending row per gate for a run.
func (s *Store) EnsureGateRows(runID string) error {
	return s.Tx(func(tx *sql.Tx) error {
		for _, gate := range Gates {
			if _, err := tx.Exec(
				`INSERT INTO ralph_run_gate_results (run_id, gate, updated_at) VALUES (?, ?, ?)
				 ON CONFLICT(run_id, gate) DO NOTHING`,
				runID, gate, FmtTime(time.Now()),
			); err != nil {
				return fmt.Errorf("ensuring gate row %s/%s: %w", runID, gate, err)
			}
		}
		return nil
	})
}

// UpsertGateResult applies a partial update to one gate of a run.
func (s *Store) UpsertGateResult(runID, gate string, patch GateResultPatch) error {
	if err := s.EnsureGateRows(runID); err != nil {
		return err
	}
	sets := []string{"updated_at = ?"}
	args := []any{FmtTime(time.Now())}
	if patch.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, *patch.Status)
	}
	if patch.Detail != nil {
		sets = append(sets, "detail = ?")
		args = append(args, *patch.Detail)
	}
	args = append(args, runID, gate)
	_, err := s.conn.Exec(
		`UPDATE ralph_run_gate_results SET `+strings.Join(sets, ", ")+` WHERE run_id = ? AND gate = ?`,
		args...,
	)
	if err != nil {
		return fmt.Errorf("upserting gate result %s/%s: %w", runID, gate, err)
	}
	return nil
}

// LatestGateResultsForIssue returns, per gate, the most recently updated row
// across all runs of the issue, tie-broken by highest run ID.
func (s *Store) LatestGateResultsForIssue(repo string, issueNumber int) (map[string]GateResult, error) {
	rows, err := s.conn.Query(
		`SELECT g.run_id, g.gate, g.status, g.detail, g.updated_at
		 FROM ralph_run_gate_results g
		 JOIN ralph_runs r ON r.run_id = g.run_id
		 WHERE r.repo = ? AND r.issue_number = ?
		 ORDER BY g.updated_at, g.run_id`,
		repo, issueNumber,
	)
	if err != nil {
		return nil, fmt.Errorf("listing gate results for %s#%d: %w", repo, issueNumber, err)
	}
	defer rows.Close()

	// Later rows overwrite earlier ones; the ORDER BY makes the newest
	// (and for ties, highest run_id) win.
	latest := make(map[string]GateResult)
	for rows.Next() {
		var g GateResult
		var updated string
		if err := rows.Scan(&g.RunID, &g.Gate, &g.Status, &g.Detail, &updated); err != nil {
			return nil, fmt.Errorf("scanning gate result: %w", err)
		}
		g.UpdatedAt = ParseTime(updated)
		latest[g.Gate] = g
	}
	return latest, rows.Err()
}

var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`ghp_[A-Za-z0-9]{20,}`),
	regexp.MustCompile(`ghs_[A-Za-z0-9]{20,}`),
	regexp.MustCompile(`github_pat_[A-Za-z0-9_]{20,}`),
	regexp.MustCompile(`-----BEGIN [A-Z ]*PRIVATE KEY-----[\s\S]*?-----END [A-Z ]*PRIVATE KEY-----`),
}

// Redact replaces known secret shapes in content.
func Redact(content string) string {
	for _, re := range secretPatterns {
		content = re.ReplaceAllString(content, "[redacted]")
	}
	return content
}

// ClipLines truncates content to at most max lines.
func ClipLines(content string, max int) string {
	lines := strings.Split(content, "\n")
	if len(lines) <= max {
		return content
	}
	return strings.Join(lines[:max], "\n")
}

// AddGateArtifact stores a failure excerpt for a gate. Content is redacted
// and clipped, and only the newest artifactCap rows per (run, gate, kind)
// are retained.
func (s *Store) AddGateArtifact(runID, gate, kind, content string, keep, maxLines int) error {
	content = ClipLines(Redact(content), maxLines)
	return s.Tx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(
			`INSERT INTO ralph_run_gate_artifacts (run_id, gate, kind, content, created_at)
			 VALUES (?, ?, ?, ?, ?)`,
			runID, gate, kind, content, FmtTime(time.Now()),
		); err != nil {
			return fmt.Errorf("inserting gate artifact %s/%s: %w", runID, gate, err)
		}
		if _, err := tx.Exec(
			`DELETE FROM ralph_run_gate_artifacts
			 WHERE run_id = ? AND gate = ? AND kind = ?
			   AND id NOT IN (
			     SELECT id FROM ralph_run_gate_artifacts
			     WHERE run_id = ? AND gate = ? AND kind = ?
			     ORDER BY id DESC LIMIT ?
			   )`,
			runID, gate, kind, runID, gate, kind, keep,
		); err != nil {
			return fmt.Errorf("capping gate artifacts %s/%s: %w", runID, gate, err)
		}
		return nil
	})
}

// GateArtifact is one stored failure excerpt.
type GateArtifact struct {
	ID        int64
	RunID     string
	Gate      string
	Kind      string
	Content   string
	CreatedAt time.Time
}

// ListGateArtifacts returns artifacts for (run, gate, kind), oldest first.
func (s *Store) ListGateArtifacts(runID, gate, kind string) ([]GateArtifact, error) {
	rows, err := s.conn.Query(
		`SELECT id, run_id, gate, kind, content, created_at
		 FROM ralph_run_gate_artifacts
		 WHERE run_id = ? AND gate = ? AND kind = ? ORDER BY id`,
		runID, gate, kind,
	)
	if err != nil {
		return nil, fmt.Errorf("listing gate artifacts %s/%s: %w", runID, gate, err)
	}
	defer rows.Close()

	var arts []GateArtifact
	for rows.Next() {
		var a GateArtifact
		var created string
		if err := rows.Scan(&a.ID, &a.RunID, &a.Gate, &a.Kind, &a.Content, &created); err != nil {
			return nil, fmt.Errorf("scanning gate artifact: %w", err)
		}
		a.CreatedAt = ParseTime(created)
		arts = append(arts, a)
	}
	return arts, rows.Err()
}
