package store

import (
	"database/sql"
	"fmt"
	"time"
)

// Run is one agent invocation.
type Run struct {
	RunID       string
	Repo        string
	IssueNumber int
	TaskPath    string
	AttemptKind string
	StartedAt   time.Time
	CompletedAt time.Time
	Outcome     string
	DetailsJSON string
}

// SessionUse records that a run used a session, keeping the first and last
// step/agent seen.
type SessionUse struct {
	RunID       string
	SessionID   string
	FirstStep   string
	LastStep    string
	FirstAgent  string
	LastAgent   string
	FirstUsedAt time.Time
	LastUsedAt  time.Time
}

// TokenTotals is the per-session token accounting for a run.
type TokenTotals struct {
	InputTokens  int
	OutputTokens int
	Complete     bool
}

// RunMetrics is the aggregated per-run view computed from session metrics.
type RunMetrics struct {
	RunID            string
	WallMs           int64
	ToolMs           int64
	ToolCalls        int
	Anomalies        int
	RecentBurstAtEnd bool
	InputTokens      int
	OutputTokens     int
	Quality          string
}

// StepMetrics is the per-step slice of a run's wall time and tool calls.
type StepMetrics struct {
	Step      string
	WallMs    int64
	ToolCalls int
}

// CreateRun inserts a run row and returns nothing; the caller supplies the
// run ID so retries stay idempotent.
func (s *Store) CreateRun(r Run) error {
	_, err := s.conn.Exec(
		`INSERT INTO ralph_runs (run_id, repo, issue_number, task_path, attempt_kind, started_at, details_json)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.RunID, r.Repo, r.IssueNumber, r.TaskPath, r.AttemptKind, FmtTime(r.StartedAt), orJSON(r.DetailsJSON),
	)
	if err != nil {
		return fmt.Errorf("creating run %s: %w", r.RunID, err)
	}
	return nil
}

// CompleteRun records the outcome of a run.
func (s *Store) CompleteRun(runID, outcome string, completedAt time.Time, detailsJSON string) error {
	_, err := s.conn.Exec(
		`UPDATE ralph_runs SET outcome = ?, completed_at = ?, details_json = ? WHERE run_id = ?`,
		outcome, FmtTime(completedAt), orJSON(detailsJSON), runID,
	)
	if err != nil {
		return fmt.Errorf("completing run %s: %w", runID, err)
	}
	return nil
}

// GetRun fetches a run by ID.
func (s *Store) GetRun(runID string) (Run, error) {
	row := s.conn.QueryRow(
		`SELECT run_id, repo, issue_number, task_path, attempt_kind, started_at,
		 IFNULL(completed_at, ''), IFNULL(outcome, ''), details_json
		 FROM ralph_runs WHERE run_id = ?`, runID,
	)
	var r Run
	var started, completed string
	err := row.Scan(&r.RunID, &r.Repo, &r.IssueNumber, &r.TaskPath, &r.AttemptKind,
		&started, &completed, &r.Outcome, &r.DetailsJSON)
	if err != nil {
		return Run{}, fmt.Errorf("getting run %s: %w", runID, err)
	}
	r.StartedAt = ParseTime(started)
	r.CompletedAt = ParseTime(completed)
	return r, nil
}

// RecordSessionUse registers a session for a run. Sessions are deduplicated
// per run: the first call fixes first_step/first_agent, later calls only
// advance the last_* fields.
func (s *Store) RecordSessionUse(runID, sessionID, stepTitle, agent string, at time.Time) error {
	_, err := s.conn.Exec(
		`INSERT INTO ralph_run_sessions
		 (run_id, session_id, first_step, last_step, first_agent, last_agent, first_used_at, last_used_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(run_id, session_id) DO UPDATE SET
		   last_step = CASE WHEN excluded.last_step != '' THEN excluded.last_step ELSE last_step END,
		   last_agent = CASE WHEN excluded.last_agent != '' THEN excluded.last_agent ELSE last_agent END,
		   last_used_at = excluded.last_used_at`,
		runID, sessionID, stepTitle, stepTitle, agent, agent, FmtTime(at), FmtTime(at),
	)
	if err != nil {
		return fmt.Errorf("recording session use %s/%s: %w", runID, sessionID, err)
	}
	return nil
}

// ListSessionUses returns the sessions a run used, in first-use order.
func (s *Store) ListSessionUses(runID string) ([]SessionUse, error) {
	rows, err := s.conn.Query(
		`SELECT run_id, session_id, first_step, last_step, first_agent, last_agent, first_used_at, last_used_at
		 FROM ralph_run_sessions WHERE run_id = ? ORDER BY first_used_at, session_id`, runID,
	)
	if err != nil {
		return nil, fmt.Errorf("listing sessions for run %s: %w", runID, err)
	}
	defer rows.Close()

	var uses []SessionUse
	for rows.Next() {
		var u SessionUse
		var first, last string
		if err := rows.Scan(&u.RunID, &u.SessionID, &u.FirstStep, &u.LastStep,
			&u.FirstAgent, &u.LastAgent, &first, &last); err != nil {
			return nil, fmt.Errorf("scanning session use: %w", err)
		}
		u.FirstUsedAt = ParseTime(first)
		u.LastUsedAt = ParseTime(last)
		uses = append(uses, u)
	}
	return uses, rows.Err()
}

// UpsertSessionTokenTotals persists token accounting for one session of a run.
func (s *Store) UpsertSessionTokenTotals(runID, sessionID string, totals TokenTotals) error {
	_, err := s.conn.Exec(
		`INSERT INTO ralph_run_session_token_totals (run_id, session_id, input_tokens, output_tokens, complete)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(run_id, session_id) DO UPDATE SET
		   input_tokens = excluded.input_tokens,
		   output_tokens = excluded.output_tokens,
		   complete = excluded.complete`,
		runID, sessionID, totals.InputTokens, totals.OutputTokens, boolToInt(totals.Complete),
	)
	if err != nil {
		return fmt.Errorf("upserting token totals %s/%s: %w", runID, sessionID, err)
	}
	return nil
}

// SessionTokenTotals reads the token accounting for one session of a run.
func (s *Store) SessionTokenTotals(runID, sessionID string) (TokenTotals, error) {
	row := s.conn.QueryRow(
		`SELECT input_tokens, output_tokens, complete
		 FROM ralph_run_session_token_totals WHERE run_id = ? AND session_id = ?`,
		runID, sessionID,
	)
	var t TokenTotals
	var complete int
	if err := row.Scan(&t.InputTokens, &t.OutputTokens, &complete); err != nil {
		if err == sql.ErrNoRows {
			return TokenTotals{}, err
		}
		return TokenTotals{}, fmt.Errorf("reading token totals %s/%s: %w", runID, sessionID, err)
	}
	t.Complete = complete != 0
	return t, nil
}

// SaveRunMetrics replaces the computed run metrics and step metrics.
func (s *Store) SaveRunMetrics(m RunMetrics, steps []StepMetrics) error {
	return s.Tx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(
			`INSERT INTO ralph_run_metrics
			 (run_id, wall_ms, tool_ms, tool_calls, anomalies, recent_burst_at_end, input_tokens, output_tokens, quality)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(run_id) DO UPDATE SET
			   wall_ms = excluded.wall_ms, tool_ms = excluded.tool_ms,
			   tool_calls = excluded.tool_calls, anomalies = excluded.anomalies,
			   recent_burst_at_end = excluded.recent_burst_at_end,
			   input_tokens = excluded.input_tokens, output_tokens = excluded.output_tokens,
			   quality = excluded.quality`,
			m.RunID, m.WallMs, m.ToolMs, m.ToolCalls, m.Anomalies,
			boolToInt(m.RecentBurstAtEnd), m.InputTokens, m.OutputTokens, m.Quality,
		); err != nil {
			return fmt.Errorf("saving run metrics %s: %w", m.RunID, err)
		}
		if _, err := tx.Exec(`DELETE FROM ralph_run_step_metrics WHERE run_id = ?`, m.RunID); err != nil {
			return fmt.Errorf("clearing step metrics %s: %w", m.RunID, err)
		}
		for _, st := range steps {
			if _, err := tx.Exec(
				`INSERT INTO ralph_run_step_metrics (run_id, step, wall_ms, tool_calls) VALUES (?, ?, ?, ?)`,
				m.RunID, st.Step, st.WallMs, st.ToolCalls,
			); err != nil {
				return fmt.Errorf("saving step metrics %s/%s: %w", m.RunID, st.Step, err)
			}
		}
		return nil
	})
}

// GetRunMetrics reads back the computed metrics for a run.
func (s *Store) GetRunMetrics(runID string) (RunMetrics, []StepMetrics, error) {
	row := s.conn.QueryRow(
		`SELECT run_id, wall_ms, tool_ms, tool_calls, anomalies, recent_burst_at_end,
		 input_tokens, output_tokens, quality
		 FROM ralph_run_metrics WHERE run_id = ?`, runID,
	)
	var m RunMetrics
	var burst int
	if err := row.Scan(&m.RunID, &m.WallMs, &m.ToolMs, &m.ToolCalls, &m.Anomalies,
		&burst, &m.InputTokens, &m.OutputTokens, &m.Quality); err != nil {
		return RunMetrics{}, nil, fmt.Errorf("getting run metrics %s: %w", runID, err)
	}
	m.RecentBurstAtEnd = burst != 0

	rows, err := s.conn.Query(
		`SELECT step, wall_ms, tool_calls FROM ralph_run_step_metrics WHERE run_id = ? ORDER BY step`, runID,
	)
	if err != nil {
		return RunMetrics{}, nil, fmt.Errorf("listing step metrics %s: %w", runID, err)
	}
	defer rows.Close()

	var steps []StepMetrics
	for rows.Next() {
		var st StepMetrics
		if err := rows.Scan(&st.Step, &st.WallMs, &st.ToolCalls); err != nil {
			return RunMetrics{}, nil, fmt.Errorf("scanning step metrics: %w", err)
		}
		steps = append(steps, st)
	}
	return m, steps, rows.Err()
}

func orJSON(s string) string {
	if s == "" {
		return "{}"
	}
	return s
}
