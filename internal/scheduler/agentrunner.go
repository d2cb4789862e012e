package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/uesteibar/ralphd/internal/agent"
	"github.com/uesteibar/ralphd/internal/config"
	"github.com/uesteibar/ralphd/internal/runmetrics"
	"github.com/uesteibar/ralphd/internal/store"
)

// Agents signal context exhaustion by printing this marker.
const contextExhaustedMarker = "RALPH_CONTEXT_EXHAUSTED"

// AgentRunner is the production StageRunner: it invokes the external agent
// for each stage and records the run, its sessions, and its metrics.
type AgentRunner struct {
	invoker     *agent.Invoker
	store       *store.Store
	sessionsDir string
	logger      *slog.Logger
	now         func() time.Time
}

// NewAgentRunner builds an AgentRunner.
func NewAgentRunner(invoker *agent.Invoker, st *store.Store, sessionsDir string, logger *slog.Logger) *AgentRunner {
	if logger == nil {
		logger = slog.Default()
	}
	return &AgentRunner{
		invoker:     invoker,
		store:       st,
		sessionsDir: sessionsDir,
		logger:      logger,
		now:         time.Now,
	}
}

// RunStage invokes the agent once for a stage. Guardrail kills come back in
// the StageResult; agent failures come back as errors so the worker can
// classify them.
func (r *AgentRunner) RunStage(ctx context.Context, task store.Task, stage Stage, stepKey string) (StageResult, error) {
	sessionID := task.SessionID
	if sessionID == "" {
		sessionID = "s-" + uuid.NewString()
	}
	runID := "run-" + uuid.NewString()
	startedAt := r.now()

	if err := r.store.CreateRun(store.Run{
		RunID:       runID,
		Repo:        task.Repo,
		IssueNumber: task.IssueNumber,
		TaskPath:    task.TaskPath,
		AttemptKind: stage.Name,
		StartedAt:   startedAt,
	}); err != nil {
		return StageResult{}, fmt.Errorf("creating run: %w", err)
	}
	if err := r.store.EnsureGateRows(runID); err != nil {
		r.logger.Warn("ensuring gate rows", "run", runID, "error", err)
	}
	if err := r.store.RecordSessionUse(runID, sessionID, stage.Name, "", startedAt); err != nil {
		r.logger.Warn("recording session use", "run", runID, "error", err)
	}

	res, err := r.invoker.Invoke(ctx, agent.Invocation{
		SessionID: sessionID,
		StepKey:   stepKey,
		Prompt:    stagePrompt(task, stage),
		Dir:       task.WorktreePath,
	})
	if err != nil {
		r.completeRun(runID, "error", "")
		return StageResult{}, fmt.Errorf("invoking agent for %s: %w", stage.Name, err)
	}

	out := StageResult{
		RunID:            runID,
		SessionID:        sessionID,
		Output:           res.Output,
		GuardrailTimeout: res.GuardrailTimeout,
		ContextExhausted: strings.Contains(res.Output, contextExhaustedMarker),
	}
	gates, pr := ParseStageOutput(res.Output)
	out.PR = pr
	r.recordGates(runID, gates)
	switch {
	case res.GuardrailTimeout != nil:
		detail := fmt.Sprintf(`{"guardrailTimeout":{"kind":%q,"reason":%q}}`,
			res.GuardrailTimeout.Kind, res.GuardrailTimeout.Reason)
		r.completeRun(runID, "failed", detail)
		r.recordMetrics(runID, sessionID, runmetrics.SessionFlags{TimedOut: true})
	case res.Success:
		r.completeRun(runID, "success", "")
		r.recordMetrics(runID, sessionID, runmetrics.SessionFlags{})
	default:
		r.completeRun(runID, "failed", "")
		r.recordMetrics(runID, sessionID, runmetrics.SessionFlags{Error: true})
		return out, fmt.Errorf("agent exited with code %d: %s", res.ExitCode, firstLine(res.Stderr))
	}
	return out, nil
}

// Compact asks the agent to compact its session context before a retry.
func (r *AgentRunner) Compact(ctx context.Context, sessionID string) error {
	res, err := r.invoker.Invoke(ctx, agent.Invocation{
		SessionID: sessionID,
		StepKey:   "compact:" + sessionID,
		Prompt:    "Compact your session context. Keep the plan file path and the current git status; drop everything else.",
	})
	if err != nil {
		return fmt.Errorf("compacting session %s: %w", sessionID, err)
	}
	if !res.Success {
		return fmt.Errorf("compacting session %s: agent exited with code %d", sessionID, res.ExitCode)
	}
	return nil
}

// recordGates persists the gate outcomes the agent reported. Failure
// excerpts go through the artifact store, which redacts secrets and clips
// long output.
func (r *AgentRunner) recordGates(runID string, reports []GateReport) {
	for _, g := range reports {
		patch := store.GateResultPatch{Status: store.Str(g.Status)}
		if g.Detail != "" {
			patch.Detail = store.Str(g.Detail)
		}
		if err := r.store.UpsertGateResult(runID, g.Gate, patch); err != nil {
			r.logger.Warn("recording gate result", "run", runID, "gate", g.Gate, "error", err)
			continue
		}
		if g.Status == "fail" && g.Excerpt != "" {
			if err := r.store.AddGateArtifact(runID, g.Gate, "failure-excerpt", g.Excerpt,
				config.GateArtifactCap, config.GateArtifactMaxLines); err != nil {
				r.logger.Warn("storing gate artifact", "run", runID, "gate", g.Gate, "error", err)
			}
		}
	}
}

func (r *AgentRunner) completeRun(runID, outcome, detailJSON string) {
	if err := r.store.CompleteRun(runID, outcome, r.now(), detailJSON); err != nil {
		r.logger.Warn("completing run", "run", runID, "outcome", outcome, "error", err)
	}
}

// recordMetrics parses the session event stream and persists the aggregated
// run metrics. Metrics are advisory: failures log and move on.
func (r *AgentRunner) recordMetrics(runID, sessionID string, flags runmetrics.SessionFlags) {
	parsed, missing, err := runmetrics.ReadSessionEvents(r.sessionsDir, sessionID)
	if err != nil {
		r.logger.Warn("reading session events", "session", sessionID, "error", err)
		return
	}
	flags.Missing = flags.Missing || missing

	tokens, err := r.store.SessionTokenTotals(runID, sessionID)
	if err != nil {
		flags.TokensMissing = true
	}

	session := runmetrics.ComputeSession(sessionID, parsed, flags)
	metrics, steps := runmetrics.AggregateRun(runID, []runmetrics.SessionMetrics{session}, []store.TokenTotals{tokens})
	if flags.TokensMissing {
		metrics, steps = runmetrics.AggregateRun(runID, []runmetrics.SessionMetrics{session}, nil)
	}
	if err := r.store.SaveRunMetrics(metrics, steps); err != nil {
		r.logger.Warn("saving run metrics", "run", runID, "error", err)
	}
}

func stagePrompt(task store.Task, stage Stage) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Stage: %s\nRepository: %s\nIssue: #%d\n", stage.Name, task.Repo, task.IssueNumber)
	if task.TaskPath != "" {
		fmt.Fprintf(&b, "Plan file: %s\n", task.TaskPath)
	}
	if task.Checkpoint != "" {
		fmt.Fprintf(&b, "Resuming after checkpoint: %s\n", task.Checkpoint)
	}
	return b.String()
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
