package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/uesteibar/ralphd/internal/config"
	"github.com/uesteibar/ralphd/internal/daemon"
	"github.com/uesteibar/ralphd/internal/github"
	"github.com/uesteibar/ralphd/internal/queue"
	"github.com/uesteibar/ralphd/internal/retry"
	"github.com/uesteibar/ralphd/internal/store"
)

// IssueAPI is the GitHub slice the worker needs for snapshot refresh.
type IssueAPI interface {
	ListIssuesUpdatedSince(ctx context.Context, owner, repo string, since time.Time) ([]github.Issue, error)
}

// TaskDriver mutates status labels and task rows; implemented by
// queue.Driver.
type TaskDriver interface {
	Claim(ctx context.Context, owner, repo string, issue github.Issue, daemonID, workerID string, repoSlot int) (bool, error)
	SetStatus(ctx context.Context, owner, repo string, issue github.Issue, target string, patch store.TaskPatch) error
	Heal(ctx context.Context, owner, repo string, issue github.Issue, desiredHint string, dependencyBlocked bool) error
	EnsureWorkflowLabels(ctx context.Context, owner, repo string) error
}

// StageRunner invokes the external agent for one pipeline stage. The real
// implementation wraps agent.Invoker; tests inject a mock.
type StageRunner interface {
	RunStage(ctx context.Context, task store.Task, stage Stage, stepKey string) (StageResult, error)
	Compact(ctx context.Context, sessionID string) error
}

// ChecksAPI fetches check runs for a git ref.
type ChecksAPI interface {
	FetchCheckRuns(ctx context.Context, owner, repo, ref string) ([]github.CheckRun, error)
}

// ControlFn reads the current daemon control state.
type ControlFn func() (daemon.Control, error)

// Tasks that fail a guardrail with throttling symptoms resume after this.
const throttleFallback = 5 * time.Minute

// WorkerConfig wires one repo worker.
type WorkerConfig struct {
	Repo     config.RepoConfig
	DaemonID string
	WorkerID string
	Store    *store.Store
	Driver   TaskDriver
	Issues   IssueAPI
	Runner   StageRunner
	Control  ControlFn
	Checks   ChecksAPI
	Pipeline []Stage
	Logger   *slog.Logger

	// OnEvent is called for checkpoint and lifecycle events so the caller
	// can broadcast them without this package importing the server.
	OnEvent func(kind string, detail map[string]any)
}

// Worker drives one repository: refreshes issue snapshots, claims eligible
// tasks into its slots, and runs each claimed task through the pipeline.
type Worker struct {
	repo     config.RepoConfig
	daemonID string
	workerID string
	store    *store.Store
	driver   TaskDriver
	issues   IssueAPI
	runner   StageRunner
	control  ControlFn
	checks   ChecksAPI
	pipeline []Stage
	logger   *slog.Logger
	onEvent  func(kind string, detail map[string]any)

	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error
	jitter func(max time.Duration) time.Duration

	maxAttempts int

	mu     sync.Mutex
	active map[int]context.CancelFunc // issue number -> cancel
	slots  chan struct{}
	wg     sync.WaitGroup
}

// NewWorker builds a Worker.
func NewWorker(cfg WorkerConfig) *Worker {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	pipeline := cfg.Pipeline
	if len(pipeline) == 0 {
		pipeline = DefaultPipeline
	}
	onEvent := cfg.OnEvent
	if onEvent == nil {
		onEvent = func(string, map[string]any) {}
	}
	maxSlots := cfg.Repo.MaxSlots
	if maxSlots <= 0 {
		maxSlots = 1
	}
	return &Worker{
		repo:        cfg.Repo,
		daemonID:    cfg.DaemonID,
		workerID:    cfg.WorkerID,
		store:       cfg.Store,
		driver:      cfg.Driver,
		issues:      cfg.Issues,
		runner:      cfg.Runner,
		control:     cfg.Control,
		checks:      cfg.Checks,
		pipeline:    pipeline,
		logger:      logger.With("repo", cfg.Repo.Slug(), "worker", cfg.WorkerID),
		onEvent:     onEvent,
		now:         time.Now,
		sleep:       sleepCtx,
		jitter:      func(max time.Duration) time.Duration { return time.Duration(rand.Int63n(int64(max))) },
		maxAttempts: 5,
		active:      make(map[int]context.CancelFunc),
		slots:       make(chan struct{}, maxSlots),
	}
}

// Tick runs one scheduling pass: refresh snapshots, resume expired
// throttles, and claim eligible tasks into free slots.
func (w *Worker) Tick(ctx context.Context) error {
	slug := w.repo.Slug()

	if err := w.syncIssues(ctx); err != nil {
		w.logger.Warn("issue sync failed, scheduling from cached snapshots", "error", err)
	}
	w.resumeThrottled(ctx)

	ctl, err := w.control()
	if err != nil {
		return fmt.Errorf("reading control state: %w", err)
	}
	if ctl.Mode == daemon.ModeDraining || ctl.Mode == daemon.ModePaused {
		return nil
	}

	snaps, err := w.store.ListIssueSnapshots(slug)
	if err != nil {
		return fmt.Errorf("listing snapshots: %w", err)
	}
	for _, snap := range snaps {
		if snap.State != "open" {
			continue
		}
		if len(queue.StatusLabels(snap.Labels)) > 1 {
			// Conflicting status labels: converge on the strongest one and
			// reconsider the issue next tick, once the snapshot catches up.
			issue := issueFromSnapshot(snap)
			if err := w.driver.Heal(ctx, w.repo.Owner, w.repo.Name, issue, queue.DeriveStatus(snap.Labels), false); err != nil {
				w.logger.Warn("healing status labels", "issue", snap.IssueNumber, "error", err)
			}
			continue
		}
		if !queue.Claimable(snap.Labels) {
			continue
		}
		if w.isActive(snap.IssueNumber) {
			continue
		}
		select {
		case w.slots <- struct{}{}:
		default:
			return nil // repo concurrency budget exhausted
		}
		w.claimInto(ctx, snap)
	}
	return nil
}

// claimInto attempts the claim while already holding a slot; the slot is
// released on claim failure or task completion.
func (w *Worker) claimInto(ctx context.Context, snap store.IssueSnapshot) {
	issue := issueFromSnapshot(snap)
	slot := len(w.activeIssues()) + 1

	claimed, err := w.driver.Claim(ctx, w.repo.Owner, w.repo.Name, issue, w.daemonID, w.workerID, slot)
	if err != nil || !claimed {
		<-w.slots
		if err != nil {
			w.logger.Warn("claim failed", "issue", snap.IssueNumber, "error", err)
		}
		return
	}

	taskCtx, cancel := context.WithCancel(ctx)
	w.mu.Lock()
	w.active[snap.IssueNumber] = cancel
	w.mu.Unlock()

	w.onEvent("task-claimed", map[string]any{"repo": snap.Repo, "issue": snap.IssueNumber})

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer func() {
			<-w.slots
			w.mu.Lock()
			delete(w.active, snap.IssueNumber)
			w.mu.Unlock()
			cancel()
		}()
		w.runTask(taskCtx, issue)
	}()
}

// Wait blocks until all running tasks finish.
func (w *Worker) Wait() { w.wg.Wait() }

// ActiveCount returns the number of tasks this worker is running.
func (w *Worker) ActiveCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.active)
}

func (w *Worker) isActive(issueNumber int) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.active[issueNumber]
	return ok
}

func (w *Worker) activeIssues() []int {
	w.mu.Lock()
	defer w.mu.Unlock()
	nums := make([]int, 0, len(w.active))
	for n := range w.active {
		nums = append(nums, n)
	}
	return nums
}

// syncIssues refreshes issue snapshots from GitHub past the sync cursor.
func (w *Worker) syncIssues(ctx context.Context) error {
	slug := w.repo.Slug()
	since, err := w.store.GetIssueSyncCursor(slug)
	if err != nil {
		return err
	}
	issues, err := w.issues.ListIssuesUpdatedSince(ctx, w.repo.Owner, w.repo.Name, since)
	if err != nil {
		return err
	}
	var newest time.Time
	for _, is := range issues {
		snap := store.IssueSnapshot{
			Repo:            slug,
			IssueNumber:     is.Number,
			Title:           is.Title,
			State:           is.State,
			URL:             is.HTMLURL,
			GithubNodeID:    is.NodeID,
			GithubUpdatedAt: is.UpdatedAt,
			Labels:          is.Labels,
		}
		if err := w.store.UpsertIssueSnapshot(snap); err != nil {
			return err
		}
		if is.UpdatedAt.After(newest) {
			newest = is.UpdatedAt
		}
	}
	if !newest.IsZero() {
		return w.store.SetIssueSyncCursor(slug, newest)
	}
	return nil
}

// resumeThrottled moves throttled tasks whose resume time has passed back to
// queued.
func (w *Worker) resumeThrottled(ctx context.Context) {
	slug := w.repo.Slug()
	tasks, err := w.store.ListTasks(store.TaskFilter{Repo: slug, Statuses: []string{queue.StatusThrottled}})
	if err != nil {
		w.logger.Warn("listing throttled tasks", "error", err)
		return
	}
	now := w.now()
	for _, t := range tasks {
		if t.ResumeAt.IsZero() || t.ResumeAt.After(now) {
			continue
		}
		issue, ok := w.snapshotIssue(t.IssueNumber)
		if !ok {
			continue
		}
		patch := store.TaskPatch{ResumeAt: store.Time(time.Time{})}
		if err := w.driver.SetStatus(ctx, w.repo.Owner, w.repo.Name, issue, queue.StatusQueued, patch); err != nil {
			w.logger.Warn("resuming throttled task", "issue", t.IssueNumber, "error", err)
		}
	}
}

// runTask walks one claimed task through the pipeline.
func (w *Worker) runTask(ctx context.Context, issue github.Issue) {
	slug := w.repo.Slug()
	task, err := w.store.GetTask(slug, issue.Number)
	if err != nil {
		w.logger.Error("reading claimed task", "issue", issue.Number, "error", err)
		return
	}
	seq := task.CheckpointSeq + 1
	if err := w.store.UpsertTask(slug, issue.Number, store.TaskPatch{CheckpointSeq: store.Int(seq)}); err != nil {
		w.logger.Error("advancing checkpoint seq", "issue", issue.Number, "error", err)
		return
	}
	task.CheckpointSeq = seq

	for _, stage := range w.pipeline {
		if err := w.waitPauseCleared(ctx, issue, stage.Checkpoint); err != nil {
			return
		}
		w.emitCheckpoint(slug, issue.Number, stage.Checkpoint, seq)

		if stage.Name == "pr" && w.gateVetoed(ctx, task, issue) {
			return
		}

		stepKey := StepKey(slug, issue.Number, stage.Name, seq)
		res, ok := w.runStage(ctx, task, issue, stage, stepKey)
		if !ok {
			return
		}
		if res.SessionID != "" && res.SessionID != task.SessionID {
			task.SessionID = res.SessionID
			if err := w.store.UpsertTask(slug, issue.Number, store.TaskPatch{SessionID: store.Str(res.SessionID)}); err != nil {
				w.logger.Warn("recording session id", "issue", issue.Number, "error", err)
			}
		}
		if stage.Name == "pr" && res.PR != nil {
			w.awaitRequiredChecks(ctx, res.RunID, issue, res.PR)
		}
	}
	w.onEvent("task-pipeline-complete", map[string]any{"repo": slug, "issue": issue.Number})
}

// runStage invokes one stage, applying guardrail handling, compaction retry,
// and error classification. Returns ok=false when the task left the
// pipeline.
func (w *Worker) runStage(ctx context.Context, task store.Task, issue github.Issue, stage Stage, stepKey string) (StageResult, bool) {
	attempt := 1
	compacted := false
	for {
		res, err := w.runner.RunStage(ctx, task, stage, stepKey)
		if err == nil {
			if res.GuardrailTimeout != nil {
				w.handleGuardrail(ctx, issue, stage, res)
				return StageResult{}, false
			}
			if res.ContextExhausted && !compacted {
				compacted = true
				if cerr := w.runner.Compact(ctx, res.SessionID); cerr != nil {
					w.logger.Warn("compacting session", "issue", issue.Number, "error", cerr)
				}
				continue
			}
			return res, true
		}
		if ctx.Err() != nil {
			return StageResult{}, false
		}

		c := Classify(err)
		switch c.Class {
		case ClassAuth:
			w.logger.Warn("stage failed with auth error, blocking task",
				"issue", issue.Number, "stage", stage.Name, "error", err)
			w.setStatus(ctx, issue, queue.StatusBlocked, store.TaskPatch{BlockedSource: store.Str("auth")})
			return StageResult{}, false
		case ClassRateLimit:
			resumeAt := c.ResumeAt
			if resumeAt.IsZero() {
				resumeAt = w.now().Add(throttleFallback)
			}
			w.logger.Warn("stage rate limited, throttling task",
				"issue", issue.Number, "stage", stage.Name, "resumeAt", resumeAt)
			w.setStatus(ctx, issue, queue.StatusThrottled, store.TaskPatch{ResumeAt: store.Time(resumeAt)})
			return StageResult{}, false
		case ClassTransient:
			if attempt < w.maxAttempts {
				delay := retry.Delay(attempt) + w.jitter(retry.MaxJitter)
				w.logger.Warn("transient stage failure, retrying",
					"issue", issue.Number, "stage", stage.Name, "attempt", attempt, "delay", delay, "error", err)
				if w.sleep(ctx, delay) != nil {
					return StageResult{}, false
				}
				attempt++
				continue
			}
			fallthrough
		default:
			retries := task.WatchdogRetries + 1
			patch := store.TaskPatch{WatchdogRetries: store.Int(retries)}
			if retries >= config.EscalateAfterRetries {
				w.logger.Error("stage failed past retry budget, escalating",
					"issue", issue.Number, "stage", stage.Name, "retries", retries, "error", err)
				w.setStatus(ctx, issue, queue.StatusEscalated, patch)
			} else {
				w.logger.Warn("stage failed with unknown error, requeueing",
					"issue", issue.Number, "stage", stage.Name, "retries", retries, "error", err)
				w.setStatus(ctx, issue, queue.StatusQueued, patch)
			}
			return StageResult{}, false
		}
	}
}

// gateVetoed consults the latest per-gate results for the issue before the
// PR opens. A failing gate sends the task back through the pipeline instead
// of shipping known-bad work; repeated failures escalate.
func (w *Worker) gateVetoed(ctx context.Context, task store.Task, issue github.Issue) bool {
	gates, err := w.store.LatestGateResultsForIssue(w.repo.Slug(), issue.Number)
	if err != nil {
		w.logger.Warn("reading gate results", "issue", issue.Number, "error", err)
		return false
	}
	for name, g := range gates {
		if g.Status != "fail" {
			continue
		}
		retries := task.WatchdogRetries + 1
		patch := store.TaskPatch{WatchdogRetries: store.Int(retries)}
		if retries >= config.EscalateAfterRetries {
			w.logger.Error("gate keeps failing, escalating",
				"issue", issue.Number, "gate", name, "retries", retries, "detail", g.Detail)
			w.setStatus(ctx, issue, queue.StatusEscalated, patch)
		} else {
			w.logger.Warn("gate failed, requeueing before PR",
				"issue", issue.Number, "gate", name, "retries", retries, "detail", g.Detail)
			w.setStatus(ctx, issue, queue.StatusQueued, patch)
		}
		return true
	}
	return false
}

// awaitRequiredChecks polls the opened PR's check runs until they all
// complete, then records the outcome as the run's checks gate. The delay
// grows while the check set looks unchanged and resets when it moves.
func (w *Worker) awaitRequiredChecks(ctx context.Context, runID string, issue github.Issue, pr *PROpened) {
	if w.checks == nil || pr.HeadRef == "" {
		return
	}
	poller := NewCheckPoller()
	for {
		runs, err := w.checks.FetchCheckRuns(ctx, w.repo.Owner, w.repo.Name, pr.HeadRef)
		if err != nil {
			w.logger.Warn("fetching check runs", "issue", issue.Number, "pr", pr.Number, "error", err)
			return
		}
		if len(runs) == 0 {
			return // repo has no required checks
		}
		if ChecksFinal(runs) {
			status := "pass"
			for _, cr := range runs {
				switch cr.Conclusion {
				case "success", "neutral", "skipped":
				default:
					status = "fail"
				}
			}
			if err := w.store.UpsertGateResult(runID, "checks", store.GateResultPatch{Status: store.Str(status)}); err != nil {
				w.logger.Warn("recording checks gate", "run", runID, "error", err)
			}
			w.onEvent("required-checks", map[string]any{
				"repo": w.repo.Slug(), "issue": issue.Number, "pr": pr.Number, "status": status,
			})
			return
		}
		if w.sleep(ctx, poller.Next(CheckSignature(runs))) != nil {
			return
		}
	}
}

// handleGuardrail records the kill and returns the task to the queue, or
// throttles it when the output smells like remote throttling.
func (w *Worker) handleGuardrail(ctx context.Context, issue github.Issue, stage Stage, res StageResult) {
	w.onEvent("guardrail-timeout", map[string]any{
		"repo": w.repo.Slug(), "issue": issue.Number,
		"stage": stage.Name, "reason": res.GuardrailTimeout.Reason,
	})
	w.logger.Warn("guardrail killed stage",
		"issue", issue.Number, "stage", stage.Name, "reason", res.GuardrailTimeout.Reason)

	switch ClassifyText(res.Output) {
	case ClassTransient, ClassRateLimit:
		resumeAt := w.now().Add(throttleFallback)
		w.setStatus(ctx, issue, queue.StatusThrottled, store.TaskPatch{ResumeAt: store.Time(resumeAt)})
	default:
		w.setStatus(ctx, issue, queue.StatusQueued, store.TaskPatch{})
	}
}

// waitPauseCleared implements the checkpoint pause protocol: when a pause is
// requested (optionally pinned to one checkpoint), record where we stopped
// and poll with backoff until the request clears.
func (w *Worker) waitPauseCleared(ctx context.Context, issue github.Issue, checkpoint string) error {
	ctl, err := w.control()
	if err != nil {
		return fmt.Errorf("reading control state: %w", err)
	}
	requested, at := ctl.PauseActive()
	if !requested || (at != "" && at != checkpoint) {
		return nil
	}

	slug := w.repo.Slug()
	w.setStatus(ctx, issue, queue.StatusPaused, store.TaskPatch{
		PauseRequested:     store.Bool(true),
		PausedAtCheckpoint: store.Str(checkpoint),
		Checkpoint:         store.Str(checkpoint),
	})
	w.onEvent("task-paused", map[string]any{"repo": slug, "issue": issue.Number, "checkpoint": checkpoint})

	delay := config.PausePollMin
	for {
		if err := w.sleep(ctx, delay+w.jitter(config.PausePollJitter)); err != nil {
			return err
		}
		ctl, err := w.control()
		if err != nil {
			return fmt.Errorf("reading control state: %w", err)
		}
		if req, _ := ctl.PauseActive(); !req {
			break
		}
		delay *= 2
		if delay > config.PausePollMax {
			delay = config.PausePollMax
		}
	}

	w.setStatus(ctx, issue, queue.StatusInProgress, store.TaskPatch{
		PauseRequested:     store.Bool(false),
		PausedAtCheckpoint: store.Str(""),
	})
	w.onEvent("task-resumed", map[string]any{"repo": slug, "issue": issue.Number, "checkpoint": checkpoint})
	return nil
}

// emitCheckpoint publishes a checkpoint event exactly once per
// (task, checkpoint, seq), claimed through the idempotency ledger.
func (w *Worker) emitCheckpoint(repo string, issueNumber int, checkpoint string, seq int) {
	key := fmt.Sprintf("checkpoint:%s#%d:%s:%d", repo, issueNumber, checkpoint, seq)
	claimed, err := w.store.ClaimKey(key, "checkpoint")
	if err != nil {
		w.logger.Warn("claiming checkpoint key", "key", key, "error", err)
		return
	}
	if !claimed {
		return
	}
	if err := w.store.UpsertTask(repo, issueNumber, store.TaskPatch{
		Checkpoint:    store.Str(checkpoint),
		CheckpointSeq: store.Int(seq),
	}); err != nil {
		w.logger.Warn("recording checkpoint", "key", key, "error", err)
	}
	w.onEvent("checkpoint", map[string]any{
		"repo": repo, "issue": issueNumber, "checkpoint": checkpoint, "seq": seq,
	})
}

func (w *Worker) setStatus(ctx context.Context, issue github.Issue, target string, patch store.TaskPatch) {
	if err := w.driver.SetStatus(ctx, w.repo.Owner, w.repo.Name, issue, target, patch); err != nil {
		w.logger.Error("status transition failed", "issue", issue.Number, "target", target, "error", err)
	}
}

func (w *Worker) snapshotIssue(issueNumber int) (github.Issue, bool) {
	snap, err := w.store.GetIssueSnapshot(w.repo.Slug(), issueNumber)
	if err != nil {
		return github.Issue{}, false
	}
	return issueFromSnapshot(snap), true
}

func issueFromSnapshot(snap store.IssueSnapshot) github.Issue {
	return github.Issue{
		Number:    snap.IssueNumber,
		NodeID:    snap.GithubNodeID,
		Title:     snap.Title,
		State:     snap.State,
		Labels:    snap.Labels,
		UpdatedAt: snap.GithubUpdatedAt,
		HTMLURL:   snap.URL,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
