// Package scheduler owns the per-repo workers: claiming queued tasks,
// driving them through the stage pipeline, heartbeating claims, and
// recovering stale ones.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/uesteibar/ralphd/internal/config"
	"github.com/uesteibar/ralphd/internal/queue"
	"github.com/uesteibar/ralphd/internal/store"
)

// Config wires the Scheduler.
type Config struct {
	Cfg      *config.Config
	DaemonID string
	Store    *store.Store
	Driver   TaskDriver
	Issues   IssueAPI
	Runner   StageRunner
	Control  ControlFn
	Checks   ChecksAPI
	Logger   *slog.Logger
	OnEvent  func(kind string, detail map[string]any)

	// OwnerAlive reports whether the daemon that owns a claim is still a
	// live process. Stale recovery only steals from dead or foreign owners.
	OwnerAlive func(daemonID string) bool
}

// Scheduler hosts one worker per configured repository.
type Scheduler struct {
	cfg        *config.Config
	daemonID   string
	store      *store.Store
	driver     TaskDriver
	logger     *slog.Logger
	ownerAlive func(daemonID string) bool
	workers    []*Worker
	now        func() time.Time
}

// New builds the Scheduler and its workers.
func New(c Config) *Scheduler {
	logger := c.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ownerAlive := c.OwnerAlive
	if ownerAlive == nil {
		ownerAlive = func(string) bool { return false }
	}

	s := &Scheduler{
		cfg:        c.Cfg,
		daemonID:   c.DaemonID,
		store:      c.Store,
		driver:     c.Driver,
		logger:     logger,
		ownerAlive: ownerAlive,
		now:        time.Now,
	}
	for _, repo := range c.Cfg.Repos {
		s.workers = append(s.workers, NewWorker(WorkerConfig{
			Repo:     repo,
			DaemonID: c.DaemonID,
			WorkerID: "w-" + uuid.NewString(),
			Store:    c.Store,
			Driver:   c.Driver,
			Issues:   c.Issues,
			Runner:   c.Runner,
			Control:  c.Control,
			Checks:   c.Checks,
			Logger:   logger,
			OnEvent:  c.OnEvent,
		}))
		if len(s.workers) >= c.Cfg.Workers.MaxWorkers {
			break
		}
	}
	return s
}

// Workers exposes the per-repo workers, mainly for status reporting.
func (s *Scheduler) Workers() []*Worker { return s.workers }

// Run drives the tick, heartbeat, and stale-recovery loops until the context
// is cancelled, then waits for running tasks.
func (s *Scheduler) Run(ctx context.Context) {
	for _, w := range s.workers {
		if err := w.driver.EnsureWorkflowLabels(ctx, w.repo.Owner, w.repo.Name); err != nil {
			s.logger.Warn("ensuring workflow labels", "repo", w.repo.Slug(), "error", err)
		}
	}

	tick := time.NewTicker(s.cfg.Workers.TickInterval)
	heartbeat := time.NewTicker(s.cfg.Workers.HeartbeatInterval)
	stale := time.NewTicker(s.cfg.Workers.StaleTTL)
	defer tick.Stop()
	defer heartbeat.Stop()
	defer stale.Stop()

	s.tickAll(ctx)
	for {
		select {
		case <-ctx.Done():
			for _, w := range s.workers {
				w.Wait()
			}
			return
		case <-tick.C:
			s.tickAll(ctx)
		case <-heartbeat.C:
			if err := s.store.Heartbeat(s.daemonID, s.now()); err != nil {
				s.logger.Error("heartbeat failed", "error", err)
			}
		case <-stale.C:
			s.RecoverStale(ctx)
		}
	}
}

func (s *Scheduler) tickAll(ctx context.Context) {
	for _, w := range s.workers {
		if err := w.Tick(ctx); err != nil {
			s.logger.Warn("worker tick failed", "repo", w.repo.Slug(), "error", err)
		}
	}
}

// RecoverStale resets claims whose heartbeat expired and whose owner is this
// daemon no longer, or no longer alive. Recovery clears the operational
// fields and heals the labels back toward queued.
func (s *Scheduler) RecoverStale(ctx context.Context) {
	tasks, err := s.store.StaleTasks(s.now(), s.cfg.Workers.StaleTTL)
	if err != nil {
		s.logger.Error("listing stale tasks", "error", err)
		return
	}
	for _, t := range tasks {
		if t.DaemonID == s.daemonID {
			continue // our own heartbeat loop covers these
		}
		if t.DaemonID != "" && s.ownerAlive(t.DaemonID) {
			continue
		}
		s.logger.Warn("recovering stale claim",
			"repo", t.Repo, "issue", t.IssueNumber, "owner", t.DaemonID, "heartbeatAt", t.HeartbeatAt)

		if err := s.store.UpsertTask(t.Repo, t.IssueNumber, store.TaskPatch{
			Status: store.Str(queue.StatusQueued),
		}); err != nil {
			s.logger.Error("resetting stale task", "repo", t.Repo, "issue", t.IssueNumber, "error", err)
			continue
		}
		if err := s.store.ClearOperational(t.Repo, t.IssueNumber); err != nil {
			s.logger.Error("clearing stale task fields", "repo", t.Repo, "issue", t.IssueNumber, "error", err)
			continue
		}
		s.healStaleLabels(ctx, t)
	}
}

// healStaleLabels is best-effort: the local reset is authoritative, label
// repair follows when the snapshot allows it.
func (s *Scheduler) healStaleLabels(ctx context.Context, t store.Task) {
	snap, err := s.store.GetIssueSnapshot(t.Repo, t.IssueNumber)
	if err != nil {
		return
	}
	owner, name, ok := splitSlug(t.Repo)
	if !ok {
		return
	}
	issue := issueFromSnapshot(snap)
	if err := s.driver.SetStatus(ctx, owner, name, issue, queue.StatusQueued, store.TaskPatch{}); err != nil {
		s.logger.Warn("healing stale task labels", "repo", t.Repo, "issue", t.IssueNumber, "error", err)
	}
}

func splitSlug(slug string) (owner, name string, ok bool) {
	for i := 0; i < len(slug); i++ {
		if slug[i] == '/' {
			return slug[:i], slug[i+1:], i > 0 && i < len(slug)-1
		}
	}
	return "", "", false
}
