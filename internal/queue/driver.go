package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/uesteibar/ralphd/internal/coalesce"
	"github.com/uesteibar/ralphd/internal/github"
	"github.com/uesteibar/ralphd/internal/store"
)

// ErrLabelWritesBlocked is returned while the per-repo breaker is tripped.
var ErrLabelWritesBlocked = errors.New("label writes blocked by rate-limit backoff")

// GitHubAPI is what the driver needs from the GitHub client.
type GitHubAPI interface {
	GetIssue(ctx context.Context, owner, repo string, number int) (github.Issue, error)
	MutateIssueLabels(ctx context.Context, owner, repo string, issue github.Issue, add, remove []string) error
	ListLabels(ctx context.Context, owner, repo string) ([]github.Label, error)
	CreateLabel(ctx context.Context, owner, repo string, label github.Label) error
	UpdateLabel(ctx context.Context, owner, repo, name string, label github.Label) error
}

type writeKey struct {
	repo  string
	issue int
}

// Driver owns the status labels on GitHub issues and mirrors every mutation
// into the local task table.
type Driver struct {
	store   *store.Store
	gh      GitHubAPI
	breaker *Breaker
	writes  *coalesce.Group[writeKey, struct{}]
	logger  *slog.Logger
	now     func() time.Time

	ensureMu sync.Mutex
	ensured  map[string]bool
}

// Config configures a Driver.
type Config struct {
	Store          *store.Store
	GitHub         GitHubAPI
	Logger         *slog.Logger
	CoalesceWindow time.Duration
	Now            func() time.Time
}

// New builds a queue driver.
func New(cfg Config) *Driver {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Driver{
		store:   cfg.Store,
		gh:      cfg.GitHub,
		breaker: NewBreaker(cfg.Store),
		writes:  coalesce.New[writeKey, struct{}](cfg.CoalesceWindow),
		logger:  logger,
		now:     now,
		ensured: make(map[string]bool),
	}
}

// Breaker exposes the label-write breaker for schedulers that need to plan
// around it.
func (d *Driver) Breaker() *Breaker { return d.breaker }

// SetStatus moves an issue to the target status: one coalesced label
// mutation upholding the single-status invariant, then the local snapshot
// and task row. The remote write happens first; local state follows only on
// success.
func (d *Driver) SetStatus(ctx context.Context, owner, repo string, issue github.Issue, target string, patch store.TaskPatch) error {
	slug := owner + "/" + repo

	ok, err := d.breaker.CanAttempt(slug, d.now())
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%s#%d: %w", slug, issue.Number, ErrLabelWritesBlocked)
	}

	delta := DeltaFor(issue.Labels, target)
	if !delta.Empty() {
		key := writeKey{repo: slug, issue: issue.Number}
		_, err := d.writes.Do(ctx, key, func() (struct{}, error) {
			return struct{}{}, d.gh.MutateIssueLabels(ctx, owner, repo, issue, delta.Add, delta.Remove)
		})
		if err != nil {
			if plan := github.PlanFromError(err); plan != nil {
				if terr := d.breaker.Trip(slug, plan.ResumeAt, err); terr != nil {
					d.logger.Warn("tripping label-write breaker failed", "repo", slug, "error", terr)
				}
			}
			return fmt.Errorf("setting %s#%d to %s: %w", slug, issue.Number, target, err)
		}
		if cerr := d.breaker.Clear(slug); cerr != nil {
			d.logger.Warn("clearing label-write breaker failed", "repo", slug, "error", cerr)
		}
	}

	newLabels := applyDelta(issue.Labels, delta)
	if err := d.store.UpdateIssueLabels(slug, issue.Number, newLabels); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			d.rehydrateSnapshot(ctx, owner, repo, issue.Number)
		} else {
			return fmt.Errorf("updating snapshot labels for %s#%d: %w", slug, issue.Number, err)
		}
	}

	if patch.Status == nil {
		patch.Status = store.Str(target)
	}
	if err := d.store.UpsertTask(slug, issue.Number, patch); err != nil {
		return fmt.Errorf("upserting task %s#%d: %w", slug, issue.Number, err)
	}
	return nil
}

// rehydrateSnapshot refetches the issue after a mutation found no cached
// snapshot. Best effort: the status update already succeeded.
func (d *Driver) rehydrateSnapshot(ctx context.Context, owner, repo string, number int) {
	slug := owner + "/" + repo
	fetched, err := d.gh.GetIssue(ctx, owner, repo, number)
	if err != nil {
		d.logger.Warn("snapshot rehydrate failed", "repo", slug, "issue", number, "error", err)
		return
	}
	snap := store.IssueSnapshot{
		Repo:            slug,
		IssueNumber:     fetched.Number,
		Title:           fetched.Title,
		State:           fetched.State,
		URL:             fetched.HTMLURL,
		GithubNodeID:    fetched.NodeID,
		GithubUpdatedAt: fetched.UpdatedAt,
		Labels:          fetched.Labels,
	}
	if err := d.store.UpsertIssueSnapshot(snap); err != nil {
		d.logger.Warn("snapshot rehydrate write failed", "repo", slug, "issue", number, "error", err)
	}
}

// Heal converges an issue that carries zero or several status labels onto a
// single one. No-op when the invariant already holds.
func (d *Driver) Heal(ctx context.Context, owner, repo string, issue github.Issue, desiredHint string, dependencyBlocked bool) error {
	if !NeedsHealing(issue.Labels) {
		return nil
	}
	target := HealTarget(desiredHint, dependencyBlocked)
	return d.SetStatus(ctx, owner, repo, issue, target, store.TaskPatch{})
}

// Claim attempts to take an issue for a worker: labels move
// +in-progress/-queued and the task row records the owner in one update.
// Returns false without error when the issue is not claimable.
func (d *Driver) Claim(ctx context.Context, owner, repo string, issue github.Issue, daemonID, workerID string, repoSlot int) (bool, error) {
	if !Claimable(issue.Labels) {
		return false, nil
	}
	patch := store.TaskPatch{
		Status:      store.Str(StatusInProgress),
		DaemonID:    store.Str(daemonID),
		WorkerID:    store.Str(workerID),
		RepoSlot:    store.Int(repoSlot),
		HeartbeatAt: store.Time(d.now()),
		SessionID:   store.Str(""),
	}
	if err := d.SetStatus(ctx, owner, repo, issue, StatusInProgress, patch); err != nil {
		return false, err
	}
	return true, nil
}

// EnsureWorkflowLabels converges the repo's labels on the canonical list,
// once per repo per process. Names compare case-insensitively, colors after
// stripping # and lowercasing; nothing is ever deleted.
func (d *Driver) EnsureWorkflowLabels(ctx context.Context, owner, repo string) error {
	slug := owner + "/" + repo
	d.ensureMu.Lock()
	if d.ensured[slug] {
		d.ensureMu.Unlock()
		return nil
	}
	d.ensureMu.Unlock()

	existing, err := d.gh.ListLabels(ctx, owner, repo)
	if err != nil {
		return fmt.Errorf("listing labels for %s: %w", slug, err)
	}

	byName := make(map[string]github.Label)
	for _, l := range existing {
		key := strings.ToLower(l.Name)
		// Prefer the canonical-cased duplicate when several casings exist.
		if prev, ok := byName[key]; ok && prev.Name != l.Name {
			if !isCanonicalCase(l.Name) {
				continue
			}
		}
		byName[key] = l
	}

	for _, want := range WorkflowLabels() {
		have, ok := byName[strings.ToLower(want.Name)]
		if !ok {
			err := d.gh.CreateLabel(ctx, owner, repo, github.Label{
				Name:        want.Name,
				Color:       want.Color,
				Description: want.Description,
			})
			if err != nil {
				return fmt.Errorf("creating label %s on %s: %w", want.Name, slug, err)
			}
			continue
		}
		if sameColor(have.Color, want.Color) && have.Description == want.Description {
			continue
		}
		err := d.gh.UpdateLabel(ctx, owner, repo, have.Name, github.Label{
			Name:        want.Name,
			Color:       want.Color,
			Description: want.Description,
		})
		if err != nil {
			return fmt.Errorf("updating label %s on %s: %w", have.Name, slug, err)
		}
	}

	d.ensureMu.Lock()
	d.ensured[slug] = true
	d.ensureMu.Unlock()
	return nil
}

func isCanonicalCase(name string) bool {
	for _, want := range WorkflowLabels() {
		if want.Name == name {
			return true
		}
	}
	return false
}

func sameColor(a, b string) bool {
	norm := func(c string) string {
		return strings.ToLower(strings.TrimPrefix(c, "#"))
	}
	return norm(a) == norm(b)
}

// applyDelta computes the label set after a status delta lands.
func applyDelta(labels []string, d StatusDelta) []string {
	removed := make(map[string]bool, len(d.Remove))
	for _, r := range d.Remove {
		removed[strings.ToLower(r)] = true
	}
	var out []string
	for _, l := range labels {
		if removed[strings.ToLower(l)] {
			continue
		}
		out = append(out, l)
	}
	return append(out, d.Add...)
}
