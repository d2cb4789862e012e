package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/uesteibar/ralphd/internal/config"
	"github.com/uesteibar/ralphd/internal/github"
	"github.com/uesteibar/ralphd/internal/queue"
	"github.com/uesteibar/ralphd/internal/store"
)

// InBotStats summarizes one in-bot pass.
type InBotStats struct {
	UpdatedIssues   int
	PendingAdded    int
	PendingResolved int
}

// InBot watches merges to the bot integration branch and labels the issues
// they close as in-bot. Label-write failures never stall the cursor: the
// issue goes to a pending row and is retried before new work on the next
// pass.
type InBot struct {
	Repo   config.RepoConfig
	Store  *store.Store
	GitHub GitHubAPI
	Driver StatusDriver
	Logger *slog.Logger
	Now    func() time.Time

	// Midpoint, when set, strips stale in-progress labels from issues that
	// were already closed when their work reached the bot branch.
	Midpoint *Midpoint
}

// Run executes one in-bot pass.
func (r *InBot) Run(ctx context.Context) (InBotStats, error) {
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := r.Now
	if now == nil {
		now = time.Now
	}
	slug := r.Repo.Slug()
	var stats InBotStats

	cursor, ok, err := r.Store.GetInBotCursor(slug)
	if err != nil {
		return stats, fmt.Errorf("reading in-bot cursor: %w", err)
	}
	// First run initializes to now: replaying the branch's whole merge
	// history would stampede the label API for nothing.
	if !ok {
		cursor = store.InBotCursor{BotBranch: r.Repo.BotBranch, MergeCursor: store.MergeCursor{LastMergedAt: now()}}
		if err := r.Store.SetInBotCursor(slug, cursor); err != nil {
			return stats, fmt.Errorf("initializing in-bot cursor: %w", err)
		}
		return stats, nil
	}
	if cursor.BotBranch != r.Repo.BotBranch {
		logger.Info("bot branch changed, resetting in-bot cursor",
			"repo", slug, "from", cursor.BotBranch, "to", r.Repo.BotBranch)
		if err := r.Store.ClearInBotPending(slug); err != nil {
			return stats, fmt.Errorf("clearing pending rows: %w", err)
		}
		cursor = store.InBotCursor{BotBranch: r.Repo.BotBranch, MergeCursor: store.MergeCursor{LastMergedAt: now()}}
		if err := r.Store.SetInBotCursor(slug, cursor); err != nil {
			return stats, fmt.Errorf("resetting in-bot cursor: %w", err)
		}
		return stats, nil
	}

	if err := r.retryPending(ctx, &stats, now, logger); err != nil {
		return stats, err
	}

	prs, err := r.GitHub.ListMergedPRs(ctx, r.Repo.Owner, r.Repo.Name, r.Repo.BotBranch, cursor.LastMergedAt)
	if err != nil {
		return stats, fmt.Errorf("listing bot-branch merges: %w", err)
	}
	for _, pr := range prs {
		if !cursor.After(pr.MergedAt, pr.Number) {
			continue
		}
		refs, err := r.GitHub.ClosingIssueRefs(ctx, r.Repo.Owner, r.Repo.Name, pr.Number)
		if err != nil {
			return stats, fmt.Errorf("resolving closing issues for PR #%d: %w", pr.Number, err)
		}
		if err := r.recordMerge(pr, refs); err != nil {
			return stats, err
		}
		for _, num := range refs {
			if err := r.applyInBot(ctx, num); err != nil {
				logger.Warn("in-bot label write failed, enqueueing pending row",
					"repo", slug, "issue", num, "pr", pr.Number, "error", err)
				if perr := r.Store.AddInBotPending(store.InBotPending{
					Repo: slug, IssueNumber: num, PRNumber: pr.Number,
					MergedAt: pr.MergedAt, AttemptedAt: now(), AttemptError: err.Error(),
				}); perr != nil {
					return stats, fmt.Errorf("recording pending row: %w", perr)
				}
				stats.PendingAdded++
				continue
			}
			stats.UpdatedIssues++
		}

		// The cursor advances whether or not every label write landed;
		// pending rows carry the stragglers.
		cursor.MergeCursor = store.MergeCursor{LastMergedAt: pr.MergedAt, LastPrNumber: pr.Number}
		if err := r.Store.SetInBotCursor(slug, cursor); err != nil {
			return stats, fmt.Errorf("advancing in-bot cursor: %w", err)
		}
	}
	return stats, nil
}

// recordMerge files the merged bot PR into the open rollup batch and caches
// a merged-PR snapshot per closing issue. The snapshots are what parent
// verification later cites as delivered work.
func (r *InBot) recordMerge(pr github.MergedPR, refs []int) error {
	slug := r.Repo.Slug()
	issueRefs := make([]string, 0, len(refs))
	for _, num := range refs {
		ref := fmt.Sprintf("%s#%d", slug, num)
		issueRefs = append(issueRefs, ref)
		if err := r.Store.UpsertPRSnapshot(store.PRSnapshot{
			Repo: slug, IssueRef: ref, PRURL: pr.HTMLURL,
			State: "merged", UpdatedAt: pr.MergedAt,
		}); err != nil {
			return fmt.Errorf("recording PR snapshot: %w", err)
		}
	}

	batch, err := r.Store.OpenRollupBatch(slug, r.Repo.BotBranch)
	if err != nil {
		return fmt.Errorf("opening rollup batch: %w", err)
	}
	if _, err := r.Store.RecordRollupMerge(batch.ID, pr.HTMLURL, issueRefs, pr.MergedAt); err != nil {
		return fmt.Errorf("recording rollup merge: %w", err)
	}
	return nil
}

func (r *InBot) retryPending(ctx context.Context, stats *InBotStats, now func() time.Time, logger *slog.Logger) error {
	slug := r.Repo.Slug()
	pending, err := r.Store.ListInBotPending(slug)
	if err != nil {
		return fmt.Errorf("listing pending rows: %w", err)
	}
	for _, p := range pending {
		if err := r.applyInBot(ctx, p.IssueNumber); err != nil {
			logger.Warn("pending in-bot retry failed", "repo", slug, "issue", p.IssueNumber, "error", err)
			p.AttemptedAt = now()
			p.AttemptError = err.Error()
			if uerr := r.Store.AddInBotPending(p); uerr != nil {
				return fmt.Errorf("updating pending row: %w", uerr)
			}
			continue
		}
		if err := r.Store.DeleteInBotPending(slug, p.IssueNumber, p.PRNumber); err != nil {
			return fmt.Errorf("deleting resolved pending row: %w", err)
		}
		stats.PendingResolved++
	}
	return nil
}

// applyInBot adds the in-bot status to an open issue and clears the local
// task's operational fields. Closed issues only get the local cleanup.
func (r *InBot) applyInBot(ctx context.Context, issueNumber int) error {
	issue, err := r.GitHub.GetIssue(ctx, r.Repo.Owner, r.Repo.Name, issueNumber)
	if err != nil {
		return fmt.Errorf("fetching issue: %w", err)
	}
	if issue.State == "open" {
		if err := r.Driver.SetStatus(ctx, r.Repo.Owner, r.Repo.Name, issue, queue.StatusInBot, store.TaskPatch{}); err != nil {
			return fmt.Errorf("setting in-bot status: %w", err)
		}
	} else if r.Midpoint != nil {
		r.Midpoint.Strip(ctx, issue)
	}
	if err := r.Store.ClearOperational(r.Repo.Slug(), issueNumber); err != nil {
		return fmt.Errorf("clearing operational fields: %w", err)
	}
	return nil
}
