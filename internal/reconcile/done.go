package reconcile

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/uesteibar/ralphd/internal/config"
	"github.com/uesteibar/ralphd/internal/github"
	"github.com/uesteibar/ralphd/internal/queue"
	"github.com/uesteibar/ralphd/internal/store"
)

// DoneStats summarizes one done-reconcile pass.
type DoneStats struct {
	PRs           int
	UpdatedIssues int
}

// Done watches merges to the repo's base branch and marks the issues they
// close as done.
type Done struct {
	Repo   config.RepoConfig
	Store  *store.Store
	GitHub GitHubAPI
	Driver StatusDriver
	Logger *slog.Logger
}

// Run processes base-branch merges past the cursor. The cursor advances
// after each fully-processed PR so a failure resumes at the failed PR, not
// at the start of the window.
func (d *Done) Run(ctx context.Context) (DoneStats, error) {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	slug := d.Repo.Slug()
	var stats DoneStats

	cursor, _, err := d.Store.GetDoneCursor(slug)
	if err != nil {
		return stats, fmt.Errorf("reading done cursor: %w", err)
	}

	prs, err := d.GitHub.ListMergedPRs(ctx, d.Repo.Owner, d.Repo.Name, d.Repo.BaseBranch, cursor.LastMergedAt)
	if err != nil {
		return stats, fmt.Errorf("listing merged PRs: %w", err)
	}

	for _, pr := range prs {
		if !cursor.After(pr.MergedAt, pr.Number) {
			continue
		}
		refs, err := d.GitHub.ClosingIssueRefs(ctx, d.Repo.Owner, d.Repo.Name, pr.Number)
		if err != nil {
			return stats, fmt.Errorf("resolving closing issues for PR #%d: %w", pr.Number, err)
		}
		stats.PRs++

		if pr.HeadRef == d.Repo.BotBranch {
			if err := d.completeRollup(pr, logger); err != nil {
				return stats, err
			}
		}

		for _, num := range refs {
			if err := d.markDone(ctx, num); err != nil {
				logger.Warn("marking issue done", "repo", slug, "issue", num, "pr", pr.Number, "error", err)
				continue
			}
			stats.UpdatedIssues++
		}

		cursor = store.MergeCursor{LastMergedAt: pr.MergedAt, LastPrNumber: pr.Number}
		if err := d.Store.SetDoneCursor(slug, cursor); err != nil {
			return stats, fmt.Errorf("advancing done cursor: %w", err)
		}
	}
	return stats, nil
}

// completeRollup closes out the open batch when the rollup PR from the bot
// branch lands on base. An empty batch means the merges predate this daemon's
// recording; there is nothing to stamp.
func (d *Done) completeRollup(pr github.MergedPR, logger *slog.Logger) error {
	slug := d.Repo.Slug()
	batch, err := d.Store.OpenRollupBatch(slug, d.Repo.BotBranch)
	if err != nil {
		return fmt.Errorf("opening rollup batch: %w", err)
	}
	if batch.BatchSize == 0 {
		return nil
	}
	if err := d.Store.CloseRollupBatch(batch.ID); err != nil {
		return fmt.Errorf("closing rollup batch: %w", err)
	}
	if err := d.Store.MarkRollupBatchRolledUp(batch.ID, pr.HTMLURL, pr.Number); err != nil {
		return fmt.Errorf("marking rollup batch rolled up: %w", err)
	}
	logger.Info("rollup batch landed on base",
		"repo", slug, "batch", batch.ID, "size", batch.BatchSize, "pr", pr.Number)
	return nil
}

func (d *Done) markDone(ctx context.Context, issueNumber int) error {
	issue, err := d.GitHub.GetIssue(ctx, d.Repo.Owner, d.Repo.Name, issueNumber)
	if err != nil {
		return fmt.Errorf("fetching issue: %w", err)
	}
	if err := d.Driver.SetStatus(ctx, d.Repo.Owner, d.Repo.Name, issue, queue.StatusDone, store.TaskPatch{}); err != nil {
		return fmt.Errorf("setting done status: %w", err)
	}
	if err := d.Store.ClearOperational(d.Repo.Slug(), issueNumber); err != nil {
		return fmt.Errorf("clearing operational fields: %w", err)
	}
	return nil
}
