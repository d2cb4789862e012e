package reconcile

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/uesteibar/ralphd/internal/config"
	"github.com/uesteibar/ralphd/internal/github"
	"github.com/uesteibar/ralphd/internal/queue"
	"github.com/uesteibar/ralphd/internal/relations"
	"github.com/uesteibar/ralphd/internal/store"
)

// ParentVerifyStats summarizes one parent-verification pass.
type ParentVerifyStats struct {
	Evaluated int
	Satisfied int
}

// DepsEvaluator resolves an issue's dependency neighborhood; implemented by
// relations.Engine.
type DepsEvaluator interface {
	Evaluate(ctx context.Context, owner, repo string, issue github.Issue) (relations.Result, error)
}

// ParentVerify closes parent issues whose sub-issues all shipped. Candidates
// are open issues the queue is not actively working: parents wait for their
// children, they never sit in the queue themselves.
type ParentVerify struct {
	Repo      config.RepoConfig
	Store     *store.Store
	GitHub    GitHubAPI
	Deps      DepsEvaluator
	Writeback *Verify
	Logger    *slog.Logger

	// Confidence stamped into the verification payload.
	Confidence string
}

// Run evaluates every candidate parent once.
func (p *ParentVerify) Run(ctx context.Context) (ParentVerifyStats, error) {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	slug := p.Repo.Slug()
	var stats ParentVerifyStats

	snaps, err := p.Store.ListIssueSnapshots(slug)
	if err != nil {
		return stats, fmt.Errorf("listing issue snapshots: %w", err)
	}

	for _, snap := range snaps {
		if snap.State != "open" || !candidateParent(snap.Labels) {
			continue
		}
		satisfied, err := p.checkParent(ctx, snap.IssueNumber)
		if err != nil {
			logger.Warn("parent verification check failed", "repo", slug, "issue", snap.IssueNumber, "error", err)
			continue
		}
		stats.Evaluated++
		if satisfied {
			stats.Satisfied++
		}
	}
	return stats, nil
}

// candidateParent filters out issues the queue is actively driving. An issue
// with no status label or an in-bot label may be a parent awaiting its
// children; anything else is a live task.
func candidateParent(labels []string) bool {
	switch queue.DeriveStatus(labels) {
	case queue.StatusNone, queue.StatusInBot:
		return true
	}
	return false
}

func (p *ParentVerify) checkParent(ctx context.Context, issueNumber int) (bool, error) {
	slug := p.Repo.Slug()

	issue, err := p.GitHub.GetIssue(ctx, p.Repo.Owner, p.Repo.Name, issueNumber)
	if err != nil {
		return false, fmt.Errorf("fetching issue: %w", err)
	}
	if issue.State != "open" {
		return false, nil
	}

	res, err := p.Deps.Evaluate(ctx, p.Repo.Owner, p.Repo.Name, issue)
	if err != nil {
		return false, fmt.Errorf("evaluating dependencies: %w", err)
	}

	el := relations.ParentEligibility(res, func(ref github.IssueRef) []relations.Evidence {
		return p.deliveredWork(ref)
	})
	if !el.Eligible {
		return false, nil
	}

	verdict := VerifyVerdict{
		Confidence:   p.confidence(),
		WhySatisfied: "all sub-issues are closed with merged work attached",
	}
	for _, s := range res.Signals {
		if s.Kind != relations.KindSubIssue {
			continue
		}
		verdict.Checked = append(verdict.Checked, s.Ref.String())
		for _, ev := range p.deliveredWork(s.Ref) {
			verdict.Evidence = append(verdict.Evidence, ev.URL)
		}
	}

	if err := p.Writeback.Writeback(ctx, issueNumber, verdict); err != nil {
		return false, fmt.Errorf("writing verification for %s#%d: %w", slug, issueNumber, err)
	}
	return true, nil
}

// deliveredWork maps a child issue to the merged PRs observed for it.
func (p *ParentVerify) deliveredWork(ref github.IssueRef) []relations.Evidence {
	prs, err := p.Store.ListPRSnapshots(p.Repo.Slug(), ref.String())
	if err != nil {
		return nil
	}
	var out []relations.Evidence
	for _, pr := range prs {
		if pr.State == "merged" {
			out = append(out, relations.Evidence{Kind: "pr", URL: pr.PRURL})
		}
	}
	return out
}

func (p *ParentVerify) confidence() string {
	if p.Confidence != "" {
		return p.Confidence
	}
	return "medium"
}
