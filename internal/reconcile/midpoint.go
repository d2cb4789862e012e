package reconcile

import (
	"context"
	"log/slog"
	"slices"

	"github.com/uesteibar/ralphd/internal/config"
	"github.com/uesteibar/ralphd/internal/github"
	"github.com/uesteibar/ralphd/internal/queue"
)

// LabelMutator applies raw label additions and removals; implemented by the
// GitHub client.
type LabelMutator interface {
	MutateIssueLabels(ctx context.Context, owner, repo string, issue github.Issue, add, remove []string) error
}

// Midpoint strips the in-progress label from issues that were closed while
// their work merged to the bot branch. Purely cosmetic: callers treat every
// failure as a warning.
type Midpoint struct {
	Repo   config.RepoConfig
	Labels LabelMutator
	Logger *slog.Logger
}

// Strip removes the in-progress label if the issue is closed and still
// carries it. Returns whether a removal was attempted and succeeded.
func (m *Midpoint) Strip(ctx context.Context, issue github.Issue) bool {
	if issue.State == "open" {
		return false
	}
	if !slices.Contains(issue.Labels, queue.StatusLabel(queue.StatusInProgress)) {
		return false
	}
	logger := m.Logger
	if logger == nil {
		logger = slog.Default()
	}
	remove := []string{queue.StatusLabel(queue.StatusInProgress)}
	if err := m.Labels.MutateIssueLabels(ctx, m.Repo.Owner, m.Repo.Name, issue, nil, remove); err != nil {
		logger.Warn("stripping in-progress from closed issue",
			"repo", m.Repo.Slug(), "issue", issue.Number, "error", err)
		return false
	}
	return true
}
