// Package reconcile hosts the cursor-driven loops that fold GitHub state
// back into tasks: merged PRs to done/in-bot labels, operator escalation
// replies, and parent-verification writeback.
//
// Every reconciler shares one shape: read cursor, query GitHub over a
// bounded window, apply idempotent local and remote mutations, advance the
// cursor on success.
package reconcile

import (
	"context"
	"time"

	"github.com/uesteibar/ralphd/internal/github"
	"github.com/uesteibar/ralphd/internal/store"
)

// GitHubAPI is the client slice the reconcilers consume.
type GitHubAPI interface {
	ListMergedPRs(ctx context.Context, owner, repo, base string, after time.Time) ([]github.MergedPR, error)
	ClosingIssueRefs(ctx context.Context, owner, repo string, prNumber int) ([]int, error)
	GetIssue(ctx context.Context, owner, repo string, number int) (github.Issue, error)
	ListIssueComments(ctx context.Context, owner, repo string, number, limit int) ([]github.IssueComment, error)
	CreateIssueComment(ctx context.Context, owner, repo string, number int, body string) (github.IssueComment, error)
	UpdateIssueComment(ctx context.Context, owner, repo string, commentID int64, body string) (github.IssueComment, error)
	CloseIssue(ctx context.Context, owner, repo string, number int) error
}

// StatusDriver applies label-backed status transitions; implemented by
// queue.Driver.
type StatusDriver interface {
	SetStatus(ctx context.Context, owner, repo string, issue github.Issue, target string, patch store.TaskPatch) error
}
