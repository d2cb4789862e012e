package reconcile

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/uesteibar/ralphd/internal/config"
	"github.com/uesteibar/ralphd/internal/github"
	"github.com/uesteibar/ralphd/internal/queue"
	"github.com/uesteibar/ralphd/internal/store"
)

// Operator commands recognized in issue comments.
const (
	resolvedPrefix   = "RALPH RESOLVED:"
	approveCommand   = "RALPH APPROVE"
	consultantMarker = "<!-- ralph-consultant:v1 -->"
)

// commentFetchLimit bounds how many recent comments one check reads.
const commentFetchLimit = 30

// EscalationStats summarizes one escalation pass.
type EscalationStats struct {
	Checked  int
	Skipped  int
	Resolved int
}

// Escalation scans escalated and blocked issues for operator resolution
// comments and returns resolved tasks to the queue.
type Escalation struct {
	Repo   config.RepoConfig
	Store  *store.Store
	GitHub GitHubAPI
	Driver StatusDriver
	Logger *slog.Logger
	Now    func() time.Time

	// MinInterval throttles per-issue comment fetches; zero means the
	// shared default.
	MinInterval time.Duration
}

// Run checks every escalated or blocked task once.
func (e *Escalation) Run(ctx context.Context) (EscalationStats, error) {
	logger := e.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := e.Now
	if now == nil {
		now = time.Now
	}
	slug := e.Repo.Slug()
	var stats EscalationStats

	tasks, err := e.Store.ListTasks(store.TaskFilter{
		Repo:     slug,
		Statuses: []string{queue.StatusEscalated, queue.StatusBlocked},
	})
	if err != nil {
		return stats, fmt.Errorf("listing escalated tasks: %w", err)
	}

	for _, t := range tasks {
		resolved, skipped, err := e.checkIssue(ctx, t.IssueNumber, now())
		if err != nil {
			logger.Warn("escalation check failed", "repo", slug, "issue", t.IssueNumber, "error", err)
			continue
		}
		if skipped {
			stats.Skipped++
			continue
		}
		stats.Checked++
		if resolved {
			stats.Resolved++
		}
	}
	return stats, nil
}

// ShouldFetch reports whether an issue's comments are due for a fetch: skip
// only when the check is recent and GitHub shows no new activity.
func ShouldFetch(st store.EscalationCheckState, githubUpdatedAt, now time.Time, minInterval time.Duration) bool {
	recent := now.Sub(st.LastCheckedAt) < minInterval
	unchanged := !githubUpdatedAt.After(st.LastSeenUpdatedAt)
	return !(recent && unchanged)
}

func (e *Escalation) checkIssue(ctx context.Context, issueNumber int, now time.Time) (resolved, skipped bool, err error) {
	slug := e.Repo.Slug()
	minInterval := e.MinInterval
	if minInterval <= 0 {
		minInterval = config.EscalationMinInterval
	}

	st, err := e.Store.GetEscalationCheckState(slug, issueNumber)
	if err != nil {
		return false, false, err
	}
	issue, err := e.GitHub.GetIssue(ctx, e.Repo.Owner, e.Repo.Name, issueNumber)
	if err != nil {
		return false, false, fmt.Errorf("fetching issue: %w", err)
	}
	if !ShouldFetch(st, issue.UpdatedAt, now, minInterval) {
		return false, true, nil
	}

	comments, err := e.GitHub.ListIssueComments(ctx, e.Repo.Owner, e.Repo.Name, issueNumber, commentFetchLimit)
	if err != nil {
		return false, false, fmt.Errorf("listing comments: %w", err)
	}

	st.LastCheckedAt = now
	st.LastSeenUpdatedAt = issue.UpdatedAt

	decision := findResolution(comments, st.LastResolvedCommentID)
	if decision == nil {
		return false, false, e.Store.SetEscalationCheckState(st)
	}

	if decision.approve {
		// Translate the approval into a RALPH RESOLVED comment carrying the
		// consultant's proposed resolution.
		text := proposedResolution(comments)
		if text == "" {
			e.logWarn("approve without consultant proposal", issueNumber)
			return false, false, e.Store.SetEscalationCheckState(st)
		}
		if _, err := e.GitHub.CreateIssueComment(ctx, e.Repo.Owner, e.Repo.Name, issueNumber,
			resolvedPrefix+" "+text); err != nil {
			return false, false, fmt.Errorf("posting translated resolution: %w", err)
		}
	}

	if err := e.Driver.SetStatus(ctx, e.Repo.Owner, e.Repo.Name, issue, queue.StatusQueued, store.TaskPatch{
		BlockedSource: store.Str(""),
	}); err != nil {
		return false, false, fmt.Errorf("requeueing resolved task: %w", err)
	}

	st.LastResolvedCommentID = decision.comment.ID
	st.LastResolvedCommentAt = decision.comment.CreatedAt
	return true, false, e.Store.SetEscalationCheckState(st)
}

func (e *Escalation) logWarn(msg string, issueNumber int) {
	logger := e.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Warn(msg, "repo", e.Repo.Slug(), "issue", issueNumber)
}

type resolution struct {
	comment github.IssueComment
	approve bool
}

// findResolution scans newest-first for an authorized operator command that
// has not already been consumed.
func findResolution(comments []github.IssueComment, lastResolvedID int64) *resolution {
	for _, c := range comments {
		if !authorizedOperator(c.AuthorAssociation) {
			continue
		}
		body := strings.TrimSpace(c.Body)
		isResolved := strings.HasPrefix(body, resolvedPrefix)
		isApprove := strings.HasPrefix(body, approveCommand)
		if !isResolved && !isApprove {
			continue
		}
		if c.ID == lastResolvedID {
			return nil // newest command already handled
		}
		return &resolution{comment: c, approve: isApprove}
	}
	return nil
}

func authorizedOperator(association string) bool {
	switch association {
	case "OWNER", "MEMBER", "COLLABORATOR":
		return true
	}
	return false
}

// proposedResolution extracts proposed_resolution_text from the most recent
// consultant JSON block.
func proposedResolution(comments []github.IssueComment) string {
	for _, c := range comments {
		if !strings.Contains(c.Body, consultantMarker) {
			continue
		}
		var payload struct {
			ProposedResolutionText string `json:"proposed_resolution_text"`
		}
		if err := json.Unmarshal([]byte(fencedJSON(c.Body)), &payload); err != nil {
			continue
		}
		if payload.ProposedResolutionText != "" {
			return payload.ProposedResolutionText
		}
	}
	return ""
}

// fencedJSON returns the contents of the first ```json fenced block.
func fencedJSON(body string) string {
	const open = "```json"
	start := strings.Index(body, open)
	if start < 0 {
		return ""
	}
	rest := body[start+len(open):]
	end := strings.Index(rest, "```")
	if end < 0 {
		return ""
	}
	return strings.TrimSpace(rest[:end])
}
