package reconcile

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/uesteibar/ralphd/internal/config"
	"github.com/uesteibar/ralphd/internal/queue"
	"github.com/uesteibar/ralphd/internal/store"
)

// verifyCommentScan bounds how many recent comments the writeback scans for
// an existing marker comment.
const verifyCommentScan = 100

// VerifyVerdict is the evidence a parent issue was satisfied by its
// sub-issues' delivered work.
type VerifyVerdict struct {
	Confidence   string
	Checked      []string
	WhySatisfied string
	Evidence     []string
}

type verifyPayload struct {
	Version      int      `json:"version"`
	WorkRemains  bool     `json:"work_remains"`
	Confidence   string   `json:"confidence"`
	Checked      []string `json:"checked"`
	WhySatisfied string   `json:"why_satisfied"`
	Evidence     []string `json:"evidence"`
}

// Verify posts the parent-verification result back to GitHub: a marker
// comment, issue closure, and done labels. Each remote write is claimed
// through the idempotency ledger so a crash mid-writeback never duplicates
// a comment.
type Verify struct {
	Repo   config.RepoConfig
	Store  *store.Store
	GitHub GitHubAPI
	Driver StatusDriver
	Logger *slog.Logger
}

// VerifyMarker is the stable first line of a verification comment.
func VerifyMarker(issueNumber int) string {
	return fmt.Sprintf("<!-- ralph-verify:v1 id=%d -->", issueNumber)
}

// VerifyBody renders the full comment body for a verdict.
func VerifyBody(issueNumber int, verdict VerifyVerdict) (string, error) {
	payload := verifyPayload{
		Version:      1,
		WorkRemains:  false,
		Confidence:   verdict.Confidence,
		Checked:      verdict.Checked,
		WhySatisfied: verdict.WhySatisfied,
		Evidence:     verdict.Evidence,
	}
	if payload.Checked == nil {
		payload.Checked = []string{}
	}
	if payload.Evidence == nil {
		payload.Evidence = []string{}
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encoding verify payload: %w", err)
	}
	return VerifyMarker(issueNumber) + "\nRALPH_VERIFY: " + string(raw), nil
}

// Writeback records the satisfied verdict on the issue: update-or-create
// the marker comment, close the issue, and move the task to done.
func (v *Verify) Writeback(ctx context.Context, issueNumber int, verdict VerifyVerdict) error {
	logger := v.Logger
	if logger == nil {
		logger = slog.Default()
	}
	slug := v.Repo.Slug()

	body, err := VerifyBody(issueNumber, verdict)
	if err != nil {
		return err
	}

	if err := v.writeComment(ctx, issueNumber, body, logger); err != nil {
		return err
	}

	closeKey := fmt.Sprintf("verify-close:%s#%d", slug, issueNumber)
	claimed, err := v.Store.ClaimKey(closeKey, "verify")
	if err != nil {
		return fmt.Errorf("claiming close key: %w", err)
	}
	if claimed {
		if err := v.GitHub.CloseIssue(ctx, v.Repo.Owner, v.Repo.Name, issueNumber); err != nil {
			// Release so a later pass retries the close.
			if derr := v.Store.DeleteKey(closeKey); derr != nil {
				logger.Warn("releasing close key", "key", closeKey, "error", derr)
			}
			return fmt.Errorf("closing issue #%d: %w", issueNumber, err)
		}
	}

	issue, err := v.GitHub.GetIssue(ctx, v.Repo.Owner, v.Repo.Name, issueNumber)
	if err != nil {
		return fmt.Errorf("fetching issue for done labels: %w", err)
	}
	if err := v.Driver.SetStatus(ctx, v.Repo.Owner, v.Repo.Name, issue, queue.StatusDone, store.TaskPatch{}); err != nil {
		return fmt.Errorf("setting done status: %w", err)
	}
	if err := v.Store.ClearOperational(slug, issueNumber); err != nil {
		return fmt.Errorf("clearing operational fields: %w", err)
	}
	return nil
}

func (v *Verify) writeComment(ctx context.Context, issueNumber int, body string, logger *slog.Logger) error {
	slug := v.Repo.Slug()
	marker := VerifyMarker(issueNumber)
	key := fmt.Sprintf("verify-comment:%s#%d", slug, issueNumber)

	comments, err := v.GitHub.ListIssueComments(ctx, v.Repo.Owner, v.Repo.Name, issueNumber, verifyCommentScan)
	if err != nil {
		// If the ledger already shows a comment write, the listing failure
		// must not trigger a duplicate POST.
		has, herr := v.Store.HasKey(key)
		if herr == nil && has {
			logger.Warn("comment listing failed, ledger shows prior write",
				"repo", slug, "issue", issueNumber, "error", err)
			return nil
		}
		return fmt.Errorf("listing comments: %w", err)
	}

	for _, c := range comments {
		if !strings.HasPrefix(c.Body, marker) {
			continue
		}
		if _, err := v.GitHub.UpdateIssueComment(ctx, v.Repo.Owner, v.Repo.Name, c.ID, body); err != nil {
			return fmt.Errorf("updating verify comment: %w", err)
		}
		if err := v.Store.UpsertKeyPayload(key, "verify", fmt.Sprintf(`{"commentId":%d}`, c.ID)); err != nil {
			return fmt.Errorf("recording comment key: %w", err)
		}
		return nil
	}

	claimed, err := v.Store.ClaimKey(key, "verify")
	if err != nil {
		return fmt.Errorf("claiming comment key: %w", err)
	}
	if !claimed {
		// Posted before but outside the scan window; patch the comment the
		// ledger recorded instead of posting a duplicate.
		payload, perr := v.Store.KeyPayload(key)
		if perr != nil {
			return nil
		}
		var rec struct {
			CommentID int64 `json:"commentId"`
		}
		if json.Unmarshal([]byte(payload), &rec) != nil || rec.CommentID == 0 {
			return nil
		}
		if _, err := v.GitHub.UpdateIssueComment(ctx, v.Repo.Owner, v.Repo.Name, rec.CommentID, body); err != nil {
			logger.Warn("updating out-of-window verify comment",
				"repo", slug, "issue", issueNumber, "comment", rec.CommentID, "error", err)
		}
		return nil
	}
	created, err := v.GitHub.CreateIssueComment(ctx, v.Repo.Owner, v.Repo.Name, issueNumber, body)
	if err != nil {
		if derr := v.Store.DeleteKey(key); derr != nil {
			logger.Warn("releasing comment key", "key", key, "error", derr)
		}
		return fmt.Errorf("creating verify comment: %w", err)
	}
	if err := v.Store.UpsertKeyPayload(key, "verify", fmt.Sprintf(`{"commentId":%d}`, created.ID)); err != nil {
		return fmt.Errorf("recording comment key: %w", err)
	}
	return nil
}
