package github

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	gh "github.com/google/go-github/v68/github"

	"github.com/uesteibar/ralphd/internal/retry"
)

// Issue represents a GitHub issue.
type Issue struct {
	Number    int
	NodeID    string
	Title     string
	Body      string
	State     string
	Labels    []string
	User      string
	UpdatedAt time.Time
	HTMLURL   string
}

// IssueComment represents a comment on an issue or pull request.
type IssueComment struct {
	ID                int64
	Body              string
	User              string
	AuthorAssociation string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// MergedPR is a pull request that merged into a tracked base branch.
type MergedPR struct {
	Number   int
	HTMLURL  string
	Title    string
	HeadRef  string
	MergedAt time.Time
}

// CheckRun represents a GitHub Actions check run.
type CheckRun struct {
	ID         int64
	Name       string
	Status     string
	Conclusion string
	HTMLURL    string
}

// Client is a typed GitHub API client wrapping go-github.
type Client struct {
	gh        *gh.Client
	retryOpts []retry.Option

	labelMu  sync.Mutex
	labelIDs map[string]map[string]string // "owner/repo" -> lower(name) -> node ID
}

// Option configures a Client.
type Option func(*clientConfig)

// AppCredentials holds GitHub App authentication parameters.
type AppCredentials struct {
	AppID          int64
	InstallationID int64
	PrivateKeyPath string
}

type clientConfig struct {
	baseURL   string
	retryOpts []retry.Option
	app       *AppCredentials
	cache     *TokenCache
	installID int64
}

// WithBaseURL overrides the GitHub API base URL (useful for testing).
func WithBaseURL(url string) Option {
	return func(c *clientConfig) { c.baseURL = url }
}

// WithRetryOptions overrides the retry behavior of every operation.
func WithRetryOptions(opts ...retry.Option) Option {
	return func(c *clientConfig) { c.retryOpts = opts }
}

// WithAppAuth configures GitHub App authentication. The client mints and
// caches installation tokens on its own.
func WithAppAuth(app AppCredentials) Option {
	return func(c *clientConfig) { c.app = &app }
}

// WithTokenCache supplies an existing token cache for the installation,
// letting several clients share minted tokens.
func WithTokenCache(cache *TokenCache, installationID int64) Option {
	return func(c *clientConfig) {
		c.cache = cache
		c.installID = installationID
	}
}

// New creates a new GitHub API client. With WithAppAuth or WithTokenCache the
// client authenticates as a GitHub App installation; otherwise it uses the
// given personal access token.
func New(token string, opts ...Option) (*Client, error) {
	cfg := &clientConfig{}
	for _, o := range opts {
		o(cfg)
	}

	var client *gh.Client
	var err error

	switch {
	case cfg.cache != nil:
		client = gh.NewClient(&http.Client{Transport: &installationTransport{
			base:           http.DefaultTransport,
			cache:          cfg.cache,
			installationID: cfg.installID,
		}})
	case cfg.app != nil:
		minter, merr := NewAppMinter(cfg.app.AppID, cfg.app.PrivateKeyPath, cfg.baseURL)
		if merr != nil {
			return nil, fmt.Errorf("configuring GitHub App auth: %w", merr)
		}
		cache := NewTokenCache(minter, 2*time.Minute)
		client = gh.NewClient(&http.Client{Transport: &installationTransport{
			base:           http.DefaultTransport,
			cache:          cache,
			installationID: cfg.app.InstallationID,
		}})
	default:
		client = gh.NewClient(nil).WithAuthToken(token)
	}

	if cfg.baseURL != "" {
		client, err = client.WithEnterpriseURLs(cfg.baseURL, cfg.baseURL)
		if err != nil {
			return nil, fmt.Errorf("setting base URL: %w", err)
		}
	}

	return &Client{
		gh:        client,
		retryOpts: cfg.retryOpts,
		labelIDs:  make(map[string]map[string]string),
	}, nil
}

// GetIssue fetches a single issue by number.
func (c *Client) GetIssue(ctx context.Context, owner, repo string, number int) (Issue, error) {
	return retry.DoVal(ctx, func() (Issue, error) {
		issue, _, err := c.gh.Issues.Get(ctx, owner, repo, number)
		if err != nil {
			return Issue{}, classifyErr(fmt.Errorf("fetching issue: %w", err))
		}
		return issueFromGH(issue), nil
	}, c.retryOpts...)
}

// ListIssuesUpdatedSince returns open and closed issues updated at or after
// since, oldest first. Pull requests are filtered out.
func (c *Client) ListIssuesUpdatedSince(ctx context.Context, owner, repo string, since time.Time) ([]Issue, error) {
	return retry.DoVal(ctx, func() ([]Issue, error) {
		var all []Issue
		opts := &gh.IssueListByRepoOptions{
			State:       "all",
			Since:       since,
			Sort:        "updated",
			Direction:   "asc",
			ListOptions: gh.ListOptions{PerPage: 100},
		}
		for {
			issues, resp, err := c.gh.Issues.ListByRepo(ctx, owner, repo, opts)
			if err != nil {
				return nil, classifyErr(fmt.Errorf("listing issues: %w", err))
			}
			for _, issue := range issues {
				if issue.IsPullRequest() {
					continue
				}
				all = append(all, issueFromGH(issue))
			}
			if resp.NextPage == 0 {
				break
			}
			opts.Page = resp.NextPage
		}
		return all, nil
	}, c.retryOpts...)
}

// CloseIssue marks an issue closed.
func (c *Client) CloseIssue(ctx context.Context, owner, repo string, number int) error {
	return retry.Do(ctx, func() error {
		_, _, err := c.gh.Issues.Edit(ctx, owner, repo, number, &gh.IssueRequest{
			State: gh.Ptr("closed"),
		})
		if err != nil {
			return classifyErr(fmt.Errorf("closing issue: %w", err))
		}
		return nil
	}, c.retryOpts...)
}

// ListIssueComments returns up to limit of the most recent comments on the
// issue, newest first. limit <= 0 means all comments.
func (c *Client) ListIssueComments(ctx context.Context, owner, repo string, number, limit int) ([]IssueComment, error) {
	return retry.DoVal(ctx, func() ([]IssueComment, error) {
		var all []IssueComment
		opts := &gh.IssueListCommentsOptions{
			Sort:        gh.Ptr("created"),
			Direction:   gh.Ptr("desc"),
			ListOptions: gh.ListOptions{PerPage: 100},
		}
		for {
			comments, resp, err := c.gh.Issues.ListComments(ctx, owner, repo, number, opts)
			if err != nil {
				return nil, classifyErr(fmt.Errorf("listing issue comments: %w", err))
			}
			for _, cm := range comments {
				all = append(all, commentFromGH(cm))
				if limit > 0 && len(all) >= limit {
					return all, nil
				}
			}
			if resp.NextPage == 0 {
				break
			}
			opts.Page = resp.NextPage
		}
		return all, nil
	}, c.retryOpts...)
}

// CreateIssueComment posts a comment on the issue.
func (c *Client) CreateIssueComment(ctx context.Context, owner, repo string, number int, body string) (IssueComment, error) {
	return retry.DoVal(ctx, func() (IssueComment, error) {
		ic, _, err := c.gh.Issues.CreateComment(ctx, owner, repo, number, &gh.IssueComment{
			Body: gh.Ptr(body),
		})
		if err != nil {
			return IssueComment{}, classifyErr(fmt.Errorf("creating issue comment: %w", err))
		}
		return commentFromGH(ic), nil
	}, c.retryOpts...)
}

// UpdateIssueComment replaces the body of an existing comment.
func (c *Client) UpdateIssueComment(ctx context.Context, owner, repo string, commentID int64, body string) (IssueComment, error) {
	return retry.DoVal(ctx, func() (IssueComment, error) {
		ic, _, err := c.gh.Issues.EditComment(ctx, owner, repo, commentID, &gh.IssueComment{
			Body: gh.Ptr(body),
		})
		if err != nil {
			return IssueComment{}, classifyErr(fmt.Errorf("updating issue comment: %w", err))
		}
		return commentFromGH(ic), nil
	}, c.retryOpts...)
}

// ListMergedPRs returns PRs merged into base after the given time, oldest
// merge first. Unmerged closed PRs are skipped.
func (c *Client) ListMergedPRs(ctx context.Context, owner, repo, base string, after time.Time) ([]MergedPR, error) {
	return retry.DoVal(ctx, func() ([]MergedPR, error) {
		var all []MergedPR
		opts := &gh.PullRequestListOptions{
			State:       "closed",
			Base:        base,
			Sort:        "updated",
			Direction:   "desc",
			ListOptions: gh.ListOptions{PerPage: 100},
		}
		for {
			prs, resp, err := c.gh.PullRequests.List(ctx, owner, repo, opts)
			if err != nil {
				return nil, classifyErr(fmt.Errorf("listing merged PRs: %w", err))
			}
			exhausted := false
			for _, pr := range prs {
				mergedAt := pr.GetMergedAt().Time
				if mergedAt.IsZero() {
					continue
				}
				// Results are ordered by update time, so an old update
				// means everything past it merged before the cutoff too.
				if pr.GetUpdatedAt().Time.Before(after) {
					exhausted = true
					break
				}
				if !mergedAt.After(after) {
					continue
				}
				all = append(all, MergedPR{
					Number:   pr.GetNumber(),
					HTMLURL:  pr.GetHTMLURL(),
					Title:    pr.GetTitle(),
					HeadRef:  pr.Head.GetRef(),
					MergedAt: mergedAt,
				})
			}
			if exhausted || resp.NextPage == 0 {
				break
			}
			opts.Page = resp.NextPage
		}
		// Oldest merge first so cursor advancement is monotonic.
		for i, j := 0, len(all)-1; i < j; i, j = i+1, j-1 {
			all[i], all[j] = all[j], all[i]
		}
		return all, nil
	}, c.retryOpts...)
}

// ClosingIssueRefs returns the numbers of issues a PR declares it closes.
func (c *Client) ClosingIssueRefs(ctx context.Context, owner, repo string, prNumber int) ([]int, error) {
	const query = `query($owner: String!, $repo: String!, $number: Int!) {
  repository(owner: $owner, name: $repo) {
    pullRequest(number: $number) {
      closingIssuesReferences(first: 50) {
        nodes { number }
      }
    }
  }
}`
	var out struct {
		Repository struct {
			PullRequest struct {
				ClosingIssuesReferences struct {
					Nodes []struct {
						Number int `json:"number"`
					} `json:"nodes"`
				} `json:"closingIssuesReferences"`
			} `json:"pullRequest"`
		} `json:"repository"`
	}
	err := c.graphQL(ctx, query, map[string]any{
		"owner": owner, "repo": repo, "number": prNumber,
	}, &out)
	if err != nil {
		return nil, fmt.Errorf("fetching closing issue refs: %w", err)
	}
	var numbers []int
	for _, n := range out.Repository.PullRequest.ClosingIssuesReferences.Nodes {
		numbers = append(numbers, n.Number)
	}
	return numbers, nil
}

// FetchCheckRuns returns all check runs for the given git ref.
func (c *Client) FetchCheckRuns(ctx context.Context, owner, repo, ref string) ([]CheckRun, error) {
	return retry.DoVal(ctx, func() ([]CheckRun, error) {
		var all []CheckRun
		opts := &gh.ListCheckRunsOptions{
			ListOptions: gh.ListOptions{PerPage: 100},
		}
		for {
			result, resp, err := c.gh.Checks.ListCheckRunsForRef(ctx, owner, repo, ref, opts)
			if err != nil {
				return nil, classifyErr(fmt.Errorf("fetching check runs: %w", err))
			}
			for _, cr := range result.CheckRuns {
				all = append(all, CheckRun{
					ID:         cr.GetID(),
					Name:       cr.GetName(),
					Status:     cr.GetStatus(),
					Conclusion: cr.GetConclusion(),
					HTMLURL:    cr.GetHTMLURL(),
				})
			}
			if resp.NextPage == 0 {
				break
			}
			opts.Page = resp.NextPage
		}
		return all, nil
	}, c.retryOpts...)
}

// graphQL posts a query to the GraphQL endpoint and decodes the data field
// into out. GraphQL-level errors come back as an APIError.
func (c *Client) graphQL(ctx context.Context, query string, variables map[string]any, out any) error {
	payload := map[string]any{
		"query":     query,
		"variables": variables,
	}

	return retry.Do(ctx, func() error {
		req, err := c.gh.NewRequest("POST", "graphql", payload)
		if err != nil {
			return classifyErr(fmt.Errorf("creating graphql request: %w", err))
		}

		var envelope struct {
			Data   json.RawMessage `json:"data"`
			Errors []struct {
				Type    string `json:"type"`
				Message string `json:"message"`
			} `json:"errors"`
		}
		_, err = c.gh.Do(ctx, req, &envelope)
		if err != nil {
			return classifyErr(fmt.Errorf("posting graphql query: %w", err))
		}
		if len(envelope.Errors) > 0 {
			first := envelope.Errors[0]
			apiErr := &APIError{Code: CodeValidation, Message: first.Message}
			switch first.Type {
			case "NOT_FOUND":
				apiErr.Code = CodeNotFound
			case "RATE_LIMITED":
				apiErr.Code = CodeRateLimit
			case "FORBIDDEN":
				apiErr.Code = CodeAuth
			}
			return classifyErr(apiErr)
		}
		if out != nil && len(envelope.Data) > 0 {
			if err := json.Unmarshal(envelope.Data, out); err != nil {
				return retry.Permanent(fmt.Errorf("decoding graphql data: %w", err))
			}
		}
		return nil
	}, c.retryOpts...)
}

func issueFromGH(issue *gh.Issue) Issue {
	out := Issue{
		Number:    issue.GetNumber(),
		NodeID:    issue.GetNodeID(),
		Title:     issue.GetTitle(),
		Body:      issue.GetBody(),
		State:     issue.GetState(),
		User:      issue.GetUser().GetLogin(),
		UpdatedAt: issue.GetUpdatedAt().Time,
		HTMLURL:   issue.GetHTMLURL(),
	}
	for _, l := range issue.Labels {
		out.Labels = append(out.Labels, l.GetName())
	}
	return out
}

func commentFromGH(cm *gh.IssueComment) IssueComment {
	return IssueComment{
		ID:                cm.GetID(),
		Body:              cm.GetBody(),
		User:              cm.GetUser().GetLogin(),
		AuthorAssociation: cm.GetAuthorAssociation(),
		CreatedAt:         cm.GetCreatedAt().Time,
		UpdatedAt:         cm.GetUpdatedAt().Time,
	}
}
