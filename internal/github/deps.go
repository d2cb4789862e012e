package github

import (
	"context"
	"fmt"

	"github.com/uesteibar/ralphd/internal/retry"
)

// IssueRef is a dependency-graph neighbor of an issue.
type IssueRef struct {
	Repo   string // owner/name
	Number int
	State  string // open | closed | unknown
}

func (r IssueRef) String() string {
	return fmt.Sprintf("%s#%d", r.Repo, r.Number)
}

type restDepIssue struct {
	Number     int    `json:"number"`
	State      string `json:"state"`
	Repository struct {
		FullName string `json:"full_name"`
	} `json:"repository"`
}

// listDepsREST fetches one of the issue-dependency REST collections. The
// second return reports coverage: true only when no further page exists.
func (c *Client) listDepsREST(ctx context.Context, owner, repo string, number int, collection string) ([]IssueRef, bool, error) {
	return c.pagedDeps(ctx, func(page int) ([]IssueRef, int, error) {
		u := fmt.Sprintf("repos/%s/%s/issues/%d/%s?per_page=100&page=%d", owner, repo, number, collection, page)
		req, err := c.gh.NewRequest("GET", u, nil)
		if err != nil {
			return nil, 0, classifyErr(fmt.Errorf("creating %s request: %w", collection, err))
		}
		var raw []restDepIssue
		resp, err := c.gh.Do(ctx, req, &raw)
		if err != nil {
			return nil, 0, classifyErr(fmt.Errorf("listing %s: %w", collection, err))
		}
		refs := make([]IssueRef, 0, len(raw))
		for _, d := range raw {
			ref := IssueRef{Repo: d.Repository.FullName, Number: d.Number, State: d.State}
			if ref.Repo == "" {
				ref.Repo = owner + "/" + repo
			}
			if ref.State == "" {
				ref.State = "unknown"
			}
			refs = append(refs, ref)
		}
		return refs, resp.NextPage, nil
	})
}

func (c *Client) pagedDeps(ctx context.Context, fetch func(page int) ([]IssueRef, int, error)) ([]IssueRef, bool, error) {
	type result struct {
		refs     []IssueRef
		complete bool
	}
	res, err := retry.DoVal(ctx, func() (result, error) {
		var all []IssueRef
		page := 1
		for {
			refs, next, err := fetch(page)
			if err != nil {
				return result{}, err
			}
			all = append(all, refs...)
			if next == 0 {
				return result{refs: all, complete: true}, nil
			}
			page = next
		}
	}, c.retryOpts...)
	return res.refs, res.complete, err
}

// BlockedByREST lists the issues blocking this one via the REST
// dependencies API.
func (c *Client) BlockedByREST(ctx context.Context, owner, repo string, number int) ([]IssueRef, bool, error) {
	return c.listDepsREST(ctx, owner, repo, number, "dependencies/blocked_by")
}

// SubIssuesREST lists the issue's sub-issues via the REST sub-issues API.
func (c *Client) SubIssuesREST(ctx context.Context, owner, repo string, number int) ([]IssueRef, bool, error) {
	return c.listDepsREST(ctx, owner, repo, number, "sub_issues")
}

type gqlDepPage struct {
	Nodes []struct {
		Number     int    `json:"number"`
		State      string `json:"state"`
		Repository struct {
			NameWithOwner string `json:"nameWithOwner"`
		} `json:"repository"`
	} `json:"nodes"`
	PageInfo *struct {
		HasNextPage bool   `json:"hasNextPage"`
		EndCursor   string `json:"endCursor"`
	} `json:"pageInfo"`
}

func (c *Client) listDepsGraphQL(ctx context.Context, owner, repo string, number int, field string) ([]IssueRef, bool, error) {
	query := fmt.Sprintf(`query($owner: String!, $repo: String!, $number: Int!, $after: String) {
  repository(owner: $owner, name: $repo) {
    issue(number: $number) {
      %s(first: 100, after: $after) {
        nodes { number state repository { nameWithOwner } }
        pageInfo { hasNextPage endCursor }
      }
    }
  }
}`, field)

	var all []IssueRef
	complete := false
	var after *string
	for {
		var out struct {
			Repository struct {
				Issue map[string]gqlDepPage `json:"issue"`
			} `json:"repository"`
		}
		vars := map[string]any{"owner": owner, "repo": repo, "number": number}
		if after != nil {
			vars["after"] = *after
		}
		if err := c.graphQL(ctx, query, vars, &out); err != nil {
			return nil, false, fmt.Errorf("listing %s: %w", field, err)
		}
		page := out.Repository.Issue[field]
		for _, n := range page.Nodes {
			state := "unknown"
			switch n.State {
			case "OPEN", "open":
				state = "open"
			case "CLOSED", "closed":
				state = "closed"
			}
			repoName := n.Repository.NameWithOwner
			if repoName == "" {
				repoName = owner + "/" + repo
			}
			all = append(all, IssueRef{Repo: repoName, Number: n.Number, State: state})
		}
		// A missing pageInfo does not prove coverage.
		if page.PageInfo == nil {
			return all, false, nil
		}
		if !page.PageInfo.HasNextPage {
			complete = true
			break
		}
		cursor := page.PageInfo.EndCursor
		after = &cursor
	}
	return all, complete, nil
}

// BlockedByGraphQL lists blocking issues through the GraphQL API.
func (c *Client) BlockedByGraphQL(ctx context.Context, owner, repo string, number int) ([]IssueRef, bool, error) {
	return c.listDepsGraphQL(ctx, owner, repo, number, "blockedBy")
}

// SubIssuesGraphQL lists sub-issues through the GraphQL API.
func (c *Client) SubIssuesGraphQL(ctx context.Context, owner, repo string, number int) ([]IssueRef, bool, error) {
	return c.listDepsGraphQL(ctx, owner, repo, number, "subIssues")
}
