package github

import (
	"context"
	"fmt"
	"strings"

	gh "github.com/google/go-github/v68/github"

	"github.com/uesteibar/ralphd/internal/retry"
)

// Label represents a repository label.
type Label struct {
	Name        string
	Color       string
	Description string
}

// ListLabels returns every label defined on the repository.
func (c *Client) ListLabels(ctx context.Context, owner, repo string) ([]Label, error) {
	return retry.DoVal(ctx, func() ([]Label, error) {
		var all []Label
		opts := &gh.ListOptions{PerPage: 100}
		for {
			labels, resp, err := c.gh.Issues.ListLabels(ctx, owner, repo, opts)
			if err != nil {
				return nil, classifyErr(fmt.Errorf("listing labels: %w", err))
			}
			for _, l := range labels {
				all = append(all, Label{
					Name:        l.GetName(),
					Color:       l.GetColor(),
					Description: l.GetDescription(),
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

// CreateLabel creates a repository label.
func (c *Client) CreateLabel(ctx context.Context, owner, repo string, label Label) error {
	return retry.Do(ctx, func() error {
		_, _, err := c.gh.Issues.CreateLabel(ctx, owner, repo, &gh.Label{
			Name:        gh.Ptr(label.Name),
			Color:       gh.Ptr(label.Color),
			Description: gh.Ptr(label.Description),
		})
		if err != nil {
			return classifyErr(fmt.Errorf("creating label %s: %w", label.Name, err))
		}
		return nil
	}, c.retryOpts...)
}

// UpdateLabel updates an existing label's color and description. name is the
// current label name as stored on GitHub.
func (c *Client) UpdateLabel(ctx context.Context, owner, repo, name string, label Label) error {
	return retry.Do(ctx, func() error {
		_, _, err := c.gh.Issues.EditLabel(ctx, owner, repo, name, &gh.Label{
			Name:        gh.Ptr(label.Name),
			Color:       gh.Ptr(label.Color),
			Description: gh.Ptr(label.Description),
		})
		if err != nil {
			return classifyErr(fmt.Errorf("updating label %s: %w", name, err))
		}
		return nil
	}, c.retryOpts...)
}

// MutateIssueLabels adds and removes labels on an issue in a single GraphQL
// mutation, so observers never see the issue without any of the labels
// involved. Label node IDs are cached per repository.
func (c *Client) MutateIssueLabels(ctx context.Context, owner, repo string, issue Issue, add, remove []string) error {
	if len(add) == 0 && len(remove) == 0 {
		return nil
	}
	if issue.NodeID == "" {
		return &APIError{Code: CodeValidation, Message: fmt.Sprintf("issue %s/%s#%d has no node ID", owner, repo, issue.Number)}
	}

	addIDs, err := c.labelNodeIDs(ctx, owner, repo, add)
	if err != nil {
		return err
	}
	removeIDs, err := c.labelNodeIDs(ctx, owner, repo, remove)
	if err != nil {
		return err
	}
	if len(addIDs) == 0 && len(removeIDs) == 0 {
		return nil
	}

	var sb strings.Builder
	sb.WriteString("mutation($id: ID!")
	if len(addIDs) > 0 {
		sb.WriteString(", $add: [ID!]!")
	}
	if len(removeIDs) > 0 {
		sb.WriteString(", $remove: [ID!]!")
	}
	sb.WriteString(") {\n")
	if len(addIDs) > 0 {
		sb.WriteString("  addLabelsToLabelable(input: {labelableId: $id, labelIds: $add}) { clientMutationId }\n")
	}
	if len(removeIDs) > 0 {
		sb.WriteString("  removeLabelsFromLabelable(input: {labelableId: $id, labelIds: $remove}) { clientMutationId }\n")
	}
	sb.WriteString("}")

	vars := map[string]any{"id": issue.NodeID}
	if len(addIDs) > 0 {
		vars["add"] = addIDs
	}
	if len(removeIDs) > 0 {
		vars["remove"] = removeIDs
	}

	if err := c.graphQL(ctx, sb.String(), vars, nil); err != nil {
		return fmt.Errorf("mutating labels on %s/%s#%d: %w", owner, repo, issue.Number, err)
	}
	return nil
}

// labelNodeIDs resolves label names to GraphQL node IDs, filling the
// per-repo cache on miss. Names are matched case-insensitively. Unknown
// names are skipped rather than failing the whole mutation.
func (c *Client) labelNodeIDs(ctx context.Context, owner, repo string, names []string) ([]string, error) {
	if len(names) == 0 {
		return nil, nil
	}
	key := owner + "/" + repo

	c.labelMu.Lock()
	cached := c.labelIDs[key]
	c.labelMu.Unlock()

	missing := false
	for _, name := range names {
		if _, ok := cached[strings.ToLower(name)]; !ok {
			missing = true
			break
		}
	}
	if missing {
		fresh, err := c.fetchLabelIDs(ctx, owner, repo)
		if err != nil {
			return nil, err
		}
		c.labelMu.Lock()
		c.labelIDs[key] = fresh
		c.labelMu.Unlock()
		cached = fresh
	}

	var ids []string
	for _, name := range names {
		if id, ok := cached[strings.ToLower(name)]; ok {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (c *Client) fetchLabelIDs(ctx context.Context, owner, repo string) (map[string]string, error) {
	const query = `query($owner: String!, $repo: String!, $after: String) {
  repository(owner: $owner, name: $repo) {
    labels(first: 100, after: $after) {
      nodes { id name }
      pageInfo { hasNextPage endCursor }
    }
  }
}`
	ids := make(map[string]string)
	var after *string
	for {
		var out struct {
			Repository struct {
				Labels struct {
					Nodes []struct {
						ID   string `json:"id"`
						Name string `json:"name"`
					} `json:"nodes"`
					PageInfo struct {
						HasNextPage bool   `json:"hasNextPage"`
						EndCursor   string `json:"endCursor"`
					} `json:"pageInfo"`
				} `json:"labels"`
			} `json:"repository"`
		}
		vars := map[string]any{"owner": owner, "repo": repo}
		if after != nil {
			vars["after"] = *after
		}
		if err := c.graphQL(ctx, query, vars, &out); err != nil {
			return nil, fmt.Errorf("fetching label IDs for %s/%s: %w", owner, repo, err)
		}
		for _, n := range out.Repository.Labels.Nodes {
			ids[strings.ToLower(n.Name)] = n.ID
		}
		if !out.Repository.Labels.PageInfo.HasNextPage {
			return ids, nil
		}
		cursor := out.Repository.Labels.PageInfo.EndCursor
		after = &cursor
	}
}
