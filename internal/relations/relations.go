// Package relations resolves an issue's dependency neighborhood: what
// blocks it, what its sub-issues are, and how certain we are that the
// picture is complete.
package relations

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/uesteibar/ralphd/internal/github"
)

// Signal sources.
const (
	SourceGitHub = "github"
	SourceBody   = "body"
)

// Signal kinds.
const (
	KindBlockedBy = "blocked_by"
	KindSubIssue  = "sub_issue"
)

// Signal states.
const (
	StateOpen    = "open"
	StateClosed  = "closed"
	StateUnknown = "unknown"
)

// Signal is one observed dependency edge.
type Signal struct {
	Source string
	Kind   string
	State  string
	Ref    github.IssueRef
}

// Coverage describes how much of the dependency graph the engine saw.
type Coverage struct {
	DepsComplete      bool
	SubIssuesComplete bool
	BodyDeps          bool
}

// Result is the engine's answer for one issue.
type Result struct {
	Signals  []Signal
	Coverage Coverage
}

// DepsAPI is the slice of the GitHub client the engine consumes.
type DepsAPI interface {
	BlockedByREST(ctx context.Context, owner, repo string, number int) ([]github.IssueRef, bool, error)
	SubIssuesREST(ctx context.Context, owner, repo string, number int) ([]github.IssueRef, bool, error)
	BlockedByGraphQL(ctx context.Context, owner, repo string, number int) ([]github.IssueRef, bool, error)
	SubIssuesGraphQL(ctx context.Context, owner, repo string, number int) ([]github.IssueRef, bool, error)
}

type capKey struct {
	repo string
	kind string
}

// Engine fetches dependency signals with a per-repo, per-kind capability
// ladder: REST until a 404 proves the endpoint absent, then GraphQL until
// an auth error or hard GraphQL error proves the kind unavailable globally.
type Engine struct {
	api    DepsAPI
	logger *slog.Logger

	mu              sync.Mutex
	restUnavailable map[capKey]bool
	gqlUnavailable  map[string]bool
}

// NewEngine builds an Engine.
func NewEngine(api DepsAPI, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		api:             api,
		logger:          logger,
		restUnavailable: make(map[capKey]bool),
		gqlUnavailable:  make(map[string]bool),
	}
}

// Evaluate collects the dependency signals for one issue.
func (e *Engine) Evaluate(ctx context.Context, owner, repo string, issue github.Issue) (Result, error) {
	slug := owner + "/" + repo
	var res Result

	deps, depsComplete, err := e.fetchKind(ctx, owner, repo, issue.Number, KindBlockedBy)
	if err != nil {
		return Result{}, fmt.Errorf("evaluating blocked-by for %s#%d: %w", slug, issue.Number, err)
	}
	for _, ref := range deps {
		res.Signals = append(res.Signals, Signal{
			Source: SourceGitHub, Kind: KindBlockedBy, State: ref.State, Ref: ref,
		})
	}
	res.Coverage.DepsComplete = depsComplete

	subs, subsComplete, err := e.fetchKind(ctx, owner, repo, issue.Number, KindSubIssue)
	if err != nil {
		return Result{}, fmt.Errorf("evaluating sub-issues for %s#%d: %w", slug, issue.Number, err)
	}
	for _, ref := range subs {
		res.Signals = append(res.Signals, Signal{
			Source: SourceGitHub, Kind: KindSubIssue, State: ref.State, Ref: ref,
		})
	}
	res.Coverage.SubIssuesComplete = subsComplete

	bodySignals := ParseBodyDeps(issue.Body, slug)
	if len(bodySignals) > 0 {
		res.Coverage.BodyDeps = true
		res.Signals = append(res.Signals, bodySignals...)
	}
	return res, nil
}

// fetchKind walks the capability ladder for one dependency kind. A kind
// with no working API returns no signals and incomplete coverage.
func (e *Engine) fetchKind(ctx context.Context, owner, repo string, number int, kind string) ([]github.IssueRef, bool, error) {
	slug := owner + "/" + repo

	if !e.restDown(slug, kind) {
		refs, complete, err := e.callREST(ctx, owner, repo, number, kind)
		if err == nil {
			return refs, complete, nil
		}
		apiErr, ok := github.AsAPIError(err)
		if !ok {
			return nil, false, err
		}
		if apiErr.Code != github.CodeNotFound {
			return nil, false, err
		}
		e.markRESTDown(slug, kind)
	}

	if e.gqlDown(kind) {
		return nil, false, nil
	}
	refs, complete, err := e.callGraphQL(ctx, owner, repo, number, kind)
	if err == nil {
		return refs, complete, nil
	}
	if apiErr, ok := github.AsAPIError(err); ok {
		switch apiErr.Code {
		case github.CodeAuth, github.CodeNotFound, github.CodeValidation:
			e.logger.Warn("dependency kind unavailable via GraphQL",
				"kind", kind, "repo", slug, "error", apiErr.Message)
			e.markGQLDown(kind)
			return nil, false, nil
		}
	}
	return nil, false, err
}

func (e *Engine) callREST(ctx context.Context, owner, repo string, number int, kind string) ([]github.IssueRef, bool, error) {
	if kind == KindBlockedBy {
		return e.api.BlockedByREST(ctx, owner, repo, number)
	}
	return e.api.SubIssuesREST(ctx, owner, repo, number)
}

func (e *Engine) callGraphQL(ctx context.Context, owner, repo string, number int, kind string) ([]github.IssueRef, bool, error) {
	if kind == KindBlockedBy {
		return e.api.BlockedByGraphQL(ctx, owner, repo, number)
	}
	return e.api.SubIssuesGraphQL(ctx, owner, repo, number)
}

func (e *Engine) restDown(slug, kind string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.restUnavailable[capKey{slug, kind}]
}

func (e *Engine) markRESTDown(slug, kind string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.restUnavailable[capKey{slug, kind}] = true
}

func (e *Engine) gqlDown(kind string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.gqlUnavailable[kind]
}

func (e *Engine) markGQLDown(kind string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.gqlUnavailable[kind] = true
}

// ParseBodyDeps extracts blocked-by references from a "Blocked by" checkbox
// section in the issue body. Bare #N refs resolve against ownRepo. Body
// signals carry state unknown: the body asserts the edge, not its status.
func ParseBodyDeps(body, ownRepo string) []Signal {
	var out []Signal
	inSection := false
	for _, line := range strings.Split(body, "\n") {
		trimmed := strings.TrimSpace(line)
		lower := strings.ToLower(trimmed)

		if isBlockedByHeading(lower) {
			inSection = true
			continue
		}
		if !inSection {
			continue
		}
		if strings.HasPrefix(trimmed, "#") {
			// Next markdown heading ends the section.
			inSection = false
			continue
		}
		if trimmed == "" {
			continue
		}
		ref, ok := parseCheckboxRef(trimmed, ownRepo)
		if !ok {
			continue
		}
		out = append(out, Signal{
			Source: SourceBody, Kind: KindBlockedBy, State: StateUnknown, Ref: ref,
		})
	}
	return out
}

func isBlockedByHeading(lower string) bool {
	lower = strings.TrimLeft(lower, "# ")
	lower = strings.TrimSuffix(lower, ":")
	lower = strings.TrimSuffix(strings.TrimPrefix(lower, "**"), "**")
	return lower == "blocked by"
}

// parseCheckboxRef parses "- [ ] owner/repo#N ..." or "- [x] #N ..." lines.
func parseCheckboxRef(line, ownRepo string) (github.IssueRef, bool) {
	rest, ok := strings.CutPrefix(line, "- [")
	if !ok {
		rest, ok = strings.CutPrefix(line, "* [")
	}
	if !ok || len(rest) < 2 || rest[1] != ']' {
		return github.IssueRef{}, false
	}
	switch rest[0] {
	case ' ', 'x', 'X':
	default:
		return github.IssueRef{}, false
	}

	for _, tok := range strings.Fields(rest[2:]) {
		if ref, ok := parseIssueRef(tok, ownRepo); ok {
			return ref, true
		}
	}
	return github.IssueRef{}, false
}

func parseIssueRef(tok, ownRepo string) (github.IssueRef, bool) {
	tok = strings.Trim(tok, "(),.")
	hash := strings.IndexByte(tok, '#')
	if hash < 0 {
		return github.IssueRef{}, false
	}
	number := 0
	for _, r := range tok[hash+1:] {
		if r < '0' || r > '9' {
			return github.IssueRef{}, false
		}
		number = number*10 + int(r-'0')
	}
	if number == 0 {
		return github.IssueRef{}, false
	}
	repo := ownRepo
	if hash > 0 {
		prefix := tok[:hash]
		if strings.Count(prefix, "/") != 1 {
			return github.IssueRef{}, false
		}
		repo = prefix
	}
	return github.IssueRef{Repo: repo, Number: number, State: StateUnknown}, true
}

// Decision is the blocked/unblocked verdict for an issue.
type Decision struct {
	Blocked   bool
	Unblocked bool
	Certain   bool
}

// Decide projects a Result onto the blocking decision. Blocking transitions
// require certainty; an undecided result keeps the status as it is.
func Decide(res Result) Decision {
	for _, s := range res.Signals {
		if s.Source == SourceGitHub &&
			(s.Kind == KindBlockedBy || s.Kind == KindSubIssue) &&
			s.State == StateOpen {
			return Decision{Blocked: true, Certain: true}
		}
	}
	if res.Coverage.DepsComplete && res.Coverage.SubIssuesComplete {
		for _, s := range res.Signals {
			if s.Kind != KindBlockedBy && s.Kind != KindSubIssue {
				continue
			}
			if s.State == StateOpen || s.State == StateUnknown {
				return Decision{}
			}
		}
		return Decision{Unblocked: true, Certain: true}
	}
	return Decision{}
}

// Evidence is one artifact tying a child issue to delivered work.
type Evidence struct {
	Kind string // pr | commit | other
	URL  string
}

// Eligibility is the parent-verification verdict.
type Eligibility struct {
	Eligible        bool
	Reasons         []string
	MissingEvidence []string
}

// ParentEligibility decides whether a parent issue qualifies for
// verification writeback: full sub-issue coverage, at least one sub-issue,
// everything closed, nothing blocking, and PR-or-commit evidence per child.
func ParentEligibility(res Result, evidence func(ref github.IssueRef) []Evidence) Eligibility {
	var el Eligibility
	fail := func(reason string) {
		el.Reasons = append(el.Reasons, reason)
	}

	if !res.Coverage.SubIssuesComplete {
		fail("sub-issue coverage incomplete")
	}

	subCount := 0
	for _, s := range res.Signals {
		switch s.Kind {
		case KindSubIssue:
			subCount++
			if s.State == StateOpen {
				fail(fmt.Sprintf("sub-issue %s still open", s.Ref))
			}
			if s.State == StateUnknown {
				fail(fmt.Sprintf("sub-issue %s state unknown", s.Ref))
			}
		case KindBlockedBy:
			if s.State == StateOpen {
				fail(fmt.Sprintf("blocked by open %s", s.Ref))
			}
			if s.State == StateUnknown {
				fail(fmt.Sprintf("blocker %s state unknown", s.Ref))
			}
		}
	}
	if subCount == 0 {
		fail("no sub-issues")
	}

	for _, s := range res.Signals {
		if s.Kind != KindSubIssue || s.State != StateClosed {
			continue
		}
		found := false
		for _, ev := range evidence(s.Ref) {
			if ev.Kind == "pr" || ev.Kind == "commit" {
				found = true
				break
			}
		}
		if !found {
			el.MissingEvidence = append(el.MissingEvidence, s.Ref.String())
		}
	}

	el.Eligible = len(el.Reasons) == 0 && len(el.MissingEvidence) == 0
	return el
}
