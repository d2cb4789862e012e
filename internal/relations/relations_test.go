package relations

import (
	"context"
	"testing"

	"github.com/uesteibar/ralphd/internal/github"
)

type fakeDeps struct {
	blockedByREST    []github.IssueRef
	blockedByRESTErr error
	subIssuesREST    []github.IssueRef
	subIssuesRESTErr error
	blockedByGQL     []github.IssueRef
	blockedByGQLErr  error
	subIssuesGQL     []github.IssueRef
	subIssuesGQLErr  error
	complete         bool

	restCalls, gqlCalls int
}

func (f *fakeDeps) BlockedByREST(context.Context, string, string, int) ([]github.IssueRef, bool, error) {
	f.restCalls++
	return f.blockedByREST, f.complete, f.blockedByRESTErr
}

func (f *fakeDeps) SubIssuesREST(context.Context, string, string, int) ([]github.IssueRef, bool, error) {
	f.restCalls++
	return f.subIssuesREST, f.complete, f.subIssuesRESTErr
}

func (f *fakeDeps) BlockedByGraphQL(context.Context, string, string, int) ([]github.IssueRef, bool, error) {
	f.gqlCalls++
	return f.blockedByGQL, f.complete, f.blockedByGQLErr
}

func (f *fakeDeps) SubIssuesGraphQL(context.Context, string, string, int) ([]github.IssueRef, bool, error) {
	f.gqlCalls++
	return f.subIssuesGQL, f.complete, f.subIssuesGQLErr
}

func ref(repo string, n int, state string) github.IssueRef {
	return github.IssueRef{Repo: repo, Number: n, State: state}
}

func TestEngine_RESTSignals(t *testing.T) {
	fake := &fakeDeps{
		blockedByREST: []github.IssueRef{ref("o/r", 3, "open")},
		subIssuesREST: []github.IssueRef{ref("o/r", 4, "closed")},
		complete:      true,
	}
	e := NewEngine(fake, nil)

	res, err := e.Evaluate(context.Background(), "o", "r", github.Issue{Number: 1})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Signals) != 2 {
		t.Fatalf("expected 2 signals, got %+v", res.Signals)
	}
	if !res.Coverage.DepsComplete || !res.Coverage.SubIssuesComplete {
		t.Fatalf("expected complete coverage: %+v", res.Coverage)
	}
	if fake.gqlCalls != 0 {
		t.Fatalf("REST worked, GraphQL should not be called")
	}
}

func TestEngine_FallsBackToGraphQLOn404(t *testing.T) {
	fake := &fakeDeps{
		blockedByRESTErr: &github.APIError{Code: github.CodeNotFound, Status: 404},
		subIssuesRESTErr: &github.APIError{Code: github.CodeNotFound, Status: 404},
		blockedByGQL:     []github.IssueRef{ref("o/r", 3, "open")},
		complete:         true,
	}
	e := NewEngine(fake, nil)

	res, err := e.Evaluate(context.Background(), "o", "r", github.Issue{Number: 1})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Signals) != 1 || res.Signals[0].Ref.Number != 3 {
		t.Fatalf("expected GraphQL signal, got %+v", res.Signals)
	}

	// The 404 is remembered: the next evaluation goes straight to GraphQL.
	restBefore := fake.restCalls
	if _, err := e.Evaluate(context.Background(), "o", "r", github.Issue{Number: 2}); err != nil {
		t.Fatal(err)
	}
	if fake.restCalls != restBefore {
		t.Fatalf("REST should be skipped after a 404, calls went %d -> %d", restBefore, fake.restCalls)
	}
}

func TestEngine_GraphQLAuthErrorDisablesKind(t *testing.T) {
	fake := &fakeDeps{
		blockedByRESTErr: &github.APIError{Code: github.CodeNotFound, Status: 404},
		subIssuesRESTErr: &github.APIError{Code: github.CodeNotFound, Status: 404},
		blockedByGQLErr:  &github.APIError{Code: github.CodeAuth, Status: 403},
		subIssuesGQLErr:  &github.APIError{Code: github.CodeAuth, Status: 403},
	}
	e := NewEngine(fake, nil)

	res, err := e.Evaluate(context.Background(), "o", "r", github.Issue{Number: 1})
	if err != nil {
		t.Fatalf("kind unavailability is not an error: %v", err)
	}
	if len(res.Signals) != 0 {
		t.Fatalf("expected no signals, got %+v", res.Signals)
	}
	if res.Coverage.DepsComplete || res.Coverage.SubIssuesComplete {
		t.Fatal("unavailable kinds cannot claim complete coverage")
	}

	gqlBefore := fake.gqlCalls
	e.Evaluate(context.Background(), "o", "r", github.Issue{Number: 2})
	if fake.gqlCalls != gqlBefore {
		t.Fatal("GraphQL should be skipped once the kind is marked down")
	}
}

func TestEngine_TransientErrorPropagates(t *testing.T) {
	fake := &fakeDeps{
		blockedByRESTErr: &github.APIError{Code: github.CodeServer, Status: 500},
	}
	e := NewEngine(fake, nil)

	if _, err := e.Evaluate(context.Background(), "o", "r", github.Issue{Number: 1}); err == nil {
		t.Fatal("server errors must propagate, not mark the ladder")
	}
	if fake.gqlCalls != 0 {
		t.Fatal("a 500 must not advance the ladder to GraphQL")
	}
}

func TestParseBodyDeps(t *testing.T) {
	body := `Implements the frobnicator.

## Blocked by

- [ ] owner/other#12
- [x] #34 some note
- not a checkbox #56
* [ ] (also #78)

## Something else

- [ ] #90
`
	signals := ParseBodyDeps(body, "o/r")
	if len(signals) != 3 {
		t.Fatalf("expected 3 refs, got %+v", signals)
	}
	if signals[0].Ref.Repo != "owner/other" || signals[0].Ref.Number != 12 {
		t.Errorf("signal 0: %+v", signals[0])
	}
	if signals[1].Ref.Repo != "o/r" || signals[1].Ref.Number != 34 {
		t.Errorf("bare ref must resolve to own repo: %+v", signals[1])
	}
	if signals[2].Ref.Number != 78 {
		t.Errorf("signal 2: %+v", signals[2])
	}
	for _, s := range signals {
		if s.Source != SourceBody || s.Kind != KindBlockedBy || s.State != StateUnknown {
			t.Errorf("body signals carry unknown state: %+v", s)
		}
	}
}

func TestParseBodyDeps_NoSection(t *testing.T) {
	if got := ParseBodyDeps("just text with #12 mentioned", "o/r"); len(got) != 0 {
		t.Fatalf("refs outside a blocked-by section must be ignored: %+v", got)
	}
}

func TestDecide(t *testing.T) {
	openBlocker := Signal{Source: SourceGitHub, Kind: KindBlockedBy, State: StateOpen, Ref: ref("o/r", 3, "open")}
	closedSub := Signal{Source: SourceGitHub, Kind: KindSubIssue, State: StateClosed, Ref: ref("o/r", 4, "closed")}
	bodyUnknown := Signal{Source: SourceBody, Kind: KindBlockedBy, State: StateUnknown, Ref: ref("o/r", 5, "unknown")}

	d := Decide(Result{Signals: []Signal{openBlocker}})
	if !d.Blocked || !d.Certain {
		t.Fatalf("open github blocker must block with certainty: %+v", d)
	}

	full := Coverage{DepsComplete: true, SubIssuesComplete: true}
	d = Decide(Result{Signals: []Signal{closedSub}, Coverage: full})
	if !d.Unblocked || !d.Certain {
		t.Fatalf("complete coverage with everything closed is unblocked: %+v", d)
	}

	// Unknown body signal prevents a certain unblock.
	d = Decide(Result{Signals: []Signal{closedSub, bodyUnknown}, Coverage: full})
	if d.Blocked || d.Unblocked || d.Certain {
		t.Fatalf("unknown state must leave the decision open: %+v", d)
	}

	// Incomplete coverage: undecided.
	d = Decide(Result{Signals: []Signal{closedSub}})
	if d.Certain {
		t.Fatalf("incomplete coverage cannot be certain: %+v", d)
	}
}

func TestParentEligibility(t *testing.T) {
	closedSub := func(n int) Signal {
		return Signal{Source: SourceGitHub, Kind: KindSubIssue, State: StateClosed, Ref: ref("o/r", n, "closed")}
	}
	withEvidence := func(github.IssueRef) []Evidence {
		return []Evidence{{Kind: "pr", URL: "https://github.com/o/r/pull/1"}}
	}
	noEvidence := func(github.IssueRef) []Evidence { return nil }

	res := Result{
		Signals:  []Signal{closedSub(1), closedSub(2)},
		Coverage: Coverage{SubIssuesComplete: true},
	}
	el := ParentEligibility(res, withEvidence)
	if !el.Eligible {
		t.Fatalf("expected eligible, got %+v", el)
	}

	el = ParentEligibility(res, noEvidence)
	if el.Eligible || len(el.MissingEvidence) != 2 {
		t.Fatalf("children without evidence must block eligibility: %+v", el)
	}

	open := res
	open.Signals = append([]Signal{}, closedSub(1),
		Signal{Source: SourceGitHub, Kind: KindSubIssue, State: StateOpen, Ref: ref("o/r", 2, "open")})
	if el := ParentEligibility(open, withEvidence); el.Eligible {
		t.Fatal("open sub-issue must block eligibility")
	}

	if el := ParentEligibility(Result{Coverage: Coverage{SubIssuesComplete: true}}, withEvidence); el.Eligible {
		t.Fatal("zero sub-issues is not eligible")
	}

	partial := res
	partial.Coverage.SubIssuesComplete = false
	if el := ParentEligibility(partial, withEvidence); el.Eligible {
		t.Fatal("incomplete coverage is not eligible")
	}

	blocked := res
	blocked.Signals = append(blocked.Signals,
		Signal{Source: SourceGitHub, Kind: KindBlockedBy, State: StateOpen, Ref: ref("o/r", 9, "open")})
	if el := ParentEligibility(blocked, withEvidence); el.Eligible {
		t.Fatal("open blocker must block eligibility")
	}
}
