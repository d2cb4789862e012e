package scheduler

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/uesteibar/ralphd/internal/agent"
	"github.com/uesteibar/ralphd/internal/config"
	"github.com/uesteibar/ralphd/internal/daemon"
	"github.com/uesteibar/ralphd/internal/github"
	"github.com/uesteibar/ralphd/internal/queue"
	"github.com/uesteibar/ralphd/internal/store"
)

func TestClassify(t *testing.T) {
	resume := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	cases := []struct {
		name string
		err  error
		want Class
	}{
		{"auth api error", &github.APIError{Code: github.CodeAuth, Status: 401}, ClassAuth},
		{"rate limit", &github.APIError{Code: github.CodeRateLimit, Status: 403, ResumeAt: resume}, ClassRateLimit},
		{"server error", &github.APIError{Code: github.CodeServer, Status: 502}, ClassTransient},
		{"network error", &github.APIError{Code: github.CodeNetwork}, ClassTransient},
		{"validation", &github.APIError{Code: github.CodeValidation, Status: 422}, ClassUnknown},
		{"plain text auth", errors.New("remote: Permission denied (publickey)"), ClassAuth},
		{"plain text reset", errors.New("read tcp: connection reset by peer"), ClassTransient},
		{"mystery", errors.New("something odd happened"), ClassUnknown},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := Classify(tc.err)
			if c.Class != tc.want {
				t.Fatalf("Classify(%v) = %s, want %s", tc.err, c.Class, tc.want)
			}
		})
	}

	c := Classify(&github.APIError{Code: github.CodeRateLimit, Status: 403, ResumeAt: resume})
	if !c.ResumeAt.Equal(resume) {
		t.Fatalf("rate limit must carry the resume time, got %v", c.ResumeAt)
	}
}

func TestClassifyText(t *testing.T) {
	cases := []struct {
		text string
		want Class
	}{
		{"You have exceeded a secondary rate limit", ClassRateLimit},
		{"API rate limit exceeded for installation", ClassRateLimit},
		{"HTTP 502 Bad Gateway", ClassTransient},
		{"request timed out after 30s", ClassTransient},
		{"dial tcp: ECONNRESET", ClassTransient},
		{"403 Forbidden: Resource not accessible", ClassAuth},
		{"fatal: could not read Username", ClassUnknown},
	}
	for _, tc := range cases {
		if got := ClassifyText(tc.text); got != tc.want {
			t.Errorf("ClassifyText(%q) = %s, want %s", tc.text, got, tc.want)
		}
	}
}

func TestCheckPoller(t *testing.T) {
	p := &CheckPoller{Base: 15 * time.Second, Max: 4 * time.Minute, Multiplier: 1.5}

	if d := p.Next("sig-a"); d != 15*time.Second {
		t.Fatalf("first delay = %v", d)
	}
	if d := p.Next("sig-a"); d != 22500*time.Millisecond {
		t.Fatalf("second delay = %v", d)
	}
	for i := 0; i < 20; i++ {
		if d := p.Next("sig-a"); d > 4*time.Minute {
			t.Fatalf("delay exceeded max: %v", d)
		}
	}
	if d := p.Next("sig-b"); d != 15*time.Second {
		t.Fatalf("signature change must reset to base, got %v", d)
	}
}

func TestCheckSignature(t *testing.T) {
	a := []github.CheckRun{{Name: "ci", Status: "completed", Conclusion: "success"}}
	b := []github.CheckRun{{Name: "ci", Status: "in_progress"}}
	if CheckSignature(a) == CheckSignature(b) {
		t.Fatal("different check states must differ in signature")
	}
	shuffled := []github.CheckRun{
		{Name: "lint", Status: "completed", Conclusion: "success"},
		{Name: "ci", Status: "completed", Conclusion: "success"},
	}
	ordered := []github.CheckRun{shuffled[1], shuffled[0]}
	if CheckSignature(shuffled) != CheckSignature(ordered) {
		t.Fatal("signature must be order-independent")
	}
}

// --- worker fixtures ---

type statusCall struct {
	issue  int
	target string
	patch  store.TaskPatch
}

type fakeDriver struct {
	mu       sync.Mutex
	claims   []int
	claimErr error
	statuses []statusCall
	healed   []int
}

func (d *fakeDriver) Claim(_ context.Context, _, _ string, issue github.Issue, _, _ string, _ int) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.claimErr != nil {
		return false, d.claimErr
	}
	d.claims = append(d.claims, issue.Number)
	return true, nil
}

func (d *fakeDriver) SetStatus(_ context.Context, _, _ string, issue github.Issue, target string, patch store.TaskPatch) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.statuses = append(d.statuses, statusCall{issue: issue.Number, target: target, patch: patch})
	return nil
}

func (d *fakeDriver) Heal(_ context.Context, _, _ string, issue github.Issue, _ string, _ bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.healed = append(d.healed, issue.Number)
	return nil
}

func (d *fakeDriver) EnsureWorkflowLabels(context.Context, string, string) error { return nil }

func (d *fakeDriver) lastStatus() (statusCall, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.statuses) == 0 {
		return statusCall{}, false
	}
	return d.statuses[len(d.statuses)-1], true
}

type fakeRunner struct {
	mu      sync.Mutex
	results []stageOutcome
	calls   []string // step keys in order
}

type stageOutcome struct {
	res StageResult
	err error
}

func (r *fakeRunner) RunStage(_ context.Context, _ store.Task, _ Stage, stepKey string) (StageResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, stepKey)
	if len(r.results) == 0 {
		return StageResult{SessionID: "s-test"}, nil
	}
	out := r.results[0]
	r.results = r.results[1:]
	return out.res, out.err
}

func (r *fakeRunner) Compact(context.Context, string) error { return nil }

func (r *fakeRunner) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

type fixture struct {
	store  *store.Store
	driver *fakeDriver
	runner *fakeRunner
	worker *Worker
	ctl    daemon.Control
	ctlMu  sync.Mutex
}

func (f *fixture) setControl(ctl daemon.Control) {
	f.ctlMu.Lock()
	defer f.ctlMu.Unlock()
	f.ctl = ctl
}

type noIssues struct{}

func (noIssues) ListIssuesUpdatedSince(context.Context, string, string, time.Time) ([]github.Issue, error) {
	return nil, nil
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "state.sqlite"))
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	f := &fixture{store: st, driver: &fakeDriver{}, runner: &fakeRunner{}}
	f.ctl = daemon.DefaultControl()
	f.worker = NewWorker(WorkerConfig{
		Repo:     config.RepoConfig{Owner: "o", Name: "r", MaxSlots: 2},
		DaemonID: "d-test",
		WorkerID: "w-test",
		Store:    st,
		Driver:   f.driver,
		Issues:   noIssues{},
		Runner:   f.runner,
		Control: func() (daemon.Control, error) {
			f.ctlMu.Lock()
			defer f.ctlMu.Unlock()
			return f.ctl, nil
		},
	})
	f.worker.sleep = func(context.Context, time.Duration) error { return nil }
	f.worker.jitter = func(time.Duration) time.Duration { return 0 }
	return f
}

func (f *fixture) seedQueued(t *testing.T, issueNumber int) github.Issue {
	t.Helper()
	snap := store.IssueSnapshot{
		Repo:         "o/r",
		IssueNumber:  issueNumber,
		Title:        "seeded",
		State:        "open",
		GithubNodeID: "NODE",
		Labels:       []string{"ralph:status:queued"},
	}
	if err := f.store.UpsertIssueSnapshot(snap); err != nil {
		t.Fatal(err)
	}
	if err := f.store.UpsertTask("o/r", issueNumber, store.TaskPatch{Status: store.Str(queue.StatusQueued)}); err != nil {
		t.Fatal(err)
	}
	return issueFromSnapshot(snap)
}

func TestWorker_Tick_ClaimsAndRunsPipeline(t *testing.T) {
	f := newFixture(t)
	f.seedQueued(t, 7)

	if err := f.worker.Tick(context.Background()); err != nil {
		t.Fatal(err)
	}
	f.worker.Wait()

	if len(f.driver.claims) != 1 || f.driver.claims[0] != 7 {
		t.Fatalf("claims: %v", f.driver.claims)
	}
	if got := f.runner.callCount(); got != len(DefaultPipeline) {
		t.Fatalf("expected %d stage invocations, got %d", len(DefaultPipeline), got)
	}

	// Checkpoint events were claimed once each through the ledger.
	has, err := f.store.HasKey("checkpoint:o/r#7:after-plan:1")
	if err != nil || !has {
		t.Fatalf("expected claimed checkpoint key, has=%v err=%v", has, err)
	}
}

func TestWorker_Tick_NoClaimsWhileDraining(t *testing.T) {
	for _, mode := range []string{daemon.ModeDraining, daemon.ModePaused} {
		f := newFixture(t)
		f.seedQueued(t, 7)
		f.setControl(daemon.Control{Mode: mode})

		if err := f.worker.Tick(context.Background()); err != nil {
			t.Fatal(err)
		}
		f.worker.Wait()
		if len(f.driver.claims) != 0 {
			t.Fatalf("mode %s must accept no claims, got %v", mode, f.driver.claims)
		}
	}
}

func TestWorker_Tick_SkipsNonClaimable(t *testing.T) {
	f := newFixture(t)
	snap := store.IssueSnapshot{
		Repo: "o/r", IssueNumber: 8, State: "open",
		Labels: []string{"ralph:status:queued", "ralph:status:blocked"},
	}
	if err := f.store.UpsertIssueSnapshot(snap); err != nil {
		t.Fatal(err)
	}

	if err := f.worker.Tick(context.Background()); err != nil {
		t.Fatal(err)
	}
	f.worker.Wait()
	if len(f.driver.claims) != 0 {
		t.Fatalf("blocked issue must not be claimed: %v", f.driver.claims)
	}
}

func TestWorker_Tick_HealsConflictingStatusLabels(t *testing.T) {
	f := newFixture(t)
	snap := store.IssueSnapshot{
		Repo: "o/r", IssueNumber: 8, State: "open",
		Labels: []string{"ralph:status:queued", "ralph:status:paused"},
	}
	if err := f.store.UpsertIssueSnapshot(snap); err != nil {
		t.Fatal(err)
	}

	if err := f.worker.Tick(context.Background()); err != nil {
		t.Fatal(err)
	}
	f.worker.Wait()

	if len(f.driver.healed) != 1 || f.driver.healed[0] != 8 {
		t.Fatalf("healed = %v, want issue 8", f.driver.healed)
	}
	if len(f.driver.claims) != 0 {
		t.Fatalf("conflicted issue must not be claimed this tick: %v", f.driver.claims)
	}
}

func TestWorker_StageAuthErrorBlocksTask(t *testing.T) {
	f := newFixture(t)
	issue := f.seedQueued(t, 9)
	f.runner.results = []stageOutcome{
		{err: &github.APIError{Code: github.CodeAuth, Status: 401}},
	}

	f.worker.runTask(context.Background(), issue)

	last, ok := f.driver.lastStatus()
	if !ok || last.target != queue.StatusBlocked {
		t.Fatalf("expected blocked transition, got %+v", last)
	}
	if last.patch.BlockedSource == nil || *last.patch.BlockedSource != "auth" {
		t.Fatalf("blocked source must be auth: %+v", last.patch)
	}
}

func TestWorker_StageRateLimitThrottlesTask(t *testing.T) {
	f := newFixture(t)
	issue := f.seedQueued(t, 10)
	resume := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	f.runner.results = []stageOutcome{
		{err: &github.APIError{Code: github.CodeRateLimit, Status: 403, ResumeAt: resume}},
	}

	f.worker.runTask(context.Background(), issue)

	last, ok := f.driver.lastStatus()
	if !ok || last.target != queue.StatusThrottled {
		t.Fatalf("expected throttled transition, got %+v", last)
	}
	if last.patch.ResumeAt == nil || !last.patch.ResumeAt.Equal(resume) {
		t.Fatalf("resume time must come from the plan: %+v", last.patch)
	}
}

func TestWorker_TransientRetriesThenSucceeds(t *testing.T) {
	f := newFixture(t)
	issue := f.seedQueued(t, 11)
	f.runner.results = []stageOutcome{
		{err: &github.APIError{Code: github.CodeServer, Status: 503}},
		{err: &github.APIError{Code: github.CodeServer, Status: 503}},
	}

	f.worker.runTask(context.Background(), issue)

	// 2 failures + 1 success for the first stage, then the remaining stages.
	want := 2 + len(DefaultPipeline)
	if got := f.runner.callCount(); got != want {
		t.Fatalf("expected %d invocations, got %d", want, got)
	}
	if last, ok := f.driver.lastStatus(); ok && last.target != queue.StatusInProgress {
		t.Fatalf("no terminal transition expected, got %+v", last)
	}
}

func TestWorker_UnknownErrorEscalatesPastBudget(t *testing.T) {
	f := newFixture(t)
	issue := f.seedQueued(t, 12)
	if err := f.store.UpsertTask("o/r", 12, store.TaskPatch{WatchdogRetries: store.Int(config.EscalateAfterRetries - 1)}); err != nil {
		t.Fatal(err)
	}
	f.runner.results = []stageOutcome{{err: errors.New("mystery failure")}}

	f.worker.runTask(context.Background(), issue)

	last, ok := f.driver.lastStatus()
	if !ok || last.target != queue.StatusEscalated {
		t.Fatalf("expected escalated transition, got %+v", last)
	}
}

func TestWorker_UnknownErrorRequeuesWithinBudget(t *testing.T) {
	f := newFixture(t)
	issue := f.seedQueued(t, 13)
	f.runner.results = []stageOutcome{{err: errors.New("mystery failure")}}

	f.worker.runTask(context.Background(), issue)

	last, ok := f.driver.lastStatus()
	if !ok || last.target != queue.StatusQueued {
		t.Fatalf("expected requeue, got %+v", last)
	}
	if last.patch.WatchdogRetries == nil || *last.patch.WatchdogRetries != 1 {
		t.Fatalf("retry count must persist: %+v", last.patch)
	}
}

func TestWorker_GuardrailReturnsTaskToQueue(t *testing.T) {
	f := newFixture(t)
	issue := f.seedQueued(t, 14)
	f.runner.results = []stageOutcome{
		{res: StageResult{
			GuardrailTimeout: &agent.GuardrailTimeout{Kind: agent.KindGuardrailTimeout, Reason: agent.ReasonWallTime},
		}},
	}

	f.worker.runTask(context.Background(), issue)

	last, ok := f.driver.lastStatus()
	if !ok || last.target != queue.StatusQueued {
		t.Fatalf("guardrail kill must requeue, got %+v", last)
	}
}

func TestWorker_GuardrailWithThrottleSymptomsThrottles(t *testing.T) {
	f := newFixture(t)
	issue := f.seedQueued(t, 17)
	f.runner.results = []stageOutcome{
		{res: StageResult{
			Output:           "last response: You have exceeded a secondary rate limit",
			GuardrailTimeout: &agent.GuardrailTimeout{Kind: agent.KindGuardrailTimeout, Reason: agent.ReasonToolChurn},
		}},
	}

	f.worker.runTask(context.Background(), issue)

	last, ok := f.driver.lastStatus()
	if !ok || last.target != queue.StatusThrottled {
		t.Fatalf("throttling symptoms must throttle, got %+v", last)
	}
	if last.patch.ResumeAt == nil || last.patch.ResumeAt.IsZero() {
		t.Fatalf("throttle needs a resume time: %+v", last.patch)
	}
}

func TestWorker_PauseAtCheckpoint(t *testing.T) {
	f := newFixture(t)
	issue := f.seedQueued(t, 15)

	paused := true
	f.worker.control = func() (daemon.Control, error) {
		f.ctlMu.Lock()
		defer f.ctlMu.Unlock()
		ctl := daemon.DefaultControl()
		req := paused
		ctl.PauseRequested = &req
		return ctl, nil
	}
	// The first sleep inside the pause wait clears the request.
	f.worker.sleep = func(context.Context, time.Duration) error {
		f.ctlMu.Lock()
		paused = false
		f.ctlMu.Unlock()
		return nil
	}

	f.worker.runTask(context.Background(), issue)

	var sawPause, sawResume bool
	f.driver.mu.Lock()
	for _, s := range f.driver.statuses {
		if s.target == queue.StatusPaused {
			sawPause = true
		}
		if sawPause && s.target == queue.StatusInProgress {
			sawResume = true
		}
	}
	f.driver.mu.Unlock()
	if !sawPause || !sawResume {
		t.Fatalf("expected pause then resume transitions, got %+v", f.driver.statuses)
	}
}

func TestParseStageOutput(t *testing.T) {
	out := "cloning repo\n" +
		`RALPH_GATE: {"gate":"ci","status":"fail","detail":"2 tests failed","excerpt":"--- FAIL: TestX"}` + "\n" +
		"RALPH_GATE: not json\n" +
		`RALPH_GATE: {"status":"pass"}` + "\n" +
		`RALPH_PR: {"number":41,"headRef":"old"}` + "\n" +
		`RALPH_PR: {"number":42,"headRef":"ralph/issue-7"}` + "\n" +
		"done\n"

	gates, pr := ParseStageOutput(out)
	if len(gates) != 1 || gates[0].Gate != "ci" || gates[0].Status != "fail" {
		t.Fatalf("gates = %+v, want one ci fail", gates)
	}
	if gates[0].Excerpt != "--- FAIL: TestX" {
		t.Fatalf("excerpt = %q", gates[0].Excerpt)
	}
	if pr == nil || pr.Number != 42 || pr.HeadRef != "ralph/issue-7" {
		t.Fatalf("pr = %+v, want the last reported PR", pr)
	}
}

func TestWorker_FailedGateVetoesPRStage(t *testing.T) {
	f := newFixture(t)
	issue := f.seedQueued(t, 18)
	if err := f.store.CreateRun(store.Run{
		RunID: "run-gate", Repo: "o/r", IssueNumber: 18,
		AttemptKind: "gate", StartedAt: time.Now(),
	}); err != nil {
		t.Fatal(err)
	}
	if err := f.store.UpsertGateResult("run-gate", "ci", store.GateResultPatch{Status: store.Str("fail")}); err != nil {
		t.Fatal(err)
	}

	f.worker.runTask(context.Background(), issue)

	// plan, build, verify, gate ran; the pr stage never did.
	if got := f.runner.callCount(); got != len(DefaultPipeline)-1 {
		t.Fatalf("expected %d stage invocations, got %d", len(DefaultPipeline)-1, got)
	}
	last, ok := f.driver.lastStatus()
	if !ok || last.target != queue.StatusQueued {
		t.Fatalf("expected requeue on failed gate, got %+v", last)
	}
	if last.patch.WatchdogRetries == nil || *last.patch.WatchdogRetries != 1 {
		t.Fatalf("retry count must persist: %+v", last.patch)
	}
}

type fakeChecks struct {
	mu    sync.Mutex
	runs  [][]github.CheckRun
	calls int
}

func (c *fakeChecks) FetchCheckRuns(context.Context, string, string, string) ([]github.CheckRun, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if len(c.runs) == 0 {
		return nil, nil
	}
	out := c.runs[0]
	if len(c.runs) > 1 {
		c.runs = c.runs[1:]
	}
	return out, nil
}

func TestWorker_RequiredChecksRecordedAsGate(t *testing.T) {
	f := newFixture(t)
	issue := f.seedQueued(t, 19)
	checks := &fakeChecks{runs: [][]github.CheckRun{
		{{Name: "ci", Status: "in_progress"}},
		{{Name: "ci", Status: "completed", Conclusion: "success"}},
	}}
	f.worker.checks = checks

	if err := f.store.CreateRun(store.Run{
		RunID: "run-pr", Repo: "o/r", IssueNumber: 19,
		AttemptKind: "pr", StartedAt: time.Now(),
	}); err != nil {
		t.Fatal(err)
	}
	f.runner.results = []stageOutcome{
		{res: StageResult{SessionID: "s-test"}},
		{res: StageResult{SessionID: "s-test"}},
		{res: StageResult{SessionID: "s-test"}},
		{res: StageResult{SessionID: "s-test"}},
		{res: StageResult{SessionID: "s-test", RunID: "run-pr", PR: &PROpened{Number: 42, HeadRef: "ralph/issue-19"}}},
	}

	f.worker.runTask(context.Background(), issue)

	if checks.calls != 2 {
		t.Fatalf("check fetches = %d, want 2 (one pending, one final)", checks.calls)
	}
	gates, err := f.store.LatestGateResultsForIssue("o/r", 19)
	if err != nil {
		t.Fatal(err)
	}
	if g := gates["checks"]; g.Status != "pass" {
		t.Fatalf("checks gate = %+v, want pass", g)
	}
}

func TestWorker_ResumeThrottled(t *testing.T) {
	f := newFixture(t)
	f.seedQueued(t, 16)
	past := time.Now().Add(-time.Minute)
	if err := f.store.UpsertTask("o/r", 16, store.TaskPatch{
		Status:   store.Str(queue.StatusThrottled),
		ResumeAt: store.Time(past),
	}); err != nil {
		t.Fatal(err)
	}

	f.worker.resumeThrottled(context.Background())

	last, ok := f.driver.lastStatus()
	if !ok || last.target != queue.StatusQueued || last.issue != 16 {
		t.Fatalf("expected requeue of throttled task, got %+v", last)
	}
}

func TestScheduler_RecoverStale(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "state.sqlite"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	old := time.Now().Add(-time.Hour)
	seed := func(issue int, daemonID string) {
		if err := st.UpsertTask("o/r", issue, store.TaskPatch{
			Status:      store.Str(queue.StatusInProgress),
			DaemonID:    store.Str(daemonID),
			HeartbeatAt: store.Time(old),
			SessionID:   store.Str("s-x"),
		}); err != nil {
			t.Fatal(err)
		}
	}
	seed(1, "d-dead")
	seed(2, "d-live")
	seed(3, "d-self")

	driver := &fakeDriver{}
	cfg := &config.Config{
		Repos:   []config.RepoConfig{{Owner: "o", Name: "r"}},
		Workers: config.WorkerConfig{MaxWorkers: 1, StaleTTL: 5 * time.Minute, HeartbeatInterval: time.Minute, TickInterval: time.Minute},
	}
	s := New(Config{
		Cfg:      cfg,
		DaemonID: "d-self",
		Store:    st,
		Driver:   driver,
		Issues:   noIssues{},
		Runner:   &fakeRunner{},
		Control:  func() (daemon.Control, error) { return daemon.DefaultControl(), nil },
		OwnerAlive: func(daemonID string) bool {
			return daemonID == "d-live"
		},
	})

	s.RecoverStale(context.Background())

	task1, err := st.GetTask("o/r", 1)
	if err != nil {
		t.Fatal(err)
	}
	if task1.Status != queue.StatusQueued || task1.SessionID != "" || task1.DaemonID != "" {
		t.Fatalf("dead owner's task must be recovered and cleared: %+v", task1)
	}

	task2, _ := st.GetTask("o/r", 2)
	if task2.Status != queue.StatusInProgress {
		t.Fatalf("live foreign owner's task must be left alone: %+v", task2)
	}
	task3, _ := st.GetTask("o/r", 3)
	if task3.Status != queue.StatusInProgress {
		t.Fatalf("own task must be left alone: %+v", task3)
	}
}
