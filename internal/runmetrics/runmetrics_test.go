package runmetrics

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/uesteibar/ralphd/internal/store"
)

func TestParseEvents_FaultTolerant(t *testing.T) {
	stream := strings.Join([]string{
		`{"type":"run-start","ts":0}`,
		`not json at all`,
		`{"type":"some-future-type","ts":5}`,
		`{"type":"tool-start","ts":10,"toolName":"bash","callId":"c1"}`,
		``,
		`{"type":"tool-end","ts":40,"toolName":"bash","callId":"c1"}`,
		`{"type":"run-end","ts":100,"success":true}`,
	}, "\n")

	res := ParseEvents(strings.NewReader(stream))
	if res.ParseErrors != 1 {
		t.Fatalf("expected 1 parse error, got %d", res.ParseErrors)
	}
	if len(res.Events) != 4 {
		t.Fatalf("expected 4 recognized events, got %d: %+v", len(res.Events), res.Events)
	}
	if res.Events[0].Type != EventRunStart || *res.Events[0].TS != 0 {
		t.Fatalf("first event: %+v", res.Events[0])
	}
	if s := res.Events[3].Success; s == nil || !*s {
		t.Fatalf("run-end success not decoded: %+v", res.Events[3])
	}
}

func TestParseEvents_NonNumericTS(t *testing.T) {
	res := ParseEvents(strings.NewReader(`{"type":"anomaly","ts":"soon"}`))
	if res.ParseErrors != 0 || len(res.Events) != 1 {
		t.Fatalf("event with bad ts is kept: %+v", res)
	}
	if res.Events[0].TS != nil {
		t.Fatal("non-numeric ts must decode to nil")
	}
}

func TestComputeSession_WallAndToolTime(t *testing.T) {
	res := ParseEvents(strings.NewReader(strings.Join([]string{
		`{"type":"run-start","ts":0,"stepTitle":"plan"}`,
		`{"type":"step-start","ts":0,"title":"plan","step":"plan"}`,
		`{"type":"tool-start","ts":100,"toolName":"bash","callId":"a"}`,
		`{"type":"tool-start","ts":150,"toolName":"read","callId":"b"}`,
		`{"type":"tool-end","ts":400,"toolName":"read","callId":"b"}`,
		`{"type":"tool-end","ts":600,"toolName":"bash","callId":"a"}`,
		`{"type":"step-start","ts":1000,"title":"build","step":"build"}`,
		`{"type":"tool-start","ts":1100,"toolName":"bash","callId":"c"}`,
		`{"type":"tool-end","ts":1200,"toolName":"bash","callId":"c"}`,
		`{"type":"run-end","ts":5000,"success":true}`,
	}, "\n")))

	m := ComputeSession("s1", res, SessionFlags{})
	if m.WallMs != 5000 {
		t.Errorf("wall = %d, want 5000", m.WallMs)
	}
	// (400-150) + (600-100) + (1200-1100)
	if m.ToolMs != 850 {
		t.Errorf("tool time = %d, want 850", m.ToolMs)
	}
	if m.ToolCalls != 3 {
		t.Errorf("tool calls = %d, want 3", m.ToolCalls)
	}
	if len(m.Steps) != 2 {
		t.Fatalf("steps: %+v", m.Steps)
	}
	if m.Steps[0].Step != "plan" || m.Steps[0].WallMs != 1000 || m.Steps[0].ToolCalls != 2 {
		t.Errorf("plan step: %+v", m.Steps[0])
	}
	if m.Steps[1].Step != "build" || m.Steps[1].WallMs != 4000 || m.Steps[1].ToolCalls != 1 {
		t.Errorf("build step: %+v", m.Steps[1])
	}
	if m.Quality != QualityOK {
		t.Errorf("quality = %q, want ok", m.Quality)
	}
}

func TestComputeSession_WallFallsBackToLastTS(t *testing.T) {
	res := ParseEvents(strings.NewReader(strings.Join([]string{
		`{"type":"run-start","ts":100}`,
		`{"type":"anomaly","ts":700}`,
	}, "\n")))
	m := ComputeSession("s1", res, SessionFlags{})
	if m.WallMs != 600 {
		t.Fatalf("wall without run-end uses last ts: got %d", m.WallMs)
	}
}

func TestComputeSession_UnmatchedToolEndIgnored(t *testing.T) {
	res := ParseEvents(strings.NewReader(strings.Join([]string{
		`{"type":"run-start","ts":0}`,
		`{"type":"tool-end","ts":300,"toolName":"bash","callId":"ghost"}`,
		`{"type":"run-end","ts":400,"success":false}`,
	}, "\n")))
	m := ComputeSession("s1", res, SessionFlags{})
	if m.ToolMs != 0 {
		t.Fatalf("tool-end without a start contributes nothing, got %d", m.ToolMs)
	}
}

func TestComputeSession_RecentBurstAtEnd(t *testing.T) {
	var lines []string
	lines = append(lines, `{"type":"run-start","ts":0}`)
	// 19 anomalies early in the run, outside the trailing window.
	for i := 0; i < 19; i++ {
		lines = append(lines, fmt.Sprintf(`{"type":"anomaly","ts":%d}`, 1000+i))
	}
	lines = append(lines, `{"type":"run-end","ts":60000,"success":false}`)
	m := ComputeSession("s1", ParseEvents(strings.NewReader(strings.Join(lines, "\n"))), SessionFlags{})
	if m.RecentBurstAtEnd {
		t.Fatal("anomalies outside the trailing 10s must not count as a burst")
	}

	lines = lines[:1]
	for i := 0; i < 20; i++ {
		lines = append(lines, fmt.Sprintf(`{"type":"anomaly","ts":%d}`, 51000+i*100))
	}
	lines = append(lines, `{"type":"run-end","ts":60000,"success":false}`)
	m = ComputeSession("s1", ParseEvents(strings.NewReader(strings.Join(lines, "\n"))), SessionFlags{})
	if !m.RecentBurstAtEnd {
		t.Fatal("20 anomalies in the trailing 10s is a burst")
	}
	if m.Anomalies != 20 {
		t.Fatalf("anomaly count = %d", m.Anomalies)
	}
}

func TestSessionQuality_Ranking(t *testing.T) {
	cases := []struct {
		name  string
		flags SessionFlags
		errs  int
		want  string
	}{
		{"clean", SessionFlags{}, 0, QualityOK},
		{"parse errors", SessionFlags{}, 2, QualityPartial},
		{"tokens missing", SessionFlags{TokensMissing: true}, 0, QualityPartial},
		{"missing file", SessionFlags{Missing: true, TokensMissing: true}, 0, QualityMissing},
		{"too large", SessionFlags{TooLarge: true, Missing: true}, 3, QualityTooLarge},
		{"timed out", SessionFlags{TimedOut: true, TooLarge: true}, 0, QualityTimeout},
		{"error wins over all", SessionFlags{Error: true, TimedOut: true, Missing: true}, 5, QualityError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := ComputeSession("s1", ParseResult{ParseErrors: tc.errs}, tc.flags)
			if m.Quality != tc.want {
				t.Fatalf("quality = %q, want %q", m.Quality, tc.want)
			}
		})
	}
}

func TestAggregateRun(t *testing.T) {
	sessions := []SessionMetrics{
		{
			SessionID: "s1", WallMs: 1000, ToolMs: 400, ToolCalls: 3, Anomalies: 2,
			Quality: QualityOK,
			Steps:   []store.StepMetrics{{Step: "plan", WallMs: 600, ToolCalls: 2}},
		},
		{
			SessionID: "s2", WallMs: 2000, ToolMs: 100, ToolCalls: 1, Anomalies: 0,
			RecentBurstAtEnd: true, Quality: QualityPartial,
			Steps: []store.StepMetrics{
				{Step: "plan", WallMs: 400, ToolCalls: 1},
				{Step: "build", WallMs: 1500, ToolCalls: 0},
			},
		},
	}
	tokens := []store.TokenTotals{
		{InputTokens: 1000, OutputTokens: 200, Complete: true},
		{InputTokens: 3000, OutputTokens: 500, Complete: true},
	}

	m, steps := AggregateRun("run-1", sessions, tokens)
	if m.WallMs != 3000 || m.ToolMs != 500 || m.ToolCalls != 4 || m.Anomalies != 2 {
		t.Fatalf("sums: %+v", m)
	}
	if !m.RecentBurstAtEnd {
		t.Fatal("burst in any session marks the run")
	}
	if m.InputTokens != 4000 || m.OutputTokens != 700 {
		t.Fatalf("token sums: %+v", m)
	}
	if m.Quality != QualityPartial {
		t.Fatalf("run quality is the worst session quality, got %q", m.Quality)
	}
	if len(steps) != 2 || steps[0].Step != "plan" || steps[0].WallMs != 1000 || steps[0].ToolCalls != 3 {
		t.Fatalf("merged steps: %+v", steps)
	}
}

func TestAggregateRun_IncompleteTokensDowngrades(t *testing.T) {
	sessions := []SessionMetrics{{SessionID: "s1", Quality: QualityOK}}

	m, _ := AggregateRun("run-1", sessions, []store.TokenTotals{{InputTokens: 10, Complete: false}})
	if m.Quality != QualityPartial {
		t.Fatalf("incomplete tokens downgrade ok to partial, got %q", m.Quality)
	}

	// A worse verdict is never improved by the downgrade.
	sessions[0].Quality = QualityTimeout
	m, _ = AggregateRun("run-1", sessions, []store.TokenTotals{{Complete: false}})
	if m.Quality != QualityTimeout {
		t.Fatalf("downgrade must not override a worse verdict, got %q", m.Quality)
	}

	m, _ = AggregateRun("run-1", []SessionMetrics{{SessionID: "s1", Quality: QualityOK}}, nil)
	if m.Quality != QualityPartial {
		t.Fatalf("no token rows at all is incomplete accounting, got %q", m.Quality)
	}
}

func TestTriageScore(t *testing.T) {
	quiet := store.RunMetrics{RunID: "r1", WallMs: 60_000, ToolCalls: 5, InputTokens: 800, OutputTokens: 100}
	tq := TriageScore(quiet, nil, OutcomeSuccess)
	if tq.Score > 25 {
		t.Fatalf("quiet successful run should score low, got %d (%v)", tq.Score, tq.Reasons)
	}
	if len(tq.Reasons) != 0 {
		t.Fatalf("no thresholds crossed: %v", tq.Reasons)
	}

	noisy := store.RunMetrics{
		RunID: "r2", WallMs: 5 * msPerHour, ToolMs: msPerHour,
		ToolCalls: 900, Anomalies: 80, RecentBurstAtEnd: true,
		InputTokens: 700_000, OutputTokens: 400_000,
	}
	steps := []store.StepMetrics{{Step: "build", WallMs: 3 * msPerHour, ToolCalls: 700}}
	tn := TriageScore(noisy, steps, "failed")
	if tn.Score <= tq.Score {
		t.Fatalf("noisy failed run must outrank quiet run: %d vs %d", tn.Score, tq.Score)
	}
	if tn.Score > 100 {
		t.Fatalf("score is capped at 100, got %d", tn.Score)
	}
	for _, want := range []string{
		reasonHighTokens, reasonToolChurn, reasonAnomalies,
		reasonBurst, reasonLongWall, reasonLongStep, reasonCostlyFailed,
	} {
		found := false
		for _, r := range tn.Reasons {
			if r == want {
				found = true
			}
		}
		if !found {
			t.Errorf("missing reason %q in %v", want, tn.Reasons)
		}
	}

	// The expensive-failure penalty needs both the failure and the spend.
	cheapFail := store.RunMetrics{RunID: "r3", InputTokens: 100, OutputTokens: 50}
	for _, r := range TriageScore(cheapFail, nil, "failed").Reasons {
		if r == reasonCostlyFailed {
			t.Fatal("cheap failures are not expensive failures")
		}
	}
}

func TestReadSessionEvents_Missing(t *testing.T) {
	dir := t.TempDir()
	_, missing, err := ReadSessionEvents(dir, "nope")
	if err != nil {
		t.Fatalf("missing file is a signal, not an error: %v", err)
	}
	if !missing {
		t.Fatal("expected missing=true")
	}
}

func TestDiscoverSessions(t *testing.T) {
	dir := t.TempDir()
	for _, id := range []string{"s-b", "s-a"} {
		if err := os.MkdirAll(filepath.Join(dir, id), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(EventsPath(dir, id), []byte(`{"type":"run-start","ts":0}`+"\n"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.MkdirAll(filepath.Join(dir, "empty-session"), 0o755); err != nil {
		t.Fatal(err)
	}

	ids, err := DiscoverSessions(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 2 || ids[0] != "s-a" || ids[1] != "s-b" {
		t.Fatalf("discovered %v", ids)
	}
}
