package runmetrics

import (
	"fmt"
	"math"
	"sort"

	"github.com/uesteibar/ralphd/internal/store"
)

// Quality verdicts, best to worst.
const (
	QualityOK       = "ok"
	QualityPartial  = "partial"
	QualityMissing  = "missing"
	QualityTooLarge = "too_large"
	QualityTimeout  = "timeout"
	QualityError    = "error"
)

var qualityRank = map[string]int{
	QualityOK:       0,
	QualityPartial:  1,
	QualityMissing:  2,
	QualityTooLarge: 3,
	QualityTimeout:  4,
	QualityError:    5,
}

// WorstQuality returns the worse of two verdicts.
func WorstQuality(a, b string) string {
	if qualityRank[b] > qualityRank[a] {
		return b
	}
	return a
}

// Anomaly burst detection: this many anomalies within the trailing window.
const (
	burstWindowMs = 10_000
	burstCount    = 20
)

// SessionFlags are out-of-band facts about a session that the event stream
// cannot carry itself.
type SessionFlags struct {
	Missing       bool // event file absent
	TooLarge      bool // event file exceeded the ingest cap
	TimedOut      bool // session hit a guardrail timeout
	Error         bool // session ended in an agent error
	TokensMissing bool // no token totals recorded for the session
}

// SessionMetrics is the computed view of one session.
type SessionMetrics struct {
	SessionID        string
	WallMs           int64
	ToolMs           int64
	ToolCalls        int
	Anomalies        int
	RecentBurstAtEnd bool
	Steps            []store.StepMetrics
	ParseErrors      int
	Quality          string
}

// ComputeSession derives per-session metrics from a parsed event stream.
// Aggregation is order-independent except wall and step time, which take the
// first run-start and first-seen step boundaries.
func ComputeSession(sessionID string, res ParseResult, flags SessionFlags) SessionMetrics {
	m := SessionMetrics{
		SessionID:   sessionID,
		ParseErrors: res.ParseErrors,
	}

	var (
		firstRunStart *float64
		lastRunEnd    *float64
		lastTs        *float64
		toolStarts    = map[string]float64{}
		anomalyTs     []float64
	)

	type stepMark struct {
		name string
		ts   float64
	}
	var steps []stepMark
	stepCalls := map[string]int{}
	currentStep := ""

	for _, ev := range res.Events {
		if ev.TS != nil {
			ts := *ev.TS
			if lastTs == nil || ts > *lastTs {
				lastTs = &ts
			}
		}
		switch ev.Type {
		case EventRunStart:
			if firstRunStart == nil && ev.TS != nil {
				ts := *ev.TS
				firstRunStart = &ts
			}
		case EventRunEnd:
			if ev.TS != nil {
				ts := *ev.TS
				lastRunEnd = &ts
			}
		case EventStepStart:
			name := ev.Title
			if name == "" {
				name = ev.Step
			}
			currentStep = name
			if ev.TS != nil {
				steps = append(steps, stepMark{name: name, ts: *ev.TS})
			}
		case EventToolStart:
			m.ToolCalls++
			if currentStep != "" {
				stepCalls[currentStep]++
			}
			if ev.CallID != "" && ev.TS != nil {
				toolStarts[ev.CallID] = *ev.TS
			}
		case EventToolEnd:
			if ev.CallID == "" || ev.TS == nil {
				continue
			}
			start, ok := toolStarts[ev.CallID]
			if !ok {
				continue
			}
			delete(toolStarts, ev.CallID)
			if d := *ev.TS - start; d > 0 {
				m.ToolMs += int64(d)
			}
		case EventAnomaly:
			m.Anomalies++
			if ev.TS != nil {
				anomalyTs = append(anomalyTs, *ev.TS)
			}
		}
	}

	end := lastRunEnd
	if end == nil {
		end = lastTs
	}
	if firstRunStart != nil && end != nil && *end > *firstRunStart {
		m.WallMs = int64(*end - *firstRunStart)
	}

	for i, st := range steps {
		var until float64
		switch {
		case i+1 < len(steps):
			until = steps[i+1].ts
		case end != nil:
			until = *end
		default:
			until = st.ts
		}
		wall := int64(0)
		if until > st.ts {
			wall = int64(until - st.ts)
		}
		m.Steps = append(m.Steps, store.StepMetrics{
			Step:      st.name,
			WallMs:    wall,
			ToolCalls: stepCalls[st.name],
		})
	}

	if end != nil {
		recent := 0
		for _, ts := range anomalyTs {
			if *end-ts <= burstWindowMs {
				recent++
			}
		}
		m.RecentBurstAtEnd = recent >= burstCount
	}

	m.Quality = sessionQuality(flags, res.ParseErrors)
	return m
}

func sessionQuality(flags SessionFlags, parseErrors int) string {
	switch {
	case flags.Error:
		return QualityError
	case flags.TimedOut:
		return QualityTimeout
	case flags.TooLarge:
		return QualityTooLarge
	case flags.Missing:
		return QualityMissing
	case parseErrors > 0 || flags.TokensMissing:
		return QualityPartial
	default:
		return QualityOK
	}
}

// AggregateRun folds session metrics and token totals into the run view.
// Quality is the worst session verdict; incomplete token accounting pulls an
// otherwise-ok run down to partial.
func AggregateRun(runID string, sessions []SessionMetrics, tokens []store.TokenTotals) (store.RunMetrics, []store.StepMetrics) {
	m := store.RunMetrics{RunID: runID, Quality: QualityOK}
	stepWall := map[string]int64{}
	stepCalls := map[string]int{}
	var stepOrder []string

	for _, s := range sessions {
		m.WallMs += s.WallMs
		m.ToolMs += s.ToolMs
		m.ToolCalls += s.ToolCalls
		m.Anomalies += s.Anomalies
		m.RecentBurstAtEnd = m.RecentBurstAtEnd || s.RecentBurstAtEnd
		m.Quality = WorstQuality(m.Quality, s.Quality)
		for _, st := range s.Steps {
			if _, seen := stepWall[st.Step]; !seen {
				stepOrder = append(stepOrder, st.Step)
			}
			stepWall[st.Step] += st.WallMs
			stepCalls[st.Step] += st.ToolCalls
		}
	}

	tokensComplete := true
	for _, t := range tokens {
		m.InputTokens += t.InputTokens
		m.OutputTokens += t.OutputTokens
		tokensComplete = tokensComplete && t.Complete
	}
	if len(tokens) == 0 {
		tokensComplete = false
	}
	if !tokensComplete {
		m.Quality = WorstQuality(m.Quality, QualityPartial)
	}

	steps := make([]store.StepMetrics, 0, len(stepOrder))
	for _, name := range stepOrder {
		steps = append(steps, store.StepMetrics{
			Step:      name,
			WallMs:    stepWall[name],
			ToolCalls: stepCalls[name],
		})
	}
	return m, steps
}

// Triage thresholds. Crossing one adds the named reason to the result.
const (
	triageTokens       = 50_000
	triageToolCalls    = 200
	triageAnomalies    = 20
	triageWallMs       = int64(60 * 60 * 1000)
	triageStepWallMs   = int64(30 * 60 * 1000)
	OutcomeSuccess     = "success"
	reasonHighTokens   = "high-token-usage"
	reasonToolChurn    = "tool-churn"
	reasonAnomalies    = "anomalies"
	reasonBurst        = "anomaly-burst-at-end"
	reasonLongWall     = "long-wall-time"
	reasonLongStep     = "long-step"
	reasonCostlyFailed = "expensive-failure"
)

// Triage is a 0..100 attention score for a run plus the thresholds it crossed.
type Triage struct {
	Score   int
	Reasons []string
}

// TriageScore ranks a run for human attention. Components are normalized to
// [0,1] and weighted; log scales keep token and tool-call counts comparable
// across orders of magnitude.
func TriageScore(m store.RunMetrics, steps []store.StepMetrics, outcome string) Triage {
	tokens := m.InputTokens + m.OutputTokens
	var maxStepMs int64
	for _, st := range steps {
		if st.WallMs > maxStepMs {
			maxStepMs = st.WallMs
		}
	}

	score := 0.0
	score += 25 * clamp01(math.Log10(float64(tokens)+1)/6)      // ~1M tokens saturates
	score += 15 * clamp01(math.Log10(float64(m.ToolCalls)+1)/3) // ~1k calls saturates
	score += 15 * clamp01(float64(m.Anomalies)/50)
	if m.RecentBurstAtEnd {
		score += 10
	}
	wallHours := float64(m.WallMs) / float64(msPerHour)
	score += 15 * clamp01(wallHours/4)
	score += 10 * clamp01(float64(maxStepMs)/float64(2*msPerHour))
	if outcome != OutcomeSuccess && tokens >= triageTokens {
		score += 10
	}

	t := Triage{Score: int(math.Round(score))}
	if t.Score > 100 {
		t.Score = 100
	}
	if tokens >= triageTokens {
		t.Reasons = append(t.Reasons, reasonHighTokens)
	}
	if m.ToolCalls >= triageToolCalls {
		t.Reasons = append(t.Reasons, reasonToolChurn)
	}
	if m.Anomalies >= triageAnomalies {
		t.Reasons = append(t.Reasons, reasonAnomalies)
	}
	if m.RecentBurstAtEnd {
		t.Reasons = append(t.Reasons, reasonBurst)
	}
	if m.WallMs >= triageWallMs {
		t.Reasons = append(t.Reasons, reasonLongWall)
	}
	if maxStepMs >= triageStepWallMs {
		t.Reasons = append(t.Reasons, reasonLongStep)
	}
	if outcome != OutcomeSuccess && tokens >= triageTokens {
		t.Reasons = append(t.Reasons, reasonCostlyFailed)
	}
	sort.Strings(t.Reasons)
	return t
}

const msPerHour = int64(60 * 60 * 1000)

func clamp01(v float64) float64 {
	if v < 0 || math.IsNaN(v) {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// Summary renders a one-line human description of a run's metrics.
func Summary(m store.RunMetrics) string {
	return fmt.Sprintf("wall=%dms tool=%dms calls=%d anomalies=%d tokens=%d/%d quality=%s",
		m.WallMs, m.ToolMs, m.ToolCalls, m.Anomalies, m.InputTokens, m.OutputTokens, m.Quality)
}
