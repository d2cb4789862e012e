// Package runmetrics turns agent session event streams into per-session and
// per-run metrics, quality verdicts, and a triage score.
package runmetrics

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/bmatcuk/doublestar/v4"
)

// Recognized event types. Unknown types are skipped, not errors.
const (
	EventRunStart  = "run-start"
	EventRunEnd    = "run-end"
	EventStepStart = "step-start"
	EventToolStart = "tool-start"
	EventToolEnd   = "tool-end"
	EventAnomaly   = "anomaly"
)

// Event is one line of a session's event stream. TS is milliseconds,
// monotonic from run start; nil when the line had no numeric ts.
type Event struct {
	Type      string
	TS        *float64
	StepTitle string
	Title     string
	Step      string
	Success   *bool
	ToolName  string
	CallID    string
}

type rawEvent struct {
	Type      string          `json:"type"`
	TS        json.RawMessage `json:"ts"`
	StepTitle string          `json:"stepTitle"`
	Title     string          `json:"title"`
	Step      string          `json:"step"`
	Success   *bool           `json:"success"`
	ToolName  string          `json:"toolName"`
	CallID    string          `json:"callId"`
}

// ParseResult is the fault-tolerant parse of one event stream.
type ParseResult struct {
	Events      []Event
	ParseErrors int
}

// ParseEvents reads newline-delimited JSON events. Unparseable lines count
// toward ParseErrors; unknown event types are dropped silently.
func ParseEvents(r io.Reader) ParseResult {
	var res ParseResult
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var raw rawEvent
		if err := json.Unmarshal(line, &raw); err != nil {
			res.ParseErrors++
			continue
		}
		switch raw.Type {
		case EventRunStart, EventRunEnd, EventStepStart, EventToolStart, EventToolEnd, EventAnomaly:
		default:
			continue
		}
		ev := Event{
			Type:      raw.Type,
			StepTitle: raw.StepTitle,
			Title:     raw.Title,
			Step:      raw.Step,
			Success:   raw.Success,
			ToolName:  raw.ToolName,
			CallID:    raw.CallID,
		}
		var ts float64
		if len(raw.TS) > 0 && json.Unmarshal(raw.TS, &ts) == nil {
			ev.TS = &ts
		}
		res.Events = append(res.Events, ev)
	}
	if err := scanner.Err(); err != nil {
		res.ParseErrors++
	}
	return res
}

// EventsPath computes a session's event-stream location.
func EventsPath(sessionsDir, sessionID string) string {
	return filepath.Join(sessionsDir, sessionID, "events.jsonl")
}

// ReadSessionEvents parses a session's event file. missing is true when the
// file does not exist; that is a quality signal, not an error.
func ReadSessionEvents(sessionsDir, sessionID string) (res ParseResult, missing bool, err error) {
	f, err := os.Open(EventsPath(sessionsDir, sessionID))
	if os.IsNotExist(err) {
		return ParseResult{}, true, nil
	}
	if err != nil {
		return ParseResult{}, false, fmt.Errorf("opening session events: %w", err)
	}
	defer f.Close()
	return ParseEvents(f), false, nil
}

// DiscoverSessions lists the session IDs that have event files under the
// sessions directory.
func DiscoverSessions(sessionsDir string) ([]string, error) {
	matches, err := doublestar.Glob(os.DirFS(sessionsDir), "*/events.jsonl")
	if err != nil {
		return nil, fmt.Errorf("scanning sessions dir: %w", err)
	}
	ids := make([]string, 0, len(matches))
	for _, m := range matches {
		ids = append(ids, filepath.Dir(m))
	}
	sort.Strings(ids)
	return ids, nil
}
