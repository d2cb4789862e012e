package queue

import "strings"

// StatusPrefix marks the labels the driver owns. At most one per issue.
const StatusPrefix = "ralph:status:"

// Logical task statuses, in ascending precedence order within deriveStatus.
const (
	StatusNone       = ""
	StatusQueued     = "queued"
	StatusInProgress = "in-progress"
	StatusEscalated  = "escalated"
	StatusBlocked    = "blocked"
	StatusPaused     = "paused"
	StatusThrottled  = "throttled"
	StatusInBot      = "in-bot"
	StatusDone       = "done"
)

// Command labels operators apply by hand.
const (
	CmdQueue   = "ralph:cmd:queue"
	CmdPause   = "ralph:cmd:pause"
	CmdStop    = "ralph:cmd:stop"
	CmdSatisfy = "ralph:cmd:satisfy"
)

// precedence orders statuses strongest first: when an issue somehow carries
// several status labels, the strongest one drives scheduling.
var precedence = []string{
	StatusDone,
	StatusInBot,
	StatusThrottled,
	StatusPaused,
	StatusBlocked,
	StatusEscalated,
	StatusInProgress,
	StatusQueued,
}

// StatusLabel returns the full label name for a logical status.
func StatusLabel(status string) string {
	if status == StatusNone {
		return ""
	}
	return StatusPrefix + status
}

// IsStatusLabel reports whether a label name is status-prefixed,
// case-insensitively.
func IsStatusLabel(name string) bool {
	return len(name) > len(StatusPrefix) &&
		strings.EqualFold(name[:len(StatusPrefix)], StatusPrefix)
}

// statusOf extracts the logical status from a status label, or "".
func statusOf(label string) string {
	if !IsStatusLabel(label) {
		return ""
	}
	return strings.ToLower(label[len(StatusPrefix):])
}

// StatusLabels returns the status-prefixed subset of labels, as written.
func StatusLabels(labels []string) []string {
	var out []string
	for _, l := range labels {
		if IsStatusLabel(l) {
			out = append(out, l)
		}
	}
	return out
}

// DeriveStatus projects a label set to the logical status with the highest
// precedence, or StatusNone when no status label is present.
func DeriveStatus(labels []string) string {
	present := make(map[string]bool)
	for _, l := range labels {
		if s := statusOf(l); s != "" {
			present[s] = true
		}
	}
	for _, s := range precedence {
		if present[s] {
			return s
		}
	}
	return StatusNone
}

// Claimable reports whether a label set is eligible for claiming: queued and
// not held back by any stronger status.
func Claimable(labels []string) bool {
	present := make(map[string]bool)
	for _, l := range labels {
		if s := statusOf(l); s != "" {
			present[s] = true
		}
	}
	if !present[StatusQueued] {
		return false
	}
	for _, blocker := range []string{
		StatusInProgress, StatusBlocked, StatusPaused,
		StatusThrottled, StatusInBot, StatusDone,
	} {
		if present[blocker] {
			return false
		}
	}
	return true
}

// StatusDelta is the label mutation that moves an issue to one status while
// upholding the single-status-label invariant. Non-status labels never
// appear in a delta.
type StatusDelta struct {
	Add    []string
	Remove []string
}

// Empty reports whether applying the delta would change nothing.
func (d StatusDelta) Empty() bool {
	return len(d.Add) == 0 && len(d.Remove) == 0
}

// DeltaFor computes the status delta for moving an issue with the given
// labels to target: add the one intended status label if missing, remove
// every other status label present.
func DeltaFor(labels []string, target string) StatusDelta {
	want := StatusLabel(target)
	var d StatusDelta
	haveTarget := false
	for _, l := range labels {
		if !IsStatusLabel(l) {
			continue
		}
		if want != "" && strings.EqualFold(l, want) {
			haveTarget = true
			continue
		}
		d.Remove = append(d.Remove, l)
	}
	if want != "" && !haveTarget {
		d.Add = append(d.Add, want)
	}
	return d
}

// NeedsHealing reports whether the label set violates the single-status
// invariant: zero or two-plus status labels.
func NeedsHealing(labels []string) bool {
	return len(StatusLabels(labels)) != 1
}

// HealTarget picks the status a healing pass should converge on.
// desiredHint wins unless dependency blocking contradicts it; a blocked
// dependency graph forces queued even over an in-progress hint, since the
// blocked label is owned by the blocking engine, not the driver.
func HealTarget(desiredHint string, dependencyBlocked bool) string {
	if dependencyBlocked {
		return StatusQueued
	}
	if desiredHint != StatusNone {
		return desiredHint
	}
	return StatusQueued
}

// LabelSpec is one canonical workflow label.
type LabelSpec struct {
	Name        string
	Color       string
	Description string
}

// WorkflowLabels is the canonical label list ensured on every repo.
func WorkflowLabels() []LabelSpec {
	return []LabelSpec{
		{StatusPrefix + StatusQueued, "0366D6", "Ready for an agent to pick up"},
		{StatusPrefix + StatusInProgress, "FBCA04", "An agent is working on this"},
		{StatusPrefix + StatusBlocked, "D73A4A", "Waiting on a dependency"},
		{StatusPrefix + StatusPaused, "6A737D", "Paused by an operator"},
		{StatusPrefix + StatusThrottled, "F9A825", "Backing off a rate limit"},
		{StatusPrefix + StatusInBot, "0E8A16", "Merged to the bot branch"},
		{StatusPrefix + StatusDone, "1A7F37", "Merged to the base branch"},
		{StatusPrefix + StatusEscalated, "B60205", "Needs operator attention"},
		{CmdQueue, "BFD4F2", "Queue this issue for the agents"},
		{CmdPause, "BFD4F2", "Pause work on this issue"},
		{CmdStop, "BFD4F2", "Stop work on this issue"},
		{CmdSatisfy, "BFD4F2", "Mark this issue satisfied"},
	}
}
