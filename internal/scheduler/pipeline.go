package scheduler

import (
	"fmt"

	"github.com/uesteibar/ralphd/internal/agent"
)

// Stage is one step of the task pipeline. Stages are data so deployments can
// reorder or drop them without code changes.
type Stage struct {
	Name       string
	Checkpoint string
}

// DefaultPipeline is the standard stage order.
var DefaultPipeline = []Stage{
	{Name: "plan", Checkpoint: "after-plan"},
	{Name: "build", Checkpoint: "after-build"},
	{Name: "verify", Checkpoint: "after-verify"},
	{Name: "gate", Checkpoint: "after-gate"},
	{Name: "pr", Checkpoint: "after-pr"},
}

// StepKey is the cache-bust key for one stage attempt. The sequence number
// changes per pipeline traversal so a re-run never hits a stale agent cache.
func StepKey(repo string, issueNumber int, stage string, seq int) string {
	return fmt.Sprintf("%s#%d:%s:%d", repo, issueNumber, stage, seq)
}

// StageResult is what a stage invocation produced.
type StageResult struct {
	RunID            string
	SessionID        string
	Output           string
	GuardrailTimeout *agent.GuardrailTimeout
	ContextExhausted bool

	// PR is set when the stage output reported an opened pull request.
	PR *PROpened
}
