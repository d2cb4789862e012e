package config

import "time"

// Scheduling and backoff constants. These appear in exactly one place so
// every component shares the same values.
const (
	DefaultMaxWorkers = 4

	HeartbeatInterval = 30 * time.Second
	StaleTTL          = 5 * time.Minute
	TickInterval      = 15 * time.Second

	// Pause wait polling bounds (plus jitter up to PausePollJitter).
	PausePollMin    = 250 * time.Millisecond
	PausePollMax    = 2 * time.Second
	PausePollJitter = 125 * time.Millisecond

	// Issue-write coalescing window.
	CoalesceWindow = 10 * time.Millisecond

	// Required-checks polling: delay multiplies by CheckPollMultiplier while
	// the check-set signature is unchanged, capped at CheckPollMax.
	CheckPollBase       = 15 * time.Second
	CheckPollMax        = 4 * time.Minute
	CheckPollMultiplier = 1.5

	// Installation tokens are reused while more than TokenRefreshSkew of
	// validity remains.
	TokenRefreshSkew = 2 * time.Minute

	// Gate artifact retention.
	GateArtifactCap      = 10
	GateArtifactMaxLines = 200

	// Escalation comment fetch throttle.
	EscalationMinInterval = 60 * time.Second

	// Guardrail defaults per agent invocation.
	WallSoft      = 25 * time.Minute
	WallHard      = 40 * time.Minute
	ToolCallsSoft = 400
	ToolCallsHard = 800

	// Unknown-error retries before a task escalates.
	EscalateAfterRetries = 3
)
