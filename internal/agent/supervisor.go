package agent

import (
	"context"
	"log/slog"
	"time"
)

// Supervisor watches a running agent process against its guardrails. Soft
// limits log a warning once; hard limits kill the process.
type Supervisor struct {
	Guardrails Guardrails
	ToolCalls  func() int
	Poll       time.Duration
	Now        func() time.Time
	Logger     *slog.Logger
}

// Watch blocks until the process exits or a hard guardrail fires. When a
// guardrail kills the process, the returned GuardrailTimeout is non-nil and
// the exit error is swallowed: the kill is the outcome.
func (s *Supervisor) Watch(ctx context.Context, exited <-chan error, kill func()) (*GuardrailTimeout, error) {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := s.Now
	if now == nil {
		now = time.Now
	}
	poll := s.Poll
	if poll <= 0 {
		poll = time.Second
	}

	start := now()
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	wallSoftWarned := false
	toolSoftWarned := false

	for {
		select {
		case err := <-exited:
			return nil, err
		case <-ctx.Done():
			kill()
			<-exited
			return nil, ctx.Err()
		case <-ticker.C:
		}

		elapsed := now().Sub(start)
		if s.Guardrails.WallHard > 0 && elapsed > s.Guardrails.WallHard {
			logger.Warn("wall-time guardrail exceeded, killing agent",
				"elapsed", elapsed, "limit", s.Guardrails.WallHard)
			kill()
			<-exited
			return &GuardrailTimeout{Kind: KindGuardrailTimeout, Reason: ReasonWallTime}, nil
		}
		if !wallSoftWarned && s.Guardrails.WallSoft > 0 && elapsed > s.Guardrails.WallSoft {
			wallSoftWarned = true
			logger.Warn("wall-time soft limit crossed", "elapsed", elapsed, "limit", s.Guardrails.WallSoft)
		}

		calls := 0
		if s.ToolCalls != nil {
			calls = s.ToolCalls()
		}
		if s.Guardrails.ToolCallsHard > 0 && calls >= s.Guardrails.ToolCallsHard {
			logger.Warn("tool-call guardrail exceeded, killing agent",
				"calls", calls, "limit", s.Guardrails.ToolCallsHard)
			kill()
			<-exited
			return &GuardrailTimeout{Kind: KindGuardrailTimeout, Reason: ReasonToolChurn}, nil
		}
		if !toolSoftWarned && s.Guardrails.ToolCallsSoft > 0 && calls >= s.Guardrails.ToolCallsSoft {
			toolSoftWarned = true
			logger.Warn("tool-call soft limit crossed", "calls", calls, "limit", s.Guardrails.ToolCallsSoft)
		}
	}
}
