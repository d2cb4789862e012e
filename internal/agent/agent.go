// Package agent invokes the external coding agent as a subprocess and
// supervises it against wall-time and tool-call guardrails.
package agent

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/uesteibar/ralphd/internal/runmetrics"
)

// Guardrail timeout kinds and reasons.
const (
	KindGuardrailTimeout = "guardrail-timeout"
	ReasonWallTime       = "wall-time"
	ReasonToolChurn      = "tool-churn"
)

// GuardrailTimeout records why the supervisor killed an invocation.
type GuardrailTimeout struct {
	Kind   string `json:"kind"`
	Reason string `json:"reason"`
}

// Guardrails bound one agent invocation.
type Guardrails struct {
	WallSoft      time.Duration
	WallHard      time.Duration
	ToolCallsSoft int
	ToolCallsHard int
}

// Invocation is one agent run within a session.
type Invocation struct {
	SessionID string
	StepKey   string // cache-bust key, unique per (task, stage, attempt)
	Prompt    string
	Dir       string
	Env       []string
}

// Result is the outcome of one invocation.
type Result struct {
	Success          bool
	Output           string
	Stderr           string
	ExitCode         int
	GuardrailTimeout *GuardrailTimeout
}

// Invoker launches the configured agent command. The prompt is piped to
// stdin; session ID and step key travel in the environment so resumed
// sessions hit the same agent-side cache entry.
type Invoker struct {
	command     []string
	sessionsDir string
	guardrails  Guardrails
	logger      *slog.Logger
	poll        time.Duration
	now         func() time.Time
}

// Config holds the Invoker dependencies.
type Config struct {
	Command     []string
	SessionsDir string
	Guardrails  Guardrails
	Logger      *slog.Logger
}

// New builds an Invoker.
func New(cfg Config) (*Invoker, error) {
	if len(cfg.Command) == 0 {
		return nil, fmt.Errorf("agent command is empty")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Invoker{
		command:     cfg.Command,
		sessionsDir: cfg.SessionsDir,
		guardrails:  cfg.Guardrails,
		logger:      logger,
		poll:        time.Second,
		now:         time.Now,
	}, nil
}

// Invoke runs the agent once and waits for it to finish or be killed by a
// guardrail. A guardrail kill is not an error: the Result carries the
// GuardrailTimeout and Success=false.
func (inv *Invoker) Invoke(ctx context.Context, call Invocation) (Result, error) {
	cmd := exec.CommandContext(ctx, inv.command[0], inv.command[1:]...)
	cmd.Dir = call.Dir
	cmd.Stdin = strings.NewReader(call.Prompt)
	cmd.Env = append(append(os.Environ(), call.Env...),
		"RALPH_SESSION_ID="+call.SessionID,
		"RALPH_STEP_KEY="+call.StepKey,
	)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return Result{}, fmt.Errorf("starting agent: %w", err)
	}

	exited := make(chan error, 1)
	go func() { exited <- cmd.Wait() }()

	sup := &Supervisor{
		Guardrails: inv.guardrails,
		ToolCalls:  func() int { return inv.toolCalls(call.SessionID) },
		Poll:       inv.poll,
		Now:        inv.now,
		Logger:     inv.logger.With("session", call.SessionID, "stepKey", call.StepKey),
	}
	gt, waitErr := sup.Watch(ctx, exited, terminator(cmd))

	res := Result{
		Output:           stdout.String(),
		Stderr:           stderr.String(),
		GuardrailTimeout: gt,
	}
	if gt != nil {
		res.ExitCode = -1
		return res, nil
	}
	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		return res, fmt.Errorf("running agent: %w", waitErr)
	}
	res.Success = true
	return res, nil
}

// toolCalls counts tool-start events in the session's event stream so far.
// Any read problem reads as zero: guardrails fail open, never spuriously.
func (inv *Invoker) toolCalls(sessionID string) int {
	if inv.sessionsDir == "" {
		return 0
	}
	res, missing, err := runmetrics.ReadSessionEvents(inv.sessionsDir, sessionID)
	if err != nil || missing {
		return 0
	}
	n := 0
	for _, ev := range res.Events {
		if ev.Type == runmetrics.EventToolStart {
			n++
		}
	}
	return n
}

// terminator sends SIGTERM, then SIGKILL if the process lingers.
func terminator(cmd *exec.Cmd) func() {
	return func() {
		if cmd.Process == nil {
			return
		}
		_ = cmd.Process.Signal(syscall.SIGTERM)
		time.AfterFunc(5*time.Second, func() { _ = cmd.Process.Kill() })
	}
}
