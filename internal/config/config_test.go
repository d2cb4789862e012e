package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "ralphd.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

const validYAML = `
control_root: /tmp/ralph-test/control
app:
  app_id: 12345
  installation_id: 67890
  private_key_path: /tmp/ralph-test/key.pem
repos:
  - owner: octocat
    name: hello
    base_branch: main
    bot_branch: bot/integration
    max_slots: 2
agent:
  command: ["ralph-agent", "--headless"]
`

func TestLoad_Valid(t *testing.T) {
	cfg, err := Load(writeConfig(t, validYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.ControlRoot != "/tmp/ralph-test/control" {
		t.Errorf("unexpected control root: %s", cfg.ControlRoot)
	}
	if len(cfg.Repos) != 1 || cfg.Repos[0].Slug() != "octocat/hello" {
		t.Errorf("unexpected repos: %+v", cfg.Repos)
	}
	if cfg.Repos[0].MaxSlots != 2 {
		t.Errorf("expected 2 slots, got %d", cfg.Repos[0].MaxSlots)
	}
}

func TestLoad_AppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
control_root: /tmp/ralph-test/control
repos:
  - owner: octocat
    name: hello
agent:
  command: ["ralph-agent"]
`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Workers.MaxWorkers != DefaultMaxWorkers {
		t.Errorf("expected default max workers, got %d", cfg.Workers.MaxWorkers)
	}
	if cfg.Workers.HeartbeatInterval != 30*time.Second {
		t.Errorf("expected 30s heartbeat, got %v", cfg.Workers.HeartbeatInterval)
	}
	if cfg.Repos[0].BaseBranch != "main" {
		t.Errorf("expected default base branch, got %s", cfg.Repos[0].BaseBranch)
	}
	if cfg.Repos[0].BotBranch != "bot/integration" {
		t.Errorf("expected default bot branch, got %s", cfg.Repos[0].BotBranch)
	}
	if cfg.Agent.SessionsDir != filepath.Join(cfg.ControlRoot, "sessions") {
		t.Errorf("unexpected sessions dir: %s", cfg.Agent.SessionsDir)
	}
	if cfg.Agent.WallHard != WallHard {
		t.Errorf("expected default wall hard, got %v", cfg.Agent.WallHard)
	}
}

func TestLoad_MissingRepos(t *testing.T) {
	_, err := Load(writeConfig(t, `
agent:
  command: ["ralph-agent"]
`))
	if err == nil || !strings.Contains(err.Error(), "repos") {
		t.Errorf("expected repos error, got %v", err)
	}
}

func TestLoad_MissingAgentCommand(t *testing.T) {
	_, err := Load(writeConfig(t, `
repos:
  - owner: octocat
    name: hello
`))
	if err == nil || !strings.Contains(err.Error(), "agent.command") {
		t.Errorf("expected agent.command error, got %v", err)
	}
}

func TestValidate_FlagsInvertedGuardrails(t *testing.T) {
	cfg, err := Load(writeConfig(t, validYAML+`
  wall_soft: 10m
  wall_hard: 5m
`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	issues := cfg.Validate()
	found := false
	for _, iss := range issues {
		if strings.Contains(iss, "wall_hard") {
			found = true
		}
	}
	if !found {
		t.Errorf("expected wall_hard issue, got %v", issues)
	}
}

func TestValidate_FlagsBotEqualsBase(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
control_root: /tmp/ralph-test/control
repos:
  - owner: octocat
    name: hello
    base_branch: main
    bot_branch: main
agent:
  command: ["ralph-agent"]
`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	issues := cfg.Validate()
	found := false
	for _, iss := range issues {
		if strings.Contains(iss, "bot_branch equals base_branch") {
			found = true
		}
	}
	if !found {
		t.Errorf("expected bot branch issue, got %v", issues)
	}
}

func TestResolve_ExplicitPath(t *testing.T) {
	path := writeConfig(t, validYAML)
	cfg, err := Resolve(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cfg.Repos) != 1 {
		t.Errorf("unexpected repos: %+v", cfg.Repos)
	}
}
