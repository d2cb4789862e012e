package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the daemon configuration loaded from ralphd.yaml.
type Config struct {
	ControlRoot string       `yaml:"control_root"`
	App         AppConfig    `yaml:"app"`
	Repos       []RepoConfig `yaml:"repos"`
	Workers     WorkerConfig `yaml:"workers"`
	Agent       AgentConfig  `yaml:"agent"`
	Server      ServerConfig `yaml:"server"`
}

// AppConfig holds GitHub App authentication parameters.
type AppConfig struct {
	AppID          int64  `yaml:"app_id"`
	InstallationID int64  `yaml:"installation_id"`
	PrivateKeyPath string `yaml:"private_key_path"`
}

// RepoConfig describes one repository the daemon works against.
type RepoConfig struct {
	Owner      string `yaml:"owner"`
	Name       string `yaml:"name"`
	BaseBranch string `yaml:"base_branch"`
	BotBranch  string `yaml:"bot_branch"`
	MaxSlots   int    `yaml:"max_slots"`
}

// Slug returns the owner/name form used as the repo key everywhere.
func (r RepoConfig) Slug() string {
	return r.Owner + "/" + r.Name
}

// WorkerConfig bounds the scheduler.
type WorkerConfig struct {
	MaxWorkers        int           `yaml:"max_workers"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	StaleTTL          time.Duration `yaml:"stale_ttl"`
	TickInterval      time.Duration `yaml:"tick_interval"`
}

// AgentConfig describes the external agent command and its guardrails.
type AgentConfig struct {
	Command       []string      `yaml:"command"`
	SessionsDir   string        `yaml:"sessions_dir"`
	WallSoft      time.Duration `yaml:"wall_soft"`
	WallHard      time.Duration `yaml:"wall_hard"`
	ToolCallsSoft int           `yaml:"tool_calls_soft"`
	ToolCallsHard int           `yaml:"tool_calls_hard"`
}

// ServerConfig configures the local observability endpoint.
type ServerConfig struct {
	Addr    string `yaml:"addr"`
	Enabled bool   `yaml:"enabled"`
}

const configFileName = "ralphd.yaml"

// DefaultControlRoot returns $HOME/.ralph/control.
func DefaultControlRoot() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("getting home directory: %w", err)
	}
	return filepath.Join(home, ".ralph", "control"), nil
}

// Load reads and parses a config file at the given path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return &cfg, nil
}

// Discover walks up from the current directory looking for ralphd.yaml,
// then falls back to <control root>/ralphd.yaml.
func Discover() (*Config, error) {
	dir, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("getting working directory: %w", err)
	}

	for {
		candidate := filepath.Join(dir, configFileName)
		if _, err := os.Stat(candidate); err == nil {
			return Load(candidate)
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	root, err := DefaultControlRoot()
	if err == nil {
		candidate := filepath.Join(root, configFileName)
		if _, statErr := os.Stat(candidate); statErr == nil {
			return Load(candidate)
		}
	}

	return nil, fmt.Errorf("no %s found in current directory, parents, or control root", configFileName)
}

// Resolve tries the explicit path first, then falls back to Discover.
func Resolve(explicitPath string) (*Config, error) {
	if explicitPath != "" {
		return Load(explicitPath)
	}
	return Discover()
}

func (c *Config) applyDefaults() {
	if c.ControlRoot == "" {
		if root, err := DefaultControlRoot(); err == nil {
			c.ControlRoot = root
		}
	}
	if c.Workers.MaxWorkers <= 0 {
		c.Workers.MaxWorkers = DefaultMaxWorkers
	}
	if c.Workers.HeartbeatInterval <= 0 {
		c.Workers.HeartbeatInterval = HeartbeatInterval
	}
	if c.Workers.StaleTTL <= 0 {
		c.Workers.StaleTTL = StaleTTL
	}
	if c.Workers.TickInterval <= 0 {
		c.Workers.TickInterval = TickInterval
	}
	if c.Agent.WallSoft <= 0 {
		c.Agent.WallSoft = WallSoft
	}
	if c.Agent.WallHard <= 0 {
		c.Agent.WallHard = WallHard
	}
	if c.Agent.ToolCallsSoft <= 0 {
		c.Agent.ToolCallsSoft = ToolCallsSoft
	}
	if c.Agent.ToolCallsHard <= 0 {
		c.Agent.ToolCallsHard = ToolCallsHard
	}
	if c.Agent.SessionsDir == "" && c.ControlRoot != "" {
		c.Agent.SessionsDir = filepath.Join(c.ControlRoot, "sessions")
	}
	for i := range c.Repos {
		if c.Repos[i].BaseBranch == "" {
			c.Repos[i].BaseBranch = "main"
		}
		if c.Repos[i].BotBranch == "" {
			c.Repos[i].BotBranch = "bot/integration"
		}
		if c.Repos[i].MaxSlots <= 0 {
			c.Repos[i].MaxSlots = 1
		}
	}
}

func (c *Config) validate() error {
	if len(c.Repos) == 0 {
		return fmt.Errorf("missing required field: repos")
	}
	for i, r := range c.Repos {
		if r.Owner == "" || r.Name == "" {
			return fmt.Errorf("repos[%d]: owner and name are required", i)
		}
	}
	if len(c.Agent.Command) == 0 {
		return fmt.Errorf("missing required field: agent.command")
	}
	return nil
}

// Validate checks the config for consistency beyond the hard requirements.
// Returns a list of issues found (empty if valid).
func (c *Config) Validate() []string {
	var issues []string

	if c.App.AppID == 0 {
		issues = append(issues, "app.app_id is not set — only unauthenticated reads will work")
	}
	if c.App.PrivateKeyPath != "" {
		if _, err := os.Stat(ExpandHome(c.App.PrivateKeyPath)); err != nil {
			issues = append(issues, fmt.Sprintf("app.private_key_path does not exist: %s", c.App.PrivateKeyPath))
		}
	}
	if c.Agent.WallHard < c.Agent.WallSoft {
		issues = append(issues, "agent.wall_hard is lower than agent.wall_soft")
	}
	if c.Agent.ToolCallsHard < c.Agent.ToolCallsSoft {
		issues = append(issues, "agent.tool_calls_hard is lower than agent.tool_calls_soft")
	}
	for _, r := range c.Repos {
		if r.BotBranch == r.BaseBranch {
			issues = append(issues, fmt.Sprintf("%s: bot_branch equals base_branch", r.Slug()))
		}
	}
	return issues
}

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(path string) string {
	if path == "~" || (len(path) > 1 && path[:2] == "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[1:])
		}
	}
	return path
}
