package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

type Config struct {
	App       AppConfig                 `json:"app" yaml:"app"`
	Providers map[string]ProviderConfig `json:"providers" yaml:"providers"`
	Memory    MemoryConfig              `json:"memory" yaml:"memory"`
	Agent     AgentConfig               `json:"agent" yaml:"agent"`
	Execution ExecutionConfig           `json:"execution" yaml:"execution"`
	Logging   LoggingConfig             `json:"logging" yaml:"logging"`
}

type AppConfig struct {
	Name      string `json:"name" yaml:"name"`
	Workspace string `json:"workspace" yaml:"workspace"`
}

type ProviderConfig struct {
	APIKey  string `json:"api_key" yaml:"api_key"`
	Model   string `json:"model" yaml:"model"`
	BaseURL string `json:"base_url,omitempty" yaml:"base_url,omitempty"`
	Enabled bool   `json:"enabled" yaml:"enabled"`
}

type MemoryConfig struct {
	Type string `json:"type" yaml:"type"`
	Path string `json:"path" yaml:"path"`
	// HistoryLimit bounds how many past messages are replayed to the model.
	HistoryLimit int `json:"history_limit" yaml:"history_limit"`
}

type AgentConfig struct {
	PromptsDir      string   `json:"prompts_dir" yaml:"prompts_dir"`
	AllowlistPath   string   `json:"allowlist_path" yaml:"allowlist_path"`
	WatchAllowlist  bool     `json:"watch_allowlist" yaml:"watch_allowlist"`
	AutoApprove     bool     `json:"auto_approve" yaml:"auto_approve"`
	MaxPasses       int      `json:"max_passes" yaml:"max_passes"`
	ReminderLimit   int      `json:"reminder_limit" yaml:"reminder_limit"`
	DenyExecutables []string `json:"deny_executables" yaml:"deny_executables"`
	DenyPatterns    []string `json:"deny_patterns" yaml:"deny_patterns"`
}

type ExecutionConfig struct {
	TempDir      string `json:"temp_dir" yaml:"temp_dir"`
	KillGraceSec int    `json:"kill_grace_sec" yaml:"kill_grace_sec"`
	HeadLines    int    `json:"head_lines" yaml:"head_lines"`
	TailLines    int    `json:"tail_lines" yaml:"tail_lines"`
}

type LoggingConfig struct {
	Level      string `json:"level" yaml:"level"`
	Path       string `json:"path" yaml:"path"`
	LLMLogPath string `json:"llm_log_path" yaml:"llm_log_path"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// LoadConfig reads a JSON or YAML (.yaml/.yml) config file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}

	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &cfg)
	default:
		err = json.Unmarshal(data, &cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to decode config file %s: %w", path, err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.App.Name == "" {
		c.App.Name = "stepwise"
	}
	if c.App.Workspace == "" {
		c.App.Workspace = "."
	}
	if c.Memory.Type == "" {
		c.Memory.Type = "sqlite"
	}
	if c.Memory.Path == "" {
		c.Memory.Path = "stepwise.db"
	}
	if c.Memory.HistoryLimit <= 0 {
		c.Memory.HistoryLimit = 40
	}
	if c.Agent.PromptsDir == "" {
		c.Agent.PromptsDir = "prompts"
	}
	if c.Agent.AllowlistPath == "" {
		c.Agent.AllowlistPath = "approved_commands.json"
	}
	if c.Agent.MaxPasses <= 0 {
		c.Agent.MaxPasses = 50
	}
	if c.Agent.ReminderLimit <= 0 {
		c.Agent.ReminderLimit = 3
	}
	if c.Execution.KillGraceSec <= 0 {
		c.Execution.KillGraceSec = 2
	}
	if c.Execution.HeadLines <= 0 {
		c.Execution.HeadLines = 100
	}
	if c.Execution.TailLines <= 0 {
		c.Execution.TailLines = 100
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Path == "" {
		c.Logging.Path = filepath.Join("logs", "stepwise.log")
	}
	if c.Logging.LLMLogPath == "" {
		c.Logging.LLMLogPath = filepath.Join("logs", "llm.jsonl")
	}
}

// Validate rejects settings the runtime cannot work with.
func (c *Config) Validate() error {
	if c.Memory.Type != "sqlite" {
		return fmt.Errorf("unsupported memory type %q", c.Memory.Type)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unsupported log level %q", c.Logging.Level)
	}
	return nil
}

// GetDefaultProvider returns the first enabled provider by name.
func (c *Config) GetDefaultProvider() (string, ProviderConfig) {
	names := make([]string, 0, len(c.Providers))
	for name := range c.Providers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if p := c.Providers[name]; p.Enabled {
			return name, p
		}
	}
	return "", ProviderConfig{}
}
