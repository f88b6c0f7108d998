// Package config handles autoflow configuration parsing and validation.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// FileName is the config file searched for by FindConfigFile.
const FileName = "autoflow.yaml"

// Config represents the autoflow.yaml configuration file.
type Config struct {
	Version    string           `yaml:"version"`
	Store      StoreConfig      `yaml:"store"`
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
	Controller ControllerConfig `yaml:"controller"`
	Runner     RunnerConfig     `yaml:"runner"`
	Launcher   LauncherConfig   `yaml:"launcher"`
	Docker     DockerConfig     `yaml:"docker"`
	Persistent PersistentConfig `yaml:"persistent"`
	Inbox      InboxConfig      `yaml:"inbox"`
}

// StoreConfig locates the SQLite database.
type StoreConfig struct {
	Path string `yaml:"path"`
}

// SchedulerConfig sets graph-wide defaults for task nodes.
type SchedulerConfig struct {
	MaxParallel int    `yaml:"max_parallel"`
	NodeTimeout string `yaml:"node_timeout"`
	MaxRetries  int    `yaml:"max_retries"`
}

// ControllerConfig bounds the verify/fix cycle.
type ControllerConfig struct {
	MaxFixRounds   int    `yaml:"max_fix_rounds"`
	CommandTimeout string `yaml:"command_timeout"`
}

// RunnerConfig selects how verification and fix commands run.
type RunnerConfig struct {
	Backend   string   `yaml:"backend"` // shell, docker
	Shell     string   `yaml:"shell"`
	Allowlist []string `yaml:"allowlist,omitempty"`
}

// LauncherConfig selects how agent tasks run.
type LauncherConfig struct {
	Backend string `yaml:"backend"` // process, docker
	Agent   string `yaml:"agent"`   // fallback adapter for planner roles
}

// DockerConfig controls container resources and networking.
type DockerConfig struct {
	Image     string          `yaml:"image"` // node, python, go, rust, full or an image reference
	Resources ResourcesConfig `yaml:"resources"`
	Network   string          `yaml:"network"` // none, bridge, host
}

// ResourcesConfig sets container resource limits.
type ResourcesConfig struct {
	Memory string `yaml:"memory"`
	CPUs   string `yaml:"cpus"`
}

// PersistentConfig seeds the resume settings the first time they are read.
type PersistentConfig struct {
	Enabled                      bool   `yaml:"enabled"`
	ResumeCooldown               string `yaml:"resume_cooldown"`
	MaxAutoResumes               int    `yaml:"max_auto_resumes"`
	MaxConsecutiveResumeFailures int    `yaml:"max_consecutive_resume_failures"`
	ResumeTimeout                string `yaml:"resume_timeout"`
}

// InboxConfig controls the session event inbox watched by "autoflow watch".
type InboxConfig struct {
	Dir     string `yaml:"dir"`
	Workers int    `yaml:"workers"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Version: "1.0",
		Store: StoreConfig{
			Path: filepath.Join(".autoflow", "autoflow.db"),
		},
		Scheduler: SchedulerConfig{
			MaxParallel: 3,
			NodeTimeout: "5m",
			MaxRetries:  1,
		},
		Controller: ControllerConfig{
			MaxFixRounds:   3,
			CommandTimeout: "2m",
		},
		Runner: RunnerConfig{
			Backend: "shell",
			Shell:   "sh",
		},
		Launcher: LauncherConfig{
			Backend: "process",
			Agent:   "claude",
		},
		Docker: DockerConfig{
			Image: "full",
			Resources: ResourcesConfig{
				Memory: "4g",
				CPUs:   "2",
			},
			Network: "none",
		},
		Persistent: PersistentConfig{
			Enabled:                      true,
			ResumeCooldown:               "2.5s",
			MaxAutoResumes:               8,
			MaxConsecutiveResumeFailures: 3,
			ResumeTimeout:                "90s",
		},
		Inbox: InboxConfig{
			Dir:     filepath.Join(".autoflow", "inbox"),
			Workers: 4,
		},
	}
}

// Load reads and parses the autoflow.yaml config file.
func Load(path string) (*Config, error) {
	if path == "" {
		path = FileName
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultConfig(), nil
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	return cfg, nil
}

// Save writes the configuration to the specified path.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("creating config directory: %w", err)
		}
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	return nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	validAgents := map[string]bool{"claude": true, "claude-cli": true, "amp": true, "aider": true}
	if !validAgents[c.Launcher.Agent] {
		return fmt.Errorf("invalid agent: %s (must be claude, claude-cli, amp, or aider)", c.Launcher.Agent)
	}

	validLaunchers := map[string]bool{"process": true, "docker": true}
	if !validLaunchers[c.Launcher.Backend] {
		return fmt.Errorf("invalid launcher backend: %s (must be process or docker)", c.Launcher.Backend)
	}

	validRunners := map[string]bool{"shell": true, "docker": true}
	if !validRunners[c.Runner.Backend] {
		return fmt.Errorf("invalid runner backend: %s (must be shell or docker)", c.Runner.Backend)
	}

	if c.Docker.Image == "" {
		return fmt.Errorf("docker image is required")
	}

	validNetworks := map[string]bool{"none": true, "bridge": true, "host": true}
	if !validNetworks[c.Docker.Network] {
		return fmt.Errorf("invalid network: %s (must be none, bridge, or host)", c.Docker.Network)
	}

	if c.Store.Path == "" {
		return fmt.Errorf("store path is required")
	}

	if c.Scheduler.MaxParallel < 1 {
		return fmt.Errorf("max_parallel must be at least 1")
	}
	if c.Scheduler.MaxRetries < 0 {
		return fmt.Errorf("max_retries must not be negative")
	}
	if c.Controller.MaxFixRounds < 1 {
		return fmt.Errorf("max_fix_rounds must be at least 1")
	}
	if c.Inbox.Workers < 1 {
		return fmt.Errorf("inbox workers must be at least 1")
	}

	durations := map[string]string{
		"scheduler.node_timeout":     c.Scheduler.NodeTimeout,
		"controller.command_timeout": c.Controller.CommandTimeout,
		"persistent.resume_cooldown": c.Persistent.ResumeCooldown,
		"persistent.resume_timeout":  c.Persistent.ResumeTimeout,
	}
	for key, value := range durations {
		if _, err := ParseDuration(value, 0); err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
	}

	return nil
}

// ParseDuration parses a Go duration string, returning fallback for "".
func ParseDuration(s string, fallback time.Duration) (time.Duration, error) {
	if s == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", s, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("invalid duration %q: must not be negative", s)
	}
	return d, nil
}

// FindConfigFile searches for autoflow.yaml in current and parent directories.
func FindConfigFile() (string, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", err
	}

	for dir := cwd; ; dir = filepath.Dir(dir) {
		configPath := filepath.Join(dir, FileName)
		if _, err := os.Stat(configPath); err == nil {
			return configPath, nil
		}

		if dir == filepath.Dir(dir) {
			break
		}
	}

	return "", fmt.Errorf("%s not found in %s or parent directories", FileName, cwd)
}
