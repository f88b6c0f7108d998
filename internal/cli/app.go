package cli

import (
	"fmt"
	"os"

	"github.com/spf13/viper"

	"github.com/swamp-dev/autoflow/internal/autoflow"
	"github.com/swamp-dev/autoflow/internal/config"
	"github.com/swamp-dev/autoflow/internal/container"
	"github.com/swamp-dev/autoflow/internal/dag"
	"github.com/swamp-dev/autoflow/internal/journal"
	"github.com/swamp-dev/autoflow/internal/launcher"
	"github.com/swamp-dev/autoflow/internal/resume"
	"github.com/swamp-dev/autoflow/internal/runner"
	"github.com/swamp-dev/autoflow/internal/store"
)

// app holds the components every command works with.
type app struct {
	cfg        *config.Config
	store      *store.Store
	pool       *launcher.Pool
	controller *autoflow.Controller
	resumer    *resume.Resumer
	docker     *container.Manager
}

// loadConfig reads autoflow.yaml and applies flag and AUTOFLOW_* overrides.
func loadConfig() (*config.Config, error) {
	path := cfgFile
	if path == "" {
		if found, err := config.FindConfigFile(); err == nil {
			path = found
		}
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	if p := viper.GetString("store.path"); p != "" {
		cfg.Store.Path = p
	}
	if d := viper.GetString("inbox.dir"); d != "" {
		cfg.Inbox.Dir = d
	}
	if a := viper.GetString("launcher.agent"); a != "" {
		cfg.Launcher.Agent = a
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// openApp wires the store, launcher, runner, scheduler, controller and
// resumer from the configuration.
func openApp() (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("getting current directory: %w", err)
	}

	s, err := store.Open(cfg.Store.Path)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}
	a := &app{cfg: cfg, store: s}

	var tmpl *container.Template
	if cfg.Runner.Backend == "docker" || cfg.Launcher.Backend == "docker" {
		if a.docker, err = container.NewManager(); err != nil {
			a.Close()
			return nil, err
		}
		if tmpl, err = container.NewTemplate(cfg.Docker); err != nil {
			a.Close()
			return nil, fmt.Errorf("docker config: %w", err)
		}
	}

	var exec launcher.Executor = &launcher.ProcessExecutor{DefaultAgent: cfg.Launcher.Agent, Dir: cwd}
	if cfg.Launcher.Backend == "docker" {
		exec = container.NewAgentExecutor(a.docker, tmpl, cfg.Launcher.Agent, cwd)
	}
	a.pool = launcher.NewPool(exec, logger)

	var cmdRunner runner.Runner = runner.NewShell(cfg.Runner.Shell, cfg.Runner.Allowlist, logger)
	if cfg.Runner.Backend == "docker" {
		cmdRunner = container.NewCommandRunner(a.docker, tmpl, logger)
	}

	defaults, err := controllerDefaults(cfg)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.controller = autoflow.NewController(autoflow.Config{
		Store:     s,
		Scheduler: dag.NewScheduler(a.pool, logger),
		Runner:    cmdRunner,
		Launcher:  a.pool,
		Recorder:  journal.New(s, journal.SourceController),
		Defaults:  defaults,
	}, logger)

	persistent, err := persistentDefaults(cfg.Persistent)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.resumer = resume.NewResumer(resume.Config{
		Store:      s,
		Controller: a.controller,
		Recorder:   journal.New(s, journal.SourceResumer),
		Defaults:   persistent,
	}, logger)

	return a, nil
}

// Close releases the store and the Docker client.
func (a *app) Close() {
	if a.docker != nil {
		a.docker.Close()
	}
	if a.store != nil {
		a.store.Close()
	}
}

func controllerDefaults(cfg *config.Config) (autoflow.Defaults, error) {
	nodeTimeout, err := config.ParseDuration(cfg.Scheduler.NodeTimeout, dag.DefaultTimeout)
	if err != nil {
		return autoflow.Defaults{}, fmt.Errorf("scheduler.node_timeout: %w", err)
	}
	cmdTimeout, err := config.ParseDuration(cfg.Controller.CommandTimeout, autoflow.DefaultCommandTimeout)
	if err != nil {
		return autoflow.Defaults{}, fmt.Errorf("controller.command_timeout: %w", err)
	}
	return autoflow.Defaults{
		Nodes:          dag.Defaults{Timeout: nodeTimeout, MaxRetries: cfg.Scheduler.MaxRetries},
		MaxParallel:    cfg.Scheduler.MaxParallel,
		MaxFixRounds:   cfg.Controller.MaxFixRounds,
		CommandTimeout: cmdTimeout,
	}, nil
}

func persistentDefaults(p config.PersistentConfig) (resume.PersistentConfig, error) {
	cooldown, err := config.ParseDuration(p.ResumeCooldown, resume.DefaultResumeCooldown)
	if err != nil {
		return resume.PersistentConfig{}, fmt.Errorf("persistent.resume_cooldown: %w", err)
	}
	timeout, err := config.ParseDuration(p.ResumeTimeout, resume.DefaultResumeTimeout)
	if err != nil {
		return resume.PersistentConfig{}, fmt.Errorf("persistent.resume_timeout: %w", err)
	}
	return resume.PersistentConfig{
		Enabled:                      p.Enabled,
		ResumeCooldownMs:             cooldown.Milliseconds(),
		MaxAutoResumes:               p.MaxAutoResumes,
		MaxConsecutiveResumeFailures: p.MaxConsecutiveResumeFailures,
		ResumeTimeoutMs:              timeout.Milliseconds(),
	}.Normalize(), nil
}
