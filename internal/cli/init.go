package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/swamp-dev/autoflow/internal/autoflow"
	"github.com/swamp-dev/autoflow/internal/config"
	"github.com/swamp-dev/autoflow/internal/dag"
)

var (
	initAgent   string
	initImage   string
	initSandbox bool
	initForce   bool
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a project for autoflow",
	Long: `Initialize creates the files needed to run autoflow in a project:

- autoflow.yaml - configuration file
- plan.yaml     - example plan with two dependent tasks

Examples:
  autoflow init
  autoflow init --agent aider
  autoflow init --sandbox --image node --force`,
	RunE: runInit,
}

func init() {
	initCmd.Flags().StringVarP(&initAgent, "agent", "a", "claude", "default agent (claude, claude-cli, amp, aider)")
	initCmd.Flags().StringVar(&initImage, "image", "", "sandbox image (node, python, go, rust, full)")
	initCmd.Flags().BoolVar(&initSandbox, "sandbox", false, "run agents and commands in Docker")
	initCmd.Flags().BoolVarP(&initForce, "force", "f", false, "overwrite existing files")
}

func runInit(cmd *cobra.Command, args []string) error {
	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("getting current directory: %w", err)
	}

	logger.Info("initializing autoflow project", "dir", cwd, "agent", initAgent, "sandbox", initSandbox)

	if err := createConfigFile(cwd); err != nil {
		return err
	}
	if err := createPlanFile(cwd); err != nil {
		return err
	}

	fmt.Printf("\n✓ Initialized autoflow in %s\n", filepath.Base(cwd))
	fmt.Println("\nCreated files:")
	fmt.Println("  - autoflow.yaml  (configuration)")
	fmt.Println("  - plan.yaml      (example plan)")
	fmt.Println("\nNext steps:")
	fmt.Println("  1. Edit plan.yaml to describe your tasks")
	fmt.Println("  2. Run 'autoflow run my-session --plan plan.yaml'")

	return nil
}

// skipExisting reports whether path exists and must be kept.
func skipExisting(path string) bool {
	if initForce {
		return false
	}
	if _, err := os.Stat(path); err == nil {
		logger.Info(filepath.Base(path) + " already exists, skipping")
		return true
	}
	return false
}

func createConfigFile(dir string) error {
	path := filepath.Join(dir, config.FileName)
	if skipExisting(path) {
		return nil
	}

	cfg := config.DefaultConfig()
	cfg.Launcher.Agent = initAgent
	if initSandbox {
		cfg.Launcher.Backend = "docker"
		cfg.Runner.Backend = "docker"
		// Agents need to reach their APIs.
		cfg.Docker.Network = "bridge"
	}
	if initImage != "" {
		cfg.Docker.Image = initImage
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if err := cfg.Save(path); err != nil {
		return fmt.Errorf("creating config file: %w", err)
	}

	logger.Info("created " + config.FileName)
	return nil
}

func examplePlan(agent string) *planFile {
	return &planFile{
		Goal: "Add input validation to the signup form",
		Tasks: []dag.TaskSpec{
			{
				ID:          "validate",
				Agent:       agent,
				Prompt:      "Add server-side validation for the signup form fields.",
				Description: "server validation",
			},
			{
				ID:          "tests",
				Agent:       agent,
				Prompt:      "Write tests covering the new signup validation rules.",
				Description: "validation tests",
				DependsOn:   []string{"validate"},
			},
		},
		VerificationCommand: "make test",
		FixSteps: autoflow.FixSteps{
			autoflow.CommandFixStep{Command: "make fmt"},
			autoflow.AgentFixStep{Agent: agent, Prompt: "The test suite fails. Fix the failing tests without weakening them."},
		},
		MaxFixRounds: 3,
	}
}

func createPlanFile(dir string) error {
	path := filepath.Join(dir, "plan.yaml")
	if skipExisting(path) {
		return nil
	}

	data, err := yaml.Marshal(examplePlan(initAgent))
	if err != nil {
		return fmt.Errorf("marshaling plan: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("creating plan file: %w", err)
	}

	logger.Info("created plan.yaml")
	return nil
}
