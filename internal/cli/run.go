package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/swamp-dev/autoflow/internal/autoflow"
	"github.com/swamp-dev/autoflow/internal/dag"
)

// planFile is the YAML document accepted by "autoflow run --plan".
type planFile struct {
	Goal                string            `yaml:"goal"`
	Tasks               []dag.TaskSpec    `yaml:"tasks"`
	VerificationCommand string            `yaml:"verification_command"`
	FixCommands         []string          `yaml:"fix_commands,omitempty"`
	FixSteps            autoflow.FixSteps `yaml:"fix_steps,omitempty"`
	MaxFixRounds        int               `yaml:"max_fix_rounds,omitempty"`
	MaxParallel         int               `yaml:"max_parallel,omitempty"`
	WorkingDirectory    string            `yaml:"working_directory,omitempty"`
}

func loadPlan(path string) (*planFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading plan: %w", err)
	}
	var plan planFile
	if err := yaml.Unmarshal(data, &plan); err != nil {
		return nil, fmt.Errorf("parsing plan %s: %w", path, err)
	}
	return &plan, nil
}

var (
	runPlan         string
	runGoal         string
	runVerify       string
	runFix          []string
	runMaxFixRounds int
	runMaxParallel  int
	runTimeout      time.Duration
	runWorkdir      string
	runRestart      bool
	runJSON         bool
)

var runCmd = &cobra.Command{
	Use:   "run <session-id>",
	Short: "Start or continue an autoflow session",
	Long: `Run advances a session through planning, execution, verification and
fixing until it completes, fails or needs more input.

A new session takes its tasks from a plan file. Running an existing session
continues it from its stored phase; finished sessions are reported as they
are unless --restart is given.

Examples:
  autoflow run feature-42 --plan plan.yaml
  autoflow run feature-42 --verify "go test ./..." --fix "gofmt -w ."
  autoflow run feature-42 --restart --plan plan.yaml`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVar(&runPlan, "plan", "", "YAML plan file with tasks and verification settings")
	runCmd.Flags().StringVar(&runGoal, "goal", "", "session goal")
	runCmd.Flags().StringVar(&runVerify, "verify", "", "verification command")
	runCmd.Flags().StringArrayVar(&runFix, "fix", nil, "fix command (repeatable, one per round)")
	runCmd.Flags().IntVar(&runMaxFixRounds, "max-fix-rounds", 0, "maximum verify/fix rounds (1-10)")
	runCmd.Flags().IntVar(&runMaxParallel, "max-parallel", 0, "maximum concurrent agent tasks (1-8)")
	runCmd.Flags().DurationVar(&runTimeout, "timeout", 0, "timeout for verification and fix commands")
	runCmd.Flags().StringVar(&runWorkdir, "workdir", "", "working directory for verification and fix commands")
	runCmd.Flags().BoolVar(&runRestart, "restart", false, "discard progress and start the session over")
	runCmd.Flags().BoolVar(&runJSON, "json", false, "output the result as JSON")
}

func runRun(cmd *cobra.Command, args []string) error {
	in := autoflow.RunInput{
		SessionID:           args[0],
		Goal:                runGoal,
		VerificationCommand: runVerify,
		FixCommands:         runFix,
		MaxFixRounds:        runMaxFixRounds,
		MaxParallel:         runMaxParallel,
		Timeout:             runTimeout,
		WorkingDirectory:    runWorkdir,
		ForceRestart:        runRestart,
	}
	if runPlan != "" {
		plan, err := loadPlan(runPlan)
		if err != nil {
			return err
		}
		mergePlan(&in, plan)
	}

	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("running session", "session", in.SessionID, "tasks", len(in.Tasks), "restart", in.ForceRestart)
	res := a.controller.Run(ctx, in)

	if ctx.Err() != nil {
		// Agent tasks outlive the call context; do not leave them running.
		if n, _ := a.pool.Cancel(context.Background(), ""); n > 0 {
			logger.Info("cancelled agent tasks", "count", n)
		}
	}

	if runJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(res); err != nil {
			return err
		}
	} else {
		printRunResult(res)
	}

	if res.Phase == autoflow.PhaseFailed {
		return fmt.Errorf("session %s failed: %s", in.SessionID, res.Summary)
	}
	return nil
}

// mergePlan fills input fields the flags left unset from the plan file.
func mergePlan(in *autoflow.RunInput, plan *planFile) {
	in.Tasks = plan.Tasks
	in.FixSteps = plan.FixSteps
	if in.Goal == "" {
		in.Goal = plan.Goal
	}
	if in.VerificationCommand == "" {
		in.VerificationCommand = plan.VerificationCommand
	}
	if len(in.FixCommands) == 0 {
		in.FixCommands = plan.FixCommands
	}
	if in.MaxFixRounds == 0 {
		in.MaxFixRounds = plan.MaxFixRounds
	}
	if in.MaxParallel == 0 {
		in.MaxParallel = plan.MaxParallel
	}
	if in.WorkingDirectory == "" {
		in.WorkingDirectory = plan.WorkingDirectory
	}
}

func printRunResult(res *autoflow.Result) {
	fmt.Printf("%s %s  %s\n", phaseIcon(res.Phase), phaseStyle(res.Phase).Render(string(res.Phase)), res.Summary)

	if res.DagResult != nil {
		fmt.Printf("  graph: %s\n", res.DagResult)
		for _, n := range res.DagResult.Nodes {
			line := fmt.Sprintf("    %s %-20s %-10s retries=%d", nodeIcon(n.Status), n.NodeID, n.Agent, n.Retries)
			if n.Error != "" {
				line += "  " + truncate(n.Error, 60)
			}
			fmt.Println(line)
		}
	}
	if v := res.Verification; v != nil {
		fmt.Printf("  verify: %s ok=%t exit=%d (%dms)\n", v.Command, v.OK, v.ExitCode, v.DurationMs)
	}
	if t := res.Tests; t != nil {
		fmt.Printf("  tests:  %s\n", t)
		for _, name := range t.Failing {
			fmt.Printf("    ✗ %s\n", name)
		}
	}
	if f := res.FixResult; f != nil {
		target := f.Command
		if f.Kind == autoflow.FixKindAgent {
			target = f.Agent
		}
		fmt.Printf("  fix:    round %d %s %s ok=%t\n", f.Round+1, f.Kind, target, f.OK)
	}
}
