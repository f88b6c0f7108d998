package cli

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/swamp-dev/autoflow/internal/resume"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or change configuration",
	Long: `Config shows the effective autoflow.yaml settings and the stored resume
configuration, and changes the stored resume configuration.

The resume configuration is seeded from the persistent section of
autoflow.yaml the first time it is read and lives in the store afterwards.`,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Args:  cobra.NoArgs,
	RunE:  runConfigShow,
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Change a stored resume setting",
	Long: `Set changes one stored resume setting. Values are clamped to their
allowed ranges.

Keys:
  enabled                          true or false
  resume_cooldown                  duration (500ms-2m)
  max_auto_resumes                 1-50
  max_consecutive_resume_failures  1-20
  resume_timeout                   duration (3s-10m)`,
	Args: cobra.ExactArgs(2),
	RunE: runConfigSet,
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	data, err := yaml.Marshal(a.cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	fmt.Println(titleStyle.Render("autoflow.yaml (effective)"))
	fmt.Print(string(data))

	pc, err := a.resumer.Config(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Println()
	fmt.Println(titleStyle.Render("resume (stored)"))
	fmt.Printf("enabled: %t\n", pc.Enabled)
	fmt.Printf("resume_cooldown: %s\n", pc.Cooldown())
	fmt.Printf("max_auto_resumes: %d\n", pc.MaxAutoResumes)
	fmt.Printf("max_consecutive_resume_failures: %d\n", pc.MaxConsecutiveResumeFailures)
	fmt.Printf("resume_timeout: %s\n", pc.ResumeTimeout())
	return nil
}

func runConfigSet(cmd *cobra.Command, args []string) error {
	apply, err := persistentSetter(args[0], args[1])
	if err != nil {
		return err
	}

	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	pc, err := a.resumer.UpdateConfig(cmd.Context(), apply)
	if err != nil {
		return err
	}
	fmt.Printf("Updated %s (enabled=%t cooldown=%s max_auto_resumes=%d max_failures=%d timeout=%s)\n",
		args[0], pc.Enabled, pc.Cooldown(), pc.MaxAutoResumes, pc.MaxConsecutiveResumeFailures, pc.ResumeTimeout())
	return nil
}

// persistentSetter parses value for key and returns the change to apply.
func persistentSetter(key, value string) (func(*resume.PersistentConfig), error) {
	switch key {
	case "enabled":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return nil, fmt.Errorf("enabled: %w", err)
		}
		return func(c *resume.PersistentConfig) { c.Enabled = b }, nil
	case "resume_cooldown", "resume_timeout":
		d, err := time.ParseDuration(value)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", key, err)
		}
		if key == "resume_cooldown" {
			return func(c *resume.PersistentConfig) { c.ResumeCooldownMs = d.Milliseconds() }, nil
		}
		return func(c *resume.PersistentConfig) { c.ResumeTimeoutMs = d.Milliseconds() }, nil
	case "max_auto_resumes", "max_consecutive_resume_failures":
		n, err := strconv.Atoi(value)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", key, err)
		}
		if key == "max_auto_resumes" {
			return func(c *resume.PersistentConfig) { c.MaxAutoResumes = n }, nil
		}
		return func(c *resume.PersistentConfig) { c.MaxConsecutiveResumeFailures = n }, nil
	default:
		return nil, fmt.Errorf("unknown key %q", key)
	}
}
