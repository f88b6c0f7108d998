package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/swamp-dev/autoflow/internal/inbox"
	"github.com/swamp-dev/autoflow/internal/resume"
)

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Feed session events to the resumer",
	Long: `Resume delivers host session events to the resumer and manages its
per-session bookkeeping.

Subcommands:
  event  - Handle a session.status event now, or queue it for 'autoflow watch'
  clear  - Clear the operator stop flag so the session can be resumed again`,
}

var (
	resumeStatus string
	resumeReason string
	resumeSource string
	resumeFile   string
	resumeQueue  bool
)

var resumeEventCmd = &cobra.Command{
	Use:   "event [session-id]",
	Short: "Handle a session status event",
	Long: `Event builds a session.status event from flags (or reads one from --file)
and hands it to the resumer. With --queue the event is written to the inbox
directory for a running 'autoflow watch' instead.

Examples:
  autoflow resume event feature-42 --status error --reason transport_restart
  autoflow resume event feature-42 --status stopped --reason user_cancelled
  autoflow resume event --file event.json --queue`,
	Args: cobra.MaximumNArgs(1),
	RunE: runResumeEvent,
}

var resumeClearCmd = &cobra.Command{
	Use:   "clear <session-id>",
	Short: "Clear the operator stop flag",
	Args:  cobra.ExactArgs(1),
	RunE:  runResumeClear,
}

func init() {
	resumeEventCmd.Flags().StringVar(&resumeStatus, "status", "error", "status type (stopped, error, terminated, ...)")
	resumeEventCmd.Flags().StringVar(&resumeReason, "reason", "", "stop reason")
	resumeEventCmd.Flags().StringVar(&resumeSource, "source", "", "stop source")
	resumeEventCmd.Flags().StringVar(&resumeFile, "file", "", "read the event document from a JSON file")
	resumeEventCmd.Flags().BoolVar(&resumeQueue, "queue", false, "queue the event in the inbox instead of handling it")

	resumeCmd.AddCommand(resumeEventCmd)
	resumeCmd.AddCommand(resumeClearCmd)
}

func buildEvent(args []string) (resume.Event, error) {
	if resumeFile != "" {
		data, err := os.ReadFile(resumeFile)
		if err != nil {
			return resume.Event{}, fmt.Errorf("reading event: %w", err)
		}
		var ev resume.Event
		if err := json.Unmarshal(data, &ev); err != nil {
			return resume.Event{}, fmt.Errorf("parsing event %s: %w", resumeFile, err)
		}
		return ev, nil
	}

	if len(args) == 0 {
		return resume.Event{}, fmt.Errorf("a session id or --file is required")
	}
	return resume.Event{
		Type: resume.EventSessionStatus,
		Properties: resume.EventProperties{
			SessionID: args[0],
			Status:    resume.Status{Type: resumeStatus, Reason: resumeReason, Source: resumeSource},
		},
	}, nil
}

func runResumeEvent(cmd *cobra.Command, args []string) error {
	ev, err := buildEvent(args)
	if err != nil {
		return err
	}

	if resumeQueue {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		path, err := inbox.Submit(cfg.Inbox.Dir, ev)
		if err != nil {
			return err
		}
		fmt.Printf("Queued: %s\n", path)
		return nil
	}

	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	out := a.resumer.HandleEvent(cmd.Context(), ev)
	return printJSON(out)
}

func runResumeClear(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	rt, err := a.resumer.ClearStopFlag(cmd.Context(), args[0])
	if err != nil {
		return fmt.Errorf("clearing stop flag: %w", err)
	}
	fmt.Printf("Cleared stop flag for %s (attempts=%d)\n", rt.SessionID, rt.ResumeAttempts)
	return nil
}
