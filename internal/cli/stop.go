package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var stopReason string

var stopCmd = &cobra.Command{
	Use:   "stop <session-id>",
	Short: "Stop an in-flight session",
	Long: `Stop moves an active session to the stopped phase. A stopped session
only runs again with 'autoflow run <session-id> --restart'.

Stopping through the resumer instead ('autoflow resume event --reason user')
also keeps it from being resumed automatically.`,
	Args: cobra.ExactArgs(1),
	RunE: runStop,
}

func init() {
	stopCmd.Flags().StringVar(&stopReason, "reason", "manual", "reason recorded with the stop")
}

func runStop(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	state, err := a.controller.Stop(cmd.Context(), args[0], stopReason)
	if err != nil {
		return fmt.Errorf("stopping session: %w", err)
	}
	fmt.Printf("%s %s  %s\n", phaseIcon(state.Phase), phaseStyle(state.Phase).Render(string(state.Phase)), state.LastSummary)
	return nil
}
