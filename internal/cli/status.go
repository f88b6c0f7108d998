package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/swamp-dev/autoflow/internal/autoflow"
	"github.com/swamp-dev/autoflow/internal/dag"
	"github.com/swamp-dev/autoflow/internal/resume"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205"))
	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243"))
	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("63")).
			Padding(0, 1)

	phaseActive    = lipgloss.NewStyle().Foreground(lipgloss.Color("220"))
	phaseCompleted = lipgloss.NewStyle().Foreground(lipgloss.Color("46"))
	phaseFailed    = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	phaseStopped   = lipgloss.NewStyle().Foreground(lipgloss.Color("208"))
)

var statusJSON bool

var statusCmd = &cobra.Command{
	Use:   "status [session-id]",
	Short: "Show sessions and their progress",
	Long: `Status lists every stored session, or shows one session in detail:
its phase, fix rounds, the last task graph run, resume bookkeeping and
recent history.

Examples:
  autoflow status
  autoflow status feature-42
  autoflow status feature-42 --json`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "output in JSON format")
}

func runStatus(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()
	ctx := cmd.Context()

	if len(args) == 0 {
		sessions, err := a.controller.List(ctx)
		if err != nil {
			return err
		}
		if statusJSON {
			return printJSON(sessions)
		}
		printSessionList(sessions)
		return nil
	}

	state, err := a.controller.Get(ctx, args[0])
	if err != nil {
		return err
	}
	rt, err := a.resumer.Runtime(ctx, args[0])
	if err != nil {
		return err
	}

	if statusJSON {
		return printJSON(struct {
			Session *autoflow.SessionState `json:"session"`
			Runtime *resume.Runtime        `json:"runtime"`
		}{state, rt})
	}
	fmt.Println(renderSession(state, rt))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printSessionList(sessions []*autoflow.SessionState) {
	if len(sessions) == 0 {
		fmt.Println("No sessions yet. Run 'autoflow run <session-id> --plan plan.yaml' to start one.")
		return
	}

	fmt.Println(titleStyle.Render("AUTOFLOW SESSIONS"))
	fmt.Println(labelStyle.Render(fmt.Sprintf("%-24s %-14s %-7s %-20s %s", "SESSION", "PHASE", "FIX", "UPDATED", "SUMMARY")))
	for _, s := range sessions {
		phase := fmt.Sprintf("%s %-12s", phaseIcon(s.Phase), s.Phase)
		fmt.Printf("%-24s %s %-7s %-20s %s\n",
			truncate(s.SessionID, 24),
			phaseStyle(s.Phase).Render(phase),
			fmt.Sprintf("%d/%d", s.FixRound, s.MaxFixRounds),
			s.UpdatedAt.Local().Format("2006-01-02 15:04:05"),
			truncate(s.LastSummary, 60),
		)
	}
}

func renderSession(s *autoflow.SessionState, rt *resume.Runtime) string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("Session "+s.SessionID) + "\n")
	field := func(label, value string) {
		if value != "" {
			b.WriteString(labelStyle.Render(fmt.Sprintf("%-10s", label)) + " " + value + "\n")
		}
	}
	field("Goal", s.Goal)
	field("Phase", phaseStyle(s.Phase).Render(phaseIcon(s.Phase)+" "+string(s.Phase)))
	field("Fix", fmt.Sprintf("round %d of %d", s.FixRound, s.MaxFixRounds))
	field("Verify", s.VerificationCommand)
	field("Summary", s.LastSummary)
	field("Error", s.LastError)

	if d := s.LastDag; d != nil {
		percent := 0.0
		if d.Total > 0 {
			percent = float64(d.Completed) / float64(d.Total) * 100
		}
		field("Graph", fmt.Sprintf("%s %5.1f%%  %s", renderProgressBar(percent, 30), percent, d))
		for _, n := range d.Nodes {
			b.WriteString(fmt.Sprintf("           %s %-20s %s\n", nodeIcon(n.Status), truncate(n.NodeID, 20), n.Status))
		}
	}

	if rt != nil && (rt.ResumeAttempts > 0 || rt.UserStopped || rt.LastStopType != "") {
		resumeLine := fmt.Sprintf("attempts=%d failures=%d", rt.ResumeAttempts, rt.ResumeFailures)
		if rt.UserStopped {
			resumeLine += " user-stopped"
		}
		if rt.LastStopReason != "" {
			resumeLine += " last stop: " + rt.LastStopReason
		}
		field("Resume", resumeLine)
	}

	if len(s.History) > 0 {
		b.WriteString(labelStyle.Render("Recent activity") + "\n")
		start := len(s.History) - 8
		if start < 0 {
			start = 0
		}
		for _, h := range s.History[start:] {
			line := fmt.Sprintf("  %s %-12s %-22s %s", h.At.Local().Format("15:04:05"), h.Phase, h.Event, truncate(h.Summary, 50))
			b.WriteString(strings.TrimRight(line, " ") + "\n")
		}
	}

	return boxStyle.Render(strings.TrimRight(b.String(), "\n"))
}

func phaseStyle(p autoflow.Phase) lipgloss.Style {
	switch p {
	case autoflow.PhaseCompleted:
		return phaseCompleted
	case autoflow.PhaseFailed:
		return phaseFailed
	case autoflow.PhaseStopped:
		return phaseStopped
	default:
		return phaseActive
	}
}

func phaseIcon(p autoflow.Phase) string {
	switch p {
	case autoflow.PhaseCompleted:
		return "✓"
	case autoflow.PhaseFailed:
		return "✗"
	case autoflow.PhaseStopped:
		return "■"
	case autoflow.PhasePlanning:
		return "○"
	default:
		return "▶"
	}
}

func nodeIcon(s dag.NodeStatus) string {
	switch s {
	case dag.StatusCompleted:
		return "✓"
	case dag.StatusFailed, dag.StatusTimeout:
		return "✗"
	case dag.StatusCancelled:
		return "■"
	case dag.StatusBlocked:
		return "⊘"
	default:
		return "○"
	}
}

func renderProgressBar(percent float64, width int) string {
	filled := int(percent / 100.0 * float64(width))
	if filled > width {
		filled = width
	}

	bar := strings.Repeat("█", filled) + strings.Repeat("░", width-filled)
	return "[" + bar + "]"
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
