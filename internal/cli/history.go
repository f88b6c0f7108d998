package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/swamp-dev/autoflow/internal/journal"
	"github.com/swamp-dev/autoflow/internal/store"
)

var historyCmd = &cobra.Command{
	Use:   "history <session-id>",
	Short: "Show the full journal of a session",
	Long: `History prints every recorded event of a session from the journal. Unlike
the history kept on the session itself, the journal is never trimmed and
also holds the resumer's decisions.`,
	Args: cobra.ExactArgs(1),
	RunE: runHistory,
}

var (
	historyLast     int
	historySource   string
	historyMarkdown bool
	historyExport   string
)

func init() {
	historyCmd.Flags().IntVar(&historyLast, "last", 0, "show last N entries")
	historyCmd.Flags().StringVar(&historySource, "source", "", "filter by source (controller, resumer)")
	historyCmd.Flags().BoolVar(&historyMarkdown, "markdown", false, "render as markdown")
	historyCmd.Flags().StringVar(&historyExport, "export", "", "write the markdown diary to a file")
}

func runHistory(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	s, err := store.Open(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer s.Close()

	ctx := cmd.Context()
	sessionID := args[0]
	j := journal.New(s, "")

	if historyExport != "" || historyMarkdown {
		md, err := j.ExportMarkdown(ctx, sessionID)
		if err != nil {
			return fmt.Errorf("exporting journal: %w", err)
		}

		if historyExport != "" {
			if err := os.MkdirAll(filepath.Dir(historyExport), 0755); err != nil {
				return err
			}
			if err := os.WriteFile(historyExport, []byte(md), 0644); err != nil {
				return err
			}
			fmt.Printf("Exported: %s\n", historyExport)
			return nil
		}

		fmt.Print(md)
		return nil
	}

	entries, err := j.Entries(ctx, sessionID, &store.JournalQuery{Source: historySource, Limit: historyLast})
	if err != nil {
		return fmt.Errorf("loading journal entries: %w", err)
	}

	if len(entries) == 0 {
		fmt.Println("No journal entries found.")
		return nil
	}

	for _, e := range entries {
		fmt.Print(journal.RenderEntry(e))
		fmt.Println("---")
	}

	return nil
}
