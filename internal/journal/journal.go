// Package journal keeps the uncapped audit trail of session history for autoflow.
package journal

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/swamp-dev/autoflow/internal/store"
)

// Sources that write to the journal.
const (
	SourceController = "controller"
	SourceResumer    = "resumer"
)

// Journal is a thin wrapper over store for appending and reading audit entries.
type Journal struct {
	store  *store.Store
	source string
}

// New creates a journal that stamps every entry with source.
func New(s *store.Store, source string) *Journal {
	return &Journal{store: s, source: source}
}

// Record appends one entry for a session.
func (j *Journal) Record(ctx context.Context, sessionID, phase, event, summary string, at time.Time) error {
	return j.store.AddJournalEntry(ctx, &store.JournalEntry{
		SessionID: sessionID,
		Source:    j.source,
		Phase:     phase,
		Event:     event,
		Summary:   summary,
		At:        at,
	})
}

// Entries returns journal entries for a session, optionally filtered.
func (j *Journal) Entries(ctx context.Context, sessionID string, opts *store.JournalQuery) ([]*store.JournalEntry, error) {
	return j.store.JournalEntries(ctx, sessionID, opts)
}

// ExportMarkdown renders every entry of a session as a markdown log.
func (j *Journal) ExportMarkdown(ctx context.Context, sessionID string) (string, error) {
	entries, err := j.store.JournalEntries(ctx, sessionID, nil)
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("# Autoflow Session %s\n\n", sessionID))
	if len(entries) == 0 {
		sb.WriteString("_No entries._\n")
		return sb.String(), nil
	}
	for _, e := range entries {
		sb.WriteString(RenderEntry(e))
		sb.WriteString("\n---\n\n")
	}
	return sb.String(), nil
}

// RenderEntry formats a single journal entry as markdown.
func RenderEntry(e *store.JournalEntry) string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("## %s\n", e.Event))
	sb.WriteString(fmt.Sprintf("**%s | %s", e.At.Local().Format("2006-01-02 15:04:05"), e.Source))
	if e.Phase != "" {
		sb.WriteString(fmt.Sprintf(" | Phase: %s", e.Phase))
	}
	sb.WriteString("**\n")
	if e.Summary != "" {
		sb.WriteString("\n")
		sb.WriteString(e.Summary)
		sb.WriteString("\n")
	}

	return sb.String()
}
