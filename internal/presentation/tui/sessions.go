package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/aretw0/parley/pkg/domain"
)

// SessionsTable renders snapshots as a markdown table. The live session, if
// any, is marked.
func SessionsTable(snaps []domain.Snapshot, active string) string {
	var b strings.Builder
	b.WriteString("# Sessions\n\n")
	if len(snaps) == 0 {
		b.WriteString("_No sessions registered._\n")
		return b.String()
	}

	b.WriteString("| | Session | Channel | Position | State | Last error | Updated |\n")
	b.WriteString("|---|---|---|---|---|---|---|\n")
	for _, s := range snaps {
		marker := ""
		if s.ID == active {
			marker = "●"
		}
		lastErr := "-"
		if s.LastError != nil {
			lastErr = fmt.Sprintf("%s: %s", s.LastError.Kind, escapeCell(s.LastError.Message))
		}
		updated := "-"
		if !s.UpdatedAt.IsZero() {
			updated = s.UpdatedAt.Local().Format(time.DateTime)
		}
		fmt.Fprintf(&b, "| %s | %s | %s | %s | %s | %s | %s |\n",
			marker, escapeCell(s.ID), escapeCell(s.Channel), s.Position, s.State, lastErr, updated)
	}
	return b.String()
}

func escapeCell(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	return strings.ReplaceAll(s, "|", "\\|")
}
