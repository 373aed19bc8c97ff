package main

import (
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"os"
	"slices"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/mattn/go-isatty"

	"github.com/sells-group/mapgen/internal/model"
	"github.com/sells-group/mapgen/internal/snapshot"
)

// isTerminal reports whether w is an interactive terminal.
func isTerminal(w io.Writer) bool {
	file, ok := w.(*os.File)
	if !ok {
		return false
	}
	fd := file.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

// wantJSON picks JSON output when asked for or when w is not a terminal.
func wantJSON(w io.Writer, flag bool) bool {
	return flag || !isTerminal(w)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func displayColor(d model.StatusDisplay) text.Colors {
	switch d {
	case model.DisplaySuccess:
		return text.Colors{text.FgGreen}
	case model.DisplayFailed:
		return text.Colors{text.FgRed}
	case model.DisplayNoValidMapping:
		return text.Colors{text.FgYellow}
	case model.DisplayRunning:
		return text.Colors{text.FgCyan}
	default:
		return nil
	}
}

// snapshotDetail is the most useful one-line explanation of a question's state.
func snapshotDetail(snap *model.GenerationSnapshot, qid string, qs model.QuestionStatus) string {
	switch {
	case qs.StatusDisplay == model.DisplaySuccess:
		if st, ok := snap.Staged[qid]; ok {
			return fmt.Sprintf("%q -> %q (%.2f)", st.StagedMapping.Original, st.StagedMapping.Replacement, st.ValidationSummary.Confidence)
		}
	case qs.Error != nil:
		return *qs.Error
	case qs.SkipReason != nil:
		return *qs.SkipReason
	case len(qs.GenerationExceptions) > 0:
		last := qs.GenerationExceptions[len(qs.GenerationExceptions)-1]
		return last.ErrorType + ": " + last.Error
	}
	return ""
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

// renderSnapshot writes one row per question, ordered by question id.
func renderSnapshot(w io.Writer, snap *model.GenerationSnapshot, colorize bool) {
	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)
	tw.AppendHeader(table.Row{"Question", "Status", "Attempt", "Retries", "Generated", "Validated", "Detail"})

	for _, qid := range slices.Sorted(maps.Keys(snap.StatusSummary)) {
		qs := snap.StatusSummary[qid]
		status := string(qs.StatusDisplay)
		if colorize {
			if c := displayColor(qs.StatusDisplay); c != nil {
				status = c.Sprint(status)
			}
		}
		attempt := fmt.Sprintf("%d", qs.CurrentAttempt)
		if qs.MaxAttempts > 0 {
			attempt = fmt.Sprintf("%d/%d", qs.CurrentAttempt, qs.MaxAttempts)
		}
		tw.AppendRow(table.Row{
			qs.QuestionNumber,
			status,
			attempt,
			qs.RetryCount,
			qs.MappingsGenerated,
			qs.MappingsValidated,
			truncate(snapshotDetail(snap, qid, qs), 60),
		})
	}
	tw.SetColumnConfigs([]table.ColumnConfig{
		{Number: 3, Align: text.AlignRight},
		{Number: 4, Align: text.AlignRight},
		{Number: 5, Align: text.AlignRight},
		{Number: 6, Align: text.AlignRight},
	})

	counts := snap.CountByDisplay()
	tw.AppendFooter(table.Row{"", summaryLine(counts), "", "", "", "", fmt.Sprintf("version %d", snap.Version)})

	fmt.Fprintln(w, tw.Render())
}

func summaryLine(counts map[model.StatusDisplay]int) string {
	order := []model.StatusDisplay{
		model.DisplaySuccess,
		model.DisplayNoValidMapping,
		model.DisplayFailed,
		model.DisplayRunning,
		model.DisplayPending,
	}
	parts := make([]string, 0, len(order))
	for _, d := range order {
		if n := counts[d]; n > 0 {
			parts = append(parts, fmt.Sprintf("%s=%d", d, n))
		}
	}
	return strings.Join(parts, " ")
}

// progressLine is the one-line progress report printed while polling.
func progressLine(snap *model.GenerationSnapshot) string {
	line := summaryLine(snap.CountByDisplay())
	if line == "" {
		line = "no questions"
	}
	return fmt.Sprintf("[v%d] %s", snap.Version, line)
}

func renderDecision(w io.Writer, d *snapshot.Decision) {
	verdict := "not ready"
	if d.Ready {
		verdict = "ready"
	}
	fmt.Fprintf(w, "promotion: %s (%d/%d succeeded, %d required)\n", verdict, d.Succeeded, d.Total, d.Required)
}
