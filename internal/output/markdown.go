package output

import (
	"fmt"
	"strings"

	"github.com/flagwire/flagwire/internal/core/store"
)

// MarkdownFormatter renders results as a markdown table.
type MarkdownFormatter struct{}

// FormatFlags renders a flags report as Markdown.
func (f *MarkdownFormatter) FormatFlags(report *FlagsReport) (string, error) {
	if report == nil {
		return "", nil
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("## Flags for %s\n\n", escapeMarkdownCell(report.DistinctID)))
	writeMarkdownTable(&sb, flagsHeader, flagRows(report))
	sb.WriteString(fmt.Sprintf("\n%d flag(s), %d sync(s)\n", len(report.Flags), report.Syncs))
	if report.Error != "" {
		sb.WriteString(fmt.Sprintf("\n**Last error:** %s\n", escapeMarkdownCell(report.Error)))
	}
	return sb.String(), nil
}

// FormatRequests renders recorded sync requests as Markdown.
func (f *MarkdownFormatter) FormatRequests(requests []store.SyncRequest) (string, error) {
	var sb strings.Builder
	sb.WriteString("## Sync requests\n\n")
	writeMarkdownTable(&sb, requestsHeader, requestRows(requests))
	return sb.String(), nil
}

// FormatSimulation renders a simulation as Markdown.
func (f *MarkdownFormatter) FormatSimulation(sim *Simulation) (string, error) {
	if sim == nil {
		return "", nil
	}
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("## Rate limit simulation\n\n`%s`\n\n", simulationSummary(sim)))
	writeMarkdownTable(&sb, simulationHeader, simulationRows(sim))
	return sb.String(), nil
}

func writeMarkdownTable(sb *strings.Builder, header []string, rows [][]string) {
	sb.WriteString("| " + strings.Join(header, " | ") + " |\n")
	sb.WriteString("|" + strings.Repeat("---|", len(header)) + "\n")
	for _, row := range rows {
		cells := make([]string, len(row))
		for i, cell := range row {
			cells[i] = escapeMarkdownCell(cell)
		}
		sb.WriteString("| " + strings.Join(cells, " | ") + " |\n")
	}
}

func escapeMarkdownCell(value string) string {
	value = strings.ReplaceAll(value, "|", "\\|")
	return strings.ReplaceAll(value, "\n", " ")
}
