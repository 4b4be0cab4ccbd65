package output

import (
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/flagwire/flagwire/internal/core/store"
)

// TableFormatter renders results as an ASCII table.
type TableFormatter struct{}

// FormatFlags renders the flags delivered to a sync session.
func (f *TableFormatter) FormatFlags(report *FlagsReport) (string, error) {
	if report == nil {
		return "", nil
	}

	t := newTable(flagsHeader, flagRows(report))
	t.SetTitle("Flags for " + report.DistinctID)

	summary := fmt.Sprintf("%d flag(s), %d sync(s)", len(report.Flags), report.Syncs)
	if report.Error != "" {
		summary += ", last error: " + report.Error
	}
	t.AppendFooter(table.Row{"", "", summary})
	return t.Render(), nil
}

// FormatRequests renders recorded sync requests.
func (f *TableFormatter) FormatRequests(requests []store.SyncRequest) (string, error) {
	t := newTable(requestsHeader, requestRows(requests))
	t.AppendFooter(table.Row{"", "", "", "", "", "", fmt.Sprintf("%d request(s)", len(requests))})
	return t.Render(), nil
}

// FormatSimulation renders a rate limiter simulation.
func (f *TableFormatter) FormatSimulation(sim *Simulation) (string, error) {
	if sim == nil {
		return "", nil
	}
	t := newTable(simulationHeader, simulationRows(sim))
	t.SetTitle(simulationSummary(sim))
	return t.Render(), nil
}

// tableStyle is StyleRounded with footers left as written; summaries carry
// backend error text that must not be upper-cased.
func tableStyle() table.Style {
	style := table.StyleRounded
	style.Format.Footer = text.FormatDefault
	return style
}

func newTable(header []string, rows [][]string) table.Writer {
	t := table.NewWriter()
	t.SetStyle(tableStyle())
	t.AppendHeader(toRow(header))
	for _, row := range rows {
		t.AppendRow(toRow(row))
	}
	return t
}

func toRow(values []string) table.Row {
	row := make(table.Row, len(values))
	for i, v := range values {
		row[i] = v
	}
	return row
}
