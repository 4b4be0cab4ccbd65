package output

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flagwire/flagwire/internal/core"
	"github.com/flagwire/flagwire/internal/core/store"
)

func TestParseFormat(t *testing.T) {
	format, err := ParseFormat("table")
	require.NoError(t, err)
	require.Equal(t, FormatTable, format)

	format, err = ParseFormat("JSON")
	require.NoError(t, err)
	require.Equal(t, FormatJSON, format)

	format, err = ParseFormat("md")
	require.NoError(t, err)
	require.Equal(t, FormatMarkdown, format)

	format, err = ParseFormat("")
	require.NoError(t, err)
	require.Equal(t, FormatTable, format)

	_, err = ParseFormat("csv")
	require.Error(t, err)

	assert.Equal(t, "md", FormatMarkdown.Extension())
	assert.Equal(t, "txt", FormatTable.Extension())
}

func sampleReport() *FlagsReport {
	return &FlagsReport{
		DistinctID: "user-1",
		Flags:      map[string]any{"beta": true, "search": false, "theme": "dark"},
		Payloads:   map[string]any{"theme": "{\"accent\":\"blue\"}"},
		Syncs:      2,
	}
}

func TestFormatFlags(t *testing.T) {
	rendered, err := NewFormatter(FormatTable).FormatFlags(sampleReport())
	require.NoError(t, err)
	assert.Contains(t, rendered, "Flags for user-1")
	assert.Contains(t, rendered, "variant: dark")
	assert.Contains(t, rendered, "3 flag(s), 2 sync(s)")
	// rows are sorted by key
	assert.Less(t, strings.Index(rendered, "beta"), strings.Index(rendered, "theme"))

	rendered, err = NewFormatter(FormatMarkdown).FormatFlags(sampleReport())
	require.NoError(t, err)
	assert.Contains(t, rendered, "| search | disabled | - |")

	rendered, err = NewFormatter(FormatJSON).FormatFlags(sampleReport())
	require.NoError(t, err)
	var decoded FlagsReport
	require.NoError(t, json.Unmarshal([]byte(rendered), &decoded))
	assert.Equal(t, "dark", decoded.Flags["theme"])
}

func TestFormatFlagsIncludesLastError(t *testing.T) {
	report := sampleReport()
	report.Error = "backend returned 503"

	rendered, err := NewFormatter(FormatTable).FormatFlags(report)
	require.NoError(t, err)
	assert.Contains(t, rendered, "last error: backend returned 503")
	assert.NotContains(t, rendered, "BACKEND RETURNED 503")
}

func TestTableStyleKeepsFooterCase(t *testing.T) {
	style := tableStyle()
	assert.Equal(t, text.FormatDefault, style.Format.Footer)
	assert.Equal(t, table.StyleRounded.Box, style.Box)
}

func TestFormatRequests(t *testing.T) {
	received := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	requests := []store.SyncRequest{
		{
			ID:         7,
			StatusCode: 200,
			ReceivedAt: received,
			Payload: core.Payload{
				Token:          "phc_test",
				DistinctID:     "user-b",
				AnonDistinctID: "anon-a",
				Groups:         map[string]string{"project": "p1", "company": "acme"},
			},
		},
	}

	rendered, err := NewFormatter(FormatTable).FormatRequests(requests)
	require.NoError(t, err)
	assert.Contains(t, rendered, "2026-03-01T12:00:00Z")
	assert.Contains(t, rendered, "company=acme, project=p1")
	assert.Contains(t, rendered, "1 request(s)")

	rendered, err = NewFormatter(FormatJSON).FormatRequests(requests)
	require.NoError(t, err)
	assert.Contains(t, rendered, `"$anon_distinct_id": "anon-a"`)
}

func TestFormatSimulation(t *testing.T) {
	sim := &Simulation{
		Key:            "flag",
		BucketSize:     2,
		RefillRate:     1,
		RefillInterval: 10 * time.Second,
		Steps: []SimulationStep{
			{Index: 1, Action: ActionConsume, Tokens: 1},
			{Index: 2, Action: ActionConsume, Limited: true, Tokens: 0},
			{Index: 3, Action: ActionRefill, Elapsed: 10 * time.Second, Tokens: 1},
		},
	}

	rendered, err := NewFormatter(FormatMarkdown).FormatSimulation(sim)
	require.NoError(t, err)
	assert.Contains(t, rendered, "key=flag bucket_size=2 refill_rate=1 refill_interval=10s")
	assert.Contains(t, rendered, "| 2 | 0s | consume | limited | 0 |")
	assert.Contains(t, rendered, "| 3 | 10s | refill | - | 1 |")
}

func TestEscapeMarkdownCell(t *testing.T) {
	assert.Equal(t, `a\|b c`, escapeMarkdownCell("a|b\nc"))
}
