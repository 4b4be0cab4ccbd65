// Package output renders flag snapshots, recorded sync requests and rate
// limit simulations for the CLI.
package output

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/flagwire/flagwire/internal/core/store"
)

// Format represents an output format.
type Format string

const (
	FormatTable    Format = "table"
	FormatJSON     Format = "json"
	FormatMarkdown Format = "markdown"
)

// Formatter renders command results.
type Formatter interface {
	FormatFlags(report *FlagsReport) (string, error)
	FormatRequests(requests []store.SyncRequest) (string, error)
	FormatSimulation(sim *Simulation) (string, error)
}

// FlagsReport is the result of one `flagwire sync` session.
type FlagsReport struct {
	DistinctID string         `json:"distinct_id"`
	Flags      map[string]any `json:"flags"`
	Payloads   map[string]any `json:"payloads,omitempty"`
	Syncs      int64          `json:"syncs"`
	Error      string         `json:"error,omitempty"`
}

// Simulation is a scripted run of the keyed rate limiter.
type Simulation struct {
	Key            string           `json:"key"`
	BucketSize     int              `json:"bucket_size"`
	RefillRate     int              `json:"refill_rate"`
	RefillInterval time.Duration    `json:"refill_interval"`
	Steps          []SimulationStep `json:"steps"`
}

// SimulationStep is one consume or refill in a Simulation.
type SimulationStep struct {
	Index   int           `json:"index"`
	Action  string        `json:"action"`
	Elapsed time.Duration `json:"elapsed"`
	Limited bool          `json:"limited"`
	Tokens  int           `json:"tokens"`
}

// Simulation step actions.
const (
	ActionConsume = "consume"
	ActionRefill  = "refill"
)

// ParseFormat validates and normalizes a format string.
func ParseFormat(value string) (Format, error) {
	normalized := strings.ToLower(strings.TrimSpace(value))
	switch normalized {
	case "", string(FormatTable):
		return FormatTable, nil
	case string(FormatJSON):
		return FormatJSON, nil
	case string(FormatMarkdown), "md":
		return FormatMarkdown, nil
	default:
		return "", fmt.Errorf("unsupported output format: %s", value)
	}
}

// NewFormatter returns a formatter for the requested format.
func NewFormatter(format Format) Formatter {
	switch format {
	case FormatJSON:
		return &JSONFormatter{Indent: true}
	case FormatMarkdown:
		return &MarkdownFormatter{}
	default:
		return &TableFormatter{}
	}
}

// Extension returns the file extension used when writing format to disk.
func (f Format) Extension() string {
	switch f {
	case FormatJSON:
		return "json"
	case FormatMarkdown:
		return "md"
	default:
		return "txt"
	}
}

func flagRows(report *FlagsReport) [][]string {
	keys := slices.Sorted(maps.Keys(report.Flags))
	rows := make([][]string, 0, len(keys))
	for _, key := range keys {
		payload := "-"
		if p, ok := report.Payloads[key]; ok && p != nil {
			payload = fmt.Sprint(p)
		}
		rows = append(rows, []string{key, flagValue(report.Flags[key]), payload})
	}
	return rows
}

func flagValue(value any) string {
	switch v := value.(type) {
	case bool:
		if v {
			return "enabled"
		}
		return "disabled"
	case string:
		return "variant: " + v
	default:
		return fmt.Sprint(v)
	}
}

func requestRows(requests []store.SyncRequest) [][]string {
	rows := make([][]string, 0, len(requests))
	for _, req := range requests {
		anon := req.Payload.AnonDistinctID
		if anon == "" {
			anon = "-"
		}
		rows = append(rows, []string{
			fmt.Sprintf("%d", req.ID),
			req.ReceivedAt.UTC().Format(time.RFC3339),
			fmt.Sprintf("%d", req.StatusCode),
			req.Payload.Token,
			req.Payload.DistinctID,
			anon,
			groupsLabel(req.Payload.Groups),
		})
	}
	return rows
}

func groupsLabel(groups map[string]string) string {
	if len(groups) == 0 {
		return "-"
	}
	parts := make([]string, 0, len(groups))
	for _, groupType := range slices.Sorted(maps.Keys(groups)) {
		parts = append(parts, groupType+"="+groups[groupType])
	}
	return strings.Join(parts, ", ")
}

func simulationRows(sim *Simulation) [][]string {
	rows := make([][]string, 0, len(sim.Steps))
	for _, step := range sim.Steps {
		result := "allowed"
		switch {
		case step.Action == ActionRefill:
			result = "-"
		case step.Limited:
			result = "limited"
		}
		rows = append(rows, []string{
			fmt.Sprintf("%d", step.Index),
			step.Elapsed.String(),
			step.Action,
			result,
			fmt.Sprintf("%d", step.Tokens),
		})
	}
	return rows
}

var (
	flagsHeader      = []string{"Flag", "Value", "Payload"}
	requestsHeader   = []string{"ID", "Received", "Status", "Token", "Distinct ID", "Anon ID", "Groups"}
	simulationHeader = []string{"Step", "Elapsed", "Action", "Result", "Tokens"}
)

func simulationSummary(sim *Simulation) string {
	return fmt.Sprintf("key=%s bucket_size=%d refill_rate=%d refill_interval=%s",
		sim.Key, sim.BucketSize, sim.RefillRate, sim.RefillInterval)
}
