package output

import (
	"encoding/json"
	"time"

	"github.com/flagwire/flagwire/internal/core/store"
)

// JSONFormatter renders results as JSON.
type JSONFormatter struct {
	Indent bool
}

// FormatFlags renders a flags report as JSON.
func (f *JSONFormatter) FormatFlags(report *FlagsReport) (string, error) {
	if report == nil {
		return "", nil
	}
	return f.marshal(report)
}

type requestJSON struct {
	ID         int64  `json:"id"`
	RequestID  string `json:"request_id,omitempty"`
	StatusCode int    `json:"status_code"`
	ReceivedAt string `json:"received_at"`
	Payload    any    `json:"payload"`
}

// FormatRequests renders recorded sync requests as a JSON array.
func (f *JSONFormatter) FormatRequests(requests []store.SyncRequest) (string, error) {
	out := make([]requestJSON, 0, len(requests))
	for _, req := range requests {
		out = append(out, requestJSON{
			ID:         req.ID,
			RequestID:  req.RequestID,
			StatusCode: req.StatusCode,
			ReceivedAt: req.ReceivedAt.UTC().Format(time.RFC3339),
			Payload:    req.Payload,
		})
	}
	return f.marshal(out)
}

// FormatSimulation renders a simulation as JSON.
func (f *JSONFormatter) FormatSimulation(sim *Simulation) (string, error) {
	if sim == nil {
		return "", nil
	}
	return f.marshal(sim)
}

func (f *JSONFormatter) marshal(value any) (string, error) {
	var (
		data []byte
		err  error
	)

	if f.Indent {
		data, err = json.MarshalIndent(value, "", "  ")
	} else {
		data, err = json.Marshal(value)
	}
	if err != nil {
		return "", err
	}

	return string(data), nil
}
