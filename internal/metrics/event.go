// Package metrics implements the append-only operational event log and
// its aggregations: snapshots, Prometheus text export, dashboard JSON,
// and alert thresholds.
package metrics

import "time"

// Event categories, used as the "area" in the JSONL record and in the
// exported Prometheus metric names g_agent_<area>_<stat>.
const (
	CategoryLLMCall      = "llm_call"
	CategoryToolCall     = "tool_call"
	CategoryMemoryRecall = "memory_recall"
	CategoryCronRun      = "cron_run"
)

// Event is one line of state/metrics/events.jsonl. Only the fields
// relevant to the category are populated; the rest are zero values and
// omitted on marshal.
type Event struct {
	TS        string  `json:"ts"`
	Category  string  `json:"category"`
	Success   bool    `json:"success"`
	LatencyMS float64 `json:"latency_ms"`

	// llm_call
	Model string `json:"model,omitempty"`

	// tool_call
	Tool string `json:"tool,omitempty"`

	// memory_recall
	Query string `json:"query,omitempty"`
	Hits  int    `json:"hits,omitempty"`

	// cron_run
	Job       string `json:"job,omitempty"`
	Proactive bool   `json:"proactive,omitempty"`
}

// NewEvent stamps the event's ts as now, UTC, ISO-8601.
func NewEvent(category string, success bool, latency time.Duration) Event {
	return Event{
		TS:        time.Now().UTC().Format(time.RFC3339),
		Category:  category,
		Success:   success,
		LatencyMS: float64(latency.Microseconds()) / 1000.0,
	}
}
