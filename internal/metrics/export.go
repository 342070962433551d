package metrics

import (
	"fmt"
	"sort"
	"strings"
)

// EscapeLabel escapes a Prometheus label value per the exposition format:
// backslash, newline, and double quote.
func EscapeLabel(v string) string {
	v = strings.ReplaceAll(v, `\`, `\\`)
	v = strings.ReplaceAll(v, "\n", `\n`)
	v = strings.ReplaceAll(v, `"`, `\"`)
	return v
}

// PrometheusText renders the snapshot as Prometheus text exposition,
// using metric names g_agent_<area>_<stat>.
func (snap Snapshot) PrometheusText() string {
	var b strings.Builder
	cats := make([]string, 0, len(snap.Categories))
	for cat := range snap.Categories {
		cats = append(cats, cat)
	}
	sort.Strings(cats)

	for _, cat := range cats {
		c := snap.Categories[cat]
		fmt.Fprintf(&b, "g_agent_%s_count %d\n", cat, c.Count)
		fmt.Fprintf(&b, "g_agent_%s_success_rate %f\n", cat, c.SuccessRate)
		fmt.Fprintf(&b, "g_agent_%s_p95_latency_ms %f\n", cat, c.P95Latency)
	}
	fmt.Fprintf(&b, "g_agent_recall_hit_rate %f\n", snap.RecallHitRate)
	fmt.Fprintf(&b, "g_agent_cron_runs_total %d\n", snap.CronRuns)
	fmt.Fprintf(&b, "g_agent_cron_proactive_total %d\n", snap.ProactiveRuns)

	for _, t := range snap.TopTools {
		fmt.Fprintf(&b, "g_agent_tool_call_count{tool=\"%s\"} %d\n", EscapeLabel(t.Name), t.Count)
	}
	return b.String()
}

// DashboardJSON flattens the snapshot into a single-level map convenient
// for simple dashboard widgets (no nested category/tool objects).
func (snap Snapshot) DashboardJSON() map[string]interface{} {
	flat := map[string]interface{}{
		"window_hours":    snap.WindowHours,
		"generated_at":    snap.GeneratedAt,
		"recall_hit_rate": snap.RecallHitRate,
		"cron_runs":       snap.CronRuns,
		"proactive_runs":  snap.ProactiveRuns,
	}
	for cat, c := range snap.Categories {
		flat[cat+"_count"] = c.Count
		flat[cat+"_success_rate"] = c.SuccessRate
		flat[cat+"_p95_latency_ms"] = c.P95Latency
	}
	for i, t := range snap.TopTools {
		flat[fmt.Sprintf("top_tool_%d", i)] = t.Name
		flat[fmt.Sprintf("top_tool_%d_count", i)] = t.Count
	}
	return flat
}

// AlertThresholds configures the alert summary.
type AlertThresholds struct {
	MinSuccessRate map[string]float64 // per category, default 0.9 if unset
	MaxP95Latency  map[string]float64 // per category, in ms, default unset = no check
}

// AlertCheck is one threshold evaluation.
type AlertCheck struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // ok | warn | na
	Detail  string `json:"detail"`
}

// AlertSummary is the overall verdict plus per-check detail.
type AlertSummary struct {
	Overall string       `json:"overall"` // ok | warn | na
	Checks  []AlertCheck `json:"checks"`
}

// Alerts evaluates snap against thresholds.
func (snap Snapshot) Alerts(thresholds AlertThresholds) AlertSummary {
	var checks []AlertCheck
	overall := "na"
	seenAny := false

	cats := make([]string, 0, len(snap.Categories))
	for cat := range snap.Categories {
		cats = append(cats, cat)
	}
	sort.Strings(cats)

	for _, cat := range cats {
		c := snap.Categories[cat]
		minRate, hasMin := thresholds.MinSuccessRate[cat]
		if !hasMin {
			minRate = 0.9
		}
		seenAny = true
		status := "ok"
		detail := fmt.Sprintf("success_rate=%.3f (min %.3f)", c.SuccessRate, minRate)
		if c.SuccessRate < minRate {
			status = "warn"
		}
		checks = append(checks, AlertCheck{Name: cat + "_success_rate", Status: status, Detail: detail})
		if status == "warn" {
			overall = "warn"
		} else if overall == "na" {
			overall = "ok"
		}

		if maxLatency, ok := thresholds.MaxP95Latency[cat]; ok {
			status := "ok"
			detail := fmt.Sprintf("p95=%.1fms (max %.1fms)", c.P95Latency, maxLatency)
			if c.P95Latency > maxLatency {
				status = "warn"
			}
			checks = append(checks, AlertCheck{Name: cat + "_p95_latency", Status: status, Detail: detail})
			if status == "warn" {
				overall = "warn"
			}
		}
	}

	if !seenAny {
		overall = "na"
	}
	return AlertSummary{Overall: overall, Checks: checks}
}
