// Package validators holds the compiled-in entry points that domain pack
// manifests may reference. Packs declare descriptors; the functions live
// here, in the host binary.
package validators

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/fathomlabs/verdict/pkg/domain"
	"github.com/fathomlabs/verdict/pkg/sandbox"
)

// RegisterAll binds every built-in entry point into a registry
func RegisterAll(r *sandbox.Registry) {
	r.Register("latency_spike", LatencySpike)
	r.Register("quiet_hours", QuietHours)
	r.Register("stale_case_retry", StaleCaseRetry)
}

// LatencySpike flags decisions whose latency exceeds the ceiling from
// the pack's "thresholds" mapping (key "latency_ceiling_ms"). Without a
// configured ceiling it reports nothing.
func LatencySpike(ctx context.Context, in *sandbox.Input) ([]domain.Finding, error) {
	if in.Pack == nil || in.Record == nil {
		return nil, nil
	}

	thresholds, ok := in.Pack.Mapping(ctx, "thresholds")
	if !ok {
		return nil, nil
	}
	ceiling, ok := numericValue(thresholds["latency_ceiling_ms"])
	if !ok || ceiling <= 0 {
		return nil, nil
	}

	latency := float64(in.Record.Decision.LatencyMS)
	if latency <= ceiling {
		return nil, nil
	}

	severity := domain.SeverityMed
	if latency > 2*ceiling {
		severity = domain.SeverityHigh
	}

	return []domain.Finding{{
		ProjectID: in.ProjectID,
		CaseID:    in.CaseID,
		Kind:      "Custom.LatencySpike",
		Severity:  severity,
		Details: map[string]string{
			domain.DetailEventType: in.Record.Event.Type,
			"latency_ms":           strconv.FormatInt(in.Record.Decision.LatencyMS, 10),
			"ceiling_ms":           strconv.FormatFloat(ceiling, 'f', 0, 64),
		},
		SuggestedFix: "Investigate upstream processing delay for this event type",
	}}, nil
}

// QuietHours flags notifications decided during a configured quiet-hours
// window (pack mapping "quiet_hours" with "start_hour"/"end_hour" in
// UTC). The window may wrap midnight.
func QuietHours(ctx context.Context, in *sandbox.Input) ([]domain.Finding, error) {
	if in.Pack == nil || in.Record == nil {
		return nil, nil
	}
	if !strings.Contains(strings.ToLower(in.Record.Decision.Action), "notif") {
		return nil, nil
	}

	window, ok := in.Pack.Mapping(ctx, "quiet_hours")
	if !ok {
		return nil, nil
	}
	start, okStart := numericValue(window["start_hour"])
	end, okEnd := numericValue(window["end_hour"])
	if !okStart || !okEnd {
		return nil, fmt.Errorf("quiet_hours mapping requires start_hour and end_hour")
	}

	hour := float64(in.Record.Event.Timestamp.UTC().Hour())
	inWindow := false
	if start <= end {
		inWindow = hour >= start && hour < end
	} else {
		// Wraps midnight, e.g. 22-6
		inWindow = hour >= start || hour < end
	}
	if !inWindow {
		return nil, nil
	}

	return []domain.Finding{{
		ProjectID: in.ProjectID,
		CaseID:    in.CaseID,
		Kind:      "Custom.QuietHours",
		Severity:  domain.SeverityMed,
		Details: map[string]string{
			domain.DetailEventType: in.Record.Event.Type,
			"hour_utc":             strconv.Itoa(int(hour)),
		},
		SuggestedFix: "Defer non-critical notifications until the quiet-hours window closes",
	}}, nil
}

// StaleCaseRetry flags RETRY decisions whose event is older than the
// configured staleness horizon (pack mapping "thresholds", key
// "retry_horizon_minutes"). Retrying stale cases usually spams users.
func StaleCaseRetry(ctx context.Context, in *sandbox.Input) ([]domain.Finding, error) {
	if in.Pack == nil || in.Record == nil {
		return nil, nil
	}
	if in.Record.Decision.Status != domain.StatusRetry {
		return nil, nil
	}

	thresholds, ok := in.Pack.Mapping(ctx, "thresholds")
	if !ok {
		return nil, nil
	}
	horizon, ok := numericValue(thresholds["retry_horizon_minutes"])
	if !ok || horizon <= 0 {
		return nil, nil
	}

	age := in.Now.Sub(in.Record.Event.Timestamp).Minutes()
	if age <= horizon {
		return nil, nil
	}

	return []domain.Finding{{
		ProjectID: in.ProjectID,
		CaseID:    in.CaseID,
		Kind:      "Custom.StaleRetry",
		Severity:  domain.SeverityMed,
		Details: map[string]string{
			domain.DetailEventType: in.Record.Event.Type,
			"age_minutes":          strconv.Itoa(int(age)),
		},
		SuggestedFix: "Drop retries for cases older than the staleness horizon",
	}}, nil
}

// numericValue coerces YAML/JSON scalar types to float64
func numericValue(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	case string:
		parsed, err := strconv.ParseFloat(n, 64)
		return parsed, err == nil
	default:
		return 0, false
	}
}
