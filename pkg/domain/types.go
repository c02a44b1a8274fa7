package domain

import (
	"strconv"
	"time"
)

// =============================================================================
// DECISION LOG (input, externally sourced, read-only to this subsystem)
// =============================================================================

// DecisionStatus represents the outcome of a decision
type DecisionStatus string

const (
	StatusOK      DecisionStatus = "OK"
	StatusFailed  DecisionStatus = "FAILED"
	StatusSkipped DecisionStatus = "SKIPPED"
	StatusRetry   DecisionStatus = "RETRY"
)

// Event is the triggering event half of a decision log
type Event struct {
	Type       string            `json:"type"`
	Timestamp  time.Time         `json:"timestamp"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// Decision is the action taken in response to an event
type Decision struct {
	Action     string         `json:"action"`
	Channel    string         `json:"channel,omitempty"`
	TemplateID string         `json:"template_id,omitempty"`
	Status     DecisionStatus `json:"status"`
	LatencyMS  int64          `json:"latency_ms"`

	// AudienceValidated is nil when no audience validation ran,
	// false when it ran and failed.
	AudienceValidated *bool `json:"audience_validated,omitempty"`
}

// DecisionLog is the unit of input to scoring: an event plus the
// decision made in response. Identified by (ProjectID, CaseID).
type DecisionLog struct {
	ProjectID string   `json:"project_id"`
	CaseID    string   `json:"case_id"`
	Event     Event    `json:"event"`
	Decision  Decision `json:"decision"`
}

// EventField resolves a dotted field path ("event.type", "decision.channel",
// "event.attributes.market") against the record. The second return is false
// when the path does not resolve.
func (d *DecisionLog) EventField(path string) (string, bool) {
	switch path {
	case "event.type":
		return d.Event.Type, true
	case "decision.action":
		return d.Decision.Action, true
	case "decision.channel":
		return d.Decision.Channel, true
	case "decision.template_id":
		return d.Decision.TemplateID, true
	case "decision.status":
		return string(d.Decision.Status), true
	case "decision.latency_ms":
		return strconv.FormatInt(d.Decision.LatencyMS, 10), true
	case "project_id":
		return d.ProjectID, true
	case "case_id":
		return d.CaseID, true
	}

	const attrPrefix = "event.attributes."
	if len(path) > len(attrPrefix) && path[:len(attrPrefix)] == attrPrefix {
		v, ok := d.Event.Attributes[path[len(attrPrefix):]]
		return v, ok
	}

	// Bare attribute names fall through to the attribute map so rules can
	// say "market" instead of "event.attributes.market".
	v, ok := d.Event.Attributes[path]
	return v, ok
}

// =============================================================================
// SEVERITY
// =============================================================================

// Severity is the closed severity scale for findings and insights
type Severity string

const (
	SeverityLow  Severity = "low"
	SeverityMed  Severity = "med"
	SeverityHigh Severity = "high"
)

// Rank orders severities for escalation and sorting: low < med < high
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMed:
		return 2
	case SeverityHigh:
		return 3
	default:
		return 0
	}
}

// Valid reports whether s is one of the closed severity values
func (s Severity) Valid() bool {
	return s == SeverityLow || s == SeverityMed || s == SeverityHigh
}

// MaxSeverity returns the higher-ranked of two severities
func MaxSeverity(a, b Severity) Severity {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// =============================================================================
// INSIGHT STATUS
// =============================================================================

// InsightStatus tracks the review lifecycle of an insight. Transitions after
// creation are externally triggered (human review); this subsystem only
// creates insights as "open" and merges into open or converted ones.
type InsightStatus string

const (
	InsightOpen      InsightStatus = "open"
	InsightConverted InsightStatus = "converted"
	InsightDismissed InsightStatus = "dismissed"
	InsightResolved  InsightStatus = "resolved"
)

// Mergeable reports whether new findings may still be folded into an
// insight in this status.
func (s InsightStatus) Mergeable() bool {
	return s == InsightOpen || s == InsightConverted
}
