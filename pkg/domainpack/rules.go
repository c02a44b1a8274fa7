package domainpack

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/fathomlabs/verdict/pkg/domain"
)

// RuleSet is the pack's business rule list (policy/rules.yaml).
// Rule ids must be unique.
type RuleSet struct {
	Rules []Rule `yaml:"rules" json:"rules"`
}

// Rule is one business rule: a predicate over decision-log fields plus an
// expectation that must hold when the predicate matches.
type Rule struct {
	ID          string `yaml:"id" json:"id"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`

	// Predicate forms. AppliesWhen is a field->condition map (all must
	// hold). WhenAll/WhenAny are explicit condition lists. Bands are
	// numeric range checks. A rule with no predicate never applies.
	AppliesWhen map[string]any `yaml:"applies_when,omitempty" json:"applies_when,omitempty"`
	WhenAll     []Condition    `yaml:"when_all,omitempty" json:"when_all,omitempty"`
	WhenAny     []Condition    `yaml:"when_any,omitempty" json:"when_any,omitempty"`
	Bands       []Band         `yaml:"bands,omitempty" json:"bands,omitempty"`

	Expect Expectation `yaml:"expect" json:"expect"`
}

// Condition is an explicit field comparison
type Condition struct {
	Field string `yaml:"field" json:"field"`
	Op    string `yaml:"op" json:"op"`
	Value any    `yaml:"value" json:"value"`
}

// Band constrains a numeric field to [Min, Max); nil bounds are open
type Band struct {
	Field string   `yaml:"field" json:"field"`
	Min   *float64 `yaml:"min,omitempty" json:"min,omitempty"`
	Max   *float64 `yaml:"max,omitempty" json:"max,omitempty"`
}

// Expectation is a rule's expect clause; all set fields must hold
type Expectation struct {
	ActionsInclude string            `yaml:"actions_include,omitempty" json:"actions_include,omitempty"`
	TemplateIDIn   []string          `yaml:"template_id_in,omitempty" json:"template_id_in,omitempty"`
	NotTemplateID  string            `yaml:"not_template_id,omitempty" json:"not_template_id,omitempty"`
	Fields         map[string]string `yaml:"fields,omitempty" json:"fields,omitempty"`
}

func (rs *RuleSet) validate() error {
	seen := make(map[string]bool, len(rs.Rules))
	for _, r := range rs.Rules {
		if r.ID == "" {
			return fmt.Errorf("rule with empty id")
		}
		if seen[r.ID] {
			return fmt.Errorf("duplicate rule id %q", r.ID)
		}
		seen[r.ID] = true
	}
	return nil
}

// Applies evaluates the rule's predicate forms against a record. Every
// declared form must hold; a rule with no predicate never applies.
func (r *Rule) Applies(record *domain.DecisionLog) bool {
	declared := false

	if len(r.AppliesWhen) > 0 {
		declared = true
		for field, expected := range r.AppliesWhen {
			if !evalFieldCondition(record, field, expected) {
				return false
			}
		}
	}

	if len(r.WhenAll) > 0 {
		declared = true
		for _, c := range r.WhenAll {
			if !evalCondition(record, c) {
				return false
			}
		}
	}

	if len(r.WhenAny) > 0 {
		declared = true
		matched := false
		for _, c := range r.WhenAny {
			if evalCondition(record, c) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}

	if len(r.Bands) > 0 {
		declared = true
		for _, b := range r.Bands {
			if !evalBand(record, b) {
				return false
			}
		}
	}

	return declared
}

// CheckExpectation evaluates the expect clause against a record. It
// returns false plus a human-readable reason for the first unmet
// expectation; true means the rule is satisfied.
func (r *Rule) CheckExpectation(record *domain.DecisionLog) (bool, string) {
	e := r.Expect

	if e.ActionsInclude != "" &&
		!strings.Contains(strings.ToLower(record.Decision.Action), strings.ToLower(e.ActionsInclude)) {
		return false, fmt.Sprintf("action %q does not include %q", record.Decision.Action, e.ActionsInclude)
	}

	if len(e.TemplateIDIn) > 0 {
		allowed := false
		for _, id := range e.TemplateIDIn {
			if record.Decision.TemplateID == id {
				allowed = true
				break
			}
		}
		if !allowed {
			return false, fmt.Sprintf("template %q not in allowed set", record.Decision.TemplateID)
		}
	}

	if e.NotTemplateID != "" && record.Decision.TemplateID == e.NotTemplateID {
		return false, fmt.Sprintf("template %q is disallowed", e.NotTemplateID)
	}

	for field, want := range e.Fields {
		got, ok := record.EventField(field)
		if !ok || got != want {
			return false, fmt.Sprintf("field %s is %q, expected %q", field, got, want)
		}
	}

	return true, ""
}

// FindingSeverity maps a rule to the severity of its violation finding.
// Rules covering consent, blocklists, eligibility, SLA, duplicates or
// errors are high; everything else is med.
func (r *Rule) FindingSeverity() domain.Severity {
	id := strings.ToLower(r.ID)
	for _, marker := range []string{"consent", "blocklist", "eligibility", "sla", "duplicate", "error"} {
		if strings.Contains(id, marker) {
			return domain.SeverityHigh
		}
	}
	return domain.SeverityMed
}

// evalFieldCondition handles the applies_when map form: scalar means
// equality, a list means "in", and a string prefixed with a comparison
// operator (">= 100") means numeric comparison.
func evalFieldCondition(record *domain.DecisionLog, field string, expected any) bool {
	actual, ok := record.EventField(field)
	if !ok {
		return false
	}

	switch v := expected.(type) {
	case []any:
		for _, item := range v {
			if actual == fmt.Sprintf("%v", item) {
				return true
			}
		}
		return false
	case string:
		for _, op := range []string{">=", "<=", "==", "!=", ">", "<"} {
			if strings.HasPrefix(v, op) {
				return compare(actual, op, strings.TrimSpace(v[len(op):]))
			}
		}
		return actual == v
	default:
		return actual == fmt.Sprintf("%v", v)
	}
}

func evalCondition(record *domain.DecisionLog, c Condition) bool {
	actual, ok := record.EventField(c.Field)
	if !ok {
		return false
	}

	switch c.Op {
	case "in":
		list, isList := c.Value.([]any)
		if !isList {
			return false
		}
		for _, item := range list {
			if actual == fmt.Sprintf("%v", item) {
				return true
			}
		}
		return false
	case "==", "":
		return actual == fmt.Sprintf("%v", c.Value)
	case "!=":
		return actual != fmt.Sprintf("%v", c.Value)
	case ">", ">=", "<", "<=":
		return compare(actual, c.Op, fmt.Sprintf("%v", c.Value))
	default:
		return false
	}
}

func evalBand(record *domain.DecisionLog, b Band) bool {
	raw, ok := record.EventField(b.Field)
	if !ok {
		return false
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return false
	}
	if b.Min != nil && value < *b.Min {
		return false
	}
	if b.Max != nil && value >= *b.Max {
		return false
	}
	return true
}

// compare evaluates a comparison operator. Ordering operators require
// both sides to parse as numbers; a non-numeric side fails the condition
// deterministically rather than falling back to string order.
func compare(actual, op, expected string) bool {
	switch op {
	case "==":
		return actual == expected
	case "!=":
		return actual != expected
	}

	a, errA := strconv.ParseFloat(actual, 64)
	e, errE := strconv.ParseFloat(expected, 64)
	if errA != nil || errE != nil {
		return false
	}

	switch op {
	case ">":
		return a > e
	case ">=":
		return a >= e
	case "<":
		return a < e
	case "<=":
		return a <= e
	}
	return false
}
