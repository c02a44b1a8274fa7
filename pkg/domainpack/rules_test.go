package domainpack

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fathomlabs/verdict/pkg/domain"
)

func delayedRecord(delayMinutes, templateID string) *domain.DecisionLog {
	return &domain.DecisionLog{
		ProjectID: "acme-air",
		CaseID:    "c1",
		Event: domain.Event{
			Type:      "Flight.Delayed",
			Timestamp: time.Now(),
			Attributes: map[string]string{
				"delay_minutes": delayMinutes,
			},
		},
		Decision: domain.Decision{
			Action:     "SendNotification",
			TemplateID: templateID,
			Status:     domain.StatusOK,
		},
	}
}

func TestRuleAppliesWhenOperatorCondition(t *testing.T) {
	rule := Rule{
		ID: "long_delay",
		AppliesWhen: map[string]any{
			"event.type":                     "Flight.Delayed",
			"event.attributes.delay_minutes": ">= 240",
		},
	}

	assert.True(t, rule.Applies(delayedRecord("240", "t")))
	assert.True(t, rule.Applies(delayedRecord("500", "t")))
	assert.False(t, rule.Applies(delayedRecord("120", "t")))

	// A non-numeric value fails an ordering comparison deterministically.
	assert.False(t, rule.Applies(delayedRecord("soon", "t")))

	// A missing field never applies.
	record := delayedRecord("240", "t")
	delete(record.Event.Attributes, "delay_minutes")
	assert.False(t, rule.Applies(record))
}

func TestRuleWithNoPredicateNeverApplies(t *testing.T) {
	rule := Rule{ID: "empty", Expect: Expectation{ActionsInclude: "notify"}}
	assert.False(t, rule.Applies(delayedRecord("100", "t")))
}

func TestRuleWhenAnyMatchesOneOf(t *testing.T) {
	rule := Rule{
		ID: "terminal",
		WhenAny: []Condition{
			{Field: "decision.status", Op: "==", Value: "FAILED"},
			{Field: "decision.status", Op: "==", Value: "RETRY"},
		},
	}

	record := delayedRecord("10", "t")
	assert.False(t, rule.Applies(record))

	record.Decision.Status = domain.StatusRetry
	assert.True(t, rule.Applies(record))
}

func TestRuleBands(t *testing.T) {
	min, max := 0.0, 120.0
	rule := Rule{
		ID:    "short_delay",
		Bands: []Band{{Field: "delay_minutes", Min: &min, Max: &max}},
	}

	assert.True(t, rule.Applies(delayedRecord("0", "t")))
	assert.True(t, rule.Applies(delayedRecord("119", "t")))
	assert.False(t, rule.Applies(delayedRecord("120", "t")), "max bound is exclusive")
}

func TestRuleBandsOnDecisionLatency(t *testing.T) {
	min := 600000.0
	rule := Rule{
		ID:    "slow_decision",
		Bands: []Band{{Field: "decision.latency_ms", Min: &min}},
	}

	record := delayedRecord("60", "t")
	record.Decision.LatencyMS = 700000
	assert.True(t, rule.Applies(record))

	record.Decision.LatencyMS = 90000
	assert.False(t, rule.Applies(record))
}

func TestCheckExpectation(t *testing.T) {
	rule := Rule{
		ID: "voucher",
		Expect: Expectation{
			TemplateIDIn: []string{"tmpl-voucher", "tmpl-voucher-premium"},
		},
	}

	met, _ := rule.CheckExpectation(delayedRecord("300", "tmpl-voucher"))
	assert.True(t, met)

	met, reason := rule.CheckExpectation(delayedRecord("300", "tmpl-standard"))
	assert.False(t, met)
	assert.Contains(t, reason, "tmpl-standard")
}

func TestCheckExpectationFields(t *testing.T) {
	rule := Rule{
		ID: "consent",
		Expect: Expectation{
			Fields: map[string]string{"event.attributes.consent_status": "granted"},
		},
	}

	record := delayedRecord("10", "t")
	met, reason := rule.CheckExpectation(record)
	assert.False(t, met, "missing field fails the expectation")
	assert.NotEmpty(t, reason)

	record.Event.Attributes["consent_status"] = "granted"
	met, _ = rule.CheckExpectation(record)
	assert.True(t, met)
}

func TestCheckExpectationNotTemplate(t *testing.T) {
	rule := Rule{
		ID:     "no_escalation",
		Expect: Expectation{NotTemplateID: "tmpl-voucher"},
	}

	met, _ := rule.CheckExpectation(delayedRecord("30", "tmpl-standard"))
	assert.True(t, met)
	met, _ = rule.CheckExpectation(delayedRecord("30", "tmpl-voucher"))
	assert.False(t, met)
}

func TestFindingSeverityMarkers(t *testing.T) {
	assert.Equal(t, domain.SeverityHigh, (&Rule{ID: "cancellation_consent_required"}).FindingSeverity())
	assert.Equal(t, domain.SeverityHigh, (&Rule{ID: "sla_escalation"}).FindingSeverity())
	assert.Equal(t, domain.SeverityHigh, (&Rule{ID: "blocklist_check"}).FindingSeverity())
	assert.Equal(t, domain.SeverityMed, (&Rule{ID: "long_delay_requires_meal_voucher"}).FindingSeverity())
}

func TestRuleSetValidateRejectsDuplicates(t *testing.T) {
	rs := RuleSet{Rules: []Rule{{ID: "a"}, {ID: "a"}}}
	require.Error(t, rs.validate())

	rs = RuleSet{Rules: []Rule{{ID: "a"}, {ID: ""}}}
	require.Error(t, rs.validate())
}
