package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateSignature_Deterministic(t *testing.T) {
	details := map[string]string{
		DetailEventType:  "Delay",
		DetailTemplateID: "tmpl-42",
		DetailRuleID:     "consent-check",
	}

	first := GenerateSignature("proj-1", "Time.SLA", SeverityMed, details)
	second := GenerateSignature("proj-1", "Time.SLA", SeverityMed, details)

	assert.Equal(t, first, second)
	assert.Len(t, first, 16)
}

func TestGenerateSignature_DiffersByInput(t *testing.T) {
	details := map[string]string{DetailEventType: "Delay"}

	base := GenerateSignature("proj-1", "Time.SLA", SeverityMed, details)

	assert.NotEqual(t, base, GenerateSignature("proj-2", "Time.SLA", SeverityMed, details))
	assert.NotEqual(t, base, GenerateSignature("proj-1", "Delivery.Failed", SeverityMed, details))
	assert.NotEqual(t, base, GenerateSignature("proj-1", "Time.SLA", SeverityHigh, details))
	assert.NotEqual(t, base, GenerateSignature("proj-1", "Time.SLA", SeverityMed,
		map[string]string{DetailEventType: "Cancellation"}))
}

func TestGenerateSignature_IgnoresUnrelatedDetails(t *testing.T) {
	a := GenerateSignature("p", "Time.SLA", SeverityMed, map[string]string{
		DetailEventType: "Delay",
		"overage_ms":    "100000",
	})
	b := GenerateSignature("p", "Time.SLA", SeverityMed, map[string]string{
		DetailEventType: "Delay",
		"overage_ms":    "250000",
	})

	assert.Equal(t, a, b)
}

func TestFinding_Seal(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	f := &Finding{
		ProjectID: "proj-1",
		CaseID:    "case-1",
		Kind:      "Delivery.Failed",
		Severity:  SeverityHigh,
	}

	f.Seal(now, 0)

	assert.Equal(t, now, f.CreatedAt)
	assert.Equal(t, now.Add(DefaultFindingTTL), f.ExpiresAt)
	assert.NotEmpty(t, f.Signature)
	assert.False(t, f.Expired(now))
	assert.True(t, f.Expired(now.Add(8*24*time.Hour)))
}

func TestSeverity_Rank(t *testing.T) {
	assert.True(t, SeverityLow.Rank() < SeverityMed.Rank())
	assert.True(t, SeverityMed.Rank() < SeverityHigh.Rank())
	assert.Equal(t, 0, Severity("bogus").Rank())
	assert.False(t, Severity("bogus").Valid())
	assert.Equal(t, SeverityHigh, MaxSeverity(SeverityMed, SeverityHigh))
	assert.Equal(t, SeverityMed, MaxSeverity(SeverityMed, SeverityLow))
}

func TestDecisionLog_EventField(t *testing.T) {
	record := &DecisionLog{
		ProjectID: "proj-1",
		CaseID:    "case-7",
		Event: Event{
			Type:       "Delay",
			Attributes: map[string]string{"market": "EU", "airport": "FRA"},
		},
		Decision: Decision{
			Action:     "send_notification",
			Channel:    "email",
			TemplateID: "tmpl-1",
			Status:     StatusOK,
			LatencyMS:  45000,
		},
	}

	cases := map[string]string{
		"event.type":              "Delay",
		"decision.action":         "send_notification",
		"decision.channel":        "email",
		"decision.template_id":    "tmpl-1",
		"decision.status":         "OK",
		"decision.latency_ms":     "45000",
		"event.attributes.market": "EU",
		"market":                  "EU",
		"airport":                 "FRA",
	}
	for path, want := range cases {
		got, ok := record.EventField(path)
		require.True(t, ok, "path %s", path)
		assert.Equal(t, want, got, "path %s", path)
	}

	_, ok := record.EventField("event.attributes.missing")
	assert.False(t, ok)
}

func TestInsight_MergeEvidence(t *testing.T) {
	now := time.Now()
	insight := &Insight{
		ProjectID: "proj-1",
		Severity:  SeverityMed,
		Status:    InsightOpen,
		Evidence: Evidence{
			CaseIDs:       []string{"case-1", "case-2"},
			TotalAffected: 2,
			FirstSeen:     now.Add(-time.Hour),
			LastSeen:      now.Add(-30 * time.Minute),
		},
		Metrics: InsightMetrics{FindingCount: 2, UniqueCases: 2},
	}

	batch := []*Finding{
		{CaseID: "case-2", CreatedAt: now.Add(-2 * time.Hour), Details: map[string]string{"k": "v"}},
		{CaseID: "case-3", CreatedAt: now, Details: map[string]string{"k": "v"}},
	}
	merged := insight.MergeEvidence(batch, now)

	assert.Equal(t, 2, merged)
	assert.Equal(t, 3, insight.Evidence.TotalAffected)
	assert.Equal(t, []string{"case-1", "case-2", "case-3"}, insight.Evidence.CaseIDs)
	assert.Equal(t, now.Add(-2*time.Hour), insight.Evidence.FirstSeen)
	assert.Equal(t, now, insight.Evidence.LastSeen)
	assert.Equal(t, 4, insight.Metrics.FindingCount)
	assert.Equal(t, 3, insight.Metrics.UniqueCases)
}

func TestInsight_MergeEvidenceReplayIsNoOp(t *testing.T) {
	now := time.Now()
	batch := []*Finding{
		{CaseID: "case-1", ValidatorName: "sla", CreatedAt: now.Add(-time.Hour), Details: map[string]string{"k": "v"}},
		{CaseID: "case-2", ValidatorName: "sla", CreatedAt: now.Add(-30 * time.Minute), Details: map[string]string{"k": "v"}},
	}

	insight := &Insight{ProjectID: "proj-1", Status: InsightOpen}
	require.Equal(t, 2, insight.MergeEvidence(batch, now))
	require.Equal(t, 2, insight.Metrics.FindingCount)
	require.Equal(t, 2, insight.Evidence.SampleCount)

	assert.Equal(t, 0, insight.MergeEvidence(batch, now.Add(time.Minute)))
	assert.Equal(t, 2, insight.Metrics.FindingCount)
	assert.Equal(t, 2, insight.Evidence.SampleCount)
	assert.Len(t, insight.Evidence.SampleDetails, 2)
	assert.Equal(t, now, insight.UpdatedAt)
}

func TestInsight_EscalateMonotone(t *testing.T) {
	insight := &Insight{Severity: SeverityMed}

	insight.Escalate(SeverityLow)
	assert.Equal(t, SeverityMed, insight.Severity)

	insight.Escalate(SeverityHigh)
	assert.Equal(t, SeverityHigh, insight.Severity)

	insight.Escalate(SeverityMed)
	assert.Equal(t, SeverityHigh, insight.Severity)
}

func TestInsightStatus_Mergeable(t *testing.T) {
	assert.True(t, InsightOpen.Mergeable())
	assert.True(t, InsightConverted.Mergeable())
	assert.False(t, InsightDismissed.Mergeable())
	assert.False(t, InsightResolved.Mergeable())
}
