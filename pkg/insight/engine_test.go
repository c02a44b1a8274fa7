package insight

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fathomlabs/verdict/pkg/domain"
	"github.com/fathomlabs/verdict/pkg/events"
	"github.com/fathomlabs/verdict/pkg/storage"
)

var clusterNow = time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)

func newTestEngine(t *testing.T) (*Engine, *storage.Memory, *events.MemoryBus) {
	t.Helper()
	logger := zap.NewNop()
	store := storage.NewMemory(logger)
	bus := events.NewMemoryBus()

	config := DefaultConfig()
	config.Clock = func() time.Time { return clusterNow }

	return New(logger, store, nil, bus, nil, config), store, bus
}

// slaFinding builds a sealed Time.SLA finding for one case, offset
// backwards from the clustering clock.
func slaFinding(project, caseID, eventType string, severity domain.Severity, age time.Duration) *domain.Finding {
	f := domain.Finding{
		ProjectID:     project,
		CaseID:        caseID,
		Kind:          domain.KindTimeSLA,
		Severity:      severity,
		ValidatorName: "builtin_sla",
		Details: map[string]string{
			domain.DetailEventType: eventType,
			"overage_ms":           "60000",
		},
		SuggestedFix: "Investigate upstream latency",
		CreatedAt:    clusterNow.Add(-age),
	}
	f.Seal(f.CreatedAt, 0)
	return &f
}

func seed(t *testing.T, store storage.Store, findings ...*domain.Finding) {
	t.Helper()
	require.NoError(t, store.InsertFindings(context.Background(), findings))
}

func TestClusterBelowThresholdCreatesNothing(t *testing.T) {
	engine, store, _ := newTestEngine(t)
	ctx := context.Background()

	seed(t, store,
		slaFinding("p1", "c1", "Flight.Delayed", domain.SeverityMed, time.Hour),
		slaFinding("p1", "c2", "Flight.Delayed", domain.SeverityMed, time.Hour))

	report, err := engine.Cluster(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 2, report.FindingsExamined)
	assert.Zero(t, report.InsightsCreated)

	insights, err := store.ListInsights(ctx, "p1", nil)
	require.NoError(t, err)
	assert.Empty(t, insights)
}

func TestClusterCreatesInsightAtThreshold(t *testing.T) {
	engine, store, bus := newTestEngine(t)
	ctx := context.Background()

	seed(t, store,
		slaFinding("p1", "c1", "Flight.Delayed", domain.SeverityMed, 3*time.Hour),
		slaFinding("p1", "c2", "Flight.Delayed", domain.SeverityMed, 2*time.Hour),
		slaFinding("p1", "c3", "Flight.Delayed", domain.SeverityMed, time.Hour))

	report, err := engine.Cluster(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 1, report.InsightsCreated)
	assert.Zero(t, report.InsightsUpdated)

	insights, err := store.ListInsights(ctx, "p1", nil)
	require.NoError(t, err)
	require.Len(t, insights, 1)

	in := insights[0]
	assert.NotEmpty(t, in.ID)
	assert.Equal(t, domain.KindTimeSLA, in.Kind)
	assert.Equal(t, domain.InsightOpen, in.Status)
	assert.Equal(t, domain.SeverityMed, in.Severity)
	assert.Equal(t, "SLA breaches for Flight.Delayed", in.Title)
	assert.ElementsMatch(t, []string{"c1", "c2", "c3"}, in.Evidence.CaseIDs)
	assert.Equal(t, 3, in.Evidence.TotalAffected)
	assert.Equal(t, clusterNow.Add(-3*time.Hour), in.Evidence.FirstSeen)
	assert.Equal(t, 3, in.Metrics.FindingCount)
	assert.Equal(t, "Investigate upstream latency", in.SuggestedFix)

	published := bus.BySubject(events.SubjectInsightGenerated)
	require.Len(t, published, 1)
	payload := published[0].Payload.(events.InsightGenerated)
	assert.Equal(t, in.ID, payload.InsightID)
	assert.Equal(t, 3, payload.EvidenceCount)
}

func TestClusterMergesIntoExistingInsight(t *testing.T) {
	engine, store, bus := newTestEngine(t)
	ctx := context.Background()

	seed(t, store,
		slaFinding("p1", "c1", "Flight.Delayed", domain.SeverityMed, 3*time.Hour),
		slaFinding("p1", "c2", "Flight.Delayed", domain.SeverityMed, 2*time.Hour),
		slaFinding("p1", "c3", "Flight.Delayed", domain.SeverityMed, time.Hour))

	_, err := engine.Cluster(ctx, "p1")
	require.NoError(t, err)

	seed(t, store,
		slaFinding("p1", "c4", "Flight.Delayed", domain.SeverityMed, 30*time.Minute),
		slaFinding("p1", "c5", "Flight.Delayed", domain.SeverityMed, 10*time.Minute),
		slaFinding("p1", "c6", "Flight.Delayed", domain.SeverityMed, 5*time.Minute))

	report, err := engine.Cluster(ctx, "p1")
	require.NoError(t, err)
	assert.Zero(t, report.InsightsCreated)
	assert.Equal(t, 1, report.InsightsUpdated)

	insights, err := store.ListInsights(ctx, "p1", nil)
	require.NoError(t, err)
	require.Len(t, insights, 1, "re-clustering must not duplicate insights")
	assert.Len(t, insights[0].Evidence.CaseIDs, 6)

	// Only the first pass created something, so only one event.
	assert.Len(t, bus.BySubject(events.SubjectInsightGenerated), 1)
}

func TestClusterReplayOverUnchangedWindowIsStable(t *testing.T) {
	engine, store, _ := newTestEngine(t)
	ctx := context.Background()

	seed(t, store,
		slaFinding("p1", "c1", "Flight.Delayed", domain.SeverityMed, 3*time.Hour),
		slaFinding("p1", "c2", "Flight.Delayed", domain.SeverityMed, 2*time.Hour),
		slaFinding("p1", "c3", "Flight.Delayed", domain.SeverityMed, time.Hour))

	_, err := engine.Cluster(ctx, "p1")
	require.NoError(t, err)

	insights, err := store.ListInsights(ctx, "p1", nil)
	require.NoError(t, err)
	require.Len(t, insights, 1)
	first := insights[0]
	require.Equal(t, 3, first.Metrics.FindingCount)
	require.Equal(t, 3, first.Evidence.SampleCount)

	report, err := engine.Cluster(ctx, "p1")
	require.NoError(t, err)
	assert.Zero(t, report.InsightsCreated)
	assert.Zero(t, report.InsightsUpdated, "nothing new to absorb")

	insights, err = store.ListInsights(ctx, "p1", nil)
	require.NoError(t, err)
	require.Len(t, insights, 1)
	assert.Equal(t, 3, insights[0].Metrics.FindingCount, "replay must not double counts")
	assert.Equal(t, 3, insights[0].Evidence.SampleCount, "replay must not duplicate samples")
	assert.Equal(t, first.UpdatedAt, insights[0].UpdatedAt)
}

func TestClusterMergedBatchMaxSeverityEscalates(t *testing.T) {
	engine, store, _ := newTestEngine(t)
	ctx := context.Background()

	seed(t, store,
		slaFinding("p1", "c1", "Flight.Delayed", domain.SeverityMed, 20*time.Minute),
		slaFinding("p1", "c2", "Flight.Delayed", domain.SeverityMed, 15*time.Minute),
		slaFinding("p1", "c3", "Flight.Delayed", domain.SeverityMed, 10*time.Minute))
	_, err := engine.Cluster(ctx, "p1")
	require.NoError(t, err)

	insights, err := store.ListInsights(ctx, "p1", nil)
	require.NoError(t, err)
	require.Len(t, insights, 1)
	require.Equal(t, domain.SeverityMed, insights[0].Severity)

	// A single high finding lands within merge proximity. Its group is
	// folded into the med signature group, and the high outranks the
	// existing insight severity.
	seed(t, store, slaFinding("p1", "c4", "Flight.Delayed", domain.SeverityHigh, 5*time.Minute))

	report, err := engine.Cluster(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 1, report.InsightsUpdated)

	insights, err = store.ListInsights(ctx, "p1", nil)
	require.NoError(t, err)
	require.Len(t, insights, 1)
	assert.Equal(t, domain.SeverityHigh, insights[0].Severity)
	assert.Equal(t, 4, insights[0].Metrics.FindingCount)
}

func TestClusterSeverityNeverDowngrades(t *testing.T) {
	engine, store, _ := newTestEngine(t)
	ctx := context.Background()

	high := []*domain.Finding{
		slaFinding("p1", "c1", "Flight.Delayed", domain.SeverityHigh, 3*time.Hour),
		slaFinding("p1", "c2", "Flight.Delayed", domain.SeverityHigh, 2*time.Hour),
		slaFinding("p1", "c3", "Flight.Delayed", domain.SeverityHigh, time.Hour),
	}
	seed(t, store, high...)
	_, err := engine.Cluster(ctx, "p1")
	require.NoError(t, err)

	insights, err := store.ListInsights(ctx, "p1", nil)
	require.NoError(t, err)
	require.Len(t, insights, 1)
	require.Equal(t, domain.SeverityHigh, insights[0].Severity)

	// A later lower-severity batch with the same signature merges because
	// the signatures match; severity must stay high. Same severity value
	// keeps the same signature, so craft a med batch via merge pass:
	// identical event type, med findings (different signature) merged into
	// the high group within proximity.
	med := []*domain.Finding{
		slaFinding("p1", "c4", "Flight.Delayed", domain.SeverityMed, 50*time.Minute),
		slaFinding("p1", "c5", "Flight.Delayed", domain.SeverityMed, 40*time.Minute),
		slaFinding("p1", "c6", "Flight.Delayed", domain.SeverityMed, 35*time.Minute),
	}
	seed(t, store, med...)

	_, err = engine.Cluster(ctx, "p1")
	require.NoError(t, err)

	insights, err = store.ListInsights(ctx, "p1", nil)
	require.NoError(t, err)
	for _, in := range insights {
		if in.Kind == domain.KindTimeSLA && in.Signature == insights[0].Signature {
			assert.Equal(t, domain.SeverityHigh, in.Severity)
		}
	}
}

func TestClusterMergePassCombinesNearbySameContextGroups(t *testing.T) {
	engine, store, _ := newTestEngine(t)
	ctx := context.Background()

	// Two groups, same kind and event type, different severities, whose
	// earliest findings sit within the merge proximity. Individually each
	// is below the threshold; merged they cross it.
	seed(t, store,
		slaFinding("p1", "c1", "Flight.Delayed", domain.SeverityMed, time.Hour),
		slaFinding("p1", "c2", "Flight.Delayed", domain.SeverityMed, 55*time.Minute),
		slaFinding("p1", "c3", "Flight.Delayed", domain.SeverityHigh, 50*time.Minute),
		slaFinding("p1", "c4", "Flight.Delayed", domain.SeverityHigh, 45*time.Minute))

	report, err := engine.Cluster(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 2, report.Groups)
	assert.Equal(t, 1, report.GroupsMerged)
	assert.Equal(t, 1, report.InsightsCreated)

	insights, err := store.ListInsights(ctx, "p1", nil)
	require.NoError(t, err)
	require.Len(t, insights, 1)
	assert.Len(t, insights[0].Evidence.CaseIDs, 4)
	// Half the findings are high, so the blend promotes to high.
	assert.Equal(t, domain.SeverityHigh, insights[0].Severity)
}

func TestClusterMergePassRespectsEventTypeContext(t *testing.T) {
	engine, store, _ := newTestEngine(t)
	ctx := context.Background()

	seed(t, store,
		slaFinding("p1", "c1", "Flight.Delayed", domain.SeverityMed, time.Hour),
		slaFinding("p1", "c2", "Flight.Delayed", domain.SeverityMed, 55*time.Minute),
		slaFinding("p1", "c3", "Flight.Delayed", domain.SeverityMed, 50*time.Minute),
		slaFinding("p1", "d1", "Flight.Cancelled", domain.SeverityMed, 52*time.Minute),
		slaFinding("p1", "d2", "Flight.Cancelled", domain.SeverityMed, 48*time.Minute),
		slaFinding("p1", "d3", "Flight.Cancelled", domain.SeverityMed, 45*time.Minute))

	report, err := engine.Cluster(ctx, "p1")
	require.NoError(t, err)
	assert.Zero(t, report.GroupsMerged, "different event types never merge")
	assert.Equal(t, 2, report.InsightsCreated)
}

func TestClusterHardHighOverrideForLargeClusters(t *testing.T) {
	engine, store, _ := newTestEngine(t)
	ctx := context.Background()

	findings := make([]*domain.Finding, 0, 10)
	for i := 0; i < 10; i++ {
		findings = append(findings,
			slaFinding("p1", fmt.Sprintf("c%d", i), "Flight.Delayed", domain.SeverityMed,
				time.Duration(i)*time.Minute))
	}
	seed(t, store, findings...)

	_, err := engine.Cluster(ctx, "p1")
	require.NoError(t, err)

	insights, err := store.ListInsights(ctx, "p1", nil)
	require.NoError(t, err)
	require.Len(t, insights, 1)
	assert.Equal(t, domain.SeverityHigh, insights[0].Severity,
		"ten SLA breaches escalate regardless of individual severities")
}

func TestClusterIgnoresFindingsOutsideWindow(t *testing.T) {
	engine, store, _ := newTestEngine(t)
	ctx := context.Background()

	seed(t, store,
		slaFinding("p1", "c1", "Flight.Delayed", domain.SeverityMed, 48*time.Hour),
		slaFinding("p1", "c2", "Flight.Delayed", domain.SeverityMed, 47*time.Hour),
		slaFinding("p1", "c3", "Flight.Delayed", domain.SeverityMed, 46*time.Hour))

	report, err := engine.Cluster(ctx, "p1")
	require.NoError(t, err)
	assert.Zero(t, report.FindingsExamined)
	assert.Zero(t, report.InsightsCreated)
}

func TestClusterDismissedInsightNotMerged(t *testing.T) {
	engine, store, _ := newTestEngine(t)
	ctx := context.Background()

	seed(t, store,
		slaFinding("p1", "c1", "Flight.Delayed", domain.SeverityMed, 3*time.Hour),
		slaFinding("p1", "c2", "Flight.Delayed", domain.SeverityMed, 2*time.Hour),
		slaFinding("p1", "c3", "Flight.Delayed", domain.SeverityMed, time.Hour))
	_, err := engine.Cluster(ctx, "p1")
	require.NoError(t, err)

	insights, err := store.ListInsights(ctx, "p1", nil)
	require.NoError(t, err)
	require.Len(t, insights, 1)

	dismissed := insights[0]
	dismissed.Status = domain.InsightDismissed
	require.NoError(t, store.UpsertInsights(ctx, []*domain.Insight{dismissed}))

	report, err := engine.Cluster(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 1, report.InsightsCreated, "dismissed insights stay closed; a fresh one opens")

	insights, err = store.ListInsights(ctx, "p1", nil)
	require.NoError(t, err)
	assert.Len(t, insights, 2)
}

func TestBlendSeverity(t *testing.T) {
	config := DefaultSeverityConfig()

	mk := func(severities ...domain.Severity) []*domain.Finding {
		out := make([]*domain.Finding, len(severities))
		for i, s := range severities {
			out[i] = &domain.Finding{Severity: s}
		}
		return out
	}

	assert.Equal(t, domain.SeverityLow, blendSeverity("Custom.X", nil, config))
	assert.Equal(t, domain.SeverityLow,
		blendSeverity("Custom.X", mk(domain.SeverityLow, domain.SeverityLow, domain.SeverityLow, domain.SeverityLow), config))
	assert.Equal(t, domain.SeverityMed,
		blendSeverity("Custom.X", mk(domain.SeverityMed, domain.SeverityMed, domain.SeverityLow), config))
	assert.Equal(t, domain.SeverityHigh,
		blendSeverity("Custom.X", mk(domain.SeverityHigh, domain.SeverityHigh, domain.SeverityLow, domain.SeverityLow), config))
	assert.Equal(t, domain.SeverityHigh,
		blendSeverity("Custom.X", mk(domain.SeverityHigh, domain.SeverityHigh, domain.SeverityHigh), config))

	// Hard override: ten med findings on an override kind.
	ten := mk(domain.SeverityMed, domain.SeverityMed, domain.SeverityMed, domain.SeverityMed, domain.SeverityMed,
		domain.SeverityMed, domain.SeverityMed, domain.SeverityMed, domain.SeverityMed, domain.SeverityMed)
	assert.Equal(t, domain.SeverityHigh, blendSeverity(domain.KindTimeSLA, ten, config))
	assert.Equal(t, domain.SeverityMed, blendSeverity("Custom.X", ten, config))
}
