package pipeline

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fathomlabs/verdict/pkg/cache"
	"github.com/fathomlabs/verdict/pkg/domain"
	"github.com/fathomlabs/verdict/pkg/domainpack"
	"github.com/fathomlabs/verdict/pkg/events"
	"github.com/fathomlabs/verdict/pkg/insight"
	"github.com/fathomlabs/verdict/pkg/knowledge"
	"github.com/fathomlabs/verdict/pkg/sandbox"
	"github.com/fathomlabs/verdict/pkg/scoring"
	"github.com/fathomlabs/verdict/pkg/storage"
	"github.com/fathomlabs/verdict/pkg/validators"
)

var pipeNow = time.Date(2025, 6, 10, 14, 0, 0, 0, time.UTC)

type fixture struct {
	orchestrator *Orchestrator
	store        *storage.Memory
	bus          *events.MemoryBus
	sandbox      *sandbox.Sandbox
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := zap.NewNop()
	clock := func() time.Time { return pipeNow }

	loader := domainpack.NewLoader(logger, cache.NewMemory(logger),
		domainpack.DefaultLoaderConfig("../../testdata/packs"))
	store := storage.NewMemory(logger)
	bus := events.NewMemoryBus()

	registry := sandbox.NewRegistry()
	validators.RegisterAll(registry)
	sb := sandbox.New(logger, sandbox.DefaultConfig())

	scoringConfig := scoring.DefaultConfig()
	scoringConfig.Clock = clock
	scorer := scoring.New(logger, loader, sb, registry, knowledge.NewStaticProvider(), scoringConfig)

	insightConfig := insight.DefaultConfig()
	insightConfig.Clock = clock
	engine := insight.New(logger, store, loader, bus, nil, insightConfig)

	config := DefaultConfig()
	config.Clock = clock

	return &fixture{
		orchestrator: New(logger, scorer, engine, store, bus, sb, config),
		store:        store,
		bus:          bus,
		sandbox:      sb,
	}
}

// breachRecord produces exactly one med Time.SLA finding against the
// acme-air pack.
func breachRecord(caseID string) *domain.DecisionLog {
	validated := true
	return &domain.DecisionLog{
		ProjectID: "acme-air",
		CaseID:    caseID,
		Event: domain.Event{
			Type:      "Flight.Delayed",
			Timestamp: pipeNow.Add(-15 * time.Minute),
			Attributes: map[string]string{
				"recipient":      "pax-1",
				"delay_minutes":  "45",
				"consent_status": "granted",
			},
		},
		Decision: domain.Decision{
			Action:            "SendNotification",
			Channel:           "push",
			TemplateID:        "tmpl-delay-standard",
			Status:            domain.StatusOK,
			LatencyMS:         700000,
			AudienceValidated: &validated,
		},
	}
}

func TestProcessOnePersistsFindings(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	summary, err := fx.orchestrator.ProcessOne(ctx, breachRecord("case-1"))
	require.NoError(t, err)

	assert.Equal(t, "acme-air", summary.ProjectID)
	assert.Equal(t, 1, summary.FindingCount)
	assert.Equal(t, map[string]int{"med": 1}, summary.BySeverity)
	require.NotNil(t, summary.Clustering)
	assert.Equal(t, 1, summary.Clustering.FindingsExamined)

	stored, err := fx.store.FindingsSince(ctx, "acme-air", pipeNow.Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, domain.KindTimeSLA, stored[0].Kind)
	assert.NotEmpty(t, stored[0].Signature)

	scored := fx.bus.BySubject(events.SubjectDecisionScored)
	require.Len(t, scored, 1)
	assert.Equal(t, "case-1", scored[0].Payload.(events.DecisionScored).CaseID)
}

func TestProcessOneReplacesPreviousFindings(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	_, err := fx.orchestrator.ProcessOne(ctx, breachRecord("case-1"))
	require.NoError(t, err)

	// The same case re-processed after the latency was fixed: its old
	// finding must disappear, not accumulate.
	fixed := breachRecord("case-1")
	fixed.Decision.LatencyMS = 90000
	summary, err := fx.orchestrator.ProcessOne(ctx, fixed)
	require.NoError(t, err)
	assert.Zero(t, summary.FindingCount)

	stored, err := fx.store.FindingsSince(ctx, "acme-air", pipeNow.Add(-time.Hour))
	require.NoError(t, err)
	assert.Empty(t, stored)
}

func TestProcessBatchEndToEndInsight(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	records := []*domain.DecisionLog{
		breachRecord("case-1"),
		breachRecord("case-2"),
		breachRecord("case-3"),
	}

	summary, err := fx.orchestrator.ProcessBatch(ctx, records)
	require.NoError(t, err)
	assert.Equal(t, 3, summary.Processed)
	assert.Zero(t, summary.Failed)
	assert.Equal(t, 3, summary.Findings)

	report := summary.Clustering["acme-air"]
	require.NotNil(t, report)
	assert.Equal(t, 1, report.InsightsCreated)

	insights, err := fx.store.ListInsights(ctx, "acme-air", []domain.InsightStatus{domain.InsightOpen})
	require.NoError(t, err)
	require.Len(t, insights, 1)
	assert.Equal(t, domain.KindTimeSLA, insights[0].Kind)
	assert.ElementsMatch(t, []string{"case-1", "case-2", "case-3"}, insights[0].Evidence.CaseIDs)

	generated := fx.bus.BySubject(events.SubjectInsightGenerated)
	require.Len(t, generated, 1)
}

func TestProcessBatchIsolatesBadRecords(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	bad := breachRecord("")
	records := []*domain.DecisionLog{breachRecord("case-1"), bad, breachRecord("case-2")}

	summary, err := fx.orchestrator.ProcessBatch(ctx, records)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Processed)
	assert.Equal(t, 1, summary.Failed)
	require.Contains(t, summary.Errors, "acme-air/")
}

func TestProcessBatchClustersPerProject(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	var records []*domain.DecisionLog
	for i := 1; i <= 3; i++ {
		records = append(records, breachRecord(fmt.Sprintf("a-%d", i)))
	}
	for i := 1; i <= 2; i++ {
		r := breachRecord(fmt.Sprintf("b-%d", i))
		r.ProjectID = "other-project" // resolves to the fallback pack
		r.Decision.TemplateID = "tmpl-generic-notice"
		records = append(records, r)
	}

	summary, err := fx.orchestrator.ProcessBatch(ctx, records)
	require.NoError(t, err)
	assert.Equal(t, 5, summary.Processed)
	assert.Len(t, summary.Clustering, 2)

	// Three breaches cluster for acme-air; two stay below the threshold
	// for the other project.
	assert.Equal(t, 1, summary.Clustering["acme-air"].InsightsCreated)
	assert.Zero(t, summary.Clustering["other-project"].InsightsCreated)
}

func TestPurgeExpired(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	old := &domain.Finding{
		ProjectID: "acme-air",
		CaseID:    "ancient",
		Kind:      domain.KindTimeSLA,
		Severity:  domain.SeverityMed,
		CreatedAt: pipeNow.Add(-8 * 24 * time.Hour),
	}
	old.Seal(old.CreatedAt, 0)
	require.NoError(t, fx.store.InsertFindings(ctx, []*domain.Finding{old}))

	removed, err := fx.orchestrator.PurgeExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
}

func TestHealthSnapshot(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	_, err := fx.orchestrator.ProcessOne(ctx, breachRecord("case-1"))
	require.NoError(t, err)

	h := fx.orchestrator.Health(ctx)
	assert.Equal(t, "healthy", h.Status)
	assert.Equal(t, 1, h.FindingsLast24h)
	assert.Zero(t, h.OpenInsights)
	assert.Equal(t, pipeNow, h.Timestamp)
	// The acme-air pack binds three custom validators; each ran once.
	assert.Equal(t, int64(3), h.ValidatorStats.Invocations)
}
