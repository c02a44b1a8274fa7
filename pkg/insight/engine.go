// Package insight turns windows of recurring findings into durable,
// human-reviewable insights: signature grouping, a deterministic merge
// pass, threshold filtering, then severity blending.
package insight

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fathomlabs/verdict/pkg/domain"
	"github.com/fathomlabs/verdict/pkg/domainpack"
	"github.com/fathomlabs/verdict/pkg/events"
	"github.com/fathomlabs/verdict/pkg/knowledge"
	"github.com/fathomlabs/verdict/pkg/storage"
)

// Config configures the clustering engine. Pack review overrides take
// precedence over Window and MinClusterSize per run.
type Config struct {
	// Window is how far back findings are considered
	Window time.Duration
	// MinClusterSize is the smallest group that becomes an insight
	MinClusterSize int
	// MergeProximity is the maximum gap between two groups' earliest
	// findings for the merge pass to combine them
	MergeProximity time.Duration
	// Severity tunes the cluster severity blend
	Severity SeverityConfig
	// Clock overrides the wall clock, nil means time.Now
	Clock func() time.Time
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		Window:         24 * time.Hour,
		MinClusterSize: 3,
		MergeProximity: 30 * time.Minute,
		Severity:       DefaultSeverityConfig(),
	}
}

// Report summarizes one clustering run
type Report struct {
	ProjectID        string
	FindingsExamined int
	Groups           int
	GroupsMerged     int
	InsightsCreated  int
	InsightsUpdated  int
}

// Engine runs the clustering pass for one project at a time
type Engine struct {
	logger    *zap.Logger
	store     storage.Store
	loader    *domainpack.Loader
	bus       events.Bus
	knowledge knowledge.Provider
	config    Config
	tracer    trace.Tracer
}

// New creates a clustering engine. The bus and knowledge provider may be
// nil; clustering then skips event emission and knowledge enrichment.
func New(logger *zap.Logger, store storage.Store, loader *domainpack.Loader, bus events.Bus, provider knowledge.Provider, config Config) *Engine {
	if config.Window <= 0 {
		config.Window = 24 * time.Hour
	}
	if config.MinClusterSize <= 0 {
		config.MinClusterSize = 3
	}
	if config.MergeProximity <= 0 {
		config.MergeProximity = 30 * time.Minute
	}
	config.Severity = config.Severity.withDefaults()
	if config.Clock == nil {
		config.Clock = time.Now
	}

	return &Engine{
		logger:    logger,
		store:     store,
		loader:    loader,
		bus:       bus,
		knowledge: provider,
		config:    config,
		tracer:    otel.Tracer("verdict-insight"),
	}
}

// group is one signature's findings, ordered by creation time
type group struct {
	signature string
	findings  []*domain.Finding
}

func (g *group) earliest() time.Time { return g.findings[0].CreatedAt }
func (g *group) rep() *domain.Finding {
	return g.findings[0]
}

// Cluster runs one clustering pass for a project. The pass is idempotent:
// re-running over the same findings merges into the same insights by
// signature instead of duplicating them.
func (e *Engine) Cluster(ctx context.Context, projectID string) (*Report, error) {
	ctx, span := e.tracer.Start(ctx, "insight.cluster",
		trace.WithAttributes(attribute.String("project.id", projectID)))
	defer span.End()

	now := e.config.Clock().UTC()
	window, minSize := e.effectiveThresholds(ctx, projectID)

	report := &Report{ProjectID: projectID}

	// Step 1: collect the finding window
	findings, err := e.store.FindingsSince(ctx, projectID, now.Add(-window))
	if err != nil {
		return nil, fmt.Errorf("load findings for project %s: %w", projectID, err)
	}
	report.FindingsExamined = len(findings)
	if len(findings) == 0 {
		return report, nil
	}

	// Step 2: group by signature and run the merge pass
	groups := groupBySignature(findings)
	report.Groups = len(groups)
	groups, merged := e.mergePass(groups)
	report.GroupsMerged = merged

	// Step 3: build or merge insights for groups over the threshold
	var (
		upserts []*domain.Insight
		created []*domain.Insight
	)
	for _, g := range groups {
		if len(g.findings) < minSize {
			continue
		}

		insight, isNew, err := e.insightForGroup(ctx, projectID, g, now)
		if err != nil {
			return nil, err
		}
		if insight == nil {
			continue
		}
		upserts = append(upserts, insight)
		if isNew {
			created = append(created, insight)
			report.InsightsCreated++
		} else {
			report.InsightsUpdated++
		}
	}

	if len(upserts) == 0 {
		return report, nil
	}

	// Step 4: persist atomically
	err = e.store.WithTransaction(ctx, func(tx storage.Store) error {
		return tx.UpsertInsights(ctx, upserts)
	})
	if err != nil {
		return nil, fmt.Errorf("persist insights for project %s: %w", projectID, err)
	}

	// Step 5: announce new insights, best effort
	e.emit(ctx, created, now)

	span.SetAttributes(
		attribute.Int("insights.created", report.InsightsCreated),
		attribute.Int("insights.updated", report.InsightsUpdated),
	)
	e.logger.Info("clustering pass complete",
		zap.String("project_id", projectID),
		zap.Int("findings", report.FindingsExamined),
		zap.Int("created", report.InsightsCreated),
		zap.Int("updated", report.InsightsUpdated))

	return report, nil
}

// effectiveThresholds applies pack review overrides over the engine
// defaults. A missing or invalid pack keeps the defaults.
func (e *Engine) effectiveThresholds(ctx context.Context, projectID string) (time.Duration, int) {
	window := e.config.Window
	minSize := e.config.MinClusterSize

	if e.loader == nil {
		return window, minSize
	}
	pack, _, err := e.loader.Load(ctx, projectID)
	if err != nil {
		e.logger.Warn("no pack for clustering thresholds, using defaults",
			zap.String("project_id", projectID),
			zap.Error(err))
		return window, minSize
	}

	review := pack.ReviewConfig(ctx)
	if review.WindowMinutes > 0 {
		window = time.Duration(review.WindowMinutes) * time.Minute
	}
	if review.MinClusterSize > 0 {
		minSize = review.MinClusterSize
	}
	return window, minSize
}

// groupBySignature buckets findings and orders each bucket by creation
// time, oldest first.
func groupBySignature(findings []*domain.Finding) []*group {
	buckets := make(map[string][]*domain.Finding)
	for _, f := range findings {
		buckets[f.Signature] = append(buckets[f.Signature], f)
	}

	groups := make([]*group, 0, len(buckets))
	for sig, fs := range buckets {
		sort.SliceStable(fs, func(i, j int) bool { return fs[i].CreatedAt.Before(fs[j].CreatedAt) })
		groups = append(groups, &group{signature: sig, findings: fs})
	}

	// Deterministic processing order: earliest first, signature breaks ties.
	sort.Slice(groups, func(i, j int) bool {
		ti, tj := groups[i].earliest(), groups[j].earliest()
		if !ti.Equal(tj) {
			return ti.Before(tj)
		}
		return groups[i].signature < groups[j].signature
	})
	return groups
}

// mergePass folds near-duplicate groups of the same kind together. The
// earlier group absorbs the later one and keeps its signature, so the
// outcome is independent of map iteration order.
func (e *Engine) mergePass(groups []*group) ([]*group, int) {
	merged := 0
	out := make([]*group, 0, len(groups))

	for i, g := range groups {
		if g == nil {
			continue
		}
		for j := i + 1; j < len(groups); j++ {
			candidate := groups[j]
			if candidate == nil || candidate.rep().Kind != g.rep().Kind {
				continue
			}
			if candidate.earliest().Sub(g.earliest()) > e.config.MergeProximity {
				break
			}
			if !contextCompatible(g.rep(), candidate.rep()) {
				continue
			}
			g.findings = append(g.findings, candidate.findings...)
			groups[j] = nil
			merged++
		}
		out = append(out, g)
	}
	return out, merged
}

// contextCompatible decides whether two same-kind groups describe the
// same underlying problem. Conservative: kinds without a rule here are
// never merged across signatures.
func contextCompatible(a, b *domain.Finding) bool {
	switch {
	case a.Kind == domain.KindTimeSLA:
		return sameDetail(a, b, domain.DetailEventType)
	case a.Kind == domain.KindTemplateSelect:
		return sameDetail(a, b, domain.DetailEventType) && sameDetail(a, b, domain.DetailChannel)
	case strings.HasPrefix(a.Kind, "Delivery."):
		return sameDetail(a, b, domain.DetailChannel)
	default:
		return false
	}
}

func sameDetail(a, b *domain.Finding, key string) bool {
	return a.Detail(key) != "" && a.Detail(key) == b.Detail(key)
}

// insightForGroup merges a qualifying group into its existing insight,
// or builds a fresh one when none is mergeable. A nil insight means the
// group carried nothing the existing insight had not already absorbed.
func (e *Engine) insightForGroup(ctx context.Context, projectID string, g *group, now time.Time) (*domain.Insight, bool, error) {
	existing, err := e.store.InsightBySignature(ctx, projectID, g.signature)
	switch {
	case err == nil && existing.Status.Mergeable():
		if existing.MergeEvidence(g.findings, now) == 0 {
			return nil, false, nil
		}
		existing.Escalate(maxSeverity(g.findings))
		if hardHighKinds[existing.Kind] && existing.Metrics.FindingCount >= e.config.Severity.HardHighSize {
			existing.Escalate(domain.SeverityHigh)
		}
		return existing, false, nil
	case err != nil && !errors.Is(err, storage.ErrNotFound):
		return nil, false, fmt.Errorf("lookup insight %s: %w", g.signature, err)
	}

	severity := blendSeverity(g.rep().Kind, g.findings, e.config.Severity)

	n := buildNarrative(ctx, e.knowledge, projectID, g.rep().Kind, g.findings)
	insight := &domain.Insight{
		ID:           uuid.NewString(),
		ProjectID:    projectID,
		Kind:         g.rep().Kind,
		Title:        n.Title,
		Summary:      n.Summary,
		Severity:     severity,
		Status:       domain.InsightOpen,
		Tags:         n.Tags,
		SuggestedFix: n.SuggestedFix,
		Signature:    g.signature,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	insight.Metrics.SeverityDistribution = severityDistribution(g.findings)
	insight.Metrics.ValidatorDistribution = validatorDistribution(g.findings)
	insight.MergeEvidence(g.findings, now)
	return insight, true, nil
}

func severityDistribution(findings []*domain.Finding) map[string]int {
	out := make(map[string]int, 3)
	for _, f := range findings {
		out[string(f.Severity)]++
	}
	return out
}

func validatorDistribution(findings []*domain.Finding) map[string]int {
	out := make(map[string]int)
	for _, f := range findings {
		if f.ValidatorName != "" {
			out[f.ValidatorName]++
		}
	}
	return out
}

// emit publishes one event per new insight; failures are logged only
func (e *Engine) emit(ctx context.Context, created []*domain.Insight, now time.Time) {
	if e.bus == nil {
		return
	}
	for _, insight := range created {
		event := events.InsightGenerated{
			ProjectID:     insight.ProjectID,
			InsightID:     insight.ID,
			Kind:          insight.Kind,
			Severity:      insight.Severity,
			EvidenceCount: insight.Evidence.TotalAffected,
			Timestamp:     now,
		}
		if err := e.bus.Publish(ctx, events.SubjectInsightGenerated, event); err != nil {
			e.logger.Warn("failed to publish insight event",
				zap.String("insight_id", insight.ID),
				zap.Error(err))
		}
	}
}
