// Package pipeline wires scoring, persistence and clustering into the
// end-to-end decision processing flow.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fathomlabs/verdict/pkg/domain"
	"github.com/fathomlabs/verdict/pkg/events"
	"github.com/fathomlabs/verdict/pkg/insight"
	"github.com/fathomlabs/verdict/pkg/sandbox"
	"github.com/fathomlabs/verdict/pkg/scoring"
	"github.com/fathomlabs/verdict/pkg/storage"
)

// Config configures the orchestrator
type Config struct {
	// ClusterAfterScore runs a clustering pass after each processed
	// record (or batch); disable for ingest-only deployments
	ClusterAfterScore bool
	// Clock overrides the wall clock, nil means time.Now
	Clock func() time.Time
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{ClusterAfterScore: true}
}

// Summary reports the outcome of processing one decision log
type Summary struct {
	ProjectID    string          `json:"project_id"`
	CaseID       string          `json:"case_id"`
	FindingCount int             `json:"finding_count"`
	BySeverity   map[string]int  `json:"by_severity,omitempty"`
	Clustering   *insight.Report `json:"clustering,omitempty"`
}

// BatchSummary reports the outcome of a batch run. Failed records are
// skipped, not fatal; their errors are collected per case.
type BatchSummary struct {
	Processed  int                        `json:"processed"`
	Failed     int                        `json:"failed"`
	Findings   int                        `json:"findings"`
	Errors     map[string]string          `json:"errors,omitempty"`
	Clustering map[string]*insight.Report `json:"clustering,omitempty"`
}

// Health is a point-in-time operational snapshot
type Health struct {
	Status          string        `json:"status"`
	FindingsLast24h int           `json:"findings_last_24h"`
	OpenInsights    int           `json:"open_insights"`
	ValidatorStats  sandbox.Stats `json:"validator_stats"`
	Timestamp       time.Time     `json:"timestamp"`
}

// Orchestrator runs the full score-persist-cluster flow
type Orchestrator struct {
	logger  *zap.Logger
	scorer  *scoring.Pipeline
	engine  *insight.Engine
	store   storage.Store
	bus     events.Bus
	sandbox *sandbox.Sandbox
	config  Config
	tracer  trace.Tracer
}

// New creates an orchestrator. The bus may be nil; scored events are
// then not announced.
func New(logger *zap.Logger, scorer *scoring.Pipeline, engine *insight.Engine, store storage.Store, bus events.Bus, sb *sandbox.Sandbox, config Config) *Orchestrator {
	if config.Clock == nil {
		config.Clock = time.Now
	}
	return &Orchestrator{
		logger:  logger,
		scorer:  scorer,
		engine:  engine,
		store:   store,
		bus:     bus,
		sandbox: sb,
		config:  config,
		tracer:  otel.Tracer("verdict-pipeline"),
	}
}

// ProcessOne scores one decision log, persists its findings atomically
// and, when enabled, runs a clustering pass for the project. Re-processing
// the same case replaces its previous findings instead of duplicating.
func (o *Orchestrator) ProcessOne(ctx context.Context, record *domain.DecisionLog) (*Summary, error) {
	ctx, span := o.tracer.Start(ctx, "pipeline.process_one")
	defer span.End()

	findings, err := o.scorer.Score(ctx, record)
	if err != nil {
		return nil, err
	}

	if err := o.persist(ctx, record, findings); err != nil {
		return nil, err
	}
	o.announceScored(ctx, record, len(findings))

	summary := &Summary{
		ProjectID:    record.ProjectID,
		CaseID:       record.CaseID,
		FindingCount: len(findings),
		BySeverity:   severityCounts(findings),
	}

	if o.config.ClusterAfterScore {
		report, err := o.engine.Cluster(ctx, record.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("clustering after case %s: %w", record.CaseID, err)
		}
		summary.Clustering = report
	}

	span.SetAttributes(attribute.Int("findings.count", len(findings)))
	return summary, nil
}

// ProcessBatch scores every record independently, then runs one
// clustering pass per distinct project. One bad record never stops the
// batch.
func (o *Orchestrator) ProcessBatch(ctx context.Context, records []*domain.DecisionLog) (*BatchSummary, error) {
	ctx, span := o.tracer.Start(ctx, "pipeline.process_batch",
		trace.WithAttributes(attribute.Int("batch.size", len(records))))
	defer span.End()

	summary := &BatchSummary{
		Errors:     make(map[string]string),
		Clustering: make(map[string]*insight.Report),
	}
	projects := make([]string, 0, 4)
	seen := make(map[string]bool, 4)

	for _, record := range records {
		findings, err := o.scorer.Score(ctx, record)
		if err == nil {
			err = o.persist(ctx, record, findings)
		}
		if err != nil {
			summary.Failed++
			summary.Errors[batchKey(record)] = err.Error()
			o.logger.Warn("batch record failed",
				zap.String("case_id", batchKey(record)),
				zap.Error(err))
			continue
		}

		o.announceScored(ctx, record, len(findings))
		summary.Processed++
		summary.Findings += len(findings)
		if !seen[record.ProjectID] {
			seen[record.ProjectID] = true
			projects = append(projects, record.ProjectID)
		}
	}

	if o.config.ClusterAfterScore {
		for _, projectID := range projects {
			report, err := o.engine.Cluster(ctx, projectID)
			if err != nil {
				summary.Errors["cluster:"+projectID] = err.Error()
				continue
			}
			summary.Clustering[projectID] = report
		}
	}

	if len(summary.Errors) == 0 {
		summary.Errors = nil
	}
	return summary, nil
}

// Cluster runs one clustering pass for a project on demand
func (o *Orchestrator) Cluster(ctx context.Context, projectID string) (*insight.Report, error) {
	return o.engine.Cluster(ctx, projectID)
}

// PurgeExpired removes findings past their retention window
func (o *Orchestrator) PurgeExpired(ctx context.Context) (int, error) {
	removed, err := o.store.PurgeExpired(ctx, o.config.Clock().UTC())
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		o.logger.Info("purged expired findings", zap.Int("removed", removed))
	}
	return removed, nil
}

// Health reports a point-in-time snapshot of the pipeline's stores and
// sandbox. Store errors degrade the status rather than failing the call.
func (o *Orchestrator) Health(ctx context.Context) *Health {
	now := o.config.Clock().UTC()
	h := &Health{Status: "healthy", Timestamp: now}

	findings, err := o.store.CountFindingsSince(ctx, now.Add(-24*time.Hour))
	if err != nil {
		h.Status = "degraded"
		o.logger.Warn("health: finding count failed", zap.Error(err))
	}
	h.FindingsLast24h = findings

	open, err := o.store.CountInsightsByStatus(ctx, domain.InsightOpen)
	if err != nil {
		h.Status = "degraded"
		o.logger.Warn("health: insight count failed", zap.Error(err))
	}
	h.OpenInsights = open

	if o.sandbox != nil {
		h.ValidatorStats = o.sandbox.AggregateStats()
	}
	return h
}

// persist replaces the case's previous findings with the new batch in
// one transaction.
func (o *Orchestrator) persist(ctx context.Context, record *domain.DecisionLog, findings []domain.Finding) error {
	refs := make([]*domain.Finding, len(findings))
	for i := range findings {
		refs[i] = &findings[i]
	}

	err := o.store.WithTransaction(ctx, func(tx storage.Store) error {
		if err := tx.DeleteFindingsByCase(ctx, record.ProjectID, record.CaseID); err != nil {
			return err
		}
		if len(refs) == 0 {
			return nil
		}
		return tx.InsertFindings(ctx, refs)
	})
	if err != nil {
		return fmt.Errorf("persist findings for case %s: %w", record.CaseID, err)
	}
	return nil
}

func (o *Orchestrator) announceScored(ctx context.Context, record *domain.DecisionLog, count int) {
	if o.bus == nil {
		return
	}
	event := events.DecisionScored{
		ProjectID:    record.ProjectID,
		CaseID:       record.CaseID,
		FindingCount: count,
		Timestamp:    o.config.Clock().UTC(),
	}
	if err := o.bus.Publish(ctx, events.SubjectDecisionScored, event); err != nil {
		o.logger.Warn("failed to publish scored event",
			zap.String("case_id", record.CaseID),
			zap.Error(err))
	}
}

func severityCounts(findings []domain.Finding) map[string]int {
	if len(findings) == 0 {
		return nil
	}
	out := make(map[string]int, 3)
	for _, f := range findings {
		out[string(f.Severity)]++
	}
	return out
}

func batchKey(record *domain.DecisionLog) string {
	if record == nil {
		return "unknown"
	}
	return record.ProjectID + "/" + record.CaseID
}
