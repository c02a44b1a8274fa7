// Package neo4jstore persists findings and insights in Neo4j. Details
// maps are stored as JSON properties; timestamps as epoch milliseconds.
package neo4jstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"

	"github.com/fathomlabs/verdict/pkg/domain"
	"github.com/fathomlabs/verdict/pkg/storage"
)

// Config holds Neo4j connection configuration
type Config struct {
	URI      string
	Username string
	Password string
	Database string

	MaxConnectionPoolSize int
	ConnectionTimeout     time.Duration
}

// DefaultConfig returns default connection settings
func DefaultConfig() Config {
	return Config{
		URI:                   "bolt://localhost:7687",
		Username:              "neo4j",
		Database:              "neo4j",
		MaxConnectionPoolSize: 50,
		ConnectionTimeout:     30 * time.Second,
	}
}

// Store implements storage.Store on Neo4j
type Store struct {
	driver neo4j.DriverWithContext
	logger *zap.Logger
	config Config

	// tx is set for transaction-scoped stores handed to WithTransaction
	// callbacks; all queries then run inside that explicit transaction.
	tx neo4j.ExplicitTransaction
}

// cypherRunner is satisfied by both explicit and managed transactions
type cypherRunner interface {
	Run(ctx context.Context, cypher string, params map[string]any) (neo4j.ResultWithContext, error)
}

// New connects to Neo4j and verifies connectivity
func New(ctx context.Context, config Config, logger *zap.Logger) (*Store, error) {
	if config.URI == "" {
		return nil, fmt.Errorf("neo4j URI is required")
	}

	driver, err := neo4j.NewDriverWithContext(
		config.URI,
		neo4j.BasicAuth(config.Username, config.Password, ""),
		func(c *neo4j.Config) {
			c.MaxConnectionPoolSize = config.MaxConnectionPoolSize
			c.SocketConnectTimeout = config.ConnectionTimeout
		},
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create neo4j driver: %w", err)
	}

	if err := driver.VerifyConnectivity(ctx); err != nil {
		_ = driver.Close(ctx)
		return nil, fmt.Errorf("failed to connect to neo4j at %s: %w", config.URI, err)
	}

	logger.Info("Connected to neo4j store", zap.String("uri", config.URI))

	return &Store{driver: driver, logger: logger, config: config}, nil
}

// Close releases the driver
func (s *Store) Close(ctx context.Context) error {
	if s.tx != nil {
		return nil
	}
	return s.driver.Close(ctx)
}

// write runs fn against a cypher runner, inside the ambient transaction
// when one is set, otherwise inside a managed write transaction.
func (s *Store) write(ctx context.Context, fn func(r cypherRunner) (any, error)) (any, error) {
	if s.tx != nil {
		return fn(s.tx)
	}

	session := s.driver.NewSession(ctx, neo4j.SessionConfig{DatabaseName: s.config.Database})
	defer session.Close(ctx)

	return session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		return fn(tx)
	})
}

func (s *Store) read(ctx context.Context, fn func(r cypherRunner) (any, error)) (any, error) {
	if s.tx != nil {
		return fn(s.tx)
	}

	session := s.driver.NewSession(ctx, neo4j.SessionConfig{DatabaseName: s.config.Database})
	defer session.Close(ctx)

	return session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		return fn(tx)
	})
}

// WithTransaction implements storage.Store using an explicit transaction
func (s *Store) WithTransaction(ctx context.Context, fn func(tx storage.Store) error) error {
	if s.tx != nil {
		// Already transactional; nested scopes join the outer transaction.
		return fn(s)
	}

	session := s.driver.NewSession(ctx, neo4j.SessionConfig{DatabaseName: s.config.Database})
	defer session.Close(ctx)

	tx, err := session.BeginTransaction(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	txStore := &Store{driver: s.driver, logger: s.logger, config: s.config, tx: tx}
	if err := fn(txStore); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			s.logger.Error("Transaction rollback failed", zap.Error(rbErr))
		}
		return err
	}
	return tx.Commit(ctx)
}

// InsertFindings implements storage.FindingStore
func (s *Store) InsertFindings(ctx context.Context, findings []*domain.Finding) error {
	rows := make([]map[string]any, 0, len(findings))
	for _, f := range findings {
		details, err := json.Marshal(f.Details)
		if err != nil {
			return fmt.Errorf("failed to marshal finding details: %w", err)
		}
		rows = append(rows, map[string]any{
			"project_id":    f.ProjectID,
			"case_id":       f.CaseID,
			"kind":          f.Kind,
			"severity":      string(f.Severity),
			"severity_rank": f.Severity.Rank(),
			"details":       string(details),
			"suggested_fix": f.SuggestedFix,
			"validator":     f.ValidatorName,
			"signature":     f.Signature,
			"created_at":    f.CreatedAt.UnixMilli(),
			"expires_at":    f.ExpiresAt.UnixMilli(),
		})
	}

	_, err := s.write(ctx, func(r cypherRunner) (any, error) {
		result, err := r.Run(ctx, `
			UNWIND $rows AS row
			CREATE (f:Finding)
			SET f = row`,
			map[string]any{"rows": rows})
		if err != nil {
			return nil, err
		}
		_, err = result.Consume(ctx)
		return nil, err
	})
	if err != nil {
		return fmt.Errorf("failed to insert findings: %w", err)
	}
	return nil
}

// FindingsSince implements storage.FindingStore
func (s *Store) FindingsSince(ctx context.Context, projectID string, since time.Time) ([]*domain.Finding, error) {
	out, err := s.read(ctx, func(r cypherRunner) (any, error) {
		result, err := r.Run(ctx, `
			MATCH (f:Finding {project_id: $project_id})
			WHERE f.created_at >= $since
			RETURN f
			ORDER BY f.created_at ASC`,
			map[string]any{"project_id": projectID, "since": since.UnixMilli()})
		if err != nil {
			return nil, err
		}

		findings := make([]*domain.Finding, 0)
		for result.Next(ctx) {
			node, ok := result.Record().Get("f")
			if !ok {
				continue
			}
			f, err := findingFromNode(node.(neo4j.Node))
			if err != nil {
				return nil, err
			}
			findings = append(findings, f)
		}
		return findings, result.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query findings: %w", err)
	}
	return out.([]*domain.Finding), nil
}

// DeleteFindingsByCase implements storage.FindingStore
func (s *Store) DeleteFindingsByCase(ctx context.Context, projectID, caseID string) error {
	_, err := s.write(ctx, func(r cypherRunner) (any, error) {
		result, err := r.Run(ctx, `
			MATCH (f:Finding {project_id: $project_id, case_id: $case_id})
			DETACH DELETE f`,
			map[string]any{"project_id": projectID, "case_id": caseID})
		if err != nil {
			return nil, err
		}
		_, err = result.Consume(ctx)
		return nil, err
	})
	if err != nil {
		return fmt.Errorf("failed to delete findings: %w", err)
	}
	return nil
}

// PurgeExpired implements storage.FindingStore
func (s *Store) PurgeExpired(ctx context.Context, now time.Time) (int, error) {
	out, err := s.write(ctx, func(r cypherRunner) (any, error) {
		result, err := r.Run(ctx, `
			MATCH (f:Finding)
			WHERE f.expires_at > 0 AND f.expires_at < $now
			WITH collect(f) AS expired
			FOREACH (f IN expired | DETACH DELETE f)
			RETURN size(expired) AS removed`,
			map[string]any{"now": now.UnixMilli()})
		if err != nil {
			return nil, err
		}
		record, err := result.Single(ctx)
		if err != nil {
			return nil, err
		}
		removed, _ := record.Get("removed")
		return int(removed.(int64)), nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to purge findings: %w", err)
	}
	return out.(int), nil
}

// CountFindingsSince implements storage.FindingStore
func (s *Store) CountFindingsSince(ctx context.Context, since time.Time) (int, error) {
	out, err := s.read(ctx, func(r cypherRunner) (any, error) {
		result, err := r.Run(ctx, `
			MATCH (f:Finding)
			WHERE f.created_at >= $since
			RETURN count(f) AS total`,
			map[string]any{"since": since.UnixMilli()})
		if err != nil {
			return nil, err
		}
		record, err := result.Single(ctx)
		if err != nil {
			return nil, err
		}
		total, _ := record.Get("total")
		return int(total.(int64)), nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to count findings: %w", err)
	}
	return out.(int), nil
}

// UpsertInsights implements storage.InsightStore
func (s *Store) UpsertInsights(ctx context.Context, insights []*domain.Insight) error {
	rows := make([]map[string]any, 0, len(insights))
	for _, ins := range insights {
		evidence, err := json.Marshal(ins.Evidence)
		if err != nil {
			return fmt.Errorf("failed to marshal insight evidence: %w", err)
		}
		metrics, err := json.Marshal(ins.Metrics)
		if err != nil {
			return fmt.Errorf("failed to marshal insight metrics: %w", err)
		}
		rows = append(rows, map[string]any{
			"id":            ins.ID,
			"project_id":    ins.ProjectID,
			"kind":          ins.Kind,
			"title":         ins.Title,
			"summary":       ins.Summary,
			"severity":      string(ins.Severity),
			"severity_rank": ins.Severity.Rank(),
			"evidence":      string(evidence),
			"metrics":       string(metrics),
			"status":        string(ins.Status),
			"tags":          ins.Tags,
			"suggested_fix": ins.SuggestedFix,
			"signature":     ins.Signature,
			"created_at":    ins.CreatedAt.UnixMilli(),
			"updated_at":    ins.UpdatedAt.UnixMilli(),
		})
	}

	_, err := s.write(ctx, func(r cypherRunner) (any, error) {
		result, err := r.Run(ctx, `
			UNWIND $rows AS row
			MERGE (i:Insight {id: row.id})
			SET i = row`,
			map[string]any{"rows": rows})
		if err != nil {
			return nil, err
		}
		_, err = result.Consume(ctx)
		return nil, err
	})
	if err != nil {
		return fmt.Errorf("failed to upsert insights: %w", err)
	}
	return nil
}

// InsightBySignature implements storage.InsightStore
func (s *Store) InsightBySignature(ctx context.Context, projectID, signature string) (*domain.Insight, error) {
	out, err := s.read(ctx, func(r cypherRunner) (any, error) {
		result, err := r.Run(ctx, `
			MATCH (i:Insight {project_id: $project_id, signature: $signature})
			RETURN i
			ORDER BY i.updated_at DESC
			LIMIT 1`,
			map[string]any{"project_id": projectID, "signature": signature})
		if err != nil {
			return nil, err
		}
		if !result.Next(ctx) {
			if err := result.Err(); err != nil {
				return nil, err
			}
			return nil, storage.ErrNotFound
		}
		node, _ := result.Record().Get("i")
		return insightFromNode(node.(neo4j.Node))
	})
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("failed to query insight: %w", err)
	}
	return out.(*domain.Insight), nil
}

// ListInsights implements storage.InsightStore
func (s *Store) ListInsights(ctx context.Context, projectID string, statuses []domain.InsightStatus) ([]*domain.Insight, error) {
	filter := make([]string, 0, len(statuses))
	for _, st := range statuses {
		filter = append(filter, string(st))
	}

	out, err := s.read(ctx, func(r cypherRunner) (any, error) {
		result, err := r.Run(ctx, `
			MATCH (i:Insight {project_id: $project_id})
			WHERE size($statuses) = 0 OR i.status IN $statuses
			RETURN i
			ORDER BY i.severity_rank DESC, i.updated_at DESC`,
			map[string]any{"project_id": projectID, "statuses": filter})
		if err != nil {
			return nil, err
		}

		insights := make([]*domain.Insight, 0)
		for result.Next(ctx) {
			node, ok := result.Record().Get("i")
			if !ok {
				continue
			}
			ins, err := insightFromNode(node.(neo4j.Node))
			if err != nil {
				return nil, err
			}
			insights = append(insights, ins)
		}
		return insights, result.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list insights: %w", err)
	}
	return out.([]*domain.Insight), nil
}

// CountInsightsByStatus implements storage.InsightStore
func (s *Store) CountInsightsByStatus(ctx context.Context, status domain.InsightStatus) (int, error) {
	out, err := s.read(ctx, func(r cypherRunner) (any, error) {
		result, err := r.Run(ctx, `
			MATCH (i:Insight {status: $status})
			RETURN count(i) AS total`,
			map[string]any{"status": string(status)})
		if err != nil {
			return nil, err
		}
		record, err := result.Single(ctx)
		if err != nil {
			return nil, err
		}
		total, _ := record.Get("total")
		return int(total.(int64)), nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to count insights: %w", err)
	}
	return out.(int), nil
}

func findingFromNode(node neo4j.Node) (*domain.Finding, error) {
	f := &domain.Finding{
		ProjectID:     stringProp(node, "project_id"),
		CaseID:        stringProp(node, "case_id"),
		Kind:          stringProp(node, "kind"),
		Severity:      domain.Severity(stringProp(node, "severity")),
		SuggestedFix:  stringProp(node, "suggested_fix"),
		ValidatorName: stringProp(node, "validator"),
		Signature:     stringProp(node, "signature"),
		CreatedAt:     timeProp(node, "created_at"),
		ExpiresAt:     timeProp(node, "expires_at"),
	}
	if raw := stringProp(node, "details"); raw != "" && raw != "null" {
		if err := json.Unmarshal([]byte(raw), &f.Details); err != nil {
			return nil, fmt.Errorf("corrupt finding details: %w", err)
		}
	}
	return f, nil
}

func insightFromNode(node neo4j.Node) (*domain.Insight, error) {
	ins := &domain.Insight{
		ID:           stringProp(node, "id"),
		ProjectID:    stringProp(node, "project_id"),
		Kind:         stringProp(node, "kind"),
		Title:        stringProp(node, "title"),
		Summary:      stringProp(node, "summary"),
		Severity:     domain.Severity(stringProp(node, "severity")),
		Status:       domain.InsightStatus(stringProp(node, "status")),
		SuggestedFix: stringProp(node, "suggested_fix"),
		Signature:    stringProp(node, "signature"),
		CreatedAt:    timeProp(node, "created_at"),
		UpdatedAt:    timeProp(node, "updated_at"),
	}
	if raw := stringProp(node, "evidence"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &ins.Evidence); err != nil {
			return nil, fmt.Errorf("corrupt insight evidence: %w", err)
		}
	}
	if raw := stringProp(node, "metrics"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &ins.Metrics); err != nil {
			return nil, fmt.Errorf("corrupt insight metrics: %w", err)
		}
	}
	if tags, ok := node.Props["tags"].([]any); ok {
		for _, tag := range tags {
			if s, isStr := tag.(string); isStr {
				ins.Tags = append(ins.Tags, s)
			}
		}
	}
	return ins, nil
}

func stringProp(node neo4j.Node, key string) string {
	if v, ok := node.Props[key].(string); ok {
		return v
	}
	return ""
}

func timeProp(node neo4j.Node, key string) time.Time {
	if v, ok := node.Props[key].(int64); ok && v > 0 {
		return time.UnixMilli(v)
	}
	return time.Time{}
}
