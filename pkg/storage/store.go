// Package storage defines the persistence boundary for findings and
// insights. Implementations provide standard transactional
// commit/rollback; callers treat one score-then-persist pass as a single
// logical transaction.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/fathomlabs/verdict/pkg/domain"
)

// ErrNotFound is returned by point lookups that match nothing
var ErrNotFound = errors.New("not found")

// FindingStore persists ephemeral findings
type FindingStore interface {
	// InsertFindings stores a batch of sealed findings
	InsertFindings(ctx context.Context, findings []*domain.Finding) error
	// FindingsSince returns a project's findings created at or after a cutoff
	FindingsSince(ctx context.Context, projectID string, since time.Time) ([]*domain.Finding, error)
	// DeleteFindingsByCase removes all findings for one decision log
	DeleteFindingsByCase(ctx context.Context, projectID, caseID string) error
	// PurgeExpired deletes findings past their expires_at; returns the count
	PurgeExpired(ctx context.Context, now time.Time) (int, error)
	// CountFindingsSince counts findings across projects since a cutoff
	CountFindingsSince(ctx context.Context, since time.Time) (int, error)
}

// InsightStore persists durable insights
type InsightStore interface {
	// UpsertInsights creates or replaces insights by id
	UpsertInsights(ctx context.Context, insights []*domain.Insight) error
	// InsightBySignature returns the newest insight with a signature for a
	// project, regardless of status; ErrNotFound when none exists
	InsightBySignature(ctx context.Context, projectID, signature string) (*domain.Insight, error)
	// ListInsights returns a project's insights filtered by status (empty
	// filter means all), ordered severity descending then recency descending
	ListInsights(ctx context.Context, projectID string, statuses []domain.InsightStatus) ([]*domain.Insight, error)
	// CountInsightsByStatus counts insights across projects in a status
	CountInsightsByStatus(ctx context.Context, status domain.InsightStatus) (int, error)
}

// Store is the full persistence boundary with transaction support
type Store interface {
	FindingStore
	InsightStore

	// WithTransaction runs fn against a transaction-scoped store. A
	// returned error rolls every write back; nil commits atomically.
	WithTransaction(ctx context.Context, fn func(tx Store) error) error
}
