// Package events defines the outbound domain-event boundary. Downstream
// listeners are unspecified; publishing is fire-and-forget from the
// pipeline's point of view.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/fathomlabs/verdict/pkg/domain"
)

// Subjects for emitted domain events
const (
	SubjectInsightGenerated = "verdict.insights.generated"
	SubjectDecisionScored   = "verdict.decisions.scored"
)

// InsightGenerated is emitted once per newly created insight
type InsightGenerated struct {
	ProjectID     string          `json:"project_id"`
	InsightID     string          `json:"insight_id"`
	Kind          string          `json:"kind"`
	Severity      domain.Severity `json:"severity"`
	EvidenceCount int             `json:"evidence_count"`
	Timestamp     time.Time       `json:"timestamp"`
}

// DecisionScored is emitted after one decision log has been scored
type DecisionScored struct {
	ProjectID    string    `json:"project_id"`
	CaseID       string    `json:"case_id"`
	FindingCount int       `json:"finding_count"`
	Timestamp    time.Time `json:"timestamp"`
}

// Bus is the abstract pub/sub boundary
type Bus interface {
	Publish(ctx context.Context, subject string, payload any) error
}

// Published captures one message on the memory bus
type Published struct {
	Subject string
	Payload any
}

// MemoryBus records published events in-process; used in tests and when
// no broker is configured.
type MemoryBus struct {
	mu       sync.Mutex
	messages []Published
}

// NewMemoryBus creates an empty in-process bus
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{}
}

// Publish implements Bus
func (b *MemoryBus) Publish(_ context.Context, subject string, payload any) error {
	b.mu.Lock()
	b.messages = append(b.messages, Published{Subject: subject, Payload: payload})
	b.mu.Unlock()
	return nil
}

// Messages returns a copy of everything published so far
func (b *MemoryBus) Messages() []Published {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Published(nil), b.messages...)
}

// BySubject returns published messages matching a subject
func (b *MemoryBus) BySubject(subject string) []Published {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]Published, 0)
	for _, msg := range b.messages {
		if msg.Subject == subject {
			out = append(out, msg)
		}
	}
	return out
}
