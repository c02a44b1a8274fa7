package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fathomlabs/verdict/pkg/domain"
)

// Memory is an in-process Store used for tests and single-node
// deployments. Values are stored and returned by copy, so callers can
// mutate results freely and transactions roll back by snapshot.
type Memory struct {
	logger *zap.Logger

	mu   sync.RWMutex
	data *memData

	// Set when operating inside a transaction; the outer lock is already
	// held and a snapshot exists for rollback.
	inTx bool
}

type memData struct {
	findings []*domain.Finding
	insights map[string]*domain.Insight // by id
	// bySig indexes insight ids per project+signature, newest last
	bySig map[string][]string
}

func newMemData() *memData {
	return &memData{
		insights: make(map[string]*domain.Insight),
		bySig:    make(map[string][]string),
	}
}

func (d *memData) clone() *memData {
	out := &memData{
		findings: make([]*domain.Finding, len(d.findings)),
		insights: make(map[string]*domain.Insight, len(d.insights)),
		bySig:    make(map[string][]string, len(d.bySig)),
	}
	copy(out.findings, d.findings)
	for id, ins := range d.insights {
		out.insights[id] = ins
	}
	for key, ids := range d.bySig {
		out.bySig[key] = append([]string(nil), ids...)
	}
	return out
}

func sigKey(projectID, signature string) string {
	return projectID + "|" + signature
}

// NewMemory creates an empty in-memory store
func NewMemory(logger *zap.Logger) *Memory {
	return &Memory{logger: logger, data: newMemData()}
}

func (m *Memory) lock() func() {
	if m.inTx {
		return func() {}
	}
	m.mu.Lock()
	return m.mu.Unlock
}

func (m *Memory) rlock() func() {
	if m.inTx {
		return func() {}
	}
	m.mu.RLock()
	return m.mu.RUnlock
}

// InsertFindings implements FindingStore
func (m *Memory) InsertFindings(_ context.Context, findings []*domain.Finding) error {
	unlock := m.lock()
	defer unlock()

	for _, f := range findings {
		stored := copyFinding(f)
		m.data.findings = append(m.data.findings, stored)
	}
	return nil
}

// FindingsSince implements FindingStore; results are ordered by creation time
func (m *Memory) FindingsSince(_ context.Context, projectID string, since time.Time) ([]*domain.Finding, error) {
	unlock := m.rlock()
	defer unlock()

	out := make([]*domain.Finding, 0)
	for _, f := range m.data.findings {
		if f.ProjectID == projectID && !f.CreatedAt.Before(since) {
			out = append(out, copyFinding(f))
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// DeleteFindingsByCase implements FindingStore
func (m *Memory) DeleteFindingsByCase(_ context.Context, projectID, caseID string) error {
	unlock := m.lock()
	defer unlock()

	kept := m.data.findings[:0:0]
	for _, f := range m.data.findings {
		if !(f.ProjectID == projectID && f.CaseID == caseID) {
			kept = append(kept, f)
		}
	}
	m.data.findings = kept
	return nil
}

// PurgeExpired implements FindingStore
func (m *Memory) PurgeExpired(_ context.Context, now time.Time) (int, error) {
	unlock := m.lock()
	defer unlock()

	kept := m.data.findings[:0:0]
	removed := 0
	for _, f := range m.data.findings {
		if f.Expired(now) {
			removed++
			continue
		}
		kept = append(kept, f)
	}
	m.data.findings = kept

	if removed > 0 {
		m.logger.Info("Purged expired findings", zap.Int("removed", removed))
	}
	return removed, nil
}

// CountFindingsSince implements FindingStore
func (m *Memory) CountFindingsSince(_ context.Context, since time.Time) (int, error) {
	unlock := m.rlock()
	defer unlock()

	count := 0
	for _, f := range m.data.findings {
		if !f.CreatedAt.Before(since) {
			count++
		}
	}
	return count, nil
}

// UpsertInsights implements InsightStore
func (m *Memory) UpsertInsights(_ context.Context, insights []*domain.Insight) error {
	unlock := m.lock()
	defer unlock()

	for _, ins := range insights {
		stored := copyInsight(ins)
		if _, exists := m.data.insights[stored.ID]; !exists {
			key := sigKey(stored.ProjectID, stored.Signature)
			m.data.bySig[key] = append(m.data.bySig[key], stored.ID)
		}
		m.data.insights[stored.ID] = stored
	}
	return nil
}

// InsightBySignature implements InsightStore; the newest matching insight wins
func (m *Memory) InsightBySignature(_ context.Context, projectID, signature string) (*domain.Insight, error) {
	unlock := m.rlock()
	defer unlock()

	ids := m.data.bySig[sigKey(projectID, signature)]
	if len(ids) == 0 {
		return nil, ErrNotFound
	}
	ins, ok := m.data.insights[ids[len(ids)-1]]
	if !ok {
		return nil, ErrNotFound
	}
	return copyInsight(ins), nil
}

// ListInsights implements InsightStore: severity descending, then recency
// descending, matching the review queue ordering.
func (m *Memory) ListInsights(_ context.Context, projectID string, statuses []domain.InsightStatus) ([]*domain.Insight, error) {
	unlock := m.rlock()
	defer unlock()

	wanted := make(map[domain.InsightStatus]bool, len(statuses))
	for _, s := range statuses {
		wanted[s] = true
	}

	out := make([]*domain.Insight, 0)
	for _, ins := range m.data.insights {
		if ins.ProjectID != projectID {
			continue
		}
		if len(wanted) > 0 && !wanted[ins.Status] {
			continue
		}
		out = append(out, copyInsight(ins))
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Severity.Rank() != out[j].Severity.Rank() {
			return out[i].Severity.Rank() > out[j].Severity.Rank()
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out, nil
}

// CountInsightsByStatus implements InsightStore
func (m *Memory) CountInsightsByStatus(_ context.Context, status domain.InsightStatus) (int, error) {
	unlock := m.rlock()
	defer unlock()

	count := 0
	for _, ins := range m.data.insights {
		if ins.Status == status {
			count++
		}
	}
	return count, nil
}

// WithTransaction implements Store. The memory store holds the write
// lock for the whole transaction and restores a snapshot on error.
func (m *Memory) WithTransaction(ctx context.Context, fn func(tx Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.data.clone()
	txStore := &Memory{logger: m.logger, data: m.data, inTx: true}

	if err := fn(txStore); err != nil {
		m.data = snapshot
		return err
	}
	return nil
}

func copyFinding(f *domain.Finding) *domain.Finding {
	out := *f
	if f.Details != nil {
		out.Details = make(map[string]string, len(f.Details))
		for k, v := range f.Details {
			out.Details[k] = v
		}
	}
	return &out
}

func copyInsight(ins *domain.Insight) *domain.Insight {
	out := *ins
	out.Evidence.CaseIDs = append([]string(nil), ins.Evidence.CaseIDs...)
	out.Evidence.FindingKeys = append([]string(nil), ins.Evidence.FindingKeys...)
	out.Evidence.SampleDetails = make([]map[string]string, 0, len(ins.Evidence.SampleDetails))
	for _, d := range ins.Evidence.SampleDetails {
		sample := make(map[string]string, len(d))
		for k, v := range d {
			sample[k] = v
		}
		out.Evidence.SampleDetails = append(out.Evidence.SampleDetails, sample)
	}
	out.Tags = append([]string(nil), ins.Tags...)
	if ins.Metrics.SeverityDistribution != nil {
		out.Metrics.SeverityDistribution = make(map[string]int, len(ins.Metrics.SeverityDistribution))
		for k, v := range ins.Metrics.SeverityDistribution {
			out.Metrics.SeverityDistribution[k] = v
		}
	}
	if ins.Metrics.ValidatorDistribution != nil {
		out.Metrics.ValidatorDistribution = make(map[string]int, len(ins.Metrics.ValidatorDistribution))
		for k, v := range ins.Metrics.ValidatorDistribution {
			out.Metrics.ValidatorDistribution[k] = v
		}
	}
	if ins.Metrics.Extras != nil {
		out.Metrics.Extras = make(map[string]string, len(ins.Metrics.Extras))
		for k, v := range ins.Metrics.Extras {
			out.Metrics.Extras[k] = v
		}
	}
	return &out
}
