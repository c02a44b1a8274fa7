package domain

import (
	"time"
)

// MaxEvidenceSamples caps the representative detail blobs kept on an
// insight. The case id list is unbounded.
const MaxEvidenceSamples = 10

// Evidence carries the supporting material for an insight
type Evidence struct {
	CaseIDs       []string            `json:"case_ids"`
	SampleCount   int                 `json:"sample_count"`
	TotalAffected int                 `json:"total_affected"`
	FirstSeen     time.Time           `json:"first_seen"`
	LastSeen      time.Time           `json:"last_seen"`
	SampleDetails []map[string]string `json:"sample_details,omitempty"`
	FindingKeys   []string            `json:"finding_keys,omitempty"`
}

// InsightMetrics summarizes the finding cluster behind an insight
type InsightMetrics struct {
	FindingCount          int            `json:"finding_count"`
	UniqueCases           int            `json:"unique_cases"`
	SeverityDistribution  map[string]int `json:"severity_distribution,omitempty"`
	ValidatorDistribution map[string]int `json:"validator_distribution,omitempty"`
	Extras                map[string]string `json:"extras,omitempty"`
}

// Insight is a durable, human-reviewable aggregate of similar findings
// that crossed the cluster size threshold.
type Insight struct {
	ID           string         `json:"id"`
	ProjectID    string         `json:"project_id"`
	Kind         string         `json:"kind"`
	Title        string         `json:"title"`
	Summary      string         `json:"summary"`
	Severity     Severity       `json:"severity"`
	Evidence     Evidence       `json:"evidence"`
	Metrics      InsightMetrics `json:"metrics"`
	Status       InsightStatus  `json:"status"`
	Tags         []string       `json:"tags,omitempty"`
	SuggestedFix string         `json:"suggested_fix,omitempty"`
	Signature    string         `json:"signature"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// MergeEvidence folds a batch of findings into existing evidence: case
// ids union, earliest first_seen kept, sample details capped. Findings
// already folded in, tracked by MergeKey, are skipped, so replaying a
// clustering pass over an unchanged window leaves the insight untouched.
// Returns how many findings were actually merged.
func (i *Insight) MergeEvidence(batch []*Finding, now time.Time) int {
	seenCase := make(map[string]bool, len(i.Evidence.CaseIDs))
	for _, id := range i.Evidence.CaseIDs {
		seenCase[id] = true
	}
	seenKey := make(map[string]bool, len(i.Evidence.FindingKeys))
	for _, key := range i.Evidence.FindingKeys {
		seenKey[key] = true
	}

	merged := 0
	for _, f := range batch {
		key := f.MergeKey()
		if seenKey[key] {
			continue
		}
		seenKey[key] = true
		i.Evidence.FindingKeys = append(i.Evidence.FindingKeys, key)
		merged++

		if !seenCase[f.CaseID] {
			seenCase[f.CaseID] = true
			i.Evidence.CaseIDs = append(i.Evidence.CaseIDs, f.CaseID)
		}
		if len(i.Evidence.SampleDetails) < MaxEvidenceSamples && len(f.Details) > 0 {
			i.Evidence.SampleDetails = append(i.Evidence.SampleDetails, f.Details)
		}
		if i.Evidence.FirstSeen.IsZero() || f.CreatedAt.Before(i.Evidence.FirstSeen) {
			i.Evidence.FirstSeen = f.CreatedAt
		}
		if f.CreatedAt.After(i.Evidence.LastSeen) {
			i.Evidence.LastSeen = f.CreatedAt
		}
	}
	if merged == 0 {
		return 0
	}

	i.Evidence.TotalAffected = len(i.Evidence.CaseIDs)
	i.Evidence.SampleCount = len(i.Evidence.SampleDetails)
	i.Metrics.FindingCount += merged
	i.Metrics.UniqueCases = len(i.Evidence.CaseIDs)
	i.UpdatedAt = now
	return merged
}

// Escalate raises the insight severity if the new batch outranks it.
// Severity never goes down on merge.
func (i *Insight) Escalate(batchMax Severity) {
	i.Severity = MaxSeverity(i.Severity, batchMax)
}
