package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// DefaultFindingTTL is how long a finding stays eligible for clustering
// before it can be purged.
const DefaultFindingTTL = 7 * 24 * time.Hour

// Detail keys that participate in the clustering signature, in hash order.
const (
	DetailEventType  = "event_type"
	DetailTemplateID = "template_id"
	DetailRuleID     = "rule_id"
	DetailChannel    = "channel"
)

// Finding is one detected issue for one decision log, produced by one
// validator. Findings are never mutated after creation.
type Finding struct {
	ProjectID     string            `json:"project_id"`
	CaseID        string            `json:"case_id"`
	Kind          string            `json:"kind"`
	Severity      Severity          `json:"severity"`
	Details       map[string]string `json:"details,omitempty"`
	SuggestedFix  string            `json:"suggested_fix,omitempty"`
	ValidatorName string            `json:"validator_name,omitempty"`
	Signature     string            `json:"signature"`
	CreatedAt     time.Time         `json:"created_at"`
	ExpiresAt     time.Time         `json:"expires_at"`
}

// Expired reports whether the finding is past its retention window
func (f *Finding) Expired(now time.Time) bool {
	return !f.ExpiresAt.IsZero() && now.After(f.ExpiresAt)
}

// MergeKey identifies a finding inside its signature cluster. Findings
// are immutable and re-scoring a case replaces them with fresh
// timestamps, so (case, validator, created_at) is stable.
func (f *Finding) MergeKey() string {
	return f.CaseID + "|" + f.ValidatorName + "|" + f.CreatedAt.UTC().Format(time.RFC3339Nano)
}

// Detail returns a detail value or "" when absent
func (f *Finding) Detail(key string) string {
	if f.Details == nil {
		return ""
	}
	return f.Details[key]
}

// GenerateSignature derives the stable clustering key for a finding.
// Identical (project, kind, severity, event_type, template_id, rule_id)
// inputs always produce the identical signature.
func GenerateSignature(projectID, kind string, severity Severity, details map[string]string) string {
	parts := []string{projectID, kind, string(severity)}
	for _, key := range []string{DetailEventType, DetailTemplateID, DetailRuleID} {
		if details != nil {
			if v, ok := details[key]; ok && v != "" {
				parts = append(parts, key+"="+v)
			}
		}
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])[:16]
}

// Seal stamps the derived signature and retention window onto a finding.
// Validators build findings without signatures; the pipeline seals them
// before persistence.
func (f *Finding) Seal(now time.Time, ttl time.Duration) {
	if ttl <= 0 {
		ttl = DefaultFindingTTL
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = now
	}
	f.ExpiresAt = f.CreatedAt.Add(ttl)
	if f.Signature == "" {
		f.Signature = GenerateSignature(f.ProjectID, f.Kind, f.Severity, f.Details)
	}
}
