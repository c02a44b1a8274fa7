package insight

import (
	"github.com/fathomlabs/verdict/pkg/domain"
)

// SeverityConfig tunes how a cluster's findings blend into one insight
// severity. Zero values fall back to the defaults below.
type SeverityConfig struct {
	// HighAvgScore promotes to high when the mean severity score
	// (low=1, med=2, high=3) reaches it
	HighAvgScore float64
	// HighShare promotes to high when this fraction of findings is high
	HighShare float64
	// MedAvgScore promotes to med when the mean score reaches it
	MedAvgScore float64
	// MedShare promotes to med when this fraction is med or above
	MedShare float64
	// HardHighSize forces high for clusters at least this large on the
	// kinds listed in hardHighKinds
	HardHighSize int
}

// DefaultSeverityConfig returns the standard blending thresholds
func DefaultSeverityConfig() SeverityConfig {
	return SeverityConfig{
		HighAvgScore: 2.5,
		HighShare:    0.5,
		MedAvgScore:  1.5,
		MedShare:     0.3,
		HardHighSize: 10,
	}
}

func (c SeverityConfig) withDefaults() SeverityConfig {
	d := DefaultSeverityConfig()
	if c.HighAvgScore <= 0 {
		c.HighAvgScore = d.HighAvgScore
	}
	if c.HighShare <= 0 {
		c.HighShare = d.HighShare
	}
	if c.MedAvgScore <= 0 {
		c.MedAvgScore = d.MedAvgScore
	}
	if c.MedShare <= 0 {
		c.MedShare = d.MedShare
	}
	if c.HardHighSize <= 0 {
		c.HardHighSize = d.HardHighSize
	}
	return c
}

// hardHighKinds always escalate to high once a cluster is large enough,
// whatever the individual finding severities.
var hardHighKinds = map[string]bool{
	domain.KindTimeSLA:          true,
	domain.KindDeliveryFailed:   true,
	domain.KindPolicyMisapplied: true,
}

// maxSeverity folds a batch of findings to its highest severity
func maxSeverity(findings []*domain.Finding) domain.Severity {
	out := domain.SeverityLow
	for _, f := range findings {
		out = domain.MaxSeverity(out, f.Severity)
	}
	return out
}

// blendSeverity derives one insight severity from a cluster of findings
func blendSeverity(kind string, findings []*domain.Finding, config SeverityConfig) domain.Severity {
	if len(findings) == 0 {
		return domain.SeverityLow
	}

	if hardHighKinds[kind] && len(findings) >= config.HardHighSize {
		return domain.SeverityHigh
	}

	var total, high, medOrAbove int
	for _, f := range findings {
		total += f.Severity.Rank()
		if f.Severity == domain.SeverityHigh {
			high++
		}
		if f.Severity.Rank() >= domain.SeverityMed.Rank() {
			medOrAbove++
		}
	}

	count := float64(len(findings))
	avg := float64(total) / count

	if avg >= config.HighAvgScore || float64(high)/count >= config.HighShare {
		return domain.SeverityHigh
	}
	if avg >= config.MedAvgScore || float64(medOrAbove)/count >= config.MedShare {
		return domain.SeverityMed
	}
	return domain.SeverityLow
}
