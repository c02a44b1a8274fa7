package scoring

import (
	"context"

	"github.com/fathomlabs/verdict/pkg/domain"
)

// deliveryValidator maps terminal decision statuses to findings. OK
// decisions with a validated audience produce nothing.
func deliveryValidator() BuiltinValidator {
	return BuiltinValidator{
		Name: "builtin_delivery",
		Run: func(ctx context.Context, sc *Context) []domain.Finding {
			var findings []domain.Finding
			channel := sc.Record.Decision.Channel

			switch sc.Record.Decision.Status {
			case domain.StatusFailed:
				f := sc.finding(domain.KindDeliveryFailed, domain.SeverityHigh, "builtin_delivery", map[string]string{
					domain.DetailChannel: channel,
				})
				f.SuggestedFix = "Delivery failed outright; check the downstream channel integration."
				findings = append(findings, f)
			case domain.StatusSkipped:
				f := sc.finding(domain.KindDeliverySkipped, domain.SeverityMed, "builtin_delivery", map[string]string{
					domain.DetailChannel: channel,
				})
				f.SuggestedFix = "Decision was skipped; confirm the skip condition was intentional."
				findings = append(findings, f)
			case domain.StatusRetry:
				f := sc.finding(domain.KindDeliveryRetry, domain.SeverityMed, "builtin_delivery", map[string]string{
					domain.DetailChannel: channel,
				})
				f.SuggestedFix = "Decision ended in retry; a terminal outcome was never reached."
				findings = append(findings, f)
			}

			if av := sc.Record.Decision.AudienceValidated; av != nil && !*av {
				f := sc.finding(domain.KindDeliveryAudienceInvalid, domain.SeverityHigh, "builtin_delivery", map[string]string{
					domain.DetailChannel: channel,
				})
				f.SuggestedFix = "Decision proceeded despite audience validation failing."
				findings = append(findings, f)
			}

			return findings
		},
	}
}
