package scoring

import (
	"context"

	"github.com/fathomlabs/verdict/pkg/domain"
)

// audienceValidator inspects recipient and compliance attributes on the
// event. Each check is independent; one record can produce several
// audience findings.
func audienceValidator() BuiltinValidator {
	return BuiltinValidator{
		Name: "builtin_audience",
		Run: func(ctx context.Context, sc *Context) []domain.Finding {
			attrs := sc.Record.Event.Attributes
			var findings []domain.Finding

			if attrs["recipient"] == "" && attrs["user_id"] == "" {
				f := sc.finding(domain.KindAudienceMissing, domain.SeverityHigh, "builtin_audience", nil)
				f.SuggestedFix = "Event carries no recipient or user identifier; the decision targeted nobody."
				findings = append(findings, f)
			}

			if attrs["consent_status"] == "invalid" {
				f := sc.finding(domain.KindAudienceConsentInvalid, domain.SeverityHigh, "builtin_audience", nil)
				f.SuggestedFix = "Recipient consent is invalid; message should not have been considered."
				findings = append(findings, f)
			}

			if attrs["blocklist_status"] == "blocked" {
				f := sc.finding(domain.KindAudienceBlocked, domain.SeverityHigh, "builtin_audience", nil)
				f.SuggestedFix = "Recipient is blocklisted; suppress decisions for this recipient."
				findings = append(findings, f)
			}

			if attrs["eligibility_status"] == "ineligible" {
				f := sc.finding(domain.KindAudienceIneligible, domain.SeverityMed, "builtin_audience", nil)
				f.SuggestedFix = "Recipient does not meet the eligibility criteria for this decision."
				findings = append(findings, f)
			}

			return findings
		},
	}
}
