package insight

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/fathomlabs/verdict/pkg/domain"
	"github.com/fathomlabs/verdict/pkg/knowledge"
)

// narrative is the human-readable face of an insight
type narrative struct {
	Title        string
	Summary      string
	SuggestedFix string
	Tags         []string
}

// buildNarrative produces the title, summary and suggested fix for a
// cluster. Wording is kind-specific; unknown kinds get a generic frame.
func buildNarrative(ctx context.Context, provider knowledge.Provider, projectID, kind string, findings []*domain.Finding) narrative {
	rep := findings[0]
	cases := uniqueCaseCount(findings)
	eventType := rep.Detail(domain.DetailEventType)
	channel := rep.Detail(domain.DetailChannel)

	var n narrative
	switch {
	case kind == domain.KindTimeSLA:
		n.Title = fmt.Sprintf("SLA breaches for %s", eventType)
		n.Summary = fmt.Sprintf("%d decisions for %s exceeded their SLA window (average overage %s).",
			cases, eventType, avgOverage(findings))
		n.SuggestedFix = "Investigate processing latency for this event type; consider raising capacity or revisiting the SLA."
		n.Tags = []string{"timing", eventType}

	case kind == domain.KindTemplateSelect:
		n.Title = fmt.Sprintf("Template mismatches for %s", eventType)
		n.Summary = fmt.Sprintf("%d decisions for %s selected a template outside the pack's selection mapping.",
			cases, eventType)
		n.SuggestedFix = "Review the template selection mapping against what the decision engine actually picks."
		n.Tags = []string{"content", eventType}
		if channel != "" {
			n.Tags = append(n.Tags, channel)
		}

	case kind == domain.KindPolicyMisapplied:
		ruleID := rep.Detail(domain.DetailRuleID)
		n.Title = fmt.Sprintf("Rule %s repeatedly violated", ruleID)
		n.Summary = fmt.Sprintf("%d decisions did not satisfy rule %s.", cases, ruleID)
		n.SuggestedFix = "Check whether the rule or the decision logic is wrong; one of them is out of date."
		n.Tags = []string{"policy", ruleID}

	case strings.HasPrefix(kind, "Delivery."):
		n.Title = fmt.Sprintf("%s recurring on %s", deliveryLabel(kind), orUnknown(channel))
		n.Summary = fmt.Sprintf("%d decisions ended in %s on channel %s.",
			cases, strings.ToLower(deliveryLabel(kind)), orUnknown(channel))
		n.SuggestedFix = "Recurring terminal failures on one channel usually mean a downstream integration problem."
		n.Tags = []string{"delivery", orUnknown(channel)}

	case strings.HasPrefix(kind, "Audience."):
		n.Title = fmt.Sprintf("Audience issues: %s", strings.TrimPrefix(kind, "Audience."))
		n.Summary = fmt.Sprintf("%d decisions targeted recipients with audience or compliance problems.", cases)
		n.SuggestedFix = "Audit the audience resolution step feeding these decisions."
		n.Tags = []string{"audience"}

	default:
		n.Title = fmt.Sprintf("%s recurring", kind)
		n.Summary = fmt.Sprintf("%d decisions produced %s findings.", cases, kind)
		n.Tags = []string{"custom"}
	}

	// Prefer a validator-authored fix when the whole cluster agrees on one.
	if fix := commonSuggestedFix(findings); fix != "" {
		n.SuggestedFix = fix
	}

	// Enrich the summary with pack knowledge when a relevant snippet exists.
	if provider != nil {
		query := kind + " " + eventType + " " + channel
		if snippets, err := provider.Search(ctx, projectID, query, 1); err == nil && len(snippets) > 0 {
			n.Summary += " Pack guidance: " + firstSentence(snippets[0].Text)
		}
	}

	return n
}

func uniqueCaseCount(findings []*domain.Finding) int {
	seen := make(map[string]bool, len(findings))
	for _, f := range findings {
		seen[f.CaseID] = true
	}
	return len(seen)
}

func avgOverage(findings []*domain.Finding) string {
	var total, counted int64
	for _, f := range findings {
		if raw := f.Detail("overage_ms"); raw != "" {
			if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
				total += ms
				counted++
			}
		}
	}
	if counted == 0 {
		return "unknown"
	}
	return fmt.Sprintf("%ds", total/counted/1000)
}

// commonSuggestedFix returns the fix text shared by every finding that
// carries one, or "" when they disagree.
func commonSuggestedFix(findings []*domain.Finding) string {
	fix := ""
	for _, f := range findings {
		if f.SuggestedFix == "" {
			continue
		}
		if fix == "" {
			fix = f.SuggestedFix
		} else if fix != f.SuggestedFix {
			return ""
		}
	}
	return fix
}

func deliveryLabel(kind string) string {
	switch kind {
	case domain.KindDeliveryFailed:
		return "Delivery failures"
	case domain.KindDeliverySkipped:
		return "Skipped deliveries"
	case domain.KindDeliveryRetry:
		return "Delivery retries"
	case domain.KindDeliveryAudienceInvalid:
		return "Invalid-audience deliveries"
	default:
		return kind
	}
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}

func firstSentence(text string) string {
	text = strings.TrimSpace(text)
	if idx := strings.IndexAny(text, ".\n"); idx > 0 {
		return strings.TrimSpace(text[:idx+1])
	}
	return text
}
