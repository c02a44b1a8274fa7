package scoring

import (
	"context"
	"strconv"

	"github.com/fathomlabs/verdict/pkg/domain"
)

// DefaultSLAHighMultiplier marks breaches beyond this multiple of the
// SLA as high severity.
const DefaultSLAHighMultiplier = 2.0

// slaValidator flags decisions whose latency exceeds the pack's SLA for
// the event type. The SLA is resolved through the pack's override chain
// (channel, market, airport, delay window) before comparison.
func slaValidator(multiplier float64) BuiltinValidator {
	if multiplier <= 1 {
		multiplier = DefaultSLAHighMultiplier
	}
	return BuiltinValidator{
		Name: "builtin_sla",
		Run: func(ctx context.Context, sc *Context) []domain.Finding {
			slaMS := sc.Pack.SLAForEvent(ctx, sc.Record.Event.Type, sc.slaContext())
			if slaMS <= 0 {
				return nil
			}

			latency := sc.Record.Decision.LatencyMS
			if latency <= slaMS {
				return nil
			}

			severity := domain.SeverityMed
			if float64(latency) > multiplier*float64(slaMS) {
				severity = domain.SeverityHigh
			}

			overage := latency - slaMS
			f := sc.finding(domain.KindTimeSLA, severity, "builtin_sla", map[string]string{
				"sla_ms":      strconv.FormatInt(slaMS, 10),
				"latency_ms":  strconv.FormatInt(latency, 10),
				"overage_ms":  strconv.FormatInt(overage, 10),
				"overage_pct": strconv.FormatFloat(float64(overage)/float64(slaMS)*100, 'f', 1, 64),
			})
			f.SuggestedFix = "Review processing latency for this event type; the decision completed after its SLA window."
			return []domain.Finding{f}
		},
	}
}
