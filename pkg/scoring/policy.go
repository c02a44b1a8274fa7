package scoring

import (
	"context"

	"github.com/fathomlabs/verdict/pkg/domain"
)

// policyValidator evaluates every pack rule whose predicate matches the
// record and emits one Policy.Misapplied finding per unmet expectation.
func policyValidator() BuiltinValidator {
	return BuiltinValidator{
		Name: "builtin_policy",
		Run: func(ctx context.Context, sc *Context) []domain.Finding {
			rules := sc.Pack.Rules(ctx)
			if rules == nil || len(rules.Rules) == 0 {
				return nil
			}

			var findings []domain.Finding
			for _, rule := range rules.Rules {
				if !rule.Applies(sc.Record) {
					continue
				}
				met, reason := rule.CheckExpectation(sc.Record)
				if met {
					continue
				}

				f := sc.finding(domain.KindPolicyMisapplied, rule.FindingSeverity(), "builtin_policy", map[string]string{
					domain.DetailRuleID: rule.ID,
					"reason":            reason,
				})
				if rule.Description != "" {
					f.SuggestedFix = "Rule " + rule.ID + " was not honored: " + rule.Description
				} else {
					f.SuggestedFix = "Decision does not satisfy rule " + rule.ID + "; " + reason + "."
				}
				findings = append(findings, f)
			}
			return findings
		},
	}
}
