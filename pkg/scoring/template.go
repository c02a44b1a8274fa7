package scoring

import (
	"context"
	"strings"

	"github.com/fathomlabs/verdict/pkg/domain"
)

// templateSelectionMapping is the pack mapping document consulted for
// expected template lookups.
const templateSelectionMapping = "template_selection"

// actionCategories maps action substrings to template categories, checked
// in order so "notification" wins over "notify".
var actionCategories = []struct {
	marker   string
	category string
}{
	{"notification", "Notification"},
	{"notify", "Notification"},
	{"alert", "Alert"},
	{"update", "Update"},
	{"remind", "Reminder"},
}

// templateValidator checks the selected template against the pack's
// template-selection mapping. Actions that map to no category, and
// categories the pack does not cover, produce no finding.
func templateValidator() BuiltinValidator {
	return BuiltinValidator{
		Name: "builtin_template",
		Run: func(ctx context.Context, sc *Context) []domain.Finding {
			category := categorizeAction(sc.Record.Decision.Action)
			if category == "" {
				return nil
			}

			mapping, ok := sc.Pack.Mapping(ctx, templateSelectionMapping)
			if !ok {
				return nil
			}
			entry, ok := mapping[category].(map[string]any)
			if !ok {
				return nil
			}

			expected := expectedTemplate(entry, sc.Record)
			if expected == "" || expected == sc.Record.Decision.TemplateID {
				return nil
			}

			f := sc.finding(domain.KindTemplateSelect, domain.SeverityMed, "builtin_template", map[string]string{
				domain.DetailTemplateID: sc.Record.Decision.TemplateID,
				"expected_template":     expected,
				"category":              category,
				domain.DetailChannel:    sc.Record.Decision.Channel,
			})
			f.SuggestedFix = "Selected template does not match the pack's template-selection mapping for this context; check the selection rules for category " + category + "."
			return []domain.Finding{f}
		},
	}
}

func categorizeAction(action string) string {
	lower := strings.ToLower(action)
	for _, ac := range actionCategories {
		if strings.Contains(lower, ac.marker) {
			return ac.category
		}
	}
	return ""
}

// expectedTemplate resolves the expected template for a category entry.
// Override tables are consulted in priority order (channel, priority,
// urgency, frequency) before falling back to the default.
func expectedTemplate(entry map[string]any, record *domain.DecisionLog) string {
	overrides := []struct {
		table string
		key   string
	}{
		{"channel", record.Decision.Channel},
		{"priority", record.Event.Attributes["priority"]},
		{"urgency", record.Event.Attributes["urgency"]},
		{"frequency", record.Event.Attributes["frequency"]},
	}
	for _, o := range overrides {
		if o.key == "" {
			continue
		}
		table, ok := entry[o.table].(map[string]any)
		if !ok {
			continue
		}
		if tpl, ok := table[o.key].(string); ok && tpl != "" {
			return tpl
		}
	}
	if tpl, ok := entry["default"].(string); ok {
		return tpl
	}
	return ""
}
