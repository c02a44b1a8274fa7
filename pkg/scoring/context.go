// Package scoring produces the full finding list for one decision log:
// five built-in validators in a fixed order, then the active pack's
// custom validators through the sandbox.
package scoring

import (
	"context"
	"strconv"
	"time"

	"github.com/fathomlabs/verdict/pkg/domain"
	"github.com/fathomlabs/verdict/pkg/domainpack"
	"github.com/fathomlabs/verdict/pkg/knowledge"
	"github.com/fathomlabs/verdict/pkg/sandbox"
)

// Context is the per-record scoring context shared by all validators
type Context struct {
	ProjectID string
	CaseID    string
	Record    *domain.DecisionLog
	Pack      *domainpack.Pack
	Now       time.Time
	Knowledge []knowledge.Snippet
}

// slaContext derives the SLA override context from the record
func (c *Context) slaContext() domainpack.SLAContext {
	sc := domainpack.SLAContext{
		Channel: c.Record.Decision.Channel,
		Market:  c.Record.Event.Attributes["market"],
		Airport: c.Record.Event.Attributes["airport"],
	}
	if raw, ok := c.Record.Event.Attributes["delay_minutes"]; ok {
		if minutes, err := strconv.Atoi(raw); err == nil {
			sc.DelayMinutes = &minutes
		}
	}
	return sc
}

// sandboxInput converts the scoring context into the narrow view custom
// validators receive.
func (c *Context) sandboxInput() *sandbox.Input {
	return &sandbox.Input{
		ProjectID: c.ProjectID,
		CaseID:    c.CaseID,
		Record:    c.Record,
		Pack:      c.Pack,
		Now:       c.Now,
		Knowledge: c.Knowledge,
	}
}

// finding builds a builtin-validator finding stamped with the shared
// context fields. Details always carry the event type so clustering can
// use it.
func (c *Context) finding(kind string, severity domain.Severity, validator string, details map[string]string) domain.Finding {
	if details == nil {
		details = make(map[string]string, 1)
	}
	if _, ok := details[domain.DetailEventType]; !ok {
		details[domain.DetailEventType] = c.Record.Event.Type
	}
	return domain.Finding{
		ProjectID:     c.ProjectID,
		CaseID:        c.CaseID,
		Kind:          kind,
		Severity:      severity,
		Details:       details,
		ValidatorName: validator,
		CreatedAt:     c.Now,
	}
}

// BuiltinValidator is one of the five fixed scoring checks. Implementations
// return zero or more findings; "no violation" is an empty slice, never an
// error. Panics are recovered by the pipeline.
type BuiltinValidator struct {
	Name string
	Run  func(ctx context.Context, sc *Context) []domain.Finding
}
