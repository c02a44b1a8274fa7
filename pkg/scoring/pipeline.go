package scoring

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fathomlabs/verdict/pkg/domain"
	"github.com/fathomlabs/verdict/pkg/domainpack"
	"github.com/fathomlabs/verdict/pkg/knowledge"
	"github.com/fathomlabs/verdict/pkg/sandbox"
)

// Config configures the scoring pipeline
type Config struct {
	// SLAHighMultiplier escalates SLA breaches beyond this multiple of
	// the SLA to high severity
	SLAHighMultiplier float64
	// KnowledgeLimit caps the snippets fetched per record
	KnowledgeLimit int
	// ParallelCustom runs custom validators concurrently
	ParallelCustom bool
	// FindingTTL is the retention window stamped on sealed findings
	FindingTTL time.Duration
	// Clock overrides the wall clock, nil means time.Now
	Clock func() time.Time
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		SLAHighMultiplier: DefaultSLAHighMultiplier,
		KnowledgeLimit:    3,
		ParallelCustom:    true,
		FindingTTL:        domain.DefaultFindingTTL,
	}
}

// Pipeline scores decision logs: built-in validators first, in a fixed
// order, then the active pack's custom validators through the sandbox.
// One failing validator never suppresses the others' findings.
type Pipeline struct {
	logger    *zap.Logger
	loader    *domainpack.Loader
	sandbox   *sandbox.Sandbox
	registry  *sandbox.Registry
	knowledge knowledge.Provider
	config    Config
	builtins  []BuiltinValidator
	tracer    trace.Tracer
}

// New creates a scoring pipeline. The knowledge provider may be nil;
// scoring then runs without snippet context.
func New(logger *zap.Logger, loader *domainpack.Loader, sb *sandbox.Sandbox, registry *sandbox.Registry, provider knowledge.Provider, config Config) *Pipeline {
	if config.KnowledgeLimit <= 0 {
		config.KnowledgeLimit = 3
	}
	if config.FindingTTL <= 0 {
		config.FindingTTL = domain.DefaultFindingTTL
	}
	if config.Clock == nil {
		config.Clock = time.Now
	}

	return &Pipeline{
		logger:    logger,
		loader:    loader,
		sandbox:   sb,
		registry:  registry,
		knowledge: provider,
		config:    config,
		builtins: []BuiltinValidator{
			slaValidator(config.SLAHighMultiplier),
			templateValidator(),
			policyValidator(),
			deliveryValidator(),
			audienceValidator(),
		},
		tracer: otel.Tracer("verdict-scoring"),
	}
}

// Score runs every validator against one decision log and returns the
// sealed findings. It fails only when no pack, not even the fallback,
// can be resolved; individual validator failures degrade to warnings
// or Validator.Error findings.
func (p *Pipeline) Score(ctx context.Context, record *domain.DecisionLog) ([]domain.Finding, error) {
	if record == nil {
		return nil, fmt.Errorf("nil decision log")
	}
	if record.ProjectID == "" || record.CaseID == "" {
		return nil, fmt.Errorf("decision log missing project or case id")
	}

	ctx, span := p.tracer.Start(ctx, "scoring.score",
		trace.WithAttributes(
			attribute.String("project.id", record.ProjectID),
			attribute.String("case.id", record.CaseID),
		))
	defer span.End()

	// Step 1: resolve the pack; this is the only fatal failure
	pack, usedFallback, err := p.loader.Load(ctx, record.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("resolve pack for project %s: %w", record.ProjectID, err)
	}
	if usedFallback {
		p.logger.Debug("scoring with fallback pack",
			zap.String("project_id", record.ProjectID),
			zap.String("pack_id", pack.ID()))
	}

	sc := &Context{
		ProjectID: record.ProjectID,
		CaseID:    record.CaseID,
		Record:    record,
		Pack:      pack,
		Now:       p.config.Clock().UTC(),
	}

	// Step 2: fetch knowledge context, best effort
	if p.knowledge != nil {
		query := record.Event.Type + " " + record.Decision.Action
		snippets, kerr := p.knowledge.Search(ctx, record.ProjectID, query, p.config.KnowledgeLimit)
		if kerr != nil {
			p.logger.Debug("knowledge lookup failed",
				zap.String("project_id", record.ProjectID),
				zap.Error(kerr))
		} else {
			sc.Knowledge = snippets
		}
	}

	// Step 3: built-in validators in fixed order, each isolated
	var findings []domain.Finding
	for _, builtin := range p.builtins {
		findings = append(findings, p.runBuiltin(ctx, builtin, sc)...)
	}

	// Step 4: bind the pack's declared validators to registered entry points
	p.bindCustomValidators(ctx, pack)

	// Step 5: custom validators through the sandbox
	results := p.sandbox.ExecuteAll(ctx, sc.sandboxInput(), p.config.ParallelCustom)
	for _, result := range results {
		switch {
		case result.Success:
			findings = append(findings, result.Findings...)
		case result.TimedOut:
			p.logger.Warn("custom validator timed out",
				zap.String("validator", result.Name),
				zap.String("case_id", record.CaseID),
				zap.Duration("execution_time", result.ExecutionTime))
		case result.Err != nil:
			findings = append(findings, p.validatorErrorFinding(sc, result))
		}
	}

	// Step 6: seal for persistence
	for i := range findings {
		findings[i].Seal(sc.Now, p.config.FindingTTL)
	}

	span.SetAttributes(attribute.Int("findings.count", len(findings)))
	p.logger.Debug("scored decision log",
		zap.String("project_id", record.ProjectID),
		zap.String("case_id", record.CaseID),
		zap.Int("findings", len(findings)))

	return findings, nil
}

// runBuiltin executes one built-in validator with panic isolation
func (p *Pipeline) runBuiltin(ctx context.Context, builtin BuiltinValidator, sc *Context) (findings []domain.Finding) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("builtin validator panicked",
				zap.String("validator", builtin.Name),
				zap.String("case_id", sc.CaseID),
				zap.Any("panic", r))
			findings = nil
		}
	}()
	return builtin.Run(ctx, sc)
}

// bindCustomValidators registers the pack's declared validators with the
// sandbox. Registration is idempotent per name; descriptors whose entry
// point has no compiled-in implementation are skipped with a warning.
func (p *Pipeline) bindCustomValidators(ctx context.Context, pack *domainpack.Pack) {
	for _, desc := range pack.Validators(ctx) {
		if p.sandbox.Registered(desc.Name) {
			continue
		}
		fn, ok := p.registry.Resolve(desc.EntryPoint)
		if !ok {
			p.logger.Warn("validator entry point not registered",
				zap.String("validator", desc.Name),
				zap.String("entry_point", desc.EntryPoint),
				zap.String("pack_id", pack.ID()))
			continue
		}
		reg := sandbox.Registration{
			Name:        desc.Name,
			Fn:          fn,
			Description: desc.Description,
			Version:     desc.Version,
		}
		if desc.TimeoutSeconds > 0 {
			reg.Timeout = time.Duration(desc.TimeoutSeconds) * time.Second
		}
		if err := p.sandbox.Register(reg); err != nil {
			p.logger.Warn("validator registration failed",
				zap.String("validator", desc.Name),
				zap.Error(err))
		}
	}
}

// validatorErrorFinding synthesizes the low-severity finding recorded
// when a custom validator fails outright. Timeouts do not reach here.
func (p *Pipeline) validatorErrorFinding(sc *Context, result sandbox.Result) domain.Finding {
	f := sc.finding(domain.KindValidatorError, domain.SeverityLow, result.Name, map[string]string{
		"validator": result.Name,
		"error":     result.Err.Error(),
	})
	f.SuggestedFix = "Custom validator " + result.Name + " failed; inspect its error and the pack's validator manifest."
	return f
}
