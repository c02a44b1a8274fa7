// Package sandbox executes pack-supplied validator functions with
// bounded concurrency and per-call timeouts, so one validator's failure
// or hang never affects its siblings.
package sandbox

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/fathomlabs/verdict/pkg/domain"
	"github.com/fathomlabs/verdict/pkg/knowledge"
)

// PackHandle is the narrow pack view handed to custom validators
type PackHandle interface {
	ID() string
	KnowledgeText(ctx context.Context) string
	Mapping(ctx context.Context, name string) (map[string]any, bool)
}

// Input is the scoring context a custom validator receives
type Input struct {
	ProjectID string
	CaseID    string
	Record    *domain.DecisionLog
	Pack      PackHandle
	Now       time.Time
	Knowledge []knowledge.Snippet
}

// ValidatorFunc is a custom validator: zero or more findings per record.
// Only genuine failures return an error; "no violation" is an empty slice.
type ValidatorFunc func(ctx context.Context, in *Input) ([]domain.Finding, error)

// Registration describes one validator added to the sandbox
type Registration struct {
	Name        string
	Fn          ValidatorFunc
	Timeout     time.Duration // zero means the sandbox default
	Description string
	Version     string
}

// Result is the outcome of one validator execution. A timeout is not an
// error result: TimedOut is set and Err stays nil.
type Result struct {
	Name          string
	Success       bool
	Findings      []domain.Finding
	ExecutionTime time.Duration
	Err           error
	TimedOut      bool
}

// Stats tracks running execution statistics for one validator
type Stats struct {
	Invocations    int64
	Successes      int64
	Errors         int64
	Timeouts       int64
	TotalExecution time.Duration
}

// SuccessRate returns the fraction of invocations that succeeded
func (s Stats) SuccessRate() float64 {
	if s.Invocations == 0 {
		return 0
	}
	return float64(s.Successes) / float64(s.Invocations)
}

// AvgExecution returns the mean execution time per invocation
func (s Stats) AvgExecution() time.Duration {
	if s.Invocations == 0 {
		return 0
	}
	return s.TotalExecution / time.Duration(s.Invocations)
}

// Config configures the sandbox
type Config struct {
	Workers        int           // bounded-concurrency pool size
	DefaultTimeout time.Duration // per-call hard timeout
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		Workers:        4,
		DefaultTimeout: 30 * time.Second,
	}
}

// Sandbox is the bounded-concurrency validator executor
type Sandbox struct {
	logger *zap.Logger
	tracer trace.Tracer
	config Config
	slots  *semaphore.Weighted

	mu         sync.RWMutex
	validators map[string]Registration
	stats      map[string]*Stats
}

// New creates a sandbox with the given pool size and default timeout
func New(logger *zap.Logger, config Config) *Sandbox {
	if config.Workers <= 0 {
		config.Workers = 4
	}
	if config.DefaultTimeout <= 0 {
		config.DefaultTimeout = 30 * time.Second
	}
	return &Sandbox{
		logger:     logger,
		tracer:     otel.Tracer("verdict-sandbox"),
		config:     config,
		slots:      semaphore.NewWeighted(int64(config.Workers)),
		validators: make(map[string]Registration),
		stats:      make(map[string]*Stats),
	}
}

// Register adds a validator to the registry. Registering an existing
// name replaces it and resets nothing: stats continue to accumulate.
func (s *Sandbox) Register(reg Registration) error {
	if reg.Name == "" {
		return fmt.Errorf("validator name is required")
	}
	if reg.Fn == nil {
		return fmt.Errorf("validator %q has no function", reg.Name)
	}
	if reg.Timeout <= 0 {
		reg.Timeout = s.config.DefaultTimeout
	}

	s.mu.Lock()
	s.validators[reg.Name] = reg
	if s.stats[reg.Name] == nil {
		s.stats[reg.Name] = &Stats{}
	}
	s.mu.Unlock()

	s.logger.Debug("Validator registered",
		zap.String("name", reg.Name),
		zap.String("version", reg.Version),
		zap.Duration("timeout", reg.Timeout))
	return nil
}

// Registered reports whether a validator name is already in the registry
func (s *Sandbox) Registered(name string) bool {
	s.mu.RLock()
	_, ok := s.validators[name]
	s.mu.RUnlock()
	return ok
}

// ExecuteOne runs a named validator against one scoring context. The
// call blocks on a pool slot, then runs under a hard timeout; the
// timeout clock starts when execution starts, not at submission.
func (s *Sandbox) ExecuteOne(ctx context.Context, name string, in *Input) Result {
	s.mu.RLock()
	reg, ok := s.validators[name]
	s.mu.RUnlock()

	if !ok {
		return Result{Name: name, Err: fmt.Errorf("validator %q is not registered", name)}
	}

	if err := s.slots.Acquire(ctx, 1); err != nil {
		return Result{Name: name, Err: fmt.Errorf("sandbox slot: %w", err)}
	}

	return s.run(ctx, reg, in)
}

// run executes one validator with panic recovery and timeout. The pool
// slot is released when the function actually returns, so a hung
// validator keeps its slot but never blocks the caller past the timeout.
func (s *Sandbox) run(ctx context.Context, reg Registration, in *Input) Result {
	execCtx, span := s.tracer.Start(ctx, "sandbox.execute",
		trace.WithAttributes(attribute.String("validator", reg.Name)))
	defer span.End()

	execCtx, cancel := context.WithTimeout(execCtx, reg.Timeout)
	defer cancel()

	type outcome struct {
		findings []domain.Finding
		err      error
	}
	done := make(chan outcome, 1)
	start := time.Now()

	go func() {
		defer s.slots.Release(1)
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("validator panicked: %v", r)}
			}
		}()
		findings, err := reg.Fn(execCtx, in)
		done <- outcome{findings: findings, err: err}
	}()

	var result Result
	select {
	case out := <-done:
		elapsed := time.Since(start)
		if out.err != nil {
			result = Result{Name: reg.Name, Err: out.err, ExecutionTime: elapsed}
		} else {
			result = Result{
				Name:          reg.Name,
				Success:       true,
				Findings:      s.conformFindings(reg.Name, in, out.findings),
				ExecutionTime: elapsed,
			}
		}
	case <-execCtx.Done():
		elapsed := time.Since(start)
		if ctx.Err() != nil {
			result = Result{Name: reg.Name, Err: ctx.Err(), ExecutionTime: elapsed}
		} else {
			result = Result{Name: reg.Name, TimedOut: true, ExecutionTime: elapsed}
		}
	}

	s.record(reg.Name, result)

	span.SetAttributes(
		attribute.Bool("success", result.Success),
		attribute.Bool("timed_out", result.TimedOut),
		attribute.Int("findings", len(result.Findings)),
	)

	switch {
	case result.TimedOut:
		s.logger.Warn("Validator timed out",
			zap.String("validator", reg.Name),
			zap.Duration("timeout", reg.Timeout))
	case result.Err != nil:
		s.logger.Warn("Validator failed",
			zap.String("validator", reg.Name),
			zap.Error(result.Err))
	}

	return result
}

// ExecuteAll fans ExecuteOne out over every registered validator and
// collects all results regardless of individual failure. Sequential mode
// runs in name order for determinism.
func (s *Sandbox) ExecuteAll(ctx context.Context, in *Input, parallel bool) []Result {
	s.mu.RLock()
	names := make([]string, 0, len(s.validators))
	for name := range s.validators {
		names = append(names, name)
	}
	s.mu.RUnlock()
	sort.Strings(names)

	results := make([]Result, len(names))

	if !parallel {
		for i, name := range names {
			results[i] = s.ExecuteOne(ctx, name, in)
		}
		return results
	}

	var wg sync.WaitGroup
	for i, name := range names {
		wg.Add(1)
		go func(i int, name string) {
			defer wg.Done()
			results[i] = s.ExecuteOne(ctx, name, in)
		}(i, name)
	}
	wg.Wait()

	return results
}

// conformFindings validates returned findings and stamps the validator
// name on any that didn't set one. Findings with an invalid severity are
// logged and discarded rather than failing the execution.
func (s *Sandbox) conformFindings(name string, in *Input, findings []domain.Finding) []domain.Finding {
	out := make([]domain.Finding, 0, len(findings))
	for _, f := range findings {
		if !f.Severity.Valid() || f.Kind == "" {
			s.logger.Warn("Discarding malformed finding from validator",
				zap.String("validator", name),
				zap.String("kind", f.Kind),
				zap.String("severity", string(f.Severity)))
			continue
		}
		if f.ValidatorName == "" {
			f.ValidatorName = name
		}
		if f.ProjectID == "" {
			f.ProjectID = in.ProjectID
		}
		if f.CaseID == "" {
			f.CaseID = in.CaseID
		}
		out = append(out, f)
	}
	return out
}

func (s *Sandbox) record(name string, result Result) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.stats[name]
	if st == nil {
		st = &Stats{}
		s.stats[name] = st
	}
	st.Invocations++
	st.TotalExecution += result.ExecutionTime
	switch {
	case result.TimedOut:
		st.Timeouts++
	case result.Err != nil:
		st.Errors++
	default:
		st.Successes++
	}
}

// Stats returns a copy of one validator's statistics
func (s *Sandbox) Stats(name string) (Stats, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.stats[name]
	if !ok {
		return Stats{}, false
	}
	return *st, true
}

// AggregateStats returns combined statistics across all validators
func (s *Sandbox) AggregateStats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var total Stats
	for _, st := range s.stats {
		total.Invocations += st.Invocations
		total.Successes += st.Successes
		total.Errors += st.Errors
		total.Timeouts += st.Timeouts
		total.TotalExecution += st.TotalExecution
	}
	return total
}
