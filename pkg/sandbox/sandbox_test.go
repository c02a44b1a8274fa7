package sandbox

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fathomlabs/verdict/pkg/domain"
)

func testInput() *Input {
	return &Input{
		ProjectID: "proj-1",
		CaseID:    "case-1",
		Record: &domain.DecisionLog{
			ProjectID: "proj-1",
			CaseID:    "case-1",
			Event:     domain.Event{Type: "Delay"},
			Decision:  domain.Decision{Action: "notify", Status: domain.StatusOK},
		},
		Now: time.Now(),
	}
}

func TestExecuteOne_Success(t *testing.T) {
	s := New(zap.NewNop(), DefaultConfig())
	require.NoError(t, s.Register(Registration{
		Name: "always-finds",
		Fn: func(ctx context.Context, in *Input) ([]domain.Finding, error) {
			return []domain.Finding{{
				Kind:     "Custom.Check",
				Severity: domain.SeverityLow,
			}}, nil
		},
	}))

	result := s.ExecuteOne(context.Background(), "always-finds", testInput())

	assert.True(t, result.Success)
	assert.False(t, result.TimedOut)
	require.Len(t, result.Findings, 1)
	assert.Equal(t, "always-finds", result.Findings[0].ValidatorName)
	assert.Equal(t, "proj-1", result.Findings[0].ProjectID)
	assert.Equal(t, "case-1", result.Findings[0].CaseID)
}

func TestExecuteOne_NotRegistered(t *testing.T) {
	s := New(zap.NewNop(), DefaultConfig())

	result := s.ExecuteOne(context.Background(), "missing", testInput())

	assert.False(t, result.Success)
	assert.Error(t, result.Err)
}

func TestExecuteOne_Error(t *testing.T) {
	s := New(zap.NewNop(), DefaultConfig())
	require.NoError(t, s.Register(Registration{
		Name: "broken",
		Fn: func(ctx context.Context, in *Input) ([]domain.Finding, error) {
			return nil, errors.New("boom")
		},
	}))

	result := s.ExecuteOne(context.Background(), "broken", testInput())

	assert.False(t, result.Success)
	assert.False(t, result.TimedOut)
	assert.ErrorContains(t, result.Err, "boom")

	stats, ok := s.Stats("broken")
	require.True(t, ok)
	assert.Equal(t, int64(1), stats.Invocations)
	assert.Equal(t, int64(1), stats.Errors)
}

func TestExecuteOne_PanicRecovered(t *testing.T) {
	s := New(zap.NewNop(), DefaultConfig())
	require.NoError(t, s.Register(Registration{
		Name: "panicky",
		Fn: func(ctx context.Context, in *Input) ([]domain.Finding, error) {
			panic("unexpected")
		},
	}))

	result := s.ExecuteOne(context.Background(), "panicky", testInput())

	assert.False(t, result.Success)
	assert.ErrorContains(t, result.Err, "panicked")
}

func TestExecuteOne_Timeout(t *testing.T) {
	s := New(zap.NewNop(), DefaultConfig())
	require.NoError(t, s.Register(Registration{
		Name:    "sleeper",
		Timeout: 20 * time.Millisecond,
		Fn: func(ctx context.Context, in *Input) ([]domain.Finding, error) {
			select {
			case <-time.After(2 * time.Second):
			case <-ctx.Done():
			}
			return nil, nil
		},
	}))

	result := s.ExecuteOne(context.Background(), "sleeper", testInput())

	assert.False(t, result.Success)
	assert.True(t, result.TimedOut)
	assert.NoError(t, result.Err)

	stats, ok := s.Stats("sleeper")
	require.True(t, ok)
	assert.Equal(t, int64(1), stats.Timeouts)
}

func TestExecuteAll_TimeoutIsolation(t *testing.T) {
	s := New(zap.NewNop(), Config{Workers: 4, DefaultTimeout: time.Second})

	require.NoError(t, s.Register(Registration{
		Name:    "hangs",
		Timeout: 20 * time.Millisecond,
		Fn: func(ctx context.Context, in *Input) ([]domain.Finding, error) {
			<-ctx.Done()
			return nil, nil
		},
	}))
	require.NoError(t, s.Register(Registration{
		Name: "healthy",
		Fn: func(ctx context.Context, in *Input) ([]domain.Finding, error) {
			return []domain.Finding{{Kind: "Custom.OK", Severity: domain.SeverityLow}}, nil
		},
	}))

	results := s.ExecuteAll(context.Background(), testInput(), true)
	require.Len(t, results, 2)

	byName := map[string]Result{}
	for _, r := range results {
		byName[r.Name] = r
	}

	assert.True(t, byName["hangs"].TimedOut)
	assert.True(t, byName["healthy"].Success)
	assert.Len(t, byName["healthy"].Findings, 1)
}

func TestExecuteAll_SequentialOrder(t *testing.T) {
	s := New(zap.NewNop(), DefaultConfig())
	noop := func(ctx context.Context, in *Input) ([]domain.Finding, error) { return nil, nil }

	require.NoError(t, s.Register(Registration{Name: "zulu", Fn: noop}))
	require.NoError(t, s.Register(Registration{Name: "alpha", Fn: noop}))

	results := s.ExecuteAll(context.Background(), testInput(), false)
	require.Len(t, results, 2)
	assert.Equal(t, "alpha", results[0].Name)
	assert.Equal(t, "zulu", results[1].Name)
}

func TestConformFindings_DiscardsMalformed(t *testing.T) {
	s := New(zap.NewNop(), DefaultConfig())
	require.NoError(t, s.Register(Registration{
		Name: "sloppy",
		Fn: func(ctx context.Context, in *Input) ([]domain.Finding, error) {
			return []domain.Finding{
				{Kind: "Custom.Valid", Severity: domain.SeverityMed},
				{Kind: "Custom.BadSeverity", Severity: "catastrophic"},
				{Kind: "", Severity: domain.SeverityLow},
			}, nil
		},
	}))

	result := s.ExecuteOne(context.Background(), "sloppy", testInput())

	assert.True(t, result.Success)
	require.Len(t, result.Findings, 1)
	assert.Equal(t, "Custom.Valid", result.Findings[0].Kind)
}

func TestStats_Aggregate(t *testing.T) {
	s := New(zap.NewNop(), DefaultConfig())
	require.NoError(t, s.Register(Registration{
		Name: "ok",
		Fn:   func(ctx context.Context, in *Input) ([]domain.Finding, error) { return nil, nil },
	}))

	for i := 0; i < 3; i++ {
		s.ExecuteOne(context.Background(), "ok", testInput())
	}

	stats, found := s.Stats("ok")
	require.True(t, found)
	assert.Equal(t, int64(3), stats.Invocations)
	assert.Equal(t, 1.0, stats.SuccessRate())

	agg := s.AggregateStats()
	assert.Equal(t, int64(3), agg.Invocations)
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	r.Register("latency_spike", func(ctx context.Context, in *Input) ([]domain.Finding, error) {
		return nil, nil
	})

	_, ok := r.Resolve("latency_spike")
	assert.True(t, ok)
	_, ok = r.Resolve("unknown")
	assert.False(t, ok)
	assert.Contains(t, r.EntryPoints(), "latency_spike")
}
