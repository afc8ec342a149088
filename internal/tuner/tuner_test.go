package tuner

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/indexpilot/indexpilot/internal/candidate"
	"github.com/indexpilot/indexpilot/internal/db"
	"github.com/indexpilot/indexpilot/internal/workload"
)

// fakeEstimator maps configuration identity to a fixed cost. Unknown
// configurations fall back to the baseline so an unhelpful candidate simply
// shows no benefit.
type fakeEstimator struct {
	baseline  float64
	costs     map[string]float64
	calls     []string
	cancelAt  int    // fail with context.Canceled on the nth call, 0 disables
	timeoutOn string // configurations containing this key time out
}

func (f *fakeEstimator) ConfigurationCost(ctx context.Context, wl *workload.Workload, cfg []candidate.Index) (float64, error) {
	f.calls = append(f.calls, candidate.ConfigKey(cfg))
	if f.cancelAt > 0 && len(f.calls) >= f.cancelAt {
		return 0, context.Canceled
	}
	if f.timeoutOn != "" && strings.Contains(candidate.ConfigKey(cfg), f.timeoutOn) {
		return 0, &db.TimeoutError{Statement: "SELECT 1", Timeout: time.Second}
	}
	if cost, ok := f.costs[candidate.ConfigKey(cfg)]; ok {
		return cost, nil
	}
	return f.baseline, nil
}

func idx(table string, size int64, cols ...string) candidate.Index {
	return candidate.Index{Table: table, Columns: cols, EstimatedSizeBytes: size}
}

func cfgKey(indexes ...candidate.Index) string {
	return candidate.ConfigKey(indexes)
}

func someWorkload(t *testing.T) *workload.Workload {
	t.Helper()
	wl, err := workload.FromStatements([]string{"SELECT * FROM orders WHERE customer_id = 42"})
	require.NoError(t, err)
	return wl
}

func TestRecommend_PicksBeneficialIndex(t *testing.T) {
	helpful := idx("orders", 1000, "customer_id")
	est := &fakeEstimator{
		baseline: 1000,
		costs: map[string]float64{
			cfgKey():        1000,
			cfgKey(helpful): 100,
		},
	}
	engine := NewEngine(est, 0.01, 0)

	rec, err := engine.Recommend(context.Background(), someWorkload(t), []candidate.Index{helpful}, -1)
	require.NoError(t, err)

	require.Len(t, rec.Configuration, 1)
	assert.Equal(t, "orders(customer_id)", rec.Configuration[0].Key())
	assert.Equal(t, 1000.0, rec.BaselineCost)
	assert.Equal(t, 100.0, rec.FinalCost)
	assert.InDelta(t, 0.9, rec.ImprovementRatio, 1e-9)
	assert.False(t, rec.IsPartial)
}

func TestRecommend_EmptyWorkload(t *testing.T) {
	engine := NewEngine(&fakeEstimator{}, 0.01, 0)

	rec, err := engine.Recommend(context.Background(), &workload.Workload{}, nil, -1)
	require.NoError(t, err)
	assert.Empty(t, rec.Configuration)
	assert.False(t, rec.IsPartial)
}

func TestRecommend_BelowThresholdRejected(t *testing.T) {
	marginal := idx("orders", 1000, "status")
	est := &fakeEstimator{
		baseline: 1000,
		costs: map[string]float64{
			cfgKey():         1000,
			cfgKey(marginal): 995, // 0.5% improvement, threshold is 1%
		},
	}
	engine := NewEngine(est, 0.01, 0)

	rec, err := engine.Recommend(context.Background(), someWorkload(t), []candidate.Index{marginal}, -1)
	require.NoError(t, err)

	assert.Empty(t, rec.Configuration)
	assert.Equal(t, rec.BaselineCost, rec.FinalCost)
}

func TestRecommend_BudgetNeverExceeded(t *testing.T) {
	a := idx("orders", 600, "a")
	b := idx("orders", 600, "b")
	est := &fakeEstimator{
		baseline: 1000,
		costs: map[string]float64{
			cfgKey():     1000,
			cfgKey(a):    500,
			cfgKey(b):    600,
			cfgKey(a, b): 100,
		},
	}
	engine := NewEngine(est, 0.01, 0)

	rec, err := engine.Recommend(context.Background(), someWorkload(t), []candidate.Index{a, b}, 1000)
	require.NoError(t, err)

	// Both fit individually but not together.
	require.Len(t, rec.Configuration, 1)
	assert.LessOrEqual(t, rec.TotalStorageBytes, int64(1000))
}

func TestRecommend_OversizedCandidateNeverEvaluated(t *testing.T) {
	huge := idx("orders", 10_000, "wide_col")
	est := &fakeEstimator{
		baseline: 1000,
		costs:    map[string]float64{cfgKey(): 1000},
	}
	engine := NewEngine(est, 0.01, 0)

	_, err := engine.Recommend(context.Background(), someWorkload(t), []candidate.Index{huge}, 100)
	require.NoError(t, err)

	for _, call := range est.calls {
		assert.NotContains(t, call, "wide_col")
	}
}

func TestRecommend_GreedyBenefitToSizeOrder(t *testing.T) {
	cheap := idx("orders", 100, "a")  // benefit 200, ratio 2.0
	bulky := idx("orders", 1000, "b") // benefit 400, ratio 0.4
	est := &fakeEstimator{
		baseline: 1000,
		costs: map[string]float64{
			cfgKey():             1000,
			cfgKey(cheap):        800,
			cfgKey(bulky):        600,
			cfgKey(cheap, bulky): 500,
		},
	}
	engine := NewEngine(est, 0.01, 0)

	rec, err := engine.Recommend(context.Background(), someWorkload(t), []candidate.Index{bulky, cheap}, -1)
	require.NoError(t, err)

	require.Len(t, rec.Configuration, 2)
	assert.Equal(t, "orders(a)", rec.Configuration[0].Key(), "higher ratio picked first")
	assert.Equal(t, 500.0, rec.FinalCost)
}

func TestRecommend_MonotonicUnderIterationCap(t *testing.T) {
	a := idx("orders", 100, "a")
	b := idx("orders", 100, "b")
	est := func() *fakeEstimator {
		return &fakeEstimator{
			baseline: 1000,
			costs: map[string]float64{
				cfgKey():     1000,
				cfgKey(a):    700,
				cfgKey(b):    800,
				cfgKey(a, b): 500,
			},
		}
	}

	one, err := NewEngine(est(), 0.01, 1).Recommend(context.Background(), someWorkload(t), []candidate.Index{a, b}, -1)
	require.NoError(t, err)
	two, err := NewEngine(est(), 0.01, 2).Recommend(context.Background(), someWorkload(t), []candidate.Index{a, b}, -1)
	require.NoError(t, err)

	assert.True(t, one.IsPartial)
	assert.LessOrEqual(t, two.FinalCost, one.FinalCost, "more budget never yields a worse answer")
	assert.LessOrEqual(t, one.FinalCost, one.BaselineCost)
}

func TestRecommend_TieBreakDeterministic(t *testing.T) {
	// Identical benefit and size: identity decides, regardless of input order.
	x := idx("orders", 100, "x")
	y := idx("orders", 100, "y")
	costs := map[string]float64{
		cfgKey():     1000,
		cfgKey(x):    500,
		cfgKey(y):    500,
		cfgKey(x, y): 400,
		cfgKey(y, x): 400,
	}

	for _, pool := range [][]candidate.Index{{x, y}, {y, x}} {
		est := &fakeEstimator{baseline: 1000, costs: costs}
		rec, err := NewEngine(est, 0.01, 0).Recommend(context.Background(), someWorkload(t), pool, -1)
		require.NoError(t, err)
		require.NotEmpty(t, rec.Configuration)
		assert.Equal(t, "orders(x)", rec.Configuration[0].Key())
	}
}

func TestRecommend_CancellationYieldsPartial(t *testing.T) {
	a := idx("orders", 100, "a")
	b := idx("orders", 100, "b")
	est := &fakeEstimator{
		baseline: 1000,
		costs: map[string]float64{
			cfgKey():     1000,
			cfgKey(a):    700,
			cfgKey(b):    900,
			cfgKey(a, b): 500,
		},
		cancelAt: 4, // baseline, a, b, then fail during the second scan
	}
	engine := NewEngine(est, 0.01, 0)

	rec, err := engine.Recommend(context.Background(), someWorkload(t), []candidate.Index{a, b}, -1)
	require.NoError(t, err)

	assert.True(t, rec.IsPartial)
	require.Len(t, rec.Configuration, 1)
	assert.Equal(t, 700.0, rec.FinalCost, "partial answer keeps the last accepted configuration")
}

func TestRecommend_StatementTimeoutSkipsOnlyThatCandidate(t *testing.T) {
	slow := idx("orders", 100, "slow_col")
	good := idx("orders", 100, "good_col")
	est := &fakeEstimator{
		baseline: 1000,
		costs: map[string]float64{
			cfgKey():     1000,
			cfgKey(good): 400,
		},
		timeoutOn: "slow_col",
	}
	engine := NewEngine(est, 0.01, 0)

	rec, err := engine.Recommend(context.Background(), someWorkload(t), []candidate.Index{slow, good}, -1)
	require.NoError(t, err)

	require.Len(t, rec.Configuration, 1)
	assert.Equal(t, "orders(good_col)", rec.Configuration[0].Key())
	assert.Equal(t, 400.0, rec.FinalCost)
	assert.False(t, rec.IsPartial, "one slow candidate must not end the search early")
}

func TestRecommend_AlreadyCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	est := &fakeEstimator{baseline: 1000, costs: map[string]float64{cfgKey(): 1000}}
	engine := NewEngine(est, 0.01, 0)

	rec, err := engine.Recommend(ctx, someWorkload(t), nil, -1)
	require.NoError(t, err)
	assert.False(t, rec.IsPartial)

	cancel()
	rec, err = engine.Recommend(ctx, someWorkload(t), nil, -1)
	require.NoError(t, err)
	assert.True(t, rec.IsPartial)
}
