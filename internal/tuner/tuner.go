package tuner

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/indexpilot/indexpilot/internal/candidate"
	"github.com/indexpilot/indexpilot/internal/db"
	"github.com/indexpilot/indexpilot/internal/workload"
)

// DefaultMinImprovement is the relative-improvement threshold below which a
// candidate is not worth its maintenance cost. Tunable, not contractual.
const DefaultMinImprovement = 0.01

// CostEstimator evaluates the whole workload under one index configuration.
// Implemented by plan.Service; faked in tests.
type CostEstimator interface {
	ConfigurationCost(ctx context.Context, wl *workload.Workload, cfg []candidate.Index) (float64, error)
}

// Recommendation is the result of one tuning run. IsPartial marks results
// returned because the time/iteration budget ran out rather than because
// the search converged.
type Recommendation struct {
	Configuration     []candidate.Index `json:"configuration"`
	TotalStorageBytes int64             `json:"total_storage_bytes"`
	BaselineCost      float64           `json:"baseline_cost"`
	FinalCost         float64           `json:"final_cost"`
	ImprovementRatio  float64           `json:"improvement_ratio"`
	IsPartial         bool              `json:"is_partial"`
	Iterations        int               `json:"iterations"`
}

// Engine runs the anytime greedy search: it maintains a valid,
// monotonically-improving configuration and can stop at any iteration
// boundary with a correct answer.
type Engine struct {
	estimator      CostEstimator
	minImprovement float64
	maxIterations  int
}

func NewEngine(estimator CostEstimator, minImprovement float64, maxIterations int) *Engine {
	if minImprovement <= 0 {
		minImprovement = DefaultMinImprovement
	}
	return &Engine{
		estimator:      estimator,
		minImprovement: minImprovement,
		maxIterations:  maxIterations,
	}
}

// Recommend greedily builds an index configuration within budgetBytes.
// A negative budget means unlimited storage. Cancellation and deadlines are
// honored between iterations only, so no what-if scope is ever abandoned
// half torn down.
func (e *Engine) Recommend(ctx context.Context, wl *workload.Workload, candidates []candidate.Index, budgetBytes int64) (*Recommendation, error) {
	if len(wl.Entries) == 0 {
		return &Recommendation{BaselineCost: 0, FinalCost: 0}, nil
	}

	run := &searchRun{engine: e, workload: wl, costs: make(map[string]float64)}

	baseline, err := run.cost(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to compute baseline workload cost: %w", err)
	}

	// Candidates that cannot fit the full budget on their own are never
	// worth a what-if call.
	pool := make([]candidate.Index, 0, len(candidates))
	for _, c := range candidates {
		if budgetBytes >= 0 && c.EstimatedSizeBytes > budgetBytes {
			continue
		}
		pool = append(pool, c)
	}

	rec := &Recommendation{BaselineCost: baseline, FinalCost: baseline}
	var config []candidate.Index
	remaining := budgetBytes
	bestCost := baseline

	for {
		// Cancellation arrives between iterations, never mid-iteration.
		if ctx.Err() != nil {
			rec.IsPartial = true
			break
		}
		if e.maxIterations > 0 && rec.Iterations >= e.maxIterations {
			rec.IsPartial = true
			break
		}

		chosen, chosenCost, partial, err := run.bestCandidate(ctx, config, pool, bestCost, remaining, budgetBytes)
		if partial {
			rec.IsPartial = true
			break
		}
		if err != nil {
			return nil, err
		}
		if chosen < 0 {
			break // Terminal: no candidate worth adding.
		}

		benefit := bestCost - chosenCost
		if benefit <= e.minImprovement*bestCost {
			break
		}

		picked := pool[chosen]
		config = append(config, picked)
		pool = append(pool[:chosen], pool[chosen+1:]...)
		if budgetBytes >= 0 {
			remaining -= picked.EstimatedSizeBytes
		}
		bestCost = chosenCost
		rec.Iterations++

		log.Printf("Tuning iteration %d: added %s (cost %.2f -> %.2f)",
			rec.Iterations, picked.Key(), rec.FinalCost, bestCost)
		rec.FinalCost = bestCost
	}

	rec.Configuration = config
	rec.TotalStorageBytes = candidate.TotalSize(config)
	if rec.BaselineCost > 0 {
		rec.ImprovementRatio = (rec.BaselineCost - rec.FinalCost) / rec.BaselineCost
	}
	return rec, nil
}

type searchRun struct {
	engine   *Engine
	workload *workload.Workload
	// costs memoizes configuration costs for this run only; what-if state
	// never survives across tuning requests.
	costs map[string]float64
}

func (r *searchRun) cost(ctx context.Context, cfg []candidate.Index) (float64, error) {
	key := candidate.ConfigKey(cfg)
	if cached, ok := r.costs[key]; ok {
		return cached, nil
	}
	cost, err := r.engine.estimator.ConfigurationCost(ctx, r.workload, cfg)
	if err != nil {
		return 0, err
	}
	r.costs[key] = cost
	return cost, nil
}

// bestCandidate evaluates every fitting candidate with the entire current
// configuration plus that one candidate materialized at once, so interaction
// effects are captured, and returns the index of the best benefit-to-size
// pick. Returns chosen = -1 when nothing improves on the current cost.
func (r *searchRun) bestCandidate(ctx context.Context, config, pool []candidate.Index, bestCost float64, remaining, budget int64) (chosen int, chosenCost float64, partial bool, err error) {
	chosen = -1
	bestRatio := 0.0

	trial := make([]candidate.Index, len(config), len(config)+1)
	copy(trial, config)

	for i, cand := range pool {
		if budget >= 0 && cand.EstimatedSizeBytes > remaining {
			continue
		}

		cost, cerr := r.cost(ctx, append(trial, cand))
		if cerr != nil {
			if ctx.Err() != nil || isCancellation(cerr) {
				// Deadline hit mid-scan: the current configuration is
				// still a valid anytime answer.
				return -1, 0, true, nil
			}
			var timeout *db.TimeoutError
			if errors.As(cerr, &timeout) {
				// A per-statement timeout disqualifies only this
				// candidate; the request is still live.
				log.Printf("Skipping candidate %s: %v", cand.Key(), cerr)
				continue
			}
			return -1, 0, false, cerr
		}

		benefit := bestCost - cost
		if benefit <= 0 {
			continue
		}
		ratio := benefit / float64(maxInt64(cand.EstimatedSizeBytes, 1))

		if chosen < 0 || betterPick(ratio, cand, bestRatio, pool[chosen]) {
			chosen = i
			chosenCost = cost
			bestRatio = ratio
		}
	}
	return chosen, chosenCost, false, nil
}

// betterPick applies the tie-break policy: highest benefit-to-size ratio,
// then smaller estimated size, then lexicographically smallest identity.
func betterPick(ratio float64, cand candidate.Index, bestRatio float64, best candidate.Index) bool {
	if ratio != bestRatio {
		return ratio > bestRatio
	}
	if cand.EstimatedSizeBytes != best.EstimatedSizeBytes {
		return cand.EstimatedSizeBytes < best.EstimatedSizeBytes
	}
	return strings.Compare(cand.Key(), best.Key()) < 0
}

// isCancellation matches request-level expiry surfaced through the
// estimator. Statement-level db.TimeoutError is deliberately not matched;
// bestCandidate skips that candidate and keeps scanning.
func isCancellation(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
