// Package tools is the agent-facing tool surface. Every SQL string destined
// for execution passes through the safety validator first; rejection
// short-circuits execution.
package tools

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/indexpilot/indexpilot/internal/candidate"
	"github.com/indexpilot/indexpilot/internal/db"
	"github.com/indexpilot/indexpilot/internal/eventbus"
	"github.com/indexpilot/indexpilot/internal/plan"
	"github.com/indexpilot/indexpilot/internal/safesql"
	"github.com/indexpilot/indexpilot/internal/tuner"
	"github.com/indexpilot/indexpilot/internal/workload"
)

// MaxExplicitStatements bounds analyze_query_indexes input.
const MaxExplicitStatements = 10

// InputSizeError rejects an oversized request before any parsing happens.
type InputSizeError struct {
	Got, Max int
}

func (e *InputSizeError) Error() string {
	return fmt.Sprintf("too many statements: got %d, maximum is %d", e.Got, e.Max)
}

// TuningOptions are the per-request knobs of a tuning run.
type TuningOptions struct {
	MaxQueries     int
	MinTotalTimeMs float64
	BudgetBytes    int64 // negative = unlimited
	MaxRuntime     time.Duration
}

// Toolset wires the validator, driver, plan service, collector, generator
// and search engine into the four operations the outer protocol exposes.
type Toolset struct {
	mode      safesql.Mode
	validator *safesql.Validator
	driver    db.Driver
	plans     *plan.Service
	collector *workload.Collector
	generator *candidate.Generator
	engine    *tuner.Engine
	events    *eventbus.Publisher
}

func New(mode safesql.Mode, validator *safesql.Validator, driver db.Driver, plans *plan.Service,
	collector *workload.Collector, generator *candidate.Generator, engine *tuner.Engine,
	events *eventbus.Publisher) *Toolset {
	return &Toolset{
		mode:      mode,
		validator: validator,
		driver:    driver,
		plans:     plans,
		collector: collector,
		generator: generator,
		engine:    engine,
		events:    events,
	}
}

// ExecuteSQL validates the statement under the active access mode and runs
// it. RESTRICTED mode executes inside a read-only transaction as a second
// layer of defense beyond AST filtering.
func (t *Toolset) ExecuteSQL(ctx context.Context, statement string) (*db.RowSet, error) {
	if err := t.validate(statement); err != nil {
		return nil, err
	}
	if t.mode == safesql.ModeRestricted {
		return t.driver.QueryReadOnly(ctx, statement)
	}
	return t.driver.Query(ctx, statement)
}

// ExplainQuery produces a plan tree for the statement, optionally under a
// set of hypothetical indexes. analyze executes the statement for real
// timings and is only permitted in unrestricted mode.
func (t *Toolset) ExplainQuery(ctx context.Context, statement string, hypothetical []candidate.Index, analyze bool) (*plan.ExplainOutput, error) {
	if err := t.validate(statement); err != nil {
		return nil, err
	}
	if analyze && t.mode != safesql.ModeUnrestricted {
		err := &safesql.ValidationError{
			Mode:   t.mode,
			Reason: fmt.Sprintf("EXPLAIN ANALYZE is not permitted in mode %s", t.mode),
		}
		t.publishRejection(statement, err)
		return nil, err
	}
	if analyze && len(hypothetical) > 0 {
		return nil, fmt.Errorf("hypothetical indexes cannot be combined with analyze: the planner cannot execute against indexes that do not exist")
	}

	if len(hypothetical) == 0 {
		return t.plans.ExplainOnNewSession(ctx, statement, analyze)
	}

	var out *plan.ExplainOutput
	err := t.plans.WithHypotheticalIndexes(ctx, hypothetical, func(ctx context.Context, sess db.Querier) error {
		var explainErr error
		out, explainErr = t.plans.Explain(ctx, sess, statement, false)
		return explainErr
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// AnalyzeWorkloadIndexes runs the full pipeline: collect the most expensive
// statements, generate candidates, and search for a configuration within
// the storage budget.
func (t *Toolset) AnalyzeWorkloadIndexes(ctx context.Context, opts TuningOptions) (*tuner.Recommendation, error) {
	if err := t.prechecks(ctx); err != nil {
		return nil, err
	}

	wl, err := t.collector.Collect(ctx, opts.MaxQueries, opts.MinTotalTimeMs)
	if err != nil {
		return nil, err
	}
	return t.recommend(ctx, wl, opts)
}

// AnalyzeQueryIndexes runs the same pipeline against an explicit list of
// statements, each with weight 1. The input size check happens before any
// statement is parsed.
func (t *Toolset) AnalyzeQueryIndexes(ctx context.Context, statements []string, opts TuningOptions) (*tuner.Recommendation, error) {
	if len(statements) > MaxExplicitStatements {
		return nil, &InputSizeError{Got: len(statements), Max: MaxExplicitStatements}
	}
	if err := t.prechecks(ctx); err != nil {
		return nil, err
	}

	wl, err := workload.FromStatements(statements)
	if err != nil {
		return nil, err
	}
	return t.recommend(ctx, wl, opts)
}

func (t *Toolset) recommend(ctx context.Context, wl *workload.Workload, opts TuningOptions) (*tuner.Recommendation, error) {
	wl = wl.Filter(candidate.Analyzable)

	if opts.MaxRuntime > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.MaxRuntime)
		defer cancel()
	}

	candidates, err := t.generator.Generate(ctx, wl)
	if err != nil {
		return nil, err
	}
	log.Printf("Tuning %d queries with %d candidate indexes (budget %d bytes)",
		len(wl.Entries), len(candidates), opts.BudgetBytes)

	rec, err := t.engine.Recommend(ctx, wl, candidates, opts.BudgetBytes)
	if err != nil {
		return nil, err
	}

	if perr := t.events.PublishRecommendation(rec); perr != nil {
		log.Printf("Failed to publish recommendation: %v", perr)
	}
	return rec, nil
}

// prechecks verifies the what-if facility and table statistics exist before
// any tuning work starts, so failures are actionable.
func (t *Toolset) prechecks(ctx context.Context) error {
	installed, err := t.plans.HypopgInstalled(ctx, t.driver)
	if err != nil {
		return err
	}
	if !installed {
		return fmt.Errorf("the hypopg extension is required for index tuning but is not installed; run CREATE EXTENSION hypopg first")
	}

	fresh, err := t.plans.StatisticsFresh(ctx, t.driver)
	if err != nil {
		return err
	}
	if !fresh {
		return fmt.Errorf("table statistics are not up to date; run ANALYZE before requesting index recommendations")
	}
	return nil
}

func (t *Toolset) validate(statement string) error {
	err := t.validator.Validate(statement)
	if err != nil {
		t.publishRejection(statement, err)
	}
	return err
}

func (t *Toolset) publishRejection(statement string, err error) {
	rej := &eventbus.Rejection{
		Statement: statement,
		Mode:      string(t.mode),
		Reason:    err.Error(),
		Timestamp: time.Now().Unix(),
	}
	if perr := t.events.PublishRejection(rej); perr != nil {
		log.Printf("Failed to publish rejection: %v", perr)
	}
}
