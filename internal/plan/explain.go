package plan

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/indexpilot/indexpilot/internal/db"
)

var bindVariablePattern = regexp.MustCompile(`\$\d+`)

// SessionSource hands out pinned database sessions. Satisfied by db.Driver.
type SessionSource interface {
	Acquire(ctx context.Context) (db.Session, error)
}

// Service implements plan inspection: EXPLAIN parsing and scoped
// hypothetical-index acquisition.
type Service struct {
	source SessionSource
}

func NewService(source SessionSource) *Service {
	return &Service{source: source}
}

// Explain runs EXPLAIN (FORMAT JSON) for the statement on the given querier
// and parses the result into a plan tree. With analyze set the statement is
// actually executed to gather real timings; callers must only pass
// statements already validated for execution.
func (s *Service) Explain(ctx context.Context, q db.Querier, statement string, analyze bool) (*ExplainOutput, error) {
	options := []string{"FORMAT JSON"}
	if analyze {
		options = append(options, "ANALYZE")
	} else if bindVariablePattern.MatchString(statement) {
		// Prepared-statement texts from pg_stat_statements carry $n
		// placeholders; GENERIC_PLAN keeps them explainable.
		options = append(options, "GENERIC_PLAN")
	}

	explainSQL := fmt.Sprintf("EXPLAIN (%s) %s", strings.Join(options, ", "), statement)
	rs, err := q.Query(ctx, explainSQL)
	if err != nil {
		return nil, err
	}
	return decodeExplainRows(rs)
}

// ExplainOnNewSession is Explain on a session acquired just for this call.
func (s *Service) ExplainOnNewSession(ctx context.Context, statement string, analyze bool) (*ExplainOutput, error) {
	sess, err := s.source.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer sess.Release()
	return s.Explain(ctx, sess, statement, analyze)
}

// MarginalCost is the planner-cost delta between a baseline plan and the
// plan produced under a candidate set. Positive means the candidates help.
func MarginalCost(baseline, withCandidates *ExplainOutput) float64 {
	return baseline.Cost() - withCandidates.Cost()
}
