package plan

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/indexpilot/indexpilot/internal/candidate"
	"github.com/indexpilot/indexpilot/internal/db"
	"github.com/indexpilot/indexpilot/internal/workload"
)

// teardownTimeout bounds the hypopg_reset call issued on scope exit. The
// reset runs on a fresh context so it still executes when the request's
// context is already expired or cancelled.
const teardownTimeout = 5 * time.Second

// WithHypotheticalIndexes pins one session, creates a hypothetical index
// handle for every candidate, runs body against that session, and tears all
// handles down on every exit path. Hypothetical indexes are session-local,
// so the whole scope must stay on the pinned session; the real catalog is
// never touched.
func (s *Service) WithHypotheticalIndexes(ctx context.Context, indexes []candidate.Index, body func(ctx context.Context, sess db.Querier) error) error {
	sess, err := s.source.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire session for what-if scope: %w", err)
	}

	created := false
	defer func() {
		if created {
			tctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
			defer cancel()
			if _, terr := sess.Query(tctx, "SELECT hypopg_reset()"); terr != nil {
				// Never mask the body's error, but never drop this silently.
				log.Printf("Failed to tear down hypothetical indexes: %v", terr)
			}
		}
		sess.Release()
	}()

	for _, idx := range indexes {
		stmt := fmt.Sprintf("SELECT hypopg_create_index(%s)", db.QuoteLiteral(idx.DefinitionSQL()))
		if _, err := sess.Query(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create hypothetical index %s: %w", idx.Key(), err)
		}
		created = true
	}

	return body(ctx, sess)
}

// ConfigurationCost evaluates the whole workload under one index
// configuration: per-query planner cost weighted and summed. The entire
// configuration is materialized at once so interaction effects between
// candidates are captured.
func (s *Service) ConfigurationCost(ctx context.Context, wl *workload.Workload, cfg []candidate.Index) (float64, error) {
	var total float64
	err := s.WithHypotheticalIndexes(ctx, cfg, func(ctx context.Context, sess db.Querier) error {
		for _, entry := range wl.Entries {
			out, err := s.Explain(ctx, sess, entry.Query.Text, false)
			if err != nil {
				return fmt.Errorf("explain failed for query %s: %w", entry.Query.Fingerprint, err)
			}
			total += out.Cost() * entry.Weight
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return total, nil
}

// HypopgInstalled reports whether the what-if facility is available.
func (s *Service) HypopgInstalled(ctx context.Context, q db.Querier) (bool, error) {
	rs, err := q.Query(ctx, "SELECT 1 FROM pg_extension WHERE extname = 'hypopg'")
	if err != nil {
		return false, fmt.Errorf("failed to check hypopg extension: %w", err)
	}
	return len(rs.Rows) > 0, nil
}

// StatisticsFresh reports whether ANALYZE has run at least once, a
// precondition for meaningful cost estimates.
func (s *Service) StatisticsFresh(ctx context.Context, q db.Querier) (bool, error) {
	rs, err := q.Query(ctx, `
		SELECT 1
		FROM pg_stat_user_tables
		WHERE last_analyze IS NOT NULL OR last_autoanalyze IS NOT NULL
		LIMIT 1`)
	if err != nil {
		return false, fmt.Errorf("failed to check table statistics: %w", err)
	}
	return len(rs.Rows) > 0, nil
}
