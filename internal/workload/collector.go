package workload

import (
	"context"
	"fmt"
	"log"
	"strings"

	pg_query "github.com/pganalyze/pg_query_go/v6"

	"github.com/indexpilot/indexpilot/internal/db"
)

const statStatementsExtension = "pg_stat_statements"

// Collector pulls the most expensive statements from pg_stat_statements.
// It is purely a read and transform; ranking happens in the query itself.
type Collector struct {
	querier db.Querier
}

func NewCollector(querier db.Querier) *Collector {
	return &Collector{querier: querier}
}

// StatementsInstalled reports whether the pg_stat_statements extension is
// available on the target database.
func (c *Collector) StatementsInstalled(ctx context.Context) (bool, error) {
	rs, err := c.querier.Query(ctx, fmt.Sprintf(
		"SELECT 1 FROM pg_extension WHERE extname = %s", db.QuoteLiteral(statStatementsExtension)))
	if err != nil {
		return false, fmt.Errorf("failed to check %s: %w", statStatementsExtension, err)
	}
	return len(rs.Rows) > 0, nil
}

// Collect returns the top maxQueries statements by total execution time,
// dropping statements below the minTotalTime noise floor (milliseconds).
// Weight defaults to call_count x mean_time.
func (c *Collector) Collect(ctx context.Context, maxQueries int, minTotalTime float64) (*Workload, error) {
	installed, err := c.StatementsInstalled(ctx)
	if err != nil {
		return nil, err
	}
	if !installed {
		return nil, fmt.Errorf("the %s extension is required for workload collection but is not installed; "+
			"run CREATE EXTENSION %s first", statStatementsExtension, statStatementsExtension)
	}

	query := fmt.Sprintf(`
		SELECT query, calls, total_exec_time, mean_exec_time, rows
		FROM pg_stat_statements
		WHERE total_exec_time >= %f
		ORDER BY total_exec_time DESC
		LIMIT %d`, minTotalTime, maxQueries)

	rs, err := c.querier.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to collect query statistics: %w", err)
	}

	wl := &Workload{}
	for _, row := range rs.Maps() {
		text := strings.TrimSpace(db.AsString(row["query"]))
		if text == "" {
			continue
		}
		fingerprint, err := pg_query.Fingerprint(text)
		if err != nil {
			log.Printf("Skipping unfingerprintable statement: %v", err)
			continue
		}
		q := Query{
			Fingerprint:  fingerprint,
			Text:         text,
			CallCount:    db.AsInt64(row["calls"]),
			TotalTime:    db.AsFloat64(row["total_exec_time"]),
			MeanTime:     db.AsFloat64(row["mean_exec_time"]),
			RowsReturned: db.AsInt64(row["rows"]),
		}
		wl.Entries = append(wl.Entries, Entry{Query: q, Weight: weightOf(q)})
	}

	log.Printf("Collected %d workload queries (limit %d, noise floor %.1fms)",
		len(wl.Entries), maxQueries, minTotalTime)
	return wl, nil
}

// FromStatements builds a workload from caller-supplied statements, each
// with weight 1. Unparseable statements are rejected, not skipped: the
// caller asked for exactly these.
func FromStatements(statements []string) (*Workload, error) {
	wl := &Workload{}
	for i, text := range statements {
		text = strings.TrimSpace(text)
		if text == "" {
			continue
		}
		fingerprint, err := pg_query.Fingerprint(text)
		if err != nil {
			return nil, fmt.Errorf("statement %d is not valid SQL: %w", i+1, err)
		}
		wl.Entries = append(wl.Entries, Entry{
			Query:  Query{Fingerprint: fingerprint, Text: text, CallCount: 1, MeanTime: 1},
			Weight: 1,
		})
	}
	return wl, nil
}

func weightOf(q Query) float64 {
	weight := float64(q.CallCount) * q.MeanTime
	if weight <= 0 {
		weight = 1
	}
	return weight
}
