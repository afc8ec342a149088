package candidate

import (
	"context"
	"fmt"
	"log"
	"strings"

	pg_query "github.com/pganalyze/pg_query_go/v6"

	"github.com/indexpilot/indexpilot/internal/db"
	"github.com/indexpilot/indexpilot/internal/workload"
)

const (
	// DefaultMaxWidth bounds multi-column candidates to conjunctive pairs.
	DefaultMaxWidth = 2
	// DefaultMaxPool caps the candidate pool size (C_max).
	DefaultMaxPool = 200
	// maxTextWidth is the avg_width above which a text-ish column is
	// considered unindexable.
	maxTextWidth = 100
)

// Generator proposes candidate indexes for a workload. The catalog querier
// is optional; without one the generator runs the pure parsing pipeline and
// skips existing-index, long-text, and size filters.
type Generator struct {
	querier  db.Querier
	maxWidth int
	maxPool  int
}

func NewGenerator(querier db.Querier, maxWidth, maxPool int) *Generator {
	if maxWidth <= 0 {
		maxWidth = DefaultMaxWidth
	}
	if maxPool <= 0 {
		maxPool = DefaultMaxPool
	}
	return &Generator{querier: querier, maxWidth: maxWidth, maxPool: maxPool}
}

// Generate extracts column references from every query in the workload and
// proposes a deduplicated, capped pool of candidate indexes.
func (g *Generator) Generate(ctx context.Context, wl *workload.Workload) ([]Index, error) {
	pool := newCandidatePool(g.maxPool)

	for _, entry := range wl.Entries {
		shape, err := ExtractShape(entry.Query.Text)
		if err != nil {
			log.Printf("Skipping unparseable query %s: %v", entry.Query.Fingerprint, err)
			continue
		}
		g.proposeForQuery(shape, pool)
	}

	candidates := pool.items()
	if g.querier == nil || len(candidates) == 0 {
		return candidates, nil
	}

	candidates, err := g.filterExisting(ctx, candidates)
	if err != nil {
		return nil, fmt.Errorf("failed to filter existing indexes: %w", err)
	}
	candidates, err = g.filterLongTextColumns(ctx, candidates)
	if err != nil {
		return nil, fmt.Errorf("failed to filter long text columns: %w", err)
	}
	if err := g.estimateSizes(ctx, candidates); err != nil {
		return nil, fmt.Errorf("failed to estimate index sizes: %w", err)
	}
	return candidates, nil
}

func (g *Generator) proposeForQuery(shape *QueryShape, pool *candidatePool) {
	// Atomic single-column candidates for every equality and join column.
	for _, ref := range shape.Columns {
		if isSystemTable(ref.Table) {
			continue
		}
		switch ref.Role {
		case RoleEquality, RoleJoin, RoleGroupBy, RoleOrderBy:
			pool.add(Index{Table: ref.Table, Columns: []string{ref.Column}})
		}
	}

	// Order-aware candidates: ORDER BY column sequences per table.
	for table, cols := range shape.OrderedByTable {
		if isSystemTable(table) || len(cols) < 2 {
			continue
		}
		width := len(cols)
		if width > g.maxWidth {
			width = g.maxWidth
		}
		seq := make([]string, width)
		copy(seq, cols[:width])
		pool.add(Index{Table: table, Columns: seq})
	}

	// Multi-column extensions: pair an equality column with a second
	// predicate column from the same conjunctive condition. The leading
	// column is always the equality predicate (left-prefix reasoning).
	if g.maxWidth < 2 {
		return
	}
	for _, group := range shape.Groups {
		for _, lead := range group {
			if !lead.Equality || isSystemTable(lead.Table) {
				continue
			}
			for _, follow := range group {
				if follow.Table != lead.Table || follow.Column == lead.Column {
					continue
				}
				pool.add(Index{Table: lead.Table, Columns: []string{lead.Column, follow.Column}})
			}
		}
	}
}

// filterExisting drops candidates that duplicate a physical index, comparing
// parsed (table, columns) structure rather than definition strings.
func (g *Generator) filterExisting(ctx context.Context, candidates []Index) ([]Index, error) {
	rs, err := g.querier.Query(ctx, `
		SELECT indexdef
		FROM pg_indexes
		WHERE schemaname NOT IN ('pg_catalog', 'information_schema')`)
	if err != nil {
		return nil, err
	}

	existing := make(map[string]struct{})
	for _, row := range rs.Maps() {
		def := db.AsString(row["indexdef"])
		if key, ok := indexDefKey(def); ok {
			existing[key] = struct{}{}
		}
	}

	kept := candidates[:0]
	for _, c := range candidates {
		if _, dup := existing[strings.ToLower(c.Key())]; dup {
			continue
		}
		kept = append(kept, c)
	}
	return kept, nil
}

// indexDefKey parses a CREATE INDEX definition into the same identity form
// candidates use.
func indexDefKey(definition string) (string, bool) {
	result, err := pg_query.Parse(definition)
	if err != nil || len(result.Stmts) == 0 {
		return "", false
	}
	stmt := result.Stmts[0].Stmt.GetIndexStmt()
	if stmt == nil || stmt.Relation == nil {
		return "", false
	}
	cols := make([]string, 0, len(stmt.IndexParams))
	for _, p := range stmt.IndexParams {
		elem := p.GetIndexElem()
		if elem == nil || elem.Name == "" {
			return "", false
		}
		cols = append(cols, elem.Name)
	}
	key := Index{Table: stmt.Relation.Relname, Columns: cols}.Key()
	return strings.ToLower(key), true
}

// filterLongTextColumns drops candidates containing unbounded or wide text
// columns, which make poor btree keys.
func (g *Generator) filterLongTextColumns(ctx context.Context, candidates []Index) ([]Index, error) {
	tables := make(map[string]struct{})
	for _, c := range candidates {
		tables[c.Table] = struct{}{}
	}
	if len(tables) == 0 {
		return candidates, nil
	}
	names := make([]string, 0, len(tables))
	for t := range tables {
		names = append(names, db.QuoteLiteral(t))
	}

	query := fmt.Sprintf(`
		SELECT c.table_name, c.column_name,
		       CASE
		           WHEN c.data_type = 'text' THEN true
		           WHEN c.data_type IN ('character varying', 'character')
		                AND (c.character_maximum_length IS NULL OR c.character_maximum_length > %d)
		           THEN true
		           ELSE false
		       END AS long_text
		FROM information_schema.columns c
		WHERE c.table_name IN (%s)`, maxTextWidth, strings.Join(names, ", "))

	rs, err := g.querier.Query(ctx, query)
	if err != nil {
		return nil, err
	}

	problematic := make(map[string]struct{})
	for _, row := range rs.Maps() {
		if db.AsBool(row["long_text"]) {
			key := db.AsString(row["table_name"]) + "." + db.AsString(row["column_name"])
			problematic[key] = struct{}{}
		}
	}

	kept := candidates[:0]
	for _, c := range candidates {
		valid := true
		for _, col := range c.Columns {
			if _, bad := problematic[c.Table+"."+col]; bad {
				valid = false
				break
			}
		}
		if valid {
			kept = append(kept, c)
		}
	}
	return kept, nil
}

// estimateSizes fills in EstimatedSizeBytes from pg_stats: per-entry width
// (plus the heap TID) times distinct count, with a btree overhead factor.
func (g *Generator) estimateSizes(ctx context.Context, candidates []Index) error {
	memo := make(map[string]int64)
	for i := range candidates {
		c := &candidates[i]
		if size, ok := memo[c.Key()]; ok {
			c.EstimatedSizeBytes = size
			continue
		}

		cols := make([]string, len(c.Columns))
		for j, col := range c.Columns {
			cols[j] = db.QuoteLiteral(col)
		}
		query := fmt.Sprintf(`
			SELECT COALESCE(SUM(avg_width), 0) AS total_width,
			       COALESCE(SUM(n_distinct), 0) AS total_distinct
			FROM pg_stats
			WHERE tablename = %s AND attname IN (%s)`,
			db.QuoteLiteral(c.Table), strings.Join(cols, ", "))

		rs, err := g.querier.Query(ctx, query)
		if err != nil {
			return err
		}
		var width, ndistinct float64
		if rows := rs.Maps(); len(rows) > 0 {
			width = db.AsFloat64(rows[0]["total_width"])
			ndistinct = db.AsFloat64(rows[0]["total_distinct"])
		}
		if ndistinct <= 0 {
			ndistinct = 1
		}
		size := int64((width + 8) * ndistinct * 2.0)
		memo[c.Key()] = size
		c.EstimatedSizeBytes = size
	}
	return nil
}

// candidatePool deduplicates by identity and enforces the C_max cap with
// oldest-discovered-first eviction.
type candidatePool struct {
	cap   int
	order []Index
	seen  map[string]struct{}
}

func newCandidatePool(cap int) *candidatePool {
	return &candidatePool{cap: cap, seen: make(map[string]struct{})}
}

func (p *candidatePool) add(idx Index) {
	key := idx.Key()
	if _, dup := p.seen[key]; dup {
		return
	}
	p.seen[key] = struct{}{}
	p.order = append(p.order, idx)
	if len(p.order) > p.cap {
		evicted := p.order[0]
		p.order = p.order[1:]
		delete(p.seen, evicted.Key())
	}
}

func (p *candidatePool) items() []Index {
	return p.order
}
