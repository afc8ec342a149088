package tools

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/indexpilot/indexpilot/internal/candidate"
	"github.com/indexpilot/indexpilot/internal/db"
	"github.com/indexpilot/indexpilot/internal/plan"
	"github.com/indexpilot/indexpilot/internal/safesql"
)

// fakeDriver records executed statements and serves canned catalog rows.
type fakeDriver struct {
	executed []string
	readOnly []string
	session  *fakeSession
}

func (f *fakeDriver) Query(ctx context.Context, sql string) (*db.RowSet, error) {
	f.executed = append(f.executed, sql)
	return f.respond(sql), nil
}

func (f *fakeDriver) QueryReadOnly(ctx context.Context, sql string) (*db.RowSet, error) {
	f.readOnly = append(f.readOnly, sql)
	return f.respond(sql), nil
}

func (f *fakeDriver) Acquire(ctx context.Context) (db.Session, error) {
	return f.session, nil
}

func (f *fakeDriver) Ping(ctx context.Context) error { return nil }
func (f *fakeDriver) Close()                         {}

func (f *fakeDriver) respond(sql string) *db.RowSet {
	if strings.Contains(sql, "pg_extension") || strings.Contains(sql, "pg_stat_user_tables") {
		return &db.RowSet{Columns: []string{"?column?"}, Rows: [][]any{{int64(1)}}}
	}
	return &db.RowSet{Columns: []string{"ok"}, Rows: [][]any{{true}}}
}

type fakeSession struct {
	queries []string
}

func (f *fakeSession) Query(ctx context.Context, sql string) (*db.RowSet, error) {
	f.queries = append(f.queries, sql)
	if strings.HasPrefix(sql, "EXPLAIN") {
		return &db.RowSet{
			Columns: []string{"QUERY PLAN"},
			Rows:    [][]any{{`[{"Plan": {"Node Type": "Seq Scan", "Total Cost": 42.5}}]`}},
		}, nil
	}
	return &db.RowSet{}, nil
}

func (f *fakeSession) Release() {}

func candidateIndexes(table string, cols ...string) []candidate.Index {
	return []candidate.Index{{Table: table, Columns: cols}}
}

func newToolset(mode safesql.Mode, driver *fakeDriver) *Toolset {
	return New(mode, safesql.NewValidator(mode), driver, plan.NewService(driver), nil, nil, nil, nil)
}

func TestExecuteSQL_RejectionShortCircuitsExecution(t *testing.T) {
	driver := &fakeDriver{}
	ts := newToolset(safesql.ModeRestricted, driver)

	_, err := ts.ExecuteSQL(context.Background(), "DROP TABLE orders")

	var verr *safesql.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Empty(t, driver.executed)
	assert.Empty(t, driver.readOnly)
}

func TestExecuteSQL_RestrictedUsesReadOnlyTransaction(t *testing.T) {
	driver := &fakeDriver{}
	ts := newToolset(safesql.ModeRestricted, driver)

	_, err := ts.ExecuteSQL(context.Background(), "SELECT * FROM orders")
	require.NoError(t, err)

	assert.Empty(t, driver.executed)
	assert.Len(t, driver.readOnly, 1)
}

func TestExecuteSQL_UnrestrictedExecutesDirectly(t *testing.T) {
	driver := &fakeDriver{}
	ts := newToolset(safesql.ModeUnrestricted, driver)

	_, err := ts.ExecuteSQL(context.Background(), "DROP TABLE orders")
	require.NoError(t, err)

	assert.Len(t, driver.executed, 1)
	assert.Empty(t, driver.readOnly)
}

func TestExplainQuery_AnalyzeForbiddenOutsideUnrestricted(t *testing.T) {
	driver := &fakeDriver{session: &fakeSession{}}
	ts := newToolset(safesql.ModeRestricted, driver)

	_, err := ts.ExplainQuery(context.Background(), "SELECT * FROM orders", nil, true)

	var verr *safesql.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Empty(t, driver.session.queries)
}

func TestExplainQuery_AnalyzeAndHypotheticalsMutuallyExclusive(t *testing.T) {
	driver := &fakeDriver{session: &fakeSession{}}
	ts := newToolset(safesql.ModeUnrestricted, driver)

	_, err := ts.ExplainQuery(context.Background(), "SELECT * FROM orders",
		candidateIndexes("orders", "customer_id"), true)

	require.Error(t, err)
	assert.Empty(t, driver.session.queries)
}

func TestExplainQuery_HypotheticalScope(t *testing.T) {
	sess := &fakeSession{}
	driver := &fakeDriver{session: sess}
	ts := newToolset(safesql.ModeRestricted, driver)

	out, err := ts.ExplainQuery(context.Background(), "SELECT * FROM orders",
		candidateIndexes("orders", "customer_id"), false)
	require.NoError(t, err)
	assert.Equal(t, 42.5, out.Cost())

	require.GreaterOrEqual(t, len(sess.queries), 3)
	assert.Contains(t, sess.queries[0], "hypopg_create_index")
	assert.Contains(t, sess.queries[1], "EXPLAIN")
	assert.Equal(t, "SELECT hypopg_reset()", sess.queries[len(sess.queries)-1])
}

func TestAnalyzeQueryIndexes_InputSizeCheckedBeforeParsing(t *testing.T) {
	// No driver at all: with eleven statements, nothing may be touched,
	// not even the parser. The last statement is not valid SQL on purpose.
	ts := New(safesql.ModeRestricted, safesql.NewValidator(safesql.ModeRestricted),
		nil, nil, nil, nil, nil, nil)

	statements := make([]string, 11)
	for i := range statements {
		statements[i] = "SELECT 1"
	}
	statements[10] = "THIS IS NOT SQL"

	_, err := ts.AnalyzeQueryIndexes(context.Background(), statements, TuningOptions{BudgetBytes: -1})

	var serr *InputSizeError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, 11, serr.Got)
	assert.Equal(t, 10, serr.Max)
}
