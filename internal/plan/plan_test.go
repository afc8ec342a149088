package plan

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/indexpilot/indexpilot/internal/candidate"
	"github.com/indexpilot/indexpilot/internal/db"
	"github.com/indexpilot/indexpilot/internal/workload"
)

const explainJSON = `[
  {
    "Plan": {
      "Node Type": "Index Scan",
      "Startup Cost": 0.29,
      "Total Cost": 8.31,
      "Plan Rows": 1,
      "Plan Width": 24,
      "Relation Name": "orders",
      "Index Name": "orders_pkey"
    },
    "Planning Time": 0.12
  }
]`

// fakeSession records every statement and serves canned responses. failOn
// makes a matching statement fail instead.
type fakeSession struct {
	queries  []string
	released bool
	failOn   string
	failErr  error
	explain  string
}

func (f *fakeSession) Query(ctx context.Context, sql string) (*db.RowSet, error) {
	f.queries = append(f.queries, sql)
	if f.failOn != "" && strings.Contains(sql, f.failOn) {
		return nil, f.failErr
	}
	if strings.HasPrefix(sql, "EXPLAIN") {
		return &db.RowSet{Columns: []string{"QUERY PLAN"}, Rows: [][]any{{f.explain}}}, nil
	}
	return &db.RowSet{}, nil
}

func (f *fakeSession) Release() { f.released = true }

type fakeSource struct {
	session *fakeSession
}

func (f *fakeSource) Acquire(ctx context.Context) (db.Session, error) {
	return f.session, nil
}

func TestDecodeExplainRows(t *testing.T) {
	tests := []struct {
		name    string
		payload any
	}{
		{"string payload", explainJSON},
		{"byte payload", []byte(explainJSON)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rs := &db.RowSet{Columns: []string{"QUERY PLAN"}, Rows: [][]any{{tt.payload}}}

			out, err := decodeExplainRows(rs)
			require.NoError(t, err)

			assert.Equal(t, "Index Scan", out.Plan.NodeType)
			assert.Equal(t, 8.31, out.Cost())
		})
	}
}

func TestDecodeExplainRows_PreDecodedPayload(t *testing.T) {
	// pgx can hand the json column back as decoded Go values.
	payload := []any{map[string]any{
		"Plan": map[string]any{"Node Type": "Seq Scan", "Total Cost": 120.5},
	}}
	rs := &db.RowSet{Columns: []string{"QUERY PLAN"}, Rows: [][]any{{payload}}}

	out, err := decodeExplainRows(rs)
	require.NoError(t, err)
	assert.Equal(t, 120.5, out.Cost())
}

func TestDecodeExplainRows_Empty(t *testing.T) {
	_, err := decodeExplainRows(&db.RowSet{})
	assert.Error(t, err)
}

func TestExplain_OptionSelection(t *testing.T) {
	tests := []struct {
		name      string
		statement string
		analyze   bool
		want      string
		notWant   string
	}{
		{"plain", "SELECT * FROM orders", false, "EXPLAIN (FORMAT JSON)", "GENERIC_PLAN"},
		{"analyze", "SELECT * FROM orders", true, "ANALYZE", "GENERIC_PLAN"},
		{"bind variables", "SELECT * FROM orders WHERE id = $1", false, "GENERIC_PLAN", "ANALYZE"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sess := &fakeSession{explain: explainJSON}
			svc := NewService(&fakeSource{session: sess})

			_, err := svc.Explain(context.Background(), sess, tt.statement, tt.analyze)
			require.NoError(t, err)

			require.Len(t, sess.queries, 1)
			assert.Contains(t, sess.queries[0], tt.want)
			assert.NotContains(t, sess.queries[0], tt.notWant)
		})
	}
}

func TestWithHypotheticalIndexes_CreatesAndResets(t *testing.T) {
	sess := &fakeSession{explain: explainJSON}
	svc := NewService(&fakeSource{session: sess})

	indexes := []candidate.Index{
		{Table: "orders", Columns: []string{"customer_id"}},
		{Table: "orders", Columns: []string{"status"}},
	}
	err := svc.WithHypotheticalIndexes(context.Background(), indexes, func(ctx context.Context, q db.Querier) error {
		return nil
	})
	require.NoError(t, err)

	require.Len(t, sess.queries, 3)
	assert.Contains(t, sess.queries[0], "hypopg_create_index")
	assert.Contains(t, sess.queries[0], "customer_id")
	assert.Contains(t, sess.queries[1], "status")
	assert.Equal(t, "SELECT hypopg_reset()", sess.queries[2])
	assert.True(t, sess.released)
}

func TestWithHypotheticalIndexes_ResetsWhenBodyFails(t *testing.T) {
	sess := &fakeSession{explain: explainJSON}
	svc := NewService(&fakeSource{session: sess})

	bodyErr := errors.New("boom")
	err := svc.WithHypotheticalIndexes(context.Background(),
		[]candidate.Index{{Table: "orders", Columns: []string{"id"}}},
		func(ctx context.Context, q db.Querier) error { return bodyErr })

	assert.ErrorIs(t, err, bodyErr)
	assert.Equal(t, "SELECT hypopg_reset()", sess.queries[len(sess.queries)-1])
	assert.True(t, sess.released)
}

func TestWithHypotheticalIndexes_ResetsWhenCreateFails(t *testing.T) {
	sess := &fakeSession{failOn: "status", failErr: errors.New("create failed")}
	svc := NewService(&fakeSource{session: sess})

	bodyRan := false
	err := svc.WithHypotheticalIndexes(context.Background(),
		[]candidate.Index{
			{Table: "orders", Columns: []string{"customer_id"}},
			{Table: "orders", Columns: []string{"status"}},
		},
		func(ctx context.Context, q db.Querier) error { bodyRan = true; return nil })

	require.Error(t, err)
	assert.False(t, bodyRan)
	// The first handle was created, so teardown must still run.
	assert.Equal(t, "SELECT hypopg_reset()", sess.queries[len(sess.queries)-1])
	assert.True(t, sess.released)
}

func TestWithHypotheticalIndexes_NoResetWhenNothingCreated(t *testing.T) {
	sess := &fakeSession{explain: explainJSON}
	svc := NewService(&fakeSource{session: sess})

	err := svc.WithHypotheticalIndexes(context.Background(), nil, func(ctx context.Context, q db.Querier) error {
		return nil
	})
	require.NoError(t, err)

	assert.Empty(t, sess.queries)
	assert.True(t, sess.released)
}

func TestConfigurationCost_WeightedSum(t *testing.T) {
	sess := &fakeSession{explain: explainJSON} // every plan costs 8.31
	svc := NewService(&fakeSource{session: sess})

	wl := &workload.Workload{Entries: []workload.Entry{
		{Query: workload.Query{Text: "SELECT * FROM orders", Fingerprint: "a"}, Weight: 10},
		{Query: workload.Query{Text: "SELECT * FROM customers", Fingerprint: "b"}, Weight: 1},
	}}

	total, err := svc.ConfigurationCost(context.Background(), wl,
		[]candidate.Index{{Table: "orders", Columns: []string{"id"}}})
	require.NoError(t, err)

	assert.InDelta(t, 8.31*11, total, 1e-9)
}

func TestMarginalCost(t *testing.T) {
	baseline := &ExplainOutput{Plan: Node{TotalCost: 100}}
	improved := &ExplainOutput{Plan: Node{TotalCost: 40}}

	assert.Equal(t, 60.0, MarginalCost(baseline, improved))
}
