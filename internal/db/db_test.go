package db

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRowSet_Maps(t *testing.T) {
	rs := &RowSet{
		Columns: []string{"a", "b"},
		Rows:    [][]any{{int64(1), "x"}, {int64(2), "y"}},
	}

	maps := rs.Maps()

	assert.Len(t, maps, 2)
	assert.Equal(t, int64(1), maps[0]["a"])
	assert.Equal(t, "y", maps[1]["b"])
}

func TestConverters(t *testing.T) {
	assert.Equal(t, int64(7), AsInt64(int32(7)))
	assert.Equal(t, int64(7), AsInt64("7"))
	assert.Equal(t, int64(0), AsInt64(nil))

	assert.Equal(t, 1.5, AsFloat64(1.5))
	assert.Equal(t, 3.0, AsFloat64(int64(3)))

	assert.Equal(t, "x", AsString([]byte("x")))
	assert.Equal(t, "", AsString(42))

	assert.True(t, AsBool(true))
	assert.True(t, AsBool("t"))
	assert.False(t, AsBool("f"))
}

func TestQuoting(t *testing.T) {
	assert.Equal(t, "'it''s'", QuoteLiteral("it's"))
	assert.Equal(t, `"weird""name"`, QuoteIdent(`weird"name`))
}

func TestTimeoutError(t *testing.T) {
	err := &TimeoutError{Statement: "SELECT pg_sleep(60)", Timeout: 30 * time.Second}

	assert.Contains(t, err.Error(), "30s")
	assert.Contains(t, err.Error(), "pg_sleep")
}

func TestExecutionError_Unwrap(t *testing.T) {
	inner := errors.New("relation does not exist")
	err := &ExecutionError{Statement: "SELECT 1", Err: inner}

	assert.ErrorIs(t, err, inner)
}
