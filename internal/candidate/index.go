package candidate

import (
	"fmt"
	"sort"
	"strings"
)

// Index is a candidate index. It is never physically created; it only ever
// exists as a handle against the hypothetical-index facility. Identity is
// (table, ordered columns).
type Index struct {
	Table              string   `json:"table"`
	Columns            []string `json:"columns"`
	EstimatedSizeBytes int64    `json:"estimated_size_bytes"`
	Covering           bool     `json:"is_covering"`
}

// Key is the identity of the candidate: table plus ordered column list.
func (i Index) Key() string {
	return fmt.Sprintf("%s(%s)", i.Table, strings.Join(i.Columns, ","))
}

// Name is the generated index name used in hypothetical definitions.
func (i Index) Name() string {
	return fmt.Sprintf("ixp_%s_%s_%d", i.Table, strings.Join(i.Columns, "_"), len(i.Columns))
}

// DefinitionSQL renders the CREATE INDEX statement handed to the what-if
// facility.
func (i Index) DefinitionSQL() string {
	return fmt.Sprintf("CREATE INDEX %s ON %s USING btree (%s)", i.Name(), i.Table, strings.Join(i.Columns, ", "))
}

// ConfigKey is a deterministic identity for a set of candidates, used to
// memoize configuration costs within a single tuning run.
func ConfigKey(indexes []Index) string {
	keys := make([]string, len(indexes))
	for i, idx := range indexes {
		keys[i] = idx.Key()
	}
	sort.Strings(keys)
	return strings.Join(keys, ";")
}

// TotalSize sums the estimated storage of a configuration.
func TotalSize(indexes []Index) int64 {
	var total int64
	for _, idx := range indexes {
		total += idx.EstimatedSizeBytes
	}
	return total
}
