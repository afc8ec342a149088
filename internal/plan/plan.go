package plan

import (
	"encoding/json"
	"fmt"

	"github.com/indexpilot/indexpilot/internal/db"
)

// Node is one operator in a PostgreSQL EXPLAIN (FORMAT JSON) tree.
type Node struct {
	NodeType     string  `json:"Node Type"`
	StartupCost  float64 `json:"Startup Cost"`
	TotalCost    float64 `json:"Total Cost"`
	PlanRows     int64   `json:"Plan Rows"`
	PlanWidth    int     `json:"Plan Width"`
	RelationName string  `json:"Relation Name,omitempty"`
	IndexName    string  `json:"Index Name,omitempty"`
	IndexCond    string  `json:"Index Cond,omitempty"`
	Filter       string  `json:"Filter,omitempty"`

	ActualStartupTime float64 `json:"Actual Startup Time,omitempty"`
	ActualTotalTime   float64 `json:"Actual Total Time,omitempty"`
	ActualRows        int64   `json:"Actual Rows,omitempty"`

	Plans []Node `json:"Plans,omitempty"`
}

// ExplainOutput is the top-level EXPLAIN JSON document.
type ExplainOutput struct {
	Plan          Node    `json:"Plan"`
	PlanningTime  float64 `json:"Planning Time,omitempty"`
	ExecutionTime float64 `json:"Execution Time,omitempty"`
}

// Cost is the planner's estimated total cost for the whole statement, in
// planner cost units (not wall-clock time) for determinism across calls.
func (e *ExplainOutput) Cost() float64 {
	return e.Plan.TotalCost
}

// decodeExplainRows extracts the ExplainOutput from an EXPLAIN (FORMAT JSON)
// result set, tolerating the different shapes the json column decodes into.
func decodeExplainRows(rs *db.RowSet) (*ExplainOutput, error) {
	if rs == nil || len(rs.Rows) == 0 || len(rs.Rows[0]) == 0 {
		return nil, fmt.Errorf("no results returned from EXPLAIN")
	}

	raw := rs.Rows[0][0]
	var payload []byte
	switch v := raw.(type) {
	case string:
		payload = []byte(v)
	case []byte:
		payload = v
	default:
		// pgx may have already decoded the json column; round-trip it.
		encoded, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("unexpected EXPLAIN payload type %T: %w", raw, err)
		}
		payload = encoded
	}

	var outputs []ExplainOutput
	if err := json.Unmarshal(payload, &outputs); err != nil {
		return nil, fmt.Errorf("failed to decode EXPLAIN output: %w", err)
	}
	if len(outputs) == 0 {
		return nil, fmt.Errorf("EXPLAIN returned an empty plan list")
	}
	return &outputs[0], nil
}
