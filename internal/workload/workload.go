package workload

// Query is one collected statement with its aggregate statistics. Immutable
// once collected; identity is the fingerprint.
type Query struct {
	Fingerprint  string  `json:"fingerprint"`
	Text         string  `json:"text"`
	CallCount    int64   `json:"call_count"`
	TotalTime    float64 `json:"total_time"`
	MeanTime     float64 `json:"mean_time"`
	RowsReturned int64   `json:"rows_returned"`
}

// Entry pairs a query with its tuning weight.
type Entry struct {
	Query  Query   `json:"query"`
	Weight float64 `json:"weight"`
}

// Workload is a read-only snapshot of weighted queries for the duration of
// one tuning request.
type Workload struct {
	Entries []Entry `json:"entries"`
}

// Filter returns a new workload containing only entries the keep predicate
// accepts.
func (w *Workload) Filter(keep func(text string) bool) *Workload {
	out := &Workload{}
	for _, e := range w.Entries {
		if keep(e.Query.Text) {
			out.Entries = append(out.Entries, e)
		}
	}
	return out
}
