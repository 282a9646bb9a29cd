package query

// Column describes one result column.
type Column struct {
	Name     string `msgpack:"name" json:"name"`
	DeclType string `msgpack:"decl_type" json:"decl_type,omitempty"`
}

// Result is the outcome of a successful statement. Row values are the
// engine's dynamic values: nil, int64, float64, string, []byte, bool or time.Time.
type Result struct {
	Columns      []Column `msgpack:"columns" json:"columns"`
	Rows         [][]any  `msgpack:"rows" json:"rows"`
	RowsAffected int64    `msgpack:"rows_affected" json:"rows_affected"`
	LastInsertID int64    `msgpack:"last_insert_id" json:"last_insert_id"`
}

// ColumnNames returns the result's column names in order.
func (r *Result) ColumnNames() []string {
	names := make([]string, len(r.Columns))
	for i, c := range r.Columns {
		names[i] = c.Name
	}
	return names
}

// Empty returns a result with no columns and no rows.
func Empty() *Result {
	return &Result{Columns: []Column{}, Rows: [][]any{}}
}
