package adapter

import (
	"context"
	"database/sql"
	"fmt"
)

// runQuery executes sql against conn and drains the result into a RowSet.
// Every concrete dialect builds its own query string (the WHERE clause,
// quoting, and LIMIT/OFFSET syntax all differ) but shares this scan loop.
func runQuery(ctx context.Context, conn *sql.DB, query string) (*RowSet, error) {
	rows, err := conn.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("adapter: query: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("adapter: columns: %w", err)
	}

	rs := &RowSet{Columns: cols}
	for rows.Next() {
		raw := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range raw {
			ptrs[i] = &raw[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("adapter: scan: %w", err)
		}
		rs.Rows = append(rs.Rows, raw)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("adapter: iterate rows: %w", err)
	}
	return rs, nil
}

// numericColumnsFromPreview classifies each column of a preview RowSet as
// numeric or not, by checking whether every non-NULL value scanned back as
// one of Go's numeric kinds.
func numericColumnsFromPreview(rs *RowSet) *Preview {
	numeric := make(map[string]bool, len(rs.Columns))
	for i := range rs.Columns {
		numeric[rs.Columns[i]] = true
	}
	for _, row := range rs.Rows {
		for i, v := range row {
			if v == nil {
				continue
			}
			switch v.(type) {
			case int64, float64, int, int32, float32:
			default:
				numeric[rs.Columns[i]] = false
			}
		}
	}
	return &Preview{Columns: rs.Columns, NumericColumn: numeric, Rows: rs.Rows}
}

func joinQuoted(cols []string, quote func(string) string) string {
	out := ""
	for i, c := range cols {
		if i > 0 {
			out += ","
		}
		out += quote(c)
	}
	return out
}
