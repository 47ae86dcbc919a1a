// Package payload encodes a query result into the row wire format the
// control plane's ingest endpoint expects: {values, columns, dtypes}.
package payload

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/resplendentdata/syncagent/internal/adapter"
)

// Payload is the JSON shape the ingest endpoint and the control channel's
// GET_TABLE_PREVIEW response both use.
type Payload struct {
	Values  [][]any  `json:"values"`
	Columns []string `json:"columns"`
	Dtypes  []string `json:"dtypes"`
}

// Encode converts rs into a Payload, casting every non-numeric,
// non-boolean, non-timestamp value to its string form, and localizing
// naive timestamps into columnTimezones[col], or UTC if the column has
// no override.
//
// Go's time.Time has no pandas-style "ambiguous"/"nonexistent" DST
// classification to infer or shift; a timestamp that would be ambiguous
// or nonexistent in the target zone is localized as-is via time.Time.In,
// which is the closest behavior available without vendoring a
// DST-disambiguation library.
func Encode(rs *adapter.RowSet, columnTimezones map[string]string) (*Payload, error) {
	dtypes := inferDtypes(rs)

	p := &Payload{
		Columns: append([]string{}, rs.Columns...),
		Dtypes:  dtypes,
		Values:  make([][]any, len(rs.Rows)),
	}

	for r, row := range rs.Rows {
		out := make([]any, len(row))
		for c, v := range row {
			out[c] = castValue(v, rs.Columns[c], dtypes[c], columnTimezones)
		}
		p.Values[r] = out
	}
	return p, nil
}

// Marshal renders p as the exact JSON object the ingest endpoint expects.
func Marshal(p *Payload) ([]byte, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("payload: marshal: %w", err)
	}
	return b, nil
}

func castValue(v any, column, dtype string, columnTimezones map[string]string) any {
	switch t := v.(type) {
	case nil:
		return nil
	case time.Time:
		return localize(t, column, columnTimezones).Format(time.RFC3339)
	case int64, int32, int, float64, float32, bool:
		return t
	case []byte:
		return string(t)
	case string:
		return t
	default:
		return fmt.Sprintf("%v", t)
	}
}

func localize(t time.Time, column string, columnTimezones map[string]string) time.Time {
	zone := "UTC"
	if columnTimezones != nil {
		if z, ok := columnTimezones[column]; ok && z != "" {
			zone = z
		}
	}
	loc, err := time.LoadLocation(zone)
	if err != nil {
		loc = time.UTC
	}
	return t.In(loc)
}

// inferDtypes classifies each column as "int64", "float64", "bool",
// "datetime64[ns]", or "object" for anything else/mixed — the dtype
// vocabulary the ingest side's pandas-based decoder expects.
func inferDtypes(rs *adapter.RowSet) []string {
	dtypes := make([]string, len(rs.Columns))
	seen := make([]string, len(rs.Columns))

	for _, row := range rs.Rows {
		for c, v := range row {
			if v == nil {
				continue
			}
			kind := kindOf(v)
			if seen[c] == "" {
				seen[c] = kind
			} else if seen[c] != kind {
				seen[c] = "object"
			}
		}
	}
	for i, k := range seen {
		if k == "" {
			k = "object"
		}
		dtypes[i] = k
	}
	return dtypes
}

func kindOf(v any) string {
	switch v.(type) {
	case int64, int32, int:
		return "int64"
	case float64, float32:
		return "float64"
	case bool:
		return "bool"
	case time.Time:
		return "datetime64[ns]"
	default:
		return "object"
	}
}
