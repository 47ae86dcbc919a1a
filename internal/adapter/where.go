package adapter

import "strings"

var logicalOperators = map[string]string{"and": "and", "or": "or"}
var relationalOperators = map[string]string{"=": "=", "!=": "!=", "<": "<", ">": ">"}

// EscapeLiteral doubles backslashes and single quotes. Every dialect
// shares this rule since identifier quoting (not literal escaping) is
// what varies between engines.
func EscapeLiteral(s string) string {
	s = strings.ReplaceAll(s, "\\", "\\\\")
	s = strings.ReplaceAll(s, "'", "''")
	return s
}

// BuildWhereClause renders a table's query_filter as a predicate
// chain: each predicate is `{logical} {quotedColumn} {relational}
// {value}`, and the first predicate's empty logical operator leaves a
// doubled space after "where ". quoteIdent wraps a column name in the
// dialect's identifier quoting (backtick / double-quote / bracket);
// preview supplies the numeric/non-numeric classification a 100-row
// SELECT * produced. A malformed filter (unknown operator, missing
// preview column) is silently skipped rather than failing the query.
func BuildWhereClause(t *Table, preview *Preview, quoteIdent func(string) string, noWhere bool) string {
	if !t.UseQueryFilter {
		return ""
	}

	sql := ""
	first := true
	for _, f := range t.QueryFilter {
		relational, okRelational := relationalOperators[f.RelationalOperator]
		if !okRelational {
			continue
		}
		logical := ""
		if !first {
			lo, okLogical := logicalOperators[f.LogicalOperator]
			if !okLogical {
				continue
			}
			logical = lo
		}
		numeric, known := preview.NumericColumn[f.Column]
		if !known {
			continue
		}

		subsql := logical + " " + quoteIdent(f.Column) + " " + relational
		if numeric {
			subsql += " " + f.Value + " "
		} else {
			subsql += " '" + EscapeLiteral(f.Value) + "' "
		}

		if sql == "" && !noWhere {
			sql = "where "
		}
		sql += subsql
		first = false
	}
	return sql
}
