package adapter

import "testing"

func TestBuildWhereClauseNoFilterReturnsEmpty(t *testing.T) {
	tbl := &Table{UseQueryFilter: false}
	preview := &Preview{Columns: []string{"id"}, NumericColumn: map[string]bool{"id": true}}
	got := BuildWhereClause(tbl, preview, quoteMySQL, false)
	if got != "" {
		t.Fatalf("expected empty clause when UseQueryFilter is false, got %q", got)
	}
}

func TestBuildWhereClauseSingleStringFilter(t *testing.T) {
	tbl := &Table{
		UseQueryFilter: true,
		QueryFilter: []Filter{
			{Column: "status", RelationalOperator: "=", Value: "active"},
		},
	}
	preview := &Preview{Columns: []string{"status"}, NumericColumn: map[string]bool{"status": false}}
	got := BuildWhereClause(tbl, preview, quoteMySQL, false)
	// the first predicate carries no logical operator, which renders as a
	// doubled space after "where" — kept rather than trimmed so emitted
	// query shapes stay byte-stable.
	want := "where  `status` = 'active' "
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestBuildWhereClauseNoWhereOmitsPrefix(t *testing.T) {
	tbl := &Table{
		UseQueryFilter: true,
		QueryFilter: []Filter{
			{Column: "status", RelationalOperator: "=", Value: "active"},
		},
	}
	preview := &Preview{Columns: []string{"status"}, NumericColumn: map[string]bool{"status": false}}
	got := BuildWhereClause(tbl, preview, quoteMySQL, true)
	if got == "" || got[:5] == "where" {
		t.Fatalf("expected no leading 'where' when noWhere is set, got %q", got)
	}
}

func TestBuildWhereClauseNumericColumnUnquoted(t *testing.T) {
	tbl := &Table{
		UseQueryFilter: true,
		QueryFilter: []Filter{
			{Column: "amount", RelationalOperator: ">", Value: "100"},
		},
	}
	preview := &Preview{Columns: []string{"amount"}, NumericColumn: map[string]bool{"amount": true}}
	got := BuildWhereClause(tbl, preview, quoteMySQL, false)
	want := "where  `amount` > 100 "
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestBuildWhereClauseSkipsUnknownColumn(t *testing.T) {
	tbl := &Table{
		UseQueryFilter: true,
		QueryFilter: []Filter{
			{Column: "ghost_column", RelationalOperator: "=", Value: "x"},
		},
	}
	preview := &Preview{Columns: []string{"id"}, NumericColumn: map[string]bool{"id": true}}
	got := BuildWhereClause(tbl, preview, quoteMySQL, false)
	if got != "" {
		t.Fatalf("expected unknown column to be silently skipped, got %q", got)
	}
}

func TestBuildWhereClauseJoinsWithLogicalOperator(t *testing.T) {
	tbl := &Table{
		UseQueryFilter: true,
		QueryFilter: []Filter{
			{Column: "amount", RelationalOperator: ">", Value: "100"},
			{Column: "status", LogicalOperator: "and", RelationalOperator: "=", Value: "active"},
		},
	}
	preview := &Preview{
		Columns:       []string{"amount", "status"},
		NumericColumn: map[string]bool{"amount": true, "status": false},
	}
	got := BuildWhereClause(tbl, preview, quoteMySQL, false)
	want := "where  `amount` > 100 and `status` = 'active' "
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestBuildWhereClauseSkipsPredicateWithUnknownLogicalOperator(t *testing.T) {
	tbl := &Table{
		UseQueryFilter: true,
		QueryFilter: []Filter{
			{Column: "amount", RelationalOperator: ">", Value: "100"},
			{Column: "status", LogicalOperator: "xor", RelationalOperator: "=", Value: "active"},
		},
	}
	preview := &Preview{
		Columns:       []string{"amount", "status"},
		NumericColumn: map[string]bool{"amount": true, "status": false},
	}
	got := BuildWhereClause(tbl, preview, quoteMySQL, false)
	want := "where  `amount` > 100 "
	if got != want {
		t.Fatalf("expected predicate with unrecognized logical operator to be dropped, got %q want %q", got, want)
	}
}

func TestEscapeLiteralDoublesBackslashesAndQuotes(t *testing.T) {
	got := EscapeLiteral(`it's a \test`)
	want := `it''s a \\test`
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestQuoteIdentVariesByDialect(t *testing.T) {
	cases := []struct {
		quote func(string) string
		want  string
	}{
		{quoteMySQL, "`col`"},
		{quotePostgres, `"col"`},
		{quoteMSSQL, "[col]"},
	}
	for _, c := range cases {
		if got := c.quote("col"); got != c.want {
			t.Fatalf("got %q, want %q", got, c.want)
		}
	}
}

func TestRegistryGetAndRegister(t *testing.T) {
	r := NewRegistry()
	r.Register(NewMySQLDialect())
	r.Register(NewPostgresDialect())
	r.Register(NewMSSQLDialect())

	for _, engine := range []string{"mysql", "postgres", "mssql"} {
		d, err := r.Get(engine)
		if err != nil {
			t.Fatalf("Get(%q): %v", engine, err)
		}
		if d.EngineType != engine {
			t.Fatalf("got dialect %q, want %q", d.EngineType, engine)
		}
	}

	if _, err := r.Get("oracle"); err == nil {
		t.Fatalf("expected error for unregistered engine_type")
	}
}
