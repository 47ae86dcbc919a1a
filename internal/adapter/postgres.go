package adapter

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"
)

func quotePostgres(ident string) string {
	return `"` + ident + `"`
}

// NewPostgresDialect returns the Dialect for engine_type "postgres":
// double-quoted identifiers and E'...' timestamp literal style.
func NewPostgresDialect() *Dialect {
	return &Dialect{
		EngineType:         "postgres",
		SupportsRowUpdates: true,
		FormatCreds:        postgresFormatCreds,
		RefreshConn:        postgresRefreshConn,
		ListTablesAndViews: postgresListTablesAndViews,
		Preview:            postgresPreview,
		InitialPull:        postgresInitialPull,
		GetUpdatedRows:     postgresGetUpdatedRows,
		GetOldRows:         postgresGetOldRows,
		GetPrimaryKeys:     postgresGetPrimaryKeys,
	}
}

func postgresFormatCreds(s *Source) (string, error) {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?connect_timeout=4", s.User, s.Password, s.Host, s.Port, s.Database), nil
}

func postgresRefreshConn(ctx context.Context, s *Source) error {
	if s.Conn != nil {
		s.Conn.Close()
	}
	dsn, err := postgresFormatCreds(s)
	if err != nil {
		return err
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		s.Connected = false
		s.Error = err.Error()
		return fmt.Errorf("adapter/postgres: open: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		s.Connected = false
		s.Error = err.Error()
		return fmt.Errorf("adapter/postgres: ping: %w", err)
	}
	s.Conn = db
	s.Connected = true
	s.Error = ""
	return nil
}

func postgresListTablesAndViews(ctx context.Context, s *Source) ([]string, []string, error) {
	tableSQL := `
		SELECT table_name
		FROM information_schema.tables
		WHERE table_type = 'BASE TABLE' AND table_schema = 'public'
	`
	viewSQL := `SELECT table_name FROM information_schema.tables WHERE table_type = 'VIEW' AND table_schema = 'public'`

	tables, err := queryStringColumn(ctx, s.Conn, tableSQL)
	if err != nil {
		return nil, nil, err
	}
	views, err := queryStringColumn(ctx, s.Conn, viewSQL)
	if err != nil {
		return nil, nil, err
	}
	return tables, views, nil
}

func postgresPreview(ctx context.Context, s *Source, tableName string, numRows int) (*Preview, error) {
	query := fmt.Sprintf("SELECT * FROM %s LIMIT %d;", quotePostgres(tableName), numRows)
	rs, err := runQuery(ctx, s.Conn, query)
	if err != nil {
		return nil, err
	}
	return numericColumnsFromPreview(rs), nil
}

func postgresInitialPull(ctx context.Context, s *Source, t *Table) (*RowSet, error) {
	preview, err := postgresPreview(ctx, s, t.Name, 100)
	if err != nil {
		return nil, err
	}
	where := BuildWhereClause(t, preview, quotePostgres, false)
	query := fmt.Sprintf(`
		SELECT %s
		FROM %s
		%s
		ORDER BY %s DESC
		LIMIT %d;
	`, joinQuoted(t.RelevantColumns, quotePostgres), quotePostgres(t.Name), where, quotePostgres(t.OrderingKey), t.BatchPullSize)
	return runQuery(ctx, s.Conn, query)
}

func postgresGetOldRows(ctx context.Context, s *Source, t *Table) (*RowSet, error) {
	preview, err := postgresPreview(ctx, s, t.Name, 100)
	if err != nil {
		return nil, err
	}
	where := BuildWhereClause(t, preview, quotePostgres, false)
	query := fmt.Sprintf(`
		SELECT %s
		FROM %s
		%s
		ORDER BY %s DESC
		LIMIT %d OFFSET %d;
	`, joinQuoted(t.RelevantColumns, quotePostgres), quotePostgres(t.Name), where, quotePostgres(t.OrderingKey),
		t.BatchPullSize, t.BatchPullSize*t.CrawlerStep)
	return runQuery(ctx, s.Conn, query)
}

func postgresGetUpdatedRows(ctx context.Context, s *Source, t *Table) (*RowSet, error) {
	preview, err := postgresPreview(ctx, s, t.Name, 100)
	if err != nil {
		return nil, err
	}
	where := BuildWhereClause(t, preview, quotePostgres, true)
	if where != "" {
		where = fmt.Sprintf(" and (%s)", where)
	}

	var cursorSQL string
	if t.LastUpdateValue.IsNumeric() {
		cursorSQL = t.LastUpdateValue.String()
	} else {
		cursorSQL = "E'" + EscapeLiteral(t.LastUpdateValue.Text) + "'"
	}

	query := fmt.Sprintf(`
		SELECT %s
		FROM %s
		WHERE %s > %s %s
	`, joinQuoted(t.RelevantColumns, quotePostgres), quotePostgres(t.Name), quotePostgres(t.OrderingKey), cursorSQL, where)
	return runQuery(ctx, s.Conn, query)
}

func postgresGetPrimaryKeys(ctx context.Context, s *Source, t *Table, numRows int) (*RowSet, error) {
	preview, err := postgresPreview(ctx, s, t.Name, 100)
	if err != nil {
		return nil, err
	}
	where := BuildWhereClause(t, preview, quotePostgres, false)
	query := fmt.Sprintf(`
		SELECT %s, %s
		FROM %s
		%s
		ORDER BY %s DESC
		LIMIT %d;
	`, quotePostgres(t.PrimaryKey), quotePostgres(t.OrderingKey), quotePostgres(t.Name), where, quotePostgres(t.OrderingKey), numRows)
	return runQuery(ctx, s.Conn, query)
}
