package adapter

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/microsoft/go-mssqldb"
)

func quoteMSSQL(ident string) string {
	return "[" + ident + "]"
}

// NewMSSQLDialect returns the Dialect for engine_type "mssql": bracketed
// identifiers, TOP-based row limiting, and CAST(... AS DATETIME2)
// timestamp literals.
func NewMSSQLDialect() *Dialect {
	return &Dialect{
		EngineType:         "mssql",
		SupportsRowUpdates: true,
		FormatCreds:        mssqlFormatCreds,
		RefreshConn:        mssqlRefreshConn,
		ListTablesAndViews: mssqlListTablesAndViews,
		Preview:            mssqlPreview,
		InitialPull:        mssqlInitialPull,
		GetUpdatedRows:     mssqlGetUpdatedRows,
		GetOldRows:         mssqlGetOldRows,
		GetPrimaryKeys:     mssqlGetPrimaryKeys,
	}
}

func mssqlFormatCreds(s *Source) (string, error) {
	return fmt.Sprintf("sqlserver://%s:%s@%s:%d?database=%s&dial+timeout=4", s.User, s.Password, s.Host, s.Port, s.Database), nil
}

func mssqlRefreshConn(ctx context.Context, s *Source) error {
	if s.Conn != nil {
		s.Conn.Close()
	}
	dsn, err := mssqlFormatCreds(s)
	if err != nil {
		return err
	}
	db, err := sql.Open("sqlserver", dsn)
	if err != nil {
		s.Connected = false
		s.Error = err.Error()
		return fmt.Errorf("adapter/mssql: open: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		s.Connected = false
		s.Error = err.Error()
		return fmt.Errorf("adapter/mssql: ping: %w", err)
	}
	s.Conn = db
	s.Connected = true
	s.Error = ""
	return nil
}

func mssqlListTablesAndViews(ctx context.Context, s *Source) ([]string, []string, error) {
	tableSQL := `
		SELECT table_name
		FROM information_schema.tables
		WHERE table_type = 'BASE TABLE' AND table_schema = 'dbo'
	`
	viewSQL := `SELECT table_name FROM information_schema.tables WHERE table_type = 'VIEW' AND table_schema = 'dbo'`

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

func mssqlPreview(ctx context.Context, s *Source, tableName string, numRows int) (*Preview, error) {
	query := fmt.Sprintf("SELECT TOP %d * FROM %s;", numRows, quoteMSSQL(tableName))
	rs, err := runQuery(ctx, s.Conn, query)
	if err != nil {
		return nil, err
	}
	return numericColumnsFromPreview(rs), nil
}

func mssqlInitialPull(ctx context.Context, s *Source, t *Table) (*RowSet, error) {
	preview, err := mssqlPreview(ctx, s, t.Name, 100)
	if err != nil {
		return nil, err
	}
	where := BuildWhereClause(t, preview, quoteMSSQL, false)
	query := fmt.Sprintf(`
		SELECT TOP %d %s
		FROM %s
		%s
		ORDER BY %s DESC;
	`, t.BatchPullSize, joinQuoted(t.RelevantColumns, quoteMSSQL), quoteMSSQL(t.Name), where, quoteMSSQL(t.OrderingKey))
	return runQuery(ctx, s.Conn, query)
}

func mssqlGetOldRows(ctx context.Context, s *Source, t *Table) (*RowSet, error) {
	preview, err := mssqlPreview(ctx, s, t.Name, 100)
	if err != nil {
		return nil, err
	}
	where := BuildWhereClause(t, preview, quoteMSSQL, false)
	query := fmt.Sprintf(`
		SELECT %s
		FROM %s
		%s
		ORDER BY %s DESC
		OFFSET %d ROWS FETCH NEXT %d ROWS ONLY;
	`, joinQuoted(t.RelevantColumns, quoteMSSQL), quoteMSSQL(t.Name), where, quoteMSSQL(t.OrderingKey),
		t.BatchPullSize*t.CrawlerStep, t.BatchPullSize)
	return runQuery(ctx, s.Conn, query)
}

func mssqlGetUpdatedRows(ctx context.Context, s *Source, t *Table) (*RowSet, error) {
	preview, err := mssqlPreview(ctx, s, t.Name, 100)
	if err != nil {
		return nil, err
	}
	where := BuildWhereClause(t, preview, quoteMSSQL, true)
	if where != "" {
		where = fmt.Sprintf(" and (%s)", where)
	}

	var cursorSQL string
	if t.LastUpdateValue.IsNumeric() {
		cursorSQL = t.LastUpdateValue.String()
	} else {
		cursorSQL = fmt.Sprintf("CAST('%s' AS DATETIME2)", EscapeLiteral(t.LastUpdateValue.Text))
	}

	query := fmt.Sprintf(`
		SELECT %s
		FROM %s
		WHERE %s > %s %s
	`, joinQuoted(t.RelevantColumns, quoteMSSQL), quoteMSSQL(t.Name), quoteMSSQL(t.OrderingKey), cursorSQL, where)
	return runQuery(ctx, s.Conn, query)
}

func mssqlGetPrimaryKeys(ctx context.Context, s *Source, t *Table, numRows int) (*RowSet, error) {
	preview, err := mssqlPreview(ctx, s, t.Name, 100)
	if err != nil {
		return nil, err
	}
	where := BuildWhereClause(t, preview, quoteMSSQL, false)
	query := fmt.Sprintf(`
		SELECT TOP %d %s, %s
		FROM %s
		%s
		ORDER BY %s DESC;
	`, numRows, quoteMSSQL(t.PrimaryKey), quoteMSSQL(t.OrderingKey), quoteMSSQL(t.Name), where, quoteMSSQL(t.OrderingKey))
	return runQuery(ctx, s.Conn, query)
}
