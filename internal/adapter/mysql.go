package adapter

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/go-sql-driver/mysql"
)

func quoteMySQL(ident string) string {
	return "`" + ident + "`"
}

// NewMySQLDialect returns the Dialect for engine_type "mysql", backed
// by database/sql + github.com/go-sql-driver/mysql.
func NewMySQLDialect() *Dialect {
	return &Dialect{
		EngineType:         "mysql",
		SupportsRowUpdates: true,
		FormatCreds:        mysqlFormatCreds,
		RefreshConn:        mysqlRefreshConn,
		ListTablesAndViews: mysqlListTablesAndViews,
		Preview:            mysqlPreview,
		InitialPull:        mysqlInitialPull,
		GetUpdatedRows:     mysqlGetUpdatedRows,
		GetOldRows:         mysqlGetOldRows,
		GetPrimaryKeys:     mysqlGetPrimaryKeys,
	}
}

func mysqlFormatCreds(s *Source) (string, error) {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?timeout=4s", s.User, s.Password, s.Host, s.Port, s.Database), nil
}

func mysqlRefreshConn(ctx context.Context, s *Source) error {
	if s.Conn != nil {
		s.Conn.Close()
	}
	dsn, err := mysqlFormatCreds(s)
	if err != nil {
		return err
	}
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		s.Connected = false
		s.Error = err.Error()
		return fmt.Errorf("adapter/mysql: open: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		s.Connected = false
		s.Error = err.Error()
		return fmt.Errorf("adapter/mysql: ping: %w", err)
	}
	s.Conn = db
	s.Connected = true
	s.Error = ""
	return nil
}

func mysqlListTablesAndViews(ctx context.Context, s *Source) ([]string, []string, error) {
	tableSQL := fmt.Sprintf(`
		SELECT table_name
		FROM information_schema.tables
		WHERE (table_type = 'BASE TABLE' OR table_type = 'base table') AND table_schema = '%s'
	`, EscapeLiteral(s.Database))
	viewSQL := `SELECT table_name FROM information_schema.tables WHERE table_type = 'VIEW'`

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

func queryStringColumn(ctx context.Context, conn *sql.DB, query string) ([]string, error) {
	rows, err := conn.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("adapter/mysql: query: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func mysqlPreview(ctx context.Context, s *Source, tableName string, numRows int) (*Preview, error) {
	sql := fmt.Sprintf("SELECT * FROM %s LIMIT %d;", tableName, numRows)
	rs, err := runQuery(ctx, s.Conn, sql)
	if err != nil {
		return nil, err
	}
	return numericColumnsFromPreview(rs), nil
}

func mysqlInitialPull(ctx context.Context, s *Source, t *Table) (*RowSet, error) {
	preview, err := mysqlPreview(ctx, s, t.Name, 100)
	if err != nil {
		return nil, err
	}
	where := BuildWhereClause(t, preview, quoteMySQL, false)
	query := fmt.Sprintf(`
		SELECT %s
		FROM %s
		%s
		ORDER BY %s DESC
		LIMIT %d;
	`, joinQuoted(t.RelevantColumns, quoteMySQL), t.Name, where, quoteMySQL(t.OrderingKey), t.BatchPullSize)
	return runQuery(ctx, s.Conn, query)
}

func mysqlGetOldRows(ctx context.Context, s *Source, t *Table) (*RowSet, error) {
	preview, err := mysqlPreview(ctx, s, t.Name, 100)
	if err != nil {
		return nil, err
	}
	where := BuildWhereClause(t, preview, quoteMySQL, false)
	query := fmt.Sprintf(`
		SELECT %s
		FROM %s
		%s
		ORDER BY %s DESC
		LIMIT %d OFFSET %d;
	`, joinQuoted(t.RelevantColumns, quoteMySQL), t.Name, where, quoteMySQL(t.OrderingKey),
		t.BatchPullSize, t.BatchPullSize*t.CrawlerStep)
	return runQuery(ctx, s.Conn, query)
}

func mysqlGetUpdatedRows(ctx context.Context, s *Source, t *Table) (*RowSet, error) {
	preview, err := mysqlPreview(ctx, s, t.Name, 100)
	if err != nil {
		return nil, err
	}
	where := BuildWhereClause(t, preview, quoteMySQL, true)
	if where != "" {
		where = fmt.Sprintf(" and (%s)", where)
	}

	var cursorSQL string
	if t.LastUpdateValue.IsNumeric() {
		cursorSQL = t.LastUpdateValue.String()
	} else {
		cursorSQL = "'" + EscapeLiteral(t.LastUpdateValue.Text) + "'"
	}

	query := fmt.Sprintf(`
		SELECT %s
		FROM %s
		WHERE %s > %s %s
	`, joinQuoted(t.RelevantColumns, quoteMySQL), t.Name, t.OrderingKey, cursorSQL, where)
	return runQuery(ctx, s.Conn, query)
}

func mysqlGetPrimaryKeys(ctx context.Context, s *Source, t *Table, numRows int) (*RowSet, error) {
	preview, err := mysqlPreview(ctx, s, t.Name, 100)
	if err != nil {
		return nil, err
	}
	where := BuildWhereClause(t, preview, quoteMySQL, false)
	query := fmt.Sprintf(`
		SELECT %s, %s
		FROM %s
		%s
		ORDER BY %s DESC
		LIMIT %d;
	`, quoteMySQL(t.PrimaryKey), quoteMySQL(t.OrderingKey), t.Name, where, quoteMySQL(t.OrderingKey), numRows)
	return runQuery(ctx, s.Conn, query)
}
