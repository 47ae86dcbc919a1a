// Package statestore implements the agent's local state store: durable
// per-table sync cursors, heartbeats, and agent-wide flags, persisted in
// a single SQLite file and opened fresh for each logical operation.
//
// The five logical tables keep their long-standing names and columns so
// existing deployments' sync history and commands keep working across
// upgrades — the operator dashboard reads this file directly.
package statestore

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Store wraps the path to the state database. Every method opens its own
// connection and closes it on return, an "opened per operation, closed on
// completion" discipline chosen over a long-lived pool so a dashboard
// process and the agent never fight over file locks beyond what SQLite's
// own busy-timeout already tolerates.
type Store struct {
	path string
}

// New returns a Store for the database at path, bootstrapping its schema
// if the file is new or empty.
func New(path string) (*Store, error) {
	s := &Store{path: path}
	if err := s.withDB(func(db *sql.DB) error {
		return bootstrap(db)
	}); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) withDB(fn func(db *sql.DB) error) error {
	db, err := sql.Open("sqlite", s.path+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return fmt.Errorf("statestore: open %s: %w", s.path, err)
	}
	defer db.Close()
	return fn(db)
}

func bootstrap(db *sql.DB) error {
	var count int
	if err := db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table'").Scan(&count); err != nil {
		return fmt.Errorf("statestore: inspect schema: %w", err)
	}
	if count > 0 {
		return nil
	}

	schema := `
		CREATE TABLE connection_info
		(source_uuid TEXT PRIMARY KEY, connection_name TEXT, connection_status TEXT, connection_error TEXT, last_update TEXT);

		CREATE TABLE sync_info
		(sync_time REAL, last_update TEXT);

		CREATE TABLE agent_errors
		(error TEXT PRIMARY KEY, status TEXT, last_update TEXT);

		CREATE TABLE agent_commands
		(command TEXT, last_update TEXT);

		CREATE TABLE table_sync_info
		(table_uuid TEXT PRIMARY KEY, last_update REAL, in_progress TEXT, heartbeat REAL, checked_for_deleted_rows REAL, big_table_watermark TEXT);

		INSERT INTO sync_info (sync_time, last_update) VALUES (0, CURRENT_TIMESTAMP);

		INSERT INTO agent_errors (error, status, last_update) VALUES ('authentication', 'Not Authenticated', CURRENT_TIMESTAMP);
		INSERT INTO agent_errors (error, status, last_update) VALUES ('agent_connection', 'Not Connected', CURRENT_TIMESTAMP);
		INSERT INTO agent_errors (error, status, last_update) VALUES ('agent_failure', 'Failed', CURRENT_TIMESTAMP);

		INSERT INTO agent_commands (command, last_update) VALUES ('continue', CURRENT_TIMESTAMP);
		`
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("statestore: bootstrap schema: %w", err)
	}
	return nil
}

// escapeSQL doubles backslashes, single quotes, and percent signs
// (guarding against accidental LIKE-wildcard interpretation in
// hand-built clauses), and collapses embedded newlines to spaces so a
// multi-line error message can't break out of a single string literal.
//
// The store's writes are intentionally string-concatenated rather than
// parameter-bound, keeping the query shapes identical to what earlier
// agent releases wrote; this function is the one place that discipline
// is enforced.
func escapeSQL(s string) string {
	s = strings.ReplaceAll(s, "\\", "\\\\")
	s = strings.ReplaceAll(s, "'", "''")
	s = strings.ReplaceAll(s, "%", "%%")
	s = strings.ReplaceAll(s, "\n", " ")
	return s
}

// UpsertConnectionInfo records a source's connected status and error
// message, as SAVE_DATA_SOURCE and the per-cycle refresh path do.
func (s *Store) UpsertConnectionInfo(sourceUUID, name string, connected bool, errMsg string) error {
	status := "False"
	if connected {
		status = "True"
	}
	stmt := fmt.Sprintf(`
		UPDATE connection_info
		SET connection_name = '%s', connection_status = '%s', connection_error = '%s', last_update = CURRENT_TIMESTAMP
		WHERE source_uuid = '%s';
		INSERT INTO connection_info (connection_name, source_uuid, connection_status, connection_error, last_update)
			SELECT '%s', '%s', '%s', '%s', CURRENT_TIMESTAMP
			WHERE NOT EXISTS (SELECT 1 FROM connection_info WHERE source_uuid = '%s');
		`,
		escapeSQL(name), status, escapeSQL(errMsg), escapeSQL(sourceUUID),
		escapeSQL(name), escapeSQL(sourceUUID), status, escapeSQL(errMsg), escapeSQL(sourceUUID),
	)
	return s.withDB(func(db *sql.DB) error {
		_, err := db.Exec(stmt)
		return err
	})
}

// ConnectionInfo is one row of the connection_info table.
type ConnectionInfo struct {
	SourceUUID string
	Name       string
	Status     string
	Error      string
}

// ListConnectionInfo returns every connection_info row, for the dashboard
// surface and for tests.
func (s *Store) ListConnectionInfo() ([]ConnectionInfo, error) {
	var rows []ConnectionInfo
	err := s.withDB(func(db *sql.DB) error {
		res, err := db.Query("SELECT source_uuid, connection_name, connection_status, connection_error FROM connection_info")
		if err != nil {
			return err
		}
		defer res.Close()
		for res.Next() {
			var c ConnectionInfo
			if err := res.Scan(&c.SourceUUID, &c.Name, &c.Status, &c.Error); err != nil {
				return err
			}
			rows = append(rows, c)
		}
		return res.Err()
	})
	return rows, err
}

// RecordSyncDuration appends a sync_info row and prunes entries older
// than one day, keeping a rolling last-day history for the dashboard.
func (s *Store) RecordSyncDuration(seconds float64) error {
	stmt := fmt.Sprintf(`
		INSERT INTO sync_info (sync_time, last_update) VALUES (%g, CURRENT_TIMESTAMP);
		DELETE FROM sync_info WHERE last_update < DATETIME('now', '-1 days');
		`, seconds)
	return s.withDB(func(db *sql.DB) error {
		_, err := db.Exec(stmt)
		return err
	})
}

// LastSyncDuration returns the most recently recorded sync_time, or 0 if
// none exists yet.
func (s *Store) LastSyncDuration() (float64, error) {
	var v sql.NullFloat64
	err := s.withDB(func(db *sql.DB) error {
		return db.QueryRow("SELECT sync_time FROM sync_info ORDER BY rowid DESC LIMIT 1").Scan(&v)
	})
	if err != nil {
		return 0, err
	}
	return v.Float64, nil
}

// UpdateAuthStatus sets one of the three fixed agent_errors rows
// (authentication, agent_connection, agent_failure).
func (s *Store) UpdateAuthStatus(kind, status string) error {
	stmt := fmt.Sprintf(`
		UPDATE agent_errors SET status = '%s', last_update = CURRENT_TIMESTAMP WHERE error = '%s';
		`, escapeSQL(status), escapeSQL(kind))
	return s.withDB(func(db *sql.DB) error {
		_, err := db.Exec(stmt)
		return err
	})
}

// AgentCommand returns the single agent_commands row's command, defaulting
// to "continue" if the table is empty.
func (s *Store) AgentCommand() (string, error) {
	var cmd string
	err := s.withDB(func(db *sql.DB) error {
		row := db.QueryRow("SELECT command FROM agent_commands LIMIT 1")
		err := row.Scan(&cmd)
		if err == sql.ErrNoRows {
			cmd = "continue"
			return nil
		}
		return err
	})
	return cmd, err
}

// SetAgentCommand overwrites the single agent_commands row.
func (s *Store) SetAgentCommand(cmd string) error {
	stmt := fmt.Sprintf(`UPDATE agent_commands SET command = '%s', last_update = CURRENT_TIMESTAMP;`, escapeSQL(cmd))
	return s.withDB(func(db *sql.DB) error {
		_, err := db.Exec(stmt)
		return err
	})
}

// TableSyncInfo is one row of the table_sync_info table.
type TableSyncInfo struct {
	TableUUID             string
	LastUpdate            float64
	InProgress            string
	Heartbeat             float64
	CheckedForDeletedRows float64
	BigTableWatermark     string
}

// GetTableSyncInfo returns the row for tableUUID, or (TableSyncInfo{}, false, nil)
// if no row exists yet.
func (s *Store) GetTableSyncInfo(tableUUID string) (TableSyncInfo, bool, error) {
	var info TableSyncInfo
	var found bool
	err := s.withDB(func(db *sql.DB) error {
		row := db.QueryRow(`
			SELECT table_uuid, COALESCE(last_update, 0), COALESCE(in_progress, ''), COALESCE(heartbeat, 0), COALESCE(checked_for_deleted_rows, 0), COALESCE(big_table_watermark, '')
			FROM table_sync_info WHERE table_uuid = ?`, tableUUID)
		err := row.Scan(&info.TableUUID, &info.LastUpdate, &info.InProgress, &info.Heartbeat, &info.CheckedForDeletedRows, &info.BigTableWatermark)
		if err == sql.ErrNoRows {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return nil
	})
	return info, found, err
}

// SetBigTableWatermark persists the large-table worker's captured upper
// ordering-key bound for tableUUID; the sync engine reads it back across
// the process boundary to continue the table incrementally.
func (s *Store) SetBigTableWatermark(tableUUID, watermark string) error {
	_, found, err := s.GetTableSyncInfo(tableUUID)
	if err != nil {
		return err
	}
	var stmt string
	if !found {
		stmt = fmt.Sprintf(`INSERT INTO table_sync_info (table_uuid, big_table_watermark) VALUES ('%s', '%s');`,
			escapeSQL(tableUUID), escapeSQL(watermark))
	} else {
		stmt = fmt.Sprintf(`UPDATE table_sync_info SET big_table_watermark = '%s' WHERE table_uuid = '%s';`,
			escapeSQL(watermark), escapeSQL(tableUUID))
	}
	return s.withDB(func(db *sql.DB) error {
		_, err := db.Exec(stmt)
		return err
	})
}

// TouchTableSync upserts table_sync_info.last_update to now, creating the
// row on first sync of a table.
func (s *Store) TouchTableSync(tableUUID string, now time.Time) error {
	_, found, err := s.GetTableSyncInfo(tableUUID)
	if err != nil {
		return err
	}
	ts := float64(now.UnixNano()) / 1e9
	var stmt string
	if !found {
		stmt = fmt.Sprintf(`INSERT INTO table_sync_info (table_uuid, last_update) VALUES ('%s', %g);`, escapeSQL(tableUUID), ts)
	} else {
		stmt = fmt.Sprintf(`UPDATE table_sync_info SET last_update = %g WHERE table_uuid = '%s';`, ts, escapeSQL(tableUUID))
	}
	return s.withDB(func(db *sql.DB) error {
		_, err := db.Exec(stmt)
		return err
	})
}

// ResetTableSync zeroes last_update, clearing the large-table gate's
// 15-minute window so the next cycle treats the table as eligible unless
// a worker is still in progress with a fresh heartbeat (used by
// UPDATE_TABLE_INFO).
func (s *Store) ResetTableSync(tableUUID string) error {
	stmt := fmt.Sprintf(`UPDATE table_sync_info SET last_update = 0 WHERE table_uuid = '%s';`, escapeSQL(tableUUID))
	return s.withDB(func(db *sql.DB) error {
		_, err := db.Exec(stmt)
		return err
	})
}

// Heartbeat marks the large-table worker for tableUUID as in progress with
// a fresh heartbeat timestamp.
func (s *Store) Heartbeat(tableUUID string, now time.Time) error {
	stmt := fmt.Sprintf(`UPDATE table_sync_info SET in_progress = 'true', heartbeat = %g WHERE table_uuid = '%s';`,
		float64(now.UnixNano())/1e9, escapeSQL(tableUUID))
	return s.withDB(func(db *sql.DB) error {
		_, err := db.Exec(stmt)
		return err
	})
}

// WorkerFinished clears the in_progress flag for tableUUID.
func (s *Store) WorkerFinished(tableUUID string) error {
	stmt := fmt.Sprintf(`UPDATE table_sync_info SET in_progress = 'false' WHERE table_uuid = '%s';`, escapeSQL(tableUUID))
	return s.withDB(func(db *sql.DB) error {
		_, err := db.Exec(stmt)
		return err
	})
}

// SetCheckedForDeletedRows stamps checked_for_deleted_rows with now.
func (s *Store) SetCheckedForDeletedRows(tableUUID string, now time.Time) error {
	stmt := fmt.Sprintf(`UPDATE table_sync_info SET checked_for_deleted_rows = %g WHERE table_uuid = '%s';`,
		float64(now.UnixNano())/1e9, escapeSQL(tableUUID))
	return s.withDB(func(db *sql.DB) error {
		_, err := db.Exec(stmt)
		return err
	})
}

// LargeTableEligible implements the large-table dispatch gate:
// allowed iff no row exists yet, or more than 15 minutes
// have passed since last_update and either in_progress isn't "true" or the
// heartbeat is more than 60s stale.
func (s *Store) LargeTableEligible(tableUUID string, now time.Time) (bool, error) {
	info, found, err := s.GetTableSyncInfo(tableUUID)
	if err != nil {
		return false, err
	}
	if !found {
		return true, nil
	}
	nowTS := float64(now.UnixNano()) / 1e9
	if nowTS-info.LastUpdate <= 15*60 {
		return false, nil
	}
	if info.InProgress != "true" {
		return true, nil
	}
	return nowTS-info.Heartbeat > 60, nil
}
