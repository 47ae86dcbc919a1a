// Package syncengine implements the sync engine: the periodic
// per-source, per-table dispatch loop and the batch_pull decision tree
// that decides what rows to pull and how to frame them for the control
// channel.
package syncengine

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/resplendentdata/syncagent/internal/adapter"
	"github.com/resplendentdata/syncagent/internal/payload"
	"github.com/resplendentdata/syncagent/internal/statestore"
)

// ErrTableAlreadyProcessing reports a table whose previous sync is
// still being processed upstream; the sync engine swallows it with a
// log line and skips the table rather than surfacing it to the control
// channel.
var ErrTableAlreadyProcessing = errors.New("syncengine: table already processing data")

const (
	syncStatusInitial     = adapter.SyncStatusInitial
	syncStatusIncremental = adapter.SyncStatusIncremental

	defaultBatchPullSize       = 10000
	alreadyProcessingWindow    = 900 * time.Second
	deletedRowsCheckThreshold  = 10
)

// Message is the outbound batch_pull result, pushed back over the
// control channel as a data_update.
type Message struct {
	SyncStatus                 int             `json:"sync_status"`
	AgentUUID                  string          `json:"agent_uuid"`
	TableUUID                  string          `json:"table_uuid"`
	PrimaryKey                 string          `json:"primary_key"`
	CrawlerStep                int             `json:"crawler_step"`
	CrawlerStepInfo            string          `json:"crawler_step_info"`
	NewRows                    *payload.Payload `json:"new_rows"`
	UpdatedRows                *payload.Payload `json:"updated_rows"`
	DeletedRowsCheck           *payload.Payload `json:"deleted_rows_check"`
	CheckForDeletedRowsCounter int             `json:"check_for_deleted_rows_counter"`
	LastSync                   float64         `json:"last_sync"`
	RunDatasets                bool            `json:"run_datasets"`
}

// BatchPull decides what to pull for one table — back-filled old rows,
// cursor-driven updates, a deleted-rows key sweep, or a full initial
// load — and returns the message to push back over the control channel.
func BatchPull(ctx context.Context, agentUUID string, d *adapter.Dialect, src *adapter.Source, t *adapter.Table, store *statestore.Store, now time.Time) (*Message, error) {
	if t.ProcessingData {
		elapsed := float64(now.Unix()) - t.LastSync
		if elapsed <= alreadyProcessingWindow.Seconds() {
			return nil, ErrTableAlreadyProcessing
		}
	}

	syncStatus := t.SyncStatus
	if !d.SupportsRowUpdates {
		syncStatus = syncStatusInitial
	}

	lastSync, err := store.LastSyncDuration()
	if err != nil {
		return nil, fmt.Errorf("syncengine: read last sync duration: %w", err)
	}

	batchSize := t.BatchPullSize
	if batchSize == 0 {
		batchSize = defaultBatchPullSize
	}
	t.BatchPullSize = batchSize

	msg := &Message{
		SyncStatus:      syncStatus,
		AgentUUID:       agentUUID,
		TableUUID:       t.UUID,
		PrimaryKey:      t.PrimaryKey,
		CrawlerStep:     t.CrawlerStep,
		CrawlerStepInfo: t.CrawlerStepInfo,
		CheckForDeletedRowsCounter: t.CheckForDeletedRowsCount,
		LastSync:                   lastSync,
		RunDatasets:                true,
	}

	switch syncStatus {
	case syncStatusIncremental:
		if err := runIncremental(ctx, d, src, t, msg); err != nil {
			return nil, err
		}
	case syncStatusInitial:
		rs, err := d.InitialPull(ctx, src, t)
		if err != nil {
			return nil, fmt.Errorf("syncengine: initial_pull: %w", err)
		}
		p, err := payload.Encode(rs, t.ColumnTimezones)
		if err != nil {
			return nil, err
		}
		applyForceDtypes(p, t.ForceDtypes)
		msg.NewRows = p
	}

	return msg, nil
}

func runIncremental(ctx context.Context, d *adapter.Dialect, src *adapter.Source, t *adapter.Table, msg *Message) error {
	if t.ImportOldRows && t.CrawlerStepInfo != "completed" {
		rs, err := d.GetOldRows(ctx, src, t)
		if err != nil {
			return fmt.Errorf("syncengine: get_old_rows: %w", err)
		}
		// crawler_step itself only advances remotely, carried back in the
		// next config push; the agent just reports completion of the
		// back-fill when a page comes up short.
		if len(rs.Rows) < t.BatchPullSize {
			t.CrawlerStepInfo = "completed"
		}
		p, err := payload.Encode(rs, t.ColumnTimezones)
		if err != nil {
			return err
		}
		applyForceDtypes(p, t.ForceDtypes)
		msg.NewRows = p
		msg.CrawlerStepInfo = t.CrawlerStepInfo
	}

	if t.OrderingKey != "" && t.LastUpdateValue.Kind != adapter.CursorNone {
		rs, err := d.GetUpdatedRows(ctx, src, t)
		if err != nil {
			return fmt.Errorf("syncengine: get_updated_rows: %w", err)
		}
		rs = dropAlreadySeenRow(rs, t)
		p, err := payload.Encode(rs, t.ColumnTimezones)
		if err != nil {
			return err
		}
		applyForceDtypes(p, t.ForceDtypes)
		msg.UpdatedRows = p
	}

	if t.CheckForDeletedRowsCount >= deletedRowsCheckThreshold && (t.CrawlerStepInfo == "completed" || t.CrawlerStepInfo == "") {
		rs, err := d.GetPrimaryKeys(ctx, src, t, 20000)
		if err != nil {
			return fmt.Errorf("syncengine: get_primary_keys: %w", err)
		}
		p, err := payload.Encode(rs, t.ColumnTimezones)
		if err != nil {
			return err
		}
		applyForceDtypes(p, t.ForceDtypes)
		msg.DeletedRowsCheck = p
		t.CheckForDeletedRowsCount = 0
	} else {
		t.CheckForDeletedRowsCount++
	}
	msg.CheckForDeletedRowsCounter = t.CheckForDeletedRowsCount

	return nil
}

// dropAlreadySeenRow dedups across the cursor boundary: if the
// row carrying primary_key == last_update_pk is present in the result and
// its ordering_key equals last_update_value (after normalising a space to
// "T" for timestamp comparison), drop every row with ordering_key <=
// last_update_value.
func dropAlreadySeenRow(rs *adapter.RowSet, t *adapter.Table) *adapter.RowSet {
	pkIdx, okPK := colIndex(rs.Columns, t.PrimaryKey)
	orderIdx, okOrder := colIndex(rs.Columns, t.OrderingKey)
	if !okPK || !okOrder {
		return rs
	}

	seenBoundary := false
	for _, row := range rs.Rows {
		if fmt.Sprintf("%v", row[pkIdx]) == t.LastUpdatePK && compareToCursor(row[orderIdx], t.LastUpdateValue) == 0 {
			seenBoundary = true
			break
		}
	}
	if !seenBoundary {
		return rs
	}

	filtered := make([][]any, 0, len(rs.Rows))
	for _, row := range rs.Rows {
		if compareToCursor(row[orderIdx], t.LastUpdateValue) > 0 {
			filtered = append(filtered, row)
		}
	}
	return &adapter.RowSet{Columns: rs.Columns, Rows: filtered}
}

func colIndex(cols []string, name string) (int, bool) {
	for i, c := range cols {
		if c == name {
			return i, true
		}
	}
	return 0, false
}

func normalizeTimestamp(s string) string {
	return strings.Replace(s, " ", "T", 1)
}

// compareToCursor compares a scanned ordering-key cell against the
// table's cursor. Integer and decimal cursors compare numerically —
// drivers hand numeric columns back as int64, float64, or digit strings,
// none of which order correctly byte-wise ("100" sorts before "99" as
// text) — and everything else compares as timestamp-normalised text.
func compareToCursor(v any, cursor adapter.CursorValue) int {
	if cursor.IsNumeric() {
		if f, ok := cellFloat(v); ok {
			c := cursor.Dec
			if cursor.Kind == adapter.CursorInt {
				c = float64(cursor.Int)
			}
			switch {
			case f == c:
				return 0
			case f < c:
				return -1
			default:
				return 1
			}
		}
	}
	a := normalizeTimestamp(fmt.Sprintf("%v", v))
	b := normalizeTimestamp(cursor.String())
	switch {
	case a == b:
		return 0
	case a < b:
		return -1
	default:
		return 1
	}
}

// cellFloat coerces a scanned cell to float64 where it carries a number,
// whatever concrete type the driver chose for it.
func cellFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case int64:
		return float64(t), true
	case int32:
		return float64(t), true
	case int:
		return float64(t), true
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case []byte:
		f, err := strconv.ParseFloat(string(t), 64)
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(t, 64)
		return f, err == nil
	}
	return 0, false
}

func applyForceDtypes(p *payload.Payload, forceDtypes map[string]string) {
	if p == nil || len(forceDtypes) == 0 {
		return
	}
	for col, dtype := range forceDtypes {
		if dtype == "none" {
			continue
		}
		idx, ok := colIndex(p.Columns, col)
		if !ok {
			continue
		}
		p.Dtypes[idx] = dtype
	}
}
