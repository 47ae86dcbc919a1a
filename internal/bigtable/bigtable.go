// Package bigtable implements the large-table worker: the paged bulk
// export and direct HTTP upload path for tables flagged large_table, run
// out of the main sync cycle so its memory footprint is released on
// completion.
//
// The agent binary re-execs itself with its --bigtable-worker flag (wired
// up in cmd/syncagent), shelling out via os/exec rather than relying on an
// in-process goroutine that would keep the paged rows' memory alive
// inside the parent.
package bigtable

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/resplendentdata/syncagent/internal/adapter"
	"github.com/resplendentdata/syncagent/internal/logging"
	"github.com/resplendentdata/syncagent/internal/statestore"
)

// pageSize is the initial-load page size.
const pageSize = 500_000

// heartbeatInterval is how often the worker writes a liveness heartbeat
// to the state store while it runs.
const heartbeatInterval = 10 * time.Second

// deletedRowsCheckInterval is the minimum gap between
// check_for_deleted_rows uploads on the incremental path.
const deletedRowsCheckInterval = 3600 * time.Second

// maxDeletedRowsCheckKeys bounds the primary-key upload to 5M keys.
const maxDeletedRowsCheckKeys = 5_000_000

// uploadTimeout is the HTTP client timeout for every upload.
const uploadTimeout = 60 * time.Second

// Message-Type header values the ingest endpoint dispatches on.
const (
	messageTypeTableMetadata    = "table_metadata"
	messageTypeInitialTableData = "initial_table_data"
	messageTypeUpdateTableData  = "update_table_data"
	messageTypeCheckForDeleted  = "check_for_deleted_rows"
)

// Config bundles everything one worker run needs: it is built by the
// supervisor/sync-engine launcher and either passed in-process (tests) or
// serialized to the re-exec'd child's config file.
type Config struct {
	AgentUUID string
	IngestURL string
	Token     string
}

// Run dispatches to the initial or incremental path based on t.SyncStatus
// and keeps a heartbeat ticker running for the duration so the parent
// can tell a live worker from a dead one.
func Run(ctx context.Context, cfg Config, d *adapter.Dialect, src *adapter.Source, t *adapter.Table, store *statestore.Store) error {
	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go heartbeatLoop(hbCtx, store, t.UUID)

	switch t.SyncStatus {
	case adapter.SyncStatusInitial:
		return runInitial(ctx, cfg, d, src, t, store)
	case adapter.SyncStatusIncremental:
		return runIncremental(ctx, cfg, d, src, t, store)
	default:
		return fmt.Errorf("bigtable: unknown sync_status %d for table %s", t.SyncStatus, t.UUID)
	}
}

func heartbeatLoop(ctx context.Context, store *statestore.Store, tableUUID string) {
	if store == nil {
		return
	}
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	if err := store.Heartbeat(tableUUID, time.Now()); err != nil {
		logging.Error("bigtable: initial heartbeat", err)
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := store.Heartbeat(tableUUID, time.Now()); err != nil {
				logging.Error("bigtable: heartbeat", err)
			}
		}
	}
}

// runInitial pages through the table in pageSize chunks, ordered by
// ordering_key descending (the same shape GetOldRows already builds, just
// driven with a much larger page size and no caller-visible crawler
// state): page 0 captures the run's upper watermark and sends an empty
// table_metadata payload first so the ingest endpoint learns the schema
// before any rows arrive; each later page drops rows at or above the
// previous page's minimum ordering_key value to avoid duplicates across
// page boundaries.
func runInitial(ctx context.Context, cfg Config, d *adapter.Dialect, src *adapter.Source, t *adapter.Table, store *statestore.Store) error {
	maxPages := 1
	if t.LargeTableRowLimit > 0 {
		maxPages = t.LargeTableRowLimit / pageSize
		if maxPages < 1 {
			maxPages = 1
		}
	}

	orderIdx := -1
	var prevMin any

	for page := 0; page < maxPages; page++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		pageTable := *t
		pageTable.BatchPullSize = pageSize
		pageTable.CrawlerStep = page

		rs, err := d.GetOldRows(ctx, src, &pageTable)
		if err != nil {
			return fmt.Errorf("bigtable: page %d fetch: %w", page, err)
		}
		fetched := len(rs.Rows)

		if orderIdx == -1 {
			for i, c := range rs.Columns {
				if c == t.OrderingKey {
					orderIdx = i
					break
				}
			}
		}

		if page == 0 {
			watermark := maxNonNullOrdering(rs, orderIdx)
			if err := uploadEmpty(ctx, cfg, t.UUID, messageTypeTableMetadata, rs.Columns); err != nil {
				return fmt.Errorf("bigtable: upload table_metadata: %w", err)
			}
			if store != nil && watermark != nil {
				if err := store.SetBigTableWatermark(t.UUID, stringifyCell(watermark)); err != nil {
					return fmt.Errorf("bigtable: persist watermark: %w", err)
				}
			}
		} else if prevMin != nil && orderIdx >= 0 {
			rs = dropAtOrAbove(rs, orderIdx, prevMin)
		}

		if err := uploadCSV(ctx, cfg, t.UUID, messageTypeInitialTableData, rs, nil); err != nil {
			return fmt.Errorf("bigtable: upload page %d: %w", page, err)
		}

		if orderIdx >= 0 {
			prevMin = minOrdering(rs, orderIdx)
		}

		if fetched < pageSize {
			break
		}
	}

	if store != nil {
		if err := store.SetCheckedForDeletedRows(t.UUID, time.Now()); err != nil {
			return fmt.Errorf("bigtable: set checked_for_deleted_rows: %w", err)
		}
	}
	return nil
}

// runIncremental uploads the updated-rows delta as a single CSV batch,
// then — if more than an hour has passed since the last deleted-rows
// check — also uploads a primary-key sample as a binary columnar blob.
func runIncremental(ctx context.Context, cfg Config, d *adapter.Dialect, src *adapter.Source, t *adapter.Table, store *statestore.Store) error {
	rs, err := d.GetUpdatedRows(ctx, src, t)
	if err != nil {
		return fmt.Errorf("bigtable: get_updated_rows: %w", err)
	}

	orderIdx := -1
	for i, c := range rs.Columns {
		if c == t.OrderingKey {
			orderIdx = i
			break
		}
	}
	if store != nil && orderIdx >= 0 {
		if watermark := maxNonNullOrdering(rs, orderIdx); watermark != nil {
			if err := store.SetBigTableWatermark(t.UUID, stringifyCell(watermark)); err != nil {
				return fmt.Errorf("bigtable: persist watermark: %w", err)
			}
		}
	}

	columnsJSON, err := json.Marshal(rs.Columns)
	if err != nil {
		return fmt.Errorf("bigtable: marshal columns header: %w", err)
	}
	extraHeaders := map[string]string{
		"Primary-Key": t.PrimaryKey,
		"Columns":     string(columnsJSON),
	}
	if err := uploadCSV(ctx, cfg, t.UUID, messageTypeUpdateTableData, rs, extraHeaders); err != nil {
		return fmt.Errorf("bigtable: upload update_table_data: %w", err)
	}

	if store == nil {
		return nil
	}
	info, found, err := store.GetTableSyncInfo(t.UUID)
	if err != nil {
		return fmt.Errorf("bigtable: read checked_for_deleted_rows: %w", err)
	}
	due := !found || time.Since(time.Unix(int64(info.CheckedForDeletedRows), 0)) > deletedRowsCheckInterval
	if !due {
		return nil
	}

	pks, err := d.GetPrimaryKeys(ctx, src, t, maxDeletedRowsCheckKeys)
	if err != nil {
		return fmt.Errorf("bigtable: get_primary_keys: %w", err)
	}
	pkHeaders := map[string]string{
		"Primary-Key":  t.PrimaryKey,
		"Ordering-Key": t.OrderingKey,
	}
	if err := uploadBinaryColumn(ctx, cfg, t.UUID, pks, pkHeaders); err != nil {
		return fmt.Errorf("bigtable: upload check_for_deleted_rows: %w", err)
	}
	return store.SetCheckedForDeletedRows(t.UUID, time.Now())
}

// compareCells orders two scanned ordering-key cells: numerically when
// both carry numbers (drivers return numeric columns as int64, float64,
// or digit strings, and "100" sorts before "99" as text), as plain text
// otherwise.
func compareCells(a, b any) int {
	af, aok := cellFloat(a)
	bf, bok := cellFloat(b)
	if aok && bok {
		switch {
		case af == bf:
			return 0
		case af < bf:
			return -1
		default:
			return 1
		}
	}
	as, bs := fmt.Sprintf("%v", a), fmt.Sprintf("%v", b)
	switch {
	case as == bs:
		return 0
	case as < bs:
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

// maxNonNullOrdering returns the largest non-null ordering-key cell of
// the page, or nil when the page has none.
func maxNonNullOrdering(rs *adapter.RowSet, orderIdx int) any {
	if orderIdx < 0 {
		return nil
	}
	var top any
	for _, row := range rs.Rows {
		if row[orderIdx] == nil {
			continue
		}
		if top == nil || compareCells(row[orderIdx], top) > 0 {
			top = row[orderIdx]
		}
	}
	return top
}

// minOrdering returns the smallest non-null ordering-key cell of the
// page, or nil when the page has none.
func minOrdering(rs *adapter.RowSet, orderIdx int) any {
	var bottom any
	for _, row := range rs.Rows {
		if row[orderIdx] == nil {
			continue
		}
		if bottom == nil || compareCells(row[orderIdx], bottom) < 0 {
			bottom = row[orderIdx]
		}
	}
	return bottom
}

func dropAtOrAbove(rs *adapter.RowSet, orderIdx int, bound any) *adapter.RowSet {
	if bound == nil {
		return rs
	}
	filtered := make([][]any, 0, len(rs.Rows))
	for _, row := range rs.Rows {
		if row[orderIdx] == nil {
			filtered = append(filtered, row)
			continue
		}
		if compareCells(row[orderIdx], bound) < 0 {
			filtered = append(filtered, row)
		}
	}
	return &adapter.RowSet{Columns: rs.Columns, Rows: filtered}
}

// encodeCSV renders rs with no header row and "\N" for nulls, the
// encoding the ingest endpoint's bulk loader expects.
func encodeCSV(rs *adapter.RowSet) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	for _, row := range rs.Rows {
		rec := make([]string, len(row))
		for i, v := range row {
			if v == nil {
				rec[i] = `\N`
				continue
			}
			rec[i] = stringifyCell(v)
		}
		if err := w.Write(rec); err != nil {
			return nil, fmt.Errorf("bigtable: write csv record: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("bigtable: flush csv: %w", err)
	}
	return buf.Bytes(), nil
}

func stringifyCell(v any) string {
	switch t := v.(type) {
	case time.Time:
		return t.UTC().Format(time.RFC3339)
	case []byte:
		return string(t)
	default:
		return fmt.Sprintf("%v", t)
	}
}

func uploadCSV(ctx context.Context, cfg Config, tableUUID, messageType string, rs *adapter.RowSet, extraHeaders map[string]string) error {
	body, err := encodeCSV(rs)
	if err != nil {
		return err
	}
	return upload(ctx, cfg, tableUUID, messageType, bytes.NewReader(body), extraHeaders)
}

func uploadEmpty(ctx context.Context, cfg Config, tableUUID, messageType string, columns []string) error {
	columnsJSON, err := json.Marshal(columns)
	if err != nil {
		return err
	}
	return upload(ctx, cfg, tableUUID, messageType, bytes.NewReader(nil), map[string]string{"Columns": string(columnsJSON)})
}

// uploadBinaryColumn packs primary keys into a length-prefixed binary
// blob — one uvarint-length-prefixed UTF-8 string per key — a compact
// columnar form for a bare list of scalar keys.
func uploadBinaryColumn(ctx context.Context, cfg Config, tableUUID string, rs *adapter.RowSet, extraHeaders map[string]string) error {
	var buf bytes.Buffer
	lenBuf := make([]byte, binary.MaxVarintLen64)
	for _, row := range rs.Rows {
		if len(row) == 0 {
			continue
		}
		s := stringifyCell(row[0])
		n := binary.PutUvarint(lenBuf, uint64(len(s)))
		buf.Write(lenBuf[:n])
		buf.WriteString(s)
	}
	return upload(ctx, cfg, tableUUID, messageTypeCheckForDeleted, bytes.NewReader(buf.Bytes()), extraHeaders)
}

func upload(ctx context.Context, cfg Config, tableUUID, messageType string, body io.Reader, extraHeaders map[string]string) error {
	client := &http.Client{Timeout: uploadTimeout}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.IngestURL, body)
	if err != nil {
		return fmt.Errorf("bigtable: build request: %w", err)
	}
	req.Header.Set("Auth", cfg.Token)
	req.Header.Set("Table-Uuid", tableUUID)
	req.Header.Set("Message-Type", messageType)
	for k, v := range extraHeaders {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("bigtable: upload %s: %w", messageType, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("bigtable: upload %s: ingest endpoint returned %s", messageType, resp.Status)
	}
	return nil
}
