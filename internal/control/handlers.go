package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/resplendentdata/syncagent/internal/adapter"
	"github.com/resplendentdata/syncagent/internal/payload"
	"github.com/resplendentdata/syncagent/internal/statestore"
	"github.com/resplendentdata/syncagent/internal/vault"
)

// EngineView is the slice of *syncengine.Engine the RPC handlers need.
// Declared here instead of importing internal/syncengine directly so
// this package's dependency graph stays leaf-ward (syncengine likewise
// reaches *Client only through its own Sender and ClaimsSource
// interfaces, so neither package imports the other).
type EngineView interface {
	PutSource(s *adapter.Source)
	DeleteSource(sourceUUID string)
	PutTable(t *adapter.Table)
	DeleteTable(tableUUID string)
	GetSource(sourceUUID string) (*adapter.Source, bool)
	GetTable(tableUUID string) (*adapter.Table, bool)
	TablesForSource(sourceUUID string) []*adapter.Table
	RefreshSource(ctx context.Context, src *adapter.Source) error
	Sync(ctx context.Context)
}

// Handlers wires the inbound control-channel message types to the
// rest of the agent: the vault for secret decryption, the adapter
// registry for dialect dispatch, the sync engine for source/table state,
// and the local state store for cursor resets.
type Handlers struct {
	MasterKey string
	Registry  *adapter.Registry
	Engine    EngineView
	Store     *statestore.Store
}

// RegisterAll wires every recognised inbound message type onto c (minus
// "auth", which Client itself handles inline).
func (h *Handlers) RegisterAll(c *Client) {
	c.RegisterHandler("agent_info", h.AgentInfo)
	c.RegisterHandler("GET_TABLES_AND_VIEWS", h.GetTablesAndViews)
	c.RegisterHandler("GET_TABLE_PREVIEW", h.GetTablePreview)
	c.RegisterHandler("GET_TABLE_COLUMNS", h.GetTableColumns)
	c.RegisterHandler("UPDATE_TABLE_INFO", h.UpdateTableInfo)
	c.RegisterHandler("SAVE_DATA_SOURCE", h.SaveDataSource)
	c.RegisterHandler("CHECK_SOURCE_STATUS", h.CheckSourceStatus)
	c.RegisterHandler("DELETE_SOURCE", h.DeleteSource)
	c.RegisterHandler("DELETE_TABLE", h.DeleteTable)
	c.RegisterHandler("GET_COLUMN_VALUES_FROM_AGENT", h.GetColumnValuesFromAgent)
	c.RegisterHandler("CHECK_DATASET_ACCESS", h.CheckDatasetAccess)
}

// connDescriptor is wrapped_connection_descriptor's shape: the
// non-secret half of a source's connection info.
type connDescriptor struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Database string `json:"database"`
	User     string `json:"user"`
}

type sourceWire struct {
	SourceUUID                  string               `json:"pk_source_uuid"`
	SourceName                  string               `json:"source_name"`
	EngineType                  string               `json:"engine_type"`
	EncryptedSecret             string               `json:"encrypted_secret"`
	SourceKey                   string               `json:"source_key"`
	WrappedConnectionDescriptor json.RawMessage      `json:"wrapped_connection_descriptor"`
	Tables                      map[string]tableWire `json:"tables"`
}

// tableWire is a table entry as the remote service pushes it. The remote
// owns the whole record, cursor state included: data_update messages
// report sync progress upstream, and the next push carries the advanced
// cursor back down. Nothing here is merged with local state.
type tableWire struct {
	TableUUID                  string            `json:"pk_table_uuid"`
	TableName                  string            `json:"table_name"`
	PrimaryKey                 string            `json:"primary_key"`
	OrderingKey                string            `json:"ordering_key"`
	RelevantColumns            []string          `json:"relevant_columns"`
	SyncStatus                 int               `json:"sync_status"`
	LastUpdateValue            json.RawMessage   `json:"last_update_value"`
	LastUpdatePK               json.RawMessage   `json:"last_update_pk"`
	CrawlerStep                int               `json:"crawler_step"`
	CrawlerStepInfo            string            `json:"crawler_step_info"`
	CheckForDeletedRowsCounter int               `json:"check_for_deleted_rows_counter"`
	LargeTable                 bool              `json:"large_table"`
	LargeTableRowLimit         int               `json:"large_table_row_limit"`
	BatchPullSize              int               `json:"batch_pull_size"`
	ImportOldRows              bool              `json:"import_old_rows"`
	UseQueryFilter             bool              `json:"use_query_filter"`
	QueryFilter                []adapter.Filter  `json:"query_filter"`
	ForceDtypes                map[string]string `json:"force_dtypes"`
	ColumnTimezones            map[string]string `json:"column_timezones"`
	ProcessingData             bool              `json:"processing_data"`
	LastSync                   float64           `json:"last_sync"`
}

// decodeCursor reads an opaque cursor value off the wire: a JSON number
// becomes a numeric cursor (integer when it round-trips losslessly), a
// string stays text, and null/absent means no cursor at all.
func decodeCursor(raw json.RawMessage) adapter.CursorValue {
	if len(raw) == 0 || string(raw) == "null" {
		return adapter.CursorValue{}
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return adapter.CursorValue{Kind: adapter.CursorText, Text: s}
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		if i := int64(f); float64(i) == f {
			return adapter.CursorValue{Kind: adapter.CursorInt, Int: i}
		}
		return adapter.CursorValue{Kind: adapter.CursorDecimal, Dec: f}
	}
	return adapter.CursorValue{}
}

// decodeWirePK renders a primary-key cursor as a plain string regardless
// of whether the wire carried a number or a string.
func decodeWirePK(raw json.RawMessage) string {
	c := decodeCursor(raw)
	if c.Kind == adapter.CursorDecimal {
		return strconv.FormatFloat(c.Dec, 'g', -1, 64)
	}
	return c.String()
}

// tableFromWire builds the in-memory table for one pushed entry.
func tableFromWire(w tableWire, sourceUUID string) *adapter.Table {
	t := &adapter.Table{
		UUID:                     w.TableUUID,
		SourceUUID:               sourceUUID,
		Name:                     w.TableName,
		PrimaryKey:               w.PrimaryKey,
		OrderingKey:              w.OrderingKey,
		RelevantColumns:          w.RelevantColumns,
		SyncStatus:               w.SyncStatus,
		LastUpdateValue:          decodeCursor(w.LastUpdateValue),
		LastUpdatePK:             decodeWirePK(w.LastUpdatePK),
		CrawlerStep:              w.CrawlerStep,
		CrawlerStepInfo:          w.CrawlerStepInfo,
		CheckForDeletedRowsCount: w.CheckForDeletedRowsCounter,
		LargeTable:               w.LargeTable,
		LargeTableRowLimit:       w.LargeTableRowLimit,
		BatchPullSize:            w.BatchPullSize,
		ImportOldRows:            w.ImportOldRows,
		UseQueryFilter:           w.UseQueryFilter || len(w.QueryFilter) > 0,
		QueryFilter:              w.QueryFilter,
		ForceDtypes:              w.ForceDtypes,
		ColumnTimezones:          w.ColumnTimezones,
		ProcessingData:           w.ProcessingData,
		LastSync:                 w.LastSync,
	}
	if t.SyncStatus == 0 {
		t.SyncStatus = adapter.SyncStatusInitial
	}
	if t.CrawlerStep == 0 {
		t.CrawlerStep = 1
	}
	if t.BatchPullSize == 0 {
		t.BatchPullSize = 10000
	}
	// relevant_columns always carries the key columns, whatever the push said
	for _, key := range []string{t.PrimaryKey, t.OrderingKey} {
		if key == "" {
			continue
		}
		found := false
		for _, c := range t.RelevantColumns {
			if c == key {
				found = true
				break
			}
		}
		if !found {
			t.RelevantColumns = append(t.RelevantColumns, key)
		}
	}
	return t
}

// buildSource decrypts w's secret and assembles an *adapter.Source ready
// for RefreshConn, matching agent_info/SAVE_DATA_SOURCE's "decrypt
// secret, reformat creds" step. The vault's salt is the
// owning source's UUID; the key is the agent's local master key unless
// the message carried its own source_key (the dashboard's save flow
// supplies one alongside the freshly entered secret).
func (h *Handlers) buildSource(w sourceWire) (*adapter.Source, error) {
	src := &adapter.Source{UUID: w.SourceUUID, Name: w.SourceName, EngineType: w.EngineType}

	if len(w.WrappedConnectionDescriptor) > 0 {
		var cd connDescriptor
		if err := json.Unmarshal(w.WrappedConnectionDescriptor, &cd); err != nil {
			return nil, fmt.Errorf("control: parse wrapped_connection_descriptor: %w", err)
		}
		src.Host, src.Port, src.Database, src.User = cd.Host, cd.Port, cd.Database, cd.User
	}

	if w.EncryptedSecret != "" {
		key := h.MasterKey
		if w.SourceKey != "" {
			key = w.SourceKey
		}
		plain, err := vault.Decrypt(w.EncryptedSecret, key, w.SourceUUID)
		if err != nil {
			return nil, errors.New("Invalid credentials.")
		}
		src.Password = plain
	}
	return src, nil
}

// AgentInfo handles a server-pushed source/table configuration update:
// the body is a map of source_uuid to source config. Each pushed source
// replaces the agent's entry with the same UUID (keeping its live
// connection) and each pushed table entry is replaced wholesale; sources
// and tables absent from the push are not removed. Each source's secret
// is vault-decrypted, disconnected sources are refreshed, and then a sync
// pass is triggered, in addition to the engine's own periodic pass.
func (h *Handlers) AgentInfo(ctx context.Context, body json.RawMessage) (any, error) {
	var wire map[string]sourceWire
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, fmt.Errorf("control: parse agent_info body: %w", err)
	}

	var refreshed []*adapter.Source
	for uuid, sw := range wire {
		if sw.SourceUUID == "" {
			sw.SourceUUID = uuid
		}
		src, err := h.buildSource(sw)
		if err != nil {
			return nil, err
		}
		if existing, ok := h.Engine.GetSource(src.UUID); ok {
			src.Connected, src.Conn = existing.Connected, existing.Conn
		}
		h.Engine.PutSource(src)

		for tableUUID, tw := range sw.Tables {
			if tw.TableUUID == "" {
				tw.TableUUID = tableUUID
			}
			h.Engine.PutTable(tableFromWire(tw, src.UUID))
		}
		if !src.Connected {
			refreshed = append(refreshed, src)
		}
	}

	go func() {
		for _, src := range refreshed {
			if err := h.Engine.RefreshSource(context.Background(), src); err != nil {
				_ = err // recorded in connection_info by RefreshSource itself
			}
		}
		h.Engine.Sync(context.Background())
	}()
	return true, nil
}

// GetTablesAndViews implements GET_TABLES_AND_VIEWS: list_tables_and_views
// against a connected source, replying false rather than an error when
// the source is unknown, disconnected, or the listing itself fails.
func (h *Handlers) GetTablesAndViews(ctx context.Context, body json.RawMessage) (any, error) {
	var req struct {
		SourceUUID string `json:"source_uuid"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("control: parse GET_TABLES_AND_VIEWS body: %w", err)
	}
	src, ok := h.Engine.GetSource(req.SourceUUID)
	if !ok || !src.Connected {
		return false, nil
	}
	d, err := h.Registry.Get(src.EngineType)
	if err != nil {
		return false, nil
	}
	tables, views, err := d.ListTablesAndViews(ctx, src)
	if err != nil {
		return false, nil
	}
	sort.Strings(tables)
	sort.Strings(views)
	return map[string]any{
		"source_uuid": req.SourceUUID,
		"TableNames":  tables,
		"ViewNames":   views,
	}, nil
}

func (h *Handlers) resolvePreview(ctx context.Context, sourceUUID, tableName string, numRows int) (*adapter.Preview, *adapter.Source, *adapter.Dialect, error) {
	src, ok := h.Engine.GetSource(sourceUUID)
	if !ok || !src.Connected {
		return nil, nil, nil, fmt.Errorf("control: source %s not connected", sourceUUID)
	}
	d, err := h.Registry.Get(src.EngineType)
	if err != nil {
		return nil, nil, nil, err
	}
	preview, err := d.Preview(ctx, src, tableName, numRows)
	if err != nil {
		return nil, nil, nil, err
	}
	return preview, src, d, nil
}

// GetTablePreview implements GET_TABLE_PREVIEW: a small row-count preview
// of a table by name (the table may not be configured as a sync target
// yet), encoded in the standard row wire format, plus whatever extra
// requirements the engine's dialect declares for configuring it.
func (h *Handlers) GetTablePreview(ctx context.Context, body json.RawMessage) (any, error) {
	var req struct {
		SourceUUID string `json:"source_uuid"`
		TableName  string `json:"table_name"`
		NumRows    int    `json:"number_of_rows"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("control: parse GET_TABLE_PREVIEW body: %w", err)
	}
	if req.NumRows <= 0 {
		req.NumRows = 100
	}
	preview, src, d, err := h.resolvePreview(ctx, req.SourceUUID, req.TableName, req.NumRows)
	if err != nil {
		return nil, err
	}
	p, err := payload.Encode(&adapter.RowSet{Columns: preview.Columns, Rows: preview.Rows}, nil)
	if err != nil {
		return nil, err
	}

	var requirements any
	if d.GetTableRequirements != nil {
		requirements, err = d.GetTableRequirements(ctx, src, req.TableName)
		if err != nil {
			return nil, err
		}
	}

	return map[string]any{
		"table_preview":      p,
		"source_uuid":        req.SourceUUID,
		"table_name":         req.TableName,
		"table_requirements": requirements,
	}, nil
}

// GetTableColumns implements GET_TABLE_COLUMNS: a 1-row preview, returning
// only the column names.
func (h *Handlers) GetTableColumns(ctx context.Context, body json.RawMessage) (any, error) {
	var req struct {
		SourceUUID string `json:"source_uuid"`
		TableName  string `json:"table_name"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("control: parse GET_TABLE_COLUMNS body: %w", err)
	}
	preview, _, _, err := h.resolvePreview(ctx, req.SourceUUID, req.TableName, 1)
	if err != nil {
		return nil, err
	}
	return preview.Columns, nil
}

// UpdateTableInfo implements UPDATE_TABLE_INFO: replace the table entry
// wholesale with the submitted table_info, force it back to a fresh
// initial sync, and reset its state-store row — the next cycle observes
// sync_status=INITIAL, crawler_step=1, crawler_step_info=null, dirty=true,
// so a reconfigured table always restarts from a clean slate.
func (h *Handlers) UpdateTableInfo(ctx context.Context, body json.RawMessage) (any, error) {
	var req struct {
		SourceUUID string    `json:"fk_source_uuid"`
		TableUUID  string    `json:"pk_table_uuid"`
		TableName  string    `json:"table_name"`
		TableInfo  tableWire `json:"table_info"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("control: parse UPDATE_TABLE_INFO body: %w", err)
	}
	w := req.TableInfo
	w.TableUUID = req.TableUUID
	w.TableName = req.TableName

	t := tableFromWire(w, req.SourceUUID)
	t.SyncStatus = adapter.SyncStatusInitial
	t.CrawlerStep = 1
	t.CrawlerStepInfo = ""
	t.LastUpdateValue = adapter.CursorValue{}
	t.LastUpdatePK = ""
	t.Dirty = true
	h.Engine.PutTable(t)
	if h.Store != nil {
		if err := h.Store.ResetTableSync(t.UUID); err != nil {
			return nil, fmt.Errorf("control: reset table cursor: %w", err)
		}
	}
	return true, nil
}

// SaveDataSource implements SAVE_DATA_SOURCE: decrypt the submitted
// credential, register the source (keeping any tables the previous
// config carried), refresh its connection, and persist the resulting
// connection_info row synchronously so the dashboard sees the result of
// this exact save rather than waiting for the next cycle.
func (h *Handlers) SaveDataSource(ctx context.Context, body json.RawMessage) (any, error) {
	var sw sourceWire
	if err := json.Unmarshal(body, &sw); err != nil {
		return nil, fmt.Errorf("control: parse SAVE_DATA_SOURCE body: %w", err)
	}
	src, err := h.buildSource(sw)
	if err != nil {
		return nil, err
	}
	h.Engine.PutSource(src)

	resp := map[string]any{
		"source_uuid": src.UUID,
		"status":      false,
		"error":       "No error message.",
	}
	if err := h.Engine.RefreshSource(ctx, src); err != nil {
		resp["error"] = err.Error()
		return resp, nil
	}
	resp["status"] = true
	return resp, nil
}

// CheckSourceStatus implements CHECK_SOURCE_STATUS: refresh and reply
// with the resulting status.
func (h *Handlers) CheckSourceStatus(ctx context.Context, body json.RawMessage) (any, error) {
	var req struct {
		SourceUUID string `json:"source_uuid"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("control: parse CHECK_SOURCE_STATUS body: %w", err)
	}
	src, ok := h.Engine.GetSource(req.SourceUUID)
	if !ok {
		return nil, fmt.Errorf("control: unknown source %s", req.SourceUUID)
	}
	resp := map[string]any{
		"source_uuid": req.SourceUUID,
		"status":      false,
		"error":       "No error message.",
	}
	if err := h.Engine.RefreshSource(ctx, src); err != nil {
		resp["error"] = err.Error()
		return resp, nil
	}
	resp["status"] = true
	return resp, nil
}

// DeleteSource implements DELETE_SOURCE.
func (h *Handlers) DeleteSource(ctx context.Context, body json.RawMessage) (any, error) {
	var req struct {
		SourceUUID string `json:"source_uuid"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("control: parse DELETE_SOURCE body: %w", err)
	}
	h.Engine.DeleteSource(req.SourceUUID)
	return true, nil
}

// DeleteTable implements DELETE_TABLE.
func (h *Handlers) DeleteTable(ctx context.Context, body json.RawMessage) (any, error) {
	var req struct {
		TableUUID string `json:"table_uuid"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("control: parse DELETE_TABLE body: %w", err)
	}
	h.Engine.DeleteTable(req.TableUUID)
	return true, nil
}

// GetColumnValuesFromAgent implements GET_COLUMN_VALUES_FROM_AGENT: up to
// 500 distinct values per column, sampled from a 2000-row preview, with
// null cells rendered as the literal string "NULL".
func (h *Handlers) GetColumnValuesFromAgent(ctx context.Context, body json.RawMessage) (any, error) {
	var req struct {
		SourceUUID string `json:"source_uuid"`
		TableName  string `json:"table_name"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("control: parse GET_COLUMN_VALUES_FROM_AGENT body: %w", err)
	}
	preview, _, _, err := h.resolvePreview(ctx, req.SourceUUID, req.TableName, 2000)
	if err != nil {
		return nil, err
	}

	out := make(map[string][]string, len(preview.Columns))
	for ci, col := range preview.Columns {
		seen := make(map[string]bool)
		var values []string
		for _, row := range preview.Rows {
			if len(values) >= 500 {
				break
			}
			v := row[ci]
			s := "NULL"
			if v != nil {
				s = fmt.Sprintf("%v", v)
			}
			if seen[s] {
				continue
			}
			seen[s] = true
			values = append(values, s)
		}
		out[col] = values
	}
	return out, nil
}

// CheckDatasetAccess implements CHECK_DATASET_ACCESS: a 1-row probe per
// table of each named source, collecting success/error per table under
// the per-source access map.
func (h *Handlers) CheckDatasetAccess(ctx context.Context, body json.RawMessage) (any, error) {
	var req struct {
		SourceNames    map[string]string   `json:"source_names"`
		TablesBySource map[string][]string `json:"tables_by_source"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("control: parse CHECK_DATASET_ACCESS body: %w", err)
	}

	access := make(map[string]any, len(req.TablesBySource))
	for sourceUUID, tables := range req.TablesBySource {
		tableResults := make(map[string]any, len(tables))
		for _, name := range tables {
			if _, _, _, err := h.resolvePreview(ctx, sourceUUID, name, 1); err != nil {
				tableResults[name] = map[string]any{"success": false, "error": err.Error()}
				continue
			}
			tableResults[name] = map[string]any{"success": true, "error": nil}
		}
		access[sourceUUID] = map[string]any{"error": nil, "tables": tableResults}
	}
	return map[string]any{
		"source_names": req.SourceNames,
		"access":       access,
	}, nil
}
