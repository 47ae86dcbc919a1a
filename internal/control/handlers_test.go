package control

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/resplendentdata/syncagent/internal/adapter"
	"github.com/resplendentdata/syncagent/internal/statestore"
)

// fakeEngine is an in-memory EngineView for handler tests.
type fakeEngine struct {
	mu      sync.Mutex
	sources map[string]*adapter.Source
	tables  map[string]*adapter.Table
	synced  int
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		sources: make(map[string]*adapter.Source),
		tables:  make(map[string]*adapter.Table),
	}
}

func (f *fakeEngine) PutSource(s *adapter.Source) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sources[s.UUID] = s
}

func (f *fakeEngine) DeleteSource(sourceUUID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.sources, sourceUUID)
	for uuid, t := range f.tables {
		if t.SourceUUID == sourceUUID {
			delete(f.tables, uuid)
		}
	}
}

func (f *fakeEngine) PutTable(t *adapter.Table) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tables[t.UUID] = t
}

func (f *fakeEngine) DeleteTable(tableUUID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.tables, tableUUID)
}

func (f *fakeEngine) GetSource(sourceUUID string) (*adapter.Source, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sources[sourceUUID]
	return s, ok
}

func (f *fakeEngine) GetTable(tableUUID string) (*adapter.Table, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tables[tableUUID]
	return t, ok
}

func (f *fakeEngine) TablesForSource(sourceUUID string) []*adapter.Table {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*adapter.Table
	for _, t := range f.tables {
		if t.SourceUUID == sourceUUID {
			out = append(out, t)
		}
	}
	return out
}

func (f *fakeEngine) RefreshSource(ctx context.Context, src *adapter.Source) error {
	src.Connected = true
	return nil
}

func (f *fakeEngine) Sync(ctx context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.synced++
}

func (f *fakeEngine) syncCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.synced
}

func TestDecodeCursorVariants(t *testing.T) {
	if c := decodeCursor(nil); c.Kind != adapter.CursorNone {
		t.Fatalf("absent cursor should decode to none, got %+v", c)
	}
	if c := decodeCursor(json.RawMessage(`null`)); c.Kind != adapter.CursorNone {
		t.Fatalf("null cursor should decode to none, got %+v", c)
	}
	if c := decodeCursor(json.RawMessage(`42`)); c.Kind != adapter.CursorInt || c.Int != 42 {
		t.Fatalf("integer cursor mis-decoded: %+v", c)
	}
	if c := decodeCursor(json.RawMessage(`1.5`)); c.Kind != adapter.CursorDecimal || c.Dec != 1.5 {
		t.Fatalf("decimal cursor mis-decoded: %+v", c)
	}
	if c := decodeCursor(json.RawMessage(`"2026-01-01 00:00:00"`)); c.Kind != adapter.CursorText || c.Text != "2026-01-01 00:00:00" {
		t.Fatalf("text cursor mis-decoded: %+v", c)
	}
}

func TestTableFromWireDefaults(t *testing.T) {
	tbl := tableFromWire(tableWire{TableUUID: "t1", TableName: "orders"}, "s1")
	if tbl.SyncStatus != adapter.SyncStatusInitial {
		t.Fatalf("zero sync_status should default to INITIAL, got %d", tbl.SyncStatus)
	}
	if tbl.BatchPullSize != 10000 {
		t.Fatalf("zero batch_pull_size should default to 10000, got %d", tbl.BatchPullSize)
	}
}

func TestUpdateTableInfoResetsTableState(t *testing.T) {
	engine := newFakeEngine()
	store, err := statestore.New(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("statestore.New: %v", err)
	}
	h := &Handlers{Engine: engine, Store: store}

	// The table previously held incremental cursor state.
	engine.PutTable(&adapter.Table{
		UUID:            "t1",
		SourceUUID:      "s1",
		SyncStatus:      adapter.SyncStatusIncremental,
		CrawlerStep:     7,
		CrawlerStepInfo: "completed",
		LastUpdateValue: adapter.CursorValue{Kind: adapter.CursorInt, Int: 99},
		LastUpdatePK:    "99",
	})

	body, _ := json.Marshal(map[string]any{
		"fk_source_uuid": "s1",
		"pk_table_uuid":  "t1",
		"table_name":     "orders",
		"table_info": map[string]any{
			"primary_key":      "id",
			"ordering_key":     "updated_at",
			"relevant_columns": []string{"id", "updated_at"},
		},
	})
	if _, err := h.UpdateTableInfo(context.Background(), body); err != nil {
		t.Fatalf("UpdateTableInfo: %v", err)
	}

	tbl, ok := engine.GetTable("t1")
	if !ok {
		t.Fatalf("table t1 missing after UPDATE_TABLE_INFO")
	}
	if tbl.SyncStatus != adapter.SyncStatusInitial {
		t.Fatalf("sync_status = %d, want INITIAL", tbl.SyncStatus)
	}
	if tbl.CrawlerStep != 1 {
		t.Fatalf("crawler_step = %d, want 1", tbl.CrawlerStep)
	}
	if tbl.CrawlerStepInfo != "" {
		t.Fatalf("crawler_step_info = %q, want empty", tbl.CrawlerStepInfo)
	}
	if !tbl.Dirty {
		t.Fatalf("expected dirty=true after UPDATE_TABLE_INFO")
	}
	if tbl.LastUpdateValue.Kind != adapter.CursorNone || tbl.LastUpdatePK != "" {
		t.Fatalf("expected cursor cleared, got %+v / %q", tbl.LastUpdateValue, tbl.LastUpdatePK)
	}
	if tbl.Name != "orders" || tbl.PrimaryKey != "id" {
		t.Fatalf("table_info fields not applied: %+v", tbl)
	}
}

func TestAgentInfoReplacesConfigAndTriggersSync(t *testing.T) {
	engine := newFakeEngine()
	reg := adapter.NewRegistry()
	h := &Handlers{Engine: engine, Registry: reg}

	body, _ := json.Marshal(map[string]any{
		"s1": map[string]any{
			"source_name": "prod-db",
			"engine_type": "mysql",
			"tables": map[string]any{
				"t1": map[string]any{
					"table_name":        "orders",
					"primary_key":       "id",
					"ordering_key":      "updated_at",
					"sync_status":       3,
					"last_update_value": "2026-01-01 00:00:00",
					"last_update_pk":    42,
					"processing_data":   true,
					"last_sync":         1700000000.0,
				},
			},
		},
	})
	if _, err := h.AgentInfo(context.Background(), body); err != nil {
		t.Fatalf("AgentInfo: %v", err)
	}

	src, ok := engine.GetSource("s1")
	if !ok || src.Name != "prod-db" {
		t.Fatalf("source not registered from agent_info: %+v", src)
	}
	tbl, ok := engine.GetTable("t1")
	if !ok {
		t.Fatalf("table not registered from agent_info")
	}
	if tbl.SyncStatus != adapter.SyncStatusIncremental {
		t.Fatalf("sync_status = %d, want INCREMENTAL", tbl.SyncStatus)
	}
	if tbl.LastUpdateValue.Text != "2026-01-01 00:00:00" || tbl.LastUpdatePK != "42" {
		t.Fatalf("cursor state not carried from the push: %+v / %q", tbl.LastUpdateValue, tbl.LastUpdatePK)
	}
	if !tbl.ProcessingData || tbl.LastSync != 1700000000.0 {
		t.Fatalf("processing_data/last_sync not carried: %+v", tbl)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if engine.syncCount() > 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("agent_info never triggered a sync pass")
}

func TestGetColumnValuesRendersNulls(t *testing.T) {
	engine := newFakeEngine()
	reg := adapter.NewRegistry()
	reg.Register(&adapter.Dialect{
		EngineType: "stub",
		Preview: func(ctx context.Context, s *adapter.Source, tableName string, numRows int) (*adapter.Preview, error) {
			return &adapter.Preview{
				Columns: []string{"status"},
				Rows:    [][]any{{"open"}, {nil}, {"open"}, {"closed"}},
			}, nil
		},
	})
	engine.PutSource(&adapter.Source{UUID: "s1", EngineType: "stub", Connected: true})
	h := &Handlers{Engine: engine, Registry: reg}

	body, _ := json.Marshal(map[string]any{"source_uuid": "s1", "table_name": "tickets"})
	res, err := h.GetColumnValuesFromAgent(context.Background(), body)
	if err != nil {
		t.Fatalf("GetColumnValuesFromAgent: %v", err)
	}
	values := res.(map[string][]string)["status"]
	want := []string{"open", "NULL", "closed"}
	if len(values) != len(want) {
		t.Fatalf("got %v, want %v", values, want)
	}
	for i := range want {
		if values[i] != want[i] {
			t.Fatalf("got %v, want %v", values, want)
		}
	}
}

func TestCheckDatasetAccessCollectsPerTableResults(t *testing.T) {
	engine := newFakeEngine()
	reg := adapter.NewRegistry()
	reg.Register(&adapter.Dialect{
		EngineType: "stub",
		Preview: func(ctx context.Context, s *adapter.Source, tableName string, numRows int) (*adapter.Preview, error) {
			if tableName == "locked" {
				return nil, context.DeadlineExceeded
			}
			return &adapter.Preview{Columns: []string{"id"}}, nil
		},
	})
	engine.PutSource(&adapter.Source{UUID: "s1", EngineType: "stub", Connected: true})
	h := &Handlers{Engine: engine, Registry: reg}

	body, _ := json.Marshal(map[string]any{
		"source_names":     map[string]string{"s1": "prod-db"},
		"tables_by_source": map[string][]string{"s1": {"orders", "locked"}},
	})
	res, err := h.CheckDatasetAccess(context.Background(), body)
	if err != nil {
		t.Fatalf("CheckDatasetAccess: %v", err)
	}

	access := res.(map[string]any)["access"].(map[string]any)
	tables := access["s1"].(map[string]any)["tables"].(map[string]any)
	if ok := tables["orders"].(map[string]any)["success"].(bool); !ok {
		t.Fatalf("expected orders probe to succeed: %+v", tables)
	}
	if ok := tables["locked"].(map[string]any)["success"].(bool); ok {
		t.Fatalf("expected locked probe to fail: %+v", tables)
	}
}
