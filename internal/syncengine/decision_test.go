package syncengine

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/resplendentdata/syncagent/internal/adapter"
	"github.com/resplendentdata/syncagent/internal/statestore"
)

func newTestStore(t *testing.T) *statestore.Store {
	t.Helper()
	s, err := statestore.New(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("statestore.New: %v", err)
	}
	return s
}

func stubDialect(initialRows, updatedRows, oldRows, pkRows *adapter.RowSet, supportsRowUpdates bool) *adapter.Dialect {
	return &adapter.Dialect{
		EngineType:         "stub",
		SupportsRowUpdates: supportsRowUpdates,
		InitialPull: func(ctx context.Context, s *adapter.Source, t *adapter.Table) (*adapter.RowSet, error) {
			return initialRows, nil
		},
		GetUpdatedRows: func(ctx context.Context, s *adapter.Source, t *adapter.Table) (*adapter.RowSet, error) {
			return updatedRows, nil
		},
		GetOldRows: func(ctx context.Context, s *adapter.Source, t *adapter.Table) (*adapter.RowSet, error) {
			return oldRows, nil
		},
		GetPrimaryKeys: func(ctx context.Context, s *adapter.Source, t *adapter.Table, n int) (*adapter.RowSet, error) {
			return pkRows, nil
		},
	}
}

func TestBatchPullInitialStatus(t *testing.T) {
	store := newTestStore(t)
	rs := &adapter.RowSet{Columns: []string{"id"}, Rows: [][]any{{int64(1)}}}
	d := stubDialect(rs, nil, nil, nil, true)
	tbl := &adapter.Table{UUID: "t1", SyncStatus: syncStatusInitial}

	msg, err := BatchPull(context.Background(), "agent-1", d, &adapter.Source{}, tbl, store, time.Now())
	if err != nil {
		t.Fatalf("BatchPull: %v", err)
	}
	if msg.SyncStatus != syncStatusInitial {
		t.Fatalf("expected INITIAL sync_status, got %d", msg.SyncStatus)
	}
	if msg.NewRows == nil || len(msg.NewRows.Values) != 1 {
		t.Fatalf("expected new_rows populated from initial_pull, got %+v", msg.NewRows)
	}
}

func TestBatchPullForcesInitialWithoutRowUpdateSupport(t *testing.T) {
	store := newTestStore(t)
	rs := &adapter.RowSet{Columns: []string{"id"}, Rows: [][]any{{int64(1)}}}
	d := stubDialect(rs, nil, nil, nil, false)
	tbl := &adapter.Table{UUID: "t1", SyncStatus: syncStatusIncremental}

	msg, err := BatchPull(context.Background(), "agent-1", d, &adapter.Source{}, tbl, store, time.Now())
	if err != nil {
		t.Fatalf("BatchPull: %v", err)
	}
	if msg.SyncStatus != syncStatusInitial {
		t.Fatalf("expected forced INITIAL status when adapter lacks row-update support, got %d", msg.SyncStatus)
	}
}

func TestBatchPullAlreadyProcessingWithinWindow(t *testing.T) {
	store := newTestStore(t)
	now := time.Now()

	d := stubDialect(nil, nil, nil, nil, true)
	tbl := &adapter.Table{
		UUID:           "t1",
		SyncStatus:     syncStatusInitial,
		ProcessingData: true,
		LastSync:       float64(now.Unix()),
	}

	_, err := BatchPull(context.Background(), "agent-1", d, &adapter.Source{}, tbl, store, now.Add(time.Minute))
	if err != ErrTableAlreadyProcessing {
		t.Fatalf("expected ErrTableAlreadyProcessing, got %v", err)
	}
}

func TestBatchPullNotAlreadyProcessingAfterWindow(t *testing.T) {
	store := newTestStore(t)
	now := time.Now()

	rs := &adapter.RowSet{Columns: []string{"id"}, Rows: nil}
	d := stubDialect(rs, nil, nil, nil, true)
	tbl := &adapter.Table{
		UUID:           "t1",
		SyncStatus:     syncStatusInitial,
		ProcessingData: true,
		LastSync:       float64(now.Unix()),
	}

	_, err := BatchPull(context.Background(), "agent-1", d, &adapter.Source{}, tbl, store, now.Add(20*time.Minute))
	if err != nil {
		t.Fatalf("expected no error once the 900s window has elapsed, got %v", err)
	}
}

func TestBatchPullIncrementalGetOldRowsCompletesWhenShortPage(t *testing.T) {
	store := newTestStore(t)
	oldRows := &adapter.RowSet{Columns: []string{"id"}, Rows: [][]any{{int64(1)}}}
	d := stubDialect(nil, nil, oldRows, nil, true)
	tbl := &adapter.Table{
		UUID:            "t1",
		SyncStatus:      syncStatusIncremental,
		ImportOldRows:   true,
		CrawlerStepInfo: "",
		BatchPullSize:   10,
	}

	msg, err := BatchPull(context.Background(), "agent-1", d, &adapter.Source{}, tbl, store, time.Now())
	if err != nil {
		t.Fatalf("BatchPull: %v", err)
	}
	if msg.CrawlerStepInfo != "completed" {
		t.Fatalf("expected crawler_step_info=completed when page shorter than batch size, got %q", msg.CrawlerStepInfo)
	}
}

func TestBatchPullIncrementalChecksDeletedRowsAtThreshold(t *testing.T) {
	store := newTestStore(t)
	pkRows := &adapter.RowSet{Columns: []string{"id", "ts"}, Rows: [][]any{{int64(1), "2026-01-01"}}}
	d := stubDialect(nil, nil, nil, pkRows, true)
	tbl := &adapter.Table{
		UUID:                     "t1",
		SyncStatus:               syncStatusIncremental,
		CheckForDeletedRowsCount: deletedRowsCheckThreshold,
		CrawlerStepInfo:          "completed",
	}

	msg, err := BatchPull(context.Background(), "agent-1", d, &adapter.Source{}, tbl, store, time.Now())
	if err != nil {
		t.Fatalf("BatchPull: %v", err)
	}
	if msg.DeletedRowsCheck == nil {
		t.Fatalf("expected deleted_rows_check to be populated at threshold")
	}
	if msg.CheckForDeletedRowsCounter != 0 {
		t.Fatalf("expected counter reset to 0, got %d", msg.CheckForDeletedRowsCounter)
	}
}

func TestBatchPullIncrementalIncrementsCounterBelowThreshold(t *testing.T) {
	store := newTestStore(t)
	d := stubDialect(nil, nil, nil, nil, true)
	tbl := &adapter.Table{
		UUID:                     "t1",
		SyncStatus:               syncStatusIncremental,
		CheckForDeletedRowsCount: 3,
	}

	msg, err := BatchPull(context.Background(), "agent-1", d, &adapter.Source{}, tbl, store, time.Now())
	if err != nil {
		t.Fatalf("BatchPull: %v", err)
	}
	if msg.DeletedRowsCheck != nil {
		t.Fatalf("expected no deleted_rows_check below threshold")
	}
	if msg.CheckForDeletedRowsCounter != 4 {
		t.Fatalf("expected counter incremented to 4, got %d", msg.CheckForDeletedRowsCounter)
	}
}

func TestApplyForceDtypesOverridesMatchingColumn(t *testing.T) {
	rs := &adapter.RowSet{Columns: []string{"id", "amount"}, Rows: [][]any{{int64(1), int64(2)}}}
	d := stubDialect(rs, nil, nil, nil, true)
	store := newTestStore(t)
	tbl := &adapter.Table{
		UUID:        "t1",
		SyncStatus:  syncStatusInitial,
		ForceDtypes: map[string]string{"amount": "float64"},
	}

	msg, err := BatchPull(context.Background(), "agent-1", d, &adapter.Source{}, tbl, store, time.Now())
	if err != nil {
		t.Fatalf("BatchPull: %v", err)
	}
	idx, _ := colIndex(msg.NewRows.Columns, "amount")
	if msg.NewRows.Dtypes[idx] != "float64" {
		t.Fatalf("expected force_dtypes override to apply, got %q", msg.NewRows.Dtypes[idx])
	}
}

func TestDropAlreadySeenRowFiltersUpToBoundary(t *testing.T) {
	rs := &adapter.RowSet{
		Columns: []string{"id", "updated_at"},
		Rows: [][]any{
			{int64(1), "2026-01-01 00:00:00"},
			{int64(2), "2026-01-02 00:00:00"},
			{int64(3), "2026-01-03 00:00:00"},
		},
	}
	tbl := &adapter.Table{
		PrimaryKey:      "id",
		OrderingKey:     "updated_at",
		LastUpdatePK:    "2",
		LastUpdateValue: adapter.CursorValue{Kind: adapter.CursorText, Text: "2026-01-02T00:00:00"},
	}
	filtered := dropAlreadySeenRow(rs, tbl)
	if len(filtered.Rows) != 1 {
		t.Fatalf("expected only the row after the boundary to survive, got %d rows", len(filtered.Rows))
	}
	if filtered.Rows[0][0] != int64(3) {
		t.Fatalf("expected surviving row to be id=3, got %v", filtered.Rows[0][0])
	}
}

func TestDropAlreadySeenRowIntegerOrderingKeyAcrossDigitBoundary(t *testing.T) {
	// An integer cursor of 99 with rows at 99, 100, and 101 spans a
	// digit-length boundary: as text "100" and "101" sort before "99", so
	// only a numeric comparison keeps the two genuinely newer rows.
	rs := &adapter.RowSet{
		Columns: []string{"id", "seq"},
		Rows: [][]any{
			{int64(42), int64(99)},
			{int64(43), int64(100)},
			{int64(44), int64(101)},
		},
	}
	tbl := &adapter.Table{
		PrimaryKey:      "id",
		OrderingKey:     "seq",
		LastUpdatePK:    "42",
		LastUpdateValue: adapter.CursorValue{Kind: adapter.CursorInt, Int: 99},
	}
	filtered := dropAlreadySeenRow(rs, tbl)
	if len(filtered.Rows) != 2 {
		t.Fatalf("expected the two rows beyond seq=99 to survive, got %d: %+v", len(filtered.Rows), filtered.Rows)
	}
	if filtered.Rows[0][0] != int64(43) || filtered.Rows[1][0] != int64(44) {
		t.Fatalf("expected ids 43 and 44 to survive, got %+v", filtered.Rows)
	}
}

func TestCompareToCursorNumericStringsCompareNumerically(t *testing.T) {
	// Some drivers scan integer columns back as digit strings or []byte;
	// the comparison must still be numeric.
	cursor := adapter.CursorValue{Kind: adapter.CursorInt, Int: 99}
	if got := compareToCursor("100", cursor); got != 1 {
		t.Fatalf("compareToCursor(\"100\", 99) = %d, want 1", got)
	}
	if got := compareToCursor([]byte("100"), cursor); got != 1 {
		t.Fatalf("compareToCursor([]byte(\"100\"), 99) = %d, want 1", got)
	}
	if got := compareToCursor(int64(99), cursor); got != 0 {
		t.Fatalf("compareToCursor(99, 99) = %d, want 0", got)
	}
	if got := compareToCursor(int64(98), cursor); got != -1 {
		t.Fatalf("compareToCursor(98, 99) = %d, want -1", got)
	}
}

func TestDropAlreadySeenRowNoOpWhenBoundaryAbsent(t *testing.T) {
	rs := &adapter.RowSet{
		Columns: []string{"id", "updated_at"},
		Rows: [][]any{
			{int64(5), "2026-02-01 00:00:00"},
		},
	}
	tbl := &adapter.Table{
		PrimaryKey:      "id",
		OrderingKey:     "updated_at",
		LastUpdatePK:    "999",
		LastUpdateValue: adapter.CursorValue{Kind: adapter.CursorText, Text: "2026-01-02T00:00:00"},
	}
	filtered := dropAlreadySeenRow(rs, tbl)
	if len(filtered.Rows) != 1 {
		t.Fatalf("expected rows unchanged when boundary row absent, got %d", len(filtered.Rows))
	}
}
