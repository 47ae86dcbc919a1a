package syncengine

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/resplendentdata/syncagent/internal/adapter"
	"github.com/resplendentdata/syncagent/internal/logging"
	"github.com/resplendentdata/syncagent/internal/statestore"
)

// tickInterval is the periodic loop's cadence.
const tickInterval = 60 * time.Second

// maxConcurrentTables bounds the per-cycle dispatch goroutine pool so a
// source with hundreds of tables doesn't exhaust the DB driver's
// connection limit.
const maxConcurrentTables = 8

// ClaimsSource exposes the control channel's decoded auth claims; the
// sync loop checks claims["paused"] every tick.
type ClaimsSource interface {
	Claims() map[string]any
}

// Sender pushes a message back over the control channel.
type Sender interface {
	Send(messageType string, body any) error
	Heartbeat()
}

// LargeTableLauncher hands a large table off to the Large-Table Worker
// (internal/bigtable), kept as a callback so this package never imports
// the worker package.
type LargeTableLauncher func(sourceUUID, tableUUID string)

// Engine runs the periodic sync loop against a live, mutable set of
// sources and their tables.
type Engine struct {
	AgentUUID string
	Registry  *adapter.Registry
	Store     *statestore.Store
	Control   Sender
	Claims    ClaimsSource
	LaunchBig LargeTableLauncher

	mu      sync.RWMutex
	sources map[string]*adapter.Source
	tables  map[string]*adapter.Table // table uuid -> table, table.SourceUUID names the owner

	inflightMu sync.Mutex
	inflight   map[string]struct{} // table uuids with an active sync task
}

// NewEngine returns an Engine with no sources configured yet; agent_info
// messages populate it via PutSource/PutTable.
func NewEngine(agentUUID string, registry *adapter.Registry, store *statestore.Store, control Sender, claims ClaimsSource, launchBig LargeTableLauncher) *Engine {
	return &Engine{
		AgentUUID: agentUUID,
		Registry:  registry,
		Store:     store,
		Control:   control,
		Claims:    claims,
		LaunchBig: launchBig,
		sources:   make(map[string]*adapter.Source),
		tables:    make(map[string]*adapter.Table),
		inflight:  make(map[string]struct{}),
	}
}

// PutSource registers or replaces a source, matching agent_info's
// "replace source config" behaviour.
func (e *Engine) PutSource(s *adapter.Source) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sources[s.UUID] = s
}

// DeleteSource removes a source and every table it owns, matching
// DELETE_SOURCE.
func (e *Engine) DeleteSource(sourceUUID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.sources, sourceUUID)
	for uuid, t := range e.tables {
		if t.SourceUUID == sourceUUID {
			delete(e.tables, uuid)
		}
	}
}

// PutTable registers or replaces a table.
func (e *Engine) PutTable(t *adapter.Table) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tables[t.UUID] = t
}

// GetSource returns the source registered under sourceUUID, if any.
func (e *Engine) GetSource(sourceUUID string) (*adapter.Source, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	s, ok := e.sources[sourceUUID]
	return s, ok
}

// GetTable returns the table registered under tableUUID, if any.
func (e *Engine) GetTable(tableUUID string) (*adapter.Table, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	t, ok := e.tables[tableUUID]
	return t, ok
}

// TablesForSource returns every table currently owned by sourceUUID.
func (e *Engine) TablesForSource(sourceUUID string) []*adapter.Table {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var out []*adapter.Table
	for _, t := range e.tables {
		if t.SourceUUID == sourceUUID {
			out = append(out, t)
		}
	}
	return out
}

// RefreshSource performs one refresh_conn attempt against src and records
// the resulting connection_info row, the same work runCycle does per
// source each tick — exported so agent_info and SAVE_DATA_SOURCE can
// trigger it immediately rather than waiting for the next cycle.
func (e *Engine) RefreshSource(ctx context.Context, src *adapter.Source) error {
	d, err := e.Registry.Get(src.EngineType)
	if err != nil {
		e.recordConnectionInfo(src.UUID, src.Name, false, err.Error())
		return err
	}
	if err := d.RefreshConn(ctx, src); err != nil {
		e.recordConnectionInfo(src.UUID, src.Name, false, err.Error())
		return err
	}
	e.recordConnectionInfo(src.UUID, src.Name, true, "Good to go!")
	return nil
}

// DeleteTable removes a table, matching DELETE_TABLE.
func (e *Engine) DeleteTable(tableUUID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.tables, tableUUID)
}

// Run drives the periodic loop until ctx is canceled.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.runCycle(ctx)
		}
	}
}

func (e *Engine) runCycle(ctx context.Context) {
	if e.Control != nil {
		if err := e.Control.Send("agent_info", nil); err != nil {
			logging.Log("syncengine: request agent_info failed:", err)
		}
		e.Control.Heartbeat()
	}
	e.Sync(ctx)
}

func (e *Engine) paused() bool {
	if e.Claims == nil {
		return false
	}
	claims := e.Claims.Claims()
	if claims == nil {
		return false
	}
	paused, ok := claims["paused"].(bool)
	return ok && paused
}

// Sync runs one pass over every source and table: refresh disconnected
// sources, record each source's connection_info row, and dispatch one
// task per table, bounded by maxConcurrentTables. It also records the
// pass's wall-clock duration in sync_info and keeps the agent_failure
// row current, so a single failed pass never wedges the loop.
func (e *Engine) Sync(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			logging.Log("syncengine: general failure during sync:", r)
			if e.Store != nil {
				if err := e.Store.UpdateAuthStatus("agent_failure", fmt.Sprintf("%v", r)); err != nil {
					logging.Error("syncengine: record agent_failure", err)
				}
			}
		}
	}()

	if e.Store != nil {
		if err := e.Store.UpdateAuthStatus("agent_failure", "Ready"); err != nil {
			logging.Error("syncengine: record agent_failure", err)
		}
	}
	then := time.Now()

	if e.paused() {
		logging.Log("syncengine: customer paused, skipping sync")
	} else {
		e.syncSources(ctx)
	}

	if e.Store != nil {
		if err := e.Store.RecordSyncDuration(time.Since(then).Seconds()); err != nil {
			logging.Error("syncengine: record sync duration", err)
		}
	}
}

func (e *Engine) syncSources(ctx context.Context) {
	e.mu.RLock()
	sources := make([]*adapter.Source, 0, len(e.sources))
	for _, s := range e.sources {
		sources = append(sources, s)
	}
	e.mu.RUnlock()

	sem := make(chan struct{}, maxConcurrentTables)
	var wg sync.WaitGroup

	for _, src := range sources {
		if !src.Connected {
			// one reconnect attempt per source per cycle; RefreshSource
			// records the success or failure row itself
			if err := e.RefreshSource(ctx, src); err != nil {
				logging.Error("syncengine: refresh source "+src.UUID, err)
				continue
			}
		} else {
			e.recordConnectionInfo(src.UUID, src.Name, true, "Good to go!")
		}

		for _, t := range e.TablesForSource(src.UUID) {
			wg.Add(1)
			sem <- struct{}{}
			go func(src *adapter.Source, t *adapter.Table) {
				defer wg.Done()
				defer func() { <-sem }()
				e.dispatchTable(ctx, src, t)
			}(src, t)
		}
	}
	wg.Wait()
}

func (e *Engine) recordConnectionInfo(sourceUUID, name string, connected bool, message string) {
	if e.Store == nil {
		return
	}
	if err := e.Store.UpsertConnectionInfo(sourceUUID, name, connected, message); err != nil {
		logging.Error("syncengine: record connection_info", err)
	}
}

func (e *Engine) dispatchTable(ctx context.Context, src *adapter.Source, t *adapter.Table) {
	e.inflightMu.Lock()
	if _, busy := e.inflight[t.UUID]; busy {
		e.inflightMu.Unlock()
		logging.Log("syncengine: table", t.UUID, "already has an active sync task, skipping")
		return
	}
	e.inflight[t.UUID] = struct{}{}
	e.inflightMu.Unlock()
	defer func() {
		e.inflightMu.Lock()
		delete(e.inflight, t.UUID)
		e.inflightMu.Unlock()
	}()

	if t.LargeTable {
		e.dispatchLargeTable(src, t)
		return
	}

	d, err := e.Registry.Get(src.EngineType)
	if err != nil {
		logging.Error("syncengine: no dialect for source "+src.UUID, err)
		return
	}

	msg, err := BatchPull(ctx, e.AgentUUID, d, src, t, e.Store, time.Now())
	if err != nil {
		if err == ErrTableAlreadyProcessing {
			logging.Log("syncengine: table", t.UUID, "already processing, skipping this cycle")
			return
		}
		logging.Error("syncengine: batch_pull for table "+t.UUID, err)
		return
	}

	if err := e.Store.TouchTableSync(t.UUID, time.Now()); err != nil {
		logging.Error("syncengine: touch table_sync_info", err)
	}

	if e.Control != nil {
		if err := e.Control.Send("data_update", msg); err != nil {
			logging.Error("syncengine: send data_update", err)
		}
	}
}

// dispatchLargeTable runs the large-table gate and, when the gate
// opens, stamps table_sync_info (starting the 15-minute window the gate
// itself checks) before handing the table to the worker launcher. A
// dirty table restarts from a full load; otherwise a watermark left by a
// previous worker run promotes the table to incremental with that
// watermark as its cursor.
func (e *Engine) dispatchLargeTable(src *adapter.Source, t *adapter.Table) {
	now := time.Now()
	eligible, err := e.Store.LargeTableEligible(t.UUID, now)
	if err != nil {
		logging.Error("syncengine: large table eligibility check", err)
		return
	}
	if !eligible || e.LaunchBig == nil {
		return
	}

	if err := e.Store.TouchTableSync(t.UUID, now); err != nil {
		logging.Error("syncengine: touch table_sync_info", err)
		return
	}

	if t.Dirty {
		t.Dirty = false
		t.SyncStatus = adapter.SyncStatusInitial
	} else if info, found, err := e.Store.GetTableSyncInfo(t.UUID); err == nil && found && info.BigTableWatermark != "" {
		t.SyncStatus = adapter.SyncStatusIncremental
		t.LastUpdateValue = cursorFromStored(info.BigTableWatermark)
	}

	e.LaunchBig(src.UUID, t.UUID)
}

// cursorFromStored rebuilds the cursor kind a stored watermark lost when
// it was flattened to a text column: digit strings come back numeric so
// the dialects embed them unquoted, everything else stays text.
func cursorFromStored(s string) adapter.CursorValue {
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return adapter.CursorValue{Kind: adapter.CursorInt, Int: i}
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return adapter.CursorValue{Kind: adapter.CursorDecimal, Dec: f}
	}
	return adapter.CursorValue{Kind: adapter.CursorText, Text: s}
}
