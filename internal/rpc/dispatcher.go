package rpc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"sync"
	"time"

	"github.com/fathomdb/dbrowsed/internal/driver"
	"github.com/fathomdb/dbrowsed/internal/engine"
	"github.com/fathomdb/dbrowsed/internal/pagecache"
	"github.com/fathomdb/dbrowsed/internal/query"
	"github.com/fathomdb/dbrowsed/internal/registry"
	"github.com/fathomdb/dbrowsed/internal/types"
)

// maxLineSize is the largest accepted request line. The protocol floor is
// 1 MiB; this leaves headroom.
const maxLineSize = 4 * 1024 * 1024

// operationTimeout bounds how long the dispatcher waits on a single
// operation before giving up and reporting a timeout; it does not cancel
// the operation itself (a slow driver call keeps running until its own
// cancellation fires or it returns).
const operationTimeout = 5 * time.Minute

// DaemonVersion is reported by the version method.
var DaemonVersion = "0.1.0"

// tabKey identifies one (connection, table) page cache.
type tabKey struct {
	connID int64
	table  string
}

// tab owns one table's page cache plus the mutex serializing access to it,
// so background prefetch merges and foreground query handling for the same
// table never race.
type tab struct {
	mu    sync.Mutex
	cache *pagecache.Cache
}

// Dispatcher reads JSON-RPC requests from an input stream and writes
// responses to an output stream, one per line, using the registry and
// engine it is given for the daemon's lifetime. There is no listener and no
// per-client fan-out: the dispatcher is the one stdio reader, with one
// goroutine per in-flight request.
type Dispatcher struct {
	reg *registry.Registry
	eng *engine.Engine
	cfg pagecache.Config

	out   *bufio.Writer
	outMu sync.Mutex

	tabsMu sync.Mutex
	tabs   map[tabKey]*tab

	currentMu sync.Mutex
	current   map[int64]*engine.Operation

	wg       sync.WaitGroup
	shutdown chan struct{}
	once     sync.Once
}

// NewDispatcher wires a fresh Dispatcher around an already-constructed
// registry and engine (both owned by cmd/dbrowsed for the process
// lifetime) and the response writer.
func NewDispatcher(reg *registry.Registry, eng *engine.Engine, cfg pagecache.Config, out io.Writer) *Dispatcher {
	return &Dispatcher{
		reg:      reg,
		eng:      eng,
		cfg:      cfg,
		out:      bufio.NewWriter(out),
		tabs:     make(map[tabKey]*tab),
		current:  make(map[int64]*engine.Operation),
		shutdown: make(chan struct{}),
	}
}

// Run reads requests from in until EOF, a read error, context
// cancellation, or a shutdown request, and blocks until every in-flight
// request's response has been written. Reading happens on its own
// goroutine so the loop can also observe ctx: a cancelled context (the
// forced-termination path) takes the same drain as a client-issued
// shutdown, without waiting for another line of input. The reader
// goroutine may stay blocked in its final read until the process exits;
// it never touches dispatcher state after lines is closed.
func (d *Dispatcher) Run(ctx context.Context, in io.Reader) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	lines := make(chan []byte)
	go func() {
		defer close(lines)
		for scanner.Scan() {
			line := append([]byte(nil), scanner.Bytes()...)
			select {
			case lines <- line:
			case <-ctx.Done():
				return
			case <-d.shutdown:
				return
			}
		}
		if err := scanner.Err(); err != nil {
			log.Printf("dbrowsed: stdin read error: %v", err)
		}
	}()

	for {
		var line []byte
		var ok bool
		select {
		case <-ctx.Done():
			d.once.Do(func() { close(d.shutdown) })
			return d.drain()
		case <-d.shutdown:
			return d.drain()
		case line, ok = <-lines:
			if !ok {
				// EOF on stdin is treated exactly like an explicit shutdown.
				d.once.Do(func() { close(d.shutdown) })
				return d.drain()
			}
		}

		if len(line) == 0 {
			continue
		}

		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			d.writeResponse(errorResponse(nullID, NewError(CodeParseError, fmt.Sprintf("invalid JSON: %v", err))))
			continue
		}
		if req.Method == "" {
			d.writeResponse(errorResponse(req.ID, NewError(CodeInvalidRequest, "missing method")))
			continue
		}

		if req.Method == "shutdown" {
			resp := d.handleShutdown(ctx, req)
			d.writeResponse(resp)
			d.once.Do(func() { close(d.shutdown) })
			return d.drain()
		}

		d.wg.Add(1)
		go func(req Request) {
			defer d.wg.Done()
			d.writeResponse(d.dispatch(ctx, req))
		}(req)
	}
}

// drainTimeout bounds how long shutdown waits for in-flight requests to
// write their (typically "cancelled") responses after every outstanding
// operation has been told to stop.
const drainTimeout = 5 * time.Second

func (d *Dispatcher) drain() error {
	// Cancel every outstanding operation first, then wait bounded for the
	// request goroutines to observe the terminal state and respond.
	d.eng.Shutdown(2 * time.Second)

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(drainTimeout):
		log.Printf("dbrowsed: timed out waiting for in-flight requests during shutdown")
	}
	d.reg.CloseAll(context.Background())
	return d.out.Flush()
}

func (d *Dispatcher) writeResponse(resp Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		data, _ = json.Marshal(errorResponse(resp.ID, NewError(CodeInternalError, "failed to marshal response")))
	}
	d.outMu.Lock()
	defer d.outMu.Unlock()
	d.out.Write(data)
	d.out.WriteByte('\n')
	d.out.Flush()
}

func (d *Dispatcher) dispatch(ctx context.Context, req Request) Response {
	result, err := d.handle(ctx, req)
	if err != nil {
		return errorResponse(req.ID, err)
	}
	return successResponse(req.ID, result)
}

func (d *Dispatcher) handle(ctx context.Context, req Request) (interface{}, error) {
	switch req.Method {
	case "ping":
		return struct{}{}, nil
	case "version":
		return map[string]string{"daemon_version": DaemonVersion}, nil
	case "server_info":
		return d.handleServerInfo(), nil
	case "connect":
		return d.handleConnect(ctx, req)
	case "disconnect":
		return d.handleDisconnect(ctx, req)
	case "reconnect":
		return d.handleReconnect(ctx, req)
	case "connections":
		return d.reg.List(), nil
	case "tables":
		return d.handleTables(ctx, req)
	case "schema":
		return d.handleSchema(ctx, req)
	case "query":
		return d.handleQuery(ctx, req)
	case "count":
		return d.handleCount(ctx, req)
	case "exec":
		return d.handleExec(ctx, req)
	case "cancel":
		return d.handleCancel(ctx, req)
	case "update":
		return d.handleUpdate(ctx, req)
	case "delete":
		return d.handleDelete(ctx, req)
	case "insert":
		return d.handleInsert(ctx, req)
	default:
		return nil, NewError(CodeMethodNotFound, fmt.Sprintf("unknown method %q", req.Method))
	}
}

func (d *Dispatcher) handleShutdown(ctx context.Context, req Request) Response {
	return successResponse(req.ID, struct{}{})
}

func (d *Dispatcher) handleServerInfo() map[string]interface{} {
	return map[string]interface{}{
		"pid":              os.Getpid(),
		"page_size":        d.cfg.PageSize,
		"max_loaded_pages": d.cfg.MaxLoadedPages,
		"max_conns":        d.eng.MaxConcurrent(),
	}
}

func (d *Dispatcher) setCurrent(connID int64, op *engine.Operation) {
	d.currentMu.Lock()
	d.current[connID] = op
	d.currentMu.Unlock()
}

func (d *Dispatcher) getCurrent(connID int64) (*engine.Operation, bool) {
	d.currentMu.Lock()
	defer d.currentMu.Unlock()
	op, ok := d.current[connID]
	return op, ok
}

// --- connection lifecycle -------------------------------------------------

type connectParams struct {
	ConnStr  string `json:"connstr"`
	Password string `json:"password"`
}

func (d *Dispatcher) handleConnect(ctx context.Context, req Request) (interface{}, error) {
	var p connectParams
	if err := decodeParams(req.Params, &p); err != nil {
		return nil, err
	}
	id, err := d.reg.Open(ctx, p.ConnStr, p.Password)
	if err != nil {
		return nil, WrapError(err, CodeConnectionRefused, "connect failed")
	}
	return map[string]int64{"conn_id": id}, nil
}

type connIDParams struct {
	ConnID int64 `json:"conn_id"`
}

func (d *Dispatcher) handleDisconnect(ctx context.Context, req Request) (interface{}, error) {
	var p connIDParams
	if err := decodeParams(req.Params, &p); err != nil {
		return nil, err
	}
	if op, ok := d.getCurrent(p.ConnID); ok {
		op.Cancel()
	}
	if err := d.reg.Close(ctx, p.ConnID); err != nil {
		return nil, err
	}
	d.dropTabs(p.ConnID)
	return struct{}{}, nil
}

type reconnectParams struct {
	ConnID   int64  `json:"conn_id"`
	Password string `json:"password"`
}

func (d *Dispatcher) handleReconnect(ctx context.Context, req Request) (interface{}, error) {
	var p reconnectParams
	if err := decodeParams(req.Params, &p); err != nil {
		return nil, err
	}
	if err := d.reg.Reconnect(ctx, p.ConnID, p.Password); err != nil {
		return nil, WrapError(err, CodeReconnectFailed, "reconnect failed")
	}
	d.dropTabs(p.ConnID)
	return struct{}{}, nil
}

func (d *Dispatcher) dropTabs(connID int64) {
	d.tabsMu.Lock()
	defer d.tabsMu.Unlock()
	for k := range d.tabs {
		if k.connID == connID {
			delete(d.tabs, k)
		}
	}
}

// --- schema / listing ------------------------------------------------------

func (d *Dispatcher) handleTables(ctx context.Context, req Request) (interface{}, error) {
	var p connIDParams
	if err := decodeParams(req.Params, &p); err != nil {
		return nil, err
	}
	entry, err := d.reg.Borrow(p.ConnID)
	if err != nil {
		return nil, err
	}

	op := d.submit(ctx, p.ConnID, engine.KindListTables, entry, func(ctx context.Context) (interface{}, error) {
		return entry.Driver.ListTables(ctx)
	})
	tables, err := d.await(op)
	if err != nil {
		return nil, err
	}
	if ts, ok := tables.([]string); ok {
		_ = d.reg.MarkTables(p.ConnID, ts)
	}
	return tables, nil
}

type schemaParams struct {
	ConnID int64  `json:"conn_id"`
	Table  string `json:"table"`
}

func (d *Dispatcher) handleSchema(ctx context.Context, req Request) (interface{}, error) {
	var p schemaParams
	if err := decodeParams(req.Params, &p); err != nil {
		return nil, err
	}
	entry, err := d.reg.Borrow(p.ConnID)
	if err != nil {
		return nil, err
	}

	op := d.submit(ctx, p.ConnID, engine.KindGetSchema, entry, func(ctx context.Context) (interface{}, error) {
		return entry.Driver.Describe(ctx, p.Table)
	})
	return d.await(op)
}

// --- query / count ----------------------------------------------------------

type queryParams struct {
	ConnID  int64                   `json:"conn_id"`
	Table   string                  `json:"table"`
	Offset  int64                   `json:"offset"`
	Limit   int64                   `json:"limit"`
	Filters []types.FilterPredicate `json:"filters"`
	Sorts   []types.SortEntry       `json:"sorts"`
}

func (d *Dispatcher) handleQuery(ctx context.Context, req Request) (interface{}, error) {
	var p queryParams
	if err := decodeParams(req.Params, &p); err != nil {
		return nil, err
	}
	entry, err := d.reg.Borrow(p.ConnID)
	if err != nil {
		return nil, err
	}

	t := d.tabFor(p.ConnID, p.Table)
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.cache == nil || !sameFilterSort(t.cache.Filters, t.cache.Sorts, p.Filters, p.Sorts) {
		op := d.submit(ctx, p.ConnID, engine.KindQueryPageWhere, entry, func(ctx context.Context) (interface{}, error) {
			return pagecache.Open(ctx, entry.Driver, p.Table, p.Filters, p.Sorts, d.cfg)
		})
		result, err := d.await(op)
		if err != nil {
			return nil, WrapError(err, CodeQueryFailed, "opening table cursor failed")
		}
		t.cache = result.(*pagecache.Cache)
	}

	cache := t.cache
	cache.SetCursorRow(p.Offset)

	op := d.submit(ctx, p.ConnID, engine.KindQueryPage, entry, func(ctx context.Context) (interface{}, error) {
		return nil, cache.EnsureRange(ctx, p.Offset, p.Limit)
	})
	if _, err := d.await(op); err != nil {
		return nil, WrapError(err, CodeQueryFailed, "query failed")
	}

	rows := cache.Slice(p.Offset, p.Limit)
	d.maybePrefetch(ctx, p.ConnID, entry, t)

	return types.ResultSet{
		Columns:     cache.Columns,
		Rows:        rows,
		TotalRows:   cache.TotalRows,
		Approximate: cache.Approximate,
	}, nil
}

// maybePrefetch kicks off a non-blocking background load when the cursor
// is within PREFETCH_THRESHOLD of a buffer edge. The fetch runs as
// a real engine operation so it respects the per-connection serialization
// mutex; the merge back into the cache happens under t.mu so it is never
// concurrent with a foreground query on the same table, and AdoptForward/
// AdoptBackward reject the result if the window moved while it was in
// flight. Called with t.mu held, so the where/orderBy/range snapshots
// taken here are consistent with the buffer state the ranges describe.
func (d *Dispatcher) maybePrefetch(ctx context.Context, connID int64, entry *registry.Entry, t *tab) {
	cache := t.cache
	where, orderBy := cache.PageQueryArgs()
	table := cache.Schema.Table

	launch := func(off, limit int64, adopt func(types.ResultSet, int64) error) {
		op := d.submit(ctx, connID, engine.KindQueryPage, entry, func(ctx context.Context) (interface{}, error) {
			return entry.Driver.QueryPage(ctx, table, off, limit, where, orderBy)
		})
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			if op.Wait(operationTimeout) != engine.StateCompleted {
				return
			}
			result, _, _ := op.Result()
			rs, ok := result.(types.ResultSet)
			if !ok {
				return
			}
			t.mu.Lock()
			defer t.mu.Unlock()
			if t.cache != cache {
				return
			}
			_ = adopt(rs, off)
		}()
	}

	if cache.NeedsForwardPrefetch() && !cache.NeedsForwardLoad() {
		off, limit := cache.ForwardPrefetchRange()
		launch(off, limit, cache.AdoptForward)
	}
	if cache.NeedsBackwardPrefetch() && !cache.NeedsBackwardLoad() {
		off, limit := cache.BackwardPrefetchRange()
		launch(off, limit, cache.AdoptBackward)
	}
}

func (d *Dispatcher) tabFor(connID int64, table string) *tab {
	key := tabKey{connID: connID, table: table}
	d.tabsMu.Lock()
	defer d.tabsMu.Unlock()
	t, ok := d.tabs[key]
	if !ok {
		t = &tab{}
		d.tabs[key] = t
	}
	return t
}

func sameFilterSort(af []types.FilterPredicate, as []types.SortEntry, bf []types.FilterPredicate, bs []types.SortEntry) bool {
	if len(af) != len(bf) || len(as) != len(bs) {
		return false
	}
	for i := range af {
		if af[i] != bf[i] {
			return false
		}
	}
	for i := range as {
		if as[i] != bs[i] {
			return false
		}
	}
	return true
}

type countParams struct {
	ConnID  int64                   `json:"conn_id"`
	Table   string                  `json:"table"`
	Filters []types.FilterPredicate `json:"filters"`
}

func (d *Dispatcher) handleCount(ctx context.Context, req Request) (interface{}, error) {
	var p countParams
	if err := decodeParams(req.Params, &p); err != nil {
		return nil, err
	}
	entry, err := d.reg.Borrow(p.ConnID)
	if err != nil {
		return nil, err
	}

	op := d.submit(ctx, p.ConnID, engine.KindCountRowsWhere, entry, func(ctx context.Context) (interface{}, error) {
		schema, err := entry.Driver.Describe(ctx, p.Table)
		if err != nil {
			return nil, err
		}
		where, err := query.BuildWhere(p.Filters, schema, entry.Driver.Tag())
		if err != nil {
			return nil, NewError(CodeInvalidParams, err.Error())
		}
		var wherePtr *driver.WhereClause
		if where.SQL != "" {
			wherePtr = &where
		}
		count, approx, err := entry.Driver.Count(ctx, p.Table, wherePtr)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"count": count, "approximate": approx}, nil
	})
	return d.await(op)
}

// --- exec / mutation ---------------------------------------------------------

type execParams struct {
	ConnID int64  `json:"conn_id"`
	SQL    string `json:"sql"`
}

func (d *Dispatcher) handleExec(ctx context.Context, req Request) (interface{}, error) {
	var p execParams
	if err := decodeParams(req.Params, &p); err != nil {
		return nil, err
	}
	entry, err := d.reg.Borrow(p.ConnID)
	if err != nil {
		return nil, err
	}

	op := d.submit(ctx, p.ConnID, engine.KindExecSQL, entry, func(ctx context.Context) (interface{}, error) {
		return entry.Driver.Exec(ctx, p.SQL)
	})
	result, err := d.await(op)
	if err != nil {
		return nil, WrapError(err, CodeQueryFailed, "exec failed")
	}
	res := result.(driver.ExecResult)
	if res.IsSelect {
		return map[string]interface{}{"type": "select", "data": res.ResultSet}, nil
	}
	return map[string]interface{}{"type": "dml", "affected": res.Affected}, nil
}

func (d *Dispatcher) handleCancel(ctx context.Context, req Request) (interface{}, error) {
	var p connIDParams
	if err := decodeParams(req.Params, &p); err != nil {
		return nil, err
	}
	entry, err := d.reg.Borrow(p.ConnID)
	if err != nil {
		return nil, err
	}
	if op, ok := d.getCurrent(p.ConnID); ok {
		op.Cancel()
	}
	_ = entry.Driver.CancelCurrent(ctx)
	return struct{}{}, nil
}

type pkColumnParam struct {
	Column string          `json:"column"`
	Value  json.RawMessage `json:"value"`
}

func toPKColumns(params []pkColumnParam) []driver.PKColumn {
	out := make([]driver.PKColumn, len(params))
	for i, p := range params {
		v, _ := types.ValueFromJSON(p.Value, types.KindNull)
		out[i] = driver.PKColumn{Column: p.Column, Value: v}
	}
	return out
}

type updateParams struct {
	ConnID int64           `json:"conn_id"`
	Table  string          `json:"table"`
	PK     []pkColumnParam `json:"pk"`
	Column string          `json:"column"`
	Value  json.RawMessage `json:"value"`
}

func (d *Dispatcher) handleUpdate(ctx context.Context, req Request) (interface{}, error) {
	var p updateParams
	if err := decodeParams(req.Params, &p); err != nil {
		return nil, err
	}
	entry, err := d.reg.Borrow(p.ConnID)
	if err != nil {
		return nil, err
	}
	value, err := types.ValueFromJSON(p.Value, types.KindNull)
	if err != nil {
		return nil, NewError(CodeInvalidParams, err.Error())
	}

	op := d.submit(ctx, p.ConnID, engine.KindUpdateCell, entry, func(ctx context.Context) (interface{}, error) {
		return nil, entry.Driver.UpdateCell(ctx, p.Table, toPKColumns(p.PK), p.Column, value)
	})
	if _, err := d.await(op); err != nil {
		return nil, WrapError(err, CodeConstraintViolation, "update failed")
	}
	d.dropTabs(p.ConnID)
	return struct{}{}, nil
}

type deleteParams struct {
	ConnID int64           `json:"conn_id"`
	Table  string          `json:"table"`
	PK     []pkColumnParam `json:"pk"`
}

func (d *Dispatcher) handleDelete(ctx context.Context, req Request) (interface{}, error) {
	var p deleteParams
	if err := decodeParams(req.Params, &p); err != nil {
		return nil, err
	}
	entry, err := d.reg.Borrow(p.ConnID)
	if err != nil {
		return nil, err
	}

	op := d.submit(ctx, p.ConnID, engine.KindDeleteRow, entry, func(ctx context.Context) (interface{}, error) {
		return nil, entry.Driver.DeleteRow(ctx, p.Table, toPKColumns(p.PK))
	})
	if _, err := d.await(op); err != nil {
		return nil, WrapError(err, CodeNoSuchRow, "delete failed")
	}
	d.dropTabs(p.ConnID)
	return struct{}{}, nil
}

type insertParams struct {
	ConnID  int64             `json:"conn_id"`
	Table   string            `json:"table"`
	Columns []string          `json:"columns"`
	Values  []json.RawMessage `json:"values"`
}

func (d *Dispatcher) handleInsert(ctx context.Context, req Request) (interface{}, error) {
	var p insertParams
	if err := decodeParams(req.Params, &p); err != nil {
		return nil, err
	}
	entry, err := d.reg.Borrow(p.ConnID)
	if err != nil {
		return nil, err
	}
	if len(p.Columns) != len(p.Values) {
		return nil, NewError(CodeInvalidParams, "columns and values must be the same length")
	}
	vals := make([]types.Value, len(p.Values))
	for i, raw := range p.Values {
		v, err := types.ValueFromJSON(raw, types.KindNull)
		if err != nil {
			return nil, NewError(CodeInvalidParams, err.Error())
		}
		vals[i] = v
	}

	op := d.submit(ctx, p.ConnID, engine.KindInsertRow, entry, func(ctx context.Context) (interface{}, error) {
		return entry.Driver.InsertRow(ctx, p.Table, p.Columns, vals)
	})
	result, err := d.await(op)
	if err != nil {
		return nil, WrapError(err, CodeConstraintViolation, "insert failed")
	}
	d.dropTabs(p.ConnID)
	return map[string]interface{}{"pk": result}, nil
}

// --- shared plumbing ---------------------------------------------------------

// submit wraps engine.Submit with the bookkeeping every non-trivial
// operation needs: marking the connection in-flight for the in_flight
// metadata field, and recording it as the connection's "current" operation
// so a later cancel request can find it.
func (d *Dispatcher) submit(ctx context.Context, connID int64, kind engine.Kind, entry *registry.Entry, work engine.Work) *engine.Operation {
	entry.SetInFlight(true)
	wrapped := func(ctx context.Context) (interface{}, error) {
		defer entry.SetInFlight(false)
		return work(ctx)
	}
	op := d.eng.Submit(ctx, connID, kind, &entry.ConnMutex, wrapped)
	d.setCurrent(connID, op)
	return op
}

func (d *Dispatcher) await(op *engine.Operation) (interface{}, error) {
	op.Wait(operationTimeout)
	result, errMsg, state := op.Result()
	switch state {
	case engine.StateCompleted:
		return result, nil
	case engine.StateCancelled:
		return nil, NewError(CodeQueryCancelled, "operation cancelled")
	case engine.StateError:
		return nil, NewError(CodeQueryFailed, errMsg)
	default:
		return nil, NewError(CodeQueryTimeout, "operation timed out")
	}
}

func decodeParams(raw json.RawMessage, dst interface{}) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return NewError(CodeInvalidParams, fmt.Sprintf("invalid params: %v", err))
	}
	return nil
}
