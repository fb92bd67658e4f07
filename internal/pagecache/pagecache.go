// Package pagecache implements the paginated result cache: a windowed
// buffer of a table's rows that grows forward/backward as the cursor
// approaches its edges and trims from the far edge to stay bounded, so a
// client scrolling through a million-row table never forces a full table
// scan into memory.
//
// Worker goroutines only ever return results; the owning dispatch
// goroutine is the sole writer of the buffer. A Cache is therefore not
// safe for concurrent use: it is meant to be owned by one RPC dispatch
// goroutine per (connection, table) pair, with background prefetch
// results merged in under that owner's lock once they complete.
package pagecache

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/fathomdb/dbrowsed/internal/driver"
	"github.com/fathomdb/dbrowsed/internal/query"
	"github.com/fathomdb/dbrowsed/internal/types"
)

// Design-level defaults for the cache constants.
const (
	DefaultPageSize          = 500
	DefaultPrefetchPages     = 2
	DefaultMaxLoadedPages    = 5
	DefaultTrimDistancePages = 2
	DefaultLoadThreshold     = 50
	DefaultPrefetchThreshold = 150
	DefaultRowCap            = 1_000_000
)

// Config bundles the cache tunables. PageSize and MaxLoadedPages are
// overridable via DBROWSED_PAGE_SIZE / DBROWSED_MAX_LOADED_PAGES; the
// rest are fixed build-time constants and do not change when those two
// are overridden.
type Config struct {
	PageSize          int64
	PrefetchPages     int64
	MaxLoadedPages    int64
	TrimDistancePages int64
	LoadThreshold     int64
	PrefetchThreshold int64
	RowCap            int64
}

// DefaultConfig reads DBROWSED_PAGE_SIZE and DBROWSED_MAX_LOADED_PAGES,
// falling back to the defaults above for anything unset or unparsable.
func DefaultConfig() Config {
	cfg := Config{
		PageSize:          DefaultPageSize,
		PrefetchPages:     DefaultPrefetchPages,
		MaxLoadedPages:    DefaultMaxLoadedPages,
		TrimDistancePages: DefaultTrimDistancePages,
		LoadThreshold:     DefaultLoadThreshold,
		PrefetchThreshold: DefaultPrefetchThreshold,
		RowCap:            DefaultRowCap,
	}
	if v, err := strconv.ParseInt(os.Getenv("DBROWSED_PAGE_SIZE"), 10, 64); err == nil && v > 0 {
		cfg.PageSize = v
	}
	if v, err := strconv.ParseInt(os.Getenv("DBROWSED_MAX_LOADED_PAGES"), 10, 64); err == nil && v > 0 {
		cfg.MaxLoadedPages = v
	}
	return cfg
}

// MaxLoadedRows is the row-count ceiling the buffer is trimmed back to.
func (c Config) MaxLoadedRows() int64 {
	return c.MaxLoadedPages * c.PageSize
}

func (c Config) prefetchLimit() int64 {
	return c.PageSize * c.PrefetchPages
}

// ErrStalePrefetch is returned by AdoptForward/AdoptBackward when a
// background load completes after the window has already moved out from
// under it. The caller simply discards the result.
var ErrStalePrefetch = fmt.Errorf("pagecache: prefetch result is stale")

// forcedExactWhere is never sent to the database as real user input; it is
// a constant, always-true predicate used solely to force a driver's exact-
// count code path (which every driver takes whenever where.SQL != "") when
// an approximate estimate turns out to have been wrong.
var forcedExactWhere = &driver.WhereClause{SQL: "WHERE 1=1"}

// Cache is one table's windowed row buffer: the rows in [LoadedOffset,
// LoadedOffset+LoadedCount()) of the filtered/sorted result set, plus
// enough bookkeeping to decide when to extend or trim that window.
type Cache struct {
	d     driver.Driver
	table string
	cfg   Config

	Schema      types.Schema
	Columns     []types.ResultColumn
	TotalRows   int64
	Approximate bool

	LoadedOffset int64
	Rows         []types.Row

	Filters []types.FilterPredicate
	Sorts   []types.SortEntry

	// CursorRow is the absolute (not buffer-local) row index the client is
	// currently positioned at. Storing it in absolute terms is what makes
	// the "prepend cursor preservation" property fall out for free: a
	// backward merge changes LoadedOffset, never CursorRow, so the local
	// cursor (CursorRow-LoadedOffset) shifts by exactly the prepended count
	// without any extra bookkeeping.
	CursorRow int64
	CursorCol int

	where   *driver.WhereClause
	orderBy string
}

// Open builds a fresh Cache for table, issuing the initial describe/count/
// query_page calls and loading the first PrefetchPages worth of rows
// starting at row 0.
func Open(ctx context.Context, d driver.Driver, table string, filters []types.FilterPredicate, sorts []types.SortEntry, cfg Config) (*Cache, error) {
	c := &Cache{d: d, table: table, cfg: cfg}
	if err := c.reload(ctx, filters, sorts); err != nil {
		return nil, err
	}
	return c, nil
}

// SetFilterSort changes the active filter/sort and reopens the cache
// against them, discarding the current buffer.
func (c *Cache) SetFilterSort(ctx context.Context, filters []types.FilterPredicate, sorts []types.SortEntry) error {
	return c.reload(ctx, filters, sorts)
}

func (c *Cache) reload(ctx context.Context, filters []types.FilterPredicate, sorts []types.SortEntry) error {
	schema, err := c.d.Describe(ctx, c.table)
	if err != nil {
		return err
	}

	where, err := query.BuildWhere(filters, schema, c.d.Tag())
	if err != nil {
		return err
	}
	var wherePtr *driver.WhereClause
	if where.SQL != "" {
		wherePtr = &where
	}

	orderBy, err := query.BuildOrderBy(sorts, schema, c.d.Tag())
	if err != nil {
		return err
	}

	total, approx, err := c.d.Count(ctx, c.table, wherePtr)
	if err != nil {
		return err
	}

	rs, err := c.d.QueryPage(ctx, c.table, 0, c.cfg.prefetchLimit(), wherePtr, orderBy)
	if err != nil {
		return err
	}

	c.Schema = schema
	c.Columns = rs.Columns
	c.TotalRows = total
	c.Approximate = approx
	c.Filters = filters
	c.Sorts = sorts
	c.where = wherePtr
	c.orderBy = orderBy
	c.LoadedOffset = 0
	c.Rows = rs.Rows
	c.CursorRow = 0
	c.CursorCol = 0
	return nil
}

// LoadedCount is the number of rows currently buffered.
func (c *Cache) LoadedCount() int64 {
	return int64(len(c.Rows))
}

// LocalCursor is CursorRow expressed relative to LoadedOffset, i.e. the
// index into Rows the cursor currently points at.
func (c *Cache) LocalCursor() int64 {
	return c.CursorRow - c.LoadedOffset
}

// SetCursorRow repositions the cursor without touching the buffer; callers
// follow up with NeedsForwardLoad/NeedsBackwardLoad (or the prefetch
// variants) to decide whether the window needs to move too.
func (c *Cache) SetCursorRow(row int64) {
	c.CursorRow = row
}

// Slice returns the buffered rows covering [start, start+count), clipped to
// what's actually loaded. Callers should call EnsureRange first if the
// full range must be present.
func (c *Cache) Slice(start, count int64) []types.Row {
	lo := start - c.LoadedOffset
	hi := lo + count
	if lo < 0 {
		lo = 0
	}
	if hi > int64(len(c.Rows)) {
		hi = int64(len(c.Rows))
	}
	if lo >= hi {
		return nil
	}
	return c.Rows[lo:hi]
}

// EnsureRange blocks until [start, start+count) is covered by the buffer,
// extending it forward or backward as needed. A start far outside the current window triggers a fresh
// blocking load at start rather than an enormous merge.
func (c *Cache) EnsureRange(ctx context.Context, start, count int64) error {
	loadedEnd := c.LoadedOffset + c.LoadedCount()

	switch {
	case start < c.LoadedOffset:
		if start+count <= c.LoadedOffset {
			return c.loadAtWithDialog(ctx, start, maxInt64(count, c.cfg.prefetchLimit()))
		}
		return c.mergeBackwardBy(ctx, c.LoadedOffset-start)

	case start+count > loadedEnd:
		if start >= loadedEnd {
			return c.loadAtWithDialog(ctx, start, maxInt64(count, c.cfg.prefetchLimit()))
		}
		return c.mergeForwardBy(ctx, start+count-loadedEnd)

	default:
		return nil
	}
}

// loadAtWithDialog performs a blocking load replacing the entire buffer
// with rows starting at offset, retrying once at a corrected offset if the
// backend reports zero rows because an approximate total_rows estimate was
// stale. The "dialog" in the name marks this as the path a client blocks
// on; this package just performs it synchronously and lets the RPC layer
// decide how to report latency.
func (c *Cache) loadAtWithDialog(ctx context.Context, offset, limit int64) error {
	rs, err := c.d.QueryPage(ctx, c.table, offset, limit, c.where, c.orderBy)
	if err != nil {
		return err
	}

	if len(rs.Rows) == 0 && offset > 0 && c.Approximate {
		exactTotal, _, cerr := c.d.Count(ctx, c.table, forcedExactWhere)
		if cerr == nil {
			c.TotalRows = exactTotal
			c.Approximate = false
			corrected := offset
			if corrected >= exactTotal {
				corrected = maxInt64(0, exactTotal-limit)
			}
			if corrected != offset {
				if rs2, err2 := c.d.QueryPage(ctx, c.table, corrected, limit, c.where, c.orderBy); err2 == nil {
					rs = rs2
					offset = corrected
				}
			}
		}
	}

	c.Rows = rs.Rows
	c.LoadedOffset = offset
	c.trim()
	return nil
}

func (c *Cache) mergeForwardBy(ctx context.Context, need int64) error {
	if !c.Approximate && c.TotalRows >= 0 && c.LoadedOffset+c.LoadedCount() >= c.TotalRows {
		return nil
	}
	limit := maxInt64(need, c.cfg.PageSize)
	if c.LoadedCount()+limit > c.cfg.RowCap {
		return fmt.Errorf("pagecache: forward merge would exceed row cap (%d)", c.cfg.RowCap)
	}

	offset := c.LoadedOffset + c.LoadedCount()
	rs, err := c.d.QueryPage(ctx, c.table, offset, limit, c.where, c.orderBy)
	if err != nil {
		return err
	}
	c.Rows = append(c.Rows, rs.Rows...)
	c.trim()
	return nil
}

func (c *Cache) mergeBackwardBy(ctx context.Context, need int64) error {
	if c.LoadedOffset <= 0 {
		return nil
	}
	limit := maxInt64(need, c.cfg.PageSize)
	offset := c.LoadedOffset - limit
	if offset < 0 {
		limit = c.LoadedOffset
		offset = 0
	}
	if limit <= 0 {
		return nil
	}
	if c.LoadedCount()+limit > c.cfg.RowCap {
		return fmt.Errorf("pagecache: backward merge would exceed row cap (%d)", c.cfg.RowCap)
	}

	rs, err := c.d.QueryPage(ctx, c.table, offset, limit, c.where, c.orderBy)
	if err != nil {
		return err
	}
	merged := make([]types.Row, 0, len(rs.Rows)+len(c.Rows))
	merged = append(merged, rs.Rows...)
	merged = append(merged, c.Rows...)
	c.Rows = merged
	c.LoadedOffset = offset
	c.trim()
	return nil
}

// trim drops rows from whichever edge is farthest from the cursor once the
// buffer exceeds MaxLoadedRows, keeping a window of TrimDistancePages pages
// on each side of the cursor. Because CursorRow is
// absolute, discarding from the front only ever bumps LoadedOffset; the
// logical cursor position is never touched.
func (c *Cache) trim() {
	maxRows := c.cfg.MaxLoadedRows()
	n := int64(len(c.Rows))
	if n <= maxRows {
		return
	}

	local := c.LocalCursor()
	window := c.cfg.TrimDistancePages * c.cfg.PageSize
	keepStart := local - window
	keepEnd := local + window

	if keepEnd-keepStart > maxRows {
		half := maxRows / 2
		keepStart = local - half
		keepEnd = local + half
	}
	if keepStart < 0 {
		keepEnd -= keepStart
		keepStart = 0
	}
	if keepEnd > n {
		keepStart -= keepEnd - n
		keepEnd = n
	}
	if keepStart < 0 {
		keepStart = 0
	}

	if keepStart == 0 && keepEnd == n {
		return
	}

	trimmed := make([]types.Row, keepEnd-keepStart)
	copy(trimmed, c.Rows[keepStart:keepEnd])
	c.Rows = trimmed
	c.LoadedOffset += keepStart
}

// NeedsForwardLoad reports whether the cursor is close enough to the
// loaded window's trailing edge that a blocking load is warranted now,
// more urgent than the prefetch threshold.
func (c *Cache) NeedsForwardLoad() bool {
	return c.forwardDistance() >= 0 && c.forwardDistance() <= c.cfg.LoadThreshold && c.hasMoreForward()
}

// NeedsForwardPrefetch reports whether a background prefetch should
// start; PrefetchThreshold > LoadThreshold, so it fires before the
// blocking boundary is hit.
func (c *Cache) NeedsForwardPrefetch() bool {
	return c.forwardDistance() >= 0 && c.forwardDistance() <= c.cfg.PrefetchThreshold && c.hasMoreForward()
}

// NeedsBackwardLoad is NeedsForwardLoad's mirror image for the leading edge.
func (c *Cache) NeedsBackwardLoad() bool {
	return c.LoadedOffset > 0 && c.LocalCursor() <= c.cfg.LoadThreshold
}

// NeedsBackwardPrefetch is NeedsForwardPrefetch's mirror image.
func (c *Cache) NeedsBackwardPrefetch() bool {
	return c.LoadedOffset > 0 && c.LocalCursor() <= c.cfg.PrefetchThreshold
}

func (c *Cache) forwardDistance() int64 {
	return c.LoadedOffset + c.LoadedCount() - c.CursorRow
}

func (c *Cache) hasMoreForward() bool {
	if c.Approximate || c.TotalRows < 0 {
		return true
	}
	return c.LoadedOffset+c.LoadedCount() < c.TotalRows
}

// PageQueryArgs returns the WHERE clause and ORDER BY fragment the active
// filter/sort lists compile to, for callers issuing page fetches on the
// cache's behalf (the dispatcher's background prefetch). The returned
// clause is shared-immutable: it is only ever replaced wholesale by a
// reload, never mutated in place.
func (c *Cache) PageQueryArgs() (*driver.WhereClause, string) {
	return c.where, c.orderBy
}

// ForwardPrefetchRange is the (offset, limit) a caller should fetch in the
// background to satisfy NeedsForwardPrefetch/NeedsForwardLoad.
func (c *Cache) ForwardPrefetchRange() (offset, limit int64) {
	return c.LoadedOffset + c.LoadedCount(), c.cfg.prefetchLimit()
}

// BackwardPrefetchRange is ForwardPrefetchRange's mirror image.
func (c *Cache) BackwardPrefetchRange() (offset, limit int64) {
	limit = c.cfg.prefetchLimit()
	offset = c.LoadedOffset - limit
	if offset < 0 {
		limit = c.LoadedOffset
		offset = 0
	}
	return offset, limit
}

// AdoptForward merges a completed background forward-prefetch result,
// provided the window hasn't moved since the fetch was started (expectedOffset
// must still equal the buffer's trailing edge). Returns ErrStalePrefetch if
// not, in which case the caller simply discards rs.
func (c *Cache) AdoptForward(rs types.ResultSet, expectedOffset int64) error {
	if expectedOffset != c.LoadedOffset+c.LoadedCount() {
		return ErrStalePrefetch
	}
	if c.LoadedCount()+int64(len(rs.Rows)) > c.cfg.RowCap {
		return fmt.Errorf("pagecache: forward prefetch merge would exceed row cap (%d)", c.cfg.RowCap)
	}
	c.Rows = append(c.Rows, rs.Rows...)
	c.trim()
	return nil
}

// AdoptBackward merges a completed background backward-prefetch result,
// provided the window's leading edge still sits where the fetch expected.
func (c *Cache) AdoptBackward(rs types.ResultSet, expectedOffset int64) error {
	if expectedOffset+int64(len(rs.Rows)) != c.LoadedOffset {
		return ErrStalePrefetch
	}
	if c.LoadedCount()+int64(len(rs.Rows)) > c.cfg.RowCap {
		return fmt.Errorf("pagecache: backward prefetch merge would exceed row cap (%d)", c.cfg.RowCap)
	}
	merged := make([]types.Row, 0, len(rs.Rows)+len(c.Rows))
	merged = append(merged, rs.Rows...)
	merged = append(merged, c.Rows...)
	c.Rows = merged
	c.LoadedOffset = expectedOffset
	c.trim()
	return nil
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
