// Package driver defines the capability set every SQL backend must
// expose and a URI-scheme-keyed registry for constructing one.
package driver

import (
	"context"
	"fmt"

	"github.com/fathomdb/dbrowsed/internal/types"
)

// Tag identifies which concrete backend a Driver instance is.
type Tag string

const (
	TagSQLite   Tag = "sqlite"
	TagPostgres Tag = "postgres"
	TagMySQL    Tag = "mysql"
	TagMariaDB  Tag = "mariadb"
)

// ExecResult is what Exec returns: a ResultSet for SELECT statements, an
// affected-row count for everything else. IsSelect says which half is
// populated.
type ExecResult struct {
	ResultSet *types.ResultSet
	Affected  int64
	IsSelect  bool
}

// PKColumn is one (column, value) pair identifying part of a composite
// primary key, used by update_cell, delete_row and insert_row's returned
// pk.
type PKColumn struct {
	Column string      `json:"column"`
	Value  types.Value `json:"value"`
}

// Driver is the fixed capability set every backend implements. The
// registry, page cache and RPC layers never branch on which concrete
// backend they're holding; the three concrete implementations differ only
// inside this interface.
type Driver interface {
	// Tag identifies the concrete backend, e.g. for diagnostics and for
	// ConnectionInfo.Driver.
	Tag() Tag

	// IdentifierQuote is the character (or character pair) this backend
	// uses to quote identifiers: `"` for SQLite/PostgreSQL, "`" for MySQL/
	// MariaDB.
	IdentifierQuote() string

	// ListTables returns every table name visible on the connection.
	ListTables(ctx context.Context) ([]string, error)

	// Describe returns the full Schema for one table, including the
	// backend's IdentifierQuote in Schema.QuoteChar.
	Describe(ctx context.Context, table string) (types.Schema, error)

	// Count returns the row count for a table, optionally filtered by a
	// pre-built WHERE clause. Approximate counts are only ever returned
	// when where is nil or its SQL is empty; the "approximate only when unfiltered"
	// rule lives here, per driver, not in any caller.
	Count(ctx context.Context, table string, where *WhereClause) (count int64, approximate bool, err error)

	// QueryPage returns up to limit rows starting at offset, honoring an
	// optional WHERE/ORDER BY. Implementations must check ctx.Done()
	// between row batches so cancellation is observed promptly.
	QueryPage(ctx context.Context, table string, offset, limit int64, where *WhereClause, orderBy string) (types.ResultSet, error)

	// Exec runs an arbitrary SQL statement. SELECT statements populate
	// ExecResult.ResultSet/IsSelect=true; anything else populates Affected.
	Exec(ctx context.Context, sql string) (ExecResult, error)

	// UpdateCell sets one column on the row identified by pk.
	UpdateCell(ctx context.Context, table string, pk []PKColumn, column string, value types.Value) error

	// DeleteRow removes the row identified by pk.
	DeleteRow(ctx context.Context, table string, pk []PKColumn) error

	// InsertRow inserts a new row and returns column/value pairs
	// identifying it. What those pairs are depends on the backend:
	// PostgreSQL returns every column of the inserted row (RETURNING *),
	// SQLite returns the new rowid under the column name "rowid", and
	// MySQL/MariaDB return LAST_INSERT_ID() under the name
	// "last_insert_id", or nothing when that id is 0. The pairs are not
	// restricted to the table's declared primary-key columns.
	InsertRow(ctx context.Context, table string, cols []string, vals []types.Value) ([]PKColumn, error)

	// CancelCurrent best-effort cancels whatever statement is currently
	// executing on this connection: PostgreSQL issues a cancel
	// request, MySQL/MariaDB issue KILL QUERY on a side connection.
	// SQLite signals a flag that its row loop checks between rows; it
	// does not interrupt a statement inside SQLite itself.
	CancelCurrent(ctx context.Context) error

	// Close releases the underlying connection/pool.
	Close() error
}

// WhereClause is the output of the filter/sort builder (internal/query):
// a SQL fragment beginning "WHERE ..." (or empty) plus its bound
// parameters in positional order. Never interpolated text except for the
// raw operator, which is baked into SQL by the builder already.
type WhereClause struct {
	SQL    string
	Params []types.Value
}

// Opener constructs a Driver from a connection string and an optional
// out-of-band password, which takes precedence over any password embedded
// in the URI.
type Opener func(ctx context.Context, connstr string, password string) (Driver, error)

var registry = map[Tag]Opener{}

// Register associates a scheme tag with its constructor. Concrete driver
// packages call this from an init() func.
func Register(tag Tag, open Opener) {
	registry[tag] = open
}

// Open resolves the driver from a connection string's URI scheme and
// opens it. Unknown schemes and driver-level open failures are both
// returned as errors; a driver error during open means the caller
// (internal/registry) never allocates a connection id.
func Open(ctx context.Context, tag Tag, connstr string, password string) (Driver, error) {
	open, ok := registry[tag]
	if !ok {
		return nil, fmt.Errorf("no driver registered for %q", tag)
	}
	return open(ctx, connstr, password)
}
