// Package sqlitedriver implements the driver.Driver capability set for
// SQLite over database/sql, using the pure-Go ncruces/go-sqlite3 driver.
package sqlitedriver

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"sync"

	"github.com/fathomdb/dbrowsed/internal/driver"
	"github.com/fathomdb/dbrowsed/internal/query"
	"github.com/fathomdb/dbrowsed/internal/types"
)

func init() {
	driver.Register(driver.TagSQLite, open)
}

const quoteChar = `"`

// sqliteDriver holds one *sql.DB and the cooperative cancel signal for
// whichever query_page/exec call is currently running. SQLite's own
// concurrency model tolerates only one writer at a time, which the
// engine's per-connection serialization mutex already enforces
// above this layer; this struct's mu only protects `current` itself.
type sqliteDriver struct {
	db *sql.DB

	mu      sync.Mutex
	current chanCanceller
}

// chanCanceller is a tiny cooperative cancel signal: CancelCurrent closes
// it, and long-running query loops select on it between row batches. A
// fresh one is installed at the start of every QueryPage call and every
// SELECT run through Exec; non-SELECT statements do not install or check one.
type chanCanceller struct {
	ch chan struct{}
}

func newCanceller() chanCanceller { return chanCanceller{ch: make(chan struct{})} }

func (c chanCanceller) cancelled() bool {
	if c.ch == nil {
		return false
	}
	select {
	case <-c.ch:
		return true
	default:
		return false
	}
}

// beginOp installs a fresh canceller for the call about to run and
// returns it so the call can poll it at row boundaries.
func (d *sqliteDriver) beginOp() chanCanceller {
	c := newCanceller()
	d.mu.Lock()
	d.current = c
	d.mu.Unlock()
	return c
}

// DSN builds a SQLite connection string with standard pragmas:
// busy_timeout (avoids "database is locked" under concurrency),
// foreign_keys enforcement, and a sqlite time format. Honors
// DBROWSED_LOCK_TIMEOUT (default 30s).
func DSN(path string) string {
	path = strings.TrimSpace(path)

	busy := 30 * time.Second
	if v := strings.TrimSpace(os.Getenv("DBROWSED_LOCK_TIMEOUT")); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			busy = d
		}
	}
	busyMs := int64(busy / time.Millisecond)

	// URL parsing of sqlite:///<path> keeps the leading slash, so the
	// in-memory form arrives here as "/:memory:" (or "/" when <path> is
	// empty). All of those mean in-memory, as does a bare ":memory:".
	if trimmed := strings.TrimPrefix(path, "/"); trimmed == "" || trimmed == ":memory:" {
		return fmt.Sprintf("file::memory:?_pragma=foreign_keys(ON)&_pragma=busy_timeout(%d)&_time_format=sqlite", busyMs)
	}

	if strings.HasPrefix(path, "file:") {
		conn := path
		sep := "?"
		if strings.Contains(conn, "?") {
			sep = "&"
		}
		if !strings.Contains(conn, "_pragma=busy_timeout") {
			conn += fmt.Sprintf("%s_pragma=busy_timeout(%d)", sep, busyMs)
			sep = "&"
		}
		if !strings.Contains(conn, "_pragma=foreign_keys") {
			conn += sep + "_pragma=foreign_keys(ON)"
			sep = "&"
		}
		if !strings.Contains(conn, "_time_format=") {
			conn += sep + "_time_format=sqlite"
		}
		return conn
	}

	return fmt.Sprintf("file:%s?_pragma=foreign_keys(ON)&_pragma=busy_timeout(%d)&_time_format=sqlite", path, busyMs)
}

func open(ctx context.Context, connstr string, _ string) (driver.Driver, error) {
	parsed, err := driver.ParseConnString(connstr)
	if err != nil {
		return nil, err
	}
	if parsed.Tag != driver.TagSQLite {
		return nil, fmt.Errorf("sqlitedriver: not a sqlite connection string: %s", connstr)
	}

	db, err := sql.Open("sqlite3", DSN(parsed.Path))
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}
	db.SetMaxOpenConns(1) // one connection; operations are serialized above this layer

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite connect: %w", err)
	}

	return &sqliteDriver{db: db}, nil
}

func (d *sqliteDriver) Tag() driver.Tag         { return driver.TagSQLite }
func (d *sqliteDriver) IdentifierQuote() string { return quoteChar }

func (d *sqliteDriver) ListTables(ctx context.Context) ([]string, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT name FROM sqlite_master WHERE type='table' AND name NOT LIKE 'sqlite_%' ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		tables = append(tables, name)
	}
	return tables, rows.Err()
}

func (d *sqliteDriver) Describe(ctx context.Context, table string) (types.Schema, error) {
	quoted := quoteChar + strings.ReplaceAll(table, quoteChar, quoteChar+quoteChar) + quoteChar

	rows, err := d.db.QueryContext(ctx, fmt.Sprintf(`PRAGMA table_info(%s)`, quoted))
	if err != nil {
		return types.Schema{}, err
	}
	defer rows.Close()

	var cols []types.Column
	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull int
		var dflt sql.NullString
		var pk int
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return types.Schema{}, err
		}
		c := types.Column{
			Name:       name,
			Type:       ctype,
			Nullable:   notnull == 0,
			PrimaryKey: pk > 0,
		}
		if dflt.Valid {
			v := dflt.String
			c.Default = &v
		}
		cols = append(cols, c)
	}
	if err := rows.Err(); err != nil {
		return types.Schema{}, err
	}

	idxRows, err := d.db.QueryContext(ctx, fmt.Sprintf(`PRAGMA index_list(%s)`, quoted))
	if err != nil {
		return types.Schema{}, err
	}
	var indexes []types.Index
	for idxRows.Next() {
		var seq int
		var name string
		var unique int
		var origin, partial string
		if err := idxRows.Scan(&seq, &name, &unique, &origin, &partial); err != nil {
			idxRows.Close()
			return types.Schema{}, err
		}
		indexes = append(indexes, types.Index{Name: name, Unique: unique == 1, Primary: origin == "pk"})
	}
	idxRows.Close()
	if err := idxRows.Err(); err != nil {
		return types.Schema{}, err
	}

	var rowCount int64 = -1
	if err := d.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s`, quoted)).Scan(&rowCount); err != nil {
		rowCount = -1
	}

	return types.Schema{
		Table:     table,
		Columns:   cols,
		Indexes:   indexes,
		RowCount:  rowCount,
		QuoteChar: quoteChar,
	}, nil
}

func (d *sqliteDriver) Count(ctx context.Context, table string, where *driver.WhereClause) (int64, bool, error) {
	quoted := quoteChar + strings.ReplaceAll(table, quoteChar, quoteChar+quoteChar) + quoteChar
	sqlStr := fmt.Sprintf(`SELECT COUNT(*) FROM %s`, quoted)
	args := []interface{}{}
	if where != nil && where.SQL != "" {
		sqlStr += " " + where.SQL
		args = bindArgs(where.Params)
	}

	var n int64
	if err := d.db.QueryRowContext(ctx, sqlStr, args...).Scan(&n); err != nil {
		return 0, false, err
	}
	// SQLite has no cheap catalog-statistics estimate comparable to
	// Postgres/MySQL; counts are always exact here.
	return n, false, nil
}

func (d *sqliteDriver) QueryPage(ctx context.Context, table string, offset, limit int64, where *driver.WhereClause, orderBy string) (types.ResultSet, error) {
	quoted := quoteChar + strings.ReplaceAll(table, quoteChar, quoteChar+quoteChar) + quoteChar
	sqlStr := fmt.Sprintf(`SELECT * FROM %s`, quoted)
	args := []interface{}{}
	if where != nil && where.SQL != "" {
		sqlStr += " " + where.SQL
		args = bindArgs(where.Params)
	}
	if orderBy != "" {
		sqlStr += " ORDER BY " + orderBy
	}
	sqlStr += " LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	return runSelect(ctx, d.db, sqlStr, args, d.beginOp())
}

func (d *sqliteDriver) Exec(ctx context.Context, sqlText string) (driver.ExecResult, error) {
	if query.LooksLikeSelect(sqlText) {
		rs, err := runSelect(ctx, d.db, sqlText, nil, d.beginOp())
		if err != nil {
			return driver.ExecResult{}, err
		}
		return driver.ExecResult{ResultSet: &rs, IsSelect: true}, nil
	}

	res, err := d.db.ExecContext(ctx, sqlText)
	if err != nil {
		return driver.ExecResult{}, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		n = 0
	}
	return driver.ExecResult{Affected: n}, nil
}

func (d *sqliteDriver) UpdateCell(ctx context.Context, table string, pk []driver.PKColumn, column string, value types.Value) error {
	quoted := quoteChar + strings.ReplaceAll(table, quoteChar, quoteChar+quoteChar) + quoteChar
	whereSQL, whereArgs := pkWhere(pk)
	sqlStr := fmt.Sprintf(`UPDATE %s SET %s%s%s = ? WHERE %s`, quoted, quoteChar, column, quoteChar, whereSQL)
	args := append([]interface{}{valueArg(value)}, whereArgs...)
	_, err := d.db.ExecContext(ctx, sqlStr, args...)
	return err
}

func (d *sqliteDriver) DeleteRow(ctx context.Context, table string, pk []driver.PKColumn) error {
	quoted := quoteChar + strings.ReplaceAll(table, quoteChar, quoteChar+quoteChar) + quoteChar
	whereSQL, whereArgs := pkWhere(pk)
	sqlStr := fmt.Sprintf(`DELETE FROM %s WHERE %s`, quoted, whereSQL)
	_, err := d.db.ExecContext(ctx, sqlStr, whereArgs...)
	return err
}

func (d *sqliteDriver) InsertRow(ctx context.Context, table string, cols []string, vals []types.Value) ([]driver.PKColumn, error) {
	quoted := quoteChar + strings.ReplaceAll(table, quoteChar, quoteChar+quoteChar) + quoteChar
	quotedCols := make([]string, len(cols))
	placeholders := make([]string, len(cols))
	args := make([]interface{}, len(cols))
	for i, c := range cols {
		quotedCols[i] = quoteChar + c + quoteChar
		placeholders[i] = "?"
		args[i] = valueArg(vals[i])
	}
	sqlStr := fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s)`, quoted, strings.Join(quotedCols, ", "), strings.Join(placeholders, ", "))

	res, err := d.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, nil
	}
	return []driver.PKColumn{{Column: "rowid", Value: types.IntValue(id)}}, nil
}

// CancelCurrent signals the cooperative row-boundary check inside
// whichever QueryPage/Exec call is currently running, via chanCanceller.
// ncruces/go-sqlite3 has no separate interrupt socket reachable from a
// second goroutine the way Postgres's cancel-request or MySQL's KILL
// QUERY do, so best effort here means the worker observes cancellation at
// the next row rather than being interrupted mid-syscall.
func (d *sqliteDriver) CancelCurrent(ctx context.Context) error {
	d.mu.Lock()
	c := d.current
	d.mu.Unlock()
	if c.ch != nil {
		select {
		case <-c.ch:
		default:
			close(c.ch)
		}
	}
	return nil
}

func (d *sqliteDriver) Close() error { return d.db.Close() }

func bindArgs(vals []types.Value) []interface{} {
	args := make([]interface{}, len(vals))
	for i, v := range vals {
		args[i] = valueArg(v)
	}
	return args
}

func valueArg(v types.Value) interface{} {
	if v.IsNull() {
		return nil
	}
	switch v.Kind() {
	case types.KindInt:
		i, _ := v.Int()
		return i
	case types.KindFloat:
		f, _ := v.Float()
		return f
	case types.KindBool:
		b, _ := v.Bool()
		return b
	case types.KindBlob:
		b, _ := v.Blob()
		return b
	default:
		s, _ := v.Text()
		if s == "" {
			if d, ok := v.Date(); ok {
				return d
			}
			if ts, ok := v.Timestamp(); ok {
				return ts
			}
		}
		return s
	}
}

func pkWhere(pk []driver.PKColumn) (string, []interface{}) {
	parts := make([]string, len(pk))
	args := make([]interface{}, len(pk))
	for i, p := range pk {
		parts[i] = fmt.Sprintf(`%s%s%s = ?`, quoteChar, p.Column, quoteChar)
		args[i] = valueArg(p.Value)
	}
	return strings.Join(parts, " AND "), args
}

// runSelect executes a SELECT and materializes it into a ResultSet,
// inferring each column's Kind from the declared column type. It checks
// canceller at each row boundary so cancellation lands between rows, not
// after the full scan.
func runSelect(ctx context.Context, db *sql.DB, sqlStr string, args []interface{}, canceller chanCanceller) (types.ResultSet, error) {
	rows, err := db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return types.ResultSet{}, err
	}
	defer rows.Close()

	colNames, err := rows.Columns()
	if err != nil {
		return types.ResultSet{}, err
	}
	colTypes, _ := rows.ColumnTypes()

	rs := types.ResultSet{Columns: make([]types.ResultColumn, len(colNames))}
	for i, name := range colNames {
		rs.Columns[i] = types.ResultColumn{Name: name, Type: inferKind(colTypes, i)}
	}

	scanDest := make([]interface{}, len(colNames))
	scanVals := make([]interface{}, len(colNames))
	for i := range scanDest {
		scanDest[i] = &scanVals[i]
	}

	for rows.Next() {
		select {
		case <-ctx.Done():
			return rs, ctx.Err()
		default:
		}
		if canceller.cancelled() {
			return rs, context.Canceled
		}
		if err := rows.Scan(scanDest...); err != nil {
			return types.ResultSet{}, err
		}
		row := make(types.Row, len(colNames))
		for i, raw := range scanVals {
			row[i] = sqlValueToValue(raw, rs.Columns[i].Type)
		}
		rs.Rows = append(rs.Rows, row)
	}
	rs.TotalRows = int64(len(rs.Rows))
	return rs, rows.Err()
}

func inferKind(colTypes []*sql.ColumnType, i int) types.Kind {
	if i >= len(colTypes) || colTypes[i] == nil {
		return types.KindText
	}
	switch strings.ToUpper(colTypes[i].DatabaseTypeName()) {
	case "INTEGER", "INT", "BIGINT":
		return types.KindInt
	case "REAL", "DOUBLE", "FLOAT", "NUMERIC":
		return types.KindFloat
	case "BLOB":
		return types.KindBlob
	case "BOOLEAN", "BOOL":
		return types.KindBool
	default:
		return types.KindText
	}
}

func sqlValueToValue(raw interface{}, kind types.Kind) types.Value {
	if raw == nil {
		return types.NullValue(kind)
	}
	switch v := raw.(type) {
	case int64:
		return types.IntValue(v)
	case float64:
		return types.FloatValue(v)
	case bool:
		return types.BoolValue(v)
	case []byte:
		if kind == types.KindBlob {
			return types.BlobValue(v)
		}
		return types.TextValue(string(v))
	case string:
		return types.TextValue(v)
	default:
		return types.TextValue(fmt.Sprintf("%v", v))
	}
}
