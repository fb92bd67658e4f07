// Package pgdriver implements the driver.Driver capability set for
// PostgreSQL over jackc/pgx/v5 and pgxpool, rather than database/sql: pgx
// exposes a native cancel-request API, letting CancelCurrent send a real
// out-of-band Postgres cancel request instead of merely abandoning a
// goroutine, which is the driver-local mechanism the registry's
// CancelCurrent call is meant to trigger.
package pgdriver

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fathomdb/dbrowsed/internal/driver"
	"github.com/fathomdb/dbrowsed/internal/query"
	"github.com/fathomdb/dbrowsed/internal/types"
)

const quoteChar = `"`

func init() {
	driver.Register(driver.TagPostgres, open)
}

type pgDriver struct {
	pool *pgxpool.Pool

	mu      sync.Mutex
	current *pgconn.PgConn // connection currently executing a cancellable statement
}

func open(ctx context.Context, connstr, password string) (driver.Driver, error) {
	parsed, err := driver.ParseConnString(connstr)
	if err != nil {
		return nil, err
	}
	if parsed.Tag != driver.TagPostgres {
		return nil, fmt.Errorf("pgdriver: unexpected scheme %q", parsed.Tag)
	}

	cfg, err := pgxpool.ParseConfig(dsn(parsed, password))
	if err != nil {
		return nil, fmt.Errorf("pgdriver: parse config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("pgdriver: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pgdriver: ping: %w", err)
	}

	return &pgDriver{pool: pool}, nil
}

func dsn(p driver.ParsedConn, password string) string {
	host := p.Host
	if host == "" {
		host = "localhost"
	}
	port := p.Port
	if port == 0 {
		port = 5432
	}

	var sb strings.Builder
	sb.WriteString("postgres://")
	if p.User != "" {
		sb.WriteString(p.User)
		if password != "" {
			sb.WriteString(":")
			sb.WriteString(password)
		}
		sb.WriteString("@")
	}
	fmt.Fprintf(&sb, "%s:%d/%s", host, port, p.Database)

	q := make([]string, 0, len(p.Params)+1)
	sawSSLMode := false
	for k, vals := range p.Params {
		if len(vals) == 0 {
			continue
		}
		if k == "sslmode" {
			sawSSLMode = true
		}
		q = append(q, fmt.Sprintf("%s=%s", k, vals[0]))
	}
	if !sawSSLMode {
		q = append(q, "sslmode=disable")
	}
	sb.WriteString("?")
	sb.WriteString(strings.Join(q, "&"))
	return sb.String()
}

func (d *pgDriver) Tag() driver.Tag         { return driver.TagPostgres }
func (d *pgDriver) IdentifierQuote() string { return quoteChar }

func quoteIdent(name string) string {
	return quoteChar + strings.ReplaceAll(name, quoteChar, quoteChar+quoteChar) + quoteChar
}

// acquireConn runs fn with the raw *pgconn.PgConn of a leased pool
// connection recorded as d.current, so CancelCurrent can target it. It is
// the pgx equivalent of sqlitedriver's chanCanceller: the analogous
// per-operation cancellation handle, but backed by a real wire-protocol
// cancel instead of a checked flag.
func (d *pgDriver) acquireConn(ctx context.Context, fn func(conn *pgxpool.Conn) error) error {
	conn, err := d.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	d.mu.Lock()
	d.current = conn.Conn().PgConn()
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		d.current = nil
		d.mu.Unlock()
	}()

	return fn(conn)
}

func (d *pgDriver) ListTables(ctx context.Context) ([]string, error) {
	const q = `SELECT table_name FROM information_schema.tables
		WHERE table_schema = 'public' AND table_type = 'BASE TABLE'
		ORDER BY table_name`

	var tables []string
	err := d.acquireConn(ctx, func(conn *pgxpool.Conn) error {
		rows, err := conn.Query(ctx, q)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var name string
			if err := rows.Scan(&name); err != nil {
				return err
			}
			tables = append(tables, name)
		}
		return rows.Err()
	})
	return tables, err
}

func (d *pgDriver) Describe(ctx context.Context, table string) (types.Schema, error) {
	const colQ = `SELECT column_name, data_type, is_nullable, column_default,
			character_maximum_length
		FROM information_schema.columns
		WHERE table_schema = 'public' AND table_name = $1
		ORDER BY ordinal_position`

	const pkQ = `SELECT kcu.column_name
		FROM information_schema.table_constraints tc
		JOIN information_schema.key_column_usage kcu
			ON tc.constraint_name = kcu.constraint_name AND tc.table_schema = kcu.table_schema
		WHERE tc.constraint_type = 'PRIMARY KEY' AND tc.table_schema = 'public' AND tc.table_name = $1`

	schema := types.Schema{Table: table, QuoteChar: quoteChar}

	err := d.acquireConn(ctx, func(conn *pgxpool.Conn) error {
		pkSet := map[string]bool{}
		pkRows, err := conn.Query(ctx, pkQ, table)
		if err != nil {
			return err
		}
		for pkRows.Next() {
			var name string
			if err := pkRows.Scan(&name); err != nil {
				pkRows.Close()
				return err
			}
			pkSet[name] = true
		}
		pkRows.Close()
		if err := pkRows.Err(); err != nil {
			return err
		}

		rows, err := conn.Query(ctx, colQ, table)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var name, dataType, nullable string
			var def *string
			var maxLen *int
			if err := rows.Scan(&name, &dataType, &nullable, &def, &maxLen); err != nil {
				return err
			}
			schema.Columns = append(schema.Columns, types.Column{
				Name:       name,
				Type:       dataType,
				Nullable:   nullable == "YES",
				PrimaryKey: pkSet[name],
				Default:    def,
				MaxLength:  maxLen,
			})
		}
		return rows.Err()
	})
	return schema, err
}

// Count returns an exact count when a WHERE filter is present (the filter
// makes the catalog estimate meaningless) and otherwise reports the
// approximate row estimate from pg_class.reltuples.
func (d *pgDriver) Count(ctx context.Context, table string, where *driver.WhereClause) (int64, bool, error) {
	if where != nil && where.SQL != "" {
		sqlStr := fmt.Sprintf("SELECT COUNT(*) FROM %s %s", quoteIdent(table), where.SQL)
		var n int64
		err := d.acquireConn(ctx, func(conn *pgxpool.Conn) error {
			return conn.QueryRow(ctx, sqlStr, bindArgs(where.Params)...).Scan(&n)
		})
		return n, false, err
	}

	const q = `SELECT reltuples::bigint FROM pg_class WHERE relname = $1`
	var estimate int64
	err := d.acquireConn(ctx, func(conn *pgxpool.Conn) error {
		return conn.QueryRow(ctx, q, table).Scan(&estimate)
	})
	if err != nil {
		return 0, false, err
	}
	if estimate < 0 {
		estimate = 0
	}
	return estimate, true, nil
}

func (d *pgDriver) QueryPage(ctx context.Context, table string, offset, limit int64, where *driver.WhereClause, orderBy string) (types.ResultSet, error) {
	var sb strings.Builder
	sb.WriteString("SELECT * FROM ")
	sb.WriteString(quoteIdent(table))
	var args []interface{}
	if where != nil && where.SQL != "" {
		sb.WriteString(" ")
		sb.WriteString(where.SQL)
		args = bindArgs(where.Params)
	}
	if orderBy != "" {
		sb.WriteString(" ORDER BY ")
		sb.WriteString(orderBy)
	}
	fmt.Fprintf(&sb, " LIMIT %d OFFSET %d", limit, offset)

	var rs types.ResultSet
	err := d.acquireConn(ctx, func(conn *pgxpool.Conn) error {
		rows, err := conn.Query(ctx, sb.String(), args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		return scanResultSet(rows, &rs)
	})
	return rs, err
}

func (d *pgDriver) Exec(ctx context.Context, sqlStr string) (driver.ExecResult, error) {
	if query.LooksLikeSelect(sqlStr) {
		var rs types.ResultSet
		err := d.acquireConn(ctx, func(conn *pgxpool.Conn) error {
			rows, err := conn.Query(ctx, sqlStr)
			if err != nil {
				return err
			}
			defer rows.Close()
			return scanResultSet(rows, &rs)
		})
		return driver.ExecResult{ResultSet: &rs, IsSelect: true}, err
	}

	var tag pgconn.CommandTag
	err := d.acquireConn(ctx, func(conn *pgxpool.Conn) error {
		var err error
		tag, err = conn.Exec(ctx, sqlStr)
		return err
	})
	return driver.ExecResult{Affected: tag.RowsAffected(), IsSelect: false}, err
}

func (d *pgDriver) UpdateCell(ctx context.Context, table string, pk []driver.PKColumn, column string, value types.Value) error {
	whereSQL, binds := query.BuildPKPredicate(pk, driver.TagPostgres, quoteChar)
	sqlStr := fmt.Sprintf("UPDATE %s SET %s = $%d WHERE %s", quoteIdent(table), quoteIdent(column), len(binds)+1, whereSQL)
	args := append(bindArgs(binds), valueArg(value))
	return d.acquireConn(ctx, func(conn *pgxpool.Conn) error {
		_, err := conn.Exec(ctx, sqlStr, args...)
		return err
	})
}

func (d *pgDriver) DeleteRow(ctx context.Context, table string, pk []driver.PKColumn) error {
	whereSQL, binds := query.BuildPKPredicate(pk, driver.TagPostgres, quoteChar)
	sqlStr := fmt.Sprintf("DELETE FROM %s WHERE %s", quoteIdent(table), whereSQL)
	return d.acquireConn(ctx, func(conn *pgxpool.Conn) error {
		_, err := conn.Exec(ctx, sqlStr, bindArgs(binds)...)
		return err
	})
}

func (d *pgDriver) InsertRow(ctx context.Context, table string, cols []string, vals []types.Value) ([]driver.PKColumn, error) {
	quotedCols := make([]string, len(cols))
	placeholders := make([]string, len(cols))
	args := make([]interface{}, len(vals))
	for i, c := range cols {
		quotedCols[i] = quoteIdent(c)
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = valueArg(vals[i])
	}

	sqlStr := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) RETURNING *",
		quoteIdent(table), strings.Join(quotedCols, ", "), strings.Join(placeholders, ", "))

	var rs types.ResultSet
	err := d.acquireConn(ctx, func(conn *pgxpool.Conn) error {
		rows, err := conn.Query(ctx, sqlStr, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		return scanResultSet(rows, &rs)
	})
	if err != nil {
		return nil, err
	}
	if len(rs.Rows) == 0 {
		return nil, nil
	}
	row := rs.Rows[0]
	out := make([]driver.PKColumn, 0, len(cols))
	for i, col := range rs.Columns {
		out = append(out, driver.PKColumn{Column: col.Name, Value: row[i]})
	}
	return out, nil
}

// CancelCurrent issues a Postgres wire-protocol cancel request against
// whichever connection is currently leased for an in-flight statement, per
// this package's header comment. It is a no-op if no statement is running.
func (d *pgDriver) CancelCurrent(ctx context.Context) error {
	d.mu.Lock()
	conn := d.current
	d.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.CancelRequest(ctx)
}

func (d *pgDriver) Close() error {
	d.pool.Close()
	return nil
}

func bindArgs(vals []types.Value) []interface{} {
	out := make([]interface{}, len(vals))
	for i, v := range vals {
		out[i] = valueArg(v)
	}
	return out
}

func valueArg(v types.Value) interface{} {
	if v.IsNull() {
		return nil
	}
	switch v.Kind() {
	case types.KindInt:
		n, _ := v.Int()
		return n
	case types.KindFloat:
		f, _ := v.Float()
		return f
	case types.KindBool:
		b, _ := v.Bool()
		return b
	case types.KindBlob:
		b, _ := v.Blob()
		return b
	case types.KindDate, types.KindTimestamp:
		s, _ := v.Date()
		if s == "" {
			s, _ = v.Timestamp()
		}
		return s
	default:
		s, _ := v.Text()
		return s
	}
}

func scanResultSet(rows pgx.Rows, rs *types.ResultSet) error {
	fields := rows.FieldDescriptions()
	rs.Columns = make([]types.ResultColumn, len(fields))
	for i, f := range fields {
		rs.Columns[i] = types.ResultColumn{Name: string(f.Name), Type: kindForOID(f.DataTypeOID)}
	}

	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return err
		}
		row := make(types.Row, len(vals))
		for i, raw := range vals {
			row[i] = toValue(raw)
		}
		rs.Rows = append(rs.Rows, row)
	}
	return rows.Err()
}

// kindForOID maps a result field's type OID to the cell Kind reported in
// ResultSet.Columns, so Postgres results carry per-column type tags the
// same way the sqlite/mysql drivers infer them.
func kindForOID(oid uint32) types.Kind {
	switch oid {
	case pgtype.BoolOID:
		return types.KindBool
	case pgtype.Int2OID, pgtype.Int4OID, pgtype.Int8OID:
		return types.KindInt
	case pgtype.Float4OID, pgtype.Float8OID, pgtype.NumericOID:
		return types.KindFloat
	case pgtype.ByteaOID:
		return types.KindBlob
	case pgtype.DateOID:
		return types.KindDate
	case pgtype.TimestampOID, pgtype.TimestamptzOID:
		return types.KindTimestamp
	default:
		return types.KindText
	}
}

func toValue(raw interface{}) types.Value {
	switch v := raw.(type) {
	case nil:
		return types.NullValue(types.KindText)
	case int64:
		return types.IntValue(v)
	case int32:
		return types.IntValue(int64(v))
	case int16:
		return types.IntValue(int64(v))
	case float64:
		return types.FloatValue(v)
	case float32:
		return types.FloatValue(float64(v))
	case bool:
		return types.BoolValue(v)
	case []byte:
		return types.BlobValue(v)
	case string:
		return types.TextValue(v)
	default:
		return types.TextValue(fmt.Sprintf("%v", v))
	}
}
