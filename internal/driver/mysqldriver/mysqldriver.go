// Package mysqldriver implements the driver.Driver capability set for
// MySQL and MariaDB, which share one implementation since both speak the
// MySQL wire protocol and take identically shaped connection strings.
// Built over database/sql with go-sql-driver/mysql.
package mysqldriver

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"

	mysqlwire "github.com/go-sql-driver/mysql"

	"github.com/fathomdb/dbrowsed/internal/driver"
	"github.com/fathomdb/dbrowsed/internal/query"
	"github.com/fathomdb/dbrowsed/internal/types"
)

const quoteChar = "`"

func init() {
	driver.Register(driver.TagMySQL, func(ctx context.Context, connstr, password string) (driver.Driver, error) {
		return open(ctx, connstr, password, driver.TagMySQL)
	})
	driver.Register(driver.TagMariaDB, func(ctx context.Context, connstr, password string) (driver.Driver, error) {
		return open(ctx, connstr, password, driver.TagMariaDB)
	})
}

// mysqlDriver pins every statement to one dedicated *sql.Conn so the
// session connection id captured at open always names the connection a
// running statement is on; CancelCurrent's KILL QUERY goes through the
// pool, which keeps a spare connection free for it. tag distinguishes
// MySQL from MariaDB for Tag()'s sake even though both share this
// implementation.
type mysqlDriver struct {
	db     *sql.DB
	conn   *sql.Conn
	tag    driver.Tag
	connID int64

	mu      sync.Mutex
	running bool
}

func dsn(p driver.ParsedConn, password string) string {
	host := p.Host
	if host == "" {
		host = "127.0.0.1"
	}
	port := p.Port
	if port == 0 {
		port = 3306
	}

	cfg := mysqlwire.NewConfig()
	cfg.User = p.User
	cfg.Passwd = password
	cfg.Net = "tcp"
	cfg.Addr = fmt.Sprintf("%s:%d", host, port)
	cfg.DBName = p.Database
	cfg.ParseTime = true
	cfg.Params = map[string]string{}
	for k, vals := range p.Params {
		if len(vals) > 0 {
			cfg.Params[k] = vals[0]
		}
	}
	return cfg.FormatDSN()
}

func open(ctx context.Context, connstr, password string, tag driver.Tag) (driver.Driver, error) {
	parsed, err := driver.ParseConnString(connstr)
	if err != nil {
		return nil, err
	}
	if parsed.Tag != driver.TagMySQL && parsed.Tag != driver.TagMariaDB {
		return nil, fmt.Errorf("mysqldriver: unexpected scheme %q", parsed.Tag)
	}

	resolvedPassword := driver.ResolvePassword(parsed, password)
	db, err := sql.Open("mysql", dsn(parsed, resolvedPassword))
	if err != nil {
		return nil, fmt.Errorf("mysql open: %w", err)
	}
	// Two connections: the pinned one every statement runs on (the
	// engine's per-connection serialization mutex enforces single-flight
	// above this layer) and a spare the pool can hand to CancelCurrent's
	// KILL QUERY while the pinned one is busy.
	db.SetMaxOpenConns(2)

	conn, err := db.Conn(ctx)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("mysql connect: %w", err)
	}
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		db.Close()
		return nil, fmt.Errorf("mysql connect: %w", err)
	}

	d := &mysqlDriver{db: db, conn: conn, tag: tag}
	var connID int64
	if err := conn.QueryRowContext(ctx, "SELECT CONNECTION_ID()").Scan(&connID); err == nil {
		d.connID = connID
	}
	return d, nil
}

func (d *mysqlDriver) Tag() driver.Tag { return d.tag }

func (d *mysqlDriver) IdentifierQuote() string { return quoteChar }

func quoteIdent(name string) string {
	return quoteChar + strings.ReplaceAll(name, quoteChar, quoteChar+quoteChar) + quoteChar
}

func (d *mysqlDriver) ListTables(ctx context.Context) ([]string, error) {
	rows, err := d.conn.QueryContext(ctx, "SHOW TABLES")
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

func (d *mysqlDriver) Describe(ctx context.Context, table string) (types.Schema, error) {
	const colQ = `SELECT column_name, column_type, is_nullable, column_default,
			extra, character_maximum_length, column_key
		FROM information_schema.columns
		WHERE table_schema = DATABASE() AND table_name = ?
		ORDER BY ordinal_position`

	rows, err := d.conn.QueryContext(ctx, colQ, table)
	if err != nil {
		return types.Schema{}, err
	}
	defer rows.Close()

	schema := types.Schema{Table: table, QuoteChar: quoteChar}
	for rows.Next() {
		var name, colType, nullable, extra, key string
		var def *string
		var maxLen *int
		if err := rows.Scan(&name, &colType, &nullable, &def, &extra, &maxLen, &key); err != nil {
			return types.Schema{}, err
		}
		schema.Columns = append(schema.Columns, types.Column{
			Name:          name,
			Type:          colType,
			Nullable:      nullable == "YES",
			PrimaryKey:    key == "PRI",
			AutoIncrement: strings.Contains(extra, "auto_increment"),
			Default:       def,
			MaxLength:     maxLen,
		})
	}
	if err := rows.Err(); err != nil {
		return types.Schema{}, err
	}

	idxRows, err := d.conn.QueryContext(ctx, fmt.Sprintf("SHOW INDEX FROM %s", quoteIdent(table)))
	if err != nil {
		return schema, err
	}
	defer idxRows.Close()

	cols, err := idxRows.Columns()
	if err != nil {
		return schema, err
	}
	byName := map[string]*types.Index{}
	for idxRows.Next() {
		dest := make([]interface{}, len(cols))
		vals := make([]sql.NullString, len(cols))
		for i := range dest {
			dest[i] = &vals[i]
		}
		if err := idxRows.Scan(dest...); err != nil {
			return schema, err
		}
		rec := map[string]string{}
		for i, c := range cols {
			rec[strings.ToLower(c)] = vals[i].String
		}
		name := rec["key_name"]
		idx, ok := byName[name]
		if !ok {
			idx = &types.Index{Name: name, Unique: rec["non_unique"] == "0", Primary: name == "PRIMARY"}
			byName[name] = idx
		}
		idx.Columns = append(idx.Columns, rec["column_name"])
	}
	for _, idx := range byName {
		schema.Indexes = append(schema.Indexes, *idx)
	}

	schema.RowCount = -1
	return schema, nil
}

// Count returns an exact count whenever a filter is present (the catalog
// estimate is meaningless once WHERE narrows the rows) and an approximate
// estimate from SHOW TABLE STATUS otherwise.
func (d *mysqlDriver) Count(ctx context.Context, table string, where *driver.WhereClause) (int64, bool, error) {
	if where != nil && where.SQL != "" {
		sqlStr := fmt.Sprintf("SELECT COUNT(*) FROM %s %s", quoteIdent(table), where.SQL)
		var n int64
		err := d.conn.QueryRowContext(ctx, sqlStr, bindArgs(where.Params)...).Scan(&n)
		return n, false, err
	}

	rows, err := d.conn.QueryContext(ctx, fmt.Sprintf("SHOW TABLE STATUS LIKE '%s'", escapeLike(table)))
	if err != nil {
		return 0, false, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return 0, false, err
	}
	if !rows.Next() {
		return 0, false, fmt.Errorf("mysqldriver: no such table %q", table)
	}
	dest := make([]interface{}, len(cols))
	vals := make([]sql.NullString, len(cols))
	for i := range dest {
		dest[i] = &vals[i]
	}
	if err := rows.Scan(dest...); err != nil {
		return 0, false, err
	}
	for i, c := range cols {
		if strings.EqualFold(c, "Rows") {
			var n int64
			fmt.Sscanf(vals[i].String, "%d", &n)
			return n, true, nil
		}
	}
	return 0, false, fmt.Errorf("mysqldriver: SHOW TABLE STATUS had no Rows column")
}

func (d *mysqlDriver) QueryPage(ctx context.Context, table string, offset, limit int64, where *driver.WhereClause, orderBy string) (types.ResultSet, error) {
	sqlStr := fmt.Sprintf("SELECT * FROM %s", quoteIdent(table))
	var args []interface{}
	if where != nil && where.SQL != "" {
		sqlStr += " " + where.SQL
		args = bindArgs(where.Params)
	}
	if orderBy != "" {
		sqlStr += " ORDER BY " + orderBy
	}
	sqlStr += " LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	return d.runSelect(ctx, sqlStr, args)
}

func (d *mysqlDriver) Exec(ctx context.Context, sqlText string) (driver.ExecResult, error) {
	if query.LooksLikeSelect(sqlText) {
		rs, err := d.runSelect(ctx, sqlText, nil)
		if err != nil {
			return driver.ExecResult{}, err
		}
		return driver.ExecResult{ResultSet: &rs, IsSelect: true}, nil
	}

	d.beginOp()
	defer d.endOp()
	res, err := d.conn.ExecContext(ctx, sqlText)
	if err != nil {
		return driver.ExecResult{}, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		n = 0
	}
	return driver.ExecResult{Affected: n}, nil
}

func (d *mysqlDriver) UpdateCell(ctx context.Context, table string, pk []driver.PKColumn, column string, value types.Value) error {
	whereSQL, binds := query.BuildPKPredicate(pk, driver.TagMySQL, quoteChar)
	sqlStr := fmt.Sprintf("UPDATE %s SET %s = ? WHERE %s", quoteIdent(table), quoteIdent(column), whereSQL)
	args := append([]interface{}{valueArg(value)}, bindArgs(binds)...)
	d.beginOp()
	defer d.endOp()
	_, err := d.conn.ExecContext(ctx, sqlStr, args...)
	return err
}

func (d *mysqlDriver) DeleteRow(ctx context.Context, table string, pk []driver.PKColumn) error {
	whereSQL, binds := query.BuildPKPredicate(pk, driver.TagMySQL, quoteChar)
	sqlStr := fmt.Sprintf("DELETE FROM %s WHERE %s", quoteIdent(table), whereSQL)
	d.beginOp()
	defer d.endOp()
	_, err := d.conn.ExecContext(ctx, sqlStr, bindArgs(binds)...)
	return err
}

func (d *mysqlDriver) InsertRow(ctx context.Context, table string, cols []string, vals []types.Value) ([]driver.PKColumn, error) {
	quotedCols := make([]string, len(cols))
	placeholders := make([]string, len(cols))
	args := make([]interface{}, len(cols))
	for i, c := range cols {
		quotedCols[i] = quoteIdent(c)
		placeholders[i] = "?"
		args[i] = valueArg(vals[i])
	}
	sqlStr := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", quoteIdent(table), strings.Join(quotedCols, ", "), strings.Join(placeholders, ", "))

	d.beginOp()
	defer d.endOp()
	res, err := d.conn.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, err
	}
	id, err := res.LastInsertId()
	if err != nil || id == 0 {
		return nil, nil
	}
	return []driver.PKColumn{{Column: "last_insert_id", Value: types.IntValue(id)}}, nil
}

// CancelCurrent issues KILL QUERY against the pinned session's connection
// id from a pool side connection, MySQL's only mechanism for interrupting
// a statement in flight from outside the goroutine running it.
func (d *mysqlDriver) CancelCurrent(ctx context.Context) error {
	d.mu.Lock()
	running := d.running
	connID := d.connID
	d.mu.Unlock()
	if !running || connID == 0 {
		return nil
	}
	_, err := d.db.ExecContext(ctx, fmt.Sprintf("KILL QUERY %d", connID))
	return err
}

func (d *mysqlDriver) Close() error {
	d.conn.Close()
	return d.db.Close()
}

func (d *mysqlDriver) beginOp() {
	d.mu.Lock()
	d.running = true
	d.mu.Unlock()
}

func (d *mysqlDriver) endOp() {
	d.mu.Lock()
	d.running = false
	d.mu.Unlock()
}

func escapeLike(s string) string {
	s = strings.ReplaceAll(s, "\\", "\\\\")
	s = strings.ReplaceAll(s, "%", "\\%")
	s = strings.ReplaceAll(s, "_", "\\_")
	return s
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

// runSelect executes a SELECT and materializes it into a ResultSet,
// checking ctx at each row boundary so cancellation of the operation's
// context stops materialization on the goroutine side, while
// CancelCurrent's KILL QUERY acts on the wire side.
func (d *mysqlDriver) runSelect(ctx context.Context, sqlStr string, args []interface{}) (types.ResultSet, error) {
	d.beginOp()
	defer d.endOp()

	rows, err := d.conn.QueryContext(ctx, sqlStr, args...)
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
	case "TINYINT", "SMALLINT", "MEDIUMINT", "INT", "BIGINT":
		return types.KindInt
	case "FLOAT", "DOUBLE", "DECIMAL":
		return types.KindFloat
	case "BLOB", "TINYBLOB", "MEDIUMBLOB", "LONGBLOB", "BINARY", "VARBINARY":
		return types.KindBlob
	case "DATE":
		return types.KindDate
	case "DATETIME", "TIMESTAMP":
		return types.KindTimestamp
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
		switch kind {
		case types.KindBlob:
			return types.BlobValue(v)
		case types.KindDate:
			return types.DateValue(string(v))
		case types.KindTimestamp:
			return types.TimestampValue(string(v))
		default:
			return types.TextValue(string(v))
		}
	case string:
		switch kind {
		case types.KindDate:
			return types.DateValue(v)
		case types.KindTimestamp:
			return types.TimestampValue(v)
		default:
			return types.TextValue(v)
		}
	default:
		return types.TextValue(fmt.Sprintf("%v", v))
	}
}
