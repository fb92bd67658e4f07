package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/fathomdb/dbrowsed/internal/driver"
	"github.com/fathomdb/dbrowsed/internal/engine"
	"github.com/fathomdb/dbrowsed/internal/pagecache"
	"github.com/fathomdb/dbrowsed/internal/registry"
	"github.com/fathomdb/dbrowsed/internal/types"
)

// fakeTableDriver is a minimal in-memory driver.Driver backing one table,
// registered under the real sqlite scheme tag so connstrs route through
// driver.ParseConnString's actual sqlite case rather than a test-only
// shortcut; this package never imports internal/sqlitedriver so there is no
// double registration.
type fakeTableDriver struct {
	mu          sync.Mutex
	rows        []types.Row
	closed      bool
	cancelCalls int
}

func makeFakeRows(n int) []types.Row {
	rows := make([]types.Row, n)
	for i := 0; i < n; i++ {
		rows[i] = types.Row{types.IntValue(int64(i + 1)), types.TextValue(fmt.Sprintf("row-%d", i+1))}
	}
	return rows
}

func (f *fakeTableDriver) Tag() driver.Tag         { return driver.TagSQLite }
func (f *fakeTableDriver) IdentifierQuote() string { return `"` }

func (f *fakeTableDriver) ListTables(ctx context.Context) ([]string, error) {
	return []string{"widgets"}, nil
}

func (f *fakeTableDriver) Describe(ctx context.Context, table string) (types.Schema, error) {
	return types.Schema{
		Table:     table,
		QuoteChar: `"`,
		Columns: []types.Column{
			{Name: "id", Type: "INTEGER", PrimaryKey: true},
			{Name: "name", Type: "TEXT"},
		},
	}, nil
}

func (f *fakeTableDriver) Count(ctx context.Context, table string, where *driver.WhereClause) (int64, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(len(f.rows)), false, nil
}

func (f *fakeTableDriver) QueryPage(ctx context.Context, table string, offset, limit int64, where *driver.WhereClause, orderBy string) (types.ResultSet, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cols := []types.ResultColumn{{Name: "id", Type: types.KindInt}, {Name: "name", Type: types.KindText}}
	n := int64(len(f.rows))
	if offset > n {
		offset = n
	}
	end := offset + limit
	if end > n {
		end = n
	}
	rows := append([]types.Row(nil), f.rows[offset:end]...)
	return types.ResultSet{Columns: cols, Rows: rows, TotalRows: n}, nil
}

func (f *fakeTableDriver) Exec(ctx context.Context, sql string) (driver.ExecResult, error) {
	return driver.ExecResult{Affected: 1}, nil
}

func (f *fakeTableDriver) UpdateCell(ctx context.Context, table string, pk []driver.PKColumn, column string, value types.Value) error {
	return nil
}

func (f *fakeTableDriver) DeleteRow(ctx context.Context, table string, pk []driver.PKColumn) error {
	return nil
}

func (f *fakeTableDriver) InsertRow(ctx context.Context, table string, cols []string, vals []types.Value) ([]driver.PKColumn, error) {
	return []driver.PKColumn{{Column: "id", Value: types.IntValue(99)}}, nil
}

func (f *fakeTableDriver) CancelCurrent(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelCalls++
	return nil
}

func (f *fakeTableDriver) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func init() {
	driver.Register(driver.TagSQLite, func(ctx context.Context, connstr, password string) (driver.Driver, error) {
		return &fakeTableDriver{rows: makeFakeRows(5)}, nil
	})
}

func newTestDispatcher() (*Dispatcher, *registry.Registry) {
	reg := registry.New()
	eng := engine.New(4)
	cfg := pagecache.DefaultConfig()
	return NewDispatcher(reg, eng, cfg, &strings.Builder{}), reg
}

func rawParams(t *testing.T, v interface{}) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func TestPingVersionServerInfo(t *testing.T) {
	d, _ := newTestDispatcher()
	ctx := context.Background()

	_, err := d.handle(ctx, Request{Method: "ping"})
	require.NoError(t, err)

	result, err := d.handle(ctx, Request{Method: "version"})
	require.NoError(t, err)
	versions, ok := result.(map[string]string)
	require.True(t, ok)
	require.Equal(t, DaemonVersion, versions["daemon_version"])

	result, err = d.handle(ctx, Request{Method: "server_info"})
	require.NoError(t, err)
	info, ok := result.(map[string]interface{})
	require.True(t, ok)
	require.Equal(t, int64(4), info["max_conns"])
}

func TestUnknownMethodReturnsMethodNotFound(t *testing.T) {
	d, _ := newTestDispatcher()
	_, err := d.handle(context.Background(), Request{Method: "frobnicate"})
	require.Error(t, err)
	var appErr *AppError
	require.ErrorAs(t, err, &appErr)
	require.Equal(t, CodeMethodNotFound, appErr.Code)
}

func TestInvalidParamsRejected(t *testing.T) {
	d, _ := newTestDispatcher()
	_, err := d.handle(context.Background(), Request{
		Method: "connect",
		Params: json.RawMessage(`{"connstr": 123}`),
	})
	require.Error(t, err)
	var appErr *AppError
	require.ErrorAs(t, err, &appErr)
	require.Equal(t, CodeInvalidParams, appErr.Code)
}

// TestConnectTablesSchemaQueryDisconnect exercises the full connection
// lifecycle against the fake driver: connect, tables, schema, a windowed
// query, disconnect, then a post-disconnect access rejected as unknown.
func TestConnectTablesSchemaQueryDisconnect(t *testing.T) {
	d, _ := newTestDispatcher()
	ctx := context.Background()

	connResult, err := d.handle(ctx, Request{
		Method: "connect",
		Params: rawParams(t, map[string]string{"connstr": "sqlite:///mem"}),
	})
	require.NoError(t, err)
	connMap, ok := connResult.(map[string]int64)
	require.True(t, ok)
	connID := connMap["conn_id"]
	require.Equal(t, int64(1), connID)

	tablesResult, err := d.handle(ctx, Request{
		Method: "tables",
		Params: rawParams(t, map[string]int64{"conn_id": connID}),
	})
	require.NoError(t, err)
	require.Equal(t, []string{"widgets"}, tablesResult)

	schemaResult, err := d.handle(ctx, Request{
		Method: "schema",
		Params: rawParams(t, map[string]interface{}{"conn_id": connID, "table": "widgets"}),
	})
	require.NoError(t, err)
	schema, ok := schemaResult.(types.Schema)
	require.True(t, ok)
	require.Len(t, schema.Columns, 2)

	queryResult, err := d.handle(ctx, Request{
		Method: "query",
		Params: rawParams(t, map[string]interface{}{
			"conn_id": connID, "table": "widgets", "offset": 0, "limit": 10,
		}),
	})
	require.NoError(t, err)
	rs, ok := queryResult.(types.ResultSet)
	require.True(t, ok)
	require.Equal(t, int64(5), rs.TotalRows)
	require.Len(t, rs.Rows, 5)
	require.False(t, rs.Approximate)

	_, err = d.handle(ctx, Request{
		Method: "disconnect",
		Params: rawParams(t, map[string]int64{"conn_id": connID}),
	})
	require.NoError(t, err)

	_, err = d.handle(ctx, Request{
		Method: "tables",
		Params: rawParams(t, map[string]int64{"conn_id": connID}),
	})
	require.Error(t, err)
	var unknown registry.ErrUnknownConnection
	require.ErrorAs(t, err, &unknown)
}

func TestCancelWithNoInFlightOperationStillReachesDriver(t *testing.T) {
	d, reg := newTestDispatcher()
	ctx := context.Background()

	connResult, err := d.handle(ctx, Request{
		Method: "connect",
		Params: rawParams(t, map[string]string{"connstr": "sqlite:///mem"}),
	})
	require.NoError(t, err)
	connID := connResult.(map[string]int64)["conn_id"]

	_, err = d.handle(ctx, Request{
		Method: "cancel",
		Params: rawParams(t, map[string]int64{"conn_id": connID}),
	})
	require.NoError(t, err)

	entry, err := reg.Borrow(connID)
	require.NoError(t, err)
	fd := entry.Driver.(*fakeTableDriver)
	require.Equal(t, 1, fd.cancelCalls)
}

// TestShutdownRespondsThenStopsAndClosesConnections drives a shutdown
// request through the real Run loop: the daemon answers {}, stops reading
// (a request after shutdown on the same input gets no response), and every
// open connection's driver is closed.
func TestShutdownRespondsThenStopsAndClosesConnections(t *testing.T) {
	var out strings.Builder
	reg := registry.New()
	d := NewDispatcher(reg, engine.New(4), pagecache.DefaultConfig(), &out)

	ctx := context.Background()
	connResult, err := d.handle(ctx, Request{
		Method: "connect",
		Params: rawParams(t, map[string]string{"connstr": "sqlite:///mem"}),
	})
	require.NoError(t, err)
	entry, err := reg.Borrow(connResult.(map[string]int64)["conn_id"])
	require.NoError(t, err)
	fd := entry.Driver.(*fakeTableDriver)

	input := `{"jsonrpc":"2.0","id":10,"method":"shutdown"}` + "\n" +
		`{"jsonrpc":"2.0","id":11,"method":"ping"}` + "\n"
	require.NoError(t, d.Run(ctx, strings.NewReader(input)))

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 1)

	var resp Response
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &resp))
	require.Equal(t, "10", string(resp.ID))
	require.Nil(t, resp.Error)

	require.True(t, fd.closed)
	require.Equal(t, 0, reg.Len())
}

// TestRunReturnsOnContextCancel covers the forced-termination path: with
// stdin still open and no shutdown request in sight, cancelling the
// context must make Run drain and return rather than stay blocked on the
// next read.
func TestRunReturnsOnContextCancel(t *testing.T) {
	var out strings.Builder
	reg := registry.New()
	d := NewDispatcher(reg, engine.New(4), pagecache.DefaultConfig(), &out)

	pr, pw := io.Pipe()
	defer pw.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx, pr) }()

	_, err := pw.Write([]byte(`{"jsonrpc":"2.0","id":1,"method":"ping"}` + "\n"))
	require.NoError(t, err)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}

// TestConcurrentQueriesSerializePerConnection submits several query
// requests for the same connection from concurrent goroutines while the
// engine runs them under the connection's mutex; every one must succeed
// with the table's full row count. The fake driver does not itself
// detect overlapping calls, so overlap is not asserted here.
func TestConcurrentQueriesSerializePerConnection(t *testing.T) {
	d, _ := newTestDispatcher()
	ctx := context.Background()

	connResult, err := d.handle(ctx, Request{
		Method: "connect",
		Params: rawParams(t, map[string]string{"connstr": "sqlite:///mem"}),
	})
	require.NoError(t, err)
	connID := connResult.(map[string]int64)["conn_id"]

	var g errgroup.Group
	for i := 0; i < 8; i++ {
		g.Go(func() error {
			result, err := d.handle(ctx, Request{
				Method: "query",
				Params: rawParams(t, map[string]interface{}{
					"conn_id": connID, "table": "widgets", "offset": 0, "limit": 5,
				}),
			})
			if err != nil {
				return err
			}
			rs := result.(types.ResultSet)
			if rs.TotalRows != 5 {
				return fmt.Errorf("unexpected total_rows %d", rs.TotalRows)
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
}

// TestRunEchoesRequestIDs drives the real line-delimited protocol end to
// end: malformed JSON gets a null id, well-formed requests echo their id
// verbatim regardless of type (number or string), and an unknown method
// surfaces CodeMethodNotFound.
func TestRunEchoesRequestIDs(t *testing.T) {
	var out strings.Builder
	d := NewDispatcher(registry.New(), engine.New(4), pagecache.DefaultConfig(), &out)

	input := strings.Join([]string{
		`{"jsonrpc":"2.0","id":1,"method":"ping"}`,
		`{"jsonrpc":"2.0","id":"two","method":"version"}`,
		`not valid json`,
		`{"jsonrpc":"2.0","id":3,"method":"bogus"}`,
		``,
	}, "\n")

	err := d.Run(context.Background(), strings.NewReader(input))
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 4)

	byID := map[string]Response{}
	for _, line := range lines {
		var resp Response
		require.NoError(t, json.Unmarshal([]byte(line), &resp))
		byID[string(resp.ID)] = resp
	}

	require.Contains(t, byID, "1")
	require.Nil(t, byID["1"].Error)

	require.Contains(t, byID, `"two"`)
	require.Nil(t, byID[`"two"`].Error)

	require.Contains(t, byID, "null")
	require.NotNil(t, byID["null"].Error)
	require.Equal(t, CodeParseError, byID["null"].Error.Code)

	require.Contains(t, byID, "3")
	require.NotNil(t, byID["3"].Error)
	require.Equal(t, CodeMethodNotFound, byID["3"].Error.Code)
}
