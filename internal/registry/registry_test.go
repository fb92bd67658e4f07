package registry

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fathomdb/dbrowsed/internal/driver"
	"github.com/fathomdb/dbrowsed/internal/types"
)

// fakeDriver is a minimal in-memory driver.Driver stand-in used only to
// exercise the registry without a real database.
type fakeDriver struct {
	tag    driver.Tag
	closed bool
	mu     sync.Mutex
}

func (f *fakeDriver) Tag() driver.Tag                                  { return f.tag }
func (f *fakeDriver) IdentifierQuote() string                          { return `"` }
func (f *fakeDriver) ListTables(ctx context.Context) ([]string, error) { return []string{"t"}, nil }
func (f *fakeDriver) Describe(ctx context.Context, table string) (types.Schema, error) {
	return types.Schema{Table: table}, nil
}
func (f *fakeDriver) Count(ctx context.Context, table string, where *driver.WhereClause) (int64, bool, error) {
	return 0, false, nil
}
func (f *fakeDriver) QueryPage(ctx context.Context, table string, offset, limit int64, where *driver.WhereClause, orderBy string) (types.ResultSet, error) {
	return types.ResultSet{}, nil
}
func (f *fakeDriver) Exec(ctx context.Context, sql string) (driver.ExecResult, error) {
	return driver.ExecResult{}, nil
}
func (f *fakeDriver) UpdateCell(ctx context.Context, table string, pk []driver.PKColumn, column string, value types.Value) error {
	return nil
}
func (f *fakeDriver) DeleteRow(ctx context.Context, table string, pk []driver.PKColumn) error {
	return nil
}
func (f *fakeDriver) InsertRow(ctx context.Context, table string, cols []string, vals []types.Value) ([]driver.PKColumn, error) {
	return nil, nil
}
func (f *fakeDriver) CancelCurrent(ctx context.Context) error { return nil }
func (f *fakeDriver) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

const fakeScheme driver.Tag = "fakescheme"

func init() {
	driver.Register(fakeScheme, func(ctx context.Context, connstr, password string) (driver.Driver, error) {
		if connstr == "fakescheme://fail" {
			return nil, fmt.Errorf("simulated open failure")
		}
		return &fakeDriver{tag: fakeScheme}, nil
	})
}

func TestRegistryOpenAllocatesMonotonicIDs(t *testing.T) {
	r := New()
	id1, err := r.Open(context.Background(), "fakescheme://host/db1", "")
	require.NoError(t, err)
	id2, err := r.Open(context.Background(), "fakescheme://host/db2", "")
	require.NoError(t, err)
	require.Equal(t, id1+1, id2)
}

func TestRegistryOpenFailureDoesNotAllocateID(t *testing.T) {
	r := New()
	_, err := r.Open(context.Background(), "fakescheme://fail", "")
	require.Error(t, err)

	id, err := r.Open(context.Background(), "fakescheme://host/db", "")
	require.NoError(t, err)
	require.Equal(t, int64(1), id, "failed open must not consume an id")
}

func TestRegistryCloseUnknownID(t *testing.T) {
	r := New()
	err := r.Close(context.Background(), 999)
	require.Error(t, err)
	var unknown ErrUnknownConnection
	require.ErrorAs(t, err, &unknown)
}

func TestRegistryListNeverIncludesPassword(t *testing.T) {
	r := New()
	_, err := r.Open(context.Background(), "fakescheme://user@host/db", "supersecret")
	require.NoError(t, err)

	list := r.List()
	require.Len(t, list, 1)

	for _, info := range list {
		require.NotContains(t, fmt.Sprintf("%+v", info), "supersecret")
	}
}

func TestRegistryBorrowUnknownID(t *testing.T) {
	r := New()
	_, err := r.Borrow(42)
	require.Error(t, err)
}

func TestRegistryCloseAllClosesEveryDriver(t *testing.T) {
	r := New()
	id, err := r.Open(context.Background(), "fakescheme://host/db", "")
	require.NoError(t, err)

	entry, err := r.Borrow(id)
	require.NoError(t, err)
	fd := entry.Driver.(*fakeDriver)

	r.CloseAll(context.Background())
	require.True(t, fd.closed)
	require.Equal(t, 0, r.Len())
}

func TestRegistryMarkTablesUnknownID(t *testing.T) {
	r := New()
	err := r.MarkTables(123, []string{"a"})
	require.Error(t, err)
}
