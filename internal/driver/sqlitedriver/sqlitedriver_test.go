package sqlitedriver

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fathomdb/dbrowsed/internal/driver"
	"github.com/fathomdb/dbrowsed/internal/types"
)

func TestDSNInMemoryForms(t *testing.T) {
	// "sqlite:///:memory:" parses to "/:memory:", "sqlite:///" to "/";
	// every spelling must land on the in-memory database.
	for _, path := range []string{"", "/", ":memory:", "/:memory:"} {
		got := DSN(path)
		require.Contains(t, got, "file::memory:", "path %q", path)
		require.Contains(t, got, "_pragma=busy_timeout")
		require.Contains(t, got, "_pragma=foreign_keys(ON)")
	}
}

func TestDSNFilesystemPath(t *testing.T) {
	got := DSN("/var/data/app.db")
	require.Contains(t, got, "file:/var/data/app.db")
	require.Contains(t, got, "_time_format=sqlite")
}

func TestDSNHonorsLockTimeoutEnv(t *testing.T) {
	t.Setenv("DBROWSED_LOCK_TIMEOUT", "5s")
	require.Contains(t, DSN("/tmp/x.db"), "busy_timeout(5000)")
}

func TestDSNPreservesExistingFileURIParams(t *testing.T) {
	got := DSN("file:/tmp/x.db?_pragma=busy_timeout(100)")
	require.Contains(t, got, "busy_timeout(100)")
	require.Contains(t, got, "_pragma=foreign_keys(ON)")
	// The caller's explicit busy_timeout wins; ours is not appended twice.
	require.Equal(t, 1, countOccurrences(got, "busy_timeout"))
}

func countOccurrences(s, sub string) int {
	n := 0
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			n++
		}
	}
	return n
}

func TestPKWhereComposite(t *testing.T) {
	clause, args := pkWhere([]driver.PKColumn{
		{Column: "tenant_id", Value: types.IntValue(7)},
		{Column: "id", Value: types.IntValue(42)},
	})
	require.Equal(t, `"tenant_id" = ? AND "id" = ?`, clause)
	require.Equal(t, []interface{}{int64(7), int64(42)}, args)
}

func TestValueArgMapsKindsToDriverTypes(t *testing.T) {
	require.Nil(t, valueArg(types.NullValue(types.KindText)))
	require.Equal(t, int64(3), valueArg(types.IntValue(3)))
	require.Equal(t, 2.5, valueArg(types.FloatValue(2.5)))
	require.Equal(t, true, valueArg(types.BoolValue(true)))
	require.Equal(t, []byte{0x01}, valueArg(types.BlobValue([]byte{0x01})))
	require.Equal(t, "hello", valueArg(types.TextValue("hello")))
}

func TestSQLValueToValueNullCarriesColumnKind(t *testing.T) {
	v := sqlValueToValue(nil, types.KindInt)
	require.True(t, v.IsNull())
	require.Equal(t, types.KindInt, v.Kind())
}
