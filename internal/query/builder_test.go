package query

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fathomdb/dbrowsed/internal/driver"
	"github.com/fathomdb/dbrowsed/internal/types"
)

func testSchema() types.Schema {
	return types.Schema{
		Table:     "users",
		QuoteChar: `"`,
		Columns: []types.Column{
			{Name: "id", PrimaryKey: true},
			{Name: "name"},
			{Name: "bio"},
		},
	}
}

func TestBuildWhereEmptyPredicates(t *testing.T) {
	wc, err := BuildWhere(nil, testSchema(), driver.TagSQLite)
	require.NoError(t, err)
	require.Equal(t, driver.WhereClause{}, wc)
}

func TestBuildWhereSimpleEquals(t *testing.T) {
	wc, err := BuildWhere([]types.FilterPredicate{
		{ColumnIndex: 1, Op: types.OpEq, Value: "Ada"},
	}, testSchema(), driver.TagSQLite)
	require.NoError(t, err)
	require.Equal(t, `WHERE "name" = ?`, wc.SQL)
	require.Len(t, wc.Params, 1)
	txt, _ := wc.Params[0].Text()
	require.Equal(t, "Ada", txt)
}

func TestBuildWherePostgresUsesDollarPlaceholders(t *testing.T) {
	wc, err := BuildWhere([]types.FilterPredicate{
		{ColumnIndex: 1, Op: types.OpEq, Value: "Ada"},
		{ColumnIndex: 2, Op: types.OpContains, Value: "engineer"},
	}, testSchema(), driver.TagPostgres)
	require.NoError(t, err)
	require.Equal(t, `WHERE "name" = $1 AND "bio" LIKE $2`, wc.SQL)
	require.Len(t, wc.Params, 2)
}

func TestBuildWhereMySQLBacktickQuoting(t *testing.T) {
	wc, err := BuildWhere([]types.FilterPredicate{
		{ColumnIndex: 1, Op: types.OpEq, Value: "Ada"},
	}, testSchema(), driver.TagMySQL)
	require.NoError(t, err)
	require.Equal(t, "WHERE `name` = ?", wc.SQL)
}

// TestFilterSafetyNoInjection: for every operator other than raw, a value
// containing SQL metacharacters must appear only in Params, never
// concatenated into SQL.
func TestFilterSafetyNoInjection(t *testing.T) {
	dangerous := []string{
		`'; DROP TABLE users; --`,
		`x' OR '1'='1`,
		"a\"b",
		"back`tick",
	}

	ops := []types.FilterOp{types.OpEq, types.OpNeq, types.OpLt, types.OpGt, types.OpContains}

	for _, op := range ops {
		for _, val := range dangerous {
			pred := types.FilterPredicate{ColumnIndex: 1, Op: op, Value: val}
			wc, err := BuildWhere([]types.FilterPredicate{pred}, testSchema(), driver.TagSQLite)
			require.NoError(t, err)

			require.False(t, strings.Contains(wc.SQL, val), "operator %s leaked raw value into SQL: %s", op, wc.SQL)
			require.NotContains(t, wc.SQL, "DROP TABLE")
			require.NotContains(t, wc.SQL, "--")

			found := false
			for _, p := range wc.Params {
				if txt, ok := p.Text(); ok && strings.Contains(txt, val) {
					found = true
				}
			}
			require.True(t, found, "dangerous value should survive in bound params for op %s", op)
		}
	}
}

func TestFilterSafetyRawIsTheOnlyEscapeHatch(t *testing.T) {
	pred := types.FilterPredicate{ColumnIndex: 1, Op: types.OpRaw, Value: `name = 'Ada' OR 1=1`}
	wc, err := BuildWhere([]types.FilterPredicate{pred}, testSchema(), driver.TagSQLite)
	require.NoError(t, err)
	require.Contains(t, wc.SQL, "OR 1=1")
	require.Empty(t, wc.Params)
}

func TestBuildWhereBetweenBindsBothValues(t *testing.T) {
	wc, err := BuildWhere([]types.FilterPredicate{
		{ColumnIndex: 0, Op: types.OpBetween, Value: "1", Secondary: "100"},
	}, testSchema(), driver.TagSQLite)
	require.NoError(t, err)
	require.Equal(t, `WHERE "id" BETWEEN ? AND ?`, wc.SQL)
	require.Len(t, wc.Params, 2)
}

func TestBuildWhereInSplitsCommaList(t *testing.T) {
	wc, err := BuildWhere([]types.FilterPredicate{
		{ColumnIndex: 0, Op: types.OpIn, Value: "1, 2, 3"},
	}, testSchema(), driver.TagSQLite)
	require.NoError(t, err)
	require.Equal(t, `WHERE "id" IN (?, ?, ?)`, wc.SQL)
	require.Len(t, wc.Params, 3)
}

func TestBuildWhereIsNullTakesNoValue(t *testing.T) {
	wc, err := BuildWhere([]types.FilterPredicate{
		{ColumnIndex: 1, Op: types.OpIsNull},
	}, testSchema(), driver.TagSQLite)
	require.NoError(t, err)
	require.Equal(t, `WHERE "name" IS NULL`, wc.SQL)
	require.Empty(t, wc.Params)
}

func TestBuildWhereRegexUnsupportedOnSQLite(t *testing.T) {
	_, err := BuildWhere([]types.FilterPredicate{
		{ColumnIndex: 1, Op: types.OpRegex, Value: "^A"},
	}, testSchema(), driver.TagSQLite)
	require.Error(t, err)
}

func TestBuildWhereColumnIndexOutOfRange(t *testing.T) {
	_, err := BuildWhere([]types.FilterPredicate{
		{ColumnIndex: 99, Op: types.OpEq, Value: "x"},
	}, testSchema(), driver.TagSQLite)
	require.Error(t, err)
}

func TestBuildOrderBy(t *testing.T) {
	sorts := []types.SortEntry{
		{ColumnIndex: 1, Direction: types.SortAsc},
		{ColumnIndex: 0, Direction: types.SortDesc},
	}
	clause, err := BuildOrderBy(sorts, testSchema(), driver.TagSQLite)
	require.NoError(t, err)
	require.Equal(t, `"name" ASC, "id" DESC`, clause)
}

func TestBuildOrderByEmpty(t *testing.T) {
	clause, err := BuildOrderBy(nil, testSchema(), driver.TagSQLite)
	require.NoError(t, err)
	require.Empty(t, clause)
}

func TestBuildPKPredicateComposite(t *testing.T) {
	pk := []driver.PKColumn{
		{Column: "tenant_id", Value: types.IntValue(7)},
		{Column: "id", Value: types.IntValue(42)},
	}
	clause, binds := BuildPKPredicate(pk, driver.TagPostgres, `"`)
	require.Equal(t, `"tenant_id" = $1 AND "id" = $2`, clause)
	require.Len(t, binds, 2)
}

func TestLooksLikeSelect(t *testing.T) {
	require.True(t, LooksLikeSelect("SELECT * FROM t"))
	require.True(t, LooksLikeSelect("  -- comment\nWITH x AS (SELECT 1) SELECT * FROM x"))
	require.False(t, LooksLikeSelect("INSERT INTO t VALUES (1)"))
	require.False(t, LooksLikeSelect("UPDATE t SET v=1"))
}
