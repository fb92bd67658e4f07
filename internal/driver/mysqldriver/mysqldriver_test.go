package mysqldriver

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fathomdb/dbrowsed/internal/driver"
)

func TestDSNDefaultsHostAndPort(t *testing.T) {
	parsed, err := driver.ParseConnString("mysql://root@/widgets")
	require.NoError(t, err)

	got := dsn(parsed, "s3cret")
	require.Contains(t, got, "root:s3cret@tcp(127.0.0.1:3306)/widgets")
}

func TestDSNHonorsExplicitHostPort(t *testing.T) {
	parsed, err := driver.ParseConnString("mariadb://app:pw@db.internal:3307/orders")
	require.NoError(t, err)

	got := dsn(parsed, "")
	require.Contains(t, got, "tcp(db.internal:3307)/orders")
}

func TestQuoteIdentDoublesBacktick(t *testing.T) {
	require.Equal(t, "`a``b`", quoteIdent("a`b"))
}

func TestEscapeLikeEscapesWildcards(t *testing.T) {
	require.Equal(t, `100\%\_done`, escapeLike("100%_done"))
}
