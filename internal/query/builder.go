// Package query builds parameterized WHERE/ORDER BY/primary-key SQL
// fragments from already-structured predicates. It never parses text: its
// callers (the RPC layer) receive structured types.FilterPredicate and
// types.SortEntry values straight from the JSON-RPC request, so there is
// nothing to tokenize.
package query

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/fathomdb/dbrowsed/internal/driver"
	"github.com/fathomdb/dbrowsed/internal/types"
)

// placeholder renders the n-th bound-parameter placeholder:
// "?" for SQLite/MySQL, "$N" for PostgreSQL.
func placeholder(tag driver.Tag, n int) string {
	if tag == driver.TagPostgres {
		return "$" + strconv.Itoa(n)
	}
	return "?"
}

func quote(tag driver.Tag, identQuote, name string) string {
	if tag == driver.TagMySQL || tag == driver.TagMariaDB {
		return "`" + strings.ReplaceAll(name, "`", "``") + "`"
	}
	return identQuote + strings.ReplaceAll(name, identQuote, identQuote+identQuote) + identQuote
}

// BuildWhere composes a parameterized WHERE clause (the leading "WHERE "
// keyword included, or an empty WhereClause if predicates is empty) from a
// list of predicates, a schema (to resolve column indices to quoted
// names), and a driver tag (to choose quoting/placeholder style). Only
// types.OpRaw ever contributes unescaped text to the SQL; every other
// operator's value(s) are appended to WhereClause.Params and never
// concatenated into the SQL string.
func BuildWhere(predicates []types.FilterPredicate, schema types.Schema, tag driver.Tag) (driver.WhereClause, error) {
	if len(predicates) == 0 {
		return driver.WhereClause{}, nil
	}

	var parts []string
	var params []types.Value
	placeholderN := 1

	next := func() string {
		p := placeholder(tag, placeholderN)
		placeholderN++
		return p
	}

	for _, pred := range predicates {
		frag, binds, err := buildPredicate(pred, schema, tag, next)
		if err != nil {
			return driver.WhereClause{}, err
		}
		parts = append(parts, frag)
		params = append(params, binds...)
	}

	return driver.WhereClause{
		SQL:    "WHERE " + strings.Join(parts, " AND "),
		Params: params,
	}, nil
}

func buildPredicate(pred types.FilterPredicate, schema types.Schema, tag driver.Tag, next func() string) (string, []types.Value, error) {
	if pred.ColumnIndex < 0 || pred.ColumnIndex >= len(schema.Columns) {
		return "", nil, fmt.Errorf("filter column index %d out of range for schema with %d columns", pred.ColumnIndex, len(schema.Columns))
	}
	col := quote(tag, schema.QuoteChar, schema.Columns[pred.ColumnIndex].Name)

	switch pred.Op {
	case types.OpEq, types.OpNeq, types.OpLt, types.OpLte, types.OpGt, types.OpGte:
		return fmt.Sprintf("%s %s %s", col, string(pred.Op), next()), []types.Value{types.TextValue(pred.Value)}, nil

	case types.OpIn:
		items := strings.Split(pred.Value, ",")
		placeholders := make([]string, len(items))
		binds := make([]types.Value, len(items))
		for i, item := range items {
			placeholders[i] = next()
			binds[i] = types.TextValue(strings.TrimSpace(item))
		}
		return fmt.Sprintf("%s IN (%s)", col, strings.Join(placeholders, ", ")), binds, nil

	case types.OpContains:
		return fmt.Sprintf("%s LIKE %s", col, next()), []types.Value{types.TextValue("%" + pred.Value + "%")}, nil

	case types.OpRegex:
		switch tag {
		case driver.TagPostgres:
			return fmt.Sprintf("%s ~ %s", col, next()), []types.Value{types.TextValue(pred.Value)}, nil
		case driver.TagMySQL, driver.TagMariaDB:
			return fmt.Sprintf("%s REGEXP %s", col, next()), []types.Value{types.TextValue(pred.Value)}, nil
		default:
			return "", nil, fmt.Errorf("regex filter unsupported on driver %q", tag)
		}

	case types.OpBetween:
		lo, hi := next(), next()
		return fmt.Sprintf("%s BETWEEN %s AND %s", col, lo, hi), []types.Value{types.TextValue(pred.Value), types.TextValue(pred.Secondary)}, nil

	case types.OpIsEmpty:
		return fmt.Sprintf("%s = ''", col), nil, nil
	case types.OpIsNotEmpty:
		return fmt.Sprintf("%s <> ''", col), nil, nil
	case types.OpIsNull:
		return fmt.Sprintf("%s IS NULL", col), nil, nil
	case types.OpIsNotNull:
		return fmt.Sprintf("%s IS NOT NULL", col), nil, nil

	case types.OpRaw:
		// Trusted-caller escape hatch: the only operator allowed to
		// concatenate unescaped text.
		return pred.Value, nil, nil

	default:
		return "", nil, fmt.Errorf("unknown filter operator %q", pred.Op)
	}
}

// BuildOrderBy composes an ORDER BY clause (without the leading keyword)
// from a sort specification; an empty list yields an empty string and the
// caller omits the clause entirely.
func BuildOrderBy(sorts []types.SortEntry, schema types.Schema, tag driver.Tag) (string, error) {
	if len(sorts) == 0 {
		return "", nil
	}
	parts := make([]string, len(sorts))
	for i, s := range sorts {
		if s.ColumnIndex < 0 || s.ColumnIndex >= len(schema.Columns) {
			return "", fmt.Errorf("sort column index %d out of range for schema with %d columns", s.ColumnIndex, len(schema.Columns))
		}
		dir := "ASC"
		if s.Direction == types.SortDesc {
			dir = "DESC"
		}
		parts[i] = fmt.Sprintf("%s %s", quote(tag, schema.QuoteChar, schema.Columns[s.ColumnIndex].Name), dir)
	}
	return strings.Join(parts, ", "), nil
}

// BuildPKPredicate builds the "<c1> = ? AND <c2> = ? ..." fragment used by
// update_cell/delete_row, from the schema's primary-key columns and their
// bound values. Composite keys produce one ANDed equality per column.
func BuildPKPredicate(pk []driver.PKColumn, tag driver.Tag, identQuote string) (string, []types.Value) {
	parts := make([]string, len(pk))
	binds := make([]types.Value, len(pk))
	placeholderN := 1
	for i, p := range pk {
		ph := placeholder(tag, placeholderN)
		placeholderN++
		parts[i] = fmt.Sprintf("%s = %s", quote(tag, identQuote, p.Column), ph)
		binds[i] = p.Value
	}
	return strings.Join(parts, " AND "), binds
}
