package types

import "fmt"

// Row is an ordered list of cell Values, exactly matching its owning
// ResultSet's column count. Rows do not carry a reference back to their
// schema: the column list is shared-immutable on the ResultSet, rows are
// owned.
type Row []Value

// ResultSet is the output of query_page and of exec against a SELECT.
type ResultSet struct {
	Columns     []ResultColumn `json:"columns"`
	Rows        []Row          `json:"rows"`
	TotalRows   int64          `json:"total_rows"`
	Approximate bool           `json:"approximate"`
}

// ResultColumn is a column's name plus its inferred cell-value Kind, as
// carried by a ResultSet (distinct from the fuller Column metadata, which
// additionally knows about nullability, PK-ness and defaults).
type ResultColumn struct {
	Name string `json:"name"`
	Type Kind   `json:"type"`
}

// MarshalJSON renders Kind as its lowercase name, not its numeric tag,
// keeping the wire vocabulary null/int/float/text/blob/bool/date/
// timestamp.
func (k Kind) MarshalJSON() ([]byte, error) {
	return []byte(`"` + k.String() + `"`), nil
}

// Validate enforces the invariant that every row has exactly as many
// cells as there are columns; no row is partially allocated.
func (rs ResultSet) Validate() error {
	n := len(rs.Columns)
	for i, r := range rs.Rows {
		if len(r) != n {
			return fmt.Errorf("result set row %d has %d cells, want %d", i, len(r), n)
		}
	}
	return nil
}

// ConnectionInfo is the sanitized, never-includes-password metadata the
// connections method returns for one registry entry. InFlight lets a
// client tell whether cancel is meaningful before issuing it.
type ConnectionInfo struct {
	ID       int64  `json:"id"`
	Driver   string `json:"driver"`
	Database string `json:"database,omitempty"`
	Host     string `json:"host,omitempty"`
	Port     int    `json:"port,omitempty"`
	User     string `json:"user,omitempty"`
	InFlight bool   `json:"in_flight"`
}
