package types

// Column describes one table column as reported by a driver's describe
// capability.
type Column struct {
	Name          string  `json:"name"`
	Type          string  `json:"type"` // driver-native declared type name
	Nullable      bool    `json:"nullable"`
	PrimaryKey    bool    `json:"primary_key"`
	AutoIncrement bool    `json:"auto_increment"`
	Default       *string `json:"default,omitempty"`
	ForeignKey    *string `json:"foreign_key,omitempty"` // "table.column" if present
	MaxLength     *int    `json:"max_length,omitempty"`
}

// Index describes one table index.
type Index struct {
	Name    string   `json:"name"`
	Unique  bool     `json:"unique"`
	Primary bool     `json:"primary"`
	Type    string   `json:"type,omitempty"` // btree, hash, etc; driver-native, may be empty
	Columns []string `json:"columns"`
}

// ForeignKeyAction is one of the referential actions a FK constraint may
// declare for ON DELETE / ON UPDATE.
type ForeignKeyAction string

const (
	FKActionNoAction   ForeignKeyAction = "NO ACTION"
	FKActionRestrict   ForeignKeyAction = "RESTRICT"
	FKActionCascade    ForeignKeyAction = "CASCADE"
	FKActionSetNull    ForeignKeyAction = "SET NULL"
	FKActionSetDefault ForeignKeyAction = "SET DEFAULT"
)

// ForeignKey describes one foreign-key constraint, possibly composite.
type ForeignKey struct {
	Name              string           `json:"name"`
	Columns           []string         `json:"columns"`
	ReferencedTable   string           `json:"referenced_table"`
	ReferencedColumns []string         `json:"referenced_columns"`
	OnDelete          ForeignKeyAction `json:"on_delete"`
	OnUpdate          ForeignKeyAction `json:"on_update"`
}

// Schema describes one table: its columns in declaration order, its
// indexes, its foreign keys, and a cached row count (negative = unknown).
type Schema struct {
	Table       string       `json:"table"`
	Database    string       `json:"database,omitempty"`
	Columns     []Column     `json:"columns"`
	Indexes     []Index      `json:"indexes"`
	ForeignKeys []ForeignKey `json:"foreign_keys"`
	RowCount    int64        `json:"row_count"` // negative means unknown

	// QuoteChar is the driver's identifier quote character, carried here
	// so a client need not hardcode per-driver quoting rules.
	QuoteChar string `json:"quote_char"`
}

// PrimaryKeyColumns returns the columns marked primary_key, in declaration
// order. Invariant: taken together they identify a row.
func (s Schema) PrimaryKeyColumns() []Column {
	var pk []Column
	for _, c := range s.Columns {
		if c.PrimaryKey {
			pk = append(pk, c)
		}
	}
	return pk
}

// ColumnIndex returns the position of name in Columns, or -1 if absent.
func (s Schema) ColumnIndex(name string) int {
	for i, c := range s.Columns {
		if c.Name == name {
			return i
		}
	}
	return -1
}
