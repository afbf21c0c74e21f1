// Package catalog reads and fingerprints SQLite schema metadata for the
// rewrite engine: table and index introspection, eligibility checks, identity
// key derivation and free-space statistics.
package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// Querier abstracts sql.DB, sql.Tx and sql.Conn for read-only catalog access.
type Querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// ColumnSchema is the metadata of a single column as reported by
// pragma_table_info.
type ColumnSchema struct {
	Name     string
	Type     string // Declared type ("" when omitted)
	Nullable bool
	Default  sql.NullString
	IsPK     bool
	PKOrder  int // 1-based order in a composite PK, 0 if not part of it
}

// IndexColumn is one key part of an index. Expression key parts have no
// column name.
type IndexColumn struct {
	Name      string // "" for expression key parts
	Expr      bool
	Desc      bool
	Collation string
}

// IndexSchema is the metadata of a secondary index. Auto-indexes created for
// UNIQUE or PRIMARY KEY constraints have no SQL text.
type IndexSchema struct {
	Name     string
	RootPage int64 // Physical storage identity within the database file
	SQL      string
	Unique   bool
	Origin   string // "c" = CREATE INDEX, "u" = UNIQUE constraint, "pk" = PRIMARY KEY
	Partial  bool
	Columns  []IndexColumn
}

// TableSchema is the full catalog view of one table, built once under a read
// transaction and passed around explicitly.
type TableSchema struct {
	Name         string
	Location     string // Attached database holding the table ("main" by default)
	SQL          string
	RootPage     int64
	WithoutRowid bool
	Columns      []ColumnSchema
	Indexes      []IndexSchema // Sorted by name for stable ordering
}

// ColumnNames returns the declared column names in table order.
func (ts *TableSchema) ColumnNames() []string {
	names := make([]string, len(ts.Columns))
	for i, c := range ts.Columns {
		names[i] = c.Name
	}
	return names
}

// Index returns the index with the given name, or nil.
func (ts *TableSchema) Index(name string) *IndexSchema {
	for i := range ts.Indexes {
		if ts.Indexes[i].Name == name {
			return &ts.Indexes[i]
		}
	}
	return nil
}

// PKColumns returns the primary key columns ordered by PKOrder, empty when
// the table has no declared primary key.
func (ts *TableSchema) PKColumns() []ColumnSchema {
	var pk []ColumnSchema
	for _, c := range ts.Columns {
		if c.IsPK {
			pk = append(pk, c)
		}
	}
	for i := 1; i < len(pk); i++ {
		for j := i; j > 0 && pk[j-1].PKOrder > pk[j].PKOrder; j-- {
			pk[j-1], pk[j] = pk[j], pk[j-1]
		}
	}
	return pk
}

// QuoteIdent quotes a SQLite identifier.
func QuoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// QualifiedName returns the location-qualified quoted table name.
func (ts *TableSchema) QualifiedName() string {
	return QuoteIdent(ts.Location) + "." + QuoteIdent(ts.Name)
}

// LoadTableSchema reads the table's catalog entry, columns and indexes from
// the given attached database. The caller must hold at least a read
// transaction on q for the result to be a consistent point-in-time view.
func LoadTableSchema(ctx context.Context, q Querier, location, table string) (*TableSchema, error) {
	if location == "" {
		location = "main"
	}

	ts := &TableSchema{Name: table, Location: location}

	master := QuoteIdent(location) + ".sqlite_master"
	row := q.QueryRowContext(ctx,
		"SELECT type, sql, rootpage FROM "+master+" WHERE name = ?", table)

	var objType string
	var sqlText sql.NullString
	if err := row.Scan(&objType, &sqlText, &ts.RootPage); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("table %q not found in %s: %w", table, location, err)
		}
		return nil, fmt.Errorf("read catalog entry for %q: %w", table, err)
	}
	if objType != "table" {
		return nil, fmt.Errorf("%q is a %s, not a table", table, objType)
	}
	ts.SQL = sqlText.String
	ts.WithoutRowid = withoutRowid(ts.SQL)

	if err := loadColumns(ctx, q, ts); err != nil {
		return nil, err
	}
	if err := loadIndexes(ctx, q, ts); err != nil {
		return nil, err
	}
	return ts, nil
}

func loadColumns(ctx context.Context, q Querier, ts *TableSchema) error {
	rows, err := q.QueryContext(ctx,
		"SELECT name, type, \"notnull\", dflt_value, pk FROM "+
			QuoteIdent(ts.Location)+".pragma_table_info(?) ORDER BY cid", ts.Name)
	if err != nil {
		return fmt.Errorf("read columns of %q: %w", ts.Name, err)
	}
	defer rows.Close()

	for rows.Next() {
		var c ColumnSchema
		var notNull int
		if err := rows.Scan(&c.Name, &c.Type, &notNull, &c.Default, &c.PKOrder); err != nil {
			return fmt.Errorf("scan column of %q: %w", ts.Name, err)
		}
		c.Nullable = notNull == 0
		c.IsPK = c.PKOrder > 0
		ts.Columns = append(ts.Columns, c)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("read columns of %q: %w", ts.Name, err)
	}
	if len(ts.Columns) == 0 {
		return fmt.Errorf("table %q has no columns", ts.Name)
	}
	return nil
}

func loadIndexes(ctx context.Context, q Querier, ts *TableSchema) error {
	rows, err := q.QueryContext(ctx,
		"SELECT name, \"unique\", origin, partial FROM "+
			QuoteIdent(ts.Location)+".pragma_index_list(?) ORDER BY name", ts.Name)
	if err != nil {
		return fmt.Errorf("read indexes of %q: %w", ts.Name, err)
	}
	defer rows.Close()

	for rows.Next() {
		var ix IndexSchema
		var unique, partial int
		if err := rows.Scan(&ix.Name, &unique, &ix.Origin, &partial); err != nil {
			return fmt.Errorf("scan index of %q: %w", ts.Name, err)
		}
		ix.Unique = unique != 0
		ix.Partial = partial != 0
		ts.Indexes = append(ts.Indexes, ix)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("read indexes of %q: %w", ts.Name, err)
	}

	master := QuoteIdent(ts.Location) + ".sqlite_master"
	for i := range ts.Indexes {
		ix := &ts.Indexes[i]

		var sqlText sql.NullString
		row := q.QueryRowContext(ctx,
			"SELECT sql, rootpage FROM "+master+" WHERE type = 'index' AND name = ?", ix.Name)
		if err := row.Scan(&sqlText, &ix.RootPage); err != nil {
			return fmt.Errorf("read catalog entry for index %q: %w", ix.Name, err)
		}
		ix.SQL = sqlText.String

		if err := loadIndexColumns(ctx, q, ts.Location, ix); err != nil {
			return err
		}
	}
	return nil
}

func loadIndexColumns(ctx context.Context, q Querier, location string, ix *IndexSchema) error {
	// index_xinfo lists key columns plus trailing rowid/PK columns; only key
	// columns (key=1) define the index.
	rows, err := q.QueryContext(ctx,
		"SELECT cid, name, \"desc\", coll FROM "+
			QuoteIdent(location)+".pragma_index_xinfo(?) WHERE key = 1 ORDER BY seqno", ix.Name)
	if err != nil {
		return fmt.Errorf("read key columns of index %q: %w", ix.Name, err)
	}
	defer rows.Close()

	for rows.Next() {
		var col IndexColumn
		var cid int
		var name sql.NullString
		var desc int
		if err := rows.Scan(&cid, &name, &desc, &col.Collation); err != nil {
			return fmt.Errorf("scan key column of index %q: %w", ix.Name, err)
		}
		col.Name = name.String
		col.Expr = cid == -2
		col.Desc = desc != 0
		ix.Columns = append(ix.Columns, col)
	}
	return rows.Err()
}

// withoutRowid detects the WITHOUT ROWID clause in the normalized CREATE
// TABLE text. SQLite offers no pragma for this, but it preserves the clause
// verbatim at the end of the stored statement.
func withoutRowid(createSQL string) bool {
	upper := strings.ToUpper(createSQL)
	return strings.Contains(upper, "WITHOUT ROWID")
}

// SchemaCookie reads the schema version cookie of the given attached
// database. SQLite bumps it on every DDL statement, which makes it a cheap
// first-level change detector.
func SchemaCookie(ctx context.Context, q Querier, location string) (int64, error) {
	if location == "" {
		location = "main"
	}
	var cookie int64
	row := q.QueryRowContext(ctx, "PRAGMA "+QuoteIdent(location)+".schema_version")
	if err := row.Scan(&cookie); err != nil {
		return 0, fmt.Errorf("read schema cookie of %s: %w", location, err)
	}
	return cookie, nil
}
