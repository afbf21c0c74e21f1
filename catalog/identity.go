package catalog

import (
	"github.com/squeezedb/squeeze/common"
)

// IdentityColumn is one equality condition of the identity key. The
// comparison operator in SQLite is always "=" under the column's collation.
type IdentityColumn struct {
	Name      string
	Collation string
}

// IdentityKey locates a logical row across physical copies. It is derived
// from the table's identity index once and bound to captured old values
// during replay.
type IdentityKey struct {
	IndexName string // Backing index on the source table ("" when the PK is the rowid alias)
	Columns   []IdentityColumn
}

// DeriveIdentityKey picks the table's identity mechanism:
//
//  1. a declared PRIMARY KEY, else
//  2. the first (by name) unique, non-partial index over NOT NULL plain
//     columns.
//
// Plain rowids do not survive a rewrite, the same way physical row addresses
// never do, so a table offering neither is refused. An identity covering
// every column with no backing unique index (the "full row" mode) is not a
// usable mechanism and is refused for the same reason.
func DeriveIdentityKey(ts *TableSchema) (*IdentityKey, error) {
	if pk := ts.PKColumns(); len(pk) > 0 {
		key := &IdentityKey{IndexName: pkIndexName(ts)}
		for _, c := range pk {
			key.Columns = append(key.Columns, IdentityColumn{Name: c.Name, Collation: collationFor(ts, c.Name)})
		}
		return key, nil
	}

	for _, ix := range ts.Indexes {
		if !ix.Unique || ix.Partial {
			continue
		}
		if !allNotNullPlainColumns(ts, ix) {
			continue
		}
		key := &IdentityKey{IndexName: ix.Name}
		for _, col := range ix.Columns {
			key.Columns = append(key.Columns, IdentityColumn{Name: col.Name, Collation: col.Collation})
		}
		return key, nil
	}

	return nil, &common.PrerequisiteError{
		Table:  ts.Name,
		Reason: "no usable identity: table needs a PRIMARY KEY or a unique index over NOT NULL columns",
	}
}

// pkIndexName finds the index backing the declared primary key. An INTEGER
// PRIMARY KEY on a rowid table is the rowid alias and has no index.
func pkIndexName(ts *TableSchema) string {
	for _, ix := range ts.Indexes {
		if ix.Origin == "pk" {
			return ix.Name
		}
	}
	return ""
}

func allNotNullPlainColumns(ts *TableSchema, ix IndexSchema) bool {
	for _, col := range ix.Columns {
		if col.Expr || col.Name == "" {
			return false
		}
		found := false
		for _, c := range ts.Columns {
			if c.Name == col.Name {
				found = true
				if c.Nullable {
					return false
				}
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func collationFor(ts *TableSchema, column string) string {
	// The PK auto-index carries the effective collation when one exists.
	for _, ix := range ts.Indexes {
		if ix.Origin != "pk" {
			continue
		}
		for _, col := range ix.Columns {
			if col.Name == column {
				return col.Collation
			}
		}
	}
	return "BINARY"
}
