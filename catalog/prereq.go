package catalog

import (
	"strings"

	"github.com/squeezedb/squeeze/common"
)

// InternalPrefix marks engine-owned objects (transient tables, changelogs,
// capture slots). They are invisible to eligibility checks and must never be
// squeezed themselves.
const InternalPrefix = "_squeeze_"

// IsInternalName reports whether the object belongs to the engine.
func IsInternalName(name string) bool {
	return strings.HasPrefix(name, InternalPrefix)
}

// IsSystemName reports whether the object belongs to SQLite itself.
func IsSystemName(name string) bool {
	return strings.HasPrefix(name, "sqlite_")
}

// CheckPrerequisites verifies that the table can be rewritten at all. It is
// called once, before any work is performed, under the read transaction that
// produced the schema.
func CheckPrerequisites(ts *TableSchema) error {
	fail := func(reason string) error {
		return &common.PrerequisiteError{Table: ts.Name, Reason: reason}
	}

	if IsSystemName(ts.Name) {
		return fail("system tables cannot be squeezed")
	}
	if IsInternalName(ts.Name) {
		return fail("engine-internal tables cannot be squeezed")
	}
	if strings.HasPrefix(strings.ToUpper(strings.TrimSpace(ts.SQL)), "CREATE VIRTUAL") {
		return fail("virtual tables cannot be squeezed")
	}
	if ts.Location == "temp" {
		return fail("temporary tables cannot be squeezed")
	}

	for _, ix := range ts.Indexes {
		if len(ix.Columns) == 0 {
			return fail("index " + QuoteIdent(ix.Name) + " has no readable key columns")
		}
	}

	if _, err := DeriveIdentityKey(ts); err != nil {
		return err
	}
	return nil
}
