package catalog

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"

	"github.com/squeezedb/squeeze/common"
)

// LockLevel describes what lock the caller held on the source table since the
// fingerprint was last verified. It decides which re-checks are redundant.
type LockLevel int

const (
	// LockNone: the table was unlocked for some period; everything must be
	// re-checked.
	LockNone LockLevel = iota
	// LockShared: a read transaction was held throughout. Readers do not
	// block writers in WAL mode, so foreign DDL can still have committed and
	// the checks must run; the level only documents the caller's state.
	LockShared
	// LockExclusive: the exclusive write lock was held throughout; no DDL
	// can have committed, so no check is needed at all.
	LockExclusive
)

// IndexEntry is the fingerprint of one index: its storage identity, a digest
// of its definition, and its resolved placement.
type IndexEntry struct {
	Name     string
	RootPage int64
	DefStamp uint64
	Location string
}

// Fingerprint is a composite of version markers over a table's schema. Any
// mismatch against a freshly re-read fingerprint means concurrent DDL
// invalidated the in-flight rewrite.
type Fingerprint struct {
	Table        string
	Location     string
	SchemaCookie int64
	TableStamp   uint64
	ColumnStamps []uint64
	IndexEntries []IndexEntry
}

// Tracker snapshots and re-verifies catalog fingerprints.
type Tracker struct {
	db Querier // Live handle; must not be a stale read transaction
}

// NewTracker wraps a live database handle. Verify re-reads current metadata
// through it, so it must not be pinned to an old snapshot.
func NewTracker(db Querier) *Tracker {
	return &Tracker{db: db}
}

// Snapshot builds the fingerprint from an already-loaded schema. q must be
// the transaction (or equivalent consistent reader) the schema was loaded
// under, so the cookie and the definition belong to the same point in time.
func (t *Tracker) Snapshot(ctx context.Context, q Querier, ts *TableSchema) (*Fingerprint, error) {
	cookie, err := SchemaCookie(ctx, q, ts.Location)
	if err != nil {
		return nil, err
	}
	return buildFingerprint(ts, cookie), nil
}

// Verify re-reads the table's metadata and compares it against the
// fingerprint taken earlier. lockHeld is the weakest lock level the caller
// held continuously since the previous check; levels that provably exclude
// DDL skip the corresponding re-reads. Any mismatch is a ConcurrencyError.
//
// On success the fingerprint's schema cookie is refreshed, so DDL against
// unrelated tables in the same database does not trip later checks.
func (t *Tracker) Verify(ctx context.Context, fp *Fingerprint, lockHeld LockLevel) error {
	if lockHeld >= LockExclusive {
		// The held lock excluded every foreign DDL on this database.
		return nil
	}

	cookie, err := SchemaCookie(ctx, t.db, fp.Location)
	if err != nil {
		return err
	}
	if cookie == fp.SchemaCookie {
		// No DDL committed anywhere in this database since the snapshot.
		return nil
	}

	ts, err := LoadTableSchema(ctx, t.db, fp.Location, fp.Table)
	if err != nil {
		return &common.ConcurrencyError{Table: fp.Table, Detail: fmt.Sprintf("table disappeared or became unreadable: %v", err)}
	}

	fresh := buildFingerprint(ts, cookie)
	if detail := diffFingerprints(fp, fresh); detail != "" {
		return &common.ConcurrencyError{Table: fp.Table, Detail: detail}
	}

	fp.SchemaCookie = cookie
	return nil
}

func buildFingerprint(ts *TableSchema, cookie int64) *Fingerprint {
	fp := &Fingerprint{
		Table:        ts.Name,
		Location:     ts.Location,
		SchemaCookie: cookie,
		TableStamp:   stamp(normalizeSQL(ts.SQL), strconv.FormatInt(ts.RootPage, 10)),
	}
	for _, c := range ts.Columns {
		fp.ColumnStamps = append(fp.ColumnStamps, stamp(
			c.Name, c.Type,
			strconv.FormatBool(c.Nullable),
			c.Default.String,
			strconv.Itoa(c.PKOrder),
		))
	}
	for _, ix := range ts.Indexes {
		parts := []string{normalizeSQL(ix.SQL), strconv.FormatBool(ix.Unique), ix.Origin, strconv.FormatBool(ix.Partial)}
		for _, col := range ix.Columns {
			parts = append(parts, col.Name, col.Collation, strconv.FormatBool(col.Desc), strconv.FormatBool(col.Expr))
		}
		fp.IndexEntries = append(fp.IndexEntries, IndexEntry{
			Name:     ix.Name,
			RootPage: ix.RootPage,
			DefStamp: stamp(parts...),
			Location: ts.Location,
		})
	}
	return fp
}

func diffFingerprints(old, fresh *Fingerprint) string {
	if old.TableStamp != fresh.TableStamp {
		return "table definition or storage changed"
	}
	if len(old.ColumnStamps) != len(fresh.ColumnStamps) {
		return fmt.Sprintf("column count changed from %d to %d", len(old.ColumnStamps), len(fresh.ColumnStamps))
	}
	for i := range old.ColumnStamps {
		if old.ColumnStamps[i] != fresh.ColumnStamps[i] {
			return fmt.Sprintf("column %d changed", i)
		}
	}
	if len(old.IndexEntries) != len(fresh.IndexEntries) {
		return fmt.Sprintf("index count changed from %d to %d", len(old.IndexEntries), len(fresh.IndexEntries))
	}
	for i := range old.IndexEntries {
		o, f := old.IndexEntries[i], fresh.IndexEntries[i]
		if o.Name != f.Name {
			return fmt.Sprintf("index set changed: %q replaced by %q", o.Name, f.Name)
		}
		if o.DefStamp != f.DefStamp {
			return fmt.Sprintf("index %q was redefined", o.Name)
		}
		if o.RootPage != f.RootPage {
			return fmt.Sprintf("index %q was rebuilt", o.Name)
		}
	}
	return ""
}

func stamp(parts ...string) uint64 {
	h := xxhash.New()
	for _, p := range parts {
		_, _ = h.WriteString(p)
		_, _ = h.Write([]byte{0})
	}
	return h.Sum64()
}

// normalizeSQL collapses whitespace so cosmetic differences in stored
// statement text do not affect stamps.
func normalizeSQL(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
