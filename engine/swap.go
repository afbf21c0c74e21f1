package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/squeezedb/squeeze/catalog"
	"github.com/squeezedb/squeeze/common"
)

type queryExecer interface {
	catalog.Querier
	execer
}

// swapInTx exchanges the storage behind the source table name with the
// transient copy by editing the schema table directly, the only way to move
// btrees between names without rewriting them. It runs inside the caller's
// exclusive transaction; the commit that follows is the swap's atomicity
// point. The retired storage stays behind under an internal name until
// dropRetired removes it.
func (e *Engine) swapInTx(ctx context.Context, qe queryExecer, op *operation) error {
	src := op.schema.Name
	trn := op.transient
	old := retiredPrefix + src
	loc := op.schema.Location

	// Both sides must share one database file. Attached databases and the
	// temp database hold separate files; a swap across them would splice a
	// name onto storage the file does not contain.
	if loc == "temp" || op.placement.table != loc {
		return common.Invariantf("storage swap between %q and %q would cross database files",
			loc, op.placement.table)
	}

	if _, err := qe.ExecContext(ctx, "PRAGMA writable_schema=ON"); err != nil {
		return fmt.Errorf("enable schema writes: %w", err)
	}

	// Retire the source names first so the canonical names are free.
	oldSQL, err := rewriteCreateTable(op.schema.SQL, "", old)
	if err != nil {
		return err
	}
	if err := renameMasterRow(ctx, qe, loc, "table", src, old, old, oldSQL); err != nil {
		return err
	}
	for i, pair := range op.pairs {
		ix := op.schema.Index(pair.Source)
		if ix == nil {
			return common.Invariantf("index %q vanished from the verified schema", pair.Source)
		}
		retired := fmt.Sprintf("%soldidx_%s_%d", catalog.InternalPrefix, src, i)
		ixSQL, err := rewriteCreateIndex(ix.SQL, "", retired, old)
		if err != nil {
			return err
		}
		if err := renameMasterRow(ctx, qe, loc, "index", pair.Source, retired, old, ixSQL); err != nil {
			return err
		}
	}
	if err := renameAutoIndexes(ctx, qe, loc, src, old); err != nil {
		return err
	}

	// Promote the transient names. The canonical schema text is the source's
	// own, which is exactly what the transient objects were built from.
	if err := renameMasterRow(ctx, qe, loc, "table", trn, src, src, op.schema.SQL); err != nil {
		return err
	}
	for _, pair := range op.pairs {
		ix := op.schema.Index(pair.Source)
		if err := renameMasterRow(ctx, qe, loc, "index", pair.Transient, pair.Source, src, ix.SQL); err != nil {
			return err
		}
	}
	if err := renameAutoIndexes(ctx, qe, loc, trn, src); err != nil {
		return err
	}

	if err := transferSequence(ctx, qe, loc, src, trn, old); err != nil {
		return err
	}

	// Bump the schema cookie so every connection rereads the edited schema.
	var version int64
	if err := qe.QueryRowContext(ctx, "PRAGMA "+catalog.QuoteIdent(loc)+".schema_version").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if _, err := qe.ExecContext(ctx,
		fmt.Sprintf("PRAGMA %s.schema_version=%d", catalog.QuoteIdent(loc), version+1)); err != nil {
		return fmt.Errorf("advance schema version: %w", err)
	}
	if _, err := qe.ExecContext(ctx, "PRAGMA writable_schema=RESET"); err != nil {
		return fmt.Errorf("disable schema writes: %w", err)
	}

	log.Debug().Str("table", src).Str("retired", old).Msg("Storage swap staged in transaction")
	return nil
}

func renameMasterRow(ctx context.Context, ex execer, loc, typ, from, to, tbl, sqlText string) error {
	res, err := ex.ExecContext(ctx,
		"UPDATE "+catalog.QuoteIdent(loc)+".sqlite_master SET name = ?, tbl_name = ?, sql = ? WHERE type = ? AND name = ?",
		to, tbl, sqlText, typ, from)
	if err != nil {
		return fmt.Errorf("rename %s %q: %w", typ, from, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n != 1 {
		return common.Invariantf("rename of %s %q touched %d schema rows, want 1", typ, from, n)
	}
	return nil
}

// renameAutoIndexes carries constraint-backed indexes over to the table's
// new name. Their names are positional (sqlite_autoindex_<table>_N) and the
// numbering matches between source and transient because both were created
// from the same statement; only the table part changes. Their sql column is
// NULL and stays NULL.
func renameAutoIndexes(ctx context.Context, qe queryExecer, loc, fromTable, toTable string) error {
	rows, err := qe.QueryContext(ctx,
		"SELECT name FROM "+catalog.QuoteIdent(loc)+".sqlite_master WHERE type = 'index' AND tbl_name = ? AND sql IS NULL",
		fromTable)
	if err != nil {
		return fmt.Errorf("list auto indexes of %q: %w", fromTable, err)
	}
	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			rows.Close()
			return err
		}
		names = append(names, n)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	oldPrefix := "sqlite_autoindex_" + fromTable + "_"
	newPrefix := "sqlite_autoindex_" + toTable + "_"
	for _, n := range names {
		if !strings.HasPrefix(n, oldPrefix) {
			return common.Invariantf("auto index %q does not follow the naming of table %q", n, fromTable)
		}
		renamed := newPrefix + strings.TrimPrefix(n, oldPrefix)
		if _, err := qe.ExecContext(ctx,
			"UPDATE "+catalog.QuoteIdent(loc)+".sqlite_master SET name = ?, tbl_name = ? WHERE type = 'index' AND name = ?",
			renamed, toTable, n); err != nil {
			return fmt.Errorf("rename auto index %q: %w", n, err)
		}
	}
	return nil
}

// transferSequence keeps the AUTOINCREMENT high-water mark across the swap.
// The counter table stores plain rows keyed by table name, so the schema
// renames do not move them; the surviving name gets the larger of the two
// counters.
func transferSequence(ctx context.Context, qe queryExecer, loc, src, trn, old string) error {
	var exists int
	err := qe.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM "+catalog.QuoteIdent(loc)+".sqlite_master WHERE type = 'table' AND name = 'sqlite_sequence'").
		Scan(&exists)
	if err != nil {
		return fmt.Errorf("check sequence table: %w", err)
	}
	if exists == 0 {
		return nil
	}

	seqTable := catalog.QuoteIdent(loc) + ".sqlite_sequence"
	var high int64
	err = qe.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(seq), 0) FROM "+seqTable+" WHERE name IN (?, ?)", src, trn).
		Scan(&high)
	if err != nil {
		return fmt.Errorf("read sequence counters: %w", err)
	}
	if _, err := qe.ExecContext(ctx,
		"DELETE FROM "+seqTable+" WHERE name IN (?, ?, ?)", src, trn, old); err != nil {
		return fmt.Errorf("clear sequence counters: %w", err)
	}
	if high > 0 {
		if _, err := qe.ExecContext(ctx,
			"INSERT INTO "+seqTable+" (name, seq) VALUES (?, ?)", src, high); err != nil {
			return fmt.Errorf("restore sequence counter: %w", err)
		}
	}
	return nil
}

// dropRetired removes the storage the swap displaced. It runs after the
// swap transaction committed; failure here leaves an inert internal table
// behind, not a broken one, and CleanupResidue collects it later, so the
// rewrite still counts as successful.
func (e *Engine) dropRetired(ctx context.Context, op *operation) {
	old := retiredPrefix + op.schema.Name
	if err := e.dropTransientTable(ctx, op.schema.Location, old); err != nil {
		log.Err(err).Str("table", op.schema.Name).Msg("Retired storage not dropped, will be collected later")
	}
}
