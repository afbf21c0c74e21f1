// Package engine implements the online table rewrite: consistent bulk copy
// into a transient table, replay of concurrently captured changes, a bounded
// exclusive finalization window and the atomic storage swap.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/squeezedb/squeeze/catalog"
)

const (
	transientPrefix = catalog.InternalPrefix + "new_"
	retiredPrefix   = catalog.InternalPrefix + "old_"
	indexPrefix     = catalog.InternalPrefix + "idx_"
)

var createTableRe = regexp.MustCompile(`(?is)^\s*CREATE\s+TABLE\s+(?:"[^"]*(?:""[^"]*)*"|\S+?)\s*(\(.*)$`)

// rewriteCreateTable rebuilds the stored CREATE TABLE statement for a new
// name, keeping the column list, table constraints and any WITHOUT ROWID
// clause verbatim. Constraint-backed auto-indexes (PRIMARY KEY, UNIQUE) are
// therefore created together with the table, identity index included. An
// empty location leaves the name unqualified, the form schema text is stored
// in.
func rewriteCreateTable(createSQL, location, newName string) (string, error) {
	m := createTableRe.FindStringSubmatch(createSQL)
	if m == nil {
		return "", fmt.Errorf("unparseable CREATE TABLE statement: %q", createSQL)
	}
	name := catalog.QuoteIdent(newName)
	if location != "" {
		name = catalog.QuoteIdent(location) + "." + name
	}
	return "CREATE TABLE " + name + " " + m[1], nil
}

// createTransientTable creates the engine-owned physical copy target. The
// table is only ever addressed by the engine; its name is internal and other
// sessions have no reason to touch it.
func (e *Engine) createTransientTable(ctx context.Context, ts *catalog.TableSchema) (string, error) {
	name := transientPrefix + ts.Name
	stmt, err := rewriteCreateTable(ts.SQL, ts.Location, name)
	if err != nil {
		return "", err
	}

	// A residue copy from a crashed run would shadow ours.
	if _, err := e.db.ExecContext(ctx,
		"DROP TABLE IF EXISTS "+catalog.QuoteIdent(ts.Location)+"."+catalog.QuoteIdent(name)); err != nil {
		return "", fmt.Errorf("clear stale transient table: %w", err)
	}
	if _, err := e.db.ExecContext(ctx, stmt); err != nil {
		return "", fmt.Errorf("create transient table: %w", err)
	}

	log.Debug().Str("table", ts.Name).Str("transient", name).Msg("Transient table created")
	return name, nil
}

// dropTransientTable removes the transient copy and, through SQLite's own
// dependency handling, every index created on it.
func (e *Engine) dropTransientTable(ctx context.Context, location, name string) error {
	_, err := e.db.ExecContext(ctx,
		"DROP TABLE IF EXISTS "+catalog.QuoteIdent(location)+"."+catalog.QuoteIdent(name))
	if err != nil {
		return fmt.Errorf("drop transient table %q: %w", name, err)
	}
	return nil
}

// CleanupResidue drops engine-owned tables left behind by a crashed run.
// It refuses to touch anything while a capture session appears live.
func (e *Engine) CleanupResidue(ctx context.Context) error {
	var holder string
	err := e.db.QueryRowContext(ctx,
		`SELECT owner FROM `+catalog.QuoteIdent(e.location)+`."_squeeze_slot" WHERE name = 'squeeze'`).
		Scan(&holder)
	switch {
	case err == nil:
		// Slot held; cdc stale-takeover decides what happens to it.
		return nil
	case errors.Is(err, sql.ErrNoRows):
	case strings.Contains(err.Error(), "no such table"):
	default:
		return fmt.Errorf("inspect capture slot: %w", err)
	}

	rows, err := e.db.QueryContext(ctx,
		`SELECT name FROM `+catalog.QuoteIdent(e.location)+`.sqlite_master
		 WHERE type = 'table' AND (name LIKE ? OR name LIKE ?)`,
		transientPrefix+"%", retiredPrefix+"%")
	if err != nil {
		return fmt.Errorf("list residue tables: %w", err)
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

	for _, n := range names {
		log.Warn().Str("table", n).Msg("Dropping residue table from earlier run")
		if err := e.dropTransientTable(ctx, e.location, n); err != nil {
			return err
		}
	}
	return nil
}
