package engine

import (
	"context"
	"fmt"

	"github.com/squeezedb/squeeze/catalog"
	"github.com/squeezedb/squeeze/common"
)

// placement is the resolved physical destination of the rewritten table and
// its indexes. SQLite ties a table's btrees to the database file that holds
// the table, so every resolved location must equal the table's own; the
// resolution still validates names and detects duplicates so misdirected
// requests fail up front rather than mid-copy.
type placement struct {
	table   string
	indexes map[string]string
}

func (e *Engine) listLocations(ctx context.Context) (map[string]bool, error) {
	rows, err := e.db.QueryContext(ctx, "SELECT name FROM pragma_database_list")
	if err != nil {
		return nil, fmt.Errorf("list attached databases: %w", err)
	}
	defer rows.Close()

	locs := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		locs[name] = true
	}
	return locs, rows.Err()
}

func (e *Engine) resolvePlacement(ctx context.Context, ts *catalog.TableSchema, opts Options) (*placement, error) {
	locs, err := e.listLocations(ctx)
	if err != nil {
		return nil, err
	}

	p := &placement{table: ts.Location, indexes: make(map[string]string)}
	if opts.Tablespace != "" {
		if !locs[opts.Tablespace] {
			return nil, &common.PrerequisiteError{Table: ts.Name,
				Reason: fmt.Sprintf("location %q is not attached", opts.Tablespace)}
		}
		if opts.Tablespace != ts.Location {
			return nil, &common.PrerequisiteError{Table: ts.Name,
				Reason: fmt.Sprintf("cannot move table from %q to %q during rewrite", ts.Location, opts.Tablespace)}
		}
		p.table = opts.Tablespace
	}

	for name, loc := range opts.IndexTablespaces {
		ix := ts.Index(name)
		if ix == nil {
			return nil, &common.PrerequisiteError{Table: ts.Name,
				Reason: fmt.Sprintf("index %q does not exist", name)}
		}
		if !locs[loc] {
			return nil, &common.PrerequisiteError{Table: ts.Name,
				Reason: fmt.Sprintf("location %q is not attached", loc)}
		}
		if loc != p.table {
			return nil, &common.PrerequisiteError{Table: ts.Name,
				Reason: fmt.Sprintf("index %q cannot live in %q apart from its table in %q", name, loc, p.table)}
		}
		p.indexes[name] = loc
	}
	return p, nil
}
