package engine

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
	"github.com/rs/zerolog/log"

	"github.com/squeezedb/squeeze/catalog"
	"github.com/squeezedb/squeeze/common"
	"github.com/squeezedb/squeeze/telemetry"
)

// sortRowThreshold is the row estimate above which a clustered copy prefers
// letting SQLite sort a sequential scan over walking the ordering index.
// Index order touches source pages randomly; past this size the scan+sort
// is the cheaper of the two.
const sortRowThreshold = 262144

// maxInsertParams stays under SQLITE_MAX_VARIABLE_NUMBER for builds that
// still carry the historical 999 limit.
const maxInsertParams = 999

var dialect = goqu.Dialect("sqlite3")

type loader struct {
	e         *Engine
	schema    *catalog.TableSchema
	transient string
	ordering  *catalog.IndexSchema
}

// validateOrderingIndex checks that a requested clustering index can order
// every row of the table.
func validateOrderingIndex(ts *catalog.TableSchema, name string) (*catalog.IndexSchema, error) {
	if name == "" {
		return nil, nil
	}
	ix := ts.Index(name)
	if ix == nil {
		return nil, &common.PrerequisiteError{Table: ts.Name,
			Reason: fmt.Sprintf("ordering index %q does not exist", name)}
	}
	if ix.Partial {
		return nil, &common.PrerequisiteError{Table: ts.Name,
			Reason: fmt.Sprintf("ordering index %q is partial and does not cover the table", name)}
	}
	for _, c := range ix.Columns {
		if c.Expr {
			return nil, &common.PrerequisiteError{Table: ts.Name,
				Reason: fmt.Sprintf("ordering index %q contains expression columns", name)}
		}
	}
	return ix, nil
}

func (e *Engine) newLoader(ts *catalog.TableSchema, transient string, ordering *catalog.IndexSchema) *loader {
	return &loader{e: e, schema: ts, transient: transient, ordering: ordering}
}

// scanSQL builds the snapshot-side read. For a clustered copy the cheaper of
// two plans is taken based on a row estimate: force the ordering index for
// small tables, let SQLite scan and sort for large ones. Both yield the same
// row order.
func (l *loader) scanSQL(ctx context.Context, snap catalog.Querier) (string, error) {
	cols := make([]string, len(l.schema.Columns))
	for i, c := range l.schema.Columns {
		cols[i] = catalog.QuoteIdent(c.Name)
	}
	from := l.schema.QualifiedName()

	if l.ordering == nil {
		return "SELECT " + strings.Join(cols, ", ") + " FROM " + from, nil
	}

	orderBy := make([]string, len(l.ordering.Columns))
	for i, c := range l.ordering.Columns {
		dir := " ASC"
		if c.Desc {
			dir = " DESC"
		}
		orderBy[i] = catalog.QuoteIdent(c.Name) + dir
	}
	order := " ORDER BY " + strings.Join(orderBy, ", ")

	var estimate int64
	if err := snap.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+from).Scan(&estimate); err != nil {
		return "", fmt.Errorf("estimate row count: %w", err)
	}
	if estimate > sortRowThreshold {
		return "SELECT " + strings.Join(cols, ", ") + " FROM " + from + order, nil
	}
	return "SELECT " + strings.Join(cols, ", ") + " FROM " +
		catalog.QuoteIdent(l.schema.Location) + "." + catalog.QuoteIdent(l.schema.Name) +
		" INDEXED BY " + catalog.QuoteIdent(l.ordering.Name) + order, nil
}

// run copies every row the snapshot sees into the transient table. Reads go
// through the pinned snapshot transaction; writes go through the pool in
// batches bounded by the configured copy batch size, so a large table never
// holds the write lock for its whole duration.
func (l *loader) run(ctx context.Context, snap catalog.Querier) (int64, error) {
	started := time.Now()

	query, err := l.scanSQL(ctx, snap)
	if err != nil {
		return 0, err
	}
	rows, err := snap.QueryContext(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("scan source table: %w", err)
	}
	defer rows.Close()

	names := l.schema.ColumnNames()
	batchBudget := l.e.conf.Engine.CopyBatchBytes
	// Keep each multi-row INSERT under SQLite's default bind parameter cap.
	maxRows := maxInsertParams / len(names)
	if maxRows < 1 {
		maxRows = 1
	}

	var (
		total      int64
		batch      [][]interface{}
		batchBytes int64
	)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := l.insertBatch(ctx, names, batch); err != nil {
			return err
		}
		total += int64(len(batch))
		telemetry.RowsCopiedTotal.Add(float64(len(batch)))
		batch = batch[:0]
		batchBytes = 0
		return nil
	}

	for rows.Next() {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		vals := make([]interface{}, len(names))
		ptrs := make([]interface{}, len(names))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return total, fmt.Errorf("scan source row: %w", err)
		}
		batch = append(batch, vals)
		for _, v := range vals {
			batchBytes += valueBytes(v)
		}
		if batchBytes >= batchBudget || len(batch) >= maxRows {
			if err := flush(); err != nil {
				return total, err
			}
		}
	}
	if err := rows.Err(); err != nil {
		return total, fmt.Errorf("read source table: %w", err)
	}
	if err := flush(); err != nil {
		return total, err
	}

	log.Info().
		Str("table", l.schema.Name).
		Int64("rows", total).
		Dur("duration", time.Since(started)).
		Msg("Initial copy complete")
	return total, nil
}

func (l *loader) insertBatch(ctx context.Context, names []string, batch [][]interface{}) error {
	cols := make([]interface{}, len(names))
	for i, n := range names {
		cols[i] = n
	}
	ds := dialect.Insert(goqu.S(l.schema.Location).Table(l.transient)).Cols(cols...).Prepared(true)
	for _, vals := range batch {
		ds = ds.Vals(goqu.Vals(vals))
	}
	query, args, err := ds.ToSQL()
	if err != nil {
		return fmt.Errorf("build batch insert: %w", err)
	}
	if _, err := l.e.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("insert copy batch: %w", err)
	}
	return nil
}

func valueBytes(v interface{}) int64 {
	switch t := v.(type) {
	case nil:
		return 1
	case string:
		return int64(len(t))
	case []byte:
		return int64(len(t))
	default:
		return 8
	}
}

// sql.Tx and sql.Conn both serve as the snapshot side of a copy.
var _ catalog.Querier = (*sql.Tx)(nil)
var _ catalog.Querier = (*sql.Conn)(nil)
