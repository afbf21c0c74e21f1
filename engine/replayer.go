package engine

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/doug-martin/goqu/v9"

	"github.com/squeezedb/squeeze/catalog"
	"github.com/squeezedb/squeeze/cdc"
	"github.com/squeezedb/squeeze/common"
	"github.com/squeezedb/squeeze/telemetry"
)

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// Replayer applies captured changes to the transient table. Inserts carry
// the full row; updates and deletes locate their target through the identity
// key, whose enforcing index exists on the transient table from creation.
type Replayer struct {
	schema    *catalog.TableSchema
	identity  *catalog.IdentityKey
	target    goqu.Expression
	tableName string
}

func newReplayer(ts *catalog.TableSchema, identity *catalog.IdentityKey, transient string) *Replayer {
	return &Replayer{
		schema:    ts,
		identity:  identity,
		target:    goqu.S(ts.Location).Table(transient),
		tableName: ts.Name,
	}
}

func (r *Replayer) Apply(ctx context.Context, ex execer, ev *cdc.ChangeEvent) error {
	switch ev.Op {
	case cdc.OpInsert:
		return r.applyInsert(ctx, ex, ev)
	case cdc.OpUpdate:
		return r.applyUpdate(ctx, ex, ev)
	case cdc.OpDelete:
		return r.applyDelete(ctx, ex, ev)
	default:
		return common.Invariantf("change %d carries unknown operation %d", ev.Seq, ev.Op)
	}
}

func (r *Replayer) applyInsert(ctx context.Context, ex execer, ev *cdc.ChangeEvent) error {
	cols := make([]interface{}, 0, len(r.schema.Columns))
	vals := make([]interface{}, 0, len(r.schema.Columns))
	for _, c := range r.schema.Columns {
		cols = append(cols, c.Name)
		vals = append(vals, ev.Row[c.Name])
	}
	query, args, err := dialect.Insert(r.target).Cols(cols...).Vals(vals).Prepared(true).ToSQL()
	if err != nil {
		return fmt.Errorf("build insert: %w", err)
	}
	if _, err := ex.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("apply insert at %d: %w", ev.Seq, err)
	}
	telemetry.EventsAppliedTotal.With("insert").Inc()
	return nil
}

func (r *Replayer) applyUpdate(ctx context.Context, ex execer, ev *cdc.ChangeEvent) error {
	rec := make(goqu.Record, len(r.schema.Columns))
	for _, c := range r.schema.Columns {
		rec[c.Name] = ev.Row[c.Name]
	}
	query, args, err := dialect.Update(r.target).Set(rec).Where(r.identityMatch(ev)).Prepared(true).ToSQL()
	if err != nil {
		return fmt.Errorf("build update: %w", err)
	}
	res, err := ex.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("apply update at %d: %w", ev.Seq, err)
	}
	if err := r.checkMatched(res, ev); err != nil {
		return err
	}
	telemetry.EventsAppliedTotal.With("update").Inc()
	return nil
}

func (r *Replayer) applyDelete(ctx context.Context, ex execer, ev *cdc.ChangeEvent) error {
	query, args, err := dialect.Delete(r.target).Where(r.identityMatch(ev)).Prepared(true).ToSQL()
	if err != nil {
		return fmt.Errorf("build delete: %w", err)
	}
	res, err := ex.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("apply delete at %d: %w", ev.Seq, err)
	}
	if err := r.checkMatched(res, ev); err != nil {
		return err
	}
	telemetry.EventsAppliedTotal.With("delete").Inc()
	return nil
}

func (r *Replayer) identityMatch(ev *cdc.ChangeEvent) goqu.Expression {
	ex := make(goqu.Ex, len(r.identity.Columns))
	for _, c := range r.identity.Columns {
		ex[c.Name] = ev.Identity[c.Name]
	}
	return ex
}

// checkMatched enforces the identity lookup contract: every update or delete
// must hit exactly one transient row. Zero rows means the captured stream
// and the copy diverged; more than one means the identity key stopped being
// unique. Either way the rewrite must not proceed.
func (r *Replayer) checkMatched(res sql.Result, ev *cdc.ChangeEvent) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n != 1 {
		return common.Invariantf("change %d (%s) on table %q matched %d rows by identity key, want 1",
			ev.Seq, ev.Op, r.tableName, n)
	}
	return nil
}
