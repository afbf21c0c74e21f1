package engine

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/squeezedb/squeeze/catalog"
	"github.com/squeezedb/squeeze/cdc"
	"github.com/squeezedb/squeeze/common"
	"github.com/squeezedb/squeeze/telemetry"
)

// operation carries the state of one table rewrite across its phases.
type operation struct {
	schema    *catalog.TableSchema
	identity  *catalog.IdentityKey
	fp        *catalog.Fingerprint
	tracker   *catalog.Tracker
	session   *cdc.Session
	placement *placement
	transient string
	pairs     []IndexPair
	replayer  *Replayer
	swapped   bool
}

// SqueezeTable rewrites one table in place: copy a consistent snapshot into
// fresh storage, replay everything written concurrently, then swap the
// storage under an exclusive lock. On every failure path the table is left
// exactly as it was, with all rewrite machinery removed.
func (e *Engine) SqueezeTable(ctx context.Context, opts Options) (err error) {
	started := time.Now()
	defer func() {
		telemetry.OperationsTotal.With(classifyOutcome(err)).Inc()
	}()

	before, statErr := catalog.ReadSpaceStats(ctx, e.db, e.location)
	if statErr != nil {
		return statErr
	}

	op, err := e.prepare(ctx, opts)
	if err != nil {
		return err
	}

	snapTx, err := e.beginCapture(ctx, op)
	if err != nil {
		return err
	}
	defer e.cleanup(ctx, op, &snapTx)

	if err := e.copyPhase(ctx, op, &snapTx, opts); err != nil {
		return err
	}
	if err := e.drainConcurrent(ctx, op); err != nil {
		return err
	}
	if err := e.finalize(ctx, op); err != nil {
		return err
	}

	// Freed pages sit on the freelist; hand them back to the filesystem
	// where the database is configured for it. A no-op otherwise.
	if _, err := e.db.ExecContext(ctx, "PRAGMA "+catalog.QuoteIdent(e.location)+".incremental_vacuum"); err != nil {
		log.Debug().Err(err).Msg("Incremental vacuum unavailable")
	}

	after, statErr := catalog.ReadSpaceStats(ctx, e.db, e.location)
	if statErr != nil {
		log.Err(statErr).Str("table", op.schema.Name).Msg("Post-rewrite space stats unavailable")
	} else {
		log.Info().
			Str("table", op.schema.Name).
			Int64("pages_before", before.PageCount).
			Int64("pages_after", after.PageCount).
			Int64("freelist_after", after.FreelistCount).
			Dur("duration", time.Since(started)).
			Msg("Table rewrite complete")
	}
	return nil
}

// prepare loads and validates everything the rewrite depends on under a
// plain read transaction: schema, identity key, catalog fingerprint and the
// requested physical placement.
func (e *Engine) prepare(ctx context.Context, opts Options) (*operation, error) {
	phase := time.Now()

	tx, err := e.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	ts, err := catalog.LoadTableSchema(ctx, tx, e.location, opts.Table)
	if err != nil {
		return nil, err
	}
	if err := catalog.CheckPrerequisites(ts); err != nil {
		return nil, err
	}
	identity, err := catalog.DeriveIdentityKey(ts)
	if err != nil {
		return nil, err
	}
	if _, err := validateOrderingIndex(ts, opts.OrderingIndex); err != nil {
		return nil, err
	}

	tracker := catalog.NewTracker(e.db)
	fp, err := tracker.Snapshot(ctx, tx, ts)
	if err != nil {
		return nil, err
	}

	p, err := e.resolvePlacement(ctx, ts, opts)
	if err != nil {
		return nil, err
	}

	telemetry.PhaseDurationSeconds.With("prepare").Observe(time.Since(phase).Seconds())
	log.Debug().Str("table", ts.Name).Str("identity", identity.IndexName).
		Int("columns", len(ts.Columns)).Int("indexes", len(ts.Indexes)).
		Msg("Rewrite prerequisites satisfied")

	return &operation{
		schema:    ts,
		identity:  identity,
		fp:        fp,
		tracker:   tracker,
		placement: p,
	}, nil
}

// beginCapture opens the change capture session. The returned snapshot
// transaction was anchored before any concurrent write could commit without
// being captured, so snapshot plus changelog together cover every row.
func (e *Engine) beginCapture(ctx context.Context, op *operation) (*sql.Tx, error) {
	session, snapTx, err := cdc.Open(ctx, cdc.Config{
		DB:           e.db,
		DBKey:        e.path,
		Schema:       op.schema,
		Identity:     op.identity,
		MemoryBudget: e.conf.Engine.EventMemoryBudgetBytes,
		SpillDir:     e.conf.Engine.SpillDir,
	})
	if err != nil {
		return nil, err
	}
	op.session = session
	return snapTx, nil
}

// copyPhase builds the transient table, bulk-copies the snapshot into it and
// rebuilds the indexes, re-verifying the catalog after each unlocked
// stretch.
func (e *Engine) copyPhase(ctx context.Context, op *operation, snapTx **sql.Tx, opts Options) error {
	phase := time.Now()

	transient, err := e.createTransientTable(ctx, op.schema)
	if err != nil {
		return err
	}
	op.transient = transient
	op.replayer = newReplayer(op.schema, op.identity, transient)

	if err := op.tracker.Verify(ctx, op.fp, catalog.LockNone); err != nil {
		return err
	}

	ordering, err := validateOrderingIndex(op.schema, opts.OrderingIndex)
	if err != nil {
		return err
	}
	l := e.newLoader(op.schema, transient, ordering)
	if _, err := l.run(ctx, *snapTx); err != nil {
		return err
	}

	// The snapshot has served its purpose; release its read mark so the WAL
	// can be checkpointed behind it.
	(*snapTx).Rollback()
	*snapTx = nil
	telemetry.PhaseDurationSeconds.With("copy").Observe(time.Since(phase).Seconds())

	if err := op.tracker.Verify(ctx, op.fp, catalog.LockNone); err != nil {
		return err
	}

	pairs, err := e.buildTransientIndexes(ctx, op.schema, transient, op.placement)
	if err != nil {
		return err
	}
	op.pairs = pairs

	return op.tracker.Verify(ctx, op.fp, catalog.LockNone)
}

// cleanup restores the database to its pre-rewrite shape on any failure
// path: the snapshot is released, the capture machinery is torn down and
// the transient storage dropped. After a successful swap only the session
// bookkeeping remains and it is already released.
func (e *Engine) cleanup(ctx context.Context, op *operation, snapTx **sql.Tx) {
	if *snapTx != nil {
		(*snapTx).Rollback()
		*snapTx = nil
	}
	if op.swapped {
		return
	}
	if op.session != nil {
		if err := op.session.Close(ctx); err != nil {
			log.Err(err).Str("table", op.schema.Name).Msg("Capture session teardown failed")
		}
	}
	if op.transient != "" {
		if err := e.dropTransientTable(ctx, op.schema.Location, op.transient); err != nil {
			log.Err(err).Str("table", op.schema.Name).Msg("Transient table not dropped")
		}
	}
}

func classifyOutcome(err error) string {
	var (
		prereq    *common.PrerequisiteError
		conc      *common.ConcurrencyError
		busy      *common.ResourceInUseError
		conv      *common.ConvergenceError
		invariant *common.InvariantError
	)
	switch {
	case err == nil:
		return "success"
	case errors.As(err, &prereq):
		return "prerequisite"
	case errors.As(err, &conc):
		return "concurrent_ddl"
	case errors.As(err, &busy):
		return "busy"
	case errors.As(err, &conv):
		return "no_convergence"
	case errors.As(err, &invariant):
		return "invariant"
	default:
		return "error"
	}
}
