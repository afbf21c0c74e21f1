package engine

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"

	"github.com/squeezedb/squeeze/catalog"
	"github.com/squeezedb/squeeze/cdc"
	"github.com/squeezedb/squeeze/common"
	"github.com/squeezedb/squeeze/telemetry"
)

// maxFinalizeAttempts bounds how often the engine takes the exclusive lock
// before giving up on a table that never converges within the configured
// window.
const maxFinalizeAttempts = 4

var errLockDeadline = errors.New("exclusive lock held past configured limit")

type finalState int

const (
	stateIdle finalState = iota
	stateLockAcquired
	stateValidated
	stateDraining
	stateCommitted
)

func (s finalState) String() string {
	switch s {
	case stateLockAcquired:
		return "lock_acquired"
	case stateValidated:
		return "validated"
	case stateDraining:
		return "draining"
	case stateCommitted:
		return "committed"
	default:
		return "idle"
	}
}

// finalize drives the last phase of a rewrite: drain the residual changes
// under an exclusive lock and swap the storage, all within one transaction.
// A window that cannot be drained before the configured lock limit is
// released again; the backlog is then caught up without the lock and the
// whole step retried, a bounded number of times.
func (e *Engine) finalize(ctx context.Context, op *operation) error {
	for attempt := 1; attempt <= maxFinalizeAttempts; attempt++ {
		done, err := e.finalizeAttempt(ctx, op, attempt)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		if err := e.drainConcurrent(ctx, op); err != nil {
			return err
		}
	}
	return &common.ConvergenceError{Table: op.schema.Name, Attempts: maxFinalizeAttempts}
}

func (e *Engine) finalizeAttempt(ctx context.Context, op *operation, attempt int) (done bool, err error) {
	state := stateIdle
	started := time.Now()

	conn, err := e.db.Conn(ctx)
	if err != nil {
		return false, err
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "BEGIN EXCLUSIVE"); err != nil {
		var serr sqlite3.Error
		if errors.As(err, &serr) && (serr.Code == sqlite3.ErrBusy || serr.Code == sqlite3.ErrLocked) {
			telemetry.FinalizeAttemptsTotal.With("lock_busy").Inc()
			log.Warn().Str("table", op.schema.Name).Int("attempt", attempt).
				Msg("Exclusive lock busy, backing off")
			return false, nil
		}
		return false, err
	}
	state = stateLockAcquired
	committed := false
	defer func() {
		if !committed {
			if _, rerr := conn.ExecContext(context.Background(), "ROLLBACK"); rerr != nil {
				log.Err(rerr).Str("table", op.schema.Name).Msg("Rollback of finalization attempt failed")
			}
		}
	}()

	// The table was unlocked between verification and now; check again with
	// writers fenced out.
	if err := op.tracker.Verify(ctx, op.fp, catalog.LockNone); err != nil {
		telemetry.FinalizeAttemptsTotal.With("concurrent_ddl").Inc()
		return false, err
	}
	state = stateValidated

	var deadline time.Time
	if ms := e.conf.Engine.MaxExclusiveLockTimeMS; ms > 0 {
		deadline = time.Now().Add(time.Duration(ms) * time.Millisecond)
	}

	end, err := op.session.CurrentEndPosition(ctx, conn)
	if err != nil {
		return false, err
	}
	state = stateDraining

	if err := e.drainExclusive(ctx, op, conn, end, deadline); err != nil {
		if errors.Is(err, errLockDeadline) {
			telemetry.FinalizeAttemptsTotal.With("deadline").Inc()
			log.Warn().Str("table", op.schema.Name).Int("attempt", attempt).
				Stringer("state", state).
				Msg("Drain exceeded lock time limit, releasing exclusive lock")
			return false, nil
		}
		return false, err
	}
	if err := op.session.RecordDrain(ctx, conn, end); err != nil {
		return false, err
	}
	if err := op.session.ReleaseInTx(ctx, conn); err != nil {
		return false, err
	}
	if err := e.swapInTx(ctx, conn, op); err != nil {
		return false, err
	}

	if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
		return false, err
	}
	committed = true
	state = stateCommitted
	op.session.MarkReleased()
	op.session.CommitDrain(end)
	op.swapped = true

	telemetry.FinalizeAttemptsTotal.With("success").Inc()
	telemetry.PhaseDurationSeconds.With("finalize").Observe(time.Since(started).Seconds())
	log.Info().Str("table", op.schema.Name).Int("attempt", attempt).
		Stringer("state", state).
		Dur("lock_held", time.Since(started)).
		Msg("Storage swap committed")

	e.dropRetired(ctx, op)
	return true, nil
}

// drainConcurrent applies the captured backlog while the table stays
// available. The window is staged through pool reads first; the write lock
// is then taken immediately for the apply, never upgraded from a read, so a
// concurrent writer cannot invalidate the transaction midway. The changelog
// delete and cursor advance commit atomically with the applied changes, so
// a change is never replayed twice.
func (e *Engine) drainConcurrent(ctx context.Context, op *operation) error {
	started := time.Now()

	end, err := op.session.CurrentEndPosition(ctx, e.db)
	if err != nil {
		return err
	}
	if end <= op.session.Drained() {
		return nil
	}

	buf, err := e.stageWindow(ctx, op, e.db, end)
	if err != nil {
		return err
	}
	defer buf.Close()

	conn, err := e.db.Conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			conn.ExecContext(context.Background(), "ROLLBACK")
		}
	}()

	if err := e.applyBuffer(ctx, op, conn, buf, time.Time{}); err != nil {
		return err
	}
	if err := op.session.RecordDrain(ctx, conn, end); err != nil {
		return err
	}
	if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
		return err
	}
	committed = true
	op.session.CommitDrain(end)

	telemetry.DrainDurationSeconds.Observe(time.Since(started).Seconds())
	return nil
}

// drainExclusive replays the residual window on the exclusive connection.
// No writer can extend the changelog while the lock is held, so after this
// the copy matches the source exactly.
func (e *Engine) drainExclusive(ctx context.Context, op *operation, conn *sql.Conn, end cdc.LogPosition, deadline time.Time) error {
	if end <= op.session.Drained() {
		return nil
	}
	buf, err := e.stageWindow(ctx, op, conn, end)
	if err != nil {
		return err
	}
	defer buf.Close()
	return e.applyBuffer(ctx, op, conn, buf, deadline)
}

// stageWindow reads the changelog window (drained, end] into the spillable
// buffer. Staging keeps the decode and the replay off the same connection;
// interleaving them there would deadlock the pool.
func (e *Engine) stageWindow(ctx context.Context, op *operation, q catalog.Querier, end cdc.LogPosition) (*cdc.EventBuffer, error) {
	buf := op.session.NewEventBuffer()

	r, err := op.session.Decode(ctx, q, end)
	if err != nil {
		buf.Close()
		return nil, err
	}
	for {
		ev, err := r.Next()
		if err != nil {
			r.Close()
			buf.Close()
			return nil, err
		}
		if ev == nil {
			break
		}
		if err := buf.Add(ev); err != nil {
			r.Close()
			buf.Close()
			return nil, err
		}
	}
	if err := r.Close(); err != nil {
		buf.Close()
		return nil, err
	}
	return buf, nil
}

// applyBuffer replays staged events onto the transient table. A non-zero
// deadline aborts the replay with errLockDeadline.
func (e *Engine) applyBuffer(ctx context.Context, op *operation, ex execer, buf *cdc.EventBuffer, deadline time.Time) error {
	return buf.Drain(func(ev *cdc.ChangeEvent) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			return errLockDeadline
		}
		return op.replayer.Apply(ctx, ex, ev)
	})
}
