package cdc

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/denisbrodbeck/machineid"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"

	"github.com/squeezedb/squeeze/catalog"
	"github.com/squeezedb/squeeze/common"
)

const (
	slotTable = "_squeeze_slot"
	slotName  = "squeeze"

	changelogPrefix = "_squeeze_log_"
	triggerPrefix   = "_squeeze_tg_"

	// Changelog column prefixes: old identity values vs new row values.
	oldColPrefix = "old__"
	newColPrefix = "new__"
)

// sessions is the in-process registry backing the single-flight guarantee.
// The slot table catches conflicts across processes; this map catches them
// before touching the database at all.
var sessions = xsync.NewMapOf[string, string]()

// Config describes the capture session to open.
type Config struct {
	DB       *sql.DB
	DBKey    string // Stable identifier of the database (file path)
	Schema   *catalog.TableSchema
	Identity *catalog.IdentityKey

	// Buffer tuning, passed through to NewEventBuffer.
	MemoryBudget int64
	SpillDir     string
}

// Session is an open change-capture session: triggers installed, changelog
// live, snapshot anchored. Exactly one session may exist per source database;
// a concurrent Open fails with ResourceInUseError.
type Session struct {
	db       *sql.DB
	dbKey    string
	schema   *catalog.TableSchema
	identity *catalog.IdentityKey

	changelog string
	triggers  []string
	owner     string

	memoryBudget int64
	spillDir     string

	drained LogPosition
	closed  bool
}

// ownerToken identifies the slot holder: machine digest, pid, hostname.
func ownerToken() string {
	mid, err := machineid.ProtectedID("squeeze")
	if err != nil {
		mid = "unknown"
	} else if len(mid) > 12 {
		mid = mid[:12]
	}
	host, _ := os.Hostname()
	return fmt.Sprintf("%s:%d:%s", mid, os.Getpid(), host)
}

// ownerIsStale reports whether a conflicting slot owner is a dead process on
// this machine. Owners on other machines are assumed live.
func ownerIsStale(owner string) bool {
	parts := strings.SplitN(owner, ":", 3)
	if len(parts) < 2 {
		return false
	}
	mid, err := machineid.ProtectedID("squeeze")
	if err != nil || len(mid) < 12 || parts[0] != mid[:12] {
		return false
	}
	pid, err := strconv.Atoi(parts[1])
	if err != nil {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return true
	}
	return proc.Signal(syscall.Signal(0)) != nil
}

// Open installs the capture triggers and anchors the historical snapshot.
//
// The writer transaction that creates the slot row, the changelog and the
// triggers holds the database write lock while the snapshot read transaction
// takes its read mark on a second connection. No other writer can commit in
// between, so the snapshot reflects exactly the state before the first
// captured change: nothing is lost and nothing appears twice.
//
// The returned transaction is the historical snapshot; it is only valid for
// the initial bulk read and must be rolled back when that finishes. The
// session itself must be closed on every exit path.
func Open(ctx context.Context, cfg Config) (*Session, *sql.Tx, error) {
	owner := ownerToken()

	if prev, loaded := sessions.LoadOrStore(cfg.DBKey, owner); loaded {
		return nil, nil, &common.ResourceInUseError{
			Resource: "capture slot on " + cfg.DBKey,
			Holder:   prev,
		}
	}

	s := &Session{
		db:           cfg.DB,
		dbKey:        cfg.DBKey,
		schema:       cfg.Schema,
		identity:     cfg.Identity,
		changelog:    changelogPrefix + cfg.Schema.Name,
		owner:        owner,
		memoryBudget: cfg.MemoryBudget,
		spillDir:     cfg.SpillDir,
	}

	snapTx, err := s.install(ctx)
	if err != nil {
		sessions.Delete(cfg.DBKey)
		return nil, nil, err
	}

	log.Info().
		Str("table", s.schema.Name).
		Str("owner", owner).
		Msg("Change capture session opened")
	return s, snapTx, nil
}

func (s *Session) install(ctx context.Context) (snapTx *sql.Tx, err error) {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire writer connection: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
		return nil, fmt.Errorf("begin capture install transaction: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			if _, rbErr := conn.ExecContext(ctx, "ROLLBACK"); rbErr != nil {
				log.Warn().Err(rbErr).Msg("Rollback of capture install failed")
			}
			if snapTx != nil {
				_ = snapTx.Rollback()
				snapTx = nil
			}
		}
	}()

	if err := s.claimSlot(ctx, conn); err != nil {
		return nil, err
	}
	if err := s.createChangelog(ctx, conn); err != nil {
		return nil, err
	}
	if err := s.createTriggers(ctx, conn); err != nil {
		return nil, err
	}

	// Anchor the snapshot while the write lock is still held. The read mark
	// is only pinned once a statement touches a page of the database file, so
	// read its schema table; a statement that reads no btree leaves the
	// transaction unstarted and the mark would land after the commit below.
	snapTx, err = s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("open snapshot transaction: %w", err)
	}
	var n int
	if scanErr := snapTx.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM "+catalog.QuoteIdent(s.schema.Location)+".sqlite_master").Scan(&n); scanErr != nil {
		err = fmt.Errorf("anchor snapshot: %w", scanErr)
		return
	}

	if _, commitErr := conn.ExecContext(ctx, "COMMIT"); commitErr != nil {
		err = fmt.Errorf("activate capture triggers: %w", commitErr)
		return
	}
	committed = true
	return snapTx, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *Session) slotTableName() string {
	return catalog.QuoteIdent(s.schema.Location) + "." + catalog.QuoteIdent(slotTable)
}

func (s *Session) changelogName() string {
	return catalog.QuoteIdent(s.schema.Location) + "." + catalog.QuoteIdent(s.changelog)
}

func (s *Session) claimSlot(ctx context.Context, conn *sql.Conn) error {
	if _, err := conn.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS `+s.slotTableName()+` (
		name        TEXT PRIMARY KEY,
		owner       TEXT NOT NULL,
		table_name  TEXT NOT NULL,
		drained_seq INTEGER NOT NULL DEFAULT 0,
		created_at  TEXT NOT NULL
	)`); err != nil {
		return fmt.Errorf("create slot table: %w", err)
	}

	var holder, heldTable string
	err := conn.QueryRowContext(ctx,
		"SELECT owner, table_name FROM "+s.slotTableName()+" WHERE name = ?", slotName).
		Scan(&holder, &heldTable)
	switch {
	case err == sql.ErrNoRows:
		// Slot free.
	case err != nil:
		return fmt.Errorf("read capture slot: %w", err)
	case ownerIsStale(holder):
		log.Warn().
			Str("owner", holder).
			Str("table", heldTable).
			Msg("Taking over capture slot from dead process")
		if err := s.dropCaptureObjects(ctx, conn, heldTable); err != nil {
			return err
		}
		if _, err := conn.ExecContext(ctx,
			"DELETE FROM "+s.slotTableName()+" WHERE name = ?", slotName); err != nil {
			return fmt.Errorf("release stale capture slot: %w", err)
		}
	default:
		return &common.ResourceInUseError{
			Resource: "capture slot on " + s.dbKey,
			Holder:   holder,
		}
	}

	if _, err := conn.ExecContext(ctx,
		"INSERT INTO "+s.slotTableName()+" (name, owner, table_name, created_at) VALUES (?, ?, ?, ?)",
		slotName, s.owner, s.schema.Name, time.Now().UTC().Format(time.RFC3339)); err != nil {
		return fmt.Errorf("claim capture slot: %w", err)
	}
	return nil
}

// dropCaptureObjects removes changelog and triggers left behind for a table.
// Used both for stale-slot takeover and session close.
func (s *Session) dropCaptureObjects(ctx context.Context, ex execer, table string) error {
	loc := catalog.QuoteIdent(s.schema.Location)
	for _, suffix := range []string{"_ins", "_upd", "_del"} {
		name := triggerPrefix + table + suffix
		if _, err := ex.ExecContext(ctx,
			"DROP TRIGGER IF EXISTS "+loc+"."+catalog.QuoteIdent(name)); err != nil {
			return fmt.Errorf("drop trigger %q: %w", name, err)
		}
	}
	if _, err := ex.ExecContext(ctx,
		"DROP TABLE IF EXISTS "+loc+"."+catalog.QuoteIdent(changelogPrefix+table)); err != nil {
		return fmt.Errorf("drop changelog of %q: %w", table, err)
	}
	return nil
}

func (s *Session) createChangelog(ctx context.Context, ex execer) error {
	var cols []string
	// Untyped columns keep the captured storage class untouched.
	for _, ic := range s.identity.Columns {
		cols = append(cols, catalog.QuoteIdent(oldColPrefix+ic.Name))
	}
	for _, c := range s.schema.Columns {
		cols = append(cols, catalog.QuoteIdent(newColPrefix+c.Name))
	}

	stmt := "CREATE TABLE " + s.changelogName() +
		" (seq INTEGER PRIMARY KEY AUTOINCREMENT, op TEXT NOT NULL, " +
		strings.Join(cols, ", ") + ")"
	if _, err := ex.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("create changelog: %w", err)
	}
	return nil
}

func (s *Session) createTriggers(ctx context.Context, ex execer) error {
	loc := catalog.QuoteIdent(s.schema.Location)
	table := catalog.QuoteIdent(s.schema.Name)

	var newCols, newVals, oldCols, oldVals []string
	for _, c := range s.schema.Columns {
		newCols = append(newCols, catalog.QuoteIdent(newColPrefix+c.Name))
		newVals = append(newVals, "NEW."+catalog.QuoteIdent(c.Name))
	}
	for _, ic := range s.identity.Columns {
		oldCols = append(oldCols, catalog.QuoteIdent(oldColPrefix+ic.Name))
		oldVals = append(oldVals, "OLD."+catalog.QuoteIdent(ic.Name))
	}

	changelog := catalog.QuoteIdent(s.changelog)
	triggers := []struct {
		suffix string
		stmt   string
	}{
		{"_ins", fmt.Sprintf(
			"CREATE TRIGGER %s.%s AFTER INSERT ON %s BEGIN INSERT INTO %s (op, %s) VALUES ('I', %s); END",
			loc, catalog.QuoteIdent(triggerPrefix+s.schema.Name+"_ins"), table,
			changelog, strings.Join(newCols, ", "), strings.Join(newVals, ", "))},
		{"_upd", fmt.Sprintf(
			"CREATE TRIGGER %s.%s AFTER UPDATE ON %s BEGIN INSERT INTO %s (op, %s, %s) VALUES ('U', %s, %s); END",
			loc, catalog.QuoteIdent(triggerPrefix+s.schema.Name+"_upd"), table,
			changelog, strings.Join(oldCols, ", "), strings.Join(newCols, ", "),
			strings.Join(oldVals, ", "), strings.Join(newVals, ", "))},
		{"_del", fmt.Sprintf(
			"CREATE TRIGGER %s.%s AFTER DELETE ON %s BEGIN INSERT INTO %s (op, %s) VALUES ('D', %s); END",
			loc, catalog.QuoteIdent(triggerPrefix+s.schema.Name+"_del"), table,
			changelog, strings.Join(oldCols, ", "), strings.Join(oldVals, ", "))},
	}

	for _, tg := range triggers {
		if _, err := ex.ExecContext(ctx, tg.stmt); err != nil {
			return fmt.Errorf("create capture trigger%s: %w", tg.suffix, err)
		}
		s.triggers = append(s.triggers, triggerPrefix+s.schema.Name+tg.suffix)
	}
	return nil
}

// CurrentEndPosition reads the current end of the change stream through q.
// Everything committed so far has a sequence number at or below the result.
func (s *Session) CurrentEndPosition(ctx context.Context, q catalog.Querier) (LogPosition, error) {
	var end int64
	row := q.QueryRowContext(ctx, "SELECT COALESCE(MAX(seq), 0) FROM "+s.changelogName())
	if err := row.Scan(&end); err != nil {
		return 0, fmt.Errorf("read change stream end: %w", err)
	}
	return LogPosition(end), nil
}

// Drained returns the position up to which events were decoded and applied.
func (s *Session) Drained() LogPosition {
	return s.drained
}

// RecordDrain persists the drain progress inside the caller's apply
// transaction: the decoded changelog rows are deleted and the slot cursor
// advances, atomically with the replayed changes. Call CommitDrain after the
// transaction commits. A position at or below the current cursor means some
// window would be applied twice; that is structurally impossible and reported
// as an invariant violation.
func (s *Session) RecordDrain(ctx context.Context, ex execer, upTo LogPosition) error {
	if upTo < s.drained {
		return common.Invariantf("drain cursor regression: %d already drained, asked to record %d", s.drained, upTo)
	}
	if _, err := ex.ExecContext(ctx,
		"DELETE FROM "+s.changelogName()+" WHERE seq <= ?", int64(upTo)); err != nil {
		return fmt.Errorf("trim changelog: %w", err)
	}
	if _, err := ex.ExecContext(ctx,
		"UPDATE "+s.slotTableName()+" SET drained_seq = ? WHERE name = ?", int64(upTo), slotName); err != nil {
		return fmt.Errorf("advance slot cursor: %w", err)
	}
	return nil
}

// CommitDrain advances the in-memory cursor once the apply transaction has
// committed. On rollback, simply do not call it.
func (s *Session) CommitDrain(upTo LogPosition) {
	if upTo > s.drained {
		s.drained = upTo
	}
}

// NewEventBuffer builds the session's memory-budgeted event buffer.
func (s *Session) NewEventBuffer() *EventBuffer {
	return NewEventBuffer(s.memoryBudget, s.spillDir)
}

// ReleaseInTx drops the capture objects and the slot row through the given
// transaction. Used by the engine just before the storage swap, while the
// exclusive lock is still held, so the capture teardown commits atomically
// with the swap. Call MarkReleased once that transaction commits; if it rolls
// back instead, the session is still intact and Close cleans up as usual.
func (s *Session) ReleaseInTx(ctx context.Context, ex execer) error {
	if s.closed {
		return nil
	}
	if err := s.dropCaptureObjects(ctx, ex, s.schema.Name); err != nil {
		return err
	}
	if _, err := ex.ExecContext(ctx,
		"DELETE FROM "+s.slotTableName()+" WHERE name = ? AND owner = ?", slotName, s.owner); err != nil {
		return fmt.Errorf("release capture slot: %w", err)
	}
	return nil
}

// MarkReleased finalizes a ReleaseInTx after its transaction committed.
func (s *Session) MarkReleased() {
	if s.closed {
		return
	}
	s.closed = true
	sessions.Delete(s.dbKey)
	log.Info().Str("table", s.schema.Name).Msg("Change capture session released")
}

// Close releases everything the session captured: triggers, changelog, slot
// row and the in-process registration. It must run on every exit path; it is
// safe to call more than once.
func (s *Session) Close(ctx context.Context) error {
	if s.closed {
		return nil
	}
	s.closed = true
	defer sessions.Delete(s.dbKey)

	var firstErr error
	if err := s.dropCaptureObjects(ctx, s.db, s.schema.Name); err != nil {
		firstErr = err
		log.Warn().Err(err).Str("table", s.schema.Name).Msg("Failed to drop capture objects")
	}
	if _, err := s.db.ExecContext(ctx,
		"DELETE FROM "+s.slotTableName()+" WHERE name = ? AND owner = ?", slotName, s.owner); err != nil {
		if firstErr == nil {
			firstErr = fmt.Errorf("release capture slot: %w", err)
		}
		log.Warn().Err(err).Msg("Failed to release capture slot")
	}

	log.Info().Str("table", s.schema.Name).Msg("Change capture session closed")
	return firstErr
}
