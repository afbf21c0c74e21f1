package cdc

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	_ "github.com/mattn/go-sqlite3"

	"github.com/squeezedb/squeeze/catalog"
	"github.com/squeezedb/squeeze/common"
)

func openTestDB(t *testing.T) (*sql.DB, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cdc_test.db")
	db, err := sql.Open("sqlite3", "file:"+path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		t.Fatalf("open test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db, path
}

func setupOrders(t *testing.T) (*sql.DB, string, *catalog.TableSchema, *catalog.IdentityKey) {
	t.Helper()
	db, path := openTestDB(t)
	stmts := []string{
		`CREATE TABLE orders (id INTEGER PRIMARY KEY, customer TEXT NOT NULL, total REAL)`,
		`INSERT INTO orders (id, customer, total) VALUES (1, 'ada', 10), (2, 'bob', 20)`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			t.Fatalf("exec %q: %v", s, err)
		}
	}

	ts, err := catalog.LoadTableSchema(context.Background(), db, "main", "orders")
	if err != nil {
		t.Fatalf("load schema: %v", err)
	}
	key, err := catalog.DeriveIdentityKey(ts)
	if err != nil {
		t.Fatalf("derive identity: %v", err)
	}
	return db, path, ts, key
}

func openSession(t *testing.T) (*Session, *sql.Tx, *sql.DB) {
	t.Helper()
	db, path, ts, key := setupOrders(t)
	s, snap, err := Open(context.Background(), Config{
		DB: db, DBKey: path, Schema: ts, Identity: key,
	})
	if err != nil {
		t.Fatalf("open session: %v", err)
	}
	t.Cleanup(func() { s.Close(context.Background()) })
	return s, snap, db
}

func drainAll(t *testing.T, s *Session, db *sql.DB) []*ChangeEvent {
	t.Helper()
	ctx := context.Background()
	end, err := s.CurrentEndPosition(ctx, db)
	if err != nil {
		t.Fatalf("end position: %v", err)
	}
	r, err := s.Decode(ctx, db, end)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	defer r.Close()

	var events []*ChangeEvent
	for {
		ev, err := r.Next()
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		if ev == nil {
			break
		}
		events = append(events, ev)
	}
	return events
}

func TestOpen_SnapshotExcludesLaterWrites(t *testing.T) {
	s, snap, db := openSession(t)
	defer snap.Rollback()
	_ = s

	if _, err := db.Exec(`INSERT INTO orders (id, customer, total) VALUES (3, 'eve', 30)`); err != nil {
		t.Fatalf("concurrent insert: %v", err)
	}

	var n int
	if err := snap.QueryRow(`SELECT COUNT(*) FROM orders`).Scan(&n); err != nil {
		t.Fatalf("snapshot count: %v", err)
	}
	if n != 2 {
		t.Errorf("snapshot sees %d rows, want the 2 pre-session rows", n)
	}

	// The write invisible to the snapshot must be in the changelog instead.
	events := drainAll(t, s, db)
	if len(events) != 1 || events[0].Op != OpInsert {
		t.Fatalf("events = %+v, want one insert", events)
	}
	if events[0].Row["customer"] != "eve" {
		t.Errorf("captured row = %+v", events[0].Row)
	}
}

// Every row committed by a writer racing against Open must land on exactly
// one side of the anchor: in the snapshot or in the changelog, never both.
func TestOpen_AnchorSplitsRacingWriter(t *testing.T) {
	db, path, ts, key := setupOrders(t)

	stop := make(chan struct{})
	inserted := make(chan int, 1)
	go func() {
		n := 0
		for {
			select {
			case <-stop:
				inserted <- n
				return
			default:
			}
			if _, err := db.Exec(
				`INSERT INTO orders (id, customer, total) VALUES (?, 'racer', 1)`, 1000+n); err == nil {
				n++
			}
		}
	}()

	s, snap, err := Open(context.Background(), Config{
		DB: db, DBKey: path, Schema: ts, Identity: key,
	})
	if err != nil {
		close(stop)
		t.Fatalf("open session: %v", err)
	}
	defer s.Close(context.Background())
	defer snap.Rollback()

	close(stop)
	racing := <-inserted

	var snapCount int
	if err := snap.QueryRow(`SELECT COUNT(*) FROM orders`).Scan(&snapCount); err != nil {
		t.Fatalf("snapshot count: %v", err)
	}
	events := drainAll(t, s, db)
	for _, ev := range events {
		if ev.Op != OpInsert || ev.Row["customer"] != "racer" {
			t.Fatalf("unexpected captured event: %+v", ev)
		}
	}
	if got, want := snapCount+len(events), 2+racing; got != want {
		t.Errorf("snapshot %d rows + %d captured = %d, want %d: a racing insert was copied and captured, or lost",
			snapCount, len(events), got, want)
	}
}

// In rollback-journal mode with no busy timeout, the anchored snapshot's
// shared lock makes the activation commit fail. The failed Open must roll the
// snapshot back rather than leave it pinning a pooled connection, or the
// database stays unwritable afterwards.
func TestOpen_FailedActivationReleasesSnapshot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal_test.db")
	db, err := sql.Open("sqlite3", "file:"+path+"?_busy_timeout=0")
	if err != nil {
		t.Fatalf("open test database: %v", err)
	}
	defer db.Close()
	stmts := []string{
		`CREATE TABLE orders (id INTEGER PRIMARY KEY, customer TEXT NOT NULL, total REAL)`,
		`INSERT INTO orders (id, customer, total) VALUES (1, 'ada', 10), (2, 'bob', 20)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			t.Fatalf("exec %q: %v", stmt, err)
		}
	}
	ts, err := catalog.LoadTableSchema(context.Background(), db, "main", "orders")
	if err != nil {
		t.Fatalf("load schema: %v", err)
	}
	key, err := catalog.DeriveIdentityKey(ts)
	if err != nil {
		t.Fatalf("derive identity: %v", err)
	}

	_, _, err = Open(context.Background(), Config{
		DB: db, DBKey: path, Schema: ts, Identity: key,
	})
	if err == nil {
		t.Fatal("open should fail when the activation commit cannot acquire the lock")
	}

	if _, err := db.Exec(`INSERT INTO orders (id, customer, total) VALUES (3, 'eve', 30)`); err != nil {
		t.Fatalf("database still locked after failed open: %v", err)
	}
}

func TestOpen_SingleFlight(t *testing.T) {
	s, snap, db := openSession(t)
	defer snap.Rollback()

	ts := s.schema
	_, _, err := Open(context.Background(), Config{
		DB: db, DBKey: s.dbKey, Schema: ts, Identity: s.identity,
	})
	var riu *common.ResourceInUseError
	if !errors.As(err, &riu) {
		t.Fatalf("expected ResourceInUseError, got %v", err)
	}
	if riu.Holder == "" {
		t.Error("conflict should name the holder")
	}
}

func TestCapture_InsertUpdateDelete(t *testing.T) {
	s, snap, db := openSession(t)
	snap.Rollback()

	stmts := []string{
		`INSERT INTO orders (id, customer, total) VALUES (3, 'eve', 30)`,
		`UPDATE orders SET total = 99 WHERE id = 1`,
		`DELETE FROM orders WHERE id = 2`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			t.Fatalf("exec %q: %v", stmt, err)
		}
	}

	events := drainAll(t, s, db)
	if len(events) != 3 {
		t.Fatalf("got %d events, want 3", len(events))
	}

	if events[0].Op != OpInsert || events[0].Row["id"] != int64(3) {
		t.Errorf("event 0 = %+v, want insert of id 3", events[0])
	}
	if events[1].Op != OpUpdate || events[1].Identity["id"] != int64(1) {
		t.Errorf("event 1 = %+v, want update of id 1", events[1])
	}
	if events[1].Row["total"] != float64(99) {
		t.Errorf("update new values = %+v", events[1].Row)
	}
	if events[2].Op != OpDelete || events[2].Identity["id"] != int64(2) {
		t.Errorf("event 2 = %+v, want delete of id 2", events[2])
	}
}

func TestCapture_PKChangeKeepsOldIdentity(t *testing.T) {
	s, snap, db := openSession(t)
	snap.Rollback()

	if _, err := db.Exec(`UPDATE orders SET id = 7 WHERE id = 1`); err != nil {
		t.Fatalf("pk update: %v", err)
	}

	events := drainAll(t, s, db)
	if len(events) != 1 || events[0].Op != OpUpdate {
		t.Fatalf("events = %+v", events)
	}
	// The old identity locates the row; the new row carries the new key.
	if events[0].Identity["id"] != int64(1) {
		t.Errorf("identity = %+v, want old id 1", events[0].Identity)
	}
	if events[0].Row["id"] != int64(7) {
		t.Errorf("row = %+v, want new id 7", events[0].Row)
	}
}

func TestRecordDrain_ExactlyOnce(t *testing.T) {
	s, snap, db := openSession(t)
	snap.Rollback()
	ctx := context.Background()

	if _, err := db.Exec(`INSERT INTO orders (id, customer, total) VALUES (3, 'eve', 30)`); err != nil {
		t.Fatalf("insert: %v", err)
	}

	end, err := s.CurrentEndPosition(ctx, db)
	if err != nil {
		t.Fatalf("end: %v", err)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := s.RecordDrain(ctx, tx, end); err != nil {
		t.Fatalf("record drain: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	s.CommitDrain(end)

	// The drained window is gone from the changelog and a second decode of
	// it is structurally refused.
	if events := drainAll(t, s, db); len(events) != 0 {
		t.Errorf("drained events reappeared: %+v", events)
	}
	_, err = s.Decode(ctx, db, end-1)
	var iv *common.InvariantError
	if !errors.As(err, &iv) {
		t.Fatalf("expected InvariantError for stale window, got %v", err)
	}
}

func TestRecordDrain_RollbackKeepsCursor(t *testing.T) {
	s, snap, db := openSession(t)
	snap.Rollback()
	ctx := context.Background()

	if _, err := db.Exec(`INSERT INTO orders (id, customer, total) VALUES (3, 'eve', 30)`); err != nil {
		t.Fatalf("insert: %v", err)
	}
	end, err := s.CurrentEndPosition(ctx, db)
	if err != nil {
		t.Fatalf("end: %v", err)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := s.RecordDrain(ctx, tx, end); err != nil {
		t.Fatalf("record drain: %v", err)
	}
	tx.Rollback()
	// No CommitDrain: the events must still be decodable.

	if events := drainAll(t, s, db); len(events) != 1 {
		t.Errorf("got %d events after rollback, want 1", len(events))
	}
}

func TestClose_RemovesCaptureObjects(t *testing.T) {
	s, snap, db := openSession(t)
	snap.Rollback()
	ctx := context.Background()

	if err := s.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}

	var n int
	err := db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE name LIKE '\_squeeze\_log\_%' ESCAPE '\'
		OR name LIKE '\_squeeze\_tg\_%' ESCAPE '\'`).Scan(&n)
	if err != nil {
		t.Fatalf("count residue: %v", err)
	}
	if n != 0 {
		t.Errorf("%d capture objects left after close", n)
	}

	// Writes after close must not be captured anywhere.
	if _, err := db.Exec(`INSERT INTO orders (id, customer, total) VALUES (9, 'zed', 1)`); err != nil {
		t.Fatalf("insert after close: %v", err)
	}

	// The slot is free again.
	s2, snap2, err := Open(ctx, Config{DB: db, DBKey: s.dbKey, Schema: s.schema, Identity: s.identity})
	if err != nil {
		t.Fatalf("reopen after close: %v", err)
	}
	snap2.Rollback()
	s2.Close(ctx)
}
