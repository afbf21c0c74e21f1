package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/squeezedb/squeeze/catalog"
	"github.com/squeezedb/squeeze/cdc"
	"github.com/squeezedb/squeeze/cfg"
	"github.com/squeezedb/squeeze/common"
)

func testConfig(t *testing.T) *cfg.Configuration {
	t.Helper()
	return &cfg.Configuration{
		Engine: cfg.EngineConfiguration{
			EventMemoryBudgetBytes: 1 << 20,
			CopyBatchBytes:         1 << 20,
			SpillDir:               t.TempDir(),
		},
	}
}

func newTestEngine(t *testing.T) (*Engine, *sql.DB, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "engine_test.db")
	db, err := OpenDatabase(path)
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return New(db, path, testConfig(t)), db, path
}

func mustExec(t *testing.T, db *sql.DB, stmts ...string) {
	t.Helper()
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			t.Fatalf("exec %q: %v", s, err)
		}
	}
}

func countRows(t *testing.T, db *sql.DB, query string, args ...interface{}) int {
	t.Helper()
	var n int
	if err := db.QueryRow(query, args...).Scan(&n); err != nil {
		t.Fatalf("count %q: %v", query, err)
	}
	return n
}

// internalObjectCount counts rewrite machinery left in the schema. The slot
// bookkeeping table is exempt: it persists across rewrites like any other
// catalog.
func internalObjectCount(t *testing.T, db *sql.DB) int {
	t.Helper()
	return countRows(t, db,
		`SELECT COUNT(*) FROM sqlite_master WHERE name LIKE '\_squeeze\_%' ESCAPE '\' AND name != '_squeeze_slot'`)
}

func loadTestSchema(t *testing.T, db *sql.DB, table string) *catalog.TableSchema {
	t.Helper()
	ts, err := catalog.LoadTableSchema(context.Background(), db, "main", table)
	if err != nil {
		t.Fatalf("load schema of %q: %v", table, err)
	}
	return ts
}

func setupBloatedOrders(t *testing.T, db *sql.DB) {
	t.Helper()
	mustExec(t, db,
		`CREATE TABLE orders (id INTEGER PRIMARY KEY, customer TEXT NOT NULL, total REAL, note TEXT)`,
		`CREATE INDEX orders_customer ON orders (customer)`,
		`CREATE UNIQUE INDEX orders_note ON orders (note) WHERE note IS NOT NULL`)
	tx, err := db.Begin()
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	for i := 1; i <= 2000; i++ {
		if _, err := tx.Exec(`INSERT INTO orders (id, customer, total, note) VALUES (?, ?, ?, ?)`,
			i, fmt.Sprintf("customer-%04d", i%37), float64(i)*1.5, fmt.Sprintf("note-%d", i)); err != nil {
			t.Fatalf("seed row %d: %v", i, err)
		}
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit seed: %v", err)
	}
	mustExec(t, db, `DELETE FROM orders WHERE id % 4 != 0`)
}

func TestSqueezeTable_Basic(t *testing.T) {
	e, db, _ := newTestEngine(t)
	setupBloatedOrders(t, db)
	ctx := context.Background()

	before, err := catalog.ReadSpaceStats(ctx, db, "main")
	if err != nil {
		t.Fatalf("space stats: %v", err)
	}
	wantRows := countRows(t, db, `SELECT COUNT(*) FROM orders`)
	var wantSum float64
	if err := db.QueryRow(`SELECT SUM(total) FROM orders`).Scan(&wantSum); err != nil {
		t.Fatalf("sum before: %v", err)
	}

	if err := e.SqueezeTable(ctx, Options{Table: "orders"}); err != nil {
		t.Fatalf("squeeze: %v", err)
	}

	if got := countRows(t, db, `SELECT COUNT(*) FROM orders`); got != wantRows {
		t.Fatalf("row count after rewrite = %d, want %d", got, wantRows)
	}
	var gotSum float64
	if err := db.QueryRow(`SELECT SUM(total) FROM orders`).Scan(&gotSum); err != nil {
		t.Fatalf("sum after: %v", err)
	}
	if gotSum != wantSum {
		t.Fatalf("sum after rewrite = %v, want %v", gotSum, wantSum)
	}

	// Indexes survive under their original names and stay functional.
	for _, ix := range []string{"orders_customer", "orders_note"} {
		if n := countRows(t, db, `SELECT COUNT(*) FROM sqlite_master WHERE type = 'index' AND name = ?`, ix); n != 1 {
			t.Fatalf("index %q missing after rewrite", ix)
		}
	}
	if n := countRows(t, db, `SELECT COUNT(*) FROM orders INDEXED BY orders_customer WHERE customer = 'customer-0004'`); n == 0 {
		t.Fatal("rebuilt index returned no rows")
	}

	if n := internalObjectCount(t, db); n != 0 {
		t.Fatalf("found %d internal objects after rewrite, want 0", n)
	}

	after, err := catalog.ReadSpaceStats(ctx, db, "main")
	if err != nil {
		t.Fatalf("space stats after: %v", err)
	}
	usedBefore := before.PageCount - before.FreelistCount
	usedAfter := after.PageCount - after.FreelistCount
	if usedAfter >= usedBefore {
		t.Fatalf("used pages did not shrink: before %d, after %d", usedBefore, usedAfter)
	}
}

func TestSqueezeTable_ConcurrentWrites(t *testing.T) {
	e, db, _ := newTestEngine(t)
	setupBloatedOrders(t, db)
	ctx := context.Background()

	stop := make(chan struct{})
	var wg sync.WaitGroup
	var mu sync.Mutex
	inserted := make(map[int]bool)
	deleted := make(map[int]bool)

	wg.Add(1)
	go func() {
		defer wg.Done()
		next := 10000
		for {
			select {
			case <-stop:
				return
			default:
			}
			if _, err := db.Exec(`INSERT INTO orders (id, customer, total, note) VALUES (?, 'live', 1, NULL)`, next); err == nil {
				mu.Lock()
				inserted[next] = true
				mu.Unlock()
			}
			if next%3 == 0 {
				victim := next - 2
				if res, err := db.Exec(`DELETE FROM orders WHERE id = ?`, victim); err == nil {
					if n, _ := res.RowsAffected(); n == 1 {
						mu.Lock()
						deleted[victim] = true
						mu.Unlock()
					}
				}
			}
			next++
		}
	}()

	err := e.SqueezeTable(ctx, Options{Table: "orders"})
	close(stop)
	wg.Wait()
	if err != nil {
		t.Fatalf("squeeze under load: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	for id := range inserted {
		want := 1
		if deleted[id] {
			want = 0
		}
		if got := countRows(t, db, `SELECT COUNT(*) FROM orders WHERE id = ?`, id); got != want {
			t.Fatalf("live-written row %d: count = %d, want %d", id, got, want)
		}
	}
	if n := internalObjectCount(t, db); n != 0 {
		t.Fatalf("found %d internal objects after rewrite, want 0", n)
	}
}

func TestSqueezeTable_CompositePKKeepsConstraint(t *testing.T) {
	e, db, _ := newTestEngine(t)
	mustExec(t, db,
		`CREATE TABLE shipments (region TEXT NOT NULL, seq INTEGER NOT NULL, payload TEXT, PRIMARY KEY (region, seq))`,
		`INSERT INTO shipments VALUES ('eu', 1, 'a'), ('eu', 2, 'b'), ('us', 1, 'c')`)

	if err := e.SqueezeTable(context.Background(), Options{Table: "shipments"}); err != nil {
		t.Fatalf("squeeze: %v", err)
	}

	if n := countRows(t, db, `SELECT COUNT(*) FROM shipments`); n != 3 {
		t.Fatalf("rows = %d, want 3", n)
	}
	// The constraint-backed index must ride along under its canonical name
	// and keep enforcing uniqueness.
	if n := countRows(t, db,
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'index' AND name = 'sqlite_autoindex_shipments_1'`); n != 1 {
		t.Fatal("primary key auto index missing after rewrite")
	}
	if _, err := db.Exec(`INSERT INTO shipments VALUES ('eu', 1, 'dup')`); err == nil {
		t.Fatal("duplicate primary key accepted after rewrite")
	}
}

func TestSqueezeTable_WithoutRowid(t *testing.T) {
	e, db, _ := newTestEngine(t)
	mustExec(t, db,
		`CREATE TABLE kv (k TEXT PRIMARY KEY, v BLOB) WITHOUT ROWID`,
		`INSERT INTO kv VALUES ('a', x'01'), ('b', x'02'), ('c', NULL)`)

	if err := e.SqueezeTable(context.Background(), Options{Table: "kv"}); err != nil {
		t.Fatalf("squeeze: %v", err)
	}
	if n := countRows(t, db, `SELECT COUNT(*) FROM kv`); n != 3 {
		t.Fatalf("rows = %d, want 3", n)
	}
	var v []byte
	if err := db.QueryRow(`SELECT v FROM kv WHERE k = 'b'`).Scan(&v); err != nil || len(v) != 1 || v[0] != 0x02 {
		t.Fatalf("value after rewrite = %v, %v", v, err)
	}
}

func TestSqueezeTable_Autoincrement(t *testing.T) {
	e, db, _ := newTestEngine(t)
	mustExec(t, db,
		`CREATE TABLE events (id INTEGER PRIMARY KEY AUTOINCREMENT, body TEXT)`,
		`INSERT INTO events (body) VALUES ('a'), ('b'), ('c'), ('d')`,
		`DELETE FROM events WHERE id > 2`)

	if err := e.SqueezeTable(context.Background(), Options{Table: "events"}); err != nil {
		t.Fatalf("squeeze: %v", err)
	}

	// The high-water mark must survive: new rows continue past the deleted
	// ids instead of reusing them.
	res, err := db.Exec(`INSERT INTO events (body) VALUES ('e')`)
	if err != nil {
		t.Fatalf("insert after rewrite: %v", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		t.Fatalf("last insert id: %v", err)
	}
	if id <= 4 {
		t.Fatalf("autoincrement counter regressed: new id = %d, want > 4", id)
	}
}

func TestSqueezeTable_OrderingIndex(t *testing.T) {
	e, db, _ := newTestEngine(t)
	mustExec(t, db,
		`CREATE TABLE files (name TEXT PRIMARY KEY NOT NULL, size INTEGER NOT NULL)`,
		`CREATE INDEX files_size ON files (size)`,
		`INSERT INTO files VALUES ('z', 1), ('a', 3), ('m', 2)`)

	if err := e.SqueezeTable(context.Background(), Options{Table: "files", OrderingIndex: "files_size"}); err != nil {
		t.Fatalf("squeeze: %v", err)
	}

	// Physical order follows the clustering index: scanning in storage
	// order yields ascending sizes.
	rows, err := db.Query(`SELECT size FROM files ORDER BY rowid`)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	defer rows.Close()
	prev := int64(-1)
	for rows.Next() {
		var size int64
		if err := rows.Scan(&size); err != nil {
			t.Fatalf("scan row: %v", err)
		}
		if size < prev {
			t.Fatalf("storage order not clustered: %d after %d", size, prev)
		}
		prev = size
	}
	if err := rows.Err(); err != nil {
		t.Fatalf("rows: %v", err)
	}
}

func TestSqueezeTable_Prerequisites(t *testing.T) {
	e, db, _ := newTestEngine(t)
	mustExec(t, db,
		`CREATE TABLE noident (a TEXT, b TEXT)`,
		`CREATE TABLE good (id INTEGER PRIMARY KEY, v TEXT)`)

	cases := []struct {
		name string
		opts Options
	}{
		{"no identity key", Options{Table: "noident"}},
		{"missing ordering index", Options{Table: "good", OrderingIndex: "nope"}},
		{"unattached tablespace", Options{Table: "good", Tablespace: "elsewhere"}},
		{"index tablespace for missing index", Options{Table: "good", IndexTablespaces: map[string]string{"nope": "main"}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := e.SqueezeTable(context.Background(), tc.opts)
			var prereq *common.PrerequisiteError
			if !errors.As(err, &prereq) {
				t.Fatalf("err = %v, want PrerequisiteError", err)
			}
		})
	}

	if n := internalObjectCount(t, db); n != 0 {
		t.Fatalf("failed attempts left %d internal objects behind", n)
	}
}

func TestSqueezeTable_SingleFlight(t *testing.T) {
	e, db, path := newTestEngine(t)
	mustExec(t, db,
		`CREATE TABLE busy (id INTEGER PRIMARY KEY, v TEXT)`,
		`INSERT INTO busy VALUES (1, 'x')`)
	ctx := context.Background()

	ts, err := catalog.LoadTableSchema(ctx, db, "main", "busy")
	if err != nil {
		t.Fatalf("load schema: %v", err)
	}
	key, err := catalog.DeriveIdentityKey(ts)
	if err != nil {
		t.Fatalf("derive identity: %v", err)
	}
	holder, snap, err := cdc.Open(ctx, cdc.Config{DB: db, DBKey: path, Schema: ts, Identity: key})
	if err != nil {
		t.Fatalf("open holder session: %v", err)
	}
	snap.Rollback()
	defer holder.Close(ctx)

	err = e.SqueezeTable(ctx, Options{Table: "busy"})
	var inUse *common.ResourceInUseError
	if !errors.As(err, &inUse) {
		t.Fatalf("err = %v, want ResourceInUseError", err)
	}
	if n := countRows(t, db, `SELECT COUNT(*) FROM busy`); n != 1 {
		t.Fatalf("table damaged by refused rewrite: %d rows", n)
	}
}

func TestCleanup_RemovesMachinery(t *testing.T) {
	e, db, _ := newTestEngine(t)
	setupBloatedOrders(t, db)
	ctx := context.Background()

	op, err := e.prepare(ctx, Options{Table: "orders"})
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	snapTx, err := e.beginCapture(ctx, op)
	if err != nil {
		t.Fatalf("begin capture: %v", err)
	}
	if op.transient, err = e.createTransientTable(ctx, op.schema); err != nil {
		t.Fatalf("create transient: %v", err)
	}
	if n := internalObjectCount(t, db); n == 0 {
		t.Fatal("expected internal objects while rewrite is in flight")
	}

	e.cleanup(ctx, op, &snapTx)

	if n := internalObjectCount(t, db); n != 0 {
		t.Fatalf("cleanup left %d internal objects", n)
	}
	if n := countRows(t, db, `SELECT COUNT(*) FROM orders`); n != 500 {
		t.Fatalf("source table altered by cleanup: %d rows", n)
	}
}
