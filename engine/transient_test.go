package engine

import (
	"context"
	"strings"
	"testing"
)

func TestRewriteCreateTable(t *testing.T) {
	cases := []struct {
		name     string
		sql      string
		location string
		newName  string
		want     string
	}{
		{
			name:    "plain",
			sql:     `CREATE TABLE orders (id INTEGER PRIMARY KEY, v TEXT)`,
			newName: "_squeeze_new_orders",
			want:    `CREATE TABLE "_squeeze_new_orders" (id INTEGER PRIMARY KEY, v TEXT)`,
		},
		{
			name:     "qualified",
			sql:      `CREATE TABLE orders (id INTEGER PRIMARY KEY)`,
			location: "main",
			newName:  "_squeeze_new_orders",
			want:     `CREATE TABLE "main"."_squeeze_new_orders" (id INTEGER PRIMARY KEY)`,
		},
		{
			name:    "quoted source name",
			sql:     `CREATE TABLE "odd ""name""" (id INTEGER PRIMARY KEY)`,
			newName: "fresh",
			want:    `CREATE TABLE "fresh" (id INTEGER PRIMARY KEY)`,
		},
		{
			name:    "without rowid survives",
			sql:     `CREATE TABLE kv (k TEXT PRIMARY KEY, v BLOB) WITHOUT ROWID`,
			newName: "kv2",
			want:    `CREATE TABLE "kv2" (k TEXT PRIMARY KEY, v BLOB) WITHOUT ROWID`,
		},
		{
			name:    "multiline constraints",
			sql:     "CREATE TABLE t (\n  a INTEGER NOT NULL,\n  b TEXT,\n  PRIMARY KEY (a, b)\n)",
			newName: "t2",
			want:    "CREATE TABLE \"t2\" (\n  a INTEGER NOT NULL,\n  b TEXT,\n  PRIMARY KEY (a, b)\n)",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := rewriteCreateTable(tc.sql, tc.location, tc.newName)
			if err != nil {
				t.Fatalf("rewrite: %v", err)
			}
			if got != tc.want {
				t.Fatalf("rewrite = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestRewriteCreateTable_Unparseable(t *testing.T) {
	if _, err := rewriteCreateTable(`CREATE VIEW v AS SELECT 1`, "", "x"); err == nil {
		t.Fatal("expected error for non-table statement")
	}
}

func TestRewriteCreateIndex(t *testing.T) {
	cases := []struct {
		name     string
		sql      string
		location string
		newIndex string
		newTable string
		want     string
	}{
		{
			name:     "plain",
			sql:      `CREATE INDEX orders_customer ON orders (customer)`,
			newIndex: "_squeeze_idx_orders_0",
			newTable: "_squeeze_new_orders",
			want:     `CREATE INDEX "_squeeze_idx_orders_0" ON "_squeeze_new_orders" (customer)`,
		},
		{
			name:     "unique with qualifier",
			sql:      `CREATE UNIQUE INDEX u ON t (a, b DESC)`,
			location: "main",
			newIndex: "u2",
			newTable: "t2",
			want:     `CREATE UNIQUE INDEX "main"."u2" ON "t2" (a, b DESC)`,
		},
		{
			name:     "partial clause survives",
			sql:      `CREATE UNIQUE INDEX n ON t (note) WHERE note IS NOT NULL`,
			newIndex: "n2",
			newTable: "t2",
			want:     `CREATE UNIQUE INDEX "n2" ON "t2" (note) WHERE note IS NOT NULL`,
		},
		{
			name:     "quoted names",
			sql:      `CREATE INDEX "my idx" ON "my table" ("my col")`,
			newIndex: "i2",
			newTable: "t2",
			want:     `CREATE INDEX "i2" ON "t2" ("my col")`,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := rewriteCreateIndex(tc.sql, tc.location, tc.newIndex, tc.newTable)
			if err != nil {
				t.Fatalf("rewrite: %v", err)
			}
			if got != tc.want {
				t.Fatalf("rewrite = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestCreateTransientTable_MatchesSourceShape(t *testing.T) {
	e, db, _ := newTestEngine(t)
	mustExec(t, db,
		`CREATE TABLE src (id INTEGER NOT NULL, tag TEXT NOT NULL, PRIMARY KEY (id, tag))`)

	ts := loadTestSchema(t, db, "src")
	name, err := e.createTransientTable(context.Background(), ts)
	if err != nil {
		t.Fatalf("create transient: %v", err)
	}
	if !strings.HasPrefix(name, "_squeeze_new_") {
		t.Fatalf("transient name %q lacks internal prefix", name)
	}

	// The copied constraints must enforce immediately.
	mustExec(t, db, `INSERT INTO `+name+` VALUES (1, 'a')`)
	if _, err := db.Exec(`INSERT INTO ` + name + ` VALUES (1, 'a')`); err == nil {
		t.Fatal("transient table accepted duplicate primary key")
	}
}
