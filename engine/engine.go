package engine

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/squeezedb/squeeze/cfg"
)

// Engine rewrites tables of one database file. It is safe for use by a
// single goroutine at a time; concurrent rewrites of the same database are
// refused through the capture slot.
type Engine struct {
	db       *sql.DB
	path     string
	location string
	conf     *cfg.Configuration
}

func New(db *sql.DB, path string, conf *cfg.Configuration) *Engine {
	return &Engine{db: db, path: path, location: "main", conf: conf}
}

// OpenDatabase opens a database file with the connection settings every
// engine component assumes: WAL journaling so the snapshot reader and the
// copy writers coexist, and a busy timeout so lock acquisition waits instead
// of failing immediately.
func OpenDatabase(path string) (*sql.DB, error) {
	dsn := "file:" + path + "?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database %q: %w", path, err)
	}
	return db, nil
}

// Options select the table to rewrite and optional physical placement.
type Options struct {
	// Table is the table name within the main database.
	Table string

	// OrderingIndex, when set, names an index whose order the rewritten
	// rows should follow (physical clustering).
	OrderingIndex string

	// Tablespace, when set, names the attached database that should hold
	// the rewritten table. It must resolve to the table's current location.
	Tablespace string

	// IndexTablespaces maps index names to attached database names.
	IndexTablespaces map[string]string
}
