// Package worker runs scheduled rewrites: a registry of tables to watch and
// a nap-time loop that rewrites the ones whose wasted space crossed their
// threshold.
package worker

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/squeezedb/squeeze/encoding"
)

// Registration describes one table the worker watches.
type Registration struct {
	ID       int64
	Database string // Database file path
	Table    string

	// FreeRatioThreshold triggers a rewrite once the measured free-space
	// ratio reaches it. Zero means the table is rewritten on every scan.
	FreeRatioThreshold float64
	// MinFreeBytes gates tiny databases where ratios swing wildly.
	MinFreeBytes int64

	OrderingIndex    string
	Tablespace       string
	IndexTablespaces map[string]string

	// MaxRetry caps consecutive failed attempts before the table is skipped
	// until the next successful run resets the count. Zero disables the cap.
	MaxRetry int

	FailedCount  int
	LastSqueezed time.Time
}

// Registry persists registrations in a small metadata database owned by the
// worker, separate from the databases being rewritten.
type Registry struct {
	db *sql.DB
}

const registrySchema = `
CREATE TABLE IF NOT EXISTS registered_tables (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	database_path TEXT NOT NULL,
	table_name TEXT NOT NULL,
	free_ratio_threshold REAL NOT NULL DEFAULT 0,
	min_free_bytes INTEGER NOT NULL DEFAULT 0,
	ordering_index TEXT NOT NULL DEFAULT '',
	tablespace TEXT NOT NULL DEFAULT '',
	index_tablespaces BLOB,
	max_retry INTEGER NOT NULL DEFAULT 0,
	failed_count INTEGER NOT NULL DEFAULT 0,
	last_squeezed INTEGER NOT NULL DEFAULT 0,
	UNIQUE (database_path, table_name)
)`

func OpenRegistry(path string) (*Registry, error) {
	db, err := sql.Open("sqlite3", "file:"+path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open registry %q: %w", path, err)
	}
	if _, err := db.Exec(registrySchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize registry schema: %w", err)
	}
	return &Registry{db: db}, nil
}

func (r *Registry) Close() error {
	return r.db.Close()
}

func (r *Registry) Add(ctx context.Context, reg Registration) (int64, error) {
	var tablespaces []byte
	if len(reg.IndexTablespaces) > 0 {
		var err error
		tablespaces, err = encoding.Marshal(reg.IndexTablespaces)
		if err != nil {
			return 0, fmt.Errorf("encode index tablespaces: %w", err)
		}
	}
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO registered_tables
			(database_path, table_name, free_ratio_threshold, min_free_bytes,
			 ordering_index, tablespace, index_tablespaces, max_retry)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		reg.Database, reg.Table, reg.FreeRatioThreshold, reg.MinFreeBytes,
		reg.OrderingIndex, reg.Tablespace, tablespaces, reg.MaxRetry)
	if err != nil {
		return 0, fmt.Errorf("register table %q: %w", reg.Table, err)
	}
	return res.LastInsertId()
}

func (r *Registry) Remove(ctx context.Context, id int64) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM registered_tables WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("remove registration %d: %w", id, err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return fmt.Errorf("registration %d does not exist", id)
	}
	return nil
}

func (r *Registry) List(ctx context.Context) ([]Registration, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, database_path, table_name, free_ratio_threshold, min_free_bytes,
		       ordering_index, tablespace, index_tablespaces, max_retry,
		       failed_count, last_squeezed
		FROM registered_tables ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list registrations: %w", err)
	}
	defer rows.Close()

	var regs []Registration
	for rows.Next() {
		var (
			reg         Registration
			tablespaces []byte
			squeezed    int64
		)
		if err := rows.Scan(&reg.ID, &reg.Database, &reg.Table,
			&reg.FreeRatioThreshold, &reg.MinFreeBytes,
			&reg.OrderingIndex, &reg.Tablespace, &tablespaces,
			&reg.MaxRetry, &reg.FailedCount, &squeezed); err != nil {
			return nil, err
		}
		if len(tablespaces) > 0 {
			if err := encoding.Unmarshal(tablespaces, &reg.IndexTablespaces); err != nil {
				return nil, fmt.Errorf("decode index tablespaces of %q: %w", reg.Table, err)
			}
		}
		if squeezed > 0 {
			reg.LastSqueezed = time.Unix(squeezed, 0)
		}
		regs = append(regs, reg)
	}
	return regs, rows.Err()
}

// MarkOutcome records the result of a rewrite attempt. Success stamps the
// run and clears the failure count; failure increments it.
func (r *Registry) MarkOutcome(ctx context.Context, id int64, when time.Time, ok bool) error {
	var err error
	if ok {
		_, err = r.db.ExecContext(ctx,
			`UPDATE registered_tables SET last_squeezed = ?, failed_count = 0 WHERE id = ?`,
			when.Unix(), id)
	} else {
		_, err = r.db.ExecContext(ctx,
			`UPDATE registered_tables SET failed_count = failed_count + 1 WHERE id = ?`, id)
	}
	if err != nil {
		return fmt.Errorf("record outcome for registration %d: %w", id, err)
	}
	return nil
}
