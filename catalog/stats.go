package catalog

import (
	"context"
	"fmt"
)

// SpaceStats reports how much of the database file is dead weight. Used by
// the worker's eligibility scan.
type SpaceStats struct {
	PageCount     int64
	FreelistCount int64
	PageSize      int64
}

// FreeBytes returns the bytes held by the freelist.
func (s SpaceStats) FreeBytes() int64 {
	return s.FreelistCount * s.PageSize
}

// FreeRatio returns the freelist share of the file, 0 when empty.
func (s SpaceStats) FreeRatio() float64 {
	if s.PageCount == 0 {
		return 0
	}
	return float64(s.FreelistCount) / float64(s.PageCount)
}

// ReadSpaceStats reads page accounting for one attached database.
func ReadSpaceStats(ctx context.Context, q Querier, location string) (SpaceStats, error) {
	if location == "" {
		location = "main"
	}
	var s SpaceStats
	prefix := "PRAGMA " + QuoteIdent(location) + "."

	for _, p := range []struct {
		pragma string
		dst    *int64
	}{
		{"page_count", &s.PageCount},
		{"freelist_count", &s.FreelistCount},
		{"page_size", &s.PageSize},
	} {
		if err := q.QueryRowContext(ctx, prefix+p.pragma).Scan(p.dst); err != nil {
			return SpaceStats{}, fmt.Errorf("read %s of %s: %w", p.pragma, location, err)
		}
	}
	return s, nil
}

// TableFillFactor estimates the used fraction of the table's pages via the
// dbstat virtual table. Returns ok=false when the build lacks dbstat support;
// callers fall back to database-level freelist accounting.
func TableFillFactor(ctx context.Context, q Querier, location, table string) (fill float64, ok bool, err error) {
	if location == "" {
		location = "main"
	}
	row := q.QueryRowContext(ctx,
		"SELECT COALESCE(SUM(pgsize - unused), 0), COALESCE(SUM(pgsize), 0) FROM "+
			QuoteIdent(location)+".dbstat WHERE name = ?", table)

	var used, total int64
	if scanErr := row.Scan(&used, &total); scanErr != nil {
		// dbstat is a compile-time option; missing module reads as a query error.
		return 0, false, nil
	}
	if total == 0 {
		return 1, true, nil
	}
	return float64(used) / float64(total), true, nil
}
