package worker

import (
	"context"
	"database/sql"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog/log"

	"github.com/squeezedb/squeeze/catalog"
	"github.com/squeezedb/squeeze/cfg"
	"github.com/squeezedb/squeeze/engine"
)

// handleCacheSize bounds how many watched database files stay open between
// scans. Eviction closes the handle; the next scan reopens it.
const handleCacheSize = 16

// Worker periodically scans the registry and rewrites every eligible table.
type Worker struct {
	conf     *cfg.Configuration
	registry *Registry
	handles  *lru.Cache[string, *sql.DB]
}

func New(conf *cfg.Configuration, registry *Registry) (*Worker, error) {
	handles, err := lru.NewWithEvict[string, *sql.DB](handleCacheSize, func(path string, db *sql.DB) {
		if err := db.Close(); err != nil {
			log.Err(err).Str("database", path).Msg("Closing cached database handle failed")
		}
	})
	if err != nil {
		return nil, err
	}
	return &Worker{conf: conf, registry: registry, handles: handles}, nil
}

// Run loops until the context ends, sleeping the configured nap time between
// scans. The first scan starts immediately.
func (w *Worker) Run(ctx context.Context) error {
	log.Info().
		Str("role", w.conf.Worker.Role).
		Int("nap_time_seconds", w.conf.Worker.NapTimeSeconds).
		Msg("Worker started")
	defer w.handles.Purge()

	ticker := time.NewTicker(time.Duration(w.conf.Worker.NapTimeSeconds) * time.Second)
	defer ticker.Stop()

	for {
		w.scanOnce(ctx)
		select {
		case <-ctx.Done():
			log.Info().Str("role", w.conf.Worker.Role).Msg("Worker stopping")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// scanOnce walks the registry and rewrites every table that is both within
// the autostart list and past its free-space threshold. Failures are
// recorded per registration and never stop the scan.
func (w *Worker) scanOnce(ctx context.Context) {
	regs, err := w.registry.List(ctx)
	if err != nil {
		log.Err(err).Msg("Registry scan failed")
		return
	}

	for _, reg := range regs {
		if ctx.Err() != nil {
			return
		}
		if !w.conf.AutostartMatches(reg.Database) {
			continue
		}
		if reg.MaxRetry > 0 && reg.FailedCount >= reg.MaxRetry {
			continue
		}

		db, err := w.handle(reg.Database)
		if err != nil {
			log.Err(err).Str("database", reg.Database).Msg("Cannot open watched database")
			continue
		}
		eligible, err := w.eligible(ctx, db, reg)
		if err != nil {
			log.Err(err).Str("database", reg.Database).Str("table", reg.Table).
				Msg("Eligibility check failed")
			continue
		}
		if !eligible {
			continue
		}

		log.Info().
			Str("role", w.conf.Worker.Role).
			Str("database", reg.Database).
			Str("table", reg.Table).
			Msg("Starting scheduled rewrite")
		e := engine.New(db, reg.Database, w.conf)
		if err := e.CleanupResidue(ctx); err != nil {
			log.Err(err).Str("database", reg.Database).Msg("Residue cleanup failed")
		}
		err = e.SqueezeTable(ctx, engine.Options{
			Table:            reg.Table,
			OrderingIndex:    reg.OrderingIndex,
			Tablespace:       reg.Tablespace,
			IndexTablespaces: reg.IndexTablespaces,
		})
		if err != nil {
			log.Err(err).Str("database", reg.Database).Str("table", reg.Table).
				Msg("Scheduled rewrite failed")
		}
		if merr := w.registry.MarkOutcome(ctx, reg.ID, time.Now(), err == nil); merr != nil {
			log.Err(merr).Str("table", reg.Table).Msg("Outcome not recorded")
		}
	}
}

func (w *Worker) handle(path string) (*sql.DB, error) {
	if db, ok := w.handles.Get(path); ok {
		return db, nil
	}
	db, err := engine.OpenDatabase(path)
	if err != nil {
		return nil, err
	}
	w.handles.Add(path, db)
	return db, nil
}

// eligible decides whether a table's storage is worth rewriting. dbstat
// gives a per-table fill factor when the build carries it; otherwise the
// database-wide freelist ratio stands in.
func (w *Worker) eligible(ctx context.Context, db *sql.DB, reg Registration) (bool, error) {
	stats, err := catalog.ReadSpaceStats(ctx, db, "main")
	if err != nil {
		return false, err
	}
	if stats.FreeBytes() < reg.MinFreeBytes {
		return false, nil
	}

	fill, ok, err := catalog.TableFillFactor(ctx, db, "main", reg.Table)
	if err != nil {
		return false, err
	}
	if ok {
		return 1-fill >= reg.FreeRatioThreshold, nil
	}
	return stats.FreeRatio() >= reg.FreeRatioThreshold, nil
}
