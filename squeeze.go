package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/squeezedb/squeeze/cfg"
	"github.com/squeezedb/squeeze/engine"
	"github.com/squeezedb/squeeze/telemetry"
	"github.com/squeezedb/squeeze/worker"
)

var (
	databaseFlag      = flag.String("db", "", "Path to the database file to squeeze")
	tableFlag         = flag.String("table", "", "Table to squeeze once and exit")
	orderingIndexFlag = flag.String("ordering-index", "", "Cluster the rewritten rows by this index")
	workerFlag        = flag.Bool("worker", false, "Run the background worker over the table registry")
)

func main() {
	flag.Parse()

	// Load configuration
	err := cfg.Load(*cfg.ConfigPathFlag)
	if err != nil {
		panic(err)
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("Invalid configuration: %v", err))
	}

	// Setup logging
	var writer io.Writer = zerolog.NewConsoleWriter()
	if cfg.Config.Logging.Format == "json" {
		writer = os.Stdout
	}
	gLog := zerolog.New(writer).
		With().
		Timestamp().
		Logger()

	if cfg.Config.Logging.Verbose {
		log.Logger = gLog.Level(zerolog.DebugLevel)
	} else {
		log.Logger = gLog.Level(zerolog.InfoLevel)
	}

	log.Info().Msg("Squeeze - Online SQLite Table Compaction")
	log.Debug().Msg("Initializing telemetry")
	telemetry.InitializeTelemetry()
	if cfg.Config.Prometheus.Enabled {
		telemetry.ServeMetrics()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch {
	case *workerFlag:
		runWorker(ctx)
	case *tableFlag != "":
		runOnce(ctx)
	default:
		log.Fatal().Msg("Nothing to do: pass -table with -db for a one-shot squeeze, or -worker")
	}
}

func runOnce(ctx context.Context) {
	if *databaseFlag == "" {
		log.Fatal().Msg("A one-shot squeeze needs -db")
		return
	}

	db, err := engine.OpenDatabase(*databaseFlag)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open database")
		return
	}
	defer db.Close()

	e := engine.New(db, *databaseFlag, cfg.Config)
	if err := e.CleanupResidue(ctx); err != nil {
		log.Warn().Err(err).Msg("Residue cleanup failed")
	}

	err = e.SqueezeTable(ctx, engine.Options{
		Table:         *tableFlag,
		OrderingIndex: *orderingIndexFlag,
	})
	if err != nil {
		log.Fatal().Err(err).Str("table", *tableFlag).Msg("Squeeze failed")
		return
	}
	log.Info().Str("table", *tableFlag).Msg("Squeeze finished")
}

func runWorker(ctx context.Context) {
	if cfg.Config.RegistryPath == "" {
		log.Fatal().Msg("Worker mode needs registry_path in the configuration")
		return
	}

	registry, err := worker.OpenRegistry(cfg.Config.RegistryPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open table registry")
		return
	}
	defer registry.Close()

	w, err := worker.New(cfg.Config, registry)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize worker")
		return
	}

	if err := w.Run(ctx); err != nil && ctx.Err() == nil {
		log.Fatal().Err(err).Msg("Worker stopped with error")
	}
}
