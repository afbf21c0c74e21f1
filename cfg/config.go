package cfg

import (
	"flag"
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/gobwas/glob"
	"github.com/rs/zerolog/log"
)

// WorkerConfiguration controls the background squeeze worker
type WorkerConfiguration struct {
	NapTimeSeconds int      `toml:"nap_time_seconds"` // Sleep between eligibility scans
	Role           string   `toml:"role"`             // Identity used by auto-started workers
	Autostart      []string `toml:"autostart"`        // Glob patterns of database identifiers
}

// EngineConfiguration controls the rewrite engine itself
type EngineConfiguration struct {
	MaxExclusiveLockTimeMS int    `toml:"max_exclusive_lock_time_ms"` // 0 = unbounded
	EventMemoryBudgetBytes int64  `toml:"event_memory_budget_bytes"`  // Buffered CDC events before spilling
	CopyBatchBytes         int64  `toml:"copy_batch_bytes"`           // Initial-load batch budget
	SpillDir               string `toml:"spill_dir"`                  // Pebble spill store location ("" = os.TempDir)
}

// LoggingConfiguration controls logging behavior
type LoggingConfiguration struct {
	Verbose bool   `toml:"verbose"`
	Format  string `toml:"format"` // "console" or "json"
}

// PrometheusConfiguration for metrics
type PrometheusConfiguration struct {
	Enabled bool   `toml:"enabled"`
	Address string `toml:"address"`
	Port    int    `toml:"port"`
}

// Configuration is the main configuration structure
type Configuration struct {
	RegistryPath string `toml:"registry_path"` // Table registry database ("" disables the worker registry)

	Worker     WorkerConfiguration     `toml:"worker"`
	Engine     EngineConfiguration     `toml:"engine"`
	Logging    LoggingConfiguration    `toml:"logging"`
	Prometheus PrometheusConfiguration `toml:"prometheus"`

	autostart []glob.Glob
}

// Command line flags
var (
	ConfigPathFlag  = flag.String("config", "squeeze.toml", "Path to configuration file")
	NapTimeFlag     = flag.Int("nap-time", 0, "Worker nap time in seconds (overrides config)")
	MaxLockTimeFlag = flag.Int("max-lock-time", -1, "Max exclusive lock time in ms (overrides config, 0=unbounded)")
)

// Default configuration
var Config = &Configuration{
	RegistryPath: "",

	Worker: WorkerConfiguration{
		NapTimeSeconds: 60,
		Role:           "squeeze_worker",
		Autostart:      []string{},
	},

	Engine: EngineConfiguration{
		MaxExclusiveLockTimeMS: 0,                // Unbounded by default
		EventMemoryBudgetBytes: 64 * 1024 * 1024, // 64 MiB before events spill to disk
		CopyBatchBytes:         8 * 1024 * 1024,  // 8 MiB initial-load batches
		SpillDir:               "",
	},

	Logging: LoggingConfiguration{
		Verbose: false,
		Format:  "console",
	},

	Prometheus: PrometheusConfiguration{
		Enabled: false,
		Address: "0.0.0.0",
		Port:    9090,
	},
}

// Load loads configuration from file and applies CLI overrides
func Load(configPath string) error {
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			log.Info().Str("path", configPath).Msg("Loading configuration")
			if _, err := toml.DecodeFile(configPath, Config); err != nil {
				return fmt.Errorf("failed to decode config: %w", err)
			}
		} else {
			log.Warn().Str("path", configPath).Msg("Config file not found, using defaults")
		}
	}

	// Apply CLI overrides
	if *NapTimeFlag > 0 {
		Config.Worker.NapTimeSeconds = *NapTimeFlag
	}
	if *MaxLockTimeFlag >= 0 {
		Config.Engine.MaxExclusiveLockTimeMS = *MaxLockTimeFlag
	}

	return nil
}

// Validate checks configuration for errors and compiles the autostart patterns.
func Validate() error {
	if Config.Worker.NapTimeSeconds < 1 {
		return fmt.Errorf("worker nap time must be >= 1 second, got %d", Config.Worker.NapTimeSeconds)
	}

	if Config.Engine.MaxExclusiveLockTimeMS < 0 {
		return fmt.Errorf("max exclusive lock time must be >= 0 ms, got %d", Config.Engine.MaxExclusiveLockTimeMS)
	}

	if Config.Engine.EventMemoryBudgetBytes <= 0 {
		return fmt.Errorf("event memory budget must be positive, got %d", Config.Engine.EventMemoryBudgetBytes)
	}

	if Config.Engine.CopyBatchBytes <= 0 {
		return fmt.Errorf("copy batch budget must be positive, got %d", Config.Engine.CopyBatchBytes)
	}

	if Config.Worker.Role == "" {
		return fmt.Errorf("worker role must not be empty")
	}

	if Config.Prometheus.Enabled && (Config.Prometheus.Port < 1 || Config.Prometheus.Port > 65535) {
		return fmt.Errorf("invalid prometheus port: %d", Config.Prometheus.Port)
	}

	return Config.CompileAutostart()
}

// CompileAutostart compiles the autostart patterns. Validate calls this for
// the global configuration; hand-built configurations call it directly.
func (c *Configuration) CompileAutostart() error {
	c.autostart = c.autostart[:0]
	for _, pattern := range c.Worker.Autostart {
		g, err := glob.Compile(pattern)
		if err != nil {
			return fmt.Errorf("invalid autostart pattern %q: %w", pattern, err)
		}
		c.autostart = append(c.autostart, g)
	}
	return nil
}

// AutostartMatches reports whether the given database identifier is covered by
// the worker autostart list. Call Validate before using this.
func (c *Configuration) AutostartMatches(database string) bool {
	for _, g := range c.autostart {
		if g.Match(database) {
			return true
		}
	}
	return false
}
