package conductor

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/ethereum/go-ethereum/log"
	"github.com/urfave/cli/v2"

	"github.com/testconductor/conductor/flags"
)

// Config holds the application configuration
type Config struct {
	Manifest         string        // Path to the suite manifest
	Jobs             int           // Concurrent suites (0 = host default)
	KeepRunning      bool          // Retry without budget, never stop early
	Retries          int           // Retry budget per suite
	StopOnFailure    bool          // Stop retrying a suite on unexpected failure
	WarnOnFailure    bool          // Report failures but exit 0
	TotalTimeout     time.Duration // Global wall-clock budget (0 = none)
	SuiteTimeout     time.Duration // Default per-suite harness timeout
	TracingFile      string        // JSON-lines event trace destination
	Buildbot         bool          // Emit buildbot annotations on stdout
	OutputDir        string        // Directory for the summary artifact
	LogDir           string        // Directory for raw per-suite logs
	ProgressInterval time.Duration // Progress heartbeat period
	RunInterval      time.Duration // Interval between runs
	RunOnce          bool          // Exit after one run
	Log              log.Logger
}

// TOMLDuration parses human-readable durations from the config file.
type TOMLDuration time.Duration

func (t *TOMLDuration) UnmarshalText(b []byte) error {
	d, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	*t = TOMLDuration(d)
	return nil
}

// fileConfig mirrors the CLI flags in the optional TOML config file. Pointer
// fields distinguish "absent" from a zero value; an explicitly set CLI flag
// always wins over the file.
type fileConfig struct {
	Jobs             *int          `toml:"jobs"`
	KeepRunning      *bool         `toml:"keep_running"`
	Retries          *int          `toml:"retries"`
	StopOnFailure    *bool         `toml:"stop_on_failure"`
	WarnOnFailure    *bool         `toml:"warn_on_failure"`
	TotalTimeout     *TOMLDuration `toml:"total_timeout"`
	SuiteTimeout     *TOMLDuration `toml:"suite_timeout"`
	Tracing          *string       `toml:"tracing"`
	Buildbot         *bool         `toml:"buildbot"`
	OutputDir        *string       `toml:"output_dir"`
	LogDir           *string       `toml:"log_dir"`
	ProgressInterval *TOMLDuration `toml:"progress_interval"`
	RunInterval      *TOMLDuration `toml:"run_interval"`
}

// NewConfig creates a new Config from cli context
func NewConfig(ctx *cli.Context, logger log.Logger) (*Config, error) {
	if err := flags.CheckRequired(ctx); err != nil {
		return nil, fmt.Errorf("missing required flags: %w", err)
	}

	cfg := &Config{
		Manifest:         ctx.String(flags.Manifest.Name),
		Jobs:             ctx.Int(flags.Jobs.Name),
		KeepRunning:      ctx.Bool(flags.KeepRunning.Name),
		Retries:          ctx.Int(flags.Retries.Name),
		StopOnFailure:    ctx.Bool(flags.StopOnFailure.Name),
		WarnOnFailure:    ctx.Bool(flags.WarnOnFailure.Name),
		TotalTimeout:     ctx.Duration(flags.TotalTimeout.Name),
		SuiteTimeout:     ctx.Duration(flags.SuiteTimeout.Name),
		TracingFile:      ctx.String(flags.Tracing.Name),
		Buildbot:         ctx.Bool(flags.Buildbot.Name),
		OutputDir:        ctx.String(flags.OutputDir.Name),
		LogDir:           ctx.String(flags.LogDir.Name),
		ProgressInterval: ctx.Duration(flags.ProgressInterval.Name),
		RunInterval:      ctx.Duration(flags.RunInterval.Name),
		Log:              logger,
	}

	if path := ctx.String(flags.ConfigFile.Name); path != "" {
		if err := cfg.applyFile(ctx, path); err != nil {
			return nil, fmt.Errorf("failed to apply config file %s: %w", path, err)
		}
	}

	if cfg.Retries < 0 {
		return nil, fmt.Errorf("retries must be non-negative, got %d", cfg.Retries)
	}
	if cfg.Jobs < 0 {
		return nil, fmt.Errorf("jobs must be non-negative, got %d", cfg.Jobs)
	}

	// Resolve the absolute paths
	var err error
	cfg.Manifest, err = filepath.Abs(cfg.Manifest)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve absolute path for manifest: %w", err)
	}
	if cfg.OutputDir != "" {
		cfg.OutputDir, err = filepath.Abs(cfg.OutputDir)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve absolute path for output directory: %w", err)
		}
	}
	if cfg.LogDir != "" {
		cfg.LogDir, err = filepath.Abs(cfg.LogDir)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve absolute path for log directory: %w", err)
		}
	}

	cfg.RunOnce = cfg.RunInterval == 0
	return cfg, nil
}

// applyFile layers file values under the CLI: a file entry applies only when
// the matching flag was not set explicitly.
func (c *Config) applyFile(ctx *cli.Context, path string) error {
	var fc fileConfig
	if _, err := toml.DecodeFile(path, &fc); err != nil {
		return err
	}

	unset := func(f cli.Flag) bool { return !ctx.IsSet(f.Names()[0]) }

	if fc.Jobs != nil && unset(flags.Jobs) {
		c.Jobs = *fc.Jobs
	}
	if fc.KeepRunning != nil && unset(flags.KeepRunning) {
		c.KeepRunning = *fc.KeepRunning
	}
	if fc.Retries != nil && unset(flags.Retries) {
		c.Retries = *fc.Retries
	}
	if fc.StopOnFailure != nil && unset(flags.StopOnFailure) {
		c.StopOnFailure = *fc.StopOnFailure
	}
	if fc.WarnOnFailure != nil && unset(flags.WarnOnFailure) {
		c.WarnOnFailure = *fc.WarnOnFailure
	}
	if fc.TotalTimeout != nil && unset(flags.TotalTimeout) {
		c.TotalTimeout = time.Duration(*fc.TotalTimeout)
	}
	if fc.SuiteTimeout != nil && unset(flags.SuiteTimeout) {
		c.SuiteTimeout = time.Duration(*fc.SuiteTimeout)
	}
	if fc.Tracing != nil && unset(flags.Tracing) {
		c.TracingFile = *fc.Tracing
	}
	if fc.Buildbot != nil && unset(flags.Buildbot) {
		c.Buildbot = *fc.Buildbot
	}
	if fc.OutputDir != nil && unset(flags.OutputDir) {
		c.OutputDir = *fc.OutputDir
	}
	if fc.LogDir != nil && unset(flags.LogDir) {
		c.LogDir = *fc.LogDir
	}
	if fc.ProgressInterval != nil && unset(flags.ProgressInterval) {
		c.ProgressInterval = time.Duration(*fc.ProgressInterval)
	}
	if fc.RunInterval != nil && unset(flags.RunInterval) {
		c.RunInterval = time.Duration(*fc.RunInterval)
	}
	return nil
}
