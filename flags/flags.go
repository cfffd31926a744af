// Package flags declares the CLI surface of conductor.
package flags

import (
	"fmt"
	"strings"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/testconductor/conductor/driver"
	"github.com/testconductor/conductor/reporter"
)

const EnvVarPrefix = "CONDUCTOR"

// prefixEnvVars derives the single environment variable for a flag name:
// "total-timeout" becomes "CONDUCTOR_TOTAL_TIMEOUT".
func prefixEnvVars(name string) []string {
	return []string{EnvVarPrefix + "_" + strings.ToUpper(strings.ReplaceAll(name, "-", "_"))}
}

var (
	Manifest = &cli.StringFlag{
		Name:     "manifest",
		Value:    "",
		Required: true,
		EnvVars:  prefixEnvVars("manifest"),
		Usage:    "Path to the suite manifest file (eg. 'suites.yaml')",
	}
	Jobs = &cli.IntFlag{
		Name:    "jobs",
		Aliases: []string{"j"},
		Value:   0,
		EnvVars: prefixEnvVars("jobs"),
		Usage:   "Number of suites to run concurrently. 0 selects a host-appropriate default.",
	}
	KeepRunning = &cli.BoolFlag{
		Name:    "keep-running",
		Value:   false,
		EnvVars: prefixEnvVars("keep-running"),
		Usage:   "Retry unresolved tests without a budget and never stop early on unexpected failures",
	}
	Retries = &cli.IntFlag{
		Name:    "retries",
		Value:   driver.DefaultMaxRetries,
		EnvVars: prefixEnvVars("retries"),
		Usage:   "Retry budget per suite after the initial run",
	}
	StopOnFailure = &cli.BoolFlag{
		Name:    "stop-on-failure",
		Value:   false,
		EnvVars: prefixEnvVars("stop-on-failure"),
		Usage:   "Stop retrying a suite once an unexpected failure has been observed",
	}
	WarnOnFailure = &cli.BoolFlag{
		Name:    "warn-on-failure",
		Value:   false,
		EnvVars: prefixEnvVars("warn-on-failure"),
		Usage:   "Report failures but exit 0 anyway",
	}
	TotalTimeout = &cli.DurationFlag{
		Name:    "total-timeout",
		Value:   0,
		EnvVars: prefixEnvVars("total-timeout"),
		Usage:   "Wall-clock budget for the whole run (e.g. '2h'). 0 disables the global deadline.",
	}
	SuiteTimeout = &cli.DurationFlag{
		Name:    "suite-timeout",
		Value:   10 * time.Minute,
		EnvVars: prefixEnvVars("suite-timeout"),
		Usage:   "Default per-suite harness timeout for manifest entries without one",
	}
	Tracing = &cli.StringFlag{
		Name:    "tracing",
		Value:   "",
		EnvVars: prefixEnvVars("tracing"),
		Usage:   "Write a machine-readable JSON-lines event trace to FILE",
	}
	Buildbot = &cli.BoolFlag{
		Name:    "buildbot",
		Value:   false,
		EnvVars: prefixEnvVars("buildbot"),
		Usage:   "Emit buildbot annotations on stdout for CI log scrapers",
	}
	OutputDir = &cli.StringFlag{
		Name:    "output-dir",
		Value:   "",
		EnvVars: prefixEnvVars("output-dir"),
		Usage:   "Directory for the run summary artifact",
	}
	LogDir = &cli.StringFlag{
		Name:    "log-dir",
		Value:   "",
		EnvVars: prefixEnvVars("log-dir"),
		Usage:   "Directory for raw per-suite harness logs",
	}
	LogLevel = &cli.StringFlag{
		Name:    "log-level",
		Value:   "info",
		EnvVars: prefixEnvVars("log-level"),
		Usage:   "Lowest log level that will be output",
	}
	ConfigFile = &cli.StringFlag{
		Name:    "config",
		Value:   "",
		EnvVars: prefixEnvVars("config"),
		Usage:   "Path to a TOML config file supplying flag defaults",
	}
	ProgressInterval = &cli.DurationFlag{
		Name:    "progress-interval",
		Value:   reporter.DefaultProgressInterval,
		EnvVars: prefixEnvVars("progress-interval"),
		Usage:   "Heartbeat period of the progress log. 0 disables the heartbeat.",
	}
	RunInterval = &cli.DurationFlag{
		Name:    "run-interval",
		Value:   0,
		EnvVars: prefixEnvVars("run-interval"),
		Usage:   "Interval between runs (e.g. '1h', '30m'). Set to 0 or omit for run-once mode.",
	}
)

var requiredFlags = []cli.Flag{
	Manifest,
}

var optionalFlags = []cli.Flag{
	Jobs,
	KeepRunning,
	Retries,
	StopOnFailure,
	WarnOnFailure,
	TotalTimeout,
	SuiteTimeout,
	Tracing,
	Buildbot,
	OutputDir,
	LogDir,
	LogLevel,
	ConfigFile,
	ProgressInterval,
	RunInterval,
}

var Flags []cli.Flag

func init() {
	Flags = append(requiredFlags, optionalFlags...)
}

func CheckRequired(ctx *cli.Context) error {
	for _, f := range requiredFlags {
		if !ctx.IsSet(f.Names()[0]) {
			return fmt.Errorf("flag %s is required", f.Names()[0])
		}
	}
	return nil
}
