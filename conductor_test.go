package conductor

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/testconductor/conductor/reporter"
)

// writeRunManifest writes a manifest whose harness script emits RESULT lines
// for every requested test, failing the space-separated names in failing.
func writeRunManifest(t *testing.T, dir, failing string) string {
	t.Helper()
	script := fmt.Sprintf(`#!/bin/sh
echo start
fails=%q
for t in "$@"; do
  verdict=pass
  for f in $fails; do
    if [ "$t" = "$f" ]; then verdict=fail; fi
  done
  echo "RESULT $t $verdict 0.1"
done
`, failing)
	scriptPath := filepath.Join(dir, "harness.sh")
	require.NoError(t, os.WriteFile(scriptPath, []byte(script), 0755))

	manifest := fmt.Sprintf(`
suites:
  - name: sample
    command: ["/bin/sh", %q]
    timeout: 10s
    tests: [alpha, beta]
    expectations:
      "*": [pass]
`, scriptPath)
	path := filepath.Join(dir, "suites.yaml")
	require.NoError(t, os.WriteFile(path, []byte(manifest), 0644))
	return path
}

func testConfig(t *testing.T, manifest string) *Config {
	t.Helper()
	return &Config{
		Manifest:     manifest,
		Jobs:         2,
		Retries:      1,
		SuiteTimeout: 30 * time.Second,
		OutputDir:    t.TempDir(),
		LogDir:       t.TempDir(),
		RunOnce:      true,
		Log:          log.Root(),
	}
}

func newTestConductor(t *testing.T, cfg *Config) *Conductor {
	t.Helper()
	c, err := New(context.Background(), cfg, "test", func(error) {})
	require.NoError(t, err)
	c.formatter = NewConsoleResultFormatter(cfg.Log, os.Stderr)
	return c
}

func TestRunOnceAllPass(t *testing.T) {
	dir := t.TempDir()
	manifest := writeRunManifest(t, dir, "none")
	cfg := testConfig(t, manifest)
	c := newTestConductor(t, cfg)

	require.NoError(t, c.Start(context.Background()))

	// Summary artifact exists and parses.
	data, err := os.ReadFile(filepath.Join(cfg.OutputDir, reporter.SummaryFileName))
	require.NoError(t, err)
	var summary reporter.Summary
	require.NoError(t, json.Unmarshal(data, &summary))
	assert.False(t, summary.OverallFailure)
	assert.Equal(t, 2, summary.Passed)

	// Raw suite log captured the harness output.
	entries, err := os.ReadDir(cfg.LogDir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	logData, err := os.ReadFile(filepath.Join(cfg.LogDir, entries[0].Name(), "sample.log"))
	require.NoError(t, err)
	assert.Contains(t, string(logData), "start")
}

func TestRunOnceUnexpectedFailure(t *testing.T) {
	dir := t.TempDir()
	manifest := writeRunManifest(t, dir, "beta")
	cfg := testConfig(t, manifest)
	c := newTestConductor(t, cfg)

	err := c.Start(context.Background())
	require.Error(t, err)
	assert.True(t, IsTestFailureError(err))
	assert.False(t, IsRuntimeError(err))
}

func TestWarnOnFailureDowngradesVerdict(t *testing.T) {
	dir := t.TempDir()
	manifest := writeRunManifest(t, dir, "beta")
	cfg := testConfig(t, manifest)
	cfg.WarnOnFailure = true
	c := newTestConductor(t, cfg)

	require.NoError(t, c.Start(context.Background()))
}

func TestTracingFileWritten(t *testing.T) {
	dir := t.TempDir()
	manifest := writeRunManifest(t, dir, "none")
	cfg := testConfig(t, manifest)
	cfg.TracingFile = filepath.Join(t.TempDir(), "trace.jsonl")
	c := newTestConductor(t, cfg)

	require.NoError(t, c.Start(context.Background()))

	data, err := os.ReadFile(cfg.TracingFile)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"run_started"`)
	assert.Contains(t, string(data), `"run_ended"`)
}

func TestMissingManifestIsRuntimeError(t *testing.T) {
	cfg := testConfig(t, filepath.Join(t.TempDir(), "missing.yaml"))
	_, err := New(context.Background(), cfg, "test", func(error) {})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to create registry")
}

func TestStopIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	manifest := writeRunManifest(t, dir, "none")
	cfg := testConfig(t, manifest)
	c := newTestConductor(t, cfg)

	require.NoError(t, c.Start(context.Background()))
	require.NoError(t, c.Stop(context.Background()))
	require.NoError(t, c.Stop(context.Background()))
	assert.True(t, c.Stopped())
	require.NoError(t, c.WaitForShutdown(context.Background()))
}
