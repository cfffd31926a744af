// Package registry loads the suite manifest: which harness commands exist,
// which tests they carry and what outcome is expected of each test.
package registry

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"gopkg.in/yaml.v3"

	"github.com/testconductor/conductor/expectation"
)

// Duration parses human-readable durations ("90s", "5m") from YAML.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// SuiteConfig is one manifest entry.
type SuiteConfig struct {
	Name    string            `yaml:"name"`
	Command []string          `yaml:"command"`
	Dir     string            `yaml:"dir"`
	Env     map[string]string `yaml:"env"`
	Timeout Duration          `yaml:"timeout"`
	Tests   []string          `yaml:"tests"`
	// Expectations maps test name (or "*") to flag strings, inline.
	Expectations map[string][]string `yaml:"expectations"`
	// ExpectationFile points at a standalone expectation YAML, resolved
	// relative to the manifest. Inline entries win on conflict.
	ExpectationFile string `yaml:"expectation_file"`
	Disabled        bool   `yaml:"disabled"`
}

type manifest struct {
	DefaultTimeout Duration      `yaml:"default_timeout"`
	Suites         []SuiteConfig `yaml:"suites"`
}

// Suite is a fully resolved manifest entry.
type Suite struct {
	Config       SuiteConfig
	Timeout      time.Duration
	Expectations *expectation.Map
}

// Config contains registry configuration.
type Config struct {
	Log            log.Logger
	ManifestFile   string
	DefaultTimeout time.Duration
}

// Registry holds the resolved suite set for one run.
type Registry struct {
	config Config
	suites []Suite
	mu     sync.RWMutex
}

// NewRegistry loads and validates the manifest.
func NewRegistry(cfg Config) (*Registry, error) {
	if cfg.ManifestFile == "" {
		return nil, fmt.Errorf("manifest file is required")
	}
	if cfg.Log == nil {
		cfg.Log = log.New()
		cfg.Log.Error("No logger provided, using default")
	}

	r := &Registry{config: cfg}
	if err := r.loadSuites(cfg.ManifestFile); err != nil {
		return nil, fmt.Errorf("failed to load manifest: %w", err)
	}
	cfg.Log.Debug("Registry loaded", "len(suites)", len(r.suites))
	return r, nil
}

// Suites returns the enabled suites in manifest order.
func (r *Registry) Suites() []Suite {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Suite, len(r.suites))
	copy(out, r.suites)
	return out
}

func (r *Registry) loadSuites(path string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read manifest %s: %w", path, err)
	}
	var m manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("failed to parse manifest %s: %w", path, err)
	}
	if len(m.Suites) == 0 {
		return fmt.Errorf("manifest %s declares no suites", path)
	}

	defaultTimeout := time.Duration(m.DefaultTimeout)
	if defaultTimeout == 0 {
		defaultTimeout = r.config.DefaultTimeout
	}

	seen := make(map[string]bool)
	baseDir := filepath.Dir(path)
	suites := make([]Suite, 0, len(m.Suites))
	for i, sc := range m.Suites {
		if err := validateSuite(i, sc, seen); err != nil {
			return err
		}
		seen[sc.Name] = true
		if sc.Disabled {
			r.config.Log.Info("Skipping disabled suite", "suite", sc.Name)
			continue
		}

		exp, err := buildExpectations(sc, baseDir)
		if err != nil {
			return fmt.Errorf("suite %q: %w", sc.Name, err)
		}

		timeout := time.Duration(sc.Timeout)
		if timeout == 0 {
			timeout = defaultTimeout
		}

		suites = append(suites, Suite{Config: sc, Timeout: timeout, Expectations: exp})
	}

	r.suites = suites
	return nil
}

func validateSuite(i int, sc SuiteConfig, seen map[string]bool) error {
	if sc.Name == "" {
		return fmt.Errorf("suite %d has no name", i)
	}
	if seen[sc.Name] {
		return fmt.Errorf("duplicate suite name %q", sc.Name)
	}
	if len(sc.Command) == 0 {
		return fmt.Errorf("suite %q has no command", sc.Name)
	}
	if len(sc.Tests) == 0 && !sc.Disabled {
		return fmt.Errorf("suite %q declares no tests", sc.Name)
	}
	return nil
}

// buildExpectations combines the optional expectation file with the inline
// entries, inline winning per test.
func buildExpectations(sc SuiteConfig, baseDir string) (*expectation.Map, error) {
	inline, err := expectation.FromFlags(sc.Expectations)
	if err != nil {
		return nil, err
	}
	if sc.ExpectationFile == "" {
		return inline, nil
	}

	file := sc.ExpectationFile
	if !filepath.IsAbs(file) {
		file = filepath.Join(baseDir, file)
	}
	loaded, err := expectation.Load(file)
	if err != nil {
		return nil, err
	}
	return loaded.Merge(inline), nil
}
