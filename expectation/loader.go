package expectation

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// fileFormat is the YAML shape of an expectation file:
//
//	tests:
//	  "*": [pass]
//	  TestReconnect: [flaky]
//	  TestHugeState: [pass, large]
type fileFormat struct {
	Tests map[string][]string `yaml:"tests"`
}

// Load reads an expectation file from disk.
func Load(path string) (*Map, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read expectation file %q: %w", path, err)
	}
	m, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("invalid expectation file %q: %w", path, err)
	}
	return m, nil
}

// Parse decodes expectation YAML into a Map.
func Parse(data []byte) (*Map, error) {
	var file fileFormat
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse expectation YAML: %w", err)
	}
	return FromFlags(file.Tests)
}

// FromFlags builds a Map from test-name -> flag-name lists, rejecting entries
// that declare more than one status.
func FromFlags(tests map[string][]string) (*Map, error) {
	entries := make(map[string]FlagSet, len(tests))
	for name, flagNames := range tests {
		f, err := parseFlags(flagNames)
		if err != nil {
			return nil, fmt.Errorf("test %q: %w", name, err)
		}
		entries[name] = f
	}
	return NewMap(entries), nil
}

var statusNames = map[string]Status{
	"pass":          StatusPass,
	"flaky":         StatusFlaky,
	"fail":          StatusFail,
	"timeout":       StatusTimeout,
	"notsupported":  StatusNotSupported,
	"not_supported": StatusNotSupported,
}

func parseFlags(names []string) (FlagSet, error) {
	var f FlagSet
	for _, name := range names {
		if status, ok := statusNames[name]; ok {
			if f.HasStatus() {
				return FlagSet{}, fmt.Errorf("conflicting statuses: %q declared after %q", name, f.Status())
			}
			f = f.OverrideWith(New(status))
			continue
		}
		switch name {
		case "large":
			f = f.WithAttr(AttrLarge)
		default:
			return FlagSet{}, fmt.Errorf("unknown expectation flag %q", name)
		}
	}
	return f, nil
}
