// Package expectation models the declared outcome database: which status each
// test is expected to end with, plus independent attributes such as LARGE.
package expectation

import (
	"fmt"
	"sort"
	"strings"
)

// Wildcard is the map key that provides the suite-wide default for tests
// without an explicit entry.
const Wildcard = "*"

// Status is the single declared outcome of a test. A FlagSet carries at most
// one status.
type Status int

const (
	StatusPass Status = iota
	StatusFlaky
	StatusFail
	StatusTimeout
	StatusNotSupported
)

func (s Status) String() string {
	switch s {
	case StatusPass:
		return "pass"
	case StatusFlaky:
		return "flaky"
	case StatusFail:
		return "fail"
	case StatusTimeout:
		return "timeout"
	case StatusNotSupported:
		return "notsupported"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// NeverRuns reports whether a test with this status is expected to never be
// executed by the harness at all.
func (s Status) NeverRuns() bool {
	return s == StatusTimeout || s == StatusNotSupported
}

// Attr is an independent test attribute. Attributes never conflict with each
// other or with the status.
type Attr int

const (
	AttrLarge Attr = iota
)

func (a Attr) String() string {
	switch a {
	case AttrLarge:
		return "large"
	default:
		return fmt.Sprintf("attr(%d)", int(a))
	}
}

// FlagSet combines at most one status with a set of attributes. The zero
// value specifies nothing: no status and no attributes.
type FlagSet struct {
	status   Status
	explicit bool
	attrs    map[Attr]struct{}
}

// New returns a FlagSet carrying the given status and attributes.
func New(status Status, attrs ...Attr) FlagSet {
	f := FlagSet{status: status, explicit: true}
	for _, a := range attrs {
		f = f.WithAttr(a)
	}
	return f
}

// Attrs returns a FlagSet carrying only attributes, leaving the status
// unspecified so that an override does not clobber a lower layer's status.
func Attrs(attrs ...Attr) FlagSet {
	var f FlagSet
	for _, a := range attrs {
		f = f.WithAttr(a)
	}
	return f
}

// Status returns the declared status. Unspecified FlagSets default to PASS.
func (f FlagSet) Status() Status {
	if !f.explicit {
		return StatusPass
	}
	return f.status
}

// HasStatus reports whether the FlagSet carries an explicit status.
func (f FlagSet) HasStatus() bool {
	return f.explicit
}

// HasAttr reports whether the attribute is set.
func (f FlagSet) HasAttr(a Attr) bool {
	_, ok := f.attrs[a]
	return ok
}

// WithAttr returns a copy of f with the attribute added.
func (f FlagSet) WithAttr(a Attr) FlagSet {
	attrs := make(map[Attr]struct{}, len(f.attrs)+1)
	for k := range f.attrs {
		attrs[k] = struct{}{}
	}
	attrs[a] = struct{}{}
	f.attrs = attrs
	return f
}

// OverrideWith layers other on top of f: the status is replaced only when
// other specifies one, and the attribute sets are unioned.
func (f FlagSet) OverrideWith(other FlagSet) FlagSet {
	out := f
	if other.explicit {
		out.status = other.status
		out.explicit = true
	}
	for a := range other.attrs {
		out = out.WithAttr(a)
	}
	return out
}

func (f FlagSet) String() string {
	parts := []string{f.Status().String()}
	attrs := make([]string, 0, len(f.attrs))
	for a := range f.attrs {
		attrs = append(attrs, a.String())
	}
	sort.Strings(attrs)
	parts = append(parts, attrs...)
	return strings.Join(parts, "+")
}

// Map resolves test names to declared FlagSets. A Wildcard entry acts as the
// suite-wide default for unlisted tests; the global default below the
// wildcard is an unconditional PASS.
type Map struct {
	entries  map[string]FlagSet
	wildcard FlagSet
}

// NewMap builds a Map from explicit entries. The Wildcard key, when present,
// is split out as the suite default.
func NewMap(entries map[string]FlagSet) *Map {
	m := &Map{entries: make(map[string]FlagSet, len(entries))}
	for name, f := range entries {
		if name == Wildcard {
			m.wildcard = f
			continue
		}
		m.entries[name] = f
	}
	return m
}

// Set adds or replaces the entry for a test (or the wildcard).
func (m *Map) Set(name string, f FlagSet) {
	if name == Wildcard {
		m.wildcard = f
		return
	}
	m.entries[name] = f
}

// Resolve returns the effective FlagSet for a test, cascading the global
// default, the wildcard entry and the per-test entry. It never fails.
func (m *Map) Resolve(name string) FlagSet {
	f := New(StatusPass).OverrideWith(m.wildcard)
	if e, ok := m.entries[name]; ok {
		f = f.OverrideWith(e)
	}
	return f
}

// Merge layers other on top of m and returns the combined map. Entries
// present in both are combined with OverrideWith; neither input is modified.
func (m *Map) Merge(other *Map) *Map {
	out := &Map{
		entries:  make(map[string]FlagSet, len(m.entries)+len(other.entries)),
		wildcard: m.wildcard.OverrideWith(other.wildcard),
	}
	for name, f := range m.entries {
		out.entries[name] = f
	}
	for name, f := range other.entries {
		out.entries[name] = out.entries[name].OverrideWith(f)
	}
	return out
}

// Names returns the explicitly listed test names, sorted.
func (m *Map) Names() []string {
	names := make([]string, 0, len(m.entries))
	for name := range m.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len is the number of explicit (non-wildcard) entries.
func (m *Map) Len() int {
	return len(m.entries)
}
