package reporter

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/acarl005/stripansi"
)

// SuiteLogs hands out one raw log file per suite under a run directory.
// Harness output frequently carries ANSI color codes; everything written
// through a suite writer is stripped before it hits disk.
type SuiteLogs struct {
	dir string

	mu    sync.Mutex
	files map[string]*os.File
}

// NewSuiteLogs creates the log directory and a writer factory for it.
func NewSuiteLogs(dir string) (*SuiteLogs, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory %s: %w", dir, err)
	}
	return &SuiteLogs{dir: dir, files: make(map[string]*os.File)}, nil
}

// Dir returns the directory log files are written into.
func (l *SuiteLogs) Dir() string {
	return l.dir
}

// Writer returns the raw log writer for a suite, creating the file on first
// use. The writer is safe for concurrent use.
func (l *SuiteLogs) Writer(suite string) (io.Writer, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	f, ok := l.files[suite]
	if !ok {
		path := filepath.Join(l.dir, safeFilename(suite)+".log")
		var err error
		f, err = os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open suite log %s: %w", path, err)
		}
		l.files[suite] = f
	}
	return &stripWriter{logs: l, f: f}, nil
}

// Close flushes and closes every open suite log.
func (l *SuiteLogs) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	var firstErr error
	for suite, f := range l.files {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to close suite log for %s: %w", suite, err)
		}
		delete(l.files, suite)
	}
	return firstErr
}

type stripWriter struct {
	logs *SuiteLogs
	f    *os.File
}

func (w *stripWriter) Write(p []byte) (int, error) {
	clean := stripansi.Strip(string(p))
	w.logs.mu.Lock()
	defer w.logs.mu.Unlock()
	if _, err := w.f.WriteString(clean); err != nil {
		return 0, err
	}
	// Report the original length so callers never see a short write from
	// the stripping.
	return len(p), nil
}

// safeFilename replaces path-hostile characters in a suite name.
func safeFilename(s string) string {
	r := strings.NewReplacer("/", "_", "\\", "_", ":", "_", " ", "_")
	return r.Replace(s)
}
