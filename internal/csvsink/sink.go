// Package csvsink appends report records to CSV files. Column mapping is
// explicit per record type via the Record interface; there is no runtime
// field introspection, so column order is fixed at compile time.
package csvsink

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Record is one CSV row. Header and Row must return the same number of
// values in the same column order.
type Record interface {
	Header() []string
	Row() []string
}

// Sink writes records under a base directory. Each Write call appends; the
// header row is emitted only when the target file is new or empty.
type Sink struct {
	dir string
	mu  sync.Mutex
}

func New(dir string) *Sink {
	return &Sink{dir: dir}
}

// Write appends recs to filename, creating the file and its header on first
// use. A call with no records is a no-op.
func (s *Sink) Write(filename string, recs []Record) error {
	if len(recs) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	path := filepath.Join(s.dir, filename)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("csv sink %s: %w", filename, err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("csv sink %s: %w", filename, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("csv sink %s: %w", filename, err)
	}

	w := csv.NewWriter(f)
	if info.Size() == 0 {
		if err := w.Write(recs[0].Header()); err != nil {
			return fmt.Errorf("csv sink %s: header: %w", filename, err)
		}
	}
	for _, rec := range recs {
		if err := w.Write(rec.Row()); err != nil {
			return fmt.Errorf("csv sink %s: %w", filename, err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("csv sink %s: %w", filename, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("csv sink %s: %w", filename, err)
	}
	return nil
}
