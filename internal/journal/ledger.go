// Package journal records the terminal outcome of every table in append-only
// ledger files. The success ledgers are the only source of truth for "this
// table is done"; a resume run is computed from them.
package journal

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/reloquent/tableshift/internal/catalog"
	"github.com/reloquent/tableshift/internal/fault"
)

// Record is the terminal outcome of one table.
type Record struct {
	Key      string
	UnitID   string
	RowCount uint64
	Failed   bool
	Cause    string
}

// Success builds a success record.
func Success(it catalog.WorkItem, rows uint64) Record {
	return Record{Key: it.Key, UnitID: it.UnitID, RowCount: rows}
}

// Failure builds a failure record.
func Failure(it catalog.WorkItem, err error) Record {
	return Record{Key: it.Key, UnitID: it.UnitID, Failed: true, Cause: fault.Cause(err)}
}

// fields renders the record as a ledger line:
// success  key,unitId,rowCount
// failure  key,unitId[:cause]
func (r Record) fields() []string {
	if r.Failed {
		id := r.UnitID
		if r.Cause != "" {
			id += ":" + r.Cause
		}
		return []string{r.Key, id}
	}
	return []string{r.Key, r.UnitID, strconv.FormatUint(r.RowCount, 10)}
}

func parseRecord(rec []string, failed bool) (Record, error) {
	if len(rec) < 2 || rec[0] == "" {
		return Record{}, fmt.Errorf("short ledger line %q", strings.Join(rec, ","))
	}
	r := Record{Key: rec[0], Failed: failed}
	if failed {
		r.UnitID, r.Cause, _ = strings.Cut(strings.Join(rec[1:], ","), ":")
		return r, nil
	}
	r.UnitID = rec[1]
	if len(rec) > 2 {
		n, err := strconv.ParseUint(strings.TrimSpace(rec[2]), 10, 64)
		if err != nil {
			return Record{}, fmt.Errorf("row count for %s: %w", r.Key, err)
		}
		r.RowCount = n
	}
	return r, nil
}

// ReadRecords reads every record in a ledger. A missing file has no records.
func ReadRecords(path string, failed bool) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("opening ledger %s: %w", path, err)
	}
	defer f.Close()

	cr := csv.NewReader(f)
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true

	var out []Record
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading ledger %s: %w", path, err)
		}
		r, err := parseRecord(rec, failed)
		if err != nil {
			// A torn final line from a killed process is skipped; the table
			// is simply not done.
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

// ReadKeys returns the set of keys recorded in the given ledgers.
func ReadKeys(failed bool, paths ...string) (map[string]bool, error) {
	keys := make(map[string]bool)
	for _, p := range paths {
		recs, err := ReadRecords(p, failed)
		if err != nil {
			return nil, err
		}
		for _, r := range recs {
			keys[r.Key] = true
		}
	}
	return keys, nil
}

// Ledger is an open, append-only ledger file.
type Ledger struct {
	path   string
	failed bool
	f      *os.File
	w      *csv.Writer
	keys   map[string]bool
}

// Open opens path for appending, loading the keys already present.
func Open(path string, failed bool) (*Ledger, error) {
	keys, err := ReadKeys(failed, path)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating ledger directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening ledger %s: %w", path, err)
	}
	if err := terminate(f); err != nil {
		f.Close()
		return nil, fmt.Errorf("repairing ledger %s: %w", path, err)
	}
	return &Ledger{path: path, failed: failed, f: f, w: csv.NewWriter(f), keys: keys}, nil
}

// terminate ends a torn final line so the next record starts on its own.
func terminate(f *os.File) error {
	info, err := f.Stat()
	if err != nil || info.Size() == 0 {
		return err
	}
	last := make([]byte, 1)
	if _, err := f.ReadAt(last, info.Size()-1); err != nil {
		return err
	}
	if last[0] == '\n' {
		return nil
	}
	_, err = f.Write([]byte{'\n'})
	return err
}

// Path returns the ledger file path.
func (l *Ledger) Path() string { return l.path }

// Contains reports whether key already has a record.
func (l *Ledger) Contains(key string) bool { return l.keys[key] }

// Len returns the number of distinct keys recorded.
func (l *Ledger) Len() int { return len(l.keys) }

// Append writes r unless its key is already present. It reports whether the
// record was written. Each append is flushed and synced.
func (l *Ledger) Append(r Record) (bool, error) {
	if r.Failed != l.failed {
		return false, fmt.Errorf("record for %s does not belong in %s", r.Key, l.path)
	}
	if l.keys[r.Key] {
		return false, nil
	}
	if err := l.w.Write(r.fields()); err != nil {
		return false, fmt.Errorf("appending to %s: %w", l.path, err)
	}
	l.w.Flush()
	if err := l.w.Error(); err != nil {
		return false, fmt.Errorf("appending to %s: %w", l.path, err)
	}
	if err := l.f.Sync(); err != nil {
		return false, fmt.Errorf("syncing %s: %w", l.path, err)
	}
	l.keys[r.Key] = true
	return true, nil
}

// Close closes the file.
func (l *Ledger) Close() error {
	return l.f.Close()
}

// Combine merges success ledgers into dst, one line per key, replacing dst.
// It returns the number of records written.
func Combine(dst string, srcs ...string) (int, error) {
	seen := make(map[string]bool)
	var all []Record
	for _, src := range srcs {
		recs, err := ReadRecords(src, false)
		if err != nil {
			return 0, err
		}
		for _, r := range recs {
			if seen[r.Key] {
				continue
			}
			seen[r.Key] = true
			all = append(all, r)
		}
	}

	tmp := dst + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return 0, fmt.Errorf("creating %s: %w", tmp, err)
	}
	w := csv.NewWriter(f)
	for _, r := range all {
		if err := w.Write(r.fields()); err != nil {
			f.Close()
			return 0, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		f.Close()
		return 0, err
	}
	if err := f.Close(); err != nil {
		return 0, err
	}
	if err := os.Rename(tmp, dst); err != nil {
		return 0, fmt.Errorf("replacing %s: %w", dst, err)
	}
	return len(all), nil
}
