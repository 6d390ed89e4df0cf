package catalog

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// List files hold one item per line: key,rowCount,weightBytes,unitId[,kind].
// The catalog, every batch file and the unassignable list share this format.

// ReadItems parses a list from r.
func ReadItems(r io.Reader) ([]WorkItem, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	var items []WorkItem
	line := 0
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if len(rec) == 1 && strings.TrimSpace(rec[0]) == "" {
			continue
		}
		if len(rec) < 4 {
			return nil, fmt.Errorf("line %d: expected at least 4 fields, got %d", line, len(rec))
		}
		rows, err := strconv.ParseUint(strings.TrimSpace(rec[1]), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("line %d: row count: %w", line, err)
		}
		weight, err := strconv.ParseUint(strings.TrimSpace(rec[2]), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("line %d: weight: %w", line, err)
		}
		it := WorkItem{
			Key:      strings.TrimSpace(rec[0]),
			RowCount: rows,
			Weight:   weight,
			UnitID:   strings.TrimSpace(rec[3]),
			Kind:     KindBase,
		}
		if len(rec) > 4 {
			it.Kind = ParseKind(rec[4])
		}
		items = append(items, it)
	}
	return items, nil
}

// WriteItems writes items to w in list format.
func WriteItems(w io.Writer, items []WorkItem) error {
	cw := csv.NewWriter(w)
	for _, it := range items {
		kind := it.Kind
		if kind == "" {
			kind = KindBase
		}
		rec := []string{
			it.Key,
			strconv.FormatUint(it.RowCount, 10),
			strconv.FormatUint(it.Weight, 10),
			it.UnitID,
			string(kind),
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// ReadFile reads a list file.
func ReadFile(path string) ([]WorkItem, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	items, err := ReadItems(f)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return items, nil
}

// WriteFile replaces path with items. The file is written to a temporary
// name first and renamed into place.
func WriteFile(path string, items []WorkItem) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating directory for %s: %w", path, err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp*")
	if err != nil {
		return fmt.Errorf("creating temp file for %s: %w", path, err)
	}
	defer os.Remove(tmp.Name())

	if err := WriteItems(tmp, items); err != nil {
		tmp.Close()
		return fmt.Errorf("writing %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing %s: %w", path, err)
	}
	return os.Rename(tmp.Name(), path)
}

// Load reads a catalog file and validates key uniqueness.
func Load(path string) (*Catalog, error) {
	items, err := ReadFile(path)
	if err != nil {
		return nil, err
	}
	return New(items)
}

// Save writes the catalog to path.
func (c *Catalog) Save(path string) error {
	return WriteFile(path, c.items)
}
