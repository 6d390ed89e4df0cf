package catalog

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/reloquent/tableshift/internal/config"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func sampleItems() []WorkItem {
	return []WorkItem{
		{Key: "HR.EMP", RowCount: 100, Weight: 500, UnitID: "11", Kind: KindBase},
		{Key: "HR.DEPT", RowCount: 10, Weight: 600, UnitID: "12", Kind: KindForeign},
		{Key: "HR.EMPTY", RowCount: 0, Weight: 0, UnitID: "13", Kind: KindBase},
	}
}

func TestReadItems(t *testing.T) {
	input := "HR.EMP,100,500,11,BASE\nHR.DEPT,10,600,12\n\nHR.LOG,5,20,14,sequential\n"
	items, err := ReadItems(strings.NewReader(input))
	if err != nil {
		t.Fatalf("ReadItems: %v", err)
	}
	if len(items) != 3 {
		t.Fatalf("expected 3 items, got %d", len(items))
	}
	if items[1].Kind != KindBase {
		t.Errorf("missing kind should default to BASE, got %s", items[1].Kind)
	}
	if items[2].Kind != KindSequential {
		t.Errorf("expected SEQUENTIAL, got %s", items[2].Kind)
	}
	if items[0].Weight != 500 || items[0].RowCount != 100 || items[0].UnitID != "11" {
		t.Errorf("unexpected first item %+v", items[0])
	}
}

func TestReadItems_Malformed(t *testing.T) {
	tests := []string{
		"HR.EMP,100,500\n",
		"HR.EMP,abc,500,11\n",
		"HR.EMP,1,-5,11\n",
	}
	for _, input := range tests {
		if _, err := ReadItems(strings.NewReader(input)); err == nil {
			t.Errorf("expected error for %q", input)
		}
	}
}

func TestSaveAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "catalog.list")
	cat, err := New(sampleItems())
	if err != nil {
		t.Fatal(err)
	}
	if err := cat.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Len() != 3 {
		t.Fatalf("expected 3 items, got %d", loaded.Len())
	}
	it, ok := loaded.Lookup("HR.DEPT")
	if !ok {
		t.Fatal("HR.DEPT missing")
	}
	if it.Kind != KindForeign || it.Weight != 600 {
		t.Errorf("unexpected item %+v", it)
	}

	entries, _ := os.ReadDir(filepath.Dir(path))
	if len(entries) != 1 {
		t.Errorf("expected only the catalog file, found %d entries", len(entries))
	}
}

func TestDuplicateKey(t *testing.T) {
	items := append(sampleItems(), WorkItem{Key: "HR.EMP", Weight: 1, RowCount: 1})
	_, err := New(items)
	var dup *DuplicateKeyError
	if !errors.As(err, &dup) {
		t.Fatalf("expected DuplicateKeyError, got %v", err)
	}
	if dup.Key != "HR.EMP" {
		t.Errorf("expected key HR.EMP, got %s", dup.Key)
	}
}

func TestSplit(t *testing.T) {
	items := append(sampleItems(), WorkItem{Key: "HR.ZERO_ROWS", RowCount: 0, Weight: 65536, UnitID: "20"})
	cat, _ := New(items)
	work, empty := cat.Split()
	if len(work) != 2 {
		t.Errorf("expected 2 work items, got %d", len(work))
	}
	if len(empty) != 2 {
		t.Errorf("expected 2 empty items, got %d", len(empty))
	}
}

func TestOwnerAndName(t *testing.T) {
	it := WorkItem{Key: "SALES.ORDERS.2024"}
	if it.Owner() != "SALES" || it.Name() != "ORDERS.2024" {
		t.Errorf("unexpected split %q / %q", it.Owner(), it.Name())
	}
	bare := WorkItem{Key: "ORDERS"}
	if bare.Name() != "ORDERS" {
		t.Errorf("expected bare key to be its own name, got %q", bare.Name())
	}
}

func TestFilter(t *testing.T) {
	f := Filter{Include: []string{"HR", "SALES.ORD*"}, Exclude: []string{"HR.TMP_*"}}
	tests := []struct {
		key  string
		want bool
	}{
		{"HR.EMP", true},
		{"HR.TMP_LOAD", false},
		{"SALES.ORDERS", true},
		{"SALES.CUSTOMERS", false},
		{"SYS.OBJ$", false},
		{"pg_catalog.pg_class", false},
	}
	for _, tt := range tests {
		if got := f.Match(tt.key); got != tt.want {
			t.Errorf("Match(%q) = %v, want %v", tt.key, got, tt.want)
		}
	}

	all := Filter{}
	if !all.Match("public.orders") {
		t.Error("empty filter should include user tables")
	}
}

func TestEnsure_BuildsWhenMissing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.list")
	d := NewMockDiscoverer(sampleItems())

	cat, err := Ensure(context.Background(), d, path, true, quietLogger())
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if cat.Len() != 3 {
		t.Errorf("expected 3 items, got %d", cat.Len())
	}
	keys := cat.Keys()
	if keys[0] != "HR.DEPT" || keys[2] != "HR.EMPTY" {
		t.Errorf("expected items sorted by key, got %v", keys)
	}
	if d.DiscoverCalls != 1 {
		t.Errorf("expected one discovery, got %d", d.DiscoverCalls)
	}
}

func TestEnsure_ReusesMatchingCatalog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.list")
	d := NewMockDiscoverer(sampleItems())
	if _, err := Ensure(context.Background(), d, path, false, quietLogger()); err != nil {
		t.Fatal(err)
	}

	d.Items = append(d.Items[:2:2], WorkItem{Key: "HR.NEW", Weight: 1, RowCount: 1})
	cat, err := Ensure(context.Background(), d, path, true, quietLogger())
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if _, ok := cat.Lookup("HR.EMPTY"); !ok {
		t.Error("expected reused catalog to keep HR.EMPTY")
	}
	if d.DiscoverCalls != 1 {
		t.Errorf("expected discovery to be skipped on reuse, got %d calls", d.DiscoverCalls)
	}
}

func TestEnsure_RebuildsOnCountChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.list")
	d := NewMockDiscoverer(sampleItems())
	if _, err := Ensure(context.Background(), d, path, false, quietLogger()); err != nil {
		t.Fatal(err)
	}

	d.Items = append(d.Items, WorkItem{Key: "HR.NEW", Weight: 1, RowCount: 1, UnitID: "30"})
	cat, err := Ensure(context.Background(), d, path, true, quietLogger())
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if cat.Len() != 4 {
		t.Errorf("expected rebuilt catalog with 4 items, got %d", cat.Len())
	}
}

func TestEnsure_CountMismatchIsFatal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.list")
	d := NewMockDiscoverer(sampleItems())
	d.SourceCount = 7

	if _, err := Ensure(context.Background(), d, path, false, quietLogger()); err == nil {
		t.Fatal("expected error when the catalog disagrees with the source count")
	}
}

func TestNewDiscoverer_Unsupported(t *testing.T) {
	_, err := NewDiscoverer(&config.SourceConfig{Type: "db2"})
	var unsupported *UnsupportedDBError
	if !errors.As(err, &unsupported) {
		t.Fatalf("expected UnsupportedDBError, got %v", err)
	}

	d, err := NewDiscoverer(&config.SourceConfig{Type: "oracle", Include: []string{"HR"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := d.(*Oracle); !ok {
		t.Errorf("expected *Oracle, got %T", d)
	}
}
