// Package catalog holds the list of tables to migrate and the metadata the
// orchestrator needs to plan the work: a size weight and a row count.
package catalog

import (
	"sort"
	"strings"
)

// Kind classifies a table by how it has to be unloaded.
type Kind string

const (
	KindBase       Kind = "BASE"
	KindForeign    Kind = "FOREIGN"
	KindSequential Kind = "SEQUENTIAL"
)

// ParseKind maps a catalog column to a Kind. Blank or unknown values are BASE.
func ParseKind(s string) Kind {
	switch Kind(strings.ToUpper(strings.TrimSpace(s))) {
	case KindForeign:
		return KindForeign
	case KindSequential:
		return KindSequential
	default:
		return KindBase
	}
}

// WorkItem is one table.
type WorkItem struct {
	Key      string `json:"key" yaml:"key"` // owner.name
	RowCount uint64 `json:"row_count" yaml:"row_count"`
	Weight   uint64 `json:"weight" yaml:"weight"` // bytes
	UnitID   string `json:"unit_id" yaml:"unit_id"`
	Kind     Kind   `json:"kind" yaml:"kind"`
}

// Empty reports whether the table has nothing to unload.
func (w WorkItem) Empty() bool {
	return w.RowCount == 0 || w.Weight == 0
}

// Owner returns the schema part of the key.
func (w WorkItem) Owner() string {
	owner, _, _ := strings.Cut(w.Key, ".")
	return owner
}

// Name returns the table part of the key.
func (w WorkItem) Name() string {
	owner, name, found := strings.Cut(w.Key, ".")
	if !found {
		return owner
	}
	return name
}

// Catalog is an ordered, key-unique list of work items. It is not modified
// after construction.
type Catalog struct {
	items []WorkItem
	index map[string]int
}

// New builds a catalog, rejecting duplicate keys.
func New(items []WorkItem) (*Catalog, error) {
	c := &Catalog{
		items: make([]WorkItem, len(items)),
		index: make(map[string]int, len(items)),
	}
	copy(c.items, items)
	for i, it := range c.items {
		if _, dup := c.index[it.Key]; dup {
			return nil, &DuplicateKeyError{Key: it.Key}
		}
		if it.Kind == "" {
			c.items[i].Kind = KindBase
		}
		c.index[it.Key] = i
	}
	return c, nil
}

// Len returns the number of items.
func (c *Catalog) Len() int { return len(c.items) }

// Items returns a copy of the items in catalog order.
func (c *Catalog) Items() []WorkItem {
	out := make([]WorkItem, len(c.items))
	copy(out, c.items)
	return out
}

// Keys returns the keys in catalog order.
func (c *Catalog) Keys() []string {
	keys := make([]string, len(c.items))
	for i, it := range c.items {
		keys[i] = it.Key
	}
	return keys
}

// Lookup finds an item by key.
func (c *Catalog) Lookup(key string) (WorkItem, bool) {
	i, ok := c.index[key]
	if !ok {
		return WorkItem{}, false
	}
	return c.items[i], true
}

// Split separates items that need unloading from the empty ones.
func (c *Catalog) Split() (work, empty []WorkItem) {
	for _, it := range c.items {
		if it.Empty() {
			empty = append(empty, it)
		} else {
			work = append(work, it)
		}
	}
	return work, empty
}

// Select returns the items whose keys are in keys, in catalog order. Keys not
// in the catalog are ignored.
func (c *Catalog) Select(keys map[string]bool) []WorkItem {
	var out []WorkItem
	for _, it := range c.items {
		if keys[it.Key] {
			out = append(out, it)
		}
	}
	return out
}

// TotalWeight returns the sum of all weights.
func TotalWeight(items []WorkItem) uint64 {
	var total uint64
	for _, it := range items {
		total += it.Weight
	}
	return total
}

// TotalRows returns the sum of all row counts.
func TotalRows(items []WorkItem) uint64 {
	var total uint64
	for _, it := range items {
		total += it.RowCount
	}
	return total
}

// SortByKey orders items by key so repeated discoveries write identical files.
func SortByKey(items []WorkItem) {
	sort.Slice(items, func(i, j int) bool { return items[i].Key < items[j].Key })
}

// DuplicateKeyError is returned when a key appears twice.
type DuplicateKeyError struct {
	Key string
}

func (e *DuplicateKeyError) Error() string {
	return "duplicate catalog key: " + e.Key
}
