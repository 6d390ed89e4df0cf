// Package partition groups work items into batches whose total weight stays
// under a byte budget, so that one batch of unloaded files fits the staging
// area at a time.
package partition

import (
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/reloquent/tableshift/internal/catalog"
	"github.com/reloquent/tableshift/internal/fault"
	"github.com/reloquent/tableshift/internal/workspace"
)

// Batch is a numbered group of items. Batch 0 is the implicit single batch
// used when partitioning is disabled.
type Batch struct {
	ID          int
	Items       []catalog.WorkItem
	TotalWeight uint64
}

// Plan is the outcome of partitioning.
type Plan struct {
	Batches []Batch
	// Unassignable items weigh at least the whole budget and cannot be
	// placed in any batch.
	Unassignable []catalog.WorkItem
}

// Capacity returns one CapacityError per unassignable item.
func (p Plan) Capacity(budget uint64) []*fault.CapacityError {
	out := make([]*fault.CapacityError, len(p.Unassignable))
	for i, it := range p.Unassignable {
		out[i] = &fault.CapacityError{Key: it.Key, Weight: it.Weight, Budget: budget}
	}
	return out
}

// NextID is the id the next generated batch should take.
func (p Plan) NextID() int {
	next := 1
	for _, b := range p.Batches {
		if b.ID >= next {
			next = b.ID + 1
		}
	}
	return next
}

// Partition splits items into batches numbered from 1. Empty items are
// skipped; the caller records them directly. A zero budget disables
// partitioning and yields a single batch 0.
func Partition(items []catalog.WorkItem, budget uint64) Plan {
	if budget == 0 {
		return Rebatch(items, 0, 0)
	}
	return Rebatch(items, budget, 1)
}

// Rebatch partitions items into batches numbered from nextID.
//
// Items are placed largest first into a single open batch; an item joins
// while the remaining budget stays strictly positive after adding it. The
// first item that does not fit closes the batch and opens the next one.
func Rebatch(items []catalog.WorkItem, budget uint64, nextID int) Plan {
	work := make([]catalog.WorkItem, 0, len(items))
	for _, it := range items {
		if !it.Empty() {
			work = append(work, it)
		}
	}
	sortDescending(work)

	if budget == 0 {
		if len(work) == 0 {
			return Plan{}
		}
		return Plan{Batches: []Batch{{ID: nextID, Items: work, TotalWeight: catalog.TotalWeight(work)}}}
	}

	var plan Plan
	var open *Batch
	var remaining uint64
	for _, it := range work {
		if it.Weight >= budget {
			plan.Unassignable = append(plan.Unassignable, it)
			continue
		}
		if open == nil || remaining <= it.Weight {
			if open != nil {
				plan.Batches = append(plan.Batches, *open)
			}
			open = &Batch{ID: nextID}
			nextID++
			remaining = budget
		}
		open.Items = append(open.Items, it)
		open.TotalWeight += it.Weight
		remaining -= it.Weight
	}
	if open != nil {
		plan.Batches = append(plan.Batches, *open)
	}
	return plan
}

// Extend adds batches for items not already placed in existing. Existing
// batches are kept as they are and new ones are numbered after them, so a
// catalog that only grew between runs never reshuffles finished work.
func Extend(existing Plan, items []catalog.WorkItem, budget uint64) Plan {
	placed := existing.Keys()
	var fresh []catalog.WorkItem
	for _, it := range items {
		if !placed[it.Key] {
			fresh = append(fresh, it)
		}
	}

	added := Rebatch(fresh, budget, existing.NextID())
	out := Plan{
		Batches:      make([]Batch, 0, len(existing.Batches)+len(added.Batches)),
		Unassignable: append(append([]catalog.WorkItem(nil), existing.Unassignable...), added.Unassignable...),
	}
	out.Batches = append(out.Batches, existing.Batches...)
	out.Batches = append(out.Batches, added.Batches...)
	return out
}

// Keys returns every key the plan places, batched or unassignable.
func (p Plan) Keys() map[string]bool {
	keys := make(map[string]bool)
	for _, b := range p.Batches {
		for _, it := range b.Items {
			keys[it.Key] = true
		}
	}
	for _, it := range p.Unassignable {
		keys[it.Key] = true
	}
	return keys
}

// Batch returns the batch with the given id.
func (p Plan) Batch(id int) (Batch, bool) {
	for _, b := range p.Batches {
		if b.ID == id {
			return b, true
		}
	}
	return Batch{}, false
}

// Verify checks that every non-empty catalog item appears exactly once in the
// plan and that the plan holds nothing outside the catalog.
func Verify(cat *catalog.Catalog, p Plan) error {
	seen := make(map[string]int)
	count := func(items []catalog.WorkItem) {
		for _, it := range items {
			seen[it.Key]++
		}
	}
	for _, b := range p.Batches {
		count(b.Items)
	}
	count(p.Unassignable)

	var errs []error
	work, _ := cat.Split()
	for _, it := range work {
		switch n := seen[it.Key]; n {
		case 1:
		case 0:
			errs = append(errs, fmt.Errorf("%s is not in any batch", it.Key))
		default:
			errs = append(errs, fmt.Errorf("%s appears in %d places", it.Key, n))
		}
		delete(seen, it.Key)
	}
	for key := range seen {
		errs = append(errs, fmt.Errorf("%s is batched but not in the catalog", key))
	}
	return errors.Join(errs...)
}

// Save writes one list file per batch plus the unassignable list. Stale batch
// files with ids not in the plan are removed.
func Save(ws workspace.Dir, p Plan) error {
	keep := make(map[int]bool, len(p.Batches))
	for _, b := range p.Batches {
		if err := catalog.WriteFile(ws.Batch(b.ID), b.Items); err != nil {
			return fmt.Errorf("writing batch %d: %w", b.ID, err)
		}
		keep[b.ID] = true
	}
	ids, err := ws.BatchIDs()
	if err != nil {
		return err
	}
	for _, id := range ids {
		if !keep[id] {
			if err := os.Remove(ws.Batch(id)); err != nil {
				return fmt.Errorf("removing stale batch %d: %w", id, err)
			}
		}
	}

	if len(p.Unassignable) == 0 {
		if err := os.Remove(ws.Unassignable()); err != nil && !os.IsNotExist(err) {
			return err
		}
		return nil
	}
	return catalog.WriteFile(ws.Unassignable(), p.Unassignable)
}

// Load reads the batch files and unassignable list back.
func Load(ws workspace.Dir) (Plan, error) {
	ids, err := ws.BatchIDs()
	if err != nil {
		return Plan{}, err
	}
	var p Plan
	for _, id := range ids {
		items, err := catalog.ReadFile(ws.Batch(id))
		if err != nil {
			return Plan{}, err
		}
		p.Batches = append(p.Batches, Batch{ID: id, Items: items, TotalWeight: catalog.TotalWeight(items)})
	}
	if workspace.Exists(ws.Unassignable()) {
		p.Unassignable, err = catalog.ReadFile(ws.Unassignable())
		if err != nil {
			return Plan{}, err
		}
	}
	return p, nil
}

func sortDescending(items []catalog.WorkItem) {
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].Weight != items[j].Weight {
			return items[i].Weight > items[j].Weight
		}
		return items[i].Key < items[j].Key
	})
}
