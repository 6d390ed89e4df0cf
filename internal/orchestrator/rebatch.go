package orchestrator

import (
	"fmt"

	"github.com/reloquent/tableshift/internal/catalog"
	"github.com/reloquent/tableshift/internal/journal"
	"github.com/reloquent/tableshift/internal/partition"
	"github.com/reloquent/tableshift/internal/state"
	"github.com/reloquent/tableshift/internal/workspace"
)

// Rebatch takes every table that failed or was parked as unassignable and
// is not done yet, and cuts it into new batches with budget. The new batches
// are numbered after every existing one. Failure ledgers of the batches the
// tables leave are moved to their backups. It returns the new plan and the
// number of tables moved.
func (e *Extractor) Rebatch(budget uint64) (partition.Plan, int, error) {
	if budget == 0 {
		return partition.Plan{}, 0, fmt.Errorf("rebatch needs a non-zero budget")
	}
	cat, err := catalog.Load(e.WS.Catalog())
	if err != nil {
		return partition.Plan{}, 0, err
	}
	plan, err := partition.Load(e.WS)
	if err != nil {
		return partition.Plan{}, 0, err
	}
	ledgers, err := e.WS.SuccessLedgers()
	if err != nil {
		return partition.Plan{}, 0, err
	}
	done, err := journal.ReadKeys(false, ledgers...)
	if err != nil {
		return partition.Plan{}, 0, err
	}
	failureLedgers, err := e.WS.FailureLedgers()
	if err != nil {
		return partition.Plan{}, 0, err
	}
	failed, err := journal.ReadKeys(true, failureLedgers...)
	if err != nil {
		return partition.Plan{}, 0, err
	}

	var residue []catalog.WorkItem
	for _, it := range plan.Unassignable {
		if !done[it.Key] {
			residue = append(residue, it)
		}
	}

	var next partition.Plan
	for _, b := range plan.Batches {
		kept := partition.Batch{ID: b.ID}
		for _, it := range b.Items {
			if failed[it.Key] && !done[it.Key] {
				residue = append(residue, it)
				continue
			}
			kept.Items = append(kept.Items, it)
			kept.TotalWeight += it.Weight
		}
		if len(kept.Items) < len(b.Items) {
			if _, err := journal.BackupFailures(e.WS.Failure(workspace.PhaseExtract, b.ID)); err != nil {
				return partition.Plan{}, 0, err
			}
		}
		if len(kept.Items) > 0 {
			next.Batches = append(next.Batches, kept)
		}
	}
	if len(residue) == 0 {
		return plan, 0, nil
	}

	added := partition.Rebatch(residue, budget, plan.NextID())
	next.Batches = append(next.Batches, added.Batches...)
	next.Unassignable = added.Unassignable
	if err := partition.Verify(cat, next); err != nil {
		return partition.Plan{}, 0, fmt.Errorf("rebatched plan does not cover the catalog: %w", err)
	}
	if err := partition.Save(e.WS, next); err != nil {
		return partition.Plan{}, 0, err
	}

	st, err := state.Load(e.WS.State())
	if err != nil {
		return partition.Plan{}, 0, err
	}
	st.BatchCount = len(next.Batches)
	for _, b := range added.Batches {
		st.SetBatch(b.ID, state.BatchState{Status: state.BatchPending, Tables: len(b.Items), Bytes: b.TotalWeight})
	}
	for _, id := range st.BatchIDs() {
		if _, ok := next.Batch(id); !ok {
			delete(st.Batches, id)
		}
	}
	if err := st.Save(e.WS.State()); err != nil {
		return partition.Plan{}, 0, err
	}
	e.logger().Info("residue rebatched", "tables", len(residue), "batches", len(added.Batches),
		"still_unassignable", len(added.Unassignable))
	return next, len(residue), nil
}
