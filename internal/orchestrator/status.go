package orchestrator

import (
	"fmt"

	"github.com/reloquent/tableshift/internal/catalog"
	"github.com/reloquent/tableshift/internal/journal"
	"github.com/reloquent/tableshift/internal/partition"
	"github.com/reloquent/tableshift/internal/status"
	"github.com/reloquent/tableshift/internal/workspace"
)

// combine classifies items against every extraction ledger in ws. It also
// returns the failure ledgers it read.
func combine(ws workspace.Dir, items, unassignable []catalog.WorkItem) (status.Combined, []string, error) {
	ledgers, err := ws.SuccessLedgers()
	if err != nil {
		return status.Combined{}, nil, err
	}
	succeeded, err := journal.ReadKeys(false, ledgers...)
	if err != nil {
		return status.Combined{}, nil, err
	}
	failureLedgers, err := ws.FailureLedgers()
	if err != nil {
		return status.Combined{}, nil, err
	}
	failed, err := journal.ReadKeys(true, failureLedgers...)
	if err != nil {
		return status.Combined{}, nil, err
	}
	return status.Combine(items, succeeded, failed, unassignable), failureLedgers, nil
}

// CurrentStatus classifies every catalog table from the files in ws.
func CurrentStatus(ws workspace.Dir) (status.Combined, error) {
	if !workspace.Exists(ws.Catalog()) {
		return status.Combined{}, fmt.Errorf("no catalog in %s; run tableshift plan first", ws.Root)
	}
	cat, err := catalog.Load(ws.Catalog())
	if err != nil {
		return status.Combined{}, err
	}
	plan, err := partition.Load(ws)
	if err != nil {
		return status.Combined{}, err
	}
	comb, _, err := combine(ws, cat.Items(), plan.Unassignable)
	return comb, err
}

// LoadStatus classifies the tables of the combined extraction ledger against
// the load ledgers.
func LoadStatus(ws workspace.Dir) (status.Combined, error) {
	records, err := journal.ReadRecords(ws.Combined(), false)
	if err != nil {
		return status.Combined{}, err
	}
	items := make([]catalog.WorkItem, len(records))
	for i, r := range records {
		items[i] = catalog.WorkItem{Key: r.Key, UnitID: r.UnitID, RowCount: r.RowCount}
	}
	fp := ws.Failure(workspace.PhaseLoad, 0)
	succeeded, err := journal.ReadKeys(false, ws.Success(workspace.PhaseLoad, 0))
	if err != nil {
		return status.Combined{}, err
	}
	failed, err := journal.ReadKeys(true, fp, fp+workspace.BackupSuffix)
	if err != nil {
		return status.Combined{}, err
	}
	return status.Combine(items, succeeded, failed, nil), nil
}
