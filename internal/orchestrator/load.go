package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/reloquent/tableshift/internal/catalog"
	"github.com/reloquent/tableshift/internal/fault"
	"github.com/reloquent/tableshift/internal/journal"
	"github.com/reloquent/tableshift/internal/objectstore"
	"github.com/reloquent/tableshift/internal/report"
	"github.com/reloquent/tableshift/internal/slots"
	"github.com/reloquent/tableshift/internal/state"
	"github.com/reloquent/tableshift/internal/status"
	"github.com/reloquent/tableshift/internal/unit"
	"github.com/reloquent/tableshift/internal/workspace"
)

const phaseLoad = "load"

var (
	errNotUploaded = errors.New("files are not fully uploaded to the object store")
	errDataRemoved = errors.New("data was removed after copy and no object store is configured to fetch it")
)

// LoadRunner runs the load phase from the combined success ledger.
type LoadRunner struct {
	Runtime
	WS    workspace.Dir
	Nodes []slots.Node
	Conns int
	Unit  unit.Loader
	// Validator gates each load; nil accepts every table.
	Validator objectstore.Validator
	// Fetcher restores data removed after copy. The restored files are
	// deleted again once the table is loaded.
	Fetcher *objectstore.Fetcher
}

// LoadOptions select what a load run does.
type LoadOptions struct {
	Mode state.Mode
}

// Run loads every table recorded in the combined extraction ledger. Tables
// that failed an earlier load are retried first with the already-processed
// hint, then everything not yet loaded follows.
func (l *LoadRunner) Run(ctx context.Context, opts LoadOptions) (*Summary, error) {
	start := time.Now()
	logger := l.logger()
	if l.Validator == nil {
		l.Validator = objectstore.NopValidator{}
	}

	items, err := l.items()
	if err != nil {
		return nil, err
	}
	if opts.Mode == state.ModeFresh {
		if err := l.WS.Clean(workspace.PhaseLoad); err != nil {
			return nil, err
		}
	}
	st, err := state.Load(l.WS.State())
	if err != nil {
		return nil, err
	}
	st.Phase = state.PhaseLoading
	st.Mode = opts.Mode
	if err := st.Save(l.WS.State()); err != nil {
		return nil, err
	}

	sp := l.WS.Success(workspace.PhaseLoad, 0)
	fp := l.WS.Failure(workspace.PhaseLoad, 0)

	var work []catalog.WorkItem
	var zero []catalog.WorkItem
	for _, it := range items {
		if it.RowCount == 0 {
			zero = append(zero, it)
		} else {
			work = append(work, it)
		}
	}
	if err := l.recordZero(sp, zero); err != nil {
		return nil, err
	}

	var retryKeys map[string]bool
	if workspace.NonEmpty(fp) || journal.HasBackup(fp) {
		if retryKeys, err = journal.BackupFailures(fp); err != nil {
			return nil, err
		}
	}

	nodes, err := slots.Allocate(l.Nodes, l.Conns)
	if err != nil {
		return nil, err
	}
	handler := l.handler(retryKeys)

	var batches []report.BatchSummary
	var runErr error

	loaded, err := journal.ReadKeys(false, sp)
	if err != nil {
		return nil, err
	}
	var retry []catalog.WorkItem
	for _, it := range work {
		if retryKeys[it.Key] && !loaded[it.Key] {
			retry = append(retry, it)
		}
	}
	if len(retry) > 0 {
		logger.Info("retrying tables that failed to load", "tables", len(retry))
		l.printf("Retrying %d tables that failed to load\n", len(retry))
		bs, err := l.loadPass(ctx, 1, retry, sp, fp, nodes, handler)
		batches = append(batches, bs)
		if err != nil {
			runErr = err
		} else if err := journal.DropBackup(fp); err != nil {
			return nil, err
		}
	} else if err := journal.DropBackup(fp); err != nil {
		return nil, err
	}

	if runErr == nil {
		loaded, err = journal.ReadKeys(false, sp)
		if err != nil {
			return nil, err
		}
		failedNow, err := journal.ReadKeys(true, fp)
		if err != nil {
			return nil, err
		}
		var pending []catalog.WorkItem
		for _, it := range work {
			if !loaded[it.Key] && !failedNow[it.Key] {
				pending = append(pending, it)
			}
		}
		if len(pending) > 0 {
			l.printf("Loading %d tables\n", len(pending))
			bs, err := l.loadPass(ctx, 2, pending, sp, fp, nodes, handler)
			batches = append(batches, bs)
			runErr = err
		}
	}

	succeeded, err := journal.ReadKeys(false, sp)
	if err != nil {
		return nil, errors.Join(runErr, err)
	}
	failed, err := journal.ReadKeys(true, fp, fp+workspace.BackupSuffix)
	if err != nil {
		return nil, errors.Join(runErr, err)
	}
	comb := status.Combine(items, succeeded, failed, nil)
	if comb.Complete() && runErr == nil {
		st.Phase = state.PhaseLoaded
	}
	if err := st.Save(l.WS.State()); err != nil {
		return nil, errors.Join(runErr, err)
	}

	r := &report.RunReport{
		Version:     "1",
		RunID:       st.RunID,
		Phase:       phaseLoad,
		Mode:        string(opts.Mode),
		GeneratedAt: time.Now(),
		Elapsed:     time.Since(start),
		Batches:     batches,
		Status:      comb,
		NextSteps:   loadGuidance(comb),
	}
	if workspace.NonEmpty(fp) {
		r.FailureLog = append(r.FailureLog, fp)
	}
	if err := report.Write(r, l.WS.ReportJSON(), l.WS.ReportText()); err != nil {
		return nil, errors.Join(runErr, err)
	}
	l.printf("%s\n", status.Line(status.Snapshot{Total: comb.Total, Success: comb.Done, Failure: comb.Failed}, status.VerbLoaded))
	l.printf("Elapsed: %s\n", status.Elapsed(r.Elapsed))
	return &Summary{Report: r}, runErr
}

// items joins the combined extraction ledger with the catalog. The row count
// is the one the extraction recorded.
func (l *LoadRunner) items() ([]catalog.WorkItem, error) {
	if !workspace.Exists(l.WS.Combined()) {
		return nil, fmt.Errorf("%s not found; finish the extraction first", l.WS.Combined())
	}
	records, err := journal.ReadRecords(l.WS.Combined(), false)
	if err != nil {
		return nil, err
	}
	var cat *catalog.Catalog
	if workspace.Exists(l.WS.Catalog()) {
		if cat, err = catalog.Load(l.WS.Catalog()); err != nil {
			return nil, err
		}
	}
	items := make([]catalog.WorkItem, 0, len(records))
	for _, rec := range records {
		it := catalog.WorkItem{Key: rec.Key}
		if cat != nil {
			if found, ok := cat.Lookup(rec.Key); ok {
				it = found
			}
		}
		it.UnitID = rec.UnitID
		it.RowCount = rec.RowCount
		items = append(items, it)
	}
	return items, nil
}

func (l *LoadRunner) recordZero(path string, items []catalog.WorkItem) error {
	if len(items) == 0 {
		return nil
	}
	ledger, err := journal.Open(path, false)
	if err != nil {
		return err
	}
	for _, it := range items {
		if _, err := ledger.Append(journal.Success(it, 0)); err != nil {
			ledger.Close()
			return err
		}
	}
	l.logger().Info("zero-row tables recorded as loaded", "tables", len(items))
	return ledger.Close()
}

// handler loads one table once its upload is confirmed.
func (l *LoadRunner) handler(retryKeys map[string]bool) func(ctx context.Context, slot slots.ConnectionSlot, it catalog.WorkItem) (uint64, error) {
	return func(ctx context.Context, slot slots.ConnectionSlot, it catalog.WorkItem) (uint64, error) {
		start := time.Now()
		dir := l.WS.UnitDir(it.UnitID)
		ok, err := l.Validator.Uploaded(ctx, it, dir)
		if err != nil {
			return 0, &fault.UnitOfWorkError{Key: it.Key, Err: fmt.Errorf("checking upload: %w", err)}
		}
		if !ok {
			return 0, &fault.UnitOfWorkError{Key: it.Key, Err: errNotUploaded}
		}
		restored, err := l.restore(ctx, it, dir)
		defer removeAll(restored)
		if err != nil {
			return 0, &fault.UnitOfWorkError{Key: it.Key, Err: err}
		}
		res, err := l.Unit.Load(ctx, slot, it, dir, retryKeys[it.Key])
		if err != nil {
			return 0, err
		}
		l.logger().Info("table loaded", "node", slot.NodeID, "slot", slot.Descriptor(), "key", it.Key,
			"unit", it.UnitID, "rows", res.Rows, "skipped", res.Skipped, "elapsed", time.Since(start).Round(time.Millisecond))
		return res.Rows, nil
	}
}

// restore fetches the data files of a copied table back into dir.
func (l *LoadRunner) restore(ctx context.Context, it catalog.WorkItem, dir string) ([]string, error) {
	recorded, err := objectstore.ReadManifest(dir)
	if err != nil || len(recorded) == 0 {
		return nil, err
	}
	if l.Fetcher == nil {
		files, err := unit.DataFiles(dir)
		if err != nil || len(files) > 0 {
			return nil, err
		}
		return nil, errDataRemoved
	}
	restored, err := l.Fetcher.Restore(ctx, it.UnitID, dir)
	if err != nil {
		return restored, fmt.Errorf("fetching data: %w", err)
	}
	return restored, nil
}

func removeAll(paths []string) {
	for _, p := range paths {
		os.Remove(p)
	}
}

func (l *LoadRunner) loadPass(ctx context.Context, n int, items []catalog.WorkItem, sp, fp string, nodes []slots.NodeSlots, handler func(context.Context, slots.ConnectionSlot, catalog.WorkItem) (uint64, error)) (report.BatchSummary, error) {
	start := time.Now()
	out, err := l.runPass(ctx, pass{
		phase:       phaseLoad,
		batch:       n,
		verb:        status.VerbLoaded,
		items:       items,
		successPath: sp,
		failurePath: fp,
		nodes:       nodes,
		handler:     handler,
		total:       len(items),
	})
	bs := report.BatchSummary{
		ID:       n,
		Tables:   len(items),
		Bytes:    catalog.TotalWeight(items),
		Success:  out.result.Written.Success,
		Failure:  out.result.Written.Failure,
		Lost:     out.result.Lost,
		Stranded: out.result.Stranded,
		Elapsed:  time.Since(start),
		Status:   state.BatchComplete,
	}
	if out.run != nil {
		bs.Restarts = out.run.Restarts
	}
	if bs.Failure > 0 || out.result.Incomplete() || err != nil {
		bs.Status = state.BatchPartial
	}
	return bs, err
}

func loadGuidance(c status.Combined) []string {
	if c.Complete() {
		return []string{"every table is loaded"}
	}
	return []string{fmt.Sprintf("%d tables failed to load and %d were not attempted; rerun: tableshift load --mode resume", c.Failed, c.Missing)}
}
