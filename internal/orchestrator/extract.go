package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/reloquent/tableshift/internal/catalog"
	"github.com/reloquent/tableshift/internal/journal"
	"github.com/reloquent/tableshift/internal/objectstore"
	"github.com/reloquent/tableshift/internal/partition"
	"github.com/reloquent/tableshift/internal/report"
	"github.com/reloquent/tableshift/internal/slots"
	"github.com/reloquent/tableshift/internal/state"
	"github.com/reloquent/tableshift/internal/status"
	"github.com/reloquent/tableshift/internal/unit"
	"github.com/reloquent/tableshift/internal/workspace"
)

const phaseExtract = "extract"

// Extractor runs the unload phase.
type Extractor struct {
	Runtime
	WS         workspace.Dir
	Nodes      []slots.Node
	Conns      int
	Discoverer catalog.Discoverer
	Unloader   unit.Unloader
	Prompter   Prompter
	// Uploader, when set, copies each finished batch to the object store
	// before the next batch starts, replacing the copy confirmation.
	Uploader *objectstore.Uploader
}

// ExtractOptions select what a run does.
type ExtractOptions struct {
	Mode   state.Mode
	Budget uint64
	// CatalogFile is a prepared catalog used instead of discovery.
	CatalogFile string
	// PlanOnly stops after the catalog and batch files are written.
	PlanOnly bool
}

// Summary is the outcome of a phase run.
type Summary struct {
	Report *report.RunReport
	Plan   partition.Plan
	// Stopped explains why the batch cursor stopped early. It is empty when
	// every batch was visited.
	Stopped string
}

// ExitCode is the process exit code for the run.
func (s *Summary) ExitCode() int {
	if s.Report == nil {
		return status.ExitPartial
	}
	if s.Stopped != "" && s.Report.Status.ExitCode() == 0 {
		return status.ExitPartial
	}
	return s.Report.ExitCode()
}

// Run executes the extraction phase.
func (e *Extractor) Run(ctx context.Context, opts ExtractOptions) (*Summary, error) {
	start := time.Now()
	logger := e.logger()
	if e.Prompter == nil {
		e.Prompter = AutoPrompter{}
	}

	if err := e.WS.Init(); err != nil {
		return nil, err
	}
	if opts.Mode == state.ModeFresh {
		if err := e.WS.Clean(workspace.PhaseExtract); err != nil {
			return nil, err
		}
	}
	st, err := state.Load(e.WS.State())
	if err != nil {
		return nil, err
	}
	st.Mode = opts.Mode

	cat, err := e.catalog(ctx, opts)
	if err != nil {
		return nil, err
	}
	plan, err := e.plan(cat, st, opts)
	if err != nil {
		return nil, err
	}
	for _, ce := range plan.Capacity(opts.Budget) {
		logger.Warn("table exceeds the batch budget and is parked", "key", ce.Key, "error", ce)
	}
	if err := partition.Save(e.WS, plan); err != nil {
		return nil, fmt.Errorf("writing batch files: %w", err)
	}
	st.Budget = opts.Budget
	st.BatchCount = len(plan.Batches)
	for _, b := range plan.Batches {
		bs := st.Batches[b.ID]
		bs.Tables, bs.Bytes = len(b.Items), b.TotalWeight
		if bs.Status == "" {
			bs.Status = state.BatchPending
		}
		st.SetBatch(b.ID, bs)
	}
	if err := e.recordEmpties(cat); err != nil {
		return nil, err
	}
	if err := st.Save(e.WS.State()); err != nil {
		return nil, err
	}
	e.printPlan(plan, opts.Budget)

	sum := &Summary{Plan: plan}
	if opts.PlanOnly {
		sum.Report, err = e.finish(cat, plan, st, nil, "", opts, start)
		return sum, err
	}

	nodes, err := slots.Allocate(e.Nodes, e.Conns)
	if err != nil {
		return nil, err
	}
	logger.Info("connection slots allocated", "nodes", len(nodes), "slots", slots.Total(nodes))

	st.Phase = state.PhaseExtracting
	var batches []report.BatchSummary
	prev := -1
	var runErr error

cursor:
	for _, b := range plan.Batches {
		sp := e.WS.Success(workspace.PhaseExtract, b.ID)
		fp := e.WS.Failure(workspace.PhaseExtract, b.ID)

		succeeded, err := journal.ReadKeys(false, sp)
		if err != nil {
			return nil, err
		}
		failed, err := journal.ReadKeys(true, fp, fp+workspace.BackupSuffix)
		if err != nil {
			return nil, err
		}
		delta := journal.Reconcile(b.Items, succeeded, failed)

		if delta.Len() == 0 {
			if err := journal.DropBackup(fp); err != nil {
				return nil, err
			}
			if s := st.Batches[b.ID].Status; s != state.BatchComplete && s != state.BatchCopied {
				st.MarkBatch(b.ID, state.BatchComplete)
			}
			prev = b.ID
			continue
		}

		if len(delta.Retry) > 0 {
			choice, err := e.Prompter.ResumeOrSkip(b.ID, len(delta.Retry))
			if err != nil {
				return nil, err
			}
			if choice == ChoiceSkip {
				if _, err := journal.BackupFailures(fp); err != nil {
					return nil, err
				}
				st.MarkBatch(b.ID, state.BatchSkipped)
				logger.Info("batch skipped", "batch", b.ID, "failed", len(delta.Retry))
				// Its data still has to pass the copy gate.
				prev = b.ID
				continue
			}
		}

		started := workspace.Exists(sp) || workspace.Exists(fp) || journal.HasBackup(fp)
		if prev >= 0 && opts.Budget > 0 && !started && st.Batches[prev].Status != state.BatchCopied {
			ok, err := e.copyGate(ctx, plan, prev, st)
			if err != nil {
				return nil, err
			}
			if !ok {
				sum.Stopped = fmt.Sprintf("batch %d has to be copied to the object store (tableshift copy --batch %d) before batch %d is extracted; then rerun: tableshift run --mode resume", prev, prev, b.ID)
				break cursor
			}
		}

		bs, err := e.extractBatch(ctx, b, delta, nodes, st)
		batches = append(batches, bs)
		if saveErr := st.Save(e.WS.State()); saveErr != nil {
			logger.Error("saving state", "error", saveErr)
		}
		if err != nil {
			runErr = err
			break cursor
		}
		if bs.Status != state.BatchComplete {
			sum.Stopped = fmt.Sprintf("batch %d finished with %d failed and %d unrecorded tables; rerun in resume mode: tableshift run --mode resume", b.ID, bs.Failure, bs.Lost+bs.Stranded)
			break cursor
		}
		prev = b.ID
	}

	if runErr == nil && sum.Stopped == "" {
		ledgers, err := e.WS.SuccessLedgers()
		if err != nil {
			return nil, err
		}
		n, err := journal.Combine(e.WS.Combined(), ledgers...)
		if err != nil {
			return nil, fmt.Errorf("combining success ledgers: %w", err)
		}
		logger.Info("combined success ledger written", "path", e.WS.Combined(), "tables", n)
	}

	var rerr error
	sum.Report, rerr = e.finish(cat, plan, st, batches, sum.Stopped, opts, start)
	return sum, errors.Join(runErr, rerr)
}

// extractBatch drains what is left of one batch. Failures recorded by an
// earlier run are set aside first so the retry starts with an empty ledger.
func (e *Extractor) extractBatch(ctx context.Context, b partition.Batch, delta journal.Delta, nodes []slots.NodeSlots, st *state.State) (report.BatchSummary, error) {
	start := time.Now()
	logger := e.logger().With("batch", b.ID)
	sp := e.WS.Success(workspace.PhaseExtract, b.ID)
	fp := e.WS.Failure(workspace.PhaseExtract, b.ID)

	if workspace.NonEmpty(fp) {
		if _, err := journal.BackupFailures(fp); err != nil {
			return report.BatchSummary{ID: b.ID}, err
		}
	}
	st.MarkBatch(b.ID, state.BatchRunning)
	st.CurrentBatch = b.ID
	if err := st.Save(e.WS.State()); err != nil {
		return report.BatchSummary{ID: b.ID}, err
	}

	logger.Info("extracting batch", "tables", delta.Len(), "retry", len(delta.Retry),
		"size", humanize.IBytes(catalog.TotalWeight(delta.Items())))
	e.printf("Extracting batch %d: %d tables (%d retried)\n", b.ID, delta.Len(), len(delta.Retry))

	out, err := e.runPass(ctx, pass{
		phase:       phaseExtract,
		batch:       b.ID,
		verb:        status.VerbExtracted,
		items:       delta.Items(),
		successPath: sp,
		failurePath: fp,
		nodes:       nodes,
		handler:     e.unload,
		total:       len(b.Items),
	})

	bs := report.BatchSummary{
		ID:       b.ID,
		Tables:   len(b.Items),
		Bytes:    b.TotalWeight,
		Success:  len(b.Items) - delta.Len() + out.result.Written.Success,
		Failure:  out.result.Written.Failure,
		Lost:     out.result.Lost,
		Stranded: out.result.Stranded,
		Elapsed:  time.Since(start),
	}
	if out.run != nil {
		bs.Restarts = out.run.Restarts
	}
	if err == nil {
		if dropErr := journal.DropBackup(fp); dropErr != nil {
			return bs, dropErr
		}
	}

	bs.Status = state.BatchComplete
	if bs.Failure > 0 || out.result.Incomplete() || err != nil {
		bs.Status = state.BatchPartial
	}
	st.SetBatch(b.ID, state.BatchState{
		Status:  bs.Status,
		Tables:  bs.Tables,
		Bytes:   bs.Bytes,
		Success: bs.Success,
		Failure: bs.Failure,
	})
	logger.Info("batch finished", "status", bs.Status, "success", bs.Success, "failure", bs.Failure,
		"unrecorded", bs.Lost+bs.Stranded, "elapsed", status.Elapsed(bs.Elapsed))
	return bs, err
}

func (e *Extractor) unload(ctx context.Context, slot slots.ConnectionSlot, it catalog.WorkItem) (uint64, error) {
	start := time.Now()
	rows, err := e.Unloader.Unload(ctx, slot, it, e.WS.UnitDir(it.UnitID))
	if err == nil {
		e.logger().Info("table unloaded", "node", slot.NodeID, "slot", slot.Descriptor(), "key", it.Key,
			"unit", it.UnitID, "rows", rows, "elapsed", time.Since(start).Round(time.Millisecond))
	}
	return rows, err
}

// catalog returns the catalog for the run, from a prepared file or from the
// source.
func (e *Extractor) catalog(ctx context.Context, opts ExtractOptions) (*catalog.Catalog, error) {
	if opts.CatalogFile != "" {
		cat, err := catalog.Load(opts.CatalogFile)
		if err != nil {
			return nil, err
		}
		if filepath.Clean(opts.CatalogFile) != filepath.Clean(e.WS.Catalog()) {
			if err := cat.Save(e.WS.Catalog()); err != nil {
				return nil, err
			}
		}
		return cat, nil
	}
	if e.Discoverer == nil {
		return nil, fmt.Errorf("no catalog file given and no source to discover from")
	}
	if err := e.Discoverer.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connecting to source: %w", err)
	}
	defer e.Discoverer.Close()
	return catalog.Ensure(ctx, e.Discoverer, e.WS.Catalog(), opts.Mode == state.ModeResume, e.logger())
}

// plan returns the batch plan. A resume run keeps the batch files it finds as
// long as they still cover the catalog, adding batches for new tables. When
// the budget changed, unfinished work is cut again.
func (e *Extractor) plan(cat *catalog.Catalog, st *state.State, opts ExtractOptions) (partition.Plan, error) {
	work, _ := cat.Split()
	if opts.Mode != state.ModeResume {
		return partition.Partition(work, opts.Budget), nil
	}

	existing, err := partition.Load(e.WS)
	if err != nil {
		return partition.Plan{}, err
	}
	if len(existing.Batches)+len(existing.Unassignable) == 0 {
		return partition.Partition(work, opts.Budget), nil
	}

	if st.BudgetChanged(opts.Budget) {
		return e.rebudget(existing, work, opts.Budget)
	}
	if err := partition.Verify(cat, existing); err == nil {
		return existing, nil
	}
	extended := partition.Extend(existing, work, opts.Budget)
	if err := partition.Verify(cat, extended); err != nil {
		return partition.Plan{}, fmt.Errorf("batch files no longer match the catalog, rerun in fresh mode: %w", err)
	}
	e.logger().Info("catalog grew, batches added", "batches", len(extended.Batches)-len(existing.Batches))
	return extended, nil
}

// rebudget keeps finished batches and cuts everything else again with the
// new budget. New batches are numbered after every old one so no ledger of a
// dropped batch is reused.
func (e *Extractor) rebudget(existing partition.Plan, work []catalog.WorkItem, budget uint64) (partition.Plan, error) {
	ledgers, err := e.WS.SuccessLedgers()
	if err != nil {
		return partition.Plan{}, err
	}
	done, err := journal.ReadKeys(false, ledgers...)
	if err != nil {
		return partition.Plan{}, err
	}

	var kept partition.Plan
	keptKeys := make(map[string]bool)
	for _, b := range existing.Batches {
		finished := true
		for _, it := range b.Items {
			if !done[it.Key] {
				finished = false
				break
			}
		}
		if finished {
			kept.Batches = append(kept.Batches, b)
			for _, it := range b.Items {
				keptKeys[it.Key] = true
			}
		}
	}

	var residue []catalog.WorkItem
	for _, it := range work {
		if !done[it.Key] && !keptKeys[it.Key] {
			residue = append(residue, it)
		}
	}
	added := partition.Rebatch(residue, budget, existing.NextID())
	kept.Batches = append(kept.Batches, added.Batches...)
	kept.Unassignable = added.Unassignable
	e.logger().Info("budget changed, unfinished tables rebatched",
		"tables", len(residue), "batches", len(added.Batches), "kept", len(kept.Batches)-len(added.Batches))
	return kept, nil
}

// recordEmpties writes tables with no rows or no size straight to the batch 0
// success ledger. They are never batched.
func (e *Extractor) recordEmpties(cat *catalog.Catalog) error {
	_, empty := cat.Split()
	if len(empty) == 0 {
		return nil
	}
	l, err := journal.Open(e.WS.Success(workspace.PhaseExtract, 0), false)
	if err != nil {
		return err
	}
	written := 0
	for _, it := range empty {
		ok, err := l.Append(journal.Success(it, 0))
		if err != nil {
			l.Close()
			return err
		}
		if ok {
			written++
		}
	}
	if written > 0 {
		e.logger().Info("empty tables recorded without extraction", "tables", written)
	}
	return l.Close()
}

// copyGate makes sure batch id has left the staging area before the next
// batch is extracted. Its data files are deleted once it has.
func (e *Extractor) copyGate(ctx context.Context, plan partition.Plan, id int, st *state.State) (bool, error) {
	b, ok := plan.Batch(id)
	if !ok {
		return true, nil
	}
	if e.Uploader == nil {
		confirmed, err := e.Prompter.ConfirmCopied(id)
		if err != nil || !confirmed {
			return false, err
		}
	} else if _, err := e.Uploader.Upload(ctx, e.WS.DataDir(), unitIDs(b.Items)); err != nil {
		return false, fmt.Errorf("copying batch %d: %w", id, err)
	}
	if err := e.cleanData(b); err != nil {
		return false, err
	}
	// A skipped batch keeps its status so its failures stay visible.
	if st.Batches[id].Status != state.BatchSkipped {
		st.MarkBatch(id, state.BatchCopied)
	}
	return true, st.Save(e.WS.State())
}

// Copy uploads the data of batch id with the configured Uploader and marks
// the batch copied. Unless keep is set the local data files are removed.
func (e *Extractor) Copy(ctx context.Context, id int, keep bool) (objectstore.UploadStats, error) {
	if e.Uploader == nil {
		return objectstore.UploadStats{}, fmt.Errorf("no object store configured")
	}
	plan, err := partition.Load(e.WS)
	if err != nil {
		return objectstore.UploadStats{}, err
	}
	b, ok := plan.Batch(id)
	if !ok {
		return objectstore.UploadStats{}, fmt.Errorf("batch %d not found", id)
	}
	st, err := state.Load(e.WS.State())
	if err != nil {
		return objectstore.UploadStats{}, err
	}
	if s := st.Batches[id].Status; s != state.BatchComplete && s != state.BatchCopied {
		e.logger().Warn("copying a batch that has not finished", "batch", id, "status", s)
	}

	stats, err := e.Uploader.Upload(ctx, e.WS.DataDir(), unitIDs(b.Items))
	if err != nil {
		return stats, fmt.Errorf("copying batch %d: %w", id, err)
	}
	if !keep {
		if err := e.cleanData(b); err != nil {
			return stats, err
		}
	}
	st.MarkBatch(id, state.BatchCopied)
	return stats, st.Save(e.WS.State())
}

// cleanData deletes the unloaded data of a batch. DDL scripts are kept, and
// a manifest of the removed files lets the load phase validate and fetch
// them from the object store.
func (e *Extractor) cleanData(b partition.Batch) error {
	for _, it := range b.Items {
		dir := e.WS.UnitDir(it.UnitID)
		if err := objectstore.WriteManifest(dir); err != nil {
			return fmt.Errorf("recording data of %s: %w", it.Key, err)
		}
		entries, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return err
		}
		for _, ent := range entries {
			if ent.IsDir() || ent.Name() == objectstore.ManifestName || strings.HasSuffix(ent.Name(), ".sql") {
				continue
			}
			if err := os.Remove(filepath.Join(dir, ent.Name())); err != nil {
				return fmt.Errorf("removing data of %s: %w", it.Key, err)
			}
		}
	}
	e.logger().Info("batch data removed after copy", "batch", b.ID)
	return nil
}

func unitIDs(items []catalog.WorkItem) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.UnitID
	}
	return out
}

func (e *Extractor) printPlan(plan partition.Plan, budget uint64) {
	switch {
	case budget == 0 && len(plan.Batches) > 1:
		e.printf("Batching disabled: %d tables, finished batches kept (%d batches)\n", countItems(plan), len(plan.Batches))
	case budget == 0:
		e.printf("Batching disabled: %d tables in a single batch\n", countItems(plan))
	default:
		e.printf("Budget %s: %d batches\n", humanize.IBytes(budget), len(plan.Batches))
	}
	for _, b := range plan.Batches {
		e.printf("  batch %d: %d tables, %s\n", b.ID, len(b.Items), humanize.IBytes(b.TotalWeight))
	}
	if n := len(plan.Unassignable); n > 0 {
		e.printf("  %d tables exceed the budget and were parked in unassignable.list\n", n)
	}
}

func countItems(plan partition.Plan) int {
	n := 0
	for _, b := range plan.Batches {
		n += len(b.Items)
	}
	return n
}

// finish computes the combined status over every ledger and writes the
// report.
func (e *Extractor) finish(cat *catalog.Catalog, plan partition.Plan, st *state.State, batches []report.BatchSummary, stopped string, opts ExtractOptions, start time.Time) (*report.RunReport, error) {
	comb, failureLedgers, err := combine(e.WS, cat.Items(), plan.Unassignable)
	if err != nil {
		return nil, err
	}

	if !opts.PlanOnly && stopped == "" {
		st.Phase = state.PhaseExtracted
	}
	if err := st.Save(e.WS.State()); err != nil {
		return nil, err
	}

	r := &report.RunReport{
		Version:     "1",
		RunID:       st.RunID,
		Phase:       phaseExtract,
		Mode:        string(opts.Mode),
		GeneratedAt: time.Now(),
		Budget:      opts.Budget,
		Elapsed:     time.Since(start),
		Batches:     batches,
		Status:      comb,
	}
	for _, p := range failureLedgers {
		if workspace.NonEmpty(p) {
			r.FailureLog = append(r.FailureLog, p)
		}
	}
	if stopped != "" {
		r.NextSteps = append(r.NextSteps, stopped)
	}
	if opts.PlanOnly {
		r.NextSteps = append(r.NextSteps, "start the extraction: tableshift run")
	} else {
		r.NextSteps = append(r.NextSteps, comb.Guidance()...)
	}
	if err := report.Write(r, e.WS.ReportJSON(), e.WS.ReportText()); err != nil {
		return nil, err
	}

	e.printf("%s\n", status.Line(status.Snapshot{Total: comb.Total, Success: comb.Done, Failure: comb.Failed}, status.VerbExtracted))
	e.printf("Elapsed: %s\n", status.Elapsed(r.Elapsed))
	return r, nil
}
