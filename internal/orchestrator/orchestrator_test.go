package orchestrator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/reloquent/tableshift/internal/catalog"
	"github.com/reloquent/tableshift/internal/journal"
	"github.com/reloquent/tableshift/internal/objectstore"
	"github.com/reloquent/tableshift/internal/partition"
	"github.com/reloquent/tableshift/internal/report"
	"github.com/reloquent/tableshift/internal/slots"
	"github.com/reloquent/tableshift/internal/state"
	"github.com/reloquent/tableshift/internal/unit"
	"github.com/reloquent/tableshift/internal/workspace"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func scenario() []catalog.WorkItem {
	return []catalog.WorkItem{
		{Key: "app.t1", RowCount: 100, Weight: 500, UnitID: "101", Kind: catalog.KindBase},
		{Key: "app.t2", RowCount: 100, Weight: 600, UnitID: "102", Kind: catalog.KindBase},
		{Key: "app.t3", RowCount: 0, Weight: 0, UnitID: "103", Kind: catalog.KindBase},
	}
}

type recordingPrompter struct {
	choice  Choice
	copied  bool
	mu      sync.Mutex
	asked   []int
	confirm []int
}

func (p *recordingPrompter) ResumeOrSkip(batch, _ int) (Choice, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.asked = append(p.asked, batch)
	return p.choice, nil
}

func (p *recordingPrompter) ConfirmCopied(batch int) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.confirm = append(p.confirm, batch)
	return p.copied, nil
}

func runtime() Runtime {
	return Runtime{Logger: discard(), PollInterval: 10 * time.Millisecond, RestartLimit: 3}
}

func newExtractor(ws workspace.Dir, u unit.Unloader, p Prompter) *Extractor {
	return &Extractor{
		Runtime:    runtime(),
		WS:         ws,
		Nodes:      slots.Nodes(nil, 2, "host=src"),
		Conns:      2,
		Discoverer: catalog.NewMockDiscoverer(scenario()),
		Unloader:   u,
		Prompter:   p,
	}
}

func extract(t *testing.T, e *Extractor, mode state.Mode, budget uint64) *Summary {
	t.Helper()
	sum, err := e.Run(context.Background(), ExtractOptions{Mode: mode, Budget: budget})
	if err != nil {
		t.Fatalf("extract (%s): %v", mode, err)
	}
	return sum
}

func records(t *testing.T, path string, failed bool) map[string]journal.Record {
	t.Helper()
	recs, err := journal.ReadRecords(path, failed)
	if err != nil {
		t.Fatal(err)
	}
	out := make(map[string]journal.Record, len(recs))
	for _, r := range recs {
		out[r.Key] = r
	}
	return out
}

func TestExtractScenario(t *testing.T) {
	ws := workspace.New(t.TempDir())
	mu := unit.NewMockUnit()
	sum := extract(t, newExtractor(ws, mu, AutoPrompter{Yes: true}), state.ModeFresh, 1000)

	if len(sum.Plan.Batches) != 2 {
		t.Fatalf("expected 2 batches, got %d", len(sum.Plan.Batches))
	}
	if b := sum.Plan.Batches[0]; b.ID != 1 || len(b.Items) != 1 || b.Items[0].Key != "app.t2" {
		t.Errorf("batch 1 = %+v, want {app.t2}", b)
	}
	if b := sum.Plan.Batches[1]; b.ID != 2 || len(b.Items) != 1 || b.Items[0].Key != "app.t1" {
		t.Errorf("batch 2 = %+v, want {app.t1}", b)
	}

	empties := records(t, ws.Success(workspace.PhaseExtract, 0), false)
	if r, ok := empties["app.t3"]; !ok || r.RowCount != 0 {
		t.Errorf("app.t3 should be recorded in batch 0 with 0 rows, got %+v", empties)
	}
	for _, c := range mu.Calls() {
		if c == "app.t3" {
			t.Error("empty table must not be unloaded")
		}
	}

	combined := records(t, ws.Combined(), false)
	if len(combined) != 3 {
		t.Errorf("combined ledger has %d records, want 3", len(combined))
	}
	if sum.Stopped != "" || sum.ExitCode() != 0 {
		t.Errorf("expected a complete run, stopped=%q exit=%d", sum.Stopped, sum.ExitCode())
	}
	st, err := state.Load(ws.State())
	if err != nil {
		t.Fatal(err)
	}
	if st.Phase != state.PhaseExtracted || st.BatchCount != 2 {
		t.Errorf("state = %+v", st)
	}
	if st.Batches[1].Status != state.BatchCopied || st.Batches[2].Status != state.BatchComplete {
		t.Errorf("batch states = %+v", st.Batches)
	}
	r, err := report.ReadJSON(ws.ReportJSON())
	if err != nil {
		t.Fatal(err)
	}
	if r.Status.Done != 3 || len(r.Batches) != 2 {
		t.Errorf("report = %+v", r)
	}
}

func TestCopyGateStopsUntilConfirmed(t *testing.T) {
	ws := workspace.New(t.TempDir())
	mu := unit.NewMockUnit()
	p := &recordingPrompter{}
	sum := extract(t, newExtractor(ws, mu, p), state.ModeFresh, 1000)

	if sum.Stopped == "" || sum.ExitCode() == 0 {
		t.Fatalf("expected the run to stop at the copy gate, got exit %d", sum.ExitCode())
	}
	if workspace.Exists(ws.Success(workspace.PhaseExtract, 2)) {
		t.Error("batch 2 must not start before batch 1 is copied")
	}
	if len(p.confirm) != 1 || p.confirm[0] != 1 {
		t.Errorf("confirmations = %v, want [1]", p.confirm)
	}

	// Resume once the operator confirms. Batch 1 is not extracted again.
	p.copied = true
	mu2 := unit.NewMockUnit()
	sum = extract(t, newExtractor(ws, mu2, p), state.ModeResume, 1000)
	if sum.Stopped != "" {
		t.Fatalf("resume stopped: %s", sum.Stopped)
	}
	if calls := mu2.Calls(); len(calls) != 1 || calls[0] != "app.t1" {
		t.Errorf("resume calls = %v, want [app.t1]", calls)
	}
}

func TestResumeIsIdempotent(t *testing.T) {
	ws := workspace.New(t.TempDir())
	extract(t, newExtractor(ws, unit.NewMockUnit(), AutoPrompter{Yes: true}), state.ModeFresh, 1000)

	before := records(t, ws.Combined(), false)
	mu := unit.NewMockUnit()
	sum := extract(t, newExtractor(ws, mu, AutoPrompter{Yes: true}), state.ModeResume, 1000)
	if n := len(mu.Calls()); n != 0 {
		t.Errorf("resume of a finished run unloaded %d tables", n)
	}
	after := records(t, ws.Combined(), false)
	if len(after) != len(before) {
		t.Errorf("combined ledger changed from %d to %d records", len(before), len(after))
	}
	if sum.ExitCode() != 0 {
		t.Errorf("exit = %d", sum.ExitCode())
	}
}

func TestCrashThenResume(t *testing.T) {
	ws := workspace.New(t.TempDir())
	mu := unit.NewMockUnit()
	mu.CrashOnce["app.t1"] = true
	e := newExtractor(ws, mu, AutoPrompter{Yes: true})
	sum := extract(t, e, state.ModeFresh, 1000)

	sp := ws.Success(workspace.PhaseExtract, 2)
	fp := ws.Failure(workspace.PhaseExtract, 2)
	if _, ok := records(t, sp, false)["app.t1"]; ok {
		t.Fatal("a table lost with its worker must not be recorded as a success")
	}
	if _, ok := records(t, fp, true)["app.t1"]; ok {
		t.Fatal("a table lost with its worker must not be recorded as a failure")
	}
	if sum.Stopped == "" {
		t.Error("a batch with a lost table must stop the cursor")
	}
	if len(sum.Report.Batches) == 0 || sum.Report.Batches[len(sum.Report.Batches)-1].Lost != 1 {
		t.Errorf("batch summaries = %+v", sum.Report.Batches)
	}

	sum = extract(t, newExtractor(ws, mu, AutoPrompter{Yes: true}), state.ModeResume, 1000)
	got := 0
	if _, ok := records(t, sp, false)["app.t1"]; ok {
		got++
	}
	if _, ok := records(t, fp, true)["app.t1"]; ok {
		got++
	}
	if got != 1 {
		t.Errorf("app.t1 recorded %d times after resume, want exactly once", got)
	}
	if sum.ExitCode() != 0 {
		t.Errorf("exit = %d", sum.ExitCode())
	}
}

func TestRetryBacksUpAndDropsFailures(t *testing.T) {
	ws := workspace.New(t.TempDir())
	mu := unit.NewMockUnit()
	mu.Errors["app.t2"] = errors.New("ORA-01555: snapshot too old")
	sum := extract(t, newExtractor(ws, mu, AutoPrompter{Yes: true}), state.ModeFresh, 1000)

	fp := ws.Failure(workspace.PhaseExtract, 1)
	if r, ok := records(t, fp, true)["app.t2"]; !ok || r.Cause == "" {
		t.Fatalf("expected app.t2 in the failure ledger with a cause, got %+v", r)
	}
	if sum.Stopped == "" {
		t.Fatal("a batch with failures must stop the cursor")
	}

	p := &recordingPrompter{choice: ChoiceResume, copied: true}
	delete(mu.Errors, "app.t2")
	sum = extract(t, newExtractor(ws, mu, p), state.ModeResume, 1000)
	if len(p.asked) != 1 || p.asked[0] != 1 {
		t.Errorf("prompted for batches %v, want [1]", p.asked)
	}
	if workspace.NonEmpty(fp) || journal.HasBackup(fp) {
		t.Error("a successful retry leaves no failure ledger content or backup")
	}
	if _, ok := records(t, ws.Success(workspace.PhaseExtract, 1), false)["app.t2"]; !ok {
		t.Error("app.t2 should succeed on retry")
	}
	if sum.ExitCode() != 0 {
		t.Errorf("exit = %d", sum.ExitCode())
	}
}

func TestSkipBatch(t *testing.T) {
	ws := workspace.New(t.TempDir())
	mu := unit.NewMockUnit()
	mu.Errors["app.t2"] = errors.New("permission denied")
	extract(t, newExtractor(ws, mu, AutoPrompter{Yes: true}), state.ModeFresh, 1000)

	dir := ws.UnitDir("102")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "102.csv"), []byte("partial\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	p := &recordingPrompter{choice: ChoiceSkip, copied: true}
	sum := extract(t, newExtractor(ws, mu, p), state.ModeResume, 1000)

	// The skipped batch still goes through the copy gate before batch 2.
	if len(p.confirm) != 1 || p.confirm[0] != 1 {
		t.Errorf("confirmations = %v, want [1]", p.confirm)
	}
	if workspace.Exists(filepath.Join(dir, "102.csv")) {
		t.Error("data of the skipped batch should be removed once copied")
	}

	fp := ws.Failure(workspace.PhaseExtract, 1)
	if workspace.NonEmpty(fp) || !journal.HasBackup(fp) {
		t.Error("skipping moves the failure ledger to its backup")
	}
	if _, ok := records(t, ws.Success(workspace.PhaseExtract, 2), false)["app.t1"]; !ok {
		t.Error("batch 2 should run after batch 1 is skipped")
	}
	if sum.Report.Status.Failed != 1 || sum.ExitCode() == 0 {
		t.Errorf("status = %+v exit=%d", sum.Report.Status, sum.ExitCode())
	}
	st, _ := state.Load(ws.State())
	if st.Batches[1].Status != state.BatchSkipped {
		t.Errorf("batch 1 status = %q", st.Batches[1].Status)
	}
}

func TestUnassignableGuidance(t *testing.T) {
	ws := workspace.New(t.TempDir())
	sum := extract(t, newExtractor(ws, unit.NewMockUnit(), AutoPrompter{Yes: true}), state.ModeFresh, 550)

	if len(sum.Plan.Unassignable) != 1 || sum.Plan.Unassignable[0].Key != "app.t2" {
		t.Fatalf("unassignable = %+v", sum.Plan.Unassignable)
	}
	if sum.Report.Status.Unassignable != 1 || sum.ExitCode() == 0 {
		t.Errorf("status = %+v", sum.Report.Status)
	}
	found := false
	for _, s := range sum.Report.NextSteps {
		if strings.Contains(s, "rebatch") {
			found = true
		}
	}
	if !found {
		t.Errorf("next steps %v should suggest a rebatch", sum.Report.NextSteps)
	}
}

func TestBudgetChangeRebatchesResidue(t *testing.T) {
	ws := workspace.New(t.TempDir())
	mu := unit.NewMockUnit()
	mu.Errors["app.t1"] = errors.New("boom")
	p := &recordingPrompter{choice: ChoiceResume, copied: true}
	extract(t, newExtractor(ws, mu, p), state.ModeFresh, 1000)

	delete(mu.Errors, "app.t1")
	sum := extract(t, newExtractor(ws, mu, p), state.ModeResume, 2000)
	// Batch 1 finished and is kept; t1 moves to a new batch numbered after
	// every old one.
	ids := make([]int, len(sum.Plan.Batches))
	for i, b := range sum.Plan.Batches {
		ids[i] = b.ID
	}
	if len(ids) != 2 || ids[0] != 1 || ids[1] != 3 {
		t.Errorf("batch ids = %v, want [1 3]", ids)
	}
	if sum.ExitCode() != 0 {
		t.Errorf("exit = %d", sum.ExitCode())
	}
	if _, err := os.Stat(ws.Batch(2)); !os.IsNotExist(err) {
		t.Error("stale batch file should be removed")
	}
}

func TestAutoUploadBeforeNextBatch(t *testing.T) {
	ws := workspace.New(t.TempDir())
	if err := ws.Init(); err != nil {
		t.Fatal(err)
	}
	dir := ws.UnitDir("102")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	os.WriteFile(filepath.Join(dir, "102.csv"), []byte("id\n1\n"), 0o644)
	os.WriteFile(filepath.Join(dir, "102.sql"), []byte("create table t2 (id int);"), 0o644)

	store := objectstore.NewMockStore()
	e := newExtractor(ws, unit.NewMockUnit(), &recordingPrompter{})
	e.Uploader = &objectstore.Uploader{Store: store, Prefix: "mig", Parallelism: 2, Logger: discard(), InitialInterval: time.Millisecond}
	sum := extract(t, e, state.ModeFresh, 1000)

	if sum.Stopped != "" {
		t.Fatalf("stopped: %s", sum.Stopped)
	}
	if store.Puts("mig/102/102.csv") != 1 {
		t.Error("batch 1 data should be uploaded before batch 2")
	}
	if workspace.Exists(filepath.Join(dir, "102.csv")) {
		t.Error("uploaded data should be removed")
	}
	if !workspace.Exists(filepath.Join(dir, "102.sql")) {
		t.Error("DDL scripts are kept")
	}
}

func TestPlanOnly(t *testing.T) {
	ws := workspace.New(t.TempDir())
	mu := unit.NewMockUnit()
	sum, err := newExtractor(ws, mu, nil).Run(context.Background(), ExtractOptions{Mode: state.ModeFresh, Budget: 1000, PlanOnly: true})
	if err != nil {
		t.Fatal(err)
	}
	if len(mu.Calls()) != 0 {
		t.Error("plan must not unload")
	}
	loaded, err := partition.Load(ws)
	if err != nil {
		t.Fatal(err)
	}
	if len(loaded.Batches) != len(sum.Plan.Batches) {
		t.Errorf("batch files hold %d batches, plan has %d", len(loaded.Batches), len(sum.Plan.Batches))
	}
}

func TestCancelledRunLeavesNoRecord(t *testing.T) {
	ws := workspace.New(t.TempDir())
	mu := unit.NewMockUnit()
	mu.Delay = time.Second
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := newExtractor(ws, mu, AutoPrompter{Yes: true}).Run(ctx, ExtractOptions{Mode: state.ModeFresh, Budget: 1000})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
	if n := len(records(t, ws.Success(workspace.PhaseExtract, 1), false)); n != 0 {
		t.Errorf("%d success records after cancel", n)
	}
	if n := len(records(t, ws.Failure(workspace.PhaseExtract, 1), true)); n != 0 {
		t.Errorf("%d failure records after cancel", n)
	}
}

func extracted(t *testing.T) workspace.Dir {
	t.Helper()
	ws := workspace.New(t.TempDir())
	extract(t, newExtractor(ws, unit.NewMockUnit(), AutoPrompter{Yes: true}), state.ModeFresh, 1000)
	return ws
}

func newLoadRunner(ws workspace.Dir, u unit.Loader) *LoadRunner {
	return &LoadRunner{
		Runtime: runtime(),
		WS:      ws,
		Nodes:   slots.ForLoad(slots.Nodes(nil, 2, "host=tgt"), 1, 2),
		Conns:   1,
		Unit:    u,
	}
}

func TestLoad(t *testing.T) {
	ws := extracted(t)
	mu := unit.NewMockUnit()
	sum, err := newLoadRunner(ws, mu).Run(context.Background(), LoadOptions{Mode: state.ModeFresh})
	if err != nil {
		t.Fatal(err)
	}
	loaded := records(t, ws.Success(workspace.PhaseLoad, 0), false)
	if len(loaded) != 3 {
		t.Errorf("loaded %d tables, want 3", len(loaded))
	}
	for _, c := range mu.Calls() {
		if c == "app.t3" {
			t.Error("zero-row table must be recorded without loading")
		}
	}
	if sum.ExitCode() != 0 {
		t.Errorf("exit = %d", sum.ExitCode())
	}
	st, _ := state.Load(ws.State())
	if st.Phase != state.PhaseLoaded {
		t.Errorf("phase = %q", st.Phase)
	}
}

func TestLoadRetryShortCircuit(t *testing.T) {
	ws := extracted(t)
	mu := unit.NewMockUnit()
	mu.Errors["app.t1"] = errors.New("duplicate key value violates unique constraint")
	sum, err := newLoadRunner(ws, mu).Run(context.Background(), LoadOptions{Mode: state.ModeFresh})
	if err != nil {
		t.Fatal(err)
	}
	if sum.ExitCode() == 0 {
		t.Fatal("a failed load must not exit 0")
	}

	// The target already holds every row, so the retry only counts.
	mu2 := unit.NewMockUnit()
	mu2.Loaded["app.t1"] = 100
	sum, err = newLoadRunner(ws, mu2).Run(context.Background(), LoadOptions{Mode: state.ModeResume})
	if err != nil {
		t.Fatal(err)
	}
	if r := mu2.Retries(); len(r) != 1 || r[0] != "app.t1" {
		t.Errorf("retries = %v, want [app.t1]", r)
	}
	if n := len(mu2.Calls()); n != 0 {
		t.Errorf("short circuit should skip reloading, got %d calls", n)
	}
	fp := ws.Failure(workspace.PhaseLoad, 0)
	if journal.HasBackup(fp) || workspace.NonEmpty(fp) {
		t.Error("a clean retry drops the backup")
	}
	if sum.ExitCode() != 0 {
		t.Errorf("exit = %d", sum.ExitCode())
	}
}

func TestLoadValidationGate(t *testing.T) {
	ws := extracted(t)
	mu := unit.NewMockUnit()
	l := newLoadRunner(ws, mu)
	l.Validator = &objectstore.StoreValidator{Store: objectstore.NewMockStore(), Prefix: "mig"}
	sum, err := l.Run(context.Background(), LoadOptions{Mode: state.ModeFresh})
	if err != nil {
		t.Fatal(err)
	}
	if n := len(mu.Calls()); n != 0 {
		t.Errorf("tables without uploaded files must not load, got %d calls", n)
	}
	failed := records(t, ws.Failure(workspace.PhaseLoad, 0), true)
	if len(failed) != 2 {
		t.Errorf("failure ledger has %d entries, want 2", len(failed))
	}
	if sum.Report.Status.Done != 1 {
		t.Errorf("only the zero-row table is done, got %+v", sum.Report.Status)
	}
}

func TestLoadWithoutExtraction(t *testing.T) {
	ws := workspace.New(t.TempDir())
	if _, err := newLoadRunner(ws, unit.NewMockUnit()).Run(context.Background(), LoadOptions{Mode: state.ModeFresh}); err == nil {
		t.Error("expected an error without extracted.out")
	}
}

func TestRebatchMovesResidue(t *testing.T) {
	ws := workspace.New(t.TempDir())
	mu := unit.NewMockUnit()
	mu.Errors["app.t1"] = errors.New("ORA-00942: table or view does not exist")
	p := &recordingPrompter{choice: ChoiceResume, copied: true}
	// t2 is parked; t1 fails in batch 1.
	e := newExtractor(ws, mu, p)
	extract(t, e, state.ModeFresh, 550)

	plan, moved, err := e.Rebatch(2000)
	if err != nil {
		t.Fatal(err)
	}
	if moved != 2 {
		t.Errorf("moved %d tables, want 2", moved)
	}
	if len(plan.Unassignable) != 0 || len(plan.Batches) != 1 || plan.Batches[0].ID != 2 {
		t.Fatalf("plan = %+v", plan)
	}
	if !journal.HasBackup(ws.Failure(workspace.PhaseExtract, 1)) {
		t.Error("the failure ledger of the emptied batch should be backed up")
	}

	delete(mu.Errors, "app.t1")
	sum := extract(t, newExtractor(ws, mu, p), state.ModeResume, 550)
	if sum.ExitCode() != 0 {
		t.Errorf("exit = %d, status %+v, stopped %q", sum.ExitCode(), sum.Report.Status, sum.Stopped)
	}
	if len(p.asked) != 0 {
		t.Errorf("no batch should prompt after a rebatch, asked %v", p.asked)
	}
}

func TestRebatchNothingToDo(t *testing.T) {
	ws := workspace.New(t.TempDir())
	e := newExtractor(ws, unit.NewMockUnit(), AutoPrompter{Yes: true})
	extract(t, e, state.ModeFresh, 1000)
	if _, moved, err := e.Rebatch(1000); err != nil || moved != 0 {
		t.Errorf("moved=%d err=%v", moved, err)
	}
	if _, _, err := e.Rebatch(0); err == nil {
		t.Error("a zero budget should be rejected")
	}
}

func TestCopyCommand(t *testing.T) {
	ws := workspace.New(t.TempDir())
	e := newExtractor(ws, unit.NewMockUnit(), &recordingPrompter{})
	extract(t, e, state.ModeFresh, 1000)

	dir := ws.UnitDir("102")
	os.MkdirAll(dir, 0o755)
	os.WriteFile(filepath.Join(dir, "102.csv"), []byte("id\n1\n2\n"), 0o644)

	if _, err := e.Copy(context.Background(), 1, false); err == nil {
		t.Fatal("copy without an object store should fail")
	}
	store := objectstore.NewMockStore()
	e.Uploader = &objectstore.Uploader{Store: store, Logger: discard()}
	stats, err := e.Copy(context.Background(), 1, true)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Files != 1 || store.Puts("102/102.csv") != 1 {
		t.Errorf("stats = %+v", stats)
	}
	if !workspace.Exists(filepath.Join(dir, "102.csv")) {
		t.Error("keep should leave local data in place")
	}

	// A copied batch passes the gate without asking.
	p := &recordingPrompter{}
	sum := extract(t, newExtractor(ws, unit.NewMockUnit(), p), state.ModeResume, 1000)
	if len(p.confirm) != 0 || sum.Stopped != "" {
		t.Errorf("confirm=%v stopped=%q", p.confirm, sum.Stopped)
	}
}

func TestCurrentStatus(t *testing.T) {
	ws := workspace.New(t.TempDir())
	if _, err := CurrentStatus(ws); err == nil {
		t.Error("expected an error without a catalog")
	}
	mu := unit.NewMockUnit()
	mu.Errors["app.t2"] = errors.New("boom")
	extract(t, newExtractor(ws, mu, AutoPrompter{Yes: true}), state.ModeFresh, 1000)

	c, err := CurrentStatus(ws)
	if err != nil {
		t.Fatal(err)
	}
	if c.Total != 3 || c.Done != 1 || c.Failed != 1 || c.Missing != 1 {
		t.Errorf("status = %+v", c)
	}
}

func TestResumeWithoutBudgetKeepsFinishedBatches(t *testing.T) {
	ws := workspace.New(t.TempDir())
	extract(t, newExtractor(ws, unit.NewMockUnit(), AutoPrompter{Yes: true}), state.ModeFresh, 1000)

	mu := unit.NewMockUnit()
	sum := extract(t, newExtractor(ws, mu, AutoPrompter{Yes: true}), state.ModeResume, 0)
	if calls := mu.Calls(); len(calls) != 0 {
		t.Errorf("unbatched resume of a finished run unloaded %v", calls)
	}
	if n := len(records(t, ws.Combined(), false)); n != 3 {
		t.Errorf("combined ledger has %d records, want 3", n)
	}
	if sum.ExitCode() != 0 {
		t.Errorf("exit = %d", sum.ExitCode())
	}
}

func TestResumeWithoutBudgetRunsOnlyResidue(t *testing.T) {
	ws := workspace.New(t.TempDir())
	mu := unit.NewMockUnit()
	mu.Errors["app.t1"] = errors.New("ORA-01555: snapshot too old")
	extract(t, newExtractor(ws, mu, AutoPrompter{Yes: true}), state.ModeFresh, 1000)

	mu2 := unit.NewMockUnit()
	sum := extract(t, newExtractor(ws, mu2, AutoPrompter{Yes: true}), state.ModeResume, 0)
	if calls := mu2.Calls(); len(calls) != 1 || calls[0] != "app.t1" {
		t.Errorf("calls = %v, want [app.t1]", calls)
	}
	// The residue gets a new id; batch 0 belongs to the empty tables.
	ids := make([]int, len(sum.Plan.Batches))
	for i, b := range sum.Plan.Batches {
		ids[i] = b.ID
	}
	if len(ids) != 2 || ids[0] != 1 || ids[1] != 3 {
		t.Errorf("batch ids = %v, want [1 3]", ids)
	}
	if sum.ExitCode() != 0 {
		t.Errorf("exit = %d, status %+v", sum.ExitCode(), sum.Report.Status)
	}
}

func TestLoadFetchesCopiedBatches(t *testing.T) {
	ctx := context.Background()
	ws := workspace.New(t.TempDir())
	store := objectstore.NewMockStore()
	mu := unit.NewMockUnit()
	mu.Files = true
	e := newExtractor(ws, mu, &recordingPrompter{})
	e.Uploader = &objectstore.Uploader{Store: store, Prefix: "mig", Parallelism: 2, Logger: discard(), InitialInterval: time.Millisecond}
	if sum := extract(t, e, state.ModeFresh, 1000); sum.Stopped != "" {
		t.Fatalf("stopped: %s", sum.Stopped)
	}
	if _, err := e.Copy(ctx, 2, false); err != nil {
		t.Fatal(err)
	}
	for _, id := range []string{"101", "102"} {
		if workspace.Exists(filepath.Join(ws.UnitDir(id), id+".csv")) {
			t.Fatalf("data of unit %s should be removed after copy", id)
		}
	}

	loader := unit.NewMockUnit()
	loader.Files = true
	l := newLoadRunner(ws, loader)
	l.Validator = &objectstore.StoreValidator{Store: store, Prefix: "mig"}
	l.Fetcher = &objectstore.Fetcher{Store: store, Prefix: "mig", Logger: discard(), InitialInterval: time.Millisecond}
	sum, err := l.Run(ctx, LoadOptions{Mode: state.ModeFresh})
	if err != nil {
		t.Fatal(err)
	}
	if s := sum.Report.Status; s.Done != 3 || s.Failed != 0 || sum.ExitCode() != 0 {
		t.Errorf("status = %+v exit=%d", s, sum.ExitCode())
	}
	if n := len(loader.Calls()); n != 2 {
		t.Errorf("loaded %d tables, want 2", n)
	}
	if store.Gets("mig/101/101.csv") != 1 || store.Gets("mig/102/102.csv") != 1 {
		t.Error("each copied data file should be fetched once")
	}
	if workspace.Exists(filepath.Join(ws.UnitDir("101"), "101.csv")) {
		t.Error("fetched data should be removed after loading")
	}

	// Without a store to fetch from, copied tables fail instead of loading
	// from an empty directory.
	l2 := newLoadRunner(ws, unit.NewMockUnit())
	sum, err = l2.Run(ctx, LoadOptions{Mode: state.ModeFresh})
	if err != nil {
		t.Fatal(err)
	}
	failed := records(t, ws.Failure(workspace.PhaseLoad, 0), true)
	if len(failed) != 2 || sum.ExitCode() == 0 {
		t.Errorf("failures = %v exit=%d", failed, sum.ExitCode())
	}
}

func TestLedgersPartitionCatalog(t *testing.T) {
	items := []catalog.WorkItem{
		{Key: "app.big", RowCount: 9, Weight: 1500, UnitID: "200"},
		{Key: "app.t1", RowCount: 6, Weight: 600, UnitID: "201"},
		{Key: "app.t2", RowCount: 5, Weight: 500, UnitID: "202"},
		{Key: "app.t3", RowCount: 3, Weight: 300, UnitID: "203"},
		{Key: "app.t4", RowCount: 1, Weight: 100, UnitID: "204"},
		{Key: "app.e", RowCount: 0, Weight: 0, UnitID: "205"},
	}
	tests := []struct {
		name   string
		errors []string
		crash  []string
		resume *Choice
	}{
		{name: "all succeed"},
		{name: "failure in last batch", errors: []string{"app.t3"}},
		{name: "failed batch skipped", errors: []string{"app.t1"}, resume: func() *Choice { c := ChoiceSkip; return &c }()},
		{name: "lost table resumed", crash: []string{"app.t2"}, resume: func() *Choice { c := ChoiceResume; return &c }()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ws := workspace.New(t.TempDir())
			mu := unit.NewMockUnit()
			for _, k := range tt.errors {
				mu.Errors[k] = errors.New("ORA-00942: table or view does not exist")
			}
			for _, k := range tt.crash {
				mu.CrashOnce[k] = true
			}
			e := newExtractor(ws, mu, AutoPrompter{Yes: true})
			e.Discoverer = catalog.NewMockDiscoverer(items)
			extract(t, e, state.ModeFresh, 1000)
			if tt.resume != nil {
				e = newExtractor(ws, mu, &recordingPrompter{choice: *tt.resume, copied: true})
				e.Discoverer = catalog.NewMockDiscoverer(items)
				extract(t, e, state.ModeResume, 1000)
			}

			successPaths, err := ws.SuccessLedgers()
			if err != nil {
				t.Fatal(err)
			}
			failurePaths, err := ws.FailureLedgers()
			if err != nil {
				t.Fatal(err)
			}
			success, err := journal.ReadKeys(false, successPaths...)
			if err != nil {
				t.Fatal(err)
			}
			failure, err := journal.ReadKeys(true, failurePaths...)
			if err != nil {
				t.Fatal(err)
			}
			parked, err := catalog.ReadFile(ws.Unassignable())
			if err != nil {
				t.Fatal(err)
			}
			if len(parked) != 1 || parked[0].Key != "app.big" {
				t.Errorf("unassignable = %+v, want [app.big]", parked)
			}

			seen := make(map[string]int)
			for k := range success {
				seen[k]++
			}
			for k := range failure {
				seen[k]++
			}
			for _, it := range parked {
				seen[it.Key]++
			}
			for _, it := range items {
				if n := seen[it.Key]; n != 1 {
					t.Errorf("%s is in %d of success, failure and unassignable, want 1", it.Key, n)
				}
				delete(seen, it.Key)
			}
			if len(seen) != 0 {
				t.Errorf("ledgers hold keys outside the catalog: %v", seen)
			}
		})
	}
}
