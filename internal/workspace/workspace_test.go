package workspace

import (
	"os"
	"path/filepath"
	"testing"
)

func touch(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestBatchIDs(t *testing.T) {
	d := New(t.TempDir())
	if err := d.Init(); err != nil {
		t.Fatal(err)
	}
	for _, id := range []int{10, 2, 1} {
		touch(t, d.Batch(id), "")
	}
	touch(t, filepath.Join(d.Root, "batch_x.list"), "")

	ids, err := d.BatchIDs()
	if err != nil {
		t.Fatalf("BatchIDs: %v", err)
	}
	want := []int{1, 2, 10}
	if len(ids) != len(want) {
		t.Fatalf("expected %v, got %v", want, ids)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Errorf("ids[%d] = %d, want %d", i, ids[i], want[i])
		}
	}
}

func TestBatchIDs_MissingDir(t *testing.T) {
	d := New(filepath.Join(t.TempDir(), "nope"))
	ids, err := d.BatchIDs()
	if err != nil || ids != nil {
		t.Errorf("expected no ids and no error, got %v %v", ids, err)
	}
}

func TestLedgerNames(t *testing.T) {
	d := New("/m")
	if got := d.Success(PhaseExtract, 3); got != "/m/extracted_batch_3.out" {
		t.Errorf("unexpected success ledger %s", got)
	}
	if got := d.Failure(PhaseExtract, 0); got != "/m/failure_batch_0.err" {
		t.Errorf("unexpected failure ledger %s", got)
	}
	if d.Success(PhaseLoad, 7) != d.Success(PhaseLoad, 1) {
		t.Error("load phase should use a single success ledger")
	}
}

func TestGlobs(t *testing.T) {
	d := New(t.TempDir())
	touch(t, d.Success(PhaseExtract, 1), "a,1,1\n")
	touch(t, d.Success(PhaseExtract, 2), "")
	touch(t, d.Failure(PhaseExtract, 2)+BackupSuffix, "b,2\n")
	touch(t, d.Combined(), "")

	ledgers, _ := d.SuccessLedgers()
	if len(ledgers) != 2 {
		t.Errorf("expected 2 success ledgers, got %v", ledgers)
	}
	backups, _ := d.Backups()
	if len(backups) != 1 {
		t.Errorf("expected 1 backup, got %v", backups)
	}
	if !NonEmpty(d.Success(PhaseExtract, 1)) || NonEmpty(d.Success(PhaseExtract, 2)) {
		t.Error("NonEmpty misreported ledger content")
	}
}

func TestClean(t *testing.T) {
	d := New(t.TempDir())
	if err := d.Init(); err != nil {
		t.Fatal(err)
	}
	keep := []string{d.Catalog(), filepath.Join(d.UnitDir("7"), "7.csv")}
	os.MkdirAll(d.UnitDir("7"), 0o755)
	extract := []string{d.Batch(1), d.Unassignable(), d.Success(PhaseExtract, 1), d.Failure(PhaseExtract, 1),
		d.Failure(PhaseExtract, 1) + BackupSuffix, d.Combined(), d.State()}
	load := []string{d.Success(PhaseLoad, 0), d.Failure(PhaseLoad, 0), d.Failure(PhaseLoad, 0) + BackupSuffix}
	for _, p := range append(append(append([]string{}, keep...), extract...), load...) {
		touch(t, p, "x")
	}

	if err := d.Clean(PhaseLoad); err != nil {
		t.Fatal(err)
	}
	for _, p := range load {
		if Exists(p) {
			t.Errorf("%s should be removed by a load clean", p)
		}
	}
	if !Exists(d.Batch(1)) {
		t.Error("a load clean must keep extraction files")
	}

	if err := d.Clean(PhaseExtract); err != nil {
		t.Fatal(err)
	}
	for _, p := range extract {
		if Exists(p) {
			t.Errorf("%s should be removed", p)
		}
	}
	for _, p := range keep {
		if !Exists(p) {
			t.Errorf("%s should be kept", p)
		}
	}
}
