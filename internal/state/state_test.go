package state

import (
	"path/filepath"
	"testing"
)

func TestLoadMissingIsFresh(t *testing.T) {
	s, err := Load(filepath.Join(t.TempDir(), "state.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if s.Phase != PhasePlanned || s.RunID == "" || s.Batches == nil {
		t.Errorf("unexpected fresh state %+v", s)
	}
}

func TestSaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.yaml")
	s := New()
	s.Phase = PhaseExtracting
	s.Mode = ModeResume
	s.Budget = 1000
	s.BatchCount = 2
	s.CurrentBatch = 2
	s.SetBatch(1, BatchState{Status: BatchComplete, Tables: 3, Bytes: 900, Success: 3})
	s.SetBatch(2, BatchState{Status: BatchRunning, Tables: 1})
	if err := s.Save(path); err != nil {
		t.Fatal(err)
	}

	got, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if got.RunID != s.RunID || got.Phase != PhaseExtracting || got.CurrentBatch != 2 {
		t.Errorf("unexpected state %+v", got)
	}
	if got.Batches[1].CompletedAt.IsZero() {
		t.Error("expected completion time on a complete batch")
	}
	if ids := got.BatchIDs(); len(ids) != 2 || ids[0] != 1 {
		t.Errorf("unexpected batch ids %v", ids)
	}
	got.MarkBatch(2, BatchPartial)
	if got.Batches[2].Tables != 1 || got.Batches[2].Status != BatchPartial {
		t.Errorf("MarkBatch lost fields: %+v", got.Batches[2])
	}
}

func TestBudgetChanged(t *testing.T) {
	s := New()
	if s.BudgetChanged(5) {
		t.Error("a state that never planned cannot have a changed budget")
	}
	s.BatchCount = 3
	s.Budget = 5
	if s.BudgetChanged(5) || !s.BudgetChanged(6) {
		t.Error("unexpected BudgetChanged result")
	}
}

func TestParseMode(t *testing.T) {
	tests := []struct {
		in      string
		want    Mode
		wantErr bool
	}{
		{"fresh", ModeFresh, false},
		{"resume", ModeResume, false},
		{"", ModeFresh, false},
		{"restart", "", true},
	}
	for _, tt := range tests {
		got, err := ParseMode(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParseMode(%q) = %q, %v", tt.in, got, err)
		}
	}
}
