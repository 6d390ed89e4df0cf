// Package report writes the end-of-run summary in JSON and text form.
package report

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/reloquent/tableshift/internal/status"
)

// RunReport is the final report of one invocation.
type RunReport struct {
	Version     string          `json:"version"`
	RunID       string          `json:"run_id"`
	Phase       string          `json:"phase"`
	Mode        string          `json:"mode"`
	GeneratedAt time.Time       `json:"generated_at"`
	Budget      uint64          `json:"budget"`
	Elapsed     time.Duration   `json:"elapsed"`
	Batches     []BatchSummary  `json:"batches,omitempty"`
	Status      status.Combined `json:"status"`
	FailureLog  []string        `json:"failure_log,omitempty"`
	NextSteps   []string        `json:"next_steps"`
}

// BatchSummary describes one batch handled in the run.
type BatchSummary struct {
	ID       int           `json:"id"`
	Tables   int           `json:"tables"`
	Bytes    uint64        `json:"bytes"`
	Success  int           `json:"success"`
	Failure  int           `json:"failure"`
	Lost     int           `json:"lost,omitempty"`
	Stranded int           `json:"stranded,omitempty"`
	Restarts int           `json:"restarts,omitempty"`
	Status   string        `json:"status"`
	Elapsed  time.Duration `json:"elapsed"`
}

// ExitCode mirrors the status verdict.
func (r *RunReport) ExitCode() int {
	return r.Status.ExitCode()
}

// WriteJSON writes the report as JSON.
func WriteJSON(r *RunReport, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating report directory: %w", err)
	}
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling report: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// ReadJSON reads a report from a JSON file.
func ReadJSON(path string) (*RunReport, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading report: %w", err)
	}
	r := &RunReport{}
	if err := json.Unmarshal(data, r); err != nil {
		return nil, fmt.Errorf("parsing report: %w", err)
	}
	return r, nil
}

// WriteText writes the report as human-readable text.
func WriteText(r *RunReport, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating report directory: %w", err)
	}
	return os.WriteFile(path, []byte(FormatText(r)), 0o644)
}

// Write writes both forms.
func Write(r *RunReport, jsonPath, textPath string) error {
	if err := WriteJSON(r, jsonPath); err != nil {
		return err
	}
	return WriteText(r, textPath)
}

// FormatText renders the report as human-readable text.
func FormatText(r *RunReport) string {
	var b strings.Builder

	fmt.Fprintf(&b, "=== tableshift %s report ===\n", r.Phase)
	fmt.Fprintf(&b, "Run:       %s (%s)\n", r.RunID, r.Mode)
	fmt.Fprintf(&b, "Generated: %s\n", r.GeneratedAt.Format(time.RFC3339))
	fmt.Fprintf(&b, "Elapsed:   %s\n", status.Elapsed(r.Elapsed))
	if r.Budget > 0 {
		fmt.Fprintf(&b, "Budget:    %s\n", humanize.IBytes(r.Budget))
	} else {
		b.WriteString("Budget:    unbatched\n")
	}
	b.WriteString("\n")

	if len(r.Batches) > 0 {
		b.WriteString("Batches:\n")
		for _, bs := range r.Batches {
			fmt.Fprintf(&b, "  %3d  %-9s %5d tables %10s  ok %d  failed %d",
				bs.ID, bs.Status, bs.Tables, humanize.IBytes(bs.Bytes), bs.Success, bs.Failure)
			if bs.Lost+bs.Stranded > 0 {
				fmt.Fprintf(&b, "  unrecorded %d", bs.Lost+bs.Stranded)
			}
			if bs.Restarts > 0 {
				fmt.Fprintf(&b, "  restarts %d", bs.Restarts)
			}
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}

	s := r.Status
	b.WriteString("Status:\n")
	fmt.Fprintf(&b, "  Outcome:      %s\n", s.Outcome)
	fmt.Fprintf(&b, "  Tables:       %d\n", s.Total)
	fmt.Fprintf(&b, "  Done:         %d\n", s.Done)
	fmt.Fprintf(&b, "  Failed:       %d\n", s.Failed)
	fmt.Fprintf(&b, "  Not attempted: %d\n", s.Missing)
	if s.Unassignable > 0 {
		fmt.Fprintf(&b, "  Over budget:  %d (largest %s)\n", s.Unassignable, humanize.IBytes(s.MaxUnassignableWeight))
	}
	b.WriteString("\n")

	if len(r.FailureLog) > 0 {
		b.WriteString("Failure ledgers:\n")
		for _, p := range r.FailureLog {
			fmt.Fprintf(&b, "  %s\n", p)
		}
		b.WriteString("\n")
	}

	b.WriteString("Next Steps:\n")
	for i, step := range r.NextSteps {
		fmt.Fprintf(&b, "  %d. %s\n", i+1, step)
	}
	return b.String()
}
