// Package prompt asks the operator the questions a run cannot answer on its
// own, using full-screen bubbletea prompts.
package prompt

import (
	"errors"
	"fmt"
	"io"
	"os"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/reloquent/tableshift/internal/orchestrator"
)

// ErrCancelled is returned when the operator leaves a prompt.
var ErrCancelled = errors.New("cancelled by operator")

// Terminal implements orchestrator.Prompter on a terminal.
type Terminal struct {
	In  io.Reader
	Out io.Writer
}

// NewTerminal returns a prompter on stdin and stdout.
func NewTerminal() *Terminal {
	return &Terminal{In: os.Stdin, Out: os.Stdout}
}

// Interactive reports whether stdin is attached to a terminal.
func Interactive() bool {
	info, err := os.Stdin.Stat()
	return err == nil && info.Mode()&os.ModeCharDevice != 0
}

func (t *Terminal) run(m tea.Model) (tea.Model, error) {
	opts := []tea.ProgramOption{}
	if t.In != nil {
		opts = append(opts, tea.WithInput(t.In))
	}
	if t.Out != nil {
		opts = append(opts, tea.WithOutput(t.Out))
	}
	final, err := tea.NewProgram(m, opts...).Run()
	if err != nil {
		return nil, fmt.Errorf("running prompt: %w", err)
	}
	return final, nil
}

// ResumeOrSkip implements orchestrator.Prompter.
func (t *Terminal) ResumeOrSkip(batch, failures int) (orchestrator.Choice, error) {
	m := NewChoiceModel(
		fmt.Sprintf("Batch %d has failures", batch),
		fmt.Sprintf("%d tables failed in the last run of batch %d.", failures, batch),
		"Resume this batch and retry the failed tables",
		"Skip to the next batch (failures are kept in the backup ledger)",
	)
	final, err := t.run(m)
	if err != nil {
		return orchestrator.ChoiceResume, err
	}
	cm := final.(ChoiceModel)
	if cm.Cancelled() {
		return orchestrator.ChoiceResume, ErrCancelled
	}
	if cm.Selected() == 1 {
		return orchestrator.ChoiceSkip, nil
	}
	return orchestrator.ChoiceResume, nil
}

// ConfirmCopied implements orchestrator.Prompter.
func (t *Terminal) ConfirmCopied(batch int) (bool, error) {
	m := NewChoiceModel(
		fmt.Sprintf("Copy batch %d", batch),
		fmt.Sprintf("Has the data of batch %d been copied to the object store? Its local files are deleted once confirmed.", batch),
		"Yes, delete the local files and continue",
		"No, stop here",
	)
	final, err := t.run(m)
	if err != nil {
		return false, err
	}
	cm := final.(ChoiceModel)
	if cm.Cancelled() {
		return false, nil
	}
	return cm.Selected() == 0, nil
}

// BudgetGB asks for a batch budget in GB.
func (t *Terminal) BudgetGB(suggested uint64) (uint64, error) {
	final, err := t.run(NewBudgetModel(suggested))
	if err != nil {
		return 0, err
	}
	bm := final.(BudgetModel)
	if bm.Cancelled() {
		return 0, ErrCancelled
	}
	return bm.Value(), nil
}
