package prompt

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
)

// BudgetModel reads a batch budget in whole GB.
type BudgetModel struct {
	input     textinput.Model
	suggested uint64
	value     uint64
	err       error
	done      bool
	cancelled bool
}

// NewBudgetModel creates a budget input. suggested, when non-zero, is
// accepted by pressing enter on an empty field.
func NewBudgetModel(suggested uint64) BudgetModel {
	in := textinput.New()
	in.Placeholder = "100"
	if suggested > 0 {
		in.Placeholder = strconv.FormatUint(suggested, 10)
	}
	in.CharLimit = 12
	in.Focus()
	return BudgetModel{input: in, suggested: suggested}
}

func (m BudgetModel) Init() tea.Cmd {
	return textinput.Blink
}

func (m BudgetModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	if key, ok := msg.(tea.KeyMsg); ok {
		switch key.String() {
		case "enter":
			v, err := parseGB(m.input.Value(), m.suggested)
			if err != nil {
				m.err = err
				return m, nil
			}
			m.value = v
			m.done = true
			return m, tea.Quit
		case "esc", "ctrl+c":
			m.done = true
			m.cancelled = true
			return m, tea.Quit
		}
	}
	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func parseGB(s string, suggested uint64) (uint64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		if suggested > 0 {
			return suggested, nil
		}
		return 0, fmt.Errorf("enter a budget in GB")
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil || v == 0 {
		return 0, fmt.Errorf("%q is not a positive whole number of GB", s)
	}
	return v, nil
}

func (m BudgetModel) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("Batch budget"))
	b.WriteString("\n\n")
	if m.suggested > 0 {
		b.WriteString(warnStyle.Render(fmt.Sprintf("  The largest parked table needs at least %d GB.", m.suggested)))
		b.WriteString("\n\n")
	}
	b.WriteString("  Budget (GB): " + m.input.View() + "\n")
	if m.err != nil {
		b.WriteString("\n" + errStyle.Render("  "+m.err.Error()) + "\n")
	}
	b.WriteString("\n")
	b.WriteString(dimStyle.Render("  enter: accept  esc: cancel"))
	return b.String()
}

// Value returns the accepted budget in GB.
func (m BudgetModel) Value() uint64 {
	return m.value
}

// Done returns true when the model is finished.
func (m BudgetModel) Done() bool {
	return m.done
}

// Cancelled returns true if the user cancelled.
func (m BudgetModel) Cancelled() bool {
	return m.cancelled
}
