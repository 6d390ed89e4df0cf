package prompt

import (
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
)

// ChoiceModel asks the operator to pick one of a few options.
type ChoiceModel struct {
	title     string
	detail    string
	options   []string
	cursor    int
	done      bool
	cancelled bool
}

// NewChoiceModel creates a choice model with the first option selected.
func NewChoiceModel(title, detail string, options ...string) ChoiceModel {
	return ChoiceModel{title: title, detail: detail, options: options}
}

func (m ChoiceModel) Init() tea.Cmd {
	return nil
}

func (m ChoiceModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	key, ok := msg.(tea.KeyMsg)
	if !ok {
		return m, nil
	}
	switch key.String() {
	case "up", "k":
		if m.cursor > 0 {
			m.cursor--
		}
	case "down", "j", "tab":
		if m.cursor < len(m.options)-1 {
			m.cursor++
		}
	case "enter":
		m.done = true
		return m, tea.Quit
	case "q", "esc", "ctrl+c":
		m.done = true
		m.cancelled = true
		return m, tea.Quit
	default:
		// Digits pick an option directly.
		if s := key.String(); len(s) == 1 && s[0] >= '1' && int(s[0]-'0') <= len(m.options) {
			m.cursor = int(s[0] - '1')
			m.done = true
			return m, tea.Quit
		}
	}
	return m, nil
}

func (m ChoiceModel) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render(m.title))
	b.WriteString("\n\n")
	if m.detail != "" {
		b.WriteString("  " + m.detail + "\n\n")
	}
	for i, opt := range m.options {
		line := fmt.Sprintf("%d. %s", i+1, opt)
		if i == m.cursor {
			b.WriteString(highlightStyle.Render("> " + line))
		} else {
			b.WriteString("  " + line)
		}
		b.WriteString("\n")
	}
	b.WriteString("\n")
	b.WriteString(dimStyle.Render("  ↑/↓: move  enter: choose  q: cancel"))
	return b.String()
}

// Selected returns the index of the chosen option.
func (m ChoiceModel) Selected() int {
	return m.cursor
}

// Done returns true when the model is finished.
func (m ChoiceModel) Done() bool {
	return m.done
}

// Cancelled returns true if the user cancelled.
func (m ChoiceModel) Cancelled() bool {
	return m.cancelled
}
