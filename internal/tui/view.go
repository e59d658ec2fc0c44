package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"innervoice/internal/domain"
	"innervoice/internal/narrator"
)

const historyLines = 5

type styles struct {
	title    lipgloss.Style
	stats    lipgloss.Style
	balance  lipgloss.Style
	box      lipgloss.Style
	text     lipgloss.Style
	dim      lipgloss.Style
	label    lipgloss.Style
	selected lipgloss.Style
	done     lipgloss.Style
	err      lipgloss.Style
	help     lipgloss.Style
	persona  map[domain.Persona]lipgloss.Style
}

func defaultStyles() styles {
	persona := map[domain.Persona]lipgloss.Color{
		domain.Logic:            "39",
		domain.Volition:         "255",
		domain.InlandEmpire:     "141",
		domain.Electrochemistry: "208",
		domain.Empathy:          "218",
		domain.HalfLight:        "196",
		domain.Authority:        "220",
	}
	s := styles{
		title:    lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("230")),
		stats:    lipgloss.NewStyle().Foreground(lipgloss.Color("245")),
		balance:  lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("220")),
		box:      lipgloss.NewStyle().Border(lipgloss.NormalBorder()).BorderForeground(lipgloss.Color("240")).Padding(0, 1),
		text:     lipgloss.NewStyle().Foreground(lipgloss.Color("252")),
		dim:      lipgloss.NewStyle().Foreground(lipgloss.Color("242")),
		label:    lipgloss.NewStyle().Foreground(lipgloss.Color("208")).Bold(true),
		selected: lipgloss.NewStyle().Foreground(lipgloss.Color("208")),
		done:     lipgloss.NewStyle().Foreground(lipgloss.Color("242")).Strikethrough(true),
		err:      lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
		help:     lipgloss.NewStyle().Foreground(lipgloss.Color("240")),
		persona:  map[domain.Persona]lipgloss.Style{},
	}
	for p, c := range persona {
		s.persona[p] = lipgloss.NewStyle().Bold(true).Foreground(c)
	}
	return s
}

func (s styles) speaker(p domain.Persona) string {
	st, ok := s.persona[p]
	if !ok {
		st = s.title
	}
	return st.Render(strings.ToUpper(string(p)))
}

func (m Model) View() string {
	var b strings.Builder
	b.WriteString(m.header())
	b.WriteString("\n\n")
	switch m.view {
	case viewTasks:
		b.WriteString(m.taskList())
	case viewStore:
		b.WriteString(m.store())
	default:
		b.WriteString(m.hub())
	}
	if m.adding {
		b.WriteString("\n")
		b.WriteString(m.input.View())
	}
	if m.status != "" {
		b.WriteString("\n")
		if m.isErr {
			b.WriteString(m.styles.err.Render(m.status))
		} else {
			b.WriteString(m.styles.dim.Render(m.status))
		}
	}
	b.WriteString("\n\n")
	b.WriteString(m.styles.help.Render(m.helpLine()))
	b.WriteString("\n")
	return b.String()
}

func (m Model) header() string {
	st := m.state.Stats
	stats := m.styles.stats.Render(fmt.Sprintf("INT %d  PSY %d  FYS %d  MOT %d", st.Intellect, st.Psyche, st.Physique, st.Motorics))
	return lipgloss.JoinHorizontal(lipgloss.Top,
		m.styles.title.Render("INNER VOICE"), "   ",
		stats, "   ",
		m.styles.balance.Render(m.state.Balance.String()))
}

func (m Model) hub() string {
	var b strings.Builder
	history := m.state.History
	if len(history) > historyLines {
		history = history[len(history)-historyLines:]
	}
	for _, msg := range history {
		fmt.Fprintf(&b, "%s %s\n", m.styles.dim.Render(string(msg.Persona)+":"), m.styles.dim.Render(msg.Text))
	}
	q := narrator.Queue{Pending: m.state.Pending, History: m.state.History}
	active, ok := q.Active()
	if !ok {
		if !m.loaded {
			return b.String() + m.styles.dim.Render("...")
		}
		return b.String() + m.styles.dim.Render("(silence)")
	}
	width := max(m.width-4, 20)
	body := m.styles.speaker(active.Persona) + " - " + m.styles.text.Render(active.Text) +
		"\n" + m.styles.label.Render("["+strings.ToUpper(q.AdvanceLabel())+"]")
	b.WriteString(m.styles.box.Width(width).Render(body))
	return b.String()
}

func (m Model) taskList() string {
	if len(m.state.Tasks) == 0 {
		return m.styles.dim.Render("no tasks")
	}
	var b strings.Builder
	for i, t := range m.state.Tasks {
		mark := "[ ]"
		if t.Completed {
			mark = "[x]"
		}
		line := fmt.Sprintf("%s %s  %s %s", mark, t.Text, t.Difficulty, t.RewardValue)
		switch {
		case i == m.cursor:
			line = m.styles.selected.Render("> " + line)
		case t.Completed:
			line = "  " + m.styles.done.Render(line)
		default:
			line = "  " + line
		}
		b.WriteString(line + "\n")
	}
	return b.String()
}

func (m Model) store() string {
	if len(m.state.Rewards) == 0 {
		return m.styles.dim.Render("the store is empty")
	}
	var b strings.Builder
	for i, r := range m.state.Rewards {
		line := fmt.Sprintf("%s  %s", r.Text, r.Cost)
		if r.Cost > m.state.Balance {
			line = m.styles.dim.Render(line)
		}
		if i == m.cursor {
			line = m.styles.selected.Render("> ") + line
		} else {
			line = "  " + line
		}
		b.WriteString(line + "\n")
	}
	return b.String()
}

func (m Model) helpLine() string {
	switch {
	case m.adding:
		return "enter save  esc cancel"
	case m.view == viewTasks:
		return "j/k move  enter toggle  a add  d delete  esc back"
	case m.view == viewStore:
		return "j/k move  enter buy  a add  d delete  esc back"
	default:
		return "enter next  t tasks  s store  q quit"
	}
}
