// Package tui is the interactive terminal front end: a hub where the inner
// voices speak, and task and store views where they are held back.
package tui

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"go.uber.org/zap"

	"innervoice/internal/domain"
	"innervoice/internal/engine"
)

type view int

const (
	viewHub view = iota
	viewTasks
	viewStore
)

type stateMsg struct {
	st  domain.State
	err error
}

// leftFocusMsg reports the state after leaving a focus view; the deferred
// flush is scheduled when it arrives.
type leftFocusMsg stateMsg

type flushMsg struct{}

type changedMsg struct{}

// Options configures a Model. Changes, when set, signals that another process
// touched the workspace.
type Options struct {
	Engine     engine.Engine
	Log        *zap.Logger
	FlushDelay time.Duration
	Changes    <-chan struct{}
}

type Model struct {
	eng        engine.Engine
	log        *zap.Logger
	flushDelay time.Duration
	changes    <-chan struct{}

	state  domain.State
	loaded bool
	view   view
	cursor int
	adding bool
	input  textinput.Model
	status string
	isErr  bool
	width  int
	styles styles
}

func New(opts Options) Model {
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	in := textinput.New()
	in.CharLimit = 120
	return Model{
		eng:        opts.Engine,
		log:        log,
		flushDelay: opts.FlushDelay,
		changes:    opts.Changes,
		state:      domain.InitialState(),
		input:      in,
		width:      80,
		styles:     defaultStyles(),
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(m.run(m.eng.Open), m.waitForChange())
}

// run performs op against the engine and reports the resulting state.
func (m Model) run(op func(context.Context) (domain.State, error)) tea.Cmd {
	eng := m.eng
	return func() tea.Msg {
		ctx := context.Background()
		_, err := op(ctx)
		st, loadErr := eng.State(ctx)
		if err == nil {
			err = loadErr
		}
		return stateMsg{st: st, err: err}
	}
}

func (m Model) waitForChange() tea.Cmd {
	if m.changes == nil {
		return nil
	}
	ch := m.changes
	return func() tea.Msg {
		if _, ok := <-ch; !ok {
			return nil
		}
		return changedMsg{}
	}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		return m, nil
	case stateMsg:
		if msg.err == nil || msg.st.Mode != "" {
			m.state = msg.st
			m.loaded = true
		}
		m.clampCursor()
		if msg.err != nil {
			m.setError(msg.err)
		} else if m.isErr {
			m.status, m.isErr = "", false
		}
		return m, nil
	case leftFocusMsg:
		next, _ := m.Update(stateMsg(msg))
		return next, tea.Tick(m.flushDelay, func(time.Time) tea.Msg { return flushMsg{} })
	case flushMsg:
		return m, m.run(m.eng.Flush)
	case changedMsg:
		return m, tea.Batch(m.run(m.eng.State), m.waitForChange())
	case tea.KeyMsg:
		if msg.String() == "ctrl+c" {
			return m, tea.Quit
		}
		if m.adding {
			return m.updateInput(msg)
		}
		if m.view == viewHub {
			return m.updateHub(msg)
		}
		return m.updateFocus(msg)
	}
	return m, nil
}

func (m Model) updateHub(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q":
		return m, tea.Quit
	case "enter", " ":
		if len(m.state.Pending) == 0 {
			return m, nil
		}
		return m, m.run(m.eng.Advance)
	case "t":
		m.view, m.cursor = viewTasks, 0
		m.status = ""
		return m, m.run(m.eng.EnterFocus)
	case "s":
		m.view, m.cursor = viewStore, 0
		m.status = ""
		return m, m.run(m.eng.EnterFocus)
	}
	return m, nil
}

func (m Model) updateFocus(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "esc", "q":
		m.view = viewHub
		m.status = ""
		unfocus := m.run(m.eng.Unfocus)
		return m, func() tea.Msg { return leftFocusMsg(unfocus().(stateMsg)) }
	case "j", "down":
		if m.cursor < m.listLen()-1 {
			m.cursor++
		}
	case "k", "up":
		if m.cursor > 0 {
			m.cursor--
		}
	case "a":
		m.adding = true
		if m.view == viewTasks {
			m.input.Placeholder = "text|difficulty"
		} else {
			m.input.Placeholder = "text|cost"
		}
		m.input.SetValue("")
		return m, m.input.Focus()
	case "enter":
		return m, m.activate()
	case "d":
		return m, m.remove()
	}
	return m, nil
}

func (m Model) updateInput(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.Type {
	case tea.KeyEsc:
		m.adding = false
		m.input.Blur()
		return m, nil
	case tea.KeyEnter:
		value := m.input.Value()
		m.adding = false
		m.input.Blur()
		cmd, err := m.add(value)
		if err != nil {
			m.setError(err)
			return m, nil
		}
		m.status = ""
		return m, cmd
	}
	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m Model) add(value string) (tea.Cmd, error) {
	text, arg, _ := strings.Cut(value, "|")
	text = strings.TrimSpace(text)
	arg = strings.TrimSpace(arg)
	if text == "" {
		return nil, errors.New("text is required")
	}
	eng := m.eng
	if m.view == viewTasks {
		d := domain.Easy
		if arg != "" {
			parsed, err := domain.ParseDifficulty(arg)
			if err != nil {
				return nil, err
			}
			d = parsed
		}
		return m.run(func(ctx context.Context) (domain.State, error) {
			_, err := eng.AddTask(ctx, text, d)
			return domain.State{}, err
		}), nil
	}
	cost, err := domain.ParseMoney(arg)
	if err != nil {
		return nil, err
	}
	return m.run(func(ctx context.Context) (domain.State, error) {
		_, err := eng.AddReward(ctx, text, cost)
		return domain.State{}, err
	}), nil
}

func (m Model) activate() tea.Cmd {
	eng := m.eng
	switch m.view {
	case viewTasks:
		if m.cursor >= len(m.state.Tasks) {
			return nil
		}
		id := m.state.Tasks[m.cursor].ID
		return m.run(func(ctx context.Context) (domain.State, error) {
			_, err := eng.ToggleTask(ctx, id)
			return domain.State{}, err
		})
	case viewStore:
		if m.cursor >= len(m.state.Rewards) {
			return nil
		}
		id := m.state.Rewards[m.cursor].ID
		return m.run(func(ctx context.Context) (domain.State, error) {
			_, err := eng.BuyReward(ctx, id)
			return domain.State{}, err
		})
	}
	return nil
}

func (m Model) remove() tea.Cmd {
	eng := m.eng
	switch m.view {
	case viewTasks:
		if m.cursor >= len(m.state.Tasks) {
			return nil
		}
		id := m.state.Tasks[m.cursor].ID
		return m.run(func(ctx context.Context) (domain.State, error) {
			return domain.State{}, eng.DeleteTask(ctx, id)
		})
	case viewStore:
		if m.cursor >= len(m.state.Rewards) {
			return nil
		}
		id := m.state.Rewards[m.cursor].ID
		return m.run(func(ctx context.Context) (domain.State, error) {
			return domain.State{}, eng.DeleteReward(ctx, id)
		})
	}
	return nil
}

func (m Model) listLen() int {
	switch m.view {
	case viewTasks:
		return len(m.state.Tasks)
	case viewStore:
		return len(m.state.Rewards)
	}
	return 0
}

func (m *Model) clampCursor() {
	if n := m.listLen(); m.cursor >= n {
		m.cursor = max(n-1, 0)
	}
}

func (m *Model) setError(err error) {
	m.isErr = true
	if errors.Is(err, engine.ErrInsufficientFunds) {
		m.status = "余额不足"
		return
	}
	m.status = fmt.Sprint(err)
	m.log.Debug("tui action failed", zap.Error(err))
}
