package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/yllada/tunnelctl/controller"
)

const refreshInterval = time.Second

// watchKeyMap defines key bindings for the live view.
type watchKeyMap struct {
	Disconnect key.Binding
	Switch     key.Binding
	Quit       key.Binding
}

func defaultWatchKeyMap() watchKeyMap {
	return watchKeyMap{
		Disconnect: key.NewBinding(
			key.WithKeys("d"),
			key.WithHelp("d", "disconnect"),
		),
		Switch: key.NewBinding(
			key.WithKeys("s"),
			key.WithHelp("s", "switch server"),
		),
		Quit: key.NewBinding(
			key.WithKeys("q", "ctrl+c"),
			key.WithHelp("q", "quit"),
		),
	}
}

type (
	noteMsg     struct{ note controller.Notification }
	snapshotMsg struct {
		snap controller.Snapshot
		err  error
	}
	actionMsg struct {
		name string
		err  error
	}
	tickMsg   struct{}
	closedMsg struct{}
)

// watchModel is the Bubble Tea model of the live connection view.
type watchModel struct {
	cli     *CLI
	ctx     context.Context
	notes   <-chan controller.Notification
	keys    watchKeyMap
	spinner spinner.Model

	snap     controller.Snapshot
	events   []string
	err      error
	quitting bool
}

const maxEvents = 5

func newWatchModel(ctx context.Context, c *CLI) watchModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = styleWarn

	return watchModel{
		cli:     c,
		ctx:     ctx,
		notes:   c.app.Subscribe(),
		keys:    defaultWatchKeyMap(),
		spinner: s,
	}
}

// Watch shows a live view of the connection until the user quits or ctx
// ends.
func (c *CLI) Watch(ctx context.Context) error {
	p := tea.NewProgram(newWatchModel(ctx, c), tea.WithContext(ctx), tea.WithOutput(c.out))
	_, err := p.Run()
	if errors.Is(err, tea.ErrProgramKilled) {
		return nil
	}
	return err
}

func (m watchModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.waitNote(), m.fetchSnapshot(), tick())
}

func (m watchModel) waitNote() tea.Cmd {
	notes := m.notes
	return func() tea.Msg {
		n, ok := <-notes
		if !ok {
			return closedMsg{}
		}
		return noteMsg{note: n}
	}
}

func (m watchModel) fetchSnapshot() tea.Cmd {
	app := m.cli.app
	return func() tea.Msg {
		snap, err := app.Snapshot()
		return snapshotMsg{snap: snap, err: err}
	}
}

func (m watchModel) perform(name string, fn func(context.Context) error) tea.Cmd {
	ctx := m.ctx
	return func() tea.Msg {
		return actionMsg{name: name, err: fn(ctx)}
	}
}

func tick() tea.Cmd {
	return tea.Tick(refreshInterval, func(time.Time) tea.Msg { return tickMsg{} })
}

func (m watchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch {
		case key.Matches(msg, m.keys.Quit):
			m.quitting = true
			return m, tea.Quit
		case key.Matches(msg, m.keys.Disconnect):
			return m, m.perform("disconnect", m.cli.app.Deactivate)
		case key.Matches(msg, m.keys.Switch):
			return m, m.perform("switch", func(ctx context.Context) error {
				return m.cli.app.SilentSwitch(ctx, true)
			})
		}

	case noteMsg:
		m = m.apply(msg.note)
		if _, ok := msg.note.(controller.ReadyToQuit); ok {
			m.quitting = true
			return m, tea.Quit
		}
		return m, m.waitNote()

	case snapshotMsg:
		if msg.err != nil {
			m.err = msg.err
			return m, nil
		}
		m.snap = msg.snap
		return m, nil

	case tickMsg:
		return m, tea.Batch(m.fetchSnapshot(), tick())

	case actionMsg:
		if msg.err != nil {
			m.err = fmt.Errorf("%s: %w", msg.name, msg.err)
		}
		return m, m.fetchSnapshot()

	case closedMsg:
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	return m, nil
}

// apply folds a notification into the view.
func (m watchModel) apply(n controller.Notification) watchModel {
	switch n := n.(type) {
	case controller.StateChanged:
		m.snap.State = n.To
		m.snap.Location = n.Location
		m.snap.Retries = n.Retries
		m = m.record(fmt.Sprintf("%s → %s", n.From, n.To))
	case controller.RetryChanged:
		m.snap.Retries = n.Retries
	case controller.HandshakeFailed:
		m = m.record("no handshake from " + m.cli.hostname(n.PublicKey))
	case controller.ServerUnavailable:
		if n.PingReceived {
			m = m.record("server unavailable")
		} else {
			m = m.record("server unavailable, no network")
		}
	case controller.ActivationBlockedForCaptivePortal:
		m = m.record("captive portal detected")
	case controller.HealthChanged:
		m.snap.Health.State = n.Health
		m = m.record("health " + n.Health.String())
	case controller.ControllerFailed:
		m.err = n.Err
	}
	return m
}

func (m watchModel) record(event string) watchModel {
	events := append([]string{event}, m.events...)
	if len(events) > maxEvents {
		events = events[:maxEvents]
	}
	m.events = events
	return m
}

func (m watchModel) View() string {
	if m.quitting {
		return ""
	}

	var b strings.Builder
	b.WriteString(styleTitle.Render("tunnelctl"))
	b.WriteString("\n\n")

	state := stateStyle(m.snap.State).Render(m.snap.State.String())
	if transitional(m.snap.State) {
		state = m.spinner.View() + " " + state
	}
	fmt.Fprintf(&b, "State:    %s\n", state)

	location := "-"
	if m.snap.Location.ExitCountry != "" {
		location = m.cli.describe(m.snap.Location)
	}
	fmt.Fprintf(&b, "Location: %s\n", location)

	if m.snap.State == controller.StateOn {
		fmt.Fprintf(&b, "Uptime:   %s\n", formatDuration(m.snap.ConnectedFor))
		fmt.Fprintf(&b, "Health:   %s\n", healthStyle(m.snap.Health.State).Render(m.snap.Health.State.String()))
	}
	if m.snap.Retries > 0 {
		fmt.Fprintf(&b, "Retries:  %d\n", m.snap.Retries)
	}

	if len(m.events) > 0 {
		b.WriteString("\n")
		for _, e := range m.events {
			b.WriteString(styleMuted.Render("• "+e) + "\n")
		}
	}
	if m.err != nil {
		b.WriteString("\n" + styleBad.Render("Error: "+m.err.Error()) + "\n")
	}

	help := strings.Join([]string{
		helpEntry(m.keys.Disconnect),
		helpEntry(m.keys.Switch),
		helpEntry(m.keys.Quit),
	}, " • ")

	return lipgloss.JoinVertical(lipgloss.Left,
		styleCard.Render(strings.TrimRight(b.String(), "\n")),
		styleHelp.Render(help),
	) + "\n"
}

func helpEntry(b key.Binding) string {
	h := b.Help()
	return h.Key + " " + h.Desc
}

func transitional(s controller.State) bool {
	switch s {
	case controller.StateOn, controller.StateOff:
		return false
	}
	return true
}
