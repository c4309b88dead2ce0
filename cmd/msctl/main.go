// Command msctl is a small terminal live-monitor: it dials the daemon's
// Unix-socket monitor server (internal/monitor) and renders every
// source/client's status, discovery/scrobble counters, and dead-letter
// queue depth in a bordered panel, refreshed as snapshots arrive.
//
// It never talks to a Source or Client directly, only to the monitor
// socket — the same decoupling the daemon itself uses between its
// pipeline and the bus (spec §9).
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/multiscrobbler/multiscrobbler/internal/config"
	"github.com/multiscrobbler/multiscrobbler/internal/monitor"
)

var panelStyle = lipgloss.NewStyle().
	BorderStyle(lipgloss.RoundedBorder()).
	BorderForeground(lipgloss.Color("240")).
	Padding(0, 1)

var titleStyle = lipgloss.NewStyle().Bold(true)
var dimStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
var errorStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#E5484D"))

type snapshotMsg monitor.Snapshot
type disconnectedMsg struct{ err error }

type model struct {
	path   string
	ch     <-chan monitor.Snapshot
	close  func() error
	table  table.Model
	latest monitor.Snapshot
	err    error
	width  int
	height int
}

func initialModel(path string) model {
	columns := []table.Column{
		{Title: "Component", Width: 20},
		{Title: "Kind", Width: 14},
		{Title: "State", Width: 14},
		{Title: "Auth", Width: 6},
		{Title: "Discovered", Width: 10},
		{Title: "Queue", Width: 7},
		{Title: "Dead Letter", Width: 11},
	}
	t := table.New(
		table.WithColumns(columns),
		table.WithFocused(false),
		table.WithHeight(12),
	)
	t.SetStyles(table.Styles{
		Header: lipgloss.NewStyle().Bold(true).BorderStyle(lipgloss.NormalBorder()).BorderBottom(true).BorderForeground(lipgloss.Color("240")),
		Cell:   lipgloss.NewStyle(),
	})
	return model{path: path, table: t}
}

func (m model) Init() tea.Cmd {
	return m.connect
}

// connect dials the monitor socket. On failure it retries every two
// seconds rather than giving up, so msctl can be started before the
// daemon (or survive the daemon restarting).
func (m model) connect() tea.Msg {
	ch, closeFn, err := monitor.DialClient(m.path)
	if err != nil {
		return disconnectedMsg{err: err}
	}
	return connectedMsg{ch: ch, closeFn: closeFn}
}

type connectedMsg struct {
	ch      <-chan monitor.Snapshot
	closeFn func() error
}

func waitForSnapshot(ch <-chan monitor.Snapshot) tea.Cmd {
	return func() tea.Msg {
		snap, ok := <-ch
		if !ok {
			return disconnectedMsg{err: fmt.Errorf("monitor: connection closed")}
		}
		return snapshotMsg(snap)
	}
}

func retryAfter(d time.Duration) tea.Cmd {
	return tea.Tick(d, func(time.Time) tea.Msg { return retryMsg{} })
}

type retryMsg struct{}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.table.SetWidth(m.width - 4)

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			if m.close != nil {
				_ = m.close()
			}
			return m, tea.Quit
		}

	case connectedMsg:
		m.ch = msg.ch
		m.close = msg.closeFn
		m.err = nil
		return m, waitForSnapshot(m.ch)

	case disconnectedMsg:
		m.err = msg.err
		m.ch = nil
		return m, retryAfter(2 * time.Second)

	case retryMsg:
		return m, m.connect

	case snapshotMsg:
		m.latest = monitor.Snapshot(msg)
		m.table.SetRows(rowsFor(m.latest))
		return m, waitForSnapshot(m.ch)
	}

	var cmd tea.Cmd
	m.table, cmd = m.table.Update(msg)
	return m, cmd
}

func rowsFor(snap monitor.Snapshot) []table.Row {
	rows := make([]table.Row, 0, len(snap.Components))
	for _, c := range snap.Components {
		auth := "-"
		if c.Authed {
			auth = "yes"
		}
		rows = append(rows, table.Row{
			truncateLabel(c.Name, 20),
			truncateLabel(c.Kind, 14),
			c.State,
			auth,
			humanize.Comma(int64(c.Discovered)),
			humanize.Comma(int64(c.QueueLen)),
			deadLetterCell(c.DeadLetter),
		})
	}
	return rows
}

// deadLetterCell colors the dead-letter count from healthy green to
// alarm red as it grows past an arbitrary "worth a look" threshold of
// 10, so a pileup catches the eye before someone has to go read logs.
func deadLetterCell(n int) string {
	ratio := float64(n) / 10
	color := severityColor(ratio)
	return lipgloss.NewStyle().Foreground(lipgloss.Color(color)).Render(humanize.Comma(int64(n)))
}

func (m model) View() string {
	header := titleStyle.Render("multi-scrobbler monitor")
	var status string
	switch {
	case m.err != nil:
		status = errorStyle.Render(fmt.Sprintf("disconnected: %v (retrying)", m.err))
	case m.latest.Time.IsZero():
		status = dimStyle.Render("waiting for first snapshot…")
	default:
		status = dimStyle.Render(fmt.Sprintf("updated %s · %s", humanize.Time(m.latest.Time), m.path))
	}

	body := panelStyle.Width(m.width - 2).Render(m.table.View())
	return lipgloss.JoinVertical(lipgloss.Left, header, status, body, dimStyle.Render("q to quit"))
}

func main() {
	path := socketPath()
	if len(os.Args) > 1 {
		path = os.Args[1]
	}

	p := tea.NewProgram(initialModel(path), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "msctl: %v\n", err)
		os.Exit(1)
	}
}

func socketPath() string {
	return filepath.Join(config.Dir(), "multiscrobbler.sock")
}
