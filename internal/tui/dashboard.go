package tui

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/VasiliCekaskin/dota-smash/internal/session"
	"github.com/VasiliCekaskin/dota-smash/pkg/input"
	"github.com/VasiliCekaskin/dota-smash/pkg/peers"
	"github.com/VasiliCekaskin/dota-smash/pkg/rollback"
)

const maxEventLines = 200

type reportMsg session.Report

type eventMsg rollback.Event

// closedMsg is sent once the report channel is closed.
type closedMsg struct{}

var arrowKeys = map[string]input.Key{
	"up":    input.KeyW,
	"left":  input.KeyA,
	"down":  input.KeyS,
	"right": input.KeyD,
}

// Dashboard shows the session stage, rollback counters, one row per slot
// and recent scheduler events. Movement keys are forwarded to keys.
type Dashboard struct {
	keys    *input.KeyState
	reports <-chan session.Report
	events  <-chan rollback.Event

	slots  table.Model
	log    viewport.Model
	lines  []string
	last   session.Report
	done   bool
	styles *Styles
	width  int
}

func NewDashboard(keys *input.KeyState, reports <-chan session.Report, events <-chan rollback.Event) Dashboard {
	columns := []table.Column{
		{Title: "Slot", Width: 4},
		{Title: "Kind", Width: 6},
		{Title: "Peer", Width: 8},
		{Title: "State", Width: 12},
		{Title: "Ping", Width: 8},
		{Title: "Kbps", Width: 7},
		{Title: "Behind", Width: 6},
		{Title: "Remote", Width: 6},
	}
	t := table.New(
		table.WithColumns(columns),
		table.WithHeight(5),
	)
	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("240")).
		BorderBottom(true).
		Bold(true)
	s.Selected = s.Selected.
		Foreground(lipgloss.Color("229")).
		Bold(false)
	t.SetStyles(s)

	vp := viewport.New(80, 8)
	vp.Style = lipgloss.NewStyle()

	return Dashboard{
		keys:    keys,
		reports: reports,
		events:  events,
		slots:   t,
		log:     vp,
		styles:  NewStyles(lipgloss.DefaultRenderer()),
		width:   maxWidth,
	}
}

func waitReport(ch <-chan session.Report) tea.Cmd {
	return func() tea.Msg {
		r, ok := <-ch
		if !ok {
			return closedMsg{}
		}
		return reportMsg(r)
	}
}

func waitEvent(ch <-chan rollback.Event) tea.Cmd {
	if ch == nil {
		return nil
	}
	return func() tea.Msg {
		ev, ok := <-ch
		if !ok {
			return nil
		}
		return eventMsg(ev)
	}
}

func (d Dashboard) Init() tea.Cmd {
	return tea.Batch(
		tea.SetWindowTitle("dota-smash"),
		waitReport(d.reports),
		waitEvent(d.events),
	)
}

func (d Dashboard) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		k := msg.String()
		switch k {
		case "ctrl+c", "q", "esc":
			return d, tea.Quit
		}
		if key, ok := arrowKeys[k]; ok {
			d.keys.Press(key)
		} else if len(k) == 1 {
			d.keys.Press(input.Key(k[0]))
		}
		return d, nil
	case tea.WindowSizeMsg:
		d.width = min(msg.Width, maxWidth) - d.styles.Base.GetHorizontalFrameSize()
		d.log.Width = d.width
		return d, nil
	case reportMsg:
		d.last = session.Report(msg)
		d.slots.SetRows(slotRows(d.last))
		return d, waitReport(d.reports)
	case eventMsg:
		d.lines = append(d.lines, eventLine(rollback.Event(msg)))
		if len(d.lines) > maxEventLines {
			d.lines = d.lines[len(d.lines)-maxEventLines:]
		}
		d.log.SetContent(strings.Join(d.lines, "\n"))
		d.log.GotoBottom()
		return d, waitEvent(d.events)
	case closedMsg:
		d.done = true
		return d, tea.Quit
	}
	return d, nil
}

func (d Dashboard) View() string {
	s := d.styles
	r := d.last

	title := "dota-smash"
	if r.Match != "" {
		title += " · match " + r.Match[:min(8, len(r.Match))]
	}
	header := boundary(d.width, s, title, r.Err != nil)

	status := fmt.Sprintf("%s  frame %d  confirmed %d  rollbacks %d  resimulated %d  stalls %d",
		s.Highlight.Render(r.Stage.String()), r.Frame, r.Horizon,
		r.Counters.Rollbacks, r.Counters.Resimulated, r.Counters.Stalls)
	if r.Attempts > 0 {
		status += fmt.Sprintf("  signaling retries %d", r.Attempts)
	}
	if r.Malformed > 0 {
		status += fmt.Sprintf("  malformed %d", r.Malformed)
	}
	if r.Err != nil {
		status += "\n" + s.ErrorHeaderText.Render(r.Err.Error())
	}

	events := s.Status.Width(d.width - 4).
		Render(s.StatusHeader.Render("Events") + "\n" + d.log.View())
	help := s.Help.Render("WASD or arrows to move · q to quit")

	return s.Base.Render(header + "\n\n" + status + "\n\n" + d.slots.View() + "\n" + events + "\n" + help + "\n")
}

// Last is the most recent report shown.
func (d Dashboard) Last() session.Report { return d.last }

func slotRows(r session.Report) []table.Row {
	rows := make([]table.Row, 0, len(r.Slots))
	for _, sl := range r.Slots {
		peer := string(sl.Peer)
		if len(peer) > 8 {
			peer = peer[:8]
		}
		state := "connected"
		switch {
		case sl.Kind == peers.Local:
			state = "you"
		case sl.Disconnected:
			state = "disconnected"
		}
		ping, kbps, behind, remote := "-", "-", "-", "-"
		if sl.HaveStats {
			ping = sl.Stats.Ping.Round(time.Millisecond).String()
			kbps = fmt.Sprintf("%.1f", sl.Stats.KbpsSent)
			behind = fmt.Sprint(sl.Stats.LocalFramesBehind)
			remote = fmt.Sprint(sl.Stats.RemoteFramesBehind)
		}
		rows = append(rows, table.Row{fmt.Sprint(sl.Index), sl.Kind.String(), peer, state, ping, kbps, behind, remote})
	}
	return rows
}

func eventLine(ev rollback.Event) string {
	keys := make([]string, 0, len(ev.Fields))
	for k := range ev.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	fmt.Fprintf(&b, "%s %6d %-10s", ev.Time.Format("15:04:05.000"), ev.Frame, ev.Type)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, ev.Fields[k])
	}
	return b.String()
}
