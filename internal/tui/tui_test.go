package tui

import (
	"errors"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/VasiliCekaskin/dota-smash/internal/session"
	"github.com/VasiliCekaskin/dota-smash/pkg/input"
	"github.com/VasiliCekaskin/dota-smash/pkg/netstats"
	"github.com/VasiliCekaskin/dota-smash/pkg/peers"
	"github.com/VasiliCekaskin/dota-smash/pkg/rollback"
)

func report() session.Report {
	return session.Report{
		Stage: session.GameplayRunning,
		Match: "0123456789abcdef",
		Frame: 120,
		Slots: []session.SlotReport{
			{Slot: peers.Slot{Index: 0, Kind: peers.Local, Peer: "aaaaaaaaaaaa"}},
			{
				Slot:      peers.Slot{Index: 1, Kind: peers.Remote, Peer: "bbbbbbbbbbbb"},
				Stats:     netstats.Stats{Ping: 41700 * time.Microsecond, KbpsSent: 12.345, LocalFramesBehind: -1, RemoteFramesBehind: 2},
				HaveStats: true,
			},
			{Slot: peers.Slot{Index: 2, Kind: peers.Remote, Peer: "cc"}, Disconnected: true},
		},
	}
}

func TestSlotRows(t *testing.T) {
	rows := slotRows(report())
	if len(rows) != 3 {
		t.Fatalf("rows=%v", rows)
	}
	if strings.Join(rows[0], ",") != "0,local,aaaaaaaa,you,-,-,-,-" {
		t.Fatalf("row 0: %v", rows[0])
	}
	if strings.Join(rows[1], ",") != "1,remote,bbbbbbbb,connected,42ms,12.3,-1,2" {
		t.Fatalf("row 1: %v", rows[1])
	}
	if rows[2][3] != "disconnected" {
		t.Fatalf("row 2: %v", rows[2])
	}
}

func TestKeysReachSampler(t *testing.T) {
	keys := input.NewKeyState(time.Second)
	d := NewDashboard(keys, make(chan session.Report), nil)
	m, _ := d.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'w'}})
	m, _ = m.Update(tea.KeyMsg{Type: tea.KeyLeft})
	if got := input.NewSampler(keys).Poll(); got != input.Up|input.Left {
		t.Fatalf("sampled %v", got)
	}
	if _, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'q'}}); cmd == nil {
		t.Fatalf("q must quit")
	} else if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Fatalf("q must quit")
	}
}

func TestReportsAndEvents(t *testing.T) {
	reports := make(chan session.Report, 1)
	d := NewDashboard(input.NewKeyState(0), reports, nil)

	r := report()
	r.Err = errors.New("desync detected")
	r.Malformed = 3
	reports <- r
	msg := waitReport(reports)()
	m, cmd := d.Update(msg)
	if cmd == nil {
		t.Fatalf("dashboard must keep listening for reports")
	}
	m, _ = m.Update(eventMsg(rollback.Event{Frame: 14, Type: rollback.EventRollback, Fields: map[string]any{"from": 10, "resimulated": 4}}))
	view := m.View()
	for _, want := range []string{"gameplay_running", "frame 120", "desync detected", "from=10 resimulated=4", "01234567", "malformed 3"} {
		if !strings.Contains(view, want) {
			t.Fatalf("view lacks %q:\n%s", want, view)
		}
	}

	close(reports)
	if _, ok := waitReport(reports)().(closedMsg); !ok {
		t.Fatalf("closed channel must end the dashboard")
	}
}

func TestValidation(t *testing.T) {
	if validateSignal("http://x") == nil || validateSignal("ws://127.0.0.1:3536") != nil {
		t.Fatalf("signal validation")
	}
	if validateRoom("next_0") == nil || validateRoom("next_3") != nil {
		t.Fatalf("room validation")
	}
	if (JoinSettings{Room: "next_3"}).Players() != 3 {
		t.Fatalf("players from room")
	}
}
