package session

import (
	"github.com/VasiliCekaskin/dota-smash/pkg/netstats"
	"github.com/VasiliCekaskin/dota-smash/pkg/peers"
	"github.com/VasiliCekaskin/dota-smash/pkg/rollback"
)

type SlotReport struct {
	peers.Slot
	Disconnected bool
	Stats        netstats.Stats
	HaveStats    bool

	// StatsFailures counts stats samples that failed for this slot.
	StatsFailures uint64
}

// Report is a copy of the manager's observable state, safe to hand to
// another goroutine.
type Report struct {
	Stage    Stage
	Match    string
	Frame    int
	Horizon  int
	Last     rollback.Result
	Counters rollback.Counters
	Slots    []SlotReport
	Attempts int

	// Malformed counts refused peer datagrams.
	Malformed uint64
	Err       error
}

func (m *Manager) Report() Report {
	r := Report{Stage: m.stage, Match: m.matchID, Attempts: m.attempts, Err: m.err, Last: m.last}
	if m.sched == nil {
		return r
	}
	r.Frame = m.sched.CurrentFrame()
	r.Horizon = m.sched.ConfirmedHorizon()
	r.Counters = m.sched.Counters()
	r.Malformed = m.set.Malformed()
	for _, sl := range m.set.Slots() {
		sr := SlotReport{Slot: sl, Disconnected: m.sched.SlotDisconnected(sl.Index)}
		sr.Stats, sr.HaveStats = m.stats.Get(sl.Index)
		sr.StatsFailures = m.stats.Failures(sl.Index)
		r.Slots = append(r.Slots, sr)
	}
	return r
}
