// Package netstats samples per-peer link quality on a slower cadence than
// the simulation tick. A failed sample leaves the last good value in place.
package netstats

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

var ErrNoSample = errors.New("stats not available yet")

// Stats is the link quality towards one remote peer.
type Stats struct {
	Ping               time.Duration
	KbpsSent           float64
	LocalFramesBehind  int
	RemoteFramesBehind int
}

func (s Stats) String() string {
	return fmt.Sprintf("ping=%s kbps=%.1f local_behind=%d remote_behind=%d",
		s.Ping.Round(time.Millisecond), s.KbpsSent, s.LocalFramesBehind, s.RemoteFramesBehind)
}

// Source computes fresh stats for a remote slot.
type Source interface {
	NetworkStats(slot int) (Stats, error)
}

// Sample is one successful reading.
type Sample struct {
	Slot  int
	At    time.Time
	Stats Stats
}

// Monitor keeps the latest sample per slot. Reads are safe from any
// goroutine; Sample and Poll are called from the tick goroutine.
type Monitor struct {
	src   Source
	every time.Duration

	mtx      sync.RWMutex
	latest   map[int]Sample
	failures map[int]uint64
	next     time.Time
}

// NewMonitor samples src at most once per every.
func NewMonitor(src Source, every time.Duration) *Monitor {
	if every <= 0 {
		every = time.Second
	}
	return &Monitor{
		src:      src,
		every:    every,
		latest:   make(map[int]Sample),
		failures: make(map[int]uint64),
	}
}

// Sample queries the source for slot. On error the previous value is kept.
func (m *Monitor) Sample(slot int, now time.Time) error {
	st, err := m.src.NetworkStats(slot)
	if err != nil {
		m.mtx.Lock()
		m.failures[slot]++
		m.mtx.Unlock()
		return fmt.Errorf("sample slot %d: %w", slot, err)
	}
	m.mtx.Lock()
	m.latest[slot] = Sample{Slot: slot, At: now, Stats: st}
	m.mtx.Unlock()
	return nil
}

// Poll samples every slot once the cadence has elapsed and reports whether
// it did. Individual failures are counted, not returned.
func (m *Monitor) Poll(now time.Time, slots []int) bool {
	if now.Before(m.next) {
		return false
	}
	m.next = now.Add(m.every)
	for _, slot := range slots {
		_ = m.Sample(slot, now)
	}
	return true
}

// Get returns the latest stats for slot.
func (m *Monitor) Get(slot int) (Stats, bool) {
	m.mtx.RLock()
	defer m.mtx.RUnlock()
	s, ok := m.latest[slot]
	return s.Stats, ok
}

// All returns a copy of the latest samples ordered by slot.
func (m *Monitor) All() []Sample {
	m.mtx.RLock()
	out := make([]Sample, 0, len(m.latest))
	for _, s := range m.latest {
		out = append(out, s)
	}
	m.mtx.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Slot < out[j].Slot })
	return out
}

// Failures counts failed samples for slot.
func (m *Monitor) Failures(slot int) uint64 {
	m.mtx.RLock()
	defer m.mtx.RUnlock()
	return m.failures[slot]
}
