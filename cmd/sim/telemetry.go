package main

import (
	"encoding/csv"
	"fmt"
	"math"
	"os"
	"sort"
	"sync"
	"time"

	"slices"

	"github.com/VasiliCekaskin/dota-smash/internal/session"
	"github.com/VasiliCekaskin/dota-smash/pkg/rollback"
)

var statsHeader = []string{"t_sec", "peer", "stage", "frame", "horizon", "rollbacks", "resimulated", "stalls", "ping_ms", "kbps"}

type peerEvent struct {
	Peer int
	rollback.Event
}

type telemetry struct {
	mu sync.Mutex

	last []session.Report

	counts map[rollback.EventType]int64

	// Rollback depth in frames, and one row per rollback for rollbacks.csv
	depths       []float64
	rollbackRows [][]string

	pings []float64 // ms, one per sampled remote slot

	// frame -> peer -> state checksum
	sums map[int]map[int]uint64
	// first frame some peer played without one of the others; -1 if none
	cutoff int
}

func newTelemetry(peers int) *telemetry {
	return &telemetry{
		last:   make([]session.Report, peers),
		counts: make(map[rollback.EventType]int64),
		sums:   make(map[int]map[int]uint64),
		cutoff: -1,
	}
}

func (t *telemetry) observe(peer int, r session.Report) {
	t.mu.Lock()
	t.last[peer] = r
	t.mu.Unlock()
}

func (t *telemetry) handle(ev peerEvent) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.counts[ev.Type]++
	switch ev.Type {
	case rollback.EventRollback:
		from, _ := toInt64(ev.Fields["from"])
		n, _ := toInt64(ev.Fields["frames"])
		t.depths = append(t.depths, float64(n))
		t.rollbackRows = append(t.rollbackRows, []string{
			fmt.Sprintf("P%02d", ev.Peer),
			ev.Time.UTC().Format(time.RFC3339Nano),
			fmt.Sprintf("%d", ev.Frame),
			fmt.Sprintf("%d", from),
			fmt.Sprintf("%d", n),
		})

	case rollback.EventChecksum:
		f, ok := toInt64(ev.Fields["frame"])
		sum, ok2 := ev.Fields["sum"].(uint64)
		if !ok || !ok2 {
			return
		}
		if t.sums[int(f)] == nil {
			t.sums[int(f)] = make(map[int]uint64)
		}
		t.sums[int(f)][ev.Peer] = sum

	case rollback.EventDisconnect:
		from, ok := toInt64(ev.Fields["from"])
		if ok && (t.cutoff < 0 || int(from) < t.cutoff) {
			t.cutoff = int(from)
		}
	}
}

// sample renders the latest report of every peer as stats.csv rows.
func (t *telemetry) sample(elapsed time.Duration, sps []*simPeer) [][]string {
	t.mu.Lock()
	defer t.mu.Unlock()
	rows := make([][]string, 0, len(sps))
	for i, sp := range sps {
		r := t.last[i]
		ping, kbps := "", 0.0
		worst := time.Duration(-1)
		for _, sl := range r.Slots {
			if !sl.HaveStats {
				continue
			}
			t.pings = append(t.pings, float64(sl.Stats.Ping)/float64(time.Millisecond))
			kbps += sl.Stats.KbpsSent
			worst = max(worst, sl.Stats.Ping)
		}
		if worst >= 0 {
			ping = fmt.Sprintf("%.1f", float64(worst)/float64(time.Millisecond))
		}
		rows = append(rows, []string{
			fmt.Sprintf("%.3f", elapsed.Seconds()),
			sp.Name,
			r.Stage.String(),
			fmt.Sprintf("%d", r.Frame),
			fmt.Sprintf("%d", r.Horizon),
			fmt.Sprintf("%d", r.Counters.Rollbacks),
			fmt.Sprintf("%d", r.Counters.Resimulated),
			fmt.Sprintf("%d", r.Counters.Stalls),
			ping,
			fmt.Sprintf("%.1f", kbps),
		})
	}
	return rows
}

// compared counts frames for which at least two peers published a
// checksum before anyone dropped out; mismatches counts those that
// disagree.
func (t *telemetry) compared() (frames, mismatches int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for f, byPeer := range t.sums {
		if len(byPeer) < 2 || (t.cutoff >= 0 && f >= t.cutoff) {
			continue
		}
		frames++
		var first uint64
		seen := false
		for _, s := range byPeer {
			if !seen {
				first, seen = s, true
				continue
			}
			if s != first {
				mismatches++
				break
			}
		}
	}
	return frames, mismatches
}

func (t *telemetry) mismatches() int {
	_, m := t.compared()
	return m
}

func (t *telemetry) writeRollbacksCSV(path string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.rollbackRows) == 0 {
		return nil
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	w := csv.NewWriter(f)
	defer w.Flush()
	_ = w.Write([]string{"peer", "time", "frame", "from", "frames"})
	for _, r := range t.rollbackRows {
		_ = w.Write(r)
	}
	return nil
}

func (t *telemetry) statsLines() []string {
	frames, bad := t.compared()

	t.mu.Lock()
	defer t.mu.Unlock()
	var lines []string

	types := make([]string, 0, len(t.counts))
	for k := range t.counts {
		types = append(types, string(k))
	}
	sort.Strings(types)
	buf := "Events:"
	if len(types) == 0 {
		buf += " (none)"
	}
	for _, k := range types {
		buf += fmt.Sprintf(" %s=%d", k, t.counts[rollback.EventType(k)])
	}
	lines = append(lines, buf)

	if len(t.depths) == 0 {
		lines = append(lines, "RollbackDepth(frames): n/a")
	} else {
		p := percentiles(t.depths, 50, 95)
		lines = append(lines, fmt.Sprintf("RollbackDepth(frames): mean=%.2f p50=%.1f p95=%.1f max=%.0f samples=%d",
			meanFloat(t.depths), p[0], p[1], slices.Max(t.depths), len(t.depths)))
	}

	if len(t.pings) == 0 {
		lines = append(lines, "Ping(ms): n/a")
	} else {
		p := percentiles(t.pings, 50, 95, 99)
		lines = append(lines, fmt.Sprintf("Ping(ms): mean=%.1f p50=%.1f p95=%.1f p99=%.1f samples=%d",
			meanFloat(t.pings), p[0], p[1], p[2], len(t.pings)))
	}

	cut := "none"
	if t.cutoff >= 0 {
		cut = fmt.Sprintf("%d", t.cutoff)
	}
	lines = append(lines, fmt.Sprintf("Checksums: frames_compared=%d mismatches=%d disconnect_from=%s", frames, bad, cut))

	for i, r := range t.last {
		var failed uint64
		for _, sl := range r.Slots {
			failed += sl.StatsFailures
		}
		lines = append(lines, fmt.Sprintf("P%02d: stage=%s frame=%d horizon=%d ticks=%d rollbacks=%d resim=%d stalls=%d malformed=%d stats_failures=%d",
			i, r.Stage, r.Frame, r.Horizon, r.Counters.Ticks, r.Counters.Rollbacks, r.Counters.Resimulated, r.Counters.Stalls, r.Malformed, failed))
	}
	return lines
}

// helpers

func percentiles(xs []float64, ps ...int) []float64 {
	ys := slices.Clone(xs)
	sort.Float64s(ys)
	out := make([]float64, len(ps))
	for i, p := range ps {
		if len(ys) == 0 {
			out[i] = math.NaN()
			continue
		}
		rank := (float64(p) / 100.0) * float64(len(ys)-1)
		lo := int(math.Floor(rank))
		hi := int(math.Ceil(rank))
		if lo == hi {
			out[i] = ys[lo]
			continue
		}
		frac := rank - float64(lo)
		out[i] = ys[lo]*(1-frac) + ys[hi]*frac
	}
	return out
}

func meanFloat(xs []float64) float64 {
	if len(xs) == 0 {
		return math.NaN()
	}
	var s float64
	for _, v := range xs {
		s += v
	}
	return s / float64(len(xs))
}

func toInt64(v any) (int64, bool) {
	switch x := v.(type) {
	case int:
		return int64(x), true
	case int32:
		return int64(x), true
	case int64:
		return x, true
	case uint64:
		return int64(x), true
	case float64:
		return int64(x), true
	default:
		return 0, false
	}
}
