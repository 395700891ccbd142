package rollback

import "github.com/VasiliCekaskin/dota-smash/pkg/input"

type entry struct {
	frame     int
	bits      input.Bits
	confirmed bool

	// what the latest simulation of frame used for this slot
	used       input.Bits
	usedStatus input.Status
	simulated  bool
}

// queue holds one slot's inputs, indexed by frame modulo its length.
type queue struct {
	ring          []entry
	lastConfirmed int
	lastBits      input.Bits
	// first frame carrying Disconnected input; 0 while connected
	disconnectedAt int
}

func newQueue(size, delay int) *queue {
	q := &queue{ring: make([]entry, size)}
	for f := 1; f <= delay; f++ {
		*q.at(f) = entry{frame: f, confirmed: true}
	}
	q.lastConfirmed = delay
	return q
}

// at returns the entry for f, recycling the slot if it held an older frame.
func (q *queue) at(f int) *entry {
	e := &q.ring[f%len(q.ring)]
	if e.frame != f {
		*e = entry{frame: f}
	}
	return e
}

func (q *queue) get(f int) (entry, bool) {
	e := q.ring[f%len(q.ring)]
	return e, e.frame == f
}

func (q *queue) confirm(f int, b input.Bits) *entry {
	e := q.at(f)
	e.bits, e.confirmed = b, true
	if f > q.lastConfirmed {
		q.lastConfirmed, q.lastBits = f, b
	}
	return e
}

// best returns the input to simulate f with: zero once disconnected, the
// confirmed value when known, else the last confirmed value held forward.
func (q *queue) best(f int) input.Frame {
	if q.disconnectedAt > 0 && f >= q.disconnectedAt {
		return input.Frame{Number: f, Status: input.Disconnected}
	}
	if f <= q.lastConfirmed {
		if e, ok := q.get(f); ok && e.confirmed {
			return input.Frame{Number: f, Bits: e.bits, Status: input.Confirmed}
		}
	}
	return input.Frame{Number: f, Bits: q.lastBits, Status: input.Predicted}
}
