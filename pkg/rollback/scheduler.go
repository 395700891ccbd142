// Package rollback advances a deterministic simulation frame by frame across
// unreliable links. Missing remote input is predicted by holding the last
// confirmed value; when a confirmation disagrees with what was simulated the
// scheduler restores the snapshot before the earliest wrong frame and
// resimulates up to the present.
package rollback

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/VasiliCekaskin/dota-smash/pkg/input"
	"github.com/VasiliCekaskin/dota-smash/pkg/snapshot"
)

var (
	ErrPeerDisconnected     = errors.New("peer disconnected")
	ErrDesync               = errors.New("desync detected")
	ErrInvalidConfiguration = errors.New("invalid configuration")
)

// Game is the deterministic simulation driven by the scheduler. Step must
// depend only on the restored state and the given inputs, one per slot.
type Game interface {
	snapshot.State
	Step(inputs []input.Frame)
}

// Link carries inputs and checksums to every remote peer and hands what it
// received to a Sink.
type Link interface {
	SendInput(frame int, bits input.Bits)
	SendChecksum(frame int, sum uint64)
	Drain(sink Sink)
}

// Sink receives remote traffic during Link.Drain.
type Sink interface {
	// AddRemoteInput reports false when the input cannot be taken yet
	// (a gap before it, or too far ahead); the link keeps it for later.
	AddRemoteInput(slot, frame int, bits input.Bits) bool
	DisconnectSlot(slot int)
	AddRemoteChecksum(slot, frame int, sum uint64)
}

type Config struct {
	NumPlayers       int
	LocalSlot        int
	PredictionWindow int
	InputDelay       int
	// DesyncInterval is how often (in frames) checksums are exchanged;
	// 0 disables desync detection.
	DesyncInterval int
}

func (c Config) Validate() error {
	switch {
	case c.NumPlayers < 1:
		return fmt.Errorf("%w: num players %d", ErrInvalidConfiguration, c.NumPlayers)
	case c.LocalSlot < 0 || c.LocalSlot >= c.NumPlayers:
		return fmt.Errorf("%w: local slot %d of %d", ErrInvalidConfiguration, c.LocalSlot, c.NumPlayers)
	case c.PredictionWindow < 1:
		return fmt.Errorf("%w: prediction window %d", ErrInvalidConfiguration, c.PredictionWindow)
	case c.InputDelay < 0:
		return fmt.Errorf("%w: input delay %d", ErrInvalidConfiguration, c.InputDelay)
	case c.DesyncInterval < 0:
		return fmt.Errorf("%w: desync interval %d", ErrInvalidConfiguration, c.DesyncInterval)
	}
	return nil
}

// Result describes one Tick.
type Result struct {
	Frame        int
	Stalled      bool
	RollbackFrom int
	Resimulated  int
}

type Counters struct {
	Ticks       uint64
	Stalls      uint64
	Rollbacks   uint64
	Resimulated uint64
}

type Scheduler struct {
	cfg   Config
	game  Game
	link  Link
	store *snapshot.Store
	slots []*queue

	current int
	// earliest mispredicted frame found this tick; 0 when none
	target int
	// last frame checked for desync
	checked int

	counters Counters
	sums     *checksums
	err      error

	events chan Event
	log    *slog.Logger
}

// New captures the initial state of game as frame 0.
func New(cfg Config, game Game, link Link, opts ...Option) (*Scheduler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Scheduler{
		cfg:   cfg,
		game:  game,
		link:  link,
		store: snapshot.New(cfg.PredictionWindow + 2),
		log:   slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	size := 2*(cfg.PredictionWindow+cfg.InputDelay) + 8
	s.slots = make([]*queue, cfg.NumPlayers)
	for i := range s.slots {
		s.slots[i] = newQueue(size, cfg.InputDelay)
	}
	if cfg.DesyncInterval > 0 {
		sums, err := newChecksums(cfg.NumPlayers, checksumHistory)
		if err != nil {
			return nil, err
		}
		s.sums = sums
	}
	if _, err := s.store.Capture(0, game); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Scheduler) Config() Config     { return s.cfg }
func (s *Scheduler) CurrentFrame() int  { return s.current }
func (s *Scheduler) Counters() Counters { return s.counters }
func (s *Scheduler) Err() error         { return s.err }

// Snapshots exposes the retained snapshots for inspection.
func (s *Scheduler) Snapshots() *snapshot.Store { return s.store }

// ConfirmedHorizon is the last frame whose input is confirmed for every
// connected slot, clipped to the current frame.
func (s *Scheduler) ConfirmedHorizon() int {
	h := s.current
	for i, q := range s.slots {
		if i == s.cfg.LocalSlot || q.disconnectedAt > 0 {
			continue
		}
		if q.lastConfirmed < h {
			h = q.lastConfirmed
		}
	}
	return h
}

// Inputs returns the best known input of every slot for frame.
func (s *Scheduler) Inputs(frame int) []input.Frame {
	out := make([]input.Frame, len(s.slots))
	for i, q := range s.slots {
		out[i] = q.best(frame)
	}
	return out
}

// Tick runs one wall tick: gate on the prediction window, sample and send
// local input, take in remote input, roll back if needed, then advance.
func (s *Scheduler) Tick(src input.Source) (Result, error) {
	if s.err != nil {
		return Result{Frame: s.current}, s.err
	}
	s.counters.Ticks++
	var res Result

	next := s.current + 1
	if next-s.ConfirmedHorizon() > s.cfg.PredictionWindow {
		res.Stalled = true
		s.counters.Stalls++
		s.emit(EventStall, map[string]any{"horizon": s.ConfirmedHorizon()})
	} else {
		bits := src.Poll() &^ input.Reserved
		f := next + s.cfg.InputDelay
		s.slots[s.cfg.LocalSlot].confirm(f, bits)
		s.link.SendInput(f, bits)
	}

	if err := s.reconcile(&res); err != nil {
		return s.fail(res, err)
	}
	if !res.Stalled {
		if err := s.simulate(next); err != nil {
			return s.fail(res, err)
		}
		s.current = next
	}
	if err := s.checkDesync(); err != nil {
		return s.fail(res, err)
	}
	s.store.Evict(s.ConfirmedHorizon() - 1)
	res.Frame = s.current
	return res, nil
}

// Reconcile takes in remote traffic and performs any rollback it calls for
// without advancing.
func (s *Scheduler) Reconcile() (Result, error) {
	if s.err != nil {
		return Result{Frame: s.current}, s.err
	}
	var res Result
	if err := s.reconcile(&res); err != nil {
		return s.fail(res, err)
	}
	res.Frame = s.current
	return res, nil
}

// Rewind restores the snapshot before target and resimulates up to the
// current frame. It fails with snapshot.ErrSnapshotNotFound when that
// snapshot has been evicted.
func (s *Scheduler) Rewind(target int) error {
	if target < 1 || target > s.current {
		return fmt.Errorf("rewind to %d: outside 1..%d", target, s.current)
	}
	_, err := s.rollback(target)
	return err
}

func (s *Scheduler) reconcile(res *Result) error {
	s.link.Drain(s)
	if s.err != nil {
		return s.err
	}
	if s.target == 0 {
		return nil
	}
	from := s.target
	n, err := s.rollback(from)
	if err != nil {
		return err
	}
	res.RollbackFrom, res.Resimulated = from, n
	return nil
}

func (s *Scheduler) rollback(target int) (int, error) {
	s.target = 0
	if err := s.store.Restore(target-1, s.game); err != nil {
		return 0, fmt.Errorf("rollback to frame %d: %w", target, err)
	}
	n := 0
	for f := target; f <= s.current; f++ {
		if err := s.simulate(f); err != nil {
			return n, err
		}
		n++
	}
	s.counters.Rollbacks++
	s.counters.Resimulated += uint64(n)
	s.log.Debug("rollback", "from", target, "to", s.current, "frames", n)
	s.emit(EventRollback, map[string]any{"from": target, "frames": n})
	return n, nil
}

func (s *Scheduler) simulate(f int) error {
	inputs := make([]input.Frame, len(s.slots))
	for i, q := range s.slots {
		in := q.best(f)
		e := q.at(f)
		e.used, e.usedStatus, e.simulated = in.Bits, in.Status, true
		inputs[i] = in
	}
	s.game.Step(inputs)
	_, err := s.store.Capture(f, s.game)
	return err
}

func (s *Scheduler) AddRemoteInput(slot, frame int, bits input.Bits) bool {
	if slot < 0 || slot >= len(s.slots) || slot == s.cfg.LocalSlot {
		return true
	}
	q := s.slots[slot]
	switch {
	case q.disconnectedAt > 0, frame <= q.lastConfirmed:
		return true
	case frame != q.lastConfirmed+1:
		return false
	case frame-s.ConfirmedHorizon() >= len(q.ring)-1:
		return false
	}
	bits &^= input.Reserved
	e := q.confirm(frame, bits)
	if frame <= s.current && e.simulated && e.used != bits {
		s.markRollback(frame)
	}
	return true
}

// DisconnectSlot degrades slot to zero input with Disconnected status from
// its first unconfirmed frame on, rolling back if that frame was already
// simulated with a prediction.
func (s *Scheduler) DisconnectSlot(slot int) {
	if slot < 0 || slot >= len(s.slots) || slot == s.cfg.LocalSlot {
		return
	}
	q := s.slots[slot]
	if q.disconnectedAt > 0 {
		return
	}
	q.disconnectedAt = q.lastConfirmed + 1
	if q.disconnectedAt <= s.current {
		s.markRollback(q.disconnectedAt)
	}
	s.log.Warn("slot_disconnected", "slot", slot, "from_frame", q.disconnectedAt, "err", ErrPeerDisconnected)
	s.emit(EventDisconnect, map[string]any{"slot": slot, "from": q.disconnectedAt})
}

// SlotDisconnected reports whether slot has been degraded.
func (s *Scheduler) SlotDisconnected(slot int) bool {
	return slot >= 0 && slot < len(s.slots) && s.slots[slot].disconnectedAt > 0
}

func (s *Scheduler) markRollback(f int) {
	if s.target == 0 || f < s.target {
		s.target = f
	}
}

func (s *Scheduler) fail(res Result, err error) (Result, error) {
	s.err = err
	res.Frame = s.current
	s.log.Error("rollback_fatal", "frame", s.current, "err", err)
	s.emit(EventFatal, map[string]any{"err": err.Error()})
	return res, err
}
