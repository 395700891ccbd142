package rollback

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
)

// checksumHistory is how many checksums per peer are remembered.
const checksumHistory = 64

// checksums remembers recent state checksums, ours and each peer's, keyed
// by frame. Entries for frames nobody compares any more age out.
type checksums struct {
	local  *lru.Cache[int, uint64]
	remote []*lru.Cache[int, uint64]
}

func newChecksums(players, size int) (*checksums, error) {
	if size < 1 {
		size = 1
	}
	local, err := lru.New[int, uint64](size)
	if err != nil {
		return nil, err
	}
	c := &checksums{local: local, remote: make([]*lru.Cache[int, uint64], players)}
	for i := range c.remote {
		if c.remote[i], err = lru.New[int, uint64](size); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// checkDesync publishes checksums for every frame that became confirmed by
// all connected peers since the last call. Frames from the first local
// disconnect on are skipped: each survivor zeroes the dropped slot from the
// last input it happened to receive, so their states may differ there.
func (s *Scheduler) checkDesync() error {
	if s.sums == nil {
		return nil
	}
	h := s.ConfirmedHorizon()
	cut := s.uncheckedFrom()
	for f := s.checked + 1; f <= h; f++ {
		if f%s.cfg.DesyncInterval != 0 || (cut > 0 && f >= cut) {
			continue
		}
		snap, err := s.store.Get(f)
		if err != nil {
			return fmt.Errorf("checksum frame %d: %w", f, err)
		}
		s.sums.local.Add(f, snap.Sum)
		s.link.SendChecksum(f, snap.Sum)
		s.emit(EventChecksum, map[string]any{"frame": f, "sum": snap.Sum})
		for slot, rc := range s.sums.remote {
			if theirs, ok := rc.Get(f); ok && theirs != snap.Sum {
				return s.desync(slot, f, snap.Sum, theirs)
			}
		}
	}
	if h > s.checked {
		s.checked = h
	}
	return nil
}

func (s *Scheduler) AddRemoteChecksum(slot, frame int, sum uint64) {
	if s.sums == nil || slot < 0 || slot >= len(s.sums.remote) || slot == s.cfg.LocalSlot {
		return
	}
	if cut := s.uncheckedFrom(); cut > 0 && frame >= cut {
		return
	}
	s.sums.remote[slot].Add(frame, sum)
	if ours, ok := s.sums.local.Get(frame); ok && ours != sum && s.err == nil {
		s.err = s.desync(slot, frame, ours, sum)
	}
}

// uncheckedFrom returns the earliest frame any slot was disconnected from,
// or 0 while every slot is connected.
func (s *Scheduler) uncheckedFrom() int {
	cut := 0
	for _, q := range s.slots {
		if q.disconnectedAt > 0 && (cut == 0 || q.disconnectedAt < cut) {
			cut = q.disconnectedAt
		}
	}
	return cut
}

func (s *Scheduler) desync(slot, frame int, ours, theirs uint64) error {
	s.emit(EventDesync, map[string]any{"slot": slot, "frame": frame, "local": ours, "remote": theirs})
	return fmt.Errorf("%w: slot %d frame %d local %016x remote %016x", ErrDesync, slot, frame, ours, theirs)
}
