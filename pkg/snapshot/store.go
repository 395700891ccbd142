// Package snapshot keeps the serialized simulation state of recent frames so
// the rollback scheduler can rewind to any frame still reachable by a
// correction.
package snapshot

import (
	"errors"
	"fmt"
	"hash/fnv"
)

var ErrSnapshotNotFound = errors.New("snapshot not found")

// State is the rollback-relevant part of a simulation. Implementations
// encode an explicit, fixed set of fields; presentation state never goes
// into a snapshot.
type State interface {
	Snapshot() ([]byte, error)
	Restore(state []byte) error
}

// Snapshot is the state after simulating Frame.
type Snapshot struct {
	Frame int
	State []byte
	Sum   uint64
}

// Store is a ring of snapshots indexed by frame number.
type Store struct {
	ring   []Snapshot
	filled []bool
	oldest int
	newest int
	count  int
}

// New returns a store able to retain capacity consecutive frames.
func New(capacity int) *Store {
	if capacity < 1 {
		capacity = 1
	}
	return &Store{ring: make([]Snapshot, capacity), filled: make([]bool, capacity), oldest: -1, newest: -1}
}

func (s *Store) Len() int { return s.count }

// Capture serializes st as the snapshot of frame, replacing any earlier
// snapshot for the same frame. Capturing a frame that would overwrite a
// retained older frame fails: the caller must Evict first.
func (s *Store) Capture(frame int, st State) (Snapshot, error) {
	b, err := st.Snapshot()
	if err != nil {
		return Snapshot{}, fmt.Errorf("capture frame %d: %w", frame, err)
	}
	return s.Put(frame, b)
}

// Put stores already serialized state for frame.
func (s *Store) Put(frame int, state []byte) (Snapshot, error) {
	if frame < 0 {
		return Snapshot{}, fmt.Errorf("capture frame %d: negative frame", frame)
	}
	i := s.index(frame)
	if s.filled[i] && s.ring[i].Frame != frame {
		return Snapshot{}, fmt.Errorf("capture frame %d: slot held by retained frame %d", frame, s.ring[i].Frame)
	}
	snap := Snapshot{Frame: frame, State: state, Sum: Checksum(state)}
	if !s.filled[i] {
		s.count++
	}
	s.ring[i], s.filled[i] = snap, true
	if s.oldest < 0 || frame < s.oldest {
		s.oldest = frame
	}
	if frame > s.newest {
		s.newest = frame
	}
	return snap, nil
}

// Get returns the snapshot of frame or ErrSnapshotNotFound.
func (s *Store) Get(frame int) (Snapshot, error) {
	if frame < 0 {
		return Snapshot{}, fmt.Errorf("%w: frame %d", ErrSnapshotNotFound, frame)
	}
	i := s.index(frame)
	if !s.filled[i] || s.ring[i].Frame != frame {
		return Snapshot{}, fmt.Errorf("%w: frame %d", ErrSnapshotNotFound, frame)
	}
	return s.ring[i], nil
}

// Restore overwrites st with the snapshot of frame.
func (s *Store) Restore(frame int, st State) error {
	snap, err := s.Get(frame)
	if err != nil {
		return err
	}
	if err := st.Restore(snap.State); err != nil {
		return fmt.Errorf("restore frame %d: %w", frame, err)
	}
	return nil
}

// Evict drops every snapshot older than before.
func (s *Store) Evict(before int) int {
	if s.count == 0 || before <= s.oldest {
		return 0
	}
	n := 0
	for f := s.oldest; f < before && f <= s.newest; f++ {
		i := s.index(f)
		if s.filled[i] && s.ring[i].Frame == f {
			s.filled[i] = false
			s.ring[i] = Snapshot{}
			s.count--
			n++
		}
	}
	if s.count == 0 {
		s.oldest, s.newest = -1, -1
	} else {
		s.oldest = before
		for !s.has(s.oldest) {
			s.oldest++
		}
	}
	return n
}

// Oldest returns the oldest retained frame.
func (s *Store) Oldest() (int, bool) { return s.oldest, s.count > 0 }

func (s *Store) has(frame int) bool {
	i := s.index(frame)
	return s.filled[i] && s.ring[i].Frame == frame
}

func (s *Store) index(frame int) int { return frame % len(s.ring) }

// Checksum is the FNV-1a hash of a serialized state.
func Checksum(state []byte) uint64 {
	h := fnv.New64a()
	_, _ = h.Write(state)
	return h.Sum64()
}
