// Package archive records finished matches.
package archive

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrEmptyID  = errors.New("match record has no id")
	ErrNotFound = errors.New("match record not found")
)

type SlotRecord struct {
	Index        int    `bson:"index" json:"index"`
	Kind         string `bson:"kind" json:"kind"`
	Peer         string `bson:"peer" json:"peer"`
	Disconnected bool   `bson:"disconnected" json:"disconnected"`
}

type PeerStats struct {
	Slot               int     `bson:"slot" json:"slot"`
	PingMillis         float64 `bson:"ping_ms" json:"ping_ms"`
	KbpsSent           float64 `bson:"kbps_sent" json:"kbps_sent"`
	LocalFramesBehind  int     `bson:"local_frames_behind" json:"local_frames_behind"`
	RemoteFramesBehind int     `bson:"remote_frames_behind" json:"remote_frames_behind"`
}

// MatchRecord summarises one session from SessionActive until teardown.
type MatchRecord struct {
	ID          string       `bson:"_id" json:"id"`
	Room        string       `bson:"room" json:"room"`
	LocalPeer   string       `bson:"local_peer" json:"local_peer"`
	StartedAt   time.Time    `bson:"started_at" json:"started_at"`
	EndedAt     time.Time    `bson:"ended_at" json:"ended_at"`
	Slots       []SlotRecord `bson:"slots" json:"slots"`
	Frames      int          `bson:"frames" json:"frames"`
	Confirmed   int          `bson:"confirmed_frame" json:"confirmed_frame"`
	Rollbacks   uint64       `bson:"rollbacks" json:"rollbacks"`
	Resimulated uint64       `bson:"resimulated" json:"resimulated"`
	Stalls      uint64       `bson:"stalls" json:"stalls"`
	FinalSum    uint64       `bson:"final_sum" json:"final_sum"` // state checksum at Confirmed
	Stats       []PeerStats  `bson:"stats,omitempty" json:"stats,omitempty"`
	Error       string       `bson:"error,omitempty" json:"error,omitempty"`
}

func NewID() string { return uuid.NewString() }

type Store interface {
	Save(ctx context.Context, rec MatchRecord) error
	Get(ctx context.Context, id string) (MatchRecord, error)
	// Recent returns up to limit records, newest EndedAt first.
	Recent(ctx context.Context, limit int) ([]MatchRecord, error)
	Close(ctx context.Context) error
}

// MemoryStore keeps records in process. It is the default when no database
// is configured.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]MatchRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]MatchRecord)}
}

func (m *MemoryStore) Save(_ context.Context, rec MatchRecord) error {
	if rec.ID == "" {
		return ErrEmptyID
	}
	rec.Slots = append([]SlotRecord(nil), rec.Slots...)
	rec.Stats = append([]PeerStats(nil), rec.Stats...)
	m.mu.Lock()
	m.records[rec.ID] = rec
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (MatchRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[id]
	if !ok {
		return MatchRecord{}, ErrNotFound
	}
	return rec, nil
}

func (m *MemoryStore) Recent(_ context.Context, limit int) ([]MatchRecord, error) {
	m.mu.RLock()
	out := make([]MatchRecord, 0, len(m.records))
	for _, r := range m.records {
		out = append(out, r)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].EndedAt.After(out[j].EndedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) Close(context.Context) error { return nil }
