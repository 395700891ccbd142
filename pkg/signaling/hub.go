package signaling

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/VasiliCekaskin/dota-smash/pkg/transport"
)

var (
	ErrSignalingUnavailable = errors.New("signaling unavailable")
	ErrBadRoom              = errors.New("bad room name")
)

type PeerID string

// Member is one participant of a room. Seq is the join order stamped by the
// hub; every member sees the same order.
type Member struct {
	ID    PeerID
	Addr  transport.Addr
	Seq   uint64
	Local bool
}

// Announcement tells a member that someone joined or left its room.
type Announcement struct {
	Member Member
	Left   bool
}

// SortBySeq orders members by join order.
func SortBySeq(ms []Member) {
	sort.Slice(ms, func(i, j int) bool { return ms[i].Seq < ms[j].Seq })
}

type hubMember struct {
	Member
	notify func(Announcement)
}

type room struct {
	key      string
	capacity int
	members  map[PeerID]*hubMember
}

// Hub groups joiners into rooms. A room named next_N is a matchmaking queue:
// joiners are batched N at a time, and each full batch is its own room.
// Any other name is a single room without a size limit.
type Hub struct {
	mu      sync.Mutex
	seq     uint64
	batches map[string]int
	rooms   map[string]*room
}

func NewHub() *Hub {
	return &Hub{batches: make(map[string]int), rooms: make(map[string]*room)}
}

// Capacity parses the batch size of a next_N room name; 0 means unlimited.
func Capacity(name string) (int, error) {
	if name == "" {
		return 0, fmt.Errorf("%w: empty", ErrBadRoom)
	}
	rest, ok := strings.CutPrefix(name, "next_")
	if !ok {
		return 0, nil
	}
	n, err := strconv.Atoi(rest)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("%w: %q", ErrBadRoom, name)
	}
	return n, nil
}

// Join places addr in a room and returns the joiner, the key of the room it
// landed in and the members already there. notify is called with the hub
// lock held and must not block.
func (h *Hub) Join(name string, addr transport.Addr, notify func(Announcement)) (Member, string, []Member, error) {
	capacity, err := Capacity(name)
	if err != nil {
		return Member{}, "", nil, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	key := name
	if capacity > 0 {
		key = fmt.Sprintf("%s#%d", name, h.batches[name])
	}
	r, ok := h.rooms[key]
	if !ok {
		r = &room{key: key, capacity: capacity, members: make(map[PeerID]*hubMember)}
		h.rooms[key] = r
	}

	h.seq++
	self := Member{ID: PeerID(uuid.NewString()), Addr: addr, Seq: h.seq}
	existing := make([]Member, 0, len(r.members))
	for _, m := range r.members {
		existing = append(existing, m.Member)
		m.notify(Announcement{Member: self})
	}
	SortBySeq(existing)
	r.members[self.ID] = &hubMember{Member: self, notify: notify}

	if capacity > 0 && len(r.members) >= capacity {
		h.batches[name]++
	}
	return self, key, existing, nil
}

// Leave removes id from the room and tells the others.
func (h *Hub) Leave(key string, id PeerID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.rooms[key]
	if !ok {
		return
	}
	m, ok := r.members[id]
	if !ok {
		return
	}
	delete(r.members, id)
	for _, o := range r.members {
		o.notify(Announcement{Member: m.Member, Left: true})
	}
	if len(r.members) == 0 {
		delete(h.rooms, key)
	}
}

// Rooms returns the number of members per room key.
func (h *Hub) Rooms() map[string]int {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[string]int, len(h.rooms))
	for k, r := range h.rooms {
		out[k] = len(r.members)
	}
	return out
}
