package signaling

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/VasiliCekaskin/dota-smash/pkg/transport"
)

// Packet is one datagram received from a known peer.
type Packet struct {
	From PeerID
	Data []byte
}

// Socket joins a room through a Rendezvous and exchanges datagrams with the
// other members over a transport Endpoint. Background goroutines only fill
// queues; all methods are non-blocking except Connect and Close.
type Socket struct {
	rv   Rendezvous
	ep   transport.Endpoint
	self Member
	log  *slog.Logger

	mu      sync.Mutex
	members map[PeerID]Member
	byAddr  map[transport.Addr]PeerID
	fresh   []PeerID
	gone    []PeerID
	inbox   []Packet

	maxInbox int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Connect joins room and starts receiving on ep. On error ep is left open.
func Connect(ctx context.Context, rv Rendezvous, ep transport.Endpoint, room string) (*Socket, error) {
	self, existing, err := rv.Join(ctx, room, ep.Addr())
	if err != nil {
		return nil, err
	}
	self.Local = true
	s := &Socket{
		rv:       rv,
		ep:       ep,
		self:     self,
		log:      slog.Default().With("peer", shortID(self.ID)),
		members:  make(map[PeerID]Member),
		byAddr:   make(map[transport.Addr]PeerID),
		maxInbox: 4096,
	}
	s.mu.Lock()
	for _, m := range existing {
		s.addLocked(m)
	}
	s.mu.Unlock()

	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.wg.Add(1)
	go s.recvLoop()
	s.log.Info("signaling_joined", "room", room, "seq", self.Seq, "addr", self.Addr, "existing", len(existing))
	return s, nil
}

func (s *Socket) Self() Member { return s.self }

func (s *Socket) recvLoop() {
	defer s.wg.Done()
	for {
		from, data, ok := s.ep.RecvFrom(s.ctx)
		if !ok {
			return
		}
		s.mu.Lock()
		// strangers and overflow are dropped
		if id, known := s.byAddr[from]; known && len(s.inbox) < s.maxInbox {
			s.inbox = append(s.inbox, Packet{From: id, Data: data})
		}
		s.mu.Unlock()
	}
}

// pump folds pending announcements into the member table.
func (s *Socket) pump() {
	anns := s.rv.Announcements()
	if len(anns) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range anns {
		if a.Member.ID == s.self.ID {
			continue
		}
		if a.Left {
			if m, ok := s.members[a.Member.ID]; ok {
				delete(s.members, m.ID)
				delete(s.byAddr, m.Addr)
				s.gone = append(s.gone, m.ID)
				s.log.Info("peer_left", "id", shortID(m.ID))
			}
			continue
		}
		s.addLocked(a.Member)
	}
}

func (s *Socket) addLocked(m Member) {
	if _, ok := s.members[m.ID]; ok {
		return
	}
	m.Local = false
	s.members[m.ID] = m
	s.byAddr[m.Addr] = m.ID
	s.fresh = append(s.fresh, m.ID)
	s.log.Info("peer_connected", "id", shortID(m.ID), "addr", m.Addr, "seq", m.Seq)
}

// PollNewConnections returns peers that joined since the last call.
func (s *Socket) PollNewConnections() []PeerID {
	s.pump()
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.fresh
	s.fresh = nil
	return out
}

// PollDepartures returns peers that left since the last call.
func (s *Socket) PollDepartures() []PeerID {
	s.pump()
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.gone
	s.gone = nil
	return out
}

// Roster returns every current member, ourselves included, in join order.
func (s *Socket) Roster() []Member {
	s.pump()
	s.mu.Lock()
	out := make([]Member, 0, len(s.members)+1)
	out = append(out, s.self)
	for _, m := range s.members {
		out = append(out, m)
	}
	s.mu.Unlock()
	SortBySeq(out)
	return out
}

func (s *Socket) Send(to PeerID, data []byte) error {
	s.mu.Lock()
	m, ok := s.members[to]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("send to %s: %w", shortID(to), transport.ErrUnknownAddr)
	}
	return s.ep.Send(m.Addr, data)
}

// TryReceive drains every datagram received so far.
func (s *Socket) TryReceive() []Packet {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.inbox
	s.inbox = nil
	return out
}

// Err reports a lost signaling connection. Datagrams keep flowing, but no
// more members will be announced.
func (s *Socket) Err() error {
	if err := s.rv.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrSignalingUnavailable, err)
	}
	return nil
}

// Close leaves the room and closes the endpoint.
func (s *Socket) Close() {
	s.cancel()
	_ = s.rv.Close()
	s.ep.Close()
	s.wg.Wait()
}

func shortID(id PeerID) string {
	if len(id) > 8 {
		return string(id[:8])
	}
	return string(id)
}
