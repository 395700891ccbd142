package signaling

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/VasiliCekaskin/dota-smash/pkg/transport"
)

// Rendezvous publishes a datagram address in a room and reports the other
// members as they come and go.
type Rendezvous interface {
	// Join blocks until the signaling service accepted us and returns our
	// own membership plus the members already present.
	Join(ctx context.Context, room string, addr transport.Addr) (Member, []Member, error)
	// Announcements drains what arrived since the last call.
	Announcements() []Announcement
	// Err reports why the service connection ended after Join; nil while
	// it is up.
	Err() error
	Close() error
}

// announceQueue is the thread-safe inbox shared by rendezvous clients.
type announceQueue struct {
	mu  sync.Mutex
	buf []Announcement
}

func (q *announceQueue) push(a Announcement) {
	q.mu.Lock()
	q.buf = append(q.buf, a)
	q.mu.Unlock()
}

func (q *announceQueue) drain() []Announcement {
	q.mu.Lock()
	out := q.buf
	q.buf = nil
	q.mu.Unlock()
	return out
}

// Lobby is an in-process signaling service backed by a Hub.
type Lobby struct {
	hub  *Hub
	down atomic.Bool
}

func NewLobby() *Lobby { return &Lobby{hub: NewHub()} }

// Hub exposes the rooms for inspection.
func (l *Lobby) Hub() *Hub { return l.hub }

// SetAvailable makes every following Join fail with ErrSignalingUnavailable
// while false.
func (l *Lobby) SetAvailable(ok bool) { l.down.Store(!ok) }

// Client returns a new Rendezvous connected to the lobby.
func (l *Lobby) Client() Rendezvous { return &lobbyClient{lobby: l} }

type lobbyClient struct {
	lobby *Lobby
	q     announceQueue

	mu   sync.Mutex
	key  string
	self PeerID
}

func (c *lobbyClient) Join(ctx context.Context, room string, addr transport.Addr) (Member, []Member, error) {
	if err := ctx.Err(); err != nil {
		return Member{}, nil, err
	}
	if c.lobby.down.Load() {
		return Member{}, nil, fmt.Errorf("join %s: %w", room, ErrSignalingUnavailable)
	}
	self, key, existing, err := c.lobby.hub.Join(room, addr, c.q.push)
	if err != nil {
		return Member{}, nil, err
	}
	c.mu.Lock()
	c.key, c.self = key, self.ID
	c.mu.Unlock()
	return self, existing, nil
}

func (c *lobbyClient) Announcements() []Announcement { return c.q.drain() }

func (c *lobbyClient) Err() error { return nil }

func (c *lobbyClient) Close() error {
	c.mu.Lock()
	key, id := c.key, c.self
	c.key = ""
	c.mu.Unlock()
	if key != "" {
		c.lobby.hub.Leave(key, id)
	}
	return nil
}
