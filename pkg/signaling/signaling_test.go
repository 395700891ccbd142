package signaling

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/VasiliCekaskin/dota-smash/pkg/transport"
)

func TestHubBatchesNextRooms(t *testing.T) {
	h := NewHub()
	nop := func(Announcement) {}

	a, keyA, existA, err := h.Join("next_2", "a", nop)
	if err != nil {
		t.Fatal(err)
	}
	b, keyB, existB, _ := h.Join("next_2", "b", nop)
	c, keyC, existC, _ := h.Join("next_2", "c", nop)

	if keyA != keyB || keyA == keyC {
		t.Fatalf("keys: %s %s %s", keyA, keyB, keyC)
	}
	if len(existA) != 0 || len(existB) != 1 || existB[0].ID != a.ID || len(existC) != 0 {
		t.Fatalf("existing members: %v %v %v", existA, existB, existC)
	}
	if !(a.Seq < b.Seq && b.Seq < c.Seq) {
		t.Fatalf("join order not stamped: %d %d %d", a.Seq, b.Seq, c.Seq)
	}
	if rooms := h.Rooms(); rooms[keyA] != 2 || rooms[keyC] != 1 {
		t.Fatalf("rooms=%v", rooms)
	}
}

func TestHubAnnouncesJoinAndLeave(t *testing.T) {
	h := NewHub()
	var q announceQueue
	_, key, _, _ := h.Join("lobby", "a", q.push)
	b, _, _, _ := h.Join("lobby", "b", func(Announcement) {})
	h.Leave(key, b.ID)

	got := q.drain()
	if len(got) != 2 || got[0].Member.ID != b.ID || got[0].Left || !got[1].Left {
		t.Fatalf("announcements=%+v", got)
	}
}

func TestCapacity(t *testing.T) {
	for name, want := range map[string]int{"next_2": 2, "next_4": 4, "friends": 0} {
		got, err := Capacity(name)
		if err != nil || got != want {
			t.Fatalf("%s: got %d err %v", name, got, err)
		}
	}
	for _, bad := range []string{"", "next_", "next_0", "next_x"} {
		if _, err := Capacity(bad); !errors.Is(err, ErrBadRoom) {
			t.Fatalf("%q: expected ErrBadRoom, got %v", bad, err)
		}
	}
}

func connectPair(t *testing.T) (*Socket, *Socket) {
	t.Helper()
	lobby := NewLobby()
	sw := transport.NewSwitch()
	ctx := context.Background()

	epA, _ := sw.Listen("A")
	epB, _ := sw.Listen("B")
	a, err := Connect(ctx, lobby.Client(), epA, "next_2")
	if err != nil {
		t.Fatal(err)
	}
	b, err := Connect(ctx, lobby.Client(), epB, "next_2")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { a.Close(); b.Close() })
	return a, b
}

func TestSocketExchange(t *testing.T) {
	a, b := connectPair(t)

	if got := a.PollNewConnections(); len(got) != 1 || got[0] != b.Self().ID {
		t.Fatalf("a new connections: %v", got)
	}
	if got := a.PollNewConnections(); len(got) != 0 {
		t.Fatalf("poll must not repeat peers: %v", got)
	}
	if got := b.PollNewConnections(); len(got) != 1 || got[0] != a.Self().ID {
		t.Fatalf("b new connections: %v", got)
	}

	roster := a.Roster()
	if len(roster) != 2 || !roster[0].Local || roster[1].ID != b.Self().ID {
		t.Fatalf("roster=%+v", roster)
	}
	if rb := b.Roster(); rb[0].ID != a.Self().ID || rb[1].Local != true {
		t.Fatalf("both sides must agree on join order: %+v", rb)
	}

	if err := a.Send(b.Self().ID, []byte{0x05}); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if pk := b.TryReceive(); len(pk) > 0 {
			if pk[0].From != a.Self().ID || pk[0].Data[0] != 0x05 {
				t.Fatalf("packet=%+v", pk[0])
			}
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("no datagram received")
}

func TestSocketDeparture(t *testing.T) {
	a, b := connectPair(t)
	a.PollNewConnections()
	id := b.Self().ID
	b.Close()

	if got := a.PollDepartures(); len(got) != 1 || got[0] != id {
		t.Fatalf("departures=%v", got)
	}
	if err := a.Send(id, []byte{1}); !errors.Is(err, transport.ErrUnknownAddr) {
		t.Fatalf("send to departed peer: %v", err)
	}
}

func TestLobbyUnavailable(t *testing.T) {
	lobby := NewLobby()
	lobby.SetAvailable(false)
	ep, _ := transport.NewSwitch().Listen("A")
	defer ep.Close()
	if _, err := Connect(context.Background(), lobby.Client(), ep, "next_2"); !errors.Is(err, ErrSignalingUnavailable) {
		t.Fatalf("expected ErrSignalingUnavailable, got %v", err)
	}
}

func TestWebSocketRendezvous(t *testing.T) {
	srv := httptest.NewServer(NewServer(nil, nil))
	t.Cleanup(srv.Close)
	base := "ws" + strings.TrimPrefix(srv.URL, "http")
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	a := NewWebSocket(base)
	selfA, _, err := a.Join(ctx, "next_2", "0.0.0.0:7000")
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()
	if !strings.HasPrefix(string(selfA.Addr), "127.0.0.1:") || !strings.HasSuffix(string(selfA.Addr), ":7000") {
		t.Fatalf("unspecified host should be filled in from the connection: %s", selfA.Addr)
	}

	b := NewWebSocket(base)
	selfB, _, err := b.Join(ctx, "next_2", "127.0.0.1:7001")
	if err != nil {
		t.Fatal(err)
	}

	anns := waitAnnouncements(t, a, 1)
	if anns[0].Member.ID != selfB.ID || anns[0].Member.Seq != selfB.Seq || anns[0].Member.Addr != "127.0.0.1:7001" {
		t.Fatalf("a saw %+v", anns[0])
	}
	if got := waitAnnouncements(t, b, 1); got[0].Member.ID != selfA.ID {
		t.Fatalf("b should learn about a: %+v", got)
	}

	_ = b.Close()
	if got := waitAnnouncements(t, a, 1); !got[0].Left || got[0].Member.ID != selfB.ID {
		t.Fatalf("expected departure of b: %+v", got)
	}
}

func TestWebSocketUnavailable(t *testing.T) {
	srv := httptest.NewServer(NewServer(nil, nil))
	base := "ws" + strings.TrimPrefix(srv.URL, "http")
	srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, _, err := NewWebSocket(base).Join(ctx, "next_2", ":7000"); !errors.Is(err, ErrSignalingUnavailable) {
		t.Fatalf("expected ErrSignalingUnavailable, got %v", err)
	}
}

func TestSocketReportsLostSignaling(t *testing.T) {
	sig := NewServer(nil, nil)
	srv := httptest.NewServer(sig)
	t.Cleanup(srv.Close)
	base := "ws" + strings.TrimPrefix(srv.URL, "http")
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	ep, _ := transport.NewSwitch().Listen("A")
	s, err := Connect(ctx, NewWebSocket(base), ep, "next_2")
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	if err := s.Err(); err != nil {
		t.Fatalf("fresh socket: %v", err)
	}

	sig.Close()
	deadline := time.Now().Add(2 * time.Second)
	for s.Err() == nil && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if err := s.Err(); !errors.Is(err, ErrSignalingUnavailable) {
		t.Fatalf("expected ErrSignalingUnavailable, got %v", err)
	}
	for len(sig.Hub().Rooms()) != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if n := sig.Hub().Rooms(); len(n) != 0 {
		t.Fatalf("dropped clients must leave their rooms: %v", n)
	}

	if _, _, err := NewWebSocket(base).Join(ctx, "next_2", ":7001"); !errors.Is(err, ErrSignalingUnavailable) {
		t.Fatalf("a closed server must refuse joins, got %v", err)
	}
}

func waitAnnouncements(t *testing.T, rv Rendezvous, n int) []Announcement {
	t.Helper()
	var got []Announcement
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		got = append(got, rv.Announcements()...)
		if len(got) >= n {
			return got
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d announcements, got %+v", n, got)
	return nil
}
