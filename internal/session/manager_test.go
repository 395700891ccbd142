package session

import (
	"context"
	"errors"
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/VasiliCekaskin/dota-smash/internal/archive"
	"github.com/VasiliCekaskin/dota-smash/pkg/arena"
	"github.com/VasiliCekaskin/dota-smash/pkg/input"
	"github.com/VasiliCekaskin/dota-smash/pkg/peers"
	"github.com/VasiliCekaskin/dota-smash/pkg/rollback"
	"github.com/VasiliCekaskin/dota-smash/pkg/signaling"
	"github.com/VasiliCekaskin/dota-smash/pkg/transport"
)

type testNet struct {
	lobby *signaling.Lobby
	sw    *transport.Switch
	n     int
}

func newNet() *testNet {
	return &testNet{lobby: signaling.NewLobby(), sw: transport.NewSwitch()}
}

func (n *testNet) connector() ConnectFunc {
	n.n++
	addr := transport.Addr(fmt.Sprintf("peer-%d", n.n))
	return Connector(n.lobby.Client, func() (transport.Endpoint, error) {
		ep, err := n.sw.Listen(addr)
		if err != nil {
			return nil, err
		}
		return ep, nil
	})
}

func newGame(players int) rollback.Game { return arena.New(arena.DefaultConfig(), players) }

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.StatsEvery = 50 * time.Millisecond
	cfg.RetryBase = 10 * time.Millisecond
	cfg.RetryMax = 40 * time.Millisecond
	return cfg
}

func newManager(t *testing.T, n *testNet, cfg Config, src input.Source, opts ...Option) *Manager {
	t.Helper()
	m, err := New(cfg, n.connector(), newGame, src, opts...)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(m.Close)
	return m
}

// advanceUntil ticks every manager with wall-clock time until cond holds.
func advanceUntil(t *testing.T, ms []*Manager, cond func() bool) {
	t.Helper()
	ctx := context.Background()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		for i, m := range ms {
			if err := m.Advance(ctx, time.Now()); err != nil {
				t.Fatalf("manager %d in %s: %v", i, m.Stage(), err)
			}
		}
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	for i, m := range ms {
		t.Logf("manager %d: %+v", i, m.Report())
	}
	t.Fatalf("condition not reached")
}

func TestStageString(t *testing.T) {
	want := []string{"idle", "socket_connecting", "awaiting_peers", "session_active", "gameplay_running"}
	for i, w := range want {
		if got := Stage(i).String(); got != w {
			t.Fatalf("stage %d: %s", i, got)
		}
	}
}

func TestInvalidConfiguration(t *testing.T) {
	n := newNet()
	cases := map[string]func(*Config){
		"players":   func(c *Config) { c.NumPlayers = 0 },
		"window":    func(c *Config) { c.PredictionWindow = 0 },
		"room size": func(c *Config) { c.Room = "next_3" },
		"room name": func(c *Config) { c.Room = "next_x" },
		"neg delay": func(c *Config) { c.InputDelay = -1 },
	}
	for name, mutate := range cases {
		cfg := testConfig()
		mutate(&cfg)
		if _, err := New(cfg, n.connector(), newGame, input.Fixed(0)); !errors.Is(err, ErrInvalidConfiguration) {
			t.Fatalf("%s: expected ErrInvalidConfiguration, got %v", name, err)
		}
	}
	if _, err := New(testConfig(), nil, newGame, input.Fixed(0)); !errors.Is(err, ErrInvalidConfiguration) {
		t.Fatalf("missing connector: %v", err)
	}
}

func TestWaitsForQuorum(t *testing.T) {
	n := newNet()
	m := newManager(t, n, testConfig(), input.Fixed(input.Right))
	advanceUntil(t, []*Manager{m}, func() bool { return m.Stage() == AwaitingPeers })

	for i := 0; i < 200; i++ {
		if err := m.Advance(context.Background(), time.Now()); err != nil {
			t.Fatal(err)
		}
	}
	if m.Stage() != AwaitingPeers || m.Scheduler() != nil || len(m.Slots()) != 0 {
		t.Fatalf("without a second player nothing may be built: %+v", m.Report())
	}
	if r := m.Report(); r.Frame != 0 || r.Counters.Ticks != 0 {
		t.Fatalf("no ticks may run: %+v", r)
	}
}

func TestSignalingRetry(t *testing.T) {
	n := newNet()
	n.lobby.SetAvailable(false)
	m := newManager(t, n, testConfig(), input.Fixed(0))
	ctx := context.Background()

	now := time.Now()
	if err := m.Advance(ctx, now); err != nil || m.Stage() != SocketConnecting {
		t.Fatalf("idle should start connecting: %v %s", err, m.Stage())
	}
	var err error
	deadline := time.Now().Add(2 * time.Second)
	for err == nil && time.Now().Before(deadline) {
		err = m.Advance(ctx, now)
		time.Sleep(time.Millisecond)
	}
	if !errors.Is(err, ErrSignalingUnavailable) || Terminal(err) {
		t.Fatalf("expected a retryable ErrSignalingUnavailable, got %v", err)
	}
	if m.Stage() != Idle || m.Attempts() != 1 {
		t.Fatalf("stage=%s attempts=%d", m.Stage(), m.Attempts())
	}

	// still inside the backoff window
	if err := m.Advance(ctx, now); err != nil || m.Stage() != Idle {
		t.Fatalf("retry before backoff: %v %s", err, m.Stage())
	}

	n.lobby.SetAvailable(true)
	later := now.Add(time.Second)
	if err := m.Advance(ctx, later); err != nil || m.Stage() != SocketConnecting {
		t.Fatalf("retry after backoff: %v %s", err, m.Stage())
	}
	advanceUntil(t, []*Manager{m}, func() bool { return m.Stage() == AwaitingPeers })
	if m.Attempts() != 0 {
		t.Fatalf("a successful connect clears the attempt count")
	}
}

func TestSignalingLostBeforeQuorum(t *testing.T) {
	sig := signaling.NewServer(nil, nil)
	srv := httptest.NewServer(sig)
	t.Cleanup(srv.Close)
	base := "ws" + strings.TrimPrefix(srv.URL, "http")

	sw := transport.NewSwitch()
	connect := Connector(
		func() signaling.Rendezvous { return signaling.NewWebSocket(base) },
		func() (transport.Endpoint, error) { return sw.Listen("solo") },
	)
	m, err := New(testConfig(), connect, newGame, input.Fixed(0))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(m.Close)
	advanceUntil(t, []*Manager{m}, func() bool { return m.Stage() == AwaitingPeers })

	sig.Close()
	ctx := context.Background()
	deadline := time.Now().Add(2 * time.Second)
	for err == nil && time.Now().Before(deadline) {
		err = m.Advance(ctx, time.Now())
		time.Sleep(time.Millisecond)
	}
	if !errors.Is(err, ErrSignalingUnavailable) || Terminal(err) {
		t.Fatalf("expected a retryable ErrSignalingUnavailable, got %v", err)
	}
	if m.Stage() != Idle || m.Attempts() != 1 || m.Peers() != nil {
		t.Fatalf("stage=%s attempts=%d", m.Stage(), m.Attempts())
	}
}

func TestTooManyPeersIsTerminal(t *testing.T) {
	n := newNet()
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		ep, _ := n.sw.Listen(transport.Addr(fmt.Sprintf("extra-%d", i)))
		s, err := signaling.Connect(ctx, n.lobby.Client(), ep, "arena")
		if err != nil {
			t.Fatal(err)
		}
		t.Cleanup(s.Close)
	}
	cfg := testConfig()
	cfg.Room = "arena"
	m := newManager(t, n, cfg, input.Fixed(0))

	var err error
	deadline := time.Now().Add(2 * time.Second)
	for err == nil && time.Now().Before(deadline) {
		err = m.Advance(ctx, time.Now())
		time.Sleep(time.Millisecond)
	}
	if !errors.Is(err, ErrInvalidConfiguration) || !Terminal(err) {
		t.Fatalf("expected ErrInvalidConfiguration, got %v", err)
	}
	if again := m.Advance(ctx, time.Now()); again != err {
		t.Fatalf("terminal errors are sticky: %v", again)
	}
	if m.Scheduler() != nil {
		t.Fatalf("no session may be built")
	}

	m.Reset()
	if m.Stage() != Idle || m.Err() != nil {
		t.Fatalf("reset: %s %v", m.Stage(), m.Err())
	}
}

func TestMatch(t *testing.T) {
	n := newNet()
	store := archive.NewMemoryStore()
	events := make(chan rollback.Event, 4096)
	a := newManager(t, n, testConfig(), input.NewBot(1), WithEvents(events), WithArchive(store))
	advanceUntil(t, []*Manager{a}, func() bool { return a.Stage() == AwaitingPeers })
	b := newManager(t, n, testConfig(), input.NewBot(2))
	both := []*Manager{a, b}

	advanceUntil(t, both, func() bool { return a.Stage() == SessionActive && b.Stage() == SessionActive })
	sa, sb := a.Slots(), b.Slots()
	if len(sa) != 2 || sa[0].Peer != sb[0].Peer || sa[1].Peer != sb[1].Peer {
		t.Fatalf("slot tables differ: %+v %+v", sa, sb)
	}
	if sa[0].Kind != peers.Local || sb[1].Kind != peers.Local {
		t.Fatalf("first joiner takes slot 0: %+v %+v", sa, sb)
	}

	running, checksums := false, 0
	advanceUntil(t, both, func() bool {
		for len(events) > 0 {
			if ev := <-events; ev.Type == rollback.EventChecksum {
				checksums++
			}
		}
		if running && (a.Stage() != GameplayRunning || b.Stage() != GameplayRunning) {
			t.Fatalf("left GameplayRunning")
		}
		running = a.Stage() == GameplayRunning && b.Stage() == GameplayRunning
		return running && a.Report().Horizon >= 120 && b.Report().Horizon >= 120
	})

	if checksums == 0 {
		t.Fatalf("confirmed frames must be checksummed")
	}

	// one peer leaves; the other keeps playing with its slot held at zero
	remote := 1
	b.Close()
	advanceUntil(t, []*Manager{a}, func() bool { return a.Scheduler().SlotDisconnected(remote) })
	frame := a.Report().Frame
	advanceUntil(t, []*Manager{a}, func() bool { return a.Report().Frame >= frame+30 })
	if a.Stage() != GameplayRunning || a.Err() != nil {
		t.Fatalf("disconnect must not end the session: %s %v", a.Stage(), a.Err())
	}
	last := a.Scheduler().Inputs(a.Report().Frame)[remote]
	if last.Bits != 0 || last.Status != input.Disconnected {
		t.Fatalf("disconnected slot input: %+v", last)
	}

	a.Close()
	recs, _ := store.Recent(context.Background(), 10)
	if len(recs) != 1 {
		t.Fatalf("records=%d", len(recs))
	}
	rec := recs[0]
	if rec.Frames < frame+30 || !rec.Slots[remote].Disconnected || rec.Slots[0].Kind != "local" || rec.Error != "" {
		t.Fatalf("record=%+v", rec)
	}
	if err := a.Advance(context.Background(), time.Now()); !errors.Is(err, ErrClosed) {
		t.Fatalf("advance after close: %v", err)
	}
}

func TestBackoff(t *testing.T) {
	base, ceiling := 100*time.Millisecond, time.Second
	cases := []struct {
		attempt int
		want    time.Duration
	}{{1, base}, {3, 4 * base}, {20, ceiling}}
	for _, c := range cases {
		for range 50 {
			got := backoff(base, ceiling, c.attempt)
			if got < c.want*8/10 || got > c.want*12/10 {
				t.Fatalf("attempt %d: %v not within 20%% of %v", c.attempt, got, c.want)
			}
		}
	}
}
