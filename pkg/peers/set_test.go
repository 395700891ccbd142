package peers

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/VasiliCekaskin/dota-smash/pkg/input"
	"github.com/VasiliCekaskin/dota-smash/pkg/netstats"
	"github.com/VasiliCekaskin/dota-smash/pkg/rollback"
	"github.com/VasiliCekaskin/dota-smash/pkg/signaling"
	"github.com/VasiliCekaskin/dota-smash/pkg/transport"
	"github.com/VasiliCekaskin/dota-smash/pkg/wire"
)

type recvInput struct {
	slot, frame int
	bits        input.Bits
}

type recordingSink struct {
	inputs       []recvInput
	disconnected []int
	sums         map[int]uint64
	refuseAfter  int
}

func (r *recordingSink) AddRemoteInput(slot, frame int, bits input.Bits) bool {
	if r.refuseAfter > 0 && frame > r.refuseAfter {
		return false
	}
	r.inputs = append(r.inputs, recvInput{slot, frame, bits})
	return true
}
func (r *recordingSink) DisconnectSlot(slot int) { r.disconnected = append(r.disconnected, slot) }
func (r *recordingSink) AddRemoteChecksum(slot, frame int, sum uint64) {
	if r.sums == nil {
		r.sums = map[int]uint64{}
	}
	r.sums[frame] = sum
}

type harness struct {
	lobby *signaling.Lobby
	sw    *transport.Switch
	n     int
}

func newHarness() *harness {
	return &harness{lobby: signaling.NewLobby(), sw: transport.NewSwitch()}
}

func (h *harness) join(t *testing.T, room string, players int) (*Set, *signaling.Socket, *transport.Chaos) {
	t.Helper()
	h.n++
	ep, err := h.sw.Listen(transport.Addr(fmt.Sprintf("p%d", h.n)))
	if err != nil {
		t.Fatal(err)
	}
	chaos := transport.WrapChaos(ep, transport.LinkProfile{Seed: int64(h.n)})
	sock, err := signaling.Connect(context.Background(), h.lobby.Client(), chaos, room)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(sock.Close)
	set, err := NewSet(sock, Config{NumPlayers: players, InputDelay: 2, TickRate: 60})
	if err != nil {
		t.Fatal(err)
	}
	return set, sock, chaos
}

func built(t *testing.T, h *harness) (*Set, *Set, *transport.Chaos) {
	t.Helper()
	a, _, ca := h.join(t, "next_2", 2)
	b, _, _ := h.join(t, "next_2", 2)
	now := time.Unix(1000, 0)
	for _, s := range []*Set{a, b} {
		s.PollNewConnections()
		if _, err := s.BuildSlots(now); err != nil {
			t.Fatal(err)
		}
	}
	return a, b, ca
}

// drainUntil keeps draining until cond holds, giving background receive
// goroutines time to deliver.
func drainUntil(t *testing.T, s *Set, sink *recordingSink, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		s.Drain(sink)
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not met; sink=%+v", sink)
}

func TestQuorum(t *testing.T) {
	h := newHarness()
	a, _, _ := h.join(t, "next_2", 2)

	if n := a.PollNewConnections(); n != 0 || a.Ready() {
		t.Fatalf("alone: n=%d ready=%v", n, a.Ready())
	}
	if _, err := a.BuildSlots(time.Now()); !errors.Is(err, ErrQuorumNotYetReached) {
		t.Fatalf("expected ErrQuorumNotYetReached, got %v", err)
	}

	b, _, _ := h.join(t, "next_2", 2)
	if n := a.PollNewConnections(); n != 1 || !a.Ready() {
		t.Fatalf("after join: n=%d ready=%v", n, a.Ready())
	}
	if n := a.PollNewConnections(); n != 1 {
		t.Fatalf("poll is idempotent: n=%d", n)
	}
	b.PollNewConnections()

	sa, err := a.BuildSlots(time.Now())
	if err != nil {
		t.Fatal(err)
	}
	sb, err := b.BuildSlots(time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if sa[0].Kind != Local || sa[1].Kind != Remote || sb[0].Kind != Remote || sb[1].Kind != Local {
		t.Fatalf("slots: a=%+v b=%+v", sa, sb)
	}
	if sa[0].Peer != sb[0].Peer || sa[1].Peer != sb[1].Peer {
		t.Fatalf("both peers must agree on the slot table")
	}
	if fmt.Sprint(a.LocalSlots(), a.RemoteSlots()) != "[0] [1]" {
		t.Fatalf("a local=%v remote=%v", a.LocalSlots(), a.RemoteSlots())
	}
}

func TestTooManyPeersIsInvalid(t *testing.T) {
	h := newHarness()
	a, _, _ := h.join(t, "arena", 2)
	h.join(t, "arena", 2)
	h.join(t, "arena", 2)
	if n := a.PollNewConnections(); n != 2 {
		t.Fatalf("n=%d", n)
	}
	if a.Ready() {
		t.Fatalf("quorum is exactly NumPlayers-1")
	}
	if _, err := a.BuildSlots(time.Now()); !errors.Is(err, rollback.ErrInvalidConfiguration) {
		t.Fatalf("expected ErrInvalidConfiguration, got %v", err)
	}
}

func TestInputsArriveInOrder(t *testing.T) {
	a, b, _ := built(t, newHarness())
	for f := 3; f <= 6; f++ {
		a.SendInput(f, input.Bits(f-2))
	}
	sink := &recordingSink{}
	drainUntil(t, b, sink, func() bool { return len(sink.inputs) == 4 })
	for i, in := range sink.inputs {
		if in.slot != 0 || in.frame != 3+i || in.bits != input.Bits(i+1) {
			t.Fatalf("input %d: %+v", i, in)
		}
	}
}

func TestLostInputsAreResent(t *testing.T) {
	a, b, ca := built(t, newHarness())
	now := time.Unix(1000, 0)

	ca.SetProfile(transport.LinkProfile{Loss: 1})
	a.SendInput(3, input.Up)
	a.SendInput(4, input.Left)
	ca.SetProfile(transport.LinkProfile{})

	// the next input message carries every unacknowledged frame
	a.Service(now.Add(100*time.Millisecond), 2)
	sink := &recordingSink{}
	drainUntil(t, b, sink, func() bool { return len(sink.inputs) == 2 })
	if sink.inputs[0].frame != 3 || sink.inputs[1].bits != input.Left {
		t.Fatalf("inputs=%+v", sink.inputs)
	}

	// b acks, a forgets its pending inputs
	b.Service(now.Add(100*time.Millisecond), 2)
	drainUntil(t, a, &recordingSink{}, func() bool { return a.Peers()[0].Pending == 0 })
}

func TestRefusedInputsStayQueued(t *testing.T) {
	a, b, _ := built(t, newHarness())
	for f := 3; f <= 5; f++ {
		a.SendInput(f, input.Down)
	}
	sink := &recordingSink{refuseAfter: 3}
	drainUntil(t, b, sink, func() bool { return len(sink.inputs) == 1 && b.Peers()[0].LastReceived == 5 })
	sink.refuseAfter = 0
	b.Drain(sink)
	if len(sink.inputs) != 3 || sink.inputs[2].frame != 5 {
		t.Fatalf("queued inputs must be handed over later: %+v", sink.inputs)
	}
}

func TestReservedBitsAreMalformed(t *testing.T) {
	h := newHarness()
	a, sockA, _ := h.join(t, "next_2", 2)
	b, sockB, _ := h.join(t, "next_2", 2)
	now := time.Unix(1000, 0)
	for _, s := range []*Set{a, b} {
		s.PollNewConnections()
		if _, err := s.BuildSlots(now); err != nil {
			t.Fatal(err)
		}
	}
	before := b.Peers()[0].LastReceived

	data, err := wire.Input{Start: 3, Bits: []byte{byte(input.Up), 0x41}}.Encode()
	if err != nil {
		t.Fatal(err)
	}
	if err := sockA.Send(sockB.Self().ID, data); err != nil {
		t.Fatal(err)
	}
	sink := &recordingSink{}
	drainUntil(t, b, sink, func() bool { return b.Malformed() == 1 })
	if len(sink.inputs) != 0 || b.Peers()[0].LastReceived != before {
		t.Fatalf("a run with reserved bits must be refused: %+v last=%d", sink.inputs, b.Peers()[0].LastReceived)
	}
}

func TestDisconnectTimeout(t *testing.T) {
	a, _, _ := built(t, newHarness())
	sink := &recordingSink{}
	a.Service(time.Unix(1000, 0).Add(3*time.Second), 10)
	a.Drain(sink)
	if len(sink.disconnected) != 1 || sink.disconnected[0] != 1 {
		t.Fatalf("disconnected=%v", sink.disconnected)
	}
	a.Drain(sink)
	if len(sink.disconnected) != 1 {
		t.Fatalf("disconnect must be reported once")
	}
	if _, err := a.NetworkStats(1); !errors.Is(err, rollback.ErrPeerDisconnected) {
		t.Fatalf("stats of a dropped peer: %v", err)
	}
}

func TestByeDisconnects(t *testing.T) {
	a, b, _ := built(t, newHarness())
	b.Close()
	sink := &recordingSink{}
	drainUntil(t, a, sink, func() bool { return len(sink.disconnected) == 1 })
}

func TestNetworkStats(t *testing.T) {
	a, b, _ := built(t, newHarness())
	if _, err := a.NetworkStats(1); !errors.Is(err, netstats.ErrNoSample) {
		t.Fatalf("before any report: %v", err)
	}
	if _, err := a.NetworkStats(0); !errors.Is(err, ErrUnknownSlot) {
		t.Fatalf("local slot has no stats: %v", err)
	}

	now := time.Unix(1000, 0).Add(time.Second)
	a.Service(now, 30)
	drainUntil(t, b, &recordingSink{}, func() bool { return b.bySlot[0].remoteFrame == 30 })
	a.now = now.Add(40 * time.Millisecond)
	drainUntil(t, a, &recordingSink{}, func() bool { return a.bySlot[1].haveRTT })

	st, err := a.NetworkStats(1)
	if err != nil {
		t.Fatal(err)
	}
	if st.Ping != 40*time.Millisecond {
		t.Fatalf("ping=%v", st.Ping)
	}
	if st.KbpsSent <= 0 {
		t.Fatalf("kbps=%v", st.KbpsSent)
	}

	m := netstats.NewMonitor(a, time.Second)
	if err := m.Sample(1, now); err != nil {
		t.Fatal(err)
	}
	if got, ok := m.Get(1); !ok || got.Ping != st.Ping {
		t.Fatalf("monitor=%+v", got)
	}
}
