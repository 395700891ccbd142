// Package peers turns a signaling socket into the fixed table of player
// slots a rollback session runs on, and speaks the input protocol with
// every remote slot.
package peers

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/VasiliCekaskin/dota-smash/pkg/input"
	"github.com/VasiliCekaskin/dota-smash/pkg/netstats"
	"github.com/VasiliCekaskin/dota-smash/pkg/rollback"
	"github.com/VasiliCekaskin/dota-smash/pkg/signaling"
	"github.com/VasiliCekaskin/dota-smash/pkg/wire"
)

var (
	ErrQuorumNotYetReached = errors.New("quorum not yet reached")
	ErrNotBuilt            = errors.New("slots not built")
	ErrUnknownSlot         = errors.New("unknown slot")
	ErrReservedBits        = errors.New("reserved input bits set")
)

// Channel is the signaling collaborator; *signaling.Socket satisfies it.
type Channel interface {
	Self() signaling.Member
	PollNewConnections() []signaling.PeerID
	PollDepartures() []signaling.PeerID
	Roster() []signaling.Member
	Send(to signaling.PeerID, data []byte) error
	TryReceive() []signaling.Packet
}

type Kind uint8

const (
	Local Kind = iota
	Remote
)

func (k Kind) String() string {
	if k == Local {
		return "local"
	}
	return "remote"
}

// Slot is a player position. Index is stable for the whole session.
type Slot struct {
	Index int
	Kind  Kind
	Peer  signaling.PeerID
}

type Config struct {
	NumPlayers int
	InputDelay int
	TickRate   int

	QualityReportEvery time.Duration
	KeepAliveEvery     time.Duration
	ResendEvery        time.Duration
	DisconnectTimeout  time.Duration
}

func (c Config) withDefaults() Config {
	if c.TickRate <= 0 {
		c.TickRate = 60
	}
	if c.QualityReportEvery <= 0 {
		c.QualityReportEvery = 200 * time.Millisecond
	}
	if c.KeepAliveEvery <= 0 {
		c.KeepAliveEvery = 200 * time.Millisecond
	}
	if c.ResendEvery <= 0 {
		c.ResendEvery = 50 * time.Millisecond
	}
	if c.DisconnectTimeout <= 0 {
		c.DisconnectTimeout = 2 * time.Second
	}
	return c
}

// Set tracks the peers of one session. It is used from the tick goroutine
// only; the Channel does the concurrent I/O.
type Set struct {
	ch  Channel
	cfg Config
	log *slog.Logger

	joined []signaling.PeerID

	slots  []Slot
	local  int
	peers  map[signaling.PeerID]*peer
	bySlot []*peer

	now        time.Time
	localFrame int
	malformed  uint64
}

func NewSet(ch Channel, cfg Config) (*Set, error) {
	if cfg.NumPlayers < 1 {
		return nil, fmt.Errorf("%w: num players %d", rollback.ErrInvalidConfiguration, cfg.NumPlayers)
	}
	return &Set{ch: ch, cfg: cfg.withDefaults(), log: slog.Default(), local: -1}, nil
}

// PollNewConnections merges newly connected peers and returns how many
// remote peers are present. Calling it again without news changes nothing.
func (s *Set) PollNewConnections() int {
	for _, id := range s.ch.PollNewConnections() {
		if !s.has(id) {
			s.joined = append(s.joined, id)
		}
	}
	if s.slots == nil {
		for _, id := range s.ch.PollDepartures() {
			s.forget(id)
		}
	}
	return len(s.joined)
}

func (s *Set) has(id signaling.PeerID) bool {
	for _, j := range s.joined {
		if j == id {
			return true
		}
	}
	return false
}

func (s *Set) forget(id signaling.PeerID) {
	for i, j := range s.joined {
		if j == id {
			s.joined = append(s.joined[:i], s.joined[i+1:]...)
			return
		}
	}
}

// Ready reports whether exactly NumPlayers-1 remote peers are present.
func (s *Set) Ready() bool { return len(s.joined) == s.cfg.NumPlayers-1 }

// BuildSlots fixes the slot table in join order. Too few peers is
// ErrQuorumNotYetReached; more peers than NumPlayers-1 is a configuration
// error. The table cannot change afterwards.
func (s *Set) BuildSlots(now time.Time) ([]Slot, error) {
	if s.slots != nil {
		return s.Slots(), nil
	}
	remotes := len(s.joined)
	switch {
	case remotes < s.cfg.NumPlayers-1:
		return nil, fmt.Errorf("%w: %d of %d peers", ErrQuorumNotYetReached, remotes, s.cfg.NumPlayers-1)
	case remotes > s.cfg.NumPlayers-1:
		return nil, fmt.Errorf("%w: %d players requested but %d peers joined", rollback.ErrInvalidConfiguration, s.cfg.NumPlayers, remotes)
	}

	joined := make(map[signaling.PeerID]bool, remotes)
	for _, id := range s.joined {
		joined[id] = true
	}
	self := s.ch.Self().ID
	var order []signaling.Member
	for _, m := range s.ch.Roster() {
		if m.ID == self || joined[m.ID] {
			order = append(order, m)
		}
	}
	signaling.SortBySeq(order)
	if len(order) != s.cfg.NumPlayers {
		return nil, fmt.Errorf("%w: roster has %d of %d players", ErrQuorumNotYetReached, len(order), s.cfg.NumPlayers)
	}

	s.now = now
	s.peers = make(map[signaling.PeerID]*peer, remotes)
	s.bySlot = make([]*peer, len(order))
	s.slots = make([]Slot, len(order))
	for i, m := range order {
		if m.ID == self {
			s.slots[i] = Slot{Index: i, Kind: Local, Peer: m.ID}
			s.local = i
			continue
		}
		s.slots[i] = Slot{Index: i, Kind: Remote, Peer: m.ID}
		p := newPeer(m.ID, i, s.cfg.InputDelay, now)
		s.peers[m.ID] = p
		s.bySlot[i] = p
	}
	s.log.Info("slots_built", "players", len(order), "local_slot", s.local)
	return s.Slots(), nil
}

func (s *Set) Slots() []Slot { return append([]Slot(nil), s.slots...) }

func (s *Set) LocalSlots() []int  { return s.indexes(Local) }
func (s *Set) RemoteSlots() []int { return s.indexes(Remote) }

func (s *Set) indexes(k Kind) []int {
	var out []int
	for _, sl := range s.slots {
		if sl.Kind == k {
			out = append(out, sl.Index)
		}
	}
	return out
}

// LocalSlot is the index of this process' player, or -1 before BuildSlots.
func (s *Set) LocalSlot() int { return s.local }

// Service runs the protocol timers: disconnect timeouts, quality reports,
// resends of unacknowledged input and keepalives.
func (s *Set) Service(now time.Time, localFrame int) {
	s.now, s.localFrame = now, localFrame
	for _, p := range s.bySlot {
		if p == nil || p.disconnected {
			continue
		}
		if now.Sub(p.lastRecv) > s.cfg.DisconnectTimeout {
			s.disconnect(p, "timeout")
			continue
		}
		if now.Sub(p.lastQuality) >= s.cfg.QualityReportEvery {
			p.lastQuality = now
			adv := p.framesBehind(localFrame, s.cfg.InputDelay, s.cfg.TickRate)
			s.send(p, wire.QualityReport{SentNanos: uint64(now.UnixNano()), Frame: uint32(localFrame), Advantage: int32(adv)}.Encode())
		}
		switch {
		case len(p.pending) > 0 && now.Sub(p.lastInputSend) >= s.cfg.ResendEvery:
			s.sendInputs(p)
		case p.ackSent < p.lastReceived:
			p.ackSent = p.lastReceived
			s.send(p, wire.Ack{Frame: uint32(p.lastReceived)}.Encode())
		case now.Sub(p.lastSend) >= s.cfg.KeepAliveEvery:
			s.send(p, wire.KeepAlive())
		}
	}
}

// SendInput queues the local input for frame to every connected peer and
// sends everything still unacknowledged.
func (s *Set) SendInput(frame int, bits input.Bits) {
	for _, p := range s.bySlot {
		if p == nil || p.disconnected {
			continue
		}
		p.queueLocal(frame, bits)
		s.sendInputs(p)
	}
}

func (s *Set) sendInputs(p *peer) {
	run := p.pending
	if len(run) > wire.MaxInputRun {
		run = run[:wire.MaxInputRun]
	}
	b := make([]byte, len(run))
	for i, v := range run {
		b[i] = v.Encode()
	}
	msg, err := wire.Input{Start: uint32(p.pendingStart), Ack: uint32(p.lastReceived), Bits: b}.Encode()
	if err != nil {
		s.log.Warn("encode_input", "slot", p.slot, "err", err)
		return
	}
	p.lastInputSend = s.now
	p.ackSent = p.lastReceived
	s.send(p, msg)
}

func (s *Set) SendChecksum(frame int, sum uint64) {
	msg := wire.Checksum{Frame: uint32(frame), Sum: sum}.Encode()
	for _, p := range s.bySlot {
		if p != nil && !p.disconnected {
			s.send(p, msg)
		}
	}
}

func (s *Set) send(p *peer, msg []byte) {
	p.lastSend = s.now
	p.bytesSent += uint64(len(msg) + udpOverhead)
	p.packetsSent++
	if err := s.ch.Send(p.id, msg); err != nil {
		s.log.Debug("send_failed", "slot", p.slot, "err", err)
	}
}

// Drain processes received datagrams and hands remote inputs, checksums
// and disconnects to sink, inputs first.
func (s *Set) Drain(sink rollback.Sink) {
	for _, id := range s.ch.PollDepartures() {
		if p, ok := s.peers[id]; ok && !p.disconnected {
			s.disconnect(p, "left")
		}
	}
	for _, pk := range s.ch.TryReceive() {
		p, ok := s.peers[pk.From]
		if !ok || p.disconnected {
			continue
		}
		if err := s.handle(p, pk.Data, sink); err != nil {
			s.malformed++
			s.log.Warn("malformed_datagram", "slot", p.slot, "err", err)
		}
	}
	for _, p := range s.bySlot {
		if p == nil {
			continue
		}
		n := 0
		for _, in := range p.queued {
			if !sink.AddRemoteInput(p.slot, in.frame, in.bits) {
				break
			}
			n++
		}
		p.queued = append(p.queued[:0], p.queued[n:]...)
		if p.disconnected && !p.notified {
			p.notified = true
			sink.DisconnectSlot(p.slot)
		}
	}
}

func (s *Set) handle(p *peer, data []byte, sink rollback.Sink) error {
	mt, payload, err := wire.Decode(data)
	if err != nil {
		return err
	}
	p.lastRecv = s.now
	p.bytesRecv += uint64(len(data) + udpOverhead)
	switch mt {
	case wire.MT_INPUT:
		m, err := wire.DecodeInput(payload)
		if err != nil {
			return err
		}
		p.ack(int(m.Ack))
		if err := p.receive(int(m.Start), m.Bits); err != nil {
			return err
		}
	case wire.MT_INPUT_ACK:
		m, err := wire.DecodeAck(payload)
		if err != nil {
			return err
		}
		p.ack(int(m.Frame))
	case wire.MT_QUALITY_REPORT:
		m, err := wire.DecodeQualityReport(payload)
		if err != nil {
			return err
		}
		p.remoteFrame, p.remoteAdvantage = int(m.Frame), int(m.Advantage)
		s.send(p, wire.QualityReply{EchoNanos: m.SentNanos}.Encode())
	case wire.MT_QUALITY_REPLY:
		m, err := wire.DecodeQualityReply(payload)
		if err != nil {
			return err
		}
		if rtt := s.now.Sub(time.Unix(0, int64(m.EchoNanos))); rtt >= 0 {
			p.rtt, p.haveRTT = rtt, true
		}
	case wire.MT_CHECKSUM:
		m, err := wire.DecodeChecksum(payload)
		if err != nil {
			return err
		}
		sink.AddRemoteChecksum(p.slot, int(m.Frame), m.Sum)
	case wire.MT_KEEPALIVE:
	case wire.MT_BYE:
		s.disconnect(p, "bye")
	default:
		return fmt.Errorf("unknown message type 0x%02x", mt)
	}
	return nil
}

func (s *Set) disconnect(p *peer, reason string) {
	p.disconnected, p.reason = true, reason
	p.pending = nil
	s.log.Warn("peer_disconnected", "slot", p.slot, "reason", reason, "last_frame", p.lastReceived)
}

// NetworkStats implements netstats.Source.
func (s *Set) NetworkStats(slot int) (netstats.Stats, error) {
	if slot < 0 || slot >= len(s.bySlot) || s.bySlot[slot] == nil {
		return netstats.Stats{}, fmt.Errorf("%w: %d", ErrUnknownSlot, slot)
	}
	p := s.bySlot[slot]
	if p.disconnected {
		return netstats.Stats{}, fmt.Errorf("slot %d: %w", slot, rollback.ErrPeerDisconnected)
	}
	if !p.haveRTT {
		return netstats.Stats{}, netstats.ErrNoSample
	}
	secs := s.now.Sub(p.startedAt).Seconds()
	if secs <= 0 {
		return netstats.Stats{}, netstats.ErrNoSample
	}
	return netstats.Stats{
		Ping:               p.rtt,
		KbpsSent:           float64(p.bytesSent) * 8 / 1024 / secs,
		LocalFramesBehind:  p.framesBehind(s.localFrame, s.cfg.InputDelay, s.cfg.TickRate),
		RemoteFramesBehind: p.remoteAdvantage,
	}, nil
}

// PeerInfo is a diagnostic view of one remote slot.
type PeerInfo struct {
	Slot         int
	Peer         signaling.PeerID
	Connected    bool
	Reason       string
	LastReceived int
	Pending      int
	PacketsSent  uint64
	BytesSent    uint64
	BytesRecv    uint64
}

func (s *Set) Peers() []PeerInfo {
	var out []PeerInfo
	for _, p := range s.bySlot {
		if p == nil {
			continue
		}
		out = append(out, PeerInfo{
			Slot: p.slot, Peer: p.id, Connected: !p.disconnected, Reason: p.reason,
			LastReceived: p.lastReceived, Pending: len(p.pending),
			PacketsSent: p.packetsSent, BytesSent: p.bytesSent, BytesRecv: p.bytesRecv,
		})
	}
	return out
}

// Malformed counts datagrams that were refused as undecodable.
func (s *Set) Malformed() uint64 { return s.malformed }

// Close says goodbye to every connected peer.
func (s *Set) Close() {
	for _, p := range s.bySlot {
		if p != nil && !p.disconnected {
			s.send(p, wire.Bye())
		}
	}
}
