// Package session drives one match from the first signaling attempt to
// synchronized gameplay. A Manager is owned by the tick goroutine; nothing
// in it is global, so several sessions can share a process.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/VasiliCekaskin/dota-smash/internal/archive"
	"github.com/VasiliCekaskin/dota-smash/pkg/input"
	"github.com/VasiliCekaskin/dota-smash/pkg/netstats"
	"github.com/VasiliCekaskin/dota-smash/pkg/peers"
	"github.com/VasiliCekaskin/dota-smash/pkg/rollback"
	"github.com/VasiliCekaskin/dota-smash/pkg/signaling"
	"github.com/VasiliCekaskin/dota-smash/pkg/snapshot"
	"github.com/VasiliCekaskin/dota-smash/pkg/transport"
)

var (
	ErrSignalingUnavailable = signaling.ErrSignalingUnavailable
	ErrInvalidConfiguration = rollback.ErrInvalidConfiguration
	ErrSnapshotNotFound     = snapshot.ErrSnapshotNotFound
	ErrPeerDisconnected     = rollback.ErrPeerDisconnected
	ErrDesync               = rollback.ErrDesync
	ErrClosed               = errors.New("session closed")
)

// Terminal reports whether err ends the session until Reset.
func Terminal(err error) bool {
	return errors.Is(err, ErrSnapshotNotFound) ||
		errors.Is(err, ErrDesync) ||
		errors.Is(err, ErrInvalidConfiguration)
}

// Socket is the signaling connection a session runs on;
// *signaling.Socket satisfies it.
type Socket interface {
	peers.Channel
	// Err is non-nil once the signaling service is gone.
	Err() error
	Close()
}

// ConnectFunc opens the signaling connection for room. It runs on a
// background goroutine and must honour ctx.
type ConnectFunc func(ctx context.Context, room string) (Socket, error)

// Connector returns a ConnectFunc that opens a fresh endpoint and
// rendezvous client on every attempt.
func Connector(rv func() signaling.Rendezvous, listen func() (transport.Endpoint, error)) ConnectFunc {
	return func(ctx context.Context, room string) (Socket, error) {
		ep, err := listen()
		if err != nil {
			return nil, fmt.Errorf("listen: %w", err)
		}
		s, err := signaling.Connect(ctx, rv(), ep, room)
		if err != nil {
			ep.Close()
			return nil, err
		}
		return s, nil
	}
}

// GameFunc builds the deterministic simulation for a match of players.
type GameFunc func(players int) rollback.Game

type connectResult struct {
	sock Socket
	err  error
}

type Manager struct {
	cfg     Config
	connect ConnectFunc
	newGame GameFunc
	input   input.Source

	log     *slog.Logger
	events  chan rollback.Event
	archive archive.Store

	stage    Stage
	err      error
	attempts int
	retryAt  time.Time
	pending  chan connectResult
	cancel   context.CancelFunc

	sock    Socket
	set     *peers.Set
	game    rollback.Game
	sched   *rollback.Scheduler
	stats   *netstats.Monitor
	last    rollback.Result
	matchID string
	started time.Time
}

func New(cfg Config, connect ConnectFunc, newGame GameFunc, src input.Source, opts ...Option) (*Manager, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if connect == nil || newGame == nil || src == nil {
		return nil, fmt.Errorf("%w: connect, game and input are required", ErrInvalidConfiguration)
	}
	m := &Manager{cfg: cfg, connect: connect, newGame: newGame, input: src, log: slog.Default()}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	m.log = m.log.With("room", cfg.Room)
	return m, nil
}

// Advance moves the session forward by one external tick. Stages that wait
// on the network never block; they look for news and return.
//
// A failed connect returns an error wrapping ErrSignalingUnavailable, and
// the next attempt starts from Idle once the retry backoff has passed.
// Terminal errors are returned by every call until Reset.
func (m *Manager) Advance(ctx context.Context, now time.Time) error {
	if m.err != nil {
		return m.err
	}
	switch m.stage {
	case Idle:
		if now.Before(m.retryAt) {
			return nil
		}
		m.startConnect(ctx)
		m.setStage(SocketConnecting)
	case SocketConnecting:
		return m.pollConnect(now)
	case AwaitingPeers:
		return m.awaitPeers(now)
	case SessionActive:
		m.set.Service(now, m.sched.CurrentFrame())
		m.setStage(GameplayRunning)
	case GameplayRunning:
		return m.tick(now)
	}
	return nil
}

func (m *Manager) startConnect(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.ConnectTimeout)
	ch := make(chan connectResult, 1)
	m.pending, m.cancel = ch, cancel
	connect, room := m.connect, m.cfg.Room
	go func() {
		sock, err := connect(ctx, room)
		ch <- connectResult{sock: sock, err: err}
	}()
}

func (m *Manager) pollConnect(now time.Time) error {
	var r connectResult
	select {
	case r = <-m.pending:
	default:
		return nil
	}
	m.cancel()
	m.pending, m.cancel = nil, nil

	if r.err != nil {
		return m.retry(now, r.err)
	}

	set, err := peers.NewSet(r.sock, m.cfg.peers())
	if err != nil {
		r.sock.Close()
		return m.fail(err)
	}
	m.attempts = 0
	m.sock, m.set = r.sock, set
	m.setStage(AwaitingPeers)
	return nil
}

// retry schedules the next connect attempt after a signaling failure and
// returns the retryable error.
func (m *Manager) retry(now time.Time, err error) error {
	m.attempts++
	wait := backoff(m.cfg.RetryBase, m.cfg.RetryMax, m.attempts)
	m.retryAt = now.Add(wait)
	m.log.Warn("signaling_unavailable", "attempt", m.attempts, "retry_in", wait, "err", err)
	m.setStage(Idle)
	if errors.Is(err, ErrSignalingUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrSignalingUnavailable, err)
}

// awaitPeers stays put until NumPlayers-1 remote peers are present, then
// fixes the slot table and builds the rollback session on it. Losing
// signaling here means nobody else can find us, so the socket is dropped
// and the connect is retried.
func (m *Manager) awaitPeers(now time.Time) error {
	// read before polling: everything announced before the loss is queued
	lost := m.sock.Err()
	if m.set.PollNewConnections() < m.cfg.NumPlayers-1 {
		if lost != nil {
			m.teardown()
			return m.retry(now, lost)
		}
		return nil
	}
	slots, err := m.set.BuildSlots(now)
	if errors.Is(err, peers.ErrQuorumNotYetReached) {
		return nil
	}
	if err != nil {
		return m.fail(err)
	}

	game := m.newGame(len(slots))
	opts := []rollback.Option{rollback.WithLogger(m.log)}
	if m.events != nil {
		opts = append(opts, rollback.WithEvents(m.events))
	}
	sched, err := rollback.New(m.cfg.rollback(m.set.LocalSlot()), game, m.set, opts...)
	if err != nil {
		return m.fail(err)
	}
	m.game, m.sched = game, sched
	m.stats = netstats.NewMonitor(m.set, m.cfg.StatsEvery)
	m.matchID, m.started = archive.NewID(), now
	m.log.Info("session_built", "match", m.matchID, "players", len(slots), "local_slot", m.set.LocalSlot())
	m.setStage(SessionActive)
	return nil
}

func (m *Manager) tick(now time.Time) error {
	m.set.Service(now, m.sched.CurrentFrame())
	res, err := m.sched.Tick(m.input)
	m.last = res
	if err != nil {
		return m.fail(err)
	}
	m.stats.Poll(now, m.set.RemoteSlots())
	return nil
}

func (m *Manager) fail(err error) error {
	m.err = err
	m.log.Error("session_failed", "stage", m.stage, "err", err)
	return err
}

func (m *Manager) setStage(s Stage) {
	if s == m.stage {
		return
	}
	m.log.Info("stage", "from", m.stage, "to", s)
	m.stage = s
}

// Reset archives the current match, if any, tears the session down and
// returns to Idle with the error and retry state cleared.
func (m *Manager) Reset() {
	m.teardown()
	m.err = nil
	m.attempts = 0
	m.retryAt = time.Time{}
	m.setStage(Idle)
}

// Close is Reset without the restart: Advance returns ErrClosed afterwards.
// Like every other method it must not race with Advance.
func (m *Manager) Close() {
	m.teardown()
	m.setStage(Idle)
	m.err = ErrClosed
}

func (m *Manager) teardown() {
	if m.pending != nil {
		m.cancel()
		go func(ch chan connectResult) {
			if r := <-ch; r.sock != nil {
				r.sock.Close()
			}
		}(m.pending)
		m.pending, m.cancel = nil, nil
	}
	if m.sched != nil {
		m.record(time.Now())
	}
	if m.set != nil {
		m.set.Close()
	}
	if m.sock != nil {
		m.sock.Close()
	}
	m.sock, m.set, m.game, m.sched, m.stats = nil, nil, nil, nil, nil
	m.last = rollback.Result{}
	m.matchID = ""
}

func (m *Manager) record(now time.Time) {
	if m.archive == nil {
		return
	}
	rec := m.matchRecord(now)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.archive.Save(ctx, rec); err != nil {
		m.log.Warn("archive_failed", "match", rec.ID, "err", err)
		return
	}
	m.log.Info("match_archived", "match", rec.ID, "frames", rec.Frames, "rollbacks", rec.Rollbacks)
}

func (m *Manager) matchRecord(now time.Time) archive.MatchRecord {
	c := m.sched.Counters()
	rec := archive.MatchRecord{
		ID:          m.matchID,
		Room:        m.cfg.Room,
		StartedAt:   m.started,
		EndedAt:     now,
		Frames:      m.sched.CurrentFrame(),
		Confirmed:   m.sched.ConfirmedHorizon(),
		Rollbacks:   c.Rollbacks,
		Resimulated: c.Resimulated,
		Stalls:      c.Stalls,
	}
	if self := m.set.LocalSlot(); self >= 0 {
		rec.LocalPeer = string(m.set.Slots()[self].Peer)
	}
	for _, sl := range m.set.Slots() {
		rec.Slots = append(rec.Slots, archive.SlotRecord{
			Index:        sl.Index,
			Kind:         sl.Kind.String(),
			Peer:         string(sl.Peer),
			Disconnected: m.sched.SlotDisconnected(sl.Index),
		})
	}
	if snap, err := m.sched.Snapshots().Get(rec.Confirmed); err == nil {
		rec.FinalSum = snap.Sum
	}
	for _, s := range m.stats.All() {
		rec.Stats = append(rec.Stats, archive.PeerStats{
			Slot:               s.Slot,
			PingMillis:         float64(s.Stats.Ping) / float64(time.Millisecond),
			KbpsSent:           s.Stats.KbpsSent,
			LocalFramesBehind:  s.Stats.LocalFramesBehind,
			RemoteFramesBehind: s.Stats.RemoteFramesBehind,
		})
	}
	if m.err != nil {
		rec.Error = m.err.Error()
	}
	return rec
}

func (m *Manager) Stage() Stage   { return m.stage }
func (m *Manager) Err() error     { return m.err }
func (m *Manager) Attempts() int  { return m.attempts }
func (m *Manager) Config() Config { return m.cfg }

// Slots returns the slot table, empty before SessionActive.
func (m *Manager) Slots() []peers.Slot {
	if m.set == nil {
		return nil
	}
	return m.set.Slots()
}

// Scheduler is nil before SessionActive.
func (m *Manager) Scheduler() *rollback.Scheduler { return m.sched }

// Game is the simulation the scheduler steps, nil before SessionActive.
func (m *Manager) Game() rollback.Game { return m.game }

func (m *Manager) Peers() *peers.Set { return m.set }

// Run calls Advance at TickRate until ctx is done, the manager is closed or
// a terminal error occurs. report, when set, receives a Report after every
// tick on the Run goroutine.
func (m *Manager) Run(ctx context.Context, report func(Report)) error {
	t := time.NewTicker(time.Second / time.Duration(m.cfg.TickRate))
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-t.C:
			err := m.Advance(ctx, now)
			if report != nil {
				report(m.Report())
			}
			if err != nil && (Terminal(err) || errors.Is(err, ErrClosed)) {
				return err
			}
		}
	}
}
