package transport

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

// Switch delivers datagrams between endpoints listening on it. It is the
// in-process network used by tests and the simulator.
type Switch struct {
	mu      sync.RWMutex
	inbox   map[Addr]chan envelope
	depth   int
	dropped atomic.Uint64
}

// NewSwitch returns a switch whose endpoints buffer up to depth datagrams.
func NewSwitch() *Switch { return NewSwitchDepth(256) }

func NewSwitchDepth(depth int) *Switch {
	if depth <= 0 {
		depth = 256
	}
	return &Switch{inbox: make(map[Addr]chan envelope), depth: depth}
}

// Dropped counts datagrams discarded because the receiver was full.
func (s *Switch) Dropped() uint64 { return s.dropped.Load() }

// MemEndpoint is one address on a Switch.
type MemEndpoint struct {
	sw     *Switch
	addr   Addr
	in     chan envelope
	closed chan struct{}
	once   sync.Once
}

func (s *Switch) Listen(addr Addr) (*MemEndpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.inbox[addr]; exists {
		return nil, fmt.Errorf("%w: %s", ErrAddrInUse, addr)
	}
	ch := make(chan envelope, s.depth)
	s.inbox[addr] = ch
	return &MemEndpoint{sw: s, addr: addr, in: ch, closed: make(chan struct{})}, nil
}

func (e *MemEndpoint) Addr() Addr { return e.addr }

func (e *MemEndpoint) Close() {
	e.once.Do(func() {
		close(e.closed)
		e.sw.mu.Lock()
		delete(e.sw.inbox, e.addr)
		e.sw.mu.Unlock()
	})
}

func (e *MemEndpoint) RecvFrom(ctx context.Context) (Addr, []byte, bool) {
	select {
	case <-e.closed:
		return "", nil, false
	case <-ctx.Done():
		return "", nil, false
	case env := <-e.in:
		return env.from, env.data, true
	}
}

func (e *MemEndpoint) Send(to Addr, datagram []byte) error {
	select {
	case <-e.closed:
		return ErrClosed
	default:
	}
	e.sw.mu.RLock()
	dst, ok := e.sw.inbox[to]
	e.sw.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAddr, to)
	}
	select {
	case dst <- envelope{from: e.addr, data: clone(datagram)}:
		return nil
	default:
		e.sw.dropped.Add(1)
		return ErrInboxFull
	}
}
