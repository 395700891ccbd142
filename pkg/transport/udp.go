package transport

import (
	"context"
	"net"
	"sync"
)

// MaxDatagram is the largest datagram the UDP reader accepts.
const MaxDatagram = 1500

type UDPEndpoint struct {
	c      *net.UDPConn
	addr   Addr
	in     chan envelope
	closed chan struct{}
	once   sync.Once

	mu       sync.Mutex
	resolved map[Addr]*net.UDPAddr
}

// ListenUDP binds addr (":0" picks a free port) and starts the reader.
func ListenUDP(addr string) (*UDPEndpoint, error) {
	ua, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	c, err := net.ListenUDP("udp", ua)
	if err != nil {
		return nil, err
	}
	ep := &UDPEndpoint{
		c:        c,
		addr:     Addr(c.LocalAddr().String()),
		in:       make(chan envelope, 256),
		closed:   make(chan struct{}),
		resolved: make(map[Addr]*net.UDPAddr),
	}
	go ep.readLoop()
	return ep, nil
}

func (e *UDPEndpoint) Addr() Addr { return e.addr }

func (e *UDPEndpoint) Close() {
	e.once.Do(func() {
		close(e.closed)
		_ = e.c.Close()
	})
}

func (e *UDPEndpoint) RecvFrom(ctx context.Context) (Addr, []byte, bool) {
	select {
	case <-e.closed:
		return "", nil, false
	case <-ctx.Done():
		return "", nil, false
	case env := <-e.in:
		return env.from, env.data, true
	}
}

// Send writes one datagram (no extra framing).
func (e *UDPEndpoint) Send(to Addr, datagram []byte) error {
	select {
	case <-e.closed:
		return ErrClosed
	default:
	}
	ra, err := e.resolve(to)
	if err != nil {
		return err
	}
	_, err = e.c.WriteToUDP(datagram, ra)
	return err
}

func (e *UDPEndpoint) resolve(to Addr) (*net.UDPAddr, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if ra, ok := e.resolved[to]; ok {
		return ra, nil
	}
	ra, err := net.ResolveUDPAddr("udp", string(to))
	if err != nil {
		return nil, err
	}
	e.resolved[to] = ra
	return ra, nil
}

func (e *UDPEndpoint) readLoop() {
	buf := make([]byte, MaxDatagram)
	for {
		n, raddr, err := e.c.ReadFromUDP(buf)
		if err != nil {
			return
		}
		select {
		case e.in <- envelope{from: Addr(raddr.String()), data: clone(buf[:n])}:
		case <-e.closed:
			return
		default:
			// receiver is behind; datagrams are expendable
		}
	}
}
