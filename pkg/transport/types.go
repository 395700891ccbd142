package transport

import (
	"context"
	"errors"
)

// Addr names a datagram endpoint: "host:port" for UDP, any label on a Switch.
type Addr string

var (
	ErrClosed      = errors.New("endpoint closed")
	ErrUnknownAddr = errors.New("unknown destination")
	ErrInboxFull   = errors.New("destination inbox full")
	ErrLinkDown    = errors.New("link down")
	ErrAddrInUse   = errors.New("address already in use")
)

// Endpoint is an unreliable, unordered datagram socket. Send never blocks;
// a full receiver drops the datagram.
type Endpoint interface {
	Addr() Addr
	Send(to Addr, datagram []byte) error
	// RecvFrom blocks until a datagram arrives or ctx/endpoint is closed.
	RecvFrom(ctx context.Context) (Addr, []byte, bool)
	Close()
}

type envelope struct {
	from Addr
	data []byte
}

func clone(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
