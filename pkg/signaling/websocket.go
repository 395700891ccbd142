package signaling

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/VasiliCekaskin/dota-smash/pkg/transport"
)

// WebSocket is a Rendezvous talking to a signaling Server.
type WebSocket struct {
	base   string
	dialer *websocket.Dialer
	q      announceQueue

	mu   sync.Mutex
	conn *websocket.Conn
	done chan struct{}
	lost error
}

// NewWebSocket returns a client for a server at base, e.g. ws://host:3536.
func NewWebSocket(base string) *WebSocket {
	return &WebSocket{base: strings.TrimRight(base, "/"), dialer: websocket.DefaultDialer}
}

func (w *WebSocket) Join(ctx context.Context, room string, addr transport.Addr) (Member, []Member, error) {
	url := w.base + "/" + room
	conn, resp, err := w.dialer.DialContext(ctx, url, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return Member{}, nil, fmt.Errorf("dial %s: %w: %v", url, ErrSignalingUnavailable, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(deadline)
		_ = conn.SetWriteDeadline(deadline)
	}
	fail := func(err error) (Member, []Member, error) {
		_ = conn.Close()
		return Member{}, nil, fmt.Errorf("join %s: %w: %v", room, ErrSignalingUnavailable, err)
	}
	if err := conn.WriteJSON(message{Type: msgJoin, Addr: string(addr)}); err != nil {
		return fail(err)
	}
	var welcome message
	if err := conn.ReadJSON(&welcome); err != nil {
		return fail(err)
	}
	if welcome.Type != msgWelcome {
		return fail(fmt.Errorf("unexpected %q: %s", welcome.Type, welcome.Error))
	}
	_ = conn.SetReadDeadline(time.Time{})
	_ = conn.SetWriteDeadline(time.Time{})

	self := Member{ID: welcome.ID, Addr: transport.Addr(welcome.Addr), Seq: welcome.Seq, Local: true}
	if self.Addr == "" {
		self.Addr = addr
	}
	done := make(chan struct{})
	w.mu.Lock()
	w.conn, w.done, w.lost = conn, done, nil
	w.mu.Unlock()
	go w.readLoop(conn, done)
	// existing members follow the welcome as peer messages
	return self, nil, nil
}

func (w *WebSocket) readLoop(conn *websocket.Conn, done chan struct{}) {
	defer close(done)
	for {
		var m message
		if err := conn.ReadJSON(&m); err != nil {
			w.mu.Lock()
			w.lost = err
			w.mu.Unlock()
			return
		}
		switch m.Type {
		case msgPeer:
			w.q.push(Announcement{Member: Member{ID: m.ID, Addr: transport.Addr(m.Addr), Seq: m.Seq}})
		case msgPeerLeft:
			w.q.push(Announcement{Member: Member{ID: m.ID}, Left: true})
		}
	}
}

func (w *WebSocket) Announcements() []Announcement { return w.q.drain() }

// Err returns the read error that ended the connection after joining.
func (w *WebSocket) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lost
}

func (w *WebSocket) Close() error {
	w.mu.Lock()
	conn, done := w.conn, w.done
	w.conn = nil
	w.mu.Unlock()
	if conn == nil {
		return nil
	}
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	err := conn.Close()
	<-done
	return err
}
