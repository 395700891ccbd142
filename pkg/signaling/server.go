package signaling

import (
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/VasiliCekaskin/dota-smash/pkg/transport"
)

// Server is the signaling websocket endpoint. The room is the request path,
// so ws://host:3536/next_2 pairs players two at a time.
type Server struct {
	hub      *Hub
	upgrader websocket.Upgrader
	log      *slog.Logger

	JoinTimeout  time.Duration
	WriteTimeout time.Duration
	SendQueue    int

	mu     sync.Mutex
	conns  map[*websocket.Conn]struct{}
	closed bool
}

func NewServer(hub *Hub, log *slog.Logger) *Server {
	if hub == nil {
		hub = NewHub()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		hub: hub,
		log: log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		JoinTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		SendQueue:    64,
		conns:        make(map[*websocket.Conn]struct{}),
	}
}

func (s *Server) Hub() *Hub { return s.hub }

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	name := strings.Trim(r.URL.Path, "/")
	if _, err := Capacity(name); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("upgrade_failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	defer conn.Close()
	if !s.track(conn) {
		return
	}
	defer s.untrack(conn)

	_ = conn.SetReadDeadline(time.Now().Add(s.JoinTimeout))
	var join message
	if err := conn.ReadJSON(&join); err != nil || join.Type != msgJoin {
		s.log.Warn("bad_join", "remote", r.RemoteAddr, "err", err)
		_ = conn.WriteJSON(message{Type: msgError, Error: "expected join"})
		return
	}
	_ = conn.SetReadDeadline(time.Time{})
	addr := advertised(join.Addr, r.RemoteAddr)

	out := make(chan message, s.SendQueue)
	overflow := make(chan struct{})
	var closed bool
	notify := func(a Announcement) {
		if closed {
			return
		}
		m := peerMessage(a.Member)
		if a.Left {
			m = message{Type: msgPeerLeft, ID: a.Member.ID}
		}
		select {
		case out <- m:
		default:
			// a client this far behind is dropped
			closed = true
			close(overflow)
		}
	}

	self, key, existing, err := s.hub.Join(name, addr, notify)
	if err != nil {
		_ = conn.WriteJSON(message{Type: msgError, Error: err.Error()})
		return
	}
	defer s.hub.Leave(key, self.ID)
	s.log.Info("peer_joined", "room", key, "id", self.ID, "addr", addr, "seq", self.Seq)

	if err := s.write(conn, message{Type: msgWelcome, ID: self.ID, Seq: self.Seq, Room: key, Addr: string(addr)}); err != nil {
		return
	}
	for _, m := range existing {
		if err := s.write(conn, peerMessage(m)); err != nil {
			return
		}
	}

	readErr := make(chan error, 1)
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				readErr <- err
				return
			}
		}
	}()

	for {
		select {
		case m := <-out:
			if err := s.write(conn, m); err != nil {
				return
			}
		case <-overflow:
			s.log.Warn("peer_dropped", "room", key, "id", self.ID, "reason", "send queue full")
			return
		case err := <-readErr:
			s.log.Info("peer_left", "room", key, "id", self.ID, "err", err)
			return
		}
	}
}

func (s *Server) track(conn *websocket.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *Server) untrack(conn *websocket.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
}

// Close drops every joined client and refuses new ones. http.Server.Shutdown
// does not touch hijacked connections, so register it with RegisterOnShutdown.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	conns := s.conns
	s.conns = make(map[*websocket.Conn]struct{})
	s.mu.Unlock()

	bye := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
	for conn := range conns {
		_ = conn.WriteControl(websocket.CloseMessage, bye, time.Now().Add(time.Second))
		_ = conn.Close()
	}
	s.log.Info("signaling_closed", "dropped", len(conns))
}

func (s *Server) write(conn *websocket.Conn, m message) error {
	_ = conn.SetWriteDeadline(time.Now().Add(s.WriteTimeout))
	return conn.WriteJSON(m)
}

// advertised fills in the host of a datagram address from the websocket
// peer when the client only knows its port.
func advertised(addr, remote string) transport.Addr {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return transport.Addr(addr)
	}
	if ip := net.ParseIP(host); host == "" || (ip != nil && ip.IsUnspecified()) {
		if rh, _, err := net.SplitHostPort(remote); err == nil {
			host = rh
		}
	}
	return transport.Addr(net.JoinHostPort(host, port))
}
