package signaling

// message is the JSON envelope exchanged over the signaling websocket.
//
//	client -> server  {"type":"join","addr":"host:port"}
//	server -> client  {"type":"welcome","id":..,"seq":..,"room":..}
//	                  {"type":"peer","id":..,"addr":..,"seq":..}
//	                  {"type":"peer_left","id":..}
//	                  {"type":"error","error":..}
type message struct {
	Type  string `json:"type"`
	ID    PeerID `json:"id,omitempty"`
	Addr  string `json:"addr,omitempty"`
	Seq   uint64 `json:"seq,omitempty"`
	Room  string `json:"room,omitempty"`
	Error string `json:"error,omitempty"`
}

const (
	msgJoin     = "join"
	msgWelcome  = "welcome"
	msgPeer     = "peer"
	msgPeerLeft = "peer_left"
	msgError    = "error"
)

func peerMessage(m Member) message {
	return message{Type: msgPeer, ID: m.ID, Addr: string(m.Addr), Seq: m.Seq}
}
