package peers

import (
	"fmt"
	"time"

	"github.com/VasiliCekaskin/dota-smash/pkg/input"
	"github.com/VasiliCekaskin/dota-smash/pkg/signaling"
)

// udpOverhead approximates IP + UDP headers per datagram for bandwidth.
const udpOverhead = 28

type remoteInput struct {
	frame int
	bits  input.Bits
}

// peer is the protocol state towards one remote slot.
type peer struct {
	id   signaling.PeerID
	slot int

	// local inputs not yet acknowledged, starting at pendingStart
	pending      []input.Bits
	pendingStart int

	// remote inputs received contiguously through lastReceived, waiting to
	// be taken by the scheduler
	lastReceived int
	queued       []remoteInput
	ackSent      int

	startedAt       time.Time
	lastRecv        time.Time
	lastSend        time.Time
	lastInputSend   time.Time
	lastQuality     time.Time
	rtt             time.Duration
	haveRTT         bool
	remoteFrame     int
	remoteAdvantage int

	bytesSent   uint64
	packetsSent uint64
	bytesRecv   uint64

	disconnected bool
	notified     bool
	reason       string
}

func newPeer(id signaling.PeerID, slot, delay int, now time.Time) *peer {
	return &peer{
		id:           id,
		slot:         slot,
		pendingStart: delay + 1,
		lastReceived: delay,
		ackSent:      delay,
		startedAt:    now,
		lastRecv:     now,
	}
}

func (p *peer) queueLocal(frame int, b input.Bits) {
	if len(p.pending) == 0 {
		p.pendingStart = frame
	}
	// frames are produced contiguously; a gap means the caller skipped one
	for p.pendingStart+len(p.pending) < frame {
		p.pending = append(p.pending, 0)
	}
	if p.pendingStart+len(p.pending) == frame {
		p.pending = append(p.pending, b)
	}
}

// ack drops pending inputs up to and including frame.
func (p *peer) ack(frame int) {
	n := frame - p.pendingStart + 1
	if n <= 0 {
		return
	}
	if n >= len(p.pending) {
		p.pending = p.pending[:0]
		p.pendingStart = frame + 1
		return
	}
	p.pending = append(p.pending[:0], p.pending[n:]...)
	p.pendingStart += n
}

// receive takes a run of remote inputs starting at start, keeping only the
// part that extends the contiguous sequence. A run with any reserved bit set
// is refused whole.
func (p *peer) receive(start int, bits []byte) error {
	for i, v := range bits {
		if _, ok := input.Decode(v); !ok {
			return fmt.Errorf("frame %d: %w: %#02x", start+i, ErrReservedBits, v)
		}
	}
	for i, v := range bits {
		f := start + i
		if f != p.lastReceived+1 {
			continue
		}
		b, _ := input.Decode(v)
		p.queued = append(p.queued, remoteInput{frame: f, bits: b})
		p.lastReceived = f
	}
	return nil
}

// framesBehind estimates how far the remote simulation is ahead of ours:
// its last input frame (less the delay it was tagged with) plus half a
// round trip worth of frames.
func (p *peer) framesBehind(localFrame, delay, fps int) int {
	remote := p.lastReceived - delay
	if p.haveRTT && fps > 0 {
		remote += int((p.rtt / 2) * time.Duration(fps) / time.Second)
	}
	return remote - localFrame
}
