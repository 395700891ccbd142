package wire

import (
	"bytes"
	"errors"
	"fmt"
)

// MaxInputRun caps the number of frames carried by one Input message.
const MaxInputRun = 255

var ErrTooManyInputs = errors.New("too many inputs in one message")

// Input carries a contiguous run of one player's input bytes starting at
// Start, plus the sender's ack of the receiver's inputs.
type Input struct {
	Start uint32
	Ack   uint32
	Bits  []byte
}

func (m Input) Encode() ([]byte, error) {
	if len(m.Bits) > MaxInputRun {
		return nil, fmt.Errorf("%w: %d", ErrTooManyInputs, len(m.Bits))
	}
	var b bytes.Buffer
	PutU32(&b, m.Start)
	PutU32(&b, m.Ack)
	b.WriteByte(byte(len(m.Bits)))
	b.Write(m.Bits)
	return Encode(MT_INPUT, b.Bytes()), nil
}

func DecodeInput(payload []byte) (Input, error) {
	r := bytes.NewReader(payload)
	var m Input
	var err error
	if m.Start, err = GetU32(r); err != nil {
		return m, err
	}
	if m.Ack, err = GetU32(r); err != nil {
		return m, err
	}
	n, err := r.ReadByte()
	if err != nil {
		return m, ErrShortFrame
	}
	if r.Len() != int(n) {
		return m, ErrLengthMismatch
	}
	m.Bits = make([]byte, n)
	_, _ = r.Read(m.Bits)
	return m, nil
}

// Ack acknowledges every input frame up to and including Frame.
type Ack struct {
	Frame uint32
}

func (m Ack) Encode() []byte {
	var b bytes.Buffer
	PutU32(&b, m.Frame)
	return Encode(MT_INPUT_ACK, b.Bytes())
}

func DecodeAck(payload []byte) (Ack, error) {
	f, err := GetU32(bytes.NewReader(payload))
	return Ack{Frame: f}, err
}

// QualityReport is sent periodically; the receiver echoes SentNanos back in
// a QualityReply so the sender can measure round trip time. Advantage is
// the sender's local frame minus its view of the receiver's frame.
type QualityReport struct {
	SentNanos uint64
	Frame     uint32
	Advantage int32
}

func (m QualityReport) Encode() []byte {
	var b bytes.Buffer
	PutU64(&b, m.SentNanos)
	PutU32(&b, m.Frame)
	PutU32(&b, uint32(m.Advantage))
	return Encode(MT_QUALITY_REPORT, b.Bytes())
}

func DecodeQualityReport(payload []byte) (QualityReport, error) {
	r := bytes.NewReader(payload)
	var m QualityReport
	var err error
	if m.SentNanos, err = GetU64(r); err != nil {
		return m, err
	}
	if m.Frame, err = GetU32(r); err != nil {
		return m, err
	}
	adv, err := GetU32(r)
	m.Advantage = int32(adv)
	return m, err
}

type QualityReply struct {
	EchoNanos uint64
}

func (m QualityReply) Encode() []byte {
	var b bytes.Buffer
	PutU64(&b, m.EchoNanos)
	return Encode(MT_QUALITY_REPLY, b.Bytes())
}

func DecodeQualityReply(payload []byte) (QualityReply, error) {
	v, err := GetU64(bytes.NewReader(payload))
	return QualityReply{EchoNanos: v}, err
}

// Checksum publishes the state checksum of a frame confirmed by everyone.
type Checksum struct {
	Frame uint32
	Sum   uint64
}

func (m Checksum) Encode() []byte {
	var b bytes.Buffer
	PutU32(&b, m.Frame)
	PutU64(&b, m.Sum)
	return Encode(MT_CHECKSUM, b.Bytes())
}

func DecodeChecksum(payload []byte) (Checksum, error) {
	r := bytes.NewReader(payload)
	var m Checksum
	var err error
	if m.Frame, err = GetU32(r); err != nil {
		return m, err
	}
	m.Sum, err = GetU64(r)
	return m, err
}

// KeepAlive and Bye have empty payloads.
func KeepAlive() []byte { return Encode(MT_KEEPALIVE, nil) }
func Bye() []byte       { return Encode(MT_BYE, nil) }
