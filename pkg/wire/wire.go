package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
)

// Message types exchanged between peers over the datagram channel.
const (
	MT_INPUT          byte = 0x01
	MT_INPUT_ACK      byte = 0x02
	MT_QUALITY_REPORT byte = 0x03
	MT_QUALITY_REPLY  byte = 0x04
	MT_KEEPALIVE      byte = 0x05
	MT_CHECKSUM       byte = 0x06
	MT_BYE            byte = 0x07
)

var (
	ErrShortFrame     = errors.New("short frame")
	ErrLengthMismatch = errors.New("length mismatch")
)

// HeaderLen is the size of the type + length prefix.
const HeaderLen = 5

// Encode frame: | 1B type | 4B big-endian length | payload... |
func Encode(mt byte, payload []byte) []byte {
	out := make([]byte, HeaderLen+len(payload))
	out[0] = mt
	binary.BigEndian.PutUint32(out[1:HeaderLen], uint32(len(payload)))
	copy(out[HeaderLen:], payload)
	return out
}

// Decode validates and returns (type, payload).
func Decode(frame []byte) (byte, []byte, error) {
	if len(frame) < HeaderLen {
		return 0, nil, ErrShortFrame
	}
	L := binary.BigEndian.Uint32(frame[1:HeaderLen])
	if uint64(HeaderLen)+uint64(L) != uint64(len(frame)) {
		return 0, nil, ErrLengthMismatch
	}
	return frame[0], frame[HeaderLen:], nil
}

func PutU16(b *bytes.Buffer, v uint16) {
	var tmp [2]byte
	binary.BigEndian.PutUint16(tmp[:], v)
	b.Write(tmp[:])
}

func PutU32(b *bytes.Buffer, v uint32) {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	b.Write(tmp[:])
}

func PutU64(b *bytes.Buffer, v uint64) {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	b.Write(tmp[:])
}

func GetU16(r *bytes.Reader) (uint16, error) {
	var tmp [2]byte
	if _, err := io.ReadFull(r, tmp[:]); err != nil {
		return 0, ErrShortFrame
	}
	return binary.BigEndian.Uint16(tmp[:]), nil
}

func GetU32(r *bytes.Reader) (uint32, error) {
	var tmp [4]byte
	if _, err := io.ReadFull(r, tmp[:]); err != nil {
		return 0, ErrShortFrame
	}
	return binary.BigEndian.Uint32(tmp[:]), nil
}

func GetU64(r *bytes.Reader) (uint64, error) {
	var tmp [8]byte
	if _, err := io.ReadFull(r, tmp[:]); err != nil {
		return 0, ErrShortFrame
	}
	return binary.BigEndian.Uint64(tmp[:]), nil
}
