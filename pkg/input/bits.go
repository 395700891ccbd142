package input

import "strings"

// Bits is the one-byte wire input of a single player for a single frame.
type Bits uint8

const (
	Up Bits = 1 << iota
	Down
	Left
	Right
)

// Reserved covers bits 4..7, which are always zero on the wire.
const Reserved Bits = 0xF0

// Has reports whether every button in x is pressed in b.
func (b Bits) Has(x Bits) bool { return b&x == x }

// Encode returns the wire byte with the reserved bits cleared.
func (b Bits) Encode() byte { return byte(b &^ Reserved) }

// Decode parses a wire byte. ok is false when a reserved bit was set; the
// returned Bits has those bits cleared either way.
func Decode(v byte) (b Bits, ok bool) {
	b = Bits(v)
	return b &^ Reserved, b&Reserved == 0
}

func (b Bits) String() string {
	if b&^Reserved == 0 {
		return "-"
	}
	var parts []string
	for _, n := range []struct {
		bit  Bits
		name string
	}{{Up, "UP"}, {Down, "DOWN"}, {Left, "LEFT"}, {Right, "RIGHT"}} {
		if b.Has(n.bit) {
			parts = append(parts, n.name)
		}
	}
	return strings.Join(parts, "|")
}

// Status says how trustworthy an input value is.
type Status uint8

const (
	Confirmed Status = iota
	Predicted
	Disconnected
)

func (s Status) String() string {
	switch s {
	case Confirmed:
		return "confirmed"
	case Predicted:
		return "predicted"
	case Disconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Frame is one slot's input for one simulation frame.
type Frame struct {
	Number int
	Bits   Bits
	Status Status
}
