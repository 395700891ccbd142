package input

import (
	"testing"
	"time"
)

func TestUpLeftEncoding(t *testing.T) {
	b := Up | Left
	if got := b.Encode(); got != 0b0101 {
		t.Fatalf("encode: got %08b want 00000101", got)
	}
	dec, ok := Decode(0b0101)
	if !ok {
		t.Fatalf("decode reported reserved bits")
	}
	if !dec.Has(Up) || !dec.Has(Left) {
		t.Fatalf("UP and LEFT should be set: %v", dec)
	}
	if dec.Has(Down) || dec.Has(Right) {
		t.Fatalf("DOWN and RIGHT should be clear: %v", dec)
	}
	if dec.String() != "UP|LEFT" {
		t.Fatalf("string: %q", dec.String())
	}
}

func TestReservedBitsCleared(t *testing.T) {
	b, ok := Decode(0xF3)
	if ok {
		t.Fatalf("expected reserved bits to be reported")
	}
	if b != Up|Down {
		t.Fatalf("got %v", b)
	}
	if Bits(0xFF).Encode() != 0x0F {
		t.Fatalf("encode must clear reserved bits")
	}
}

type fakeKeys map[Key]bool

func (f fakeKeys) Pressed(k Key) bool { return f[k] }

func TestSamplerWASD(t *testing.T) {
	s := NewSampler(fakeKeys{KeyW: true, KeyA: true})
	if got := s.Poll(); got != Up|Left {
		t.Fatalf("poll: %v", got)
	}
	s.Keys = fakeKeys{}
	if got := s.Poll(); got != 0 {
		t.Fatalf("idle poll: %v", got)
	}
}

func TestKeyStateHoldExpires(t *testing.T) {
	now := time.Unix(100, 0)
	ks := NewKeyState(100 * time.Millisecond)
	ks.now = func() time.Time { return now }

	ks.Press(KeyD)
	if !ks.Pressed(KeyD) {
		t.Fatalf("D should be held right after press")
	}
	now = now.Add(150 * time.Millisecond)
	if ks.Pressed(KeyD) {
		t.Fatalf("D should have expired")
	}
	ks.Press(KeyD)
	ks.Release(KeyD)
	if ks.Pressed(KeyD) {
		t.Fatalf("D should be released")
	}
}

func TestBotDeterministic(t *testing.T) {
	a, b := NewBot(7), NewBot(7)
	for i := 0; i < 200; i++ {
		x, y := a.Poll(), b.Poll()
		if x != y {
			t.Fatalf("tick %d: %v != %v", i, x, y)
		}
		if x&Reserved != 0 {
			t.Fatalf("bot produced reserved bits %08b", x)
		}
	}
}
