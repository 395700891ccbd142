package input

import (
	"math/rand"
	"sync"
	"time"
)

// Source yields the local input once per simulation tick.
type Source interface {
	Poll() Bits
}

// Key is a physical key the sampler knows how to bind.
type Key rune

const (
	KeyW Key = 'w'
	KeyA Key = 'a'
	KeyS Key = 's'
	KeyD Key = 'd'
)

// DefaultBindings maps WASD onto the four directions.
func DefaultBindings() map[Key]Bits {
	return map[Key]Bits{KeyW: Up, KeyS: Down, KeyA: Left, KeyD: Right}
}

// KeySource reports whether a key is currently held.
type KeySource interface {
	Pressed(k Key) bool
}

// Sampler packs the state of the bound keys into Bits.
type Sampler struct {
	Keys     KeySource
	Bindings map[Key]Bits
}

func NewSampler(keys KeySource) *Sampler {
	return &Sampler{Keys: keys, Bindings: DefaultBindings()}
}

func (s *Sampler) Poll() Bits {
	var b Bits
	for k, bit := range s.Bindings {
		if s.Keys.Pressed(k) {
			b |= bit
		}
	}
	return b &^ Reserved
}

// KeyState is a KeySource fed by terminal key events. Terminals report
// presses but not releases, so a press counts as held for Hold after the
// last repeat.
type KeyState struct {
	mu   sync.Mutex
	hold time.Duration
	now  func() time.Time
	last map[Key]time.Time
}

func NewKeyState(hold time.Duration) *KeyState {
	if hold <= 0 {
		hold = 120 * time.Millisecond
	}
	return &KeyState{hold: hold, now: time.Now, last: make(map[Key]time.Time)}
}

func (k *KeyState) Press(key Key) {
	k.mu.Lock()
	k.last[key] = k.now()
	k.mu.Unlock()
}

func (k *KeyState) Release(key Key) {
	k.mu.Lock()
	delete(k.last, key)
	k.mu.Unlock()
}

func (k *KeyState) Pressed(key Key) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	at, ok := k.last[key]
	return ok && k.now().Sub(at) < k.hold
}

// Bot is a seeded Source that holds random directions for a few ticks at a
// time. Used by headless clients and the simulator.
type Bot struct {
	rng  *rand.Rand
	cur  Bits
	left int
}

func NewBot(seed int64) *Bot {
	return &Bot{rng: rand.New(rand.NewSource(seed))}
}

func (b *Bot) Poll() Bits {
	if b.left <= 0 {
		b.cur = Bits(b.rng.Intn(16))
		b.left = 4 + b.rng.Intn(20)
	}
	b.left--
	return b.cur
}

// Fixed always returns the same Bits.
type Fixed Bits

func (f Fixed) Poll() Bits { return Bits(f) }
