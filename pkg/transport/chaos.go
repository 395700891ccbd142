package transport

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"
)

// LinkProfile describes the impairments applied to outbound datagrams.
type LinkProfile struct {
	// Probabilities [0..1]
	Loss    float64 // drop datagram
	Dup     float64 // deliver twice
	Reorder float64 // hold back for an extra delay

	BaseDelay time.Duration
	Jitter    time.Duration // uniform in [-Jitter, +Jitter]

	// Seed (optional). If 0, uses time.Now().UnixNano()
	Seed int64
}

// Chaos wraps an Endpoint and impairs everything it sends. Receives pass
// through untouched so two wrapped endpoints model a symmetric link.
type Chaos struct {
	under Endpoint

	up      atomic.Bool
	mu      sync.RWMutex
	prof    LinkProfile
	blocked map[Addr]bool

	rngMu sync.Mutex
	rng   *rand.Rand

	timers sync.WaitGroup
	done   chan struct{}
	once   sync.Once

	sent, lost atomic.Uint64
}

func WrapChaos(under Endpoint, prof LinkProfile) *Chaos {
	if prof.Seed == 0 {
		prof.Seed = time.Now().UnixNano()
	}
	c := &Chaos{
		under:   under,
		prof:    sanitize(prof),
		blocked: make(map[Addr]bool),
		rng:     rand.New(rand.NewSource(prof.Seed)),
		done:    make(chan struct{}),
	}
	c.up.Store(true)
	return c
}

func (c *Chaos) Addr() Addr { return c.under.Addr() }

func (c *Chaos) RecvFrom(ctx context.Context) (Addr, []byte, bool) {
	return c.under.RecvFrom(ctx)
}

func (c *Chaos) Close() {
	c.once.Do(func() {
		close(c.done)
		c.timers.Wait()
		c.under.Close()
	})
}

func (c *Chaos) Send(to Addr, datagram []byte) error {
	if !c.up.Load() {
		return ErrLinkDown
	}
	c.mu.RLock()
	prof, blocked := c.prof, c.blocked[to]
	c.mu.RUnlock()
	c.sent.Add(1)
	if blocked || c.roll() < prof.Loss {
		c.lost.Add(1)
		return nil
	}
	d := c.delay(prof)
	if c.roll() < prof.Reorder {
		d += c.delay(prof) + prof.BaseDelay
	}
	if err := c.deliver(to, clone(datagram), d); err != nil {
		return err
	}
	if c.roll() < prof.Dup {
		_ = c.deliver(to, clone(datagram), d+c.delay(prof))
	}
	return nil
}

func (c *Chaos) deliver(to Addr, b []byte, d time.Duration) error {
	if d <= 0 {
		return c.under.Send(to, b)
	}
	c.timers.Add(1)
	time.AfterFunc(d, func() {
		defer c.timers.Done()
		select {
		case <-c.done:
		default:
			_ = c.under.Send(to, b)
		}
	})
	return nil
}

// --- controls ---

// SetUp toggles the whole link; a down link fails every Send.
func (c *Chaos) SetUp(up bool) { c.up.Store(up) }

// Partition silently drops everything sent to addr until Heal.
func (c *Chaos) Partition(addr Addr) { c.mu.Lock(); c.blocked[addr] = true; c.mu.Unlock() }
func (c *Chaos) Heal(addr Addr)      { c.mu.Lock(); delete(c.blocked, addr); c.mu.Unlock() }

func (c *Chaos) SetProfile(p LinkProfile) {
	c.mu.Lock()
	seed := c.prof.Seed
	c.prof = sanitize(p)
	c.prof.Seed = seed
	c.mu.Unlock()
}

func (c *Chaos) Profile() LinkProfile { c.mu.RLock(); defer c.mu.RUnlock(); return c.prof }

// Stats returns how many datagrams were offered and how many were dropped.
func (c *Chaos) Stats() (sent, lost uint64) { return c.sent.Load(), c.lost.Load() }

func (c *Chaos) delay(p LinkProfile) time.Duration {
	if p.Jitter <= 0 {
		return p.BaseDelay
	}
	c.rngMu.Lock()
	j := time.Duration(c.rng.Int63n(int64(p.Jitter)*2+1)) - p.Jitter
	c.rngMu.Unlock()
	return p.BaseDelay + j
}

func (c *Chaos) roll() float64 {
	c.rngMu.Lock()
	x := c.rng.Float64()
	c.rngMu.Unlock()
	return x
}

func sanitize(p LinkProfile) LinkProfile {
	p.Loss, p.Dup, p.Reorder = clamp01(p.Loss), clamp01(p.Dup), clamp01(p.Reorder)
	if p.BaseDelay < 0 {
		p.BaseDelay = 0
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}
	return p
}

func clamp01(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}
