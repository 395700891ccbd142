// Package arena is the deterministic two-dimensional fighting world that the
// rollback session simulates. Only the fields in State are rollback state.
package arena

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/VasiliCekaskin/dota-smash/pkg/input"
)

type Config struct {
	TickRate  int
	Width     int // px
	Floor     int // px, y of the ground
	RunSpeed  int // px/s
	JumpSpeed int // px/s
	Gravity   int // px/s^2
	// AirControl is the percentage of RunSpeed left while airborne; 0 means 100.
	AirControl int
}

func DefaultConfig() Config {
	return Config{TickRate: 60, Width: 1280, Floor: 0, RunSpeed: 500, JumpSpeed: 800, Gravity: 2400, AirControl: 85}
}

// Fighter is the rollback state of one player.
type Fighter struct {
	_msgpack struct{} `msgpack:",as_array"`

	X, Y     Fixed
	VX, VY   Fixed
	Grounded bool
}

// State is exactly what a snapshot carries.
type State struct {
	_msgpack struct{} `msgpack:",as_array"`

	FrameCount int32
	Fighters   []Fighter
}

// Presentation is derived per frame and never snapshotted.
type Presentation struct {
	Facing    int8 // -1 left, 1 right
	AnimTicks int
}

type World struct {
	cfg   Config
	state State
	pres  []Presentation

	run, airRun, jump, gravity, floor, width Fixed
}

func New(cfg Config, players int) *World {
	if cfg.TickRate <= 0 {
		cfg = DefaultConfig()
	}
	w := &World{
		cfg:     cfg,
		run:     Ratio(cfg.RunSpeed, cfg.TickRate),
		jump:    Ratio(cfg.JumpSpeed, cfg.TickRate),
		gravity: Ratio(cfg.Gravity, cfg.TickRate*cfg.TickRate),
		floor:   FromInt(cfg.Floor),
		width:   FromInt(cfg.Width),
	}
	air := cfg.AirControl
	if air <= 0 {
		air = 100
	}
	w.airRun = w.run.Mul(Ratio(air, 100))
	w.state.Fighters = make([]Fighter, players)
	w.pres = make([]Presentation, players)
	for i := range w.state.Fighters {
		// spread spawn points evenly across the stage
		x := Ratio(cfg.Width*(i+1), players+1)
		w.state.Fighters[i] = Fighter{X: x, Y: w.floor, Grounded: true}
		w.pres[i].Facing = 1
		if i%2 == 1 {
			w.pres[i].Facing = -1
		}
	}
	return w
}

// Step advances one frame. Disconnected slots carry zero input and idle.
func (w *World) Step(in []input.Frame) {
	w.state.FrameCount++
	for i := range w.state.Fighters {
		var b input.Bits
		if i < len(in) {
			b = in[i].Bits
		}
		w.stepFighter(&w.state.Fighters[i], b)
		w.present(i)
	}
}

func (w *World) stepFighter(f *Fighter, b input.Bits) {
	speed := w.run
	if !f.Grounded {
		speed = w.airRun
	}
	f.VX = 0
	if b.Has(input.Left) {
		f.VX -= speed
	}
	if b.Has(input.Right) {
		f.VX += speed
	}
	if b.Has(input.Up) && f.Grounded {
		f.VY = w.jump
		f.Grounded = false
	}
	if !f.Grounded {
		f.VY -= w.gravity
		if b.Has(input.Down) {
			f.VY -= 2 * w.gravity
		}
	}

	f.X += f.VX
	f.Y += f.VY
	if f.X < 0 {
		f.X = 0
	}
	if f.X > w.width {
		f.X = w.width
	}
	if f.Y <= w.floor {
		f.Y, f.VY, f.Grounded = w.floor, 0, true
	}
}

func (w *World) present(i int) {
	p := &w.pres[i]
	switch vx := w.state.Fighters[i].VX; {
	case vx < 0:
		p.Facing = -1
	case vx > 0:
		p.Facing = 1
	}
	p.AnimTicks++
}

func (w *World) Snapshot() ([]byte, error) {
	return msgpack.Marshal(&w.state)
}

func (w *World) Restore(b []byte) error {
	var st State
	if err := msgpack.Unmarshal(b, &st); err != nil {
		return fmt.Errorf("decode arena state: %w", err)
	}
	if len(st.Fighters) != len(w.state.Fighters) {
		return fmt.Errorf("decode arena state: %d fighters, want %d", len(st.Fighters), len(w.state.Fighters))
	}
	w.state = st
	return nil
}

func (w *World) FrameCount() int { return int(w.state.FrameCount) }

// Fighters returns a copy of the rollback state of every player.
func (w *World) Fighters() []Fighter { return append([]Fighter(nil), w.state.Fighters...) }

func (w *World) Presentation(i int) Presentation { return w.pres[i] }
