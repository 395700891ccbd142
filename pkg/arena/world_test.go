package arena

import (
	"bytes"
	"testing"

	"github.com/VasiliCekaskin/dota-smash/pkg/input"
)

func frames(bits ...input.Bits) []input.Frame {
	out := make([]input.Frame, len(bits))
	for i, b := range bits {
		out[i] = input.Frame{Bits: b}
	}
	return out
}

func TestRunAndWalls(t *testing.T) {
	w := New(DefaultConfig(), 2)
	x0 := w.Fighters()[0].X
	w.Step(frames(input.Right, input.Left))
	f := w.Fighters()
	if f[0].X <= x0 || f[0].VX != Ratio(500, 60) {
		t.Fatalf("fighter 0 should run right: %+v", f[0])
	}
	if w.Presentation(1).Facing != -1 || w.Presentation(0).Facing != 1 {
		t.Fatalf("facing follows movement")
	}
	for i := 0; i < 600; i++ {
		w.Step(frames(input.Left, input.Right))
	}
	f = w.Fighters()
	if f[0].X != 0 || f[1].X != FromInt(1280) {
		t.Fatalf("walls: %v %v", f[0].X, f[1].X)
	}
}

func TestJumpLands(t *testing.T) {
	w := New(DefaultConfig(), 1)
	w.Step(frames(input.Up))
	if w.Fighters()[0].Grounded || w.Fighters()[0].Y <= 0 {
		t.Fatalf("should be airborne: %+v", w.Fighters()[0])
	}
	airborne := 1
	for w.Fighters()[0].Grounded == false && airborne < 200 {
		w.Step(frames(0))
		airborne++
	}
	if !w.Fighters()[0].Grounded || w.Fighters()[0].Y != 0 {
		t.Fatalf("should land: %+v", w.Fighters()[0])
	}

	// fast fall shortens the jump
	w2 := New(DefaultConfig(), 1)
	w2.Step(frames(input.Up))
	fast := 1
	for !w2.Fighters()[0].Grounded && fast < 200 {
		w2.Step(frames(input.Down))
		fast++
	}
	if fast >= airborne {
		t.Fatalf("fast fall took %d frames, normal %d", fast, airborne)
	}
}

func TestAirControl(t *testing.T) {
	w := New(DefaultConfig(), 1)
	w.Step(frames(input.Up))
	w.Step(frames(input.Right))
	f := w.Fighters()[0]
	if f.Grounded || f.VX != Ratio(500, 60).Mul(Ratio(85, 100)) {
		t.Fatalf("airborne run speed: %v", f.VX)
	}

	cfg := DefaultConfig()
	cfg.AirControl = 0
	full := New(cfg, 1)
	full.Step(frames(input.Up))
	full.Step(frames(input.Right))
	if full.Fighters()[0].VX != Ratio(500, 60) {
		t.Fatalf("zero air control means full speed: %v", full.Fighters()[0].VX)
	}
}

func TestSnapshotRestore(t *testing.T) {
	w := New(DefaultConfig(), 2)
	bot := input.NewBot(5)
	for i := 0; i < 30; i++ {
		w.Step(frames(bot.Poll(), bot.Poll()))
	}
	snap, err := w.Snapshot()
	if err != nil {
		t.Fatal(err)
	}
	want := w.Fighters()
	for i := 0; i < 30; i++ {
		w.Step(frames(bot.Poll(), bot.Poll()))
	}
	if err := w.Restore(snap); err != nil {
		t.Fatal(err)
	}
	if w.FrameCount() != 30 {
		t.Fatalf("frame count %d", w.FrameCount())
	}
	for i, f := range w.Fighters() {
		if f != want[i] {
			t.Fatalf("fighter %d: %+v want %+v", i, f, want[i])
		}
	}
	if err := New(DefaultConfig(), 3).Restore(snap); err == nil {
		t.Fatalf("restoring into a different player count must fail")
	}
}

func TestPresentationNotSnapshotted(t *testing.T) {
	w := New(DefaultConfig(), 2)
	a, _ := w.Snapshot()
	w.pres[0].Facing = -1
	w.pres[0].AnimTicks = 99
	b, _ := w.Snapshot()
	if !bytes.Equal(a, b) {
		t.Fatalf("presentation state leaked into the snapshot")
	}
}

func TestDeterministic(t *testing.T) {
	run := func() []byte {
		w := New(DefaultConfig(), 2)
		a, b := input.NewBot(1), input.NewBot(2)
		for i := 0; i < 500; i++ {
			w.Step(frames(a.Poll(), b.Poll()))
		}
		s, _ := w.Snapshot()
		return s
	}
	if !bytes.Equal(run(), run()) {
		t.Fatalf("same inputs must give identical state bytes")
	}
}

func TestFixed(t *testing.T) {
	if FromInt(3).Mul(Ratio(1, 2)) != Ratio(3, 2) {
		t.Fatalf("mul")
	}
	if Ratio(7, 2).Int() != 3 {
		t.Fatalf("int")
	}
}
