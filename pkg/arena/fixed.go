package arena

import "fmt"

// Fixed is a signed 16.16 fixed-point number. All rollback state uses it so
// resimulation is bit-identical on every machine.
type Fixed int32

const fracBits = 16

const One Fixed = 1 << fracBits

func FromInt(n int) Fixed { return Fixed(n << fracBits) }

// Ratio returns num/den without going through floating point.
func Ratio(num, den int) Fixed {
	return Fixed((int64(num) << fracBits) / int64(den))
}

func (f Fixed) Mul(g Fixed) Fixed { return Fixed((int64(f) * int64(g)) >> fracBits) }

func (f Fixed) Int() int { return int(f >> fracBits) }

// Float is for display only.
func (f Fixed) Float() float64 { return float64(f) / float64(One) }

func (f Fixed) String() string { return fmt.Sprintf("%.3f", f.Float()) }
