// Package geometry contains the integer vector and axis-aligned box algebra
// that every spec and request in a pipeline is expressed in.
package geometry

import (
	"fmt"
	"strconv"
	"strings"

	pipelineerrors "github.com/voxpipe/voxpipe/pkg/errors"
)

// Coordinate is an n-dimensional integer vector, one component per spatial
// axis. Coordinates are treated as immutable: every operation returns a new
// Coordinate.
//
// Elementwise operations on coordinates of different length panic with an
// error wrapping errors.ErrDimensionMismatch.
type Coordinate []int64

func NewCoordinate(values ...int64) Coordinate {
	return append(Coordinate(nil), values...)
}

// Uniform returns a coordinate with dims components all set to v.
func Uniform(dims int, v int64) Coordinate {
	c := make(Coordinate, dims)
	for i := range c {
		c[i] = v
	}
	return c
}

func (c Coordinate) Dims() int {
	return len(c)
}

func (c Coordinate) Clone() Coordinate {
	if c == nil {
		return nil
	}
	return append(Coordinate(nil), c...)
}

func (c Coordinate) Add(o Coordinate) Coordinate {
	return c.zip(o, func(a, b int64) int64 { return a + b })
}

func (c Coordinate) Sub(o Coordinate) Coordinate {
	return c.zip(o, func(a, b int64) int64 { return a - b })
}

func (c Coordinate) Mul(o Coordinate) Coordinate {
	return c.zip(o, func(a, b int64) int64 { return a * b })
}

// Div divides elementwise, rounding towards negative infinity.
func (c Coordinate) Div(o Coordinate) Coordinate {
	return c.zip(o, floorDiv)
}

func (c Coordinate) Neg() Coordinate {
	out := make(Coordinate, len(c))
	for i, v := range c {
		out[i] = -v
	}
	return out
}

func (c Coordinate) Min(o Coordinate) Coordinate {
	return c.zip(o, func(a, b int64) int64 { return min(a, b) })
}

func (c Coordinate) Max(o Coordinate) Coordinate {
	return c.zip(o, func(a, b int64) int64 { return max(a, b) })
}

func (c Coordinate) Equal(o Coordinate) bool {
	if len(c) != len(o) {
		return false
	}
	for i := range c {
		if c[i] != o[i] {
			return false
		}
	}
	return true
}

// IsMultipleOf reports whether every component of c is divisible by the
// matching component of o.
func (c Coordinate) IsMultipleOf(o Coordinate) bool {
	mustMatch(c, o)
	for i := range c {
		if o[i] == 0 || c[i]%o[i] != 0 {
			return false
		}
	}
	return true
}

// AllGreaterThan reports whether every component is strictly greater than v.
func (c Coordinate) AllGreaterThan(v int64) bool {
	for _, x := range c {
		if x <= v {
			return false
		}
	}
	return true
}

func (c Coordinate) String() string {
	parts := make([]string, len(c))
	for i, v := range c {
		parts[i] = strconv.FormatInt(v, 10)
	}
	return "(" + strings.Join(parts, ", ") + ")"
}

func (c Coordinate) zip(o Coordinate, fn func(a, b int64) int64) Coordinate {
	mustMatch(c, o)
	out := make(Coordinate, len(c))
	for i := range c {
		out[i] = fn(c[i], o[i])
	}
	return out
}

func mustMatch(a, b Coordinate) {
	if len(a) != len(b) {
		panic(pipelineerrors.DimensionMismatch("coordinates %s and %s", a, b))
	}
}

func floorDiv(a, b int64) int64 {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

func ceilDiv(a, b int64) int64 {
	return -floorDiv(-a, b)
}

func checkDims(a, b int) error {
	if a != b {
		return fmt.Errorf("%w: %d != %d", pipelineerrors.ErrDimensionMismatch, a, b)
	}
	return nil
}
