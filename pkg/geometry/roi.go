package geometry

import (
	"fmt"
	"strings"

	pipelineerrors "github.com/voxpipe/voxpipe/pkg/errors"
)

// SnapMode selects how SnapToGrid moves ROI boundaries onto the grid.
type SnapMode int

const (
	// SnapGrow moves begin down and end up, so the snapped ROI always contains the input.
	SnapGrow SnapMode = iota
	// SnapShrink moves begin up and end down.
	SnapShrink
	// SnapClosest moves both boundaries to the nearest grid line, rounding half up.
	SnapClosest
)

func (m SnapMode) String() string {
	switch m {
	case SnapGrow:
		return "grow"
	case SnapShrink:
		return "shrink"
	case SnapClosest:
		return "closest"
	default:
		return fmt.Sprintf("SnapMode(%d)", int(m))
	}
}

// Roi is an axis-aligned, half-open box [begin, begin+shape). An unbounded
// Roi stands for all of space; providers advertise it when they do not
// restrict where a stream can be requested.
//
// Roi is a value type. None of its methods modify the receiver.
type Roi struct {
	begin     Coordinate
	shape     Coordinate
	dims      int
	unbounded bool
}

// NewRoi returns the box starting at begin with the given shape. It panics
// if begin and shape differ in length or if any shape component is negative.
func NewRoi(begin, shape Coordinate) Roi {
	mustMatch(begin, shape)
	for _, s := range shape {
		if s < 0 {
			panic(pipelineerrors.InvariantViolation("negative roi shape %s", shape))
		}
	}
	return Roi{begin: begin.Clone(), shape: shape.Clone(), dims: len(begin)}
}

// Unbounded returns the Roi covering all of a dims-dimensional space.
func Unbounded(dims int) Roi {
	return Roi{dims: dims, unbounded: true}
}

func (r Roi) Begin() Coordinate {
	return r.begin.Clone()
}

func (r Roi) Shape() Coordinate {
	return r.shape.Clone()
}

func (r Roi) End() Coordinate {
	if r.unbounded {
		return nil
	}
	return r.begin.Add(r.shape)
}

func (r Roi) Dims() int {
	return r.dims
}

func (r Roi) IsUnbounded() bool {
	return r.unbounded
}

// Empty reports whether the Roi has zero volume.
func (r Roi) Empty() bool {
	if r.unbounded {
		return false
	}
	for _, s := range r.shape {
		if s == 0 {
			return true
		}
	}
	return false
}

// Center returns begin + shape/2, rounded down. It returns nil for an unbounded Roi.
func (r Roi) Center() Coordinate {
	if r.unbounded {
		return nil
	}
	return r.begin.Add(r.shape.Div(Uniform(r.dims, 2)))
}

func (r Roi) Shift(delta Coordinate) Roi {
	if r.unbounded {
		return r
	}
	return Roi{begin: r.begin.Add(delta), shape: r.shape.Clone(), dims: r.dims}
}

// Grow moves begin by -neg and end by +pos. Negative values shrink the Roi;
// a shape that would become negative is clamped to zero.
func (r Roi) Grow(neg, pos Coordinate) Roi {
	if r.unbounded {
		return r
	}
	if neg == nil {
		neg = Uniform(r.dims, 0)
	}
	if pos == nil {
		pos = Uniform(r.dims, 0)
	}
	shape := r.shape.Add(neg).Add(pos).Max(Uniform(r.dims, 0))
	return Roi{begin: r.begin.Sub(neg), shape: shape, dims: r.dims}
}

// Scale multiplies begin and shape elementwise, e.g. to convert voxel
// indices into world units.
func (r Roi) Scale(factor Coordinate) Roi {
	if r.unbounded {
		return r
	}
	return Roi{begin: r.begin.Mul(factor), shape: r.shape.Mul(factor), dims: r.dims}
}

// Contains reports whether o lies entirely inside r. An empty o is
// contained in any Roi of the same dimensionality.
func (r Roi) Contains(o Roi) bool {
	if r.dims != o.dims {
		return false
	}
	if r.unbounded {
		return true
	}
	if o.unbounded {
		return false
	}
	if o.Empty() {
		return true
	}
	begin, end := r.begin, r.End()
	oEnd := o.End()
	for i := 0; i < r.dims; i++ {
		if o.begin[i] < begin[i] || oEnd[i] > end[i] {
			return false
		}
	}
	return true
}

func (r Roi) ContainsCoordinate(c Coordinate) bool {
	if len(c) != r.dims {
		return false
	}
	if r.unbounded {
		return true
	}
	end := r.End()
	for i := range c {
		if c[i] < r.begin[i] || c[i] >= end[i] {
			return false
		}
	}
	return true
}

// ContainsPoint is ContainsCoordinate for real-valued locations, such as
// graph node positions.
func (r Roi) ContainsPoint(p []float64) bool {
	if len(p) != r.dims {
		return false
	}
	if r.unbounded {
		return true
	}
	end := r.End()
	for i := range p {
		if p[i] < float64(r.begin[i]) || p[i] >= float64(end[i]) {
			return false
		}
	}
	return true
}

func (r Roi) Equal(o Roi) bool {
	if r.dims != o.dims || r.unbounded != o.unbounded {
		return false
	}
	if r.unbounded {
		return true
	}
	return r.begin.Equal(o.begin) && r.shape.Equal(o.shape)
}

// SnapToGrid aligns begin and end to multiples of voxelSize. With SnapGrow
// the result always contains r.
func (r Roi) SnapToGrid(voxelSize Coordinate, mode SnapMode) (Roi, error) {
	if len(voxelSize) == 0 {
		return Roi{}, pipelineerrors.InvariantViolation("snapping %s to a grid without a voxel size", r)
	}
	if err := checkDims(r.dims, len(voxelSize)); err != nil {
		return Roi{}, fmt.Errorf("snapping %s to %s: %w", r, voxelSize, err)
	}
	if !voxelSize.AllGreaterThan(0) {
		return Roi{}, pipelineerrors.InvariantViolation("voxel size %s must be positive", voxelSize)
	}
	if r.unbounded {
		return r, nil
	}

	end := r.End()
	begin := make(Coordinate, r.dims)
	newEnd := make(Coordinate, r.dims)
	for i, v := range voxelSize {
		switch mode {
		case SnapGrow:
			begin[i] = floorDiv(r.begin[i], v) * v
			newEnd[i] = ceilDiv(end[i], v) * v
		case SnapShrink:
			begin[i] = ceilDiv(r.begin[i], v) * v
			newEnd[i] = floorDiv(end[i], v) * v
		case SnapClosest:
			begin[i] = floorDiv(2*r.begin[i]+v, 2*v) * v
			newEnd[i] = floorDiv(2*end[i]+v, 2*v) * v
		default:
			return Roi{}, pipelineerrors.InvariantViolation("unknown snap mode %s", mode)
		}
		if newEnd[i] < begin[i] {
			newEnd[i] = begin[i]
		}
	}
	return Roi{begin: begin, shape: newEnd.Sub(begin), dims: r.dims}, nil
}

func (r Roi) String() string {
	if r.unbounded {
		return fmt.Sprintf("[unbounded, %dD]", r.dims)
	}
	end := r.End()
	parts := make([]string, r.dims)
	for i := range parts {
		parts[i] = fmt.Sprintf("%d:%d", r.begin[i], end[i])
	}
	return "[" + strings.Join(parts, ", ") + "] " + r.shape.String()
}

// Union returns the smallest Roi containing a and b. An unbounded operand
// makes the result unbounded; an empty operand is ignored.
func Union(a, b Roi) (Roi, error) {
	if err := checkDims(a.dims, b.dims); err != nil {
		return Roi{}, fmt.Errorf("union of %s and %s: %w", a, b, err)
	}
	switch {
	case a.unbounded:
		return a, nil
	case b.unbounded:
		return b, nil
	case a.Empty():
		return b, nil
	case b.Empty():
		return a, nil
	}
	begin := a.begin.Min(b.begin)
	end := a.End().Max(b.End())
	return Roi{begin: begin, shape: end.Sub(begin), dims: a.dims}, nil
}

// Intersect returns the largest Roi contained in both a and b, which may be
// empty. An unbounded operand yields the other operand.
func Intersect(a, b Roi) (Roi, error) {
	if err := checkDims(a.dims, b.dims); err != nil {
		return Roi{}, fmt.Errorf("intersection of %s and %s: %w", a, b, err)
	}
	if a.unbounded {
		return b, nil
	}
	if b.unbounded {
		return a, nil
	}
	begin := a.begin.Max(b.begin)
	end := a.End().Min(b.End())
	shape := end.Sub(begin).Max(Uniform(a.dims, 0))
	return Roi{begin: begin, shape: shape, dims: a.dims}, nil
}
