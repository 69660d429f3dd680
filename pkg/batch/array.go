package batch

import (
	"fmt"
	"iter"
	"math"
	"slices"

	pipelineerrors "github.com/voxpipe/voxpipe/pkg/errors"
	"github.com/voxpipe/voxpipe/pkg/geometry"
	"github.com/voxpipe/voxpipe/pkg/spec"
)

// Array is a dense, row-major block of values together with its spec. The
// trailing dimensions of the shape are spatial and correspond to the
// dimensions of the spec's ROI; leading dimensions are channels.
//
// Arrays are treated as immutable once built: every operation returns a new
// Array and the slice returned by Data must not be modified.
type Array struct {
	spec  spec.ArraySpec
	data  []float64
	shape []int
}

// NewArray wraps data. For spatial arrays the spec must carry a bounded ROI
// and a voxel size, and the spatial part of shape must match ROI/voxel size.
func NewArray(s spec.ArraySpec, data []float64, shape ...int) (*Array, error) {
	n := 1
	for _, d := range shape {
		if d < 0 {
			return nil, pipelineerrors.InvariantViolation("negative array shape %v", shape)
		}
		n *= d
	}
	if n != len(data) {
		return nil, pipelineerrors.InvariantViolation("array shape %v needs %d values, got %d", shape, n, len(data))
	}

	if roi, ok := s.ROI(); ok && !s.IsNonspatial() {
		if err := checkSpatialShape(roi, s.VoxelSize(), shape); err != nil {
			return nil, err
		}
	}

	return &Array{spec: s, data: data, shape: slices.Clone(shape)}, nil
}

// MustArray is like NewArray but panics on error.
func MustArray(s spec.ArraySpec, data []float64, shape ...int) *Array {
	a, err := NewArray(s, data, shape...)
	if err != nil {
		panic(err)
	}
	return a
}

func checkSpatialShape(roi geometry.Roi, voxelSize geometry.Coordinate, shape []int) error {
	if roi.IsUnbounded() {
		return pipelineerrors.InvariantViolation("array data can not cover an unbounded roi")
	}
	if voxelSize == nil {
		return pipelineerrors.InvariantViolation("array with roi %s has no voxel size", roi)
	}
	dims := roi.Dims()
	if len(shape) < dims {
		return pipelineerrors.DimensionMismatch("array shape %v has fewer than %d spatial dims", shape, dims)
	}
	if !roi.Shape().IsMultipleOf(voxelSize) && !roi.Empty() {
		return pipelineerrors.InvariantViolation("roi %s is not a multiple of voxel size %s", roi, voxelSize)
	}
	voxels := roi.Shape().Div(voxelSize)
	spatial := shape[len(shape)-dims:]
	for i := range spatial {
		if int64(spatial[i]) != voxels[i] {
			return pipelineerrors.InvariantViolation("array shape %v does not match roi %s with voxel size %s", shape, roi, voxelSize)
		}
	}
	return nil
}

func (a *Array) Spec() spec.ArraySpec {
	return a.spec
}

// Data returns the values in row-major order. The slice is shared.
func (a *Array) Data() []float64 {
	return a.data
}

func (a *Array) Shape() []int {
	return slices.Clone(a.shape)
}

// SpatialDims returns the number of trailing spatial dimensions.
func (a *Array) SpatialDims() int {
	if roi, ok := a.spec.ROI(); ok && !a.spec.IsNonspatial() {
		return roi.Dims()
	}
	return 0
}

// At returns the value at the given index, one entry per dimension.
func (a *Array) At(idx ...int) float64 {
	if len(idx) != len(a.shape) {
		panic(pipelineerrors.DimensionMismatch("index %v for shape %v", idx, a.shape))
	}
	return a.data[offset(a.shape, idx)]
}

// Reshape returns an Array sharing the data of a with a new spec and shape.
func (a *Array) Reshape(s spec.ArraySpec, shape ...int) (*Array, error) {
	return NewArray(s, a.data, shape...)
}

// Crop returns the part of a inside roi, in world units. roi has to lie
// inside the array's ROI and be aligned to its voxel size. Nonspatial arrays
// are returned unchanged.
func (a *Array) Crop(roi geometry.Roi) (*Array, error) {
	own, ok := a.spec.ROI()
	if !ok || a.spec.IsNonspatial() {
		return a, nil
	}
	if !own.Contains(roi) {
		return nil, pipelineerrors.SpecConflict("crop roi %s is not inside array roi %s", roi, own)
	}
	voxelSize := a.spec.VoxelSize()
	if !roi.Begin().Sub(own.Begin()).IsMultipleOf(voxelSize) || !roi.Shape().IsMultipleOf(voxelSize) {
		if !roi.Empty() {
			return nil, pipelineerrors.InvariantViolation("crop roi %s is not aligned to voxel size %s", roi, voxelSize)
		}
	}

	cropped, err := a.spec.Derive(spec.WithROI(roi))
	if err != nil {
		return nil, err
	}

	dims := roi.Dims()
	channels := len(a.shape) - dims
	start := make([]int, len(a.shape))
	shape := slices.Clone(a.shape)
	begin := roi.Begin().Sub(own.Begin()).Div(voxelSize)
	size := roi.Shape().Div(voxelSize)
	for i := 0; i < dims; i++ {
		start[channels+i] = int(begin[i])
		shape[channels+i] = int(size[i])
	}

	data := make([]float64, 0, volume(shape))
	for idx := range indices(shape) {
		src := make([]int, len(idx))
		for i := range idx {
			src[i] = idx[i] + start[i]
		}
		data = append(data, a.data[offset(a.shape, src)])
	}
	return &Array{spec: cropped, data: data, shape: shape}, nil
}

// Cast converts the values to dtype the way a numeric cast would: integer
// types truncate toward zero and wrap around their width, Bool maps every
// non-zero value to one.
func (a *Array) Cast(dtype spec.DType) (*Array, error) {
	s, err := a.spec.Derive(spec.WithDType(dtype))
	if err != nil {
		return nil, err
	}
	data := make([]float64, len(a.data))
	for i, v := range a.data {
		data[i] = castValue(v, dtype)
	}
	return &Array{spec: s, data: data, shape: slices.Clone(a.shape)}, nil
}

func castValue(v float64, dtype spec.DType) float64 {
	if math.IsNaN(v) {
		v = 0
	}
	switch dtype {
	case spec.Bool:
		if v != 0 {
			return 1
		}
		return 0
	case spec.Int8:
		return float64(int8(int64(v)))
	case spec.Int16:
		return float64(int16(int64(v)))
	case spec.Int32:
		return float64(int32(int64(v)))
	case spec.Int64:
		return float64(int64(v))
	case spec.Uint8:
		return float64(uint8(int64(v)))
	case spec.Uint16:
		return float64(uint16(int64(v)))
	case spec.Uint32:
		return float64(uint32(int64(v)))
	case spec.Uint64:
		return float64(uint64(int64(v)))
	case spec.Float32:
		return float64(float32(v))
	default:
		return v
	}
}

func (a *Array) String() string {
	return fmt.Sprintf("Array(shape %v, %s)", a.shape, a.spec)
}

func volume(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

func offset(shape, idx []int) int {
	o := 0
	for i, d := range shape {
		o = o*d + idx[i]
	}
	return o
}

// indices yields every index of shape in row-major order. The yielded slice
// is reused between iterations.
func indices(shape []int) iter.Seq[[]int] {
	return func(yield func([]int) bool) {
		if volume(shape) == 0 {
			return
		}
		idx := make([]int, len(shape))
		for {
			if !yield(idx) {
				return
			}
			i := len(shape) - 1
			for ; i >= 0; i-- {
				idx[i]++
				if idx[i] < shape[i] {
					break
				}
				idx[i] = 0
			}
			if i < 0 {
				return
			}
		}
	}
}
