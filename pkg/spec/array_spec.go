package spec

import (
	"fmt"
	"strings"

	pipelineerrors "github.com/voxpipe/voxpipe/pkg/errors"
	"github.com/voxpipe/voxpipe/pkg/geometry"
)

// ArraySpec is the metadata of an array stream: where it is available
// (ROI), its voxel size, whether values may be interpolated, its element type
// and whether it is spatial at all.
//
// ArraySpec is an immutable value; use Derive to obtain a modified copy.
type ArraySpec struct {
	f fields
}

var _ Spec = ArraySpec{}

// NewArraySpec builds an ArraySpec from opts. A nonspatial array may carry
// neither a ROI nor a voxel size.
func NewArraySpec(opts ...Option) (ArraySpec, error) {
	f := applyOptions(fields{}, opts)
	if err := validateArray(f); err != nil {
		return ArraySpec{}, err
	}
	return ArraySpec{f: f}, nil
}

// MustArraySpec is like NewArraySpec but panics on invalid options.
func MustArraySpec(opts ...Option) ArraySpec {
	s, err := NewArraySpec(opts...)
	if err != nil {
		panic(err)
	}
	return s
}

func validateArray(f fields) error {
	if f.directed != nil {
		return pipelineerrors.InvariantViolation("arrays have no directedness")
	}
	if f.nonspatial {
		if f.roi != nil {
			return pipelineerrors.InvariantViolation("nonspatial arrays can not have a roi")
		}
		if f.voxelSize != nil {
			return pipelineerrors.InvariantViolation("nonspatial arrays can not have a voxel size")
		}
	}
	if f.voxelSize != nil {
		if !f.voxelSize.AllGreaterThan(0) {
			return pipelineerrors.InvariantViolation("voxel size %s must be positive", f.voxelSize)
		}
		if f.roi != nil && f.roi.Dims() != f.voxelSize.Dims() {
			return pipelineerrors.DimensionMismatch("roi %s and voxel size %s", *f.roi, f.voxelSize)
		}
	}
	if f.dtype != "" && !f.dtype.Valid() {
		return pipelineerrors.InvariantViolation("unknown dtype %q", string(f.dtype))
	}
	return nil
}

// Derive returns a copy of s with opts applied.
func (s ArraySpec) Derive(opts ...Option) (ArraySpec, error) {
	base := func(f *fields) { *f = s.f }
	return NewArraySpec(append([]Option{base}, opts...)...)
}

func (s ArraySpec) Kind() Kind { return KindArray }

func (s ArraySpec) ROI() (geometry.Roi, bool) {
	if s.f.roi == nil {
		return geometry.Roi{}, false
	}
	return *s.f.roi, true
}

// VoxelSize returns nil when the voxel size is not known.
func (s ArraySpec) VoxelSize() geometry.Coordinate {
	return s.f.voxelSize.Clone()
}

// Interpolatable returns the interpolatable flag and whether it is set.
func (s ArraySpec) Interpolatable() (bool, bool) {
	if s.f.interpolatable == nil {
		return false, false
	}
	return *s.f.interpolatable, true
}

func (s ArraySpec) IsNonspatial() bool { return s.f.nonspatial }

func (s ArraySpec) DType() DType { return s.f.dtype }

func (s ArraySpec) IsPlaceholder() bool { return s.f.placeholder }

// UpdateWith merges source into a copy of s. The ROI is unioned; every
// other field present in source overrides the one in s.
func (s ArraySpec) UpdateWith(source ArraySpec) (ArraySpec, error) {
	f := s.f

	roi, err := unionROI(f.roi, source.f.roi)
	if err != nil {
		return ArraySpec{}, err
	}
	f.roi = roi

	if source.f.voxelSize != nil {
		f.voxelSize = source.f.voxelSize
	}
	if source.f.interpolatable != nil {
		f.interpolatable = source.f.interpolatable
	}
	f.nonspatial = source.f.nonspatial
	if source.f.dtype != "" {
		f.dtype = source.f.dtype
	}
	f.placeholder = source.f.placeholder

	if f.nonspatial {
		// a spec turned nonspatial by the merge sheds its geometry
		f.roi = nil
		f.voxelSize = nil
	}

	if err := validateArray(f); err != nil {
		return ArraySpec{}, err
	}
	return ArraySpec{f: f}, nil
}

func (s ArraySpec) Equal(o ArraySpec) bool {
	return equalFields(s.f, o.f)
}

func (s ArraySpec) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "ROI: %s, ", roiString(s.f.roi))
	fmt.Fprintf(&b, "voxel size: %s, ", coordinateString(s.f.voxelSize))
	fmt.Fprintf(&b, "interpolatable: %s, ", boolString(s.f.interpolatable))
	fmt.Fprintf(&b, "non-spatial: %t, ", s.f.nonspatial)
	fmt.Fprintf(&b, "dtype: %s, ", s.f.dtype)
	fmt.Fprintf(&b, "placeholder: %t", s.f.placeholder)
	return b.String()
}

func (ArraySpec) sealed() {}

func unionROI(a, b *geometry.Roi) (*geometry.Roi, error) {
	switch {
	case b == nil:
		return a, nil
	case a == nil:
		return b, nil
	}
	u, err := geometry.Union(*a, *b)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func equalFields(a, b fields) bool {
	return equalROI(a.roi, b.roi) &&
		a.voxelSize.Equal(b.voxelSize) && (a.voxelSize == nil) == (b.voxelSize == nil) &&
		equalBool(a.interpolatable, b.interpolatable) &&
		a.nonspatial == b.nonspatial &&
		a.dtype == b.dtype &&
		a.placeholder == b.placeholder &&
		equalBool(a.directed, b.directed)
}

func equalROI(a, b *geometry.Roi) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

func equalBool(a, b *bool) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func roiString(r *geometry.Roi) string {
	if r == nil {
		return "None"
	}
	return r.String()
}

func coordinateString(c geometry.Coordinate) string {
	if c == nil {
		return "None"
	}
	return c.String()
}

func boolString(b *bool) string {
	if b == nil {
		return "None"
	}
	return fmt.Sprintf("%t", *b)
}
