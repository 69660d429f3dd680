package spec

import (
	"fmt"

	pipelineerrors "github.com/voxpipe/voxpipe/pkg/errors"
	"github.com/voxpipe/voxpipe/pkg/geometry"
)

// GraphSpec is the metadata of a graph stream: the ROI its nodes live in,
// whether edges are directed and the dtype of node locations (Float32 unless
// given).
type GraphSpec struct {
	f fields
}

var _ Spec = GraphSpec{}

func NewGraphSpec(opts ...Option) (GraphSpec, error) {
	f := applyOptions(fields{dtype: Float32}, opts)
	if err := validateGraph(f); err != nil {
		return GraphSpec{}, err
	}
	return GraphSpec{f: f}, nil
}

func MustGraphSpec(opts ...Option) GraphSpec {
	s, err := NewGraphSpec(opts...)
	if err != nil {
		panic(err)
	}
	return s
}

func validateGraph(f fields) error {
	switch {
	case f.voxelSize != nil:
		return pipelineerrors.InvariantViolation("graphs have no voxel size")
	case f.interpolatable != nil:
		return pipelineerrors.InvariantViolation("graphs are not interpolatable")
	case f.nonspatial:
		return pipelineerrors.InvariantViolation("graphs are always spatial")
	case f.dtype != "" && !f.dtype.Valid():
		return pipelineerrors.InvariantViolation("unknown dtype %q", string(f.dtype))
	}
	return nil
}

func (s GraphSpec) Derive(opts ...Option) (GraphSpec, error) {
	base := func(f *fields) { *f = s.f }
	return NewGraphSpec(append([]Option{base}, opts...)...)
}

func (s GraphSpec) Kind() Kind { return KindGraph }

func (s GraphSpec) ROI() (geometry.Roi, bool) {
	if s.f.roi == nil {
		return geometry.Roi{}, false
	}
	return *s.f.roi, true
}

// Directed returns the directedness and whether it is known.
func (s GraphSpec) Directed() (bool, bool) {
	if s.f.directed == nil {
		return false, false
	}
	return *s.f.directed, true
}

func (s GraphSpec) DType() DType { return s.f.dtype }

func (s GraphSpec) IsPlaceholder() bool { return s.f.placeholder }

// UpdateWith follows the same law as ArraySpec.UpdateWith.
func (s GraphSpec) UpdateWith(source GraphSpec) (GraphSpec, error) {
	f := s.f

	roi, err := unionROI(f.roi, source.f.roi)
	if err != nil {
		return GraphSpec{}, err
	}
	f.roi = roi

	if source.f.directed != nil {
		f.directed = source.f.directed
	}
	if source.f.dtype != "" {
		f.dtype = source.f.dtype
	}
	f.placeholder = source.f.placeholder

	return GraphSpec{f: f}, nil
}

func (s GraphSpec) Equal(o GraphSpec) bool {
	return equalFields(s.f, o.f)
}

func (s GraphSpec) String() string {
	return fmt.Sprintf("ROI: %s, dtype: %s, directed: %s, placeholder: %t",
		roiString(s.f.roi), s.f.dtype, boolString(s.f.directed), s.f.placeholder)
}

func (GraphSpec) sealed() {}
