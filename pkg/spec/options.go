package spec

import (
	"github.com/voxpipe/voxpipe/pkg/geometry"
)

// Option sets one field of an ArraySpec or GraphSpec. Options not applicable
// to a spec kind make the constructor fail.
type Option func(*fields)

// fields is the union of all spec fields. A nil pointer means the field is absent.
type fields struct {
	roi            *geometry.Roi
	voxelSize      geometry.Coordinate
	interpolatable *bool
	nonspatial     bool
	dtype          DType
	placeholder    bool
	directed       *bool
}

func WithROI(roi geometry.Roi) Option {
	return func(f *fields) {
		f.roi = &roi
	}
}

// WithoutROI removes the ROI, e.g. for a provider that serves the stream everywhere.
func WithoutROI() Option {
	return func(f *fields) {
		f.roi = nil
	}
}

func WithVoxelSize(voxelSize geometry.Coordinate) Option {
	return func(f *fields) {
		f.voxelSize = voxelSize.Clone()
	}
}

func WithoutVoxelSize() Option {
	return func(f *fields) {
		f.voxelSize = nil
	}
}

func WithInterpolatable(interpolatable bool) Option {
	return func(f *fields) {
		f.interpolatable = &interpolatable
	}
}

// WithNonspatial marks an array as carrying no geometry, e.g. per-sample labels.
func WithNonspatial(nonspatial bool) Option {
	return func(f *fields) {
		f.nonspatial = nonspatial
	}
}

func WithDType(dtype DType) Option {
	return func(f *fields) {
		f.dtype = dtype
	}
}

// WithPlaceholder marks a spec whose geometry is resolved later by a
// downstream consumer.
func WithPlaceholder(placeholder bool) Option {
	return func(f *fields) {
		f.placeholder = placeholder
	}
}

func WithDirected(directed bool) Option {
	return func(f *fields) {
		f.directed = &directed
	}
}

func applyOptions(f fields, opts []Option) fields {
	for _, opt := range opts {
		opt(&f)
	}
	return f
}
