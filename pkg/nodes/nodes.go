// Package nodes contains general purpose filters: type conversion, reshaping
// of spatial and channel dimensions, conversion of point graphs into arrays
// and inspection of the batches passing through a pipeline.
package nodes

import (
	"github.com/voxpipe/voxpipe/pkg/geometry"
)

// dropFirst removes the first dimension of roi.
func dropFirst(roi geometry.Roi) geometry.Roi {
	if roi.IsUnbounded() {
		return geometry.Unbounded(roi.Dims() - 1)
	}
	return geometry.NewRoi(roi.Begin()[1:], roi.Shape()[1:])
}

// prependDim adds a first dimension starting at begin with the given size.
func prependDim(roi geometry.Roi, begin, size int64) geometry.Roi {
	if roi.IsUnbounded() {
		return geometry.Unbounded(roi.Dims() + 1)
	}
	return geometry.NewRoi(
		append(geometry.NewCoordinate(begin), roi.Begin()...),
		append(geometry.NewCoordinate(size), roi.Shape()...),
	)
}
