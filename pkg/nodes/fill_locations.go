package nodes

import (
	"context"

	"github.com/voxpipe/voxpipe/pkg/batch"
	pipelineerrors "github.com/voxpipe/voxpipe/pkg/errors"
	"github.com/voxpipe/voxpipe/pkg/geometry"
	"github.com/voxpipe/voxpipe/pkg/pipeline"
	"github.com/voxpipe/voxpipe/pkg/request"
	"github.com/voxpipe/voxpipe/pkg/spec"
)

var locationsSpec = spec.MustArraySpec(spec.WithNonspatial(true), spec.WithDType(spec.Float32))

// FillLocations writes the locations of the nodes of a graph into a
// nonspatial array of shape (nodes, dims). Locations are converted to voxel
// units relative to the begin of the requested graph ROI, so a node at
// (120, 500, 360) in a graph requested at (20, 300, 300) with voxel size
// (10, 10, 10) is stored as (10, 20, 6).
type FillLocations struct {
	points    spec.GraphKey
	locations spec.ArrayKey

	voxelSize geometry.Coordinate
	dropFirst bool
	maxPoints int
}

var _ pipeline.Filter = (*FillLocations)(nil)

// FillLocationsOpt defines an option that can be used to change the
// behavior of a FillLocations instance.
type FillLocationsOpt func(*FillLocations)

// WithLocationVoxelSize sets the voxel size locations are divided by. It
// defaults to one in every dimension.
func WithLocationVoxelSize(voxelSize geometry.Coordinate) FillLocationsOpt {
	return func(f *FillLocations) {
		f.voxelSize = voxelSize.Clone()
	}
}

// WithDropFirstDim stores only the trailing coordinates, e.g. when the first
// dimension of 3D points enumerates 2D samples.
func WithDropFirstDim(drop bool) FillLocationsOpt {
	return func(f *FillLocations) {
		f.dropFirst = drop
	}
}

// WithMaxPoints limits the number of stored locations. Nodes are taken in
// id order.
func WithMaxPoints(n int) FillLocationsOpt {
	return func(f *FillLocations) {
		f.maxPoints = n
	}
}

func NewFillLocations(points spec.GraphKey, locations spec.ArrayKey, opts ...FillLocationsOpt) *FillLocations {
	f := &FillLocations{points: points, locations: locations}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

func (f *FillLocations) Declare(_ context.Context, d *pipeline.Declaration) error {
	d.EnableAutoskip()

	if _, ok := d.Upstream().Graph(f.points); !ok {
		return pipelineerrors.SpecConflict("can not fill locations from %s, it is not provided upstream", f.points)
	}
	return d.Provides(f.locations, locationsSpec)
}

func (f *FillLocations) Prepare(_ context.Context, req *request.BatchRequest) (*request.BatchRequest, error) {
	if !req.Has(f.locations) {
		return nil, nil
	}
	s, ok := req.Graph(f.points)
	if !ok {
		return nil, pipelineerrors.InvariantViolation("%s can only be filled if %s is requested as well", f.locations, f.points)
	}
	roi, ok := s.ROI()
	if !ok || roi.IsUnbounded() {
		return nil, pipelineerrors.InvariantViolation("%s needs a bounded roi to fill %s", f.points, f.locations)
	}
	if f.voxelSize != nil && f.voxelSize.Dims() != roi.Dims() {
		return nil, pipelineerrors.DimensionMismatch("voxel size %s for %s with roi %s", f.voxelSize, f.points, roi)
	}

	// the graph is needed even if it is only requested as a placeholder
	points, err := s.Derive(spec.WithPlaceholder(false))
	if err != nil {
		return nil, err
	}
	deps := request.New()
	if err := deps.Set(f.points, points); err != nil {
		return nil, err
	}
	return deps, nil
}

func (f *FillLocations) Process(_ context.Context, b *batch.Batch, _ *request.BatchRequest) (*batch.Batch, error) {
	out := batch.New()
	g, ok := b.Graph(f.points)
	if !ok {
		return out, nil
	}
	// the graph is cropped to the ROI asked for in Prepare, whether or not
	// req still holds it
	roi, ok := g.Spec().ROI()
	if !ok {
		return nil, pipelineerrors.InvariantViolation("%s arrived without a roi", f.points)
	}
	begin := roi.Begin()
	voxelSize := f.voxelSize
	if voxelSize == nil {
		voxelSize = geometry.Uniform(roi.Dims(), 1)
	}

	nodes := g.Nodes()
	if f.maxPoints > 0 && len(nodes) > f.maxPoints {
		nodes = nodes[:f.maxPoints]
	}
	dims := roi.Dims()
	first := 0
	if f.dropFirst {
		first = 1
	}

	data := make([]float64, 0, len(nodes)*(dims-first))
	for _, n := range nodes {
		location := n.Location()
		for d := first; d < dims; d++ {
			unit := (location[d] - float64(begin[d])) / float64(voxelSize[d])
			data = append(data, float64(float32(unit)))
		}
	}

	locations, err := batch.NewArray(locationsSpec, data, len(nodes), dims-first)
	if err != nil {
		return nil, err
	}
	out.SetArray(f.locations, locations)
	return out, nil
}
