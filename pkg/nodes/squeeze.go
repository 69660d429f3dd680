package nodes

import (
	"context"
	"slices"

	"github.com/voxpipe/voxpipe/pkg/batch"
	pipelineerrors "github.com/voxpipe/voxpipe/pkg/errors"
	"github.com/voxpipe/voxpipe/pkg/geometry"
	"github.com/voxpipe/voxpipe/pkg/pipeline"
	"github.com/voxpipe/voxpipe/pkg/request"
	"github.com/voxpipe/voxpipe/pkg/spec"
)

// SqueezeSpatialDim removes the first spatial dimension of an array or a
// graph. Upstream, the removed dimension is requested one voxel thick at the
// beginning of the upstream ROI.
type SqueezeSpatialDim struct {
	key spec.Key

	// where the removed dimension is requested upstream
	begin     int64
	thickness int64
}

var _ pipeline.Filter = (*SqueezeSpatialDim)(nil)

func NewSqueezeSpatialDim(key spec.Key) *SqueezeSpatialDim {
	return &SqueezeSpatialDim{key: key}
}

func (f *SqueezeSpatialDim) Declare(_ context.Context, d *pipeline.Declaration) error {
	upstream, ok := d.Upstream().Get(f.key)
	if !ok {
		return pipelineerrors.SpecConflict("can not squeeze %s, it is not provided upstream", f.key)
	}
	if !spec.IsSpatial(upstream) {
		return pipelineerrors.InvariantViolation("can not squeeze nonspatial %s", f.key)
	}

	f.begin, f.thickness = 0, 1
	roi, hasROI := upstream.ROI()
	if hasROI {
		if roi.Dims() < 2 {
			return pipelineerrors.DimensionMismatch("can not squeeze %s with %d dimensions", f.key, roi.Dims())
		}
		if !roi.IsUnbounded() {
			f.begin = roi.Begin()[0]
		}
	}

	var opts []spec.Option
	if hasROI {
		opts = append(opts, spec.WithROI(dropFirst(roi)))
	}
	if a, ok := upstream.(spec.ArraySpec); ok && a.VoxelSize() != nil {
		f.thickness = a.VoxelSize()[0]
		opts = append(opts, spec.WithVoxelSize(a.VoxelSize()[1:]))
	}
	squeezed, err := spec.Derive(upstream, opts...)
	if err != nil {
		return err
	}
	return d.Updates(f.key, squeezed)
}

func (f *SqueezeSpatialDim) Prepare(_ context.Context, req *request.BatchRequest) (*request.BatchRequest, error) {
	s, ok := req.Get(f.key)
	if !ok {
		return nil, nil
	}
	roi, ok := s.ROI()
	if !ok {
		return nil, nil
	}

	opts := []spec.Option{spec.WithROI(prependDim(roi, f.begin, f.thickness))}
	if a, ok := s.(spec.ArraySpec); ok && a.VoxelSize() != nil {
		opts = append(opts, spec.WithVoxelSize(append(geometry.NewCoordinate(f.thickness), a.VoxelSize()...)))
	}
	dep, err := spec.Derive(s, opts...)
	if err != nil {
		return nil, err
	}

	deps := request.New()
	if err := deps.Set(f.key, dep); err != nil {
		return nil, err
	}
	return deps, nil
}

func (f *SqueezeSpatialDim) Process(_ context.Context, b *batch.Batch, _ *request.BatchRequest) (*batch.Batch, error) {
	out := batch.New()
	switch k := f.key.(type) {
	case spec.ArrayKey:
		a, ok := b.Array(k)
		if !ok {
			return out, nil
		}
		squeezed, err := squeezeArray(a)
		if err != nil {
			return nil, err
		}
		out.SetArray(k, squeezed)
	case spec.GraphKey:
		g, ok := b.Graph(k)
		if !ok {
			return out, nil
		}
		squeezed, err := squeezeGraph(g)
		if err != nil {
			return nil, err
		}
		out.SetGraph(k, squeezed)
	}
	return out, nil
}

func squeezeArray(a *batch.Array) (*batch.Array, error) {
	s := a.Spec()
	roi, ok := s.ROI()
	if !ok {
		return nil, pipelineerrors.InvariantViolation("can not squeeze array without roi")
	}
	shape := a.Shape()
	axis := len(shape) - roi.Dims()
	if shape[axis] != 1 {
		return nil, pipelineerrors.InvariantViolation("dimension to squeeze must have size 1, array shape is %v", shape)
	}

	opts := []spec.Option{spec.WithROI(dropFirst(roi))}
	if vs := s.VoxelSize(); vs != nil {
		opts = append(opts, spec.WithVoxelSize(vs[1:]))
	}
	squeezed, err := s.Derive(opts...)
	if err != nil {
		return nil, err
	}
	return a.Reshape(squeezed, slices.Delete(shape, axis, axis+1)...)
}

func squeezeGraph(g *batch.Graph) (*batch.Graph, error) {
	s := g.Spec()
	if roi, ok := s.ROI(); ok {
		var err error
		s, err = s.Derive(spec.WithROI(dropFirst(roi)))
		if err != nil {
			return nil, err
		}
	}
	return g.Map(s, func(n *batch.Node) *batch.Node {
		return batch.NewNode(n.ID(), n.Location()[1:], n.Attrs())
	})
}

// UnsqueezeChannelDim inserts a channel dimension of size one into an array
// at the given axis. Axes count from the first channel dimension, so the
// axis can not lie among the spatial dimensions.
type UnsqueezeChannelDim struct {
	key  spec.ArrayKey
	axis int
}

var _ pipeline.Filter = (*UnsqueezeChannelDim)(nil)

func NewUnsqueezeChannelDim(key spec.ArrayKey, axis int) *UnsqueezeChannelDim {
	return &UnsqueezeChannelDim{key: key, axis: axis}
}

func (f *UnsqueezeChannelDim) Declare(_ context.Context, d *pipeline.Declaration) error {
	d.EnableAutoskip()

	s, ok := d.Upstream().Array(f.key)
	if !ok {
		return pipelineerrors.SpecConflict("can not unsqueeze %s, it is not provided upstream", f.key)
	}
	return d.Updates(f.key, s)
}

func (f *UnsqueezeChannelDim) Prepare(context.Context, *request.BatchRequest) (*request.BatchRequest, error) {
	return nil, nil
}

func (f *UnsqueezeChannelDim) Process(_ context.Context, b *batch.Batch, _ *request.BatchRequest) (*batch.Batch, error) {
	out := batch.New()
	a, ok := b.Array(f.key)
	if !ok {
		return out, nil
	}
	shape := a.Shape()
	channels := len(shape) - a.SpatialDims()
	if f.axis < 0 || f.axis > channels {
		return nil, pipelineerrors.InvariantViolation("axis %d is not a channel axis of %s with shape %v", f.axis, f.key, shape)
	}
	unsqueezed, err := a.Reshape(a.Spec(), slices.Insert(shape, f.axis, 1)...)
	if err != nil {
		return nil, err
	}
	out.SetArray(f.key, unsqueezed)
	return out, nil
}
