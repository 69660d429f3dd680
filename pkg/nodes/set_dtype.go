package nodes

import (
	"context"

	"github.com/voxpipe/voxpipe/pkg/batch"
	pipelineerrors "github.com/voxpipe/voxpipe/pkg/errors"
	"github.com/voxpipe/voxpipe/pkg/pipeline"
	"github.com/voxpipe/voxpipe/pkg/request"
	"github.com/voxpipe/voxpipe/pkg/spec"
)

// SetDType converts an array to another element type. For graphs only the
// advertised dtype of the node locations changes.
type SetDType struct {
	key   spec.Key
	dtype spec.DType
}

var _ pipeline.Filter = (*SetDType)(nil)

func NewSetDType(key spec.Key, dtype spec.DType) (*SetDType, error) {
	if !dtype.Valid() {
		return nil, pipelineerrors.InvariantViolation("unknown dtype %q", string(dtype))
	}
	return &SetDType{key: key, dtype: dtype}, nil
}

func (f *SetDType) Declare(_ context.Context, d *pipeline.Declaration) error {
	d.EnableAutoskip()

	upstream, ok := d.Upstream().Get(f.key)
	if !ok {
		return pipelineerrors.SpecConflict("can not set dtype of %s, it is not provided upstream", f.key)
	}
	s, err := spec.Derive(upstream, spec.WithDType(f.dtype))
	if err != nil {
		return err
	}
	return d.Updates(f.key, s)
}

func (f *SetDType) Prepare(context.Context, *request.BatchRequest) (*request.BatchRequest, error) {
	return nil, nil
}

func (f *SetDType) Process(_ context.Context, b *batch.Batch, _ *request.BatchRequest) (*batch.Batch, error) {
	out := batch.New()
	switch k := f.key.(type) {
	case spec.ArrayKey:
		a, ok := b.Array(k)
		if !ok {
			return out, nil
		}
		cast, err := a.Cast(f.dtype)
		if err != nil {
			return nil, err
		}
		out.SetArray(k, cast)
	case spec.GraphKey:
		g, ok := b.Graph(k)
		if !ok {
			return out, nil
		}
		s, err := g.Spec().Derive(spec.WithDType(f.dtype))
		if err != nil {
			return nil, err
		}
		retyped, err := g.Map(s, func(n *batch.Node) *batch.Node { return n })
		if err != nil {
			return nil, err
		}
		out.SetGraph(k, retyped)
	}
	return out, nil
}
