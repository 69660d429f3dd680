package nodes

import (
	"context"
	"fmt"

	"github.com/voxpipe/voxpipe/pkg/batch"
	pipelineerrors "github.com/voxpipe/voxpipe/pkg/errors"
	"github.com/voxpipe/voxpipe/pkg/geometry"
	"github.com/voxpipe/voxpipe/pkg/pipeline"
	"github.com/voxpipe/voxpipe/pkg/request"
	"github.com/voxpipe/voxpipe/pkg/spec"
)

// Crop restricts where a key is advertised to the intersection of its
// upstream ROI and roi. Requests outside of roi are rejected by the
// pipeline before they reach the upstream node.
type Crop struct {
	key spec.Key
	roi geometry.Roi
}

var _ pipeline.Filter = (*Crop)(nil)

func NewCrop(key spec.Key, roi geometry.Roi) *Crop {
	return &Crop{key: key, roi: roi}
}

func (f *Crop) Declare(_ context.Context, d *pipeline.Declaration) error {
	d.EnableAutoskip()

	upstream, ok := d.Upstream().Get(f.key)
	if !ok {
		return pipelineerrors.SpecConflict("can not crop %s, it is not provided upstream", f.key)
	}
	if !spec.IsSpatial(upstream) {
		return pipelineerrors.InvariantViolation("can not crop nonspatial %s", f.key)
	}

	roi := f.roi
	if own, ok := upstream.ROI(); ok {
		var err error
		roi, err = geometry.Intersect(own, f.roi)
		if err != nil {
			return fmt.Errorf("cropping %s: %w", f.key, err)
		}
	}
	s, err := spec.Derive(upstream, spec.WithROI(roi))
	if err != nil {
		return err
	}
	return d.Updates(f.key, s)
}

func (f *Crop) Prepare(context.Context, *request.BatchRequest) (*request.BatchRequest, error) {
	return nil, nil
}

func (f *Crop) Process(context.Context, *batch.Batch, *request.BatchRequest) (*batch.Batch, error) {
	return nil, nil
}
