// Package sources contains pipeline sources serving data held in memory.
package sources

import (
	"context"
	"fmt"

	"github.com/voxpipe/voxpipe/pkg/batch"
	pipelineerrors "github.com/voxpipe/voxpipe/pkg/errors"
	"github.com/voxpipe/voxpipe/pkg/pipeline"
	"github.com/voxpipe/voxpipe/pkg/request"
	"github.com/voxpipe/voxpipe/pkg/spec"
)

// ArraySource serves a single array. Requests are answered with the part of
// the array inside the requested ROI; requests without a ROI get all of it.
type ArraySource struct {
	key   spec.ArrayKey
	array *batch.Array
}

var _ pipeline.Source = (*ArraySource)(nil)

func NewArraySource(key spec.ArrayKey, array *batch.Array) (*ArraySource, error) {
	if key.IsZero() {
		return nil, pipelineerrors.UnsupportedKeyKind("array source needs a key created with spec.NewArrayKey")
	}
	if array == nil {
		return nil, pipelineerrors.InvariantViolation("array source for %s needs an array", key)
	}
	return &ArraySource{key: key, array: array}, nil
}

func (s *ArraySource) Declare(_ context.Context, d *pipeline.Declaration) error {
	return d.Provides(s.key, s.array.Spec())
}

func (s *ArraySource) Provide(_ context.Context, req *request.BatchRequest) (*batch.Batch, error) {
	b := batch.New()
	requested, ok := req.Array(s.key)
	if !ok {
		return b, nil
	}

	a := s.array
	if roi, ok := requested.ROI(); ok {
		cropped, err := a.Crop(roi)
		if err != nil {
			return nil, fmt.Errorf("serving %s: %w", s.key, err)
		}
		a = cropped
	}
	b.SetArray(s.key, a)
	return b, nil
}
