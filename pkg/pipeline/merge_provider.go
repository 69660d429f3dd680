package pipeline

import (
	"context"

	"github.com/voxpipe/voxpipe/pkg/batch"
	pipelineerrors "github.com/voxpipe/voxpipe/pkg/errors"
	"github.com/voxpipe/voxpipe/pkg/request"
)

// MergeProvider combines upstreams that provide disjoint sets of keys into
// a single node providing all of them.
type MergeProvider struct{}

var _ Relay = (*MergeProvider)(nil)

func NewMergeProvider() *MergeProvider {
	return &MergeProvider{}
}

func (m *MergeProvider) Declare(_ context.Context, d *Declaration) error {
	if len(d.Upstreams()) < 2 {
		return pipelineerrors.InvariantViolation("merging needs at least two upstream nodes, got %d", len(d.Upstreams()))
	}
	for _, upstream := range d.Upstreams() {
		for key, s := range upstream.All() {
			if d.Spec().Has(key) {
				return pipelineerrors.SpecConflict("%s is provided by more than one upstream node", key)
			}
			if err := d.Provides(key, s); err != nil {
				return err
			}
		}
	}
	return nil
}

// Provide splits req by upstream and merges the results. Upstreams are asked
// in connection order.
func (m *MergeProvider) Provide(ctx context.Context, req *request.BatchRequest, upstreams []Upstream) (*batch.Batch, error) {
	merged := batch.New()
	for _, upstream := range upstreams {
		sub := req.Restrict(upstream.Spec().Keys()...)
		if sub.Len() == 0 {
			continue
		}
		b, err := upstream.RequestBatch(ctx, sub)
		if err != nil {
			return nil, err
		}
		merged, err = merged.Merge(b, false)
		if err != nil {
			return nil, err
		}
	}
	return merged, nil
}
