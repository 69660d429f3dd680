//go:generate mockgen -source interface.go -destination ./mock_interface.go -package pipeline Source,Filter,Relay,Upstream

package pipeline

import (
	"context"

	"github.com/voxpipe/voxpipe/pkg/batch"
	"github.com/voxpipe/voxpipe/pkg/request"
	"github.com/voxpipe/voxpipe/pkg/spec"
)

// Source produces batches without upstream nodes.
type Source interface {
	// Declare announces the keys the source provides.
	Declare(ctx context.Context, d *Declaration) error
	// Provide returns the requested data. req is a private copy.
	Provide(ctx context.Context, req *request.BatchRequest) (*batch.Batch, error)
}

// Filter transforms the batches of exactly one upstream node.
type Filter interface {
	// Declare announces which upstream keys the filter updates and which
	// keys it adds. Keys that are not declared pass through untouched.
	Declare(ctx context.Context, d *Declaration) error
	// Prepare returns what the filter needs from upstream to serve req, or
	// nil if req can be forwarded as is.
	Prepare(ctx context.Context, req *request.BatchRequest) (*request.BatchRequest, error)
	// Process receives the upstream batch cropped to what Prepare asked for
	// and returns the data it produced or modified, or nil to keep b.
	Process(ctx context.Context, b *batch.Batch, req *request.BatchRequest) (*batch.Batch, error)
}

// Relay drives one or more upstream nodes itself, e.g. to merge their
// outputs or to pick one of them.
type Relay interface {
	Declare(ctx context.Context, d *Declaration) error
	Provide(ctx context.Context, req *request.BatchRequest, upstreams []Upstream) (*batch.Batch, error)
}

// Upstream is the view a relay has of one of its upstream nodes.
type Upstream interface {
	Name() string
	// Spec returns what the upstream node advertises.
	Spec() *spec.ProviderSpec
	RequestBatch(ctx context.Context, req *request.BatchRequest) (*batch.Batch, error)
}
