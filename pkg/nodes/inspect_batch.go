package nodes

import (
	"context"

	"go.uber.org/zap"

	"github.com/voxpipe/voxpipe/pkg/batch"
	"github.com/voxpipe/voxpipe/pkg/logger"
	"github.com/voxpipe/voxpipe/pkg/pipeline"
	"github.com/voxpipe/voxpipe/pkg/request"
	"github.com/voxpipe/voxpipe/pkg/spec"
)

// InspectBatch logs the requests and batches passing through it without
// changing them.
type InspectBatch struct {
	prefix string
	logger logger.Logger
	spec   *spec.ProviderSpec
}

var _ pipeline.Filter = (*InspectBatch)(nil)

type InspectBatchOpt func(*InspectBatch)

// WithPrefix sets the prefix added to every log entry. Defaults to "InspectBatch".
func WithPrefix(prefix string) InspectBatchOpt {
	return func(f *InspectBatch) {
		f.prefix = prefix
	}
}

func WithInspectLogger(l logger.Logger) InspectBatchOpt {
	return func(f *InspectBatch) {
		f.logger = l
	}
}

func NewInspectBatch(opts ...InspectBatchOpt) *InspectBatch {
	f := &InspectBatch{prefix: "InspectBatch", logger: logger.NewNoopLogger()}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

func (f *InspectBatch) Declare(_ context.Context, d *pipeline.Declaration) error {
	f.spec = d.Spec()
	return nil
}

func (f *InspectBatch) Prepare(ctx context.Context, req *request.BatchRequest) (*request.BatchRequest, error) {
	for _, key := range req.Keys() {
		requested, _ := req.Get(key)
		fields := []zap.Field{
			zap.String("prefix", f.prefix),
			logger.Key(key),
			zap.String("requested", roiString(requested)),
		}
		if provided, ok := f.spec.Get(key); ok {
			fields = append(fields, zap.String("provided", roiString(provided)))
		}
		f.logger.InfoWithContext(ctx, "request", fields...)
	}
	return nil, nil
}

func (f *InspectBatch) Process(ctx context.Context, b *batch.Batch, _ *request.BatchRequest) (*batch.Batch, error) {
	for _, key := range b.Keys() {
		switch k := key.(type) {
		case spec.ArrayKey:
			a, _ := b.Array(k)
			f.logger.InfoWithContext(ctx, "array",
				zap.String("prefix", f.prefix),
				logger.Key(key),
				zap.Ints("shape", a.Shape()),
				zap.String("roi", roiString(a.Spec())))
		case spec.GraphKey:
			g, _ := b.Graph(k)
			f.logger.InfoWithContext(ctx, "graph",
				zap.String("prefix", f.prefix),
				logger.Key(key),
				zap.String("roi", roiString(g.Spec())),
				zap.Int("nodes", g.NumNodes()),
				zap.Int("edges", len(g.Edges())))
		}
	}
	return nil, nil
}

func roiString(s spec.Spec) string {
	roi, ok := s.ROI()
	if !ok {
		return "None"
	}
	return roi.String()
}
