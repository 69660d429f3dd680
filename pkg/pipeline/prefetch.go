package pipeline

import (
	"context"
	"runtime"

	"go.uber.org/zap"

	"github.com/voxpipe/voxpipe/internal/concurrency"
	"github.com/voxpipe/voxpipe/pkg/batch"
	"github.com/voxpipe/voxpipe/pkg/logger"
	"github.com/voxpipe/voxpipe/pkg/request"
)

// BatchRequester is anything batches can be pulled from, usually a
// *Pipeline.
type BatchRequester interface {
	RequestBatch(ctx context.Context, req *request.BatchRequest) (*batch.Batch, error)
}

// Prefetcher pulls several batches from the same requester concurrently.
// The i-th request is a copy of a template request with the seed
// template.DeriveSeed(i), so a run is reproducible from the template seed
// regardless of the number of workers.
type Prefetcher struct {
	requester BatchRequester
	workers   int
	logger    logger.Logger
}

// PrefetcherOpt defines an option that can be used to change the behavior of
// a Prefetcher instance.
type PrefetcherOpt func(*Prefetcher)

// WithWorkers sets the number of batches requested at the same time.
func WithWorkers(n int) PrefetcherOpt {
	return func(p *Prefetcher) {
		p.workers = n
	}
}

func WithPrefetcherLogger(l logger.Logger) PrefetcherOpt {
	return func(p *Prefetcher) {
		p.logger = l
	}
}

func NewPrefetcher(requester BatchRequester, opts ...PrefetcherOpt) *Prefetcher {
	p := &Prefetcher{
		requester: requester,
		workers:   runtime.NumCPU(),
		logger:    logger.NewNoopLogger(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Fetch requests n batches and returns them in request order. The first
// failure cancels the outstanding requests.
func (p *Prefetcher) Fetch(ctx context.Context, template *request.BatchRequest, n int) ([]*batch.Batch, error) {
	return concurrency.Map(ctx, n, p.workers, func(ctx context.Context, i int) (*batch.Batch, error) {
		req := template.WithSeed(template.DeriveSeed(uint64(i)))
		b, err := p.requester.RequestBatch(ctx, req)
		if err != nil {
			p.logger.ErrorWithContext(ctx, "prefetch failed", zap.Int("index", i), zap.Error(err))
			return nil, err
		}
		return b, nil
	})
}

// Result is one batch delivered by Stream.
type Result struct {
	Index int
	Batch *batch.Batch
	Err   error
}

// Stream requests n batches and sends them on the returned channel as they
// complete, so the order is not the request order. The channel is closed
// once all requests finished or ctx is canceled. A failed request is
// reported as a Result with Err set and stops the stream.
func (p *Prefetcher) Stream(ctx context.Context, template *request.BatchRequest, n int) <-chan Result {
	out := make(chan Result, max(1, p.workers))
	pool := concurrency.NewPool(ctx, max(1, p.workers))

	go func() {
		for i := 0; i < n; i++ {
			pool.Go(func(ctx context.Context) error {
				req := template.WithSeed(template.DeriveSeed(uint64(i)))
				b, err := p.requester.RequestBatch(ctx, req)
				if !concurrency.TrySendThroughChannel(ctx, Result{Index: i, Batch: b, Err: err}, out) {
					return ctx.Err()
				}
				return err
			})
		}
		// NOTE: the consumer of this channel will block waiting for it to close
		_ = pool.Wait()
		close(out)
	}()
	return out
}
