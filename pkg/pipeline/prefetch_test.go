package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/voxpipe/voxpipe/pkg/batch"
	"github.com/voxpipe/voxpipe/pkg/request"
	"github.com/voxpipe/voxpipe/pkg/spec"
)

var seedKey = spec.NewArrayKey("SEED")

// seedRequester answers every request with a batch holding the request's
// seed.
type seedRequester struct {
	failOn map[uint32]error

	mu    sync.Mutex
	seeds []uint32
}

func (s *seedRequester) RequestBatch(_ context.Context, req *request.BatchRequest) (*batch.Batch, error) {
	s.mu.Lock()
	s.seeds = append(s.seeds, req.RandomSeed())
	s.mu.Unlock()

	if err, ok := s.failOn[req.RandomSeed()]; ok {
		return nil, err
	}
	b := batch.New()
	b.SetArray(seedKey, batch.MustArray(spec.MustArraySpec(spec.WithNonspatial(true)), []float64{float64(req.RandomSeed())}, 1))
	return b, nil
}

func TestPrefetcherFetchKeepsRequestOrder(t *testing.T) {
	template := request.New(request.WithRandomSeed(99))
	requester := &seedRequester{}

	for _, workers := range []int{1, 4} {
		batches, err := NewPrefetcher(requester, WithWorkers(workers)).Fetch(context.Background(), template, 8)
		require.NoError(t, err)
		require.Len(t, batches, 8)

		for i, b := range batches {
			expected := template.WithSeed(template.DeriveSeed(uint64(i))).RandomSeed()
			require.Equal(t, float64(expected), arrayValue(t, b, seedKey, 0))
		}
	}
	require.Len(t, requester.seeds, 16)
}

func TestPrefetcherFetchReturnsFirstError(t *testing.T) {
	template := request.New(request.WithRandomSeed(5))
	boom := errors.New("boom")
	requester := &seedRequester{failOn: map[uint32]error{
		template.WithSeed(template.DeriveSeed(2)).RandomSeed(): boom,
	}}

	_, err := NewPrefetcher(requester, WithWorkers(2)).Fetch(context.Background(), template, 6)
	require.ErrorIs(t, err, boom)
}

func TestPrefetcherStream(t *testing.T) {
	template := request.New(request.WithRandomSeed(11))

	t.Run("delivers_every_index", func(t *testing.T) {
		var indices []int
		for result := range NewPrefetcher(&seedRequester{}, WithWorkers(3)).Stream(context.Background(), template, 10) {
			require.NoError(t, result.Err)
			expected := template.WithSeed(template.DeriveSeed(uint64(result.Index))).RandomSeed()
			require.Equal(t, float64(expected), arrayValue(t, result.Batch, seedKey, 0))
			indices = append(indices, result.Index)
		}
		require.ElementsMatch(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, indices)
	})

	t.Run("reports_failures", func(t *testing.T) {
		boom := errors.New("boom")
		requester := &seedRequester{failOn: map[uint32]error{
			template.WithSeed(template.DeriveSeed(0)).RandomSeed(): boom,
		}}

		var errs []error
		for result := range NewPrefetcher(requester, WithWorkers(1)).Stream(context.Background(), template, 5) {
			if result.Err != nil {
				errs = append(errs, result.Err)
			}
		}
		require.Len(t, errs, 1)
		require.ErrorIs(t, errs[0], boom)
	})
}
