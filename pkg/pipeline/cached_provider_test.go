package pipeline

import (
	"context"
	"testing"

	"github.com/karlseguin/ccache/v3"
	"github.com/stretchr/testify/require"

	"github.com/voxpipe/voxpipe/pkg/batch"
	pipelineerrors "github.com/voxpipe/voxpipe/pkg/errors"
	"github.com/voxpipe/voxpipe/pkg/spec"
)

func TestCachedProviderServesRepeatedRequests(t *testing.T) {
	raw := spec.NewArrayKey("RAW")
	source := newFakeSource(box(0, 0, 20, 20), ramp, raw)

	b := NewBuilder()
	require.NoError(t, b.AddSource("source", source))
	require.NoError(t, b.AddRelay("cache", NewCachedProvider(WithMaxCacheSize(10))))
	require.NoError(t, b.Connect("source", "cache"))
	p := buildPipeline(t, b, "cache")

	request := func(seed int64, roi spec.Option) *batch.Batch {
		out, err := p.RequestBatch(context.Background(),
			requestOf(t, seed, map[spec.Key]spec.Spec{raw: spec.MustArraySpec(roi)}))
		require.NoError(t, err)
		return out
	}

	first := request(1, spec.WithROI(box(2, 2, 3, 3)))
	second := request(2, spec.WithROI(box(2, 2, 3, 3)))
	require.Len(t, source.Requests(), 1)
	require.Equal(t, arrayValue(t, first, raw, 2, 2), arrayValue(t, second, raw, 2, 2))

	// callers own what they receive
	second.Delete(raw)
	third := request(3, spec.WithROI(box(2, 2, 3, 3)))
	require.True(t, third.Has(raw))

	request(1, spec.WithROI(box(4, 4, 3, 3)))
	require.Len(t, source.Requests(), 2)
}

func TestCachedProviderNeedsOneUpstream(t *testing.T) {
	raw := spec.NewArrayKey("RAW")
	gt := spec.NewArrayKey("GT")

	b := NewBuilder()
	require.NoError(t, b.AddSource("raw", newFakeSource(box(0, 0, 4, 4), ramp, raw)))
	require.NoError(t, b.AddSource("gt", newFakeSource(box(0, 0, 4, 4), ramp, gt)))
	cache := NewCachedProvider()
	t.Cleanup(func() { require.NoError(t, cache.Close()) })
	require.NoError(t, b.AddRelay("cache", cache))
	require.NoError(t, b.Connect("raw", "cache"))
	require.NoError(t, b.Connect("gt", "cache"))

	_, err := b.Build(context.Background(), "cache")
	require.ErrorIs(t, err, pipelineerrors.ErrInvariantViolation)
}

func TestCachedProviderLeavesExistingCacheRunning(t *testing.T) {
	shared := ccache.New(ccache.Configure[*batch.Batch]())
	defer shared.Stop()

	c := NewCachedProvider(WithExistingCache(shared))
	require.NoError(t, c.Close())

	shared.Set("key", batch.New(), defaultCacheTTL)
	require.NotNil(t, shared.Get("key"))
}
