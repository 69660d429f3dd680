package pipeline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/voxpipe/voxpipe/pkg/batch"
	pipelineerrors "github.com/voxpipe/voxpipe/pkg/errors"
	"github.com/voxpipe/voxpipe/pkg/geometry"
	"github.com/voxpipe/voxpipe/pkg/logger"
	"github.com/voxpipe/voxpipe/pkg/request"
	"github.com/voxpipe/voxpipe/pkg/spec"
)

func TestFilterGrowsRequestAndCropsResult(t *testing.T) {
	raw := spec.NewArrayKey("RAW")
	source := newFakeSource(box(0, 0, 100, 100), ramp, raw)

	b := NewBuilder()
	require.NoError(t, b.AddSource("source", source))
	require.NoError(t, b.AddFilter("increment", &incrementFilter{key: raw, context: 5}))
	require.NoError(t, b.Chain("source", "increment"))
	p := buildPipeline(t, b, "increment")

	req := requestOf(t, 1, map[spec.Key]spec.Spec{raw: spec.MustArraySpec(spec.WithROI(box(10, 20, 4, 3)))})
	out, err := p.RequestBatch(context.Background(), req)
	require.NoError(t, err)

	a, ok := out.Array(raw)
	require.True(t, ok)
	roi, _ := a.Spec().ROI()
	require.True(t, box(10, 20, 4, 3).Equal(roi))
	require.Equal(t, []int{4, 3}, a.Shape())
	require.Equal(t, ramp(10, 20)+1, a.At(0, 0))
	require.Equal(t, ramp(13, 22)+1, a.At(3, 2))

	// the source was asked for the grown roi
	requests := source.Requests()
	require.Len(t, requests, 1)
	upstream, _ := requests[0].Array(raw)
	upstreamROI, _ := upstream.ROI()
	require.True(t, box(5, 15, 14, 13).Equal(upstreamROI))
	require.Equal(t, uint32(1), requests[0].RandomSeed())

	// the caller's request is untouched
	requested, _ := req.Array(raw)
	requestedROI, _ := requested.ROI()
	require.True(t, box(10, 20, 4, 3).Equal(requestedROI))
}

func TestAutoskipBypassesFilter(t *testing.T) {
	ctrl := gomock.NewController(t)

	raw := spec.NewArrayKey("RAW")
	stats := spec.NewArrayKey("STATS")
	statsSpec := spec.MustArraySpec(spec.WithNonspatial(true), spec.WithDType(spec.Float64))

	filter := NewMockFilter(ctrl)
	filter.EXPECT().Declare(gomock.Any(), gomock.Any()).DoAndReturn(func(_ context.Context, d *Declaration) error {
		d.EnableAutoskip()
		return d.Provides(stats, statsSpec)
	})

	b := NewBuilder()
	require.NoError(t, b.AddSource("source", newFakeSource(box(0, 0, 10, 10), ramp, raw)))
	require.NoError(t, b.AddFilter("stats", filter))
	require.NoError(t, b.Connect("source", "stats"))
	p := buildPipeline(t, b, "stats")

	// Prepare and Process are not expected for this request
	out, err := p.RequestBatch(context.Background(),
		requestOf(t, 1, map[spec.Key]spec.Spec{raw: spec.MustArraySpec(spec.WithROI(box(0, 0, 2, 2)))}))
	require.NoError(t, err)
	require.Equal(t, []spec.Key{raw}, out.Keys())

	filter.EXPECT().Prepare(gomock.Any(), gomock.Any()).Return(nil, nil)
	filter.EXPECT().Process(gomock.Any(), gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, in *batch.Batch, req *request.BatchRequest) (*batch.Batch, error) {
			// the provided key is not asked from upstream
			require.False(t, in.Has(stats))
			require.True(t, req.Has(stats))
			out := batch.New()
			out.SetArray(stats, batch.MustArray(statsSpec, []float64{42}, 1))
			return out, nil
		})

	out, err = p.RequestBatch(context.Background(), requestOf(t, 1, map[spec.Key]spec.Spec{
		raw:   spec.MustArraySpec(spec.WithROI(box(0, 0, 2, 2))),
		stats: spec.MustArraySpec(spec.WithNonspatial(true)),
	}))
	require.NoError(t, err)
	require.Equal(t, 42.0, arrayValue(t, out, stats, 0))
	require.Equal(t, ramp(1, 1), arrayValue(t, out, raw, 1, 1))
}

func TestRequestConsistency(t *testing.T) {
	raw := spec.NewArrayKey("RAW")
	source := newFakeSource(box(0, 0, 20, 20), ramp, raw)
	source.voxelSize = geometry.NewCoordinate(2, 2)

	b := NewBuilder()
	require.NoError(t, b.AddSource("source", source))
	p := buildPipeline(t, b, "source")

	tests := []struct {
		_name       string
		key         spec.Key
		spec        spec.Spec
		expectedErr error
	}{
		{
			_name:       "undeclared_key",
			key:         spec.NewArrayKey("OTHER"),
			spec:        spec.MustArraySpec(spec.WithROI(box(0, 0, 2, 2))),
			expectedErr: pipelineerrors.ErrSpecConflict,
		},
		{
			_name:       "outside_provided_roi",
			key:         raw,
			spec:        spec.MustArraySpec(spec.WithROI(box(18, 18, 4, 4))),
			expectedErr: pipelineerrors.ErrSpecConflict,
		},
		{
			_name:       "not_voxel_aligned",
			key:         raw,
			spec:        spec.MustArraySpec(spec.WithROI(box(1, 0, 4, 4))),
			expectedErr: pipelineerrors.ErrInvariantViolation,
		},
		{
			_name:       "wrong_dims",
			key:         raw,
			spec:        spec.MustArraySpec(spec.WithROI(geometry.NewRoi(geometry.NewCoordinate(0), geometry.NewCoordinate(2)))),
			expectedErr: pipelineerrors.ErrDimensionMismatch,
		},
	}

	for _, test := range tests {
		t.Run(test._name, func(t *testing.T) {
			_, err := p.RequestBatch(context.Background(), requestOf(t, 1, map[spec.Key]spec.Spec{test.key: test.spec}))
			require.ErrorIs(t, err, test.expectedErr)
		})
	}

	out, err := p.RequestBatch(context.Background(),
		requestOf(t, 1, map[spec.Key]spec.Spec{raw: spec.MustArraySpec(spec.WithROI(box(2, 4, 4, 6)))}))
	require.NoError(t, err)
	a, _ := out.Array(raw)
	require.Equal(t, []int{2, 3}, a.Shape())
	// rejected requests never reach the source
	require.Len(t, source.Requests(), 1)
}

func TestUnrequestedKeysAreRemoved(t *testing.T) {
	raw := spec.NewArrayKey("RAW")
	gt := spec.NewArrayKey("GT")

	ctrl := gomock.NewController(t)
	source := NewMockSource(ctrl)
	source.EXPECT().Declare(gomock.Any(), gomock.Any()).DoAndReturn(func(_ context.Context, d *Declaration) error {
		if err := d.Provides(raw, spec.MustArraySpec(spec.WithNonspatial(true))); err != nil {
			return err
		}
		return d.Provides(gt, spec.MustArraySpec(spec.WithNonspatial(true)))
	})
	source.EXPECT().Provide(gomock.Any(), gomock.Any()).DoAndReturn(func(context.Context, *request.BatchRequest) (*batch.Batch, error) {
		b := batch.New()
		b.SetArray(raw, batch.MustArray(spec.MustArraySpec(spec.WithNonspatial(true)), []float64{1}, 1))
		b.SetArray(gt, batch.MustArray(spec.MustArraySpec(spec.WithNonspatial(true)), []float64{2}, 1))
		return b, nil
	})

	b := NewBuilder()
	require.NoError(t, b.AddSource("source", source))
	p := buildPipeline(t, b, "source")

	out, err := p.RequestBatch(context.Background(),
		requestOf(t, 1, map[spec.Key]spec.Spec{gt: spec.MustArraySpec(spec.WithNonspatial(true))}))
	require.NoError(t, err)
	require.Equal(t, []spec.Key{gt}, out.Keys())
}

func TestMissingDeliveryIsAnInvariantViolation(t *testing.T) {
	raw := spec.NewArrayKey("RAW")

	ctrl := gomock.NewController(t)
	source := NewMockSource(ctrl)
	source.EXPECT().Declare(gomock.Any(), gomock.Any()).DoAndReturn(func(_ context.Context, d *Declaration) error {
		return d.Provides(raw, spec.MustArraySpec(spec.WithNonspatial(true)))
	})
	source.EXPECT().Provide(gomock.Any(), gomock.Any()).Return(batch.New(), nil)

	b := NewBuilder()
	require.NoError(t, b.AddSource("source", source))
	p := buildPipeline(t, b, "source")

	_, err := p.RequestBatch(context.Background(),
		requestOf(t, 1, map[spec.Key]spec.Spec{raw: spec.MustArraySpec(spec.WithNonspatial(true))}))
	require.ErrorIs(t, err, pipelineerrors.ErrInvariantViolation)
}

func TestPlaceholdersAreNotDelivered(t *testing.T) {
	raw := spec.NewArrayKey("RAW")
	source := newFakeSource(box(0, 0, 10, 10), ramp, raw)

	b := NewBuilder()
	require.NoError(t, b.AddSource("source", source))
	require.NoError(t, b.AddFilter("increment", &incrementFilter{key: raw, context: 1}))
	require.NoError(t, b.Chain("source", "increment"))
	p := buildPipeline(t, b, "increment")

	req := requestOf(t, 1, map[spec.Key]spec.Spec{
		raw: spec.MustArraySpec(spec.WithROI(box(2, 2, 2, 2)), spec.WithPlaceholder(true)),
	})
	out, err := p.RequestBatch(context.Background(), req)
	require.NoError(t, err)
	require.False(t, out.Has(raw))
}

func TestDeclarationConflicts(t *testing.T) {
	raw := spec.NewArrayKey("RAW")
	missing := spec.NewArrayKey("MISSING")

	tests := []struct {
		_name   string
		declare func(d *Declaration) error
	}{
		{
			_name: "provides_existing_key",
			declare: func(d *Declaration) error {
				return d.Provides(raw, spec.MustArraySpec())
			},
		},
		{
			_name: "updates_missing_key",
			declare: func(d *Declaration) error {
				return d.Updates(missing, spec.MustArraySpec())
			},
		},
		{
			_name: "updates_twice",
			declare: func(d *Declaration) error {
				if err := d.Updates(raw, spec.MustArraySpec()); err != nil {
					return err
				}
				return d.Updates(raw, spec.MustArraySpec())
			},
		},
	}

	for _, test := range tests {
		t.Run(test._name, func(t *testing.T) {
			ctrl := gomock.NewController(t)
			filter := NewMockFilter(ctrl)
			filter.EXPECT().Declare(gomock.Any(), gomock.Any()).DoAndReturn(func(_ context.Context, d *Declaration) error {
				return test.declare(d)
			})

			b := NewBuilder()
			require.NoError(t, b.AddSource("source", newFakeSource(box(0, 0, 4, 4), ramp, raw)))
			require.NoError(t, b.AddFilter("filter", filter))
			require.NoError(t, b.Connect("source", "filter"))

			_, err := b.Build(context.Background(), "filter")
			require.ErrorIs(t, err, pipelineerrors.ErrSpecConflict)
		})
	}
}

func TestBuilderRejectsInvalidTopologies(t *testing.T) {
	raw := spec.NewArrayKey("RAW")

	newBuilder := func(t *testing.T) *Builder {
		b := NewBuilder()
		require.NoError(t, b.AddSource("source", newFakeSource(box(0, 0, 4, 4), ramp, raw)))
		require.NoError(t, b.AddFilter("a", &incrementFilter{key: raw}))
		require.NoError(t, b.AddFilter("b", &incrementFilter{key: raw}))
		require.NoError(t, b.AddRelay("merge", NewMergeProvider()))
		return b
	}

	t.Run("duplicate_name", func(t *testing.T) {
		b := newBuilder(t)
		require.ErrorIs(t, b.AddFilter("a", &incrementFilter{key: raw}), pipelineerrors.ErrInvariantViolation)
	})

	t.Run("source_with_upstream", func(t *testing.T) {
		b := newBuilder(t)
		require.ErrorIs(t, b.Connect("a", "source"), pipelineerrors.ErrInvariantViolation)
	})

	t.Run("filter_with_two_upstreams", func(t *testing.T) {
		b := newBuilder(t)
		require.NoError(t, b.Connect("source", "a"))
		require.ErrorIs(t, b.Connect("b", "a"), pipelineerrors.ErrInvariantViolation)
	})

	t.Run("cycle", func(t *testing.T) {
		b := newBuilder(t)
		require.NoError(t, b.Connect("a", "b"))
		require.NoError(t, b.Connect("b", "merge"))
		require.NoError(t, b.Connect("merge", "a"))
		_, err := b.Build(context.Background(), "merge")
		require.ErrorIs(t, err, pipelineerrors.ErrInvariantViolation)
	})

	t.Run("relay_without_upstream", func(t *testing.T) {
		b := newBuilder(t)
		_, err := b.Build(context.Background(), "merge")
		require.ErrorIs(t, err, pipelineerrors.ErrInvariantViolation)
	})

	t.Run("filter_without_upstream", func(t *testing.T) {
		b := newBuilder(t)
		_, err := b.Build(context.Background(), "a")
		require.ErrorIs(t, err, pipelineerrors.ErrInvariantViolation)
	})

	t.Run("unknown_nodes", func(t *testing.T) {
		b := newBuilder(t)
		require.ErrorIs(t, b.Connect("nope", "a"), pipelineerrors.ErrInvariantViolation)
		_, err := b.Build(context.Background(), "nope")
		require.ErrorIs(t, err, pipelineerrors.ErrInvariantViolation)
	})
}

func TestNodesDescribeThePlan(t *testing.T) {
	raw := spec.NewArrayKey("RAW")
	log, logs := logger.NewObserverLogger("debug")

	b := NewBuilder(WithLogger(log))
	require.NoError(t, b.AddSource("source", newFakeSource(box(0, 0, 50, 50), ramp, raw)))
	require.NoError(t, b.AddFilter("increment", &incrementFilter{key: raw, context: 2}))
	require.NoError(t, b.Chain("source", "increment"))
	p := buildPipeline(t, b, "increment")

	nodes := p.Nodes()
	require.Len(t, nodes, 2)
	require.Equal(t, "source", nodes[0].Name)
	require.Equal(t, "source", nodes[0].Role)
	require.Equal(t, []spec.Key{raw}, nodes[0].Provides)
	require.Equal(t, "increment", nodes[1].Name)
	require.Equal(t, []string{"source"}, nodes[1].Upstreams)
	require.Equal(t, []spec.Key{raw}, nodes[1].Updates)
	require.True(t, p.Spec().Has(raw))

	require.Equal(t, 2, logs.FilterMessage("declared").Len())

	deps, err := p.Prepare(context.Background(), "increment",
		requestOf(t, 1, map[spec.Key]spec.Spec{raw: spec.MustArraySpec(spec.WithROI(box(10, 10, 4, 4)))}))
	require.NoError(t, err)
	s, _ := deps.Array(raw)
	roi, _ := s.ROI()
	require.True(t, box(8, 8, 8, 8).Equal(roi))

	deps, err = p.Prepare(context.Background(), "source", request.New())
	require.NoError(t, err)
	require.Nil(t, deps)
}
