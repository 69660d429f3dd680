package sources

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/voxpipe/voxpipe/pkg/batch"
	pipelineerrors "github.com/voxpipe/voxpipe/pkg/errors"
	"github.com/voxpipe/voxpipe/pkg/geometry"
	"github.com/voxpipe/voxpipe/pkg/pipeline"
	"github.com/voxpipe/voxpipe/pkg/request"
	"github.com/voxpipe/voxpipe/pkg/spec"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func box(b0, b1, s0, s1 int64) geometry.Roi {
	return geometry.NewRoi(geometry.NewCoordinate(b0, b1), geometry.NewCoordinate(s0, s1))
}

func serve(t *testing.T, source pipeline.Source) *pipeline.Pipeline {
	t.Helper()
	b := pipeline.NewBuilder()
	require.NoError(t, b.AddSource("source", source))
	p, err := b.Build(context.Background(), "source")
	require.NoError(t, err)
	return p
}

func TestArraySource(t *testing.T) {
	raw := spec.NewArrayKey("RAW")
	data := make([]float64, 16)
	for i := range data {
		data[i] = float64(i)
	}
	s := spec.MustArraySpec(spec.WithROI(box(10, 10, 8, 8)), spec.WithVoxelSize(geometry.NewCoordinate(2, 2)))
	source, err := NewArraySource(raw, batch.MustArray(s, data, 4, 4))
	require.NoError(t, err)

	p := serve(t, source)
	advertised, ok := p.Spec().Array(raw)
	require.True(t, ok)
	require.True(t, advertised.Equal(s))

	req := request.New()
	require.NoError(t, req.Set(raw, spec.MustArraySpec(spec.WithROI(box(12, 14, 4, 2)))))
	out, err := p.RequestBatch(context.Background(), req)
	require.NoError(t, err)

	a, ok := out.Array(raw)
	require.True(t, ok)
	require.Equal(t, []int{2, 1}, a.Shape())
	require.Equal(t, []float64{6, 10}, a.Data())

	_, err = NewArraySource(spec.ArrayKey{}, batch.MustArray(s, data, 4, 4))
	require.ErrorIs(t, err, pipelineerrors.ErrUnsupportedKeyKind)
	_, err = NewArraySource(raw, nil)
	require.ErrorIs(t, err, pipelineerrors.ErrInvariantViolation)
}

func TestPointsSourceBoundingBox(t *testing.T) {
	points := spec.NewGraphKey("POINTS")

	tests := []struct {
		_name    string
		nodes    []*batch.Node
		opts     []PointsSourceOpt
		expected geometry.Roi
	}{
		{
			_name: "floor_and_ceil",
			nodes: []*batch.Node{
				batch.NewNode(1, []float64{1.5, -2.5}, nil),
				batch.NewNode(2, []float64{4, 3.2}, nil),
			},
			expected: box(1, -3, 4, 8),
		},
		{
			_name: "scaled",
			nodes: []*batch.Node{
				batch.NewNode(1, []float64{1, 1}, nil),
				batch.NewNode(2, []float64{2, 3}, nil),
			},
			opts:     []PointsSourceOpt{WithScale(10, 2)},
			expected: box(10, 2, 11, 5),
		},
		{
			_name:    "given_spec",
			nodes:    []*batch.Node{batch.NewNode(1, []float64{1, 1}, nil)},
			opts:     []PointsSourceOpt{WithPointsSpec(spec.MustGraphSpec(spec.WithROI(box(0, 0, 100, 100))))},
			expected: box(0, 0, 100, 100),
		},
	}

	for _, test := range tests {
		t.Run(test._name, func(t *testing.T) {
			source, err := NewPointsSource(points, test.nodes, test.opts...)
			require.NoError(t, err)

			advertised, ok := serve(t, source).Spec().Graph(points)
			require.True(t, ok)
			roi, ok := advertised.ROI()
			require.True(t, ok)
			require.True(t, test.expected.Equal(roi), "expected %s, got %s", test.expected, roi)
		})
	}

	t.Run("no_points", func(t *testing.T) {
		source, err := NewPointsSource(points, nil)
		require.NoError(t, err)
		advertised, _ := serve(t, source).Spec().Graph(points)
		_, ok := advertised.ROI()
		require.False(t, ok)
	})

	t.Run("mixed_dims", func(t *testing.T) {
		_, err := NewPointsSource(points, []*batch.Node{
			batch.NewNode(1, []float64{1, 1}, nil),
			batch.NewNode(2, []float64{1, 1, 1}, nil),
		})
		require.ErrorIs(t, err, pipelineerrors.ErrDimensionMismatch)
	})
}

func TestPointsSourceServesLabelsAndEdges(t *testing.T) {
	points := spec.NewGraphKey("POINTS")
	labels := spec.NewArrayKey("LABELS")

	source, err := NewPointsSource(points, []*batch.Node{
		batch.NewNode(3, []float64{5, 5}, nil),
		batch.NewNode(1, []float64{1, 1}, nil),
		batch.NewNode(2, []float64{2, 2}, nil),
	},
		WithEdges(batch.Edge{U: 1, V: 2}, batch.Edge{U: 2, V: 3}),
		WithLabels(labels, map[int64]float64{1: 10, 2: 20, 3: 30}),
	)
	require.NoError(t, err)
	p := serve(t, source)

	advertised, ok := p.Spec().Array(labels)
	require.True(t, ok)
	require.True(t, advertised.IsNonspatial())

	req := request.New()
	require.NoError(t, req.Set(points, spec.MustGraphSpec(spec.WithROI(box(1, 1, 3, 3)))))
	require.NoError(t, req.Set(labels, spec.MustArraySpec(spec.WithNonspatial(true))))
	out, err := p.RequestBatch(context.Background(), req)
	require.NoError(t, err)

	g, ok := out.Graph(points)
	require.True(t, ok)
	require.Equal(t, 2, g.NumNodes())
	require.Equal(t, []batch.Edge{{U: 1, V: 2}}, g.Edges())

	a, ok := out.Array(labels)
	require.True(t, ok)
	require.Equal(t, []float64{10, 20}, a.Data())

	_, err = NewPointsSource(points, []*batch.Node{batch.NewNode(1, []float64{1, 1}, nil)},
		WithLabels(labels, map[int64]float64{2: 1}))
	require.ErrorIs(t, err, pipelineerrors.ErrInvariantViolation)
}
