package batch

import (
	"testing"

	"github.com/stretchr/testify/require"

	pipelineerrors "github.com/voxpipe/voxpipe/pkg/errors"
	"github.com/voxpipe/voxpipe/pkg/geometry"
	"github.com/voxpipe/voxpipe/pkg/spec"
)

func chain(t *testing.T, directed bool) *Graph {
	t.Helper()
	nodes := []*Node{
		NewNode(1, []float64{0.5, 0.5}, map[string]any{"label": 1}),
		NewNode(2, []float64{5, 5}, nil),
		NewNode(3, []float64{9.5, 9.5}, nil),
		NewNode(4, []float64{15, 15}, nil),
	}
	edges := []Edge{{U: 1, V: 2}, {U: 2, V: 3}, {U: 3, V: 4}}
	g, err := NewGraph(spec.MustGraphSpec(spec.WithROI(box(0, 0, 20, 20)), spec.WithDirected(directed)), nodes, edges)
	require.NoError(t, err)
	return g
}

func TestNewGraph(t *testing.T) {
	g := chain(t, false)
	require.False(t, g.Directed())
	require.Equal(t, 4, g.NumNodes())
	require.Equal(t, []Edge{{U: 1, V: 2}, {U: 2, V: 3}, {U: 3, V: 4}}, g.Edges())

	n, ok := g.Node(1)
	require.True(t, ok)
	label, ok := n.Attr("label")
	require.True(t, ok)
	require.Equal(t, 1, label)

	require.True(t, chain(t, true).Directed())
}

func TestNewGraphErrors(t *testing.T) {
	s := spec.MustGraphSpec(spec.WithROI(box(0, 0, 10, 10)))

	tests := []struct {
		_name       string
		nodes       []*Node
		edges       []Edge
		expectedErr error
	}{
		{
			_name:       "duplicate_node",
			nodes:       []*Node{NewNode(1, []float64{0, 0}, nil), NewNode(1, []float64{1, 1}, nil)},
			expectedErr: pipelineerrors.ErrInvariantViolation,
		},
		{
			_name:       "unknown_endpoint",
			nodes:       []*Node{NewNode(1, []float64{0, 0}, nil)},
			edges:       []Edge{{U: 1, V: 2}},
			expectedErr: pipelineerrors.ErrInvariantViolation,
		},
		{
			_name:       "self_loop",
			nodes:       []*Node{NewNode(1, []float64{0, 0}, nil)},
			edges:       []Edge{{U: 1, V: 1}},
			expectedErr: pipelineerrors.ErrInvariantViolation,
		},
		{
			_name:       "location_dims",
			nodes:       []*Node{NewNode(1, []float64{0, 0, 0}, nil)},
			expectedErr: pipelineerrors.ErrDimensionMismatch,
		},
	}

	for _, test := range tests {
		t.Run(test._name, func(t *testing.T) {
			_, err := NewGraph(s, test.nodes, test.edges)
			require.ErrorIs(t, err, test.expectedErr)
		})
	}
}

func TestGraphCropDropsOutsideNodesAndEdges(t *testing.T) {
	g := chain(t, true)

	cropped, err := g.Crop(box(0, 0, 10, 10))
	require.NoError(t, err)
	require.Equal(t, 3, cropped.NumNodes())
	require.Equal(t, []Edge{{U: 1, V: 2}, {U: 2, V: 3}}, cropped.Edges())
	roi, _ := cropped.Spec().ROI()
	require.True(t, box(0, 0, 10, 10).Equal(roi))

	// the source graph is untouched
	require.Equal(t, 4, g.NumNodes())

	_, err = g.Crop(geometry.NewRoi(geometry.NewCoordinate(0, 0, 0), geometry.NewCoordinate(1, 1, 1)))
	require.ErrorIs(t, err, pipelineerrors.ErrDimensionMismatch)
}

func TestGraphMerge(t *testing.T) {
	a := MustGraph(spec.MustGraphSpec(spec.WithROI(box(0, 0, 10, 10))),
		[]*Node{NewNode(1, []float64{1, 1}, nil), NewNode(2, []float64{2, 2}, nil)},
		[]Edge{{U: 1, V: 2}})
	b := MustGraph(spec.MustGraphSpec(spec.WithROI(box(10, 0, 10, 10))),
		[]*Node{NewNode(2, []float64{2, 2}, map[string]any{"seen": true}), NewNode(3, []float64{12, 2}, nil)},
		[]Edge{{U: 2, V: 3}})

	merged, err := a.Merge(b)
	require.NoError(t, err)
	require.Equal(t, 3, merged.NumNodes())
	require.Equal(t, []Edge{{U: 1, V: 2}, {U: 2, V: 3}}, merged.Edges())

	n, _ := merged.Node(2)
	_, ok := n.Attr("seen")
	require.True(t, ok)

	roi, _ := merged.Spec().ROI()
	require.True(t, box(0, 0, 20, 10).Equal(roi))
}
