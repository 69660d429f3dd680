package geometry

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	pipelineerrors "github.com/voxpipe/voxpipe/pkg/errors"
)

func roi(begin, shape Coordinate) Roi {
	return NewRoi(begin, shape)
}

func TestRoiAccessors(t *testing.T) {
	r := roi(NewCoordinate(10, 20), NewCoordinate(5, 7))

	require.Equal(t, NewCoordinate(10, 20), r.Begin())
	require.Equal(t, NewCoordinate(5, 7), r.Shape())
	require.Equal(t, NewCoordinate(15, 27), r.End())
	require.Equal(t, NewCoordinate(12, 23), r.Center())
	require.Equal(t, 2, r.Dims())
	require.False(t, r.Empty())
	require.False(t, r.IsUnbounded())
	require.Equal(t, "[10:15, 20:27] (5, 7)", r.String())

	require.True(t, roi(NewCoordinate(0, 0), NewCoordinate(0, 3)).Empty())
}

func TestNewRoiRejectsNegativeShape(t *testing.T) {
	require.Panics(t, func() {
		NewRoi(NewCoordinate(0), NewCoordinate(-1))
	})
}

func TestUnion(t *testing.T) {
	a := roi(NewCoordinate(0, 0), NewCoordinate(10, 10))
	b := roi(NewCoordinate(5, -5), NewCoordinate(10, 10))

	tests := []struct {
		name     string
		a, b     Roi
		expected Roi
	}{
		{
			name:     "overlapping",
			a:        a,
			b:        b,
			expected: roi(NewCoordinate(0, -5), NewCoordinate(15, 15)),
		},
		{
			name:     "unbounded_wins_left",
			a:        Unbounded(2),
			b:        a,
			expected: Unbounded(2),
		},
		{
			name:     "unbounded_wins_right",
			a:        a,
			b:        Unbounded(2),
			expected: Unbounded(2),
		},
		{
			name:     "empty_is_ignored",
			a:        roi(NewCoordinate(100, 100), NewCoordinate(0, 0)),
			b:        a,
			expected: a,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			got, err := Union(test.a, test.b)
			require.NoError(t, err)
			require.True(t, test.expected.Equal(got), "expected %s, got %s", test.expected, got)
		})
	}
}

func TestIntersect(t *testing.T) {
	a := roi(NewCoordinate(0, 0), NewCoordinate(10, 10))

	got, err := Intersect(a, roi(NewCoordinate(5, -5), NewCoordinate(10, 10)))
	require.NoError(t, err)
	require.True(t, roi(NewCoordinate(5, 0), NewCoordinate(5, 5)).Equal(got))

	got, err = Intersect(a, roi(NewCoordinate(20, 20), NewCoordinate(5, 5)))
	require.NoError(t, err)
	require.True(t, got.Empty())

	got, err = Intersect(Unbounded(2), a)
	require.NoError(t, err)
	require.True(t, a.Equal(got))

	got, err = Intersect(a, Unbounded(2))
	require.NoError(t, err)
	require.True(t, a.Equal(got))
}

func TestUnionAndIntersectRejectDimensionMismatch(t *testing.T) {
	a := roi(NewCoordinate(0, 0), NewCoordinate(1, 1))
	b := roi(NewCoordinate(0, 0, 0), NewCoordinate(1, 1, 1))

	_, err := Union(a, b)
	require.ErrorIs(t, err, pipelineerrors.ErrDimensionMismatch)

	_, err = Intersect(a, b)
	require.ErrorIs(t, err, pipelineerrors.ErrDimensionMismatch)

	_, err = Union(a, Unbounded(3))
	require.ErrorIs(t, err, pipelineerrors.ErrDimensionMismatch)
}

func TestGrowAndShift(t *testing.T) {
	r := roi(NewCoordinate(10, 10), NewCoordinate(20, 20))

	grown := r.Grow(NewCoordinate(2, 3), NewCoordinate(4, 5))
	require.True(t, roi(NewCoordinate(8, 7), NewCoordinate(26, 28)).Equal(grown))

	shrunk := r.Grow(NewCoordinate(-15, 0), NewCoordinate(-15, 0))
	require.Equal(t, NewCoordinate(0, 20), shrunk.Shape())

	shifted := r.Shift(NewCoordinate(-10, 5))
	require.True(t, roi(NewCoordinate(0, 15), NewCoordinate(20, 20)).Equal(shifted))

	require.True(t, Unbounded(2).Grow(NewCoordinate(1, 1), nil).IsUnbounded())
	require.True(t, Unbounded(2).Shift(NewCoordinate(1, 1)).IsUnbounded())
}

func TestContains(t *testing.T) {
	outer := roi(NewCoordinate(0, 0), NewCoordinate(10, 10))

	require.True(t, outer.Contains(roi(NewCoordinate(2, 2), NewCoordinate(8, 8))))
	require.False(t, outer.Contains(roi(NewCoordinate(2, 2), NewCoordinate(9, 8))))
	require.True(t, outer.Contains(roi(NewCoordinate(50, 50), NewCoordinate(0, 0))))
	require.False(t, outer.Contains(Unbounded(2)))
	require.True(t, Unbounded(2).Contains(outer))

	require.True(t, outer.ContainsCoordinate(NewCoordinate(0, 9)))
	require.False(t, outer.ContainsCoordinate(NewCoordinate(0, 10)))
	require.True(t, outer.ContainsPoint([]float64{9.5, 0}))
	require.False(t, outer.ContainsPoint([]float64{-0.1, 0}))
}

func TestSnapToGrid(t *testing.T) {
	r := roi(NewCoordinate(3, -3), NewCoordinate(10, 7))
	voxel := NewCoordinate(4, 4)

	tests := []struct {
		mode     SnapMode
		expected Roi
	}{
		{mode: SnapGrow, expected: roi(NewCoordinate(0, -4), NewCoordinate(16, 8))},
		{mode: SnapShrink, expected: roi(NewCoordinate(4, 0), NewCoordinate(8, 4))},
		{mode: SnapClosest, expected: roi(NewCoordinate(4, -4), NewCoordinate(8, 8))},
	}

	for _, test := range tests {
		t.Run(test.mode.String(), func(t *testing.T) {
			got, err := r.SnapToGrid(voxel, test.mode)
			require.NoError(t, err)
			require.True(t, test.expected.Equal(got), "expected %s, got %s", test.expected, got)
		})
	}
}

func TestSnapToGridErrors(t *testing.T) {
	r := roi(NewCoordinate(0, 0), NewCoordinate(3, 3))

	_, err := r.SnapToGrid(nil, SnapGrow)
	require.ErrorIs(t, err, pipelineerrors.ErrInvariantViolation)

	_, err = Unbounded(2).SnapToGrid(nil, SnapGrow)
	require.ErrorIs(t, err, pipelineerrors.ErrInvariantViolation)

	_, err = r.SnapToGrid(NewCoordinate(0, 2), SnapGrow)
	require.ErrorIs(t, err, pipelineerrors.ErrInvariantViolation)

	_, err = r.SnapToGrid(NewCoordinate(2), SnapGrow)
	require.ErrorIs(t, err, pipelineerrors.ErrDimensionMismatch)

	got, err := Unbounded(2).SnapToGrid(NewCoordinate(2, 2), SnapGrow)
	require.NoError(t, err)
	require.True(t, got.IsUnbounded())
}

func TestSnapToGridNeverShrinks(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	for i := 0; i < 500; i++ {
		dims := 1 + rng.Intn(4)
		begin := make(Coordinate, dims)
		shape := make(Coordinate, dims)
		voxel := make(Coordinate, dims)
		for d := 0; d < dims; d++ {
			begin[d] = rng.Int63n(200) - 100
			shape[d] = rng.Int63n(50)
			voxel[d] = 1 + rng.Int63n(9)
		}
		r := NewRoi(begin, shape)

		snapped, err := r.SnapToGrid(voxel, SnapGrow)
		require.NoError(t, err)
		require.True(t, snapped.Contains(r), "%s snapped to %s with %s", r, snapped, voxel)
		require.True(t, snapped.Begin().IsMultipleOf(voxel))
		require.True(t, snapped.End().IsMultipleOf(voxel))
	}
}
