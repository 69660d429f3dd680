package pipeline

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	pipelineerrors "github.com/voxpipe/voxpipe/pkg/errors"
	"github.com/voxpipe/voxpipe/pkg/logger"
	"github.com/voxpipe/voxpipe/pkg/spec"
)

func TestRandomSourceGeneratorRepeatsChoices(t *testing.T) {
	g, err := NewRandomSourceGenerator(3, WithRepetitions(2), WithGeneratorSeed(42))
	require.NoError(t, err)

	choices := make([]int, 20)
	for i := range choices {
		choices[i] = g.Next()
		require.GreaterOrEqual(t, choices[i], 0)
		require.Less(t, choices[i], 3)
	}
	for i := 0; i < len(choices); i += 2 {
		require.Equal(t, choices[i], choices[i+1], "choices %v", choices)
	}
	require.Equal(t, 20, g.Iteration())

	// the same seed replays the same sequence
	replay, err := NewRandomSourceGenerator(3, WithRepetitions(2), WithGeneratorSeed(42))
	require.NoError(t, err)
	for _, expected := range choices {
		require.Equal(t, expected, replay.Next())
	}
}

func TestRandomSourceGeneratorWeights(t *testing.T) {
	g, err := NewRandomSourceGenerator(3, WithWeights(0, 30, 0), WithGeneratorSeed(1))
	require.NoError(t, err)
	require.Equal(t, []float64{0, 1, 0}, g.Weights())
	for range 10 {
		require.Equal(t, 1, g.Next())
	}

	uniform, err := NewRandomSourceGenerator(4)
	require.NoError(t, err)
	require.Equal(t, []float64{0.25, 0.25, 0.25, 0.25}, uniform.Weights())
	require.Equal(t, 4, uniform.NumSources())
}

func TestNewRandomSourceGeneratorErrors(t *testing.T) {
	tests := []struct {
		_name string
		num   int
		opts  []RandomSourceGeneratorOpt
	}{
		{_name: "no_sources", num: 0},
		{_name: "zero_repetitions", num: 2, opts: []RandomSourceGeneratorOpt{WithRepetitions(0)}},
		{_name: "weights_length", num: 2, opts: []RandomSourceGeneratorOpt{WithWeights(1, 2, 3)}},
		{_name: "negative_weight", num: 2, opts: []RandomSourceGeneratorOpt{WithWeights(1, -1)}},
		{_name: "zero_sum", num: 2, opts: []RandomSourceGeneratorOpt{WithWeights(0, 0)}},
	}

	for _, test := range tests {
		t.Run(test._name, func(t *testing.T) {
			_, err := NewRandomSourceGenerator(test.num, test.opts...)
			require.ErrorIs(t, err, pipelineerrors.ErrInvariantViolation)
		})
	}
}

// twoBranches adds sources named <prefix>0 and <prefix>1 that fill key with
// their index, and a random provider <prefix> over them.
func twoBranches(t *testing.T, b *Builder, prefix string, key spec.ArrayKey, p *RandomProvider) {
	t.Helper()
	for i := range 2 {
		name := fmt.Sprintf("%s%d", prefix, i)
		require.NoError(t, b.AddSource(name, newFakeSource(box(0, 0, 10, 10), constant(float64(i)), key)))
	}
	require.NoError(t, b.AddRelay(prefix, p))
	require.NoError(t, b.Connect(prefix+"0", prefix))
	require.NoError(t, b.Connect(prefix+"1", prefix))
}

func TestSharedGeneratorKeepsBranchesInSync(t *testing.T) {
	rawA, rawB := spec.NewArrayKey("RAW_A"), spec.NewArrayKey("RAW_B")
	choiceA, choiceB := spec.NewArrayKey("CHOICE_A"), spec.NewArrayKey("CHOICE_B")

	g, err := NewRandomSourceGenerator(2, WithRepetitions(2), WithGeneratorSeed(7))
	require.NoError(t, err)

	b := NewBuilder()
	twoBranches(t, b, "a", rawA, NewRandomProvider(WithGenerator(g), WithChoiceKey(choiceA)))
	twoBranches(t, b, "b", rawB, NewRandomProvider(WithGenerator(g), WithChoiceKey(choiceB)))
	require.NoError(t, b.AddRelay("merge", NewMergeProvider()))
	require.NoError(t, b.Connect("a", "merge"))
	require.NoError(t, b.Connect("b", "merge"))
	p := buildPipeline(t, b, "merge")

	seen := map[float64]bool{}
	for i := range 40 {
		out, err := p.RequestBatch(context.Background(), requestOf(t, int64(i), map[spec.Key]spec.Spec{
			rawA:    spec.MustArraySpec(spec.WithROI(box(0, 0, 2, 2))),
			rawB:    spec.MustArraySpec(spec.WithROI(box(0, 0, 2, 2))),
			choiceA: spec.MustArraySpec(spec.WithNonspatial(true)),
			choiceB: spec.MustArraySpec(spec.WithNonspatial(true)),
		}))
		require.NoError(t, err)

		a := arrayValue(t, out, rawA, 0, 0)
		require.Equal(t, a, arrayValue(t, out, rawB, 1, 1))
		require.Equal(t, a, arrayValue(t, out, choiceA, 0))
		require.Equal(t, a, arrayValue(t, out, choiceB, 0))
		seen[a] = true
	}
	require.Len(t, seen, 2)
	require.Equal(t, 80, g.Iteration())
}

func TestSharedGeneratorKeepsConcurrentRequestsInSync(t *testing.T) {
	rawA, rawB := spec.NewArrayKey("RAW_A"), spec.NewArrayKey("RAW_B")

	g, err := NewRandomSourceGenerator(2, WithRepetitions(2), WithGeneratorSeed(3))
	require.NoError(t, err)

	b := NewBuilder()
	for _, branch := range []struct {
		prefix string
		key    spec.ArrayKey
	}{{"a", rawA}, {"b", rawB}} {
		for i := range 2 {
			source := newFakeSource(box(0, 0, 10, 10), constant(float64(i)), branch.key)
			source.delay = time.Millisecond
			require.NoError(t, b.AddSource(fmt.Sprintf("%s%d", branch.prefix, i), source))
		}
		require.NoError(t, b.AddRelay(branch.prefix, NewRandomProvider(WithGenerator(g))))
		require.NoError(t, b.Connect(branch.prefix+"0", branch.prefix))
		require.NoError(t, b.Connect(branch.prefix+"1", branch.prefix))
	}
	require.NoError(t, b.AddRelay("merge", NewMergeProvider()))
	require.NoError(t, b.Connect("a", "merge"))
	require.NoError(t, b.Connect("b", "merge"))
	p := buildPipeline(t, b, "merge")

	template := requestOf(t, 17, map[spec.Key]spec.Spec{
		rawA: spec.MustArraySpec(spec.WithROI(box(0, 0, 2, 2))),
		rawB: spec.MustArraySpec(spec.WithROI(box(0, 0, 2, 2))),
	})
	batches, err := NewPrefetcher(p, WithWorkers(4)).Fetch(context.Background(), template, 200)
	require.NoError(t, err)

	seen := map[float64]int{}
	for i, out := range batches {
		a := arrayValue(t, out, rawA, 0, 0)
		require.Equal(t, a, arrayValue(t, out, rawB, 0, 0), "batch %d pairs different branches", i)
		seen[a]++
	}
	require.Len(t, seen, 2)

	// a replay with one worker picks the same branches
	replay, err := NewPrefetcher(p, WithWorkers(1)).Fetch(context.Background(), template, 200)
	require.NoError(t, err)
	for i := range batches {
		require.Equal(t, arrayValue(t, batches[i], rawA, 0, 0), arrayValue(t, replay[i], rawA, 0, 0))
	}
}

func TestRandomSourceGeneratorChooseDependsOnRequestSeed(t *testing.T) {
	g, err := NewRandomSourceGenerator(3, WithGeneratorSeed(42))
	require.NoError(t, err)
	other, err := NewRandomSourceGenerator(3, WithGeneratorSeed(42))
	require.NoError(t, err)

	counts := make([]int, 3)
	for seed := range uint32(300) {
		choice := g.Choose(seed)
		require.Equal(t, choice, g.Choose(seed))
		require.Equal(t, choice, other.Choose(seed))
		counts[choice]++
	}
	for _, c := range counts {
		require.Positive(t, c)
	}
	require.Equal(t, 600, g.Iteration())

	weighted, err := NewRandomSourceGenerator(3, WithWeights(0, 0, 5))
	require.NoError(t, err)
	for seed := range uint32(20) {
		require.Equal(t, 2, weighted.Choose(seed))
	}
}

func TestRandomProviderAdvertisesCommonKeys(t *testing.T) {
	raw := spec.NewArrayKey("RAW")
	gt := spec.NewArrayKey("GT")
	choice := spec.NewArrayKey("CHOICE")

	b := NewBuilder()
	require.NoError(t, b.AddSource("full", newFakeSource(box(0, 0, 10, 10), ramp, raw, gt)))
	require.NoError(t, b.AddSource("partial", newFakeSource(box(0, 0, 10, 10), ramp, raw)))
	require.NoError(t, b.AddRelay("random", NewRandomProvider(WithChoiceKey(choice))))
	require.NoError(t, b.Connect("full", "random"))
	require.NoError(t, b.Connect("partial", "random"))
	p := buildPipeline(t, b, "random")

	require.Equal(t, []spec.Key{raw, choice}, p.Spec().Keys())

	// the choice key is optional
	out, err := p.RequestBatch(context.Background(),
		requestOf(t, 3, map[spec.Key]spec.Spec{raw: spec.MustArraySpec(spec.WithROI(box(0, 0, 1, 1)))}))
	require.NoError(t, err)
	require.Equal(t, []spec.Key{raw}, out.Keys())
}

func TestRandomProviderChoiceFollowsSeed(t *testing.T) {
	raw := spec.NewArrayKey("RAW")
	log, logs := logger.NewObserverLogger("debug")

	b := NewBuilder()
	twoBranches(t, b, "random", raw, NewRandomProvider(WithBranchWeights(1, 1), WithRandomProviderLogger(log)))
	p := buildPipeline(t, b, "random")

	choose := func(seed int64) float64 {
		out, err := p.RequestBatch(context.Background(),
			requestOf(t, seed, map[spec.Key]spec.Spec{raw: spec.MustArraySpec(spec.WithROI(box(0, 0, 1, 1)))}))
		require.NoError(t, err)
		return arrayValue(t, out, raw, 0, 0)
	}

	seen := map[float64]bool{}
	for seed := range int64(32) {
		first := choose(seed)
		require.Equal(t, first, choose(seed))
		seen[first] = true
	}
	require.Len(t, seen, 2)
	require.Equal(t, 64, logs.FilterMessage("branch chosen").Len())
}

func TestRandomProviderDeclareErrors(t *testing.T) {
	raw := spec.NewArrayKey("RAW")

	t.Run("generator_size", func(t *testing.T) {
		g, err := NewRandomSourceGenerator(3)
		require.NoError(t, err)

		b := NewBuilder()
		twoBranches(t, b, "random", raw, NewRandomProvider(WithGenerator(g)))
		_, err = b.Build(context.Background(), "random")
		require.ErrorIs(t, err, pipelineerrors.ErrInvariantViolation)
	})

	t.Run("branch_weights", func(t *testing.T) {
		b := NewBuilder()
		twoBranches(t, b, "random", raw, NewRandomProvider(WithBranchWeights(1)))
		_, err := b.Build(context.Background(), "random")
		require.ErrorIs(t, err, pipelineerrors.ErrInvariantViolation)
	})

	t.Run("choice_key_clash", func(t *testing.T) {
		b := NewBuilder()
		twoBranches(t, b, "random", raw, NewRandomProvider(WithChoiceKey(raw)))
		_, err := b.Build(context.Background(), "random")
		require.ErrorIs(t, err, pipelineerrors.ErrSpecConflict)
	})
}

func TestMergeProviderRejectsOverlaps(t *testing.T) {
	raw := spec.NewArrayKey("RAW")

	b := NewBuilder()
	require.NoError(t, b.AddSource("x", newFakeSource(box(0, 0, 4, 4), ramp, raw)))
	require.NoError(t, b.AddSource("y", newFakeSource(box(0, 0, 4, 4), ramp, raw)))
	require.NoError(t, b.AddRelay("merge", NewMergeProvider()))
	require.NoError(t, b.Connect("x", "merge"))
	require.NoError(t, b.Connect("y", "merge"))

	_, err := b.Build(context.Background(), "merge")
	require.ErrorIs(t, err, pipelineerrors.ErrSpecConflict)
}
