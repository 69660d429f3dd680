package pipeline

import (
	"math/rand/v2"
	"sync"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat/distuv"

	pipelineerrors "github.com/voxpipe/voxpipe/pkg/errors"
)

// RandomSourceGenerator picks one of num upstream branches at random.
//
// RandomProviders sharing a generator pick the same branch for a request:
// Choose derives the branch from the generator seed and the request seed
// only, so concurrent requests can not interleave their draws. Next draws
// from a single sequence instead, holding each choice for `repetitions`
// consecutive calls.
type RandomSourceGenerator struct {
	num         int
	weights     []float64
	repetitions int
	seed        uint64

	mu        sync.Mutex
	dist      distuv.Categorical
	iteration int
	choice    int
}

// RandomSourceGeneratorOpt defines an option that can be used to change the
// behavior of a RandomSourceGenerator instance.
type RandomSourceGeneratorOpt func(*RandomSourceGenerator)

// WithWeights sets the relative probability of each branch. Weights are
// normalized to sum to one, so e.g. volumes can be passed directly.
func WithWeights(weights ...float64) RandomSourceGeneratorOpt {
	return func(g *RandomSourceGenerator) {
		g.weights = append([]float64(nil), weights...)
	}
}

// WithRepetitions sets how many consecutive calls to Next return the same
// branch, usually the number of RandomProviders sharing the generator.
func WithRepetitions(repetitions int) RandomSourceGeneratorOpt {
	return func(g *RandomSourceGenerator) {
		g.repetitions = repetitions
	}
}

// WithGeneratorSeed makes the sequence of choices reproducible.
func WithGeneratorSeed(seed uint64) RandomSourceGeneratorOpt {
	return func(g *RandomSourceGenerator) {
		g.seed = seed
	}
}

func NewRandomSourceGenerator(num int, opts ...RandomSourceGeneratorOpt) (*RandomSourceGenerator, error) {
	g := &RandomSourceGenerator{
		num:         num,
		repetitions: 1,
		seed:        uint64(time.Now().UnixNano()),
	}
	for _, opt := range opts {
		opt(g)
	}

	if num < 1 {
		return nil, pipelineerrors.InvariantViolation("random source generator needs at least one source, got %d", num)
	}
	if g.repetitions < 1 {
		return nil, pipelineerrors.InvariantViolation("repetitions must be positive, got %d", g.repetitions)
	}

	weights, err := normalizeWeights(num, g.weights)
	if err != nil {
		return nil, err
	}
	g.weights = weights
	g.dist = distuv.NewCategorical(weights, rand.NewPCG(g.seed, g.seed^0x9e3779b97f4a7c15))
	return g, nil
}

// normalizeWeights returns uniform weights if none are given, and the given
// weights scaled to sum to one otherwise.
func normalizeWeights(num int, weights []float64) ([]float64, error) {
	if weights == nil {
		uniform := make([]float64, num)
		for i := range uniform {
			uniform[i] = 1 / float64(num)
		}
		return uniform, nil
	}
	if len(weights) != num {
		return nil, pipelineerrors.InvariantViolation("got %d weights for %d sources", len(weights), num)
	}
	for _, w := range weights {
		if w < 0 {
			return nil, pipelineerrors.InvariantViolation("negative weight in %v", weights)
		}
	}
	sum := floats.Sum(weights)
	if sum <= 0 {
		return nil, pipelineerrors.InvariantViolation("weights %v sum to zero", weights)
	}
	normalized := append([]float64(nil), weights...)
	floats.Scale(1/sum, normalized)
	return normalized, nil
}

// Next returns the index of the chosen branch.
func (g *RandomSourceGenerator) Next() int {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.iteration%g.repetitions == 0 {
		g.choice = int(g.dist.Rand())
	}
	g.iteration++
	return g.choice
}

// Choose returns the branch for the request with the given seed. All calls
// with the same seed return the same branch.
func (g *RandomSourceGenerator) Choose(requestSeed uint32) int {
	g.mu.Lock()
	g.iteration++
	g.mu.Unlock()

	dist := distuv.NewCategorical(g.weights, rand.NewPCG(g.seed, uint64(requestSeed)))
	return int(dist.Rand())
}

// Iteration returns the number of choices made so far, through Next or
// Choose.
func (g *RandomSourceGenerator) Iteration() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.iteration
}

func (g *RandomSourceGenerator) NumSources() int {
	return g.num
}

// Weights returns the normalized branch probabilities.
func (g *RandomSourceGenerator) Weights() []float64 {
	return append([]float64(nil), g.weights...)
}
