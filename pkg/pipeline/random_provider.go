package pipeline

import (
	"context"
	"math/rand/v2"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/voxpipe/voxpipe/pkg/batch"
	pipelineerrors "github.com/voxpipe/voxpipe/pkg/errors"
	"github.com/voxpipe/voxpipe/pkg/logger"
	"github.com/voxpipe/voxpipe/pkg/request"
	"github.com/voxpipe/voxpipe/pkg/spec"
)

// RandomProvider relays each request to one of its upstreams, chosen at
// random. It advertises only the keys every upstream provides.
//
// The choice is drawn from the request's seed, so the same request always
// goes to the same upstream, and providers sharing a generator agree on it
// whatever the order requests reach them in.
type RandomProvider struct {
	generator *RandomSourceGenerator
	weights   []float64
	choiceKey *spec.ArrayKey
	logger    logger.Logger
}

var _ Relay = (*RandomProvider)(nil)

var choiceSpec = spec.MustArraySpec(spec.WithNonspatial(true), spec.WithDType(spec.Int64))

// RandomProviderOpt defines an option that can be used to change the
// behavior of a RandomProvider instance.
type RandomProviderOpt func(*RandomProvider)

// WithGenerator shares g with other RandomProviders so that they all pick
// the same branch.
func WithGenerator(g *RandomSourceGenerator) RandomProviderOpt {
	return func(p *RandomProvider) {
		p.generator = g
	}
}

// WithBranchWeights sets the branch probabilities used without a shared
// generator.
func WithBranchWeights(weights ...float64) RandomProviderOpt {
	return func(p *RandomProvider) {
		p.weights = append([]float64(nil), weights...)
	}
}

// WithChoiceKey makes the provider also offer a nonspatial array under key
// holding the index of the chosen upstream.
func WithChoiceKey(key spec.ArrayKey) RandomProviderOpt {
	return func(p *RandomProvider) {
		p.choiceKey = &key
	}
}

// WithRandomProviderLogger sets the logger used to report choices.
func WithRandomProviderLogger(l logger.Logger) RandomProviderOpt {
	return func(p *RandomProvider) {
		p.logger = l
	}
}

func NewRandomProvider(opts ...RandomProviderOpt) *RandomProvider {
	p := &RandomProvider{logger: logger.NewNoopLogger()}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *RandomProvider) Declare(_ context.Context, d *Declaration) error {
	upstreams := d.Upstreams()
	if len(upstreams) == 0 {
		return pipelineerrors.InvariantViolation("at least one upstream node must be connected to a random provider")
	}
	if p.generator != nil && p.generator.NumSources() != len(upstreams) {
		return pipelineerrors.InvariantViolation("generator chooses among %d sources, but %d upstream nodes are connected",
			p.generator.NumSources(), len(upstreams))
	}
	if p.generator == nil {
		weights, err := normalizeWeights(len(upstreams), p.weights)
		if err != nil {
			return err
		}
		p.weights = weights
	}

	// advertise outputs only if all upstream nodes have them
	common := upstreams[0]
	for _, upstream := range upstreams[1:] {
		for _, key := range common.Keys() {
			if !upstream.Has(key) {
				common.Delete(key)
			}
		}
	}
	for key, s := range common.All() {
		if err := d.Provides(key, s); err != nil {
			return err
		}
	}

	if p.choiceKey != nil {
		if err := d.Provides(*p.choiceKey, choiceSpec); err != nil {
			return err
		}
	}
	return nil
}

func (p *RandomProvider) Provide(ctx context.Context, req *request.BatchRequest, upstreams []Upstream) (*batch.Batch, error) {
	idx := p.choose(req)
	upstream := upstreams[idx]
	p.logger.DebugWithContext(ctx, "branch chosen",
		zap.Int("index", idx),
		zap.String("upstream", upstream.Name()))

	wantsChoice := p.choiceKey != nil && req.Has(*p.choiceKey)
	if wantsChoice {
		req.Delete(*p.choiceKey)
	}

	b, err := upstream.RequestBatch(ctx, req)
	if err != nil {
		return nil, err
	}

	if wantsChoice {
		choice, err := batch.NewArray(choiceSpec, []float64{float64(idx)}, 1)
		if err != nil {
			return nil, err
		}
		b = b.Copy()
		b.SetArray(*p.choiceKey, choice)
	}
	return b, nil
}

func (p *RandomProvider) choose(req *request.BatchRequest) int {
	if p.generator != nil {
		return p.generator.Choose(req.RandomSeed())
	}
	seed := uint64(req.RandomSeed())
	dist := distuv.NewCategorical(p.weights, rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	return int(dist.Rand())
}
