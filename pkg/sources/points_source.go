package sources

import (
	"context"
	"fmt"
	"math"

	"github.com/voxpipe/voxpipe/pkg/batch"
	pipelineerrors "github.com/voxpipe/voxpipe/pkg/errors"
	"github.com/voxpipe/voxpipe/pkg/geometry"
	"github.com/voxpipe/voxpipe/pkg/pipeline"
	"github.com/voxpipe/voxpipe/pkg/request"
	"github.com/voxpipe/voxpipe/pkg/spec"
)

// PointsSource serves a graph of points, optionally together with one label
// per point. Unless a spec is given, the graph is advertised with the
// bounding box of the points.
type PointsSource struct {
	key   spec.GraphKey
	graph *batch.Graph

	labelsKey *spec.ArrayKey
	labels    map[int64]float64

	spec  *spec.GraphSpec
	scale []float64
	edges []batch.Edge
}

var _ pipeline.Source = (*PointsSource)(nil)

var labelsSpec = spec.MustArraySpec(spec.WithNonspatial(true), spec.WithDType(spec.Float32))

// PointsSourceOpt defines an option that can be used to change the behavior
// of a PointsSource instance.
type PointsSourceOpt func(*PointsSource)

// WithPointsSpec overrides the advertised spec, e.g. to set the ROI by hand.
func WithPointsSpec(s spec.GraphSpec) PointsSourceOpt {
	return func(p *PointsSource) {
		p.spec = &s
	}
}

// WithScale multiplies every location by scale, e.g. to convert voxel
// positions to world units.
func WithScale(scale ...float64) PointsSourceOpt {
	return func(p *PointsSource) {
		p.scale = append([]float64(nil), scale...)
	}
}

func WithEdges(edges ...batch.Edge) PointsSourceOpt {
	return func(p *PointsSource) {
		p.edges = append([]batch.Edge(nil), edges...)
	}
}

// WithLabels also provides a nonspatial array under key holding the label of
// every served point, in node id order. labels maps node ids to labels.
func WithLabels(key spec.ArrayKey, labels map[int64]float64) PointsSourceOpt {
	return func(p *PointsSource) {
		p.labelsKey = &key
		p.labels = labels
	}
}

func NewPointsSource(key spec.GraphKey, nodes []*batch.Node, opts ...PointsSourceOpt) (*PointsSource, error) {
	p := &PointsSource{key: key}
	for _, opt := range opts {
		opt(p)
	}

	if p.scale != nil {
		scaled := make([]*batch.Node, len(nodes))
		for i, n := range nodes {
			location := n.Location()
			if len(location) != len(p.scale) {
				return nil, pipelineerrors.DimensionMismatch("scale %v for location %v", p.scale, location)
			}
			for d := range location {
				location[d] *= p.scale[d]
			}
			scaled[i] = batch.NewNode(n.ID(), location, n.Attrs())
		}
		nodes = scaled
	}

	s, err := p.graphSpec(nodes)
	if err != nil {
		return nil, err
	}
	p.graph, err = batch.NewGraph(s, nodes, p.edges)
	if err != nil {
		return nil, fmt.Errorf("points source for %s: %w", key, err)
	}

	if p.labelsKey != nil {
		for _, n := range nodes {
			if _, ok := p.labels[n.ID()]; !ok {
				return nil, pipelineerrors.InvariantViolation("no label for point %d", n.ID())
			}
		}
	}
	return p, nil
}

// graphSpec returns the user given spec or one whose ROI is the bounding
// box of the nodes: floor of the minimum to ceil of the maximum plus one.
func (p *PointsSource) graphSpec(nodes []*batch.Node) (spec.GraphSpec, error) {
	if p.spec != nil {
		return *p.spec, nil
	}
	if len(nodes) == 0 {
		return spec.NewGraphSpec()
	}

	dims := len(nodes[0].Location())
	lower := make([]float64, dims)
	upper := make([]float64, dims)
	for d := range dims {
		lower[d], upper[d] = math.Inf(1), math.Inf(-1)
	}
	for _, n := range nodes {
		location := n.Location()
		if len(location) != dims {
			return spec.GraphSpec{}, pipelineerrors.DimensionMismatch("point %d has location %v, expected %d dimensions", n.ID(), location, dims)
		}
		for d, v := range location {
			lower[d] = min(lower[d], v)
			upper[d] = max(upper[d], v)
		}
	}

	begin := make(geometry.Coordinate, dims)
	shape := make(geometry.Coordinate, dims)
	for d := range dims {
		begin[d] = int64(math.Floor(lower[d]))
		shape[d] = int64(math.Ceil(upper[d])) + 1 - begin[d]
	}
	return spec.NewGraphSpec(spec.WithROI(geometry.NewRoi(begin, shape)))
}

func (p *PointsSource) Declare(_ context.Context, d *pipeline.Declaration) error {
	if err := d.Provides(p.key, p.graph.Spec()); err != nil {
		return err
	}
	if p.labelsKey != nil {
		return d.Provides(*p.labelsKey, labelsSpec)
	}
	return nil
}

func (p *PointsSource) Provide(_ context.Context, req *request.BatchRequest) (*batch.Batch, error) {
	g := p.graph
	if requested, ok := req.Graph(p.key); ok {
		if roi, ok := requested.ROI(); ok {
			cropped, err := g.Crop(roi)
			if err != nil {
				return nil, fmt.Errorf("serving %s: %w", p.key, err)
			}
			g = cropped
		}
	}

	b := batch.New()
	if req.Has(p.key) {
		b.SetGraph(p.key, g)
	}
	if p.labelsKey != nil && req.Has(*p.labelsKey) {
		nodes := g.Nodes()
		labels := make([]float64, len(nodes))
		for i, n := range nodes {
			labels[i] = p.labels[n.ID()]
		}
		a, err := batch.NewArray(labelsSpec, labels, len(labels))
		if err != nil {
			return nil, err
		}
		b.SetArray(*p.labelsKey, a)
	}
	return b, nil
}
