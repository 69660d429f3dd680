package pipeline

import (
	"context"
	"errors"
	"fmt"

	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/topo"

	pipelineerrors "github.com/voxpipe/voxpipe/pkg/errors"
	"github.com/voxpipe/voxpipe/pkg/logger"
)

// Builder wires nodes into a pipeline. Edges point from upstream to
// downstream; a relay sees its upstreams in the order they were connected.
type Builder struct {
	logger logger.Logger

	g      *simple.DirectedGraph
	byName map[string]*node
}

// BuilderOpt defines an option that can be used to change the behavior of
// a Builder instance.
type BuilderOpt func(*Builder)

// WithLogger sets the logger handed to every node of the pipeline.
func WithLogger(l logger.Logger) BuilderOpt {
	return func(b *Builder) {
		b.logger = l
	}
}

func NewBuilder(opts ...BuilderOpt) *Builder {
	b := &Builder{
		logger: logger.NewNoopLogger(),
		g:      simple.NewDirectedGraph(),
		byName: make(map[string]*node),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Builder) AddSource(name string, s Source) error {
	return b.add(&node{name: name, role: roleSource, source: s})
}

func (b *Builder) AddFilter(name string, f Filter) error {
	return b.add(&node{name: name, role: roleFilter, filter: f})
}

func (b *Builder) AddRelay(name string, r Relay) error {
	return b.add(&node{name: name, role: roleRelay, relay: r})
}

func (b *Builder) add(n *node) error {
	if n.name == "" {
		return pipelineerrors.InvariantViolation("node names must not be empty")
	}
	if _, ok := b.byName[n.name]; ok {
		return pipelineerrors.InvariantViolation("node %q added twice", n.name)
	}
	n.id = b.g.NewNode().ID()
	n.logger = b.logger.With(logger.Node(n.name))
	b.g.AddNode(n)
	b.byName[n.name] = n
	return nil
}

// Connect makes upstream feed downstream.
func (b *Builder) Connect(upstream, downstream string) error {
	u, ok := b.byName[upstream]
	if !ok {
		return pipelineerrors.InvariantViolation("unknown node %q", upstream)
	}
	d, ok := b.byName[downstream]
	if !ok {
		return pipelineerrors.InvariantViolation("unknown node %q", downstream)
	}
	if u == d {
		return pipelineerrors.InvariantViolation("node %q can not feed itself", upstream)
	}
	if b.g.HasEdgeFromTo(u.id, d.id) {
		return pipelineerrors.InvariantViolation("%q already feeds %q", upstream, downstream)
	}
	switch d.role {
	case roleSource:
		return pipelineerrors.InvariantViolation("source %q can not have upstream nodes", downstream)
	case roleFilter:
		if len(d.upstreams) > 0 {
			return pipelineerrors.InvariantViolation("filter %q already has upstream %q", downstream, d.upstreams[0].name)
		}
	}
	b.g.SetEdge(b.g.NewEdge(u, d))
	d.upstreams = append(d.upstreams, u)
	return nil
}

// Chain connects the named nodes one after the other, e.g. a source and
// the filters applied to it.
func (b *Builder) Chain(names ...string) error {
	for i := 1; i < len(names); i++ {
		if err := b.Connect(names[i-1], names[i]); err != nil {
			return err
		}
	}
	return nil
}

// Build declares every node that output depends on, upstream first, and
// returns the pipeline ending in output.
func (b *Builder) Build(ctx context.Context, output string) (*Pipeline, error) {
	out, ok := b.byName[output]
	if !ok {
		return nil, pipelineerrors.InvariantViolation("unknown output node %q", output)
	}

	sorted, err := topo.Sort(b.g)
	if err != nil {
		var cycles topo.Unorderable
		if errors.As(err, &cycles) {
			return nil, pipelineerrors.InvariantViolation("pipeline contains a cycle through %s", cycleNames(cycles))
		}
		return nil, err
	}

	needed := ancestors(out)
	var nodes []*node
	for _, v := range sorted {
		n := v.(*node)
		if _, ok := needed[n.id]; !ok {
			continue
		}
		if n.role != roleSource && len(n.upstreams) == 0 {
			return nil, pipelineerrors.InvariantViolation("%s %q has no upstream node", n.role, n.name)
		}
		if err := n.declare(ctx); err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}

	return &Pipeline{output: out, nodes: nodes, logger: b.logger}, nil
}

func ancestors(n *node) map[int64]struct{} {
	seen := map[int64]struct{}{}
	stack := []*node{n}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if _, ok := seen[cur.id]; ok {
			continue
		}
		seen[cur.id] = struct{}{}
		stack = append(stack, cur.upstreams...)
	}
	return seen
}

func cycleNames(cycles topo.Unorderable) string {
	var names []string
	for _, component := range cycles {
		for _, v := range component {
			names = append(names, v.(*node).name)
		}
	}
	return fmt.Sprint(names)
}

var _ graph.Node = (*node)(nil)
