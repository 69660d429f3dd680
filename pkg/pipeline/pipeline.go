// Package pipeline wires sources, filters and relays into a pull-based
// pipeline and runs the request negotiation between them: requests travel
// upstream through Prepare, batches travel downstream through Process.
package pipeline

import (
	"context"
	"errors"
	"io"

	"go.uber.org/zap"

	"github.com/voxpipe/voxpipe/pkg/batch"
	"github.com/voxpipe/voxpipe/pkg/logger"
	"github.com/voxpipe/voxpipe/pkg/request"
	"github.com/voxpipe/voxpipe/pkg/spec"
)

// Pipeline is a built, declared pipeline. It is safe for concurrent use if
// all of its nodes are.
type Pipeline struct {
	output *node
	nodes  []*node
	logger logger.Logger
}

// NodeInfo describes a declared node, e.g. for printing a plan.
type NodeInfo struct {
	Name      string
	Role      string
	Upstreams []string
	Spec      *spec.ProviderSpec
	Provides  []spec.Key
	Updates   []spec.Key
	Autoskip  bool
}

// Spec returns what the output node advertises.
func (p *Pipeline) Spec() *spec.ProviderSpec {
	return p.output.Spec()
}

// RequestBatch pulls one batch through the pipeline.
func (p *Pipeline) RequestBatch(ctx context.Context, req *request.BatchRequest) (*batch.Batch, error) {
	p.logger.DebugWithContext(ctx, "requesting batch",
		logger.Seed(req.RandomSeed()),
		zap.Stringers("keys", req.Keys()))
	return p.output.RequestBatch(ctx, req)
}

// Nodes describes the nodes in declaration order, upstream first.
func (p *Pipeline) Nodes() []NodeInfo {
	infos := make([]NodeInfo, 0, len(p.nodes))
	for _, n := range p.nodes {
		upstreams := make([]string, len(n.upstreams))
		for i, u := range n.upstreams {
			upstreams[i] = u.name
		}
		infos = append(infos, NodeInfo{
			Name:      n.name,
			Role:      n.role.String(),
			Upstreams: upstreams,
			Spec:      n.Spec(),
			Provides:  append([]spec.Key(nil), n.provided...),
			Updates:   append([]spec.Key(nil), n.updated...),
			Autoskip:  n.autoskip,
		})
	}
	return infos
}

// Prepare returns what the named filter asks its upstream for when it
// receives req. It returns nil for nodes that are not filters and for
// filters that forward req unchanged.
func (p *Pipeline) Prepare(ctx context.Context, name string, req *request.BatchRequest) (*request.BatchRequest, error) {
	for _, n := range p.nodes {
		if n.name != name || n.role != roleFilter || n.canSkip(req) {
			continue
		}
		return n.filter.Prepare(ctx, req.Copy())
	}
	return nil, nil
}

// Close releases resources held by nodes that implement io.Closer, such as
// cache relays.
func (p *Pipeline) Close() error {
	var errs []error
	for _, n := range p.nodes {
		if c, ok := n.implementation().(io.Closer); ok {
			errs = append(errs, c.Close())
		}
	}
	return errors.Join(errs...)
}
