package pipeline

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/voxpipe/voxpipe/pkg/batch"
	pipelineerrors "github.com/voxpipe/voxpipe/pkg/errors"
	"github.com/voxpipe/voxpipe/pkg/logger"
	"github.com/voxpipe/voxpipe/pkg/request"
	"github.com/voxpipe/voxpipe/pkg/spec"
	"github.com/voxpipe/voxpipe/pkg/telemetry"
)

var tracer = otel.Tracer("voxpipe/pkg/pipeline")

type role int

const (
	roleSource role = iota
	roleFilter
	roleRelay
)

func (r role) String() string {
	switch r {
	case roleSource:
		return "source"
	case roleFilter:
		return "filter"
	case roleRelay:
		return "relay"
	default:
		return fmt.Sprintf("role(%d)", int(r))
	}
}

// node is a wired pipeline vertex. Everything but the wrapped implementation
// is read-only once the pipeline is built, so a node may serve concurrent
// requests if its implementation can.
type node struct {
	id   int64
	name string
	role role

	source Source
	filter Filter
	relay  Relay

	upstreams []*node

	spec     *spec.ProviderSpec
	provided []spec.Key
	updated  []spec.Key
	autoskip bool

	logger logger.Logger
}

var _ Upstream = (*node)(nil)

func (n *node) ID() int64 { return n.id }

func (n *node) Name() string { return n.name }

func (n *node) Spec() *spec.ProviderSpec { return n.spec.Copy() }

func (n *node) implementation() any {
	switch n.role {
	case roleSource:
		return n.source
	case roleFilter:
		return n.filter
	default:
		return n.relay
	}
}

func (n *node) declare(ctx context.Context) error {
	upstreams := make([]*spec.ProviderSpec, len(n.upstreams))
	for i, u := range n.upstreams {
		upstreams[i] = u.spec
	}
	d := newDeclaration(n.name, n.role, upstreams)

	var err error
	switch n.role {
	case roleSource:
		err = n.source.Declare(ctx, d)
	case roleFilter:
		err = n.filter.Declare(ctx, d)
	case roleRelay:
		err = n.relay.Declare(ctx, d)
	}
	if err != nil {
		// a node that can not say what it provides conflicts with every
		// request for it
		if !pipelineerrors.Categorized(err) {
			err = fmt.Errorf("%w: %w", pipelineerrors.ErrSpecConflict, err)
		}
		return fmt.Errorf("declaring %s: %w", n.name, err)
	}

	n.spec = d.spec
	n.provided = d.providedKeys()
	n.updated = d.updatedKeys()
	n.autoskip = d.autoskip

	n.logger.Debug("declared",
		zap.Stringers("provides", n.provided),
		zap.Stringers("updates", n.updated),
		zap.Bool("autoskip", n.autoskip))
	return nil
}

// RequestBatch checks req against what the node advertises, obtains the
// batch according to the node's role and strips everything that was not
// requested.
func (n *node) RequestBatch(ctx context.Context, req *request.BatchRequest) (*batch.Batch, error) {
	ctx, span := tracer.Start(ctx, "RequestBatch", trace.WithAttributes(
		attribute.String("node", n.name),
		attribute.String("role", n.role.String()),
		attribute.Int("keys", req.Len()),
	))
	defer span.End()

	start := time.Now()
	requestCounter.WithLabelValues(n.name).Inc()

	b, err := n.requestBatch(ctx, req)
	if err != nil {
		requestErrorCounter.WithLabelValues(n.name).Inc()
		telemetry.TraceError(span, err)
		return nil, err
	}

	requestDurationHistogram.WithLabelValues(n.name).Observe(float64(time.Since(start).Milliseconds()))
	return b, nil
}

func (n *node) requestBatch(ctx context.Context, req *request.BatchRequest) (*batch.Batch, error) {
	if err := n.checkRequestConsistency(req); err != nil {
		return nil, err
	}

	var (
		b   *batch.Batch
		err error
	)
	switch n.role {
	case roleSource:
		b, err = n.source.Provide(ctx, req.Copy())
	case roleRelay:
		upstreams := make([]Upstream, len(n.upstreams))
		for i, u := range n.upstreams {
			upstreams[i] = u
		}
		b, err = n.relay.Provide(ctx, req.Copy(), upstreams)
	case roleFilter:
		b, err = n.provideFiltered(ctx, req)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", n.name, err)
	}
	if b == nil {
		return nil, pipelineerrors.InvariantViolation("%s returned no batch", n.name)
	}

	return n.checkBatchConsistency(b, req)
}

func (n *node) provideFiltered(ctx context.Context, req *request.BatchRequest) (*batch.Batch, error) {
	upstream := n.upstreams[0]

	if n.canSkip(req) {
		autoskipCounter.WithLabelValues(n.name).Inc()
		n.logger.DebugWithContext(ctx, "skipping, none of the declared keys is requested")
		return upstream.RequestBatch(ctx, req.Copy())
	}

	deps, err := n.filter.Prepare(ctx, req.Copy())
	if err != nil {
		return nil, err
	}

	upstreamReq := req.Copy()
	if deps != nil {
		// dependencies that change the dimensionality of a key replace the
		// downstream entry, there is nothing to merge them with
		for _, key := range deps.Keys() {
			if changesDims(req, deps, key) {
				upstreamReq.Delete(key)
			}
		}
		upstreamReq, err = upstreamReq.UpdateWith(deps)
		if err != nil {
			return nil, fmt.Errorf("merging dependencies: %w", err)
		}
	}
	for _, key := range n.provided {
		upstreamReq.Delete(key)
	}

	b, err := upstream.RequestBatch(ctx, upstreamReq)
	if err != nil {
		return nil, err
	}

	nodeBatch := b
	if deps != nil {
		deps = deps.Copy()
		deps.RemovePlaceholders()
		nodeBatch, err = b.Crop(deps)
		if err != nil {
			return nil, err
		}
	}

	downstream := req.Copy()
	downstream.RemovePlaceholders()

	processed, err := n.filter.Process(ctx, nodeBatch, downstream)
	if err != nil {
		return nil, err
	}
	if processed == nil {
		processed = nodeBatch
	}

	// graphs the filter updates replace the upstream graph, all others are
	// merged so nodes outside of the dependencies survive
	base := b.Copy()
	for _, key := range n.updated {
		if _, ok := key.(spec.GraphKey); ok && processed.Has(key) {
			base.Delete(key)
		}
	}
	merged, err := base.Merge(processed, true)
	if err != nil {
		return nil, err
	}
	return merged.Crop(downstream)
}

func changesDims(req, deps *request.BatchRequest, key spec.Key) bool {
	requested, ok := req.Get(key)
	if !ok {
		return false
	}
	dep, _ := deps.Get(key)
	roi, ok := requested.ROI()
	if !ok {
		return false
	}
	depROI, ok := dep.ROI()
	return ok && depROI.Dims() != roi.Dims()
}

// canSkip reports whether an autoskip filter has nothing to do for req.
func (n *node) canSkip(req *request.BatchRequest) bool {
	if !n.autoskip {
		return false
	}
	for _, key := range n.provided {
		if req.Has(key) {
			return false
		}
	}
	for _, key := range n.updated {
		if req.Has(key) {
			return false
		}
	}
	return true
}

func (n *node) checkRequestConsistency(req *request.BatchRequest) error {
	for _, key := range req.Keys() {
		requested, _ := req.Get(key)
		provided, ok := n.spec.Get(key)
		if !ok {
			return pipelineerrors.SpecConflict("%s: requested %s, but this node does not provide it", n.name, key)
		}
		if requested.IsPlaceholder() {
			continue
		}
		if a, ok := provided.(spec.ArraySpec); ok && a.IsNonspatial() {
			continue
		}

		roi, ok := requested.ROI()
		if !ok {
			continue
		}
		providedROI, ok := provided.ROI()
		if ok && providedROI.Dims() != roi.Dims() {
			return pipelineerrors.DimensionMismatch("%s: requested roi %s for %s, provided roi is %s", n.name, roi, key, providedROI)
		}
		if ok && !providedROI.IsUnbounded() && !providedROI.Contains(roi) {
			return pipelineerrors.SpecConflict("%s: requested roi %s for %s lies outside of provided roi %s", n.name, roi, key, providedROI)
		}

		a, ok := provided.(spec.ArraySpec)
		if !ok {
			continue
		}
		voxelSize := a.VoxelSize()
		if voxelSize == nil || roi.IsUnbounded() {
			continue
		}
		if voxelSize.Dims() != roi.Dims() {
			return pipelineerrors.DimensionMismatch("%s: requested roi %s for %s, voxel size is %s", n.name, roi, key, voxelSize)
		}
		if !roi.Begin().IsMultipleOf(voxelSize) || !roi.Shape().IsMultipleOf(voxelSize) {
			if !roi.Empty() {
				return pipelineerrors.InvariantViolation("%s: requested roi %s for %s is not aligned to voxel size %s", n.name, roi, key, voxelSize)
			}
		}
	}
	return nil
}

// checkBatchConsistency verifies that every requested key was delivered
// with the requested geometry and drops keys that were not requested.
func (n *node) checkBatchConsistency(b *batch.Batch, req *request.BatchRequest) (*batch.Batch, error) {
	for _, key := range req.Keys() {
		requested, _ := req.Get(key)
		if requested.IsPlaceholder() {
			continue
		}
		delivered, ok := b.SpecOf(key)
		if !ok {
			return nil, pipelineerrors.InvariantViolation("%s: requested %s, but it was not delivered", n.name, key)
		}
		roi, ok := requested.ROI()
		if !ok || !spec.IsSpatial(delivered) {
			continue
		}
		deliveredROI, ok := delivered.ROI()
		if !ok {
			continue
		}
		switch delivered.Kind() {
		case spec.KindArray:
			if !deliveredROI.Equal(roi) {
				return nil, pipelineerrors.InvariantViolation("%s: requested roi %s for %s, but got %s", n.name, roi, key, deliveredROI)
			}
		case spec.KindGraph:
			if !deliveredROI.Contains(roi) {
				return nil, pipelineerrors.InvariantViolation("%s: requested roi %s for %s, but got %s", n.name, roi, key, deliveredROI)
			}
		}
	}

	var extra []spec.Key
	for _, key := range b.Keys() {
		if !req.Has(key) {
			extra = append(extra, key)
		}
	}
	if len(extra) == 0 {
		return b, nil
	}
	b = b.Copy()
	for _, key := range extra {
		b.Delete(key)
	}
	return b, nil
}
