// Package request contains BatchRequest, the ask a consumer sends down a
// pipeline: one spec per wanted stream plus a random seed that makes the
// answer reproducible.
package request

import (
	"encoding/binary"
	"fmt"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"

	pipelineerrors "github.com/voxpipe/voxpipe/pkg/errors"
	"github.com/voxpipe/voxpipe/pkg/geometry"
	"github.com/voxpipe/voxpipe/pkg/spec"
)

// BatchRequest is a set of (possibly partial) array and graph specs forming
// a request, together with the random seed associated with the batch.
//
// A BatchRequest is owned by whoever created it. Nodes receiving one treat
// it as read-only and work on a Copy.
type BatchRequest struct {
	specs      *spec.ProviderSpec
	randomSeed int64
}

type Option func(*BatchRequest)

// WithRandomSeed pins the seed. Without it the seed is taken from the wall
// clock (microseconds) at construction.
func WithRandomSeed(seed int64) Option {
	return func(r *BatchRequest) {
		r.randomSeed = seed
	}
}

func New(opts ...Option) *BatchRequest {
	r := &BatchRequest{
		specs:      spec.NewProviderSpec(),
		randomSeed: time.Now().UnixMicro(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RandomSeed returns the seed reduced modulo 2^32.
func (r *BatchRequest) RandomSeed() uint32 {
	return uint32(uint64(r.randomSeed))
}

// WithSeed returns a copy of r carrying seed.
func (r *BatchRequest) WithSeed(seed int64) *BatchRequest {
	c := r.Copy()
	c.randomSeed = seed
	return c
}

// DeriveSeed returns a seed for the i-th request derived from r. The same
// seed and index always give the same result.
func (r *BatchRequest) DeriveSeed(i uint64) int64 {
	var buf [16]byte
	binary.LittleEndian.PutUint64(buf[:8], uint64(r.randomSeed))
	binary.LittleEndian.PutUint64(buf[8:], i)
	return int64(xxhash.Sum64(buf[:]))
}

// Add requests key with a ROI of the given shape. The ROI starts at the
// origin; afterwards all ROIs of the request are shifted to share the center
// of the total ROI, so smaller ROIs end up centered in the largest one.
//
// opts are applied to the default spec for the key's kind, e.g.
// spec.WithVoxelSize for arrays or spec.WithDirected for graphs.
func (r *BatchRequest) Add(key spec.Key, shape geometry.Coordinate, opts ...spec.Option) error {
	kind, err := spec.KindOf(key)
	if err != nil {
		return fmt.Errorf("only array or graph keys can be added: %w", err)
	}
	for _, s := range shape {
		if s < 0 {
			return pipelineerrors.InvariantViolation("negative shape %s for %s", shape, key)
		}
	}

	roi := geometry.NewRoi(geometry.Uniform(shape.Dims(), 0), shape)
	opts = append(opts, spec.WithROI(roi))

	var s spec.Spec
	switch kind {
	case spec.KindArray:
		s, err = spec.NewArraySpec(opts...)
	case spec.KindGraph:
		s, err = spec.NewGraphSpec(opts...)
	}
	if err != nil {
		return fmt.Errorf("adding %s: %w", key, err)
	}

	if err := r.specs.Set(key, s); err != nil {
		return err
	}
	return r.centerROIs()
}

// centerROIs shifts every spatial ROI so that its center coincides with the
// center of the total ROI.
func (r *BatchRequest) centerROIs() error {
	total, ok, err := r.specs.TotalROI()
	if err != nil {
		return err
	}
	if !ok || total.IsUnbounded() {
		return nil
	}
	center := total.Center()

	for key, s := range r.specs.All() {
		if !spec.IsSpatial(s) {
			continue
		}
		roi, ok := s.ROI()
		if !ok || roi.IsUnbounded() {
			continue
		}
		shifted, err := spec.Derive(s, spec.WithROI(roi.Shift(center.Sub(roi.Center()))))
		if err != nil {
			return err
		}
		if err := r.specs.Set(key, shifted); err != nil {
			return err
		}
	}
	return nil
}

// Set installs s for key as given, without centering.
func (r *BatchRequest) Set(key spec.Key, s spec.Spec) error {
	return r.specs.Set(key, s)
}

func (r *BatchRequest) Get(key spec.Key) (spec.Spec, bool) {
	return r.specs.Get(key)
}

func (r *BatchRequest) Array(key spec.ArrayKey) (spec.ArraySpec, bool) {
	return r.specs.Array(key)
}

func (r *BatchRequest) Graph(key spec.GraphKey) (spec.GraphSpec, bool) {
	return r.specs.Graph(key)
}

func (r *BatchRequest) Has(key spec.Key) bool {
	return r.specs.Has(key)
}

func (r *BatchRequest) Delete(key spec.Key) {
	r.specs.Delete(key)
}

func (r *BatchRequest) Keys() []spec.Key {
	return r.specs.Keys()
}

func (r *BatchRequest) Len() int {
	return r.specs.Len()
}

// Spec returns a copy of the requested specs.
func (r *BatchRequest) Spec() *spec.ProviderSpec {
	return r.specs.Copy()
}

func (r *BatchRequest) TotalROI() (geometry.Roi, bool, error) {
	return r.specs.TotalROI()
}

func (r *BatchRequest) Copy() *BatchRequest {
	return &BatchRequest{
		specs:      r.specs.Copy(),
		randomSeed: r.randomSeed,
	}
}

// RemovePlaceholders deletes all placeholder entries.
func (r *BatchRequest) RemovePlaceholders() {
	for key, s := range r.specs.All() {
		if s.IsPlaceholder() {
			r.specs.Delete(key)
		}
	}
}

// Restrict returns a copy of r holding only the given keys that r requests.
func (r *BatchRequest) Restrict(keys ...spec.Key) *BatchRequest {
	c := &BatchRequest{specs: spec.NewProviderSpec(), randomSeed: r.randomSeed}
	for _, key := range keys {
		if s, ok := r.specs.Get(key); ok {
			// keys come from a valid spec, Set can not fail
			_ = c.specs.Set(key, s)
		}
	}
	return c
}

// UpdateWith returns a new request holding the entries of both requests:
// keys only in other are copied, keys in both follow the spec merge law. The
// seed of r is kept.
func (r *BatchRequest) UpdateWith(other *BatchRequest) (*BatchRequest, error) {
	merged, err := r.specs.UpdateWith(other.specs)
	if err != nil {
		return nil, err
	}
	return &BatchRequest{specs: merged, randomSeed: r.randomSeed}, nil
}

// Merge unions the ROIs of both requests, ignoring all other metadata.
//
// Deprecated: use UpdateWith, which accounts for spec metadata.
func (r *BatchRequest) Merge(other *BatchRequest) (*BatchRequest, error) {
	zap.L().Warn("BatchRequest.Merge is deprecated, use UpdateWith as it accounts for spec metadata")

	merged := r.Copy()
	for key, s := range other.specs.All() {
		existing, ok := merged.specs.Get(key)
		if !ok {
			if err := merged.specs.Set(key, s); err != nil {
				return nil, err
			}
			continue
		}
		if a, ok := existing.(spec.ArraySpec); ok && a.IsNonspatial() {
			if err := merged.specs.Set(key, s); err != nil {
				return nil, err
			}
			continue
		}

		roi, hasROI := existing.ROI()
		otherROI, otherHasROI := s.ROI()
		switch {
		case !otherHasROI:
			continue
		case hasROI:
			u, err := geometry.Union(roi, otherROI)
			if err != nil {
				return nil, fmt.Errorf("merging %s: %w", key, err)
			}
			otherROI = u
		}
		updated, err := spec.Derive(existing, spec.WithROI(otherROI))
		if err != nil {
			return nil, err
		}
		if err := merged.specs.Set(key, updated); err != nil {
			return nil, err
		}
	}
	return merged, nil
}

// Equal compares two requests entry by entry. The random seed is ignored:
// two requests asking for the same data are equal whatever their seeds.
func (r *BatchRequest) Equal(o *BatchRequest) bool {
	return r.specs.Equal(o.specs)
}

func (r *BatchRequest) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "BatchRequest (seed %d) with:\n", r.RandomSeed())
	b.WriteString(r.specs.String())
	return b.String()
}
