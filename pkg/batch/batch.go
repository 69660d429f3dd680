// Package batch contains the containers a pipeline produces: arrays and
// graphs keyed by the spec keys they were requested with.
package batch

import (
	"fmt"
	"strings"
	"sync/atomic"

	pipelineerrors "github.com/voxpipe/voxpipe/pkg/errors"
	"github.com/voxpipe/voxpipe/pkg/request"
	"github.com/voxpipe/voxpipe/pkg/spec"
)

var nextID atomic.Uint64

// Batch holds the arrays and graphs produced for one request. Keys keep
// insertion order.
type Batch struct {
	id     uint64
	keys   []spec.Key
	arrays map[spec.ArrayKey]*Array
	graphs map[spec.GraphKey]*Graph
}

func New() *Batch {
	return &Batch{
		id:     nextID.Add(1),
		arrays: make(map[spec.ArrayKey]*Array),
		graphs: make(map[spec.GraphKey]*Graph),
	}
}

// ID identifies the batch in logs. Batches derived from another batch keep
// its id.
func (b *Batch) ID() uint64 {
	return b.id
}

func (b *Batch) SetArray(key spec.ArrayKey, a *Array) {
	if !b.Has(key) {
		b.keys = append(b.keys, key)
	}
	b.arrays[key] = a
}

func (b *Batch) SetGraph(key spec.GraphKey, g *Graph) {
	if !b.Has(key) {
		b.keys = append(b.keys, key)
	}
	b.graphs[key] = g
}

func (b *Batch) Array(key spec.ArrayKey) (*Array, bool) {
	a, ok := b.arrays[key]
	return a, ok
}

func (b *Batch) Graph(key spec.GraphKey) (*Graph, bool) {
	g, ok := b.graphs[key]
	return g, ok
}

func (b *Batch) Has(key spec.Key) bool {
	switch k := key.(type) {
	case spec.ArrayKey:
		_, ok := b.arrays[k]
		return ok
	case spec.GraphKey:
		_, ok := b.graphs[k]
		return ok
	default:
		return false
	}
}

func (b *Batch) Delete(key spec.Key) {
	if !b.Has(key) {
		return
	}
	switch k := key.(type) {
	case spec.ArrayKey:
		delete(b.arrays, k)
	case spec.GraphKey:
		delete(b.graphs, k)
	}
	for i, k := range b.keys {
		if k == key {
			b.keys = append(b.keys[:i:i], b.keys[i+1:]...)
			break
		}
	}
}

// Keys returns the keys in insertion order.
func (b *Batch) Keys() []spec.Key {
	return append([]spec.Key(nil), b.keys...)
}

func (b *Batch) Len() int {
	return len(b.keys)
}

// SpecOf returns the spec of the array or graph stored under key.
func (b *Batch) SpecOf(key spec.Key) (spec.Spec, bool) {
	switch k := key.(type) {
	case spec.ArrayKey:
		if a, ok := b.arrays[k]; ok {
			return a.Spec(), true
		}
	case spec.GraphKey:
		if g, ok := b.graphs[k]; ok {
			return g.Spec(), true
		}
	}
	return nil, false
}

// Copy returns a batch with the same id and contents. Arrays and graphs are
// immutable and therefore shared.
func (b *Batch) Copy() *Batch {
	c := &Batch{
		id:     b.id,
		keys:   b.Keys(),
		arrays: make(map[spec.ArrayKey]*Array, len(b.arrays)),
		graphs: make(map[spec.GraphKey]*Graph, len(b.graphs)),
	}
	for k, a := range b.arrays {
		c.arrays[k] = a
	}
	for k, g := range b.graphs {
		c.graphs[k] = g
	}
	return c
}

// Crop returns a batch holding only the requested keys, each cropped to its
// requested ROI. Keys requested without a ROI are kept as they are; keys
// missing from b are skipped.
func (b *Batch) Crop(req *request.BatchRequest) (*Batch, error) {
	c := &Batch{
		id:     b.id,
		arrays: make(map[spec.ArrayKey]*Array),
		graphs: make(map[spec.GraphKey]*Graph),
	}
	for _, key := range req.Keys() {
		s, _ := req.Get(key)
		roi, hasROI := s.ROI()
		switch k := key.(type) {
		case spec.ArrayKey:
			a, ok := b.arrays[k]
			if !ok {
				continue
			}
			if hasROI && spec.IsSpatial(a.Spec()) {
				cropped, err := a.Crop(roi)
				if err != nil {
					return nil, fmt.Errorf("cropping %s: %w", key, err)
				}
				a = cropped
			}
			c.SetArray(k, a)
		case spec.GraphKey:
			g, ok := b.graphs[k]
			if !ok {
				continue
			}
			if hasROI {
				cropped, err := g.Crop(roi)
				if err != nil {
					return nil, fmt.Errorf("cropping %s: %w", key, err)
				}
				g = cropped
			}
			c.SetGraph(k, g)
		default:
			return nil, pipelineerrors.UnsupportedKeyKind("key %s", key)
		}
	}
	return c, nil
}

// Merge returns a copy of b with the contents of other added. Entries of
// other replace entries of b, except that with mergeGraphs set graphs
// present in both are merged node by node.
func (b *Batch) Merge(other *Batch, mergeGraphs bool) (*Batch, error) {
	merged := b.Copy()
	for _, key := range other.keys {
		switch k := key.(type) {
		case spec.ArrayKey:
			merged.SetArray(k, other.arrays[k])
		case spec.GraphKey:
			g := other.graphs[k]
			if existing, ok := merged.graphs[k]; ok && mergeGraphs {
				m, err := existing.Merge(g)
				if err != nil {
					return nil, fmt.Errorf("merging %s: %w", key, err)
				}
				g = m
			}
			merged.SetGraph(k, g)
		}
	}
	return merged, nil
}

func (b *Batch) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Batch %d\n", b.id)
	for _, key := range b.keys {
		switch k := key.(type) {
		case spec.ArrayKey:
			fmt.Fprintf(&sb, "\t%s: %s\n", key, b.arrays[k])
		case spec.GraphKey:
			fmt.Fprintf(&sb, "\t%s: %s\n", key, b.graphs[k])
		}
	}
	return sb.String()
}
