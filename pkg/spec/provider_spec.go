package spec

import (
	"fmt"
	"iter"
	"strings"

	pipelineerrors "github.com/voxpipe/voxpipe/pkg/errors"
	"github.com/voxpipe/voxpipe/pkg/geometry"
)

// ProviderSpec maps keys to the specs of the streams a node offers. Keys
// are kept in insertion order so iteration and logging are deterministic.
//
// The zero value is an empty ProviderSpec ready to use.
type ProviderSpec struct {
	keys  []Key
	specs map[Key]Spec
}

func NewProviderSpec() *ProviderSpec {
	return &ProviderSpec{specs: make(map[Key]Spec)}
}

// Set installs s for key, replacing any previous spec. The kind of the key
// must match the kind of the spec.
func (p *ProviderSpec) Set(key Key, s Spec) error {
	kind, err := KindOf(key)
	if err != nil {
		return err
	}
	if s == nil {
		return pipelineerrors.InvariantViolation("nil spec for %s", key)
	}
	if s.Kind() != kind {
		return pipelineerrors.UnsupportedKeyKind("%s spec for %s key %s", s.Kind(), kind, key)
	}

	if p.specs == nil {
		p.specs = make(map[Key]Spec)
	}
	if _, ok := p.specs[key]; !ok {
		p.keys = append(p.keys, key)
	}
	p.specs[key] = s
	return nil
}

func (p *ProviderSpec) Get(key Key) (Spec, bool) {
	if p == nil {
		return nil, false
	}
	s, ok := p.specs[key]
	return s, ok
}

func (p *ProviderSpec) Array(key ArrayKey) (ArraySpec, bool) {
	s, ok := p.Get(key)
	if !ok {
		return ArraySpec{}, false
	}
	a, ok := s.(ArraySpec)
	return a, ok
}

func (p *ProviderSpec) Graph(key GraphKey) (GraphSpec, bool) {
	s, ok := p.Get(key)
	if !ok {
		return GraphSpec{}, false
	}
	g, ok := s.(GraphSpec)
	return g, ok
}

func (p *ProviderSpec) Has(key Key) bool {
	_, ok := p.Get(key)
	return ok
}

func (p *ProviderSpec) Delete(key Key) {
	if _, ok := p.specs[key]; !ok {
		return
	}
	delete(p.specs, key)
	for i, k := range p.keys {
		if k == key {
			p.keys = append(p.keys[:i:i], p.keys[i+1:]...)
			break
		}
	}
}

func (p *ProviderSpec) Len() int {
	if p == nil {
		return 0
	}
	return len(p.keys)
}

// Keys returns the keys in insertion order.
func (p *ProviderSpec) Keys() []Key {
	if p == nil {
		return nil
	}
	return append([]Key(nil), p.keys...)
}

func (p *ProviderSpec) ArrayKeys() []ArrayKey {
	var keys []ArrayKey
	for _, k := range p.Keys() {
		if a, ok := k.(ArrayKey); ok {
			keys = append(keys, a)
		}
	}
	return keys
}

func (p *ProviderSpec) GraphKeys() []GraphKey {
	var keys []GraphKey
	for _, k := range p.Keys() {
		if g, ok := k.(GraphKey); ok {
			keys = append(keys, g)
		}
	}
	return keys
}

// All iterates over the entries in insertion order. The spec may be
// modified while iterating; deletions of not yet visited keys are honored.
func (p *ProviderSpec) All() iter.Seq2[Key, Spec] {
	return func(yield func(Key, Spec) bool) {
		for _, k := range p.Keys() {
			s, ok := p.Get(k)
			if !ok {
				continue
			}
			if !yield(k, s) {
				return
			}
		}
	}
}

// Copy returns an independent ProviderSpec. Specs are immutable values, so
// only the containers are copied.
func (p *ProviderSpec) Copy() *ProviderSpec {
	c := &ProviderSpec{
		keys:  p.Keys(),
		specs: make(map[Key]Spec, p.Len()),
	}
	if p != nil {
		for k, s := range p.specs {
			c.specs[k] = s
		}
	}
	return c
}

// TotalROI returns the union of the ROIs of all spatial, non-placeholder
// entries. ok is false if no entry has a ROI.
func (p *ProviderSpec) TotalROI() (roi geometry.Roi, ok bool, err error) {
	for key, s := range p.All() {
		if !IsSpatial(s) {
			continue
		}
		r, has := s.ROI()
		if !has {
			continue
		}
		if !ok {
			roi, ok = r, true
			continue
		}
		roi, err = geometry.Union(roi, r)
		if err != nil {
			return geometry.Roi{}, false, fmt.Errorf("total roi at %s: %w", key, err)
		}
	}
	return roi, ok, nil
}

// UpdateWith returns a copy of p with every entry of other merged in:
// missing keys are copied, present keys follow the spec merge law.
func (p *ProviderSpec) UpdateWith(other *ProviderSpec) (*ProviderSpec, error) {
	merged := p.Copy()
	for key, s := range other.All() {
		existing, ok := merged.Get(key)
		if !ok {
			if err := merged.Set(key, s); err != nil {
				return nil, err
			}
			continue
		}
		m, err := Merge(existing, s)
		if err != nil {
			return nil, fmt.Errorf("merging %s: %w", key, err)
		}
		if err := merged.Set(key, m); err != nil {
			return nil, err
		}
	}
	return merged, nil
}

// Equal compares entries regardless of insertion order.
func (p *ProviderSpec) Equal(o *ProviderSpec) bool {
	if p.Len() != o.Len() {
		return false
	}
	for key, s := range p.All() {
		os, ok := o.Get(key)
		if !ok || !Equal(s, os) {
			return false
		}
	}
	return true
}

func (p *ProviderSpec) String() string {
	var b strings.Builder
	for key, s := range p.All() {
		fmt.Fprintf(&b, "\t%s: %s\n", key, s)
	}
	return b.String()
}
