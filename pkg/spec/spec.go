package spec

import (
	pipelineerrors "github.com/voxpipe/voxpipe/pkg/errors"
	"github.com/voxpipe/voxpipe/pkg/geometry"
)

// Spec is implemented by ArraySpec and GraphSpec only.
type Spec interface {
	Kind() Kind
	ROI() (geometry.Roi, bool)
	IsPlaceholder() bool
	String() string

	sealed()
}

// Derive applies opts to a copy of s, whatever its kind.
func Derive(s Spec, opts ...Option) (Spec, error) {
	switch s := s.(type) {
	case ArraySpec:
		return s.Derive(opts...)
	case GraphSpec:
		return s.Derive(opts...)
	default:
		return nil, pipelineerrors.UnsupportedKeyKind("spec %T", s)
	}
}

// Merge applies the spec merge law (see ArraySpec.UpdateWith) to specs of
// the same kind.
func Merge(target, source Spec) (Spec, error) {
	switch t := target.(type) {
	case ArraySpec:
		s, ok := source.(ArraySpec)
		if !ok {
			return nil, pipelineerrors.SpecConflict("can not merge %s spec into array spec", source.Kind())
		}
		return t.UpdateWith(s)
	case GraphSpec:
		s, ok := source.(GraphSpec)
		if !ok {
			return nil, pipelineerrors.SpecConflict("can not merge %s spec into graph spec", source.Kind())
		}
		return t.UpdateWith(s)
	default:
		return nil, pipelineerrors.UnsupportedKeyKind("spec %T", target)
	}
}

func Equal(a, b Spec) bool {
	switch a := a.(type) {
	case ArraySpec:
		b, ok := b.(ArraySpec)
		return ok && a.Equal(b)
	case GraphSpec:
		b, ok := b.(GraphSpec)
		return ok && a.Equal(b)
	default:
		return false
	}
}

// IsSpatial reports whether s carries geometry that takes part in ROI
// arithmetic: nonspatial arrays and placeholders do not.
func IsSpatial(s Spec) bool {
	if s.IsPlaceholder() {
		return false
	}
	if a, ok := s.(ArraySpec); ok && a.IsNonspatial() {
		return false
	}
	return true
}
