// Package spec describes the streams a pipeline node can provide: the keys
// naming them and the array and graph metadata attached to each key.
package spec

import (
	"fmt"

	"github.com/oklog/ulid/v2"

	pipelineerrors "github.com/voxpipe/voxpipe/pkg/errors"
)

// Kind tells array streams from graph streams.
type Kind int

const (
	KindArray Kind = iota + 1
	KindGraph
)

func (k Kind) String() string {
	switch k {
	case KindArray:
		return "array"
	case KindGraph:
		return "graph"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Key identifies a stream. Only ArrayKey and GraphKey are accepted by
// specs and requests; any other implementation is rejected with
// errors.ErrUnsupportedKeyKind.
type Key interface {
	Kind() Kind
	Name() string
	String() string
}

// ArrayKey names an array stream. Every call to NewArrayKey mints a new
// identity, so two keys with the same name are distinct.
type ArrayKey struct {
	id   ulid.ULID
	name string
}

var _ Key = ArrayKey{}

func NewArrayKey(name string) ArrayKey {
	return ArrayKey{id: ulid.Make(), name: name}
}

func (k ArrayKey) Kind() Kind { return KindArray }
func (k ArrayKey) Name() string { return k.name }
func (k ArrayKey) ID() ulid.ULID { return k.id }
func (k ArrayKey) String() string { return k.name }
func (k ArrayKey) IsZero() bool { return k.id.IsZero() }

// GraphKey names a graph (points) stream.
type GraphKey struct {
	id   ulid.ULID
	name string
}

var _ Key = GraphKey{}

func NewGraphKey(name string) GraphKey {
	return GraphKey{id: ulid.Make(), name: name}
}

func (k GraphKey) Kind() Kind { return KindGraph }
func (k GraphKey) Name() string { return k.name }
func (k GraphKey) ID() ulid.ULID { return k.id }
func (k GraphKey) String() string { return k.name }
func (k GraphKey) IsZero() bool { return k.id.IsZero() }

// KindOf resolves the kind of key, failing for foreign Key implementations
// and zero-value keys.
func KindOf(key Key) (Kind, error) {
	switch k := key.(type) {
	case ArrayKey:
		if k.IsZero() {
			return 0, pipelineerrors.UnsupportedKeyKind("zero array key")
		}
		return KindArray, nil
	case GraphKey:
		if k.IsZero() {
			return 0, pipelineerrors.UnsupportedKeyKind("zero graph key")
		}
		return KindGraph, nil
	default:
		return 0, pipelineerrors.UnsupportedKeyKind("%T", key)
	}
}
