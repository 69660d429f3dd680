package pipeline

import (
	"github.com/emirpasic/gods/sets/linkedhashset"

	pipelineerrors "github.com/voxpipe/voxpipe/pkg/errors"
	"github.com/voxpipe/voxpipe/pkg/spec"
)

// Declaration collects what a node announces while the pipeline is wired.
// It is only valid during the node's Declare call.
type Declaration struct {
	name      string
	upstreams []*spec.ProviderSpec
	spec      *spec.ProviderSpec
	provided  *linkedhashset.Set
	updated   *linkedhashset.Set
	autoskip  bool
}

// newDeclaration starts a declaration. Filters start from their upstream's
// spec so undeclared keys pass through; sources and relays start empty.
func newDeclaration(name string, role role, upstreams []*spec.ProviderSpec) *Declaration {
	d := &Declaration{
		name:      name,
		upstreams: upstreams,
		spec:      spec.NewProviderSpec(),
		provided:  linkedhashset.New(),
		updated:   linkedhashset.New(),
	}
	if role == roleFilter && len(upstreams) == 1 {
		d.spec = upstreams[0].Copy()
	}
	return d
}

// Upstream returns the spec of the single upstream node, or nil if the node
// has none or several.
func (d *Declaration) Upstream() *spec.ProviderSpec {
	if len(d.upstreams) != 1 {
		return nil
	}
	return d.upstreams[0].Copy()
}

// Upstreams returns the specs of all upstream nodes in connection order.
func (d *Declaration) Upstreams() []*spec.ProviderSpec {
	specs := make([]*spec.ProviderSpec, len(d.upstreams))
	for i, u := range d.upstreams {
		specs[i] = u.Copy()
	}
	return specs
}

// Spec returns what the node advertises so far.
func (d *Declaration) Spec() *spec.ProviderSpec {
	return d.spec.Copy()
}

// Provides announces a new key. It fails if the key is already known at
// this point of the pipeline.
func (d *Declaration) Provides(key spec.Key, s spec.Spec) error {
	if d.spec.Has(key) || d.declared(key) {
		return pipelineerrors.SpecConflict("%s: provides %s, which is already provided upstream", d.name, key)
	}
	if err := d.spec.Set(key, s); err != nil {
		return err
	}
	d.provided.Add(key)
	return nil
}

// Updates announces that the node modifies an existing key, replacing its
// advertised spec with s.
func (d *Declaration) Updates(key spec.Key, s spec.Spec) error {
	if !d.spec.Has(key) {
		return pipelineerrors.SpecConflict("%s: updates %s, which is not provided upstream", d.name, key)
	}
	if d.declared(key) {
		return pipelineerrors.SpecConflict("%s: %s is declared twice", d.name, key)
	}
	if err := d.spec.Set(key, s); err != nil {
		return err
	}
	d.updated.Add(key)
	return nil
}

// EnableAutoskip makes the node forward requests untouched when none of the
// keys it provides or updates is requested.
func (d *Declaration) EnableAutoskip() {
	d.autoskip = true
}

func (d *Declaration) declared(key spec.Key) bool {
	return d.provided.Contains(key) || d.updated.Contains(key)
}

func (d *Declaration) providedKeys() []spec.Key {
	return toKeys(d.provided.Values())
}

func (d *Declaration) updatedKeys() []spec.Key {
	return toKeys(d.updated.Values())
}

func toKeys(values []interface{}) []spec.Key {
	keys := make([]spec.Key, 0, len(values))
	for _, v := range values {
		keys = append(keys, v.(spec.Key))
	}
	return keys
}
