package request

import (
	"sort"

	"github.com/cespare/xxhash/v2"

	"github.com/voxpipe/voxpipe/pkg/spec"
)

type hasher interface {
	WriteString(value string) error
}

// KeyHasher computes cache keys in a stable way using xxhash.
type KeyHasher struct {
	hasher *xxhash.Digest
}

// NewHasher returns a hasher for string values.
func NewHasher(xhash *xxhash.Digest) *KeyHasher {
	return &KeyHasher{hasher: xhash}
}

// WriteString writes the provided string to the hash.
func (c *KeyHasher) WriteString(value string) error {
	_, err := c.hasher.WriteString(value)
	return err
}

func (c *KeyHasher) Key() uint64 {
	return c.hasher.Sum64()
}

// Append writes the entries of r to h. Entries are sorted by key identity
// first, so two requests that differ only in insertion order hash alike.
// The seed is not written.
func (r *BatchRequest) Append(h hasher) error {
	type entry struct {
		id  string
		key spec.Key
	}
	entries := make([]entry, 0, r.Len())
	for _, key := range r.Keys() {
		entries = append(entries, entry{id: keyID(key), key: key})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].id < entries[j].id })

	// prefix to avoid overlap with previous strings written
	if err := h.WriteString("/"); err != nil {
		return err
	}
	for _, e := range entries {
		s, _ := r.Get(e.key)
		if err := h.WriteString(e.id + "=" + s.String() + ";"); err != nil {
			return err
		}
	}
	return nil
}

// Hash returns a key identifying the data r asks for. Requests that are
// Equal have the same Hash whatever their seeds.
func (r *BatchRequest) Hash() uint64 {
	h := NewHasher(xxhash.New())
	// writes to an xxhash.Digest never fail
	_ = r.Append(h)
	return h.Key()
}

func keyID(key spec.Key) string {
	switch k := key.(type) {
	case spec.ArrayKey:
		return "a" + k.ID().String()
	case spec.GraphKey:
		return "g" + k.ID().String()
	default:
		return key.String()
	}
}
