package dumpfile

import (
	"context"
	"sort"
	"strconv"
	"strings"

	"icatkit/internal/catalogue"
	"icatkit/internal/entity"

	"github.com/pkg/errors"
)

// Resolver turns entities into references and back. The index is consulted
// first, the catalogue only when the index does not know the reference.
type Resolver struct {
	cat   catalogue.Client
	reg   *entity.Registry
	index *Index
	keys  entity.MapKeyCache

	lookups int
}

func NewResolver(cat catalogue.Client, reg *entity.Registry, index *Index) *Resolver {
	if reg == nil {
		reg = cat.Registry()
	}
	return &Resolver{cat: cat, reg: reg, index: index, keys: entity.MapKeyCache{}}
}

// Encode returns the local key of e if the index has one, else its unique
// key.
func (r *Resolver) Encode(e *entity.Entity) (Reference, error) {
	if k, ok := r.index.KeyOf(e); ok {
		return Reference{Key: k}, nil
	}
	k, err := r.UniqueKey(e)
	if err != nil {
		return Reference{}, err
	}
	return Reference{Key: k}, nil
}

// UniqueKey computes the unique key of e, reusing keys computed earlier in
// this chunk and the local keys of unconstrained types.
func (r *Resolver) UniqueKey(e *entity.Entity) (string, error) {
	return entity.UniqueKey(e, resolverCache{r})
}

type resolverCache struct{ r *Resolver }

func (c resolverCache) Key(id entity.Identity) (string, bool) {
	if k, ok := c.r.index.Key(id); ok {
		return k, true
	}
	return c.r.keys.Key(id)
}

func (c resolverCache) Remember(id entity.Identity, key string) { c.r.keys.Remember(id, key) }

// Decode returns the object of type target that ref stands for.
func (r *Resolver) Decode(ctx context.Context, target string, ref Reference) (*entity.Entity, error) {
	var (
		e   *entity.Entity
		err error
	)
	switch {
	case ref.Key != "":
		e, err = r.decodeKey(ctx, ref.Key)
	case len(ref.Attrs) > 0:
		e, err = r.decodeAttrs(ctx, target, ref.Attrs)
	default:
		return nil, inputErrorf(Malformed, "empty reference to %s", target)
	}
	if err != nil {
		return nil, err
	}
	if e.Type != target {
		return nil, inputErrorf(Malformed, "reference %s is a %s, expected %s", describeRef(ref), e.Type, target)
	}
	return e, nil
}

func (r *Resolver) decodeKey(ctx context.Context, key string) (*entity.Entity, error) {
	if e, ok := r.index.Get(key); ok {
		return e, nil
	}
	typ, _, err := entity.ParseUniqueKey(key)
	if err != nil {
		return nil, inputErrorf(Unresolved, "object not found: %s", key)
	}
	ti, ok := r.reg.Lookup(typ)
	if !ok || !ti.HasUniqueConstraint() {
		return nil, inputErrorf(Unresolved, "object not found: %s", key)
	}
	r.lookups++
	e, err := r.cat.ResolveByUniqueKey(ctx, key)
	if err != nil {
		if isSchemaError(err) {
			// the key parses but does not fit the schema: a local key
			// that was never defined
			return nil, inputErrorf(Unresolved, "object not found: %s", key)
		}
		return nil, remoteLookupError(err, key)
	}
	r.index.Put(key, e)
	return e, nil
}

func (r *Resolver) decodeAttrs(ctx context.Context, target string, attrs map[string]string) (*entity.Entity, error) {
	r.lookups++
	e, err := catalogue.ResolveAttributes(ctx, r.cat, r.reg, target, attrs)
	if err != nil {
		return nil, remoteLookupError(err, describeRef(Reference{Attrs: attrs}))
	}
	return e, nil
}

func remoteLookupError(err error, what string) error {
	switch {
	case errors.Is(err, catalogue.ErrNotFound):
		return inputErrorf(Unresolved, "object not found: %s", what)
	case errors.Is(err, catalogue.ErrAmbiguous):
		return inputErrorf(Ambiguous, "reference %s matches more than one object", what)
	case isSchemaError(err):
		return inputErrorf(Malformed, "reference %s: %v", what, err)
	}
	return errors.Wrapf(err, "resolve %s", what)
}

func isSchemaError(err error) bool {
	return errors.Is(err, entity.ErrUnknownAttribute) || errors.Is(err, entity.ErrUnknownType) || errors.Is(err, entity.ErrInvalidValue)
}

// Lookups counts catalogue calls made by Decode.
func (r *Resolver) Lookups() int { return r.lookups }

// Reset forgets the unique keys computed for the finished chunk.
func (r *Resolver) Reset() { r.keys = entity.MapKeyCache{} }

func describeRef(ref Reference) string {
	if ref.Key != "" {
		return ref.Key
	}
	return formatAttrs(ref.Attrs)
}

func formatAttrs(attrs map[string]string) string {
	names := make([]string, 0, len(attrs))
	for k := range attrs {
		names = append(names, k)
	}
	sort.Strings(names)
	parts := make([]string, len(names))
	for i, k := range names {
		parts[i] = k + "=" + strconv.Quote(attrs[k])
	}
	return "{" + strings.Join(parts, ", ") + "}"
}
