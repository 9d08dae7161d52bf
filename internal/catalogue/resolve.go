package catalogue

import (
	"context"
	"sort"

	"icatkit/internal/entity"
	"icatkit/internal/query"

	"github.com/pkg/errors"
)

// UniqueKeyQuery turns a unique key back into a search for the object it
// names. Values are typed according to the registry.
func UniqueKeyQuery(reg *entity.Registry, key string) (*query.Query, error) {
	typ, fields, err := entity.ParseUniqueKey(key)
	if err != nil {
		return nil, err
	}
	ti, err := reg.Type(typ)
	if err != nil {
		return nil, err
	}
	if !ti.HasUniqueConstraint() {
		return nil, errors.Errorf("%s has no unique constraint, %q is a local key", typ, key)
	}
	q := query.New(typ).Include(query.IncludeAll)
	if err := keyConditions(reg, q, typ, "", fields); err != nil {
		return nil, errors.Wrapf(err, "key %q", key)
	}
	return q, nil
}

func keyConditions(reg *entity.Registry, q *query.Query, root, prefix string, fields []entity.KeyField) error {
	for _, f := range fields {
		path := prefix + f.Name
		switch {
		case f.IsRelation():
			if err := keyConditions(reg, q, root, path+".", f.Sub); err != nil {
				return err
			}
		case f.Value == nil:
			q.Where(path, query.OpIsNull, nil)
		default:
			t, err := reg.PathType(root, path)
			if err != nil {
				return err
			}
			v, err := entity.Coerce(t, *f.Value)
			if err != nil {
				return err
			}
			q.Where(path, query.OpEq, v)
		}
	}
	return nil
}

// ResolveUniqueKey finds the single object named by key.
func ResolveUniqueKey(ctx context.Context, s Searcher, reg *entity.Registry, key string) (*entity.Entity, error) {
	q, err := UniqueKeyQuery(reg, key)
	if err != nil {
		return nil, err
	}
	return searchOne(ctx, s, q, key)
}

func searchOne(ctx context.Context, s Searcher, q *query.Query, what string) (*entity.Entity, error) {
	res, err := s.Search(ctx, q)
	if err != nil {
		return nil, err
	}
	switch len(res) {
	case 0:
		return nil, errors.Wrap(ErrNotFound, what)
	case 1:
		return res[0], nil
	default:
		return nil, errors.Wrapf(ErrAmbiguous, "%s: %d objects", what, len(res))
	}
}

// SearchByAttributes finds objects of typ by attribute values. Keys may be
// dotted paths through to-one relations; "id" selects by server id.
func SearchByAttributes(ctx context.Context, s Searcher, reg *entity.Registry, typ string, attrs map[string]string) ([]*entity.Entity, error) {
	if len(attrs) == 0 {
		return nil, errors.Errorf("no attributes to search %s by", typ)
	}
	names := make([]string, 0, len(attrs))
	for name := range attrs {
		names = append(names, name)
	}
	sort.Strings(names)
	q := query.New(typ).Include(query.IncludeAll)
	for _, name := range names {
		t, err := reg.PathType(typ, name)
		if err != nil {
			return nil, err
		}
		v, err := entity.Coerce(t, attrs[name])
		if err != nil {
			return nil, errors.Wrapf(err, "%s.%s", typ, name)
		}
		q.Where(name, query.OpEq, v)
	}
	return s.Search(ctx, q)
}

// ResolveAttributes is SearchByAttributes requiring exactly one match.
func ResolveAttributes(ctx context.Context, s Searcher, reg *entity.Registry, typ string, attrs map[string]string) (*entity.Entity, error) {
	res, err := SearchByAttributes(ctx, s, reg, typ, attrs)
	if err != nil {
		return nil, err
	}
	switch len(res) {
	case 0:
		return nil, errors.Wrapf(ErrNotFound, "%s %v", typ, attrs)
	case 1:
		return res[0], nil
	default:
		return nil, errors.Wrapf(ErrAmbiguous, "%s %v: %d objects", typ, attrs, len(res))
	}
}

// SearchMatching finds the stored object that shares e's constraint values.
// Related objects must already carry their ids.
func SearchMatching(ctx context.Context, s Searcher, e *entity.Entity) (*entity.Entity, error) {
	ti := e.Info()
	if !ti.HasUniqueConstraint() {
		return nil, errors.Wrapf(ErrNotFound, "%s has no unique constraint", e.Type)
	}
	q := query.New(e.Type).Include(query.IncludeAll)
	for _, name := range ti.Constraint {
		if ti.Kind(name) == entity.FieldOne {
			target := e.Rel(name)
			switch {
			case target == nil:
				q.Where(name, query.OpIsNull, nil)
			case target.ID == 0:
				return nil, errors.Errorf("%s.%s refers to an unsaved %s", e.Type, name, target.Type)
			default:
				q.Where(name+".id", query.OpEq, target.ID)
			}
			continue
		}
		q.Eq(name, e.Get(name))
	}
	return searchOne(ctx, s, q, e.String())
}

// SearchChunked runs q in windows of size objects, ordered by id so that
// paging is stable, and returns all results.
func SearchChunked(ctx context.Context, s Searcher, q *query.Query, size int) ([]*entity.Entity, error) {
	if size <= 0 {
		return s.Search(ctx, q)
	}
	base := q.Clone()
	if len(base.Order) == 0 {
		base.OrderBy("id")
	}
	var out []*entity.Entity
	for skip := 0; ; skip += size {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		page, err := s.Search(ctx, base.Clone().Limit(skip, size))
		if err != nil {
			return nil, err
		}
		out = append(out, page...)
		if len(page) < size {
			return out, nil
		}
	}
}
