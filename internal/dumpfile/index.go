package dumpfile

import (
	"fmt"

	"icatkit/internal/entity"
)

// Index maps local keys to entities for the chunk in progress. Entries of
// types without a unique constraint survive Reset, since nothing else could
// identify them later.
type Index struct {
	byKey      map[string]*entity.Entity
	byIdentity map[entity.Identity]string
	byPtr      map[*entity.Entity]string
	counter    int
}

func NewIndex() *Index {
	x := &Index{}
	x.clear()
	return x
}

func (x *Index) clear() {
	x.byKey = map[string]*entity.Entity{}
	x.byIdentity = map[entity.Identity]string{}
	x.byPtr = map[*entity.Entity]string{}
}

// Put binds key to e. Saved entities are also found by identity.
func (x *Index) Put(key string, e *entity.Entity) {
	x.byKey[key] = e
	x.byPtr[e] = key
	if e.ID != 0 {
		x.byIdentity[entity.Identity{Type: e.Type, ID: e.ID}] = key
	}
}

func (x *Index) Get(key string) (*entity.Entity, bool) {
	e, ok := x.byKey[key]
	return e, ok
}

// KeyOf returns the local key of e, matching either the same object or a
// saved object with the same identity.
func (x *Index) KeyOf(e *entity.Entity) (string, bool) {
	if e == nil {
		return "", false
	}
	if k, ok := x.byPtr[e]; ok {
		return k, true
	}
	if e.ID != 0 {
		k, ok := x.byIdentity[entity.Identity{Type: e.Type, ID: e.ID}]
		return k, ok
	}
	return "", false
}

// NextKey returns a fresh key for an object of a type without a unique
// constraint. Counters are never reused within one operation.
func (x *Index) NextKey(typ string) string {
	x.counter++
	return fmt.Sprintf("%s_%08d", typ, x.counter)
}

// Key serves the local keys of unconstrained types to unique key
// computation, so that objects constrained by such a parent stay
// referenceable.
func (x *Index) Key(id entity.Identity) (string, bool) {
	k, ok := x.byIdentity[id]
	if !ok {
		return "", false
	}
	if e := x.byKey[k]; e == nil || e.Info().HasUniqueConstraint() {
		return "", false
	}
	return k, true
}

func (x *Index) Remember(entity.Identity, string) {}

// Reset drops every entry except those of unconstrained types.
func (x *Index) Reset() {
	keep := map[string]*entity.Entity{}
	for k, e := range x.byKey {
		if !e.Info().HasUniqueConstraint() {
			keep[k] = e
		}
	}
	x.clear()
	for k, e := range keep {
		x.Put(k, e)
	}
}

func (x *Index) Len() int { return len(x.byKey) }

var _ entity.KeyCache = (*Index)(nil)
