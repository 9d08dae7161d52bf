package entity

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// Entity is one catalogue record. All schema types share this struct; the
// TypeInfo it carries tells which attributes and relations are valid.
//
// To-many collections always exist and start out empty.
type Entity struct {
	Type string
	ID   int64

	info  *TypeInfo
	attrs map[string]any
	one   map[string]*Entity
	many  map[string][]*Entity
}

func newEntity(ti *TypeInfo) *Entity {
	e := &Entity{
		Type:  ti.Name,
		info:  ti,
		attrs: make(map[string]any, len(ti.attrNames)),
		one:   make(map[string]*Entity, len(ti.oneNames)),
		many:  make(map[string][]*Entity, len(ti.manyNames)),
	}
	for _, name := range ti.manyNames {
		e.many[name] = []*Entity{}
	}
	return e
}

func (e *Entity) Info() *TypeInfo { return e.info }

// Get returns the attribute value or nil if it is not set.
func (e *Entity) Get(name string) any {
	if name == "id" {
		if e.ID == 0 {
			return nil
		}
		return e.ID
	}
	return e.attrs[name]
}

// Set assigns an attribute, coercing v to the declared attribute type.
// A nil value clears the attribute.
func (e *Entity) Set(name string, v any) error {
	t, ok := e.info.AttrType(name)
	if !ok {
		return errors.Wrapf(ErrUnknownAttribute, "%s.%s", e.Type, name)
	}
	cv, err := Coerce(t, v)
	if err != nil {
		return errors.Wrapf(err, "%s.%s", e.Type, name)
	}
	if name == "id" {
		if cv == nil {
			e.ID = 0
		} else {
			e.ID = cv.(int64)
		}
		return nil
	}
	if cv == nil {
		delete(e.attrs, name)
		return nil
	}
	e.attrs[name] = cv
	return nil
}

// MustSet is Set for values known to be valid.
func (e *Entity) MustSet(name string, v any) *Entity {
	if err := e.Set(name, v); err != nil {
		panic(err)
	}
	return e
}

// Rel returns the to-one relation target or nil.
func (e *Entity) Rel(name string) *Entity { return e.one[name] }

// SetRel sets (or with nil, clears) a to-one relation.
func (e *Entity) SetRel(name string, target *Entity) error {
	rel, ok := e.info.One(name)
	if !ok {
		return errors.Wrapf(ErrUnknownAttribute, "%s.%s is not a to-one relation", e.Type, name)
	}
	if target == nil {
		delete(e.one, name)
		return nil
	}
	if target.Type != rel.Target {
		return errors.Errorf("%s.%s: expected %s, got %s", e.Type, name, rel.Target, target.Type)
	}
	e.one[name] = target
	return nil
}

// MustSetRel is SetRel for targets known to be valid.
func (e *Entity) MustSetRel(name string, target *Entity) *Entity {
	if err := e.SetRel(name, target); err != nil {
		panic(err)
	}
	return e
}

// Children returns the to-many collection. Unknown names yield nil.
func (e *Entity) Children(name string) []*Entity { return e.many[name] }

// AddChild appends c to the named to-many collection.
func (e *Entity) AddChild(name string, c *Entity) error {
	rel, ok := e.info.Many(name)
	if !ok {
		return errors.Wrapf(ErrUnknownAttribute, "%s.%s is not a to-many relation", e.Type, name)
	}
	if c.Type != rel.Target {
		return errors.Errorf("%s.%s: expected %s, got %s", e.Type, name, rel.Target, c.Type)
	}
	e.many[name] = append(e.many[name], c)
	return nil
}

// MustAddChild is AddChild for children known to be valid.
func (e *Entity) MustAddChild(name string, c *Entity) *Entity {
	if err := e.AddChild(name, c); err != nil {
		panic(err)
	}
	return e
}

// HasChildren reports whether any to-many collection is non-empty.
func (e *Entity) HasChildren() bool {
	for _, kids := range e.many {
		if len(kids) > 0 {
			return true
		}
	}
	return false
}

// Walk calls fn for e and every entity nested below it through to-many
// relations, parents before children.
func (e *Entity) Walk(fn func(*Entity) error) error {
	if err := fn(e); err != nil {
		return err
	}
	for _, name := range e.info.manyNames {
		for _, c := range e.many[name] {
			if err := c.Walk(fn); err != nil {
				return err
			}
		}
	}
	return nil
}

// AttributeValue follows a dotted path of to-one relations and returns the
// attribute (or related entity) at its end.
func (e *Entity) AttributeValue(path string) (any, error) {
	parts := strings.Split(path, ".")
	cur := e
	for i, p := range parts {
		last := i == len(parts)-1
		switch cur.info.Kind(p) {
		case FieldAttr:
			if !last {
				return nil, &InternalError{Path: path, Msg: fmt.Sprintf("%s is an attribute, not a relation", p)}
			}
			return cur.Get(p), nil
		case FieldOne:
			next := cur.one[p]
			if last {
				return next, nil
			}
			if next == nil {
				return nil, &InternalError{Path: path, Msg: fmt.Sprintf("%s.%s is not set", cur.Type, p)}
			}
			cur = next
		default:
			return nil, &InternalError{Path: path, Msg: fmt.Sprintf("%s has no attribute %s", cur.Type, p)}
		}
	}
	return nil, &InternalError{Path: path, Msg: "empty path"}
}

// Copy returns a shallow copy: attributes are copied, relation targets and
// children are shared.
func (e *Entity) Copy() *Entity {
	c := newEntity(e.info)
	c.ID = e.ID
	for k, v := range e.attrs {
		c.attrs[k] = v
	}
	for k, v := range e.one {
		c.one[k] = v
	}
	for k, v := range e.many {
		c.many[k] = append([]*Entity{}, v...)
	}
	return c
}

// Assign copies all attributes and to-one relations of src onto e, including
// unset ones. The id and children of e are kept.
func (e *Entity) Assign(src *Entity) {
	for _, name := range e.info.attrNames {
		if v, ok := src.attrs[name]; ok {
			e.attrs[name] = v
		} else {
			delete(e.attrs, name)
		}
	}
	for _, name := range e.info.oneNames {
		if t := src.one[name]; t != nil {
			e.one[name] = t
		} else {
			delete(e.one, name)
		}
	}
}

func (e *Entity) String() string {
	if e == nil {
		return "<nil>"
	}
	if e.ID != 0 {
		return fmt.Sprintf("%s(id=%d)", e.Type, e.ID)
	}
	var b strings.Builder
	b.WriteString(e.Type)
	b.WriteString("{")
	for i, name := range e.info.Constraint {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(name)
		b.WriteString("=")
		if t, ok := e.one[name]; ok {
			b.WriteString(t.String())
		} else {
			b.WriteString(FormatValue(e.Get(name)))
		}
	}
	b.WriteString("}")
	return b.String()
}

// Bare returns a copy holding only the id and attributes of e.
func (e *Entity) Bare() *Entity {
	c := newEntity(e.info)
	c.ID = e.ID
	for k, v := range e.attrs {
		c.attrs[k] = v
	}
	return c
}

// SetChildren replaces a to-many collection.
func (e *Entity) SetChildren(name string, kids []*Entity) error {
	rel, ok := e.info.Many(name)
	if !ok {
		return errors.Wrapf(ErrUnknownAttribute, "%s.%s is not a to-many relation", e.Type, name)
	}
	for _, c := range kids {
		if c.Type != rel.Target {
			return errors.Errorf("%s.%s: expected %s, got %s", e.Type, name, rel.Target, c.Type)
		}
	}
	e.many[name] = append([]*Entity{}, kids...)
	return nil
}

// Bookkeeping returns the server-assigned attributes other than the id.
func (e *Entity) Bookkeeping() map[string]any {
	out := map[string]any{}
	for name := range bookkeeping {
		if v, ok := e.attrs[name]; ok {
			out[name] = v
		}
	}
	return out
}
