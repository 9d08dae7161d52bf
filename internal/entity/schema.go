package entity

import (
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// AttrType is the scalar type of an attribute.
type AttrType int

const (
	TypeString AttrType = iota
	TypeInt
	TypeFloat
	TypeBool
	TypeDate
)

var attrTypeNames = map[string]AttrType{
	"string":  TypeString,
	"int":     TypeInt,
	"long":    TypeInt,
	"integer": TypeInt,
	"float":   TypeFloat,
	"double":  TypeFloat,
	"bool":    TypeBool,
	"boolean": TypeBool,
	"date":    TypeDate,
}

// ParseAttrType maps a schema type name ("string", "Long", "Date", ...) to
// an AttrType. Unknown names, including enum types, are treated as strings.
func ParseAttrType(name string) AttrType {
	if t, ok := attrTypeNames[strings.ToLower(strings.TrimSpace(name))]; ok {
		return t
	}
	return TypeString
}

func (t AttrType) String() string {
	switch t {
	case TypeInt:
		return "int"
	case TypeFloat:
		return "float"
	case TypeBool:
		return "bool"
	case TypeDate:
		return "date"
	default:
		return "string"
	}
}

// Bookkeeping attributes are assigned by the server and never serialized.
var bookkeeping = map[string]AttrType{
	"id":         TypeInt,
	"createId":   TypeString,
	"createTime": TypeDate,
	"modId":      TypeString,
	"modTime":    TypeDate,
}

// IsBookkeeping reports whether name is a server-assigned attribute.
func IsBookkeeping(name string) bool {
	_, ok := bookkeeping[name]
	return ok
}

// Relation describes a to-one or to-many relation. For to-many relations
// Inverse names the to-one relation on the child pointing back to the owner.
type Relation struct {
	Name    string
	Target  string
	Inverse string
}

// FieldKind classifies a field name within a type.
type FieldKind int

const (
	FieldNone FieldKind = iota
	FieldAttr
	FieldOne
	FieldMany
)

// TypeInfo is the schema of one entity type.
type TypeInfo struct {
	Name       string
	Constraint []string

	attrs     map[string]AttrType
	attrNames []string
	one       map[string]Relation
	oneNames  []string
	many      map[string]Relation
	manyNames []string
	notNull   map[string]bool
}

// TypeDef is the plain description a TypeInfo is built from.
type TypeDef struct {
	Name       string
	Constraint []string
	NotNull    []string
	Attrs      map[string]AttrType
	One        map[string]string
	Many       map[string]Relation
}

// NewTypeInfo builds the schema of one type.
func NewTypeInfo(def TypeDef) *TypeInfo {
	ti := &TypeInfo{
		Name:       def.Name,
		Constraint: append([]string(nil), def.Constraint...),
		attrs:      map[string]AttrType{},
		one:        map[string]Relation{},
		many:       map[string]Relation{},
		notNull:    map[string]bool{},
	}
	if len(ti.Constraint) == 0 {
		ti.Constraint = []string{"id"}
	}
	for name, t := range def.Attrs {
		if IsBookkeeping(name) {
			continue
		}
		ti.attrs[name] = t
		ti.attrNames = append(ti.attrNames, name)
	}
	for name, target := range def.One {
		ti.one[name] = Relation{Name: name, Target: target}
		ti.oneNames = append(ti.oneNames, name)
	}
	for name, rel := range def.Many {
		rel.Name = name
		ti.many[name] = rel
		ti.manyNames = append(ti.manyNames, name)
	}
	for _, n := range def.NotNull {
		ti.notNull[n] = true
	}
	sort.Strings(ti.attrNames)
	sort.Strings(ti.oneNames)
	sort.Strings(ti.manyNames)
	return ti
}

// Attributes returns the serializable attribute names in sorted order.
func (ti *TypeInfo) Attributes() []string { return ti.attrNames }

// OneRelations returns the to-one relation names in sorted order.
func (ti *TypeInfo) OneRelations() []string { return ti.oneNames }

// ManyRelations returns the to-many relation names in sorted order.
func (ti *TypeInfo) ManyRelations() []string { return ti.manyNames }

func (ti *TypeInfo) AttrType(name string) (AttrType, bool) {
	if t, ok := bookkeeping[name]; ok {
		return t, true
	}
	t, ok := ti.attrs[name]
	return t, ok
}

func (ti *TypeInfo) One(name string) (Relation, bool) {
	r, ok := ti.one[name]
	return r, ok
}

func (ti *TypeInfo) Many(name string) (Relation, bool) {
	r, ok := ti.many[name]
	return r, ok
}

// Kind tells whether name is an attribute, a to-one or a to-many relation.
func (ti *TypeInfo) Kind(name string) FieldKind {
	if _, ok := ti.AttrType(name); ok {
		return FieldAttr
	}
	if _, ok := ti.one[name]; ok {
		return FieldOne
	}
	if _, ok := ti.many[name]; ok {
		return FieldMany
	}
	return FieldNone
}

// Required reports whether the field is declared NOT NULL.
func (ti *TypeInfo) Required(name string) bool { return ti.notNull[name] }

// HasUniqueConstraint is false for types whose only constraint is the
// server id. Keys of such types cannot be derived from their content.
func (ti *TypeInfo) HasUniqueConstraint() bool {
	return !(len(ti.Constraint) == 1 && ti.Constraint[0] == "id")
}

// Registry maps type names to their schema. It is built once and read-only
// afterwards.
type Registry struct {
	version  string
	types    map[string]*TypeInfo
	names    []string
	elements map[string]string
}

// NewRegistry validates that every relation targets a known type.
func NewRegistry(version string, infos ...*TypeInfo) (*Registry, error) {
	r := &Registry{
		version:  version,
		types:    make(map[string]*TypeInfo, len(infos)),
		elements: make(map[string]string, len(infos)),
	}
	for _, ti := range infos {
		if ti == nil || ti.Name == "" {
			return nil, errors.New("type info without name")
		}
		if _, dup := r.types[ti.Name]; dup {
			return nil, errors.Errorf("duplicate type %s", ti.Name)
		}
		r.types[ti.Name] = ti
		r.names = append(r.names, ti.Name)
		r.elements[ElementName(ti.Name)] = ti.Name
	}
	sort.Strings(r.names)
	for _, ti := range r.types {
		for _, rel := range ti.one {
			if _, ok := r.types[rel.Target]; !ok {
				return nil, errors.Errorf("%s.%s: unknown target type %s", ti.Name, rel.Name, rel.Target)
			}
		}
		for _, rel := range ti.many {
			child, ok := r.types[rel.Target]
			if !ok {
				return nil, errors.Errorf("%s.%s: unknown target type %s", ti.Name, rel.Name, rel.Target)
			}
			if rel.Inverse != "" {
				if inv, ok := child.one[rel.Inverse]; !ok || inv.Target != ti.Name {
					return nil, errors.Errorf("%s.%s: bad inverse %s", ti.Name, rel.Name, rel.Inverse)
				}
			}
		}
		for _, c := range ti.Constraint {
			if c != "id" && ti.Kind(c) != FieldAttr && ti.Kind(c) != FieldOne {
				return nil, errors.Errorf("%s: constraint field %s is neither attribute nor to-one relation", ti.Name, c)
			}
		}
	}
	return r, nil
}

func (r *Registry) Version() string { return r.version }

// Types returns all type names in sorted order.
func (r *Registry) Types() []string { return r.names }

func (r *Registry) Lookup(name string) (*TypeInfo, bool) {
	ti, ok := r.types[name]
	return ti, ok
}

// Type is Lookup with an error for unknown names.
func (r *Registry) Type(name string) (*TypeInfo, error) {
	ti, ok := r.types[name]
	if !ok {
		return nil, errors.Wrap(ErrUnknownType, name)
	}
	return ti, nil
}

// TypeForElement maps a lower camel case element name back to a type name.
func (r *Registry) TypeForElement(elem string) (string, bool) {
	t, ok := r.elements[elem]
	return t, ok
}

// New creates an empty, unsaved entity of the given type.
func (r *Registry) New(name string) (*Entity, error) {
	ti, err := r.Type(name)
	if err != nil {
		return nil, err
	}
	return newEntity(ti), nil
}

// MustNew is New for type names known to exist.
func (r *Registry) MustNew(name string) *Entity {
	e, err := r.New(name)
	if err != nil {
		panic(err)
	}
	return e
}

// PathType follows a dotted path from typ and returns the attribute type at
// its end. The last element must be an attribute.
func (r *Registry) PathType(typ, path string) (AttrType, error) {
	ti, err := r.Type(typ)
	if err != nil {
		return TypeString, err
	}
	parts := strings.Split(path, ".")
	for i, p := range parts {
		if i == len(parts)-1 {
			t, ok := ti.AttrType(p)
			if !ok {
				return TypeString, errors.Wrapf(ErrUnknownAttribute, "%s.%s", ti.Name, p)
			}
			return t, nil
		}
		rel, ok := ti.One(p)
		if !ok {
			return TypeString, errors.Wrapf(ErrUnknownAttribute, "%s.%s is not a to-one relation", ti.Name, p)
		}
		ti = r.types[rel.Target]
	}
	return TypeString, errors.Errorf("empty path")
}

// ElementName is the lower camel case form of a type name, e.g.
// "InvestigationGroup" -> "investigationGroup".
func ElementName(typ string) string {
	if typ == "" {
		return ""
	}
	return strings.ToLower(typ[:1]) + typ[1:]
}
