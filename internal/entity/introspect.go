package entity

import (
	"context"

	"github.com/pkg/errors"
)

// RelType tells whether a field is a scalar or a relation.
type RelType string

const (
	RelNone RelType = ""
	RelOne  RelType = "ONE"
	RelMany RelType = "MANY"
)

// FieldInfo describes one field as reported by the catalogue.
type FieldInfo struct {
	Name     string
	Type     string
	Relation RelType
	NotNull  bool
	// Inverse is the field on the related type pointing back, set for
	// to-many relations.
	Inverse string
}

// EntityInfo is the catalogue's description of one entity type.
type EntityInfo struct {
	Constraint []string
	Fields     []FieldInfo
}

// Introspector reports the schema of the remote catalogue.
type Introspector interface {
	EntityInfo(ctx context.Context, typ string) (*EntityInfo, error)
}

// LoadRegistry asks the catalogue for the description of every named type
// and builds a registry from the answers.
func LoadRegistry(ctx context.Context, src Introspector, version string, types []string) (*Registry, error) {
	infos := make([]*TypeInfo, 0, len(types))
	for _, typ := range types {
		ei, err := src.EntityInfo(ctx, typ)
		if err != nil {
			return nil, errors.Wrapf(err, "entity info for %s", typ)
		}
		infos = append(infos, NewTypeInfo(typeDefFromInfo(typ, ei)))
	}
	return NewRegistry(version, infos...)
}

func typeDefFromInfo(typ string, ei *EntityInfo) TypeDef {
	def := TypeDef{
		Name:       typ,
		Constraint: ei.Constraint,
		Attrs:      map[string]AttrType{},
		One:        map[string]string{},
		Many:       map[string]Relation{},
	}
	for _, f := range ei.Fields {
		switch f.Relation {
		case RelOne:
			def.One[f.Name] = f.Type
		case RelMany:
			def.Many[f.Name] = Relation{Target: f.Type, Inverse: f.Inverse}
		default:
			def.Attrs[f.Name] = ParseAttrType(f.Type)
		}
		if f.NotNull {
			def.NotNull = append(def.NotNull, f.Name)
		}
	}
	return def
}

// Describe is the inverse of LoadRegistry for one type. The in-memory
// catalogue serves introspection requests with it.
func (ti *TypeInfo) Describe() *EntityInfo {
	ei := &EntityInfo{Constraint: append([]string(nil), ti.Constraint...)}
	for _, name := range ti.attrNames {
		ei.Fields = append(ei.Fields, FieldInfo{Name: name, Type: ti.attrs[name].String(), NotNull: ti.notNull[name]})
	}
	for _, name := range ti.oneNames {
		ei.Fields = append(ei.Fields, FieldInfo{Name: name, Type: ti.one[name].Target, Relation: RelOne, NotNull: ti.notNull[name]})
	}
	for _, name := range ti.manyNames {
		rel := ti.many[name]
		ei.Fields = append(ei.Fields, FieldInfo{Name: name, Type: rel.Target, Relation: RelMany, Inverse: rel.Inverse})
	}
	return ei
}
