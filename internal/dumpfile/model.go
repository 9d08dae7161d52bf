// Package dumpfile converts between the catalogue's entity graph and a flat,
// chunked document of object definitions.
//
// A document is a header followed by chunks. Within a chunk, objects may
// refer to each other by local key; references across chunks use unique keys
// that are resolved against the catalogue. Concrete text formats live in
// sub-packages and register themselves with Register.
package dumpfile

import (
	"sort"
	"time"

	"icatkit/internal/query"
)

// FormatVersion is the document version written by this package.
const FormatVersion = "1.1"

// Header is informational and ignored on read.
type Header struct {
	Date       time.Time
	Generator  string
	Service    string
	APIVersion string
	Version    string
}

// Reference stands in for a related object: either a key (local or unique)
// or a set of attribute values, possibly with dotted paths, that identify
// exactly one object.
type Reference struct {
	Key   string
	Attrs map[string]string
}

func (r Reference) IsZero() bool { return r.Key == "" && len(r.Attrs) == 0 }

// Object is one declaration in a chunk. If Ref is set the declaration only
// binds Key to an existing object and nothing is created.
type Object struct {
	Type     string
	Key      string
	Attrs    map[string]any
	Refs     map[string]Reference
	Children map[string][]*Object
	Ref      *Reference
}

// NewObject returns an object definition with empty maps.
func NewObject(typ, key string) *Object {
	return &Object{
		Type:     typ,
		Key:      key,
		Attrs:    map[string]any{},
		Refs:     map[string]Reference{},
		Children: map[string][]*Object{},
	}
}

// NewRefDecl returns a standalone reference declaration.
func NewRefDecl(typ, key string, ref Reference) *Object {
	return &Object{Type: typ, Key: key, Ref: &ref}
}

func (o *Object) IsRefDecl() bool { return o.Ref != nil }

// Chunk is an ordered group of declarations read or written together.
type Chunk struct {
	Objects []*Object
}

// ChunkSpec lists the root searches producing one chunk.
type ChunkSpec struct {
	Name     string
	Searches []*query.Query
}

// Plan is the partition of a dump into chunks, already filtered for the
// server version.
type Plan struct {
	Version string
	Chunks  []ChunkSpec
}

// RootTypes returns the entity types selected by any search in the plan.
func (p Plan) RootTypes() map[string]bool {
	out := map[string]bool{}
	for _, c := range p.Chunks {
		for _, q := range c.Searches {
			out[q.Entity] = true
		}
	}
	return out
}

// FieldNames returns the names of all attributes, references and nested
// collections of o in sorted order.
func (o *Object) FieldNames() []string {
	names := make([]string, 0, len(o.Attrs)+len(o.Refs)+len(o.Children))
	for k := range o.Attrs {
		names = append(names, k)
	}
	for k := range o.Refs {
		names = append(names, k)
	}
	for k := range o.Children {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
