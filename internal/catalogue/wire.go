package catalogue

import (
	"time"

	"icatkit/internal/entity"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/types/known/structpb"
)

// Entities cross the wire as protobuf Structs:
//
//	{"_type": "Dataset", "id": 12, "name": "d1",
//	 "investigation": {"_type": "Investigation", "id": 3},
//	 "datafiles": [{"_type": "Datafile", ...}]}
//
// An object that is already being encoded further up is sent as a bare
// {"_type", "id"} reference.
const typeField = "_type"

// EncodeEntity converts e, its to-one targets and its children to a Struct.
// With refsOnly, saved to-one targets are sent as bare references.
func EncodeEntity(e *entity.Entity, refsOnly bool) (*structpb.Struct, error) {
	enc := &wireEncoder{refsOnly: refsOnly, active: map[*entity.Entity]bool{}}
	m, err := enc.encode(e)
	if err != nil {
		return nil, err
	}
	return structpb.NewStruct(m)
}

type wireEncoder struct {
	refsOnly bool
	active   map[*entity.Entity]bool
}

func refMap(e *entity.Entity) map[string]any {
	return map[string]any{typeField: e.Type, "id": e.ID}
}

func wireValue(v any) any {
	if t, ok := v.(time.Time); ok {
		return entity.FormatValue(t)
	}
	return v
}

func (w *wireEncoder) encode(e *entity.Entity) (map[string]any, error) {
	if w.active[e] {
		if e.ID == 0 {
			return nil, errors.Errorf("cycle through unsaved %s", e.Type)
		}
		return refMap(e), nil
	}
	w.active[e] = true
	defer delete(w.active, e)

	m := map[string]any{typeField: e.Type}
	if e.ID != 0 {
		m["id"] = e.ID
	}
	ti := e.Info()
	for _, name := range ti.Attributes() {
		if v := e.Get(name); v != nil {
			m[name] = wireValue(v)
		}
	}
	for name, v := range e.Bookkeeping() {
		m[name] = wireValue(v)
	}
	for _, name := range ti.OneRelations() {
		t := e.Rel(name)
		if t == nil {
			continue
		}
		if w.refsOnly && t.ID != 0 {
			m[name] = refMap(t)
			continue
		}
		if w.active[t] && t.ID == 0 {
			// back reference to an unsaved parent, restored by the cascade
			continue
		}
		sub, err := w.encode(t)
		if err != nil {
			return nil, err
		}
		m[name] = sub
	}
	for _, name := range ti.ManyRelations() {
		kids := e.Children(name)
		if len(kids) == 0 {
			continue
		}
		list := make([]any, 0, len(kids))
		for _, c := range kids {
			sub, err := w.encode(c)
			if err != nil {
				return nil, err
			}
			list = append(list, sub)
		}
		m[name] = list
	}
	return m, nil
}

// DecodeEntity rebuilds an entity graph from a Struct. Objects with the
// same type and id decode to the same pointer.
func DecodeEntity(reg *entity.Registry, s *structpb.Struct) (*entity.Entity, error) {
	dec := &wireDecoder{reg: reg, seen: map[entity.Identity]*entity.Entity{}}
	return dec.decode(s.AsMap())
}

// DecodeEntities decodes a list sharing one identity map.
func DecodeEntities(reg *entity.Registry, list *structpb.ListValue) ([]*entity.Entity, error) {
	dec := &wireDecoder{reg: reg, seen: map[entity.Identity]*entity.Entity{}}
	out := make([]*entity.Entity, 0, len(list.GetValues()))
	for _, v := range list.GetValues() {
		m, ok := v.AsInterface().(map[string]any)
		if !ok {
			return nil, errors.New("entity list holds a non-object")
		}
		e, err := dec.decode(m)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

type wireDecoder struct {
	reg  *entity.Registry
	seen map[entity.Identity]*entity.Entity
}

func (d *wireDecoder) decode(m map[string]any) (*entity.Entity, error) {
	typ, _ := m[typeField].(string)
	e, err := d.reg.New(typ)
	if err != nil {
		return nil, err
	}
	if raw, ok := m["id"]; ok {
		if err := e.Set("id", raw); err != nil {
			return nil, err
		}
		id := entity.Identity{Type: typ, ID: e.ID}
		if prev, ok := d.seen[id]; ok {
			return prev, nil
		}
		d.seen[id] = e
	}
	ti := e.Info()
	for name, raw := range m {
		if name == typeField || name == "id" {
			continue
		}
		switch ti.Kind(name) {
		case entity.FieldAttr:
			if err := e.Set(name, raw); err != nil {
				return nil, err
			}
		case entity.FieldOne:
			sub, ok := raw.(map[string]any)
			if !ok {
				return nil, errors.Errorf("%s.%s: expected object", typ, name)
			}
			t, err := d.decode(sub)
			if err != nil {
				return nil, err
			}
			if err := e.SetRel(name, t); err != nil {
				return nil, err
			}
		case entity.FieldMany:
			list, ok := raw.([]any)
			if !ok {
				return nil, errors.Errorf("%s.%s: expected list", typ, name)
			}
			for _, item := range list {
				sub, ok := item.(map[string]any)
				if !ok {
					return nil, errors.Errorf("%s.%s: expected object", typ, name)
				}
				c, err := d.decode(sub)
				if err != nil {
					return nil, err
				}
				if err := e.AddChild(name, c); err != nil {
					return nil, err
				}
			}
		default:
			return nil, errors.Wrapf(entity.ErrUnknownAttribute, "%s.%s", typ, name)
		}
	}
	return e, nil
}

// treeIDs lists the ids of e and its nested children in Walk order.
func treeIDs(e *entity.Entity) []any {
	var ids []any
	_ = e.Walk(func(n *entity.Entity) error {
		ids = append(ids, n.ID)
		return nil
	})
	return ids
}

// assignTreeIDs is the client side of treeIDs.
func assignTreeIDs(e *entity.Entity, ids []any) error {
	i := 0
	err := e.Walk(func(n *entity.Entity) error {
		if i >= len(ids) {
			return errors.New("create returned too few ids")
		}
		f, ok := ids[i].(float64)
		if !ok {
			return errors.Errorf("bad id %v", ids[i])
		}
		n.ID = int64(f)
		i++
		return nil
	})
	if err != nil {
		return err
	}
	if i != len(ids) {
		return errors.New("create returned too many ids")
	}
	return nil
}
