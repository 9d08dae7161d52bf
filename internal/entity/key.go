package entity

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

const maxKeyDepth = 16

// Identity names a saved entity independent of the Go pointer holding it.
type Identity struct {
	Type string
	ID   int64
}

// KeyCache remembers keys computed for saved entities. A cache may also
// supply keys for entities whose type has no unique constraint.
type KeyCache interface {
	Key(id Identity) (string, bool)
	Remember(id Identity, key string)
}

// MapKeyCache is a KeyCache backed by a plain map. It is not safe for
// concurrent use.
type MapKeyCache map[Identity]string

func (m MapKeyCache) Key(id Identity) (string, bool) {
	k, ok := m[id]
	return k, ok
}

func (m MapKeyCache) Remember(id Identity, key string) { m[id] = key }

// UniqueKey derives the key of e from its constraint fields:
//
//	Type_attr-value_rel-(subkey)
//
// A null attribute or unset optional relation contributes its bare name.
// Values are quoted so that only [A-Za-z0-9] and "=XX" escapes remain,
// which keeps keys parseable and collision free. cache may be nil.
func UniqueKey(e *Entity, cache KeyCache) (string, error) {
	return uniqueKey(e, cache, 0)
}

func uniqueKey(e *Entity, cache KeyCache, depth int) (string, error) {
	if e == nil {
		return "", &ConsistencyError{Type: "?", Msg: "nil entity"}
	}
	if depth > maxKeyDepth {
		return "", &ConsistencyError{Type: e.Type, Msg: "constraint relations nest too deep"}
	}
	id := Identity{Type: e.Type, ID: e.ID}
	if cache != nil && e.ID != 0 {
		if k, ok := cache.Key(id); ok {
			return k, nil
		}
	}
	ti := e.info
	if !ti.HasUniqueConstraint() {
		return "", &ConsistencyError{Type: e.Type, Msg: "type has no unique constraint"}
	}
	var b strings.Builder
	b.WriteString(e.Type)
	for _, name := range ti.Constraint {
		b.WriteByte('_')
		b.WriteString(name)
		switch ti.Kind(name) {
		case FieldAttr:
			v := e.Get(name)
			if v == nil {
				continue
			}
			b.WriteByte('-')
			b.WriteString(quoteKey(FormatValue(v)))
		case FieldOne:
			target := e.one[name]
			if target == nil {
				if ti.Required(name) {
					return "", &ConsistencyError{Type: e.Type, Msg: fmt.Sprintf("required relation %s is not set", name)}
				}
				continue
			}
			sub, err := uniqueKey(target, cache, depth+1)
			if err != nil {
				return "", err
			}
			b.WriteString("-(")
			b.WriteString(strings.TrimPrefix(sub, target.Type+"_"))
			b.WriteByte(')')
		default:
			return "", &ConsistencyError{Type: e.Type, Msg: fmt.Sprintf("constraint field %s unknown", name)}
		}
	}
	key := b.String()
	if cache != nil && e.ID != 0 {
		cache.Remember(id, key)
	}
	return key, nil
}

func isKeySafe(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9'
}

const hexDigits = "0123456789ABCDEF"

func quoteKey(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if isKeySafe(c) {
			b.WriteByte(c)
			continue
		}
		b.WriteByte('=')
		b.WriteByte(hexDigits[c>>4])
		b.WriteByte(hexDigits[c&0xF])
	}
	return b.String()
}

func unhex(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	}
	return 0, false
}

func unquoteKey(s string) (string, error) {
	if !strings.Contains(s, "=") {
		return s, nil
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] != '=' {
			b.WriteByte(s[i])
			continue
		}
		if i+2 >= len(s) {
			return "", errors.Errorf("truncated escape in %q", s)
		}
		hi, ok1 := unhex(s[i+1])
		lo, ok2 := unhex(s[i+2])
		if !ok1 || !ok2 {
			return "", errors.Errorf("bad escape in %q", s)
		}
		b.WriteByte(hi<<4 | lo)
		i += 2
	}
	return b.String(), nil
}

// KeyField is one constraint field parsed back from a unique key. Value is
// nil for a null field. Sub holds the fields of a related entity's key.
type KeyField struct {
	Name  string
	Value *string
	Sub   []KeyField
}

// IsRelation reports whether the field referenced another entity.
func (f KeyField) IsRelation() bool { return f.Sub != nil }

// ParseUniqueKey splits a key produced by UniqueKey into its type name and
// constraint fields.
func ParseUniqueKey(key string) (string, []KeyField, error) {
	i := strings.IndexByte(key, '_')
	if i <= 0 {
		return "", nil, errors.Errorf("not a unique key: %q", key)
	}
	typ := key[:i]
	for j := 0; j < len(typ); j++ {
		if !isKeySafe(typ[j]) {
			return "", nil, errors.Errorf("not a unique key: %q", key)
		}
	}
	p := &keyParser{s: key, pos: i + 1}
	fields, err := p.fields(0)
	if err != nil {
		return "", nil, err
	}
	if p.pos != len(p.s) {
		return "", nil, errors.Errorf("unexpected %q at offset %d in key %q", p.s[p.pos], p.pos, key)
	}
	return typ, fields, nil
}

type keyParser struct {
	s   string
	pos int
}

func (p *keyParser) fields(depth int) ([]KeyField, error) {
	if depth > maxKeyDepth {
		return nil, errors.Errorf("key %q nests too deep", p.s)
	}
	fields := []KeyField{}
	for {
		f, err := p.field(depth)
		if err != nil {
			return nil, err
		}
		fields = append(fields, f)
		if p.pos < len(p.s) && p.s[p.pos] == '_' {
			p.pos++
			continue
		}
		return fields, nil
	}
}

func (p *keyParser) field(depth int) (KeyField, error) {
	start := p.pos
	for p.pos < len(p.s) && isKeySafe(p.s[p.pos]) {
		p.pos++
	}
	if p.pos == start {
		return KeyField{}, errors.Errorf("missing field name at offset %d in key %q", start, p.s)
	}
	f := KeyField{Name: p.s[start:p.pos]}
	if p.pos >= len(p.s) || p.s[p.pos] != '-' {
		return f, nil
	}
	p.pos++
	if p.pos < len(p.s) && p.s[p.pos] == '(' {
		p.pos++
		sub, err := p.fields(depth + 1)
		if err != nil {
			return KeyField{}, err
		}
		if p.pos >= len(p.s) || p.s[p.pos] != ')' {
			return KeyField{}, errors.Errorf("unbalanced parenthesis in key %q", p.s)
		}
		p.pos++
		f.Sub = sub
		return f, nil
	}
	start = p.pos
	for p.pos < len(p.s) && (isKeySafe(p.s[p.pos]) || p.s[p.pos] == '=') {
		p.pos++
	}
	v, err := unquoteKey(p.s[start:p.pos])
	if err != nil {
		return KeyField{}, err
	}
	f.Value = &v
	return f, nil
}
