package catalogue

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"icatkit/internal/entity"
	"icatkit/internal/query"

	"github.com/pkg/errors"
)

// Memory is an in-process catalogue. It enforces uniqueness constraints and
// NOT NULL fields, cascades creates and answers queries, which makes it the
// stand-in for the real service in tests and offline conversions.
type Memory struct {
	mu     sync.Mutex
	reg    *entity.Registry
	nextID int64
	byType map[string][]*entity.Entity
	byID   map[entity.Identity]*entity.Entity
	byKey  map[string]*entity.Entity

	searches int
	creates  int
}

func NewMemory(reg *entity.Registry) *Memory {
	return &Memory{
		reg:    reg,
		byType: map[string][]*entity.Entity{},
		byID:   map[entity.Identity]*entity.Entity{},
		byKey:  map[string]*entity.Entity{},
	}
}

func (m *Memory) Registry() *entity.Registry { return m.reg }

func (m *Memory) ConstraintAttributes(typ string) ([]string, error) {
	return constraintAttributes(m.reg, typ)
}

// EntityInfo serves schema introspection from the registry.
func (m *Memory) EntityInfo(_ context.Context, typ string) (*entity.EntityInfo, error) {
	ti, err := m.reg.Type(typ)
	if err != nil {
		return nil, err
	}
	return ti.Describe(), nil
}

// Stats returns the number of Search and Create calls served so far.
func (m *Memory) Stats() (searches, creates int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.searches, m.creates
}

// Count returns the number of stored objects of typ.
func (m *Memory) Count(typ string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byType[typ])
}

// All returns copies of every stored object of typ in id order, with their
// to-one relations and the to-many relations named by includes.
func (m *Memory) All(typ string, includes ...string) []*entity.Entity {
	m.mu.Lock()
	defer m.mu.Unlock()
	x := m.newExporter(includes)
	out := make([]*entity.Entity, 0, len(m.byType[typ]))
	for _, e := range m.byType[typ] {
		out = append(out, x.export(e))
	}
	return out
}

// Create stores the tree rooted at e. Nothing is stored if any node fails.
func (m *Memory) Create(ctx context.Context, e *entity.Entity) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.creates++

	st := &staging{m: m, keys: map[string]bool{}, made: map[*entity.Entity]*entity.Entity{}}
	if err := st.add(e, nil, ""); err != nil {
		return err
	}
	for i, node := range st.order {
		m.nextID++
		stored := st.stored[i]
		node.ID = stored.ID
		m.byType[stored.Type] = append(m.byType[stored.Type], stored)
		m.byID[entity.Identity{Type: stored.Type, ID: stored.ID}] = stored
		if st.keyOf[i] != "" {
			m.byKey[st.keyOf[i]] = stored
		}
	}
	return nil
}

type staging struct {
	m      *Memory
	order  []*entity.Entity
	stored []*entity.Entity
	keyOf  []string
	keys   map[string]bool
	made   map[*entity.Entity]*entity.Entity
}

func (st *staging) add(node, parent *entity.Entity, inverse string) error {
	if node.ID != 0 {
		return errors.Wrapf(ErrValidation, "%s already has id %d", node.Type, node.ID)
	}
	if parent != nil && inverse != "" {
		if err := node.SetRel(inverse, parent); err != nil {
			return errors.Wrap(ErrValidation, err.Error())
		}
	}
	stored := node.Bare()
	stored.ID = st.m.nextID + int64(len(st.order)) + 1
	ti := node.Info()
	for _, name := range ti.OneRelations() {
		target := node.Rel(name)
		if target == nil {
			continue
		}
		if s, ok := st.made[target]; ok {
			_ = stored.SetRel(name, s)
			continue
		}
		s, ok := st.m.byID[entity.Identity{Type: target.Type, ID: target.ID}]
		if !ok || target.ID == 0 {
			return errors.Wrapf(ErrValidation, "%s.%s refers to %s which is not stored", node.Type, name, target)
		}
		_ = stored.SetRel(name, s)
	}
	if err := checkNotNull(stored); err != nil {
		return err
	}
	key := ""
	if ti.HasUniqueConstraint() {
		k, err := entity.UniqueKey(stored, idKeys{st.m.reg})
		if err != nil {
			return errors.Wrap(ErrValidation, err.Error())
		}
		if _, dup := st.m.byKey[k]; dup || st.keys[k] {
			return errors.Wrapf(ErrObjectExists, "%s", k)
		}
		st.keys[k] = true
		key = k
	}
	st.made[node] = stored
	st.order = append(st.order, node)
	st.stored = append(st.stored, stored)
	st.keyOf = append(st.keyOf, key)

	for _, name := range ti.ManyRelations() {
		rel, _ := ti.Many(name)
		for _, c := range node.Children(name) {
			if err := st.add(c, node, rel.Inverse); err != nil {
				return err
			}
		}
	}
	return nil
}

// idKeys lets stored objects of id-only types take part in the keys of
// their dependents.
type idKeys struct{ reg *entity.Registry }

func (k idKeys) Key(id entity.Identity) (string, bool) {
	ti, ok := k.reg.Lookup(id.Type)
	if !ok || ti.HasUniqueConstraint() {
		return "", false
	}
	return fmt.Sprintf("%s_id%d", id.Type, id.ID), true
}

func (idKeys) Remember(entity.Identity, string) {}

func checkNotNull(e *entity.Entity) error {
	ti := e.Info()
	for _, name := range ti.Attributes() {
		if ti.Required(name) && e.Get(name) == nil {
			return errors.Wrapf(ErrValidation, "%s.%s must not be null", e.Type, name)
		}
	}
	for _, name := range ti.OneRelations() {
		if ti.Required(name) && e.Rel(name) == nil {
			return errors.Wrapf(ErrValidation, "%s.%s must not be null", e.Type, name)
		}
	}
	return nil
}

// Update replaces the attributes and to-one relations of a stored object.
func (m *Memory) Update(ctx context.Context, e *entity.Entity) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.byID[entity.Identity{Type: e.Type, ID: e.ID}]
	if !ok {
		return errors.Wrapf(ErrNotFound, "%s(id=%d)", e.Type, e.ID)
	}
	next := e.Bare()
	for _, name := range e.Info().OneRelations() {
		target := e.Rel(name)
		if target == nil {
			continue
		}
		s, ok := m.byID[entity.Identity{Type: target.Type, ID: target.ID}]
		if !ok {
			return errors.Wrapf(ErrValidation, "%s.%s refers to %s which is not stored", e.Type, name, target)
		}
		_ = next.SetRel(name, s)
	}
	if err := checkNotNull(next); err != nil {
		return err
	}
	oldKey, newKey := "", ""
	if e.Info().HasUniqueConstraint() {
		var err error
		if oldKey, err = entity.UniqueKey(stored, idKeys{m.reg}); err != nil {
			return errors.Wrap(ErrValidation, err.Error())
		}
		if newKey, err = entity.UniqueKey(next, idKeys{m.reg}); err != nil {
			return errors.Wrap(ErrValidation, err.Error())
		}
		if other, dup := m.byKey[newKey]; dup && other != stored {
			return errors.Wrapf(ErrObjectExists, "%s", newKey)
		}
	}
	stored.Assign(next)
	if oldKey != newKey {
		delete(m.byKey, oldKey)
		m.byKey[newKey] = stored
	}
	return nil
}

func (m *Memory) ResolveByUniqueKey(ctx context.Context, key string) (*entity.Entity, error) {
	return ResolveUniqueKey(ctx, m, m.reg, key)
}

// Search evaluates q against the stored objects.
func (m *Memory) Search(ctx context.Context, q *query.Query) ([]*entity.Entity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.searches++
	if _, err := m.reg.Type(q.Entity); err != nil {
		return nil, errors.Wrap(ErrValidation, err.Error())
	}
	conds := make([]compiledCond, 0, len(q.Conditions))
	for _, c := range q.Conditions {
		cc, err := m.compile(q.Entity, c)
		if err != nil {
			return nil, err
		}
		conds = append(conds, cc)
	}
	var hits []*entity.Entity
	for _, e := range m.byType[q.Entity] {
		if matchAll(e, conds) {
			hits = append(hits, e)
		}
	}
	if len(q.Order) > 0 {
		sort.SliceStable(hits, func(i, j int) bool {
			for _, path := range q.Order {
				a, _ := hits[i].AttributeValue(path)
				b, _ := hits[j].AttributeValue(path)
				if c := compareAny(a, b); c != 0 {
					return c < 0
				}
			}
			return false
		})
	}
	if skip, count, ok := q.Window(); ok {
		if skip >= len(hits) {
			hits = nil
		} else {
			hits = hits[skip:]
			if count < len(hits) {
				hits = hits[:count]
			}
		}
	}
	x := m.newExporter(q.Includes)
	out := make([]*entity.Entity, 0, len(hits))
	for _, e := range hits {
		out = append(out, x.export(e))
	}
	return out, nil
}

func compareAny(a, b any) int {
	ea, oka := a.(*entity.Entity)
	eb, okb := b.(*entity.Entity)
	if oka || okb {
		return entity.Compare(ea, eb)
	}
	return entity.CompareValues(a, b)
}

type compiledCond struct {
	path  string
	op    string
	value any
	like  *regexp.Regexp
}

func (m *Memory) compile(typ string, c query.Condition) (compiledCond, error) {
	cc := compiledCond{path: c.Path, op: c.Op}
	switch c.Op {
	case query.OpIsNull, query.OpIsNotNull:
		return cc, nil
	case query.OpEq, query.OpNe, query.OpLt, query.OpGt, query.OpLe, query.OpGe, query.OpLike:
	default:
		return cc, errors.Wrapf(ErrValidation, "unsupported operator %q", c.Op)
	}
	t, err := m.reg.PathType(typ, c.Path)
	if err != nil {
		return cc, errors.Wrap(ErrValidation, err.Error())
	}
	v, err := entity.Coerce(t, c.Value)
	if err != nil {
		return cc, errors.Wrap(ErrValidation, err.Error())
	}
	cc.value = v
	if c.Op == query.OpLike {
		s, _ := v.(string)
		pat := regexp.QuoteMeta(s)
		pat = strings.ReplaceAll(pat, "%", ".*")
		pat = strings.ReplaceAll(pat, "_", ".")
		cc.like = regexp.MustCompile("^" + pat + "$")
	}
	return cc, nil
}

func matchAll(e *entity.Entity, conds []compiledCond) bool {
	for _, c := range conds {
		if !c.match(e) {
			return false
		}
	}
	return true
}

func (c compiledCond) match(e *entity.Entity) bool {
	v, err := e.AttributeValue(c.path)
	if err != nil {
		return false
	}
	if ent, ok := v.(*entity.Entity); ok && ent == nil {
		v = nil
	}
	switch c.op {
	case query.OpIsNull:
		return v == nil
	case query.OpIsNotNull:
		return v != nil
	}
	if v == nil {
		return false
	}
	if c.like != nil {
		return c.like.MatchString(entity.FormatValue(v))
	}
	cmp := entity.CompareValues(v, c.value)
	switch c.op {
	case query.OpEq:
		return cmp == 0
	case query.OpNe:
		return cmp != 0
	case query.OpLt:
		return cmp < 0
	case query.OpGt:
		return cmp > 0
	case query.OpLe:
		return cmp <= 0
	case query.OpGe:
		return cmp >= 0
	}
	return false
}

// children lists the stored objects whose inverse relation points at parent.
func (m *Memory) children(parent *entity.Entity, name string) []*entity.Entity {
	rel, ok := parent.Info().Many(name)
	if !ok || rel.Inverse == "" {
		return nil
	}
	var out []*entity.Entity
	for _, c := range m.byType[rel.Target] {
		if c.Rel(rel.Inverse) == parent {
			out = append(out, c)
		}
	}
	return out
}

// exporter copies stored objects for callers. To-one relations are always
// followed; to-many relations only along the include paths. Copies are
// shared within one export so that diamonds stay diamonds.
type exporter struct {
	m        *Memory
	includes includeTree
	memo     map[*entity.Entity]*entity.Entity
	filled   map[*entity.Entity]map[string]bool
}

type includeTree map[string]includeTree

func (m *Memory) newExporter(paths []string) *exporter {
	tree := includeTree{}
	for _, p := range paths {
		if p == query.IncludeAll {
			continue
		}
		node := tree
		for _, part := range strings.Split(p, ".") {
			next, ok := node[part]
			if !ok {
				next = includeTree{}
				node[part] = next
			}
			node = next
		}
	}
	return &exporter{m: m, includes: tree, memo: map[*entity.Entity]*entity.Entity{}, filled: map[*entity.Entity]map[string]bool{}}
}

func (x *exporter) export(src *entity.Entity) *entity.Entity {
	c := x.copyOne(src)
	x.attach(c, src, x.includes)
	return c
}

func (x *exporter) copyOne(src *entity.Entity) *entity.Entity {
	if c, ok := x.memo[src]; ok {
		return c
	}
	c := src.Bare()
	x.memo[src] = c
	for _, name := range src.Info().OneRelations() {
		if t := src.Rel(name); t != nil {
			_ = c.SetRel(name, x.copyOne(t))
		}
	}
	return c
}

func (x *exporter) attach(c, src *entity.Entity, tree includeTree) {
	ti := src.Info()
	for name, sub := range tree {
		switch ti.Kind(name) {
		case entity.FieldMany:
			if x.filled[c] == nil {
				x.filled[c] = map[string]bool{}
			}
			if !x.filled[c][name] {
				x.filled[c][name] = true
				kids := x.m.children(src, name)
				copies := make([]*entity.Entity, 0, len(kids))
				for _, k := range kids {
					copies = append(copies, x.copyOne(k))
				}
				_ = c.SetChildren(name, copies)
			}
			for i, k := range x.m.children(src, name) {
				x.attach(c.Children(name)[i], k, sub)
			}
		case entity.FieldOne:
			if t := src.Rel(name); t != nil {
				x.attach(c.Rel(name), t, sub)
			}
		}
	}
}
