// Package query builds search expressions for the catalogue.
//
// A Query is a plain value: the in-memory catalogue evaluates it directly and
// the remote client sends its String form.
package query

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Comparison operators understood by the catalogue.
const (
	OpEq        = "="
	OpNe        = "<>"
	OpLt        = "<"
	OpGt        = ">"
	OpLe        = "<="
	OpGe        = ">="
	OpLike      = "LIKE"
	OpIsNull    = "IS NULL"
	OpIsNotNull = "IS NOT NULL"
)

// IncludeAll asks for every to-one relation of the result objects.
const IncludeAll = "1"

// Condition restricts a dotted attribute path of the selected entity.
type Condition struct {
	Path  string
	Op    string
	Value any
}

// Query selects entities of one type.
type Query struct {
	Entity     string
	Conditions []Condition
	Includes   []string
	Order      []string

	skip    int
	count   int
	limited bool
}

func New(entity string) *Query {
	return &Query{Entity: entity}
}

// Build is the collaborator form used by dump plans.
func Build(entity string, conds []Condition, includes ...string) *Query {
	q := New(entity)
	q.Conditions = append(q.Conditions, conds...)
	q.Includes = append(q.Includes, includes...)
	return q
}

func (q *Query) Where(path, op string, value any) *Query {
	q.Conditions = append(q.Conditions, Condition{Path: path, Op: op, Value: value})
	return q
}

// Eq is Where with OpEq, or OpIsNull for a nil value.
func (q *Query) Eq(path string, value any) *Query {
	if value == nil {
		return q.Where(path, OpIsNull, nil)
	}
	return q.Where(path, OpEq, value)
}

func (q *Query) Include(paths ...string) *Query {
	q.Includes = append(q.Includes, paths...)
	return q
}

func (q *Query) OrderBy(paths ...string) *Query {
	q.Order = append(q.Order, paths...)
	return q
}

// Limit restricts the result to count objects after skipping skip.
func (q *Query) Limit(skip, count int) *Query {
	q.skip, q.count, q.limited = skip, count, true
	return q
}

// Window returns the limit set on q, if any.
func (q *Query) Window() (skip, count int, ok bool) {
	return q.skip, q.count, q.limited
}

func (q *Query) Clone() *Query {
	c := *q
	c.Conditions = append([]Condition(nil), q.Conditions...)
	c.Includes = append([]string(nil), q.Includes...)
	c.Order = append([]string(nil), q.Order...)
	return &c
}

// IncludesAll reports whether the query asks for all to-one relations.
func (q *Query) IncludesAll() bool {
	for _, inc := range q.Includes {
		if inc == IncludeAll {
			return true
		}
	}
	return false
}

// String renders the query in the catalogue's JPQL-like syntax, e.g.
//
//	SELECT o FROM Dataset o JOIN o.investigation AS a1
//	WHERE a1.name = 'x' ORDER BY o.name INCLUDE o.investigation AS i1 LIMIT 0, 10
func (q *Query) String() string {
	var b strings.Builder
	joins := newJoiner()

	var where []string
	for _, c := range q.Conditions {
		ref := joins.ref(c.Path)
		switch c.Op {
		case OpIsNull, OpIsNotNull:
			where = append(where, ref+" "+c.Op)
		default:
			where = append(where, fmt.Sprintf("%s %s %s", ref, c.Op, Literal(c.Value)))
		}
	}
	var order []string
	for _, o := range q.Order {
		order = append(order, joins.ref(o))
	}

	fmt.Fprintf(&b, "SELECT o FROM %s o", q.Entity)
	for _, j := range joins.list {
		fmt.Fprintf(&b, " JOIN %s AS %s", j.path, j.alias)
	}
	if len(where) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(where, " AND "))
	}
	if len(order) > 0 {
		b.WriteString(" ORDER BY ")
		b.WriteString(strings.Join(order, ", "))
	}
	if inc := renderIncludes(q.Includes); inc != "" {
		b.WriteString(" INCLUDE ")
		b.WriteString(inc)
	}
	if q.limited {
		fmt.Fprintf(&b, " LIMIT %d, %d", q.skip, q.count)
	}
	return b.String()
}

type join struct {
	path  string
	alias string
}

type joiner struct {
	aliases map[string]string
	list    []join
}

func newJoiner() *joiner {
	return &joiner{aliases: map[string]string{"": "o"}}
}

// ref returns alias.attr for a dotted path, adding joins for every relation
// step.
func (j *joiner) ref(path string) string {
	parts := strings.Split(path, ".")
	prefix := ""
	alias := "o"
	for _, p := range parts[:len(parts)-1] {
		next := p
		if prefix != "" {
			next = prefix + "." + p
		}
		a, ok := j.aliases[next]
		if !ok {
			a = "a" + strconv.Itoa(len(j.list)+1)
			j.aliases[next] = a
			j.list = append(j.list, join{path: alias + "." + p, alias: a})
		}
		prefix, alias = next, a
	}
	return alias + "." + parts[len(parts)-1]
}

func renderIncludes(includes []string) string {
	if len(includes) == 0 {
		return ""
	}
	for _, inc := range includes {
		if inc == IncludeAll {
			return IncludeAll
		}
	}
	// every prefix of every path needs its own alias
	set := map[string]bool{}
	for _, inc := range includes {
		parts := strings.Split(inc, ".")
		for i := range parts {
			set[strings.Join(parts[:i+1], ".")] = true
		}
	}
	paths := make([]string, 0, len(set))
	for p := range set {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	aliases := map[string]string{"": "o"}
	out := make([]string, 0, len(paths))
	for i, p := range paths {
		parent, last := "", p
		if k := strings.LastIndexByte(p, '.'); k >= 0 {
			parent, last = p[:k], p[k+1:]
		}
		alias := "i" + strconv.Itoa(i+1)
		aliases[p] = alias
		out = append(out, fmt.Sprintf("%s.%s AS %s", aliases[parent], last, alias))
	}
	return strings.Join(out, ", ")
}

// Literal renders a value as a query literal.
func Literal(v any) string {
	switch x := v.(type) {
	case nil:
		return "NULL"
	case string:
		return "'" + strings.ReplaceAll(x, "'", "''") + "'"
	case bool:
		if x {
			return "TRUE"
		}
		return "FALSE"
	case time.Time:
		return "{ts " + x.UTC().Format("2006-01-02 15:04:05") + "}"
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	default:
		return fmt.Sprintf("%v", x)
	}
}

// Spec is the structured form of q sent alongside its text, so that servers
// need not parse the query language.
func (q *Query) Spec() map[string]any {
	conds := make([]any, 0, len(q.Conditions))
	for _, c := range q.Conditions {
		m := map[string]any{"path": c.Path, "op": c.Op}
		if c.Value != nil {
			m["value"] = specValue(c.Value)
		}
		conds = append(conds, m)
	}
	spec := map[string]any{
		"entity":     q.Entity,
		"conditions": conds,
		"includes":   toAnySlice(q.Includes),
		"order":      toAnySlice(q.Order),
	}
	if q.limited {
		spec["skip"] = q.skip
		spec["count"] = q.count
	}
	return spec
}

func specValue(v any) any {
	switch x := v.(type) {
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano)
	case int:
		return int64(x)
	}
	return v
}

func toAnySlice(ss []string) []any {
	out := make([]any, 0, len(ss))
	for _, s := range ss {
		out = append(out, s)
	}
	return out
}

// FromSpec rebuilds a query from Spec output. Values come back untyped
// (strings, float64, bool) and are typed by the evaluator.
func FromSpec(spec map[string]any) (*Query, error) {
	ent, _ := spec["entity"].(string)
	if ent == "" {
		return nil, errors.New("query spec without entity")
	}
	q := New(ent)
	conds, _ := spec["conditions"].([]any)
	for _, raw := range conds {
		m, ok := raw.(map[string]any)
		if !ok {
			return nil, errors.Errorf("malformed condition %v", raw)
		}
		path, _ := m["path"].(string)
		op, _ := m["op"].(string)
		q.Where(path, op, m["value"])
	}
	for _, s := range stringList(spec["includes"]) {
		q.Include(s)
	}
	for _, s := range stringList(spec["order"]) {
		q.OrderBy(s)
	}
	if count, ok := spec["count"].(float64); ok {
		skip, _ := spec["skip"].(float64)
		q.Limit(int(skip), int(count))
	}
	return q, nil
}

func stringList(v any) []string {
	list, _ := v.([]any)
	out := make([]string, 0, len(list))
	for _, x := range list {
		if s, ok := x.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
