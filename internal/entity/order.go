package entity

import (
	"sort"
	"strings"
)

// Compare orders entities by their natural order: type name, then the
// constraint tuple (relations compared recursively), then id. Nil sorts
// first.
func Compare(a, b *Entity) int {
	return compareDepth(a, b, 0)
}

func compareDepth(a, b *Entity, depth int) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	case a == b:
		return 0
	}
	if c := strings.Compare(a.Type, b.Type); c != 0 {
		return c
	}
	if depth <= maxKeyDepth {
		for _, name := range a.info.Constraint {
			var c int
			switch a.info.Kind(name) {
			case FieldOne:
				c = compareDepth(a.one[name], b.one[name], depth+1)
			default:
				c = CompareValues(a.Get(name), b.Get(name))
			}
			if c != 0 {
				return c
			}
		}
	}
	switch {
	case a.ID < b.ID:
		return -1
	case a.ID > b.ID:
		return 1
	}
	return 0
}

// Sort orders entities in place by Compare. The sort is stable.
func Sort(es []*Entity) {
	sort.SliceStable(es, func(i, j int) bool { return Compare(es[i], es[j]) < 0 })
}

// Equal reports whether a and b denote the same catalogue record: same type
// and same server id. Unsaved entities are only equal to themselves.
func Equal(a, b *Entity) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a == b {
		return true
	}
	return a.Type == b.Type && a.ID != 0 && a.ID == b.ID
}

// Diff returns the name of the first attribute or to-one relation in which
// want and have differ, or "" if they agree. Bookkeeping attributes and
// children are not compared. Related entities are compared with Equal.
func Diff(want, have *Entity) string {
	if want.Type != have.Type {
		return "type"
	}
	for _, name := range want.info.attrNames {
		if !valuesEqual(want.attrs[name], have.attrs[name]) {
			return name
		}
	}
	for _, name := range want.info.oneNames {
		if !Equal(want.one[name], have.one[name]) {
			return name
		}
	}
	return ""
}
