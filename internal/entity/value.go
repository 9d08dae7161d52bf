package entity

import (
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

var dateLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// Coerce converts v to the canonical Go representation of t: string, int64,
// float64, bool or time.Time (UTC). Strings are parsed. nil stays nil.
func Coerce(t AttrType, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch t {
	case TypeString:
		switch x := v.(type) {
		case string:
			return x, nil
		case time.Time:
			return FormatValue(x), nil
		case bool, int, int32, int64, float32, float64:
			return FormatValue(x), nil
		}
	case TypeInt:
		switch x := v.(type) {
		case int:
			return int64(x), nil
		case int32:
			return int64(x), nil
		case int64:
			return x, nil
		case float64:
			if x != math.Trunc(x) {
				return nil, errors.Wrapf(ErrInvalidValue, "%v is not an integer", x)
			}
			return int64(x), nil
		case string:
			n, err := strconv.ParseInt(strings.TrimSpace(x), 10, 64)
			if err != nil {
				return nil, errors.Wrapf(ErrInvalidValue, "%q is not an integer", x)
			}
			return n, nil
		}
	case TypeFloat:
		switch x := v.(type) {
		case float64:
			return x, nil
		case float32:
			return float64(x), nil
		case int:
			return float64(x), nil
		case int64:
			return float64(x), nil
		case string:
			f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
			if err != nil {
				return nil, errors.Wrapf(ErrInvalidValue, "%q is not a number", x)
			}
			return f, nil
		}
	case TypeBool:
		switch x := v.(type) {
		case bool:
			return x, nil
		case string:
			b, err := strconv.ParseBool(strings.TrimSpace(x))
			if err != nil {
				return nil, errors.Wrapf(ErrInvalidValue, "%q is not a boolean", x)
			}
			return b, nil
		}
	case TypeDate:
		switch x := v.(type) {
		case time.Time:
			return x.UTC(), nil
		case string:
			s := strings.TrimSpace(x)
			for _, layout := range dateLayouts {
				if ts, err := time.Parse(layout, s); err == nil {
					return ts.UTC(), nil
				}
			}
			return nil, errors.Wrapf(ErrInvalidValue, "%q is not a date", x)
		}
	}
	return nil, errors.Wrapf(ErrInvalidValue, "%T for %s attribute", v, t)
}

// FormatValue renders a canonical value as text. Dates use RFC 3339 in UTC.
func FormatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case int64:
		return strconv.FormatInt(x, 10)
	case int:
		return strconv.Itoa(x)
	case int32:
		return strconv.FormatInt(int64(x), 10)
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(x), 'g', -1, 32)
	case bool:
		return strconv.FormatBool(x)
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano)
	default:
		return ""
	}
}

// CompareValues orders two canonical values of the same attribute. nil sorts
// first.
func CompareValues(a, b any) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	}
	switch x := a.(type) {
	case string:
		if y, ok := b.(string); ok {
			return strings.Compare(x, y)
		}
	case int64:
		if y, ok := b.(int64); ok {
			switch {
			case x < y:
				return -1
			case x > y:
				return 1
			}
			return 0
		}
	case float64:
		if y, ok := b.(float64); ok {
			switch {
			case x < y:
				return -1
			case x > y:
				return 1
			}
			return 0
		}
	case bool:
		if y, ok := b.(bool); ok {
			switch {
			case x == y:
				return 0
			case !x:
				return -1
			}
			return 1
		}
	case time.Time:
		if y, ok := b.(time.Time); ok {
			return x.Compare(y)
		}
	}
	return strings.Compare(FormatValue(a), FormatValue(b))
}

func valuesEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return CompareValues(a, b) == 0
}
