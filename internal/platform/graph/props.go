package graph

import (
	"encoding/json"
	"reflect"
	"time"
)

// Props holds node or edge properties. Values are normalized to string,
// int64, float64, bool, time.Time or []string on write; after a JSON round
// trip numbers arrive as float64 and times as RFC3339 strings, which the
// accessors accept too.
type Props map[string]any

func (p Props) String(key string) string {
	s, _ := p[key].(string)
	return s
}

// OptString returns nil when the key is absent.
func (p Props) OptString(key string) *string {
	s, ok := p[key].(string)
	if !ok {
		return nil
	}
	return &s
}

func (p Props) Int(key string) int64 {
	switch v := p[key].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case int32:
		return int64(v)
	case float64:
		return int64(v)
	case json.Number:
		n, _ := v.Int64()
		return n
	}
	return 0
}

// Has reports whether key is present with a non-nil value.
func (p Props) Has(key string) bool {
	v, ok := p[key]
	return ok && v != nil
}

func (p Props) Bool(key string) bool {
	b, _ := p[key].(bool)
	return b
}

// OptBool returns nil when the key is absent.
func (p Props) OptBool(key string) *bool {
	b, ok := p[key].(bool)
	if !ok {
		return nil
	}
	return &b
}

// Time returns nil when the key is absent or not a time.
func (p Props) Time(key string) *time.Time {
	switch v := p[key].(type) {
	case time.Time:
		t := v.UTC()
		return &t
	case string:
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return nil
		}
		t = t.UTC()
		return &t
	}
	return nil
}

func (p Props) Strings(key string) []string {
	switch v := p[key].(type) {
	case []string:
		return append([]string(nil), v...)
	case []any:
		out := make([]string, 0, len(v))
		for _, x := range v {
			if s, ok := x.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// Clone returns a copy of p with normalized values.
func (p Props) Clone() Props {
	out := make(Props, len(p))
	for k, v := range p {
		out[k] = normalize(v)
	}
	return out
}

func normalize(v any) any {
	switch x := v.(type) {
	case int:
		return int64(x)
	case int32:
		return int64(x)
	case uint32:
		return int64(x)
	case float32:
		return float64(x)
	case time.Time:
		return x.UTC()
	case *time.Time:
		if x == nil {
			return nil
		}
		return x.UTC()
	case *string:
		if x == nil {
			return nil
		}
		return *x
	case *bool:
		if x == nil {
			return nil
		}
		return *x
	case []string:
		return append([]string(nil), x...)
	case []any:
		strs := make([]string, 0, len(x))
		for _, el := range x {
			str, ok := el.(string)
			if !ok {
				return v
			}
			strs = append(strs, str)
		}
		return strs
	}
	return v
}

// Equal reports whether p and o hold the same values. A nil value and a
// missing key are the same thing.
func (p Props) Equal(o Props) bool {
	for k, v := range p {
		if !equalValue(v, o[k]) {
			return false
		}
	}
	for k, v := range o {
		if _, ok := p[k]; !ok && v != nil {
			return false
		}
	}
	return true
}

// equalValue compares two normalized property values.
func equalValue(a, b any) bool {
	a, b = normalize(a), normalize(b)
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if fa, ok := number(a); ok {
		fb, ok := number(b)
		return ok && fa == fb
	}
	switch x := a.(type) {
	case time.Time:
		y, ok := b.(time.Time)
		return ok && x.Equal(y)
	case []string:
		y, ok := b.([]string)
		if !ok || len(x) != len(y) {
			return false
		}
		for i := range x {
			if x[i] != y[i] {
				return false
			}
		}
		return true
	}
	return reflect.DeepEqual(a, b)
}

func number(v any) (float64, bool) {
	switch x := v.(type) {
	case int64:
		return float64(x), true
	case float64:
		return x, true
	}
	return 0, false
}
