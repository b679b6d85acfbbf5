// Package filter implements the generic list query shared by every entity
// type: a {field: {v, op}} filter mapping combined with AND or OR, multi-key
// sorting and paging, evaluated over flattened rows.
package filter

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/mdr/mdr/internal/platform/apperr"
	"github.com/mdr/mdr/internal/platform/versioning"
	"github.com/mdr/mdr/pkg/pagination"
)

// Operator compares a row value with filter values.
type Operator string

const (
	Equal          Operator = "eq"
	NotEqual       Operator = "ne"
	Contains       Operator = "co"
	GreaterOrEqual Operator = "ge"
	Greater        Operator = "gt"
	LessOrEqual    Operator = "le"
	Less           Operator = "lt"
	Between        Operator = "bw"
)

func (o Operator) valid() bool {
	switch o {
	case Equal, NotEqual, Contains, GreaterOrEqual, Greater, LessOrEqual, Less, Between:
		return true
	}
	return false
}

// Combinator joins the per-field conditions.
type Combinator string

const (
	And Combinator = "and"
	Or  Combinator = "or"
)

// Element is the condition on one field. Values are OR-ed for eq and co.
type Element struct {
	Values []any    `json:"v"`
	Op     Operator `json:"op,omitempty"`
}

// Dict maps a dotted field path to its condition.
type Dict map[string]Element

// SortField orders by one dotted path.
type SortField struct {
	Field string
	Asc   bool
}

// Query is a complete list request.
type Query struct {
	Filters    Dict
	Combinator Combinator
	Sort       []SortField
	Page       pagination.Params
	// TotalCount requests the unpaged total.
	TotalCount bool
}

// Row is a flattened entity, usually its JSON representation.
type Row map[string]any

// ParseDict decodes the JSON filter parameter.
func ParseDict(raw string) (Dict, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var d Dict
	if err := json.Unmarshal([]byte(raw), &d); err != nil {
		return nil, apperr.Validation("filter.parse", "invalid filters %q: %v", raw, err)
	}
	for field, el := range d {
		if el.Op == "" {
			el.Op = Equal
			d[field] = el
		}
		if !el.Op.valid() {
			return nil, apperr.Validation("filter.parse", "invalid filter operator %q for field %q", el.Op, field)
		}
		if el.Op == Between && len(el.Values) != 2 {
			return nil, apperr.Validation("filter.parse", "operator bw needs exactly two values for field %q", field)
		}
	}
	return d, nil
}

// ParseCombinator accepts "and", "or" or empty (and).
func ParseCombinator(s string) (Combinator, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "and":
		return And, nil
	case "or":
		return Or, nil
	}
	return "", apperr.Validation("filter.parse", "invalid filter operator %q, expected and/or", s)
}

// Page is one page of a filtered list.
type Page[T any] struct {
	Items []T
	Total int
}

// Apply filters, sorts and pages items.
func Apply[T any](items []T, rowOf func(T) Row, q Query) Page[T] {
	type pair struct {
		item T
		row  Row
	}
	kept := make([]pair, 0, len(items))
	for _, it := range items {
		row := rowOf(it)
		if Match(row, q.Filters, q.Combinator) {
			kept = append(kept, pair{it, row})
		}
	}

	if len(q.Sort) > 0 {
		sort.SliceStable(kept, func(i, j int) bool {
			for _, s := range q.Sort {
				c := compare(first(Lookup(kept[i].row, s.Field)), first(Lookup(kept[j].row, s.Field)))
				if c == 0 {
					continue
				}
				if s.Asc {
					return c < 0
				}
				return c > 0
			}
			return false
		})
	}

	total := len(kept)
	start, end := 0, total
	if q.Page.Limit > 0 {
		start = min(q.Page.Offset, total)
		end = min(start+q.Page.Limit, total)
	}
	out := make([]T, 0, end-start)
	for _, p := range kept[start:end] {
		out = append(out, p.item)
	}
	return Page[T]{Items: out, Total: total}
}

// Match evaluates the filter dict against a row.
func Match(row Row, d Dict, comb Combinator) bool {
	if len(d) == 0 {
		return true
	}
	for field, el := range d {
		ok := matchElement(Lookup(row, field), el)
		if comb == Or && ok {
			return true
		}
		if comb != Or && !ok {
			return false
		}
	}
	return comb != Or
}

func matchElement(got []any, el Element) bool {
	op := el.Op
	if op == "" {
		op = Equal
	}
	if len(el.Values) == 0 {
		return true
	}
	switch op {
	case NotEqual:
		for _, g := range got {
			for _, v := range el.Values {
				if compare(g, v) == 0 {
					return false
				}
			}
		}
		return true
	case Between:
		for _, g := range got {
			if compare(g, el.Values[0]) >= 0 && compare(g, el.Values[1]) <= 0 {
				return true
			}
		}
		return false
	}
	for _, g := range got {
		for _, v := range el.Values {
			if test(op, g, v) {
				return true
			}
		}
	}
	return false
}

func test(op Operator, got, want any) bool {
	switch op {
	case Contains:
		return strings.Contains(strings.ToLower(toString(got)), strings.ToLower(toString(want)))
	case Equal:
		return compare(got, want) == 0
	case GreaterOrEqual:
		return compare(got, want) >= 0
	case Greater:
		return compare(got, want) > 0
	case LessOrEqual:
		return compare(got, want) <= 0
	case Less:
		return compare(got, want) < 0
	}
	return false
}

// Lookup resolves a dotted path. Lists fan out, so "groups.name" yields the
// name of every group.
func Lookup(row Row, path string) []any {
	cur := []any{map[string]any(row)}
	for _, part := range strings.Split(path, ".") {
		var next []any
		for _, c := range cur {
			next = append(next, step(c, part)...)
		}
		cur = next
	}
	var out []any
	for _, v := range cur {
		if list, ok := v.([]any); ok {
			out = append(out, list...)
			continue
		}
		out = append(out, v)
	}
	return out
}

func step(v any, key string) []any {
	switch x := v.(type) {
	case map[string]any:
		if val, ok := x[key]; ok && val != nil {
			return []any{val}
		}
	case Row:
		if val, ok := x[key]; ok && val != nil {
			return []any{val}
		}
	case []any:
		var out []any
		for _, el := range x {
			out = append(out, step(el, key)...)
		}
		return out
	}
	return nil
}

func first(vs []any) any {
	if len(vs) == 0 {
		return nil
	}
	return vs[0]
}

func toString(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano)
	}
	return fmt.Sprint(v)
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case json.Number:
		f, err := x.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(x, 64)
		return f, err == nil
	}
	return 0, false
}

// compare orders nil first, then numerically when both sides are numbers,
// then "{major}.{minor}" version strings numerically, then booleans, then
// case-insensitive strings.
func compare(a, b any) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	}
	as, aStr := a.(string)
	bs, bStr := b.(string)
	if aStr && bStr {
		if va, err := versioning.ParseVersion(as); err == nil {
			if vb, err := versioning.ParseVersion(bs); err == nil {
				return va.Compare(vb)
			}
		}
	} else {
		if fa, ok := toFloat(a); ok {
			if fb, ok := toFloat(b); ok {
				switch {
				case fa < fb:
					return -1
				case fa > fb:
					return 1
				}
				return 0
			}
		}
	}
	if ba, ok := a.(bool); ok {
		if bb, ok := b.(bool); ok {
			switch {
			case ba == bb:
				return 0
			case !ba:
				return -1
			}
			return 1
		}
	}
	return strings.Compare(strings.ToLower(toString(a)), strings.ToLower(toString(b)))
}

// Distinct returns up to limit distinct values of field among items whose
// value contains search, after applying the filters in q.
func Distinct[T any](items []T, rowOf func(T) Row, field, search string, q Query, limit int) []any {
	seen := map[string]bool{}
	var out []any
	for _, it := range items {
		row := rowOf(it)
		if !Match(row, q.Filters, q.Combinator) {
			continue
		}
		for _, v := range Lookup(row, field) {
			s := toString(v)
			if seen[s] || (search != "" && !strings.Contains(strings.ToLower(s), strings.ToLower(search))) {
				continue
			}
			seen[s] = true
			out = append(out, v)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return compare(out[i], out[j]) < 0 })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// RowOf flattens v through its JSON representation.
func RowOf(v any) Row {
	raw, err := json.Marshal(v)
	if err != nil {
		return Row{}
	}
	var row Row
	if err := json.Unmarshal(raw, &row); err != nil {
		return Row{}
	}
	return row
}
