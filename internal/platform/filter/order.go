package filter

import (
	"encoding/json"
	"strings"

	"go.einride.tech/aip/ordering"

	"github.com/mdr/mdr/internal/platform/apperr"
)

// ParseOrderBy parses an AIP-132 order_by string such as
// "name desc, version.major".
func ParseOrderBy(s string) ([]SortField, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	var ob ordering.OrderBy
	if err := ob.UnmarshalString(s); err != nil {
		return nil, apperr.Validation("filter.order_by", "invalid order_by %q: %v", s, err)
	}
	out := make([]SortField, 0, len(ob.Fields))
	for _, f := range ob.Fields {
		out = append(out, SortField{Field: f.Path, Asc: !f.Desc})
	}
	return out, nil
}

// ParseSortBy parses the JSON form {"name": true, "start_date": false},
// true meaning ascending. JSON objects are unordered, so keys are applied in
// the order they appear in the document.
func ParseSortBy(raw string) ([]SortField, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	dec := json.NewDecoder(strings.NewReader(raw))
	tok, err := dec.Token()
	if err != nil || tok != json.Delim('{') {
		return nil, apperr.Validation("filter.sort_by", "invalid sort_by %q", raw)
	}
	var out []SortField
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, apperr.Validation("filter.sort_by", "invalid sort_by %q", raw)
		}
		key, _ := keyTok.(string)
		var asc bool
		if err := dec.Decode(&asc); err != nil {
			return nil, apperr.Validation("filter.sort_by", "sort_by value for %q must be a boolean", key)
		}
		out = append(out, SortField{Field: key, Asc: asc})
	}
	return out, nil
}
