package filter

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/mdr/mdr/internal/platform/apperr"
	"github.com/mdr/mdr/pkg/pagination"
)

type item struct {
	Name    string   `json:"name"`
	Version string   `json:"version"`
	Count   int      `json:"count"`
	Groups  []string `json:"groups"`
}

var items = []item{
	{Name: "Heart rate", Version: "1.0", Count: 3, Groups: []string{"Vitals"}},
	{Name: "Weight", Version: "0.2", Count: 10, Groups: []string{"Vitals", "Body"}},
	{Name: "Glucose", Version: "2.0", Count: 7, Groups: []string{"Lab"}},
}

func rowOf(it item) Row { return RowOf(it) }

func names(p Page[item]) []string {
	out := make([]string, len(p.Items))
	for i, it := range p.Items {
		out[i] = it.Name
	}
	return out
}

func TestApply_Operators(t *testing.T) {
	tests := []struct {
		name  string
		dict  Dict
		comb  Combinator
		want  []string
	}{
		{"eq", Dict{"name": {Values: []any{"weight"}, Op: Equal}}, And, []string{"Weight"}},
		{"contains", Dict{"name": {Values: []any{"GLU"}, Op: Contains}}, And, []string{"Glucose"}},
		{"ge numeric", Dict{"count": {Values: []any{7.0}, Op: GreaterOrEqual}}, And, []string{"Weight", "Glucose"}},
		{"between", Dict{"count": {Values: []any{3.0, 7.0}, Op: Between}}, And, []string{"Heart rate", "Glucose"}},
		{"ne", Dict{"groups": {Values: []any{"Vitals"}, Op: NotEqual}}, And, []string{"Glucose"}},
		{"list fan out", Dict{"groups": {Values: []any{"Body"}}}, And, []string{"Weight"}},
		{"and", Dict{"groups": {Values: []any{"Vitals"}}, "count": {Values: []any{5.0}, Op: Greater}}, And, []string{"Weight"}},
		{"or", Dict{"name": {Values: []any{"Glucose"}}, "count": {Values: []any{3.0}}}, Or, []string{"Heart rate", "Glucose"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := names(Apply(items, rowOf, Query{Filters: tt.dict, Combinator: tt.comb}))
			if len(got) != len(tt.want) {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("got %v, want %v", got, tt.want)
				}
			}
		})
	}
}

func TestApply_SortAndPage(t *testing.T) {
	q := Query{Sort: []SortField{{Field: "count", Asc: false}}, Page: pagination.Params{Limit: 2, Offset: 1}}
	p := Apply(items, rowOf, q)
	if p.Total != 3 {
		t.Errorf("Total = %d, want 3", p.Total)
	}
	got := names(p)
	if len(got) != 2 || got[0] != "Glucose" || got[1] != "Heart rate" {
		t.Errorf("got %v, want [Glucose Heart rate]", got)
	}
}

func TestApply_VersionsCompareNumerically(t *testing.T) {
	versions := []item{
		{Name: "a", Version: "1.10"},
		{Name: "b", Version: "1.9"},
		{Name: "c", Version: "1.2"},
	}
	p := Apply(versions, rowOf, Query{Sort: []SortField{{Field: "version", Asc: true}}})
	if got := names(p); len(got) != 3 || got[0] != "c" || got[1] != "b" || got[2] != "a" {
		t.Errorf("ascending version sort = %v, want [c b a]", got)
	}

	p = Apply(versions, rowOf, Query{Filters: Dict{"version": {Values: []any{"1.9"}, Op: GreaterOrEqual}}})
	if got := names(p); len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("version ge 1.9 = %v, want [a b]", got)
	}
}

func TestParseDict(t *testing.T) {
	d, err := ParseDict(`{"name": {"v": ["a"], "op": "co"}, "uid": {"v": ["X"]}}`)
	if err != nil {
		t.Fatalf("ParseDict: %v", err)
	}
	if d["uid"].Op != Equal {
		t.Errorf("default op = %q, want eq", d["uid"].Op)
	}
	if _, err := ParseDict(`{"name": {"v": ["a"], "op": "like"}}`); !apperr.Is(err, apperr.KindValidation) {
		t.Errorf("bad operator err = %v, want validation", err)
	}
	if _, err := ParseDict(`{"n": {"v": [1], "op": "bw"}}`); !apperr.Is(err, apperr.KindValidation) {
		t.Errorf("bw with one value err = %v, want validation", err)
	}
}

func TestParseCombinator(t *testing.T) {
	if c, _ := ParseCombinator("OR"); c != Or {
		t.Errorf("OR = %q", c)
	}
	if _, err := ParseCombinator("xor"); err == nil {
		t.Error("expected error")
	}
}

func TestParseSortBy_KeepsOrder(t *testing.T) {
	got, err := ParseSortBy(`{"name": true, "start_date": false}`)
	if err != nil {
		t.Fatalf("ParseSortBy: %v", err)
	}
	if len(got) != 2 || got[0] != (SortField{"name", true}) || got[1] != (SortField{"start_date", false}) {
		t.Errorf("got %+v", got)
	}
}

func TestParseOrderBy(t *testing.T) {
	got, err := ParseOrderBy("name desc, count")
	if err != nil {
		t.Fatalf("ParseOrderBy: %v", err)
	}
	if len(got) != 2 || got[0] != (SortField{"name", false}) || got[1] != (SortField{"count", true}) {
		t.Errorf("got %+v", got)
	}
}

func TestDistinct(t *testing.T) {
	got := Distinct(items, rowOf, "groups", "", Query{}, 0)
	want := []string{"Body", "Lab", "Vitals"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("got %v, want %v", got, want)
		}
	}
}

func TestFromContext(t *testing.T) {
	e := echo.New()
	v := url.Values{}
	v.Set("filters", `{"name":{"v":["a"],"op":"co"}}`)
	v.Set("operator", "or")
	v.Set("order_by", "name desc")
	v.Set("page_size", "2")
	v.Set("total_count", "true")
	req := httptest.NewRequest(http.MethodGet, "/?"+v.Encode(), nil)
	c := e.NewContext(req, httptest.NewRecorder())
	q, err := FromContext(c)
	if err != nil {
		t.Fatalf("FromContext: %v", err)
	}
	if q.Combinator != Or || len(q.Filters) != 1 || !q.TotalCount || q.Page.Limit != 2 {
		t.Errorf("got %+v", q)
	}
	if len(q.Sort) != 1 || q.Sort[0] != (SortField{"name", false}) {
		t.Errorf("Sort = %+v", q.Sort)
	}
}

func TestRespond(t *testing.T) {
	resp := Respond(items, Query{Page: pagination.Params{Limit: 2}})
	if resp.Total != 0 || !resp.HasMore {
		t.Errorf("Total = %d HasMore = %v, want 0 true", resp.Total, resp.HasMore)
	}
	got, _ := resp.Items.([]item)
	if len(got) != 2 {
		t.Errorf("items = %d, want 2", len(got))
	}
}
