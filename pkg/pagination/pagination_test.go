package pagination

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func ctxFor(target string) echo.Context {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	return e.NewContext(req, httptest.NewRecorder())
}

func TestFromContext_Defaults(t *testing.T) {
	p := FromContext(ctxFor("/"))
	if p.Limit != DefaultPageSize {
		t.Errorf("Limit = %d, want %d", p.Limit, DefaultPageSize)
	}
	if p.Offset != 0 {
		t.Errorf("Offset = %d, want 0", p.Offset)
	}
}

func TestFromContext_PageNumber(t *testing.T) {
	p := FromContext(ctxFor("/?page_number=3&page_size=25"))
	if p.Limit != 25 || p.Offset != 50 {
		t.Errorf("got %+v, want limit 25 offset 50", p)
	}
	if p.PageNumber() != 3 {
		t.Errorf("PageNumber = %d, want 3", p.PageNumber())
	}
}

func TestFromContext_LimitOffset(t *testing.T) {
	p := FromContext(ctxFor("/?limit=5&offset=15"))
	if p.Limit != 5 || p.Offset != 15 {
		t.Errorf("got %+v, want limit 5 offset 15", p)
	}
}

func TestFromContext_ZeroSizeMeansAll(t *testing.T) {
	p := FromContext(ctxFor("/?page_size=0&page_number=4"))
	if p.Limit != 0 || p.Offset != 0 {
		t.Errorf("got %+v, want unpaged", p)
	}
}

func TestFromContext_MaxPageSize(t *testing.T) {
	p := FromContext(ctxFor("/?page_size=50000"))
	if p.Limit != MaxPageSize {
		t.Errorf("Limit = %d, want %d", p.Limit, MaxPageSize)
	}
}

func TestNewResponse(t *testing.T) {
	r := NewResponse([]string{"a"}, 30, Params{Limit: 10, Offset: 10})
	if r.Page != 2 || r.Size != 10 || !r.HasMore {
		t.Errorf("got %+v", r)
	}
	r = NewResponse(nil, 30, Params{Limit: 10, Offset: 20})
	if r.HasMore {
		t.Error("last page should not have more")
	}
}

func TestWantTotal(t *testing.T) {
	if !WantTotal(ctxFor("/?total_count=true")) {
		t.Error("total_count=true should be honoured")
	}
	if WantTotal(ctxFor("/")) {
		t.Error("default should be false")
	}
}
