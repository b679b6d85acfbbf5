package filter

import (
	"github.com/labstack/echo/v4"

	"github.com/mdr/mdr/pkg/pagination"
)

// FromContext reads the list query parameters shared by every list
// endpoint: filters, operator, sort_by or order_by, paging and total_count.
func FromContext(c echo.Context) (Query, error) {
	filters, err := ParseDict(c.QueryParam("filters"))
	if err != nil {
		return Query{}, err
	}
	comb, err := ParseCombinator(c.QueryParam("operator"))
	if err != nil {
		return Query{}, err
	}
	sorting, err := ParseSortBy(c.QueryParam("sort_by"))
	if err != nil {
		return Query{}, err
	}
	if sorting == nil {
		if sorting, err = ParseOrderBy(c.QueryParam("order_by")); err != nil {
			return Query{}, err
		}
	}
	return Query{
		Filters:    filters,
		Combinator: comb,
		Sort:       sorting,
		Page:       pagination.FromContext(c),
		TotalCount: pagination.WantTotal(c),
	}, nil
}

// Respond filters, sorts and pages items and wraps them in the list envelope.
func Respond[T any](items []T, q Query) *pagination.Response {
	page := Apply(items, func(v T) Row { return RowOf(v) }, q)
	total := 0
	if q.TotalCount {
		total = page.Total
	}
	resp := pagination.NewResponse(page.Items, total, q.Page)
	resp.HasMore = q.Page.HasNext(page.Total)
	return resp
}
