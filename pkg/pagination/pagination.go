package pagination

import (
	"strconv"

	"github.com/labstack/echo/v4"
)

const (
	DefaultPageSize = 10
	MaxPageSize     = 1000
)

// Params holds pagination parameters extracted from a request. Limit 0 means
// "all rows".
type Params struct {
	Limit  int
	Offset int
}

// FromContext extracts paging from page_number (1-based) and page_size, or
// from limit and offset when page_number is absent. page_size=0 disables
// paging.
func FromContext(c echo.Context) Params {
	size := DefaultPageSize
	if raw := c.QueryParam("page_size"); raw != "" {
		size, _ = strconv.Atoi(raw)
	} else if raw := c.QueryParam("limit"); raw != "" {
		size, _ = strconv.Atoi(raw)
	}
	if size < 0 {
		size = DefaultPageSize
	}
	if size > MaxPageSize {
		size = MaxPageSize
	}

	offset := 0
	if raw := c.QueryParam("page_number"); raw != "" {
		page, _ := strconv.Atoi(raw)
		if page < 1 {
			page = 1
		}
		offset = (page - 1) * size
	} else {
		offset, _ = strconv.Atoi(c.QueryParam("offset"))
	}
	if offset < 0 {
		offset = 0
	}
	return Params{Limit: size, Offset: offset}
}

// PageNumber is the 1-based page the offset falls on.
func (p Params) PageNumber() int {
	if p.Limit <= 0 {
		return 1
	}
	return p.Offset/p.Limit + 1
}

// HasNext returns true if there are more results after the current page.
func (p Params) HasNext(total int) bool {
	return p.Limit > 0 && p.Offset+p.Limit < total
}

// Response wraps a paginated list. Total is 0 unless the caller asked for
// total_count.
type Response struct {
	Items   any  `json:"items"`
	Total   int  `json:"total"`
	Page    int  `json:"page"`
	Size    int  `json:"size"`
	HasMore bool `json:"has_more"`
}

func NewResponse(items any, total int, p Params) *Response {
	return &Response{
		Items:   items,
		Total:   total,
		Page:    p.PageNumber(),
		Size:    p.Limit,
		HasMore: p.HasNext(total),
	}
}

// WantTotal reports whether the request set total_count=true.
func WantTotal(c echo.Context) bool {
	v, _ := strconv.ParseBool(c.QueryParam("total_count"))
	return v
}
