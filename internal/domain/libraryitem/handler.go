package libraryitem

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/mdr/mdr/internal/platform/apperr"
	"github.com/mdr/mdr/internal/platform/auth"
	"github.com/mdr/mdr/internal/platform/filter"
	"github.com/mdr/mdr/internal/platform/versioning"
)

// Routes serves the read and lifecycle endpoints every library item type
// shares. View renders one aggregate.
type Routes[A Aggregate] struct {
	Lifecycle *Lifecycle[A]
	View      func(ctx context.Context, a A) any
}

// Register mounts the routes on g, which is the collection path of the type.
func (h *Routes[A]) Register(g *echo.Group) {
	g.GET("", h.List)
	g.GET("/:uid", h.Get)
	g.GET("/:uid/versions", h.Versions)
	g.GET("/:uid/audit-trail", h.AuditTrail)
	g.POST("/:uid/approvals", h.Approve)
	g.POST("/:uid/versions", h.NewVersion)
	g.DELETE("/:uid/activations", h.Inactivate)
	g.POST("/:uid/activations", h.Reactivate)
	g.DELETE("/:uid", h.Delete)
}

// Author is the author id of the request.
func Author(c echo.Context) string {
	return auth.UserIDFromContext(c.Request().Context())
}

// QueryFromContext reads the version, status and at_specified_date_time
// selectors.
func QueryFromContext(c echo.Context) (versioning.Query, error) {
	var q versioning.Query
	if raw := c.QueryParam("version"); raw != "" {
		v, err := versioning.ParseVersion(raw)
		if err != nil {
			return q, err
		}
		q.Version = &v
	}
	if raw := c.QueryParam("status"); raw != "" {
		s, err := versioning.ParseStatus(raw)
		if err != nil {
			return q, err
		}
		q.Status = &s
	}
	if raw := c.QueryParam("at_specified_date_time"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return q, apperr.Validation("libraryitem.query", "invalid at_specified_date_time %q", raw)
		}
		q.AtDate = &t
	}
	return q, q.Validate()
}

func (h *Routes[A]) List(c echo.Context) error {
	ctx := c.Request().Context()
	q, err := filter.FromContext(c)
	if err != nil {
		return err
	}
	opts := ListOptions{Library: c.QueryParam("library_name")}
	if raw := c.QueryParam("status"); raw != "" {
		s, err := versioning.ParseStatus(raw)
		if err != nil {
			return err
		}
		opts.Status = &s
	}
	opts.IncludeDeleted, _ = strconv.ParseBool(c.QueryParam("include_deleted"))

	items, err := h.Lifecycle.Repo().FindAll(ctx, opts)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, filter.Respond(h.views(ctx, items), q))
}

func (h *Routes[A]) views(ctx context.Context, items []A) []any {
	out := make([]any, len(items))
	for i, a := range items {
		out[i] = h.View(ctx, a)
	}
	return out
}

func (h *Routes[A]) Get(c echo.Context) error {
	ctx := c.Request().Context()
	q, err := QueryFromContext(c)
	if err != nil {
		return err
	}
	uid := c.Param("uid")
	a, err := h.Lifecycle.Repo().FindByUID(ctx, uid, q)
	if err != nil {
		return err
	}
	if IsNil(a) {
		return apperr.NotFound("libraryitem.get", "%s with UID '%s' has no version matching the query", h.Lifecycle.Repo().Kind().Name, uid)
	}
	return c.JSON(http.StatusOK, h.View(ctx, a))
}

func (h *Routes[A]) Versions(c echo.Context) error {
	ctx := c.Request().Context()
	items, err := h.Lifecycle.Repo().Versions(ctx, c.Param("uid"))
	if err != nil {
		return err
	}
	// newest first
	views := h.views(ctx, items)
	for i, j := 0, len(views)-1; i < j; i, j = i+1, j-1 {
		views[i], views[j] = views[j], views[i]
	}
	return c.JSON(http.StatusOK, views)
}

type changeView struct {
	ChangeType versioning.ActionType `json:"change_type"`
	Date       time.Time             `json:"date"`
	AuthorID   string                `json:"author_id"`
	Item       any                   `json:"item"`
}

func (h *Routes[A]) AuditTrail(c echo.Context) error {
	ctx := c.Request().Context()
	changes, err := h.Lifecycle.Repo().AuditTrail(ctx, c.Param("uid"))
	if err != nil {
		return err
	}
	out := make([]changeView, len(changes))
	for i, ch := range changes {
		out[i] = changeView{ChangeType: ch.Type, Date: ch.Date, AuthorID: ch.AuthorID, Item: h.View(ctx, ch.Item)}
	}
	return c.JSON(http.StatusOK, out)
}

func (h *Routes[A]) respond(c echo.Context, a A, err error) error {
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, h.View(c.Request().Context(), a))
}

func (h *Routes[A]) Approve(c echo.Context) error {
	a, err := h.Lifecycle.Approve(c.Request().Context(), c.Param("uid"), Author(c))
	return h.respond(c, a, err)
}

type newVersionInput struct {
	ChangeDescription string `json:"change_description"`
}

func (h *Routes[A]) NewVersion(c echo.Context) error {
	var in newVersionInput
	if c.Request().ContentLength > 0 {
		if err := c.Bind(&in); err != nil {
			return apperr.Validation("libraryitem.new_version", "invalid body: %v", err)
		}
	}
	a, err := h.Lifecycle.NewVersion(c.Request().Context(), c.Param("uid"), Author(c), in.ChangeDescription)
	return h.respond(c, a, err)
}

func (h *Routes[A]) Inactivate(c echo.Context) error {
	a, err := h.Lifecycle.Inactivate(c.Request().Context(), c.Param("uid"), Author(c))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, h.View(c.Request().Context(), a))
}

func (h *Routes[A]) Reactivate(c echo.Context) error {
	a, err := h.Lifecycle.Reactivate(c.Request().Context(), c.Param("uid"), Author(c))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, h.View(c.Request().Context(), a))
}

// Delete removes a never approved item, or soft deletes with soft=true.
func (h *Routes[A]) Delete(c echo.Context) error {
	ctx := c.Request().Context()
	var err error
	if soft, _ := strconv.ParseBool(c.QueryParam("soft")); soft {
		err = h.Lifecycle.SoftDelete(ctx, c.Param("uid"), Author(c))
	} else {
		err = h.Lifecycle.Delete(ctx, c.Param("uid"), Author(c))
	}
	if err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}
