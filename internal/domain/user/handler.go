package user

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/mdr/mdr/internal/platform/apperr"
	"github.com/mdr/mdr/internal/platform/auth"
	"github.com/mdr/mdr/pkg/pagination"
)

type Handler struct {
	dir *Directory
}

func NewHandler(dir *Directory) *Handler {
	return &Handler{dir: dir}
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	users := g.Group("/users")
	users.GET("", h.List)
	users.GET("/me", h.Me)
	users.GET("/:id", h.Get)
	users.PUT("/:id", h.Put, auth.RequireRole("admin"))
}

func (h *Handler) List(c echo.Context) error {
	p := pagination.FromContext(c)
	users, total, err := h.dir.List(c.Request().Context(), p.Limit, p.Offset)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(users, total, p))
}

// Me returns the caller, falling back to the bare author id when the caller
// was never registered.
func (h *Handler) Me(c echo.Context) error {
	ctx := c.Request().Context()
	id := auth.UserIDFromContext(ctx)
	u, err := h.dir.Get(ctx, id)
	if apperr.Is(err, apperr.KindNotFound) {
		return c.JSON(http.StatusOK, &User{ID: id, Username: h.dir.Username(ctx, id)})
	}
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, u)
}

func (h *Handler) Get(c echo.Context) error {
	u, err := h.dir.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, u)
}

func (h *Handler) Put(c echo.Context) error {
	var u User
	if err := c.Bind(&u); err != nil {
		return apperr.Validation("user.put", "invalid request body: %v", err)
	}
	u.ID = c.Param("id")
	if err := h.dir.Register(c.Request().Context(), &u); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, &u)
}
