package webhook

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/mdr/mdr/internal/platform/apperr"
	"github.com/mdr/mdr/internal/platform/auth"
)

type Handler struct {
	m *Manager
}

func NewHandler(m *Manager) *Handler {
	return &Handler{m: m}
}

// RegisterRoutes mounts the admin-only /webhooks endpoints under g.
func (h *Handler) RegisterRoutes(g *echo.Group) {
	wg := g.Group("/webhooks", auth.RequireRole("admin"))
	wg.POST("", h.Register)
	wg.GET("", h.List)
	wg.GET("/:id", h.Get)
	wg.DELETE("/:id", h.Delete)
	wg.POST("/:id/pause", h.Pause)
	wg.POST("/:id/resume", h.Resume)
	wg.POST("/:id/test", h.Test)
	wg.GET("/:id/deliveries", h.Deliveries)
}

type registerRequest struct {
	URL    string   `json:"url"`
	Secret string   `json:"secret"`
	Events []string `json:"events"`
}

// redacted hides the secret once it has been handed out at registration.
func redacted(ep *Endpoint) *Endpoint {
	cp := *ep
	cp.Secret = ""
	return &cp
}

func (h *Handler) Register(c echo.Context) error {
	var req registerRequest
	if err := c.Bind(&req); err != nil {
		return apperr.Validation("webhook.register", "invalid request body")
	}
	ep, err := h.m.Register(c.Request().Context(), req.URL, req.Secret, req.Events)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, ep)
}

func (h *Handler) List(c echo.Context) error {
	eps, err := h.m.List(c.Request().Context())
	if err != nil {
		return err
	}
	out := make([]*Endpoint, len(eps))
	for i, ep := range eps {
		out[i] = redacted(ep)
	}
	return c.JSON(http.StatusOK, out)
}

func (h *Handler) Get(c echo.Context) error {
	ep, err := h.m.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, redacted(ep))
}

func (h *Handler) Delete(c echo.Context) error {
	if err := h.m.Delete(c.Request().Context(), c.Param("id")); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) Pause(c echo.Context) error {
	ep, err := h.m.Pause(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, redacted(ep))
}

func (h *Handler) Resume(c echo.Context) error {
	ep, err := h.m.Resume(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, redacted(ep))
}

func (h *Handler) Test(c echo.Context) error {
	a, err := h.m.Test(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, a)
}

func (h *Handler) Deliveries(c echo.Context) error {
	attempts, err := h.m.Attempts(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, attempts)
}
