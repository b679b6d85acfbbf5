package soa

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes mounts the flowchart endpoints on the studies group.
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/:uid/flowchart", h.Table)
	g.GET("/:uid/flowchart/coordinates", h.Coordinates)
	g.GET("/:uid/flowchart/snapshots", h.Snapshots)
	g.POST("/:uid/flowchart/snapshots", h.Rebuild)
}

func (h *Handler) Table(c echo.Context) error {
	layout, err := ParseLayout(c.QueryParam("layout"))
	if err != nil {
		return err
	}
	t, err := h.svc.Table(c.Request().Context(), c.Param("uid"), c.QueryParam("study_value_version"), layout)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, t)
}

func (h *Handler) Coordinates(c echo.Context) error {
	coords, err := h.svc.Coordinates(c.Request().Context(), c.Param("uid"), c.QueryParam("study_value_version"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, coords)
}

func (h *Handler) Snapshots(c echo.Context) error {
	snaps, err := h.svc.Snapshots(c.Request().Context(), c.Param("uid"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, snaps)
}

// Rebuild takes the snapshot of a frozen version again, replacing the
// stored one.
func (h *Handler) Rebuild(c echo.Context) error {
	ctx := c.Request().Context()
	uid, version := c.Param("uid"), c.QueryParam("study_value_version")
	if err := h.svc.Snapshot(ctx, uid, version); err != nil {
		return err
	}
	t, err := h.svc.Table(ctx, uid, version, LayoutProtocol)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, t)
}
