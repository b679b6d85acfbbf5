package activity

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/mdr/mdr/internal/domain/libraryitem"
	"github.com/mdr/mdr/internal/platform/apperr"
	"github.com/mdr/mdr/internal/platform/versioning"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes mounts the activity concepts under g, normally
// /api/v1/concepts/activities.
func (h *Handler) RegisterRoutes(g *echo.Group) {
	groups := g.Group("/activity-groups")
	groups.POST("", h.CreateGroup)
	groups.PATCH("/:uid", h.EditGroup)
	groups.GET("/:uid/activity-sub-groups", h.LinkedSubGroups)
	(&libraryitem.Routes[*Group]{
		Lifecycle: h.svc.Groups,
		View:      func(ctx context.Context, x *Group) any { return h.svc.GroupView(ctx, x) },
	}).Register(groups)

	subgroups := g.Group("/activity-sub-groups")
	subgroups.POST("", h.CreateSubGroup)
	subgroups.PATCH("/:uid", h.EditSubGroup)
	subgroups.GET("/:uid/activity-groups", h.LinkedGroups)
	subgroups.GET("/:uid/activities", h.LinkedActivities)
	(&libraryitem.Routes[*SubGroup]{
		Lifecycle: h.svc.SubGroups,
		View:      func(ctx context.Context, x *SubGroup) any { return h.svc.SubGroupView(ctx, x) },
	}).Register(subgroups)

	activities := g.Group("/activities")
	activities.POST("", h.CreateActivity)
	activities.PATCH("/:uid", h.EditActivity)
	activities.GET("/:uid/overview", h.Overview)
	activities.GET("/:uid/activity-instances", h.InstancesOf)
	(&libraryitem.Routes[*Activity]{
		Lifecycle: h.svc.Activities,
		View:      func(ctx context.Context, x *Activity) any { return h.svc.ActivityView(ctx, x) },
	}).Register(activities)

	instances := g.Group("/activity-instances")
	instances.POST("", h.CreateInstance)
	instances.PATCH("/:uid", h.EditInstance)
	(&libraryitem.Routes[*Instance]{
		Lifecycle: h.svc.Instances,
		View:      func(ctx context.Context, x *Instance) any { return h.svc.InstanceView(ctx, x) },
	}).Register(instances)
}

func bind(c echo.Context, op string, v any) error {
	if err := c.Bind(v); err != nil {
		return apperr.Validation(op, "invalid request body: %v", err)
	}
	return nil
}

func versionParam(c echo.Context) (*versioning.Version, error) {
	raw := c.QueryParam("version")
	if raw == "" {
		return nil, nil
	}
	v, err := versioning.ParseVersion(raw)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func (h *Handler) CreateGroup(c echo.Context) error {
	var in GroupInput
	if err := bind(c, "activity.create_group", &in); err != nil {
		return err
	}
	ctx := c.Request().Context()
	g, err := h.svc.CreateGroup(ctx, libraryitem.Author(c), in)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, h.svc.GroupView(ctx, g))
}

func (h *Handler) EditGroup(c echo.Context) error {
	var in GroupInput
	if err := bind(c, "activity.edit_group", &in); err != nil {
		return err
	}
	ctx := c.Request().Context()
	g, err := h.svc.EditGroup(ctx, libraryitem.Author(c), c.Param("uid"), in)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, h.svc.GroupView(ctx, g))
}

func (h *Handler) LinkedSubGroups(c echo.Context) error {
	v, err := versionParam(c)
	if err != nil {
		return err
	}
	out, err := h.svc.Repos().LinkedSubGroups(c.Request().Context(), c.Param("uid"), v)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, out)
}

func (h *Handler) CreateSubGroup(c echo.Context) error {
	var in SubGroupInput
	if err := bind(c, "activity.create_subgroup", &in); err != nil {
		return err
	}
	ctx := c.Request().Context()
	sg, err := h.svc.CreateSubGroup(ctx, libraryitem.Author(c), in)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, h.svc.SubGroupView(ctx, sg))
}

func (h *Handler) EditSubGroup(c echo.Context) error {
	var in SubGroupInput
	if err := bind(c, "activity.edit_subgroup", &in); err != nil {
		return err
	}
	ctx := c.Request().Context()
	sg, err := h.svc.EditSubGroup(ctx, libraryitem.Author(c), c.Param("uid"), in)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, h.svc.SubGroupView(ctx, sg))
}

func (h *Handler) LinkedGroups(c echo.Context) error {
	q, err := libraryitem.QueryFromContext(c)
	if err != nil {
		return err
	}
	out, err := h.svc.LinkedGroups(c.Request().Context(), c.Param("uid"), q)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, out)
}

func (h *Handler) LinkedActivities(c echo.Context) error {
	v, err := versionParam(c)
	if err != nil {
		return err
	}
	out, err := h.svc.Repos().LinkedActivities(c.Request().Context(), c.Param("uid"), v)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, out)
}

func (h *Handler) CreateActivity(c echo.Context) error {
	var in ActivityInput
	if err := bind(c, "activity.create_activity", &in); err != nil {
		return err
	}
	ctx := c.Request().Context()
	a, err := h.svc.CreateActivity(ctx, libraryitem.Author(c), in)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, h.svc.ActivityView(ctx, a))
}

func (h *Handler) EditActivity(c echo.Context) error {
	var in ActivityInput
	if err := bind(c, "activity.edit_activity", &in); err != nil {
		return err
	}
	ctx := c.Request().Context()
	a, err := h.svc.EditActivity(ctx, libraryitem.Author(c), c.Param("uid"), in)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, h.svc.ActivityView(ctx, a))
}

func (h *Handler) Overview(c echo.Context) error {
	q, err := libraryitem.QueryFromContext(c)
	if err != nil {
		return err
	}
	out, err := h.svc.Overview(c.Request().Context(), c.Param("uid"), q)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, out)
}

func (h *Handler) InstancesOf(c echo.Context) error {
	ctx := c.Request().Context()
	instances, err := h.svc.Repos().InstancesOf(ctx, c.Param("uid"))
	if err != nil {
		return err
	}
	out := make([]InstanceView, len(instances))
	for i, in := range instances {
		out[i] = h.svc.InstanceView(ctx, in)
	}
	return c.JSON(http.StatusOK, out)
}

func (h *Handler) CreateInstance(c echo.Context) error {
	var in InstanceInput
	if err := bind(c, "activity.create_instance", &in); err != nil {
		return err
	}
	ctx := c.Request().Context()
	inst, err := h.svc.CreateInstance(ctx, libraryitem.Author(c), in)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, h.svc.InstanceView(ctx, inst))
}

func (h *Handler) EditInstance(c echo.Context) error {
	var in InstanceInput
	if err := bind(c, "activity.edit_instance", &in); err != nil {
		return err
	}
	ctx := c.Request().Context()
	inst, err := h.svc.EditInstance(ctx, libraryitem.Author(c), c.Param("uid"), in)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, h.svc.InstanceView(ctx, inst))
}
