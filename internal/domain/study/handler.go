package study

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/mdr/mdr/internal/domain/libraryitem"
	"github.com/mdr/mdr/internal/platform/apperr"
	"github.com/mdr/mdr/internal/platform/filter"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes mounts studies and their selections under g, normally
// /api/v1/studies.
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("", h.List)
	g.POST("", h.Create)
	g.GET("/:uid", h.Get)
	g.PATCH("/:uid", h.Edit)
	g.DELETE("/:uid", h.Delete)
	g.POST("/:uid/locks", h.Lock)
	g.DELETE("/:uid/locks", h.Unlock)
	g.POST("/:uid/release", h.Release)
	g.GET("/:uid/audit-trail", h.AuditTrail)

	registerSelections[Epoch](h.svc, g.Group("/:uid/study-epochs"))
	registerSelections[Visit](h.svc, g.Group("/:uid/study-visits"))
	registerSelections[Arm](h.svc, g.Group("/:uid/study-arms"))
	registerSelections[BranchArm](h.svc, g.Group("/:uid/study-branch-arms"))
	registerSelections[Cohort](h.svc, g.Group("/:uid/study-cohorts"))
	registerSelections[Schedule](h.svc, g.Group("/:uid/study-activity-schedules"))
	registerSelections[Footnote](h.svc, g.Group("/:uid/study-soa-footnotes"))

	activities := g.Group("/:uid/study-activities")
	registerSelections[Activity](h.svc, activities)
	activities.POST("/:sel/sync-latest-version", syncHandler[Activity](h.svc))

	instances := g.Group("/:uid/study-activity-instances")
	registerSelections[ActivityInstance](h.svc, instances)
	instances.POST("/:sel/sync-latest-version", syncHandler[ActivityInstance](h.svc))
}

func bind(c echo.Context, op string, v any) error {
	if err := c.Bind(v); err != nil {
		return apperr.Validation(op, "invalid request body: %v", err)
	}
	return nil
}

func readBody(c echo.Context) ([]byte, error) {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return nil, apperr.Validation("study.read_body", "invalid request body: %v", err)
	}
	return body, nil
}

func decode(body []byte, op string, v any) error {
	if err := json.Unmarshal(body, v); err != nil {
		return apperr.Validation(op, "invalid request body: %v", err)
	}
	return nil
}

func (h *Handler) List(c echo.Context) error {
	q, err := filter.FromContext(c)
	if err != nil {
		return err
	}
	deleted, _ := strconv.ParseBool(c.QueryParam("include_deleted"))
	studies, err := h.svc.List(c.Request().Context(), deleted)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, filter.Respond(studies, q))
}

func (h *Handler) Create(c echo.Context) error {
	var in Input
	if err := bind(c, "study.create", &in); err != nil {
		return err
	}
	st, err := h.svc.Create(c.Request().Context(), libraryitem.Author(c), in)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, st)
}

func (h *Handler) Get(c echo.Context) error {
	st, err := h.svc.Get(c.Request().Context(), c.Param("uid"), c.QueryParam("study_value_version"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, st)
}

func (h *Handler) Edit(c echo.Context) error {
	ctx := c.Request().Context()
	cur, err := h.svc.Get(ctx, c.Param("uid"), "")
	if err != nil {
		return err
	}
	in := Input{StudyNumber: cur.StudyNumber, StudyAcronym: cur.StudyAcronym, ProjectNumber: cur.ProjectNumber, Description: cur.Description}
	if err := bind(c, "study.edit", &in); err != nil {
		return err
	}
	st, err := h.svc.Edit(ctx, libraryitem.Author(c), c.Param("uid"), in)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, st)
}

func (h *Handler) Delete(c echo.Context) error {
	if err := h.svc.Delete(c.Request().Context(), libraryitem.Author(c), c.Param("uid")); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

type changeRequest struct {
	ChangeDescription string `json:"change_description"`
}

func (h *Handler) Lock(c echo.Context) error {
	var req changeRequest
	if err := bind(c, "study.lock", &req); err != nil {
		return err
	}
	st, err := h.svc.Lock(c.Request().Context(), libraryitem.Author(c), c.Param("uid"), req.ChangeDescription)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, st)
}

func (h *Handler) Unlock(c echo.Context) error {
	st, err := h.svc.Unlock(c.Request().Context(), libraryitem.Author(c), c.Param("uid"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, st)
}

func (h *Handler) Release(c echo.Context) error {
	var req changeRequest
	if err := bind(c, "study.release", &req); err != nil {
		return err
	}
	st, err := h.svc.Release(c.Request().Context(), libraryitem.Author(c), c.Param("uid"), req.ChangeDescription)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, st)
}

func (h *Handler) AuditTrail(c echo.Context) error {
	entries, err := h.svc.AuditTrail(c.Request().Context(), c.Param("uid"), c.QueryParam("type"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, entries)
}

// registerSelections mounts list, get, create, patch, delete and batch for
// the selections of T on g, whose path carries the study uid.
func registerSelections[T any, P selectionPtr[T]](svc *Service, g *echo.Group) {
	name := P(new(T)).Kind().Name

	g.GET("", func(c echo.Context) error {
		q, err := filter.FromContext(c)
		if err != nil {
			return err
		}
		items, err := List[T, P](c.Request().Context(), svc, c.Param("uid"), c.QueryParam("study_value_version"))
		if err != nil {
			return err
		}
		return c.JSON(http.StatusOK, filter.Respond(items, q))
	})

	g.GET("/:sel", func(c echo.Context) error {
		sel, err := Get[T, P](c.Request().Context(), svc, c.Param("uid"), c.Param("sel"), c.QueryParam("study_value_version"))
		if err != nil {
			return err
		}
		return c.JSON(http.StatusOK, sel)
	})

	g.POST("", func(c echo.Context) error {
		sel := New[T, P]()
		if err := bind(c, "study.create_"+name, sel); err != nil {
			return err
		}
		*sel.base() = Base{Order: sel.base().Order}
		out, err := Create[T, P](c.Request().Context(), svc, libraryitem.Author(c), c.Param("uid"), sel)
		if err != nil {
			return err
		}
		return c.JSON(http.StatusCreated, out)
	})

	g.PATCH("/:sel", func(c echo.Context) error {
		body, err := readBody(c)
		if err != nil {
			return err
		}
		out, err := Patch[T, P](c.Request().Context(), svc, libraryitem.Author(c), c.Param("uid"), c.Param("sel"), func(p P) error {
			return decode(body, "study.edit_"+name, p)
		})
		if err != nil {
			return err
		}
		return c.JSON(http.StatusOK, out)
	})

	g.DELETE("/:sel", func(c echo.Context) error {
		if err := Delete[T, P](c.Request().Context(), svc, libraryitem.Author(c), c.Param("uid"), c.Param("sel")); err != nil {
			return err
		}
		return c.NoContent(http.StatusNoContent)
	})

	g.POST("/batch", func(c echo.Context) error {
		body, err := readBody(c)
		if err != nil {
			return err
		}
		var ops []BatchOperation
		if err := decode(body, "study.batch_"+name, &ops); err != nil {
			return err
		}
		res, err := Batch[T, P](c.Request().Context(), svc, libraryitem.Author(c), c.Param("uid"), ops)
		if err != nil {
			return err
		}
		return c.JSON(res.Status(), res.Items)
	})
}

func syncHandler[T any, P interface {
	selectionPtr[T]
	syncer
}](svc *Service) echo.HandlerFunc {
	return func(c echo.Context) error {
		out, err := SyncLatestVersion[T, P](c.Request().Context(), svc, libraryitem.Author(c), c.Param("uid"), c.Param("sel"))
		if err != nil {
			return err
		}
		return c.JSON(http.StatusOK, out)
	}
}
