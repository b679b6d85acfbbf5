package ct

import (
	"net/http"
	"time"

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

// RegisterRoutes mounts codelists and terms under g, normally /api/v1/ct.
func (h *Handler) RegisterRoutes(g *echo.Group) {
	codelists := g.Group("/codelists")
	codelists.GET("", h.ListCodelists)
	codelists.POST("", h.CreateCodelist)
	codelists.GET("/:uid", h.GetCodelist)
	codelists.DELETE("/:uid", h.DeleteCodelist)
	codelists.GET("/:uid/terms", h.CodelistTerms)
	codelists.POST("/:uid/terms", h.AddTerm)
	codelists.DELETE("/:uid/terms/:term_uid", h.RemoveTerm)
	codelists.GET("/:uid/term-uid", h.TermUIDBySubmissionValue)
	codelists.PATCH("/:uid/:part", h.EditCodelistPart)
	h.registerParts(codelists, h.svc.CodelistPart)

	terms := g.Group("/terms")
	terms.GET("", h.ListTerms)
	terms.POST("", h.CreateTerm)
	terms.GET("/:uid", h.GetTerm)
	terms.DELETE("/:uid", h.DeleteTerm)
	terms.POST("/:uid/parents", h.AddParent)
	terms.DELETE("/:uid/parents", h.RemoveParent)
	terms.PATCH("/:uid/:part", h.EditTermPart)
	h.registerParts(terms, h.svc.TermPartOps)
}

type partResolver func(Part) (PartOps, error)

func (h *Handler) registerParts(g *echo.Group, resolve partResolver) {
	g.GET("/:uid/:part", partHandler(resolve, func(c echo.Context, ops PartOps) error {
		q, err := libraryitem.QueryFromContext(c)
		if err != nil {
			return err
		}
		out, err := ops.Get(c.Request().Context(), c.Param("uid"), q)
		if err != nil {
			return err
		}
		return c.JSON(http.StatusOK, out)
	}))
	g.GET("/:uid/:part/versions", partHandler(resolve, func(c echo.Context, ops PartOps) error {
		out, err := ops.Versions(c.Request().Context(), c.Param("uid"))
		if err != nil {
			return err
		}
		return c.JSON(http.StatusOK, out)
	}))
	g.POST("/:uid/:part/approvals", partHandler(resolve, func(c echo.Context, ops PartOps) error {
		return respond(c, http.StatusCreated)(ops.Approve(c.Request().Context(), c.Param("uid"), libraryitem.Author(c)))
	}))
	g.POST("/:uid/:part/versions", partHandler(resolve, func(c echo.Context, ops PartOps) error {
		var in struct {
			ChangeDescription string `json:"change_description"`
		}
		if c.Request().ContentLength > 0 {
			if err := bind(c, "ct.new_version", &in); err != nil {
				return err
			}
		}
		return respond(c, http.StatusCreated)(ops.NewVersion(c.Request().Context(), c.Param("uid"), libraryitem.Author(c), in.ChangeDescription))
	}))
	g.DELETE("/:uid/:part/activations", partHandler(resolve, func(c echo.Context, ops PartOps) error {
		return respond(c, http.StatusOK)(ops.Inactivate(c.Request().Context(), c.Param("uid"), libraryitem.Author(c)))
	}))
	g.POST("/:uid/:part/activations", partHandler(resolve, func(c echo.Context, ops PartOps) error {
		return respond(c, http.StatusOK)(ops.Reactivate(c.Request().Context(), c.Param("uid"), libraryitem.Author(c)))
	}))
}

func partHandler(resolve partResolver, fn func(echo.Context, PartOps) error) echo.HandlerFunc {
	return func(c echo.Context) error {
		p, err := ParsePart(c.Param("part"))
		if err != nil {
			return err
		}
		ops, err := resolve(p)
		if err != nil {
			return err
		}
		return fn(c, ops)
	}
}

func respond(c echo.Context, status int) func(any, error) error {
	return func(out any, err error) error {
		if err != nil {
			return err
		}
		return c.JSON(status, out)
	}
}

func bind(c echo.Context, op string, v any) error {
	if err := c.Bind(v); err != nil {
		return apperr.Validation(op, "invalid request body: %v", err)
	}
	return nil
}

func atParam(c echo.Context) (*time.Time, error) {
	raw := c.QueryParam("at_specified_date_time")
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, apperr.Validation("ct.query", "invalid at_specified_date_time %q", raw)
	}
	return &t, nil
}

func (h *Handler) ListCodelists(c echo.Context) error {
	q, err := filter.FromContext(c)
	if err != nil {
		return err
	}
	items, err := h.svc.ListCodelists(c.Request().Context(), c.QueryParam("library_name"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, filter.Respond(items, q))
}

func (h *Handler) CreateCodelist(c echo.Context) error {
	var in CodelistInput
	if err := bind(c, "ct.create_codelist", &in); err != nil {
		return err
	}
	out, err := h.svc.CreateCodelist(c.Request().Context(), libraryitem.Author(c), in)
	return respond(c, http.StatusCreated)(out, err)
}

func (h *Handler) GetCodelist(c echo.Context) error {
	q, err := libraryitem.QueryFromContext(c)
	if err != nil {
		return err
	}
	out, err := h.svc.Codelist(c.Request().Context(), c.Param("uid"), q)
	return respond(c, http.StatusOK)(out, err)
}

func (h *Handler) DeleteCodelist(c echo.Context) error {
	if err := h.svc.DeleteCodelist(c.Request().Context(), libraryitem.Author(c), c.Param("uid")); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) EditCodelistPart(c echo.Context) error {
	p, err := ParsePart(c.Param("part"))
	if err != nil {
		return err
	}
	ctx, author, uid := c.Request().Context(), libraryitem.Author(c), c.Param("uid")
	switch p {
	case PartName:
		var in CodelistNameInput
		if err := bind(c, "ct.edit_codelist_name", &in); err != nil {
			return err
		}
		n, err := h.svc.EditCodelistName(ctx, author, uid, in)
		if err != nil {
			return err
		}
		return c.JSON(http.StatusOK, h.svc.CodelistNameView(ctx, n))
	default:
		var in CodelistAttributesInput
		if err := bind(c, "ct.edit_codelist_attributes", &in); err != nil {
			return err
		}
		a, err := h.svc.EditCodelistAttributes(ctx, author, uid, in)
		if err != nil {
			return err
		}
		return c.JSON(http.StatusOK, h.svc.CodelistAttributesView(ctx, a))
	}
}

func (h *Handler) CodelistTerms(c echo.Context) error {
	at, err := atParam(c)
	if err != nil {
		return err
	}
	q, err := filter.FromContext(c)
	if err != nil {
		return err
	}
	items, err := h.svc.Repos().TermsAt(c.Request().Context(), c.Param("uid"), at)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, filter.Respond(items, q))
}

func (h *Handler) AddTerm(c echo.Context) error {
	var in AddTermInput
	if err := bind(c, "ct.add_term", &in); err != nil {
		return err
	}
	out, err := h.svc.AddTerm(c.Request().Context(), libraryitem.Author(c), c.Param("uid"), in)
	return respond(c, http.StatusCreated)(out, err)
}

func (h *Handler) RemoveTerm(c echo.Context) error {
	out, err := h.svc.RemoveTerm(c.Request().Context(), libraryitem.Author(c), c.Param("uid"), c.Param("term_uid"))
	return respond(c, http.StatusOK)(out, err)
}

func (h *Handler) TermUIDBySubmissionValue(c echo.Context) error {
	value := c.QueryParam("submission_value")
	uid, err := h.svc.Repos().FindTermUIDBySubmissionValue(c.Request().Context(), c.Param("uid"), value)
	if err != nil {
		return err
	}
	if uid == "" {
		return apperr.NotFound("ct.term_uid", "Codelist with UID '%s' has no Term with submission value '%s'.", c.Param("uid"), value)
	}
	return c.JSON(http.StatusOK, map[string]string{"term_uid": uid})
}

func (h *Handler) ListTerms(c echo.Context) error {
	at, err := atParam(c)
	if err != nil {
		return err
	}
	q, err := filter.FromContext(c)
	if err != nil {
		return err
	}
	items, err := h.svc.ListTerms(c.Request().Context(), c.QueryParam("library_name"), c.QueryParam("codelist_uid"), at)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, filter.Respond(items, q))
}

func (h *Handler) CreateTerm(c echo.Context) error {
	var in TermInput
	if err := bind(c, "ct.create_term", &in); err != nil {
		return err
	}
	out, err := h.svc.CreateTerm(c.Request().Context(), libraryitem.Author(c), in)
	return respond(c, http.StatusCreated)(out, err)
}

func (h *Handler) GetTerm(c echo.Context) error {
	q, err := libraryitem.QueryFromContext(c)
	if err != nil {
		return err
	}
	out, err := h.svc.Term(c.Request().Context(), c.Param("uid"), q)
	return respond(c, http.StatusOK)(out, err)
}

func (h *Handler) DeleteTerm(c echo.Context) error {
	if err := h.svc.DeleteTerm(c.Request().Context(), libraryitem.Author(c), c.Param("uid")); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) EditTermPart(c echo.Context) error {
	p, err := ParsePart(c.Param("part"))
	if err != nil {
		return err
	}
	ctx, author, uid := c.Request().Context(), libraryitem.Author(c), c.Param("uid")
	switch p {
	case PartName:
		var in TermNameInput
		if err := bind(c, "ct.edit_term_name", &in); err != nil {
			return err
		}
		n, err := h.svc.EditTermName(ctx, author, uid, in)
		if err != nil {
			return err
		}
		return c.JSON(http.StatusOK, h.svc.TermNameView(ctx, n))
	default:
		var in TermAttributesInput
		if err := bind(c, "ct.edit_term_attributes", &in); err != nil {
			return err
		}
		a, err := h.svc.EditTermAttributes(ctx, author, uid, in)
		if err != nil {
			return err
		}
		return c.JSON(http.StatusOK, h.svc.TermAttributesView(ctx, a))
	}
}

func parentParams(c echo.Context) (string, ParentType, error) {
	typ, err := ParseParentType(c.QueryParam("relationship_type"))
	if err != nil {
		return "", "", err
	}
	parent := c.QueryParam("parent_uid")
	if parent == "" {
		return "", "", apperr.Validation("ct.parent", "parent_uid is required")
	}
	return parent, typ, nil
}

func (h *Handler) AddParent(c echo.Context) error {
	parent, typ, err := parentParams(c)
	if err != nil {
		return err
	}
	out, err := h.svc.AddParent(c.Request().Context(), c.Param("uid"), parent, typ)
	return respond(c, http.StatusCreated)(out, err)
}

func (h *Handler) RemoveParent(c echo.Context) error {
	parent, typ, err := parentParams(c)
	if err != nil {
		return err
	}
	out, err := h.svc.RemoveParent(c.Request().Context(), c.Param("uid"), parent, typ)
	return respond(c, http.StatusOK)(out, err)
}
