package consentform

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/compliance/internal/platform/apperr"
	"github.com/ehr/compliance/internal/platform/auth"
	"github.com/ehr/compliance/internal/platform/middleware"
	"github.com/ehr/compliance/pkg/pagination"
)

// Handler provides consent template and consent form HTTP endpoints.
type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	clinical := api.Group("", auth.RequireRole(auth.RoleDPO, auth.RoleCompliance, auth.RolePhysician, auth.RoleNurse, auth.RoleStaff))
	clinical.GET("/consent-templates", h.ListTemplates)
	clinical.GET("/consent-templates/:id", h.GetTemplate)
	clinical.POST("/consent-templates/:id/preview", h.Preview)
	clinical.POST("/consent-forms", h.CreateForm)
	clinical.GET("/consent-forms", h.ListForms)
	clinical.GET("/consent-forms/:id", h.GetForm)
	clinical.POST("/consent-forms/:id/sign", h.Sign)
	clinical.GET("/consent-forms/:id/pdf", h.PDF)

	admin := api.Group("", auth.RequireRole(auth.RoleDPO, auth.RoleCompliance))
	admin.POST("/consent-templates", h.CreateTemplate)
	admin.POST("/consent-templates/validate", h.ValidateTemplate)
	admin.PUT("/consent-templates/:id", h.ReviseTemplate)
	admin.DELETE("/consent-templates/:id", h.DeactivateTemplate)
	admin.POST("/consent-forms/:id/revoke", h.Revoke)
}

type templateRequest struct {
	Name                 string   `json:"name"`
	Description          *string  `json:"description"`
	Markdown             string   `json:"markdown"`
	RequiredPlaceholders []string `json:"required_placeholders"`
}

func (r templateRequest) toTemplate(actor string) *Template {
	t := &Template{
		Name:                 r.Name,
		Description:          r.Description,
		Markdown:             r.Markdown,
		RequiredPlaceholders: r.RequiredPlaceholders,
	}
	if actor != "" {
		t.CreatedBy = &actor
	}
	return t
}

func parseID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

func (h *Handler) CreateTemplate(c echo.Context) error {
	var req templateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	t := req.toTemplate(auth.UserIDFromContext(c.Request().Context()))
	if err := h.svc.CreateTemplate(c.Request().Context(), t); err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusCreated, t)
}

// ValidateTemplate checks a draft without storing it.
func (h *Handler) ValidateTemplate(c echo.Context) error {
	var req templateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	resp := map[string]interface{}{"valid": true, "placeholders": Placeholders(req.Markdown)}
	if err := Validate(req.Markdown, req.RequiredPlaceholders); err != nil {
		resp["valid"] = false
		resp["errors"] = err.Error()
	}
	return c.JSON(http.StatusOK, resp)
}

func (h *Handler) ReviseTemplate(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req templateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	t := req.toTemplate(auth.UserIDFromContext(c.Request().Context()))
	if err := h.svc.ReviseTemplate(c.Request().Context(), id, t); err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusCreated, t)
}

func (h *Handler) DeactivateTemplate(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	if err := h.svc.SetTemplateActive(c.Request().Context(), id, false); err != nil {
		return apperr.ToHTTP(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) GetTemplate(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	t, err := h.svc.GetTemplate(c.Request().Context(), id)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, t)
}

func (h *Handler) ListTemplates(c echo.Context) error {
	items, err := h.svc.ListTemplates(c.Request().Context(), c.QueryParam("all") != "true")
	if err != nil {
		return apperr.ToHTTP(err)
	}
	if items == nil {
		items = []*Template{}
	}
	return c.JSON(http.StatusOK, items)
}

func (h *Handler) Preview(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var body struct {
		Values map[string]string `json:"values"`
	}
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	rendered, err := h.svc.Preview(c.Request().Context(), id, body.Values)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"markdown": rendered, "pages": len(SplitPages(rendered))})
}

func (h *Handler) CreateForm(c echo.Context) error {
	var in CreateFormInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	f, err := h.svc.CreateForm(c.Request().Context(), in, auth.UserIDFromContext(c.Request().Context()))
	if err != nil {
		return apperr.ToHTTP(err)
	}
	middleware.SetAuditPatient(c, f.PatientID)
	return c.JSON(http.StatusCreated, f)
}

func (h *Handler) GetForm(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	f, err := h.svc.GetForm(c.Request().Context(), id)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	middleware.SetAuditPatient(c, f.PatientID)
	return c.JSON(http.StatusOK, f)
}

func (h *Handler) ListForms(c echo.Context) error {
	var f FormFilter
	for param, dst := range map[string]**uuid.UUID{"patient_id": &f.PatientID, "template_id": &f.TemplateID} {
		if v := c.QueryParam(param); v != "" {
			id, err := uuid.Parse(v)
			if err != nil {
				return echo.NewHTTPError(http.StatusBadRequest, "invalid "+param)
			}
			*dst = &id
		}
	}
	if v := c.QueryParam("signed"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid signed")
		}
		f.Signed = &b
	}
	pg := pagination.FromContext(c)
	items, total, err := h.svc.SearchForms(c.Request().Context(), f, pg.Limit, pg.Offset)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) Sign(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var body struct {
		SignedBy    string `json:"signed_by"`
		WitnessName string `json:"witness_name"`
	}
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	f, err := h.svc.Sign(c.Request().Context(), id, body.SignedBy, body.WitnessName)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	middleware.SetAuditPatient(c, f.PatientID)
	return c.JSON(http.StatusOK, f)
}

func (h *Handler) Revoke(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	f, err := h.svc.Revoke(c.Request().Context(), id)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	middleware.SetAuditPatient(c, f.PatientID)
	return c.JSON(http.StatusOK, f)
}

func (h *Handler) PDF(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	body, f, err := h.svc.PDF(c.Request().Context(), id)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	c.Response().Header().Set(echo.HeaderContentDisposition,
		fmt.Sprintf(`inline; filename="consent_form_%s.pdf"`, f.ID))
	middleware.SetAuditPatient(c, f.PatientID)
	return c.Blob(http.StatusOK, "application/pdf", body)
}
