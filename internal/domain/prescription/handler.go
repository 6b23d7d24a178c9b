package prescription

import (
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/compliance/internal/platform/apperr"
	"github.com/ehr/compliance/internal/platform/auth"
	"github.com/ehr/compliance/internal/platform/middleware"
	"github.com/ehr/compliance/pkg/pagination"
)

// Handler provides drug catalogue, prescription template and prescription
// HTTP endpoints.
type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	read := api.Group("", auth.RequireRole(auth.RoleDPO, auth.RoleCompliance, auth.RolePhysician, auth.RoleNurse, auth.RoleStaff))
	read.GET("/drug-templates", h.ListDrugs)
	read.GET("/drug-templates/:id", h.GetDrug)
	read.GET("/prescription-templates", h.ListTemplates)
	read.GET("/prescription-templates/:id", h.GetTemplate)
	read.GET("/prescriptions", h.List)
	read.GET("/prescriptions/:id", h.Get)
	read.GET("/prescriptions/:id/pdf", h.PDF)

	catalogue := api.Group("", auth.RequireRole(auth.RolePhysician, auth.RoleCompliance))
	catalogue.POST("/drug-templates", h.CreateDrug)
	catalogue.PUT("/drug-templates/:id", h.UpdateDrug)
	catalogue.DELETE("/drug-templates/:id", h.DeactivateDrug)
	catalogue.POST("/prescription-templates", h.CreateTemplate)
	catalogue.PUT("/prescription-templates/:id", h.UpdateTemplate)
	catalogue.DELETE("/prescription-templates/:id", h.DeactivateTemplate)

	prescriber := api.Group("", auth.RequireRole(auth.RolePhysician))
	prescriber.POST("/prescriptions", h.Create)
	prescriber.POST("/prescriptions/from-template", h.CreateFromTemplate)
	prescriber.POST("/prescriptions/:id/cancel", h.Cancel)
}

func parseID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

// -- Drug templates --

func (h *Handler) CreateDrug(c echo.Context) error {
	var d DrugTemplate
	if err := c.Bind(&d); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := h.svc.CreateDrug(c.Request().Context(), &d); err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusCreated, d)
}

func (h *Handler) GetDrug(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	d, err := h.svc.GetDrug(c.Request().Context(), id)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, d)
}

func (h *Handler) ListDrugs(c echo.Context) error {
	items, err := h.svc.ListDrugs(c.Request().Context(), DrugFilter{
		Query:      c.QueryParam("q"),
		ActiveOnly: c.QueryParam("all") != "true",
	})
	if err != nil {
		return apperr.ToHTTP(err)
	}
	if items == nil {
		items = []*DrugTemplate{}
	}
	return c.JSON(http.StatusOK, items)
}

func (h *Handler) UpdateDrug(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var d DrugTemplate
	if err := c.Bind(&d); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	d.ID = id
	if err := h.svc.UpdateDrug(c.Request().Context(), &d); err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, d)
}

func (h *Handler) DeactivateDrug(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	if _, err := h.svc.DeactivateDrug(c.Request().Context(), id); err != nil {
		return apperr.ToHTTP(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// -- Prescription templates --

type templateRequest struct {
	Name        string         `json:"name"`
	Description *string        `json:"description"`
	Specialty   *string        `json:"specialty"`
	Active      *bool          `json:"active"`
	Items       []TemplateItem `json:"items"`
}

func (r templateRequest) toTemplate() *Template {
	t := &Template{
		Name:        r.Name,
		Description: r.Description,
		Specialty:   r.Specialty,
		Active:      true,
		Items:       r.Items,
	}
	if r.Active != nil {
		t.Active = *r.Active
	}
	return t
}

func (h *Handler) CreateTemplate(c echo.Context) error {
	var req templateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	t := req.toTemplate()
	if actor := auth.UserIDFromContext(c.Request().Context()); actor != "" {
		t.CreatedBy = &actor
	}
	if err := h.svc.CreateTemplate(c.Request().Context(), t); err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusCreated, t)
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
	items, err := h.svc.ListTemplates(c.Request().Context(), c.QueryParam("all") != "true", c.QueryParam("specialty"))
	if err != nil {
		return apperr.ToHTTP(err)
	}
	if items == nil {
		items = []*Template{}
	}
	return c.JSON(http.StatusOK, items)
}

func (h *Handler) UpdateTemplate(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req templateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	t := req.toTemplate()
	t.ID = id
	if err := h.svc.UpdateTemplate(c.Request().Context(), t); err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, t)
}

func (h *Handler) DeactivateTemplate(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	if _, err := h.svc.DeactivateTemplate(c.Request().Context(), id); err != nil {
		return apperr.ToHTTP(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// -- Prescriptions --

func (h *Handler) Create(c echo.Context) error {
	var in CreateInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	p, err := h.svc.Create(c.Request().Context(), in)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	middleware.SetAuditPatient(c, p.PatientID)
	return c.JSON(http.StatusCreated, p)
}

func (h *Handler) CreateFromTemplate(c echo.Context) error {
	var in FromTemplateInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	p, err := h.svc.CreateFromTemplate(c.Request().Context(), in)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	middleware.SetAuditPatient(c, p.PatientID)
	return c.JSON(http.StatusCreated, p)
}

func (h *Handler) Get(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	p, err := h.svc.Get(c.Request().Context(), id)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	middleware.SetAuditPatient(c, p.PatientID)
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) List(c echo.Context) error {
	f := Filter{Status: c.QueryParam("status")}
	if v := c.QueryParam("patient_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid patient_id")
		}
		f.PatientID = &id
	}
	if v := c.QueryParam("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid since")
		}
		f.Since = &t
	}
	pg := pagination.FromContext(c)
	items, total, err := h.svc.Search(c.Request().Context(), f, pg.Limit, pg.Offset)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) Cancel(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	p, err := h.svc.Cancel(c.Request().Context(), id)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	middleware.SetAuditPatient(c, p.PatientID)
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) PDF(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	body, p, err := h.svc.PDF(c.Request().Context(), id)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	c.Response().Header().Set(echo.HeaderContentDisposition,
		fmt.Sprintf(`inline; filename="prescription_%s.pdf"`, p.ID))
	middleware.SetAuditPatient(c, p.PatientID)
	return c.Blob(http.StatusOK, "application/pdf", body)
}
