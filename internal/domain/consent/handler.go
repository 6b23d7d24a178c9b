package consent

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/compliance/internal/platform/apperr"
	"github.com/ehr/compliance/internal/platform/auth"
	"github.com/ehr/compliance/internal/platform/middleware"
	"github.com/ehr/compliance/pkg/pagination"
)

// Handler provides consent record HTTP endpoints.
type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	clinical := api.Group("", auth.RequireRole(auth.RoleDPO, auth.RoleCompliance, auth.RolePhysician, auth.RoleNurse, auth.RoleStaff))
	clinical.GET("/legal-bases", h.ListLegalBases)
	clinical.POST("/consents", h.Grant)
	clinical.GET("/consents", h.List)
	clinical.GET("/consents/:id", h.Get)
	clinical.POST("/consents/:id/withdraw", h.Withdraw)
	clinical.GET("/patients/:patient_id/consents", h.ListForPatient)
}

type grantRequest struct {
	PatientID        uuid.UUID  `json:"patient_id"`
	Purpose          string     `json:"purpose"`
	LegalBasisID     uuid.UUID  `json:"legal_basis_id"`
	Description      *string    `json:"description"`
	GrantedAt        *time.Time `json:"granted_at"`
	ExpiresAt        *time.Time `json:"expires_at"`
	CollectionMethod string     `json:"collection_method"`
	Version          string     `json:"version"`
}

type recordView struct {
	*Record
	Valid bool `json:"valid"`
}

func (h *Handler) view(r *Record) recordView {
	return recordView{Record: r, Valid: r.IsValid(h.svc.now())}
}

func (h *Handler) views(items []*Record) []recordView {
	out := make([]recordView, len(items))
	for i, r := range items {
		out[i] = h.view(r)
	}
	return out
}

func (h *Handler) ListLegalBases(c echo.Context) error {
	items, err := h.svc.ListLegalBases(c.Request().Context())
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, items)
}

func (h *Handler) Grant(c echo.Context) error {
	var req grantRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	r := &Record{
		PatientID:        req.PatientID,
		Purpose:          req.Purpose,
		LegalBasisID:     req.LegalBasisID,
		Description:      req.Description,
		ExpiresAt:        req.ExpiresAt,
		CollectionMethod: req.CollectionMethod,
		Version:          req.Version,
	}
	if req.GrantedAt != nil {
		r.GrantedAt = *req.GrantedAt
	}
	if actor := auth.UserIDFromContext(c.Request().Context()); actor != "" {
		r.CreatedBy = &actor
	}
	if err := h.svc.Grant(c.Request().Context(), r); err != nil {
		return apperr.ToHTTP(err)
	}
	middleware.SetAuditPatient(c, r.PatientID)
	return c.JSON(http.StatusCreated, h.view(r))
}

func (h *Handler) Get(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	r, err := h.svc.Get(c.Request().Context(), id)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	middleware.SetAuditPatient(c, r.PatientID)
	return c.JSON(http.StatusOK, h.view(r))
}

func (h *Handler) List(c echo.Context) error {
	f := Filter{Purpose: c.QueryParam("purpose"), Status: c.QueryParam("status")}
	if v := c.QueryParam("patient_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid patient_id")
		}
		f.PatientID = &id
	}
	pg := pagination.FromContext(c)
	items, total, err := h.svc.Search(c.Request().Context(), f, pg.Limit, pg.Offset)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(h.views(items), total, pg.Limit, pg.Offset))
}

// ListForPatient returns every consent of a patient, or only the valid ones
// when active=true.
func (h *Handler) ListForPatient(c echo.Context) error {
	patientID, err := uuid.Parse(c.Param("patient_id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid patient_id")
	}
	ctx := c.Request().Context()
	var items []*Record
	if c.QueryParam("active") == "true" {
		items, err = h.svc.ActiveConsentsForPatient(ctx, patientID)
	} else {
		items, err = h.svc.ListByPatient(ctx, patientID)
	}
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, h.views(items))
}

func (h *Handler) Withdraw(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var body struct {
		Reason string `json:"reason"`
	}
	if c.Request().ContentLength > 0 {
		if err := c.Bind(&body); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
		}
	}
	r, err := h.svc.Withdraw(c.Request().Context(), id, body.Reason, auth.UserIDFromContext(c.Request().Context()))
	if err != nil {
		return apperr.ToHTTP(err)
	}
	middleware.SetAuditPatient(c, r.PatientID)
	return c.JSON(http.StatusOK, h.view(r))
}
