package datarequest

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

// Handler provides data subject request HTTP endpoints.
type Handler struct {
	svc      *Service
	exporter *Exporter
	now      func() time.Time
}

func NewHandler(svc *Service, exporter *Exporter) *Handler {
	return &Handler{svc: svc, exporter: exporter, now: func() time.Time { return time.Now().UTC() }}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	read := api.Group("/data-requests", auth.RequireRole(auth.RoleDPO, auth.RoleCompliance, auth.RoleStaff))
	read.POST("", h.Create)
	read.GET("", h.List)
	read.GET("/overdue", h.ListOverdue)
	read.GET("/:id", h.Get)

	review := api.Group("/data-requests", auth.RequireRole(auth.RoleDPO, auth.RoleCompliance))
	review.POST("/:id/review", h.StartReview)
	review.POST("/:id/approve", h.Approve)
	review.POST("/:id/reject", h.Reject)
	review.POST("/:id/complete", h.Complete)
	review.POST("/:id/cancel", h.Cancel)

	if h.exporter != nil {
		export := api.Group("/patients", auth.RequireRole(auth.RoleDPO, auth.RoleCompliance))
		export.GET("/:patient_id/export", h.Export)
	}
}

type createRequest struct {
	PatientID         *uuid.UUID `json:"patient_id"`
	RequesterName     string     `json:"requester_name"`
	RequesterEmail    string     `json:"requester_email"`
	RequesterPhone    *string    `json:"requester_phone"`
	RequesterDocument *string    `json:"requester_document"`
	Relationship      string     `json:"relationship"`
	RequestType       string     `json:"request_type"`
	Description       *string    `json:"description"`
}

type actionRequest struct {
	Notes  string `json:"notes"`
	Reason string `json:"reason"`
}

type requestView struct {
	*DataRequest
	Overdue       bool `json:"overdue"`
	DaysRemaining int  `json:"days_remaining"`
}

func (h *Handler) view(r *DataRequest) requestView {
	now := h.now()
	return requestView{DataRequest: r, Overdue: r.IsOverdue(now), DaysRemaining: r.DaysRemaining(now)}
}

func (h *Handler) views(items []*DataRequest) []requestView {
	out := make([]requestView, len(items))
	for i, r := range items {
		out[i] = h.view(r)
	}
	return out
}

func parseID(c echo.Context, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid "+name)
	}
	return id, nil
}

func (h *Handler) Create(c echo.Context) error {
	var req createRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	r := &DataRequest{
		PatientID:         req.PatientID,
		RequesterName:     req.RequesterName,
		RequesterEmail:    req.RequesterEmail,
		RequesterPhone:    req.RequesterPhone,
		RequesterDocument: req.RequesterDocument,
		Relationship:      req.Relationship,
		RequestType:       req.RequestType,
		Description:       req.Description,
	}
	if err := h.svc.Create(c.Request().Context(), r); err != nil {
		return apperr.ToHTTP(err)
	}
	if r.PatientID != nil {
		middleware.SetAuditPatient(c, *r.PatientID)
	}
	return c.JSON(http.StatusCreated, h.view(r))
}

func (h *Handler) Get(c echo.Context) error {
	ctx := c.Request().Context()
	var (
		r   *DataRequest
		err error
	)
	if id, perr := uuid.Parse(c.Param("id")); perr == nil {
		r, err = h.svc.Get(ctx, id)
	} else {
		r, err = h.svc.GetByRequestID(ctx, c.Param("id"))
	}
	if err != nil {
		return apperr.ToHTTP(err)
	}
	if r.PatientID != nil {
		middleware.SetAuditPatient(c, *r.PatientID)
	}
	return c.JSON(http.StatusOK, h.view(r))
}

func (h *Handler) List(c echo.Context) error {
	f := Filter{Status: c.QueryParam("status"), RequestType: c.QueryParam("request_type")}
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

func (h *Handler) ListOverdue(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListOverdue(c.Request().Context(), pg.Limit, pg.Offset)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(h.views(items), total, pg.Limit, pg.Offset))
}

func (h *Handler) action(c echo.Context, fn func(id uuid.UUID, actor string, body actionRequest) (*DataRequest, error)) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	var body actionRequest
	if c.Request().ContentLength > 0 {
		if err := c.Bind(&body); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
		}
	}
	r, err := fn(id, auth.UserIDFromContext(c.Request().Context()), body)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	if r.PatientID != nil {
		middleware.SetAuditPatient(c, *r.PatientID)
	}
	return c.JSON(http.StatusOK, h.view(r))
}

func (h *Handler) StartReview(c echo.Context) error {
	return h.action(c, func(id uuid.UUID, actor string, _ actionRequest) (*DataRequest, error) {
		return h.svc.StartReview(c.Request().Context(), id, actor)
	})
}

func (h *Handler) Approve(c echo.Context) error {
	return h.action(c, func(id uuid.UUID, actor string, body actionRequest) (*DataRequest, error) {
		return h.svc.Approve(c.Request().Context(), id, actor, body.Notes)
	})
}

func (h *Handler) Reject(c echo.Context) error {
	return h.action(c, func(id uuid.UUID, actor string, body actionRequest) (*DataRequest, error) {
		return h.svc.Reject(c.Request().Context(), id, actor, body.Reason)
	})
}

func (h *Handler) Complete(c echo.Context) error {
	return h.action(c, func(id uuid.UUID, _ string, body actionRequest) (*DataRequest, error) {
		return h.svc.Complete(c.Request().Context(), id, body.Notes)
	})
}

func (h *Handler) Cancel(c echo.Context) error {
	return h.action(c, func(id uuid.UUID, _ string, body actionRequest) (*DataRequest, error) {
		return h.svc.Cancel(c.Request().Context(), id, body.Reason)
	})
}

// Export streams the patient's personal data as json, csv or pdf.
func (h *Handler) Export(c echo.Context) error {
	patientID, err := parseID(c, "patient_id")
	if err != nil {
		return err
	}
	out, err := h.exporter.Export(c.Request().Context(), patientID, c.QueryParam("format"))
	if err != nil {
		return apperr.ToHTTP(err)
	}
	c.Response().Header().Set(echo.HeaderContentDisposition, fmt.Sprintf(`attachment; filename="%s"`, out.Filename))
	return c.Blob(http.StatusOK, out.ContentType, out.Body)
}
