package retention

import (
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/compliance/internal/platform/apperr"
	"github.com/ehr/compliance/internal/platform/auth"
	"github.com/ehr/compliance/pkg/pagination"
)

// Handler provides retention policy and schedule HTTP endpoints.
type Handler struct {
	svc       *Service
	processor *Processor
}

func NewHandler(svc *Service, processor *Processor) *Handler {
	return &Handler{svc: svc, processor: processor}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/retention", auth.RequireRole(auth.RoleDPO, auth.RoleCompliance))
	g.GET("/policies", h.ListPolicies)
	g.POST("/policies", h.CreatePolicy)
	g.POST("/policies/validate", h.ValidatePolicies)
	g.GET("/policies/:id", h.GetPolicy)
	g.PUT("/policies/:id", h.UpdatePolicy)
	g.DELETE("/policies/:id", h.DeletePolicy)

	g.GET("/schedules", h.ListSchedules)
	g.POST("/schedules", h.CreateSchedule)
	g.POST("/schedules/sync", h.SyncSchedules)
	g.GET("/schedules/:id", h.GetSchedule)
	g.POST("/schedules/:id/approve", h.Approve)
	g.POST("/schedules/:id/legal-hold", h.PlaceLegalHold)
	g.POST("/schedules/:id/release", h.ReleaseLegalHold)

	if h.processor != nil {
		g.POST("/run", h.Run, auth.RequireRole(auth.RoleDPO))
	}
}

type policyRequest struct {
	Name                   string  `json:"name"`
	DataCategory           string  `json:"data_category"`
	RetentionDays          int     `json:"retention_days"`
	WarningDays            *int    `json:"warning_days"`
	DeletionMethod         string  `json:"deletion_method"`
	RequiresManualApproval *bool   `json:"requires_manual_approval"`
	NotifyEmail            *string `json:"notify_email"`
	LegalReference         *string `json:"legal_reference"`
	Active                 *bool   `json:"active"`
}

// toPolicy applies the column defaults of retention_policy to absent fields.
func (r policyRequest) toPolicy() *Policy {
	p := &Policy{
		Name:                   r.Name,
		DataCategory:           r.DataCategory,
		RetentionDays:          r.RetentionDays,
		WarningDays:            30,
		DeletionMethod:         r.DeletionMethod,
		RequiresManualApproval: true,
		NotifyEmail:            r.NotifyEmail,
		LegalReference:         r.LegalReference,
		Active:                 true,
	}
	if p.DeletionMethod == "" {
		p.DeletionMethod = MethodAnonymize
	}
	if r.WarningDays != nil {
		p.WarningDays = *r.WarningDays
	}
	if r.RequiresManualApproval != nil {
		p.RequiresManualApproval = *r.RequiresManualApproval
	}
	if r.Active != nil {
		p.Active = *r.Active
	}
	return p
}

func parseID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

func (h *Handler) ListPolicies(c echo.Context) error {
	items, err := h.svc.ListPolicies(c.Request().Context(), c.QueryParam("active") == "true")
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, items)
}

func (h *Handler) CreatePolicy(c echo.Context) error {
	var req policyRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	p := req.toPolicy()
	if err := h.svc.CreatePolicy(c.Request().Context(), p); err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusCreated, p)
}

func (h *Handler) GetPolicy(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	p, err := h.svc.GetPolicy(c.Request().Context(), id)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) UpdatePolicy(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req policyRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	p := req.toPolicy()
	p.ID = id
	if err := h.svc.UpdatePolicy(c.Request().Context(), p); err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) DeletePolicy(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	if err := h.svc.DeletePolicy(c.Request().Context(), id); err != nil {
		return apperr.ToHTTP(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) ValidatePolicies(c echo.Context) error {
	issues, err := h.svc.ValidatePolicies(c.Request().Context())
	if err != nil {
		return apperr.ToHTTP(err)
	}
	if issues == nil {
		issues = []PolicyIssue{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"valid": len(issues) == 0, "issues": issues})
}

func (h *Handler) ListSchedules(c echo.Context) error {
	f := ScheduleFilter{TargetType: c.QueryParam("target_type"), Status: c.QueryParam("status")}
	if v := c.QueryParam("policy_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid policy_id")
		}
		f.PolicyID = &id
	}
	if c.QueryParam("due") == "true" {
		now := time.Now().UTC()
		f.DueBefore = &now
	}
	pg := pagination.FromContext(c)
	items, total, err := h.svc.SearchSchedules(c.Request().Context(), f, pg.Limit, pg.Offset)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

type scheduleRequest struct {
	PolicyID      uuid.UUID  `json:"policy_id"`
	TargetID      uuid.UUID  `json:"target_id"`
	ReferenceDate *time.Time `json:"reference_date"`
}

func (h *Handler) CreateSchedule(c echo.Context) error {
	var req scheduleRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	var ref time.Time
	if req.ReferenceDate != nil {
		ref = *req.ReferenceDate
	}
	sc, err := h.svc.ScheduleTarget(c.Request().Context(), req.PolicyID, req.TargetID, ref)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusCreated, sc)
}

func (h *Handler) SyncSchedules(c echo.Context) error {
	n, err := h.svc.SyncSchedules(c.Request().Context())
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, map[string]int{"scheduled": n})
}

func (h *Handler) GetSchedule(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	sc, err := h.svc.GetSchedule(c.Request().Context(), id)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, sc)
}

func (h *Handler) Approve(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	sc, err := h.svc.Approve(c.Request().Context(), id, auth.UserIDFromContext(c.Request().Context()))
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, sc)
}

func (h *Handler) PlaceLegalHold(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var body struct {
		Reason string `json:"reason"`
	}
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	sc, err := h.svc.PlaceLegalHold(c.Request().Context(), id, body.Reason, auth.UserIDFromContext(c.Request().Context()))
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, sc)
}

func (h *Handler) ReleaseLegalHold(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	sc, err := h.svc.ReleaseLegalHold(c.Request().Context(), id)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, sc)
}

// Run processes the current tenant's due schedules.
func (h *Handler) Run(c echo.Context) error {
	dryRun, _ := strconv.ParseBool(c.QueryParam("dry_run"))
	res, err := h.processor.Run(c.Request().Context(), dryRun)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, res)
}
