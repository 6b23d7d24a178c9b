package breach

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/compliance/internal/platform/apperr"
	"github.com/ehr/compliance/internal/platform/auth"
	"github.com/ehr/compliance/pkg/pagination"
)

// Handler provides security incident HTTP endpoints.
type Handler struct {
	svc      *Service
	notifier *Notifier
	detector *Detector
}

func NewHandler(svc *Service, notifier *Notifier, detector *Detector) *Handler {
	return &Handler{svc: svc, notifier: notifier, detector: detector}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/incidents", auth.RequireRole(auth.RoleDPO, auth.RoleCompliance))
	g.POST("", h.Report)
	g.GET("", h.List)
	g.GET("/overdue", h.ListOverdue)
	g.GET("/:id", h.Get)
	g.PUT("/:id", h.Update)
	g.POST("/:id/escalate", h.Escalate)
	g.POST("/:id/status", h.AdvanceStatus)
	g.GET("/:id/notifications", h.ListNotifications)

	dpo := api.Group("/incidents", auth.RequireRole(auth.RoleDPO))
	if h.notifier != nil {
		dpo.POST("/:id/notify-anpd", h.NotifyANPD)
		dpo.POST("/:id/notify-subjects", h.NotifySubjects)
	}
	if h.detector != nil {
		dpo.POST("/detect", h.Detect)
	}
}

type reportRequest struct {
	Title            string     `json:"title"`
	Description      *string    `json:"description"`
	IncidentType     string     `json:"incident_type"`
	Severity         string     `json:"severity"`
	RiskLevel        string     `json:"risk_level"`
	AffectedRecords  int        `json:"affected_records"`
	AffectedSubjects int        `json:"affected_subjects"`
	DataCategories   []string   `json:"data_categories"`
	SensitiveData    bool       `json:"sensitive_data"`
	DetectedAt       *time.Time `json:"detected_at"`
}

type incidentView struct {
	*Incident
	ANPDOverdue     bool `json:"anpd_overdue"`
	SubjectsOverdue bool `json:"subjects_overdue"`
}

func (h *Handler) view(i *Incident) incidentView {
	now := h.svc.now()
	return incidentView{Incident: i, ANPDOverdue: i.ANPDOverdue(now), SubjectsOverdue: i.SubjectsOverdue(now)}
}

func parseID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

func (h *Handler) Report(c echo.Context) error {
	var req reportRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	i := &Incident{
		Title:            req.Title,
		Description:      req.Description,
		IncidentType:     req.IncidentType,
		Severity:         req.Severity,
		RiskLevel:        req.RiskLevel,
		AffectedRecords:  req.AffectedRecords,
		AffectedSubjects: req.AffectedSubjects,
		DataCategories:   req.DataCategories,
		SensitiveData:    req.SensitiveData,
	}
	if req.DetectedAt != nil {
		i.DetectedAt = req.DetectedAt.UTC()
	}
	if actor := auth.UserIDFromContext(c.Request().Context()); actor != "" {
		i.DetectedBy = &actor
	}
	if err := h.svc.Report(c.Request().Context(), i); err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusCreated, h.view(i))
}

// Get accepts either the incident UUID or its INC- number.
func (h *Handler) Get(c echo.Context) error {
	ctx := c.Request().Context()
	param := c.Param("id")
	var (
		i   *Incident
		err error
	)
	if strings.HasPrefix(param, "INC-") {
		i, err = h.svc.GetByNumber(ctx, param)
	} else {
		id, perr := uuid.Parse(param)
		if perr != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
		}
		i, err = h.svc.Get(ctx, id)
	}
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, h.view(i))
}

func (h *Handler) List(c echo.Context) error {
	f := IncidentFilter{
		Status:       c.QueryParam("status"),
		Severity:     c.QueryParam("severity"),
		IncidentType: c.QueryParam("type"),
		OpenOnly:     c.QueryParam("open") == "true",
	}
	if v := c.QueryParam("auto_detected"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid auto_detected")
		}
		f.AutoDetected = &b
	}
	pg := pagination.FromContext(c)
	items, total, err := h.svc.Search(c.Request().Context(), f, pg.Limit, pg.Offset)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	views := make([]incidentView, len(items))
	for idx, i := range items {
		views[idx] = h.view(i)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(views, total, pg.Limit, pg.Offset))
}

func (h *Handler) ListOverdue(c echo.Context) error {
	items, err := h.svc.ListOverdue(c.Request().Context())
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, items)
}

func (h *Handler) Update(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var in UpdateInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	i, err := h.svc.Update(c.Request().Context(), id, in)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, h.view(i))
}

func (h *Handler) Escalate(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	i, err := h.svc.Escalate(c.Request().Context(), id, auth.UserIDFromContext(c.Request().Context()))
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, h.view(i))
}

func (h *Handler) AdvanceStatus(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var body struct {
		Status string `json:"status"`
	}
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	i, err := h.svc.AdvanceStatus(c.Request().Context(), id, body.Status)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, h.view(i))
}

func (h *Handler) ListNotifications(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	items, err := h.svc.ListNotifications(c.Request().Context(), id)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	if items == nil {
		items = []*Notification{}
	}
	return c.JSON(http.StatusOK, items)
}

func (h *Handler) NotifyANPD(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req ANPDRequest
	if c.Request().ContentLength > 0 {
		if err := c.Bind(&req); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
		}
	}
	n, err := h.notifier.NotifyANPD(c.Request().Context(), id, req, auth.UserIDFromContext(c.Request().Context()))
	if err != nil {
		if n != nil && n.Status == NotificationFailed {
			return c.JSON(http.StatusBadGateway, n)
		}
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, n)
}

type notifySubjectsRequest struct {
	Recipients []Recipient `json:"recipients"`
	Measures   string      `json:"measures"`
}

// NotifySubjects answers 200 when every email went out and 207 otherwise,
// with per-recipient errors in the body.
func (h *Handler) NotifySubjects(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req notifySubjectsRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	res, err := h.notifier.NotifyDataSubjects(c.Request().Context(), id, req.Recipients, req.Measures,
		auth.UserIDFromContext(c.Request().Context()))
	if err != nil {
		return apperr.ToHTTP(err)
	}
	status := http.StatusOK
	if !res.Notified {
		status = http.StatusMultiStatus
	}
	return c.JSON(status, res)
}

func (h *Handler) Detect(c echo.Context) error {
	res, err := h.detector.Run(c.Request().Context())
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, res)
}
