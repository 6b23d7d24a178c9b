package audit

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/compliance/internal/platform/auth"
	"github.com/ehr/compliance/pkg/pagination"
)

const maxCSVRows = 10000

// Searcher is the read side of Store used by the handler.
type Searcher interface {
	Search(ctx context.Context, f Filter, limit, offset int) ([]*AccessLog, int, error)
}

type Handler struct {
	store Searcher
}

func NewHandler(store Searcher) *Handler {
	return &Handler{store: store}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("", auth.RequireRole(auth.RoleDPO, auth.RoleCompliance))
	g.GET("/access-logs", h.List)
}

func parseFilter(c echo.Context) (Filter, error) {
	f := Filter{UserID: c.QueryParam("user_id"), Action: c.QueryParam("action")}
	if v := c.QueryParam("patient_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			return f, echo.NewHTTPError(http.StatusBadRequest, "invalid patient_id")
		}
		f.PatientID = &id
	}
	for name, dst := range map[string]**time.Time{"since": &f.Since, "until": &f.Until} {
		if v := c.QueryParam(name); v != "" {
			ts, err := time.Parse(time.RFC3339, v)
			if err != nil {
				return f, echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("invalid %s: expected RFC3339", name))
			}
			*dst = &ts
		}
	}
	return f, nil
}

// List returns access log rows as JSON, or as CSV when format=csv.
func (h *Handler) List(c echo.Context) error {
	f, err := parseFilter(c)
	if err != nil {
		return err
	}

	if c.QueryParam("format") == "csv" {
		items, _, err := h.store.Search(c.Request().Context(), f, maxCSVRows, 0)
		if err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
		c.Response().Header().Set(echo.HeaderContentType, "text/csv; charset=utf-8")
		c.Response().Header().Set(echo.HeaderContentDisposition,
			fmt.Sprintf(`attachment; filename="access_log_%s.csv"`, time.Now().UTC().Format("20060102_150405")))
		c.Response().WriteHeader(http.StatusOK)
		return WriteCSV(c.Response(), items)
	}

	pg := pagination.FromContext(c)
	items, total, err := h.store.Search(c.Request().Context(), f, pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return pagination.JSON(c, pg, items, total)
}

// WriteCSV writes access log rows with a header line.
func WriteCSV(w io.Writer, items []*AccessLog) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"accessed_at", "user_id", "action", "resource_type", "resource_id", "patient_id", "ip_address", "status_code", "request_id"}); err != nil {
		return fmt.Errorf("access log csv: write header: %w", err)
	}
	for _, a := range items {
		patient := ""
		if a.PatientID != nil {
			patient = a.PatientID.String()
		}
		rec := []string{
			a.AccessedAt.UTC().Format(time.RFC3339),
			a.UserID,
			a.Action,
			a.ResourceType,
			deref(a.ResourceID),
			patient,
			deref(a.IPAddress),
			strconv.Itoa(a.StatusCode),
			deref(a.RequestID),
		}
		if err := cw.Write(rec); err != nil {
			return fmt.Errorf("access log csv: write record: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
