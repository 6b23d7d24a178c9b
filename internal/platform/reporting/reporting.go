package reporting

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"

	"github.com/ehr/compliance/internal/platform/auth"
	"github.com/ehr/compliance/internal/platform/db"
)

// MeasureDefinition defines a reporting measure with its SQL query.
type MeasureDefinition struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	SQL         string `json:"sql"`
}

// MeasureReport holds the results of evaluating a measure.
type MeasureReport struct {
	MeasureID   string                   `json:"measure_id"`
	MeasureName string                   `json:"measure_name"`
	GeneratedAt time.Time                `json:"generated_at"`
	Results     []map[string]interface{} `json:"results"`
}

// PredefinedMeasures is the list of compliance dashboard measures.
var PredefinedMeasures = []MeasureDefinition{
	{
		ID:          "data-requests-by-status",
		Name:        "Data Subject Requests by Status",
		Description: "LGPD rights requests grouped by status, with how many are past their due date",
		SQL: `SELECT status, COUNT(*) AS total,
		             COALESCE(SUM(CASE WHEN status IN ('pending','under_review','approved') AND due_date < NOW() THEN 1 ELSE 0 END), 0) AS overdue
		      FROM patient_data_request GROUP BY status ORDER BY total DESC`,
	},
	{
		ID:          "data-requests-by-type",
		Name:        "Data Subject Requests by Type",
		Description: "LGPD rights requests grouped by the right exercised",
		SQL:         `SELECT request_type, COUNT(*) AS total FROM patient_data_request GROUP BY request_type ORDER BY total DESC`,
	},
	{
		ID:          "consents-by-purpose",
		Name:        "Consents by Purpose",
		Description: "Consent records grouped by purpose and status",
		SQL:         `SELECT purpose, status, COUNT(*) AS total FROM consent_record GROUP BY purpose, status ORDER BY purpose, status`,
	},
	{
		ID:          "retention-backlog",
		Name:        "Retention Backlog",
		Description: "Retention schedules by status, with how many are past their deletion date",
		SQL: `SELECT status, COUNT(*) AS total,
		             COALESCE(SUM(CASE WHEN status IN ('active','warning_sent') AND deletion_date < NOW() THEN 1 ELSE 0 END), 0) AS past_deletion_date
		      FROM retention_schedule GROUP BY status ORDER BY total DESC`,
	},
	{
		ID:          "open-incidents",
		Name:        "Open Security Incidents",
		Description: "Incidents not yet closed, by severity, with overdue ANPD and subject notifications",
		SQL: `SELECT severity, COUNT(*) AS total,
		             COALESCE(SUM(CASE WHEN requires_anpd_notification AND anpd_notified_at IS NULL AND anpd_deadline < NOW() THEN 1 ELSE 0 END), 0) AS anpd_overdue,
		             COALESCE(SUM(CASE WHEN requires_subject_notification AND subjects_notified_at IS NULL AND subject_deadline < NOW() THEN 1 ELSE 0 END), 0) AS subjects_overdue
		      FROM security_incident WHERE status <> 'closed' GROUP BY severity ORDER BY total DESC`,
	},
	{
		ID:          "access-by-action",
		Name:        "Personal Data Access (30 days)",
		Description: "Personal data accesses in the last 30 days grouped by action",
		SQL:         `SELECT action, COUNT(*) AS total, COUNT(DISTINCT user_id) AS users FROM access_log WHERE accessed_at > NOW() - INTERVAL '30 days' GROUP BY action ORDER BY total DESC`,
	},
}

// Handler provides HTTP handlers for the reporting API.
type Handler struct {
	pool *pgxpool.Pool
}

// NewHandler creates a new reporting handler.
func NewHandler(pool *pgxpool.Pool) *Handler {
	return &Handler{pool: pool}
}

// RegisterRoutes registers the reporting API routes.
func (h *Handler) RegisterRoutes(api *echo.Group) {
	reportGroup := api.Group("/reports", auth.RequireRole(auth.RoleDPO, auth.RoleCompliance))
	reportGroup.GET("/measures", h.ListMeasures)
	reportGroup.GET("/measures/:id/evaluate", h.EvaluateMeasure)
}

// ListMeasures returns all available measure definitions.
func (h *Handler) ListMeasures(c echo.Context) error {
	return c.JSON(http.StatusOK, PredefinedMeasures)
}

// EvaluateMeasure executes a measure's SQL and returns the results.
func (h *Handler) EvaluateMeasure(c echo.Context) error {
	measure := FindMeasure(c.Param("id"))
	if measure == nil {
		return echo.NewHTTPError(http.StatusNotFound, "measure not found")
	}

	results, err := h.executeSQL(c.Request().Context(), measure.SQL)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, fmt.Sprintf("query failed: %v", err))
	}

	return c.JSON(http.StatusOK, MeasureReport{
		MeasureID:   measure.ID,
		MeasureName: measure.Name,
		GeneratedAt: time.Now().UTC(),
		Results:     results,
	})
}

// executeSQL runs a SQL query on the tenant connection and returns results as
// a slice of maps.
func (h *Handler) executeSQL(ctx context.Context, sql string) ([]map[string]interface{}, error) {
	rows, err := db.Conn(ctx, h.pool).Query(ctx, sql)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	fieldDescs := rows.FieldDescriptions()
	results := []map[string]interface{}{}

	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, err
		}

		row := make(map[string]interface{}, len(fieldDescs))
		for i, fd := range fieldDescs {
			row[fd.Name] = values[i]
		}
		results = append(results, row)
	}

	return results, rows.Err()
}

// FindMeasure looks up a measure by ID.
func FindMeasure(id string) *MeasureDefinition {
	for i := range PredefinedMeasures {
		if PredefinedMeasures[i].ID == id {
			return &PredefinedMeasures[i]
		}
	}
	return nil
}
