package middleware

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/compliance/internal/platform/auth"
)

const (
	ActionRead   = "read"
	ActionCreate = "create"
	ActionUpdate = "update"
	ActionDelete = "delete"
	ActionExport = "export"
)

// AuditEntry describes one access to personal data through the API.
type AuditEntry struct {
	UserID       string
	UserRoles    []string
	Action       string
	ResourceType string
	ResourceID   string
	PatientID    *uuid.UUID
	IPAddress    string
	UserAgent    string
	Path         string
	Method       string
	RequestID    string
	StatusCode   int
	Timestamp    time.Time
}

// AuditRecorder persists audit entries. The context carries the tenant
// connection of the audited request.
type AuditRecorder interface {
	RecordAccess(ctx context.Context, entry AuditEntry) error
}

type AuditRecorderFunc func(ctx context.Context, entry AuditEntry) error

func (f AuditRecorderFunc) RecordAccess(ctx context.Context, entry AuditEntry) error {
	return f(ctx, entry)
}

// Audit logs every /api/v1 request as a personal_data_access event and hands
// it to recorder when one is given. It must run after tenant resolution so
// the recorder writes into the request's tenant schema.
func Audit(logger zerolog.Logger, recorder AuditRecorder) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if !strings.HasPrefix(req.URL.Path, "/api/v1/") {
				return next(c)
			}

			err := next(c)

			ctx := req.Context()
			entry := AuditEntry{
				UserID:       auth.UserIDFromContext(ctx),
				UserRoles:    auth.RolesFromContext(ctx),
				Action:       actionFor(req.Method, req.URL.Path, c.QueryParam("format")),
				ResourceType: resourceType(req.URL.Path),
				ResourceID:   c.Param("id"),
				PatientID:    patientID(c),
				IPAddress:    c.RealIP(),
				UserAgent:    req.UserAgent(),
				Path:         req.URL.Path,
				Method:       req.Method,
				StatusCode:   statusOf(c, err),
				Timestamp:    time.Now().UTC(),
			}
			entry.RequestID, _ = c.Get("request_id").(string)

			if recorder != nil {
				if recErr := recorder.RecordAccess(ctx, entry); recErr != nil {
					logger.Error().Err(recErr).
						Str("request_id", entry.RequestID).
						Msg("failed to record access")
				}
			}

			evt := logger.Info().
				Str("type", "personal_data_access").
				Str("request_id", entry.RequestID).
				Str("user_id", entry.UserID).
				Strs("user_roles", entry.UserRoles).
				Str("resource_type", entry.ResourceType).
				Str("resource_id", entry.ResourceID).
				Str("action", entry.Action).
				Str("remote_ip", entry.IPAddress).
				Int("status", entry.StatusCode)
			if entry.PatientID != nil {
				evt = evt.Str("patient_id", entry.PatientID.String())
			}
			evt.Msg("personal_data_access")

			return err
		}
	}
}

func actionFor(method, path, format string) string {
	if strings.HasSuffix(path, "/export") || strings.HasSuffix(path, "/pdf") || format != "" {
		return ActionExport
	}
	switch method {
	case http.MethodPost:
		return ActionCreate
	case http.MethodPut, http.MethodPatch:
		return ActionUpdate
	case http.MethodDelete:
		return ActionDelete
	default:
		return ActionRead
	}
}

// resourceType returns the first path segment under /api/v1.
func resourceType(path string) string {
	rest := strings.TrimPrefix(path, "/api/v1/")
	seg, _, _ := strings.Cut(rest, "/")
	if seg == "" {
		return "unknown"
	}
	return seg
}

const auditPatientKey = "audit_patient_id"

// SetAuditPatient names the patient whose record a handler served, for
// routes that address the record by its own id.
func SetAuditPatient(c echo.Context, id uuid.UUID) {
	if id != uuid.Nil {
		c.Set(auditPatientKey, id)
	}
}

func patientID(c echo.Context) *uuid.UUID {
	if id, ok := c.Get(auditPatientKey).(uuid.UUID); ok {
		return &id
	}
	for _, raw := range []string{c.Param("patient_id"), c.QueryParam("patient_id")} {
		if raw == "" {
			continue
		}
		if id, err := uuid.Parse(raw); err == nil {
			return &id
		}
	}
	return nil
}
