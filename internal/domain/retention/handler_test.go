package retention

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehr/compliance/internal/platform/auth"
)

func jsonRequest(method, body string) *http.Request {
	req := httptest.NewRequest(method, "/", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	return req.WithContext(auth.WithIdentity(req.Context(), "dpo-9", auth.RoleDPO))
}

func TestHandler_CreatePolicyDefaults(t *testing.T) {
	f := newProcessorFixture(t)
	h := NewHandler(f.svc, f.proc)
	rec := httptest.NewRecorder()
	c := echo.New().NewContext(jsonRequest(http.MethodPost, `{"name":"Logs","data_category":"access_log","retention_days":180,"deletion_method":"delete"}`), rec)

	require.NoError(t, h.CreatePolicy(c))
	assert.Equal(t, http.StatusCreated, rec.Code)
	var p Policy
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &p))
	assert.Equal(t, 30, p.WarningDays)
	assert.True(t, p.RequiresManualApproval)
	assert.True(t, p.Active)
}

func TestHandler_CreatePolicyInvalid(t *testing.T) {
	f := newProcessorFixture(t)
	h := NewHandler(f.svc, f.proc)
	c := echo.New().NewContext(jsonRequest(http.MethodPost, `{"name":"Forms","data_category":"consent_form","retention_days":10}`), httptest.NewRecorder())

	var he *echo.HTTPError
	require.True(t, errors.As(h.CreatePolicy(c), &he))
	assert.Equal(t, http.StatusBadRequest, he.Code)
	assert.Contains(t, he.Message, "cannot be anonymized")
}

func TestHandler_ScheduleApproveAndRun(t *testing.T) {
	f := newProcessorFixture(t)
	h := NewHandler(f.svc, f.proc)
	p := f.policy(t, "manual", MethodAnonymize, true)
	e := echo.New()

	ref := fixedNow.AddDate(-2, 0, 0).Format("2006-01-02T15:04:05Z")
	rec := httptest.NewRecorder()
	body := `{"policy_id":"` + p.ID.String() + `","target_id":"` + uuid.NewString() + `","reference_date":"` + ref + `"}`
	require.NoError(t, h.CreateSchedule(e.NewContext(jsonRequest(http.MethodPost, body), rec)))
	var sc Schedule
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sc))

	rec = httptest.NewRecorder()
	c := e.NewContext(jsonRequest(http.MethodPost, ""), rec)
	c.SetParamNames("id")
	c.SetParamValues(sc.ID.String())
	require.NoError(t, h.Approve(c))
	assert.Contains(t, rec.Body.String(), `"approved_by":"dpo-9"`)

	rec = httptest.NewRecorder()
	c = e.NewContext(httptest.NewRequest(http.MethodPost, "/?dry_run=true", nil), rec)
	require.NoError(t, h.Run(c))
	assert.Contains(t, rec.Body.String(), `"anonymized":1`)
	assert.Contains(t, rec.Body.String(), `"dry_run":true`)
	assert.Equal(t, StatusActive, f.status(sc.ID))
}

func TestHandler_ValidatePoliciesEmpty(t *testing.T) {
	f := newProcessorFixture(t)
	h := NewHandler(f.svc, nil)
	rec := httptest.NewRecorder()
	require.NoError(t, h.ValidatePolicies(echo.New().NewContext(jsonRequest(http.MethodPost, ""), rec)))
	assert.JSONEq(t, `{"valid":true,"issues":[]}`, rec.Body.String())
}
