package consentform

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehr/compliance/internal/platform/auth"
)

func jsonRequest(method, body string) *http.Request {
	req := httptest.NewRequest(method, "/", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	return req.WithContext(auth.WithIdentity(req.Context(), "dr-1", auth.RolePhysician))
}

func withID(c echo.Context, id string) echo.Context {
	c.SetParamNames("id")
	c.SetParamValues(id)
	return c
}

func TestHandler_ValidateTemplate(t *testing.T) {
	svc, _ := newService()
	h := NewHandler(svc)

	rec := httptest.NewRecorder()
	body := `{"markdown":"Eu, {{patient_name}}, {{ oops","required_placeholders":["patient_name"]}`
	require.NoError(t, h.ValidateTemplate(echo.New().NewContext(jsonRequest(http.MethodPost, body), rec)))
	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, false, resp["valid"])
	assert.Contains(t, resp["errors"], "malformed")
}

func TestHandler_CreateFormMissingValues(t *testing.T) {
	svc, _ := newService()
	h := NewHandler(svc)
	tpl := createTemplate(t, svc)

	body := `{"template_id":"` + tpl.ID.String() + `","patient_id":"6f1c2a8e-5b0d-4a35-9c61-1f0f2b8d7e11","values":{"patient_name":"Maria"}}`
	var he *echo.HTTPError
	require.True(t, errors.As(h.CreateForm(echo.New().NewContext(jsonRequest(http.MethodPost, body), httptest.NewRecorder())), &he))
	assert.Equal(t, http.StatusBadRequest, he.Code)
	assert.Contains(t, he.Message, "physician_name")
	assert.Contains(t, he.Message, "procedure_name")
}

func TestHandler_FormLifecycle(t *testing.T) {
	svc, _ := newService()
	h := NewHandler(svc)
	tpl := createTemplate(t, svc)
	e := echo.New()

	rec := httptest.NewRecorder()
	body := `{"template_id":"` + tpl.ID.String() + `","patient_id":"6f1c2a8e-5b0d-4a35-9c61-1f0f2b8d7e11",` +
		`"values":{"patient_name":"Maria","procedure_name":"Biópsia","physician_name":"Dr. Lima","physician_registry":"CRM 1"}}`
	require.NoError(t, h.CreateForm(e.NewContext(jsonRequest(http.MethodPost, body), rec)))
	require.Equal(t, http.StatusCreated, rec.Code)
	var f Form
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &f))

	rec = httptest.NewRecorder()
	require.NoError(t, h.Sign(withID(e.NewContext(jsonRequest(http.MethodPost, `{"signed_by":"Maria"}`), rec), f.ID.String())))
	assert.Equal(t, http.StatusOK, rec.Code)

	var he *echo.HTTPError
	err := h.Sign(withID(e.NewContext(jsonRequest(http.MethodPost, `{"signed_by":"Maria"}`), httptest.NewRecorder()), f.ID.String()))
	require.True(t, errors.As(err, &he))
	assert.Equal(t, http.StatusConflict, he.Code)

	rec = httptest.NewRecorder()
	require.NoError(t, h.PDF(withID(e.NewContext(jsonRequest(http.MethodGet, ""), rec), f.ID.String())))
	assert.Equal(t, "application/pdf", rec.Header().Get(echo.HeaderContentType))
	assert.Contains(t, rec.Header().Get(echo.HeaderContentDisposition), f.ID.String())

	req := jsonRequest(http.MethodGet, "")
	req.URL.RawQuery = "signed=true&patient_id=6f1c2a8e-5b0d-4a35-9c61-1f0f2b8d7e11"
	rec = httptest.NewRecorder()
	require.NoError(t, h.ListForms(e.NewContext(req, rec)))
	assert.Contains(t, rec.Body.String(), `"total":1`)
}

func TestHandler_ListFormsBadFilter(t *testing.T) {
	svc, _ := newService()
	h := NewHandler(svc)
	req := jsonRequest(http.MethodGet, "")
	req.URL.RawQuery = "template_id=nope"
	var he *echo.HTTPError
	require.True(t, errors.As(h.ListForms(echo.New().NewContext(req, httptest.NewRecorder())), &he))
	assert.Equal(t, http.StatusBadRequest, he.Code)
}
