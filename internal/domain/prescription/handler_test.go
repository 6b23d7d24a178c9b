package prescription

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehr/compliance/internal/platform/auth"
	"github.com/ehr/compliance/internal/platform/middleware"
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

func TestHandler_CreateTemplateRecordsAuthor(t *testing.T) {
	svc, _ := newService()
	h := NewHandler(svc)
	drug := createDrug(t, svc, amoxicillin())

	rec := httptest.NewRecorder()
	body := `{"name":"Faringite","specialty":"otorrino","items":[{"drug_template_id":"` + drug.ID.String() + `","duration":"10 dias"}]}`
	require.NoError(t, h.CreateTemplate(echo.New().NewContext(jsonRequest(http.MethodPost, body), rec)))
	assert.Equal(t, http.StatusCreated, rec.Code)

	var got Template
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.NotNil(t, got.CreatedBy)
	assert.Equal(t, "dr-1", *got.CreatedBy)
	require.Len(t, got.Items, 1)
	assert.Equal(t, "10 dias", got.Items[0].Duration)
}

func TestHandler_CreateFromTemplateAndPDF(t *testing.T) {
	svc, _ := newService()
	h := NewHandler(svc)
	e := echo.New()
	drug := createDrug(t, svc, amoxicillin())
	tpl := &Template{Name: "Sinusite", Items: []TemplateItem{{DrugTemplateID: drug.ID}}}
	require.NoError(t, svc.CreateTemplate(context.Background(), tpl))

	rec := httptest.NewRecorder()
	body := `{"template_id":"` + tpl.ID.String() + `","patient_id":"6f1c2a8e-5b0d-4a35-9c61-1f0f2b8d7e11",` +
		`"patient_name":"João","prescriber_name":"Dr. Pedro","prescriber_registry":"CRM-PE 9876"}`
	require.NoError(t, h.CreateFromTemplate(e.NewContext(jsonRequest(http.MethodPost, body), rec)))
	require.Equal(t, http.StatusCreated, rec.Code)
	var p Prescription
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &p))
	require.Len(t, p.Items, 1)

	rec = httptest.NewRecorder()
	require.NoError(t, h.PDF(withID(e.NewContext(jsonRequest(http.MethodGet, ""), rec), p.ID.String())))
	assert.Equal(t, "application/pdf", rec.Header().Get(echo.HeaderContentType))
	assert.Contains(t, rec.Header().Get(echo.HeaderContentDisposition), p.ID.String())

	rec = httptest.NewRecorder()
	require.NoError(t, h.Cancel(withID(e.NewContext(jsonRequest(http.MethodPost, ""), rec), p.ID.String())))
	assert.Equal(t, http.StatusOK, rec.Code)

	var he *echo.HTTPError
	err := h.Cancel(withID(e.NewContext(jsonRequest(http.MethodPost, ""), httptest.NewRecorder()), p.ID.String()))
	require.True(t, errors.As(err, &he))
	assert.Equal(t, http.StatusConflict, he.Code)
}

func TestHandler_GetAuditsPrescriptionPatient(t *testing.T) {
	svc, _ := newService()
	h := NewHandler(svc)
	e := echo.New()
	drug := createDrug(t, svc, amoxicillin())
	tpl := &Template{Name: "Otite", Items: []TemplateItem{{DrugTemplateID: drug.ID}}}
	require.NoError(t, svc.CreateTemplate(context.Background(), tpl))

	rec := httptest.NewRecorder()
	body := `{"template_id":"` + tpl.ID.String() + `","patient_id":"6f1c2a8e-5b0d-4a35-9c61-1f0f2b8d7e11",` +
		`"patient_name":"Ana","prescriber_name":"Dr. Pedro","prescriber_registry":"CRM-PE 9876"}`
	require.NoError(t, h.CreateFromTemplate(e.NewContext(jsonRequest(http.MethodPost, body), rec)))
	var p Prescription
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &p))

	var entries []middleware.AuditEntry
	recorder := middleware.AuditRecorderFunc(func(_ context.Context, entry middleware.AuditEntry) error {
		entries = append(entries, entry)
		return nil
	})
	req := httptest.NewRequest(http.MethodGet, "/api/v1/prescriptions/"+p.ID.String(), nil)
	req = req.WithContext(auth.WithIdentity(req.Context(), "dr-1", auth.RolePhysician))
	c := withID(e.NewContext(req, httptest.NewRecorder()), p.ID.String())
	require.NoError(t, middleware.Audit(zerolog.Nop(), recorder)(h.Get)(c))

	require.Len(t, entries, 1)
	require.NotNil(t, entries[0].PatientID)
	assert.Equal(t, p.PatientID, *entries[0].PatientID)
	assert.Equal(t, p.ID.String(), entries[0].ResourceID)
}

func TestHandler_CreateValidation(t *testing.T) {
	svc, _ := newService()
	h := NewHandler(svc)

	var he *echo.HTTPError
	err := h.Create(echo.New().NewContext(jsonRequest(http.MethodPost, `{"items":[]}`), httptest.NewRecorder()))
	require.True(t, errors.As(err, &he))
	assert.Equal(t, http.StatusBadRequest, he.Code)
}

func TestHandler_ListRejectsBadParams(t *testing.T) {
	svc, _ := newService()
	h := NewHandler(svc)
	e := echo.New()

	for _, q := range []string{"patient_id=nope", "since=yesterday", "status=draft"} {
		req := httptest.NewRequest(http.MethodGet, "/prescriptions?"+q, nil)
		var he *echo.HTTPError
		err := h.List(e.NewContext(req, httptest.NewRecorder()))
		require.True(t, errors.As(err, &he), q)
		assert.Equal(t, http.StatusBadRequest, he.Code, q)
	}
}

func TestHandler_GetDrugNotFound(t *testing.T) {
	svc, _ := newService()
	h := NewHandler(svc)

	var he *echo.HTTPError
	err := h.GetDrug(withID(echo.New().NewContext(jsonRequest(http.MethodGet, ""), httptest.NewRecorder()), "2b1f4c1e-7a0d-4d4e-8f5e-0f4a3c2b1d00"))
	require.True(t, errors.As(err, &he))
	assert.Equal(t, http.StatusNotFound, he.Code)

	err = h.GetDrug(withID(echo.New().NewContext(jsonRequest(http.MethodGet, ""), httptest.NewRecorder()), "x"))
	require.True(t, errors.As(err, &he))
	assert.Equal(t, http.StatusBadRequest, he.Code)
}
