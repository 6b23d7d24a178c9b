package audit

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

type fakeSearcher struct {
	items []*AccessLog
	got   Filter
	limit int
}

func (f *fakeSearcher) Search(_ context.Context, flt Filter, limit, offset int) ([]*AccessLog, int, error) {
	f.got = flt
	f.limit = limit
	return f.items, len(f.items), nil
}

func sampleLogs() []*AccessLog {
	pid := uuid.MustParse("8f0e3c1a-1111-4a4a-9b9b-000000000001")
	ip := "10.1.2.3"
	return []*AccessLog{{
		ID:           uuid.New(),
		UserID:       "nurse-3",
		Action:       "export",
		ResourceType: "patients",
		PatientID:    &pid,
		IPAddress:    &ip,
		StatusCode:   200,
		AccessedAt:   time.Date(2026, 3, 4, 23, 15, 0, 0, time.UTC),
	}}
}

func TestHandler_ListJSON(t *testing.T) {
	store := &fakeSearcher{items: sampleLogs()}
	h := NewHandler(store)
	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/api/v1/access-logs?user_id=nurse-3&since=2026-03-01T00:00:00Z", nil), rec)

	if err := h.List(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if store.got.UserID != "nurse-3" || store.got.Since == nil {
		t.Errorf("filter not parsed: %+v", store.got)
	}
	var body map[string]interface{}
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body["total"].(float64) != 1 {
		t.Errorf("expected total 1, got %v", body["total"])
	}
}

func TestHandler_ListCSV(t *testing.T) {
	store := &fakeSearcher{items: sampleLogs()}
	h := NewHandler(store)
	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/api/v1/access-logs?format=csv", nil), rec)

	if err := h.List(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if store.limit != maxCSVRows {
		t.Errorf("expected csv export to request %d rows, got %d", maxCSVRows, store.limit)
	}
	lines := strings.Split(strings.TrimSpace(rec.Body.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected header plus one row, got %d lines", len(lines))
	}
	if !strings.HasPrefix(lines[1], "2026-03-04T23:15:00Z,nurse-3,export,patients,,8f0e3c1a") {
		t.Errorf("unexpected row %q", lines[1])
	}
	if !strings.Contains(rec.Header().Get(echo.HeaderContentDisposition), "access_log_") {
		t.Error("expected attachment filename")
	}
}

func TestHandler_InvalidFilters(t *testing.T) {
	h := NewHandler(&fakeSearcher{})
	e := echo.New()
	for _, target := range []string{"/?patient_id=nope", "/?since=yesterday"} {
		c := e.NewContext(httptest.NewRequest(http.MethodGet, target, nil), httptest.NewRecorder())
		err := h.List(c)
		he, ok := err.(*echo.HTTPError)
		if !ok || he.Code != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %v", target, err)
		}
	}
}

func TestFilterWhere(t *testing.T) {
	since := time.Now()
	pid := uuid.New()
	where, args := Filter{UserID: "u", PatientID: &pid, Since: &since}.where()
	if where != " WHERE 1=1 AND user_id = $1 AND patient_id = $2 AND accessed_at >= $3" {
		t.Errorf("unexpected where clause %q", where)
	}
	if len(args) != 3 {
		t.Errorf("expected 3 args, got %d", len(args))
	}
}
