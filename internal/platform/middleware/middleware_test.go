package middleware

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

func TestRequestID_GeneratesNew(t *testing.T) {
	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)

	err := RequestID()(func(c echo.Context) error {
		if rid, _ := c.Get("request_id").(string); rid == "" {
			t.Error("expected request_id to be generated")
		}
		return nil
	})(c)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Header().Get(RequestIDHeader) == "" {
		t.Error("expected X-Request-ID response header")
	}
}

func TestRequestID_PreservesExisting(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, "lgpd-trace-1")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	RequestID()(func(echo.Context) error { return nil })(c)
	if rec.Header().Get(RequestIDHeader) != "lgpd-trace-1" {
		t.Errorf("expected lgpd-trace-1, got %s", rec.Header().Get(RequestIDHeader))
	}
}

func TestLogger_LogsStatusFromError(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/api/v1/incidents/x", nil), httptest.NewRecorder())
	c.Set("request_id", "req-1")

	wantErr := echo.NewHTTPError(http.StatusNotFound, "incident not found")
	err := Logger(logger)(func(echo.Context) error { return wantErr })(c)
	if err != wantErr {
		t.Fatalf("expected handler error to pass through, got %v", err)
	}

	var line map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if line["status"].(float64) != 404 || line["level"] != "warn" || line["request_id"] != "req-1" {
		t.Errorf("unexpected log line %v", line)
	}
}

func TestRecovery_CatchesPanic(t *testing.T) {
	var buf bytes.Buffer
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/panic", nil), httptest.NewRecorder())

	err := Recovery(zerolog.New(&buf))(func(echo.Context) error { panic("boom") })(c)
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 HTTPError, got %v", err)
	}
	if !bytes.Contains(buf.Bytes(), []byte("panic recovered")) {
		t.Error("expected panic to be logged")
	}
}

func TestSecurityHeaders(t *testing.T) {
	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)
	SecurityHeaders()(func(echo.Context) error { return nil })(c)

	for k, v := range map[string]string{
		"X-Content-Type-Options": "nosniff",
		"X-Frame-Options":        "DENY",
		"Cache-Control":          "no-store",
		"Pragma":                 "no-cache",
	} {
		if got := rec.Header().Get(k); got != v {
			t.Errorf("%s = %q, want %q", k, got, v)
		}
	}
	if got := rec.Header().Get("X-Download-Options"); got != "" {
		t.Errorf("X-Download-Options set on a JSON route: %q", got)
	}

	rec = httptest.NewRecorder()
	c = e.NewContext(httptest.NewRequest(http.MethodGet, "/api/v1/prescriptions/abc/pdf", nil), rec)
	SecurityHeaders()(func(echo.Context) error { return nil })(c)
	if got := rec.Header().Get("X-Download-Options"); got != "noopen" {
		t.Errorf("X-Download-Options = %q, want noopen", got)
	}
}

func TestRequestTimeout_Exceeded(t *testing.T) {
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/api/v1/data-requests", nil), httptest.NewRecorder())

	err := RequestTimeout(10*time.Millisecond, time.Second)(func(c echo.Context) error {
		<-c.Request().Context().Done()
		return c.Request().Context().Err()
	})(c)
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusGatewayTimeout {
		t.Fatalf("expected 504, got %v", err)
	}
}

func TestRequestTimeout_ExportGetsLongerDeadline(t *testing.T) {
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/api/v1/patients/1/export", nil), httptest.NewRecorder())

	var deadline time.Time
	RequestTimeout(time.Second, time.Hour)(func(c echo.Context) error {
		deadline, _ = c.Request().Context().Deadline()
		return nil
	})(c)
	if time.Until(deadline) < 30*time.Minute {
		t.Errorf("expected export deadline near one hour, got %s", time.Until(deadline))
	}
}

func TestRequestTimeout_PassesErrors(t *testing.T) {
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
	boom := errors.New("boom")
	if err := RequestTimeout(time.Second, time.Second)(func(echo.Context) error { return boom })(c); err != boom {
		t.Errorf("expected handler error, got %v", err)
	}
}

func TestMetrics_RecordsRoute(t *testing.T) {
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/api/v1/consents/abc", nil), httptest.NewRecorder())
	c.SetPath("/api/v1/consents/:id")

	before := counterValue(t, "GET", "/api/v1/consents/:id", "404")
	Metrics()(func(echo.Context) error { return echo.NewHTTPError(http.StatusNotFound) })(c)
	after := counterValue(t, "GET", "/api/v1/consents/:id", "404")
	if after != before+1 {
		t.Errorf("expected counter to increase by one, got %v -> %v", before, after)
	}
}
