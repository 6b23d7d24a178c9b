package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
)

func rateLimitedRequest(e *echo.Echo, h echo.HandlerFunc, ip, tenant string) (*httptest.ResponseRecorder, error) {
	req := httptest.NewRequest(http.MethodGet, "/api/v1/consents", nil)
	req.Header.Set(echo.HeaderXRealIP, ip)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	if tenant != "" {
		c.Set("jwt_tenant_id", tenant)
	}
	return rec, h(c)
}

func TestRateLimit_BurstThenReject(t *testing.T) {
	e := echo.New()
	h := RateLimit(RateLimitConfig{RequestsPerSecond: 1, BurstSize: 2})(func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	})

	for i := 0; i < 2; i++ {
		rec, err := rateLimitedRequest(e, h, "10.0.0.1", "")
		if err != nil {
			t.Fatalf("request %d: unexpected error %v", i+1, err)
		}
		if rec.Header().Get("X-RateLimit-Limit") != "1" {
			t.Errorf("request %d: missing limit header", i+1)
		}
	}

	rec, err := rateLimitedRequest(e, h, "10.0.0.1", "")
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %v", err)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header")
	}
}

func TestRateLimit_SeparateKeys(t *testing.T) {
	e := echo.New()
	h := RateLimit(RateLimitConfig{RequestsPerSecond: 0.001, BurstSize: 1})(func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	})

	if _, err := rateLimitedRequest(e, h, "10.0.0.1", "hospital_a"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := rateLimitedRequest(e, h, "10.0.0.1", "hospital_b"); err != nil {
		t.Errorf("other tenant should have its own bucket: %v", err)
	}
	if _, err := rateLimitedRequest(e, h, "10.0.0.2", "hospital_a"); err != nil {
		t.Errorf("other IP should have its own bucket: %v", err)
	}
	if _, err := rateLimitedRequest(e, h, "10.0.0.1", "hospital_a"); err == nil {
		t.Error("expected repeated key to be limited")
	}
}

func TestLimiterStore_EvictsIdleClients(t *testing.T) {
	s := newLimiterStore(RateLimitConfig{RequestsPerSecond: 1, BurstSize: 1, IdleTTL: time.Minute})
	start := time.Now()
	s.get("a", start)
	s.get("b", start.Add(2*time.Minute))
	if _, ok := s.clients["a"]; ok {
		t.Error("expected idle client to be evicted")
	}
	if _, ok := s.clients["b"]; !ok {
		t.Error("expected active client to remain")
	}
}
