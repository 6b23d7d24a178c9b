package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/compliance/internal/config"
)

func testConfig() *config.Config {
	return &config.Config{
		Env:                     "development",
		DefaultTenant:           "default",
		HospitalName:            "Hospital Central",
		HospitalAddress:         "Av. Paulista, 1000, São Paulo - SP",
		HospitalCNPJ:            "12.345.678/0001-90",
		RateLimitRPS:            100,
		RateLimitBurst:          200,
		BulkAccessThreshold:     50,
		OffHoursThreshold:       20,
		ExportThreshold:         10,
		RetentionInterval:       time.Hour,
		BreachDetectionInterval: time.Minute,
		BreachTimezone:          "America/Sao_Paulo",
	}
}

func TestCityFrom(t *testing.T) {
	cases := map[string]string{
		"Av. Paulista, 1000, São Paulo - SP": "São Paulo",
		"Rua da Aurora, 12, Recife":          "Recife",
		"":                                   "",
		"  , ":                               "",
	}
	for in, want := range cases {
		if got := cityFrom(in); got != want {
			t.Errorf("cityFrom(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestThresholdsFrom(t *testing.T) {
	th := thresholdsFrom(testConfig())
	if th.BulkAccess != 50 || th.OffHours != 20 || th.Exports != 10 {
		t.Errorf("unexpected thresholds: %+v", th)
	}
}

func TestLetterheadFrom(t *testing.T) {
	lh := letterheadFrom(testConfig())
	if lh.Name != "Hospital Central" || lh.CNPJ != "12.345.678/0001-90" {
		t.Errorf("unexpected letterhead: %+v", lh)
	}
}

func TestRootCommandTree(t *testing.T) {
	root := newRootCmd()
	for _, path := range [][]string{
		{"serve"},
		{"migrate", "up"},
		{"migrate", "status"},
		{"tenant", "create"},
		{"seed", "legal-bases"},
		{"seed", "retention-policies"},
		{"retention", "process"},
		{"retention", "validate-policies"},
		{"breach", "detect"},
		{"breach", "check-deadlines"},
		{"consent", "expire"},
	} {
		cmd, _, err := root.Find(path)
		if err != nil || cmd == root {
			t.Errorf("command %v not registered: %v", path, err)
		}
	}

	process, _, _ := root.Find([]string{"retention", "process"})
	if process.Flags().Lookup("dry-run") == nil {
		t.Error("expected --dry-run flag on retention process")
	}
}

func TestNewApp_ExportSources(t *testing.T) {
	a, err := newApp(testConfig(), nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var names []string
	for _, s := range a.exportSources() {
		names = append(names, s.Name)
	}
	want := []string{"data_requests", "consents", "consent_forms", "prescriptions"}
	if len(names) != len(want) {
		t.Fatalf("sources = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("source %d = %q, want %q", i, names[i], want[i])
		}
	}
}

func TestNewApp_RejectsBadKey(t *testing.T) {
	cfg := testConfig()
	cfg.LGPDEncryptionKey = "zz"
	if _, err := newApp(cfg, nil, zerolog.Nop()); err == nil {
		t.Fatal("expected error for undecodable key")
	}
}

func TestNewServer_RoutesAndHealth(t *testing.T) {
	a, err := newApp(testConfig(), nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	e, err := a.newServer(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	registered := make(map[string]bool)
	for _, r := range e.Routes() {
		registered[r.Method+" "+r.Path] = true
	}
	for _, route := range []string{
		"GET /health",
		"GET /health/db",
		"GET /metrics",
		"POST /api/v1/data-requests",
		"GET /api/v1/patients/:patient_id/export",
		"POST /api/v1/consents",
		"POST /api/v1/retention/run",
		"POST /api/v1/incidents/:id/notify-anpd",
		"POST /api/v1/consent-forms/:id/sign",
		"GET /api/v1/prescriptions/:id/pdf",
		"POST /api/v1/prescriptions/from-template",
		"GET /api/v1/access-logs",
		"GET /api/v1/reports/measures",
	} {
		if !registered[route] {
			t.Errorf("route %s not registered", route)
		}
	}

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("health status = %d", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if body["status"] != "ok" || body["version"] != version {
		t.Errorf("unexpected health body: %v", body)
	}
}
