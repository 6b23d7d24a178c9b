package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/ehr/compliance/internal/config"
	"github.com/ehr/compliance/internal/domain/breach"
	"github.com/ehr/compliance/internal/domain/consent"
	"github.com/ehr/compliance/internal/domain/consentform"
	"github.com/ehr/compliance/internal/domain/datarequest"
	"github.com/ehr/compliance/internal/domain/prescription"
	"github.com/ehr/compliance/internal/domain/retention"
	"github.com/ehr/compliance/internal/platform/audit"
	"github.com/ehr/compliance/internal/platform/auth"
	"github.com/ehr/compliance/internal/platform/db"
	"github.com/ehr/compliance/internal/platform/events"
	"github.com/ehr/compliance/internal/platform/lgpd"
	"github.com/ehr/compliance/internal/platform/metrics"
	"github.com/ehr/compliance/internal/platform/middleware"
	"github.com/ehr/compliance/internal/platform/notification"
	"github.com/ehr/compliance/internal/platform/pdf"
	"github.com/ehr/compliance/internal/platform/reporting"
)

const version = "0.1.0"

func newLogger(env string) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func letterheadFrom(cfg *config.Config) pdf.Letterhead {
	return pdf.Letterhead{
		Name:    cfg.HospitalName,
		Address: cfg.HospitalAddress,
		CNPJ:    cfg.HospitalCNPJ,
		Phone:   cfg.HospitalPhone,
	}
}

func thresholdsFrom(cfg *config.Config) breach.Thresholds {
	return breach.Thresholds{
		BulkAccess: cfg.BulkAccessThreshold,
		OffHours:   cfg.OffHoursThreshold,
		Exports:    cfg.ExportThreshold,
	}
}

func newSender(cfg *config.Config, logger zerolog.Logger) notification.EmailSender {
	if !cfg.MailEnabled() {
		return notification.NewLogSender(logger)
	}
	return notification.NewSMTPSender(notification.SMTPConfig{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
		Timeout:  15 * time.Second,
	})
}

// app holds every service the HTTP surface, the background loops and the
// batch commands share.
type app struct {
	cfg    *config.Config
	pool   *pgxpool.Pool
	logger zerolog.Logger

	outbox *events.Outbox
	audit  *audit.Store
	mailer *notification.Mailer

	dataRequests *datarequest.Service
	exporter     *datarequest.Exporter
	consents     *consent.Service
	retention    *retention.Service
	processor    *retention.Processor
	incidents    *breach.Service
	notifier     *breach.Notifier
	detector     *breach.Detector
	forms        *consentform.Service
	rx           *prescription.Service
}

func newApp(cfg *config.Config, pool *pgxpool.Pool, logger zerolog.Logger) (*app, error) {
	key, err := cfg.EncryptionKey()
	if err != nil {
		return nil, fmt.Errorf("decode encryption key: %w", err)
	}
	cipher, err := lgpd.NewEncryptor(key, logger)
	if err != nil {
		return nil, err
	}

	a := &app{
		cfg:    cfg,
		pool:   pool,
		logger: logger,
		outbox: events.NewOutbox(pool),
		audit:  audit.NewStore(pool),
		mailer: notification.NewMailer(newSender(cfg, logger), nil, logger),
	}
	letterhead := letterheadFrom(cfg)

	a.dataRequests = datarequest.NewService(datarequest.NewRepoPG(pool), logger)
	a.dataRequests.SetCipher(cipher)
	a.dataRequests.SetMailer(a.mailer)
	a.dataRequests.SetEmitter(a.outbox)
	a.dataRequests.SetHospitalName(cfg.HospitalName)

	a.consents = consent.NewService(consent.NewRepoPG(pool), logger)
	a.consents.SetEmitter(a.outbox)

	retentionRepo := retention.NewRepoPG(pool)
	a.retention = retention.NewService(retentionRepo, logger)
	a.processor = retention.NewProcessor(retentionRepo, lgpd.NewExecutor(pool), logger)
	a.processor.SetMailer(a.mailer)
	a.processor.SetEmitter(a.outbox)
	a.processor.SetFallbackRecipient(cfg.DPOEmail)

	breachRepo := breach.NewRepoPG(pool)
	a.incidents = breach.NewService(breachRepo, logger)
	a.incidents.SetEmitter(a.outbox)
	a.notifier = breach.NewNotifier(breachRepo, a.mailer, breach.Controller{
		Name:     cfg.HospitalName,
		CNPJ:     cfg.HospitalCNPJ,
		DPOEmail: cfg.DPOEmail,
	}, cfg.ANPDEmail, logger)
	a.notifier.SetEmitter(a.outbox)
	if loc, err := time.LoadLocation(cfg.BreachTimezone); err == nil {
		a.notifier.SetLocation(loc)
	}
	a.incidents.SetDPONotifier(a.notifier)
	a.detector = breach.NewDetector(a.audit, breachRepo, a.incidents, thresholdsFrom(cfg), cfg.BreachTimezone, logger)

	a.forms = consentform.NewService(consentform.NewRepoPG(pool), letterhead, logger)
	a.forms.SetEmitter(a.outbox)
	a.forms.SetCity(cityFrom(cfg.HospitalAddress))

	a.rx = prescription.NewService(prescription.NewRepoPG(pool), letterhead, logger)
	a.rx.SetEmitter(a.outbox)

	a.exporter = datarequest.NewExporter(letterhead, logger, a.exportSources()...)
	return a, nil
}

// exportSources lists the patient-owned records included in a data export.
func (a *app) exportSources() []datarequest.Source {
	return []datarequest.Source{
		{Name: "data_requests", Fetch: func(ctx context.Context, id uuid.UUID) (interface{}, error) {
			return a.dataRequests.ListByPatient(ctx, id)
		}},
		{Name: "consents", Fetch: func(ctx context.Context, id uuid.UUID) (interface{}, error) {
			return a.consents.ListByPatient(ctx, id)
		}},
		{Name: "consent_forms", Fetch: func(ctx context.Context, id uuid.UUID) (interface{}, error) {
			return a.forms.ListFormsByPatient(ctx, id)
		}},
		{Name: "prescriptions", Fetch: func(ctx context.Context, id uuid.UUID) (interface{}, error) {
			return a.rx.ListByPatient(ctx, id)
		}},
	}
}

// cityFrom takes the last comma separated part of an address, dropping a
// trailing state suffix such as "São Paulo - SP".
func cityFrom(address string) string {
	parts := splitTrim(address, ",")
	if len(parts) == 0 {
		return ""
	}
	last := splitTrim(parts[len(parts)-1], " - ")
	if len(last) == 0 {
		return ""
	}
	return last[0]
}

func splitTrim(s, sep string) []string {
	var out []string
	for _, p := range strings.Split(s, sep) {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (a *app) authMiddleware(ctx context.Context) (echo.MiddlewareFunc, error) {
	jwtCfg := auth.JWTConfig{
		Issuer:   a.cfg.AuthIssuer,
		Audience: a.cfg.AuthAudience,
		Skipper:  auth.AuthSkipper,
	}
	if a.cfg.AuthIssuer != "" || a.cfg.AuthJWKSURL != "" {
		kf, err := auth.NewJWKSKeyfunc(ctx, a.cfg.AuthIssuer, a.cfg.AuthJWKSURL, a.logger)
		if err != nil {
			return nil, err
		}
		jwtCfg.Keyfunc = kf
	}
	jwtMW := auth.JWTMiddleware(jwtCfg)
	if a.cfg.IsDev() {
		return auth.DevAuthMiddleware(jwtMW), nil
	}
	return jwtMW, nil
}

func (a *app) newServer(ctx context.Context) (*echo.Echo, error) {
	authMW, err := a.authMiddleware(ctx)
	if err != nil {
		return nil, fmt.Errorf("configure authentication: %w", err)
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(a.logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(a.logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(middleware.Metrics())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: a.cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID", "X-Tenant-ID"},
	}))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok", "version": version})
	})
	e.GET("/health/db", db.HealthHandler(a.pool))
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	rl := middleware.DefaultRateLimitConfig()
	rl.RequestsPerSecond = a.cfg.RateLimitRPS
	rl.BurstSize = a.cfg.RateLimitBurst

	// Audit runs inside the tenant middleware so access rows land in the
	// request's tenant schema.
	api := e.Group("/api/v1",
		middleware.RequestTimeout(30*time.Second, 2*time.Minute),
		authMW,
		middleware.RateLimit(rl),
		db.TenantMiddleware(a.pool, a.cfg.DefaultTenant),
		middleware.Audit(a.logger, a.audit),
	)

	datarequest.NewHandler(a.dataRequests, a.exporter).RegisterRoutes(api)
	consent.NewHandler(a.consents).RegisterRoutes(api)
	retention.NewHandler(a.retention, a.processor).RegisterRoutes(api)
	breach.NewHandler(a.incidents, a.notifier, a.detector).RegisterRoutes(api)
	consentform.NewHandler(a.forms).RegisterRoutes(api)
	prescription.NewHandler(a.rx).RegisterRoutes(api)
	audit.NewHandler(a.audit).RegisterRoutes(api)
	reporting.NewHandler(a.pool).RegisterRoutes(api)

	return e, nil
}

func registerPoolMetrics(pool *pgxpool.Pool, logger zerolog.Logger) {
	if err := metrics.RegisterPoolCollector(prometheus.DefaultRegisterer, pool); err != nil {
		logger.Warn().Err(err).Msg("pool metrics not registered")
	}
}

func (a *app) newPublisher() (events.Publisher, error) {
	if !a.cfg.EventsEnabled() {
		return events.NewLogPublisher(a.logger), nil
	}
	return events.NewKafkaPublisher(a.cfg.KafkaBrokers, a.cfg.KafkaTopic, a.logger)
}
