package main

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/compliance/internal/domain/breach"
	"github.com/ehr/compliance/internal/domain/consent"
	"github.com/ehr/compliance/internal/domain/retention"
	"github.com/ehr/compliance/internal/platform/db"
	"github.com/ehr/compliance/internal/platform/events"
)

// forEachTenant runs fn once per provisioned tenant. A failing tenant is
// logged and the rest still run; the number of failures is returned.
func (a *app) forEachTenant(ctx context.Context, job string, fn func(ctx context.Context, tenant string) error) (int, error) {
	tenants, err := db.ListTenants(ctx, a.pool)
	if err != nil {
		return 0, err
	}
	failed := 0
	for _, tenant := range tenants {
		err := db.ForTenant(ctx, a.pool, tenant, func(ctx context.Context) error {
			return fn(ctx, tenant)
		})
		if err != nil {
			failed++
			a.logger.Error().Err(err).Str("job", job).Str("tenant", tenant).Msg("tenant job failed")
		}
	}
	return failed, nil
}

// every calls fn at each tick until ctx is done.
func every(ctx context.Context, interval time.Duration, logger zerolog.Logger, job string, fn func(ctx context.Context) error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	log := logger.With().Str("job", job).Logger()
	log.Info().Dur("interval", interval).Msg("background job started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("background job stopped")
			return
		case <-ticker.C:
			if err := fn(ctx); err != nil && ctx.Err() == nil {
				log.Error().Err(err).Msg("background job failed")
			}
		}
	}
}

func (a *app) runRetention(ctx context.Context, dryRun bool) (retention.RunResult, error) {
	total := retention.RunResult{DryRun: dryRun}
	_, err := a.forEachTenant(ctx, "retention", func(ctx context.Context, tenant string) error {
		if !dryRun {
			n, err := a.retention.SyncSchedules(ctx)
			if err != nil {
				return err
			}
			if n > 0 {
				a.logger.Info().Str("tenant", tenant).Int("scheduled", n).Msg("retention schedules created")
			}
		}
		res, err := a.processor.Run(ctx, dryRun)
		total.Add(res)
		return err
	})
	return total, err
}

func (a *app) runDetection(ctx context.Context) (breach.DetectResult, error) {
	var total breach.DetectResult
	_, err := a.forEachTenant(ctx, "breach_detection", func(ctx context.Context, _ string) error {
		res, err := a.detector.Run(ctx)
		total.Created = append(total.Created, res.Created...)
		total.Suppressed += res.Suppressed
		total.Errors += res.Errors
		return err
	})
	return total, err
}

// deadlineReport summarises open items past a statutory deadline.
type deadlineReport struct {
	DataRequests int                      `json:"data_requests_overdue"`
	Incidents    []breach.OverdueIncident `json:"incidents_overdue"`
}

func (a *app) checkDeadlines(ctx context.Context) (deadlineReport, error) {
	var report deadlineReport
	_, err := a.forEachTenant(ctx, "deadlines", func(ctx context.Context, tenant string) error {
		_, n, err := a.dataRequests.ListOverdue(ctx, 1, 0)
		if err != nil {
			return err
		}
		report.DataRequests += n
		overdue, err := a.incidents.ListOverdue(ctx)
		if err != nil {
			return err
		}
		for _, o := range overdue {
			a.logger.Warn().Str("tenant", tenant).Str("incident", o.IncidentNumber).
				Bool("anpd_overdue", o.ANPDOverdue).Bool("subjects_overdue", o.SubjectsOverdue).
				Msg("incident notification overdue")
		}
		report.Incidents = append(report.Incidents, overdue...)
		return nil
	})
	return report, err
}

func (a *app) expireConsents(ctx context.Context) (consent.ExpireResult, error) {
	var total consent.ExpireResult
	_, err := a.forEachTenant(ctx, "consent_expiry", func(ctx context.Context, _ string) error {
		res, err := a.consents.ExpireStale(ctx)
		total.Expired += res.Expired
		total.Errors += res.Errors
		return err
	})
	return total, err
}

// startBackground launches the periodic jobs and the outbox relay. They stop
// when ctx is cancelled.
func (a *app) startBackground(ctx context.Context) error {
	publisher, err := a.newPublisher()
	if err != nil {
		return err
	}
	relay := events.NewRelay(a.pool, a.outbox, publisher, a.cfg.OutboxPollInterval, a.logger)
	go func() {
		defer publisher.Close()
		if err := relay.Start(ctx); err != nil && ctx.Err() == nil {
			a.logger.Error().Err(err).Msg("outbox relay stopped")
		}
	}()

	go every(ctx, a.cfg.RetentionInterval, a.logger, "retention", func(ctx context.Context) error {
		res, err := a.runRetention(ctx, false)
		a.logger.Info().Interface("result", res).Msg("retention pass complete")
		return err
	})
	go every(ctx, a.cfg.BreachDetectionInterval, a.logger, "breach_detection", func(ctx context.Context) error {
		res, err := a.runDetection(ctx)
		if len(res.Created) > 0 {
			a.logger.Warn().Strs("incidents", res.Created).Msg("incidents detected")
		}
		return err
	})
	go every(ctx, time.Hour, a.logger, "deadlines", func(ctx context.Context) error {
		_, err := a.checkDeadlines(ctx)
		return err
	})
	go every(ctx, time.Hour, a.logger, "consent_expiry", func(ctx context.Context) error {
		_, err := a.expireConsents(ctx)
		return err
	})
	return nil
}
