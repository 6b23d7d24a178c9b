package retention

import (
	"context"
	"fmt"
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/compliance/internal/platform/events"
	"github.com/ehr/compliance/internal/platform/lgpd"
	"github.com/ehr/compliance/internal/platform/metrics"
	"github.com/ehr/compliance/internal/platform/notification"
)

const (
	processBatchSize = 1000
	maxErrorLen      = 1000
)

// TargetExecutor removes or masks the rows schedules point at.
type TargetExecutor interface {
	Delete(ctx context.Context, targetType string, id uuid.UUID) error
	Anonymize(ctx context.Context, targetType string, id uuid.UUID) error
}

// Mailer sends templated email.
type Mailer interface {
	Send(ctx context.Context, templateID, to string, data map[string]string) (*notification.Message, error)
}

// Processor advances due schedules: warnings first, then deletion or
// anonymization of targets whose retention period has ended.
type Processor struct {
	repo     Repository
	exec     TargetExecutor
	mailer   Mailer
	events   events.Emitter
	fallback string
	logger   zerolog.Logger
	now      func() time.Time
}

func NewProcessor(repo Repository, exec TargetExecutor, logger zerolog.Logger) *Processor {
	return &Processor{
		repo:   repo,
		exec:   exec,
		events: events.Nop{},
		logger: logger.With().Str("component", "retention_processor").Logger(),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (p *Processor) SetMailer(m Mailer) { p.mailer = m }
func (p *Processor) SetEmitter(e events.Emitter) { p.events = e }
func (p *Processor) SetClock(now func() time.Time) { p.now = now }

// SetFallbackRecipient sets who is warned when a policy has no notify_email.
func (p *Processor) SetFallbackRecipient(email string) { p.fallback = email }

type policyCache struct {
	repo Repository
	byID map[uuid.UUID]*Policy
}

func (c *policyCache) get(ctx context.Context, id uuid.UUID) (*Policy, error) {
	if pol, ok := c.byID[id]; ok {
		return pol, nil
	}
	pol, err := c.repo.GetPolicy(ctx, id)
	if err != nil {
		return nil, err
	}
	c.byID[id] = pol
	return pol, nil
}

// Run performs one pass. With dryRun nothing is written or sent; the result
// reports what would have happened.
func (p *Processor) Run(ctx context.Context, dryRun bool) (RunResult, error) {
	res := RunResult{DryRun: dryRun}
	now := p.now()
	cache := &policyCache{repo: p.repo, byID: make(map[uuid.UUID]*Policy)}

	warnings, err := p.repo.ListWarningsDue(ctx, now, processBatchSize)
	if err != nil {
		return res, err
	}
	for _, sc := range warnings {
		p.warn(ctx, cache, sc, now, dryRun, &res)
	}

	due, err := p.repo.ListDeletionsDue(ctx, now, processBatchSize)
	if err != nil {
		return res, err
	}
	for _, sc := range due {
		p.process(ctx, cache, sc, now, dryRun, &res)
	}

	waiting, err := p.repo.CountAwaitingApproval(ctx, now)
	if err != nil {
		return res, err
	}
	res.AwaitingApproval += waiting
	if !dryRun && waiting > 0 {
		metrics.RetentionActions.WithLabelValues("awaiting_approval").Add(float64(waiting))
	}

	p.logger.Info().
		Bool("dry_run", dryRun).
		Int("warnings_sent", res.WarningsSent).
		Int("deleted", res.Deleted).
		Int("anonymized", res.Anonymized).
		Int("awaiting_approval", res.AwaitingApproval).
		Int("skipped", res.Skipped).
		Int("errors", res.Errors).
		Msg("retention pass finished")
	return res, nil
}

func (p *Processor) count(dryRun bool, action string) {
	if !dryRun {
		metrics.RetentionActions.WithLabelValues(action).Inc()
	}
}

func (p *Processor) recipient(pol *Policy) string {
	if pol.NotifyEmail != nil && *pol.NotifyEmail != "" {
		return *pol.NotifyEmail
	}
	return p.fallback
}

func (p *Processor) warn(ctx context.Context, cache *policyCache, sc *Schedule, now time.Time, dryRun bool, res *RunResult) {
	log := p.logger.With().Str("schedule_id", sc.ID.String()).Logger()
	pol, err := cache.get(ctx, sc.PolicyID)
	if err != nil {
		log.Error().Err(err).Msg("load retention policy")
		res.Errors++
		return
	}
	if !pol.Active {
		res.Skipped++
		return
	}
	if dryRun {
		res.WarningsSent++
		return
	}

	if to := p.recipient(pol); to != "" && p.mailer != nil {
		tpl := notification.TplRetentionWarning
		if pol.RequiresManualApproval && !sc.IsApproved() {
			tpl = notification.TplRetentionApproval
		}
		data := map[string]string{
			"policy_name":     pol.Name,
			"method":          pol.DeletionMethod,
			"target_type":     sc.TargetType,
			"target_id":       sc.TargetID.String(),
			"deletion_date":   sc.DeletionDate.Format("02/01/2006"),
			"legal_reference": "",
		}
		if pol.LegalReference != nil {
			data["legal_reference"] = *pol.LegalReference
		}
		if _, err := p.mailer.Send(ctx, tpl, to, data); err != nil {
			log.Warn().Err(err).Msg("retention warning not delivered; will retry next pass")
			res.Errors++
			p.count(dryRun, "error")
			return
		}
	}

	sc.Status = StatusWarningSent
	sc.WarningSentAt = &now
	if err := p.repo.UpdateSchedule(ctx, sc); err != nil {
		log.Error().Err(err).Msg("mark retention warning sent")
		res.Errors++
		p.count(dryRun, "error")
		return
	}
	res.WarningsSent++
	p.count(dryRun, "warning")
}

func (p *Processor) process(ctx context.Context, cache *policyCache, sc *Schedule, now time.Time, dryRun bool, res *RunResult) {
	log := p.logger.With().Str("schedule_id", sc.ID.String()).Str("target_type", sc.TargetType).Logger()
	pol, err := cache.get(ctx, sc.PolicyID)
	if err != nil {
		log.Error().Err(err).Msg("load retention policy")
		res.Errors++
		return
	}
	if !pol.Active {
		res.Skipped++
		return
	}
	if !sc.CanExecute(pol, now) {
		res.AwaitingApproval++
		p.count(dryRun, "awaiting_approval")
		return
	}

	final := FinalStatus(pol.DeletionMethod)
	if dryRun {
		tally(res, final)
		return
	}

	err = p.repo.RunInTx(ctx, func(ctx context.Context) error {
		if err := p.apply(ctx, pol.DeletionMethod, sc); err != nil {
			return err
		}
		sc.Status = final
		sc.ProcessedAt = &now
		sc.LastError = nil
		if err := p.repo.UpdateSchedule(ctx, sc); err != nil {
			return err
		}
		return p.events.Emit(ctx, "retention_schedule", sc.ID.String(), events.RetentionProcessed, map[string]interface{}{
			"schedule_id": sc.ID,
			"target_type": sc.TargetType,
			"target_id":   sc.TargetID,
			"method":      pol.DeletionMethod,
		})
	})
	switch {
	case err == nil:
		tally(res, final)
		p.count(dryRun, final)
		log.Info().Str("target_id", sc.TargetID.String()).Str("status", final).Msg("retention target processed")
	case lgpd.IsTargetMissing(err):
		msg := "target no longer exists"
		sc.Status = final
		sc.ProcessedAt = &now
		sc.LastError = &msg
		if uerr := p.repo.UpdateSchedule(ctx, sc); uerr != nil {
			log.Error().Err(uerr).Msg("close schedule of missing target")
			res.Errors++
			return
		}
		res.Skipped++
		p.count(dryRun, "skipped")
	default:
		log.Error().Err(err).Str("target_id", sc.TargetID.String()).Msg("retention target failed")
		res.Errors++
		p.count(dryRun, "error")
		p.recordFailure(ctx, sc, err)
	}
}

func (p *Processor) apply(ctx context.Context, method string, sc *Schedule) error {
	switch method {
	case MethodDelete:
		return p.exec.Delete(ctx, sc.TargetType, sc.TargetID)
	case MethodAnonymize:
		return p.exec.Anonymize(ctx, sc.TargetType, sc.TargetID)
	default:
		return fmt.Errorf("unknown deletion method %q", method)
	}
}

// recordFailure stores the error on a fresh read of the schedule so nothing
// from the rolled back attempt is persisted.
func (p *Processor) recordFailure(ctx context.Context, sc *Schedule, cause error) {
	fresh, err := p.repo.GetSchedule(ctx, sc.ID)
	if err != nil {
		p.logger.Error().Err(err).Str("schedule_id", sc.ID.String()).Msg("reload schedule")
		return
	}
	msg := truncateError(cause.Error(), maxErrorLen)
	fresh.LastError = &msg
	if err := p.repo.UpdateSchedule(ctx, fresh); err != nil {
		p.logger.Error().Err(err).Str("schedule_id", sc.ID.String()).Msg("record schedule error")
	}
}

func tally(res *RunResult, final string) {
	if final == StatusDeleted {
		res.Deleted++
	} else {
		res.Anonymized++
	}
}

// truncateError cuts msg to at most max bytes on a rune boundary, noting the
// original length.
func truncateError(msg string, max int) string {
	if len(msg) <= max {
		return msg
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(msg[cut]) {
		cut--
	}
	return msg[:cut] + "... (" + strconv.Itoa(len(msg)) + " bytes)"
}
