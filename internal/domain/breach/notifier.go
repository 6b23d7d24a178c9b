package breach

import (
	"context"
	"fmt"
	"net/mail"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/compliance/internal/platform/apperr"
	"github.com/ehr/compliance/internal/platform/events"
	"github.com/ehr/compliance/internal/platform/notification"
)

// Mailer sends templated email.
type Mailer interface {
	Send(ctx context.Context, templateID, to string, data map[string]string) (*notification.Message, error)
	Preview(templateID string, data map[string]string) (subject, body string, err error)
}

// Controller identifies the data controller in outbound communications.
type Controller struct {
	Name     string
	CNPJ     string
	DPOEmail string
}

// Notifier delivers incident communications and records each attempt as a
// breach_notification row.
type Notifier struct {
	repo       Repository
	mailer     Mailer
	events     events.Emitter
	controller Controller
	anpdEmail  string
	loc        *time.Location
	logger     zerolog.Logger
	now        func() time.Time
}

func NewNotifier(repo Repository, mailer Mailer, controller Controller, anpdEmail string, logger zerolog.Logger) *Notifier {
	return &Notifier{
		repo:       repo,
		mailer:     mailer,
		events:     events.Nop{},
		controller: controller,
		anpdEmail:  anpdEmail,
		loc:        time.UTC,
		logger:     logger.With().Str("component", "breach_notifier").Logger(),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func (n *Notifier) SetEmitter(e events.Emitter) { n.events = e }
func (n *Notifier) SetClock(now func() time.Time) { n.now = now }

// SetLocation sets the zone dates are written in.
func (n *Notifier) SetLocation(loc *time.Location) { n.loc = loc }

func (n *Notifier) formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.In(n.loc).Format("02/01/2006 15:04")
}

func (n *Notifier) incidentData(i *Incident) map[string]string {
	desc := ""
	if i.Description != nil {
		desc = *i.Description
	}
	categories := strings.Join(i.DataCategories, ", ")
	if categories == "" {
		categories = "-"
	}
	return map[string]string{
		"controller":        n.controller.Name,
		"cnpj":              n.controller.CNPJ,
		"dpo_email":         n.controller.DPOEmail,
		"incident_number":   i.IncidentNumber,
		"title":             i.Title,
		"description":       desc,
		"severity":          i.Severity,
		"detected_at":       n.formatTime(&i.DetectedAt),
		"data_categories":   categories,
		"sensitive_data":    strconv.FormatBool(i.SensitiveData),
		"affected_subjects": strconv.Itoa(i.AffectedSubjects),
		"affected_records":  strconv.Itoa(i.AffectedRecords),
		"requires_anpd":     strconv.FormatBool(i.RequiresANPDNotification),
		"anpd_deadline":     n.formatTime(i.ANPDDeadline),
		"requires_subjects": strconv.FormatBool(i.RequiresSubjectNotification),
		"subject_deadline":  n.formatTime(i.SubjectDeadline),
	}
}

// deliver sends one templated email and stores the attempt, sent or failed.
func (n *Notifier) deliver(ctx context.Context, i *Incident, recipientType, name, to, tpl string, data map[string]string, protocol, actor string) (*Notification, error) {
	rec := &Notification{
		IncidentID:     i.ID,
		RecipientType:  recipientType,
		RecipientEmail: &to,
		Channel:        ChannelEmail,
		Status:         NotificationPending,
	}
	if name != "" {
		rec.RecipientName = &name
	}
	if actor != "" {
		rec.SentBy = &actor
	}
	if protocol != "" {
		rec.ProtocolNumber = &protocol
	}

	msg, sendErr := n.mailer.Send(ctx, tpl, to, data)
	if msg != nil {
		rec.Subject, rec.Body = msg.Subject, msg.Body
	}
	if sendErr != nil {
		e := sendErr.Error()
		rec.Status = NotificationFailed
		rec.Error = &e
	} else {
		at := n.now()
		rec.Status = NotificationSent
		rec.SentAt = &at
	}
	if rec.Subject == "" {
		rec.Subject = tpl
	}
	if err := n.repo.CreateNotification(ctx, rec); err != nil {
		return rec, err
	}
	return rec, sendErr
}

// NotifyDPO emails the DPO about a newly opened incident.
func (n *Notifier) NotifyDPO(ctx context.Context, i *Incident) error {
	if n.controller.DPOEmail == "" {
		n.logger.Warn().Str("incident", i.IncidentNumber).Msg("no DPO address configured; alert skipped")
		return nil
	}
	_, err := n.deliver(ctx, i, RecipientDPO, "DPO", n.controller.DPOEmail, notification.TplIncidentDetected, n.incidentData(i), "", "system")
	return err
}

// ANPDRequest carries what the DPO supplies when filing with the ANPD.
type ANPDRequest struct {
	Protocol string `json:"protocol"`
	Measures string `json:"measures"`
}

// NotifyANPD files the incident with the authority. With an ANPD address
// configured the communication is emailed; otherwise it is recorded as a
// portal filing, which requires the protocol number the portal issued.
func (n *Notifier) NotifyANPD(ctx context.Context, id uuid.UUID, req ANPDRequest, actor string) (*Notification, error) {
	i, err := n.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if i.ANPDNotifiedAt != nil {
		return nil, ErrAlreadyNotified
	}
	if n.anpdEmail == "" && req.Protocol == "" {
		return nil, apperr.Invalid("protocol", "is required when filing through the ANPD portal")
	}

	data := n.incidentData(i)
	data["measures"] = req.Measures
	var rec *Notification
	if n.anpdEmail != "" {
		rec, err = n.deliver(ctx, i, RecipientANPD, "ANPD", n.anpdEmail, notification.TplBreachANPD, data, req.Protocol, actor)
		if err != nil {
			return rec, fmt.Errorf("notify ANPD: %w", err)
		}
	} else {
		rec, err = n.recordPortalFiling(ctx, i, data, req.Protocol, actor)
		if err != nil {
			return nil, err
		}
	}

	now := n.now()
	i.ANPDNotifiedAt = &now
	if req.Protocol != "" {
		i.ANPDProtocol = &req.Protocol
	}
	err = n.repo.RunInTx(ctx, func(ctx context.Context) error {
		if err := n.repo.Update(ctx, i); err != nil {
			return err
		}
		return n.events.Emit(ctx, "security_incident", i.ID.String(), events.IncidentNotified, map[string]interface{}{
			"incident_number": i.IncidentNumber,
			"recipient":       RecipientANPD,
			"protocol":        req.Protocol,
		})
	})
	if err != nil {
		return nil, err
	}
	n.logger.Info().Str("incident", i.IncidentNumber).Str("channel", rec.Channel).Msg("ANPD notified")
	return rec, nil
}

func (n *Notifier) recordPortalFiling(ctx context.Context, i *Incident, data map[string]string, protocol, actor string) (*Notification, error) {
	subject, body, err := n.mailer.Preview(notification.TplBreachANPD, data)
	if err != nil {
		return nil, err
	}
	now := n.now()
	rec := &Notification{
		IncidentID:     i.ID,
		RecipientType:  RecipientANPD,
		Channel:        ChannelPortal,
		Subject:        subject,
		Body:           body,
		Status:         NotificationSent,
		SentAt:         &now,
		ProtocolNumber: &protocol,
	}
	if actor != "" {
		rec.SentBy = &actor
	}
	if err := n.repo.CreateNotification(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// Recipient is a data subject to be told about an incident.
type Recipient struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

// SubjectResult summarises a data subject notification round.
type SubjectResult struct {
	Sent     int      `json:"sent"`
	Failed   int      `json:"failed"`
	Errors   []string `json:"errors,omitempty"`
	Notified bool     `json:"notified"`
}

// NotifyDataSubjects emails every recipient. Delivery failures are collected
// rather than aborting the round. The incident is marked as having notified
// its subjects only when at least one email went out and none failed.
func (n *Notifier) NotifyDataSubjects(ctx context.Context, id uuid.UUID, recipients []Recipient, measures, actor string) (*SubjectResult, error) {
	if len(recipients) == 0 {
		return nil, apperr.Invalid("recipients", "at least one recipient is required")
	}
	var errs apperr.ValidationErrors
	for idx, r := range recipients {
		if _, err := mail.ParseAddress(r.Email); err != nil {
			errs.Add(fmt.Sprintf("recipients[%d].email", idx), "is not a valid address")
		}
	}
	if err := errs.Err(); err != nil {
		return nil, err
	}

	i, err := n.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if i.SubjectsNotifiedAt != nil {
		return nil, ErrAlreadyNotified
	}

	res := &SubjectResult{}
	for _, r := range recipients {
		data := n.incidentData(i)
		data["recipient_name"] = r.Name
		data["measures"] = measures
		if _, err := n.deliver(ctx, i, RecipientDataSubject, r.Name, r.Email, notification.TplBreachSubject, data, "", actor); err != nil {
			res.Failed++
			res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", r.Email, err))
			continue
		}
		res.Sent++
	}

	if res.Sent == 0 || res.Failed > 0 {
		n.logger.Warn().Str("incident", i.IncidentNumber).Int("sent", res.Sent).Int("failed", res.Failed).
			Msg("data subject notification incomplete")
		return res, nil
	}

	now := n.now()
	i.SubjectsNotifiedAt = &now
	err = n.repo.RunInTx(ctx, func(ctx context.Context) error {
		if err := n.repo.Update(ctx, i); err != nil {
			return err
		}
		return n.events.Emit(ctx, "security_incident", i.ID.String(), events.IncidentNotified, map[string]interface{}{
			"incident_number": i.IncidentNumber,
			"recipient":       RecipientDataSubject,
			"count":           res.Sent,
		})
	})
	if err != nil {
		return res, err
	}
	res.Notified = true
	n.logger.Info().Str("incident", i.IncidentNumber).Int("sent", res.Sent).Msg("data subjects notified")
	return res, nil
}
