// Package notification renders and delivers the compliance emails: request
// acknowledgements, retention warnings, incident alerts and breach notices.
package notification

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/compliance/internal/platform/metrics"
)

// ---------------------------------------------------------------------------
// Sender Interfaces
// ---------------------------------------------------------------------------

// EmailSender is the interface for sending email messages.
type EmailSender interface {
	SendEmail(ctx context.Context, to, subject, body string) error
}

// ---------------------------------------------------------------------------
// Template Engine
// ---------------------------------------------------------------------------

// Built-in template IDs.
const (
	TplDataRequestReceived = "data-request-received"
	TplDataRequestStatus   = "data-request-status"
	TplRetentionWarning    = "retention-warning"
	TplRetentionApproval   = "retention-approval-required"
	TplIncidentDetected    = "incident-detected"
	TplBreachANPD          = "breach-anpd"
	TplBreachSubject       = "breach-subject"
)

// Template defines a reusable notification template.
type Template struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// TemplateEngine manages notification templates and renders them with data.
type TemplateEngine struct {
	mu        sync.RWMutex
	templates map[string]*Template
}

// NewTemplateEngine creates a TemplateEngine with the built-in templates pre-registered.
func NewTemplateEngine() *TemplateEngine {
	e := &TemplateEngine{
		templates: make(map[string]*Template),
	}
	e.registerBuiltIn()
	return e
}

func (e *TemplateEngine) registerBuiltIn() {
	builtIn := []Template{
		{
			ID:      TplDataRequestReceived,
			Name:    "Data Request Received",
			Subject: "[LGPD] Request {{request_id}} received",
			Body: "Dear {{requester_name}},\n\n" +
				"We received your {{request_type}} request on {{requested_at}} under protocol {{request_id}}.\n" +
				"Under LGPD Art. 19 we will respond by {{due_date}}.\n\n{{hospital_name}}",
		},
		{
			ID:      TplDataRequestStatus,
			Name:    "Data Request Status Changed",
			Subject: "[LGPD] Request {{request_id}} is now {{status}}",
			Body: "Dear {{requester_name}},\n\n" +
				"Your request {{request_id}} changed status to {{status}}.\n{{notes}}\n\n{{hospital_name}}",
		},
		{
			ID:      TplRetentionWarning,
			Name:    "Retention Warning",
			Subject: "[Retention] {{target_type}} {{target_id}} scheduled for {{method}} on {{deletion_date}}",
			Body: "Policy {{policy_name}} ({{legal_reference}}) will {{method}} {{target_type}} {{target_id}} on {{deletion_date}}.\n" +
				"Place a legal hold before that date if the record must be kept.",
		},
		{
			ID:      TplRetentionApproval,
			Name:    "Retention Approval Required",
			Subject: "[Retention] approval required for {{target_type}} {{target_id}}",
			Body: "Policy {{policy_name}} requires manual approval before {{method}} of {{target_type}} {{target_id}}.\n" +
				"The retention period ends on {{deletion_date}}.",
		},
		{
			ID:      TplIncidentDetected,
			Name:    "Incident Detected",
			Subject: "[Incident {{incident_number}}] {{severity}}: {{title}}",
			Body: "Incident {{incident_number}} was detected at {{detected_at}}.\n\n{{description}}\n\n" +
				"Severity: {{severity}}\nANPD notification required: {{requires_anpd}} (deadline {{anpd_deadline}})\n" +
				"Subject notification required: {{requires_subjects}} (deadline {{subject_deadline}})",
		},
		{
			ID:      TplBreachANPD,
			Name:    "ANPD Breach Communication",
			Subject: "Comunicação de incidente de segurança {{incident_number}} - {{controller}}",
			Body: "Controller: {{controller}} (CNPJ {{cnpj}})\nDPO: {{dpo_email}}\n\n" +
				"Incident: {{incident_number}} - {{title}}\nDetected at: {{detected_at}}\n" +
				"Nature of data: {{data_categories}}\nSensitive data: {{sensitive_data}}\n" +
				"Affected subjects: {{affected_subjects}}\nAffected records: {{affected_records}}\n\n" +
				"Description:\n{{description}}\n\nMeasures taken:\n{{measures}}",
		},
		{
			ID:      TplBreachSubject,
			Name:    "Data Subject Breach Communication",
			Subject: "Aviso sobre incidente de segurança envolvendo seus dados",
			Body: "Dear {{recipient_name}},\n\n" +
				"On {{detected_at}} {{controller}} identified a security incident ({{incident_number}}) that may involve your personal data ({{data_categories}}).\n\n" +
				"{{measures}}\n\nFor questions contact our DPO at {{dpo_email}}.",
		},
	}
	for i := range builtIn {
		t := builtIn[i]
		e.templates[t.ID] = &t
	}
}

// RegisterTemplate adds or replaces a template in the engine.
func (e *TemplateEngine) RegisterTemplate(t Template) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.templates[t.ID] = &t
}

// Render looks up a template by ID and performs {{key}} replacement using the
// supplied data map. Keys present in the template but absent from data are left
// as-is.
func (e *TemplateEngine) Render(templateID string, data map[string]string) (subject, body string, err error) {
	e.mu.RLock()
	t, ok := e.templates[templateID]
	e.mu.RUnlock()
	if !ok {
		return "", "", fmt.Errorf("template %q not found", templateID)
	}

	subject = t.Subject
	body = t.Body
	for k, v := range data {
		placeholder := "{{" + k + "}}"
		subject = strings.ReplaceAll(subject, placeholder, v)
		body = strings.ReplaceAll(body, placeholder, v)
	}
	return subject, body, nil
}

var keyPattern = regexp.MustCompile(`\{\{([a-z_]+)\}\}`)

// Keys lists the placeholders a template references, sorted.
func (e *TemplateEngine) Keys(templateID string) ([]string, error) {
	e.mu.RLock()
	t, ok := e.templates[templateID]
	e.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("template %q not found", templateID)
	}
	seen := map[string]bool{}
	var keys []string
	for _, m := range keyPattern.FindAllStringSubmatch(t.Subject+t.Body, -1) {
		if !seen[m[1]] {
			seen[m[1]] = true
			keys = append(keys, m[1])
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// ---------------------------------------------------------------------------
// Mock Sender (test double)
// ---------------------------------------------------------------------------

// EmailCall records a single call to SendEmail.
type EmailCall struct {
	To      string
	Subject string
	Body    string
}

// MockEmailSender is a test double for EmailSender.
type MockEmailSender struct {
	mu         sync.Mutex
	calls      []EmailCall
	ShouldFail bool
	FailError  string
	// FailFor makes sends to the listed recipients fail.
	FailFor map[string]bool
}

// SendEmail records the call and optionally returns an error.
func (m *MockEmailSender) SendEmail(_ context.Context, to, subject, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, EmailCall{To: to, Subject: subject, Body: body})
	if m.ShouldFail || m.FailFor[to] {
		msg := m.FailError
		if msg == "" {
			msg = "send failed"
		}
		return errors.New(msg)
	}
	return nil
}

// Calls returns a copy of recorded email calls.
func (m *MockEmailSender) Calls() []EmailCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]EmailCall, len(m.calls))
	copy(out, m.calls)
	return out
}

// ---------------------------------------------------------------------------
// Mailer
// ---------------------------------------------------------------------------

// Message is the outcome of a single templated send.
type Message struct {
	TemplateID string     `json:"template_id"`
	To         string     `json:"to"`
	Subject    string     `json:"subject"`
	Body       string     `json:"body"`
	SentAt     *time.Time `json:"sent_at,omitempty"`
	Error      string     `json:"error,omitempty"`
}

// Mailer renders templates and hands the result to an EmailSender.
type Mailer struct {
	sender    EmailSender
	templates *TemplateEngine
	logger    zerolog.Logger
}

func NewMailer(sender EmailSender, tpl *TemplateEngine, logger zerolog.Logger) *Mailer {
	if tpl == nil {
		tpl = NewTemplateEngine()
	}
	return &Mailer{sender: sender, templates: tpl, logger: logger.With().Str("component", "mailer").Logger()}
}

// Send renders templateID with data and delivers it to a single recipient. The
// returned Message carries the rendered content even when delivery fails.
func (m *Mailer) Send(ctx context.Context, templateID, to string, data map[string]string) (*Message, error) {
	if to == "" {
		return nil, fmt.Errorf("send %s: empty recipient", templateID)
	}
	subject, body, err := m.templates.Render(templateID, data)
	if err != nil {
		return nil, fmt.Errorf("render template: %w", err)
	}

	msg := &Message{TemplateID: templateID, To: to, Subject: subject, Body: body}
	sendErr := m.sender.SendEmail(ctx, to, subject, body)
	metrics.NotificationsSent.WithLabelValues(templateID, metrics.Result(sendErr)).Inc()
	if sendErr != nil {
		msg.Error = sendErr.Error()
		m.logger.Warn().Err(sendErr).Str("template", templateID).Msg("email delivery failed")
		return msg, fmt.Errorf("send %s: %w", templateID, sendErr)
	}
	now := time.Now().UTC()
	msg.SentAt = &now
	m.logger.Info().Str("template", templateID).Msg("email sent")
	return msg, nil
}

// Preview renders a template without sending it.
func (m *Mailer) Preview(templateID string, data map[string]string) (subject, body string, err error) {
	return m.templates.Render(templateID, data)
}
