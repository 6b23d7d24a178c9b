package notification

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// ---------------------------------------------------------------------------
// Template Engine Tests
// ---------------------------------------------------------------------------

func TestTemplateEngine_RegisterAndRender(t *testing.T) {
	eng := NewTemplateEngine()
	eng.RegisterTemplate(Template{
		ID:      "test-tpl",
		Name:    "Test Template",
		Subject: "Hello {{name}}",
		Body:    "Dear {{name}}, your code is {{code}}.",
	})

	subject, body, err := eng.Render("test-tpl", map[string]string{
		"name": "Alice",
		"code": "1234",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if subject != "Hello Alice" {
		t.Errorf("subject = %q, want %q", subject, "Hello Alice")
	}
	if body != "Dear Alice, your code is 1234." {
		t.Errorf("body = %q, want %q", body, "Dear Alice, your code is 1234.")
	}
}

func TestTemplateEngine_RenderMissing(t *testing.T) {
	eng := NewTemplateEngine()
	_, _, err := eng.Render("nonexistent", nil)
	if err == nil {
		t.Fatal("expected error for missing template, got nil")
	}
}

func TestTemplateEngine_BuiltInTemplatesFullyRendered(t *testing.T) {
	eng := NewTemplateEngine()
	builtIn := []string{
		TplDataRequestReceived, TplDataRequestStatus, TplRetentionWarning,
		TplRetentionApproval, TplIncidentDetected, TplBreachANPD, TplBreachSubject,
	}
	for _, id := range builtIn {
		keys, err := eng.Keys(id)
		if err != nil {
			t.Fatalf("built-in template %q not found: %v", id, err)
		}
		data := map[string]string{}
		for _, k := range keys {
			data[k] = "x"
		}
		subject, body, err := eng.Render(id, data)
		if err != nil {
			t.Fatalf("render %q: %v", id, err)
		}
		if strings.Contains(subject+body, "{{") {
			t.Errorf("template %q left placeholders after full render", id)
		}
	}
}

func TestTemplateEngine_RenderMissingKey(t *testing.T) {
	eng := NewTemplateEngine()
	_, body, err := eng.Render(TplDataRequestReceived, map[string]string{"requester_name": "Ana"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(body, "Dear Ana") {
		t.Errorf("expected substituted name, got %q", body)
	}
	if !strings.Contains(body, "{{request_id}}") {
		t.Error("expected unknown key to be left as-is")
	}
}

func TestTemplateEngine_Keys(t *testing.T) {
	eng := NewTemplateEngine()
	eng.RegisterTemplate(Template{ID: "k", Subject: "{{b}} {{a}}", Body: "{{a}} {{c}}"})
	keys, err := eng.Keys("k")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.Join(keys, ",") != "a,b,c" {
		t.Errorf("keys = %v, want [a b c]", keys)
	}
}

// ---------------------------------------------------------------------------
// Mailer Tests
// ---------------------------------------------------------------------------

func TestMailer_Send(t *testing.T) {
	sender := &MockEmailSender{}
	m := NewMailer(sender, nil, zerolog.Nop())

	msg, err := m.Send(context.Background(), TplDataRequestReceived, "ana@example.com", map[string]string{
		"request_id": "LGPD-20260301-0001",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msg.SentAt == nil {
		t.Error("expected SentAt to be set")
	}
	calls := sender.Calls()
	if len(calls) != 1 || calls[0].To != "ana@example.com" {
		t.Fatalf("unexpected calls: %+v", calls)
	}
	if calls[0].Subject != "[LGPD] Request LGPD-20260301-0001 received" {
		t.Errorf("unexpected subject %q", calls[0].Subject)
	}
}

func TestMailer_SendFailed(t *testing.T) {
	sender := &MockEmailSender{ShouldFail: true, FailError: "relay down"}
	m := NewMailer(sender, nil, zerolog.Nop())

	msg, err := m.Send(context.Background(), TplIncidentDetected, "dpo@example.com", nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if msg == nil || msg.Error != "relay down" || msg.SentAt != nil {
		t.Errorf("expected failed message, got %+v", msg)
	}
}

func TestMailer_EmptyRecipient(t *testing.T) {
	m := NewMailer(&MockEmailSender{}, nil, zerolog.Nop())
	if _, err := m.Send(context.Background(), TplIncidentDetected, "", nil); err == nil {
		t.Fatal("expected error for empty recipient")
	}
}

func TestMailer_UnknownTemplate(t *testing.T) {
	sender := &MockEmailSender{}
	m := NewMailer(sender, nil, zerolog.Nop())
	if _, err := m.Send(context.Background(), "nope", "a@b.c", nil); err == nil {
		t.Fatal("expected error for unknown template")
	}
	if len(sender.Calls()) != 0 {
		t.Error("expected no send for unknown template")
	}
}

func TestMockEmailSender_FailFor(t *testing.T) {
	sender := &MockEmailSender{FailFor: map[string]bool{"bad@example.com": true}}
	if err := sender.SendEmail(context.Background(), "ok@example.com", "s", "b"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := sender.SendEmail(context.Background(), "bad@example.com", "s", "b"); err == nil {
		t.Error("expected failure for listed recipient")
	}
}

func TestMailer_ConcurrentSend(t *testing.T) {
	sender := &MockEmailSender{}
	m := NewMailer(sender, nil, zerolog.Nop())

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Send(context.Background(), TplBreachSubject, "s@example.com", nil)
		}()
	}
	wg.Wait()
	if got := len(sender.Calls()); got != 20 {
		t.Errorf("expected 20 calls, got %d", got)
	}
}

// ---------------------------------------------------------------------------
// Sender Tests
// ---------------------------------------------------------------------------

func TestBuildMessage(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	raw := string(buildMessage("lgpd@hospital.local", "ana@example.com", "Hi", "line1\nline2", now))
	for _, want := range []string{
		"From: lgpd@hospital.local\r\n",
		"To: ana@example.com\r\n",
		"Subject: Hi\r\n",
		"Content-Type: text/plain; charset=UTF-8\r\n\r\n",
		"line1\r\nline2",
	} {
		if !strings.Contains(raw, want) {
			t.Errorf("message missing %q", want)
		}
	}
}

func TestSMTPSender_DialFailure(t *testing.T) {
	s := NewSMTPSender(SMTPConfig{Host: "127.0.0.1", Port: 1, From: "a@b.c", Timeout: time.Second})
	if err := s.SendEmail(context.Background(), "x@y.z", "s", "b"); err == nil {
		t.Fatal("expected dial error")
	}
}

func TestLogSender(t *testing.T) {
	var buf strings.Builder
	s := NewLogSender(zerolog.New(&buf))
	if err := s.SendEmail(context.Background(), "a@b.c", "subj", "body"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(buf.String(), `"subject":"subj"`) {
		t.Errorf("expected subject in log, got %s", buf.String())
	}
}
