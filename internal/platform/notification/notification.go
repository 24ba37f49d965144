// Package notification provides the outbound alerting collaborator for the
// result pipeline: channel senders, a small template engine, a recipient
// directory keyed by laboratory role, and an in-memory manager that records
// delivery outcomes.
package notification

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Channel identifies a delivery mechanism.
type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
)

// Status of one notification attempt.
type Status string

const (
	StatusSent   Status = "sent"
	StatusFailed Status = "failed"
)

// Notification is one recorded delivery attempt.
type Notification struct {
	ID        string    `json:"id"`
	Channel   Channel   `json:"channel"`
	Recipient string    `json:"recipient"`
	Subject   string    `json:"subject"`
	Body      string    `json:"body"`
	Status    Status    `json:"status"`
	Error     string    `json:"error,omitempty"`
	SentAt    time.Time `json:"sent_at"`
}

// EmailSender delivers email notifications.
type EmailSender interface {
	SendEmail(ctx context.Context, to, subject, body string) error
}

// SMSSender delivers SMS notifications.
type SMSSender interface {
	SendSMS(ctx context.Context, to, body string) error
}

// =========== Recipient directory ===========

// Role is a laboratory staff role eligible for alert routing.
type Role string

const (
	RoleLabManager   Role = "lab_manager"
	RolePathologist  Role = "pathologist"
	RoleTechnologist Role = "medical_technologist"
)

// CriticalAlertRoles are the roles notified when a critical value is found.
var CriticalAlertRoles = []Role{RoleLabManager, RolePathologist, RoleTechnologist}

// Recipient is one addressable staff member.
type Recipient struct {
	ID     string
	Name   string
	Email  string
	Phone  string
	Role   Role
	Active bool
}

// Directory resolves the active recipients holding any of the given roles.
type Directory interface {
	ActiveByRoles(ctx context.Context, roles ...Role) ([]Recipient, error)
}

// StaticDirectory is a Directory over a fixed recipient list.
type StaticDirectory struct {
	Recipients []Recipient
}

func (d *StaticDirectory) ActiveByRoles(ctx context.Context, roles ...Role) ([]Recipient, error) {
	want := make(map[Role]bool, len(roles))
	for _, r := range roles {
		want[r] = true
	}
	var out []Recipient
	for _, rec := range d.Recipients {
		if rec.Active && want[rec.Role] {
			out = append(out, rec)
		}
	}
	return out, nil
}

// =========== Templates ===========

// TemplateEngine renders message bodies by substituting {{key}} markers.
type TemplateEngine struct {
	templates map[string]string
}

// NewTemplateEngine creates an engine preloaded with the built-in templates.
func NewTemplateEngine() *TemplateEngine {
	return &TemplateEngine{
		templates: map[string]string{
			"critical-value-alert": "CRITICAL VALUE ALERT\n\n" +
				"Test: {{test_name}}\n" +
				"Result: {{value}} {{unit}}\n" +
				"Reference range: {{reference_range}}\n" +
				"Classification: {{critical_level}}\n" +
				"Result ID: {{result_id}}\n\n" +
				"Immediate review is required.",
			"daily-summary": "Daily processing summary for {{date}}\n\n" +
				"Messages received: {{received}}\n" +
				"Messages processed: {{processed}}\n" +
				"Messages in error: {{errors}}\n",
		},
	}
}

// Register adds or replaces a template.
func (e *TemplateEngine) Register(name, body string) {
	e.templates[name] = body
}

// Render substitutes {{key}} markers in the named template.
func (e *TemplateEngine) Render(name string, data map[string]string) (string, error) {
	tpl, ok := e.templates[name]
	if !ok {
		return "", fmt.Errorf("unknown template %q", name)
	}
	out := tpl
	for k, v := range data {
		out = strings.ReplaceAll(out, "{{"+k+"}}", v)
	}
	return out, nil
}

// =========== Manager ===========

// Manager routes notifications to the configured senders and keeps a record
// of every attempt. Delivery is best effort: a sender failure is recorded
// and returned, and the caller decides whether it matters.
type Manager struct {
	email     EmailSender
	sms       SMSSender
	templates *TemplateEngine
	logger    zerolog.Logger

	mu   sync.Mutex
	sent []Notification
}

// NewManager creates a Manager. Either sender may be nil; sending on a
// channel without a sender fails that notification.
func NewManager(email EmailSender, sms SMSSender, templates *TemplateEngine, logger zerolog.Logger) *Manager {
	return &Manager{
		email:     email,
		sms:       sms,
		templates: templates,
		logger:    logger.With().Str("component", "notification").Logger(),
	}
}

// Send delivers one notification and records the outcome.
func (m *Manager) Send(ctx context.Context, channel Channel, recipient, subject, body string) error {
	n := Notification{
		ID:        uuid.NewString(),
		Channel:   channel,
		Recipient: recipient,
		Subject:   subject,
		Body:      body,
		Status:    StatusSent,
		SentAt:    time.Now().UTC(),
	}

	var err error
	switch channel {
	case ChannelEmail:
		if m.email == nil {
			err = fmt.Errorf("no email sender configured")
		} else {
			err = m.email.SendEmail(ctx, recipient, subject, body)
		}
	case ChannelSMS:
		if m.sms == nil {
			err = fmt.Errorf("no sms sender configured")
		} else {
			err = m.sms.SendSMS(ctx, recipient, body)
		}
	default:
		err = fmt.Errorf("unknown channel %q", channel)
	}

	if err != nil {
		n.Status = StatusFailed
		n.Error = err.Error()
		m.logger.Error().
			Str("channel", string(channel)).
			Str("recipient", recipient).
			Err(err).
			Msg("notification delivery failed")
	}

	m.mu.Lock()
	m.sent = append(m.sent, n)
	m.mu.Unlock()
	return err
}

// SendFromTemplate renders the named template and sends the result.
func (m *Manager) SendFromTemplate(ctx context.Context, channel Channel, recipient, subject, template string, data map[string]string) error {
	body, err := m.templates.Render(template, data)
	if err != nil {
		return err
	}
	return m.Send(ctx, channel, recipient, subject, body)
}

// Stats reports sent/failed counts.
func (m *Manager) Stats() (sent, failed int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, n := range m.sent {
		if n.Status == StatusSent {
			sent++
		} else {
			failed++
		}
	}
	return sent, failed
}

// History returns a copy of all recorded notifications.
func (m *Manager) History() []Notification {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Notification, len(m.sent))
	copy(out, m.sent)
	return out
}

// SMTPEmailSender delivers mail through a plain SMTP relay.
type SMTPEmailSender struct {
	Addr string // host:port
	From string
}

func (s *SMTPEmailSender) SendEmail(ctx context.Context, to, subject, body string) error {
	return smtp.SendMail(s.Addr, nil, s.From, []string{to}, buildMailMessage(s.From, to, subject, body))
}

// buildMailMessage assembles an RFC 5322 plain-text message.
func buildMailMessage(from, to, subject, body string) []byte {
	var b strings.Builder
	b.WriteString("From: " + from + "\r\n")
	b.WriteString("To: " + to + "\r\n")
	b.WriteString("Subject: " + subject + "\r\n")
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(body)
	return []byte(b.String())
}

// LogEmailSender writes deliveries to the log instead of a mail relay.
// It is the default sender until SMTP is configured.
type LogEmailSender struct {
	Logger zerolog.Logger
}

func (s *LogEmailSender) SendEmail(ctx context.Context, to, subject, body string) error {
	s.Logger.Info().
		Str("to", to).
		Str("subject", subject).
		Int("body_bytes", len(body)).
		Msg("email delivery (log sink)")
	return nil
}

// =========== Mock senders for tests ===========

// MockCall is one recorded delivery.
type MockCall struct {
	To      string
	Subject string
	Body    string
}

// MockEmailSender records SendEmail calls.
type MockEmailSender struct {
	mu    sync.Mutex
	calls []MockCall
	Err   error
}

func (m *MockEmailSender) SendEmail(ctx context.Context, to, subject, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.calls = append(m.calls, MockCall{To: to, Subject: subject, Body: body})
	return nil
}

// Calls returns a copy of the recorded calls.
func (m *MockEmailSender) Calls() []MockCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MockCall, len(m.calls))
	copy(out, m.calls)
	return out
}

// MockSMSSender records SendSMS calls.
type MockSMSSender struct {
	mu    sync.Mutex
	calls []MockCall
	Err   error
}

func (m *MockSMSSender) SendSMS(ctx context.Context, to, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.calls = append(m.calls, MockCall{To: to, Body: body})
	return nil
}

// Calls returns a copy of the recorded calls.
func (m *MockSMSSender) Calls() []MockCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MockCall, len(m.calls))
	copy(out, m.calls)
	return out
}
