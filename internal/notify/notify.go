// Package notify delivers operator alerts. CRITICAL alerts page the
// operator's inbox; delivery failures are logged and never block trading
// decisions.
package notify

import (
	"fmt"
	"net/smtp"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Level grades alert severity.
type Level string

const (
	LevelInfo     Level = "INFO"
	LevelWarning  Level = "WARNING"
	LevelCritical Level = "CRITICAL"
)

// Notifier delivers one alert. Implementations must not block the caller
// beyond their own delivery timeout.
type Notifier interface {
	Send(level Level, subject, body string, context map[string]string) error
}

// SMTPConfig configures the email sender.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	To       []string
}

// SMTP sends alerts by email with bounded retries.
type SMTP struct {
	cfg     SMTPConfig
	logger  *zap.Logger
	retries int
	backoff time.Duration

	// send is swappable for tests.
	send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

var _ Notifier = (*SMTP)(nil)

// NewSMTP creates an email notifier. Deliveries retry 3 times with a 5s
// pause between attempts.
func NewSMTP(cfg SMTPConfig, logger *zap.Logger) *SMTP {
	return &SMTP{
		cfg:     cfg,
		logger:  logger.Named("notify"),
		retries: 3,
		backoff: 5 * time.Second,
		send:    smtp.SendMail,
	}
}

// Send delivers one alert email.
func (s *SMTP) Send(level Level, subject, body string, context map[string]string) error {
	msg := s.compose(level, subject, body, context)
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	auth := smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Host)

	var lastErr error
	for attempt := 1; attempt <= s.retries; attempt++ {
		lastErr = s.send(addr, auth, s.cfg.From, s.cfg.To, msg)
		if lastErr == nil {
			return nil
		}
		s.logger.Warn("alert delivery failed",
			zap.Int("attempt", attempt),
			zap.String("level", string(level)),
			zap.Error(lastErr),
		)
		if attempt < s.retries {
			time.Sleep(s.backoff)
		}
	}
	return fmt.Errorf("notify: %d attempts failed: %w", s.retries, lastErr)
}

func (s *SMTP) compose(level Level, subject, body string, context map[string]string) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", s.cfg.From)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(s.cfg.To, ", "))
	fmt.Fprintf(&b, "Subject: [%s] %s\r\n", level, subject)
	b.WriteString("\r\n")
	b.WriteString(body)
	if len(context) > 0 {
		b.WriteString("\r\n\r\n--\r\n")
		keys := make([]string, 0, len(context))
		for k := range context {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "%s: %s\r\n", k, context[k])
		}
	}
	return []byte(b.String())
}

// Memory records alerts in process memory; tests and paper mode use it.
type Memory struct {
	mu     sync.Mutex
	alerts []Alert
}

// Alert is one recorded notification.
type Alert struct {
	Level   Level
	Subject string
	Body    string
	Context map[string]string
	At      time.Time
}

var _ Notifier = (*Memory)(nil)

// NewMemory creates an in-memory notifier.
func NewMemory() *Memory { return &Memory{} }

// Send records the alert.
func (m *Memory) Send(level Level, subject, body string, context map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alerts = append(m.alerts, Alert{
		Level: level, Subject: subject, Body: body, Context: context, At: time.Now().UTC(),
	})
	return nil
}

// Alerts returns a copy of everything recorded.
func (m *Memory) Alerts() []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Alert, len(m.alerts))
	copy(out, m.alerts)
	return out
}
