// Package alert sends operator alerts by email via SMTP.
package alert

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"net/smtp"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Config holds SMTP configuration
type Config struct {
	Host       string
	Port       string
	Username   string
	Password   string
	From       string
	FromName   string
	Recipients []string
	// MinInterval is the quiet period per alert key.
	MinInterval time.Duration
}

type sendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// Service sends alerts to a fixed recipient list. Repeats of the same key
// inside MinInterval are suppressed.
type Service struct {
	config Config
	server string
	auth   smtp.Auth
	send   sendFunc
	now    func() time.Time
	logger *zap.Logger

	mu   sync.Mutex
	last map[string]time.Time
}

// NewService creates a new alert service
func NewService(config Config, logger *zap.Logger) *Service {
	if config.MinInterval <= 0 {
		config.MinInterval = 15 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	var auth smtp.Auth
	if config.Username != "" {
		auth = smtp.PlainAuth("", config.Username, config.Password, config.Host)
	}
	return &Service{
		config: config,
		server: config.Host + ":" + config.Port,
		auth:   auth,
		send:   smtp.SendMail,
		now:    time.Now,
		logger: logger,
		last:   make(map[string]time.Time),
	}
}

// IsConfigured returns true if alert mail can be delivered
func (s *Service) IsConfigured() bool {
	return s.config.Host != "" && s.config.Port != "" && s.config.From != "" && len(s.config.Recipients) > 0
}

// Notify sends one alert. It returns nil without sending when the service
// is not configured or the key is inside its quiet period.
func (s *Service) Notify(ctx context.Context, key, subject, body string) error {
	if !s.IsConfigured() {
		s.logger.Warn("alert not sent: smtp not configured", zap.String("key", key), zap.String("subject", subject))
		return nil
	}
	if !s.allow(key) {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	html, err := renderTemplate(alertTemplate, alertData{
		AppName: "Tallyhall",
		Subject: subject,
		Lines:   strings.Split(strings.TrimSpace(body), "\n"),
		At:      s.now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("render alert template: %w", err)
	}
	msg := s.buildMessage("[tallyhall] "+subject, body, html)
	if err := s.send(s.server, s.auth, s.config.From, s.config.Recipients, msg); err != nil {
		s.forget(key)
		return fmt.Errorf("send alert: %w", err)
	}
	s.logger.Info("alert sent", zap.String("key", key), zap.Int("recipients", len(s.config.Recipients)))
	return nil
}

func (s *Service) allow(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if last, ok := s.last[key]; ok && now.Sub(last) < s.config.MinInterval {
		return false
	}
	s.last[key] = now
	return true
}

func (s *Service) forget(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.last, key)
}

func (s *Service) buildMessage(subject, textBody, htmlBody string) []byte {
	from := s.config.From
	if s.config.FromName != "" {
		from = fmt.Sprintf("%s <%s>", s.config.FromName, s.config.From)
	}
	boundary := "boundary-tallyhall"

	var msg bytes.Buffer
	fmt.Fprintf(&msg, "To: %s\r\n", strings.Join(s.config.Recipients, ", "))
	fmt.Fprintf(&msg, "From: %s\r\n", from)
	fmt.Fprintf(&msg, "Subject: %s\r\n", subject)
	fmt.Fprintf(&msg, "MIME-Version: 1.0\r\n")
	fmt.Fprintf(&msg, "Content-Type: multipart/alternative; boundary=\"%s\"\r\n", boundary)
	fmt.Fprintf(&msg, "\r\n")

	fmt.Fprintf(&msg, "--%s\r\n", boundary)
	fmt.Fprintf(&msg, "Content-Type: text/plain; charset=UTF-8\r\n")
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "%s\r\n", textBody)
	fmt.Fprintf(&msg, "\r\n")

	fmt.Fprintf(&msg, "--%s\r\n", boundary)
	fmt.Fprintf(&msg, "Content-Type: text/html; charset=UTF-8\r\n")
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "%s\r\n", htmlBody)
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "--%s--\r\n", boundary)
	return msg.Bytes()
}

type alertData struct {
	AppName string
	Subject string
	Lines   []string
	At      string
}

func renderTemplate(tmpl string, data any) (string, error) {
	t := template.Must(template.New("alert").Parse(tmpl))
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

const alertTemplate = `<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>{{.Subject}}</title>
    <style>
        body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 600px; margin: 0 auto; padding: 20px; }
        .header { border-bottom: 2px solid #b42318; padding-bottom: 10px; margin-bottom: 20px; }
        .detail { background: #fef3f2; padding: 12px; border-radius: 4px; margin: 20px 0; font-family: monospace; }
        .footer { margin-top: 30px; padding-top: 20px; border-top: 1px solid #eee; font-size: 12px; color: #666; }
    </style>
</head>
<body>
    <div class="header">
        <h1>{{.AppName}} alert</h1>
    </div>

    <h2>{{.Subject}}</h2>

    <div class="detail">
        {{range .Lines}}<div>{{.}}</div>{{end}}
    </div>

    <div class="footer">
        <p>Raised at {{.At}}. Repeats of this alert are suppressed for a while.</p>
    </div>
</body>
</html>`
