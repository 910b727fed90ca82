package email

import (
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"strings"

	"devlog.app/licenses/internal/config"
	"devlog.app/licenses/internal/logger"
)

var ErrNotConfigured = errors.New("SMTP configuration missing")

type Sender interface {
	Send(to, subject, body string) error
}

type SMTPSender struct {
	cfg config.SMTPConfig
}

func NewSMTPSender(cfg config.SMTPConfig) (*SMTPSender, error) {
	if cfg.Host == "" || cfg.Port == "" || cfg.Username == "" || cfg.Password == "" {
		return nil, ErrNotConfigured
	}
	return &SMTPSender{cfg: cfg}, nil
}

func (s *SMTPSender) Send(to, subject, body string) error {
	if strings.ContainsAny(to, "\r\n") || strings.ContainsAny(subject, "\r\n") {
		return fmt.Errorf("invalid header value for %q", to)
	}

	from := s.cfg.EmailFrom
	if from == "" {
		from = s.cfg.Username
	}

	auth := smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Host)

	msg := []byte(fmt.Sprintf("From: %s\r\n"+
		"To: %s\r\n"+
		"Subject: %s\r\n"+
		"MIME-Version: 1.0\r\n"+
		"Content-Type: text/plain; charset=UTF-8\r\n"+
		"\r\n"+
		"%s\r\n", from, to, subject, body))

	addr := net.JoinHostPort(s.cfg.Host, s.cfg.Port)
	if err := smtp.SendMail(addr, auth, from, []string{to}, msg); err != nil {
		logger.Error("SMTP delivery failed", map[string]interface{}{
			"error": err.Error(),
			"host":  s.cfg.Host,
		})
		return fmt.Errorf("send mail to %s: %w", to, err)
	}
	return nil
}

const LicenseSubject = "Your DevLog License Key"

// LicenseBody is the plain-text email delivered with a newly issued key.
func LicenseBody(email, licenseKey string) string {
	return fmt.Sprintf(`Hello,

Thank you for purchasing DevLog! Your payment has been processed successfully.

LICENSE DETAILS
Email: %s
License Key: %s

GETTING STARTED
1. Open DevLog
2. Go to Settings > License
3. Enter your license key: %s

NEED HELP?
If you have any questions, reply to this email.

Best regards,
The DevLog Team`, email, licenseKey, licenseKey)
}
