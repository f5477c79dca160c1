// Package notify delivers one-time codes to users out of band.
package notify

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"
)

// ErrNotConfigured is returned when no outbound mail server is configured.
var ErrNotConfigured = errors.New("mail delivery is not configured")

// Config describes the outbound SMTP relay.
type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// SMTPMailer sends plain-text code emails through an SMTP relay.
type SMTPMailer struct {
	cfg  Config
	send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

func NewSMTPMailer(cfg Config) *SMTPMailer {
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	if cfg.From == "" {
		cfg.From = cfg.Username
	}
	return &SMTPMailer{cfg: cfg, send: smtp.SendMail}
}

func (m *SMTPMailer) Configured() bool {
	return strings.TrimSpace(m.cfg.Host) != "" && strings.TrimSpace(m.cfg.From) != ""
}

// SendCode mails code to the given address. purpose is "signup" or "login".
func (m *SMTPMailer) SendCode(ctx context.Context, to, purpose, code string) error {
	if !m.Configured() {
		return ErrNotConfigured
	}
	if strings.ContainsAny(to, "\r\n") {
		return fmt.Errorf("invalid recipient address %q", to)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	var auth smtp.Auth
	if m.cfg.Username != "" {
		auth = smtp.PlainAuth("", m.cfg.Username, m.cfg.Password, m.cfg.Host)
	}

	addr := net.JoinHostPort(m.cfg.Host, strconv.Itoa(m.cfg.Port))
	if err := m.send(addr, auth, m.cfg.From, []string{to}, buildMessage(m.cfg.From, to, purpose, code)); err != nil {
		return fmt.Errorf("send %s code to %s: %w", purpose, to, err)
	}
	return nil
}

func buildMessage(from, to, purpose, code string) []byte {
	action := "complete your sign up"
	if purpose == "login" {
		action = "log in"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", to)
	fmt.Fprintf(&b, "Subject: Your Crater Detection verification code\r\n")
	fmt.Fprintf(&b, "Date: %s\r\n", time.Now().Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	b.WriteString("\r\n")
	fmt.Fprintf(&b, "Use the code %s to %s.\r\n", code, action)
	b.WriteString("The code expires in 5 minutes.\r\n")
	return []byte(b.String())
}
