package incidents

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/smtp"
	"strings"
)

// SMTPConfig addresses the relay used for incident mail.
type SMTPConfig struct {
	Host     string
	Port     string
	Username string
	Password string
	From     string
}

// SMTPSender delivers notifications as plain-text mail.
type SMTPSender struct {
	cfg  SMTPConfig
	send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// NewSMTPSender constructs SMTPSender.
func NewSMTPSender(cfg SMTPConfig) *SMTPSender {
	return &SMTPSender{cfg: cfg, send: smtp.SendMail}
}

// Send delivers msg. The context only guards against starting after
// cancellation; net/smtp has no per-call deadline.
func (s *SMTPSender) Send(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.ContainsAny(msg.Recipient, "\r\n") || strings.ContainsAny(msg.Subject, "\r\n") {
		return errors.New("smtp: header injection rejected")
	}
	body := fmt.Appendf(nil, "From: %s\r\nTo: %s\r\nSubject: %s\r\nX-Priority: %s\r\n\r\n%s\r\n",
		s.cfg.From, msg.Recipient, msg.Subject, xPriority(msg.Priority), msg.Body)

	var auth smtp.Auth
	if s.cfg.Username != "" {
		auth = smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Host)
	}
	addr := net.JoinHostPort(s.cfg.Host, s.cfg.Port)
	if err := s.send(addr, auth, s.cfg.From, []string{msg.Recipient}, body); err != nil {
		return fmt.Errorf("smtp: send to %s: %w", msg.Recipient, err)
	}
	return nil
}

func xPriority(p string) string {
	switch p {
	case "high":
		return "1"
	case "low":
		return "5"
	default:
		return "3"
	}
}

// LogSender writes notifications to the log. It is used when no relay is
// configured.
type LogSender struct {
	Logger *slog.Logger
}

// Send logs msg and always succeeds.
func (s LogSender) Send(ctx context.Context, msg Message) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("incident notification",
		slog.String("recipient", msg.Recipient),
		slog.String("subject", msg.Subject),
		slog.String("priority", msg.Priority),
	)
	return nil
}
