package email

import (
	"context"
	"crypto/tls"
	"fmt"

	mail "github.com/go-mail/mail"
	"go.uber.org/zap"

	"formline/internal/config"
	"formline/internal/observability/logger"
)

// Message is one outbound mail with a plain text body and an optional HTML alternative.
type Message struct {
	From    string
	To      string
	Subject string
	Text    string
	HTML    string
}

type Sender interface {
	Send(ctx context.Context, m Message) error
}

// SMTPSender delivers mail through an SMTP relay.
type SMTPSender struct {
	Host     string
	Port     int
	User     string
	Pass     string
	TLSMode  string // "auto" | "starttls" | "ssl" | "none"
	dialFunc func(d *mail.Dialer, m *mail.Message) error
}

func NewSMTPSender(host string, port int, user, pass string) *SMTPSender {
	return &SMTPSender{Host: host, Port: port, User: user, Pass: pass, TLSMode: "auto"}
}

// FromConfig returns an SMTP sender, or a LogSender when no host is configured.
func FromConfig(cfg *config.Config) Sender {
	if cfg.SMTP.Host == "" {
		return LogSender{}
	}
	s := NewSMTPSender(cfg.SMTP.Host, cfg.SMTP.Port, cfg.SMTP.Username, cfg.SMTP.Password)
	if cfg.SMTP.TLSMode != "" {
		s.TLSMode = cfg.SMTP.TLSMode
	}
	return s
}

func (s *SMTPSender) Send(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	log := logger.Named("smtp").With(
		logger.String("host", s.Host),
		logger.Int("port", s.Port),
		logger.String("to", msg.To),
	)
	log.Debug("sending email", logger.String("from", msg.From), logger.String("subject", msg.Subject), logger.String("tls_mode", s.TLSMode))

	m := buildMessage(msg)
	d := mail.NewDialer(s.Host, s.Port, s.User, s.Pass)
	d.TLSConfig = &tls.Config{ServerName: s.Host}
	switch s.TLSMode {
	case "ssl":
		d.SSL = true
	case "none":
		d.TLSConfig = &tls.Config{InsecureSkipVerify: true}
	}

	send := s.dialFunc
	if send == nil {
		send = func(d *mail.Dialer, m *mail.Message) error { return d.DialAndSend(m) }
	}
	if err := send(d, m); err != nil {
		log.Error("smtp send failed", logger.Err(err))
		return fmt.Errorf("smtp send: %w", err)
	}
	log.Info("email sent")
	return nil
}

func buildMessage(msg Message) *mail.Message {
	m := mail.NewMessage()
	m.SetHeader("From", msg.From)
	m.SetHeader("To", msg.To)
	m.SetHeader("Subject", msg.Subject)
	if msg.Text != "" {
		m.SetBody("text/plain", msg.Text)
	}
	if msg.HTML != "" {
		if msg.Text == "" {
			m.SetBody("text/html", msg.HTML)
		} else {
			m.AddAlternative("text/html", msg.HTML)
		}
	}
	return m
}

// LogSender writes outbound mail to the log instead of delivering it.
type LogSender struct {
	Log *zap.Logger
}

func (s LogSender) Send(_ context.Context, msg Message) error {
	log := s.Log
	if log == nil {
		log = logger.Named("mail")
	}
	log.Info("email not delivered, smtp is not configured",
		logger.String("from", msg.From),
		logger.String("to", msg.To),
		logger.String("subject", msg.Subject),
	)
	return nil
}
