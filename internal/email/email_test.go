package email

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	mail "github.com/go-mail/mail"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"formline/internal/config"
)

func TestFromConfigFallsBackToLogSender(t *testing.T) {
	cfg := config.Default()
	cfg.SMTP.Host = ""
	_, ok := FromConfig(cfg).(LogSender)
	assert.True(t, ok)

	cfg.SMTP.Host = "smtp.example.com"
	cfg.SMTP.Port = 2525
	cfg.SMTP.TLSMode = "ssl"
	s, ok := FromConfig(cfg).(*SMTPSender)
	require.True(t, ok)
	assert.Equal(t, "ssl", s.TLSMode)
	assert.Equal(t, 2525, s.Port)
}

func TestSMTPSenderBuildsMultipartMessage(t *testing.T) {
	var captured bytes.Buffer
	s := NewSMTPSender("smtp.example.com", 587, "u", "p")
	s.dialFunc = func(d *mail.Dialer, m *mail.Message) error {
		assert.Equal(t, "smtp.example.com", d.Host)
		_, err := m.WriteTo(&captured)
		return err
	}
	err := s.Send(context.Background(), Message{
		From: "recruiter@example.com", To: "ada@example.com", Subject: "Candidate information request",
		Text: "plain body", HTML: "<p>html body</p>",
	})
	require.NoError(t, err)
	out := captured.String()
	assert.Contains(t, out, "Subject: Candidate information request")
	assert.Contains(t, out, "text/plain")
	assert.Contains(t, out, "text/html")
	assert.True(t, strings.Contains(out, "multipart/alternative"))
}

func TestSMTPSenderWrapsFailure(t *testing.T) {
	s := NewSMTPSender("smtp.example.com", 587, "", "")
	boom := errors.New("connection refused")
	s.dialFunc = func(*mail.Dialer, *mail.Message) error { return boom }
	err := s.Send(context.Background(), Message{From: "a@example.com", To: "b@example.com", Text: "x"})
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
}

func TestSMTPSenderHonorsCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s := NewSMTPSender("smtp.example.com", 587, "", "")
	s.dialFunc = func(*mail.Dialer, *mail.Message) error { t.Fatal("should not dial"); return nil }
	assert.ErrorIs(t, s.Send(ctx, Message{}), context.Canceled)
}
