package mail

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"gopkg.in/gomail.v2"
)

func TestNewSMTPMailerValidatesConfig(t *testing.T) {
	_, err := NewSMTPMailer(SMTPSettings{Enabled: true})
	if err == nil || !strings.Contains(err.Error(), "host is required") {
		t.Fatalf("expected host validation error, got %v", err)
	}

	_, err = NewSMTPMailer(SMTPSettings{Enabled: true, Host: "smtp.example.com"})
	if err == nil || !strings.Contains(err.Error(), "port is required") {
		t.Fatalf("expected port validation error, got %v", err)
	}

	mailer, err := NewSMTPMailer(SMTPSettings{Enabled: false})
	if err != nil {
		t.Fatalf("expected disabled configuration to succeed: %v", err)
	}
	if mailer == nil {
		t.Fatal("expected mailer to be returned")
	}
}

func TestSMTPMailerSendDisabled(t *testing.T) {
	mailer, err := NewSMTPMailer(SMTPSettings{Enabled: false})
	if err != nil {
		t.Fatalf("unexpected error creating mailer: %v", err)
	}

	err = mailer.Send(context.Background(), Message{
		To:      []string{"test@example.com"},
		Subject: "Test",
		Body:    "Hello",
	})
	if !errors.Is(err, ErrSMTPDisabled) {
		t.Fatalf("expected ErrSMTPDisabled, got %v", err)
	}
}

func newTestMailer(fn sendFunc) *smtpMailer {
	return &smtpMailer{
		cfg: SMTPSettings{
			Enabled: true,
			Host:    "smtp.example.com",
			Port:    587,
			From:    "noreply@example.com",
			Timeout: time.Second,
		},
		sendFn: fn,
	}
}

func TestSMTPMailerSendBuildsMessage(t *testing.T) {
	var rendered bytes.Buffer
	mailer := newTestMailer(func(cfg SMTPSettings, msg *gomail.Message) error {
		_, err := msg.WriteTo(&rendered)
		return err
	})

	err := mailer.Send(context.Background(), Message{
		To:      []string{"alice@example.com", " alice@example.com ", ""},
		Subject: "Code\r\nInjected: yes",
		Body:    "Your code is 123456",
	})
	if err != nil {
		t.Fatalf("unexpected send error: %v", err)
	}

	content := rendered.String()
	if !strings.Contains(content, "From: noreply@example.com") {
		t.Fatalf("expected default from header, got %q", content)
	}
	if strings.Count(content, "alice@example.com") != 1 {
		t.Fatalf("expected deduplicated recipient, got %q", content)
	}
	if strings.Contains(content, "\r\nInjected: yes") {
		t.Fatalf("expected subject to be sanitised, got %q", content)
	}
	if !strings.Contains(content, "Your code is 123456") {
		t.Fatalf("expected body, got %q", content)
	}
}

func TestSMTPMailerSendRejectsInvalidAddresses(t *testing.T) {
	called := false
	mailer := newTestMailer(func(SMTPSettings, *gomail.Message) error {
		called = true
		return nil
	})

	if err := mailer.Send(context.Background(), Message{}); err == nil {
		t.Fatal("expected missing recipient error")
	}
	if err := mailer.Send(context.Background(), Message{To: []string{"not-an-address"}}); err == nil {
		t.Fatal("expected invalid recipient error")
	}
	if called {
		t.Fatal("expected send to be skipped for invalid messages")
	}
}

func TestSMTPMailerSendWrapsTransportError(t *testing.T) {
	boom := errors.New("connection refused")
	mailer := newTestMailer(func(SMTPSettings, *gomail.Message) error {
		return boom
	})

	err := mailer.Send(context.Background(), Message{To: []string{"bob@example.com"}, Body: "hi"})
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped transport error, got %v", err)
	}
}

func TestSMTPMailerSendHonoursContext(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	mailer := newTestMailer(func(SMTPSettings, *gomail.Message) error {
		<-release
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := mailer.Send(ctx, Message{To: []string{"bob@example.com"}, Body: "hi"})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context cancellation, got %v", err)
	}
}

func TestEscapeHeader(t *testing.T) {
	if got := escapeHeader("Subject\r\nBreak"); got != "Subject  Break" {
		t.Fatalf("unexpected escaped header %q", got)
	}
}
