package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charlesng35/authcore/pkg/mail"
)

// Notifier delivers account emails.
type Notifier interface {
	SendOTP(ctx context.Context, to, code string) error
	SendPasswordReset(ctx context.Context, to, resetURL string) error
}

// MailNotifier renders account emails and hands them to a mail.Mailer.
type MailNotifier struct {
	mailer  mail.Mailer
	appName string
	window  time.Duration
}

// NewMailNotifier wraps mailer. appName is used in subjects and bodies.
func NewMailNotifier(mailer mail.Mailer, appName string, otpWindow time.Duration) (*MailNotifier, error) {
	if mailer == nil {
		return nil, errors.New("notifier: mailer is required")
	}
	appName = strings.TrimSpace(appName)
	if appName == "" {
		appName = "authcore"
	}
	if otpWindow <= 0 {
		otpWindow = DefaultOTPWindow
	}
	return &MailNotifier{mailer: mailer, appName: appName, window: otpWindow}, nil
}

func (n *MailNotifier) SendOTP(ctx context.Context, to, code string) error {
	minutes := int(n.window.Minutes())
	return n.send(ctx, mail.Message{
		To:      []string{to},
		Subject: fmt.Sprintf("Your %s verification code", n.appName),
		Body: fmt.Sprintf("Your verification code is %s.\n\nIt expires in %d minutes. If you did not create a %s account, you can ignore this message.\n",
			code, minutes, n.appName),
		HTMLBody: fmt.Sprintf("<p>Your verification code is <strong>%s</strong>.</p><p>It expires in %d minutes.</p>",
			code, minutes),
	})
}

func (n *MailNotifier) SendPasswordReset(ctx context.Context, to, resetURL string) error {
	return n.send(ctx, mail.Message{
		To:      []string{to},
		Subject: fmt.Sprintf("Reset your %s password", n.appName),
		Body: fmt.Sprintf("We received a request to reset your password.\n\nUse the link below to choose a new one:\n%s\n\nIf you did not request this change, you can ignore this message.\n",
			resetURL),
		HTMLBody: fmt.Sprintf("<p>We received a request to reset your password.</p><p><a href=\"%s\">Choose a new password</a></p>",
			resetURL),
	})
}

func (n *MailNotifier) send(ctx context.Context, msg mail.Message) error {
	if err := n.mailer.Send(ctx, msg); err != nil && !errors.Is(err, mail.ErrSMTPDisabled) {
		return fmt.Errorf("notifier: send email: %w", err)
	}
	return nil
}
