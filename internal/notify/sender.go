// Package notify delivers confirmation links by email and one-time codes by
// SMS. Development deployments use LogSender, which writes every message to
// the log instead of sending it.
package notify

import (
	"context"
	"fmt"
	"time"
)

// EmailSender delivers transactional email.
type EmailSender interface {
	Send(ctx context.Context, to, subject, body string) error
}

// SMSSender delivers a text message to an E.164 phone number.
type SMSSender interface {
	SendSMS(ctx context.Context, phone, body string) error
}

// ConfirmationEmail renders the email that carries a confirmation link.
func ConfirmationEmail(displayName, link string, ttl time.Duration) (subject, body string) {
	if displayName == "" {
		displayName = "farmer"
	}
	subject = "Confirm your KrishiSetu account"
	body = fmt.Sprintf(
		"Namaste %s,\n\nConfirm your email to start using KrishiSetu:\n\n  %s\n\nThis link expires in %s.\n\nIf you did not sign up, ignore this email.\n",
		displayName, link, humanDuration(ttl),
	)
	return subject, body
}

// CodeSMS renders the text message that carries a one-time code.
func CodeSMS(code string, ttl time.Duration) string {
	return fmt.Sprintf("%s is your KrishiSetu sign-in code. It expires in %s. Do not share it.", code, humanDuration(ttl))
}

func humanDuration(d time.Duration) string {
	switch {
	case d >= time.Hour && d%time.Hour == 0:
		if d == time.Hour {
			return "1 hour"
		}
		return fmt.Sprintf("%d hours", d/time.Hour)
	case d >= time.Minute && d%time.Minute == 0:
		if d == time.Minute {
			return "1 minute"
		}
		return fmt.Sprintf("%d minutes", d/time.Minute)
	default:
		return d.String()
	}
}
