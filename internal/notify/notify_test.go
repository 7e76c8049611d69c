package notify

import (
	"context"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestConfirmationEmail(t *testing.T) {
	subject, body := ConfirmationEmail("Asha", "http://localhost:3000/confirm?token=abc", 24*time.Hour)
	if !strings.Contains(subject, "Confirm") {
		t.Errorf("subject = %q", subject)
	}
	for _, want := range []string{"Asha", "token=abc", "24 hours"} {
		if !strings.Contains(body, want) {
			t.Errorf("body missing %q:\n%s", want, body)
		}
	}

	_, body = ConfirmationEmail("", "link", time.Hour)
	if !strings.Contains(body, "farmer") || !strings.Contains(body, "1 hour") {
		t.Errorf("unexpected fallback body:\n%s", body)
	}
}

func TestCodeSMS(t *testing.T) {
	msg := CodeSMS("482913", 10*time.Minute)
	if !strings.HasPrefix(msg, "482913 ") || !strings.Contains(msg, "10 minutes") {
		t.Errorf("unexpected sms %q", msg)
	}
}

func TestHumanDuration(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{time.Minute, "1 minute"},
		{5 * time.Minute, "5 minutes"},
		{time.Hour, "1 hour"},
		{48 * time.Hour, "48 hours"},
		{90 * time.Second, "1m30s"},
	}
	for _, tc := range tests {
		if got := humanDuration(tc.d); got != tc.want {
			t.Errorf("humanDuration(%s) = %q, want %q", tc.d, got, tc.want)
		}
	}
}

func TestBuildMessage(t *testing.T) {
	msg := string(buildMessage("noreply@krishisetu.in", "a@b.com", "Hi", "body", time.Unix(0, 0).UTC()))
	if !strings.Contains(msg, "To: a@b.com\r\n") || !strings.HasSuffix(msg, "\r\n\r\nbody") {
		t.Errorf("malformed message:\n%q", msg)
	}
}

func TestLogSender_keepsCodesOutOfInfoLogs(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	s := NewLogSender(zap.New(core))

	if err := s.Send(context.Background(), "a@b.com", "Confirm", "open http://app/confirm?token=secret-tok"); err != nil {
		t.Fatal(err)
	}
	if err := s.SendSMS(context.Background(), "+919876543210", "Your code is 482913"); err != nil {
		t.Fatal(err)
	}

	if logs.Len() != 2 {
		t.Fatalf("expected 2 info entries, got %d", logs.Len())
	}
	for _, e := range logs.All() {
		for k, v := range e.ContextMap() {
			str, _ := v.(string)
			if strings.Contains(str, "482913") || strings.Contains(str, "secret-tok") || strings.Contains(str, "9876543210") {
				t.Errorf("%q: field %s leaks %q", e.Message, k, str)
			}
		}
	}
	if got := logs.FilterMessage("sms (not sent)").All()[0].ContextMap()["phone"]; got != "***3210" {
		t.Errorf("phone = %v, want masked", got)
	}
}

func TestLogSender_debugShowsBodies(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	s := NewLogSender(zap.New(core))

	if err := s.SendSMS(context.Background(), "+919876543210", "Your code is 482913"); err != nil {
		t.Fatal(err)
	}
	bodies := logs.FilterMessage("sms body").All()
	if len(bodies) != 1 || bodies[0].ContextMap()["body"] != "Your code is 482913" {
		t.Errorf("expected the body at debug level, got %+v", logs.All())
	}
}
