package auth_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/krishisetu/krishisetu/internal/auth"
	"github.com/krishisetu/krishisetu/internal/gatewaytest"
	"github.com/krishisetu/krishisetu/internal/session"
	"github.com/krishisetu/krishisetu/pkg/account"
	"github.com/krishisetu/krishisetu/pkg/client"
	"go.uber.org/zap"
)

func newOtpAuth(gw *gatewaytest.Gateway, cfg auth.OtpConfig) (*auth.OtpAuthenticator, *session.Store) {
	store := session.New(gw, session.Config{}, zap.NewNop())
	return auth.NewOtpAuthenticator(gw, store, cfg, zap.NewNop()), store
}

func TestNormalizePhone(t *testing.T) {
	tests := []struct {
		raw     string
		want    string
		wantErr bool
	}{
		{"9876543210", "+919876543210", false},
		{" 98765 43210 ", "+919876543210", false},
		{"+919876543210", "+919876543210", false},
		{"987654321", "", true},
		{"98765432101", "", true},
		{"98765-43210", "", true},
		{"abcdefghij", "", true},
		{"", "", true},
	}
	for _, tc := range tests {
		got, err := auth.NormalizePhone(tc.raw, auth.DefaultPhonePrefix)
		if tc.wantErr {
			if !errors.Is(err, auth.ErrMalformedPhone) {
				t.Errorf("NormalizePhone(%q): expected ErrMalformedPhone, got %v", tc.raw, err)
			}
			continue
		}
		if err != nil || got != tc.want {
			t.Errorf("NormalizePhone(%q) = %q, %v; want %q", tc.raw, got, err, tc.want)
		}
	}
}

func TestRequestCode_malformedPhoneNoGatewayCall(t *testing.T) {
	gw := gatewaytest.New()
	a, _ := newOtpAuth(gw, auth.OtpConfig{})

	if _, err := a.RequestCode(context.Background(), "12345"); !errors.Is(err, auth.ErrMalformedPhone) {
		t.Fatalf("expected ErrMalformedPhone, got %v", err)
	}
	if gw.TotalCalls() != 0 {
		t.Error("malformed phone reached the gateway")
	}
	if a.Challenge() != nil {
		t.Error("malformed phone created a challenge")
	}
}

func TestRequestCode_replacesChallenge(t *testing.T) {
	gw := gatewaytest.New()
	a, _ := newOtpAuth(gw, auth.OtpConfig{})
	ctx := context.Background()

	first, err := a.RequestCode(ctx, "9876543210")
	if err != nil {
		t.Fatal(err)
	}
	firstCode := gw.LastCode("+919876543210")

	second, err := a.RequestCode(ctx, "9123456780")
	if err != nil {
		t.Fatal(err)
	}

	live := a.Challenge()
	if live == nil || live.Phone != "+919123456780" || live.Phone != second.Phone {
		t.Fatalf("expected live challenge for second number, got %+v", live)
	}

	_, err = a.VerifyChallenge(ctx, first, firstCode)
	if !errors.Is(err, auth.ErrNoActiveChallenge) {
		t.Fatalf("expected ErrNoActiveChallenge, got %v", err)
	}
	if gw.Calls("VerifyPhoneCode") != 0 {
		t.Error("verification against a replaced challenge reached the gateway")
	}
	if a.Challenge() == nil {
		t.Error("a rejected stale verification must not drop the live challenge")
	}
}

func TestRequestCode_resendSameNumber(t *testing.T) {
	gw := gatewaytest.New()
	a, _ := newOtpAuth(gw, auth.OtpConfig{})
	ctx := context.Background()

	old, _ := a.RequestCode(ctx, "9876543210")
	oldCode := gw.LastCode("+919876543210")
	if _, err := a.RequestCode(ctx, "9876543210"); err != nil {
		t.Fatal(err)
	}
	newCode := gw.LastCode("+919876543210")
	if oldCode == newCode {
		t.Fatal("resend should issue a fresh code")
	}

	if _, err := a.VerifyChallenge(ctx, old, newCode); !errors.Is(err, auth.ErrNoActiveChallenge) {
		t.Errorf("old handle should be dead, got %v", err)
	}
	st, err := a.VerifyCode(ctx, newCode)
	if err != nil {
		t.Fatalf("VerifyCode: %v", err)
	}
	if st.Status != session.Active {
		t.Errorf("expected active, got %v", st.Status)
	}
}

func TestRequestCode_gatewayFailureDropsChallenge(t *testing.T) {
	gw := gatewaytest.New()
	gw.SetError("RequestPhoneCode", errors.New("sms provider down"))
	a, _ := newOtpAuth(gw, auth.OtpConfig{})

	if _, err := a.RequestCode(context.Background(), "9876543210"); !errors.Is(err, auth.ErrGateway) {
		t.Fatalf("expected ErrGateway, got %v", err)
	}
	if a.Challenge() != nil {
		t.Error("failed dispatch left a live challenge")
	}
}

func TestVerifyCode_wrongLengthNoGatewayCall(t *testing.T) {
	gw := gatewaytest.New()
	a, _ := newOtpAuth(gw, auth.OtpConfig{})
	ctx := context.Background()
	if _, err := a.RequestCode(ctx, "9876543210"); err != nil {
		t.Fatal(err)
	}

	for _, code := range []string{"", "1", "12345", "1234567", "12a456"} {
		if _, err := a.VerifyCode(ctx, code); !errors.Is(err, auth.ErrMalformedCode) {
			t.Errorf("VerifyCode(%q): expected ErrMalformedCode, got %v", code, err)
		}
	}
	if gw.Calls("VerifyPhoneCode") != 0 {
		t.Error("malformed code reached the gateway")
	}
	if a.Challenge() == nil {
		t.Error("malformed code dropped the challenge")
	}
}

func TestVerifyCode_noChallenge(t *testing.T) {
	a, _ := newOtpAuth(gatewaytest.New(), auth.OtpConfig{})
	if _, err := a.VerifyCode(context.Background(), "123456"); !errors.Is(err, auth.ErrNoActiveChallenge) {
		t.Fatalf("expected ErrNoActiveChallenge, got %v", err)
	}
}

func TestVerifyCode_invalidKeepsChallenge(t *testing.T) {
	gw := gatewaytest.New()
	a, store := newOtpAuth(gw, auth.OtpConfig{})
	ctx := context.Background()
	a.RequestCode(ctx, "9876543210")

	if _, err := a.VerifyCode(ctx, "000000"); !errors.Is(err, auth.ErrInvalidCode) {
		t.Fatalf("expected ErrInvalidCode, got %v", err)
	}
	if a.Challenge() == nil {
		t.Error("a wrong code should leave the challenge open for another try")
	}
	if store.Current().Status != session.SignedOut {
		t.Error("wrong code changed session state")
	}
}

func TestVerifyCode_firstTimeProvisionsProfile(t *testing.T) {
	gw := gatewaytest.New()
	a, store := newOtpAuth(gw, auth.OtpConfig{})
	ctx := context.Background()

	a.RequestCode(ctx, "9876543210")
	st, err := a.VerifyCode(ctx, gw.LastCode("+919876543210"))
	if err != nil {
		t.Fatalf("VerifyCode: %v", err)
	}
	if st.Status != session.Active {
		t.Fatalf("expected active, got %v", st.Status)
	}
	if st.Profile == nil || st.Profile.Points != account.WelcomeBonus || st.Profile.Level != 1 || st.Profile.Completed {
		t.Errorf("unexpected first-time profile: %+v", st.Profile)
	}
	if a.Challenge() != nil {
		t.Error("successful verification should destroy the challenge")
	}
	if gw.Profile(st.Identity.ID) == nil {
		t.Error("profile not persisted")
	}
	if store.Current().Profile == nil {
		t.Error("store missing profile")
	}
}

func TestVerifyCode_returningUserKeepsProfile(t *testing.T) {
	gw := gatewaytest.New()
	a, store := newOtpAuth(gw, auth.OtpConfig{})
	ctx := context.Background()

	a.RequestCode(ctx, "9876543210")
	first, err := a.VerifyCode(ctx, gw.LastCode("+919876543210"))
	if err != nil {
		t.Fatal(err)
	}
	points := 420
	done := true
	gw.UpdateProfile(ctx, first.Identity.ID, account.ProfileFields{Points: &points, Completed: &done})
	store.SignOut(ctx)

	a.RequestCode(ctx, "9876543210")
	again, err := a.VerifyCode(ctx, gw.LastCode("+919876543210"))
	if err != nil {
		t.Fatal(err)
	}
	if gw.Calls("CreateProfile") != 1 {
		t.Errorf("returning user re-provisioned profile (%d creates)", gw.Calls("CreateProfile"))
	}
	if again.Profile == nil || again.Profile.Points != 420 || !again.Profile.Completed {
		t.Errorf("expected existing profile, got %+v", again.Profile)
	}
}

func TestVerifyCode_expiredLocally(t *testing.T) {
	gw := gatewaytest.New()
	now := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	a, _ := newOtpAuth(gw, auth.OtpConfig{CodeTTL: time.Minute, Now: func() time.Time { return now }})
	ctx := context.Background()

	a.RequestCode(ctx, "9876543210")
	now = now.Add(2 * time.Minute)

	if _, err := a.VerifyCode(ctx, gw.LastCode("+919876543210")); !errors.Is(err, auth.ErrCodeExpired) {
		t.Fatalf("expected ErrCodeExpired, got %v", err)
	}
	if a.Challenge() != nil {
		t.Error("expired challenge should be destroyed")
	}
	if gw.Calls("VerifyPhoneCode") != 0 {
		t.Error("locally expired code reached the gateway")
	}
}

func TestVerifyCode_expiredAtGateway(t *testing.T) {
	gw := gatewaytest.New()
	a, _ := newOtpAuth(gw, auth.OtpConfig{})
	ctx := context.Background()

	a.RequestCode(ctx, "9876543210")
	gw.ExpireCode("+919876543210")

	if _, err := a.VerifyCode(ctx, gw.LastCode("+919876543210")); !errors.Is(err, auth.ErrCodeExpired) {
		t.Fatalf("expected ErrCodeExpired, got %v", err)
	}
	if a.Challenge() != nil {
		t.Error("expired challenge should be destroyed")
	}
}

func TestVerifyCode_lateResultKeepsNewerChallenge(t *testing.T) {
	gw := gatewaytest.New()
	a, _ := newOtpAuth(gw, auth.OtpConfig{})
	ctx := context.Background()

	a.RequestCode(ctx, "9876543210")
	code := gw.LastCode("+919876543210")

	// While the verification is in flight the user asks for a code for a
	// different number.
	gw.BeforeVerify = func(string, string) {
		gw.BeforeVerify = nil
		if _, err := a.RequestCode(ctx, "9123456780"); err != nil {
			t.Errorf("RequestCode: %v", err)
		}
	}
	if _, err := a.VerifyCode(ctx, code); err != nil {
		t.Fatalf("VerifyCode: %v", err)
	}

	live := a.Challenge()
	if live == nil || live.Phone != "+919123456780" {
		t.Errorf("late result for the old challenge dropped the new one: %+v", live)
	}
}

func TestCancel(t *testing.T) {
	gw := gatewaytest.New()
	a, _ := newOtpAuth(gw, auth.OtpConfig{})
	ctx := context.Background()

	a.RequestCode(ctx, "9876543210")
	a.Cancel()
	if a.Challenge() != nil {
		t.Fatal("Cancel left a live challenge")
	}
	if _, err := a.VerifyCode(ctx, gw.LastCode("+919876543210")); !errors.Is(err, auth.ErrNoActiveChallenge) {
		t.Errorf("expected ErrNoActiveChallenge after cancel, got %v", err)
	}
}

func TestRequestCode_rateLimited(t *testing.T) {
	gw := gatewaytest.New()
	a, _ := newOtpAuth(gw, auth.OtpConfig{})
	gw.SetError("RequestPhoneCode", client.ErrRateLimited)

	_, err := a.RequestCode(context.Background(), "9876543210")
	if !errors.Is(err, auth.ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
}
