package auth_test

import (
	"context"
	"errors"
	"testing"

	"github.com/krishisetu/krishisetu/internal/auth"
	"github.com/krishisetu/krishisetu/internal/gatewaytest"
	"github.com/krishisetu/krishisetu/internal/session"
	"github.com/krishisetu/krishisetu/pkg/account"
	"go.uber.org/zap"
)

func newCredentialAuth(gw *gatewaytest.Gateway, cfg session.Config) (*auth.CredentialAuthenticator, *session.Store) {
	store := session.New(gw, cfg, zap.NewNop())
	return auth.NewCredentialAuthenticator(gw, store, zap.NewNop()), store
}

func TestRegister_validationNeverReachesGateway(t *testing.T) {
	tests := []struct {
		name     string
		email    string
		password string
		opts     []auth.RegisterOption
		want     error
	}{
		{"empty email", "", "secret1", nil, auth.ErrMissingCredentials},
		{"empty password", "a@b.com", "", nil, auth.ErrMissingCredentials},
		{"no at sign", "ab.com", "secret1", nil, auth.ErrMalformedEmail},
		{"no dot in domain", "a@b", "secret1", nil, auth.ErrMalformedEmail},
		{"space inside", "a b@c.com", "secret1", nil, auth.ErrMalformedEmail},
		{"one char", "a@b.com", "s", nil, auth.ErrPasswordTooShort},
		{"five chars", "a@b.com", "12345", nil, auth.ErrPasswordTooShort},
		{"mismatched confirmation", "a@b.com", "secret1", []auth.RegisterOption{auth.WithConfirmation("secret2")}, auth.ErrPasswordsDoNotMatch},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			gw := gatewaytest.New()
			a, _ := newCredentialAuth(gw, session.Config{})

			_, err := a.Register(context.Background(), tc.email, tc.password, "A", tc.opts...)
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
			if auth.KindOf(err) != auth.KindValidation {
				t.Errorf("expected validation kind, got %v", auth.KindOf(err))
			}
			if n := gw.TotalCalls(); n != 0 {
				t.Errorf("validation failure issued %d gateway calls", n)
			}
		})
	}
}

func TestRegister_leavesPendingWithProfile(t *testing.T) {
	gw := gatewaytest.New()
	a, store := newCredentialAuth(gw, session.Config{})

	id, err := a.Register(context.Background(), " a@b.com ", "secret1", "A", auth.WithConfirmation("secret1"))
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if id.Email != "a@b.com" {
		t.Errorf("email not trimmed: %q", id.Email)
	}
	st := store.Current()
	if st.Status != session.PendingVerification || st.Identity.ID != id.ID {
		t.Errorf("expected pending for new identity, got %+v", st)
	}
	p := gw.Profile(id.ID)
	if p == nil || p.Points != account.WelcomeBonus || p.Completed || p.DisplayName != "A" {
		t.Errorf("unexpected provisioned profile: %+v", p)
	}
}

func TestRegister_duplicateEmail(t *testing.T) {
	gw := gatewaytest.New()
	gw.AddUser("a@b.com", "secret1", true)
	a, store := newCredentialAuth(gw, session.Config{})

	_, err := a.Register(context.Background(), "a@b.com", "secret1", "A")
	if !errors.Is(err, auth.ErrAccountExists) {
		t.Fatalf("expected ErrAccountExists, got %v", err)
	}
	if auth.KindOf(err) != auth.KindGateway {
		t.Errorf("expected gateway kind, got %v", auth.KindOf(err))
	}
	if st := store.Current(); st.Status != session.SignedOut {
		t.Errorf("failed registration changed state: %v", st.Status)
	}
}

func TestSignIn_missingFields(t *testing.T) {
	gw := gatewaytest.New()
	a, _ := newCredentialAuth(gw, session.Config{})

	for _, in := range [][2]string{{"", "secret1"}, {"a@b.com", ""}, {"   ", "x"}} {
		if _, err := a.SignIn(context.Background(), in[0], in[1]); !errors.Is(err, auth.ErrMissingCredentials) {
			t.Errorf("SignIn(%q, %q): expected ErrMissingCredentials, got %v", in[0], in[1], err)
		}
	}
	if gw.TotalCalls() != 0 {
		t.Error("empty fields reached the gateway")
	}
}

func TestSignIn_invalidCredentials(t *testing.T) {
	gw := gatewaytest.New()
	gw.AddUser("a@b.com", "secret1", true)
	a, store := newCredentialAuth(gw, session.Config{})

	_, err := a.SignIn(context.Background(), "a@b.com", "wrong-password")
	if !errors.Is(err, auth.ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
	if store.Current().Status != session.SignedOut {
		t.Error("failed sign-in changed state")
	}
}

func TestSignIn_unconfirmedIsPending(t *testing.T) {
	gw := gatewaytest.New()
	gw.AddUser("a@b.com", "secret1", false)
	a, store := newCredentialAuth(gw, session.Config{})

	st, err := a.SignIn(context.Background(), "a@b.com", "secret1")
	if !errors.Is(err, auth.ErrVerificationPending) {
		t.Fatalf("expected ErrVerificationPending, got %v", err)
	}
	if auth.KindOf(err) != auth.KindVerificationPending {
		t.Errorf("expected verification-pending kind, got %v", auth.KindOf(err))
	}
	if st.Status != session.PendingVerification || store.Current().Status != session.PendingVerification {
		t.Errorf("expected pending, got %v / %v", st.Status, store.Current().Status)
	}
}

func TestSignIn_unconfirmedDevModeIsActive(t *testing.T) {
	gw := gatewaytest.New()
	gw.AddUser("a@b.com", "secret1", false)
	a, _ := newCredentialAuth(gw, session.Config{DevMode: true})

	st, err := a.SignIn(context.Background(), "a@b.com", "secret1")
	if err != nil {
		t.Fatalf("SignIn: %v", err)
	}
	if st.Status != session.Active {
		t.Errorf("expected active in dev mode, got %v", st.Status)
	}
}

func TestSignIn_gatewayFailure(t *testing.T) {
	gw := gatewaytest.New()
	gw.SetError("AuthenticateWithPassword", errors.New("connection refused"))
	a, _ := newCredentialAuth(gw, session.Config{})

	_, err := a.SignIn(context.Background(), "a@b.com", "secret1")
	if !errors.Is(err, auth.ErrGateway) {
		t.Fatalf("expected ErrGateway, got %v", err)
	}
	if errors.Is(err, auth.ErrInvalidCredentials) {
		t.Error("network failure must not look like bad credentials")
	}
}

func TestResendConfirmation(t *testing.T) {
	gw := gatewaytest.New()
	gw.AddUser("a@b.com", "secret1", false)
	a, _ := newCredentialAuth(gw, session.Config{})

	if err := a.ResendConfirmation(context.Background(), "not-an-email"); !errors.Is(err, auth.ErrMalformedEmail) {
		t.Fatalf("expected ErrMalformedEmail, got %v", err)
	}
	if err := a.ResendConfirmation(context.Background(), "a@b.com"); err != nil {
		t.Fatalf("ResendConfirmation: %v", err)
	}
	if gw.Calls("ResendConfirmation") != 1 {
		t.Error("expected one gateway call")
	}
}

func TestRegisterConfirmSignIn_endToEnd(t *testing.T) {
	gw := gatewaytest.New()
	a, store := newCredentialAuth(gw, session.Config{})
	ctx := context.Background()

	if _, err := a.Register(ctx, "a@b.com", "secret1", "A"); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if st := store.Current(); st.Status != session.PendingVerification {
		t.Fatalf("expected pending after register, got %v", st.Status)
	}

	gw.ConfirmAccount("a@b.com")

	st, err := a.SignIn(ctx, "a@b.com", "secret1")
	if err != nil {
		t.Fatalf("SignIn: %v", err)
	}
	if st.Status != session.Active {
		t.Fatalf("expected active, got %v", st.Status)
	}
	p := st.Profile
	if p == nil {
		t.Fatal("expected a profile after sign-in")
	}
	if p.Completed || p.Points != 100 || p.Level != 1 {
		t.Errorf("expected incomplete profile with 100 points at level 1, got %+v", p)
	}
}

func TestKindOf(t *testing.T) {
	if auth.KindOf(nil) != 0 {
		t.Error("nil should have no kind")
	}
	if auth.KindOf(errors.New("x")) != auth.KindGateway {
		t.Error("foreign errors are gateway failures")
	}
	if auth.KindOf(auth.ErrNoActiveChallenge) != auth.KindState {
		t.Error("no-active-challenge is a state error")
	}
}
