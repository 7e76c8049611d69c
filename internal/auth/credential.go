// Package auth drives the two sign-in channels against the identity gateway:
// email/password credentials and phone one-time codes.
package auth

import (
	"context"
	"regexp"
	"strings"

	"github.com/krishisetu/krishisetu/internal/session"
	"github.com/krishisetu/krishisetu/pkg/account"
	"go.uber.org/zap"
)

// MinPasswordLength is the shortest password accepted at registration.
const MinPasswordLength = 6

var emailPattern = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

// credentialGateway is the gateway surface consumed by CredentialAuthenticator.
type credentialGateway interface {
	RegisterWithPassword(ctx context.Context, email, password string, metadata map[string]string) (*account.Identity, error)
	AuthenticateWithPassword(ctx context.Context, email, password string) (*account.Session, error)
	ResendConfirmation(ctx context.Context, email string) error
}

// sessionStore is the part of session.Store the authenticators write to.
type sessionStore interface {
	Current() session.State
	Establish(ctx context.Context, sess *account.Session) session.State
	MarkPending(identity account.Identity) session.State
	SetProfile(p *account.Profile)
}

// CredentialAuthenticator registers and signs in email/password accounts.
type CredentialAuthenticator struct {
	gw     credentialGateway
	store  sessionStore
	logger *zap.Logger
}

// NewCredentialAuthenticator creates a CredentialAuthenticator.
func NewCredentialAuthenticator(gw credentialGateway, store sessionStore, logger *zap.Logger) *CredentialAuthenticator {
	return &CredentialAuthenticator{gw: gw, store: store, logger: logger}
}

type registerOptions struct {
	confirm    string
	hasConfirm bool
}

// RegisterOption customises Register.
type RegisterOption func(*registerOptions)

// WithConfirmation checks the password against a second typed copy.
func WithConfirmation(confirm string) RegisterOption {
	return func(o *registerOptions) {
		o.confirm = confirm
		o.hasConfirm = true
	}
}

// Register creates an email/password account. Input is validated before any
// gateway call. The gateway provisions the profile (welcome bonus, not
// completed) from the display name; the account stays pending until its
// email is confirmed.
func (a *CredentialAuthenticator) Register(ctx context.Context, email, password, displayName string, opts ...RegisterOption) (*account.Identity, error) {
	var o registerOptions
	for _, opt := range opts {
		opt(&o)
	}

	email = strings.TrimSpace(email)
	if err := validateRegistration(email, password, o); err != nil {
		return nil, err
	}

	identity, err := a.gw.RegisterWithPassword(ctx, email, password, map[string]string{
		"display_name": strings.TrimSpace(displayName),
	})
	if err != nil {
		return nil, gatewayError(err)
	}

	a.store.MarkPending(*identity)
	a.logger.Info("account registered, awaiting confirmation", zap.String("user_id", identity.ID))
	return identity, nil
}

// SignIn authenticates with email and password. The resulting state is
// returned even on ErrVerificationPending, which means the account exists but
// its email is unconfirmed.
func (a *CredentialAuthenticator) SignIn(ctx context.Context, email, password string) (session.State, error) {
	email = strings.TrimSpace(email)
	if email == "" || password == "" {
		return session.State{}, ErrMissingCredentials
	}

	sess, err := a.gw.AuthenticateWithPassword(ctx, email, password)
	if err != nil {
		return session.State{}, gatewayError(err)
	}

	st := a.store.Establish(ctx, sess)
	if st.Status == session.PendingVerification {
		return st, ErrVerificationPending
	}
	return st, nil
}

// ResendConfirmation asks the gateway to send a new confirmation link.
func (a *CredentialAuthenticator) ResendConfirmation(ctx context.Context, email string) error {
	email = strings.TrimSpace(email)
	if !emailPattern.MatchString(email) {
		return ErrMalformedEmail
	}
	if err := a.gw.ResendConfirmation(ctx, email); err != nil {
		return gatewayError(err)
	}
	return nil
}

func validateRegistration(email, password string, o registerOptions) error {
	if email == "" || password == "" {
		return ErrMissingCredentials
	}
	if !emailPattern.MatchString(email) {
		return ErrMalformedEmail
	}
	if len(password) < MinPasswordLength {
		return ErrPasswordTooShort
	}
	if o.hasConfirm && o.confirm != password {
		return ErrPasswordsDoNotMatch
	}
	return nil
}
