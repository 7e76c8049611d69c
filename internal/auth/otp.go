package auth

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/krishisetu/krishisetu/internal/session"
	"github.com/krishisetu/krishisetu/pkg/account"
	"github.com/krishisetu/krishisetu/pkg/client"
	"go.uber.org/zap"
)

const (
	DefaultPhonePrefix = "+91"
	DefaultCodeLength  = 6
	DefaultCodeTTL     = 10 * time.Minute
	phoneDigits        = 10
)

// otpGateway is the gateway surface consumed by OtpAuthenticator.
type otpGateway interface {
	RequestPhoneCode(ctx context.Context, e164Phone string) error
	VerifyPhoneCode(ctx context.Context, e164Phone, code string) (*account.Session, error)
	CreateProfile(ctx context.Context, userID string, fields account.ProfileFields) (*account.Profile, error)
}

// OtpConfig tunes OtpAuthenticator. Zero fields take the defaults above.
type OtpConfig struct {
	PhonePrefix string
	CodeLength  int
	CodeTTL     time.Duration
	Now         func() time.Time
}

// Challenge is an outstanding one-time-code request for a single phone
// number. A Challenge returned by RequestCode stays a valid handle after it
// is replaced; verifying against it then fails with ErrNoActiveChallenge.
type Challenge struct {
	Phone      string
	CodeLength int
	IssuedAt   time.Time
	ExpiresAt  time.Time
}

// OtpAuthenticator signs in (and on first use registers) phone accounts.
// At most one challenge is live at a time.
type OtpAuthenticator struct {
	gw     otpGateway
	store  sessionStore
	cfg    OtpConfig
	logger *zap.Logger

	mu      sync.Mutex
	current *Challenge
}

// NewOtpAuthenticator creates an OtpAuthenticator.
func NewOtpAuthenticator(gw otpGateway, store sessionStore, cfg OtpConfig, logger *zap.Logger) *OtpAuthenticator {
	if cfg.PhonePrefix == "" {
		cfg.PhonePrefix = DefaultPhonePrefix
	}
	if cfg.CodeLength <= 0 {
		cfg.CodeLength = DefaultCodeLength
	}
	if cfg.CodeTTL <= 0 {
		cfg.CodeTTL = DefaultCodeTTL
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &OtpAuthenticator{gw: gw, store: store, cfg: cfg, logger: logger}
}

// NormalizePhone turns a 10-digit national number into E.164 with prefix.
// Whitespace is ignored, and a number that already carries prefix is accepted.
func NormalizePhone(raw, prefix string) (string, error) {
	digits := strings.Join(strings.Fields(raw), "")
	digits = strings.TrimPrefix(digits, prefix)
	if len(digits) != phoneDigits || !allDigits(digits) {
		return "", ErrMalformedPhone
	}
	return prefix + digits, nil
}

// RequestCode replaces any live challenge with one for rawPhone and asks the
// gateway to send a code. Resending is another RequestCode for the same
// number. The replacement happens before the gateway call; if the call
// fails the new challenge is dropped.
func (a *OtpAuthenticator) RequestCode(ctx context.Context, rawPhone string) (*Challenge, error) {
	phone, err := NormalizePhone(rawPhone, a.cfg.PhonePrefix)
	if err != nil {
		return nil, err
	}

	now := a.cfg.Now()
	ch := &Challenge{
		Phone:      phone,
		CodeLength: a.cfg.CodeLength,
		IssuedAt:   now,
		ExpiresAt:  now.Add(a.cfg.CodeTTL),
	}
	a.mu.Lock()
	if a.current != nil {
		a.logger.Debug("replacing one-time-code challenge", zap.String("phone", a.current.Phone))
	}
	a.current = ch
	a.mu.Unlock()

	if err := a.gw.RequestPhoneCode(ctx, phone); err != nil {
		a.drop(ch)
		return nil, gatewayError(err)
	}
	return ch, nil
}

// VerifyCode checks code against the live challenge.
func (a *OtpAuthenticator) VerifyCode(ctx context.Context, code string) (session.State, error) {
	return a.verify(ctx, nil, code)
}

// VerifyChallenge checks code against ch, which must still be the live
// challenge.
func (a *OtpAuthenticator) VerifyChallenge(ctx context.Context, ch *Challenge, code string) (session.State, error) {
	if ch == nil {
		return session.State{}, ErrNoActiveChallenge
	}
	return a.verify(ctx, ch, code)
}

// Challenge returns a copy of the live challenge, or nil.
func (a *OtpAuthenticator) Challenge() *Challenge {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.current == nil {
		return nil
	}
	cp := *a.current
	return &cp
}

// Cancel discards the live challenge, if any.
func (a *OtpAuthenticator) Cancel() {
	a.mu.Lock()
	a.current = nil
	a.mu.Unlock()
}

func (a *OtpAuthenticator) verify(ctx context.Context, want *Challenge, code string) (session.State, error) {
	code = strings.TrimSpace(code)
	if len(code) != a.cfg.CodeLength || !allDigits(code) {
		return session.State{}, ErrMalformedCode
	}

	a.mu.Lock()
	ch := a.current
	if ch == nil || (want != nil && want != ch) {
		a.mu.Unlock()
		return session.State{}, ErrNoActiveChallenge
	}
	if a.cfg.Now().After(ch.ExpiresAt) {
		a.current = nil
		a.mu.Unlock()
		return session.State{}, ErrCodeExpired
	}
	a.mu.Unlock()

	sess, err := a.gw.VerifyPhoneCode(ctx, ch.Phone, code)
	if err != nil {
		if errors.Is(err, client.ErrCodeExpired) {
			a.drop(ch)
		}
		return session.State{}, gatewayError(err)
	}
	// A newer challenge requested while this call was in flight stays live.
	a.drop(ch)

	st := a.store.Establish(ctx, sess)
	if sess.Created {
		a.provisionProfile(ctx, sess.User.ID)
		st = a.store.Current()
	}
	if st.Status == session.PendingVerification {
		return st, ErrVerificationPending
	}
	return st, nil
}

// drop clears ch if it is still the live challenge.
func (a *OtpAuthenticator) drop(ch *Challenge) {
	a.mu.Lock()
	if a.current == ch {
		a.current = nil
	}
	a.mu.Unlock()
}

// provisionProfile creates the starting profile of an account created by
// this sign-in. A failure leaves the session without a profile, which the
// access gate treats as incomplete.
func (a *OtpAuthenticator) provisionProfile(ctx context.Context, userID string) {
	p, err := a.gw.CreateProfile(ctx, userID, account.ProfileFields{})
	if err != nil {
		if !errors.Is(err, client.ErrConflict) {
			a.logger.Warn("profile provisioning failed", zap.String("user_id", userID), zap.Error(err))
		}
		return
	}
	a.store.SetProfile(p)
}

func allDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
