package users

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/krishisetu/krishisetu/internal/notify"
	"github.com/krishisetu/krishisetu/pkg/account"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

// Service errors surfaced to the HTTP layer.
var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInvalidToken       = errors.New("confirmation token not found")
	ErrSessionRevoked     = errors.New("session revoked or expired")
	ErrInvalidCode        = errors.New("invalid one-time code")
	ErrCodeExpired        = errors.New("one-time code expired")
	ErrRateLimited        = errors.New("too many code requests")
)

// InvalidInputError reports a request field the service rejected.
type InvalidInputError struct {
	Field   string
	Message string
}

func (e *InvalidInputError) Error() string { return e.Field + ": " + e.Message }

// MinPasswordLength is the shortest accepted password.
const MinPasswordLength = 6

// repository is the storage interface consumed by Service.
type repository interface {
	CreateAccount(ctx context.Context, a *Account) error
	GetAccount(ctx context.Context, id uuid.UUID) (*Account, error)
	GetAccountByEmail(ctx context.Context, email string) (*Account, error)
	GetAccountByPhone(ctx context.Context, phone string) (*Account, error)
	ConfirmEmail(ctx context.Context, id uuid.UUID, at time.Time) error
	ConfirmPhone(ctx context.Context, id uuid.UUID, at time.Time) error
	CreateConfirmationToken(ctx context.Context, userID uuid.UUID, token string, expires time.Time) error
	UseConfirmationToken(ctx context.Context, token string, now time.Time) (*Account, error)
	PutPhoneCode(ctx context.Context, pc *PhoneCode) error
	GetPhoneCode(ctx context.Context, phone string) (*PhoneCode, error)
	RecordPhoneCodeAttempt(ctx context.Context, phone string) error
	DeletePhoneCode(ctx context.Context, phone string) error
	CreateSession(ctx context.Context, s *SessionRecord) error
	GetSession(ctx context.Context, id uuid.UUID) (*SessionRecord, error)
	RevokeSession(ctx context.Context, id uuid.UUID, at time.Time) error
	CreateProfile(ctx context.Context, p *account.Profile) error
	GetProfile(ctx context.Context, userID string) (*account.Profile, error)
	SaveProfile(ctx context.Context, p *account.Profile) error
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// Config tunes Service. Zero values take the defaults noted per field.
type Config struct {
	// FrontendURL is the base of confirmation links.
	FrontendURL string
	// ConfirmationTTL defaults to 24h.
	ConfirmationTTL time.Duration
	// SessionTTL defaults to 24h.
	SessionTTL time.Duration
	// CodeTTL defaults to 10m.
	CodeTTL time.Duration
	// CodeLength defaults to 6.
	CodeLength int
	// MaxCodeAttempts defaults to 5; the code is burned after that many misses.
	MaxCodeAttempts int
	// CodesPerMinute caps code requests per phone; defaults to 3.
	CodesPerMinute int
	// AutoConfirmEmail marks new email accounts confirmed at signup.
	AutoConfirmEmail bool
	Now              func() time.Time
}

func (c *Config) setDefaults() {
	if c.ConfirmationTTL == 0 {
		c.ConfirmationTTL = 24 * time.Hour
	}
	if c.SessionTTL == 0 {
		c.SessionTTL = 24 * time.Hour
	}
	if c.CodeTTL == 0 {
		c.CodeTTL = 10 * time.Minute
	}
	if c.CodeLength == 0 {
		c.CodeLength = 6
	}
	if c.MaxCodeAttempts == 0 {
		c.MaxCodeAttempts = 5
	}
	if c.CodesPerMinute == 0 {
		c.CodesPerMinute = 3
	}
	if c.Now == nil {
		c.Now = func() time.Time { return time.Now().UTC() }
	}
	c.FrontendURL = strings.TrimRight(c.FrontendURL, "/")
}

// Service implements account, session and profile management for identityd.
type Service struct {
	repo   repository
	mailer notify.EmailSender
	sms    notify.SMSSender
	cfg    Config
	limits *phoneLimiter
	logger *zap.Logger
}

// NewService creates a Service.
func NewService(repo repository, mailer notify.EmailSender, sms notify.SMSSender, cfg Config, logger *zap.Logger) *Service {
	cfg.setDefaults()
	return &Service{
		repo:   repo,
		mailer: mailer,
		sms:    sms,
		cfg:    cfg,
		limits: newPhoneLimiter(cfg.CodesPerMinute),
		logger: logger,
	}
}

// Signup creates an email/password account and provisions its profile from
// metadata["display_name"]. Unless auto-confirm is on, a confirmation link is
// mailed; a mail failure is logged and the account still exists.
func (s *Service) Signup(ctx context.Context, emailAddr, password string, metadata map[string]string) (*Account, error) {
	emailAddr, err := normalizeEmail(emailAddr)
	if err != nil {
		return nil, err
	}
	if len(password) < MinPasswordLength {
		return nil, &InvalidInputError{Field: "password", Message: fmt.Sprintf("must be at least %d characters", MinPasswordLength)}
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	a := &Account{Email: emailAddr, PasswordHash: string(hash)}
	if s.cfg.AutoConfirmEmail {
		now := s.cfg.Now()
		a.EmailConfirmedAt = &now
	}
	if err := s.repo.CreateAccount(ctx, a); err != nil {
		if errors.Is(err, ErrDuplicateEmail) {
			return nil, ErrDuplicateEmail
		}
		return nil, fmt.Errorf("create account: %w", err)
	}

	displayName := strings.TrimSpace(metadata["display_name"])
	if _, err := s.provisionProfile(ctx, a.ID.String(), displayName); err != nil {
		s.logger.Warn("provision profile at signup",
			zap.String("user_id", a.ID.String()),
			zap.Error(err),
		)
	}

	if a.EmailConfirmedAt == nil {
		if err := s.sendConfirmation(ctx, a, displayName); err != nil {
			s.logger.Warn("failed to send confirmation email",
				zap.String("user_id", a.ID.String()),
				zap.Error(err),
			)
		}
	}

	s.logger.Info("account created", zap.String("user_id", a.ID.String()), zap.String("channel", "email"))
	return a, nil
}

// Login verifies email/password credentials. Unconfirmed accounts log in
// too; the caller decides what an unconfirmed session may do.
func (s *Service) Login(ctx context.Context, emailAddr, password string) (*Account, error) {
	emailAddr = strings.ToLower(strings.TrimSpace(emailAddr))
	a, err := s.repo.GetAccountByEmail(ctx, emailAddr)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("lookup account: %w", err)
	}
	if a.PasswordHash == "" {
		return nil, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(a.PasswordHash), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}
	return a, nil
}

// ConfirmEmail consumes a confirmation token and returns the confirmed account.
func (s *Service) ConfirmEmail(ctx context.Context, token string) (*Account, error) {
	a, err := s.repo.UseConfirmationToken(ctx, token, s.cfg.Now())
	if err != nil {
		switch {
		case errors.Is(err, ErrNotFound):
			return nil, ErrInvalidToken
		case errors.Is(err, ErrTokenExpired):
			return nil, ErrTokenExpired
		}
		return nil, fmt.Errorf("confirm email: %w", err)
	}
	s.logger.Info("email confirmed", zap.String("user_id", a.ID.String()))
	return a, nil
}

// ResendConfirmation mails a fresh confirmation link if the address belongs
// to an unconfirmed account. It always returns nil so callers cannot probe
// which addresses are registered.
func (s *Service) ResendConfirmation(ctx context.Context, emailAddr string) error {
	a, err := s.repo.GetAccountByEmail(ctx, strings.ToLower(strings.TrimSpace(emailAddr)))
	if err != nil || a.EmailConfirmedAt != nil {
		return nil
	}
	var name string
	if p, err := s.repo.GetProfile(ctx, a.ID.String()); err == nil {
		name = p.DisplayName
	}
	if err := s.sendConfirmation(ctx, a, name); err != nil {
		s.logger.Warn("resend confirmation failed",
			zap.String("user_id", a.ID.String()),
			zap.Error(err),
		)
	}
	return nil
}

// StartSession opens a server-side session for a.
func (s *Service) StartSession(ctx context.Context, a *Account) (*SessionRecord, error) {
	rec := &SessionRecord{UserID: a.ID, ExpiresAt: s.cfg.Now().Add(s.cfg.SessionTTL)}
	if err := s.repo.CreateSession(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// Session returns a live session and its account.
func (s *Service) Session(ctx context.Context, sessionID uuid.UUID) (*SessionRecord, *Account, error) {
	rec, err := s.repo.GetSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil, ErrSessionRevoked
		}
		return nil, nil, fmt.Errorf("get session: %w", err)
	}
	if !rec.Live(s.cfg.Now()) {
		return nil, nil, ErrSessionRevoked
	}
	a, err := s.repo.GetAccount(ctx, rec.UserID)
	if err != nil {
		return nil, nil, fmt.Errorf("get account: %w", err)
	}
	return rec, a, nil
}

// EndSession revokes a session. Ending an unknown or ended session is not an error.
func (s *Service) EndSession(ctx context.Context, sessionID uuid.UUID) error {
	if err := s.repo.RevokeSession(ctx, sessionID, s.cfg.Now()); err != nil {
		return fmt.Errorf("revoke session: %w", err)
	}
	return nil
}

// PurgeExpired drops one-time codes, confirmation links and sessions that
// can no longer be used.
func (s *Service) PurgeExpired(ctx context.Context) (int64, error) {
	return s.repo.DeleteExpired(ctx, s.cfg.Now())
}

// sendConfirmation generates a token, persists it, and mails the link.
func (s *Service) sendConfirmation(ctx context.Context, a *Account, displayName string) error {
	token, err := generateSecureToken(32)
	if err != nil {
		return fmt.Errorf("generate token: %w", err)
	}
	expires := s.cfg.Now().Add(s.cfg.ConfirmationTTL)
	if err := s.repo.CreateConfirmationToken(ctx, a.ID, token, expires); err != nil {
		return fmt.Errorf("persist confirmation token: %w", err)
	}

	link := s.cfg.FrontendURL + "/confirm-email?token=" + token
	subject, body := notify.ConfirmationEmail(displayName, link, s.cfg.ConfirmationTTL)
	if err := s.mailer.Send(ctx, a.Email, subject, body); err != nil {
		return fmt.Errorf("send confirmation email: %w", err)
	}
	return nil
}

func normalizeEmail(raw string) (string, error) {
	raw = strings.ToLower(strings.TrimSpace(raw))
	if raw == "" {
		return "", &InvalidInputError{Field: "email", Message: "is required"}
	}
	addr, err := mail.ParseAddress(raw)
	if err != nil || addr.Address != raw {
		return "", &InvalidInputError{Field: "email", Message: "is not a valid address"}
	}
	return raw, nil
}

// generateSecureToken returns a hex-encoded random token of the given byte length.
func generateSecureToken(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
