package users

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"regexp"
	"sync"
	"time"

	"github.com/krishisetu/krishisetu/internal/notify"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/time/rate"
)

var e164 = regexp.MustCompile(`^\+[1-9][0-9]{7,14}$`)

// RequestPhoneCode texts a fresh one-time code to phone, replacing any
// outstanding code for that number.
func (s *Service) RequestPhoneCode(ctx context.Context, phone string) error {
	if !e164.MatchString(phone) {
		return &InvalidInputError{Field: "phone", Message: "must be an E.164 number such as +919876543210"}
	}
	if !s.limits.allow(phone) {
		return ErrRateLimited
	}

	code, err := generateCode(s.cfg.CodeLength)
	if err != nil {
		return fmt.Errorf("generate code: %w", err)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(code), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash code: %w", err)
	}
	now := s.cfg.Now()
	if err := s.repo.PutPhoneCode(ctx, &PhoneCode{
		Phone:     phone,
		CodeHash:  string(hash),
		ExpiresAt: now.Add(s.cfg.CodeTTL),
		CreatedAt: now,
	}); err != nil {
		return fmt.Errorf("persist code: %w", err)
	}

	if err := s.sms.SendSMS(ctx, phone, notify.CodeSMS(code, s.cfg.CodeTTL)); err != nil {
		// An undeliverable code must not stay redeemable.
		_ = s.repo.DeletePhoneCode(ctx, phone)
		return fmt.Errorf("send code: %w", err)
	}
	return nil
}

// VerifyPhoneCode redeems a one-time code. On success it returns the account
// for phone, creating it on first sign-in; created reports whether it did.
func (s *Service) VerifyPhoneCode(ctx context.Context, phone, code string) (a *Account, created bool, err error) {
	pc, err := s.repo.GetPhoneCode(ctx, phone)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, false, ErrInvalidCode
		}
		return nil, false, fmt.Errorf("get code: %w", err)
	}

	now := s.cfg.Now()
	if now.After(pc.ExpiresAt) {
		_ = s.repo.DeletePhoneCode(ctx, phone)
		return nil, false, ErrCodeExpired
	}
	if bcrypt.CompareHashAndPassword([]byte(pc.CodeHash), []byte(code)) != nil {
		if pc.Attempts+1 >= s.cfg.MaxCodeAttempts {
			_ = s.repo.DeletePhoneCode(ctx, phone)
			s.logger.Info("one-time code burned after failed attempts", zap.String("phone", maskPhone(phone)))
		} else if err := s.repo.RecordPhoneCodeAttempt(ctx, phone); err != nil {
			s.logger.Warn("record code attempt", zap.Error(err))
		}
		return nil, false, ErrInvalidCode
	}
	if err := s.repo.DeletePhoneCode(ctx, phone); err != nil {
		s.logger.Warn("delete redeemed code", zap.Error(err))
	}

	a, err = s.repo.GetAccountByPhone(ctx, phone)
	switch {
	case err == nil:
		if a.PhoneConfirmedAt == nil {
			if err := s.repo.ConfirmPhone(ctx, a.ID, now); err != nil {
				return nil, false, fmt.Errorf("confirm phone: %w", err)
			}
			a.PhoneConfirmedAt = &now
		}
		return a, false, nil
	case errors.Is(err, ErrNotFound):
		a = &Account{Phone: phone, PhoneConfirmedAt: &now}
		if err := s.repo.CreateAccount(ctx, a); err != nil {
			return nil, false, fmt.Errorf("create account: %w", err)
		}
		s.logger.Info("account created", zap.String("user_id", a.ID.String()), zap.String("channel", "phone"))
		return a, true, nil
	default:
		return nil, false, fmt.Errorf("lookup account: %w", err)
	}
}

// phoneLimiter enforces a per-number token bucket on code requests.
type phoneLimiter struct {
	mu       sync.Mutex
	perMin   int
	limiters map[string]*rate.Limiter
}

func newPhoneLimiter(perMinute int) *phoneLimiter {
	return &phoneLimiter{perMin: perMinute, limiters: make(map[string]*rate.Limiter)}
}

func (l *phoneLimiter) allow(phone string) bool {
	l.mu.Lock()
	lim, ok := l.limiters[phone]
	if !ok {
		lim = rate.NewLimiter(rate.Every(time.Minute/time.Duration(l.perMin)), l.perMin)
		l.limiters[phone] = lim
	}
	l.mu.Unlock()
	return lim.Allow()
}

// generateCode returns n uniformly random decimal digits.
func generateCode(n int) (string, error) {
	buf := make([]byte, n)
	ten := big.NewInt(10)
	for i := range buf {
		d, err := rand.Int(rand.Reader, ten)
		if err != nil {
			return "", err
		}
		buf[i] = byte('0' + d.Int64())
	}
	return string(buf), nil
}

// maskPhone keeps the last four digits for logs.
func maskPhone(phone string) string {
	if len(phone) <= 4 {
		return phone
	}
	return "***" + phone[len(phone)-4:]
}
