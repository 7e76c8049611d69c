package users

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/krishisetu/krishisetu/pkg/account"
)

// MemoryRepository keeps everything in process memory. identityd uses it
// when no database is configured; tests use it directly.
type MemoryRepository struct {
	mu            sync.RWMutex
	accounts      map[uuid.UUID]*Account
	byEmail       map[string]uuid.UUID
	byPhone       map[string]uuid.UUID
	confirmations map[string]*confirmation
	codes         map[string]*PhoneCode
	sessions      map[uuid.UUID]*SessionRecord
	profiles      map[string]*account.Profile
}

type confirmation struct {
	userID    uuid.UUID
	expiresAt time.Time
	used      bool
}

// NewMemoryRepository creates an empty MemoryRepository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		accounts:      make(map[uuid.UUID]*Account),
		byEmail:       make(map[string]uuid.UUID),
		byPhone:       make(map[string]uuid.UUID),
		confirmations: make(map[string]*confirmation),
		codes:         make(map[string]*PhoneCode),
		sessions:      make(map[uuid.UUID]*SessionRecord),
		profiles:      make(map[string]*account.Profile),
	}
}

func (r *MemoryRepository) CreateAccount(_ context.Context, a *Account) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a.Email != "" {
		if _, ok := r.byEmail[a.Email]; ok {
			return ErrDuplicateEmail
		}
	}
	if a.Phone != "" {
		if _, ok := r.byPhone[a.Phone]; ok {
			return ErrDuplicatePhone
		}
	}
	a.ID = uuid.New()
	now := time.Now().UTC()
	a.CreatedAt = now
	a.UpdatedAt = now
	cp := *a
	r.accounts[a.ID] = &cp
	if a.Email != "" {
		r.byEmail[a.Email] = a.ID
	}
	if a.Phone != "" {
		r.byPhone[a.Phone] = a.ID
	}
	return nil
}

func (r *MemoryRepository) GetAccount(_ context.Context, id uuid.UUID) (*Account, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.accountLocked(id)
}

func (r *MemoryRepository) GetAccountByEmail(_ context.Context, email string) (*Account, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byEmail[email]
	if !ok {
		return nil, ErrNotFound
	}
	return r.accountLocked(id)
}

func (r *MemoryRepository) GetAccountByPhone(_ context.Context, phone string) (*Account, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byPhone[phone]
	if !ok {
		return nil, ErrNotFound
	}
	return r.accountLocked(id)
}

func (r *MemoryRepository) ConfirmEmail(_ context.Context, id uuid.UUID, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.accounts[id]; ok && a.EmailConfirmedAt == nil {
		a.EmailConfirmedAt = &at
		a.UpdatedAt = at
	}
	return nil
}

func (r *MemoryRepository) ConfirmPhone(_ context.Context, id uuid.UUID, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.accounts[id]; ok && a.PhoneConfirmedAt == nil {
		a.PhoneConfirmedAt = &at
		a.UpdatedAt = at
	}
	return nil
}

func (r *MemoryRepository) CreateConfirmationToken(_ context.Context, userID uuid.UUID, token string, expires time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.confirmations[token] = &confirmation{userID: userID, expiresAt: expires}
	return nil
}

func (r *MemoryRepository) UseConfirmationToken(_ context.Context, token string, now time.Time) (*Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.confirmations[token]
	if !ok || c.used {
		return nil, ErrNotFound
	}
	if now.After(c.expiresAt) {
		return nil, ErrTokenExpired
	}
	c.used = true
	a, ok := r.accounts[c.userID]
	if !ok {
		return nil, ErrNotFound
	}
	if a.EmailConfirmedAt == nil {
		a.EmailConfirmedAt = &now
		a.UpdatedAt = now
	}
	cp := *a
	return &cp, nil
}

func (r *MemoryRepository) PutPhoneCode(_ context.Context, pc *PhoneCode) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *pc
	cp.Attempts = 0
	r.codes[pc.Phone] = &cp
	return nil
}

func (r *MemoryRepository) GetPhoneCode(_ context.Context, phone string) (*PhoneCode, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	pc, ok := r.codes[phone]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *pc
	return &cp, nil
}

func (r *MemoryRepository) RecordPhoneCodeAttempt(_ context.Context, phone string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if pc, ok := r.codes[phone]; ok {
		pc.Attempts++
	}
	return nil
}

func (r *MemoryRepository) DeletePhoneCode(_ context.Context, phone string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.codes, phone)
	return nil
}

func (r *MemoryRepository) CreateSession(_ context.Context, s *SessionRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s.ID = uuid.New()
	s.CreatedAt = time.Now().UTC()
	cp := *s
	r.sessions[s.ID] = &cp
	return nil
}

func (r *MemoryRepository) GetSession(_ context.Context, id uuid.UUID) (*SessionRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (r *MemoryRepository) RevokeSession(_ context.Context, id uuid.UUID, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[id]; ok && s.RevokedAt == nil {
		s.RevokedAt = &at
	}
	return nil
}

func (r *MemoryRepository) CreateProfile(_ context.Context, p *account.Profile) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.profiles[p.UserID]; ok {
		return ErrProfileExists
	}
	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now
	r.profiles[p.UserID] = p.Clone()
	return nil
}

func (r *MemoryRepository) GetProfile(_ context.Context, userID string) (*account.Profile, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.profiles[userID]
	if !ok {
		return nil, ErrNotFound
	}
	return p.Clone(), nil
}

func (r *MemoryRepository) SaveProfile(_ context.Context, p *account.Profile) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.profiles[p.UserID]; !ok {
		return ErrNotFound
	}
	p.UpdatedAt = time.Now().UTC()
	r.profiles[p.UserID] = p.Clone()
	return nil
}

func (r *MemoryRepository) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for phone, pc := range r.codes {
		if now.After(pc.ExpiresAt) {
			delete(r.codes, phone)
			n++
		}
	}
	for tok, c := range r.confirmations {
		if c.used || now.After(c.expiresAt) {
			delete(r.confirmations, tok)
			n++
		}
	}
	for id, s := range r.sessions {
		if !s.Live(now) {
			delete(r.sessions, id)
			n++
		}
	}
	return n, nil
}

func (r *MemoryRepository) accountLocked(id uuid.UUID) (*Account, error) {
	a, ok := r.accounts[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}
