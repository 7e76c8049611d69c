package users

import (
	"time"

	"github.com/google/uuid"
	"github.com/krishisetu/krishisetu/pkg/account"
)

// Account is a sign-in identity held by the backend. An account is created
// either through email signup (Email set, PasswordHash set) or through the
// first phone sign-in (Phone set, no password).
type Account struct {
	ID               uuid.UUID  `json:"id"                 db:"id"`
	Email            string     `json:"email,omitempty"    db:"email"`
	Phone            string     `json:"phone,omitempty"    db:"phone"`
	PasswordHash     string     `json:"-"                  db:"password_hash"`
	EmailConfirmedAt *time.Time `json:"email_confirmed_at" db:"email_confirmed_at"`
	PhoneConfirmedAt *time.Time `json:"phone_confirmed_at" db:"phone_confirmed_at"`
	CreatedAt        time.Time  `json:"created_at"         db:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"         db:"updated_at"`
}

// Identity converts the account into its wire form.
func (a *Account) Identity() account.Identity {
	return account.Identity{
		ID:               a.ID.String(),
		Email:            a.Email,
		Phone:            a.Phone,
		EmailConfirmedAt: a.EmailConfirmedAt,
		PhoneConfirmedAt: a.PhoneConfirmedAt,
		CreatedAt:        a.CreatedAt,
	}
}

// SessionRecord is a server-side session. A session token names it by ID;
// revoking the record invalidates every copy of the token.
type SessionRecord struct {
	ID        uuid.UUID  `db:"id"`
	UserID    uuid.UUID  `db:"user_id"`
	ExpiresAt time.Time  `db:"expires_at"`
	RevokedAt *time.Time `db:"revoked_at"`
	CreatedAt time.Time  `db:"created_at"`
}

// Live reports whether the session is neither revoked nor expired at now.
func (s *SessionRecord) Live(now time.Time) bool {
	return s.RevokedAt == nil && now.Before(s.ExpiresAt)
}

// PhoneCode is the outstanding one-time code for a phone number. Only the
// bcrypt hash of the code is stored.
type PhoneCode struct {
	Phone     string    `db:"phone"`
	CodeHash  string    `db:"code_hash"`
	Attempts  int       `db:"attempts"`
	ExpiresAt time.Time `db:"expires_at"`
	CreatedAt time.Time `db:"created_at"`
}
