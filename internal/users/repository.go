package users

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/krishisetu/krishisetu/pkg/account"
)

// ErrNotFound is returned when a lookup finds no matching record.
var ErrNotFound = errors.New("not found")

// ErrDuplicateEmail is returned when a signup attempts to use an already-registered email.
var ErrDuplicateEmail = errors.New("email already registered")

// ErrDuplicatePhone is returned when an account already exists for the phone number.
var ErrDuplicatePhone = errors.New("phone already registered")

// ErrProfileExists is returned when a profile is created twice for one account.
var ErrProfileExists = errors.New("profile already exists")

// ErrTokenExpired is returned for a confirmation token past its deadline.
var ErrTokenExpired = errors.New("confirmation token expired")

const uniqueViolation = "23505"

// PostgresRepository stores accounts, sessions, codes and profiles in PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const accountColumns = `id, COALESCE(email, ''), COALESCE(phone, ''), password_hash,
	email_confirmed_at, phone_confirmed_at, created_at, updated_at`

// CreateAccount inserts a new account. Sets ID, CreatedAt and UpdatedAt.
func (r *PostgresRepository) CreateAccount(ctx context.Context, a *Account) error {
	a.ID = uuid.New()
	now := time.Now().UTC()
	a.CreatedAt = now
	a.UpdatedAt = now

	q := `
		INSERT INTO accounts (id, email, phone, password_hash, email_confirmed_at, phone_confirmed_at, created_at, updated_at)
		VALUES ($1, NULLIF($2, ''), NULLIF($3, ''), $4, $5, $6, $7, $8)`
	_, err := r.db.Exec(ctx, q,
		a.ID, a.Email, a.Phone, a.PasswordHash,
		a.EmailConfirmedAt, a.PhoneConfirmedAt, a.CreatedAt, a.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			if pgErr.ConstraintName == "accounts_phone_key" {
				return ErrDuplicatePhone
			}
			return ErrDuplicateEmail
		}
		return fmt.Errorf("create account: %w", err)
	}
	return nil
}

// GetAccount retrieves an account by ID.
func (r *PostgresRepository) GetAccount(ctx context.Context, id uuid.UUID) (*Account, error) {
	return r.scanAccount(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id)
}

// GetAccountByEmail retrieves an account by email address.
func (r *PostgresRepository) GetAccountByEmail(ctx context.Context, email string) (*Account, error) {
	return r.scanAccount(ctx, `SELECT `+accountColumns+` FROM accounts WHERE email = $1`, email)
}

// GetAccountByPhone retrieves an account by E.164 phone number.
func (r *PostgresRepository) GetAccountByPhone(ctx context.Context, phone string) (*Account, error) {
	return r.scanAccount(ctx, `SELECT `+accountColumns+` FROM accounts WHERE phone = $1`, phone)
}

// ConfirmEmail marks the account's email confirmed without a token.
func (r *PostgresRepository) ConfirmEmail(ctx context.Context, id uuid.UUID, at time.Time) error {
	q := `UPDATE accounts SET email_confirmed_at = COALESCE(email_confirmed_at, $2), updated_at = $2 WHERE id = $1`
	_, err := r.db.Exec(ctx, q, id, at)
	return err
}

// ConfirmPhone marks the account's phone confirmed.
func (r *PostgresRepository) ConfirmPhone(ctx context.Context, id uuid.UUID, at time.Time) error {
	q := `UPDATE accounts SET phone_confirmed_at = COALESCE(phone_confirmed_at, $2), updated_at = $2 WHERE id = $1`
	_, err := r.db.Exec(ctx, q, id, at)
	return err
}

// CreateConfirmationToken stores a new email-confirmation token for the account.
func (r *PostgresRepository) CreateConfirmationToken(ctx context.Context, userID uuid.UUID, token string, expires time.Time) error {
	q := `
		INSERT INTO email_confirmations (token, user_id, expires_at, created_at)
		VALUES ($1, $2, $3, $4)`
	_, err := r.db.Exec(ctx, q, token, userID, expires, time.Now().UTC())
	return err
}

// UseConfirmationToken atomically consumes a confirmation token, confirms
// the owning account's email and returns the account. Unknown and already
// used tokens are ErrNotFound.
func (r *PostgresRepository) UseConfirmationToken(ctx context.Context, token string, now time.Time) (*Account, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var userID uuid.UUID
	var expiresAt time.Time
	var usedAt *time.Time
	q := `SELECT user_id, expires_at, used_at FROM email_confirmations WHERE token = $1 FOR UPDATE`
	if err := tx.QueryRow(ctx, q, token).Scan(&userID, &expiresAt, &usedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query confirmation token: %w", err)
	}
	if usedAt != nil {
		return nil, ErrNotFound
	}
	if now.After(expiresAt) {
		return nil, ErrTokenExpired
	}

	if _, err := tx.Exec(ctx,
		`UPDATE email_confirmations SET used_at = $2 WHERE token = $1`, token, now,
	); err != nil {
		return nil, fmt.Errorf("mark token used: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`UPDATE accounts SET email_confirmed_at = COALESCE(email_confirmed_at, $2), updated_at = $2 WHERE id = $1`, userID, now,
	); err != nil {
		return nil, fmt.Errorf("confirm email: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return r.GetAccount(ctx, userID)
}

// PutPhoneCode stores the outstanding code for a phone, replacing any earlier one.
func (r *PostgresRepository) PutPhoneCode(ctx context.Context, pc *PhoneCode) error {
	q := `
		INSERT INTO phone_codes (phone, code_hash, attempts, expires_at, created_at)
		VALUES ($1, $2, 0, $3, $4)
		ON CONFLICT (phone) DO UPDATE
		SET code_hash = EXCLUDED.code_hash, attempts = 0,
		    expires_at = EXCLUDED.expires_at, created_at = EXCLUDED.created_at`
	_, err := r.db.Exec(ctx, q, pc.Phone, pc.CodeHash, pc.ExpiresAt, pc.CreatedAt)
	return err
}

// GetPhoneCode returns the outstanding code for a phone.
func (r *PostgresRepository) GetPhoneCode(ctx context.Context, phone string) (*PhoneCode, error) {
	var pc PhoneCode
	q := `SELECT phone, code_hash, attempts, expires_at, created_at FROM phone_codes WHERE phone = $1`
	err := r.db.QueryRow(ctx, q, phone).Scan(&pc.Phone, &pc.CodeHash, &pc.Attempts, &pc.ExpiresAt, &pc.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query phone code: %w", err)
	}
	return &pc, nil
}

// RecordPhoneCodeAttempt counts one failed verification against the code.
func (r *PostgresRepository) RecordPhoneCodeAttempt(ctx context.Context, phone string) error {
	_, err := r.db.Exec(ctx, `UPDATE phone_codes SET attempts = attempts + 1 WHERE phone = $1`, phone)
	return err
}

// DeletePhoneCode removes the outstanding code for a phone.
func (r *PostgresRepository) DeletePhoneCode(ctx context.Context, phone string) error {
	_, err := r.db.Exec(ctx, `DELETE FROM phone_codes WHERE phone = $1`, phone)
	return err
}

// CreateSession inserts a session record. Sets ID and CreatedAt.
func (r *PostgresRepository) CreateSession(ctx context.Context, s *SessionRecord) error {
	s.ID = uuid.New()
	s.CreatedAt = time.Now().UTC()
	q := `INSERT INTO sessions (id, user_id, expires_at, created_at) VALUES ($1, $2, $3, $4)`
	if _, err := r.db.Exec(ctx, q, s.ID, s.UserID, s.ExpiresAt, s.CreatedAt); err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

// GetSession retrieves a session record by ID.
func (r *PostgresRepository) GetSession(ctx context.Context, id uuid.UUID) (*SessionRecord, error) {
	var s SessionRecord
	q := `SELECT id, user_id, expires_at, revoked_at, created_at FROM sessions WHERE id = $1`
	err := r.db.QueryRow(ctx, q, id).Scan(&s.ID, &s.UserID, &s.ExpiresAt, &s.RevokedAt, &s.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query session: %w", err)
	}
	return &s, nil
}

// RevokeSession marks a session revoked. Revoking twice keeps the first time.
func (r *PostgresRepository) RevokeSession(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := r.db.Exec(ctx, `UPDATE sessions SET revoked_at = COALESCE(revoked_at, $2) WHERE id = $1`, id, at)
	return err
}

const profileColumns = `user_id::text, display_name, location, farm_size, primary_crops, experience,
	preferred_language, completed, points, level, created_at, updated_at`

// CreateProfile inserts a profile row. Sets CreatedAt and UpdatedAt.
func (r *PostgresRepository) CreateProfile(ctx context.Context, p *account.Profile) error {
	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now
	q := `
		INSERT INTO profiles (user_id, display_name, location, farm_size, primary_crops, experience,
		                      preferred_language, completed, points, level, created_at, updated_at)
		VALUES ($1::uuid, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`
	_, err := r.db.Exec(ctx, q,
		p.UserID, p.DisplayName, p.Location, string(p.FarmSize), p.PrimaryCrops, string(p.Experience),
		p.PreferredLanguage, p.Completed, p.Points, p.Level, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return ErrProfileExists
		}
		return fmt.Errorf("create profile: %w", err)
	}
	return nil
}

// GetProfile retrieves the profile of an account.
func (r *PostgresRepository) GetProfile(ctx context.Context, userID string) (*account.Profile, error) {
	var p account.Profile
	var farmSize, experience string
	q := `SELECT ` + profileColumns + ` FROM profiles WHERE user_id = $1::uuid`
	err := r.db.QueryRow(ctx, q, userID).Scan(
		&p.UserID, &p.DisplayName, &p.Location, &farmSize, &p.PrimaryCrops, &experience,
		&p.PreferredLanguage, &p.Completed, &p.Points, &p.Level, &p.CreatedAt, &p.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query profile: %w", err)
	}
	p.FarmSize = account.FarmSize(farmSize)
	p.Experience = account.Experience(experience)
	if p.PrimaryCrops == nil {
		p.PrimaryCrops = []string{}
	}
	return &p, nil
}

// SaveProfile overwrites the mutable columns of an existing profile.
func (r *PostgresRepository) SaveProfile(ctx context.Context, p *account.Profile) error {
	p.UpdatedAt = time.Now().UTC()
	q := `
		UPDATE profiles
		SET display_name = $2, location = $3, farm_size = $4, primary_crops = $5, experience = $6,
		    preferred_language = $7, completed = $8, points = $9, level = $10, updated_at = $11
		WHERE user_id = $1::uuid`
	tag, err := r.db.Exec(ctx, q,
		p.UserID, p.DisplayName, p.Location, string(p.FarmSize), p.PrimaryCrops, string(p.Experience),
		p.PreferredLanguage, p.Completed, p.Points, p.Level, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save profile: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteExpired removes expired codes, spent or expired confirmation links
// and ended sessions. It returns the number of rows removed.
func (r *PostgresRepository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	var total int64
	for _, q := range []string{
		`DELETE FROM phone_codes WHERE expires_at < $1`,
		`DELETE FROM email_confirmations WHERE used_at IS NOT NULL OR expires_at < $1`,
		`DELETE FROM sessions WHERE revoked_at IS NOT NULL OR expires_at < $1`,
	} {
		tag, err := r.db.Exec(ctx, q, now)
		if err != nil {
			return total, fmt.Errorf("delete expired: %w", err)
		}
		total += tag.RowsAffected()
	}
	return total, nil
}

func (r *PostgresRepository) scanAccount(ctx context.Context, q string, args ...any) (*Account, error) {
	var a Account
	err := r.db.QueryRow(ctx, q, args...).Scan(
		&a.ID, &a.Email, &a.Phone, &a.PasswordHash,
		&a.EmailConfirmedAt, &a.PhoneConfirmedAt, &a.CreatedAt, &a.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan account: %w", err)
	}
	return &a, nil
}
