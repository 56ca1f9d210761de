package store

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/google/uuid"
)

// CreateUser creates a new sender account.
func (s *Store) CreateUser(ctx context.Context, u *User) error {
	u.ID = uuid.New()
	u.Email = strings.ToLower(strings.TrimSpace(u.Email))
	u.CreatedAt = time.Now()
	u.UpdatedAt = time.Now()
	u.LastResetDate = time.Now()
	if u.MaxDailyEmails == 0 {
		u.MaxDailyEmails = 50
	}

	query := `INSERT INTO engine_users (id, email, name, access_token, refresh_token, token_expiry,
		daily_emails_sent, last_reset_date, max_daily_emails, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

	_, err := s.db.ExecContext(ctx, query, u.ID, u.Email, u.Name,
		u.Credential.AccessToken, u.Credential.RefreshToken, u.Credential.Expiry,
		u.DailyEmailsSent, u.LastResetDate, u.MaxDailyEmails, u.CreatedAt, u.UpdatedAt)
	return err
}

const userColumns = `id, email, name, COALESCE(access_token, ''), COALESCE(refresh_token, ''),
	token_expiry, daily_emails_sent, last_reset_date, max_daily_emails, created_at, updated_at`

func scanUser(row *sql.Row) (*User, error) {
	u := &User{}
	err := row.Scan(&u.ID, &u.Email, &u.Name, &u.Credential.AccessToken, &u.Credential.RefreshToken,
		&u.Credential.Expiry, &u.DailyEmailsSent, &u.LastResetDate, &u.MaxDailyEmails,
		&u.CreatedAt, &u.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return u, err
}

// GetUser retrieves a user by ID. Returns (nil, nil) when absent.
func (s *Store) GetUser(ctx context.Context, id uuid.UUID) (*User, error) {
	query := `SELECT ` + userColumns + ` FROM engine_users WHERE id = $1`
	return scanUser(s.db.QueryRowContext(ctx, query, id))
}

// GetUserByEmail retrieves a user by email. Returns (nil, nil) when absent.
func (s *Store) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	query := `SELECT ` + userColumns + ` FROM engine_users WHERE email = $1`
	return scanUser(s.db.QueryRowContext(ctx, query, strings.ToLower(strings.TrimSpace(email))))
}

// UpdateCredential replaces the stored token fields atomically. When the
// provider omits a rotated refresh token the prior one is preserved.
func (s *Store) UpdateCredential(ctx context.Context, userID uuid.UUID, cred Credential) error {
	query := `UPDATE engine_users SET
		access_token = $2,
		refresh_token = CASE WHEN $3 = '' THEN refresh_token ELSE $3 END,
		token_expiry = $4,
		updated_at = NOW()
		WHERE id = $1`

	res, err := s.db.ExecContext(ctx, query, userID, cred.AccessToken, cred.RefreshToken, cred.Expiry)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ReserveDailySend consumes one unit of the user's daily send quota.
// The counter resets when the calendar day changes; the reset and the
// increment happen in a single statement so concurrent sends cannot race
// past the cap. Returns ErrQuotaExceeded when the cap is already reached.
func (s *Store) ReserveDailySend(ctx context.Context, userID uuid.UUID) error {
	query := `UPDATE engine_users SET
		daily_emails_sent = CASE WHEN last_reset_date::date < CURRENT_DATE THEN 1 ELSE daily_emails_sent + 1 END,
		last_reset_date   = CASE WHEN last_reset_date::date < CURRENT_DATE THEN NOW() ELSE last_reset_date END,
		updated_at = NOW()
		WHERE id = $1
		  AND (last_reset_date::date < CURRENT_DATE OR daily_emails_sent < max_daily_emails)`

	res, err := s.db.ExecContext(ctx, query, userID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrQuotaExceeded
	}
	return nil
}
