package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shepherdsync/backend/internal/models"
)

const userColumns = `
  id, organization_id, email, password_hash, first_name, last_name,
  phone, avatar_url, role, is_active, email_verified, last_login_at,
  login_count, reset_token, reset_token_expiry, created_at, updated_at`

// CreateUser inserts a user into an organization. A duplicate email
// returns ErrConflict.
func (s *Store) CreateUser(ctx context.Context, user *models.User) error {
	if user.ID == "" {
		user.ID = newID()
	}

	err := s.db.QueryRowContext(ctx, `
INSERT INTO users (
  id, organization_id, email, password_hash, first_name, last_name,
  phone, avatar_url, role, is_active, email_verified
) VALUES ($1, $2, LOWER($3), $4, $5, $6, $7, $8, $9, $10, $11)
RETURNING created_at, updated_at`,
		user.ID,
		user.OrganizationID,
		user.Email,
		nullString(user.PasswordHash),
		user.FirstName,
		user.LastName,
		nullString(user.Phone),
		nullString(user.AvatarURL),
		user.Role,
		user.IsActive,
		user.EmailVerified,
	).Scan(&user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("store: email %q already registered: %w", user.Email, ErrConflict)
		}
		return fmt.Errorf("store: create user: %w", err)
	}

	return nil
}

// GetUser retrieves a user by ID within an organization.
func (s *Store) GetUser(ctx context.Context, orgID, id string) (*models.User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT`+userColumns+` FROM users WHERE organization_id = $1 AND id = $2`, orgID, id)
	return scanUser(row)
}

// GetUserByID retrieves a user by ID regardless of tenant. Used by the
// auth middleware, which learns the tenant from the token itself.
func (s *Store) GetUserByID(ctx context.Context, id string) (*models.User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT`+userColumns+` FROM users WHERE id = $1`, id)
	return scanUser(row)
}

// GetUserByEmail retrieves a user by their email address.
func (s *Store) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT`+userColumns+` FROM users WHERE email = LOWER($1)`, email)
	return scanUser(row)
}

// ListUsers returns an organization's users ordered by creation time.
func (s *Store) ListUsers(ctx context.Context, orgID string, limit, offset int) ([]models.User, error) {
	limit, offset = Page(limit, offset)

	rows, err := s.db.QueryContext(ctx, `
SELECT`+userColumns+`
FROM users
WHERE organization_id = $1
ORDER BY created_at DESC
LIMIT $2 OFFSET $3`, orgID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("store: list users: %w", err)
	}
	defer rows.Close()

	var users []models.User
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, *user)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate users: %w", err)
	}

	return users, nil
}

// UpdateUser persists mutable profile fields.
func (s *Store) UpdateUser(ctx context.Context, user *models.User) error {
	result, err := s.db.ExecContext(ctx, `
UPDATE users
SET first_name = $1,
    last_name = $2,
    phone = $3,
    avatar_url = $4,
    role = $5,
    is_active = $6,
    updated_at = now()
WHERE organization_id = $7 AND id = $8`,
		user.FirstName,
		user.LastName,
		nullString(user.Phone),
		nullString(user.AvatarURL),
		user.Role,
		user.IsActive,
		user.OrganizationID,
		user.ID,
	)
	if err != nil {
		return fmt.Errorf("store: update user: %w", err)
	}
	return requireRow(result, "user")
}

// RecordLogin stamps a successful login.
func (s *Store) RecordLogin(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE users
SET last_login_at = now(), login_count = login_count + 1, updated_at = now()
WHERE id = $1`, userID)
	if err != nil {
		return fmt.Errorf("store: record login: %w", err)
	}
	return nil
}

// SetResetToken stores a password reset token for the user with the
// given email. Returns the matched user, or ErrNotFound.
func (s *Store) SetResetToken(ctx context.Context, email, token string, expiry time.Time) (*models.User, error) {
	row := s.db.QueryRowContext(ctx, `
UPDATE users
SET reset_token = $1, reset_token_expiry = $2, updated_at = now()
WHERE email = LOWER($3) AND is_active = true
RETURNING`+userColumns, token, expiry, email)
	return scanUser(row)
}

// ResetPassword consumes a reset token. The conditional WHERE clause
// makes the token single use; an expired or already-used token matches
// nothing and returns ErrNotFound.
func (s *Store) ResetPassword(ctx context.Context, token, passwordHash string) error {
	result, err := s.db.ExecContext(ctx, `
UPDATE users
SET password_hash = $1,
    reset_token = NULL,
    reset_token_expiry = NULL,
    updated_at = now()
WHERE reset_token = $2 AND reset_token_expiry > now()`,
		passwordHash, token)
	if err != nil {
		return fmt.Errorf("store: reset password: %w", err)
	}
	return requireRow(result, "reset token")
}

// VerifyEmail marks the address on a pending verification token as
// confirmed. Tokens are stored in the reset_token column with a
// separate prefix so the two flows cannot consume each other's tokens.
func (s *Store) VerifyEmail(ctx context.Context, token string) error {
	result, err := s.db.ExecContext(ctx, `
UPDATE users
SET email_verified = true,
    reset_token = NULL,
    reset_token_expiry = NULL,
    updated_at = now()
WHERE reset_token = $1 AND reset_token_expiry > now() AND email_verified = false`,
		token)
	if err != nil {
		return fmt.Errorf("store: verify email: %w", err)
	}
	return requireRow(result, "verification token")
}

// SetVerificationToken stores an email verification token for a user.
func (s *Store) SetVerificationToken(ctx context.Context, userID, token string, expiry time.Time) error {
	result, err := s.db.ExecContext(ctx, `
UPDATE users
SET reset_token = $1, reset_token_expiry = $2, updated_at = now()
WHERE id = $3`, token, expiry, userID)
	if err != nil {
		return fmt.Errorf("store: set verification token: %w", err)
	}
	return requireRow(result, "user")
}

// SetPassword replaces a user's password hash.
func (s *Store) SetPassword(ctx context.Context, id, passwordHash string) error {
	result, err := s.db.ExecContext(ctx, `
UPDATE users SET password_hash = $1, updated_at = now()
WHERE id = $2`, passwordHash, id)
	if err != nil {
		return fmt.Errorf("store: set password: %w", err)
	}
	return requireRow(result, "user")
}

// DeactivateUser disables a login without removing history rows that
// reference it.
func (s *Store) DeactivateUser(ctx context.Context, orgID, id string) error {
	result, err := s.db.ExecContext(ctx, `
UPDATE users SET is_active = false, updated_at = now()
WHERE organization_id = $1 AND id = $2`, orgID, id)
	if err != nil {
		return fmt.Errorf("store: deactivate user: %w", err)
	}
	return requireRow(result, "user")
}

// ReactivateUser re-enables a previously deactivated login.
func (s *Store) ReactivateUser(ctx context.Context, orgID, id string) error {
	result, err := s.db.ExecContext(ctx, `
UPDATE users SET is_active = true, updated_at = now()
WHERE organization_id = $1 AND id = $2`, orgID, id)
	if err != nil {
		return fmt.Errorf("store: reactivate user: %w", err)
	}
	return requireRow(result, "user")
}

// CreateInvitation records a pending invitation with a fresh token.
func (s *Store) CreateInvitation(ctx context.Context, inv *models.Invitation) error {
	if inv.ID == "" {
		inv.ID = newID()
	}
	if inv.Token == "" {
		token, err := randomHex(32)
		if err != nil {
			return fmt.Errorf("store: generate invitation token: %w", err)
		}
		inv.Token = token
	}

	err := s.db.QueryRowContext(ctx, `
INSERT INTO invitations (id, organization_id, email, role, token, invited_by, expires_at)
VALUES ($1, $2, LOWER($3), $4, $5, $6, $7)
RETURNING created_at`,
		inv.ID,
		inv.OrganizationID,
		inv.Email,
		inv.Role,
		inv.Token,
		inv.InvitedBy,
		inv.ExpiresAt,
	).Scan(&inv.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("store: invitation for %q already pending: %w", inv.Email, ErrConflict)
		}
		return fmt.Errorf("store: create invitation: %w", err)
	}

	return nil
}

// RefreshInvitation rotates the token on a pending invitation and
// extends its expiry. Accepted invitations match nothing and return
// ErrNotFound.
func (s *Store) RefreshInvitation(ctx context.Context, orgID, id string, expiry time.Time) (*models.Invitation, error) {
	token, err := randomHex(32)
	if err != nil {
		return nil, fmt.Errorf("store: generate invitation token: %w", err)
	}

	var (
		inv        models.Invitation
		acceptedAt sql.NullTime
	)
	err = s.db.QueryRowContext(ctx, `
UPDATE invitations SET token = $1, expires_at = $2
WHERE organization_id = $3 AND id = $4 AND accepted_at IS NULL
RETURNING id, organization_id, email, role, token, invited_by, expires_at, accepted_at, created_at`,
		token, expiry, orgID, id).Scan(
		&inv.ID,
		&inv.OrganizationID,
		&inv.Email,
		&inv.Role,
		&inv.Token,
		&inv.InvitedBy,
		&inv.ExpiresAt,
		&acceptedAt,
		&inv.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: refresh invitation: %w", err)
	}
	inv.AcceptedAt = nullTimePtr(acceptedAt)

	return &inv, nil
}

// GetInvitationByToken retrieves a pending invitation.
func (s *Store) GetInvitationByToken(ctx context.Context, token string) (*models.Invitation, error) {
	var (
		inv        models.Invitation
		acceptedAt sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
SELECT id, organization_id, email, role, token, invited_by, expires_at, accepted_at, created_at
FROM invitations
WHERE token = $1`, token).Scan(
		&inv.ID,
		&inv.OrganizationID,
		&inv.Email,
		&inv.Role,
		&inv.Token,
		&inv.InvitedBy,
		&inv.ExpiresAt,
		&acceptedAt,
		&inv.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get invitation: %w", err)
	}
	inv.AcceptedAt = nullTimePtr(acceptedAt)

	return &inv, nil
}

// AcceptInvitation creates the invited user and marks the invitation
// consumed, atomically. The conditional update rejects tokens that were
// already accepted or have expired.
func (s *Store) AcceptInvitation(ctx context.Context, inv *models.Invitation, user *models.User) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin accept invitation tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	result, err := tx.ExecContext(ctx, `
UPDATE invitations SET accepted_at = now()
WHERE id = $1 AND accepted_at IS NULL AND expires_at > now()`, inv.ID)
	if err != nil {
		return fmt.Errorf("store: accept invitation: %w", err)
	}
	if err := requireRow(result, "invitation"); err != nil {
		return err
	}

	if user.ID == "" {
		user.ID = newID()
	}

	err = tx.QueryRowContext(ctx, `
INSERT INTO users (
  id, organization_id, email, password_hash, first_name, last_name,
  role, is_active, email_verified
) VALUES ($1, $2, LOWER($3), $4, $5, $6, $7, true, true)
RETURNING created_at, updated_at`,
		user.ID,
		user.OrganizationID,
		user.Email,
		nullString(user.PasswordHash),
		user.FirstName,
		user.LastName,
		user.Role,
	).Scan(&user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("store: email %q already registered: %w", user.Email, ErrConflict)
		}
		return fmt.Errorf("store: create invited user: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit accept invitation tx: %w", err)
	}

	return nil
}

func scanUser(row rowScanner) (*models.User, error) {
	var (
		user             models.User
		passwordHash     sql.NullString
		phone            sql.NullString
		avatarURL        sql.NullString
		lastLoginAt      sql.NullTime
		resetToken       sql.NullString
		resetTokenExpiry sql.NullTime
	)

	err := row.Scan(
		&user.ID,
		&user.OrganizationID,
		&user.Email,
		&passwordHash,
		&user.FirstName,
		&user.LastName,
		&phone,
		&avatarURL,
		&user.Role,
		&user.IsActive,
		&user.EmailVerified,
		&lastLoginAt,
		&user.LoginCount,
		&resetToken,
		&resetTokenExpiry,
		&user.CreatedAt,
		&user.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan user: %w", err)
	}

	user.PasswordHash = nullStringPtr(passwordHash)
	user.Phone = nullStringPtr(phone)
	user.AvatarURL = nullStringPtr(avatarURL)
	user.LastLoginAt = nullTimePtr(lastLoginAt)
	user.ResetToken = nullStringPtr(resetToken)
	user.ResetTokenExpiry = nullTimePtr(resetTokenExpiry)

	return &user, nil
}
